package ledger

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/bitcoinbank/perpengine/internal/apperr"
	"github.com/bitcoinbank/perpengine/internal/model"
)

// GetOrCreateAccount returns the bank account for pubkey, creating it with
// zero balances if it does not yet exist.
func (l *Ledger) GetOrCreateAccount(pubkey string) (*model.BankAccount, error) {
	var acct model.BankAccount
	err := l.db.Transaction(func(tx *gorm.DB) error {
		res := tx.First(&acct, "pubkey = ?", pubkey)
		if res.Error == nil {
			return nil
		}
		if res.Error != gorm.ErrRecordNotFound {
			return res.Error
		}
		now := time.Now().Unix()
		acct = model.BankAccount{Pubkey: pubkey, CreatedAt: now, UpdatedAt: now}
		return tx.Create(&acct).Error
	})
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, "get or create account", err)
	}
	return &acct, nil
}

// GetBalanceMsats returns the spendable balance for pubkey, or 0 if the
// account does not exist.
func (l *Ledger) GetBalanceMsats(pubkey string) (int64, error) {
	var acct model.BankAccount
	err := l.db.First(&acct, "pubkey = ?", pubkey).Error
	if err == gorm.ErrRecordNotFound {
		return 0, nil
	}
	if err != nil {
		return 0, apperr.Wrap(apperr.Internal, "get balance", err)
	}
	return acct.BalanceMsats, nil
}

// GetSavingsBalanceMsats returns the savings balance for pubkey, or 0 if the
// account does not exist.
func (l *Ledger) GetSavingsBalanceMsats(pubkey string) (int64, error) {
	var acct model.BankAccount
	err := l.db.First(&acct, "pubkey = ?", pubkey).Error
	if err == gorm.ErrRecordNotFound {
		return 0, nil
	}
	if err != nil {
		return 0, apperr.Wrap(apperr.Internal, "get savings balance", err)
	}
	return acct.SavingsMsats, nil
}

// CreditDeposit credits a deposit to pubkey's spendable balance, creating
// the account if necessary, and records a Transaction.
func (l *Ledger) CreditDeposit(pubkey string, amountMsats int64, invoiceID, zapRequestID string) (*model.Transaction, error) {
	if amountMsats <= 0 {
		return nil, apperr.New(apperr.Validation, "deposit amount must be positive")
	}
	var txn model.Transaction
	err := l.db.Transaction(func(tx *gorm.DB) error {
		now := time.Now().Unix()
		var acct model.BankAccount
		res := tx.First(&acct, "pubkey = ?", pubkey)
		if res.Error == gorm.ErrRecordNotFound {
			acct = model.BankAccount{Pubkey: pubkey, BalanceMsats: amountMsats, CreatedAt: now, UpdatedAt: now}
			if err := tx.Create(&acct).Error; err != nil {
				return err
			}
		} else if res.Error != nil {
			return res.Error
		} else {
			acct.BalanceMsats += amountMsats
			acct.UpdatedAt = now
			if err := tx.Save(&acct).Error; err != nil {
				return err
			}
		}

		txn = model.Transaction{
			ID:                uuid.NewString(),
			Pubkey:            pubkey,
			Type:              model.TxDeposit,
			AmountMsats:       amountMsats,
			BalanceAfterMsats: acct.BalanceMsats,
			InvoiceID:         invoiceID,
			ZapRequestID:      zapRequestID,
			CreatedAt:         now,
		}
		return tx.Create(&txn).Error
	})
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, "credit deposit", err)
	}
	return &txn, nil
}

// DebitWithdrawal debits a withdrawal from pubkey's spendable balance.
// Fails with InsufficientBalance if the account lacks sufficient funds.
func (l *Ledger) DebitWithdrawal(pubkey string, amountMsats int64, invoiceID string) (*model.Transaction, error) {
	if amountMsats <= 0 {
		return nil, apperr.New(apperr.Validation, "withdrawal amount must be positive")
	}
	var txn model.Transaction
	err := l.db.Transaction(func(tx *gorm.DB) error {
		var acct model.BankAccount
		if err := tx.First(&acct, "pubkey = ?", pubkey).Error; err != nil {
			if err == gorm.ErrRecordNotFound {
				return apperr.New(apperr.InsufficientBalance, "no account for pubkey")
			}
			return err
		}
		if acct.BalanceMsats < amountMsats {
			return apperr.New(apperr.InsufficientBalance, "insufficient balance")
		}
		now := time.Now().Unix()
		acct.BalanceMsats -= amountMsats
		acct.UpdatedAt = now
		if err := tx.Save(&acct).Error; err != nil {
			return err
		}
		txn = model.Transaction{
			ID:                uuid.NewString(),
			Pubkey:            pubkey,
			Type:              model.TxWithdrawal,
			AmountMsats:       -amountMsats,
			BalanceAfterMsats: acct.BalanceMsats,
			InvoiceID:         invoiceID,
			CreatedAt:         now,
		}
		return tx.Create(&txn).Error
	})
	if err != nil {
		return nil, asAppErr(err, "debit withdrawal")
	}
	return &txn, nil
}

// TransferInternal moves amountMsats from fromPubkey to toPubkey atomically.
func (l *Ledger) TransferInternal(fromPubkey, toPubkey string, amountMsats int64, transferID string) error {
	if fromPubkey == toPubkey {
		return apperr.New(apperr.Validation, "cannot transfer to self")
	}
	if amountMsats <= 0 {
		return apperr.New(apperr.Validation, "transfer amount must be positive")
	}
	err := l.db.Transaction(func(tx *gorm.DB) error {
		now := time.Now().Unix()

		var from model.BankAccount
		if err := tx.First(&from, "pubkey = ?", fromPubkey).Error; err != nil {
			if err == gorm.ErrRecordNotFound {
				return apperr.New(apperr.InsufficientBalance, "no account for sender")
			}
			return err
		}
		if from.BalanceMsats < amountMsats {
			return apperr.New(apperr.InsufficientBalance, "insufficient balance")
		}
		from.BalanceMsats -= amountMsats
		from.UpdatedAt = now
		if err := tx.Save(&from).Error; err != nil {
			return err
		}

		var to model.BankAccount
		res := tx.First(&to, "pubkey = ?", toPubkey)
		if res.Error == gorm.ErrRecordNotFound {
			to = model.BankAccount{Pubkey: toPubkey, BalanceMsats: amountMsats, CreatedAt: now, UpdatedAt: now}
			if err := tx.Create(&to).Error; err != nil {
				return err
			}
		} else if res.Error != nil {
			return res.Error
		} else {
			to.BalanceMsats += amountMsats
			to.UpdatedAt = now
			if err := tx.Save(&to).Error; err != nil {
				return err
			}
		}

		debit := model.Transaction{
			ID: transferID + "-debit", Pubkey: fromPubkey, Type: model.TxTransferOut,
			AmountMsats: -amountMsats, BalanceAfterMsats: from.BalanceMsats,
			CounterpartyPubkey: toPubkey, CreatedAt: now,
		}
		credit := model.Transaction{
			ID: transferID + "-credit", Pubkey: toPubkey, Type: model.TxTransferIn,
			AmountMsats: amountMsats, BalanceAfterMsats: to.BalanceMsats,
			CounterpartyPubkey: fromPubkey, CreatedAt: now,
		}
		if err := tx.Create(&debit).Error; err != nil {
			return err
		}
		return tx.Create(&credit).Error
	})
	return asAppErr(err, "transfer internal")
}

// SavingsAdd moves amountMsats from spendable to savings balance.
func (l *Ledger) SavingsAdd(pubkey string, amountMsats int64) error {
	return l.moveSavings(pubkey, amountMsats)
}

// SavingsRemove moves amountMsats from savings back to spendable balance.
func (l *Ledger) SavingsRemove(pubkey string, amountMsats int64) error {
	return l.moveSavings(pubkey, -amountMsats)
}

func (l *Ledger) moveSavings(pubkey string, amountMsats int64) error {
	adding := amountMsats > 0
	magnitude := amountMsats
	if !adding {
		magnitude = -amountMsats
	}
	if magnitude <= 0 {
		return apperr.New(apperr.Validation, "savings transfer amount must be positive")
	}
	err := l.db.Transaction(func(tx *gorm.DB) error {
		var acct model.BankAccount
		if err := tx.First(&acct, "pubkey = ?", pubkey).Error; err != nil {
			if err == gorm.ErrRecordNotFound {
				return apperr.New(apperr.InsufficientBalance, "no account for pubkey")
			}
			return err
		}
		now := time.Now().Unix()
		var txType model.TransactionType
		var txAmount int64
		if adding {
			if acct.BalanceMsats < magnitude {
				return apperr.New(apperr.InsufficientBalance, "insufficient spendable balance")
			}
			acct.BalanceMsats -= magnitude
			acct.SavingsMsats += magnitude
			txType = model.TxSavingsAdd
			txAmount = -magnitude
		} else {
			if acct.SavingsMsats < magnitude {
				return apperr.New(apperr.InsufficientSavings, "insufficient savings balance")
			}
			acct.SavingsMsats -= magnitude
			acct.BalanceMsats += magnitude
			txType = model.TxSavingsRemove
			txAmount = magnitude
		}
		acct.UpdatedAt = now
		if err := tx.Save(&acct).Error; err != nil {
			return err
		}
		txn := model.Transaction{
			ID: uuid.NewString(), Pubkey: pubkey, Type: txType,
			AmountMsats: txAmount, BalanceAfterMsats: acct.BalanceMsats, CreatedAt: now,
		}
		return tx.Create(&txn).Error
	})
	return asAppErr(err, "move savings")
}

// YieldCredit credits yield to a saver's savings balance. Returns NotFound
// if the account does not exist.
func (l *Ledger) YieldCredit(pubkey string, amountMsats int64) (*model.Transaction, error) {
	var txn model.Transaction
	err := l.db.Transaction(func(tx *gorm.DB) error {
		var acct model.BankAccount
		if err := tx.First(&acct, "pubkey = ?", pubkey).Error; err != nil {
			if err == gorm.ErrRecordNotFound {
				return apperr.New(apperr.NotFound, "account not found")
			}
			return err
		}
		now := time.Now().Unix()
		acct.SavingsMsats += amountMsats
		acct.UpdatedAt = now
		if err := tx.Save(&acct).Error; err != nil {
			return err
		}
		txn = model.Transaction{
			ID: uuid.NewString(), Pubkey: pubkey, Type: model.TxYieldCredit,
			AmountMsats: amountMsats, BalanceAfterMsats: acct.SavingsMsats, CreatedAt: now,
		}
		return tx.Create(&txn).Error
	})
	if err != nil {
		return nil, asAppErr(err, "yield credit")
	}
	return &txn, nil
}

// GetRecentTransactions returns the most recent transactions for pubkey,
// newest first.
func (l *Ledger) GetRecentTransactions(pubkey string, limit int) ([]model.Transaction, error) {
	var txns []model.Transaction
	err := l.db.Where("pubkey = ?", pubkey).Order("created_at DESC").Limit(limit).Find(&txns).Error
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, "get recent transactions", err)
	}
	return txns, nil
}

// NWCRegister records that clientPubkey is permitted to act on behalf of
// userPubkey.
func (l *Ledger) NWCRegister(clientPubkey, userPubkey string) error {
	conn := model.NWCConnection{ClientPubkey: clientPubkey, UserPubkey: userPubkey, CreatedAt: time.Now().Unix()}
	err := l.db.Save(&conn).Error
	if err != nil {
		return apperr.Wrap(apperr.Internal, "nwc register", err)
	}
	return nil
}

// NWCLookupUser returns the user pubkey registered for clientPubkey, or
// NotFound if unregistered.
func (l *Ledger) NWCLookupUser(clientPubkey string) (string, error) {
	var conn model.NWCConnection
	err := l.db.First(&conn, "client_pubkey = ?", clientPubkey).Error
	if err == gorm.ErrRecordNotFound {
		return "", apperr.New(apperr.NotFound, "nwc connection not registered")
	}
	if err != nil {
		return "", apperr.Wrap(apperr.Internal, "nwc lookup", err)
	}
	return conn.UserPubkey, nil
}

// asAppErr passes through an already-typed *apperr.AppError, otherwise wraps
// err as Internal.
func asAppErr(err error, op string) error {
	if err == nil {
		return nil
	}
	if apperr.KindOf(err) != apperr.Internal {
		return err
	}
	return apperr.Wrap(apperr.Internal, op, err)
}
