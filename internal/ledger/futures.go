package ledger

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/bitcoinbank/perpengine/internal/apperr"
	"github.com/bitcoinbank/perpengine/internal/model"
)

// GetOrCreateFuturesAccount returns the futures collateral account for
// pubkey, creating it with zero collateral if absent.
func (l *Ledger) GetOrCreateFuturesAccount(pubkey string) (*model.FuturesAccount, error) {
	var acct model.FuturesAccount
	err := l.db.Transaction(func(tx *gorm.DB) error {
		res := tx.First(&acct, "pubkey = ?", pubkey)
		if res.Error == nil {
			return nil
		}
		if res.Error != gorm.ErrRecordNotFound {
			return res.Error
		}
		now := time.Now().Unix()
		acct = model.FuturesAccount{Pubkey: pubkey, CreatedAt: now, UpdatedAt: now}
		return tx.Create(&acct).Error
	})
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, "get or create futures account", err)
	}
	return &acct, nil
}

// GetCollateralMsats returns the futures collateral balance for pubkey, or 0
// if no account exists.
func (l *Ledger) GetCollateralMsats(pubkey string) (int64, error) {
	var acct model.FuturesAccount
	err := l.db.First(&acct, "pubkey = ?", pubkey).Error
	if err == gorm.ErrRecordNotFound {
		return 0, nil
	}
	if err != nil {
		return 0, apperr.Wrap(apperr.Internal, "get collateral", err)
	}
	return acct.CollateralMsats, nil
}

// CreditCollateral credits amountMsats to pubkey's futures collateral,
// creating the account if absent.
func (l *Ledger) CreditCollateral(pubkey string, amountMsats int64) (*model.FuturesAccount, error) {
	var acct model.FuturesAccount
	err := l.db.Transaction(func(tx *gorm.DB) error {
		now := time.Now().Unix()
		res := tx.First(&acct, "pubkey = ?", pubkey)
		if res.Error == gorm.ErrRecordNotFound {
			acct = model.FuturesAccount{Pubkey: pubkey, CollateralMsats: amountMsats, CreatedAt: now, UpdatedAt: now}
			return tx.Create(&acct).Error
		}
		if res.Error != nil {
			return res.Error
		}
		acct.CollateralMsats += amountMsats
		acct.UpdatedAt = now
		return tx.Save(&acct).Error
	})
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, "credit collateral", err)
	}
	return &acct, nil
}

// DebitCollateral debits amountMsats from pubkey's futures collateral.
// Fails with InsufficientCollateral if the balance is too low.
func (l *Ledger) DebitCollateral(pubkey string, amountMsats int64) (*model.FuturesAccount, error) {
	var acct model.FuturesAccount
	err := l.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.First(&acct, "pubkey = ?", pubkey).Error; err != nil {
			if err == gorm.ErrRecordNotFound {
				return apperr.New(apperr.InsufficientCollateral, "no futures account")
			}
			return err
		}
		if acct.CollateralMsats < amountMsats {
			return apperr.New(apperr.InsufficientCollateral, "insufficient collateral")
		}
		acct.CollateralMsats -= amountMsats
		acct.UpdatedAt = time.Now().Unix()
		return tx.Save(&acct).Error
	})
	if err != nil {
		return nil, asAppErr(err, "debit collateral")
	}
	return &acct, nil
}

// AdjustCollateral applies a signed delta to pubkey's futures collateral,
// clamping at zero rather than erroring.
func (l *Ledger) AdjustCollateral(pubkey string, deltaMsats int64) (*model.FuturesAccount, error) {
	var acct model.FuturesAccount
	err := l.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.First(&acct, "pubkey = ?", pubkey).Error; err != nil {
			return err
		}
		acct.CollateralMsats += deltaMsats
		if acct.CollateralMsats < 0 {
			acct.CollateralMsats = 0
		}
		acct.UpdatedAt = time.Now().Unix()
		return tx.Save(&acct).Error
	})
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, "adjust collateral", err)
	}
	return &acct, nil
}

// DepositCollateral atomically moves amountMsats from pubkey's bank balance
// to its futures collateral. Fails with InsufficientBalance if the bank
// balance is too low, and with Validation for an empty pubkey or the "anon"
// pseudo-account.
func (l *Ledger) DepositCollateral(pubkey string, amountMsats int64) (*model.FuturesAccount, error) {
	if pubkey == "" || pubkey == "anon" {
		return nil, apperr.New(apperr.Validation, "invalid pubkey")
	}
	if amountMsats <= 0 {
		return nil, apperr.New(apperr.Validation, "deposit amount must be positive")
	}
	var futures model.FuturesAccount
	err := l.db.Transaction(func(tx *gorm.DB) error {
		var bank model.BankAccount
		if err := tx.First(&bank, "pubkey = ?", pubkey).Error; err != nil {
			if err == gorm.ErrRecordNotFound {
				return apperr.New(apperr.InsufficientBalance, "no bank account for pubkey")
			}
			return err
		}
		if bank.BalanceMsats < amountMsats {
			return apperr.New(apperr.InsufficientBalance, "insufficient bank balance")
		}
		now := time.Now().Unix()
		bank.BalanceMsats -= amountMsats
		bank.UpdatedAt = now
		if err := tx.Save(&bank).Error; err != nil {
			return err
		}

		res := tx.First(&futures, "pubkey = ?", pubkey)
		if res.Error == gorm.ErrRecordNotFound {
			futures = model.FuturesAccount{Pubkey: pubkey, CollateralMsats: amountMsats, CreatedAt: now, UpdatedAt: now}
			return tx.Create(&futures).Error
		}
		if res.Error != nil {
			return res.Error
		}
		futures.CollateralMsats += amountMsats
		futures.UpdatedAt = now
		return tx.Save(&futures).Error
	})
	if err != nil {
		return nil, asAppErr(err, "deposit collateral")
	}
	return &futures, nil
}

// WithdrawCollateral atomically moves amountMsats from pubkey's futures
// collateral back to its bank balance. Fails with InsufficientCollateral if
// the collateral balance is too low.
func (l *Ledger) WithdrawCollateral(pubkey string, amountMsats int64) (*model.BankAccount, error) {
	if amountMsats <= 0 {
		return nil, apperr.New(apperr.Validation, "withdrawal amount must be positive")
	}
	var bank model.BankAccount
	err := l.db.Transaction(func(tx *gorm.DB) error {
		var futures model.FuturesAccount
		if err := tx.First(&futures, "pubkey = ?", pubkey).Error; err != nil {
			if err == gorm.ErrRecordNotFound {
				return apperr.New(apperr.InsufficientCollateral, "no futures account for pubkey")
			}
			return err
		}
		if futures.CollateralMsats < amountMsats {
			return apperr.New(apperr.InsufficientCollateral, "insufficient collateral")
		}
		now := time.Now().Unix()
		futures.CollateralMsats -= amountMsats
		futures.UpdatedAt = now
		if err := tx.Save(&futures).Error; err != nil {
			return err
		}

		res := tx.First(&bank, "pubkey = ?", pubkey)
		if res.Error == gorm.ErrRecordNotFound {
			bank = model.BankAccount{Pubkey: pubkey, BalanceMsats: amountMsats, CreatedAt: now, UpdatedAt: now}
			return tx.Create(&bank).Error
		}
		if res.Error != nil {
			return res.Error
		}
		bank.BalanceMsats += amountMsats
		bank.UpdatedAt = now
		return tx.Save(&bank).Error
	})
	if err != nil {
		return nil, asAppErr(err, "withdraw collateral")
	}
	return &bank, nil
}

// OrderParams are the fields needed to create a new Order.
type OrderParams struct {
	Pubkey                  string
	Market                  string
	Side                    model.Side
	OrderType               model.OrderType
	SizeSats                int64
	PriceUSD                *string
	Leverage                int
	ReservedCollateralMsats int64
}

// CreateOrder persists a new order in the open state.
func (l *Ledger) CreateOrder(p OrderParams) (*model.Order, error) {
	now := time.Now().Unix()
	order := model.Order{
		ID:                      uuid.NewString(),
		Pubkey:                  p.Pubkey,
		Market:                  p.Market,
		Side:                    p.Side,
		OrderType:               p.OrderType,
		SizeSats:                p.SizeSats,
		PriceUSD:                p.PriceUSD,
		Leverage:                p.Leverage,
		Status:                  model.OrderOpen,
		ReservedCollateralMsats: p.ReservedCollateralMsats,
		CreatedAt:               now,
		UpdatedAt:               now,
	}
	if err := l.db.Create(&order).Error; err != nil {
		return nil, apperr.Wrap(apperr.Internal, "create order", err)
	}
	return &order, nil
}

// GetOrder fetches an order by id.
func (l *Ledger) GetOrder(id string) (*model.Order, error) {
	var order model.Order
	err := l.db.First(&order, "id = ?", id).Error
	if err == gorm.ErrRecordNotFound {
		return nil, apperr.New(apperr.NotFound, "order not found")
	}
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, "get order", err)
	}
	return &order, nil
}

// GetOpenOrdersForMarket returns resting orders for market, optionally
// filtered by side, ordered for matching. Price orders ascending unless
// desc is set, in which case it orders descending; creation time always
// orders ascending so equal-price makers keep FIFO priority regardless of
// which price direction the caller needs.
func (l *Ledger) GetOpenOrdersForMarket(market string, side *model.Side, desc bool) ([]model.Order, error) {
	q := l.db.Where("market = ? AND status IN ?", market, []model.OrderStatus{model.OrderOpen, model.OrderPartiallyFilled})
	if side != nil {
		q = q.Where("side = ?", *side)
	}
	order := "price_usd ASC, created_at ASC"
	if desc {
		order = "price_usd DESC, created_at ASC"
	}
	var orders []model.Order
	if err := q.Order(order).Find(&orders).Error; err != nil {
		return nil, apperr.Wrap(apperr.Internal, "get open orders", err)
	}
	return orders, nil
}

// GetOrdersForPubkey returns all orders placed by pubkey, optionally
// filtered by status, newest first.
func (l *Ledger) GetOrdersForPubkey(pubkey string, status *model.OrderStatus) ([]model.Order, error) {
	q := l.db.Where("pubkey = ?", pubkey)
	if status != nil {
		q = q.Where("status = ?", *status)
	}
	var orders []model.Order
	if err := q.Order("created_at DESC").Find(&orders).Error; err != nil {
		return nil, apperr.Wrap(apperr.Internal, "get orders for pubkey", err)
	}
	return orders, nil
}

// UpdateOrderStatus transitions order id to status, optionally bumping
// FilledSizeSats. Fails with Conflict if the order is already terminal.
func (l *Ledger) UpdateOrderStatus(id string, status model.OrderStatus, filledSizeSats *int64) (*model.Order, error) {
	var order model.Order
	err := l.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.First(&order, "id = ?", id).Error; err != nil {
			if err == gorm.ErrRecordNotFound {
				return apperr.New(apperr.NotFound, "order not found")
			}
			return err
		}
		if order.Status.Terminal() && status != order.Status {
			return apperr.New(apperr.Conflict, "order already terminal")
		}
		order.Status = status
		if filledSizeSats != nil {
			order.FilledSizeSats = *filledSizeSats
		}
		order.UpdatedAt = time.Now().Unix()
		return tx.Save(&order).Error
	})
	if err != nil {
		return nil, asAppErr(err, "update order status")
	}
	return &order, nil
}

// CreatePosition persists a newly opened position.
func (l *Ledger) CreatePosition(pos model.Position) (*model.Position, error) {
	pos.ID = uuid.NewString()
	now := time.Now().Unix()
	pos.CreatedAt = now
	pos.UpdatedAt = now
	if err := l.db.Create(&pos).Error; err != nil {
		return nil, apperr.Wrap(apperr.Internal, "create position", err)
	}
	return &pos, nil
}

// GetPosition fetches a position by id.
func (l *Ledger) GetPosition(id string) (*model.Position, error) {
	var pos model.Position
	err := l.db.First(&pos, "id = ?", id).Error
	if err == gorm.ErrRecordNotFound {
		return nil, apperr.New(apperr.NotFound, "position not found")
	}
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, "get position", err)
	}
	return &pos, nil
}

// GetPositionsForPubkey returns all open positions held by pubkey.
func (l *Ledger) GetPositionsForPubkey(pubkey string) ([]model.Position, error) {
	var positions []model.Position
	if err := l.db.Where("pubkey = ?", pubkey).Find(&positions).Error; err != nil {
		return nil, apperr.Wrap(apperr.Internal, "get positions for pubkey", err)
	}
	return positions, nil
}

// GetAllOpenPositions returns every open position in market.
func (l *Ledger) GetAllOpenPositions(market string) ([]model.Position, error) {
	var positions []model.Position
	if err := l.db.Where("market = ?", market).Find(&positions).Error; err != nil {
		return nil, apperr.Wrap(apperr.Internal, "get all open positions", err)
	}
	return positions, nil
}

// ClosePosition deletes position id. Returns NotFound if it does not exist.
func (l *Ledger) ClosePosition(id string) error {
	res := l.db.Delete(&model.Position{}, "id = ?", id)
	if res.Error != nil {
		return apperr.Wrap(apperr.Internal, "close position", res.Error)
	}
	if res.RowsAffected == 0 {
		return apperr.New(apperr.NotFound, "position not found")
	}
	return nil
}

// UpdatePositionFunding applies a funding delta to position id's
// FundingCostMsats and sets its new collateral, provided the (position,
// epoch) pair has not already been applied.
func (l *Ledger) UpdatePositionFunding(positionID string, epoch int64, deltaFundingMsats, newCollateralMsats int64) error {
	return l.db.Transaction(func(tx *gorm.DB) error {
		var applied model.FundingApplication
		res := tx.First(&applied, "position_id = ? AND epoch = ?", positionID, epoch)
		if res.Error == nil {
			return nil // already applied; idempotent no-op
		}
		if res.Error != gorm.ErrRecordNotFound {
			return res.Error
		}

		var pos model.Position
		if err := tx.First(&pos, "id = ?", positionID).Error; err != nil {
			return err
		}
		pos.FundingCostMsats += deltaFundingMsats
		pos.CollateralMsats = newCollateralMsats
		if pos.CollateralMsats < 0 {
			pos.CollateralMsats = 0
		}
		pos.UpdatedAt = time.Now().Unix()
		if err := tx.Save(&pos).Error; err != nil {
			return err
		}

		return tx.Create(&model.FundingApplication{
			PositionID: positionID,
			Epoch:      epoch,
			AppliedAt:  time.Now().Unix(),
		}).Error
	})
}

// GetTotalOpenInterestSats sums SizeSats across all open positions in market.
func (l *Ledger) GetTotalOpenInterestSats(market string) (int64, error) {
	var total int64
	err := l.db.Model(&model.Position{}).Where("market = ?", market).
		Select("COALESCE(SUM(size_sats), 0)").Scan(&total).Error
	if err != nil {
		return 0, apperr.Wrap(apperr.Internal, "get total open interest", err)
	}
	return total, nil
}

// RecordTrade persists an immutable trade record.
func (l *Ledger) RecordTrade(trade model.Trade) (*model.Trade, error) {
	trade.ID = uuid.NewString()
	if trade.Timestamp == 0 {
		trade.Timestamp = time.Now().Unix()
	}
	if err := l.db.Create(&trade).Error; err != nil {
		return nil, apperr.Wrap(apperr.Internal, "record trade", err)
	}
	return &trade, nil
}

// GetRecentTrades returns the most recent trades in market, newest first.
func (l *Ledger) GetRecentTrades(market string, limit int) ([]model.Trade, error) {
	var trades []model.Trade
	err := l.db.Where("market = ?", market).Order("timestamp DESC").Limit(limit).Find(&trades).Error
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, "get recent trades", err)
	}
	return trades, nil
}

// GetTradesForPubkey returns trades where pubkey was buyer or seller.
func (l *Ledger) GetTradesForPubkey(pubkey string, limit int) ([]model.Trade, error) {
	var trades []model.Trade
	err := l.db.Where("buyer_pubkey = ? OR seller_pubkey = ?", pubkey, pubkey).
		Order("timestamp DESC").Limit(limit).Find(&trades).Error
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, "get trades for pubkey", err)
	}
	return trades, nil
}

// OHLCVBucket is one aggregated candle.
type OHLCVBucket struct {
	BucketStart int64  `gorm:"column:bucket_start"`
	Open        string `gorm:"column:open"`
	High        string `gorm:"column:high"`
	Low         string `gorm:"column:low"`
	Close       string `gorm:"column:close"`
	VolumeSats  int64  `gorm:"column:volume_sats"`
}

// GetOHLCV aggregates trades in market since `since` into buckets of
// bucketSeconds width, using first/last trade price per bucket for
// open/close and MIN/MAX for high/low. Price comparison relies on the
// decimal string sorting correctly only when all inputs are equal-scale;
// PriceUSD values are normalized to a fixed-width decimal string at write
// time by the matching engine, so this holds.
func (l *Ledger) GetOHLCV(market string, since int64, bucketSeconds int64) ([]OHLCVBucket, error) {
	if bucketSeconds <= 0 {
		return nil, apperr.New(apperr.Validation, "bucket_seconds must be positive")
	}
	var buckets []OHLCVBucket
	err := l.db.Raw(`
		SELECT
			(timestamp / ?) * ? AS bucket_start,
			(SELECT t2.price_usd FROM trades t2 WHERE t2.market = t1.market
				AND (t2.timestamp / ?) * ? = (t1.timestamp / ?) * ?
				ORDER BY t2.timestamp ASC LIMIT 1) AS open,
			MAX(price_usd) AS high,
			MIN(price_usd) AS low,
			(SELECT t2.price_usd FROM trades t2 WHERE t2.market = t1.market
				AND (t2.timestamp / ?) * ? = (t1.timestamp / ?) * ?
				ORDER BY t2.timestamp DESC LIMIT 1) AS close,
			SUM(size_sats) AS volume_sats
		FROM trades t1
		WHERE market = ? AND timestamp >= ?
		GROUP BY bucket_start
		ORDER BY bucket_start ASC
	`, bucketSeconds, bucketSeconds,
		bucketSeconds, bucketSeconds, bucketSeconds, bucketSeconds,
		bucketSeconds, bucketSeconds, bucketSeconds, bucketSeconds,
		market, since).Scan(&buckets).Error
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, "get ohlcv", err)
	}
	return buckets, nil
}

// RecordFundingRate persists an immutable funding-rate row for (market,
// epoch). Fails with Conflict if the (market, epoch) pair already exists.
func (l *Ledger) RecordFundingRate(market string, epoch int64, rate, markPriceUSD, indexPriceUSD string) (*model.FundingRate, error) {
	fr := model.FundingRate{
		ID:            uuid.NewString(),
		Market:        market,
		Epoch:         epoch,
		Rate:          rate,
		MarkPriceUSD:  markPriceUSD,
		IndexPriceUSD: indexPriceUSD,
		Timestamp:     time.Now().Unix(),
	}
	if err := l.db.Create(&fr).Error; err != nil {
		if err == gorm.ErrDuplicatedKey {
			return nil, apperr.New(apperr.Conflict, "funding epoch already recorded")
		}
		return nil, apperr.Wrap(apperr.Internal, "record funding rate", err)
	}
	return &fr, nil
}

// GetLatestFundingRate returns the most recent funding rate row for market.
func (l *Ledger) GetLatestFundingRate(market string) (*model.FundingRate, error) {
	var fr model.FundingRate
	err := l.db.Where("market = ?", market).Order("epoch DESC").First(&fr).Error
	if err == gorm.ErrRecordNotFound {
		return nil, apperr.New(apperr.NotFound, "no funding rate recorded")
	}
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, "get latest funding rate", err)
	}
	return &fr, nil
}

// GetFundingRateHistory returns the most recent funding rates for market.
func (l *Ledger) GetFundingRateHistory(market string, limit int) ([]model.FundingRate, error) {
	var rates []model.FundingRate
	err := l.db.Where("market = ?", market).Order("epoch DESC").Limit(limit).Find(&rates).Error
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, "get funding rate history", err)
	}
	return rates, nil
}

// FundingAlreadyApplied reports whether (positionID, epoch) has already been
// settled, letting the FundingScheduler skip it on a re-run after a crash.
func (l *Ledger) FundingAlreadyApplied(positionID string, epoch int64) (bool, error) {
	var count int64
	err := l.db.Model(&model.FundingApplication{}).
		Where("position_id = ? AND epoch = ?", positionID, epoch).Count(&count).Error
	if err != nil {
		return false, apperr.Wrap(apperr.Internal, "check funding application", err)
	}
	return count > 0, nil
}

// GetInsuranceFundBalance returns the insurance fund's current balance.
func (l *Ledger) GetInsuranceFundBalance() (int64, error) {
	var fund model.InsuranceFund
	if err := l.db.First(&fund, model.InsuranceFundRowID).Error; err != nil {
		return 0, apperr.Wrap(apperr.Internal, "get insurance fund balance", err)
	}
	return fund.BalanceMsats, nil
}

// CreditInsuranceFund adds n msats to the insurance fund.
func (l *Ledger) CreditInsuranceFund(n int64) error {
	return l.db.Transaction(func(tx *gorm.DB) error {
		var fund model.InsuranceFund
		if err := tx.First(&fund, model.InsuranceFundRowID).Error; err != nil {
			return err
		}
		fund.BalanceMsats += n
		fund.UpdatedAt = time.Now().Unix()
		return tx.Save(&fund).Error
	})
}

// DebitInsuranceFund subtracts n msats from the insurance fund, saturating
// at zero (a deficit is absorbed silently, per spec).
func (l *Ledger) DebitInsuranceFund(n int64) error {
	return l.db.Transaction(func(tx *gorm.DB) error {
		var fund model.InsuranceFund
		if err := tx.First(&fund, model.InsuranceFundRowID).Error; err != nil {
			return err
		}
		fund.BalanceMsats -= n
		if fund.BalanceMsats < 0 {
			fund.BalanceMsats = 0
		}
		fund.UpdatedAt = time.Now().Unix()
		return tx.Save(&fund).Error
	})
}
