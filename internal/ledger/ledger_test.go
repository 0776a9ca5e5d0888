package ledger

import (
	"path/filepath"
	"testing"

	"github.com/bitcoinbank/perpengine/internal/model"
)

func newTestLedger(t *testing.T) *Ledger {
	t.Helper()
	dir := t.TempDir()
	l, err := Open(filepath.Join(dir, "test.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { l.Close() })
	return l
}

func TestCreditAndDebitDeposit(t *testing.T) {
	t.Parallel()
	l := newTestLedger(t)

	txn, err := l.CreditDeposit("alice", 100_000, "inv-1", "")
	if err != nil {
		t.Fatalf("CreditDeposit: %v", err)
	}
	if txn.BalanceAfterMsats != 100_000 {
		t.Errorf("balance after = %d, want 100000", txn.BalanceAfterMsats)
	}

	bal, err := l.GetBalanceMsats("alice")
	if err != nil {
		t.Fatalf("GetBalanceMsats: %v", err)
	}
	if bal != 100_000 {
		t.Errorf("balance = %d, want 100000", bal)
	}

	if _, err := l.DebitWithdrawal("alice", 40_000, "inv-2"); err != nil {
		t.Fatalf("DebitWithdrawal: %v", err)
	}
	bal, _ = l.GetBalanceMsats("alice")
	if bal != 60_000 {
		t.Errorf("balance after withdrawal = %d, want 60000", bal)
	}
}

func TestDebitWithdrawalInsufficientBalance(t *testing.T) {
	t.Parallel()
	l := newTestLedger(t)

	if _, err := l.CreditDeposit("bob", 1_000, "inv-1", ""); err != nil {
		t.Fatalf("CreditDeposit: %v", err)
	}
	if _, err := l.DebitWithdrawal("bob", 5_000, "inv-2"); err == nil {
		t.Error("expected insufficient balance error, got nil")
	}
}

func TestTransferInternalRoundTrip(t *testing.T) {
	t.Parallel()
	l := newTestLedger(t)

	if _, err := l.CreditDeposit("alice", 500_000, "inv-1", ""); err != nil {
		t.Fatalf("CreditDeposit: %v", err)
	}
	if err := l.TransferInternal("alice", "bob", 200_000, "xfer-1"); err != nil {
		t.Fatalf("TransferInternal: %v", err)
	}

	aliceBal, _ := l.GetBalanceMsats("alice")
	bobBal, _ := l.GetBalanceMsats("bob")
	if aliceBal != 300_000 {
		t.Errorf("alice balance = %d, want 300000", aliceBal)
	}
	if bobBal != 200_000 {
		t.Errorf("bob balance = %d, want 200000", bobBal)
	}
}

func TestCreditAndDebitCollateral(t *testing.T) {
	t.Parallel()
	l := newTestLedger(t)

	if _, err := l.CreditCollateral("alice", 1_000_000); err != nil {
		t.Fatalf("CreditCollateral: %v", err)
	}
	if _, err := l.DebitCollateral("alice", 600_000); err != nil {
		t.Fatalf("DebitCollateral: %v", err)
	}
	bal, _ := l.GetCollateralMsats("alice")
	if bal != 400_000 {
		t.Errorf("collateral = %d, want 400000", bal)
	}

	if _, err := l.DebitCollateral("alice", 1_000_000); err == nil {
		t.Error("expected insufficient collateral error, got nil")
	}
}

func TestOrderLifecycle(t *testing.T) {
	t.Parallel()
	l := newTestLedger(t)

	price := "50000.00000000"
	order, err := l.CreateOrder(OrderParams{
		Pubkey:                  "alice",
		Market:                  "BTCUSD",
		Side:                    model.Long,
		OrderType:               model.OrderLimit,
		SizeSats:                100_000,
		PriceUSD:                &price,
		Leverage:                5,
		ReservedCollateralMsats: 20_000_000,
	})
	if err != nil {
		t.Fatalf("CreateOrder: %v", err)
	}
	if order.Status != model.OrderOpen {
		t.Errorf("status = %s, want open", order.Status)
	}

	filled := int64(100_000)
	updated, err := l.UpdateOrderStatus(order.ID, model.OrderFilled, &filled)
	if err != nil {
		t.Fatalf("UpdateOrderStatus: %v", err)
	}
	if updated.FilledSizeSats != 100_000 {
		t.Errorf("filled size = %d, want 100000", updated.FilledSizeSats)
	}

	if _, err := l.UpdateOrderStatus(order.ID, model.OrderCancelled, nil); err == nil {
		t.Error("expected conflict transitioning a filled order, got nil")
	}
}

func TestInsuranceFundSaturatesAtZero(t *testing.T) {
	t.Parallel()
	l := newTestLedger(t)

	if err := l.CreditInsuranceFund(1_000); err != nil {
		t.Fatalf("CreditInsuranceFund: %v", err)
	}
	if err := l.DebitInsuranceFund(5_000); err != nil {
		t.Fatalf("DebitInsuranceFund: %v", err)
	}
	bal, err := l.GetInsuranceFundBalance()
	if err != nil {
		t.Fatalf("GetInsuranceFundBalance: %v", err)
	}
	if bal != 0 {
		t.Errorf("insurance fund balance = %d, want 0 (saturated)", bal)
	}
}

func TestFundingApplicationIdempotent(t *testing.T) {
	t.Parallel()
	l := newTestLedger(t)

	if _, err := l.CreditCollateral("alice", 1_000_000); err != nil {
		t.Fatalf("CreditCollateral: %v", err)
	}
	pos, err := l.CreatePosition(model.Position{
		Pubkey: "alice", Market: "BTCUSD", Side: model.Long,
		SizeSats: 100_000, EntryPriceUSD: "50000", CollateralMsats: 1_000_000,
		Leverage: 5, LiquidationPriceUSD: "42500",
	})
	if err != nil {
		t.Fatalf("CreatePosition: %v", err)
	}

	if err := l.UpdatePositionFunding(pos.ID, 1, -300_000, 700_000); err != nil {
		t.Fatalf("UpdatePositionFunding: %v", err)
	}
	// Re-running the same epoch must be a no-op.
	if err := l.UpdatePositionFunding(pos.ID, 1, -300_000, 400_000); err != nil {
		t.Fatalf("UpdatePositionFunding (retry): %v", err)
	}

	got, err := l.GetPosition(pos.ID)
	if err != nil {
		t.Fatalf("GetPosition: %v", err)
	}
	if got.CollateralMsats != 700_000 {
		t.Errorf("collateral = %d, want 700000 (second call should have been skipped)", got.CollateralMsats)
	}
}
