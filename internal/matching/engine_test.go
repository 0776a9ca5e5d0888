package matching

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/bitcoinbank/perpengine/internal/clock"
	"github.com/bitcoinbank/perpengine/internal/ledger"
	"github.com/bitcoinbank/perpengine/internal/model"
)

type fakeOracle struct {
	price decimal.Decimal
	err   error
}

func (f *fakeOracle) GetMarkPrice(ctx context.Context, market string) (decimal.Decimal, error) {
	return f.price, f.err
}

func newTestEngine(t *testing.T, params MarketParams) (*Engine, *ledger.Ledger) {
	t.Helper()
	dir := t.TempDir()
	l, err := ledger.Open(filepath.Join(dir, "test.db"))
	if err != nil {
		t.Fatalf("ledger.Open: %v", err)
	}
	t.Cleanup(func() { l.Close() })

	clk := clock.NewFake(time.Unix(1_700_000_000, 0))
	oracle := &fakeOracle{price: decimal.NewFromInt(50000)}
	e := New(l, oracle, nil, nil, clk, map[string]MarketParams{"BTCUSD": params})
	return e, l
}

func defaultParams() MarketParams {
	return MarketParams{
		MaxLeverage:          20,
		MaintenanceMarginPct: decimal.NewFromFloat(0.005),
		TakerFeePct:          decimal.NewFromFloat(0.0005),
		InsuranceFundFeePct:  decimal.NewFromFloat(0.1),
	}
}

func fund(t *testing.T, l *ledger.Ledger, pubkey string, msats int64) {
	t.Helper()
	if _, err := l.CreditCollateral(pubkey, msats); err != nil {
		t.Fatalf("CreditCollateral(%s): %v", pubkey, err)
	}
}

// TestPlaceOrderMatchesRestingLimit covers S1: a resting short limit order
// is fully matched by an incoming long limit order at the same price,
// producing one long and one short position.
func TestPlaceOrderMatchesRestingLimit(t *testing.T) {
	t.Parallel()
	e, l := newTestEngine(t, defaultParams())
	ctx := context.Background()

	fund(t, l, "maker", 100_000_000)
	fund(t, l, "taker", 100_000_000)

	price := decimal.NewFromInt(50000)
	makerOrder, err := e.PlaceOrder(ctx, PlaceOrderParams{
		Pubkey: "maker", Market: "BTCUSD", Side: model.Short,
		OrderType: model.OrderLimit, SizeSats: 100_000, Leverage: 5, PriceUSD: &price,
	})
	if err != nil {
		t.Fatalf("maker PlaceOrder: %v", err)
	}
	if makerOrder.Status != model.OrderOpen {
		t.Fatalf("maker order status = %s, want open", makerOrder.Status)
	}

	takerOrder, err := e.PlaceOrder(ctx, PlaceOrderParams{
		Pubkey: "taker", Market: "BTCUSD", Side: model.Long,
		OrderType: model.OrderLimit, SizeSats: 100_000, Leverage: 5, PriceUSD: &price,
	})
	if err != nil {
		t.Fatalf("taker PlaceOrder: %v", err)
	}
	if takerOrder.Status != model.OrderFilled {
		t.Fatalf("taker order status = %s, want filled", takerOrder.Status)
	}

	updatedMaker, err := l.GetOrder(makerOrder.ID)
	if err != nil {
		t.Fatalf("GetOrder(maker): %v", err)
	}
	if updatedMaker.Status != model.OrderFilled {
		t.Errorf("maker order status after match = %s, want filled", updatedMaker.Status)
	}

	takerPositions, err := l.GetPositionsForPubkey("taker")
	if err != nil {
		t.Fatalf("GetPositionsForPubkey(taker): %v", err)
	}
	if len(takerPositions) != 1 || takerPositions[0].Side != model.Long || takerPositions[0].SizeSats != 100_000 {
		t.Fatalf("taker positions = %+v, want one long 100000-sat position", takerPositions)
	}

	makerPositions, err := l.GetPositionsForPubkey("maker")
	if err != nil {
		t.Fatalf("GetPositionsForPubkey(maker): %v", err)
	}
	if len(makerPositions) != 1 || makerPositions[0].Side != model.Short {
		t.Fatalf("maker positions = %+v, want one short position", makerPositions)
	}

	trades, err := l.GetRecentTrades("BTCUSD", 10)
	if err != nil {
		t.Fatalf("GetRecentTrades: %v", err)
	}
	if len(trades) != 1 || trades[0].SizeSats != 100_000 {
		t.Fatalf("trades = %+v, want one 100000-sat trade", trades)
	}
}

// TestPlaceOrderPriceTimePriority covers S2: two resting short limit orders
// at different prices; a long taker matches the better (lower) price first.
func TestPlaceOrderPriceTimePriority(t *testing.T) {
	t.Parallel()
	e, l := newTestEngine(t, defaultParams())
	ctx := context.Background()

	fund(t, l, "maker-high", 100_000_000)
	fund(t, l, "maker-low", 100_000_000)
	fund(t, l, "taker", 100_000_000)

	highPrice := decimal.NewFromInt(50100)
	lowPrice := decimal.NewFromInt(49900)

	if _, err := e.PlaceOrder(ctx, PlaceOrderParams{
		Pubkey: "maker-high", Market: "BTCUSD", Side: model.Short,
		OrderType: model.OrderLimit, SizeSats: 50_000, Leverage: 5, PriceUSD: &highPrice,
	}); err != nil {
		t.Fatalf("maker-high PlaceOrder: %v", err)
	}
	if _, err := e.PlaceOrder(ctx, PlaceOrderParams{
		Pubkey: "maker-low", Market: "BTCUSD", Side: model.Short,
		OrderType: model.OrderLimit, SizeSats: 50_000, Leverage: 5, PriceUSD: &lowPrice,
	}); err != nil {
		t.Fatalf("maker-low PlaceOrder: %v", err)
	}

	takerPrice := decimal.NewFromInt(50100)
	takerOrder, err := e.PlaceOrder(ctx, PlaceOrderParams{
		Pubkey: "taker", Market: "BTCUSD", Side: model.Long,
		OrderType: model.OrderLimit, SizeSats: 50_000, Leverage: 5, PriceUSD: &takerPrice,
	})
	if err != nil {
		t.Fatalf("taker PlaceOrder: %v", err)
	}
	if takerOrder.Status != model.OrderFilled {
		t.Fatalf("taker order status = %s, want filled", takerOrder.Status)
	}

	trades, err := l.GetRecentTrades("BTCUSD", 10)
	if err != nil {
		t.Fatalf("GetRecentTrades: %v", err)
	}
	if len(trades) != 1 {
		t.Fatalf("trades = %+v, want exactly one trade", trades)
	}
	if trades[0].SellerPubkey != "maker-low" {
		t.Errorf("trade seller = %s, want maker-low (better price matched first)", trades[0].SellerPubkey)
	}

	lowOrders, err := l.GetOrdersForPubkey("maker-low", nil)
	if err != nil {
		t.Fatalf("GetOrdersForPubkey(maker-low): %v", err)
	}
	if len(lowOrders) != 1 || lowOrders[0].Status != model.OrderFilled {
		t.Fatalf("maker-low order = %+v, want filled", lowOrders)
	}

	highOrders, err := l.GetOrdersForPubkey("maker-high", nil)
	if err != nil {
		t.Fatalf("GetOrdersForPubkey(maker-high): %v", err)
	}
	if len(highOrders) != 1 || highOrders[0].Status != model.OrderOpen {
		t.Fatalf("maker-high order = %+v, want still open", highOrders)
	}
}

// TestPlaceOrderPriceTimePriorityShortTaker covers S2 for the reversed
// side: two resting long limit orders at the same price, placed at
// different times; an incoming short taker must match the earlier maker
// first even though the ledger returns short-side candidates in
// descending price order.
func TestPlaceOrderPriceTimePriorityShortTaker(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	l, err := ledger.Open(filepath.Join(dir, "test.db"))
	if err != nil {
		t.Fatalf("ledger.Open: %v", err)
	}
	t.Cleanup(func() { l.Close() })

	clk := clock.NewFake(time.Unix(1_700_000_000, 0))
	oracle := &fakeOracle{price: decimal.NewFromInt(50000)}
	e := New(l, oracle, nil, nil, clk, map[string]MarketParams{"BTCUSD": defaultParams()})
	ctx := context.Background()

	fund(t, l, "maker-first", 100_000_000)
	fund(t, l, "maker-second", 100_000_000)
	fund(t, l, "taker", 100_000_000)

	price := decimal.NewFromInt(50000)

	if _, err := e.PlaceOrder(ctx, PlaceOrderParams{
		Pubkey: "maker-first", Market: "BTCUSD", Side: model.Long,
		OrderType: model.OrderLimit, SizeSats: 50_000, Leverage: 5, PriceUSD: &price,
	}); err != nil {
		t.Fatalf("maker-first PlaceOrder: %v", err)
	}
	clk.Advance(time.Second)
	if _, err := e.PlaceOrder(ctx, PlaceOrderParams{
		Pubkey: "maker-second", Market: "BTCUSD", Side: model.Long,
		OrderType: model.OrderLimit, SizeSats: 50_000, Leverage: 5, PriceUSD: &price,
	}); err != nil {
		t.Fatalf("maker-second PlaceOrder: %v", err)
	}

	takerOrder, err := e.PlaceOrder(ctx, PlaceOrderParams{
		Pubkey: "taker", Market: "BTCUSD", Side: model.Short,
		OrderType: model.OrderLimit, SizeSats: 50_000, Leverage: 5, PriceUSD: &price,
	})
	if err != nil {
		t.Fatalf("taker PlaceOrder: %v", err)
	}
	if takerOrder.Status != model.OrderFilled {
		t.Fatalf("taker order status = %s, want filled", takerOrder.Status)
	}

	trades, err := l.GetRecentTrades("BTCUSD", 10)
	if err != nil {
		t.Fatalf("GetRecentTrades: %v", err)
	}
	if len(trades) != 1 {
		t.Fatalf("trades = %+v, want exactly one trade", trades)
	}
	if trades[0].BuyerPubkey != "maker-first" {
		t.Errorf("trade buyer = %s, want maker-first (earliest at tied price matched first)", trades[0].BuyerPubkey)
	}

	firstOrders, err := l.GetOrdersForPubkey("maker-first", nil)
	if err != nil {
		t.Fatalf("GetOrdersForPubkey(maker-first): %v", err)
	}
	if len(firstOrders) != 1 || firstOrders[0].Status != model.OrderFilled {
		t.Fatalf("maker-first order = %+v, want filled", firstOrders)
	}

	secondOrders, err := l.GetOrdersForPubkey("maker-second", nil)
	if err != nil {
		t.Fatalf("GetOrdersForPubkey(maker-second): %v", err)
	}
	if len(secondOrders) != 1 || secondOrders[0].Status != model.OrderOpen {
		t.Fatalf("maker-second order = %+v, want still open", secondOrders)
	}
}

func TestPlaceOrderRejectsInsufficientCollateral(t *testing.T) {
	t.Parallel()
	e, l := newTestEngine(t, defaultParams())
	ctx := context.Background()

	fund(t, l, "poor", 1_000)

	price := decimal.NewFromInt(50000)
	_, err := e.PlaceOrder(ctx, PlaceOrderParams{
		Pubkey: "poor", Market: "BTCUSD", Side: model.Long,
		OrderType: model.OrderLimit, SizeSats: 100_000, Leverage: 5, PriceUSD: &price,
	})
	if err == nil {
		t.Fatal("expected insufficient collateral error, got nil")
	}
}

func TestCancelOrderRefundsReservedCollateral(t *testing.T) {
	t.Parallel()
	e, l := newTestEngine(t, defaultParams())
	ctx := context.Background()

	fund(t, l, "alice", 100_000_000)
	before, err := l.GetCollateralMsats("alice")
	if err != nil {
		t.Fatalf("GetCollateralMsats: %v", err)
	}

	price := decimal.NewFromInt(50000)
	order, err := e.PlaceOrder(ctx, PlaceOrderParams{
		Pubkey: "alice", Market: "BTCUSD", Side: model.Long,
		OrderType: model.OrderLimit, SizeSats: 100_000, Leverage: 5, PriceUSD: &price,
	})
	if err != nil {
		t.Fatalf("PlaceOrder: %v", err)
	}
	afterPlace, err := l.GetCollateralMsats("alice")
	if err != nil {
		t.Fatalf("GetCollateralMsats after place: %v", err)
	}
	if afterPlace >= before {
		t.Fatalf("collateral after place = %d, want less than %d", afterPlace, before)
	}

	if _, err := e.CancelOrder("alice", order.ID); err != nil {
		t.Fatalf("CancelOrder: %v", err)
	}
	afterCancel, err := l.GetCollateralMsats("alice")
	if err != nil {
		t.Fatalf("GetCollateralMsats after cancel: %v", err)
	}
	if afterCancel != before {
		t.Errorf("collateral after cancel = %d, want fully refunded to %d", afterCancel, before)
	}
}

func TestCancelOrderRejectsWrongOwner(t *testing.T) {
	t.Parallel()
	e, l := newTestEngine(t, defaultParams())
	ctx := context.Background()

	fund(t, l, "alice", 100_000_000)
	price := decimal.NewFromInt(50000)
	order, err := e.PlaceOrder(ctx, PlaceOrderParams{
		Pubkey: "alice", Market: "BTCUSD", Side: model.Long,
		OrderType: model.OrderLimit, SizeSats: 100_000, Leverage: 5, PriceUSD: &price,
	})
	if err != nil {
		t.Fatalf("PlaceOrder: %v", err)
	}

	if _, err := e.CancelOrder("mallory", order.ID); err == nil {
		t.Fatal("expected unauthorized error, got nil")
	}
}

func TestClosePositionSettlesPnL(t *testing.T) {
	t.Parallel()
	e, l := newTestEngine(t, defaultParams())
	ctx := context.Background()

	fund(t, l, "maker", 100_000_000)
	fund(t, l, "taker", 100_000_000)

	price := decimal.NewFromInt(50000)
	if _, err := e.PlaceOrder(ctx, PlaceOrderParams{
		Pubkey: "maker", Market: "BTCUSD", Side: model.Short,
		OrderType: model.OrderLimit, SizeSats: 100_000, Leverage: 5, PriceUSD: &price,
	}); err != nil {
		t.Fatalf("maker PlaceOrder: %v", err)
	}
	if _, err := e.PlaceOrder(ctx, PlaceOrderParams{
		Pubkey: "taker", Market: "BTCUSD", Side: model.Long,
		OrderType: model.OrderLimit, SizeSats: 100_000, Leverage: 5, PriceUSD: &price,
	}); err != nil {
		t.Fatalf("taker PlaceOrder: %v", err)
	}

	takerPositions, err := l.GetPositionsForPubkey("taker")
	if err != nil || len(takerPositions) != 1 {
		t.Fatalf("GetPositionsForPubkey(taker): %+v, %v", takerPositions, err)
	}

	collateralBeforeClose, err := l.GetCollateralMsats("taker")
	if err != nil {
		t.Fatalf("GetCollateralMsats: %v", err)
	}

	result, err := e.ClosePosition(ctx, "taker", takerPositions[0].ID)
	if err != nil {
		t.Fatalf("ClosePosition: %v", err)
	}
	// Mark equals entry (50000) in this test's oracle, so PnL is zero and the
	// full collateral is returned.
	if result.PnLMsats != 0 {
		t.Errorf("PnL = %d, want 0 at unchanged mark", result.PnLMsats)
	}

	collateralAfterClose, err := l.GetCollateralMsats("taker")
	if err != nil {
		t.Fatalf("GetCollateralMsats after close: %v", err)
	}
	if collateralAfterClose <= collateralBeforeClose {
		t.Errorf("collateral after close = %d, want greater than %d", collateralAfterClose, collateralBeforeClose)
	}

	if _, err := l.GetPosition(takerPositions[0].ID); err == nil {
		t.Error("expected position to be gone after close, got nil error")
	}
}
