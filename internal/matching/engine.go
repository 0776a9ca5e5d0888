// Package matching implements order validation, margin reservation,
// price-time priority matching, fill execution, and position lifecycle
// operations. It is the single authoritative owner of order-book mutation.
package matching

import (
	"context"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/bitcoinbank/perpengine/internal/apperr"
	"github.com/bitcoinbank/perpengine/internal/clock"
	"github.com/bitcoinbank/perpengine/internal/ledger"
	"github.com/bitcoinbank/perpengine/internal/metrics"
	"github.com/bitcoinbank/perpengine/internal/model"
	"github.com/bitcoinbank/perpengine/internal/signer"
)

// PriceOracle is the subset of the oracle's contract the matching engine
// depends on.
type PriceOracle interface {
	GetMarkPrice(ctx context.Context, market string) (decimal.Decimal, error)
}

// EventPublisher is the subset of the event sink's contract the matching
// engine depends on.
type EventPublisher interface {
	Publish(ev *signer.Event)
}

// EventSigner is the subset of the signer's contract the matching engine
// depends on to produce the bank's own relayed/summary events.
type EventSigner interface {
	Sign(kind int, tags [][]string, content string) (*signer.Event, error)
}

// RiskGate lets an external risk manager veto new order placement for a
// market, e.g. during a kill-switch cooldown. Nil by default (unrestricted).
type RiskGate interface {
	Allow(market string) bool
}

// MarketParams are the per-market risk parameters the engine validates
// orders against.
type MarketParams struct {
	MaxLeverage           int
	MaintenanceMarginPct  decimal.Decimal
	TakerFeePct           decimal.Decimal
	InsuranceFundFeePct   decimal.Decimal
}

// Engine is the MatchingEngine: it validates, matches, and settles orders
// under a single process-wide lock, and creates/closes positions.
type Engine struct {
	ledger  *ledger.Ledger
	oracle  PriceOracle
	sink    EventPublisher
	signer  EventSigner
	clk      clock.Clock
	markets  map[string]MarketParams
	metrics  *metrics.Collector
	riskGate RiskGate

	mu sync.Mutex // serializes PlaceOrder, CancelOrder, ClosePosition
}

// SetRiskGate attaches a risk manager's kill switch check. Call once during
// wiring, before the engine starts serving requests.
func (e *Engine) SetRiskGate(g RiskGate) {
	e.riskGate = g
}

// New builds a MatchingEngine for the given configured markets.
func New(l *ledger.Ledger, oracle PriceOracle, sink EventPublisher, sgn EventSigner, clk clock.Clock, markets map[string]MarketParams) *Engine {
	return &Engine{
		ledger:  l,
		oracle:  oracle,
		sink:    sink,
		signer:  sgn,
		clk:     clk,
		markets: markets,
		metrics: metrics.GetCollector(),
	}
}

// PlaceOrderParams are the validated inputs to PlaceOrder.
type PlaceOrderParams struct {
	Pubkey    string
	Market    string
	Side      model.Side
	OrderType model.OrderType
	SizeSats  int64
	Leverage  int
	PriceUSD  *decimal.Decimal // required for limit orders, nil for market
}

// PlaceOrder validates, reserves collateral for, persists, and immediately
// attempts to match an order.
func (e *Engine) PlaceOrder(ctx context.Context, p PlaceOrderParams) (*model.Order, error) {
	if p.Pubkey == "" || p.Pubkey == "anon" {
		return nil, apperr.New(apperr.Validation, "invalid pubkey")
	}
	params, ok := e.markets[p.Market]
	if !ok {
		return nil, apperr.New(apperr.Validation, "unknown market")
	}
	if e.riskGate != nil && !e.riskGate.Allow(p.Market) {
		return nil, apperr.New(apperr.Conflict, "trading halted for market: risk kill switch active")
	}
	if p.Side != model.Long && p.Side != model.Short {
		return nil, apperr.New(apperr.Validation, "invalid side")
	}
	if p.OrderType != model.OrderLimit && p.OrderType != model.OrderMarket {
		return nil, apperr.New(apperr.Validation, "invalid order type")
	}
	if p.SizeSats <= 0 {
		return nil, apperr.New(apperr.Validation, "size_sats must be positive")
	}
	if p.Leverage < 1 || p.Leverage > params.MaxLeverage {
		return nil, apperr.New(apperr.Validation, fmt.Sprintf("leverage must be in [1, %d]", params.MaxLeverage))
	}

	var referencePrice decimal.Decimal
	var priceStr *string
	if p.OrderType == model.OrderLimit {
		if p.PriceUSD == nil || !p.PriceUSD.IsPositive() {
			return nil, apperr.New(apperr.Validation, "price_usd must be positive for limit orders")
		}
		referencePrice = *p.PriceUSD
		s := normalizePriceString(*p.PriceUSD)
		priceStr = &s
	} else {
		mark, err := e.oracle.GetMarkPrice(ctx, p.Market)
		if err != nil {
			return nil, apperr.Wrap(apperr.OracleUnavailable, "oracle unavailable for market order", err)
		}
		referencePrice = mark
	}
	_ = referencePrice // reserved for future reference-price validation (e.g. fat-finger bands)

	required := requiredCollateralMsats(p.SizeSats, p.Leverage, params.TakerFeePct)

	timer := metrics.NewTimer()
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, err := e.ledger.DebitCollateral(p.Pubkey, required); err != nil {
		return nil, err
	}

	order, err := e.ledger.CreateOrder(ledger.OrderParams{
		Pubkey:                  p.Pubkey,
		Market:                  p.Market,
		Side:                    p.Side,
		OrderType:               p.OrderType,
		SizeSats:                p.SizeSats,
		PriceUSD:                priceStr,
		Leverage:                p.Leverage,
		ReservedCollateralMsats: required,
	})
	if err != nil {
		// Roll back the reservation; best-effort since the order never persisted.
		_, _ = e.ledger.CreditCollateral(p.Pubkey, required)
		return nil, err
	}

	filled, matchErr := e.matchOrder(ctx, order, params)
	e.metrics.RecordOrderLatency(p.Market, string(p.OrderType), timer.ElapsedMs())
	if matchErr != nil {
		e.metrics.RecordOrder(p.Market, string(p.Side), string(p.OrderType), string(order.Status))
		return order, matchErr
	}
	e.metrics.RecordOrder(p.Market, string(p.Side), string(p.OrderType), string(filled.Status))
	return filled, nil
}

// matchOrder runs the price-time priority matching loop for a freshly
// persisted taker order.
func (e *Engine) matchOrder(ctx context.Context, taker *model.Order, params MarketParams) (*model.Order, error) {
	makerSide := taker.Side.Opposite()
	// Long takers want ascending maker price (cheapest short first); short
	// takers want descending maker price (richest long first). The Ledger
	// orders created_at ascending either way, so equal-price makers keep
	// FIFO priority on both sides.
	candidates, err := e.ledger.GetOpenOrdersForMarket(taker.Market, &makerSide, taker.Side == model.Short)
	if err != nil {
		return nil, err
	}

	remaining := taker.SizeSats - taker.FilledSizeSats
	var takerPrice decimal.Decimal
	if taker.PriceUSD != nil {
		takerPrice, _ = decimal.NewFromString(*taker.PriceUSD)
	}

	for _, maker := range candidates {
		if remaining == 0 {
			break
		}
		if maker.PriceUSD == nil {
			continue
		}
		makerPrice, err := decimal.NewFromString(*maker.PriceUSD)
		if err != nil {
			continue
		}

		if taker.OrderType == model.OrderLimit {
			if taker.Side == model.Long && takerPrice.LessThan(makerPrice) {
				break
			}
			if taker.Side == model.Short && takerPrice.GreaterThan(makerPrice) {
				break
			}
		}

		makerRemaining := maker.SizeSats - maker.FilledSizeSats
		fillSize := remaining
		if makerRemaining < fillSize {
			fillSize = makerRemaining
		}

		if err := e.executeFill(ctx, taker, &maker, fillSize, makerPrice, params); err != nil {
			return nil, err
		}
		remaining -= fillSize
	}

	status := model.OrderPartiallyFilled
	if remaining == 0 {
		status = model.OrderFilled
	} else if taker.OrderType == model.OrderMarket && remaining == taker.SizeSats {
		// Nothing matched for a market order with no resting liquidity: it
		// has no price to rest at, so it stays partially filled at zero and
		// the loop above skips it when it comes up as a maker candidate.
		status = model.OrderPartiallyFilled
	} else if remaining == taker.SizeSats {
		status = model.OrderOpen
	}

	filledSize := taker.SizeSats - remaining
	updated, err := e.ledger.UpdateOrderStatus(taker.ID, status, &filledSize)
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// executeFill creates two positions (one per counterparty), records an
// immutable Trade, and emits the trade and position events.
func (e *Engine) executeFill(ctx context.Context, taker, maker *model.Order, fillSize int64, fillPrice decimal.Decimal, params MarketParams) error {
	takerFillCollateral := proportionalCollateral(taker.ReservedCollateralMsats, fillSize, taker.SizeSats)
	makerFillCollateral := proportionalCollateral(maker.ReservedCollateralMsats, fillSize, maker.SizeSats)

	takerLiqPrice := liquidationPriceUSD(taker.Side, fillPrice, taker.Leverage, params.MaintenanceMarginPct)
	makerLiqPrice := liquidationPriceUSD(maker.Side, fillPrice, maker.Leverage, params.MaintenanceMarginPct)

	priceStr := normalizePriceString(fillPrice)

	takerPos, err := e.ledger.CreatePosition(model.Position{
		Pubkey: taker.Pubkey, Market: taker.Market, Side: taker.Side,
		SizeSats: fillSize, EntryPriceUSD: priceStr, CollateralMsats: takerFillCollateral,
		Leverage: taker.Leverage, LiquidationPriceUSD: normalizePriceString(takerLiqPrice),
	})
	if err != nil {
		return err
	}
	makerPos, err := e.ledger.CreatePosition(model.Position{
		Pubkey: maker.Pubkey, Market: maker.Market, Side: maker.Side,
		SizeSats: fillSize, EntryPriceUSD: priceStr, CollateralMsats: makerFillCollateral,
		Leverage: maker.Leverage, LiquidationPriceUSD: normalizePriceString(makerLiqPrice),
	})
	if err != nil {
		return err
	}

	buyerPubkey, sellerPubkey := taker.Pubkey, maker.Pubkey
	buyOrderID, sellOrderID := taker.ID, maker.ID
	if taker.Side == model.Short {
		buyerPubkey, sellerPubkey = maker.Pubkey, taker.Pubkey
		buyOrderID, sellOrderID = maker.ID, taker.ID
	}

	trade, err := e.ledger.RecordTrade(model.Trade{
		Market: taker.Market, BuyerPubkey: buyerPubkey, SellerPubkey: sellerPubkey,
		SizeSats: fillSize, PriceUSD: priceStr, BuyOrderID: buyOrderID, SellOrderID: sellOrderID,
	})
	if err != nil {
		return err
	}

	makerFilled := maker.FilledSizeSats + fillSize
	makerStatus := model.OrderPartiallyFilled
	if makerFilled >= maker.SizeSats {
		makerStatus = model.OrderFilled
	}
	if _, err := e.ledger.UpdateOrderStatus(maker.ID, makerStatus, &makerFilled); err != nil {
		return err
	}
	maker.FilledSizeSats = makerFilled // keep in-memory candidate consistent for the rest of this loop

	e.metrics.RecordTrade(taker.Market, fillSize)
	e.metrics.Leverage.WithLabelValues(taker.Market).Observe(float64(taker.Leverage))
	e.metrics.Leverage.WithLabelValues(maker.Market).Observe(float64(maker.Leverage))

	e.publishTrade(trade)
	e.publishPosition(takerPos)
	e.publishPosition(makerPos)
	return nil
}

func proportionalCollateral(reserved, fillSize, orderSize int64) int64 {
	if orderSize == 0 {
		return 0
	}
	return decimal.NewFromInt(reserved).Mul(decimal.NewFromInt(fillSize)).Div(decimal.NewFromInt(orderSize)).Truncate(0).IntPart()
}

// CancelOrder rejects if the order is unknown, not owned by pubkey, or not
// open; otherwise refunds the unfilled reserved collateral and marks it
// cancelled. The refund uses the order's own ReservedCollateralMsats rather
// than a re-derived price lookup, so it's exact even if the market has
// moved since the order was placed.
func (e *Engine) CancelOrder(pubkey, orderID string) (*model.Order, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	order, err := e.ledger.GetOrder(orderID)
	if err != nil {
		return nil, err
	}
	if order.Pubkey != pubkey {
		return nil, apperr.New(apperr.Unauthorized, "order not owned by caller")
	}
	if order.Status != model.OrderOpen && order.Status != model.OrderPartiallyFilled {
		return nil, apperr.New(apperr.Conflict, "order not cancellable")
	}

	remaining := order.SizeSats - order.FilledSizeSats
	refund := proportionalCollateral(order.ReservedCollateralMsats, remaining, order.SizeSats)
	if refund > 0 {
		if _, err := e.ledger.CreditCollateral(order.Pubkey, refund); err != nil {
			return nil, err
		}
	}

	return e.ledger.UpdateOrderStatus(order.ID, model.OrderCancelled, nil)
}

// ClosePositionResult is returned by ClosePosition.
type ClosePositionResult struct {
	PnLMsats      int64
	Settlement    int64
	MarkPriceUSD  decimal.Decimal
	InsuranceDraw int64
	Fee           int64
}

// ClosePosition settles a position against the current mark price, drawing
// from or feeding the insurance fund as needed, and credits the remainder
// to the owner's futures collateral.
func (e *Engine) ClosePosition(ctx context.Context, pubkey, positionID string) (*ClosePositionResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	pos, err := e.ledger.GetPosition(positionID)
	if err != nil {
		return nil, err
	}
	if pos.Pubkey != pubkey {
		return nil, apperr.New(apperr.Unauthorized, "position not owned by caller")
	}
	params, ok := e.markets[pos.Market]
	if !ok {
		return nil, apperr.New(apperr.Internal, "unknown market for open position")
	}

	mark, err := e.oracle.GetMarkPrice(ctx, pos.Market)
	if err != nil {
		return nil, apperr.Wrap(apperr.OracleUnavailable, "oracle unavailable for close", err)
	}
	entry, err := decimal.NewFromString(pos.EntryPriceUSD)
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, "parse entry price", err)
	}

	pnl := unrealizedPnLMsats(pos.Side, entry, mark, pos.SizeSats)
	settlement := pos.CollateralMsats + pnl

	var insuranceDraw, fee int64
	if settlement < 0 {
		insuranceDraw = -settlement
		if err := e.ledger.DebitInsuranceFund(insuranceDraw); err != nil {
			return nil, err
		}
		settlement = 0
	} else if settlement > pos.CollateralMsats {
		profit := settlement - pos.CollateralMsats
		fee = decimal.NewFromInt(profit).Mul(params.InsuranceFundFeePct).Truncate(0).IntPart()
		if err := e.ledger.CreditInsuranceFund(fee); err != nil {
			return nil, err
		}
		settlement -= fee
	}

	if err := e.ledger.ClosePosition(pos.ID); err != nil {
		return nil, err
	}
	if settlement > 0 {
		if _, err := e.ledger.CreditCollateral(pos.Pubkey, settlement); err != nil {
			return nil, err
		}
	}

	return &ClosePositionResult{
		PnLMsats: pnl, Settlement: settlement, MarkPriceUSD: mark,
		InsuranceDraw: insuranceDraw, Fee: fee,
	}, nil
}

func (e *Engine) publishTrade(t *model.Trade) {
	if e.signer == nil || e.sink == nil {
		return
	}
	content := fmt.Sprintf(`{"market":%q,"buyer":%q,"seller":%q,"size_sats":%d,"price_usd":%q}`,
		t.Market, t.BuyerPubkey, t.SellerPubkey, t.SizeSats, t.PriceUSD)
	ev, err := e.signer.Sign(1050, [][]string{{"market", t.Market}}, content)
	if err != nil {
		return
	}
	e.sink.Publish(ev)
}

func (e *Engine) publishPosition(p *model.Position) {
	if e.signer == nil || e.sink == nil {
		return
	}
	content := fmt.Sprintf(`{"pubkey":%q,"market":%q,"side":%q,"size_sats":%d,"entry_price_usd":%q,"leverage":%d}`,
		p.Pubkey, p.Market, p.Side, p.SizeSats, p.EntryPriceUSD, p.Leverage)
	d := p.Pubkey + ":" + p.Market
	ev, err := e.signer.Sign(30052, [][]string{{"d", d}}, content)
	if err != nil {
		return
	}
	e.sink.Publish(ev)
}
