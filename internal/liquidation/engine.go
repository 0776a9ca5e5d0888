// Package liquidation runs a periodic solvency scan across every open
// position, force-closing any whose margin ratio has fallen to or below
// its market's maintenance margin requirement.
//
// The engine runs as a standalone goroutine woken on a fixed interval; each
// scan is independent and stateless between runs, so a missed or slow scan
// never leaves a position under-margined for longer than one extra
// interval.
package liquidation

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/bitcoinbank/perpengine/internal/apperr"
	"github.com/bitcoinbank/perpengine/internal/ledger"
	"github.com/bitcoinbank/perpengine/internal/metrics"
	"github.com/bitcoinbank/perpengine/internal/model"
	"github.com/bitcoinbank/perpengine/internal/signer"
)

// PriceOracle is the subset of the oracle's contract the engine depends on.
type PriceOracle interface {
	GetMarkPrice(ctx context.Context, market string) (decimal.Decimal, error)
}

// EventPublisher is the subset of the event sink's contract the engine
// depends on.
type EventPublisher interface {
	Publish(ev *signer.Event)
}

// EventSigner is the subset of the signer's contract the engine depends on.
type EventSigner interface {
	Sign(kind int, tags [][]string, content string) (*signer.Event, error)
}

// MarketParams are the per-market parameters the liquidation check needs.
type MarketParams struct {
	MaintenanceMarginPct decimal.Decimal
	LiquidationFeePct    decimal.Decimal
}

// Engine scans every configured market for under-margined positions and
// force-closes them.
type Engine struct {
	ledger  *ledger.Ledger
	oracle  PriceOracle
	sink    EventPublisher
	signer  EventSigner
	logger  *slog.Logger
	markets map[string]MarketParams
	metrics *metrics.Collector

	mu sync.Mutex // serializes concurrent scans
}

// New builds a liquidation Engine.
func New(l *ledger.Ledger, oracle PriceOracle, sink EventPublisher, sgn EventSigner, logger *slog.Logger, markets map[string]MarketParams) *Engine {
	return &Engine{
		ledger:  l,
		oracle:  oracle,
		sink:    sink,
		signer:  sgn,
		logger:  logger.With("component", "liquidation"),
		markets: markets,
		metrics: metrics.GetCollector(),
	}
}

// Run blocks, scanning every configured market every scanInterval until ctx
// is cancelled.
func (e *Engine) Run(ctx context.Context, scanInterval time.Duration) {
	ticker := time.NewTicker(scanInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for market := range e.markets {
				if err := e.ScanMarket(ctx, market); err != nil {
					e.logger.Error("liquidation scan failed", "market", market, "error", err)
				}
			}
		}
	}
}

// ScanMarket checks every open position in market against the mark price
// and liquidates any whose margin ratio has fallen to or below the
// market's maintenance requirement.
func (e *Engine) ScanMarket(ctx context.Context, market string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	params, ok := e.markets[market]
	if !ok {
		return fmt.Errorf("liquidation: unknown market %s", market)
	}

	mark, err := e.oracle.GetMarkPrice(ctx, market)
	if err != nil {
		return fmt.Errorf("liquidation: get mark price: %w", err)
	}

	positions, err := e.ledger.GetAllOpenPositions(market)
	if err != nil {
		return fmt.Errorf("liquidation: get open positions: %w", err)
	}

	for _, pos := range positions {
		if err := e.checkAndLiquidate(pos, mark, params); err != nil {
			e.logger.Error("liquidation: check position failed", "position_id", pos.ID, "error", err)
		}
	}
	return nil
}

func (e *Engine) checkAndLiquidate(pos model.Position, mark decimal.Decimal, params MarketParams) error {
	entry, err := decimal.NewFromString(pos.EntryPriceUSD)
	if err != nil {
		return fmt.Errorf("parse entry price: %w", err)
	}

	pnl := unrealizedPnLMsats(pos.Side, entry, mark, pos.SizeSats)
	ratio := marginRatio(pos.CollateralMsats, pnl, pos.SizeSats)

	if ratio.GreaterThan(params.MaintenanceMarginPct) {
		return nil
	}

	return e.liquidate(pos, mark, pnl, params)
}

// liquidate force-closes pos at mark. The liquidation fee is always
// floor(notional_at_mark * LiquidationFeePct), independent of what's left
// to pay it with: if equity covers the fee, the insurance fund is credited
// the fee and the owner keeps the rest; if equity is positive but short of
// the fee, the fund takes whatever equity remains; if equity is negative,
// the fund absorbs both the deficit and the uncollectable fee.
func (e *Engine) liquidate(pos model.Position, mark decimal.Decimal, pnl int64, params MarketParams) error {
	equity := pos.CollateralMsats + pnl
	notional := decimal.NewFromInt(pos.SizeSats * 1000)
	fee := notional.Mul(params.LiquidationFeePct).Truncate(0).IntPart()

	var settlement, insuranceDraw int64
	switch {
	case equity >= fee:
		if err := e.ledger.CreditInsuranceFund(fee); err != nil {
			return err
		}
		settlement = equity - fee
	case equity > 0:
		if err := e.ledger.CreditInsuranceFund(equity); err != nil {
			return err
		}
		settlement = 0
	default:
		insuranceDraw = -equity + fee
		if err := e.ledger.DebitInsuranceFund(insuranceDraw); err != nil {
			return err
		}
		settlement = 0
	}

	if err := e.ledger.ClosePosition(pos.ID); err != nil {
		if apperr.Is(err, apperr.NotFound) {
			// Already closed by a concurrent scan or a user-initiated close
			// that raced this one; nothing left to do.
			return nil
		}
		return err
	}
	if settlement > 0 {
		if _, err := e.ledger.CreditCollateral(pos.Pubkey, settlement); err != nil {
			return err
		}
	}

	e.logger.Warn("position liquidated",
		"position_id", pos.ID, "pubkey", pos.Pubkey, "market", pos.Market,
		"side", pos.Side, "mark_price_usd", mark.String(), "pnl_msats", pnl,
		"insurance_draw_msats", insuranceDraw, "fee_msats", fee)

	e.metrics.RecordLiquidation(pos.Market, equity+fee)
	if bal, err := e.ledger.GetInsuranceFundBalance(); err == nil {
		e.metrics.RecordInsuranceFundBalance("global", bal)
	}
	e.publishLiquidation(pos, mark, pnl)
	return nil
}

func (e *Engine) publishLiquidation(pos model.Position, mark decimal.Decimal, pnl int64) {
	if e.signer == nil || e.sink == nil {
		return
	}
	content := fmt.Sprintf(`{"pubkey":%q,"market":%q,"side":%q,"size_sats":%d,"entry_price_usd":%q,"mark_price_usd":%q,"pnl_msats":%d}`,
		pos.Pubkey, pos.Market, pos.Side, pos.SizeSats, pos.EntryPriceUSD, mark.String(), pnl)
	ev, err := e.signer.Sign(1051, [][]string{{"p", pos.Pubkey}, {"market", pos.Market}}, content)
	if err != nil {
		e.logger.Error("liquidation: sign event failed", "error", err)
		return
	}
	e.sink.Publish(ev)
}

// unrealizedPnLMsats mirrors the matching package's formula of the same
// name. matching keeps it unexported since ClosePosition is its only caller
// there; duplicating the handful of lines here is cheaper than
// exporting it just for this one other caller.
func unrealizedPnLMsats(side model.Side, entry, mark decimal.Decimal, sizeSats int64) int64 {
	var ratio decimal.Decimal
	if side == model.Long {
		ratio = mark.Sub(entry).Div(entry)
	} else {
		ratio = entry.Sub(mark).Div(entry)
	}
	return ratio.Mul(decimal.NewFromInt(sizeSats)).Mul(decimal.NewFromInt(1000)).Truncate(0).IntPart()
}

func marginRatio(collateralMsats, unrealizedPnLMsats, sizeSats int64) decimal.Decimal {
	notional := sizeSats * 1000
	if notional == 0 {
		return decimal.Zero
	}
	equity := decimal.NewFromInt(collateralMsats + unrealizedPnLMsats)
	return equity.Div(decimal.NewFromInt(notional))
}
