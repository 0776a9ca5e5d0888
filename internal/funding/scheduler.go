// Package funding periodically computes and settles the funding rate for
// every configured market, transferring msats between long and short
// position holders so that perpetual futures prices stay anchored to the
// index price. A payment larger than a position's collateral leaves that
// collateral at zero; the insurance fund is not involved.
//
// The scheduler runs as a standalone goroutine, woken on a fixed interval.
// Each run is crash-safe: FundingApplication rows make re-settling an
// already-applied epoch a no-op, so a restart mid-run never double-pays.
package funding

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/bitcoinbank/perpengine/internal/apperr"
	"github.com/bitcoinbank/perpengine/internal/clock"
	"github.com/bitcoinbank/perpengine/internal/ledger"
	"github.com/bitcoinbank/perpengine/internal/metrics"
	"github.com/bitcoinbank/perpengine/internal/model"
	"github.com/bitcoinbank/perpengine/internal/signer"
)

// PriceOracle is the subset of the oracle's contract the scheduler depends
// on.
type PriceOracle interface {
	GetIndexPrice(ctx context.Context, market string) (decimal.Decimal, error)
	GetMarkPrice(ctx context.Context, market string) (decimal.Decimal, error)
}

// EventPublisher is the subset of the event sink's contract the scheduler
// depends on.
type EventPublisher interface {
	Publish(ev *signer.Event)
}

// EventSigner is the subset of the signer's contract the scheduler depends
// on.
type EventSigner interface {
	Sign(kind int, tags [][]string, content string) (*signer.Event, error)
}

// MarketParams are the per-market parameters the funding formula needs.
type MarketParams struct {
	IntervalHours float64
	Factor        decimal.Decimal
	MaxRate       decimal.Decimal
}

// Scheduler settles funding for every configured market on a fixed
// interval.
type Scheduler struct {
	ledger  *ledger.Ledger
	oracle  PriceOracle
	sink    EventPublisher
	signer  EventSigner
	clk     clock.Clock
	logger  *slog.Logger
	markets map[string]MarketParams
	metrics *metrics.Collector

	mu sync.Mutex // serializes concurrent runs (e.g. manual trigger + ticker)
}

// New builds a funding Scheduler.
func New(l *ledger.Ledger, oracle PriceOracle, sink EventPublisher, sgn EventSigner, clk clock.Clock, logger *slog.Logger, markets map[string]MarketParams) *Scheduler {
	return &Scheduler{
		ledger:  l,
		oracle:  oracle,
		sink:    sink,
		signer:  sgn,
		clk:     clk,
		logger:  logger.With("component", "funding"),
		markets: markets,
		metrics: metrics.GetCollector(),
	}
}

// Run blocks, calling SettleMarket for every market once per tickInterval
// until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context, tickInterval time.Duration) {
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for market := range s.markets {
				if err := s.SettleMarket(ctx, market); err != nil {
					s.logger.Error("funding settlement failed", "market", market, "error", err)
				}
			}
		}
	}
}

// epochForNow derives the current funding epoch from the clock and the
// market's interval: epoch = floor(unix_seconds / interval_seconds).
func epochForNow(now time.Time, intervalHours float64) int64 {
	intervalSeconds := int64(intervalHours * 3600)
	if intervalSeconds <= 0 {
		intervalSeconds = 1
	}
	return now.Unix() / intervalSeconds
}

// SettleMarket computes and applies the current epoch's funding rate for
// market, if it has not already been applied. Safe to call repeatedly —
// a second call for an already-settled epoch is a no-op per position.
func (s *Scheduler) SettleMarket(ctx context.Context, market string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	params, ok := s.markets[market]
	if !ok {
		return fmt.Errorf("funding: unknown market %s", market)
	}

	epoch := epochForNow(s.clk.Now(), params.IntervalHours)

	indexPrice, err := s.oracle.GetIndexPrice(ctx, market)
	if err != nil {
		return fmt.Errorf("funding: get index price: %w", err)
	}
	markPrice, err := s.oracle.GetMarkPrice(ctx, market)
	if err != nil {
		return fmt.Errorf("funding: get mark price: %w", err)
	}

	premium := markPrice.Sub(indexPrice).Div(indexPrice)
	rate := premium.Mul(params.Factor)
	rate = clampRate(rate, params.MaxRate)

	if _, err := s.ledger.RecordFundingRate(market, epoch, rate.String(), markPrice.String(), indexPrice.String()); err != nil {
		if apperr.Is(err, apperr.Conflict) {
			s.logger.Debug("funding epoch already recorded, applying to any unsettled positions", "market", market, "epoch", epoch)
		} else {
			return fmt.Errorf("funding: record rate: %w", err)
		}
	}

	positions, err := s.ledger.GetAllOpenPositions(market)
	if err != nil {
		return fmt.Errorf("funding: get open positions: %w", err)
	}

	for _, pos := range positions {
		if err := s.settlePosition(pos, epoch, rate, markPrice); err != nil {
			s.logger.Error("funding: settle position failed", "position_id", pos.ID, "error", err)
		}
	}

	s.metrics.RecordFundingRate(market, rate.InexactFloat64())
	s.publishFundingRate(market, epoch, rate, markPrice, indexPrice)
	return nil
}

// settlePosition applies one position's funding payment for epoch. Longs
// pay shorts when rate is positive (mark trading above index) and vice
// versa; the payment is sizeSats * msatsPerSat * rate, deducted from or
// credited to the position's own collateral (never cross-position — per
// position accounting keeps the ledger's conservation invariant local).
func (s *Scheduler) settlePosition(pos model.Position, epoch int64, rate, markPrice decimal.Decimal) error {
	applied, err := s.ledger.FundingAlreadyApplied(pos.ID, epoch)
	if err != nil {
		return err
	}
	if applied {
		return nil
	}

	notional := decimal.NewFromInt(pos.SizeSats * 1000)
	payment := notional.Mul(rate).Truncate(0).IntPart()

	var delta int64
	if pos.Side == model.Long {
		delta = -payment
	} else {
		delta = payment
	}

	newCollateral := pos.CollateralMsats + delta
	if newCollateral < 0 {
		newCollateral = 0
	}

	if delta < 0 {
		s.metrics.RecordFundingPayment(pos.Market, "paid", -delta)
	} else if delta > 0 {
		s.metrics.RecordFundingPayment(pos.Market, "received", delta)
	}

	return s.ledger.UpdatePositionFunding(pos.ID, epoch, delta, newCollateral)
}

func (s *Scheduler) publishFundingRate(market string, epoch int64, rate, markPrice, indexPrice decimal.Decimal) {
	if s.signer == nil || s.sink == nil {
		return
	}
	content := fmt.Sprintf(`{"market":%q,"epoch":%d,"rate":%q,"mark_price_usd":%q,"index_price_usd":%q}`,
		market, epoch, rate.String(), markPrice.String(), indexPrice.String())
	ev, err := s.signer.Sign(30053, [][]string{{"d", fmt.Sprintf("%s:%d", market, epoch)}}, content)
	if err != nil {
		s.logger.Error("funding: sign event failed", "error", err)
		return
	}
	s.sink.Publish(ev)
}

// clampRate clamps rate to [-max, max].
func clampRate(rate, max decimal.Decimal) decimal.Decimal {
	if rate.GreaterThan(max) {
		return max
	}
	neg := max.Neg()
	if rate.LessThan(neg) {
		return neg
	}
	return rate
}
