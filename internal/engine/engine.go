// Package engine is the central orchestrator of the bank's perpetuals
// system. It wires together every subsystem:
//
//  1. Ledger persists bank accounts, futures collateral, orders, positions,
//     trades, and funding history in sqlite.
//  2. Oracle fetches index/mark prices from Kraken on demand behind a TTL
//     cache.
//  3. Matching engine accepts orders, matches them, and updates positions.
//  4. Funding scheduler settles the funding rate for every market on a timer.
//  5. Liquidation engine scans open positions for insufficient margin on a
//     timer.
//  6. Risk manager aggregates exposure across markets and can halt trading
//     via the matching engine's RiskGate.
//  7. Event sink publishes signed Nostr events (trades, positions, funding
//     rates, liquidations) to configured relays.
//  8. API server exposes everything over HTTP.
//
// Lifecycle: New() → Run(ctx) → blocks until ctx is cancelled → Shutdown()
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/bitcoinbank/perpengine/internal/api"
	"github.com/bitcoinbank/perpengine/internal/clock"
	"github.com/bitcoinbank/perpengine/internal/config"
	"github.com/bitcoinbank/perpengine/internal/eventsink"
	"github.com/bitcoinbank/perpengine/internal/funding"
	"github.com/bitcoinbank/perpengine/internal/ledger"
	"github.com/bitcoinbank/perpengine/internal/liquidation"
	"github.com/bitcoinbank/perpengine/internal/matching"
	"github.com/bitcoinbank/perpengine/internal/model"
	"github.com/bitcoinbank/perpengine/internal/oracle"
	"github.com/bitcoinbank/perpengine/internal/positionview"
	"github.com/bitcoinbank/perpengine/internal/risk"
	"github.com/bitcoinbank/perpengine/internal/signer"
	"github.com/shopspring/decimal"
)

// Engine orchestrates every subsystem's lifecycle: construction order,
// background goroutines, and graceful shutdown.
type Engine struct {
	cfg    *config.Config
	logger *slog.Logger

	ledger      *ledger.Ledger
	oracle      *oracle.Oracle
	sink        *eventsink.Sink
	signer      *signer.Signer
	matching    *matching.Engine
	funding     *funding.Scheduler
	liquidation *liquidation.Engine
	risk        *risk.Manager
	positions   *positionview.Viewer
	api         *api.Server

	wg sync.WaitGroup
}

// New constructs the engine and every subsystem it owns, wiring each to its
// dependencies. It does not start any goroutines; call Run for that.
func New(cfg *config.Config, logger *slog.Logger) (*Engine, error) {
	l, err := ledger.Open(cfg.Ledger.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open ledger: %w", err)
	}

	clk := clock.New()

	sgn, err := signer.New(cfg.EventSink.BankPrivateKeyHex, clk)
	if err != nil {
		l.Close()
		return nil, fmt.Errorf("load bank signing key: %w", err)
	}
	logger.Info("bank signing key loaded", "pubkey", sgn.Pubkey())

	orc := oracle.New(cfg.Oracle.KrakenURL, cfg.Oracle.Timeout, cfg.Oracle.CacheTTL, clk, logger)
	sink := eventsink.New(cfg.EventSink.RelayURLs, cfg.EventSink.QueueSize, logger)

	matchingMarkets := make(map[string]matching.MarketParams, len(cfg.Markets))
	fundingMarkets := make(map[string]funding.MarketParams, len(cfg.Markets))
	liquidationMarkets := make(map[string]liquidation.MarketParams, len(cfg.Markets))
	for _, m := range cfg.Markets {
		maintMargin := decimal.NewFromFloat(m.MaintenanceMarginPct)
		takerFee := decimal.NewFromFloat(m.TakerFeePct)
		insuranceFee := decimal.NewFromFloat(m.InsuranceFundFeePct)

		matchingMarkets[m.Symbol] = matching.MarketParams{
			MaxLeverage:          m.MaxLeverage,
			MaintenanceMarginPct: maintMargin,
			TakerFeePct:          takerFee,
			InsuranceFundFeePct:  insuranceFee,
		}
		fundingMarkets[m.Symbol] = funding.MarketParams{
			IntervalHours: cfg.Funding.IntervalHours,
			Factor:        decimal.NewFromFloat(cfg.Funding.Factor),
			MaxRate:       decimal.NewFromFloat(cfg.Funding.MaxRate),
		}
		liquidationMarkets[m.Symbol] = liquidation.MarketParams{
			MaintenanceMarginPct: maintMargin,
			LiquidationFeePct:    decimal.NewFromFloat(cfg.Liquidation.LiquidationFee),
		}
	}

	matchingEngine := matching.New(l, orc, sink, sgn, clk, matchingMarkets)

	riskMgr := risk.NewManager(cfg.Risk, logger)
	matchingEngine.SetRiskGate(riskMgr)

	fundingScheduler := funding.New(l, orc, sink, sgn, clk, logger, fundingMarkets)
	liquidationEngine := liquidation.New(l, orc, sink, sgn, logger, liquidationMarkets)
	viewer := positionview.New(l, orc)

	apiServer := api.New(cfg, l, matchingEngine, viewer, clk, logger)

	return &Engine{
		cfg:         cfg,
		logger:      logger.With("component", "engine"),
		ledger:      l,
		oracle:      orc,
		sink:        sink,
		signer:      sgn,
		matching:    matchingEngine,
		funding:     fundingScheduler,
		liquidation: liquidationEngine,
		risk:        riskMgr,
		positions:   viewer,
		api:         apiServer,
	}, nil
}

// Run starts every background goroutine and blocks until ctx is cancelled
// or the API server exits, then cancels the background goroutines and calls
// Shutdown.
func (e *Engine) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	e.wg.Add(4)
	go func() {
		defer e.wg.Done()
		e.sink.Run(runCtx)
	}()
	go func() {
		defer e.wg.Done()
		e.risk.Run(runCtx)
	}()
	go func() {
		defer e.wg.Done()
		e.funding.Run(runCtx, fundingPollInterval)
	}()
	go func() {
		defer e.wg.Done()
		e.liquidation.Run(runCtx, e.cfg.Liquidation.ScanInterval)
	}()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.runExposureReporting(runCtx)
	}()

	serverErrCh := make(chan error, 1)
	go func() {
		serverErrCh <- e.api.Start()
	}()

	e.logger.Info("engine running", "markets", len(e.cfg.Markets))

	select {
	case <-ctx.Done():
	case err := <-serverErrCh:
		if err != nil {
			e.logger.Error("api server exited unexpectedly", "error", err)
		}
	}

	cancel()
	return e.Shutdown()
}

// Shutdown stops the API server, waits for background goroutines to drain,
// then closes the ledger. Run calls it on its way out; the wait returns only
// once the context those goroutines run under has been cancelled.
func (e *Engine) Shutdown() error {
	e.logger.Info("shutting down")

	if err := e.api.Stop(); err != nil {
		e.logger.Error("api server shutdown error", "error", err)
	}

	e.wg.Wait()
	e.sink.Stop()

	if err := e.ledger.Close(); err != nil {
		return fmt.Errorf("close ledger: %w", err)
	}
	e.logger.Info("shutdown complete")
	return nil
}

// runExposureReporting periodically computes per-market open interest and
// mark-to-market PnL from the ledger and oracle, and feeds it to the risk
// manager as an ExposureReport.
func (e *Engine) runExposureReporting(ctx context.Context) {
	interval := e.cfg.Risk.ReportInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, m := range e.cfg.Markets {
				report, err := e.buildExposureReport(ctx, m.Symbol)
				if err != nil {
					e.logger.Warn("exposure report skipped", "market", m.Symbol, "error", err)
					continue
				}
				e.risk.Report(report)
			}
		}
	}
}

func (e *Engine) buildExposureReport(ctx context.Context, market string) (risk.ExposureReport, error) {
	openInterestSats, err := e.ledger.GetTotalOpenInterestSats(market)
	if err != nil {
		return risk.ExposureReport{}, fmt.Errorf("open interest: %w", err)
	}
	mark, err := e.oracle.GetMarkPrice(ctx, market)
	if err != nil {
		return risk.ExposureReport{}, fmt.Errorf("mark price: %w", err)
	}

	notionalBTC := decimal.NewFromInt(openInterestSats).Div(decimal.NewFromInt(100_000_000))
	notionalUSD := notionalBTC.Mul(mark)

	positions, err := e.ledger.GetAllOpenPositions(market)
	if err != nil {
		return risk.ExposureReport{}, fmt.Errorf("open positions: %w", err)
	}
	var unrealizedMsats int64
	for _, pos := range positions {
		entry, perr := decimal.NewFromString(pos.EntryPriceUSD)
		if perr != nil {
			continue
		}
		unrealizedMsats += unrealizedPnLMsats(pos.Side, entry, mark, pos.SizeSats)
	}
	unrealizedUSD := decimal.NewFromInt(unrealizedMsats).Div(decimal.NewFromInt(1000)).Div(decimal.NewFromInt(100_000_000)).Mul(mark)

	return risk.ExposureReport{
		Market:           market,
		NotionalUSD:      notionalUSD.InexactFloat64(),
		MarkPriceUSD:     mark.InexactFloat64(),
		UnrealizedPnLUSD: unrealizedUSD.InexactFloat64(),
		Timestamp:        time.Now(),
	}, nil
}

// unrealizedPnLMsats mirrors the matching and liquidation engines' formula.
func unrealizedPnLMsats(side model.Side, entry, mark decimal.Decimal, sizeSats int64) int64 {
	if entry.IsZero() {
		return 0
	}
	var ratio decimal.Decimal
	if side == model.Long {
		ratio = mark.Sub(entry).Div(entry)
	} else {
		ratio = entry.Sub(mark).Div(entry)
	}
	return ratio.Mul(decimal.NewFromInt(sizeSats)).Mul(decimal.NewFromInt(1000)).Truncate(0).IntPart()
}

// fundingPollInterval governs how often the scheduler checks whether the
// current funding epoch has been settled, not the funding interval itself
// (SettleMarket is idempotent per epoch, so polling more often than the
// funding interval is safe and keeps settlement close to the epoch boundary).
const fundingPollInterval = time.Minute
