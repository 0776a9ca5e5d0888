// Package risk enforces portfolio-level exposure limits across all
// configured perpetual markets.
//
// The risk manager runs as a standalone goroutine that receives
// ExposureReports — periodic snapshots of each market's open interest and
// PnL computed from the ledger — and checks them against configured
// limits:
//
//   - Per-market exposure:  caps USD notional open interest in any one market
//   - Global exposure:      caps total USD notional open interest across all markets
//   - Daily loss:           triggers the kill switch if realized+unrealized PnL exceeds threshold
//   - Rapid price movement: triggers the kill switch if a market's mark price
//     moves more than KillSwitchDropPct within KillSwitchWindowSec seconds
//
// When a limit is breached the manager engages its kill switch, which the
// matching engine consults (via the RiskGate interface) before accepting
// new orders. A global kill blocks every market; a market-scoped kill
// blocks only that market. The kill switch clears itself after
// CooldownAfterKill elapses.
package risk

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/bitcoinbank/perpengine/internal/config"
)

// ExposureReport is a periodic snapshot of one market's aggregate state,
// submitted by the engine orchestrator's reporting loop.
type ExposureReport struct {
	Market            string
	NotionalUSD       float64 // total open interest, both sides, in USD
	MarkPriceUSD      float64 // used for rapid price-movement detection
	UnrealizedPnLUSD  float64 // mark-to-market PnL across all open positions
	RealizedPnLUSD    float64 // cumulative closed-trade PnL (insurance fund fees netted out)
	Timestamp         time.Time
}

// priceAnchor stores a reference price at a point in time for detecting
// rapid price movements within a rolling window.
type priceAnchor struct {
	price     float64
	timestamp time.Time
}

// Manager enforces risk limits across all active markets. It aggregates
// exposure reports, checks limits, and engages a kill switch when breached.
type Manager struct {
	cfg    config.RiskConfig
	logger *slog.Logger

	mu                sync.RWMutex
	markets           map[string]ExposureReport // latest report per market
	totalExposure     float64                   // sum of all NotionalUSD
	totalRealizedPnL  float64
	globalKillUntil   time.Time              // zero if no global kill active
	marketKillUntil   map[string]time.Time   // per-market kill cooldowns
	priceAnchors      map[string]priceAnchor // reference prices for movement detection

	reportCh chan ExposureReport
}

// NewManager creates a risk manager.
func NewManager(cfg config.RiskConfig, logger *slog.Logger) *Manager {
	return &Manager{
		cfg:             cfg,
		logger:          logger.With("component", "risk"),
		markets:         make(map[string]ExposureReport),
		marketKillUntil: make(map[string]time.Time),
		priceAnchors:    make(map[string]priceAnchor),
		reportCh:        make(chan ExposureReport, 100),
	}
}

// Run starts the risk monitoring loop, blocking until ctx is cancelled.
func (rm *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case report := <-rm.reportCh:
			rm.processReport(report)
		case <-ticker.C:
			rm.clearExpiredKillSwitches()
		}
	}
}

// Report submits an exposure snapshot (non-blocking; drops under backpressure).
func (rm *Manager) Report(report ExposureReport) {
	select {
	case rm.reportCh <- report:
	default:
		rm.logger.Warn("risk report channel full, dropping report", "market", report.Market)
	}
}

// Allow implements matching.RiskGate: it returns false while the kill
// switch — global or scoped to market — is engaged.
func (rm *Manager) Allow(market string) bool {
	rm.mu.RLock()
	defer rm.mu.RUnlock()

	now := time.Now()
	if !rm.globalKillUntil.IsZero() && now.Before(rm.globalKillUntil) {
		return false
	}
	if until, ok := rm.marketKillUntil[market]; ok && now.Before(until) {
		return false
	}
	return true
}

// RemainingBudget returns how much additional USD notional is allowed for
// market: the minimum of per-market headroom and global headroom. Returns 0
// if either limit is already exceeded.
func (rm *Manager) RemainingBudget(market string) float64 {
	rm.mu.RLock()
	defer rm.mu.RUnlock()

	var currentExposure float64
	if rep, ok := rm.markets[market]; ok {
		currentExposure = rep.NotionalUSD
	}

	perMarket := rm.cfg.MaxPositionPerMarketUSD - currentExposure
	global := rm.cfg.MaxGlobalExposureUSD - rm.totalExposure

	remaining := perMarket
	if rm.cfg.MaxPositionPerMarketUSD <= 0 || global < remaining {
		remaining = global
	}
	if remaining < 0 {
		return 0
	}
	return remaining
}

// Snapshot returns current aggregate risk metrics, e.g. for the public API.
type Snapshot struct {
	GlobalExposureUSD    float64
	MaxGlobalExposureUSD float64
	ExposurePct          float64
	GlobalKillActive     bool
	GlobalKillUntil      time.Time
	TotalRealizedPnLUSD  float64
	TotalUnrealizedPnLUSD float64
	MarketsTracked       int
}

// Snapshot returns the current aggregate state.
func (rm *Manager) Snapshot() Snapshot {
	rm.mu.RLock()
	defer rm.mu.RUnlock()

	var totalUnrealized float64
	for _, rep := range rm.markets {
		totalUnrealized += rep.UnrealizedPnLUSD
	}

	var exposurePct float64
	if rm.cfg.MaxGlobalExposureUSD > 0 {
		exposurePct = (rm.totalExposure / rm.cfg.MaxGlobalExposureUSD) * 100
	}

	return Snapshot{
		GlobalExposureUSD:     rm.totalExposure,
		MaxGlobalExposureUSD:  rm.cfg.MaxGlobalExposureUSD,
		ExposurePct:           exposurePct,
		GlobalKillActive:      !rm.globalKillUntil.IsZero() && time.Now().Before(rm.globalKillUntil),
		GlobalKillUntil:       rm.globalKillUntil,
		TotalRealizedPnLUSD:   rm.totalRealizedPnL,
		TotalUnrealizedPnLUSD: totalUnrealized,
		MarketsTracked:        len(rm.markets),
	}
}

func (rm *Manager) processReport(report ExposureReport) {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	rm.markets[report.Market] = report

	rm.totalExposure = 0
	rm.totalRealizedPnL = 0
	totalUnrealized := 0.0
	for _, rep := range rm.markets {
		rm.totalExposure += rep.NotionalUSD
		rm.totalRealizedPnL += rep.RealizedPnLUSD
		totalUnrealized += rep.UnrealizedPnLUSD
	}

	if rm.cfg.MaxPositionPerMarketUSD > 0 && report.NotionalUSD > rm.cfg.MaxPositionPerMarketUSD {
		rm.killMarket(report.Market, "per-market exposure limit breached")
	}
	if rm.totalExposure > rm.cfg.MaxGlobalExposureUSD {
		rm.killGlobal("global exposure limit breached")
	}

	totalPnL := rm.totalRealizedPnL + totalUnrealized
	if rm.cfg.MaxDailyLossUSD > 0 && totalPnL < -rm.cfg.MaxDailyLossUSD {
		rm.killGlobal("max daily loss breached")
	}

	rm.checkPriceMovement(report)
}

// checkPriceMovement detects rapid price swings using a rolling anchor. On
// each report, it compares the mark price to the anchor set at the start
// of the window; if the anchor is older than KillSwitchWindowSec it resets
// instead of firing.
func (rm *Manager) checkPriceMovement(report ExposureReport) {
	if rm.cfg.KillSwitchWindowSec <= 0 || rm.cfg.KillSwitchDropPct <= 0 {
		return
	}
	window := time.Duration(rm.cfg.KillSwitchWindowSec) * time.Second

	anchor, ok := rm.priceAnchors[report.Market]
	if !ok || report.Timestamp.Sub(anchor.timestamp) > window {
		rm.priceAnchors[report.Market] = priceAnchor{price: report.MarkPriceUSD, timestamp: report.Timestamp}
		return
	}
	if anchor.price == 0 {
		return
	}

	pctChange := (report.MarkPriceUSD - anchor.price) / anchor.price
	if pctChange < 0 {
		pctChange = -pctChange
	}
	if pctChange > rm.cfg.KillSwitchDropPct {
		rm.killMarket(report.Market, fmt.Sprintf("rapid price movement: %.1f%% in %ds", pctChange*100, rm.cfg.KillSwitchWindowSec))
	}
}

func (rm *Manager) clearExpiredKillSwitches() {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	now := time.Now()
	if !rm.globalKillUntil.IsZero() && now.After(rm.globalKillUntil) {
		rm.globalKillUntil = time.Time{}
		rm.logger.Info("global kill switch cooldown expired")
	}
	for market, until := range rm.marketKillUntil {
		if now.After(until) {
			delete(rm.marketKillUntil, market)
			rm.logger.Info("market kill switch cooldown expired", "market", market)
		}
	}
}

// killGlobal engages the global kill switch. Caller holds rm.mu.
func (rm *Manager) killGlobal(reason string) {
	rm.globalKillUntil = time.Now().Add(rm.cfg.CooldownAfterKill)
	rm.logger.Error("RISK KILL SWITCH (global)", "reason", reason, "cooldown_until", rm.globalKillUntil)
}

// killMarket engages a market-scoped kill switch. Caller holds rm.mu.
func (rm *Manager) killMarket(market, reason string) {
	rm.marketKillUntil[market] = time.Now().Add(rm.cfg.CooldownAfterKill)
	rm.logger.Error("RISK KILL SWITCH (market)", "market", market, "reason", reason, "cooldown_until", rm.marketKillUntil[market])
}
