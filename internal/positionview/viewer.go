// Package positionview enriches persisted positions with live mark price,
// unrealized PnL, and margin ratio for read-only API responses. It never
// mutates the ledger.
package positionview

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/bitcoinbank/perpengine/internal/ledger"
	"github.com/bitcoinbank/perpengine/internal/model"
)

// PriceOracle is the subset of the oracle's contract the viewer depends on.
type PriceOracle interface {
	GetMarkPrice(ctx context.Context, market string) (decimal.Decimal, error)
}

// Viewer enriches positions with live pricing data on read.
type Viewer struct {
	ledger *ledger.Ledger
	oracle PriceOracle
}

// New builds a Viewer.
func New(l *ledger.Ledger, oracle PriceOracle) *Viewer {
	return &Viewer{ledger: l, oracle: oracle}
}

// GetPosition returns a single position enriched with current mark price,
// unrealized PnL, and margin ratio.
func (v *Viewer) GetPosition(ctx context.Context, id string) (*model.EnrichedPosition, error) {
	pos, err := v.ledger.GetPosition(id)
	if err != nil {
		return nil, err
	}
	return v.enrich(ctx, pos)
}

// GetPositionsForPubkey returns every open position held by pubkey,
// enriched with live data.
func (v *Viewer) GetPositionsForPubkey(ctx context.Context, pubkey string) ([]model.EnrichedPosition, error) {
	positions, err := v.ledger.GetPositionsForPubkey(pubkey)
	if err != nil {
		return nil, err
	}
	out := make([]model.EnrichedPosition, 0, len(positions))
	for i := range positions {
		enriched, err := v.enrich(ctx, &positions[i])
		if err != nil {
			return nil, err
		}
		out = append(out, *enriched)
	}
	return out, nil
}

func (v *Viewer) enrich(ctx context.Context, pos *model.Position) (*model.EnrichedPosition, error) {
	mark, err := v.oracle.GetMarkPrice(ctx, pos.Market)
	if err != nil {
		return nil, err
	}
	entry, err := decimal.NewFromString(pos.EntryPriceUSD)
	if err != nil {
		return nil, fmt.Errorf("parse entry price: %w", err)
	}

	var ratio decimal.Decimal
	if pos.Side == model.Long {
		ratio = mark.Sub(entry).Div(entry)
	} else {
		ratio = entry.Sub(mark).Div(entry)
	}
	pnl := ratio.Mul(decimal.NewFromInt(pos.SizeSats)).Mul(decimal.NewFromInt(1000)).Truncate(0).IntPart()

	notional := pos.SizeSats * 1000
	var margin decimal.Decimal
	if notional > 0 {
		equity := decimal.NewFromInt(pos.CollateralMsats + pnl)
		margin = equity.Div(decimal.NewFromInt(notional))
	}

	return &model.EnrichedPosition{
		Position:           *pos,
		MarkPriceUSD:       mark.String(),
		UnrealizedPnLMsats: pnl,
		MarginRatio:        margin.String(),
	}, nil
}
