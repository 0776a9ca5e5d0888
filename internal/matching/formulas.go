package matching

import (
	"github.com/shopspring/decimal"

	"github.com/bitcoinbank/perpengine/internal/model"
)

// msatsPerSat is the fixed conversion factor: 1 sat = 1000 msats.
const msatsPerSat = 1000

// notionalMsats computes a position or order's notional value in msats.
// notional_msats = size_sats * 1000 — collateral and notional are both
// denominated in the base asset (BTC), not quote (USD).
func notionalMsats(sizeSats int64) int64 {
	return sizeSats * msatsPerSat
}

// requiredCollateralMsats computes the margin + taker fee required to open
// a position of sizeSats at leverage.
func requiredCollateralMsats(sizeSats int64, leverage int, takerFeePct decimal.Decimal) int64 {
	notional := notionalMsats(sizeSats)
	margin := notional / int64(leverage)
	fee := decimal.NewFromInt(notional).Mul(takerFeePct).Truncate(0).IntPart()
	return margin + fee
}

// liquidationPriceUSD computes the deterministic liquidation price for a
// newly opened position.
func liquidationPriceUSD(side model.Side, entry decimal.Decimal, leverage int, maintenanceMarginPct decimal.Decimal) decimal.Decimal {
	one := decimal.NewFromInt(1)
	invLev := one.Div(decimal.NewFromInt(int64(leverage)))
	if side == model.Long {
		return entry.Mul(one.Sub(invLev).Add(maintenanceMarginPct))
	}
	return entry.Mul(one.Add(invLev).Sub(maintenanceMarginPct))
}

// unrealizedPnLMsats computes a position's unrealized PnL at mark. Rounds
// toward zero when reduced to an integer.
func unrealizedPnLMsats(side model.Side, entry, mark decimal.Decimal, sizeSats int64) int64 {
	var ratio decimal.Decimal
	if side == model.Long {
		ratio = mark.Sub(entry).Div(entry)
	} else {
		ratio = entry.Sub(mark).Div(entry)
	}
	return ratio.Mul(decimal.NewFromInt(sizeSats)).Mul(decimal.NewFromInt(msatsPerSat)).Truncate(0).IntPart()
}

// marginRatio computes (collateral + unrealized_pnl) / notional_at_mark.
// notional_at_mark uses size_sats, not the mark price.
func marginRatio(collateralMsats, unrealizedPnLMsats, sizeSats int64) decimal.Decimal {
	notional := notionalMsats(sizeSats)
	if notional == 0 {
		return decimal.Zero
	}
	equity := decimal.NewFromInt(collateralMsats + unrealizedPnLMsats)
	return equity.Div(decimal.NewFromInt(notional))
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

// priceIntegerWidth is wide enough that no realistic BTC/USD price
// (including multi-leverage notional blowups) overflows the zero-padded
// integer part used for lexicographic ordering below.
const priceIntegerWidth = 12

// normalizePriceString renders price zero-padded to a fixed integer width
// and a fixed 8 fractional digits, so the Ledger's SQL ORDER BY on the
// price_usd string column agrees with numeric ordering.
func normalizePriceString(price decimal.Decimal) string {
	fixed := price.StringFixed(8)
	neg := false
	if len(fixed) > 0 && fixed[0] == '-' {
		neg = true
		fixed = fixed[1:]
	}
	dot := len(fixed)
	for i, c := range fixed {
		if c == '.' {
			dot = i
			break
		}
	}
	intPart, fracPart := fixed[:dot], fixed[dot:]
	for len(intPart) < priceIntegerWidth {
		intPart = "0" + intPart
	}
	sign := ""
	if neg {
		sign = "-"
	}
	return sign + intPart + fracPart
}
