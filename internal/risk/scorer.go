// Package risk converts oracle marks and position parameters into the
// bucketed urgency score and signed distance-to-liquidation that drive
// queue admission and execution eligibility.
package risk

import (
	"errors"

	"github.com/shopspring/decimal"

	"github.com/gary322/flashbets-sub012/internal/event"
	fpmath "github.com/gary322/flashbets-sub012/internal/math"
)

// Score thresholds. Positions at or above MonitoringThreshold enter the
// liquidation queue; only positions at or above LiquidationThreshold are
// actually executable.
const (
	MonitoringThreshold  uint8 = 50
	LiquidationThreshold uint8 = 90
)

var (
	// ErrZeroPrice rejects a zero entry or mark price before any division.
	ErrZeroPrice = errors.New("risk: zero entry or mark price")

	// ErrInvalidLeverage rejects non-positive leverage.
	ErrInvalidLeverage = errors.New("risk: leverage must be positive")
)

var one = decimal.NewFromInt(1)

// Score buckets remaining margin into an urgency score in [10, 100].
//
//	margin_remaining = 1/leverage + side_sign * (mark - entry) / entry
//
// Bucket boundaries are exact and must reproduce bit-for-bit:
// <=0 -> 100, <5% -> 90, <10% -> 75, <20% -> 50, <30% -> 25, else 10.
// Prices share the same fixed-point scale so the ratio is scale-free.
func Score(markPrice, entryPrice, leverage int64, side event.Side) (uint8, error) {
	if markPrice == 0 || entryPrice == 0 {
		return 0, ErrZeroPrice
	}
	if leverage <= 0 {
		return 0, ErrInvalidLeverage
	}

	mark := decimal.NewFromInt(markPrice)
	entry := decimal.NewFromInt(entryPrice)

	pnlPct := mark.Sub(entry).Div(entry)
	if side == event.SideShort {
		pnlPct = pnlPct.Neg()
	}

	marginRemaining := one.Div(decimal.NewFromInt(leverage)).Add(pnlPct)

	switch {
	case marginRemaining.Sign() <= 0:
		return 100, nil
	case marginRemaining.LessThan(decimal.NewFromFloat(0.05)):
		return 90, nil
	case marginRemaining.LessThan(decimal.NewFromFloat(0.10)):
		return 75, nil
	case marginRemaining.LessThan(decimal.NewFromFloat(0.20)):
		return 50, nil
	case marginRemaining.LessThan(decimal.NewFromFloat(0.30)):
		return 25, nil
	default:
		return 10, nil
	}
}

// DistanceMicros returns the signed fractional distance between the mark
// and the liquidation price, scaled by 1e6. Positive means the position is
// on the safe side of its liquidation price; zero or negative means it is
// liquidatable. Direction depends on side: a long liquidates when the mark
// falls to the liquidation price, a short when it rises to it.
func DistanceMicros(markPrice, liquidationPrice int64, side event.Side) (int64, error) {
	if markPrice == 0 {
		return 0, ErrZeroPrice
	}

	mark := decimal.NewFromInt(markPrice)
	liq := decimal.NewFromInt(liquidationPrice)

	var dist decimal.Decimal
	if side == event.SideLong {
		dist = mark.Sub(liq).Div(mark)
	} else {
		dist = liq.Sub(mark).Div(mark)
	}

	scaled := dist.Mul(decimal.NewFromInt(fpmath.FractionConfig.Scale))
	return scaled.IntPart(), nil
}

// Liquidatable reports whether a position is executable right now: the
// urgency score has reached the liquidation threshold and the mark has
// crossed the liquidation price.
func Liquidatable(score uint8, distanceMicros int64) bool {
	return score >= LiquidationThreshold && distanceMicros <= 0
}
