// Package priority computes queue ordering keys and applies the
// randomness-seeded fair-ordering shuffle that breaks ties between
// entries of similar urgency.
package priority

import (
	fpmath "github.com/gary322/flashbets-sub012/internal/math"
)

// Component weights in basis points. They must sum to BpsDenominator.
const (
	StakeWeightBps  int64 = 4_000
	TimeWeightBps   int64 = 3_000
	DepthWeightBps  int64 = 2_000
	VolumeWeightBps int64 = 1_000
)

// MaxDepthLevel caps the market-hierarchy depth component. Deeper markets
// contribute nothing beyond this.
const MaxDepthLevel uint32 = 32

// DefaultStalenessHorizon is the tick age past which a queue entry is
// considered stale and swept.
const DefaultStalenessHorizon int64 = 600

// Input carries the observable facts a priority is computed from. All of
// them ride on events; the calculator never reaches outside.
type Input struct {
	Stake          int64
	TotalStake     int64
	SubmissionTick int64
	CurrentTick    int64
	DepthLevel     uint32
	Volume         int64
	MaxVolume      int64
}

// Compute maps an Input onto the uint64 sort-key space [0, PriorityScale].
//
// Each component is normalized into [0, 1] at PriorityScale, then blended
// 40/30/20/10. A zero denominator zeroes its component instead of failing:
// a market with no stake or no volume still gets a usable priority.
func Compute(in Input) uint64 {
	stake := ratioComponent(in.Stake, in.TotalStake)
	time := timeDecayComponent(in.SubmissionTick, in.CurrentTick)
	depth := depthComponent(in.DepthLevel)
	volume := ratioComponent(in.Volume, in.MaxVolume)

	var total uint64
	total = fpmath.SaturatingAddU64(total, weighted(stake, StakeWeightBps))
	total = fpmath.SaturatingAddU64(total, weighted(time, TimeWeightBps))
	total = fpmath.SaturatingAddU64(total, weighted(depth, DepthWeightBps))
	total = fpmath.SaturatingAddU64(total, weighted(volume, VolumeWeightBps))
	return total
}

// ratioComponent normalizes num/denom into [0, PriorityScale], clamping the
// numerator at the denominator.
func ratioComponent(num, denom int64) uint64 {
	if denom <= 0 || num <= 0 {
		return 0
	}
	if num >= denom {
		return fpmath.PriorityScale
	}
	raw := fpmath.MultiplyInt128(num, int64(fpmath.PriorityScale))
	return uint64(fpmath.DivideInt128(raw, denom, fpmath.RoundDown))
}

// timeDecayComponent is 1/(1+age) at PriorityScale. Fresh entries score
// highest; the decay is hyperbolic so old entries never fully vanish.
func timeDecayComponent(submissionTick, currentTick int64) uint64 {
	age := currentTick - submissionTick
	if age < 0 {
		age = 0
	}
	return fpmath.PriorityScale / uint64(age+1)
}

func depthComponent(depth uint32) uint64 {
	if depth >= MaxDepthLevel {
		return fpmath.PriorityScale
	}
	return fpmath.PriorityScale / uint64(MaxDepthLevel) * uint64(depth)
}

func weighted(component uint64, weightBps int64) uint64 {
	raw := fpmath.MultiplyInt128(int64(component), weightBps)
	return uint64(fpmath.DivideInt128(raw, fpmath.BpsDenominator, fpmath.RoundDown))
}

// IsStale reports whether an entry submitted at submissionTick has exceeded
// the staleness horizon at currentTick.
func IsStale(submissionTick, currentTick, horizon int64) bool {
	return currentTick-submissionTick > horizon
}
