package priority

import (
	"testing"

	fpmath "github.com/gary322/flashbets-sub012/internal/math"
)

func TestComputeAllComponentsSaturated(t *testing.T) {
	// Full stake share, zero age, max depth, full volume share lands
	// exactly on PriorityScale: 0.4 + 0.3 + 0.2 + 0.1.
	in := Input{
		Stake:          1_000,
		TotalStake:     1_000,
		SubmissionTick: 100,
		CurrentTick:    100,
		DepthLevel:     MaxDepthLevel,
		Volume:         500,
		MaxVolume:      500,
	}
	if got := Compute(in); got != fpmath.PriorityScale {
		t.Errorf("Compute = %d, want %d", got, fpmath.PriorityScale)
	}
}

func TestComputeZeroDenominators(t *testing.T) {
	// No stake and no volume anywhere: only the time component survives.
	in := Input{
		SubmissionTick: 50,
		CurrentTick:    50,
	}
	want := fpmath.PriorityScale / 10 * 3
	if got := Compute(in); got != want {
		t.Errorf("Compute = %d, want %d (time component only)", got, want)
	}
}

func TestComputeComponentWeights(t *testing.T) {
	tests := []struct {
		name string
		in   Input
		want uint64
	}{
		{
			name: "half stake share",
			in:   Input{Stake: 50, TotalStake: 100, SubmissionTick: 10, CurrentTick: 10},
			want: fpmath.PriorityScale/10*2 + fpmath.PriorityScale/10*3,
		},
		{
			name: "age one halves time decay",
			in:   Input{SubmissionTick: 10, CurrentTick: 11},
			want: fpmath.PriorityScale / 2 * 3 / 10,
		},
		{
			name: "age nine decays to a tenth",
			in:   Input{SubmissionTick: 0, CurrentTick: 9},
			want: fpmath.PriorityScale / 10 * 3 / 10,
		},
		{
			name: "half depth",
			in:   Input{DepthLevel: 16, SubmissionTick: 5, CurrentTick: 5},
			want: fpmath.PriorityScale/2/10*2 + fpmath.PriorityScale/10*3,
		},
		{
			name: "depth clamped at maximum",
			in:   Input{DepthLevel: 64, SubmissionTick: 5, CurrentTick: 5},
			want: fpmath.PriorityScale/10*2 + fpmath.PriorityScale/10*3,
		},
		{
			name: "stake clamped at total",
			in:   Input{Stake: 200, TotalStake: 100, SubmissionTick: 5, CurrentTick: 5},
			want: fpmath.PriorityScale/10*4 + fpmath.PriorityScale/10*3,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Compute(tt.in); got != tt.want {
				t.Errorf("Compute = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestComputeLargerStakeWins(t *testing.T) {
	base := Input{TotalStake: 1_000_000, SubmissionTick: 0, CurrentTick: 10}

	small := base
	small.Stake = 1_000
	big := base
	big.Stake = 900_000

	if Compute(big) <= Compute(small) {
		t.Error("larger stake share must yield a strictly higher priority")
	}
}

func TestComputeFutureSubmissionClampsAge(t *testing.T) {
	// An entry stamped ahead of the current tick is treated as brand new.
	in := Input{SubmissionTick: 100, CurrentTick: 50}
	want := fpmath.PriorityScale / 10 * 3
	if got := Compute(in); got != want {
		t.Errorf("Compute = %d, want %d", got, want)
	}
}

func TestIsStale(t *testing.T) {
	if IsStale(0, DefaultStalenessHorizon, DefaultStalenessHorizon) {
		t.Error("entry exactly at the horizon must not be stale")
	}
	if !IsStale(0, DefaultStalenessHorizon+1, DefaultStalenessHorizon) {
		t.Error("entry one past the horizon must be stale")
	}
}
