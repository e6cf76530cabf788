package state

import (
	"errors"
	"testing"

	"github.com/google/uuid"
)

func healthyStats() TickStats {
	return TickStats{
		CoverageBps:  9_000,
		OpenInterest: 1_000_000_000,
	}
}

func TestBreakerLowCoverageHaltCycle(t *testing.T) {
	cb := NewCircuitBreaker(DefaultBreakerConfig(), nil)

	stats := healthyStats()
	stats.CoverageBps = 4_000 // coverage 0.4

	ev := cb.Evaluate(stats, 1_000)
	if ev.Verdict != VerdictHalt || ev.Reason != HaltReasonLowCoverage || ev.Severity != SeverityCritical {
		t.Fatalf("evaluation = %+v, want Halt{LowCoverage, Critical}", ev)
	}
	if ev.ResumeTick != 1_000+8_640 {
		t.Fatalf("resume tick = %d, want %d", ev.ResumeTick, 1_000+8_640)
	}
	if cb.HaltCount != 1 || len(cb.History) != 1 {
		t.Errorf("halt count = %d, history = %d, want 1, 1", cb.HaltCount, len(cb.History))
	}

	// Mid-halt: nothing happens, even with healthy stats.
	ev = cb.Evaluate(healthyStats(), 5_000)
	if ev.Verdict != VerdictStillHalted || ev.Reason != HaltReasonLowCoverage {
		t.Fatalf("mid-halt evaluation = %+v, want StillHalted{LowCoverage}", ev)
	}

	// At the resume tick the breaker enters cooldown.
	ev = cb.Evaluate(healthyStats(), 9_640)
	if ev.Verdict != VerdictResume || cb.State != BreakerCooldown {
		t.Fatalf("evaluation = %+v state %s, want Resume into Cooldown", ev, cb.State)
	}
	if ev.ResumeTick != 9_640+300 {
		t.Fatalf("cooldown end = %d, want %d", ev.ResumeTick, 9_640+300)
	}

	// Mid-cooldown.
	ev = cb.Evaluate(healthyStats(), 9_800)
	if ev.Verdict != VerdictInCooldown {
		t.Fatalf("mid-cooldown evaluation = %+v, want InCooldown", ev)
	}

	// Post-cooldown: back to Active.
	ev = cb.Evaluate(healthyStats(), 9_940)
	if ev.Verdict != VerdictContinue || cb.State != BreakerActive {
		t.Fatalf("evaluation = %+v state %s, want Continue with Active", ev, cb.State)
	}
}

func TestBreakerPriceWindowTrigger(t *testing.T) {
	cb := NewCircuitBreaker(DefaultBreakerConfig(), nil)

	// Three observations never trigger: the window is not full.
	for i := 0; i < 3; i++ {
		cb.RecordPriceMove(200)
	}
	if ev := cb.Evaluate(healthyStats(), 10); ev.Verdict != VerdictContinue {
		t.Fatalf("partial window: verdict = %s, want Continue", ev.Verdict)
	}

	// Fourth observation completes the window: |200*4| = 800 > 500.
	cb.RecordPriceMove(200)
	ev := cb.Evaluate(healthyStats(), 11)
	if ev.Verdict != VerdictHalt || ev.Reason != HaltReasonPriceVolatility {
		t.Fatalf("evaluation = %+v, want Halt{PriceVolatility}", ev)
	}
}

func TestBreakerPriceWindowSignedMovesCancel(t *testing.T) {
	cb := NewCircuitBreaker(DefaultBreakerConfig(), nil)
	for _, move := range []int64{300, -300, 300, -300} {
		cb.RecordPriceMove(move)
	}
	if ev := cb.Evaluate(healthyStats(), 10); ev.Verdict != VerdictContinue {
		t.Fatalf("oscillation summing to zero halted: %+v", ev)
	}
}

func TestBreakerCascadeTriggers(t *testing.T) {
	cfg := DefaultBreakerConfig()

	t.Run("liquidation count", func(t *testing.T) {
		cb := NewCircuitBreaker(cfg, nil)
		stats := healthyStats()
		stats.LiquidationCount = 50
		if ev := cb.Evaluate(stats, 10); ev.Verdict != VerdictContinue {
			t.Fatalf("exactly at threshold must not halt: %+v", ev)
		}
		stats.LiquidationCount = 51
		ev := cb.Evaluate(stats, 11)
		if ev.Verdict != VerdictHalt || ev.Reason != HaltReasonLiquidationCascade {
			t.Fatalf("evaluation = %+v, want Halt{LiquidationCascade}", ev)
		}
	})

	t.Run("liquidated volume share", func(t *testing.T) {
		cb := NewCircuitBreaker(cfg, nil)
		stats := healthyStats()
		stats.OpenInterest = 1_000_000
		stats.LiquidatedVolume = 100_000 // exactly 10%
		if ev := cb.Evaluate(stats, 10); ev.Verdict != VerdictContinue {
			t.Fatalf("exactly at threshold must not halt: %+v", ev)
		}
		stats.LiquidatedVolume = 110_000 // 11%
		ev := cb.Evaluate(stats, 11)
		if ev.Verdict != VerdictHalt || ev.Reason != HaltReasonLiquidationCascade {
			t.Fatalf("evaluation = %+v, want Halt{LiquidationCascade}", ev)
		}
	})
}

func TestBreakerCongestionTrigger(t *testing.T) {
	cb := NewCircuitBreaker(DefaultBreakerConfig(), nil)
	stats := healthyStats()
	stats.FailedOps = 101

	ev := cb.Evaluate(stats, 100)
	if ev.Verdict != VerdictHalt || ev.Reason != HaltReasonNetworkCongestion || ev.Severity != SeverityHigh {
		t.Fatalf("evaluation = %+v, want Halt{NetworkCongestion, High}", ev)
	}
	if ev.ResumeTick != 100+2_160 {
		t.Errorf("resume tick = %d, want %d", ev.ResumeTick, 100+2_160)
	}
}

func TestBreakerFirstMatchPrecedence(t *testing.T) {
	cb := NewCircuitBreaker(DefaultBreakerConfig(), nil)
	stats := TickStats{
		CoverageBps:      4_000,
		LiquidationCount: 500,
		FailedOps:        500,
		OpenInterest:     1,
		LiquidatedVolume: 1,
	}

	ev := cb.Evaluate(stats, 10)
	if ev.Reason != HaltReasonLowCoverage {
		t.Errorf("reason = %s, want LowCoverage (first match wins)", ev.Reason)
	}
}

func TestEmergencyShutdownOneShot(t *testing.T) {
	authority := uuid.New()
	cb := NewCircuitBreaker(DefaultBreakerConfig(), &authority)

	// Wrong key: state and authority untouched.
	if err := cb.EmergencyShutdown(uuid.New()); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("err = %v, want ErrUnauthorized", err)
	}
	if cb.State != BreakerActive || cb.Authority == nil {
		t.Fatal("failed shutdown must not change state or consume the authority")
	}

	// Right key: shutdown and the authority is burned.
	if err := cb.EmergencyShutdown(authority); err != nil {
		t.Fatalf("EmergencyShutdown: %v", err)
	}
	if cb.State != BreakerShutdown || cb.Authority != nil {
		t.Fatal("shutdown must flip state and clear the authority")
	}

	// Second call, same key: the capability is gone.
	if err := cb.EmergencyShutdown(authority); err == nil {
		t.Fatal("second shutdown must fail")
	}

	// Shutdown is terminal: evaluations never leave it.
	if ev := cb.Evaluate(healthyStats(), 1_000_000); ev.Verdict != VerdictShutdown {
		t.Errorf("verdict = %s, want Shutdown", ev.Verdict)
	}
}

func TestResumeOverride(t *testing.T) {
	authority := uuid.New()
	cb := NewCircuitBreaker(DefaultBreakerConfig(), &authority)

	stats := healthyStats()
	stats.CoverageBps = 100
	cb.Evaluate(stats, 10)
	if cb.State != BreakerHalted {
		t.Fatal("setup: breaker must be halted")
	}

	if err := cb.Resume(uuid.New(), 20); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("err = %v, want ErrUnauthorized", err)
	}
	if err := cb.Resume(authority, 20); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if cb.State != BreakerCooldown || cb.CooldownEnd != 20+300 {
		t.Errorf("state = %s, cooldown end = %d, want Cooldown ending at 320", cb.State, cb.CooldownEnd)
	}
}

func TestBreakerGates(t *testing.T) {
	cb := NewCircuitBreaker(DefaultBreakerConfig(), nil)
	if !cb.AllowsLiquidation() || !cb.AllowsSubmission() {
		t.Error("active breaker must allow everything")
	}

	stats := healthyStats()
	stats.CoverageBps = 0
	cb.Evaluate(stats, 10)
	if cb.AllowsLiquidation() || cb.AllowsSubmission() {
		t.Error("halted breaker must gate liquidations and submissions")
	}

	cb.Evaluate(healthyStats(), 10+8_640)
	if !cb.AllowsLiquidation() {
		t.Error("cooldown must allow liquidations again")
	}
}
