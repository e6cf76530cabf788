package state

import (
	"encoding/binary"
	"errors"

	"github.com/google/uuid"
)

// BreakerState is the circuit breaker's top-level mode
type BreakerState int32

const (
	BreakerActive BreakerState = iota
	BreakerHalted
	BreakerCooldown
	BreakerShutdown
)

func (bs BreakerState) String() string {
	switch bs {
	case BreakerActive:
		return "Active"
	case BreakerHalted:
		return "Halted"
	case BreakerCooldown:
		return "Cooldown"
	case BreakerShutdown:
		return "EmergencyShutdown"
	default:
		return "Unknown"
	}
}

// HaltReason identifies which trigger fired
type HaltReason int32

const (
	HaltReasonNone HaltReason = iota
	HaltReasonLowCoverage
	HaltReasonPriceVolatility
	HaltReasonLiquidationCascade
	HaltReasonNetworkCongestion
	HaltReasonEmergency
)

func (hr HaltReason) String() string {
	switch hr {
	case HaltReasonLowCoverage:
		return "LowCoverage"
	case HaltReasonPriceVolatility:
		return "PriceVolatility"
	case HaltReasonLiquidationCascade:
		return "LiquidationCascade"
	case HaltReasonNetworkCongestion:
		return "NetworkCongestion"
	case HaltReasonEmergency:
		return "Emergency"
	default:
		return "None"
	}
}

// HaltSeverity grades a halt
type HaltSeverity int32

const (
	SeverityHigh HaltSeverity = iota
	SeverityCritical
)

func (hs HaltSeverity) String() string {
	if hs == SeverityCritical {
		return "Critical"
	}
	return "High"
}

// BreakerConfig holds every trigger threshold and halt duration. Defaults
// assume a 250ms tick, so 8640 ticks is about an hour and 300 about five
// minutes.
type BreakerConfig struct {
	MinCoverageBps             int64  `yaml:"min_coverage_bps"`
	PriceWindowSize            int    `yaml:"price_window_size"`
	MaxPriceMoveBps            int64  `yaml:"max_price_move_bps"`
	MaxLiquidationsPerTick     uint64 `yaml:"max_liquidations_per_tick"`
	MaxLiquidatedOIFractionBps int64  `yaml:"max_liquidated_oi_fraction_bps"`
	MaxFailedOpsPerTick        uint64 `yaml:"max_failed_ops_per_tick"`
	CriticalHaltTicks          int64  `yaml:"critical_halt_ticks"`
	CongestionHaltTicks        int64  `yaml:"congestion_halt_ticks"`
	CooldownTicks              int64  `yaml:"cooldown_ticks"`
}

// DefaultBreakerConfig returns the production thresholds.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		MinCoverageBps:             5_000,
		PriceWindowSize:            4,
		MaxPriceMoveBps:            500,
		MaxLiquidationsPerTick:     50,
		MaxLiquidatedOIFractionBps: 1_000,
		MaxFailedOpsPerTick:        100,
		CriticalHaltTicks:          8_640,
		CongestionHaltTicks:        2_160,
		CooldownTicks:              300,
	}
}

// TickStats is the per-tick observation set the breaker evaluates. The
// engine assembles it from the events of the tick; the breaker itself
// makes no external calls.
type TickStats struct {
	CoverageBps      int64
	LiquidationCount uint64
	LiquidatedVolume int64
	OpenInterest     int64
	FailedOps        uint64
}

// Verdict is the outcome of one evaluation
type Verdict int32

const (
	VerdictContinue Verdict = iota
	VerdictHalt
	VerdictStillHalted
	VerdictResume
	VerdictInCooldown
	VerdictShutdown
)

func (v Verdict) String() string {
	switch v {
	case VerdictContinue:
		return "Continue"
	case VerdictHalt:
		return "Halt"
	case VerdictStillHalted:
		return "StillHalted"
	case VerdictResume:
		return "Resume"
	case VerdictInCooldown:
		return "InCooldown"
	case VerdictShutdown:
		return "Shutdown"
	default:
		return "Unknown"
	}
}

// Evaluation reports a verdict with its halt context when applicable.
type Evaluation struct {
	Verdict    Verdict
	Reason     HaltReason
	Severity   HaltSeverity
	ResumeTick int64
}

// HaltRecord is one entry of the halt history.
type HaltRecord struct {
	Reason    HaltReason
	Severity  HaltSeverity
	StartTick int64
	EndTick   int64
}

var (
	// ErrUnauthorized rejects admin calls from a non-designated key.
	ErrUnauthorized = errors.New("state: unauthorized")

	// ErrShutdown rejects any operation after emergency shutdown.
	ErrShutdown = errors.New("state: system is shut down")
)

// CircuitBreaker gates liquidation processing. All transitions happen in
// Evaluate or in the two admin calls; nothing else writes its fields.
type CircuitBreaker struct {
	Config BreakerConfig

	State         BreakerState
	Reason        HaltReason
	Severity      HaltSeverity
	HaltStartTick int64
	ResumeTick    int64
	CooldownEnd   int64

	HaltCount uint64
	History   []HaltRecord

	// Signed price moves (bps) of the most recent observations, oldest
	// first. Bounded at Config.PriceWindowSize.
	priceWindow []int64

	// Authority is the one-shot emergency key. Cleared on use.
	Authority *uuid.UUID
}

func NewCircuitBreaker(cfg BreakerConfig, authority *uuid.UUID) *CircuitBreaker {
	return &CircuitBreaker{
		Config:    cfg,
		Authority: authority,
	}
}

// RecordPriceMove pushes a signed per-observation move (bps) into the
// rolling window.
func (cb *CircuitBreaker) RecordPriceMove(moveBps int64) {
	cb.priceWindow = append(cb.priceWindow, moveBps)
	if len(cb.priceWindow) > cb.Config.PriceWindowSize {
		cb.priceWindow = cb.priceWindow[len(cb.priceWindow)-cb.Config.PriceWindowSize:]
	}
}

// PriceWindow returns a copy of the rolling window, oldest first.
func (cb *CircuitBreaker) PriceWindow() []int64 {
	out := make([]int64, len(cb.priceWindow))
	copy(out, cb.priceWindow)
	return out
}

// SetPriceWindow restores the rolling window from a snapshot.
func (cb *CircuitBreaker) SetPriceWindow(window []int64) {
	cb.priceWindow = append(cb.priceWindow[:0], window...)
}

// Evaluate runs one tick of the state machine. Deterministic first-match
// precedence: coverage, price movement, cascade, congestion. The verdict
// depends only on the stats, the tick, and persisted breaker state.
func (cb *CircuitBreaker) Evaluate(stats TickStats, currentTick int64) Evaluation {
	switch cb.State {
	case BreakerShutdown:
		return Evaluation{Verdict: VerdictShutdown, Reason: HaltReasonEmergency}

	case BreakerHalted:
		if currentTick >= cb.ResumeTick {
			cb.State = BreakerCooldown
			cb.CooldownEnd = currentTick + cb.Config.CooldownTicks
			cb.Reason = HaltReasonNone
			return Evaluation{Verdict: VerdictResume, ResumeTick: cb.CooldownEnd}
		}
		return Evaluation{
			Verdict:    VerdictStillHalted,
			Reason:     cb.Reason,
			Severity:   cb.Severity,
			ResumeTick: cb.ResumeTick,
		}

	case BreakerCooldown:
		if currentTick >= cb.CooldownEnd {
			cb.State = BreakerActive
			return Evaluation{Verdict: VerdictContinue}
		}
		return Evaluation{Verdict: VerdictInCooldown, ResumeTick: cb.CooldownEnd}
	}

	// Active: check triggers in precedence order.
	if stats.CoverageBps < cb.Config.MinCoverageBps {
		return cb.halt(HaltReasonLowCoverage, SeverityCritical, cb.Config.CriticalHaltTicks, currentTick)
	}
	if cb.priceMoveExceeded() {
		return cb.halt(HaltReasonPriceVolatility, SeverityCritical, cb.Config.CriticalHaltTicks, currentTick)
	}
	if cb.cascadeDetected(stats) {
		return cb.halt(HaltReasonLiquidationCascade, SeverityCritical, cb.Config.CriticalHaltTicks, currentTick)
	}
	if stats.FailedOps > cb.Config.MaxFailedOpsPerTick {
		return cb.halt(HaltReasonNetworkCongestion, SeverityHigh, cb.Config.CongestionHaltTicks, currentTick)
	}
	return Evaluation{Verdict: VerdictContinue}
}

// priceMoveExceeded checks the cumulative signed movement over a full
// window. A partially filled window never triggers.
func (cb *CircuitBreaker) priceMoveExceeded() bool {
	if len(cb.priceWindow) < cb.Config.PriceWindowSize {
		return false
	}
	var sum int64
	for _, move := range cb.priceWindow {
		sum += move
	}
	if sum < 0 {
		sum = -sum
	}
	return sum > cb.Config.MaxPriceMoveBps
}

func (cb *CircuitBreaker) cascadeDetected(stats TickStats) bool {
	if stats.LiquidationCount > cb.Config.MaxLiquidationsPerTick {
		return true
	}
	if stats.OpenInterest <= 0 {
		return false
	}
	// liquidated/OI > threshold, compared cross-multiplied to stay integral
	return stats.LiquidatedVolume*10_000 > stats.OpenInterest*cb.Config.MaxLiquidatedOIFractionBps
}

func (cb *CircuitBreaker) halt(reason HaltReason, severity HaltSeverity, duration, currentTick int64) Evaluation {
	cb.State = BreakerHalted
	cb.Reason = reason
	cb.Severity = severity
	cb.HaltStartTick = currentTick
	cb.ResumeTick = currentTick + duration
	cb.HaltCount++
	cb.History = append(cb.History, HaltRecord{
		Reason:    reason,
		Severity:  severity,
		StartTick: currentTick,
		EndTick:   cb.ResumeTick,
	})
	return Evaluation{
		Verdict:    VerdictHalt,
		Reason:     reason,
		Severity:   severity,
		ResumeTick: cb.ResumeTick,
	}
}

// EmergencyShutdown is the one-shot kill switch. Only the designated
// authority succeeds, and success consumes the authority so the capability
// can never be used twice.
func (cb *CircuitBreaker) EmergencyShutdown(caller uuid.UUID) error {
	if cb.State == BreakerShutdown {
		return ErrShutdown
	}
	if cb.Authority == nil || *cb.Authority != caller {
		return ErrUnauthorized
	}
	cb.Authority = nil
	cb.State = BreakerShutdown
	cb.Reason = HaltReasonEmergency
	cb.Severity = SeverityCritical
	return nil
}

// Resume is an operator override clearing a halt into cooldown early. The
// same authority that can shut the system down may resume it.
func (cb *CircuitBreaker) Resume(caller uuid.UUID, currentTick int64) error {
	if cb.State == BreakerShutdown {
		return ErrShutdown
	}
	if cb.Authority == nil || *cb.Authority != caller {
		return ErrUnauthorized
	}
	if cb.State != BreakerHalted {
		return nil
	}
	cb.State = BreakerCooldown
	cb.CooldownEnd = currentTick + cb.Config.CooldownTicks
	cb.Reason = HaltReasonNone
	return nil
}

// AllowsLiquidation reports whether new liquidation work may start.
func (cb *CircuitBreaker) AllowsLiquidation() bool {
	return cb.State == BreakerActive || cb.State == BreakerCooldown
}

// AllowsSubmission reports whether new entries and keeper submissions are
// accepted. While halted the system degrades to a closes-only posture.
func (cb *CircuitBreaker) AllowsSubmission() bool {
	return cb.State != BreakerShutdown && cb.State != BreakerHalted
}

// CanonicalBytes returns deterministic serialization for hashing
func (cb *CircuitBreaker) CanonicalBytes() []byte {
	buf := make([]byte, 0, 96)

	buf = binary.BigEndian.AppendUint32(buf, uint32(cb.State))
	buf = binary.BigEndian.AppendUint32(buf, uint32(cb.Reason))
	buf = binary.BigEndian.AppendUint32(buf, uint32(cb.Severity))
	buf = binary.BigEndian.AppendUint64(buf, uint64(cb.HaltStartTick))
	buf = binary.BigEndian.AppendUint64(buf, uint64(cb.ResumeTick))
	buf = binary.BigEndian.AppendUint64(buf, uint64(cb.CooldownEnd))
	buf = binary.BigEndian.AppendUint64(buf, cb.HaltCount)

	buf = binary.BigEndian.AppendUint32(buf, uint32(len(cb.priceWindow)))
	for _, move := range cb.priceWindow {
		buf = binary.BigEndian.AppendUint64(buf, uint64(move))
	}

	if cb.Authority != nil {
		buf = append(buf, 1)
		buf = append(buf, cb.Authority[:]...)
	} else {
		buf = append(buf, 0)
	}

	return buf
}
