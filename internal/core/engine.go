package core

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/gary322/flashbets-sub012/internal/event"
	fpmath "github.com/gary322/flashbets-sub012/internal/math"
	"github.com/gary322/flashbets-sub012/internal/observability"
	"github.com/gary322/flashbets-sub012/internal/priority"
	"github.com/gary322/flashbets-sub012/internal/risk"
	"github.com/gary322/flashbets-sub012/internal/state"
)

// EngineConfig collects every tunable of the risk engine.
type EngineConfig struct {
	QueueCapacity       int                 `yaml:"queue_capacity"`
	StalenessHorizon    int64               `yaml:"staleness_horizon"`
	MinLiquidationSize  int64               `yaml:"min_liquidation_size"`
	SigmaFactorBps      int64               `yaml:"sigma_factor_bps"`     // multiplies realized volatility into the cap fraction
	MinCapFractionBps   int64               `yaml:"min_cap_fraction_bps"` // lower clamp of the dynamic cap (2%)
	MaxCapFractionBps   int64               `yaml:"max_cap_fraction_bps"` // upper clamp of the dynamic cap (8%)
	KeeperRewardBps     int64               `yaml:"keeper_reward_bps"`    // 5 bps of liquidated amount
	LiquidationFeeBps   int64               `yaml:"liquidation_fee_bps"`  // pool inflow charged on every fill
	ShuffleInterval     int64               `yaml:"shuffle_interval"`     // ticks between randomness requests
	BandWidth           uint64              `yaml:"band_width"`
	IdempotencyCapacity int                 `yaml:"idempotency_capacity"`
	Breaker             state.BreakerConfig `yaml:"breaker"`
}

// DefaultEngineConfig returns production defaults. The cap fraction clamps
// bound per-tick liquidation volume to 2%-8% of open interest.
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		QueueCapacity:       state.DefaultQueueCapacity,
		StalenessHorizon:    priority.DefaultStalenessHorizon,
		MinLiquidationSize:  1_000, // 0.001 at quantity scale
		SigmaFactorBps:      20_000,
		MinCapFractionBps:   200,
		MaxCapFractionBps:   800,
		KeeperRewardBps:     5,
		LiquidationFeeBps:   50,
		ShuffleInterval:     100,
		BandWidth:           priority.DefaultBandWidth,
		IdempotencyCapacity: 1_000_000,
		Breaker:             state.DefaultBreakerConfig(),
	}
}

// MarketView is the engine's rolling picture of one market, assembled
// entirely from consumed events.
type MarketView struct {
	MarketID       string
	MarkPrice      int64
	VolatilityBps  int64
	CoverageBps    int64
	OpenInterest   int64
	TotalStake     int64
	Volume         int64
	CapFractionBps int64
	LastPriceTick  int64
}

func (mv *MarketView) canonicalBytes() []byte {
	buf := make([]byte, 0, 80)
	buf = append(buf, byte(len(mv.MarketID)))
	buf = append(buf, []byte(mv.MarketID)...)
	buf = binary.BigEndian.AppendUint64(buf, uint64(mv.MarkPrice))
	buf = binary.BigEndian.AppendUint64(buf, uint64(mv.VolatilityBps))
	buf = binary.BigEndian.AppendUint64(buf, uint64(mv.CoverageBps))
	buf = binary.BigEndian.AppendUint64(buf, uint64(mv.OpenInterest))
	buf = binary.BigEndian.AppendUint64(buf, uint64(mv.TotalStake))
	buf = binary.BigEndian.AppendUint64(buf, uint64(mv.Volume))
	return buf
}

// LiquidationOrder is one executed (or planned) liquidation fill.
type LiquidationOrder struct {
	PositionID uuid.UUID `json:"position_id"`
	Owner      uuid.UUID `json:"owner"`
	KeeperID   uuid.UUID `json:"keeper_id,omitempty"`
	MarketID   string    `json:"market_id"`
	Amount     int64     `json:"amount"`
	Reward     int64     `json:"reward"`
	Priority   uint64    `json:"priority"`
	RiskScore  uint8     `json:"risk_score"`
	Full       bool      `json:"full"`
	Tick       int64     `json:"tick"`
	WaitTicks  int64     `json:"wait_ticks"`
}

// CoreOutput is what the engine emits per applied event: the envelope for
// the event log, the executed order when the event was a liquidation, and
// a breaker note when processing the event changed breaker state.
type CoreOutput struct {
	Envelope *event.EventEnvelope
	Order    *LiquidationOrder
	Breaker  *BreakerNote
}

// BreakerNote reports a circuit breaker state change caused by one event.
type BreakerNote struct {
	State      string `json:"state"`
	Reason     string `json:"reason"`
	ResumeTick int64  `json:"resume_tick"`
	Tick       int64  `json:"tick"`
}

// RandomnessRequestFn is invoked when the engine opens a new fair-ordering
// randomness handshake. The shell forwards it to the randomness provider.
type RandomnessRequestFn func(requestID uint64, tick int64)

// RiskEngine is the single-threaded deterministic core: risk scoring,
// priority ordering, liquidation execution, and the circuit breaker. All
// mutations flow through ProcessEvent; the engine never reads the wall
// clock for anything that affects state.
type RiskEngine struct {
	cfg      EngineConfig
	sequence int64
	tick     int64

	hasher            *StateHasher
	positions         *state.PositionManager
	queue             *state.LiquidationQueue
	keepers           *state.KeeperRegistry
	breaker           *state.CircuitBreaker
	ordering          *priority.OrderingState
	idempotency       *IdempotencyChecker
	sequenceValidator *SequenceValidator

	markets map[string]*MarketView

	// Per-tick accumulators, reset when the tick advances.
	tickLiquidations uint64
	tickVolume       int64
	tickFailedOps    uint64
	tickBudget       int64

	lastEvaluation state.Evaluation

	onRandomnessRequest RandomnessRequestFn
	lastRequestTick     int64

	persistChan    chan<- CoreOutput
	projectionChan chan<- CoreOutput

	metrics *observability.Metrics
	log     zerolog.Logger
}

func NewRiskEngine(
	cfg EngineConfig,
	startSequence int64,
	authority *uuid.UUID,
	persistChan, projectionChan chan<- CoreOutput,
	dbChecker DBIdempotencyChecker,
	metrics *observability.Metrics,
	log zerolog.Logger,
) *RiskEngine {
	ordering := priority.NewOrderingState()
	ordering.BandWidth = cfg.BandWidth
	ordering.Horizon = cfg.StalenessHorizon

	return &RiskEngine{
		cfg:               cfg,
		sequence:          startSequence,
		hasher:            NewStateHasher(),
		positions:         state.NewPositionManager(),
		queue:             state.NewLiquidationQueue(cfg.QueueCapacity),
		keepers:           state.NewKeeperRegistry(),
		breaker:           state.NewCircuitBreaker(cfg.Breaker, authority),
		ordering:          ordering,
		idempotency:       NewIdempotencyChecker(cfg.IdempotencyCapacity, dbChecker),
		sequenceValidator: NewSequenceValidator(),
		markets:           make(map[string]*MarketView),
		persistChan:       persistChan,
		projectionChan:    projectionChan,
		metrics:           metrics,
		log:               log,
	}
}

// SetRandomnessRequestFn installs the shell callback for randomness
// handshakes. Must be set before the first event is processed.
func (e *RiskEngine) SetRandomnessRequestFn(fn RandomnessRequestFn) {
	e.onRandomnessRequest = fn
}

// ProcessEvent is the main processing pipeline
func (e *RiskEngine) ProcessEvent(evt event.Event) error {
	start := time.Now()
	eventType := evt.EventType().String()
	idempotencyKey := evt.IdempotencyKey()

	prevBreakerState := e.breaker.State

	// Step 1: advance the host clock and run tick maintenance.
	e.advanceTick(evt.TickAt())

	// Step 2: idempotency check (two-tier)
	isDuplicate := e.idempotency.IsDuplicate(eventType, idempotencyKey)

	// Step 3: sequence validation. Price feeds tolerate gaps; everything
	// else is strict per partition.
	if priceEvt, ok := evt.(*event.MarkPriceUpdate); ok {
		if stale := e.sequenceValidator.ValidatePriceSequence(priceEvt.MarketID, priceEvt.PriceSequence); stale {
			e.reject(eventType, "stale_price")
			return nil
		}
	} else {
		if err := e.sequenceValidator.ValidateSequence(e.partition(evt), evt.SourceSequence(), isDuplicate); err != nil {
			e.reject(eventType, "sequence")
			return fmt.Errorf("sequence validation failed: %w", err)
		}
	}

	if isDuplicate {
		e.reject(eventType, "duplicate")
		return nil
	}

	// Step 4: dispatch
	order, err := e.dispatchEvent(evt)
	if err != nil {
		if IsPolicyRejection(err) {
			// Expected "not yet" outcome. It still counts toward the
			// congestion trigger and is surfaced to the caller.
			e.tickFailedOps++
			e.reject(eventType, "policy")
			return err
		}
		e.reject(eventType, "dispatch")
		return fmt.Errorf("dispatch failed: %w", err)
	}

	// Step 5: hash chain
	stateDigest := e.computeStateDigest(evt, order)
	prevHash := e.hasher.GetPrevHash()
	stateHash := e.hasher.ComputeHash(e.sequence, stateDigest)

	payload, marshalErr := json.Marshal(evt)
	if marshalErr != nil {
		panic(fmt.Sprintf("FATAL: cannot marshal applied event %s: %v", eventType, marshalErr))
	}

	envelope := &event.EventEnvelope{
		Sequence:       e.sequence,
		IdempotencyKey: idempotencyKey,
		EventType:      evt.EventType(),
		MarketID:       evt.Market(),
		Tick:           evt.TickAt(),
		SourceSequence: evt.SourceSequence(),
		Payload:        payload,
		StateHash:      stateHash,
		PrevHash:       prevHash,
	}
	e.sequence++

	output := CoreOutput{Envelope: envelope, Order: order}
	if e.breaker.State != prevBreakerState {
		output.Breaker = &BreakerNote{
			State:      e.breaker.State.String(),
			Reason:     e.breaker.Reason.String(),
			ResumeTick: e.breaker.ResumeTick,
			Tick:       e.tick,
		}
	}

	// Step 6: emit. Persistence is a blocking send (backpressure, no event
	// loss); projections are non-blocking with silent drop (they rebuild
	// from the event log if they fall behind).
	if e.persistChan != nil {
		select {
		case e.persistChan <- output:
		default:
			if e.metrics != nil {
				e.metrics.PersistBackpressure.Inc()
			}
			e.persistChan <- output
		}
	}
	if e.projectionChan != nil {
		select {
		case e.projectionChan <- output:
		default:
			if e.metrics != nil {
				e.metrics.ProjectionDrops.Inc()
			}
		}
	}

	// Step 7: mark as processed
	e.idempotency.MarkProcessed(eventType, idempotencyKey)

	if e.metrics != nil {
		e.metrics.CoreEventsApplied.WithLabelValues(eventType).Inc()
		e.metrics.CoreEventDuration.WithLabelValues(eventType).Observe(time.Since(start).Seconds())
		e.metrics.CoreSequence.Set(float64(e.sequence))
	}

	return nil
}

func (e *RiskEngine) reject(eventType, reason string) {
	if e.metrics != nil {
		e.metrics.CoreEventsRejected.WithLabelValues(eventType, reason).Inc()
	}
}

// partition determines the partition key for sequence validation
func (e *RiskEngine) partition(evt event.Event) string {
	if marketID := evt.Market(); marketID != nil {
		return fmt.Sprintf("market:%s", *marketID)
	}
	return "global"
}

func (e *RiskEngine) dispatchEvent(evt event.Event) (*LiquidationOrder, error) {
	switch ev := evt.(type) {
	case *event.MarkPriceUpdate:
		return nil, e.handleMarkPrice(ev)
	case *event.TradeExecuted:
		return nil, e.handleTrade(ev)
	case *event.PositionClosed:
		return nil, e.handlePositionClosed(ev)
	case *event.SettlementCompleted:
		return nil, e.handleSettlement(ev)
	case *event.RandomnessFulfilled:
		return nil, e.handleRandomness(ev)
	case *event.LiquidationSubmit:
		return e.handleLiquidationSubmit(ev)
	case *event.RewardClaim:
		return nil, e.handleRewardClaim(ev)
	case *event.KeeperRegistered:
		_, err := e.keepers.Register(ev.KeeperID, ev.Stake, ev.Tick)
		return nil, err
	case *event.KeeperStakeUpdate:
		return nil, e.keepers.SetStake(ev.KeeperID, ev.NewStake)
	case *event.KeeperStatusUpdate:
		return nil, e.keepers.SetSuspended(ev.KeeperID, ev.Suspended)
	case *event.EmergencyShutdown:
		return nil, e.handleEmergencyShutdown(ev)
	case *event.ResumeOperations:
		return nil, e.breaker.Resume(ev.Authority, ev.Tick)
	default:
		return nil, fmt.Errorf("unhandled event type %T", evt)
	}
}

// advanceTick runs maintenance when the host clock moves forward: the
// breaker is evaluated on the closing tick's accumulated stats, stale
// entries are swept, priorities are recomputed, and the per-tick
// liquidation budget is reset.
func (e *RiskEngine) advanceTick(newTick int64) {
	if newTick <= e.tick {
		return
	}

	ev := e.breaker.Evaluate(e.tickStats(), newTick)
	e.lastEvaluation = ev
	if e.metrics != nil {
		e.metrics.BreakerEvaluations.WithLabelValues(ev.Verdict.String()).Inc()
		e.metrics.BreakerState.Set(float64(e.breaker.State))
	}
	switch ev.Verdict {
	case state.VerdictHalt:
		if e.metrics != nil {
			e.metrics.BreakerHalts.WithLabelValues(ev.Reason.String()).Inc()
		}
		e.log.Warn().
			Str("reason", ev.Reason.String()).
			Str("severity", ev.Severity.String()).
			Int64("resume_tick", ev.ResumeTick).
			Msg("circuit breaker halt")
	case state.VerdictResume:
		e.log.Info().Int64("cooldown_end", ev.ResumeTick).Msg("halt expired, entering cooldown")
	}

	e.tickLiquidations = 0
	e.tickVolume = 0
	e.tickFailedOps = 0
	e.tick = newTick

	expired := e.queue.SweepStale(newTick, e.cfg.StalenessHorizon)
	if len(expired) > 0 && e.metrics != nil {
		e.metrics.QueueExpired.Add(float64(len(expired)))
	}

	e.refreshBudget()
	e.recomputePriorities()

	if e.onRandomnessRequest != nil && newTick-e.lastRequestTick >= e.cfg.ShuffleInterval {
		if id, err := e.ordering.RequestRandomness(newTick); err == nil {
			e.lastRequestTick = newTick
			e.onRandomnessRequest(id, newTick)
		}
	}

	if e.metrics != nil {
		e.metrics.CoreTick.Set(float64(newTick))
		e.metrics.QueueDepth.Set(float64(e.queue.Len()))
		e.metrics.TickBudgetRemaining.Set(float64(e.tickBudget))
	}
}

func (e *RiskEngine) tickStats() state.TickStats {
	return state.TickStats{
		CoverageBps:      e.globalCoverageBps(),
		LiquidationCount: e.tickLiquidations,
		LiquidatedVolume: e.tickVolume,
		OpenInterest:     e.totalOpenInterest(),
		FailedOps:        e.tickFailedOps,
	}
}

// globalCoverageBps is the most conservative coverage across markets: the
// vault backs all of them, so the weakest reading gates the system.
func (e *RiskEngine) globalCoverageBps() int64 {
	if len(e.markets) == 0 {
		return fpmath.BpsDenominator
	}
	min := int64(-1)
	for _, mv := range e.markets {
		if min < 0 || mv.CoverageBps < min {
			min = mv.CoverageBps
		}
	}
	return min
}

func (e *RiskEngine) totalOpenInterest() int64 {
	var total int64
	for _, mv := range e.markets {
		total += mv.OpenInterest
	}
	return total
}

// refreshBudget recomputes the global per-tick liquidation budget: each
// market contributes cap_fraction * OI / 10000, where the fraction scales
// with realized volatility, clamped into [MinCapFractionBps, MaxCapFractionBps].
func (e *RiskEngine) refreshBudget() {
	var budget int64
	for _, mv := range e.markets {
		fraction := fpmath.ClampBps(
			fpmath.MulBps(mv.VolatilityBps, e.cfg.SigmaFactorBps),
			e.cfg.MinCapFractionBps,
			e.cfg.MaxCapFractionBps,
		)
		mv.CapFractionBps = fraction
		budget += fpmath.MulBps(mv.OpenInterest, fraction)
	}
	e.tickBudget = budget
}

// recomputePriorities refreshes every live entry's priority from current
// market facts, re-sorts, and applies the fair-ordering shuffle.
func (e *RiskEngine) recomputePriorities() {
	start := time.Now()
	maxVolume := int64(0)
	for _, mv := range e.markets {
		if mv.Volume > maxVolume {
			maxVolume = mv.Volume
		}
	}

	for _, entry := range e.queue.Entries() {
		pos := e.positions.Get(entry.PositionID)
		if pos == nil {
			continue
		}
		mv := e.markets[entry.MarketID]
		var totalStake, volume int64
		if mv != nil {
			totalStake = mv.TotalStake
			volume = mv.Volume
		}
		entry.Priority = priority.Compute(priority.Input{
			Stake:          pos.StakeSnapshot,
			TotalStake:     totalStake,
			SubmissionTick: entry.SubmissionTick,
			CurrentTick:    e.tick,
			DepthLevel:     pos.DepthLevel,
			Volume:         volume,
			MaxVolume:      maxVolume,
		})
	}

	e.sortAndShuffle()

	if e.metrics != nil {
		e.metrics.PriorityRecomputeDur.Observe(time.Since(start).Seconds())
	}
}

func (e *RiskEngine) sortAndShuffle() {
	e.queue.SortByPriority()
	entries := e.queue.Entries()
	before := e.ordering.Metrics
	e.ordering.Shuffle(len(entries),
		func(i int) uint64 { return entries[i].Priority },
		func(i, j int) { entries[i], entries[j] = entries[j], entries[i] },
	)
	if e.metrics != nil {
		after := e.ordering.Metrics
		e.metrics.ShufflesApplied.Add(float64(after.ShuffleCount - before.ShuffleCount))
		e.metrics.ShuffleDisplacements.Add(float64(after.Displacements - before.Displacements))
	}
}

func (e *RiskEngine) handleMarkPrice(ev *event.MarkPriceUpdate) error {
	mv, ok := e.markets[ev.MarketID]
	if !ok {
		mv = &MarketView{MarketID: ev.MarketID}
		e.markets[ev.MarketID] = mv
	}

	if mv.MarkPrice > 0 && ev.MarkPrice > 0 {
		move := fpmath.MultiplyInt128(ev.MarkPrice-mv.MarkPrice, fpmath.BpsDenominator)
		e.breaker.RecordPriceMove(fpmath.DivideInt128(move, mv.MarkPrice, fpmath.RoundDown))
	}

	mv.MarkPrice = ev.MarkPrice
	mv.VolatilityBps = ev.VolatilityBps
	mv.CoverageBps = ev.CoverageBps
	mv.OpenInterest = ev.OpenInterest
	mv.LastPriceTick = ev.Tick

	return e.rescoreMarket(mv)
}

// rescoreMarket refreshes risk scores for every open position in a market
// and reconciles the queue: at-risk positions are upserted, recovered ones
// are released. Iteration is over sorted ids so replay stays deterministic.
func (e *RiskEngine) rescoreMarket(mv *MarketView) error {
	ids := e.positions.MarketPositionIDs(mv.MarketID)
	sort.Slice(ids, func(i, j int) bool {
		return uuidLess(ids[i], ids[j])
	})

	for _, id := range ids {
		pos := e.positions.Get(id)
		if pos == nil || pos.Closed {
			continue
		}
		if err := e.rescorePosition(pos, mv); err != nil {
			return err
		}
	}
	return nil
}

func (e *RiskEngine) rescorePosition(pos *state.Position, mv *MarketView) error {
	score, err := risk.Score(mv.MarkPrice, pos.EntryPrice, pos.Leverage, pos.Side)
	if err != nil {
		return fmt.Errorf("risk score for %s: %w", pos.ID, err)
	}
	distance, err := risk.DistanceMicros(mv.MarkPrice, pos.LiquidationPrice, pos.Side)
	if err != nil {
		return fmt.Errorf("distance for %s: %w", pos.ID, err)
	}

	crossed := score >= risk.LiquidationThreshold && pos.RiskScore < risk.LiquidationThreshold
	pos.RiskScore = score
	pos.DistanceMicros = distance

	if e.metrics != nil {
		e.metrics.RiskScoreUpdates.WithLabelValues(fmt.Sprintf("%d", score)).Inc()
	}

	if crossed {
		if e.metrics != nil {
			e.metrics.RiskAlerts.WithLabelValues(mv.MarketID).Inc()
		}
		e.log.Warn().
			Str("position_id", pos.ID.String()).
			Str("market_id", mv.MarketID).
			Uint8("risk_score", score).
			Int64("distance_micros", distance).
			Msg("position crossed liquidation threshold")
	}

	if score >= risk.MonitoringThreshold {
		e.enqueuePosition(pos, mv)
	} else if entry := e.queue.Get(pos.ID); entry != nil {
		e.queue.Remove(pos.ID, state.EntryStatusCancelled)
	}
	return nil
}

func (e *RiskEngine) enqueuePosition(pos *state.Position, mv *MarketView) {
	maxVolume := int64(0)
	for _, view := range e.markets {
		if view.Volume > maxVolume {
			maxVolume = view.Volume
		}
	}

	entry := &state.QueueEntry{
		PositionID:         pos.ID,
		Owner:              pos.Owner,
		MarketID:           pos.MarketID,
		RiskScore:          pos.RiskScore,
		DistanceMicros:     pos.DistanceMicros,
		StakeSnapshot:      pos.StakeSnapshot,
		SubmissionTick:     e.tick,
		SubmissionSequence: e.sequence,
		Status:             state.EntryStatusPending,
	}
	entry.Priority = priority.Compute(priority.Input{
		Stake:          pos.StakeSnapshot,
		TotalStake:     mv.TotalStake,
		SubmissionTick: entry.SubmissionTick,
		CurrentTick:    e.tick,
		DepthLevel:     pos.DepthLevel,
		Volume:         mv.Volume,
		MaxVolume:      maxVolume,
	})

	dropped := e.queue.Upsert(entry)
	if len(dropped) > 0 {
		if e.metrics != nil {
			e.metrics.QueueDropped.Add(float64(len(dropped)))
		}
		for _, d := range dropped {
			e.log.Debug().
				Str("position_id", d.PositionID.String()).
				Uint64("priority", d.Priority).
				Msg("queue overflow dropped lowest-priority entry")
		}
	}
}

func (e *RiskEngine) handleTrade(ev *event.TradeExecuted) error {
	notional, err := fpmath.ComputeNotional(ev.Size, ev.Leverage)
	if err != nil {
		return fmt.Errorf("notional for %s: %w", ev.PositionID, err)
	}

	pos := &state.Position{
		ID:               ev.PositionID,
		Owner:            ev.Owner,
		MarketID:         ev.MarketID,
		OutcomeIndex:     ev.OutcomeIndex,
		Side:             ev.TradeSide,
		Size:             ev.Size,
		Notional:         notional,
		Leverage:         ev.Leverage,
		EntryPrice:       ev.EntryPrice,
		LiquidationPrice: ev.LiquidationPrice,
		StakeSnapshot:    ev.StakeSnapshot,
		DepthLevel:       ev.DepthLevel,
		OpenedTick:       ev.Tick,
	}
	e.positions.Put(pos)

	mv, ok := e.markets[ev.MarketID]
	if !ok {
		mv = &MarketView{MarketID: ev.MarketID, MarkPrice: ev.EntryPrice}
		e.markets[ev.MarketID] = mv
	}
	mv.TotalStake = ev.TotalStake
	mv.Volume += notional

	// Score immediately so a position opened at the edge is queued without
	// waiting for the next price update.
	mark := mv.MarkPrice
	if mark == 0 {
		mark = ev.EntryPrice
	}
	scratch := *mv
	scratch.MarkPrice = mark
	return e.rescorePosition(pos, &scratch)
}

func (e *RiskEngine) handlePositionClosed(ev *event.PositionClosed) error {
	e.queue.Remove(ev.PositionID, state.EntryStatusCancelled)
	e.positions.Remove(ev.PositionID)
	return nil
}

func (e *RiskEngine) handleSettlement(ev *event.SettlementCompleted) error {
	e.queue.RemoveMarket(ev.MarketID)
	for _, id := range e.positions.MarketPositionIDs(ev.MarketID) {
		e.positions.Remove(id)
	}
	delete(e.markets, ev.MarketID)
	return nil
}

func (e *RiskEngine) handleRandomness(ev *event.RandomnessFulfilled) error {
	if err := e.ordering.Fulfill(ev.RequestID, ev.Value, ev.FulfilledTick); err != nil {
		if e.metrics != nil {
			reason := "mismatch"
			if errors.Is(err, priority.ErrStaleRandomness) {
				reason = "stale"
			}
			e.metrics.RandomnessRejected.WithLabelValues(reason).Inc()
		}
		return err
	}
	e.sortAndShuffle()
	return nil
}

// handleLiquidationSubmit resolves a keeper's claim on a queued position.
// Competing keepers resolve idempotently: exactly one wins, the rest get a
// typed rejection and never double-pay or double-reduce.
func (e *RiskEngine) handleLiquidationSubmit(ev *event.LiquidationSubmit) (*LiquidationOrder, error) {
	if !e.breaker.AllowsLiquidation() {
		return nil, e.failSubmission(ev.KeeperID, "halted", ErrHalted)
	}

	if !e.keepers.HasActiveKeepers() {
		return nil, e.failSubmission(uuid.Nil, "no_active_keepers", ErrNoActiveKeepers)
	}
	keeper := e.keepers.Get(ev.KeeperID)
	if keeper == nil {
		return nil, e.failSubmission(uuid.Nil, "unknown_keeper", ErrUnknownKeeper)
	}
	if !keeper.Active() {
		return nil, e.failSubmission(ev.KeeperID, "keeper_suspended", ErrKeeperSuspended)
	}

	pos := e.positions.Get(ev.PositionID)
	if pos == nil {
		return nil, e.failSubmission(ev.KeeperID, "position_not_found", ErrPositionNotFound)
	}
	if pos.Closed {
		return nil, e.failSubmission(ev.KeeperID, "already_liquidated", ErrAlreadyLiquidated)
	}

	entry := e.queue.Get(ev.PositionID)
	if entry == nil {
		return nil, e.failSubmission(ev.KeeperID, "not_at_risk", ErrPositionNotAtRisk)
	}
	if entry.Status != state.EntryStatusPending {
		return nil, e.failSubmission(ev.KeeperID, "already_claimed", ErrAlreadyClaimed)
	}
	if !risk.Liquidatable(pos.RiskScore, pos.DistanceMicros) {
		return nil, e.failSubmission(ev.KeeperID, "not_at_risk", ErrPositionNotAtRisk)
	}

	if e.tickBudget <= 0 {
		return nil, e.failSubmission(ev.KeeperID, "budget_exhausted", ErrBudgetExhausted)
	}

	amount := e.liquidationAmount(pos)
	if amount > e.tickBudget {
		amount = e.tickBudget
	}
	if amount < e.cfg.MinLiquidationSize && amount < pos.Size {
		return nil, e.failSubmission(ev.KeeperID, "below_minimum", ErrBelowMinimumSize)
	}

	// Point of no return: all mutations below are applied together.
	entry.Status = state.EntryStatusProcessing
	claimedBy := ev.KeeperID
	entry.ClaimedBy = &claimedBy

	pos.ReduceSize(amount)
	e.tickBudget -= amount
	e.tickLiquidations++
	e.tickVolume += amount

	// The liquidation fee funds the reward pool; the keeper's bounty is
	// then drawn from it, truncating on insufficiency (logged, non-fatal).
	e.keepers.FundRewardPool(fpmath.MulBps(amount, e.cfg.LiquidationFeeBps))
	desired := fpmath.MulBps(amount, e.cfg.KeeperRewardBps)
	paid := e.keepers.DrawReward(desired)
	if paid < desired {
		e.log.Warn().
			Str("keeper_id", ev.KeeperID.String()).
			Int64("desired", desired).
			Int64("paid", paid).
			Msg("reward pool insufficient, reward truncated")
	}
	e.keepers.RecordSuccess(ev.KeeperID, paid)

	entry.Status = state.EntryStatusExecuted
	e.queue.Remove(ev.PositionID, state.EntryStatusExecuted)

	if mv := e.markets[pos.MarketID]; mv != nil {
		liquidatedNotional, err := fpmath.CheckedMul(amount, pos.Leverage)
		if err == nil {
			mv.OpenInterest = fpmath.SaturatingSub(mv.OpenInterest, liquidatedNotional)
		}
	}

	order := &LiquidationOrder{
		PositionID: pos.ID,
		Owner:      pos.Owner,
		KeeperID:   ev.KeeperID,
		MarketID:   pos.MarketID,
		Amount:     amount,
		Reward:     paid,
		Priority:   entry.Priority,
		RiskScore:  entry.RiskScore,
		Full:       pos.Closed,
		Tick:       ev.Tick,
		WaitTicks:  ev.Tick - entry.SubmissionTick,
	}

	kind := "partial"
	if pos.Closed {
		kind = "full"
	}
	if e.metrics != nil {
		e.metrics.LiquidationsExecuted.WithLabelValues(kind).Inc()
		e.metrics.LiquidatedVolume.Add(float64(amount))
		e.metrics.KeeperRewardsPaid.Add(float64(paid))
		e.metrics.RewardPoolBalance.Set(float64(e.keepers.RewardPool()))
		e.metrics.TickBudgetRemaining.Set(float64(e.tickBudget))
	}
	e.log.Info().
		Str("position_id", pos.ID.String()).
		Str("keeper_id", ev.KeeperID.String()).
		Int64("amount", amount).
		Int64("reward", paid).
		Bool("full", pos.Closed).
		Msg("liquidation executed")

	return order, nil
}

// liquidationAmount is min(remaining, remaining * cap_fraction), with a
// dust rule: a remainder below the minimum size is taken whole so the
// position can actually close.
func (e *RiskEngine) liquidationAmount(pos *state.Position) int64 {
	fraction := e.cfg.MaxCapFractionBps
	if mv := e.markets[pos.MarketID]; mv != nil && mv.CapFractionBps > 0 {
		fraction = mv.CapFractionBps
	}
	amount := fpmath.MulBps(pos.Size, fraction)
	if amount > pos.Size {
		amount = pos.Size
	}
	if pos.Size <= e.cfg.MinLiquidationSize {
		amount = pos.Size
	}
	return amount
}

func (e *RiskEngine) failSubmission(keeperID uuid.UUID, reason string, err error) error {
	if keeperID != uuid.Nil {
		e.keepers.RecordFailure(keeperID)
	}
	if e.metrics != nil {
		e.metrics.LiquidationsRejected.WithLabelValues(reason).Inc()
	}
	return err
}

func (e *RiskEngine) handleRewardClaim(ev *event.RewardClaim) error {
	amount, err := e.keepers.Claim(ev.KeeperID)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrUnknownKeeper, ev.KeeperID)
	}
	e.log.Info().
		Str("keeper_id", ev.KeeperID.String()).
		Int64("amount", amount).
		Msg("keeper reward claimed")
	return nil
}

func (e *RiskEngine) handleEmergencyShutdown(ev *event.EmergencyShutdown) error {
	if err := e.breaker.EmergencyShutdown(ev.Authority); err != nil {
		return err
	}
	e.log.Error().
		Str("authority", ev.Authority.String()).
		Msg("EMERGENCY SHUTDOWN: all operations permanently rejected")
	if e.metrics != nil {
		e.metrics.BreakerState.Set(float64(e.breaker.State))
		e.metrics.BreakerHalts.WithLabelValues(state.HaltReasonEmergency.String()).Inc()
	}
	return nil
}

// ProcessQueue plans the next batch of liquidation orders without mutating
// state: the top maxLiquidations eligible entries in current queue order,
// each sized by the dynamic cap and the remaining tick budget.
func (e *RiskEngine) ProcessQueue(maxLiquidations int) []LiquidationOrder {
	if !e.breaker.AllowsLiquidation() || maxLiquidations <= 0 {
		return nil
	}

	orders := make([]LiquidationOrder, 0, maxLiquidations)
	remainingBudget := e.tickBudget

	for _, entry := range e.queue.Entries() {
		if len(orders) >= maxLiquidations || remainingBudget <= 0 {
			break
		}
		if entry.Status != state.EntryStatusPending {
			continue
		}
		pos := e.positions.Get(entry.PositionID)
		if pos == nil || pos.Closed {
			continue
		}
		if !risk.Liquidatable(pos.RiskScore, pos.DistanceMicros) {
			continue
		}
		amount := e.liquidationAmount(pos)
		if amount > remainingBudget {
			amount = remainingBudget
		}
		if amount < e.cfg.MinLiquidationSize && amount < pos.Size {
			continue
		}
		remainingBudget -= amount
		orders = append(orders, LiquidationOrder{
			PositionID: pos.ID,
			Owner:      pos.Owner,
			MarketID:   pos.MarketID,
			Amount:     amount,
			Priority:   entry.Priority,
			RiskScore:  entry.RiskScore,
			Full:       amount == pos.Size,
			Tick:       e.tick,
			WaitTicks:  e.tick - entry.SubmissionTick,
		})
	}
	return orders
}

// computeStateDigest builds the canonical bytes of everything the event
// touched, in a fixed order, for the state-hash chain.
func (e *RiskEngine) computeStateDigest(evt event.Event, order *LiquidationOrder) []byte {
	digest := make([]byte, 0, 256)
	digest = append(digest, e.breaker.CanonicalBytes()...)

	switch ev := evt.(type) {
	case *event.MarkPriceUpdate:
		if mv := e.markets[ev.MarketID]; mv != nil {
			digest = append(digest, mv.canonicalBytes()...)
		}
	case *event.TradeExecuted:
		if pos := e.positions.Get(ev.PositionID); pos != nil {
			digest = append(digest, pos.CanonicalBytes()...)
		}
	case *event.LiquidationSubmit:
		if pos := e.positions.Get(ev.PositionID); pos != nil {
			digest = append(digest, pos.CanonicalBytes()...)
		}
		if keeper := e.keepers.Get(ev.KeeperID); keeper != nil {
			digest = append(digest, keeper.CanonicalBytes()...)
		}
	case *event.RewardClaim:
		if keeper := e.keepers.Get(ev.KeeperID); keeper != nil {
			digest = append(digest, keeper.CanonicalBytes()...)
		}
	case *event.KeeperRegistered:
		if keeper := e.keepers.Get(ev.KeeperID); keeper != nil {
			digest = append(digest, keeper.CanonicalBytes()...)
		}
	case *event.KeeperStakeUpdate:
		if keeper := e.keepers.Get(ev.KeeperID); keeper != nil {
			digest = append(digest, keeper.CanonicalBytes()...)
		}
	case *event.KeeperStatusUpdate:
		if keeper := e.keepers.Get(ev.KeeperID); keeper != nil {
			digest = append(digest, keeper.CanonicalBytes()...)
		}
	}

	if order != nil {
		digest = binary.BigEndian.AppendUint64(digest, uint64(order.Amount))
		digest = binary.BigEndian.AppendUint64(digest, uint64(order.Reward))
	}

	digest = binary.BigEndian.AppendUint64(digest, uint64(e.queue.Len()))
	digest = binary.BigEndian.AppendUint64(digest, uint64(e.tickBudget))
	return digest
}

func uuidLess(a, b uuid.UUID) bool {
	for i := 0; i < len(a); i++ {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return false
}

// --- Accessors for queries, snapshots, and recovery ---

func (e *RiskEngine) Sequence() int64                       { return e.sequence }
func (e *RiskEngine) CurrentTick() int64                    { return e.tick }
func (e *RiskEngine) Positions() *state.PositionManager     { return e.positions }
func (e *RiskEngine) Queue() *state.LiquidationQueue        { return e.queue }
func (e *RiskEngine) Keepers() *state.KeeperRegistry        { return e.keepers }
func (e *RiskEngine) Breaker() *state.CircuitBreaker        { return e.breaker }
func (e *RiskEngine) Ordering() *priority.OrderingState     { return e.ordering }
func (e *RiskEngine) Hasher() *StateHasher                  { return e.hasher }
func (e *RiskEngine) SequenceValidator() *SequenceValidator { return e.sequenceValidator }
func (e *RiskEngine) Idempotency() *IdempotencyChecker      { return e.idempotency }
func (e *RiskEngine) LastEvaluation() state.Evaluation      { return e.lastEvaluation }
func (e *RiskEngine) TickBudget() int64                     { return e.tickBudget }

// Market returns the rolling view of one market or nil.
func (e *RiskEngine) Market(marketID string) *MarketView {
	return e.markets[marketID]
}

// Markets returns every market view keyed by id. Read-only for callers.
func (e *RiskEngine) Markets() map[string]*MarketView {
	return e.markets
}

// RestoreTick primes the host clock during recovery. It bypasses tick
// maintenance: replayed events re-run their own.
func (e *RiskEngine) RestoreTick(tick int64) {
	e.tick = tick
}

// RestoreSequence primes the engine sequence during recovery.
func (e *RiskEngine) RestoreSequence(seq int64) {
	e.sequence = seq
}

// RestoreMarket reinstates a market view from a snapshot.
func (e *RiskEngine) RestoreMarket(mv *MarketView) {
	e.markets[mv.MarketID] = mv
}
