package core

import (
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/gary322/flashbets-sub012/internal/event"
	"github.com/gary322/flashbets-sub012/internal/state"
)

const testMarket = "mkt-btc-above-100k"

type testHarness struct {
	engine  *RiskEngine
	outputs chan CoreOutput

	globalSeq int64
	marketSeq map[string]int64
	priceSeq  int64
}

func newTestHarness(t *testing.T, authority *uuid.UUID) *testHarness {
	t.Helper()
	outputs := make(chan CoreOutput, 256)
	engine := NewRiskEngine(
		DefaultEngineConfig(),
		0,
		authority,
		outputs, nil,
		nil, // no DB tier in tests
		nil, // metrics registration is global, keep tests quiet
		zerolog.Nop(),
	)
	return &testHarness{
		engine:    engine,
		outputs:   outputs,
		marketSeq: make(map[string]int64),
	}
}

func (h *testHarness) nextGlobal() int64 {
	seq := h.globalSeq
	h.globalSeq++
	return seq
}

func (h *testHarness) nextMarket(market string) int64 {
	seq := h.marketSeq[market]
	h.marketSeq[market] = seq + 1
	return seq
}

func (h *testHarness) registerKeeper(t *testing.T, id uuid.UUID, stake, tick int64) {
	t.Helper()
	err := h.engine.ProcessEvent(&event.KeeperRegistered{
		KeeperID: id, Stake: stake, Sequence: h.nextGlobal(), Tick: tick,
	})
	if err != nil {
		t.Fatalf("register keeper: %v", err)
	}
}

func (h *testHarness) openPosition(t *testing.T, size, leverage, entry, liq, tick int64) uuid.UUID {
	t.Helper()
	id := uuid.New()
	err := h.engine.ProcessEvent(&event.TradeExecuted{
		PositionID:       id,
		Owner:            uuid.New(),
		MarketID:         testMarket,
		TradeSide:        event.SideLong,
		Size:             size,
		Leverage:         leverage,
		EntryPrice:       entry,
		LiquidationPrice: liq,
		StakeSnapshot:    1_000_000,
		TotalStake:       10_000_000,
		DepthLevel:       4,
		Sequence:         h.nextMarket(testMarket),
		Tick:             tick,
	})
	if err != nil {
		t.Fatalf("open position: %v", err)
	}
	return id
}

func (h *testHarness) pushPrice(t *testing.T, mark, volBps, oi, coverageBps, tick int64) {
	t.Helper()
	h.priceSeq++
	err := h.engine.ProcessEvent(&event.MarkPriceUpdate{
		MarketID:      testMarket,
		MarkPrice:     mark,
		VolatilityBps: volBps,
		OpenInterest:  oi,
		CoverageBps:   coverageBps,
		PriceSequence: h.priceSeq,
		Tick:          tick,
	})
	if err != nil {
		t.Fatalf("push price: %v", err)
	}
}

func (h *testHarness) submit(positionID, keeperID uuid.UUID, tick int64) error {
	return h.engine.ProcessEvent(&event.LiquidationSubmit{
		PositionID: positionID,
		KeeperID:   keeperID,
		Sequence:   h.nextGlobal(),
		Tick:       tick,
	})
}

func TestPriceDropEnqueuesAtRiskPosition(t *testing.T) {
	h := newTestHarness(t, nil)

	posID := h.openPosition(t, 100_000_000, 10, 1_000_000, 910_000, 1)
	h.pushPrice(t, 940_000, 300, 1_000_000_000, 9_000, 1)

	entry := h.engine.Queue().Get(posID)
	if entry == nil {
		t.Fatal("position at 4% margin must be queued")
	}
	if entry.RiskScore != 90 {
		t.Errorf("entry risk score = %d, want 90", entry.RiskScore)
	}
	pos := h.engine.Positions().Get(posID)
	if pos.DistanceMicros <= 0 {
		t.Errorf("distance = %d, want positive (mark above liquidation price)", pos.DistanceMicros)
	}
}

func TestPriceRecoveryReleasesEntry(t *testing.T) {
	h := newTestHarness(t, nil)

	posID := h.openPosition(t, 100_000_000, 10, 1_000_000, 910_000, 1)
	h.pushPrice(t, 940_000, 300, 1_000_000_000, 9_000, 1)
	if h.engine.Queue().Get(posID) == nil {
		t.Fatal("setup: position must be queued")
	}

	// Price recovers: margin back to 0.1 + 0.15 = 0.25, score 25.
	h.pushPrice(t, 1_150_000, 300, 1_000_000_000, 9_000, 2)
	if h.engine.Queue().Get(posID) != nil {
		t.Error("recovered position must leave the queue")
	}
}

func TestLiquidationExecutionAndRewardExactness(t *testing.T) {
	h := newTestHarness(t, nil)
	keeperID := uuid.New()

	h.registerKeeper(t, keeperID, 5_000_000, 1)
	posID := h.openPosition(t, 200_000_000, 10, 1_000_000, 910_000, 1)
	h.pushPrice(t, 900_000, 300, 1_000_000_000, 9_000, 1)

	// Advancing the tick computes the budget: vol 300 bps * sigma 2.0 =
	// 600 bps of 1e9 OI = 60_000_000.
	h.pushPrice(t, 900_000, 300, 1_000_000_000, 9_000, 2)
	if got := h.engine.TickBudget(); got != 60_000_000 {
		t.Fatalf("tick budget = %d, want 60000000", got)
	}

	if err := h.submit(posID, keeperID, 2); err != nil {
		t.Fatalf("submit: %v", err)
	}

	// Amount = 6% of 200_000_000 = 12_000_000; reward = 5 bps = 6_000.
	pos := h.engine.Positions().Get(posID)
	if pos.Size != 188_000_000 || pos.LiquidatedSize != 12_000_000 {
		t.Errorf("size %d, liquidated %d; want 188000000, 12000000", pos.Size, pos.LiquidatedSize)
	}
	if pos.Closed {
		t.Error("partial liquidation must not close the position")
	}
	keeper := h.engine.Keepers().Get(keeperID)
	if keeper.AccruedReward != 6_000 {
		t.Errorf("reward = %d, want 6000 (exactly 5 bps of the fill)", keeper.AccruedReward)
	}
	if keeper.SuccessCount != 1 {
		t.Errorf("success count = %d, want 1", keeper.SuccessCount)
	}
	if got := h.engine.TickBudget(); got != 48_000_000 {
		t.Errorf("remaining budget = %d, want 48000000", got)
	}

	// The executed order rides the persist output.
	var order *LiquidationOrder
	for len(h.outputs) > 0 {
		out := <-h.outputs
		if out.Order != nil {
			order = out.Order
		}
	}
	if order == nil {
		t.Fatal("executed liquidation must emit an order")
	}
	if order.Amount != 12_000_000 || order.Reward != 6_000 || order.KeeperID != keeperID {
		t.Errorf("order = %+v, want amount 12000000 reward 6000", order)
	}
}

func TestCompetingKeepersResolveIdempotently(t *testing.T) {
	h := newTestHarness(t, nil)
	winner := uuid.New()
	loser := uuid.New()

	h.registerKeeper(t, winner, 5_000_000, 1)
	h.registerKeeper(t, loser, 5_000_000, 1)

	// Tiny position: the dust rule liquidates it whole.
	posID := h.openPosition(t, 1_000, 10, 1_000_000, 910_000, 1)
	h.pushPrice(t, 900_000, 300, 1_000_000_000, 9_000, 1)
	h.pushPrice(t, 900_000, 300, 1_000_000_000, 9_000, 2)

	if err := h.submit(posID, winner, 2); err != nil {
		t.Fatalf("winner submit: %v", err)
	}
	pos := h.engine.Positions().Get(posID)
	if !pos.Closed {
		t.Fatal("dust position must close on the first fill")
	}

	err := h.submit(posID, loser, 2)
	if !errors.Is(err, ErrAlreadyLiquidated) {
		t.Fatalf("loser err = %v, want ErrAlreadyLiquidated", err)
	}
	if h.engine.Keepers().Get(loser).AccruedReward != 0 {
		t.Error("losing keeper must not be paid")
	}
	if pos.LiquidatedSize != 1_000 {
		t.Error("size must not be double-reduced")
	}
}

func TestDuplicateSubmissionIsSkipped(t *testing.T) {
	h := newTestHarness(t, nil)
	keeperID := uuid.New()

	h.registerKeeper(t, keeperID, 5_000_000, 1)
	posID := h.openPosition(t, 200_000_000, 10, 1_000_000, 910_000, 1)
	h.pushPrice(t, 900_000, 300, 1_000_000_000, 9_000, 1)
	h.pushPrice(t, 900_000, 300, 1_000_000_000, 9_000, 2)

	submitEvt := &event.LiquidationSubmit{
		PositionID: posID, KeeperID: keeperID, Sequence: h.nextGlobal(), Tick: 2,
	}
	if err := h.engine.ProcessEvent(submitEvt); err != nil {
		t.Fatalf("submit: %v", err)
	}
	sizeAfter := h.engine.Positions().Get(posID).Size

	// Redelivery of the same event: same idempotency key, no double fill.
	if err := h.engine.ProcessEvent(submitEvt); err != nil {
		t.Fatalf("redelivery must be silently skipped, got %v", err)
	}
	if got := h.engine.Positions().Get(posID).Size; got != sizeAfter {
		t.Errorf("size after redelivery = %d, want %d", got, sizeAfter)
	}
	if got := h.engine.Keepers().Get(keeperID).SuccessCount; got != 1 {
		t.Errorf("success count = %d, want 1", got)
	}
}

func TestBudgetExhaustionRejectsFurtherClaims(t *testing.T) {
	h := newTestHarness(t, nil)
	keeperID := uuid.New()
	h.registerKeeper(t, keeperID, 5_000_000, 1)

	a := h.openPosition(t, 2_000_000, 10, 1_000_000, 910_000, 1)
	b := h.openPosition(t, 2_000_000, 10, 1_000_000, 910_000, 1)

	// OI 100_000 at 600 bps cap: the whole tick's budget is 6_000.
	h.pushPrice(t, 900_000, 300, 100_000, 9_000, 1)
	h.pushPrice(t, 900_000, 300, 100_000, 9_000, 2)
	if got := h.engine.TickBudget(); got != 6_000 {
		t.Fatalf("tick budget = %d, want 6000", got)
	}

	if err := h.submit(a, keeperID, 2); err != nil {
		t.Fatalf("first submit: %v", err)
	}
	if got := h.engine.TickBudget(); got != 0 {
		t.Fatalf("budget after clamped fill = %d, want 0", got)
	}

	if err := h.submit(b, keeperID, 2); !errors.Is(err, ErrBudgetExhausted) {
		t.Fatalf("err = %v, want ErrBudgetExhausted", err)
	}
}

func TestSubmissionRejectionsByPolicy(t *testing.T) {
	h := newTestHarness(t, nil)
	keeperID := uuid.New()

	posID := h.openPosition(t, 100_000_000, 10, 1_000_000, 910_000, 1)
	h.pushPrice(t, 940_000, 300, 1_000_000_000, 9_000, 1)
	h.pushPrice(t, 940_000, 300, 1_000_000_000, 9_000, 2)

	// No keepers registered at all.
	if err := h.submit(posID, keeperID, 2); !errors.Is(err, ErrNoActiveKeepers) {
		t.Errorf("err = %v, want ErrNoActiveKeepers", err)
	}

	h.registerKeeper(t, keeperID, 5_000_000, 2)

	// Queued at score 90 but the mark is still above the liquidation
	// price, so the entry is not executable yet.
	if err := h.submit(posID, keeperID, 2); !errors.Is(err, ErrPositionNotAtRisk) {
		t.Errorf("err = %v, want ErrPositionNotAtRisk", err)
	}

	// Unknown position.
	if err := h.submit(uuid.New(), keeperID, 2); !errors.Is(err, ErrPositionNotFound) {
		t.Errorf("err = %v, want ErrPositionNotFound", err)
	}

	// Suspended keeper. A second active keeper keeps the registry live so
	// the rejection is about this keeper, not the registry.
	h.registerKeeper(t, uuid.New(), 5_000_000, 2)
	if err := h.engine.ProcessEvent(&event.KeeperStatusUpdate{
		KeeperID: keeperID, Suspended: true, Sequence: h.nextGlobal(), Tick: 2,
	}); err != nil {
		t.Fatalf("suspend: %v", err)
	}
	h.pushPrice(t, 900_000, 300, 1_000_000_000, 9_000, 2)
	if err := h.submit(posID, keeperID, 2); !errors.Is(err, ErrKeeperSuspended) {
		t.Errorf("err = %v, want ErrKeeperSuspended", err)
	}
}

func TestHaltGatesSubmissions(t *testing.T) {
	h := newTestHarness(t, nil)
	keeperID := uuid.New()
	h.registerKeeper(t, keeperID, 5_000_000, 1)
	posID := h.openPosition(t, 100_000_000, 10, 1_000_000, 910_000, 1)

	// Coverage 0.4 halts the breaker at the next tick boundary.
	h.pushPrice(t, 900_000, 300, 1_000_000_000, 4_000, 1)
	h.pushPrice(t, 900_000, 300, 1_000_000_000, 4_000, 2)

	if h.engine.Breaker().State != state.BreakerHalted {
		t.Fatalf("breaker state = %s, want Halted", h.engine.Breaker().State)
	}
	if err := h.submit(posID, keeperID, 2); !errors.Is(err, ErrHalted) {
		t.Fatalf("err = %v, want ErrHalted", err)
	}
}

func TestEmergencyShutdownViaEvent(t *testing.T) {
	authority := uuid.New()
	h := newTestHarness(t, &authority)
	keeperID := uuid.New()
	h.registerKeeper(t, keeperID, 5_000_000, 1)
	posID := h.openPosition(t, 100_000_000, 10, 1_000_000, 910_000, 1)
	h.pushPrice(t, 900_000, 300, 1_000_000_000, 9_000, 1)

	// Wrong key: rejected, nothing changes.
	err := h.engine.ProcessEvent(&event.EmergencyShutdown{
		Authority: uuid.New(), Sequence: h.nextGlobal(), Tick: 1,
	})
	if !errors.Is(err, state.ErrUnauthorized) {
		t.Fatalf("err = %v, want ErrUnauthorized", err)
	}
	if h.engine.Breaker().State == state.BreakerShutdown {
		t.Fatal("unauthorized shutdown must not change state")
	}

	// Designated key: terminal.
	if err := h.engine.ProcessEvent(&event.EmergencyShutdown{
		Authority: authority, Sequence: h.nextGlobal(), Tick: 1,
	}); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if h.engine.Breaker().State != state.BreakerShutdown {
		t.Fatal("breaker must be shut down")
	}
	if err := h.submit(posID, keeperID, 1); !errors.Is(err, ErrHalted) {
		t.Errorf("post-shutdown submit err = %v, want ErrHalted", err)
	}
}

func TestHashChainLinksEnvelopes(t *testing.T) {
	h := newTestHarness(t, nil)
	h.openPosition(t, 100_000_000, 10, 1_000_000, 910_000, 1)
	h.pushPrice(t, 980_000, 300, 1_000_000_000, 9_000, 1)

	first := <-h.outputs
	second := <-h.outputs
	if first.Envelope.Sequence != 0 || second.Envelope.Sequence != 1 {
		t.Fatalf("sequences = %d, %d, want 0, 1", first.Envelope.Sequence, second.Envelope.Sequence)
	}
	if second.Envelope.PrevHash != first.Envelope.StateHash {
		t.Error("envelope N+1 PrevHash must equal envelope N StateHash")
	}
	if first.Envelope.StateHash == second.Envelope.StateHash {
		t.Error("state hashes must advance")
	}
}

func TestSettlementClearsMarket(t *testing.T) {
	h := newTestHarness(t, nil)
	posID := h.openPosition(t, 100_000_000, 10, 1_000_000, 910_000, 1)
	h.pushPrice(t, 940_000, 300, 1_000_000_000, 9_000, 1)
	if h.engine.Queue().Len() != 1 {
		t.Fatal("setup: entry must be queued")
	}

	if err := h.engine.ProcessEvent(&event.SettlementCompleted{
		MarketID: testMarket, Sequence: h.nextMarket(testMarket), Tick: 2,
	}); err != nil {
		t.Fatalf("settlement: %v", err)
	}
	if h.engine.Queue().Len() != 0 {
		t.Error("settlement must clear the market's queue entries")
	}
	if h.engine.Positions().Get(posID) != nil {
		t.Error("settlement must retire the market's positions")
	}
	if h.engine.Market(testMarket) != nil {
		t.Error("settlement must drop the market view")
	}
}

func TestProcessQueuePlansWithinBudget(t *testing.T) {
	h := newTestHarness(t, nil)
	for i := 0; i < 3; i++ {
		h.openPosition(t, 100_000_000, 10, 1_000_000, 910_000, 1)
	}
	h.pushPrice(t, 900_000, 300, 1_000_000_000, 9_000, 1)
	h.pushPrice(t, 900_000, 300, 1_000_000_000, 9_000, 2)

	orders := h.engine.ProcessQueue(2)
	if len(orders) != 2 {
		t.Fatalf("orders = %d, want 2 (bounded by max_liquidations)", len(orders))
	}
	for _, o := range orders {
		if o.Amount != 6_000_000 {
			t.Errorf("order amount = %d, want 6000000 (6%% of size)", o.Amount)
		}
	}

	// Priorities are non-increasing in plan order.
	if orders[0].Priority < orders[1].Priority {
		t.Error("plan must follow queue priority order")
	}
}

func TestRandomnessLifecycleInEngine(t *testing.T) {
	h := newTestHarness(t, nil)

	var requestedID uint64
	var requestedTick int64
	h.engine.SetRandomnessRequestFn(func(id uint64, tick int64) {
		requestedID = id
		requestedTick = tick
	})

	h.openPosition(t, 100_000_000, 10, 1_000_000, 910_000, 1)
	// Crossing a tick boundary past the shuffle interval opens a handshake.
	h.pushPrice(t, 940_000, 300, 1_000_000_000, 9_000, 200)

	if requestedID == 0 {
		t.Fatal("tick advance past the shuffle interval must request randomness")
	}

	var value [32]byte
	value[0] = 0x42
	err := h.engine.ProcessEvent(&event.RandomnessFulfilled{
		RequestID:     requestedID,
		Value:         value,
		FulfilledTick: requestedTick + 10,
		Sequence:      h.nextGlobal(),
		Tick:          requestedTick + 10,
	})
	if err != nil {
		t.Fatalf("fulfill: %v", err)
	}
	if h.engine.Ordering().SeedEpoch != 1 {
		t.Errorf("seed epoch = %d, want 1", h.engine.Ordering().SeedEpoch)
	}

	// A mismatching fulfillment is a policy rejection.
	err = h.engine.ProcessEvent(&event.RandomnessFulfilled{
		RequestID:     requestedID + 99,
		Value:         value,
		FulfilledTick: requestedTick + 11,
		Sequence:      h.nextGlobal(),
		Tick:          requestedTick + 11,
	})
	if err == nil || !IsPolicyRejection(err) {
		t.Errorf("mismatched fulfillment err = %v, want policy rejection", err)
	}
}
