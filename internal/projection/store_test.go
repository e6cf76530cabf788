package projection_test

import (
	"testing"

	"github.com/google/uuid"

	"github.com/gary322/flashbets-sub012/internal/core"
	"github.com/gary322/flashbets-sub012/internal/event"
	"github.com/gary322/flashbets-sub012/internal/projection"
)

func output(seq int64, order *core.LiquidationOrder) core.CoreOutput {
	return core.CoreOutput{
		Envelope: &event.EventEnvelope{
			Sequence: seq,
			Tick:     seq * 10,
		},
		Order: order,
	}
}

func TestStoreTracksHead(t *testing.T) {
	store := projection.NewStore()
	store.Apply(output(1, nil))
	store.Apply(output(2, nil))

	seq, tick, _ := store.Head()
	if seq != 2 || tick != 20 {
		t.Errorf("head: got seq=%d tick=%d, want 2/20", seq, tick)
	}
}

func TestStoreAggregatesOrders(t *testing.T) {
	store := projection.NewStore()
	alice := uuid.New()
	bob := uuid.New()

	store.Apply(output(1, &core.LiquidationOrder{
		PositionID: uuid.New(),
		Owner:      alice,
		MarketID:   "mkt-a",
		Amount:     1_000_000,
		Reward:     500,
		WaitTicks:  4,
	}))
	store.Apply(output(2, &core.LiquidationOrder{
		PositionID: uuid.New(),
		Owner:      alice,
		MarketID:   "mkt-a",
		Amount:     2_000_000,
		Reward:     1_000,
		WaitTicks:  10,
	}))
	store.Apply(output(3, &core.LiquidationOrder{
		PositionID: uuid.New(),
		Owner:      bob,
		MarketID:   "mkt-b",
		Amount:     500_000,
		Reward:     250,
		WaitTicks:  1,
	}))

	stats := store.Stats()
	if stats.OrdersSeen != 3 {
		t.Errorf("orders seen: got %d, want 3", stats.OrdersSeen)
	}
	if stats.LiquidatedVolume != 3_500_000 {
		t.Errorf("volume: got %d, want 3_500_000", stats.LiquidatedVolume)
	}
	if stats.RewardsPaid != 1_750 {
		t.Errorf("rewards: got %d, want 1_750", stats.RewardsPaid)
	}
	if stats.OrdersByMarket["mkt-a"] != 2 || stats.OrdersByMarket["mkt-b"] != 1 {
		t.Errorf("per-market counts: got %v", stats.OrdersByMarket)
	}
	if stats.UniqueOwners != 2 {
		t.Errorf("unique owners: got %d, want 2", stats.UniqueOwners)
	}
	if stats.AvgWaitTicks != 5 || stats.MaxWaitTicks != 10 {
		t.Errorf("wait ticks: got avg=%d max=%d, want 5/10", stats.AvgWaitTicks, stats.MaxWaitTicks)
	}

	recent := store.RecentOrders(2)
	if len(recent) != 2 {
		t.Fatalf("recent: got %d orders, want 2", len(recent))
	}
	if recent[0].MarketID != "mkt-b" {
		t.Errorf("newest first: got %s, want mkt-b", recent[0].MarketID)
	}
}

func TestStoreBoundsOrderHistory(t *testing.T) {
	store := projection.NewStore()
	for i := 0; i < 400; i++ {
		store.Apply(output(int64(i), &core.LiquidationOrder{
			PositionID: uuid.New(),
			MarketID:   "mkt-a",
			Amount:     1,
		}))
	}

	if got := len(store.RecentOrders(0)); got != 256 {
		t.Errorf("history length: got %d, want 256", got)
	}
	if stats := store.Stats(); stats.OrdersSeen != 400 {
		t.Errorf("orders seen: got %d, want 400", stats.OrdersSeen)
	}
}
