package state

import (
	"testing"

	"github.com/google/uuid"
)

func makeEntry(priority uint64, seq int64) *QueueEntry {
	return &QueueEntry{
		PositionID:         uuid.New(),
		Owner:              uuid.New(),
		MarketID:           "mkt-1",
		RiskScore:          90,
		Priority:           priority,
		SubmissionTick:     seq,
		SubmissionSequence: seq,
		Status:             EntryStatusPending,
	}
}

func TestQueueSortDescendingWithSubmissionTiebreak(t *testing.T) {
	q := NewLiquidationQueue(10)
	low := makeEntry(100, 1)
	high := makeEntry(300, 2)
	tieLate := makeEntry(200, 5)
	tieEarly := makeEntry(200, 3)

	for _, e := range []*QueueEntry{low, high, tieLate, tieEarly} {
		q.Upsert(e)
	}
	q.SortByPriority()

	got := q.Entries()
	want := []*QueueEntry{high, tieEarly, tieLate, low}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("index %d: got priority %d seq %d, want priority %d seq %d",
				i, got[i].Priority, got[i].SubmissionSequence, want[i].Priority, want[i].SubmissionSequence)
		}
	}
}

func TestQueueUpsertRefreshesInPlace(t *testing.T) {
	q := NewLiquidationQueue(10)
	e := makeEntry(100, 1)
	q.Upsert(e)

	update := &QueueEntry{
		PositionID:     e.PositionID,
		RiskScore:      100,
		DistanceMicros: -5_000,
		Priority:       900,
	}
	q.Upsert(update)

	if q.Len() != 1 {
		t.Fatalf("Len = %d, want 1 (upsert must not duplicate)", q.Len())
	}
	live := q.Get(e.PositionID)
	if live != e {
		t.Fatal("upsert must keep the original entry object")
	}
	if live.Priority != 900 || live.RiskScore != 100 || live.DistanceMicros != -5_000 {
		t.Errorf("entry not refreshed: priority %d, score %d, distance %d",
			live.Priority, live.RiskScore, live.DistanceMicros)
	}
}

func TestQueueOverflowDropsLowestPriority(t *testing.T) {
	q := NewLiquidationQueue(3)
	entries := []*QueueEntry{
		makeEntry(400, 1),
		makeEntry(300, 2),
		makeEntry(200, 3),
	}
	for _, e := range entries {
		if dropped := q.Upsert(e); dropped != nil {
			t.Fatalf("unexpected drop before capacity: %v", dropped)
		}
	}

	lowest := makeEntry(100, 4)
	dropped := q.Upsert(lowest)

	if len(dropped) != 1 || dropped[0] != lowest {
		t.Fatalf("dropped = %v, want the lowest-priority entry", dropped)
	}
	if dropped[0].Status != EntryStatusCancelled {
		t.Errorf("dropped status = %s, want Cancelled", dropped[0].Status)
	}
	if q.Get(lowest.PositionID) != nil {
		t.Error("dropped entry must leave the index")
	}
	if q.Len() != 3 {
		t.Errorf("Len = %d, want 3", q.Len())
	}
	if q.Stats().Dropped != 1 {
		t.Errorf("Stats.Dropped = %d, want 1", q.Stats().Dropped)
	}
}

func TestQueueOverflowKeepsNewHighPriority(t *testing.T) {
	q := NewLiquidationQueue(2)
	a := makeEntry(300, 1)
	b := makeEntry(200, 2)
	q.Upsert(a)
	q.Upsert(b)

	c := makeEntry(900, 3)
	dropped := q.Upsert(c)

	if len(dropped) != 1 || dropped[0] != b {
		t.Fatal("the resident lowest-priority entry must be the one dropped")
	}
	if q.Get(c.PositionID) == nil {
		t.Error("high-priority newcomer must survive the truncation")
	}
}

func TestQueueSweepStale(t *testing.T) {
	q := NewLiquidationQueue(10)
	fresh := makeEntry(100, 950)
	stale := makeEntry(200, 100)
	q.Upsert(fresh)
	q.Upsert(stale)

	expired := q.SweepStale(1_000, 600)

	if len(expired) != 1 || expired[0] != stale {
		t.Fatalf("expired = %v, want the stale entry", expired)
	}
	if stale.Status != EntryStatusExpired {
		t.Errorf("status = %s, want Expired", stale.Status)
	}
	if q.Len() != 1 || q.Get(stale.PositionID) != nil {
		t.Error("expired entry must leave queue and index")
	}
	if q.Stats().Expired != 1 {
		t.Errorf("Stats.Expired = %d, want 1", q.Stats().Expired)
	}
}

func TestQueueRemoveMarksStatus(t *testing.T) {
	q := NewLiquidationQueue(10)
	e := makeEntry(100, 1)
	q.Upsert(e)

	removed := q.Remove(e.PositionID, EntryStatusCancelled)
	if removed != e || e.Status != EntryStatusCancelled {
		t.Fatalf("removed = %v status %s, want the entry Cancelled", removed, e.Status)
	}
	if q.Remove(e.PositionID, EntryStatusCancelled) != nil {
		t.Error("second remove must return nil")
	}
}

func TestQueueRemoveMarket(t *testing.T) {
	q := NewLiquidationQueue(10)
	a := makeEntry(100, 1)
	b := makeEntry(200, 2)
	b.MarketID = "mkt-2"
	q.Upsert(a)
	q.Upsert(b)

	removed := q.RemoveMarket("mkt-1")
	if len(removed) != 1 || removed[0] != a {
		t.Fatalf("removed = %v, want only the mkt-1 entry", removed)
	}
	if q.Len() != 1 || q.Get(b.PositionID) == nil {
		t.Error("other market's entry must survive")
	}
}

func TestEntryStatusTransitions(t *testing.T) {
	valid := []struct{ from, to EntryStatus }{
		{EntryStatusPending, EntryStatusProcessing},
		{EntryStatusPending, EntryStatusCancelled},
		{EntryStatusPending, EntryStatusExpired},
		{EntryStatusProcessing, EntryStatusExecuted},
		{EntryStatusProcessing, EntryStatusCancelled},
		{EntryStatusProcessing, EntryStatusExpired},
	}
	for _, tr := range valid {
		if !tr.from.CanTransitionTo(tr.to) {
			t.Errorf("%s -> %s must be allowed", tr.from, tr.to)
		}
	}

	invalid := []struct{ from, to EntryStatus }{
		{EntryStatusPending, EntryStatusExecuted},
		{EntryStatusExecuted, EntryStatusPending},
		{EntryStatusCancelled, EntryStatusProcessing},
		{EntryStatusExpired, EntryStatusPending},
	}
	for _, tr := range invalid {
		if tr.from.CanTransitionTo(tr.to) {
			t.Errorf("%s -> %s must be rejected", tr.from, tr.to)
		}
	}
}
