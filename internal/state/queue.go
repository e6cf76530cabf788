package state

import (
	"sort"

	"github.com/google/uuid"
)

// DefaultQueueCapacity bounds the liquidation queue. Overflow drops the
// lowest-priority entries rather than failing the insert.
const DefaultQueueCapacity = 1000

// QueueStats is a point-in-time summary of queue composition.
type QueueStats struct {
	Depth      int
	Pending    int
	Processing int
	Dropped    uint64
	Expired    uint64
}

// LiquidationQueue holds at-risk positions ordered by priority. Sorting is
// descending by priority with ties broken by earlier submission; the
// fair-ordering shuffle may permute entries within a priority band after
// each sort.
type LiquidationQueue struct {
	capacity int
	entries  []*QueueEntry
	index    map[uuid.UUID]*QueueEntry

	droppedTotal uint64
	expiredTotal uint64
}

func NewLiquidationQueue(capacity int) *LiquidationQueue {
	if capacity <= 0 {
		capacity = DefaultQueueCapacity
	}
	return &LiquidationQueue{
		capacity: capacity,
		index:    make(map[uuid.UUID]*QueueEntry),
	}
}

// Get returns the live entry for a position or nil
func (q *LiquidationQueue) Get(positionID uuid.UUID) *QueueEntry {
	return q.index[positionID]
}

// Upsert inserts a new entry or refreshes an existing one in place. An
// entry in a terminal status is replaced outright. If the queue exceeds
// capacity afterwards it is re-sorted and truncated; the dropped entries
// are returned already marked Cancelled.
func (q *LiquidationQueue) Upsert(entry *QueueEntry) []*QueueEntry {
	if existing, ok := q.index[entry.PositionID]; ok && !existing.Status.Terminal() {
		existing.RiskScore = entry.RiskScore
		existing.DistanceMicros = entry.DistanceMicros
		existing.StakeSnapshot = entry.StakeSnapshot
		existing.Priority = entry.Priority
		return nil
	}

	q.removeFromSlice(entry.PositionID)
	q.entries = append(q.entries, entry)
	q.index[entry.PositionID] = entry

	if len(q.entries) <= q.capacity {
		return nil
	}

	q.SortByPriority()
	dropped := q.entries[q.capacity:]
	q.entries = q.entries[:q.capacity]
	for _, d := range dropped {
		d.Status = EntryStatusCancelled
		delete(q.index, d.PositionID)
	}
	q.droppedTotal += uint64(len(dropped))
	return dropped
}

// SortByPriority orders entries descending by priority, ties broken by the
// earlier submission sequence.
func (q *LiquidationQueue) SortByPriority() {
	sort.SliceStable(q.entries, func(i, j int) bool {
		if q.entries[i].Priority != q.entries[j].Priority {
			return q.entries[i].Priority > q.entries[j].Priority
		}
		return q.entries[i].SubmissionSequence < q.entries[j].SubmissionSequence
	})
}

// Entries exposes the backing slice in current order. Callers must not
// insert or remove through it.
func (q *LiquidationQueue) Entries() []*QueueEntry {
	return q.entries
}

// Remove detaches a position's entry, marking it with the given terminal
// status if it is still live. Returns the entry or nil.
func (q *LiquidationQueue) Remove(positionID uuid.UUID, status EntryStatus) *QueueEntry {
	entry, ok := q.index[positionID]
	if !ok {
		return nil
	}
	if !entry.Status.Terminal() {
		entry.Status = status
	}
	delete(q.index, positionID)
	q.removeFromSlice(positionID)
	return entry
}

// SweepStale expires every entry whose age exceeds the horizon and returns
// the expired entries.
func (q *LiquidationQueue) SweepStale(currentTick, horizon int64) []*QueueEntry {
	var expired []*QueueEntry
	kept := q.entries[:0]
	for _, e := range q.entries {
		if !e.Status.Terminal() && currentTick-e.SubmissionTick > horizon {
			e.Status = EntryStatusExpired
			delete(q.index, e.PositionID)
			expired = append(expired, e)
			continue
		}
		kept = append(kept, e)
	}
	q.entries = kept
	q.expiredTotal += uint64(len(expired))
	return expired
}

// RemoveMarket cancels every entry belonging to a settled market.
func (q *LiquidationQueue) RemoveMarket(marketID string) []*QueueEntry {
	var removed []*QueueEntry
	kept := q.entries[:0]
	for _, e := range q.entries {
		if e.MarketID == marketID {
			if !e.Status.Terminal() {
				e.Status = EntryStatusCancelled
			}
			delete(q.index, e.PositionID)
			removed = append(removed, e)
			continue
		}
		kept = append(kept, e)
	}
	q.entries = kept
	return removed
}

// Len returns the number of live entries
func (q *LiquidationQueue) Len() int {
	return len(q.entries)
}

// Capacity returns the configured maximum depth
func (q *LiquidationQueue) Capacity() int {
	return q.capacity
}

// Stats summarizes current composition and lifetime drop/expiry counters.
func (q *LiquidationQueue) Stats() QueueStats {
	stats := QueueStats{
		Depth:   len(q.entries),
		Dropped: q.droppedTotal,
		Expired: q.expiredTotal,
	}
	for _, e := range q.entries {
		switch e.Status {
		case EntryStatusPending:
			stats.Pending++
		case EntryStatusProcessing:
			stats.Processing++
		}
	}
	return stats
}

func (q *LiquidationQueue) removeFromSlice(positionID uuid.UUID) {
	for i, e := range q.entries {
		if e.PositionID == positionID {
			q.entries = append(q.entries[:i], q.entries[i+1:]...)
			return
		}
	}
}
