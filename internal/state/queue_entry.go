package state

import (
	"encoding/binary"

	"github.com/google/uuid"
)

// EntryStatus tracks a queue entry through its lifecycle
type EntryStatus int32

const (
	EntryStatusPending EntryStatus = iota
	EntryStatusProcessing
	EntryStatusExecuted
	EntryStatusCancelled
	EntryStatusExpired
)

func (es EntryStatus) String() string {
	switch es {
	case EntryStatusPending:
		return "Pending"
	case EntryStatusProcessing:
		return "Processing"
	case EntryStatusExecuted:
		return "Executed"
	case EntryStatusCancelled:
		return "Cancelled"
	case EntryStatusExpired:
		return "Expired"
	default:
		return "Unknown"
	}
}

// Terminal reports whether no further transition is possible.
func (es EntryStatus) Terminal() bool {
	return es == EntryStatusExecuted || es == EntryStatusCancelled || es == EntryStatusExpired
}

// CanTransitionTo validates status transitions
func (es EntryStatus) CanTransitionTo(next EntryStatus) bool {
	validTransitions := map[EntryStatus][]EntryStatus{
		EntryStatusPending: {
			EntryStatusProcessing,
			EntryStatusCancelled,
			EntryStatusExpired,
		},
		EntryStatusProcessing: {
			EntryStatusExecuted,
			EntryStatusCancelled,
			EntryStatusExpired,
		},
	}

	allowed, ok := validTransitions[es]
	if !ok {
		return false
	}

	for _, allowedStatus := range allowed {
		if next == allowedStatus {
			return true
		}
	}

	return false
}

// QueueEntry is one at-risk position's place in the liquidation queue.
type QueueEntry struct {
	PositionID         uuid.UUID
	Owner              uuid.UUID
	MarketID           string
	RiskScore          uint8
	DistanceMicros     int64
	StakeSnapshot      int64
	Priority           uint64
	SubmissionTick     int64
	SubmissionSequence int64
	Status             EntryStatus

	// ClaimedBy is set when a keeper takes the entry into Processing.
	ClaimedBy *uuid.UUID
}

// CanonicalBytes returns deterministic serialization for hashing
func (e *QueueEntry) CanonicalBytes() []byte {
	buf := make([]byte, 0, 128)

	buf = append(buf, e.PositionID[:]...)
	buf = append(buf, e.Owner[:]...)

	buf = append(buf, byte(len(e.MarketID)))
	buf = append(buf, []byte(e.MarketID)...)

	buf = append(buf, e.RiskScore)
	buf = binary.BigEndian.AppendUint64(buf, uint64(e.DistanceMicros))
	buf = binary.BigEndian.AppendUint64(buf, uint64(e.StakeSnapshot))
	buf = binary.BigEndian.AppendUint64(buf, e.Priority)
	buf = binary.BigEndian.AppendUint64(buf, uint64(e.SubmissionTick))
	buf = binary.BigEndian.AppendUint64(buf, uint64(e.SubmissionSequence))
	buf = binary.BigEndian.AppendUint32(buf, uint32(e.Status))

	if e.ClaimedBy != nil {
		buf = append(buf, 1)
		buf = append(buf, e.ClaimedBy[:]...)
	} else {
		buf = append(buf, 0)
	}

	return buf
}
