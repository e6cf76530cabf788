package event

import "fmt"

// RandomnessFulfilled delivers a verified 32-byte random value from the
// external randomness collaborator. The engine accepts it only if the
// request id matches the outstanding request and the value is fresh.
type RandomnessFulfilled struct {
	RequestID     uint64
	Value         [32]byte
	FulfilledTick int64
	Sequence      int64
	Tick          int64
}

func (r *RandomnessFulfilled) IdempotencyKey() string {
	return fmt.Sprintf("vrf:%d", r.RequestID)
}

func (r *RandomnessFulfilled) EventType() EventType { return EventTypeRandomnessFulfilled }

func (r *RandomnessFulfilled) Market() *string { return nil }

func (r *RandomnessFulfilled) SourceSequence() int64 { return r.Sequence }

func (r *RandomnessFulfilled) TickAt() int64 { return r.Tick }
