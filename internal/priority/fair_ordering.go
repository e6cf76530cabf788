package priority

import (
	"encoding/binary"
	"errors"
)

// DefaultBandWidth partitions the priority space into ten tiers. Entries
// whose priorities fall in the same tier are considered equivalent for
// ordering purposes and may be shuffled among themselves.
const DefaultBandWidth uint64 = 100_000_000_000_000_000

// DefaultRandomnessHorizon is the maximum tick age of a fulfilled
// randomness value before it is rejected as stale.
const DefaultRandomnessHorizon int64 = 600

var (
	// ErrRequestPending rejects a new randomness request while one is
	// outstanding and still fresh.
	ErrRequestPending = errors.New("priority: randomness request already pending")

	// ErrNoRequestPending rejects a fulfillment with no matching request.
	ErrNoRequestPending = errors.New("priority: no randomness request pending")

	// ErrRandomnessMismatch rejects a fulfillment whose request id does not
	// match the outstanding request.
	ErrRandomnessMismatch = errors.New("priority: randomness request id mismatch")

	// ErrStaleRandomness rejects a fulfillment delivered past the horizon.
	ErrStaleRandomness = errors.New("priority: randomness fulfilled past horizon")
)

// FairnessMetrics counts what the shuffle actually did. The counters are
// monotonic and survive snapshots.
type FairnessMetrics struct {
	ShuffleCount     uint64
	EntriesShuffled  uint64
	Displacements    uint64
	RejectedMismatch uint64
	RejectedStale    uint64
	ExpiredRequests  uint64
}

// OrderingState is the two-phase randomness handshake plus the seed the
// last successful fulfillment left behind. One instance per engine; the
// shuffle is global across markets.
type OrderingState struct {
	Epoch         uint64
	NextRequestID uint64

	PendingRequestID uint64
	RequestedTick    int64
	HasPending       bool

	Seed      [32]byte
	SeedEpoch uint64

	BandWidth uint64
	Horizon   int64

	Metrics FairnessMetrics
}

// NewOrderingState returns an OrderingState with default band width and
// randomness horizon.
func NewOrderingState() *OrderingState {
	return &OrderingState{
		BandWidth: DefaultBandWidth,
		Horizon:   DefaultRandomnessHorizon,
	}
}

// RequestRandomness opens a new handshake and returns the request id the
// fulfillment must echo. A fresh outstanding request blocks a new one; an
// expired outstanding request is abandoned and replaced.
func (o *OrderingState) RequestRandomness(tick int64) (uint64, error) {
	if o.HasPending {
		if tick-o.RequestedTick <= o.Horizon {
			return 0, ErrRequestPending
		}
		o.Metrics.ExpiredRequests++
	}
	o.NextRequestID++
	o.PendingRequestID = o.NextRequestID
	o.RequestedTick = tick
	o.HasPending = true
	return o.PendingRequestID, nil
}

// Fulfill completes the handshake. The request id must match the
// outstanding request and the delivery must land within the horizon;
// otherwise the value is rejected and the request stays open (mismatch)
// or is abandoned (stale). On success the seed is installed and the epoch
// advances.
func (o *OrderingState) Fulfill(requestID uint64, value [32]byte, fulfilledTick int64) error {
	if !o.HasPending {
		return ErrNoRequestPending
	}
	if requestID != o.PendingRequestID {
		o.Metrics.RejectedMismatch++
		return ErrRandomnessMismatch
	}
	if fulfilledTick-o.RequestedTick > o.Horizon {
		o.Metrics.RejectedStale++
		o.HasPending = false
		return ErrStaleRandomness
	}
	o.Seed = value
	o.Epoch++
	o.SeedEpoch = o.Epoch
	o.HasPending = false
	return nil
}

// xorshift64 is the deterministic generator the shuffle draws from. The
// state must never be zero.
type xorshift64 struct {
	state uint64
}

func newXorshift64(seed [32]byte, epoch uint64) *xorshift64 {
	s := binary.LittleEndian.Uint64(seed[:8]) ^ epoch
	if s == 0 {
		s = 1
	}
	return &xorshift64{state: s}
}

func (x *xorshift64) next() uint64 {
	x.state ^= x.state << 13
	x.state ^= x.state >> 7
	x.state ^= x.state << 17
	return x.state
}

// uintn returns a value in [0, n). n must be positive. Modulo bias is
// acceptable here: determinism matters, statistical perfection does not.
func (x *xorshift64) uintn(n uint64) uint64 {
	return x.next() % n
}

// Shuffle applies a Fisher-Yates permutation within each priority band of
// an already priority-sorted sequence. Entries in different bands never
// trade places, so urgency ordering across bands is preserved exactly.
//
// The callbacks follow the sort.Slice convention so callers do not have to
// expose their element type. Priorities must be non-increasing in index
// order; priorityAt(i)/BandWidth defines the band of element i.
func (o *OrderingState) Shuffle(n int, priorityAt func(i int) uint64, swap func(i, j int)) {
	if n < 2 || o.SeedEpoch == 0 {
		return
	}
	width := o.BandWidth
	if width == 0 {
		width = DefaultBandWidth
	}
	rng := newXorshift64(o.Seed, o.Epoch)

	o.Metrics.ShuffleCount++

	start := 0
	for start < n {
		band := priorityAt(start) / width
		end := start + 1
		for end < n && priorityAt(end)/width == band {
			end++
		}
		o.shuffleRange(rng, start, end, swap)
		start = end
	}
}

func (o *OrderingState) shuffleRange(rng *xorshift64, start, end int, swap func(i, j int)) {
	size := end - start
	if size < 2 {
		return
	}
	o.Metrics.EntriesShuffled += uint64(size)
	for i := size - 1; i > 0; i-- {
		j := int(rng.uintn(uint64(i + 1)))
		if i != j {
			swap(start+i, start+j)
			o.Metrics.Displacements++
		}
	}
}
