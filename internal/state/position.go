package state

import (
	"encoding/binary"

	"github.com/google/uuid"

	"github.com/gary322/flashbets-sub012/internal/event"
)

// Position is a leveraged bet on one outcome of a prediction market.
type Position struct {
	ID               uuid.UUID
	Owner            uuid.UUID
	MarketID         string
	OutcomeIndex     uint8
	Side             event.Side
	Size             int64 // Fixed-point: quantity scale; only ever decreases
	Notional         int64 // size * leverage at open
	Leverage         int64
	EntryPrice       int64 // Fixed-point: price scale
	LiquidationPrice int64 // Fixed-point: price scale
	StakeSnapshot    int64 // owner stake captured at execution
	DepthLevel       uint32
	OpenedTick       int64

	// LiquidatedSize accumulates partial liquidations. Size + LiquidatedSize
	// equals the original size until the position closes.
	LiquidatedSize int64

	// Closed flips exactly when Size reaches zero.
	Closed bool

	// Latest scorer outputs, refreshed on every mark update.
	RiskScore      uint8
	DistanceMicros int64

	Version int64 // Optimistic concurrency control
}

// ReduceSize applies a (partial or full) liquidation fill. Size never goes
// negative; the closed flag flips exactly when size reaches zero.
func (p *Position) ReduceSize(amount int64) {
	if amount > p.Size {
		amount = p.Size
	}
	p.Size -= amount
	p.LiquidatedSize += amount
	if p.Size == 0 {
		p.Closed = true
	}
	p.Version++
}

// CanonicalBytes returns deterministic serialization for hashing
func (p *Position) CanonicalBytes() []byte {
	buf := make([]byte, 0, 160)

	buf = append(buf, p.ID[:]...)
	buf = append(buf, p.Owner[:]...)

	// market_id (length-prefixed)
	buf = append(buf, byte(len(p.MarketID)))
	buf = append(buf, []byte(p.MarketID)...)

	buf = append(buf, p.OutcomeIndex)
	buf = binary.BigEndian.AppendUint32(buf, uint32(p.Side))
	buf = binary.BigEndian.AppendUint64(buf, uint64(p.Size))
	buf = binary.BigEndian.AppendUint64(buf, uint64(p.Notional))
	buf = binary.BigEndian.AppendUint64(buf, uint64(p.Leverage))
	buf = binary.BigEndian.AppendUint64(buf, uint64(p.EntryPrice))
	buf = binary.BigEndian.AppendUint64(buf, uint64(p.LiquidationPrice))
	buf = binary.BigEndian.AppendUint64(buf, uint64(p.StakeSnapshot))
	buf = binary.BigEndian.AppendUint32(buf, p.DepthLevel)
	buf = binary.BigEndian.AppendUint64(buf, uint64(p.OpenedTick))
	buf = binary.BigEndian.AppendUint64(buf, uint64(p.LiquidatedSize))

	if p.Closed {
		buf = append(buf, 1)
	} else {
		buf = append(buf, 0)
	}

	buf = append(buf, p.RiskScore)
	buf = binary.BigEndian.AppendUint64(buf, uint64(p.DistanceMicros))
	buf = binary.BigEndian.AppendUint64(buf, uint64(p.Version))

	return buf
}

// PositionManager tracks open positions with a per-market index.
type PositionManager struct {
	positions map[uuid.UUID]*Position
	byMarket  map[string]map[uuid.UUID]struct{}
}

func NewPositionManager() *PositionManager {
	return &PositionManager{
		positions: make(map[uuid.UUID]*Position),
		byMarket:  make(map[string]map[uuid.UUID]struct{}),
	}
}

// Get returns the position or nil
func (pm *PositionManager) Get(id uuid.UUID) *Position {
	return pm.positions[id]
}

// Put inserts or replaces a position and maintains the market index.
func (pm *PositionManager) Put(p *Position) {
	pm.positions[p.ID] = p
	ids, ok := pm.byMarket[p.MarketID]
	if !ok {
		ids = make(map[uuid.UUID]struct{})
		pm.byMarket[p.MarketID] = ids
	}
	ids[p.ID] = struct{}{}
}

// Remove drops a position entirely (close or settlement).
func (pm *PositionManager) Remove(id uuid.UUID) {
	p, ok := pm.positions[id]
	if !ok {
		return
	}
	delete(pm.positions, id)
	if ids, ok := pm.byMarket[p.MarketID]; ok {
		delete(ids, id)
		if len(ids) == 0 {
			delete(pm.byMarket, p.MarketID)
		}
	}
}

// MarketPositionIDs returns the ids of all positions in a market, in
// unspecified order. Callers needing determinism must sort.
func (pm *PositionManager) MarketPositionIDs(marketID string) []uuid.UUID {
	ids := pm.byMarket[marketID]
	out := make([]uuid.UUID, 0, len(ids))
	for id := range ids {
		out = append(out, id)
	}
	return out
}

// Count returns the number of tracked positions
func (pm *PositionManager) Count() int {
	return len(pm.positions)
}

// All returns every tracked position, in unspecified order.
func (pm *PositionManager) All() []*Position {
	out := make([]*Position, 0, len(pm.positions))
	for _, p := range pm.positions {
		out = append(out, p)
	}
	return out
}
