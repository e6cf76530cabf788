package projection

import (
	"encoding/hex"
	"sync"

	"github.com/google/uuid"

	"github.com/gary322/flashbets-sub012/internal/core"
)

const defaultOrderHistory = 256

// Store is the in-memory read model behind the query API. It is updated by
// the projection worker from the non-blocking projection channel; if the
// channel drops under load, the store lags but is rebuilt from the event
// log on restart.
type Store struct {
	mu sync.RWMutex

	lastSequence int64
	lastTick     int64
	lastHash     string

	orders     []core.LiquidationOrder // newest last, bounded ring
	maxOrders  int
	ordersSeen uint64

	liquidatedVolume int64
	rewardsPaid      int64

	ordersByMarket map[string]uint64
	ownersSeen     map[uuid.UUID]struct{}
	waitTicksSum   int64
	waitTicksMax   int64
}

func NewStore() *Store {
	return &Store{
		maxOrders:      defaultOrderHistory,
		ordersByMarket: make(map[string]uint64),
		ownersSeen:     make(map[uuid.UUID]struct{}),
	}
}

// Apply folds one core output into the read model.
func (s *Store) Apply(output core.CoreOutput) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if output.Envelope != nil {
		s.lastSequence = output.Envelope.Sequence
		s.lastTick = output.Envelope.Tick
		s.lastHash = hex.EncodeToString(output.Envelope.StateHash[:])
	}

	if output.Order != nil {
		order := *output.Order
		s.orders = append(s.orders, order)
		if len(s.orders) > s.maxOrders {
			s.orders = s.orders[len(s.orders)-s.maxOrders:]
		}
		s.ordersSeen++
		s.liquidatedVolume += order.Amount
		s.rewardsPaid += order.Reward
		s.ordersByMarket[order.MarketID]++
		s.ownersSeen[order.Owner] = struct{}{}
		s.waitTicksSum += order.WaitTicks
		if order.WaitTicks > s.waitTicksMax {
			s.waitTicksMax = order.WaitTicks
		}
	}
}

// Head returns the latest applied sequence, tick, and state hash.
func (s *Store) Head() (sequence, tick int64, stateHash string) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastSequence, s.lastTick, s.lastHash
}

// RecentOrders returns up to limit most recent orders, newest first.
func (s *Store) RecentOrders(limit int) []core.LiquidationOrder {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 || limit > len(s.orders) {
		limit = len(s.orders)
	}
	out := make([]core.LiquidationOrder, 0, limit)
	for i := len(s.orders) - 1; i >= len(s.orders)-limit; i-- {
		out = append(out, s.orders[i])
	}
	return out
}

// StoreStats is a point-in-time summary of the read model, including the
// fairness counters keeper tooling watches (distinct owners liquidated,
// queue wait times at execution).
type StoreStats struct {
	LastSequence     int64             `json:"last_sequence"`
	LastTick         int64             `json:"last_tick"`
	OrdersSeen       uint64            `json:"orders_seen"`
	LiquidatedVolume int64             `json:"liquidated_volume"`
	RewardsPaid      int64             `json:"rewards_paid"`
	OrdersByMarket   map[string]uint64 `json:"orders_by_market"`
	UniqueOwners     int               `json:"unique_owners"`
	AvgWaitTicks     int64             `json:"avg_wait_ticks"`
	MaxWaitTicks     int64             `json:"max_wait_ticks"`
}

func (s *Store) Stats() StoreStats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	byMarket := make(map[string]uint64, len(s.ordersByMarket))
	for k, v := range s.ordersByMarket {
		byMarket[k] = v
	}
	stats := StoreStats{
		LastSequence:     s.lastSequence,
		LastTick:         s.lastTick,
		OrdersSeen:       s.ordersSeen,
		LiquidatedVolume: s.liquidatedVolume,
		RewardsPaid:      s.rewardsPaid,
		OrdersByMarket:   byMarket,
		UniqueOwners:     len(s.ownersSeen),
		MaxWaitTicks:     s.waitTicksMax,
	}
	if s.ordersSeen > 0 {
		stats.AvgWaitTicks = s.waitTicksSum / int64(s.ordersSeen)
	}
	return stats
}
