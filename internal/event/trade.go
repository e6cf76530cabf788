package event

import (
	"fmt"

	"github.com/google/uuid"
)

// TradeExecuted opens or increases a leveraged position. The staking
// collaborator's stake snapshot rides along so priority can be computed
// without an external call.
type TradeExecuted struct {
	PositionID       uuid.UUID
	Owner            uuid.UUID
	MarketID         string
	OutcomeIndex     uint8
	TradeSide        Side
	Size             int64 // 1e6 scale
	Leverage         int64 // whole multiplier
	EntryPrice       int64 // 1e6 scale
	LiquidationPrice int64 // 1e6 scale
	StakeSnapshot    int64 // owner stake at execution
	TotalStake       int64
	DepthLevel       uint32 // market hierarchy depth
	Sequence         int64
	Tick             int64
}

func (t *TradeExecuted) IdempotencyKey() string {
	return fmt.Sprintf("trade:%s:%d", t.PositionID, t.Sequence)
}

func (t *TradeExecuted) EventType() EventType { return EventTypeTradeExecuted }

func (t *TradeExecuted) Market() *string { return &t.MarketID }

func (t *TradeExecuted) SourceSequence() int64 { return t.Sequence }

func (t *TradeExecuted) TickAt() int64 { return t.Tick }

// PositionClosed reports an external (user-initiated) close. Any queue
// entry for the position is cancelled.
type PositionClosed struct {
	PositionID uuid.UUID
	Owner      uuid.UUID
	MarketID   string
	Sequence   int64
	Tick       int64
}

func (p *PositionClosed) IdempotencyKey() string {
	return fmt.Sprintf("close:%s:%d", p.PositionID, p.Sequence)
}

func (p *PositionClosed) EventType() EventType { return EventTypePositionClosed }

func (p *PositionClosed) Market() *string { return &p.MarketID }

func (p *PositionClosed) SourceSequence() int64 { return p.Sequence }

func (p *PositionClosed) TickAt() int64 { return p.Tick }

// SettlementCompleted marks a market as settled. All positions and queue
// entries for the market are retired; payout distribution happens elsewhere.
type SettlementCompleted struct {
	MarketID     string
	OutcomeIndex uint8
	Sequence     int64
	Tick         int64
}

func (s *SettlementCompleted) IdempotencyKey() string {
	return fmt.Sprintf("settle:%s:%d", s.MarketID, s.Sequence)
}

func (s *SettlementCompleted) EventType() EventType { return EventTypeSettlementCompleted }

func (s *SettlementCompleted) Market() *string { return &s.MarketID }

func (s *SettlementCompleted) SourceSequence() int64 { return s.Sequence }

func (s *SettlementCompleted) TickAt() int64 { return s.Tick }
