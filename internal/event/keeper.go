package event

import (
	"fmt"

	"github.com/google/uuid"
)

// LiquidationSubmit is a permissionless keeper claiming the next eligible
// queue entry for a position. Competing submissions for the same position
// resolve idempotently: the loser is rejected, never double-paid.
type LiquidationSubmit struct {
	PositionID uuid.UUID
	KeeperID   uuid.UUID
	Sequence   int64
	Tick       int64
}

func (l *LiquidationSubmit) IdempotencyKey() string {
	return fmt.Sprintf("liqsubmit:%s:%s:%d", l.PositionID, l.KeeperID, l.Sequence)
}

func (l *LiquidationSubmit) EventType() EventType { return EventTypeLiquidationSubmit }

func (l *LiquidationSubmit) Market() *string { return nil }

func (l *LiquidationSubmit) SourceSequence() int64 { return l.Sequence }

func (l *LiquidationSubmit) TickAt() int64 { return l.Tick }

// RewardClaim withdraws a keeper's accrued bounty balance.
type RewardClaim struct {
	KeeperID uuid.UUID
	Sequence int64
	Tick     int64
}

func (r *RewardClaim) IdempotencyKey() string {
	return fmt.Sprintf("claim:%s:%d", r.KeeperID, r.Sequence)
}

func (r *RewardClaim) EventType() EventType { return EventTypeRewardClaim }

func (r *RewardClaim) Market() *string { return nil }

func (r *RewardClaim) SourceSequence() int64 { return r.Sequence }

func (r *RewardClaim) TickAt() int64 { return r.Tick }

// KeeperRegistered enrolls a keeper with its bonded stake.
type KeeperRegistered struct {
	KeeperID uuid.UUID
	Stake    int64
	Sequence int64
	Tick     int64
}

func (k *KeeperRegistered) IdempotencyKey() string {
	return fmt.Sprintf("keeper:%s:%d", k.KeeperID, k.Sequence)
}

func (k *KeeperRegistered) EventType() EventType { return EventTypeKeeperRegistered }

func (k *KeeperRegistered) Market() *string { return nil }

func (k *KeeperRegistered) SourceSequence() int64 { return k.Sequence }

func (k *KeeperRegistered) TickAt() int64 { return k.Tick }

// KeeperStakeUpdate adjusts a registered keeper's bonded stake.
type KeeperStakeUpdate struct {
	KeeperID uuid.UUID
	NewStake int64
	Sequence int64
	Tick     int64
}

func (k *KeeperStakeUpdate) IdempotencyKey() string {
	return fmt.Sprintf("stake:%s:%d", k.KeeperID, k.Sequence)
}

func (k *KeeperStakeUpdate) EventType() EventType { return EventTypeKeeperStakeUpdate }

func (k *KeeperStakeUpdate) Market() *string { return nil }

func (k *KeeperStakeUpdate) SourceSequence() int64 { return k.Sequence }

func (k *KeeperStakeUpdate) TickAt() int64 { return k.Tick }

// KeeperStatusUpdate suspends or reactivates a keeper.
type KeeperStatusUpdate struct {
	KeeperID  uuid.UUID
	Suspended bool
	Sequence  int64
	Tick      int64
}

func (k *KeeperStatusUpdate) IdempotencyKey() string {
	return fmt.Sprintf("kstatus:%s:%d", k.KeeperID, k.Sequence)
}

func (k *KeeperStatusUpdate) EventType() EventType { return EventTypeKeeperStatusUpdate }

func (k *KeeperStatusUpdate) Market() *string { return nil }

func (k *KeeperStatusUpdate) SourceSequence() int64 { return k.Sequence }

func (k *KeeperStatusUpdate) TickAt() int64 { return k.Tick }
