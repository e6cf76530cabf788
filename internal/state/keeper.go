package state

import (
	"encoding/binary"
	"fmt"

	"github.com/google/uuid"

	fpmath "github.com/gary322/flashbets-sub012/internal/math"
)

// KeeperAccount is a registered liquidation executor and its track record.
// Stats are writable only through the registry, never by the keeper.
type KeeperAccount struct {
	KeeperID       uuid.UUID
	Stake          int64
	Suspended      bool
	SuccessCount   uint64
	FailureCount   uint64
	AccruedReward  int64
	RegisteredTick int64
	Version        int64
}

// ReliabilityBps is successes over total attempts in basis points. A keeper
// with no attempts scores full reliability.
func (k *KeeperAccount) ReliabilityBps() int64 {
	total := k.SuccessCount + k.FailureCount
	if total == 0 {
		return fpmath.BpsDenominator
	}
	raw := fpmath.MultiplyInt128(int64(k.SuccessCount), fpmath.BpsDenominator)
	return fpmath.DivideInt128(raw, int64(total), fpmath.RoundDown)
}

// Active reports whether the keeper may claim liquidations.
func (k *KeeperAccount) Active() bool {
	return !k.Suspended
}

// CanonicalBytes returns deterministic serialization for hashing
func (k *KeeperAccount) CanonicalBytes() []byte {
	buf := make([]byte, 0, 80)

	buf = append(buf, k.KeeperID[:]...)
	buf = binary.BigEndian.AppendUint64(buf, uint64(k.Stake))
	if k.Suspended {
		buf = append(buf, 1)
	} else {
		buf = append(buf, 0)
	}
	buf = binary.BigEndian.AppendUint64(buf, k.SuccessCount)
	buf = binary.BigEndian.AppendUint64(buf, k.FailureCount)
	buf = binary.BigEndian.AppendUint64(buf, uint64(k.AccruedReward))
	buf = binary.BigEndian.AppendUint64(buf, uint64(k.RegisteredTick))
	buf = binary.BigEndian.AppendUint64(buf, uint64(k.Version))

	return buf
}

// KeeperRegistry tracks keepers and the shared reward pool they draw from.
type KeeperRegistry struct {
	keepers    map[uuid.UUID]*KeeperAccount
	rewardPool int64
}

func NewKeeperRegistry() *KeeperRegistry {
	return &KeeperRegistry{
		keepers: make(map[uuid.UUID]*KeeperAccount),
	}
}

// Get returns the keeper or nil
func (r *KeeperRegistry) Get(id uuid.UUID) *KeeperAccount {
	return r.keepers[id]
}

// Register enrolls a new keeper with its bonded stake.
func (r *KeeperRegistry) Register(id uuid.UUID, stake, tick int64) (*KeeperAccount, error) {
	if _, ok := r.keepers[id]; ok {
		return nil, fmt.Errorf("keeper already registered: %s", id)
	}
	if stake <= 0 {
		return nil, fmt.Errorf("keeper stake must be positive, got %d", stake)
	}
	k := &KeeperAccount{
		KeeperID:       id,
		Stake:          stake,
		RegisteredTick: tick,
	}
	r.keepers[id] = k
	return k, nil
}

// SetStake adjusts a keeper's bonded stake.
func (r *KeeperRegistry) SetStake(id uuid.UUID, stake int64) error {
	k, ok := r.keepers[id]
	if !ok {
		return fmt.Errorf("unknown keeper: %s", id)
	}
	if stake < 0 {
		return fmt.Errorf("keeper stake must be non-negative, got %d", stake)
	}
	k.Stake = stake
	k.Version++
	return nil
}

// SetSuspended flips a keeper's suspension flag.
func (r *KeeperRegistry) SetSuspended(id uuid.UUID, suspended bool) error {
	k, ok := r.keepers[id]
	if !ok {
		return fmt.Errorf("unknown keeper: %s", id)
	}
	k.Suspended = suspended
	k.Version++
	return nil
}

// RecordSuccess credits an executed liquidation and accrues the reward.
func (r *KeeperRegistry) RecordSuccess(id uuid.UUID, reward int64) {
	k, ok := r.keepers[id]
	if !ok {
		return
	}
	k.SuccessCount++
	k.AccruedReward += reward
	k.Version++
}

// RecordFailure debits a failed attempt.
func (r *KeeperRegistry) RecordFailure(id uuid.UUID) {
	k, ok := r.keepers[id]
	if !ok {
		return
	}
	k.FailureCount++
	k.Version++
}

// Claim zeroes and returns a keeper's accrued reward balance.
func (r *KeeperRegistry) Claim(id uuid.UUID) (int64, error) {
	k, ok := r.keepers[id]
	if !ok {
		return 0, fmt.Errorf("unknown keeper: %s", id)
	}
	amount := k.AccruedReward
	k.AccruedReward = 0
	k.Version++
	return amount, nil
}

// HasActiveKeepers reports whether any keeper can claim work.
func (r *KeeperRegistry) HasActiveKeepers() bool {
	for _, k := range r.keepers {
		if k.Active() {
			return true
		}
	}
	return false
}

// Count returns the number of registered keepers
func (r *KeeperRegistry) Count() int {
	return len(r.keepers)
}

// All returns every keeper, in unspecified order.
func (r *KeeperRegistry) All() []*KeeperAccount {
	out := make([]*KeeperAccount, 0, len(r.keepers))
	for _, k := range r.keepers {
		out = append(out, k)
	}
	return out
}

// FundRewardPool adds to the shared bounty pool.
func (r *KeeperRegistry) FundRewardPool(amount int64) {
	if amount > 0 {
		r.rewardPool += amount
	}
}

// DrawReward takes up to amount from the pool, truncating to whatever
// balance remains. Pool insufficiency is not an error.
func (r *KeeperRegistry) DrawReward(amount int64) int64 {
	if amount <= 0 {
		return 0
	}
	if amount > r.rewardPool {
		amount = r.rewardPool
	}
	r.rewardPool = fpmath.SaturatingSub(r.rewardPool, amount)
	return amount
}

// RewardPool returns the current pool balance
func (r *KeeperRegistry) RewardPool() int64 {
	return r.rewardPool
}

// Restore installs a keeper account verbatim, bypassing registration
// validation. Used only during snapshot recovery.
func (r *KeeperRegistry) Restore(k *KeeperAccount) {
	r.keepers[k.KeeperID] = k
}

// RestorePool sets the reward pool balance during snapshot recovery.
func (r *KeeperRegistry) RestorePool(balance int64) {
	if balance < 0 {
		balance = 0
	}
	r.rewardPool = balance
}
