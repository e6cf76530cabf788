package persistence

import (
	"context"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/gary322/flashbets-sub012/internal/core"
	"github.com/gary322/flashbets-sub012/internal/event"
	"github.com/gary322/flashbets-sub012/internal/state"
)

// SnapshotManager handles creating and loading state snapshots for recovery.
// Snapshots contain positions, queue entries, keepers and the reward pool,
// circuit breaker state, fair-ordering state, market views, sequence
// counters, recent idempotency keys, and the hash chain tip.
type SnapshotManager struct {
	db *sql.DB
}

// SnapshotData contains the full in-memory state at a point in time.
type SnapshotData struct {
	Sequence        int64                `json:"sequence"`
	Tick            int64                `json:"tick"`
	ChainTip        string               `json:"chain_tip"` // hex SHA-256
	Positions       []PositionSnapshot   `json:"positions"`
	QueueEntries    []QueueEntrySnapshot `json:"queue_entries"`
	Keepers         []KeeperSnapshot     `json:"keepers"`
	RewardPool      int64                `json:"reward_pool"`
	Breaker         BreakerSnapshot      `json:"breaker"`
	Ordering        OrderingSnapshot     `json:"ordering"`
	Markets         []MarketSnapshot     `json:"markets"`
	SequenceState   map[string]int64     `json:"sequence_state"` // partition -> next expected seq
	IdempotencyKeys []string             `json:"idempotency_keys"`
	CreatedAt       time.Time            `json:"created_at"`
}

// PositionSnapshot is a serializable position.
type PositionSnapshot struct {
	ID               string `json:"id"`
	Owner            string `json:"owner"`
	MarketID         string `json:"market_id"`
	OutcomeIndex     uint8  `json:"outcome_index"`
	Side             int32  `json:"side"`
	Size             int64  `json:"size"`
	Notional         int64  `json:"notional"`
	Leverage         int64  `json:"leverage"`
	EntryPrice       int64  `json:"entry_price"`
	LiquidationPrice int64  `json:"liquidation_price"`
	StakeSnapshot    int64  `json:"stake_snapshot"`
	DepthLevel       uint32 `json:"depth_level"`
	OpenedTick       int64  `json:"opened_tick"`
	LiquidatedSize   int64  `json:"liquidated_size"`
	Closed           bool   `json:"closed"`
	RiskScore        uint8  `json:"risk_score"`
	DistanceMicros   int64  `json:"distance_micros"`
	Version          int64  `json:"version"`
}

// QueueEntrySnapshot is a serializable queue entry.
type QueueEntrySnapshot struct {
	PositionID         string  `json:"position_id"`
	Owner              string  `json:"owner"`
	MarketID           string  `json:"market_id"`
	RiskScore          uint8   `json:"risk_score"`
	DistanceMicros     int64   `json:"distance_micros"`
	StakeSnapshot      int64   `json:"stake_snapshot"`
	Priority           uint64  `json:"priority"`
	SubmissionTick     int64   `json:"submission_tick"`
	SubmissionSequence int64   `json:"submission_sequence"`
	Status             int32   `json:"status"`
	ClaimedBy          *string `json:"claimed_by,omitempty"`
}

// KeeperSnapshot is a serializable keeper account.
type KeeperSnapshot struct {
	KeeperID       string `json:"keeper_id"`
	Stake          int64  `json:"stake"`
	Suspended      bool   `json:"suspended"`
	SuccessCount   uint64 `json:"success_count"`
	FailureCount   uint64 `json:"failure_count"`
	AccruedReward  int64  `json:"accrued_reward"`
	RegisteredTick int64  `json:"registered_tick"`
	Version        int64  `json:"version"`
}

// BreakerSnapshot is the serializable circuit breaker state, including the
// rolling price window and the one-shot authority key.
type BreakerSnapshot struct {
	State         int32        `json:"state"`
	Reason        int32        `json:"reason"`
	Severity      int32        `json:"severity"`
	HaltStartTick int64        `json:"halt_start_tick"`
	ResumeTick    int64        `json:"resume_tick"`
	CooldownEnd   int64        `json:"cooldown_end"`
	HaltCount     uint64       `json:"halt_count"`
	History       []HaltRecord `json:"history,omitempty"`
	PriceWindow   []int64      `json:"price_window,omitempty"`
	Authority     *string      `json:"authority,omitempty"`
}

// HaltRecord mirrors one halt history entry.
type HaltRecord struct {
	Reason    int32 `json:"reason"`
	Severity  int32 `json:"severity"`
	StartTick int64 `json:"start_tick"`
	EndTick   int64 `json:"end_tick"`
}

// OrderingSnapshot is the serializable fair-ordering state.
type OrderingSnapshot struct {
	Epoch            uint64 `json:"epoch"`
	NextRequestID    uint64 `json:"next_request_id"`
	PendingRequestID uint64 `json:"pending_request_id"`
	RequestedTick    int64  `json:"requested_tick"`
	HasPending       bool   `json:"has_pending"`
	SeedHex          string `json:"seed_hex"`
	SeedEpoch        uint64 `json:"seed_epoch"`
	BandWidth        uint64 `json:"band_width"`
	Horizon          int64  `json:"horizon"`
}

// MarketSnapshot is a serializable market view.
type MarketSnapshot struct {
	MarketID       string `json:"market_id"`
	MarkPrice      int64  `json:"mark_price"`
	VolatilityBps  int64  `json:"volatility_bps"`
	CoverageBps    int64  `json:"coverage_bps"`
	OpenInterest   int64  `json:"open_interest"`
	TotalStake     int64  `json:"total_stake"`
	Volume         int64  `json:"volume"`
	CapFractionBps int64  `json:"cap_fraction_bps"`
	LastPriceTick  int64  `json:"last_price_tick"`
}

func NewSnapshotManager(db *sql.DB) *SnapshotManager {
	return &SnapshotManager{db: db}
}

// BuildSnapshot captures the engine's full state. Must be called from the
// engine goroutine between events.
func BuildSnapshot(e *core.RiskEngine) *SnapshotData {
	snap := &SnapshotData{
		Sequence:      e.Sequence(),
		Tick:          e.CurrentTick(),
		SequenceState: e.SequenceValidator().Partitions(),
		CreatedAt:     time.Now().UTC(),
	}

	tip := e.Hasher().GetPrevHash()
	snap.ChainTip = hex.EncodeToString(tip[:])

	for _, p := range e.Positions().All() {
		snap.Positions = append(snap.Positions, PositionSnapshot{
			ID:               p.ID.String(),
			Owner:            p.Owner.String(),
			MarketID:         p.MarketID,
			OutcomeIndex:     p.OutcomeIndex,
			Side:             int32(p.Side),
			Size:             p.Size,
			Notional:         p.Notional,
			Leverage:         p.Leverage,
			EntryPrice:       p.EntryPrice,
			LiquidationPrice: p.LiquidationPrice,
			StakeSnapshot:    p.StakeSnapshot,
			DepthLevel:       p.DepthLevel,
			OpenedTick:       p.OpenedTick,
			LiquidatedSize:   p.LiquidatedSize,
			Closed:           p.Closed,
			RiskScore:        p.RiskScore,
			DistanceMicros:   p.DistanceMicros,
			Version:          p.Version,
		})
	}

	for _, en := range e.Queue().Entries() {
		qs := QueueEntrySnapshot{
			PositionID:         en.PositionID.String(),
			Owner:              en.Owner.String(),
			MarketID:           en.MarketID,
			RiskScore:          en.RiskScore,
			DistanceMicros:     en.DistanceMicros,
			StakeSnapshot:      en.StakeSnapshot,
			Priority:           en.Priority,
			SubmissionTick:     en.SubmissionTick,
			SubmissionSequence: en.SubmissionSequence,
			Status:             int32(en.Status),
		}
		if en.ClaimedBy != nil {
			s := en.ClaimedBy.String()
			qs.ClaimedBy = &s
		}
		snap.QueueEntries = append(snap.QueueEntries, qs)
	}

	for _, k := range e.Keepers().All() {
		snap.Keepers = append(snap.Keepers, KeeperSnapshot{
			KeeperID:       k.KeeperID.String(),
			Stake:          k.Stake,
			Suspended:      k.Suspended,
			SuccessCount:   k.SuccessCount,
			FailureCount:   k.FailureCount,
			AccruedReward:  k.AccruedReward,
			RegisteredTick: k.RegisteredTick,
			Version:        k.Version,
		})
	}
	snap.RewardPool = e.Keepers().RewardPool()

	cb := e.Breaker()
	bs := BreakerSnapshot{
		State:         int32(cb.State),
		Reason:        int32(cb.Reason),
		Severity:      int32(cb.Severity),
		HaltStartTick: cb.HaltStartTick,
		ResumeTick:    cb.ResumeTick,
		CooldownEnd:   cb.CooldownEnd,
		HaltCount:     cb.HaltCount,
		PriceWindow:   cb.PriceWindow(),
	}
	for _, h := range cb.History {
		bs.History = append(bs.History, HaltRecord{
			Reason:    int32(h.Reason),
			Severity:  int32(h.Severity),
			StartTick: h.StartTick,
			EndTick:   h.EndTick,
		})
	}
	if cb.Authority != nil {
		s := cb.Authority.String()
		bs.Authority = &s
	}
	snap.Breaker = bs

	ord := e.Ordering()
	snap.Ordering = OrderingSnapshot{
		Epoch:            ord.Epoch,
		NextRequestID:    ord.NextRequestID,
		PendingRequestID: ord.PendingRequestID,
		RequestedTick:    ord.RequestedTick,
		HasPending:       ord.HasPending,
		SeedHex:          hex.EncodeToString(ord.Seed[:]),
		SeedEpoch:        ord.SeedEpoch,
		BandWidth:        ord.BandWidth,
		Horizon:          ord.Horizon,
	}

	for _, mv := range e.Markets() {
		snap.Markets = append(snap.Markets, MarketSnapshot{
			MarketID:       mv.MarketID,
			MarkPrice:      mv.MarkPrice,
			VolatilityBps:  mv.VolatilityBps,
			CoverageBps:    mv.CoverageBps,
			OpenInterest:   mv.OpenInterest,
			TotalStake:     mv.TotalStake,
			Volume:         mv.Volume,
			CapFractionBps: mv.CapFractionBps,
			LastPriceTick:  mv.LastPriceTick,
		})
	}

	return snap
}

// ApplySnapshot restores engine state from a snapshot. Must run before the
// engine processes its first event.
func ApplySnapshot(e *core.RiskEngine, snap *SnapshotData) error {
	e.RestoreSequence(snap.Sequence)
	e.RestoreTick(snap.Tick)

	tipBytes, err := hex.DecodeString(snap.ChainTip)
	if err != nil || len(tipBytes) != 32 {
		return fmt.Errorf("invalid chain tip %q", snap.ChainTip)
	}
	var tip [32]byte
	copy(tip[:], tipBytes)
	e.Hasher().SetPrevHash(tip)

	for _, ps := range snap.Positions {
		id, err := uuid.Parse(ps.ID)
		if err != nil {
			return fmt.Errorf("position id: %w", err)
		}
		owner, err := uuid.Parse(ps.Owner)
		if err != nil {
			return fmt.Errorf("position owner: %w", err)
		}
		e.Positions().Put(&state.Position{
			ID:               id,
			Owner:            owner,
			MarketID:         ps.MarketID,
			OutcomeIndex:     ps.OutcomeIndex,
			Side:             event.Side(ps.Side),
			Size:             ps.Size,
			Notional:         ps.Notional,
			Leverage:         ps.Leverage,
			EntryPrice:       ps.EntryPrice,
			LiquidationPrice: ps.LiquidationPrice,
			StakeSnapshot:    ps.StakeSnapshot,
			DepthLevel:       ps.DepthLevel,
			OpenedTick:       ps.OpenedTick,
			LiquidatedSize:   ps.LiquidatedSize,
			Closed:           ps.Closed,
			RiskScore:        ps.RiskScore,
			DistanceMicros:   ps.DistanceMicros,
			Version:          ps.Version,
		})
	}

	for _, qs := range snap.QueueEntries {
		positionID, err := uuid.Parse(qs.PositionID)
		if err != nil {
			return fmt.Errorf("queue position id: %w", err)
		}
		owner, err := uuid.Parse(qs.Owner)
		if err != nil {
			return fmt.Errorf("queue owner: %w", err)
		}
		entry := &state.QueueEntry{
			PositionID:         positionID,
			Owner:              owner,
			MarketID:           qs.MarketID,
			RiskScore:          qs.RiskScore,
			DistanceMicros:     qs.DistanceMicros,
			StakeSnapshot:      qs.StakeSnapshot,
			Priority:           qs.Priority,
			SubmissionTick:     qs.SubmissionTick,
			SubmissionSequence: qs.SubmissionSequence,
			Status:             state.EntryStatus(qs.Status),
		}
		if qs.ClaimedBy != nil {
			claimer, err := uuid.Parse(*qs.ClaimedBy)
			if err != nil {
				return fmt.Errorf("queue claimer: %w", err)
			}
			entry.ClaimedBy = &claimer
		}
		e.Queue().Upsert(entry)
	}
	e.Queue().SortByPriority()

	for _, ks := range snap.Keepers {
		keeperID, err := uuid.Parse(ks.KeeperID)
		if err != nil {
			return fmt.Errorf("keeper id: %w", err)
		}
		e.Keepers().Restore(&state.KeeperAccount{
			KeeperID:       keeperID,
			Stake:          ks.Stake,
			Suspended:      ks.Suspended,
			SuccessCount:   ks.SuccessCount,
			FailureCount:   ks.FailureCount,
			AccruedReward:  ks.AccruedReward,
			RegisteredTick: ks.RegisteredTick,
			Version:        ks.Version,
		})
	}
	e.Keepers().RestorePool(snap.RewardPool)

	cb := e.Breaker()
	cb.State = state.BreakerState(snap.Breaker.State)
	cb.Reason = state.HaltReason(snap.Breaker.Reason)
	cb.Severity = state.HaltSeverity(snap.Breaker.Severity)
	cb.HaltStartTick = snap.Breaker.HaltStartTick
	cb.ResumeTick = snap.Breaker.ResumeTick
	cb.CooldownEnd = snap.Breaker.CooldownEnd
	cb.HaltCount = snap.Breaker.HaltCount
	cb.SetPriceWindow(snap.Breaker.PriceWindow)
	cb.History = nil
	for _, h := range snap.Breaker.History {
		cb.History = append(cb.History, state.HaltRecord{
			Reason:    state.HaltReason(h.Reason),
			Severity:  state.HaltSeverity(h.Severity),
			StartTick: h.StartTick,
			EndTick:   h.EndTick,
		})
	}
	cb.Authority = nil
	if snap.Breaker.Authority != nil {
		authority, err := uuid.Parse(*snap.Breaker.Authority)
		if err != nil {
			return fmt.Errorf("breaker authority: %w", err)
		}
		cb.Authority = &authority
	}

	seedBytes, err := hex.DecodeString(snap.Ordering.SeedHex)
	if err != nil || len(seedBytes) != 32 {
		return fmt.Errorf("invalid ordering seed %q", snap.Ordering.SeedHex)
	}
	ord := e.Ordering()
	ord.Epoch = snap.Ordering.Epoch
	ord.NextRequestID = snap.Ordering.NextRequestID
	ord.PendingRequestID = snap.Ordering.PendingRequestID
	ord.RequestedTick = snap.Ordering.RequestedTick
	ord.HasPending = snap.Ordering.HasPending
	copy(ord.Seed[:], seedBytes)
	ord.SeedEpoch = snap.Ordering.SeedEpoch
	ord.BandWidth = snap.Ordering.BandWidth
	ord.Horizon = snap.Ordering.Horizon

	for _, ms := range snap.Markets {
		e.RestoreMarket(&core.MarketView{
			MarketID:       ms.MarketID,
			MarkPrice:      ms.MarkPrice,
			VolatilityBps:  ms.VolatilityBps,
			CoverageBps:    ms.CoverageBps,
			OpenInterest:   ms.OpenInterest,
			TotalStake:     ms.TotalStake,
			Volume:         ms.Volume,
			CapFractionBps: ms.CapFractionBps,
			LastPriceTick:  ms.LastPriceTick,
		})
	}

	for partition, seq := range snap.SequenceState {
		e.SequenceValidator().SetExpectedSequence(partition, seq)
	}

	e.Idempotency().WarmFromKeys(snap.IdempotencyKeys)

	return nil
}

// SaveSnapshot persists a snapshot to Postgres. Snapshots are taken
// periodically and verified by replaying events from the snapshot sequence
// forward before being trusted for recovery.
func (sm *SnapshotManager) SaveSnapshot(ctx context.Context, snap *SnapshotData) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}

	snapshotID := uuid.New()
	sizeBytes := len(data)
	formatVersion := int32(1) // v1: JSON-encoded SnapshotData

	_, err = sm.db.ExecContext(ctx, `
		INSERT INTO event_log.snapshots
			(snapshot_id, sequence, data, chain_tip, format_version, size_bytes, verified, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, FALSE, $7)
		ON CONFLICT (sequence) DO UPDATE SET data = $3, chain_tip = $4, size_bytes = $6
	`, snapshotID, snap.Sequence, data, snap.ChainTip, formatVersion, sizeBytes, snap.CreatedAt)

	return err
}

// LoadLatestSnapshot loads the most recent verified snapshot. On warm
// restart, load the latest snapshot then replay events from sequence+1.
func (sm *SnapshotManager) LoadLatestSnapshot(ctx context.Context) (*SnapshotData, error) {
	row := sm.db.QueryRowContext(ctx, `
		SELECT data FROM event_log.snapshots
		WHERE verified = TRUE
		ORDER BY sequence DESC
		LIMIT 1
	`)

	var data []byte
	if err := row.Scan(&data); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil // No snapshot - cold start
		}
		return nil, fmt.Errorf("load snapshot: %w", err)
	}

	var snap SnapshotData
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("unmarshal snapshot: %w", err)
	}

	return &snap, nil
}

// MarkVerified marks a snapshot as verified after integrity check.
func (sm *SnapshotManager) MarkVerified(ctx context.Context, sequence int64) error {
	_, err := sm.db.ExecContext(ctx, `
		UPDATE event_log.snapshots SET verified = TRUE WHERE sequence = $1
	`, sequence)
	return err
}

// LoadEventsFrom loads events from a given sequence for replay. Used for
// warm restart (replay from snapshot) and cold restart (replay all).
func (sm *SnapshotManager) LoadEventsFrom(ctx context.Context, fromSequence int64, limit int) ([]EventRow, error) {
	rows, err := sm.db.QueryContext(ctx, `
		SELECT sequence, event_type, idempotency_key, market_id, payload,
		       state_hash, prev_hash, tick, source_sequence, timestamp
		FROM event_log.events
		WHERE sequence >= $1
		ORDER BY sequence ASC
		LIMIT $2
	`, fromSequence, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []EventRow
	for rows.Next() {
		var e EventRow
		if err := rows.Scan(
			&e.Sequence, &e.EventType, &e.IdempotencyKey, &e.MarketID,
			&e.Payload, &e.StateHash, &e.PrevHash, &e.Tick, &e.SourceSequence, &e.Timestamp,
		); err != nil {
			return nil, err
		}
		events = append(events, e)
	}

	return events, rows.Err()
}

// GetLatestSequence returns the highest sequence in the event log.
func (sm *SnapshotManager) GetLatestSequence(ctx context.Context) (int64, error) {
	var seq sql.NullInt64
	err := sm.db.QueryRowContext(ctx, `
		SELECT MAX(sequence) FROM event_log.events
	`).Scan(&seq)
	if err != nil {
		return 0, err
	}
	if !seq.Valid {
		return 0, nil // Empty event log
	}
	return seq.Int64, nil
}
