package ingestion

import (
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/gary322/flashbets-sub012/internal/event"
)

// ParseRawEvent converts a RawEvent (JSON bytes + event type string) into a
// typed event.Event. The shell validates and converts before anything
// reaches the engine.
func ParseRawEvent(raw RawEvent, eventType string) (event.Event, error) {
	switch eventType {
	case "MarkPriceUpdate":
		return parseMarkPriceUpdate(raw.Data)
	case "TradeExecuted":
		return parseTradeExecuted(raw.Data)
	case "PositionClosed":
		return parsePositionClosed(raw.Data)
	case "SettlementCompleted":
		return parseSettlementCompleted(raw.Data)
	case "RandomnessFulfilled":
		return parseRandomnessFulfilled(raw.Data)
	case "LiquidationSubmit":
		return parseLiquidationSubmit(raw.Data)
	case "RewardClaim":
		return parseRewardClaim(raw.Data)
	case "KeeperRegistered":
		return parseKeeperRegistered(raw.Data)
	case "KeeperStakeUpdate":
		return parseKeeperStakeUpdate(raw.Data)
	case "KeeperStatusUpdate":
		return parseKeeperStatusUpdate(raw.Data)
	case "EmergencyShutdown":
		return parseEmergencyShutdown(raw.Data)
	case "ResumeOperations":
		return parseResumeOperations(raw.Data)
	default:
		return nil, fmt.Errorf("unknown event type: %s", eventType)
	}
}

// --- JSON wire formats ---
// Field names use snake_case to match upstream producers.

type markPriceUpdateJSON struct {
	MarketID      string `json:"market_id"`
	OutcomeIndex  uint8  `json:"outcome_index"`
	MarkPrice     int64  `json:"mark_price"`
	Confidence    int64  `json:"confidence"`
	VolatilityBps int64  `json:"volatility_bps"`
	OpenInterest  int64  `json:"open_interest"`
	CoverageBps   int64  `json:"coverage_bps"`
	PriceSequence int64  `json:"price_sequence"`
	Tick          int64  `json:"tick"`
}

func parseMarkPriceUpdate(data []byte) (*event.MarkPriceUpdate, error) {
	var j markPriceUpdateJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse MarkPriceUpdate: %w", err)
	}
	if j.MarketID == "" {
		return nil, fmt.Errorf("parse MarkPriceUpdate: empty market_id")
	}
	if j.MarkPrice <= 0 {
		return nil, fmt.Errorf("parse MarkPriceUpdate: non-positive mark_price %d", j.MarkPrice)
	}
	return &event.MarkPriceUpdate{
		MarketID:      j.MarketID,
		OutcomeIndex:  j.OutcomeIndex,
		MarkPrice:     j.MarkPrice,
		Confidence:    j.Confidence,
		VolatilityBps: j.VolatilityBps,
		OpenInterest:  j.OpenInterest,
		CoverageBps:   j.CoverageBps,
		PriceSequence: j.PriceSequence,
		Tick:          j.Tick,
	}, nil
}

type tradeExecutedJSON struct {
	PositionID       string `json:"position_id"`
	Owner            string `json:"owner"`
	MarketID         string `json:"market_id"`
	OutcomeIndex     uint8  `json:"outcome_index"`
	Side             string `json:"side"` // "long" or "short"
	Size             int64  `json:"size"`
	Leverage         int64  `json:"leverage"`
	EntryPrice       int64  `json:"entry_price"`
	LiquidationPrice int64  `json:"liquidation_price"`
	StakeSnapshot    int64  `json:"stake_snapshot"`
	TotalStake       int64  `json:"total_stake"`
	DepthLevel       uint32 `json:"depth_level"`
	Sequence         int64  `json:"sequence"`
	Tick             int64  `json:"tick"`
}

func parseTradeExecuted(data []byte) (*event.TradeExecuted, error) {
	var j tradeExecutedJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse TradeExecuted: %w", err)
	}
	positionID, err := uuid.Parse(j.PositionID)
	if err != nil {
		return nil, fmt.Errorf("parse position_id: %w", err)
	}
	owner, err := uuid.Parse(j.Owner)
	if err != nil {
		return nil, fmt.Errorf("parse owner: %w", err)
	}
	if j.Size <= 0 {
		return nil, fmt.Errorf("parse TradeExecuted: non-positive size %d", j.Size)
	}
	if j.Leverage <= 0 {
		return nil, fmt.Errorf("parse TradeExecuted: non-positive leverage %d", j.Leverage)
	}

	side := event.SideLong
	if j.Side == "short" {
		side = event.SideShort
	}

	return &event.TradeExecuted{
		PositionID:       positionID,
		Owner:            owner,
		MarketID:         j.MarketID,
		OutcomeIndex:     j.OutcomeIndex,
		TradeSide:        side,
		Size:             j.Size,
		Leverage:         j.Leverage,
		EntryPrice:       j.EntryPrice,
		LiquidationPrice: j.LiquidationPrice,
		StakeSnapshot:    j.StakeSnapshot,
		TotalStake:       j.TotalStake,
		DepthLevel:       j.DepthLevel,
		Sequence:         j.Sequence,
		Tick:             j.Tick,
	}, nil
}

type positionClosedJSON struct {
	PositionID string `json:"position_id"`
	Owner      string `json:"owner"`
	MarketID   string `json:"market_id"`
	Sequence   int64  `json:"sequence"`
	Tick       int64  `json:"tick"`
}

func parsePositionClosed(data []byte) (*event.PositionClosed, error) {
	var j positionClosedJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse PositionClosed: %w", err)
	}
	positionID, err := uuid.Parse(j.PositionID)
	if err != nil {
		return nil, fmt.Errorf("parse position_id: %w", err)
	}
	owner, err := uuid.Parse(j.Owner)
	if err != nil {
		return nil, fmt.Errorf("parse owner: %w", err)
	}
	return &event.PositionClosed{
		PositionID: positionID,
		Owner:      owner,
		MarketID:   j.MarketID,
		Sequence:   j.Sequence,
		Tick:       j.Tick,
	}, nil
}

type settlementCompletedJSON struct {
	MarketID     string `json:"market_id"`
	OutcomeIndex uint8  `json:"outcome_index"`
	Sequence     int64  `json:"sequence"`
	Tick         int64  `json:"tick"`
}

func parseSettlementCompleted(data []byte) (*event.SettlementCompleted, error) {
	var j settlementCompletedJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse SettlementCompleted: %w", err)
	}
	if j.MarketID == "" {
		return nil, fmt.Errorf("parse SettlementCompleted: empty market_id")
	}
	return &event.SettlementCompleted{
		MarketID:     j.MarketID,
		OutcomeIndex: j.OutcomeIndex,
		Sequence:     j.Sequence,
		Tick:         j.Tick,
	}, nil
}

type randomnessFulfilledJSON struct {
	RequestID     uint64 `json:"request_id"`
	ValueHex      string `json:"value_hex"` // 64 hex chars, 32 bytes
	FulfilledTick int64  `json:"fulfilled_tick"`
	Sequence      int64  `json:"sequence"`
	Tick          int64  `json:"tick"`
}

func parseRandomnessFulfilled(data []byte) (*event.RandomnessFulfilled, error) {
	var j randomnessFulfilledJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse RandomnessFulfilled: %w", err)
	}
	decoded, err := hex.DecodeString(j.ValueHex)
	if err != nil {
		return nil, fmt.Errorf("parse value_hex: %w", err)
	}
	if len(decoded) != 32 {
		return nil, fmt.Errorf("parse value_hex: got %d bytes, want 32", len(decoded))
	}
	var value [32]byte
	copy(value[:], decoded)

	return &event.RandomnessFulfilled{
		RequestID:     j.RequestID,
		Value:         value,
		FulfilledTick: j.FulfilledTick,
		Sequence:      j.Sequence,
		Tick:          j.Tick,
	}, nil
}

type liquidationSubmitJSON struct {
	PositionID string `json:"position_id"`
	KeeperID   string `json:"keeper_id"`
	Sequence   int64  `json:"sequence"`
	Tick       int64  `json:"tick"`
}

func parseLiquidationSubmit(data []byte) (*event.LiquidationSubmit, error) {
	var j liquidationSubmitJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse LiquidationSubmit: %w", err)
	}
	positionID, err := uuid.Parse(j.PositionID)
	if err != nil {
		return nil, fmt.Errorf("parse position_id: %w", err)
	}
	keeperID, err := uuid.Parse(j.KeeperID)
	if err != nil {
		return nil, fmt.Errorf("parse keeper_id: %w", err)
	}
	return &event.LiquidationSubmit{
		PositionID: positionID,
		KeeperID:   keeperID,
		Sequence:   j.Sequence,
		Tick:       j.Tick,
	}, nil
}

type rewardClaimJSON struct {
	KeeperID string `json:"keeper_id"`
	Sequence int64  `json:"sequence"`
	Tick     int64  `json:"tick"`
}

func parseRewardClaim(data []byte) (*event.RewardClaim, error) {
	var j rewardClaimJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse RewardClaim: %w", err)
	}
	keeperID, err := uuid.Parse(j.KeeperID)
	if err != nil {
		return nil, fmt.Errorf("parse keeper_id: %w", err)
	}
	return &event.RewardClaim{
		KeeperID: keeperID,
		Sequence: j.Sequence,
		Tick:     j.Tick,
	}, nil
}

type keeperRegisteredJSON struct {
	KeeperID string `json:"keeper_id"`
	Stake    int64  `json:"stake"`
	Sequence int64  `json:"sequence"`
	Tick     int64  `json:"tick"`
}

func parseKeeperRegistered(data []byte) (*event.KeeperRegistered, error) {
	var j keeperRegisteredJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse KeeperRegistered: %w", err)
	}
	keeperID, err := uuid.Parse(j.KeeperID)
	if err != nil {
		return nil, fmt.Errorf("parse keeper_id: %w", err)
	}
	if j.Stake <= 0 {
		return nil, fmt.Errorf("parse KeeperRegistered: non-positive stake %d", j.Stake)
	}
	return &event.KeeperRegistered{
		KeeperID: keeperID,
		Stake:    j.Stake,
		Sequence: j.Sequence,
		Tick:     j.Tick,
	}, nil
}

type keeperStakeUpdateJSON struct {
	KeeperID string `json:"keeper_id"`
	NewStake int64  `json:"new_stake"`
	Sequence int64  `json:"sequence"`
	Tick     int64  `json:"tick"`
}

func parseKeeperStakeUpdate(data []byte) (*event.KeeperStakeUpdate, error) {
	var j keeperStakeUpdateJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse KeeperStakeUpdate: %w", err)
	}
	keeperID, err := uuid.Parse(j.KeeperID)
	if err != nil {
		return nil, fmt.Errorf("parse keeper_id: %w", err)
	}
	return &event.KeeperStakeUpdate{
		KeeperID: keeperID,
		NewStake: j.NewStake,
		Sequence: j.Sequence,
		Tick:     j.Tick,
	}, nil
}

type keeperStatusUpdateJSON struct {
	KeeperID  string `json:"keeper_id"`
	Suspended bool   `json:"suspended"`
	Sequence  int64  `json:"sequence"`
	Tick      int64  `json:"tick"`
}

func parseKeeperStatusUpdate(data []byte) (*event.KeeperStatusUpdate, error) {
	var j keeperStatusUpdateJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse KeeperStatusUpdate: %w", err)
	}
	keeperID, err := uuid.Parse(j.KeeperID)
	if err != nil {
		return nil, fmt.Errorf("parse keeper_id: %w", err)
	}
	return &event.KeeperStatusUpdate{
		KeeperID:  keeperID,
		Suspended: j.Suspended,
		Sequence:  j.Sequence,
		Tick:      j.Tick,
	}, nil
}

type adminActionJSON struct {
	Authority string `json:"authority"`
	Sequence  int64  `json:"sequence"`
	Tick      int64  `json:"tick"`
}

func parseEmergencyShutdown(data []byte) (*event.EmergencyShutdown, error) {
	var j adminActionJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse EmergencyShutdown: %w", err)
	}
	authority, err := uuid.Parse(j.Authority)
	if err != nil {
		return nil, fmt.Errorf("parse authority: %w", err)
	}
	return &event.EmergencyShutdown{
		Authority: authority,
		Sequence:  j.Sequence,
		Tick:      j.Tick,
	}, nil
}

func parseResumeOperations(data []byte) (*event.ResumeOperations, error) {
	var j adminActionJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse ResumeOperations: %w", err)
	}
	authority, err := uuid.Parse(j.Authority)
	if err != nil {
		return nil, fmt.Errorf("parse authority: %w", err)
	}
	return &event.ResumeOperations{
		Authority: authority,
		Sequence:  j.Sequence,
		Tick:      j.Tick,
	}, nil
}
