package server

import "github.com/google/uuid"

// StatusResponse summarizes the engine head for dashboards.
type StatusResponse struct {
	Sequence     int64  `json:"sequence"`
	Tick         int64  `json:"tick"`
	BreakerState string `json:"breaker_state"`
	HaltReason   string `json:"halt_reason,omitempty"`
	QueueLength  int    `json:"queue_length"`
	TickBudget   int64  `json:"tick_budget"`
	RewardPool   int64  `json:"reward_pool"`
	Positions    int    `json:"positions"`
	Keepers      int    `json:"keepers"`
	Markets      int    `json:"markets"`
	WSClients    int    `json:"ws_clients"`
	Uptime       string `json:"uptime"`
}

// QueueEntryResponse represents a liquidation queue entry for API queries.
type QueueEntryResponse struct {
	PositionID     uuid.UUID  `json:"position_id"`
	Owner          uuid.UUID  `json:"owner"`
	MarketID       string     `json:"market_id"`
	RiskScore      uint8      `json:"risk_score"`
	DistanceMicros int64      `json:"distance_micros"`
	Priority       uint64     `json:"priority"`
	SubmissionTick int64      `json:"submission_tick"`
	Status         string     `json:"status"`
	ClaimedBy      *uuid.UUID `json:"claimed_by,omitempty"`
}

// QueueStatsResponse summarizes queue composition and lifetime counters.
type QueueStatsResponse struct {
	Depth      int    `json:"depth"`
	Capacity   int    `json:"capacity"`
	Pending    int    `json:"pending"`
	Processing int    `json:"processing"`
	Dropped    uint64 `json:"dropped"`
	Expired    uint64 `json:"expired"`
}

// PositionResponse represents a position for API queries.
type PositionResponse struct {
	ID               uuid.UUID `json:"id"`
	Owner            uuid.UUID `json:"owner"`
	MarketID         string    `json:"market_id"`
	OutcomeIndex     uint8     `json:"outcome_index"`
	Side             string    `json:"side"`
	Size             int64     `json:"size"`
	Leverage         int64     `json:"leverage"`
	EntryPrice       int64     `json:"entry_price"`
	LiquidationPrice int64     `json:"liquidation_price"`
	LiquidatedSize   int64     `json:"liquidated_size"`
	Closed           bool      `json:"closed"`
	RiskScore        uint8     `json:"risk_score"`
	DistanceMicros   int64     `json:"distance_micros"`
	Version          int64     `json:"version"`
}

// KeeperResponse represents a keeper account for API queries.
type KeeperResponse struct {
	KeeperID       uuid.UUID `json:"keeper_id"`
	Stake          int64     `json:"stake"`
	Suspended      bool      `json:"suspended"`
	SuccessCount   uint64    `json:"success_count"`
	FailureCount   uint64    `json:"failure_count"`
	ReliabilityBps int64     `json:"reliability_bps"`
	AccruedReward  int64     `json:"accrued_reward"`
}

// BreakerResponse represents circuit breaker state for API queries.
type BreakerResponse struct {
	State         string             `json:"state"`
	Reason        string             `json:"reason"`
	Severity      string             `json:"severity"`
	HaltStartTick int64              `json:"halt_start_tick"`
	ResumeTick    int64              `json:"resume_tick"`
	CooldownEnd   int64              `json:"cooldown_end"`
	HaltCount     uint64             `json:"halt_count"`
	PriceWindow   []int64            `json:"price_window"`
	History       []HaltHistoryEntry `json:"history,omitempty"`
}

// HaltHistoryEntry is one past halt for API queries.
type HaltHistoryEntry struct {
	Reason    string `json:"reason"`
	Severity  string `json:"severity"`
	StartTick int64  `json:"start_tick"`
	EndTick   int64  `json:"end_tick"`
}

// MarketResponse represents the engine's view of one market.
type MarketResponse struct {
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

// AcceptedResponse acknowledges an event submitted for async processing.
type AcceptedResponse struct {
	Accepted bool   `json:"accepted"`
	Subject  string `json:"subject"`
}

// ErrorResponse is the uniform error body.
type ErrorResponse struct {
	Error string `json:"error"`
}
