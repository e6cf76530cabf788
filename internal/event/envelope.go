package event

// EventType discriminator for event payloads
type EventType int32

const (
	EventTypeUnknown EventType = iota
	EventTypeMarkPriceUpdate
	EventTypeTradeExecuted
	EventTypePositionClosed
	EventTypeSettlementCompleted
	EventTypeRandomnessFulfilled
	EventTypeLiquidationSubmit
	EventTypeRewardClaim
	EventTypeKeeperRegistered
	EventTypeKeeperStakeUpdate
	EventTypeKeeperStatusUpdate
	EventTypeEmergencyShutdown
	EventTypeResumeOperations
	EventTypeRiskAlert
	EventTypeBreakerTransition
	EventTypeLiquidationExecuted
)

// EventEnvelope wraps every event in the log
type EventEnvelope struct {
	// Global monotonic sequence assigned by the engine
	Sequence int64

	// Stable idempotency key from upstream
	IdempotencyKey string

	// Event type discriminator
	EventType EventType

	// Market context (nullable for global events)
	MarketID *string

	// Versioned host-clock tick carried on the event (NOT wall-clock)
	Tick int64

	// Upstream sequence for ordering validation
	SourceSequence int64

	// JSON-encoded event-specific data
	Payload []byte

	// SHA-256 of state AFTER applying this event
	StateHash [32]byte

	// Previous event's state hash (chain integrity)
	PrevHash [32]byte
}

// Event is the interface all event payloads must implement
type Event interface {
	// IdempotencyKey returns the stable dedup key
	IdempotencyKey() string

	// EventType returns the discriminator
	EventType() EventType

	// Market returns the market context (nil for global events)
	Market() *string

	// SourceSequence returns upstream ordering key
	SourceSequence() int64

	// TickAt returns the host-clock tick the event was observed at
	TickAt() int64
}

func (et EventType) String() string {
	switch et {
	case EventTypeMarkPriceUpdate:
		return "MarkPriceUpdate"
	case EventTypeTradeExecuted:
		return "TradeExecuted"
	case EventTypePositionClosed:
		return "PositionClosed"
	case EventTypeSettlementCompleted:
		return "SettlementCompleted"
	case EventTypeRandomnessFulfilled:
		return "RandomnessFulfilled"
	case EventTypeLiquidationSubmit:
		return "LiquidationSubmit"
	case EventTypeRewardClaim:
		return "RewardClaim"
	case EventTypeKeeperRegistered:
		return "KeeperRegistered"
	case EventTypeKeeperStakeUpdate:
		return "KeeperStakeUpdate"
	case EventTypeKeeperStatusUpdate:
		return "KeeperStatusUpdate"
	case EventTypeEmergencyShutdown:
		return "EmergencyShutdown"
	case EventTypeResumeOperations:
		return "ResumeOperations"
	case EventTypeRiskAlert:
		return "RiskAlert"
	case EventTypeBreakerTransition:
		return "BreakerTransition"
	case EventTypeLiquidationExecuted:
		return "LiquidationExecuted"
	default:
		return "Unknown"
	}
}

// Side of a leveraged position
type Side int32

const (
	SideLong Side = iota
	SideShort
)

func (s Side) String() string {
	if s == SideShort {
		return "short"
	}
	return "long"
}

// Sign returns +1 for long, -1 for short
func (s Side) Sign() int64 {
	if s == SideShort {
		return -1
	}
	return 1
}
