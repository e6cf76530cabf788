package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// EventLogWriter writes envelopes and executed liquidation orders to
// Postgres using batch inserts. Multi-row INSERT with ON CONFLICT DO
// NOTHING keeps replays idempotent; switch to pgx CopyFrom if write
// throughput ever becomes the bottleneck.
type EventLogWriter struct {
	db           *sql.DB
	batchSize    int
	flushTimeout time.Duration
}

// EventRow represents a row in event_log.events
type EventRow struct {
	Sequence       int64
	EventType      string
	IdempotencyKey string
	MarketID       *string
	Payload        []byte // JSON-encoded event payload
	StateHash      []byte
	PrevHash       []byte
	Tick           int64
	SourceSequence int64
	Timestamp      time.Time
}

// OrderRow represents a row in event_log.liquidation_orders
type OrderRow struct {
	PositionID string
	KeeperID   string
	MarketID   string
	Amount     int64
	Reward     int64
	Priority   int64
	RiskScore  int16
	Full       bool
	Sequence   int64
	Tick       int64
	Timestamp  time.Time
}

func NewEventLogWriter(db *sql.DB, batchSize int, flushTimeout time.Duration) *EventLogWriter {
	return &EventLogWriter{
		db:           db,
		batchSize:    batchSize,
		flushTimeout: flushTimeout,
	}
}

// WriteEventBatch writes a batch of envelopes to event_log.events inside tx.
func (w *EventLogWriter) WriteEventBatch(ctx context.Context, tx *sql.Tx, events []EventRow) error {
	if len(events) == 0 {
		return nil
	}

	query := `INSERT INTO event_log.events
		(sequence, event_type, idempotency_key, market_id, payload, state_hash, prev_hash, tick, source_sequence, timestamp)
		VALUES `

	values := make([]string, 0, len(events))
	args := make([]interface{}, 0, len(events)*10)

	for i, e := range events {
		base := i * 10
		values = append(values, fmt.Sprintf(
			"($%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5, base+6, base+7, base+8, base+9, base+10,
		))
		args = append(args,
			e.Sequence, e.EventType, e.IdempotencyKey, e.MarketID,
			e.Payload, e.StateHash, e.PrevHash, e.Tick, e.SourceSequence, e.Timestamp,
		)
	}

	query += strings.Join(values, ", ")
	query += " ON CONFLICT (sequence) DO NOTHING" // Idempotent writes

	_, err := tx.ExecContext(ctx, query, args...)
	return err
}

// WriteOrderBatch writes a batch of executed liquidation orders to
// event_log.liquidation_orders inside tx.
func (w *EventLogWriter) WriteOrderBatch(ctx context.Context, tx *sql.Tx, orders []OrderRow) error {
	if len(orders) == 0 {
		return nil
	}

	query := `INSERT INTO event_log.liquidation_orders
		(position_id, keeper_id, market_id, amount, reward, priority, risk_score, full_liquidation, sequence, tick, timestamp)
		VALUES `

	values := make([]string, 0, len(orders))
	args := make([]interface{}, 0, len(orders)*11)

	for i, o := range orders {
		base := i * 11
		values = append(values, fmt.Sprintf(
			"($%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5, base+6, base+7, base+8, base+9, base+10, base+11,
		))
		args = append(args,
			o.PositionID, o.KeeperID, o.MarketID, o.Amount, o.Reward,
			o.Priority, o.RiskScore, o.Full, o.Sequence, o.Tick, o.Timestamp,
		)
	}

	query += strings.Join(values, ", ")
	query += " ON CONFLICT (sequence) DO NOTHING"

	_, err := tx.ExecContext(ctx, query, args...)
	return err
}

// MarshalEventPayload serializes an event payload to JSON for storage.
func MarshalEventPayload(payload interface{}) ([]byte, error) {
	return json.Marshal(payload)
}
