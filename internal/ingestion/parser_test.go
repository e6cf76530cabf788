package ingestion_test

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/gary322/flashbets-sub012/internal/event"
	"github.com/gary322/flashbets-sub012/internal/ingestion"
)

func rawFromJSON(t *testing.T, v interface{}) ingestion.RawEvent {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return ingestion.RawEvent{
		Subject:   "test",
		Data:      data,
		Timestamp: time.Now(),
		AckFunc:   func() {},
		NakFunc:   func() {},
	}
}

func TestParseMarkPriceUpdate(t *testing.T) {
	payload := map[string]interface{}{
		"market_id":      "mkt-eth-flip",
		"outcome_index":  uint8(1),
		"mark_price":     int64(940_000),
		"confidence":     int64(5_000),
		"volatility_bps": int64(320),
		"open_interest":  int64(1_000_000_000),
		"coverage_bps":   int64(7_500),
		"price_sequence": int64(100),
		"tick":           int64(42),
	}

	raw := rawFromJSON(t, payload)
	evt, err := ingestion.ParseRawEvent(raw, "MarkPriceUpdate")
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}

	mp, ok := evt.(*event.MarkPriceUpdate)
	if !ok {
		t.Fatalf("expected *event.MarkPriceUpdate, got %T", evt)
	}

	if mp.MarketID != "mkt-eth-flip" {
		t.Errorf("market_id: got %s, want mkt-eth-flip", mp.MarketID)
	}
	if mp.MarkPrice != 940_000 {
		t.Errorf("mark_price: got %d, want 940_000", mp.MarkPrice)
	}
	if mp.VolatilityBps != 320 {
		t.Errorf("volatility_bps: got %d, want 320", mp.VolatilityBps)
	}
	if mp.PriceSequence != 100 {
		t.Errorf("price_sequence: got %d, want 100", mp.PriceSequence)
	}
	if mp.EventType() != event.EventTypeMarkPriceUpdate {
		t.Errorf("event type: got %v, want MarkPriceUpdate", mp.EventType())
	}
}

func TestParseTradeExecuted(t *testing.T) {
	payload := map[string]interface{}{
		"position_id":       "550e8400-e29b-41d4-a716-446655440000",
		"owner":             "660e8400-e29b-41d4-a716-446655440001",
		"market_id":         "mkt-eth-flip",
		"outcome_index":     uint8(0),
		"side":              "short",
		"size":              int64(5_000_000),
		"leverage":          int64(10),
		"entry_price":       int64(1_000_000),
		"liquidation_price": int64(1_095_000),
		"stake_snapshot":    int64(200_000),
		"total_stake":       int64(1_000_000),
		"depth_level":       uint32(3),
		"sequence":          int64(7),
		"tick":              int64(42),
	}

	raw := rawFromJSON(t, payload)
	evt, err := ingestion.ParseRawEvent(raw, "TradeExecuted")
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}

	te, ok := evt.(*event.TradeExecuted)
	if !ok {
		t.Fatalf("expected *event.TradeExecuted, got %T", evt)
	}

	if te.TradeSide != event.SideShort {
		t.Errorf("side: got %v, want SideShort", te.TradeSide)
	}
	if te.Size != 5_000_000 {
		t.Errorf("size: got %d, want 5_000_000", te.Size)
	}
	if te.Leverage != 10 {
		t.Errorf("leverage: got %d, want 10", te.Leverage)
	}
	if te.DepthLevel != 3 {
		t.Errorf("depth_level: got %d, want 3", te.DepthLevel)
	}
	if te.SourceSequence() != 7 {
		t.Errorf("sequence: got %d, want 7", te.SourceSequence())
	}
}

func TestParseRandomnessFulfilled(t *testing.T) {
	payload := map[string]interface{}{
		"request_id":     uint64(3),
		"value_hex":      strings.Repeat("ab", 32),
		"fulfilled_tick": int64(610),
		"sequence":       int64(20),
		"tick":           int64(610),
	}

	raw := rawFromJSON(t, payload)
	evt, err := ingestion.ParseRawEvent(raw, "RandomnessFulfilled")
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}

	rf, ok := evt.(*event.RandomnessFulfilled)
	if !ok {
		t.Fatalf("expected *event.RandomnessFulfilled, got %T", evt)
	}

	if rf.RequestID != 3 {
		t.Errorf("request_id: got %d, want 3", rf.RequestID)
	}
	for i, b := range rf.Value {
		if b != 0xab {
			t.Fatalf("value[%d]: got %x, want ab", i, b)
		}
	}
}

func TestParseRandomnessFulfilled_ShortValue_Fails(t *testing.T) {
	payload := map[string]interface{}{
		"request_id":     uint64(3),
		"value_hex":      "abcd",
		"fulfilled_tick": int64(610),
		"sequence":       int64(20),
		"tick":           int64(610),
	}

	raw := rawFromJSON(t, payload)
	if _, err := ingestion.ParseRawEvent(raw, "RandomnessFulfilled"); err == nil {
		t.Fatal("expected error for 2-byte randomness value")
	}
}

func TestParseLiquidationSubmit(t *testing.T) {
	payload := map[string]interface{}{
		"position_id": "550e8400-e29b-41d4-a716-446655440000",
		"keeper_id":   "770e8400-e29b-41d4-a716-446655440002",
		"sequence":    int64(9),
		"tick":        int64(50),
	}

	raw := rawFromJSON(t, payload)
	evt, err := ingestion.ParseRawEvent(raw, "LiquidationSubmit")
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}

	ls, ok := evt.(*event.LiquidationSubmit)
	if !ok {
		t.Fatalf("expected *event.LiquidationSubmit, got %T", evt)
	}

	if ls.KeeperID.String() != "770e8400-e29b-41d4-a716-446655440002" {
		t.Errorf("keeper_id: got %s", ls.KeeperID)
	}
	if ls.TickAt() != 50 {
		t.Errorf("tick: got %d, want 50", ls.TickAt())
	}
}

func TestParseKeeperRegistered_NonPositiveStake_Fails(t *testing.T) {
	payload := map[string]interface{}{
		"keeper_id": "770e8400-e29b-41d4-a716-446655440002",
		"stake":     int64(0),
		"sequence":  int64(1),
		"tick":      int64(1),
	}

	raw := rawFromJSON(t, payload)
	if _, err := ingestion.ParseRawEvent(raw, "KeeperRegistered"); err == nil {
		t.Fatal("expected error for zero stake")
	}
}

func TestParseEmergencyShutdown(t *testing.T) {
	payload := map[string]interface{}{
		"authority": "880e8400-e29b-41d4-a716-446655440003",
		"sequence":  int64(11),
		"tick":      int64(77),
	}

	raw := rawFromJSON(t, payload)
	evt, err := ingestion.ParseRawEvent(raw, "EmergencyShutdown")
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}

	es, ok := evt.(*event.EmergencyShutdown)
	if !ok {
		t.Fatalf("expected *event.EmergencyShutdown, got %T", evt)
	}
	if es.Authority.String() != "880e8400-e29b-41d4-a716-446655440003" {
		t.Errorf("authority: got %s", es.Authority)
	}
}

func TestParseUnknownEventType_Fails(t *testing.T) {
	raw := ingestion.RawEvent{Data: []byte(`{}`)}
	if _, err := ingestion.ParseRawEvent(raw, "NonExistentType"); err == nil {
		t.Fatal("expected error for unknown event type")
	}
}

func TestParseInvalidJSON_Fails(t *testing.T) {
	raw := ingestion.RawEvent{Data: []byte(`{invalid json`)}
	if _, err := ingestion.ParseRawEvent(raw, "TradeExecuted"); err == nil {
		t.Fatal("expected error for invalid JSON")
	}
}

func TestParseInvalidUUID_Fails(t *testing.T) {
	payload := map[string]interface{}{
		"position_id": "not-a-uuid",
		"keeper_id":   "also-not-a-uuid",
		"sequence":    int64(0),
		"tick":        int64(0),
	}

	raw := rawFromJSON(t, payload)
	if _, err := ingestion.ParseRawEvent(raw, "LiquidationSubmit"); err == nil {
		t.Fatal("expected error for invalid UUID")
	}
}
