package server_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/gary322/flashbets-sub012/internal/core"
	"github.com/gary322/flashbets-sub012/internal/event"
	"github.com/gary322/flashbets-sub012/internal/projection"
	"github.com/gary322/flashbets-sub012/internal/server"
	"github.com/gary322/flashbets-sub012/internal/state"
)

type recordingPublisher struct {
	subjects []string
	payloads [][]byte
	err      error
}

func (p *recordingPublisher) Publish(ctx context.Context, subject string, data []byte) error {
	if p.err != nil {
		return p.err
	}
	p.subjects = append(p.subjects, subject)
	p.payloads = append(p.payloads, data)
	return nil
}

type fixture struct {
	engine    *core.RiskEngine
	store     *projection.Store
	publisher *recordingPublisher
	router    http.Handler
	authority uuid.UUID
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	authority := uuid.New()
	engine := core.NewRiskEngine(core.DefaultEngineConfig(), 0, &authority, nil, nil, nil, nil, zerolog.Nop())
	store := projection.NewStore()
	publisher := &recordingPublisher{}

	// The real orchestrator bridges inspections onto the engine loop;
	// tests run them inline since nothing else touches the engine.
	inspect := func(fn func(e *core.RiskEngine)) error {
		fn(engine)
		return nil
	}

	srv := server.NewHTTPServer(":0", &server.Deps{
		Store:     store,
		Inspect:   inspect,
		Publisher: publisher,
		Log:       zerolog.Nop(),
	})

	return &fixture{
		engine:    engine,
		store:     store,
		publisher: publisher,
		router:    srv.Router(),
		authority: authority,
	}
}

func (f *fixture) get(t *testing.T, path string, out interface{}) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest("GET", path, nil)
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	if out != nil && rec.Code == http.StatusOK {
		if err := json.Unmarshal(rec.Body.Bytes(), out); err != nil {
			t.Fatalf("decode %s response: %v", path, err)
		}
	}
	return rec
}

func (f *fixture) post(t *testing.T, path string, body []byte) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest("POST", path, bytes.NewReader(body))
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func addPosition(f *fixture, marketID string, score uint8) *state.Position {
	p := &state.Position{
		ID:               uuid.New(),
		Owner:            uuid.New(),
		MarketID:         marketID,
		Side:             event.SideLong,
		Size:             2_000_000,
		Leverage:         10,
		EntryPrice:       950_000,
		LiquidationPrice: 900_000,
		RiskScore:        score,
		DistanceMicros:   52_000,
	}
	f.engine.Positions().Put(p)
	return p
}

func TestStatusEndpoint(t *testing.T) {
	f := newFixture(t)
	addPosition(f, "mkt-a", 50)

	var resp server.StatusResponse
	rec := f.get(t, "/api/v1/status", &resp)
	if rec.Code != http.StatusOK {
		t.Fatalf("status code: got %d, want 200", rec.Code)
	}
	if resp.BreakerState != "Active" {
		t.Errorf("breaker state: got %q, want Active", resp.BreakerState)
	}
	if resp.HaltReason != "" {
		t.Errorf("halt reason: got %q, want empty while active", resp.HaltReason)
	}
	if resp.Positions != 1 {
		t.Errorf("positions: got %d, want 1", resp.Positions)
	}
}

func TestPositionLookup(t *testing.T) {
	f := newFixture(t)
	p := addPosition(f, "mkt-a", 90)

	var resp server.PositionResponse
	rec := f.get(t, "/api/v1/positions/"+p.ID.String(), &resp)
	if rec.Code != http.StatusOK {
		t.Fatalf("status code: got %d, want 200", rec.Code)
	}
	if resp.ID != p.ID || resp.RiskScore != 90 || resp.Side != "long" {
		t.Errorf("unexpected position view: %+v", resp)
	}

	if rec := f.get(t, "/api/v1/positions/"+uuid.New().String(), nil); rec.Code != http.StatusNotFound {
		t.Errorf("unknown id: got %d, want 404", rec.Code)
	}
	if rec := f.get(t, "/api/v1/positions/not-a-uuid", nil); rec.Code != http.StatusBadRequest {
		t.Errorf("bad id: got %d, want 400", rec.Code)
	}
}

func TestPositionsFilteredByMarket(t *testing.T) {
	f := newFixture(t)
	addPosition(f, "mkt-a", 30)
	addPosition(f, "mkt-a", 80)
	addPosition(f, "mkt-b", 55)

	var resp []server.PositionResponse
	f.get(t, "/api/v1/positions?market=mkt-a", &resp)
	if len(resp) != 2 {
		t.Fatalf("filtered positions: got %d, want 2", len(resp))
	}
	if resp[0].RiskScore < resp[1].RiskScore {
		t.Errorf("positions not sorted by risk score descending: %d then %d",
			resp[0].RiskScore, resp[1].RiskScore)
	}
}

func TestKeeperEndpoints(t *testing.T) {
	f := newFixture(t)
	k1 := uuid.New()
	if _, err := f.engine.Keepers().Register(k1, 50_000, 1); err != nil {
		t.Fatalf("register keeper: %v", err)
	}
	if _, err := f.engine.Keepers().Register(uuid.New(), 80_000, 1); err != nil {
		t.Fatalf("register keeper: %v", err)
	}

	var list []server.KeeperResponse
	f.get(t, "/api/v1/keepers", &list)
	if len(list) != 2 {
		t.Fatalf("keepers: got %d, want 2", len(list))
	}

	var one server.KeeperResponse
	rec := f.get(t, "/api/v1/keepers/"+k1.String(), &one)
	if rec.Code != http.StatusOK {
		t.Fatalf("status code: got %d, want 200", rec.Code)
	}
	if one.Stake != 50_000 {
		t.Errorf("stake: got %d, want 50_000", one.Stake)
	}
	if one.ReliabilityBps != 10_000 {
		t.Errorf("fresh keeper reliability: got %d, want 10_000", one.ReliabilityBps)
	}
}

func TestBreakerEndpointAfterShutdown(t *testing.T) {
	f := newFixture(t)
	if err := f.engine.Breaker().EmergencyShutdown(f.authority); err != nil {
		t.Fatalf("shutdown: %v", err)
	}

	var resp server.BreakerResponse
	f.get(t, "/api/v1/breaker", &resp)
	if resp.State != "EmergencyShutdown" {
		t.Errorf("state: got %q, want EmergencyShutdown", resp.State)
	}
	if resp.Reason != "Emergency" {
		t.Errorf("reason: got %q, want Emergency", resp.Reason)
	}
}

func TestSubmitLiquidationForwardsToStream(t *testing.T) {
	f := newFixture(t)

	body := []byte(fmt.Sprintf(`{"position_id":%q,"keeper_id":%q,"sequence":10,"tick":5}`,
		uuid.New(), uuid.New()))
	rec := f.post(t, "/api/v1/liquidations", body)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status code: got %d, want 202 (body %s)", rec.Code, rec.Body.String())
	}

	if len(f.publisher.subjects) != 1 || f.publisher.subjects[0] != "risk.keeper.submit.api" {
		t.Fatalf("published subjects: got %v", f.publisher.subjects)
	}
	if !bytes.Equal(f.publisher.payloads[0], body) {
		t.Errorf("published payload differs from submitted body")
	}
}

func TestSubmitRejectsInvalidBody(t *testing.T) {
	f := newFixture(t)

	rec := f.post(t, "/api/v1/liquidations", []byte(`{"position_id":"nope"}`))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("bad uuid: got %d, want 400", rec.Code)
	}
	rec = f.post(t, "/api/v1/admin/shutdown", []byte(`not json`))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("garbage body: got %d, want 400", rec.Code)
	}
	if len(f.publisher.subjects) != 0 {
		t.Errorf("rejected submissions must not publish, got %v", f.publisher.subjects)
	}
}

func TestAdminResumeForwardsToStream(t *testing.T) {
	f := newFixture(t)

	body := []byte(fmt.Sprintf(`{"authority":%q,"sequence":3,"tick":2}`, f.authority))
	rec := f.post(t, "/api/v1/admin/resume", body)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status code: got %d, want 202 (body %s)", rec.Code, rec.Body.String())
	}
	if f.publisher.subjects[0] != "risk.admin.resume" {
		t.Errorf("subject: got %q, want risk.admin.resume", f.publisher.subjects[0])
	}
}

func TestOrdersEndpointServesProjection(t *testing.T) {
	f := newFixture(t)
	for i := 0; i < 3; i++ {
		f.store.Apply(core.CoreOutput{
			Envelope: &event.EventEnvelope{Sequence: int64(i + 1), Tick: int64(i + 1)},
			Order: &core.LiquidationOrder{
				PositionID: uuid.New(),
				MarketID:   "mkt-a",
				Amount:     1_000,
			},
		})
	}

	var orders []core.LiquidationOrder
	f.get(t, "/api/v1/orders?limit=2", &orders)
	if len(orders) != 2 {
		t.Fatalf("orders: got %d, want 2", len(orders))
	}

	var stats projection.StoreStats
	f.get(t, "/api/v1/stats", &stats)
	if stats.OrdersSeen != 3 {
		t.Errorf("orders seen: got %d, want 3", stats.OrdersSeen)
	}
}
