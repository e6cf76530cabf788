package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/gary322/flashbets-sub012/internal/core"
	"github.com/gary322/flashbets-sub012/internal/ingestion"
	"github.com/gary322/flashbets-sub012/internal/observability"
	"github.com/gary322/flashbets-sub012/internal/projection"
	"github.com/gary322/flashbets-sub012/internal/state"
)

// Inspector runs a read-only closure against the engine between events.
// The orchestrator bridges it onto the single-threaded engine loop, so the
// closure must not retain references past its return.
type Inspector func(fn func(e *core.RiskEngine)) error

// Publisher forwards externally submitted events into the ingestion
// streams. JetStream satisfies this.
type Publisher interface {
	Publish(ctx context.Context, subject string, data []byte) error
}

// Deps wires the HTTP server to the rest of the process.
type Deps struct {
	Store     *projection.Store
	Inspect   Inspector
	Publisher Publisher
	Health    *observability.HealthChecker
	Hub       *Hub
	StartTime time.Time
	Log       zerolog.Logger
}

// HTTPServer is the query and submission surface: engine inspection
// endpoints, keeper submission endpoints that forward into NATS, and the
// websocket live feed.
type HTTPServer struct {
	addr string
	deps *Deps
	log  zerolog.Logger
}

func NewHTTPServer(addr string, deps *Deps) *HTTPServer {
	return &HTTPServer{
		addr: addr,
		deps: deps,
		log:  deps.Log.With().Str("component", "http").Logger(),
	}
}

// Router builds the full route table.
func (s *HTTPServer) Router() *mux.Router {
	router := mux.NewRouter()

	api := router.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/status", s.handleStatus).Methods("GET")
	api.HandleFunc("/queue", s.handleQueue).Methods("GET")
	api.HandleFunc("/queue/stats", s.handleQueueStats).Methods("GET")
	api.HandleFunc("/positions", s.handlePositions).Methods("GET")
	api.HandleFunc("/positions/{id}", s.handlePosition).Methods("GET")
	api.HandleFunc("/keepers", s.handleKeepers).Methods("GET")
	api.HandleFunc("/keepers/{id}", s.handleKeeper).Methods("GET")
	api.HandleFunc("/breaker", s.handleBreaker).Methods("GET")
	api.HandleFunc("/markets", s.handleMarkets).Methods("GET")
	api.HandleFunc("/orders", s.handleOrders).Methods("GET")
	api.HandleFunc("/stats", s.handleStats).Methods("GET")

	api.HandleFunc("/liquidations", s.submitHandler("LiquidationSubmit", "risk.keeper.submit.api")).Methods("POST")
	api.HandleFunc("/claims", s.submitHandler("RewardClaim", "risk.keeper.claim.api")).Methods("POST")
	api.HandleFunc("/admin/shutdown", s.submitHandler("EmergencyShutdown", "risk.admin.shutdown")).Methods("POST")
	api.HandleFunc("/admin/resume", s.submitHandler("ResumeOperations", "risk.admin.resume")).Methods("POST")

	if s.deps.Hub != nil {
		router.HandleFunc("/ws/stream", func(w http.ResponseWriter, r *http.Request) {
			ServeWS(s.deps.Hub, w, r)
		})
	}

	if s.deps.Health != nil {
		router.HandleFunc("/healthz", s.deps.Health.LivenessHandler).Methods("GET")
		router.HandleFunc("/readyz", s.deps.Health.ReadinessHandler).Methods("GET")
	}
	router.Handle("/metrics", promhttp.Handler()).Methods("GET")

	return router
}

// Start runs the server until ctx is cancelled.
func (s *HTTPServer) Start(ctx context.Context) error {
	srv := &http.Server{
		Addr:         s.addr,
		Handler:      s.Router(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutCtx)
	}()

	s.log.Info().Str("addr", s.addr).Msg("http server listening")
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// --- Query handlers ---

func (s *HTTPServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	var resp StatusResponse
	err := s.deps.Inspect(func(e *core.RiskEngine) {
		cb := e.Breaker()
		resp = StatusResponse{
			Sequence:     e.Sequence(),
			Tick:         e.CurrentTick(),
			BreakerState: cb.State.String(),
			QueueLength:  e.Queue().Len(),
			TickBudget:   e.TickBudget(),
			RewardPool:   e.Keepers().RewardPool(),
			Positions:    e.Positions().Count(),
			Keepers:      e.Keepers().Count(),
			Markets:      len(e.Markets()),
		}
		if cb.Reason != state.HaltReasonNone {
			resp.HaltReason = cb.Reason.String()
		}
	})
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err)
		return
	}
	if s.deps.Hub != nil {
		resp.WSClients = s.deps.Hub.ClientCount()
	}
	resp.Uptime = time.Since(s.deps.StartTime).Round(time.Second).String()
	writeJSON(w, http.StatusOK, resp)
}

func (s *HTTPServer) handleQueue(w http.ResponseWriter, r *http.Request) {
	var entries []QueueEntryResponse
	err := s.deps.Inspect(func(e *core.RiskEngine) {
		for _, entry := range e.Queue().Entries() {
			entries = append(entries, QueueEntryResponse{
				PositionID:     entry.PositionID,
				Owner:          entry.Owner,
				MarketID:       entry.MarketID,
				RiskScore:      entry.RiskScore,
				DistanceMicros: entry.DistanceMicros,
				Priority:       entry.Priority,
				SubmissionTick: entry.SubmissionTick,
				Status:         entry.Status.String(),
				ClaimedBy:      entry.ClaimedBy,
			})
		}
	})
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *HTTPServer) handleQueueStats(w http.ResponseWriter, r *http.Request) {
	var resp QueueStatsResponse
	err := s.deps.Inspect(func(e *core.RiskEngine) {
		stats := e.Queue().Stats()
		resp = QueueStatsResponse{
			Depth:      stats.Depth,
			Capacity:   e.Queue().Capacity(),
			Pending:    stats.Pending,
			Processing: stats.Processing,
			Dropped:    stats.Dropped,
			Expired:    stats.Expired,
		}
	})
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *HTTPServer) handlePositions(w http.ResponseWriter, r *http.Request) {
	marketFilter := r.URL.Query().Get("market")

	var positions []PositionResponse
	err := s.deps.Inspect(func(e *core.RiskEngine) {
		for _, p := range e.Positions().All() {
			if marketFilter != "" && p.MarketID != marketFilter {
				continue
			}
			positions = append(positions, positionResponse(p))
		}
	})
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err)
		return
	}
	sort.Slice(positions, func(i, j int) bool {
		return positions[i].RiskScore > positions[j].RiskScore
	})
	writeJSON(w, http.StatusOK, positions)
}

func (s *HTTPServer) handlePosition(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	var resp *PositionResponse
	err = s.deps.Inspect(func(e *core.RiskEngine) {
		if p := e.Positions().Get(id); p != nil {
			v := positionResponse(p)
			resp = &v
		}
	})
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err)
		return
	}
	if resp == nil {
		writeJSON(w, http.StatusNotFound, ErrorResponse{Error: "position not found"})
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *HTTPServer) handleKeepers(w http.ResponseWriter, r *http.Request) {
	var keepers []KeeperResponse
	err := s.deps.Inspect(func(e *core.RiskEngine) {
		for _, k := range e.Keepers().All() {
			keepers = append(keepers, keeperResponse(k))
		}
	})
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err)
		return
	}
	sort.Slice(keepers, func(i, j int) bool {
		return keepers[i].KeeperID.String() < keepers[j].KeeperID.String()
	})
	writeJSON(w, http.StatusOK, keepers)
}

func (s *HTTPServer) handleKeeper(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	var resp *KeeperResponse
	err = s.deps.Inspect(func(e *core.RiskEngine) {
		if k := e.Keepers().Get(id); k != nil {
			v := keeperResponse(k)
			resp = &v
		}
	})
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err)
		return
	}
	if resp == nil {
		writeJSON(w, http.StatusNotFound, ErrorResponse{Error: "keeper not found"})
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *HTTPServer) handleBreaker(w http.ResponseWriter, r *http.Request) {
	var resp BreakerResponse
	err := s.deps.Inspect(func(e *core.RiskEngine) {
		cb := e.Breaker()
		resp = BreakerResponse{
			State:         cb.State.String(),
			Reason:        cb.Reason.String(),
			Severity:      cb.Severity.String(),
			HaltStartTick: cb.HaltStartTick,
			ResumeTick:    cb.ResumeTick,
			CooldownEnd:   cb.CooldownEnd,
			HaltCount:     cb.HaltCount,
			PriceWindow:   cb.PriceWindow(),
		}
		for _, h := range cb.History {
			resp.History = append(resp.History, HaltHistoryEntry{
				Reason:    h.Reason.String(),
				Severity:  h.Severity.String(),
				StartTick: h.StartTick,
				EndTick:   h.EndTick,
			})
		}
	})
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *HTTPServer) handleMarkets(w http.ResponseWriter, r *http.Request) {
	var markets []MarketResponse
	err := s.deps.Inspect(func(e *core.RiskEngine) {
		for _, mv := range e.Markets() {
			markets = append(markets, MarketResponse{
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
	})
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err)
		return
	}
	sort.Slice(markets, func(i, j int) bool {
		return markets[i].MarketID < markets[j].MarketID
	})
	writeJSON(w, http.StatusOK, markets)
}

func (s *HTTPServer) handleOrders(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if q := r.URL.Query().Get("limit"); q != "" {
		if n, err := strconv.Atoi(q); err == nil && n > 0 {
			limit = n
		}
	}
	writeJSON(w, http.StatusOK, s.deps.Store.RecentOrders(limit))
}

func (s *HTTPServer) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Store.Stats())
}

// --- Submission handlers ---

// submitHandler validates the wire-format body with the ingestion parser
// and forwards the original bytes into the NATS stream. The event reaches
// the engine through the same path as every other inbound event.
func (s *HTTPServer) submitHandler(eventType, subject string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxMessageSize))
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}

		raw := ingestion.RawEvent{Subject: subject, Data: data, Timestamp: time.Now()}
		if _, err := ingestion.ParseRawEvent(raw, eventType); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}

		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()
		if err := s.deps.Publisher.Publish(ctx, subject, data); err != nil {
			s.log.Error().Err(err).Str("subject", subject).Msg("publish submission")
			writeError(w, http.StatusBadGateway, err)
			return
		}

		writeJSON(w, http.StatusAccepted, AcceptedResponse{Accepted: true, Subject: subject})
	}
}

// --- Helpers ---

func positionResponse(p *state.Position) PositionResponse {
	return PositionResponse{
		ID:               p.ID,
		Owner:            p.Owner,
		MarketID:         p.MarketID,
		OutcomeIndex:     p.OutcomeIndex,
		Side:             p.Side.String(),
		Size:             p.Size,
		Leverage:         p.Leverage,
		EntryPrice:       p.EntryPrice,
		LiquidationPrice: p.LiquidationPrice,
		LiquidatedSize:   p.LiquidatedSize,
		Closed:           p.Closed,
		RiskScore:        p.RiskScore,
		DistanceMicros:   p.DistanceMicros,
		Version:          p.Version,
	}
}

func keeperResponse(k *state.KeeperAccount) KeeperResponse {
	return KeeperResponse{
		KeeperID:       k.KeeperID,
		Stake:          k.Stake,
		Suspended:      k.Suspended,
		SuccessCount:   k.SuccessCount,
		FailureCount:   k.FailureCount,
		ReliabilityBps: k.ReliabilityBps(),
		AccruedReward:  k.AccruedReward,
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, ErrorResponse{Error: err.Error()})
}
