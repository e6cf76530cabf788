package main

import (
	"context"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/gary322/flashbets-sub012/internal/config"
	"github.com/gary322/flashbets-sub012/internal/core"
	"github.com/gary322/flashbets-sub012/internal/event"
	"github.com/gary322/flashbets-sub012/internal/ingestion"
	"github.com/gary322/flashbets-sub012/internal/observability"
	"github.com/gary322/flashbets-sub012/internal/persistence"
	"github.com/gary322/flashbets-sub012/internal/projection"
	"github.com/gary322/flashbets-sub012/internal/server"
)

var errEngineBusy = errors.New("engine busy, inspection timed out")

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds | log.Lshortfile)
	log.Println("INFO: risk engine starting...")

	cfg, err := config.Load(os.Getenv("RISK_CONFIG"))
	if err != nil {
		log.Fatalf("FATAL: load config: %v", err)
	}

	// --- Context with graceful shutdown ---
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	// --- Postgres ---
	db, err := sql.Open("postgres", cfg.PostgresURL)
	if err != nil {
		log.Fatalf("FATAL: postgres open: %v", err)
	}
	defer db.Close()

	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		log.Fatalf("FATAL: postgres ping: %v", err)
	}
	log.Println("INFO: Postgres connected")

	// --- Run SQL migrations ---
	migrator := persistence.NewMigrator(db, cfg.MigrationsDir)
	if err := migrator.Up(ctx); err != nil {
		log.Fatalf("FATAL: run migrations: %v", err)
	}
	log.Println("INFO: migrations applied")

	snapMgr := persistence.NewSnapshotManager(db)

	// --- Shutdown authority ---
	var authority *uuid.UUID
	if cfg.AuthorityID != "" {
		id, err := uuid.Parse(cfg.AuthorityID)
		if err != nil {
			log.Fatalf("FATAL: parse authority id: %v", err)
		}
		authority = &id
	} else {
		log.Println("WARN: no authority configured, emergency shutdown disabled")
	}

	// --- Recovery: load snapshot + replay ---
	startSequence := int64(0)

	snap, err := snapMgr.LoadLatestSnapshot(ctx)
	if err != nil {
		log.Printf("WARN: failed to load snapshot: %v", err)
	}
	if snap != nil {
		startSequence = snap.Sequence
		log.Printf("INFO: loaded snapshot at sequence %d", snap.Sequence)
	} else {
		log.Println("INFO: no snapshot found, cold start from sequence 0")
	}

	// --- Channels ---
	// The persist channel blocks (backpressure, no event loss); the
	// projection channel drops (read model rebuilds from the event log).
	persistChan := make(chan core.CoreOutput, cfg.PersistBufferSize)
	projectionChan := make(chan core.CoreOutput, cfg.ProjectionBufferSize)

	// persistChan is teed in main: every output goes to the persistence
	// worker, and orders/transitions additionally go to the outbound
	// publisher best-effort.
	persistWorkerChan := make(chan core.CoreOutput, cfg.PersistBufferSize)
	publishChan := make(chan ingestion.PublishableEvent, cfg.PublishBufferSize)

	// --- Observability ---
	metrics := observability.NewMetrics()
	healthChecker := observability.NewHealthChecker()

	// --- Engine ---
	dbChecker := persistence.NewPostgresIdempotencyChecker(db)
	engine := core.NewRiskEngine(cfg.Engine, startSequence, authority,
		persistChan, projectionChan, dbChecker, metrics,
		observability.NewLogger("engine"))

	engine.SetRandomnessRequestFn(func(requestID uint64, tick int64) {
		evt := ingestion.PublishableEvent{
			Sequence:       engine.Sequence(),
			Kind:           "randomness_request",
			IdempotencyKey: fmt.Sprintf("randomness-request-%d", requestID),
			Payload: map[string]interface{}{
				"request_id": requestID,
				"tick":       tick,
			},
			Timestamp: time.Now().UTC(),
		}
		select {
		case publishChan <- evt:
		default:
			// Best-effort: the beacon operator also watches queue depth.
		}
	})

	// --- Snapshot restore ---
	if snap != nil {
		if err := persistence.ApplySnapshot(engine, snap); err != nil {
			log.Fatalf("FATAL: restore snapshot: %v", err)
		}
		log.Printf("INFO: restored in-memory state from snapshot at sequence %d", snap.Sequence)
	}

	// --- LRU warming ---
	// With a snapshot the keys come from ApplySnapshot; on a cold start
	// warm from the tail of the event log instead.
	if snap == nil {
		keys, err := dbChecker.RecentKeys(ctx, cfg.Engine.IdempotencyCapacity)
		if err != nil {
			log.Printf("WARN: warm idempotency cache: %v", err)
		} else if len(keys) > 0 {
			engine.Idempotency().WarmFromKeys(keys)
			log.Printf("INFO: warmed idempotency cache with %d keys", len(keys))
		}
	}

	// --- Event replay ---
	replayCount, err := replayEventsFromLog(ctx, snapMgr, engine, engine.Sequence())
	if err != nil {
		log.Fatalf("FATAL: event replay failed: %v", err)
	}
	if replayCount > 0 {
		metrics.ReplayEventsTotal.Add(float64(replayCount))
		log.Printf("INFO: replayed %d events (sequence now at %d)", replayCount, engine.Sequence())
	}

	// --- Chain tip verification ---
	// Only meaningful when no events were replayed on top of the snapshot;
	// replay moves the tip forward.
	if snap != nil && replayCount == 0 {
		tip := engine.Hasher().GetPrevHash()
		if got := hex.EncodeToString(tip[:]); got != snap.ChainTip {
			log.Fatalf("FATAL: chain tip mismatch after restore: expected %s, got %s",
				snap.ChainTip, got)
		}
		log.Println("INFO: chain tip verified after snapshot restore")
	}

	// --- NATS ---
	nc, js, err := ingestion.ConnectNATS(cfg.NATSUrl)
	if err != nil {
		log.Fatalf("FATAL: nats connect: %v", err)
	}
	defer nc.Close()
	log.Println("INFO: NATS connected")

	if err := ingestion.EnsureStreams(ctx, js); err != nil {
		log.Fatalf("FATAL: ensure NATS streams: %v", err)
	}
	if err := ingestion.EnsureOutboundStream(ctx, js); err != nil {
		log.Fatalf("FATAL: ensure outbound stream: %v", err)
	}

	rawEventChan := make(chan ingestion.RawEvent, 4096)
	natsSubscriber := ingestion.NewNATSSubscriber(js, rawEventChan)
	if err := natsSubscriber.Subscribe(ctx, ingestion.DefaultSubjects()); err != nil {
		log.Fatalf("FATAL: nats subscribe: %v", err)
	}

	outboundPublisher := ingestion.NewOutboundPublisher(js, publishChan)

	// --- Read model + websocket feed ---
	store := projection.NewStore()
	hub := server.NewHub()
	projWorker := projection.NewWorker(store, projectionChan, hub)

	// --- Engine command bridge ---
	// The engine is single-threaded. API reads run as closures drained by
	// the engine loop between events, never concurrently with ProcessEvent.
	engineCmds := make(chan func(e *core.RiskEngine), 64)
	inspect := func(fn func(e *core.RiskEngine)) error {
		done := make(chan struct{})
		cmd := func(e *core.RiskEngine) {
			fn(e)
			close(done)
		}
		select {
		case engineCmds <- cmd:
		case <-time.After(2 * time.Second):
			return errEngineBusy
		}
		select {
		case <-done:
			return nil
		case <-time.After(2 * time.Second):
			return errEngineBusy
		}
	}

	httpServer := server.NewHTTPServer(cfg.HTTPAddr, &server.Deps{
		Store:     store,
		Inspect:   inspect,
		Publisher: jsPublisher{js},
		Health:    healthChecker,
		Hub:       hub,
		StartTime: time.Now(),
		Log:       observability.NewLogger("http"),
	})

	// --- Start goroutines ---
	errChan := make(chan error, 10)

	// 1. Persistence worker
	persistWorker := persistence.NewPersistenceWorker(db, persistWorkerChan,
		cfg.PersistBatchSize, time.Duration(cfg.PersistFlushMillis)*time.Millisecond, metrics)
	go func() {
		errChan <- persistWorker.Run(ctx)
	}()

	// 2. Persist tee: forward to the worker, tap orders and breaker
	// transitions for outbound publishing.
	go runOutboundTap(ctx, persistChan, persistWorkerChan, publishChan)

	// 3. Projection worker + websocket hub
	go hub.Run()
	go func() {
		errChan <- projWorker.Run(ctx)
	}()

	// 4. Outbound publisher
	go func() {
		errChan <- outboundPublisher.Run(ctx)
	}()

	// 5. NATS → engine loop (also drains inspection commands)
	go runEngineLoop(ctx, rawEventChan, engineCmds, engine)

	// 6. HTTP API + websocket server
	go func() {
		errChan <- httpServer.Start(ctx)
	}()

	// 7. Periodic snapshots
	go runPeriodicSnapshots(ctx, engineCmds, snapMgr, cfg.SnapshotIntervalEvents, metrics)

	// 8. Prometheus metrics server
	go func() {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", promhttp.Handler())
		metricsServer := &http.Server{
			Addr:    cfg.MetricsAddr,
			Handler: metricsMux,
		}
		go func() {
			<-ctx.Done()
			shutCtx, c := context.WithTimeout(context.Background(), 5*time.Second)
			defer c()
			metricsServer.Shutdown(shutCtx)
		}()
		log.Printf("INFO: metrics server listening on %s/metrics", cfg.MetricsAddr)
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- fmt.Errorf("metrics server: %w", err)
		}
	}()

	healthChecker.SetReady(true)
	log.Printf("INFO: risk engine ready (sequence=%d, http=%s, metrics=%s)",
		engine.Sequence(), cfg.HTTPAddr, cfg.MetricsAddr)

	// --- Wait for shutdown signal ---
	select {
	case sig := <-sigChan:
		log.Printf("INFO: received signal %s, shutting down...", sig)
	case err := <-errChan:
		log.Printf("ERROR: goroutine failed: %v, shutting down...", err)
	}

	// --- Graceful shutdown ---
	cancel()
	natsSubscriber.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	close(persistChan)
	close(publishChan)

	// The engine loop has exited with the context, so reading the engine
	// directly from here is safe.
	if err := saveSnapshot(shutdownCtx, persistence.BuildSnapshot(engine), snapMgr, metrics); err != nil {
		log.Printf("ERROR: final snapshot failed: %v", err)
	} else {
		log.Println("INFO: final snapshot saved")
	}

	log.Println("INFO: risk engine shutdown complete")
}

// jsPublisher adapts JetStream to the HTTP server's Publisher interface.
type jsPublisher struct {
	js jetstream.JetStream
}

func (p jsPublisher) Publish(ctx context.Context, subject string, data []byte) error {
	_, err := p.js.Publish(ctx, subject, data)
	return err
}

// runOutboundTap forwards every core output to the persistence worker and
// publishes liquidation orders and admin transitions to the outbound
// stream best-effort.
func runOutboundTap(
	ctx context.Context,
	in <-chan core.CoreOutput,
	persistOut chan<- core.CoreOutput,
	publishOut chan<- ingestion.PublishableEvent,
) {
	defer close(persistOut)

	for {
		select {
		case <-ctx.Done():
			return

		case output, ok := <-in:
			if !ok {
				return
			}

			// Blocking forward: the persistence path must see every event.
			persistOut <- output

			evt := outboundEvent(output)
			if evt == nil {
				continue
			}
			select {
			case publishOut <- *evt:
			default:
				// Downstream consumers can read the event log directly.
			}
		}
	}
}

// outboundEvent maps a core output to its outbound publication, or nil
// when downstream consumers have nothing to act on.
func outboundEvent(output core.CoreOutput) *ingestion.PublishableEvent {
	env := output.Envelope

	var kind string
	var payload interface{}
	switch {
	case output.Order != nil:
		kind, payload = "order", output.Order
	case output.Breaker != nil:
		// Covers admin shutdown/resume and halts triggered by market data.
		kind, payload = "breaker", output.Breaker
	default:
		return nil
	}

	return &ingestion.PublishableEvent{
		Sequence:       env.Sequence,
		Kind:           kind,
		IdempotencyKey: env.IdempotencyKey,
		MarketID:       env.MarketID,
		Payload:        payload,
		StateHash:      env.StateHash[:],
		Timestamp:      time.Now().UTC(),
	}
}

// runEngineLoop reads raw events from NATS, parses them in a side
// goroutine, and applies typed events on the single engine goroutine.
// Inspection commands from the API interleave between events.
func runEngineLoop(
	ctx context.Context,
	rawChan <-chan ingestion.RawEvent,
	cmds <-chan func(e *core.RiskEngine),
	engine *core.RiskEngine,
) {
	// Subject-prefix lookup built from the subscription table. Subjects
	// use the ">" wildcard, so matching strips the trailing ".>".
	subjectToType := make(map[string]string)
	for _, cfg := range ingestion.DefaultSubjects() {
		prefix := cfg.Subject
		if len(prefix) > 2 && prefix[len(prefix)-2:] == ".>" {
			prefix = prefix[:len(prefix)-2]
		}
		subjectToType[prefix] = cfg.EventType
	}

	// Messages are acked after parse+validate and channel handoff, NOT
	// after engine processing. This keeps AckWait from expiring during
	// slow processing while backpressure propagates via the channel.
	typedEventChan := make(chan event.Event, 4096)

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case raw, ok := <-rawChan:
				if !ok {
					close(typedEventChan)
					return
				}

				eventType := resolveEventType(raw.Subject, subjectToType)
				if eventType == "" {
					log.Printf("WARN: unknown NATS subject: %s", raw.Subject)
					raw.AckFunc()
					continue
				}

				evt, err := ingestion.ParseRawEvent(raw, eventType)
				if err != nil {
					log.Printf("WARN: parse event failed (subject=%s): %v", raw.Subject, err)
					raw.AckFunc()
					continue
				}

				select {
				case typedEventChan <- evt:
					raw.AckFunc()
				case <-ctx.Done():
					raw.NakFunc()
					return
				}
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return

		case cmd := <-cmds:
			cmd(engine)

		case evt, ok := <-typedEventChan:
			if !ok {
				return
			}
			if err := engine.ProcessEvent(evt); err != nil {
				if core.IsPolicyRejection(err) {
					continue
				}
				log.Printf("ERROR: process event failed (type=%s, key=%s): %v",
					evt.EventType(), evt.IdempotencyKey(), err)
			}
		}
	}
}

// resolveEventType finds the event type for a NATS subject by longest
// prefix match.
func resolveEventType(subject string, prefixMap map[string]string) string {
	bestMatch := ""
	bestType := ""
	for prefix, evtType := range prefixMap {
		if len(subject) >= len(prefix) && subject[:len(prefix)] == prefix {
			if len(prefix) > len(bestMatch) {
				bestMatch = prefix
				bestType = evtType
			}
		}
	}
	return bestType
}

// replayEventsFromLog replays events from the event log starting at
// fromSequence: warm restart replays the tail after a snapshot, cold
// restart replays everything.
func replayEventsFromLog(
	ctx context.Context,
	snapMgr *persistence.SnapshotManager,
	engine *core.RiskEngine,
	fromSequence int64,
) (int64, error) {
	const batchSize = 1000
	var totalReplayed int64

	for {
		events, err := snapMgr.LoadEventsFrom(ctx, fromSequence, batchSize)
		if err != nil {
			return totalReplayed, fmt.Errorf("load events from seq %d: %w", fromSequence, err)
		}
		if len(events) == 0 {
			break
		}

		for _, row := range events {
			raw := ingestion.RawEvent{
				Subject: row.EventType,
				Data:    row.Payload,
			}

			evt, err := ingestion.ParseRawEvent(raw, row.EventType)
			if err != nil {
				log.Printf("WARN: skip unparseable event at seq=%d type=%s: %v",
					row.Sequence, row.EventType, err)
				continue
			}

			if err := engine.ProcessEvent(evt); err != nil {
				// Duplicates and policy rejections are expected during replay.
				log.Printf("DEBUG: replay skip seq=%d: %v", row.Sequence, err)
			}
			totalReplayed++
		}

		fromSequence = events[len(events)-1].Sequence + 1
	}

	return totalReplayed, nil
}

// runPeriodicSnapshots takes a snapshot every interval applied events.
// State capture runs on the engine goroutine via the command channel;
// serialization and the Postgres write happen here, off the hot path.
func runPeriodicSnapshots(
	ctx context.Context,
	cmds chan<- func(e *core.RiskEngine),
	snapMgr *persistence.SnapshotManager,
	interval int64,
	metrics *observability.Metrics,
) {
	if interval <= 0 {
		return
	}

	var lastSnapshotSeq int64 = -1
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			snapChan := make(chan *persistence.SnapshotData, 1)
			cmd := func(e *core.RiskEngine) {
				if e.Sequence()-lastSnapshotSeq >= interval {
					snapChan <- persistence.BuildSnapshot(e)
				} else {
					snapChan <- nil
				}
			}
			select {
			case cmds <- cmd:
			case <-ctx.Done():
				return
			}

			var snap *persistence.SnapshotData
			select {
			case snap = <-snapChan:
			case <-ctx.Done():
				return
			}
			if snap == nil {
				continue
			}

			if err := saveSnapshot(ctx, snap, snapMgr, metrics); err != nil {
				log.Printf("WARN: periodic snapshot failed: %v", err)
				continue
			}
			lastSnapshotSeq = snap.Sequence
			log.Printf("INFO: periodic snapshot at sequence %d", snap.Sequence)
		}
	}
}

// saveSnapshot persists a captured snapshot and marks it verified, since
// it was built from live state.
func saveSnapshot(
	ctx context.Context,
	snap *persistence.SnapshotData,
	snapMgr *persistence.SnapshotManager,
	metrics *observability.Metrics,
) error {
	start := time.Now()

	if err := snapMgr.SaveSnapshot(ctx, snap); err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}
	if err := snapMgr.MarkVerified(ctx, snap.Sequence); err != nil {
		log.Printf("WARN: mark snapshot verified failed: %v", err)
	}

	if metrics != nil {
		metrics.SnapshotTaken.Inc()
		metrics.SnapshotDuration.Observe(time.Since(start).Seconds())
		metrics.SnapshotLastSeq.Set(float64(snap.Sequence))
	}
	return nil
}
