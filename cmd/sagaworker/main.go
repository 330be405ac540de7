// Command sagaworker is the resume-entry-point binary: it wires a KV
// backend, the DAG scheduler, the time-budgeted runner, the saga
// compensation coordinator, and the outbox relay into a standalone
// process that polls for due resumes and stale (zombie) executions and
// drives each forward. Wiring only — business logic stays in the
// internal packages.
package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/tomwolfe/intentsaga/internal/checkpoint"
	"github.com/tomwolfe/intentsaga/internal/compat"
	"github.com/tomwolfe/intentsaga/internal/config"
	"github.com/tomwolfe/intentsaga/internal/emit"
	"github.com/tomwolfe/intentsaga/internal/idempotency"
	"github.com/tomwolfe/intentsaga/internal/kv"
	"github.com/tomwolfe/intentsaga/internal/kv/memkv"
	"github.com/tomwolfe/intentsaga/internal/kv/mysqlkv"
	"github.com/tomwolfe/intentsaga/internal/kv/rediskv"
	"github.com/tomwolfe/intentsaga/internal/kv/sqlitekv"
	"github.com/tomwolfe/intentsaga/internal/lamport"
	"github.com/tomwolfe/intentsaga/internal/metrics"
	"github.com/tomwolfe/intentsaga/internal/outbox"
	"github.com/tomwolfe/intentsaga/internal/recovery"
	"github.com/tomwolfe/intentsaga/internal/runner"
	"github.com/tomwolfe/intentsaga/internal/saga"
	"github.com/tomwolfe/intentsaga/internal/scheduler"
	"github.com/tomwolfe/intentsaga/internal/toolclient"
)

func main() {
	var (
		backend      = flag.String("backend", "memory", "kv backend: memory|redis|sqlite|mysql")
		redisAddr    = flag.String("redis-addr", "localhost:6379", "redis address when -backend=redis")
		sqlitePath   = flag.String("sqlite-path", "sagaworker.db", "sqlite file path when -backend=sqlite")
		mysqlDSN     = flag.String("mysql-dsn", "", "mysql DSN when -backend=mysql")
		configPath   = flag.String("config", "", "optional YAML config file overriding engine defaults")
		serviceID    = flag.String("service-id", "sagaworker-1", "this instance's lamport clock service id")
		httpAddr     = flag.String("http-addr", ":9090", "address to serve /healthz and /metrics on")
		pollInterval = flag.Duration("poll-interval", 2*time.Second, "how often to check for due resumes/zombies")
		jsonLogs     = flag.Bool("json-logs", false, "emit observability events as JSON instead of text")
	)
	flag.Parse()

	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			log.Fatalf("sagaworker: loading config: %v", err)
		}
		cfg = loaded
	}

	kvBackend, closeBackend, err := openBackend(*backend, *redisAddr, *sqlitePath, *mysqlDSN)
	if err != nil {
		log.Fatalf("sagaworker: opening %s backend: %v", *backend, err)
	}
	defer closeBackend()

	registry := prometheus.NewRegistry()
	m := metrics.New(registry)
	lamportClock := lamport.NewClock(*serviceID)
	emitter := emit.NewLogEmitter(os.Stdout, *jsonLogs)

	store := checkpoint.New(kvBackend, cfg.Namespace, nil)
	outboxLog := outbox.NewLog(kvBackend, cfg.Namespace, nil, nil)
	outboxLog.SetExpiry(cfg.Outbox.EventExpiry)
	projector := &emitProjector{emitter: emitter, clock: lamportClock}
	relay := outbox.NewRelay(outboxLog, projector, int64(cfg.Outbox.BatchSizePerTick))

	toolRegistry := toolclient.NewRegistry()
	toolClient := toolclient.NewClient(toolRegistry, toolclient.DefaultBreakerSettings())

	coordinator := &saga.Coordinator{Store: store, Invoker: toolClient}
	idempotencyGate := idempotency.NewGate(kvBackend, cfg.Namespace, "", idempotency.DefaultTTL)
	sched := &scheduler.Scheduler{
		Store:    store,
		Registry: toolRegistry,
		Runner: runner.New(toolClient,
			runner.WithInvocationBudget(cfg.Runner.InvocationBudget),
			runner.WithCheckpointThreshold(cfg.Runner.CheckpointThreshold),
			runner.WithSegmentTimeout(cfg.Runner.SegmentTimeout),
		),
		Idempotency: idempotencyGate,
	}

	w := &worker{
		store:        store,
		scheduler:    sched,
		coordinator:  coordinator,
		outboxLog:    outboxLog,
		metrics:      m,
		cfg:          cfg,
		compat:       compat.NewGuard(compat.NewAdapterRegistry()),
		toolVersions: toolRegistry,
	}

	sweeper := recovery.New(store, heuristicAnalyzer{}, nil, outboxLog, recovery.DefaultConfig(), nil)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go serveHTTP(*httpAddr, registry)
	runLoop(ctx, w, relay, sweeper, *pollInterval)
}

func runLoop(ctx context.Context, w *worker, relay *outbox.Relay, sweeper *recovery.Sweeper, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Println("sagaworker: shutting down")
			return
		case <-ticker.C:
			tick(ctx, w, relay, sweeper)
		}
	}
}

func tick(ctx context.Context, w *worker, relay *outbox.Relay, sweeper *recovery.Sweeper) {
	due, err := w.store.DueResumes(ctx, time.Now(), 50)
	if err != nil {
		log.Printf("sagaworker: listing due resumes: %v", err)
	}
	for _, rp := range due {
		if err := w.RunInvocation(ctx, rp.ExecutionID, resumeStartIndex(rp)); err != nil {
			log.Printf("sagaworker: invocation for %s: %v", rp.ExecutionID, err)
			continue
		}
		if err := w.store.ClearResume(ctx, rp.ExecutionID); err != nil {
			log.Printf("sagaworker: clearing resume for %s: %v", rp.ExecutionID, err)
		}
		if _, _, err := relay.Tick(ctx, rp.ExecutionID); err != nil {
			log.Printf("sagaworker: relay tick for %s: %v", rp.ExecutionID, err)
		}
	}

	if result, err := sweeper.Tick(ctx); err != nil {
		log.Printf("sagaworker: recovery sweep: %v", err)
	} else if result.Scanned > 0 {
		log.Printf("sagaworker: recovery sweep scanned=%d resumed=%d escalated=%d", result.Scanned, result.Resumed, result.Escalated)
	}
}

// resumeStartIndex extracts the cursor a resume timer carried. JSON
// round-tripping turns the int into a float64; a payload without the
// field returns -1 so RunInvocation falls back to the TaskState's
// persisted cursor.
func resumeStartIndex(rp checkpoint.ResumePayload) int {
	switch v := rp.Payload["next_step_index"].(type) {
	case float64:
		return int(v)
	case int:
		return v
	default:
		return -1
	}
}

func serveHTTP(addr string, registry *prometheus.Registry) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	log.Printf("sagaworker: serving /healthz and /metrics on %s", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Printf("sagaworker: http server stopped: %v", err)
	}
}

func openBackend(backend, redisAddr, sqlitePath, mysqlDSN string) (kv.KV, func(), error) {
	noop := func() {}
	switch backend {
	case "redis":
		client := redis.NewClient(&redis.Options{Addr: redisAddr})
		return rediskv.New(client), func() { _ = client.Close() }, nil
	case "sqlite":
		store, err := sqlitekv.Open(sqlitePath)
		if err != nil {
			return nil, noop, err
		}
		return store, func() { _ = store.Close() }, nil
	case "mysql":
		store, err := mysqlkv.Open(mysqlDSN)
		if err != nil {
			return nil, noop, err
		}
		return store, func() { _ = store.Close() }, nil
	default:
		return memkv.New(nil), noop, nil
	}
}
