// Package daemon wires the automation engine: storage, quota governor,
// hardened executor, signal router, workflow engine and the NATS
// intake, plus the metrics endpoint.
package daemon

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	ossignal "os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/signalmesh/signalmesh/core/aigate"
	"github.com/signalmesh/signalmesh/core/fault"
	"github.com/signalmesh/signalmesh/core/infra/bus"
	"github.com/signalmesh/signalmesh/core/infra/config"
	"github.com/signalmesh/signalmesh/core/infra/logging"
	"github.com/signalmesh/signalmesh/core/infra/metrics"
	"github.com/signalmesh/signalmesh/core/infra/redisutil"
	"github.com/signalmesh/signalmesh/core/infra/schema"
	"github.com/signalmesh/signalmesh/core/quota"
	"github.com/signalmesh/signalmesh/core/signal"
	"github.com/signalmesh/signalmesh/core/workflow"
)

const (
	ingestQueue = "signalmesh-engine"

	connectAttempts = 5
	connectBackoff  = 2 * time.Second

	defaultShutdownTimeout = 3 * time.Second
)

// Run starts the engine daemon and blocks until SIGINT/SIGTERM.
func Run(cfg *config.Config) error {
	if cfg == nil {
		cfg = config.Load()
	}

	ctx, stop := ossignal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	client, memDedup, err := connectStores(ctx, cfg)
	if err != nil {
		return err
	}
	if client != nil {
		defer client.Close()
	}
	if memDedup != nil {
		memDedup.Start(time.Minute)
		defer memDedup.Stop()
	}

	limits, err := config.LoadLimits(cfg.LimitsPath)
	if err != nil {
		return fmt.Errorf("load limits: %w", err)
	}

	prom := metrics.NewProm("signalmesh")
	adapters := signal.NewRegistry()

	sigStore := signal.NewRedisStore(client)
	wfStore := workflow.NewRedisStore(client)
	provisioner := workflow.NewProvisioner(wfStore)
	var dedup signal.DedupStore = sigStore
	if memDedup != nil {
		dedup = memDedup
	} else {
		publishAdapterSchemas(ctx, client, adapters)
	}

	governor := quota.NewGovernor(client, limits)
	executor := aigate.NewExecutor(providerFromEnv(), governor,
		aigate.WithCallTimeout(cfg.ProviderTimeout),
		aigate.WithRetry(cfg.MaxAttempts, 500*time.Millisecond),
		aigate.WithMetrics(prom),
	)

	router := signal.NewRouter(adapters, sigStore, dedup, provisioner,
		signal.WithDedupWindow(cfg.DedupWindow),
		signal.WithRouterMetrics(prom),
	)
	collabs := &loggingCollaborators{}
	engine := workflow.NewEngine(wfStore, wfStore, sigStore, executor, collabs, collabs, collabs,
		workflow.WithEngineRetry(cfg.MaxAttempts, 500*time.Millisecond),
		workflow.WithEngineMetrics(prom),
	)

	natsBus, err := bus.NewNatsBus(cfg.NatsURL)
	if err != nil {
		return fmt.Errorf("connect nats: %w", err)
	}
	defer natsBus.Close()

	if err := natsBus.Subscribe(bus.SubjectIngestAll, ingestQueue, ingestHandler(ctx, router, engine)); err != nil {
		return fmt.Errorf("subscribe %s: %w", bus.SubjectIngestAll, err)
	}

	srv := startMetricsServer(cfg.MetricsAddr)
	logging.Info("daemon", "started",
		"env", string(cfg.Environment),
		"metrics", cfg.MetricsAddr,
		"dedup_window", cfg.DedupWindow.String(),
		"sources", strings.Join(router.SupportedSources(), ","),
	)

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), defaultShutdownTimeout)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)

	logging.Info("daemon", "stopped")
	return nil
}

// connectStores establishes Redis with bounded retry. Exhaustion is
// fatal in production; development falls back to an unverified client
// plus an in-memory dedup store so local work can proceed.
func connectStores(ctx context.Context, cfg *config.Config) (redis.UniversalClient, *signal.MemoryDedupStore, error) {
	client, err := redisutil.Connect(ctx, cfg.RedisURL, connectAttempts, connectBackoff)
	if err == nil {
		return client, nil, nil
	}
	if cfg.IsProduction() {
		return nil, nil, fmt.Errorf("connect redis: %w", err)
	}
	logging.Warn("daemon", "redis unreachable, continuing with lazy client and memory dedup", "error", err)
	client, cerr := redisutil.NewClient(cfg.RedisURL)
	if cerr != nil {
		return nil, nil, fmt.Errorf("redis client: %w", cerr)
	}
	return client, signal.NewMemoryDedupStore(), nil
}

// ingestHandler feeds bus envelopes into the router and fans matched
// workflows out to the engine. Infrastructure failures are nak'd for
// redelivery; everything else is terminal for the message.
func ingestHandler(ctx context.Context, router *signal.Router, engine *workflow.Engine) func(*bus.SignalEnvelope) error {
	return func(env *bus.SignalEnvelope) error {
		var raw map[string]any
		if len(env.Payload) > 0 {
			if err := json.Unmarshal(env.Payload, &raw); err != nil {
				logging.Error("daemon", "undecodable signal payload", "source", env.Source, "error", err)
				return nil
			}
		}
		authctx := signal.AuthContext{TenantID: env.TenantID}
		res, err := router.IngestSignal(ctx, authctx, env.Source, raw)
		if err != nil {
			if fault.CodeOf(err) == fault.CodeInfrastructureFailure {
				return fault.RetryAfter(err, 5*time.Second)
			}
			logging.Warn("daemon", "signal rejected", "source", env.Source, "tenant", env.TenantID, "error", err)
			return nil
		}
		if res.IsDuplicate || len(res.WorkflowsTriggered) == 0 {
			return nil
		}
		summaries := engine.ProcessSignal(ctx, res.Signal, res.WorkflowsTriggered)
		for _, s := range summaries {
			logging.Debug("daemon", "workflow processed",
				"signal", res.Signal.ID,
				"workflow", s.WorkflowID,
				"status", string(s.Status),
				"skipped", s.Skipped,
			)
		}
		return nil
	}
}

// publishAdapterSchemas mirrors the built-in adapter payload schemas
// into the shared schema registry for operator visibility.
func publishAdapterSchemas(ctx context.Context, client redis.UniversalClient, adapters *signal.Registry) {
	registry := schema.NewRegistryWithClient(client)
	for source, body := range adapters.Schemas() {
		encoded, err := json.Marshal(body)
		if err != nil {
			continue
		}
		if err := registry.Register(ctx, "signal."+source, encoded); err != nil {
			logging.Warn("daemon", "schema publish failed", "source", source, "error", err)
		}
	}
}

// providerFromEnv selects the AI provider. Only the in-process echo
// provider ships here; real providers implement aigate.Provider at the
// application boundary.
func providerFromEnv() aigate.Provider {
	switch os.Getenv("AI_PROVIDER") {
	case "", "echo":
		return aigate.EchoProvider{}
	default:
		logging.Warn("daemon", "unknown AI_PROVIDER, using echo", "value", os.Getenv("AI_PROVIDER"))
		return aigate.EchoProvider{}
	}
}

// loggingCollaborators is the development sink for engine actions.
// Real notification, CRM and task systems sit behind these interfaces.
type loggingCollaborators struct{}

func (loggingCollaborators) Notify(ctx context.Context, tenantID, message string, meta map[string]any) error {
	logging.Info("notify", message, "tenant", tenantID)
	return nil
}

func (loggingCollaborators) UpdateRecord(ctx context.Context, tenantID, recordType, recordID string, changes map[string]any) error {
	logging.Info("records", "record updated", "tenant", tenantID, "type", recordType, "id", recordID)
	return nil
}

func (loggingCollaborators) CreateTask(ctx context.Context, tenantID, title string, details map[string]any) error {
	logging.Info("tasks", "task created", "tenant", tenantID, "title", title)
	return nil
}

func startMetricsServer(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	srv := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.Error("daemon", "metrics server error", "error", err)
		}
	}()
	return srv
}
