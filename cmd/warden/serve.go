package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Mindburn-Labs/warden/pkg/api"
	"github.com/Mindburn-Labs/warden/pkg/breaker"
	"github.com/Mindburn-Labs/warden/pkg/budget"
	"github.com/Mindburn-Labs/warden/pkg/config"
	"github.com/Mindburn-Labs/warden/pkg/llm"
	"github.com/Mindburn-Labs/warden/pkg/observability"
	"github.com/Mindburn-Labs/warden/pkg/pipeline"
	"github.com/Mindburn-Labs/warden/pkg/quality"
	"github.com/Mindburn-Labs/warden/pkg/receipts"
	"github.com/Mindburn-Labs/warden/pkg/retry"
	"github.com/Mindburn-Labs/warden/pkg/safety"
	"github.com/Mindburn-Labs/warden/pkg/session"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

const (
	llmBreakerName   = "llm"
	sweepInterval    = time.Minute
	shutdownDeadline = 10 * time.Second
)

// app is the wired gateway.
type app struct {
	handler  http.Handler
	registry *breaker.Registry
	logger   *slog.Logger
	// background loops started by start.
	loops   []func(ctx context.Context)
	closers []func(ctx context.Context) error
}

func (a *app) start(ctx context.Context) {
	for _, loop := range a.loops {
		loop(ctx)
	}
}

func (a *app) close(ctx context.Context) {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			a.logger.Warn("shutdown step failed", "error", err)
		}
	}
}

func newLogger(cfg *config.Config, w io.Writer) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: cfg.SlogLevel()}))
}

// buildApp wires every component from cfg. On error, whatever was opened is
// closed again.
func buildApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (_ *app, err error) {
	a := &app{logger: logger}
	defer func() {
		if err != nil {
			a.close(context.Background())
		}
	}()

	var policy *config.Policy
	if cfg.PolicyFile != "" {
		if policy, err = config.LoadPolicy(cfg.PolicyFile); err != nil {
			return nil, err
		}
		logger.Info("policy loaded", "path", cfg.PolicyFile)
	}
	limits, brCfg, bounds := policy.Apply(cfg.BudgetLimits(), cfg.BreakerConfig(), session.DefaultBounds())
	if err := brCfg.Validate(); err != nil {
		return nil, err
	}

	obsCfg := observability.DefaultConfig()
	obsCfg.Enabled = cfg.OTelEnabled
	obsCfg.OTLPEndpoint = cfg.OTelEndpoint
	obsCfg.ServiceVersion = version
	obs, err := observability.New(ctx, obsCfg)
	if err != nil {
		return nil, fmt.Errorf("observability: %w", err)
	}
	a.closers = append(a.closers, obs.Shutdown)

	a.registry = breaker.NewRegistry(brCfg).WithLogger(logger).
		WithObserver(func(name string, from, to breaker.State) {
			obs.RecordBreakerTransition(context.Background(), name, from.String(), to.String())
		})

	var (
		sessions session.Store
		storage  budget.Storage
		store    receipts.Store
	)

	if cfg.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		a.closers = append(a.closers, func(context.Context) error { return client.Close() })
		if err := client.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("redis ping %s: %w", cfg.RedisAddr, err)
		}
		sessions = session.NewRedisStore(client, cfg.SessionTTL, bounds)
		storage = budget.NewRedisStorage(client)
		logger.Info("redis: connected", "addr", cfg.RedisAddr)
	} else {
		mem := session.NewMemoryStore(cfg.SessionTTL, bounds).WithLogger(logger)
		a.loops = append(a.loops, func(ctx context.Context) { mem.StartSweeper(ctx, sweepInterval) })
		sessions = mem
	}

	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("postgres open: %w", err)
		}
		a.closers = append(a.closers, func(context.Context) error { return db.Close() })
		if err := db.PingContext(ctx); err != nil {
			return nil, fmt.Errorf("postgres ping: %w", err)
		}
		if storage == nil {
			ps := budget.NewPostgresStorage(db)
			if err := ps.Init(ctx); err != nil {
				return nil, err
			}
			storage = ps
		}
		rs := receipts.NewPostgresStore(db)
		if err := rs.Init(ctx); err != nil {
			return nil, err
		}
		store = rs
		logger.Info("postgres: connected")
	} else if cfg.ReceiptsSQLitePath != "" {
		db, err := sql.Open("sqlite", cfg.ReceiptsSQLitePath)
		if err != nil {
			return nil, fmt.Errorf("sqlite open: %w", err)
		}
		a.closers = append(a.closers, func(context.Context) error { return db.Close() })
		db.SetMaxOpenConns(1)
		if store, err = receipts.NewSQLiteStore(db); err != nil {
			return nil, err
		}
		logger.Info("receipts: sqlite", "path", cfg.ReceiptsSQLitePath)
	}

	if storage == nil {
		mem := budget.NewMemoryStorage()
		a.loops = append(a.loops, func(ctx context.Context) { go pruneLoop(ctx, mem, sweepInterval) })
		storage = mem
	}
	if store == nil {
		logger.Info("receipts: disabled (set DATABASE_URL or RECEIPTS_SQLITE_PATH)")
	}

	model, err := newModel(cfg, policy, logger)
	if err != nil {
		return nil, err
	}

	var markers []string
	rules := safety.DefaultRules()
	if policy != nil {
		markers = policy.LeakMarkers
		rules = append(rules, policy.SafetyRules...)
	}
	gate, err := quality.NewGate(markers...)
	if err != nil {
		return nil, err
	}
	envelope, err := safety.NewEnvelope(rules...)
	if err != nil {
		return nil, err
	}

	orch := pipeline.New(pipeline.Components{
		Ledger:   budget.NewLedger(storage, limits...).WithLogger(logger),
		Breaker:  a.registry.Get(llmBreakerName),
		Sessions: sessions,
		Model:    model,
		Gate:     gate,
		Envelope: envelope.WithLogger(logger),
		Bounds:   bounds,
	}).
		WithTimeouts(cfg.ReasoningTimeout, cfg.ExpressionTimeout).
		WithObservability(obs).
		WithLogger(logger)
	if store != nil {
		orch.WithReceipts(receipts.NewRecorder(store).WithLogger(logger))
	}

	srv := api.NewServer(orch, a.registry).WithLogger(logger)
	if cfg.IngressRPS > 0 {
		burst := int(math.Ceil(cfg.IngressRPS * 2))
		limiter := api.NewIngressLimiter(cfg.IngressRPS, burst)
		a.loops = append(a.loops, func(ctx context.Context) { limiter.Start(ctx, sweepInterval) })
		srv.WithIngressLimiter(limiter)
	}
	a.handler = srv.Handler()
	return a, nil
}

func newModel(cfg *config.Config, policy *config.Policy, logger *slog.Logger) (llm.Adapter, error) {
	if cfg.LLMServiceURL == "" {
		logger.Warn("LLM_SERVICE_URL not set, using the deterministic stub adapter")
		return &llm.StubAdapter{}, nil
	}
	rp := retry.DefaultPolicy()
	if policy != nil && policy.Retry != nil {
		rp = *policy.Retry
	}
	client := llm.NewOpenAIClient(cfg.LLMBaseURL(), cfg.LLMAPIKey, cfg.LLMModel)
	return llm.NewChatAdapter(client, rp).WithLogger(logger), nil
}

func pruneLoop(ctx context.Context, s *budget.MemoryStorage, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			s.Prune(now)
		}
	}
}

func runServer(ctx context.Context, cfg *config.Config, stdout io.Writer) error {
	logger := newLogger(cfg, stdout)
	slog.SetDefault(logger)

	a, err := buildApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.close(context.Background())
	a.start(ctx)

	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           a.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("warden ready", "addr", server.Addr, "version", version)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownDeadline)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}
