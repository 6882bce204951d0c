package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/miked5167/squadbooks-sub007/pkg/audit"
	"github.com/miked5167/squadbooks-sub007/pkg/budget"
	"github.com/miked5167/squadbooks-sub007/pkg/config"
	"github.com/miked5167/squadbooks-sub007/pkg/events"
	"github.com/miked5167/squadbooks-sub007/pkg/governance"
	"github.com/miked5167/squadbooks-sub007/pkg/observability"
	"github.com/miked5167/squadbooks-sub007/pkg/season"
	"github.com/miked5167/squadbooks-sub007/pkg/store"
)

// app is the wired process: one store, one dispatcher, both services.
type app struct {
	cfg        *config.Config
	logger     *slog.Logger
	obs        *observability.Provider
	store      store.Store
	sql        *store.SQLStore
	policies   *governance.StaticSource
	evaluator  *governance.Evaluator
	dispatcher *events.Dispatcher
	budgets    *budget.Service
	seasons    *season.Service
	closers    []func() error
}

func newApp(ctx context.Context, cfg *config.Config, stderr io.Writer) (*app, error) {
	a := &app{cfg: cfg}
	a.logger = observability.NewLogger(stderr, cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(a.logger)

	obs, err := observability.New(ctx, &cfg.Telemetry)
	if err != nil {
		return nil, err
	}
	a.obs = obs
	a.closers = append(a.closers, func() error {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return obs.Shutdown(sctx)
	})

	switch strings.ToLower(cfg.DatabaseDriver) {
	case "memory":
		a.store = store.NewMemoryStore()
	default:
		s, err := store.Open(ctx, strings.ToLower(cfg.DatabaseDriver), cfg.DatabaseURL)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.sql = s
		a.store = s
	}
	a.closers = append(a.closers, a.store.Close)

	a.policies = governance.NewStaticSource()
	fallback := governance.DefaultPolicy()
	fallback.MinimumInterest = cfg.MinStakeholderInterest
	if err := a.policies.SetFallback(fallback); err != nil {
		a.Close()
		return nil, err
	}
	a.evaluator, err = governance.NewEvaluator(a.policies)
	if err != nil {
		a.Close()
		return nil, err
	}
	if cfg.PolicyFile != "" {
		profile, err := config.LoadProfile(cfg.PolicyFile)
		if err != nil {
			a.Close()
			return nil, err
		}
		if err := profile.Apply(a.policies, a.evaluator.CheckRule); err != nil {
			a.Close()
			return nil, fmt.Errorf("policy profile %s: %w", cfg.PolicyFile, err)
		}
		a.logger.InfoContext(ctx, "policy profile loaded", "file", cfg.PolicyFile, "associations", len(profile.Associations))
	}

	var dedupe events.Deduper = events.NewMemoryDeduper(24 * time.Hour)
	if cfg.RedisAddr != "" {
		rd := events.NewRedisDeduper(cfg.RedisAddr, cfg.RedisPassword, 0, 24*time.Hour)
		if err := rd.Ping(ctx); err != nil {
			a.logger.WarnContext(ctx, "redis unavailable, deduplicating in memory", "addr", cfg.RedisAddr, "error", err)
			_ = rd.Close()
		} else {
			dedupe = rd
			a.closers = append(a.closers, rd.Close)
		}
	}

	dcfg := events.DefaultConfig()
	dcfg.RatePerSecond = cfg.NotifyRate
	dcfg.MaxAttempts = cfg.NotifyMaxAttempts
	a.dispatcher = events.NewDispatcher(a.store, events.LogNotifier{Logger: a.logger.With("component", "notifier")}, dcfg,
		events.WithDeduper(dedupe),
		events.WithObservability(obs),
		events.WithLogger(a.logger.With("component", "events")),
	)

	auditW := audit.Multi{audit.NewStoreWriter(a.store), audit.NewJSONWriter(stderr)}
	a.budgets = budget.NewService(a.store, a.evaluator,
		budget.WithAudit(auditW),
		budget.WithDispatcher(a.dispatcher),
		budget.WithObservability(obs),
		budget.WithLogger(a.logger.With("component", "budget")),
	)
	a.seasons = season.NewService(a.store,
		season.WithPolicy(a.evaluator),
		season.WithAudit(auditW),
		season.WithDispatcher(a.dispatcher),
		season.WithObservability(obs),
		season.WithLogger(a.logger.With("component", "season")),
		season.WithMinimumInterest(cfg.MinStakeholderInterest),
	)
	return a, nil
}

// Close releases resources in reverse order of acquisition.
func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

// migrate applies SQL migrations; the memory store has none.
func (a *app) migrate(ctx context.Context) (bool, error) {
	if a.sql == nil {
		return false, nil
	}
	return true, a.sql.Migrate(ctx)
}

// loadApp reads configuration and wires the app, reporting failures on stderr.
func loadApp(ctx context.Context, stderr io.Writer) (*app, int) {
	cfg, err := config.Load()
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return nil, 2
	}
	a, err := newApp(ctx, cfg, stderr)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return nil, 1
	}
	return a, 0
}
