package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/miked5167/squadbooks-sub007/pkg/auth"
	"github.com/miked5167/squadbooks-sub007/pkg/config"
	"github.com/miked5167/squadbooks-sub007/pkg/governance"
)

func runMigrateCmd(_ []string, stdout, stderr io.Writer) int {
	ctx := context.Background()
	a, code := loadApp(ctx, stderr)
	if a == nil {
		return code
	}
	defer a.Close()

	ran, err := a.migrate(ctx)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: migration failed: %v\n", err)
		return 1
	}
	if !ran {
		_, _ = fmt.Fprintln(stdout, "memory store: nothing to migrate")
		return 0
	}
	_, _ = fmt.Fprintln(stdout, "migrations applied")
	return 0
}

func runSweepCmd(_ []string, stdout, stderr io.Writer) int {
	ctx := context.Background()
	a, code := loadApp(ctx, stderr)
	if a == nil {
		return code
	}
	defer a.Close()

	n, err := a.budgets.ExpireDue(ctx, auth.System)
	_, _ = fmt.Fprintf(stdout, "expired %d acknowledgment request(s)\n", n)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}

func runDispatchCmd(_ []string, stdout, stderr io.Writer) int {
	ctx := context.Background()
	a, code := loadApp(ctx, stderr)
	if a == nil {
		return code
	}
	defer a.Close()

	stats, err := a.dispatcher.DispatchOnce(ctx)
	_, _ = fmt.Fprintf(stdout, "delivered=%d failed=%d skipped=%d\n", stats.Delivered, stats.Failed, stats.Skipped)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}

func runStateCmd(args []string, stdout, stderr io.Writer) int {
	if len(args) != 1 || args[0] == "" {
		_, _ = fmt.Fprintln(stderr, "Usage: squadbooks state <budget-id>")
		return 2
	}
	ctx := context.Background()
	a, code := loadApp(ctx, stderr)
	if a == nil {
		return code
	}
	defer a.Close()

	st, err := a.budgets.GetCurrentState(ctx, auth.System, args[0])
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(st); err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	if !st.Consistent {
		_, _ = fmt.Fprintln(stderr, "Warning: season state does not match budget status")
		return 1
	}
	return 0
}

func runPolicyCheckCmd(args []string, stdout, stderr io.Writer) int {
	if len(args) != 1 {
		_, _ = fmt.Fprintln(stderr, "Usage: squadbooks policy check <file>")
		return 2
	}
	profile, err := config.LoadProfile(args[0])
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	src := governance.NewStaticSource()
	ev, err := governance.NewEvaluator(src)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	if err := profile.Apply(src, ev.CheckRule); err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	_, _ = fmt.Fprintf(stdout, "%s: ok (%d association policies, schema_version %s)\n",
		args[0], len(profile.Associations), profile.SchemaVersion)
	return 0
}

// runServeCmd runs the dispatcher and the expiry sweeper until SIGINT or
// SIGTERM.
func runServeCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("run", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	var noMigrate bool
	cmd.BoolVar(&noMigrate, "no-migrate", false, "Skip applying migrations at startup")
	if err := cmd.Parse(args); err != nil {
		return 2
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, code := loadApp(ctx, stderr)
	if a == nil {
		return code
	}
	defer a.Close()

	if !noMigrate {
		if _, err := a.migrate(ctx); err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: migration failed: %v\n", err)
			return 1
		}
	}

	a.logger.InfoContext(ctx, "squadbooks running",
		"driver", a.cfg.DatabaseDriver,
		"sweep_interval", a.cfg.SweepInterval.String(),
		"notify_rate", a.cfg.NotifyRate,
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.dispatcher.Run(gctx) })
	g.Go(func() error { return sweep(gctx, a, a.cfg.SweepInterval) })

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	_, _ = fmt.Fprintln(stdout, "shutdown complete")
	return 0
}

func sweep(ctx context.Context, a *app, every time.Duration) error {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		n, err := a.budgets.ExpireDue(ctx, auth.System)
		switch {
		case err != nil && ctx.Err() == nil:
			a.logger.ErrorContext(ctx, "expiry sweep failed", "expired", n, "error", err)
		case n > 0:
			a.logger.InfoContext(ctx, "expired acknowledgment requests", "count", n)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
