package events

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/time/rate"

	"github.com/miked5167/squadbooks-sub007/pkg/contracts"
	"github.com/miked5167/squadbooks-sub007/pkg/observability"
)

// Outbox is the part of the store the dispatcher reads and acknowledges.
type Outbox interface {
	PendingEvents(ctx context.Context, limit int) ([]*contracts.OutboxRecord, error)
	MarkEventDelivered(ctx context.Context, eventID string) error
	MarkEventFailed(ctx context.Context, eventID string, lastErr string, giveUp bool) error
}

// Config tunes delivery.
type Config struct {
	BatchSize   int
	MaxAttempts int
	// RatePerSecond caps notifications sent; zero means unlimited.
	RatePerSecond float64
	Burst         int
	// Interval is the polling period when nobody kicks the dispatcher.
	Interval time.Duration
}

func DefaultConfig() Config {
	return Config{BatchSize: 100, MaxAttempts: 5, RatePerSecond: 20, Burst: 5, Interval: 5 * time.Second}
}

// Stats summarizes one dispatch pass.
type Stats struct {
	Delivered int
	Failed    int
	Skipped   int
}

// Dispatcher drains the outbox into a Notifier.
type Dispatcher struct {
	outbox   Outbox
	notifier Notifier
	dedupe   Deduper
	limiter  *rate.Limiter
	cfg      Config
	obs      *observability.Provider
	logger   *slog.Logger
	kick     chan struct{}
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

func WithDeduper(d Deduper) DispatcherOption { return func(x *Dispatcher) { x.dedupe = d } }

func WithObservability(p *observability.Provider) DispatcherOption {
	return func(x *Dispatcher) { x.obs = p }
}

func WithLogger(l *slog.Logger) DispatcherOption { return func(x *Dispatcher) { x.logger = l } }

// NewDispatcher creates a dispatcher. A nil notifier logs events instead.
func NewDispatcher(outbox Outbox, notifier Notifier, cfg Config, opts ...DispatcherOption) *Dispatcher {
	def := DefaultConfig()
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	limit := rate.Inf
	if cfg.RatePerSecond > 0 {
		limit = rate.Limit(cfg.RatePerSecond)
	}

	d := &Dispatcher{
		outbox:  outbox,
		limiter: rate.NewLimiter(limit, cfg.Burst),
		cfg:     cfg,
		logger:  slog.Default().With("component", "events"),
		kick:    make(chan struct{}, 1),
	}
	for _, o := range opts {
		o(d)
	}
	if notifier == nil {
		notifier = LogNotifier{Logger: d.logger}
	}
	d.notifier = notifier
	if d.dedupe == nil {
		d.dedupe = NewMemoryDeduper(24 * time.Hour)
	}
	return d
}

// Kick asks the running dispatcher to drain the outbox now. It never blocks.
func (d *Dispatcher) Kick() {
	select {
	case d.kick <- struct{}{}:
	default:
	}
}

// Run dispatches until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(d.cfg.Interval)
	defer ticker.Stop()

	for {
		if _, err := d.DispatchOnce(ctx); err != nil && ctx.Err() == nil {
			d.logger.ErrorContext(ctx, "dispatch pass failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-d.kick:
		case <-ticker.C:
		}
	}
}

// DispatchOnce delivers one batch of pending events. Notification failures
// are recorded on the outbox row and logged; only outbox access errors are
// returned.
func (d *Dispatcher) DispatchOnce(ctx context.Context) (stats Stats, err error) {
	ctx, done := d.obs.TrackOperation(ctx, "events.dispatch")
	defer func() { done(err) }()

	pending, err := d.outbox.PendingEvents(ctx, d.cfg.BatchSize)
	if err != nil {
		return stats, fmt.Errorf("failed to read outbox: %w", err)
	}

	for _, rec := range pending {
		evt := rec.Event
		claimed, err := d.dedupe.Claim(ctx, evt.ID)
		if err != nil {
			// Without a working dedupe store, deliver anyway: at-least-once.
			d.logger.WarnContext(ctx, "dedupe claim failed", "event_id", evt.ID, "error", err)
			claimed = true
		}
		if !claimed {
			stats.Skipped++
			continue
		}

		if err := d.limiter.Wait(ctx); err != nil {
			_ = d.dedupe.Release(ctx, evt.ID)
			return stats, err
		}

		if nerr := d.deliver(ctx, evt); nerr != nil {
			stats.Failed++
			giveUp := rec.Attempts+1 >= d.cfg.MaxAttempts
			d.logger.ErrorContext(ctx, "notification failed",
				"event_id", evt.ID,
				"type", string(evt.Type),
				"budget_id", evt.BudgetID,
				"request_id", evt.RequestID,
				"attempt", rec.Attempts+1,
				"give_up", giveUp,
				"error", nerr,
			)
			if rerr := d.dedupe.Release(ctx, evt.ID); rerr != nil {
				d.logger.WarnContext(ctx, "dedupe release failed", "event_id", evt.ID, "error", rerr)
			}
			if err := d.outbox.MarkEventFailed(ctx, evt.ID, nerr.Error(), giveUp); err != nil {
				return stats, fmt.Errorf("failed to mark event %s failed: %w", evt.ID, err)
			}
			continue
		}

		if err := d.outbox.MarkEventDelivered(ctx, evt.ID); err != nil {
			return stats, fmt.Errorf("failed to mark event %s delivered: %w", evt.ID, err)
		}
		stats.Delivered++
	}
	return stats, nil
}

func (d *Dispatcher) deliver(ctx context.Context, evt contracts.DomainEvent) (err error) {
	ctx, done := d.obs.TrackOperation(ctx, "events.notify",
		attribute.String("event_type", string(evt.Type)),
		attribute.String("budget_id", evt.BudgetID),
	)
	defer func() { done(err) }()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("notifier panicked: %v", r)
		}
	}()
	return d.notifier.Notify(ctx, evt)
}
