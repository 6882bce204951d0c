// Package events delivers committed domain events from the outbox to the
// notification collaborator. Delivery is at-least-once from the outbox and
// deduplicated per event id; a failed notification never affects the
// transition that produced it.
package events

import (
	"context"
	"log/slog"

	"github.com/miked5167/squadbooks-sub007/pkg/contracts"
)

// Notifier is the external delivery collaborator (email, push, webhook).
type Notifier interface {
	Notify(ctx context.Context, evt contracts.DomainEvent) error
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, evt contracts.DomainEvent) error

func (f NotifierFunc) Notify(ctx context.Context, evt contracts.DomainEvent) error { return f(ctx, evt) }

// LogNotifier writes each event as a structured log line. It is the default
// when no delivery channel is configured.
type LogNotifier struct {
	Logger *slog.Logger
}

func (n LogNotifier) Notify(ctx context.Context, evt contracts.DomainEvent) error {
	l := n.Logger
	if l == nil {
		l = slog.Default()
	}
	l.InfoContext(ctx, "domain event",
		"event_id", evt.ID,
		"type", string(evt.Type),
		"budget_id", evt.BudgetID,
		"request_id", evt.RequestID,
		"version", evt.VersionNumber,
		"from", evt.FromStatus,
		"to", evt.ToStatus,
	)
	return nil
}
