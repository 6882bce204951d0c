package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/miked5167/squadbooks-sub007/pkg/contracts"
)

func openSQLite(t *testing.T) *SQLStore {
	t.Helper()
	s, err := Open(context.Background(), "sqlite", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	require.NoError(t, s.Migrate(context.Background()))
	return s
}

func TestSQLite_MigrateIsIdempotent(t *testing.T) {
	s := openSQLite(t)
	require.NoError(t, s.Migrate(context.Background()))

	var n int
	require.NoError(t, s.DB().QueryRow("SELECT COUNT(*) FROM schema_migrations").Scan(&n))
	assert.Equal(t, 1, n)
}

func TestSQLite_BudgetAndVersionRoundTrip(t *testing.T) {
	s := openSQLite(t)
	seedBudget(t, s, "b1")
	ctx := context.Background()

	require.NoError(t, s.WithBudget(ctx, "b1", func(tx Tx) error {
		b, err := tx.GetBudget(ctx, "b1")
		require.NoError(t, err)
		assert.Equal(t, contracts.BudgetDraft, b.Status)
		assert.True(t, b.CreatedAt.Equal(t0))
		assert.Nil(t, b.PresentedVersionNumber)

		b.Status = contracts.BudgetPresented
		b.PresentedVersionNumber = contracts.IntPtr(1)
		b.CurrentRequestID = contracts.StringPtr("r1")
		b.CurrentVersionNumber = 2
		if err := tx.UpdateBudget(ctx, b); err != nil {
			return err
		}
		return tx.InsertVersion(ctx, &contracts.BudgetVersion{
			BudgetID: "b1", Number: 2, Total: decimal.RequireFromString("250.50"),
			Allocations: []contracts.Allocation{
				{CategoryID: "ice", CategoryName: "Ice", Amount: decimal.RequireFromString("200.25")},
				{CategoryID: "ref", CategoryName: "Referees", Amount: decimal.RequireFromString("50.25"), Notes: "8 games"},
			},
			ChangeSummary: "added referees", ContentHash: "h2", CreatedBy: "t1", CreatedAt: t0,
		})
	}))

	require.NoError(t, s.View(ctx, func(tx Tx) error {
		b, err := tx.FindBudget(ctx, "team-b1", "2025-26")
		require.NoError(t, err)
		assert.Equal(t, 1, *b.PresentedVersionNumber)
		assert.Equal(t, "r1", *b.CurrentRequestID)

		v, err := tx.GetVersion(ctx, "b1", 2)
		require.NoError(t, err)
		assert.True(t, v.Total.Equal(decimal.RequireFromString("250.5")))
		require.Len(t, v.Allocations, 2)
		assert.Equal(t, "ref", v.Allocations[1].CategoryID)
		assert.Equal(t, "8 games", v.Allocations[1].Notes)

		all, err := tx.ListVersions(ctx, "b1")
		require.NoError(t, err)
		require.Len(t, all, 2)
		assert.Equal(t, 1, all[0].Number)
		assert.Len(t, all[0].Allocations, 1)

		_, err = tx.GetVersion(ctx, "b1", 3)
		assert.ErrorIs(t, err, contracts.ErrNotFound)
		return nil
	}))
}

func TestSQLite_DuplicateVersionIsConflict(t *testing.T) {
	s := openSQLite(t)
	seedBudget(t, s, "b1")
	ctx := context.Background()
	err := s.WithBudget(ctx, "b1", func(tx Tx) error {
		return tx.InsertVersion(ctx, &contracts.BudgetVersion{BudgetID: "b1", Number: 1, Total: decimal.Zero, CreatedAt: t0})
	})
	assert.ErrorIs(t, err, ErrConflict)
}

func TestSQLite_LedgerFlipsAndCounts(t *testing.T) {
	s := openSQLite(t)
	seedBudget(t, s, "b1")
	seedRequest(t, s, "b1", "r1", "s1", "s2", "s3")
	ctx := context.Background()

	require.NoError(t, s.WithBudget(ctx, "b1", func(tx Tx) error {
		for _, sh := range []string{"s1", "s2"} {
			ok, err := tx.MarkAcknowledged(ctx, "r1", sh, AckUpdate{
				At: t0, Provenance: contracts.Provenance{OriginAddress: "10.0.0.1"}, Comment: "ok",
			})
			require.NoError(t, err)
			assert.True(t, ok)
		}
		ok, err := tx.MarkAcknowledged(ctx, "r1", "s1", AckUpdate{At: t0})
		require.NoError(t, err)
		assert.False(t, ok)

		n, err := tx.CountAcknowledged(ctx, "r1")
		require.NoError(t, err)
		assert.Equal(t, 2, n)
		require.NoError(t, tx.SetRequestCount(ctx, "r1", n))

		ok, err = tx.CompleteRequest(ctx, "r1", t0)
		require.NoError(t, err)
		assert.True(t, ok)
		ok, err = tx.CompleteRequest(ctx, "r1", t0)
		require.NoError(t, err)
		assert.False(t, ok)
		return nil
	}))

	require.NoError(t, s.View(ctx, func(tx Tx) error {
		r, err := tx.GetRequest(ctx, "r1")
		require.NoError(t, err)
		assert.Equal(t, contracts.RequestCompleted, r.Status)
		assert.Equal(t, 2, r.AcknowledgedCount)
		require.NotNil(t, r.CompletedAt)

		a, err := tx.GetAcknowledgment(ctx, "r1", "s1")
		require.NoError(t, err)
		assert.True(t, a.Acknowledged)
		assert.Equal(t, "10.0.0.1", a.Provenance.OriginAddress)

		acks, err := tx.ListAcknowledgments(ctx, "r1")
		require.NoError(t, err)
		assert.Len(t, acks, 3)
		assert.False(t, acks[2].Acknowledged)
		return nil
	}))
}

func TestSQLite_RollbackLeavesNoTrace(t *testing.T) {
	s := openSQLite(t)
	seedBudget(t, s, "b1")
	ctx := context.Background()

	boom := errors.New("guard failed")
	err := s.WithBudget(ctx, "b1", func(tx Tx) error {
		b, _ := tx.GetBudget(ctx, "b1")
		b.Status = contracts.BudgetLocked
		require.NoError(t, tx.UpdateBudget(ctx, b))
		require.NoError(t, tx.EnqueueEvent(ctx, contracts.DomainEvent{ID: "e1", Type: contracts.EventBudgetLocked, OccurredAt: t0}))
		return boom
	})
	assert.ErrorIs(t, err, boom)

	pending, err := s.PendingEvents(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, pending)
	require.NoError(t, s.View(ctx, func(tx Tx) error {
		b, err := tx.GetBudget(ctx, "b1")
		require.NoError(t, err)
		assert.Equal(t, contracts.BudgetDraft, b.Status)
		return nil
	}))
}

func TestSQLite_SeasonUpsertAndOutbox(t *testing.T) {
	s := openSQLite(t)
	ctx := context.Background()

	require.NoError(t, s.WithSeason(ctx, "team-1", "2025-26", func(tx Tx) error {
		_, err := tx.GetSeason(ctx, "team-1", "2025-26")
		assert.ErrorIs(t, err, contracts.ErrNotFound)
		if err := tx.UpsertSeason(ctx, &contracts.SeasonState{
			TeamID: "team-1", Season: "2025-26", State: contracts.SeasonNew, LastActivityAt: t0,
		}); err != nil {
			return err
		}
		return tx.UpsertSeason(ctx, &contracts.SeasonState{
			TeamID: "team-1", Season: "2025-26", State: contracts.SeasonBudgetDraft,
			EligibleStakeholderCount: contracts.IntPtr(12), LastActivityAt: t0.Add(time.Minute),
		})
	}))

	require.NoError(t, s.View(ctx, func(tx Tx) error {
		st, err := tx.GetSeason(ctx, "team-1", "2025-26")
		require.NoError(t, err)
		assert.Equal(t, contracts.SeasonBudgetDraft, st.State)
		assert.Equal(t, 12, *st.EligibleStakeholderCount)
		assert.True(t, st.LastActivityAt.Equal(t0.Add(time.Minute)))
		return nil
	}))

	require.NoError(t, s.WithSeason(ctx, "team-1", "2025-26", func(tx Tx) error {
		return tx.EnqueueEvent(ctx, contracts.DomainEvent{
			ID: "e1", Type: contracts.EventEligibleRecorded, TeamID: "team-1", OccurredAt: t0,
			Data: map[string]string{"count": "12"},
		})
	}))
	pending, err := s.PendingEvents(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "12", pending[0].Event.Data["count"])

	require.NoError(t, s.MarkEventFailed(ctx, "e1", "timeout", true))
	pending, err = s.PendingEvents(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestSQLite_DueRequestsAndAudit(t *testing.T) {
	s := openSQLite(t)
	seedBudget(t, s, "b1")
	ctx := context.Background()

	exp := t0.Add(24 * time.Hour)
	require.NoError(t, s.WithBudget(ctx, "b1", func(tx Tx) error {
		return tx.InsertRequest(ctx, &contracts.AcknowledgmentRequest{
			ID: "r1", BudgetID: "b1", VersionNumber: 1, VersionHash: "h1", Mode: contracts.QuorumPercent,
			RequiredPercent: decimal.NewFromInt(80), EligibleCount: 10, Status: contracts.RequestPending,
			CreatedBy: "t1", CreatedAt: t0, ExpiresAt: &exp,
		})
	}))

	due, err := s.ListDueRequests(ctx, exp.Add(-time.Nanosecond))
	require.NoError(t, err)
	assert.Empty(t, due)
	due, err = s.ListDueRequests(ctx, exp)
	require.NoError(t, err)
	assert.Equal(t, []DueRequest{{RequestID: "r1", BudgetID: "b1"}}, due)

	require.NoError(t, s.AppendAudit(ctx, contracts.AuditEntry{
		ID: "a1", ActorID: "t1", ActorRole: "TREASURER", Action: "SUBMIT_FOR_REVIEW",
		EntityType: "budget", EntityID: "b1", BeforeState: map[string]string{"status": "DRAFT"},
		AfterState: map[string]string{"status": "REVIEW"}, At: t0,
	}))
	var after string
	require.NoError(t, s.DB().QueryRow("SELECT after_state FROM audit_log WHERE id = 'a1'").Scan(&after))
	assert.JSONEq(t, `{"status":"REVIEW"}`, after)
}

func TestSQLiteDSN(t *testing.T) {
	assert.Equal(t, "file:x.db?_txlock=immediate&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)", sqliteDSN("file:x.db"))
	assert.Equal(t, "file:x.db?mode=rwc&_txlock=immediate&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)", sqliteDSN("file:x.db?mode=rwc"))
	assert.Equal(t, "file:x.db?_txlock=deferred&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)", sqliteDSN("file:x.db?_txlock=deferred"))
}

func TestSQLite_WritersSerializeAcrossHandles(t *testing.T) {
	dsn := "file:" + filepath.Join(t.TempDir(), "shared.db")
	ctx := context.Background()
	a, err := Open(ctx, "sqlite", dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })
	require.NoError(t, a.Migrate(ctx))
	seedBudget(t, a, "b1")

	b, err := Open(ctx, "sqlite", dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })

	bump := func(tx Tx, pause time.Duration) error {
		bud, err := tx.GetBudget(ctx, "b1")
		if err != nil {
			return err
		}
		time.Sleep(pause)
		bud.CurrentVersionNumber++
		return tx.UpdateBudget(ctx, bud)
	}

	started := make(chan struct{})
	errc := make(chan error, 1)
	go func() {
		errc <- a.WithBudget(ctx, "b1", func(tx Tx) error {
			close(started)
			return bump(tx, 100*time.Millisecond)
		})
	}()
	<-started
	require.NoError(t, b.WithBudget(ctx, "b1", func(tx Tx) error { return bump(tx, 0) }))
	require.NoError(t, <-errc)

	require.NoError(t, b.View(ctx, func(tx Tx) error {
		bud, err := tx.GetBudget(ctx, "b1")
		require.NoError(t, err)
		assert.Equal(t, 3, bud.CurrentVersionNumber, "no update may be lost")
		return nil
	}))
}
