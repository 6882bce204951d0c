package events

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/miked5167/squadbooks-sub007/pkg/contracts"
	"github.com/miked5167/squadbooks-sub007/pkg/store"
)

func enqueue(t *testing.T, st *store.MemoryStore, n int) {
	t.Helper()
	require.NoError(t, st.WithSeason(context.Background(), "u11-lions", "2025-26", func(tx store.Tx) error {
		for i := 0; i < n; i++ {
			if err := tx.EnqueueEvent(context.Background(), contracts.DomainEvent{
				ID:         fmt.Sprintf("evt-%d", i),
				Type:       contracts.EventBudgetTransitioned,
				BudgetID:   "b-1",
				OccurredAt: time.Date(2025, 9, 1, 0, 0, 0, 0, time.UTC),
			}); err != nil {
				return err
			}
		}
		return nil
	}))
}

type recorder struct {
	mu   sync.Mutex
	seen []string
	err  error
}

func (r *recorder) Notify(_ context.Context, evt contracts.DomainEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.seen = append(r.seen, evt.ID)
	return nil
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.seen)
}

func unlimited() Config {
	return Config{BatchSize: 10, MaxAttempts: 2, Interval: time.Hour}
}

func TestDispatchOnce_DeliversAndMarks(t *testing.T) {
	st := store.NewMemoryStore()
	enqueue(t, st, 3)
	rec := &recorder{}
	d := NewDispatcher(st, rec, unlimited())

	stats, err := d.DispatchOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Stats{Delivered: 3}, stats)
	assert.Equal(t, []string{"evt-0", "evt-1", "evt-2"}, rec.seen)
	for _, r := range st.Outbox() {
		assert.Equal(t, contracts.OutboxDelivered, r.Status)
	}

	stats, err = d.DispatchOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Stats{}, stats)
}

func TestDispatchOnce_FailuresRetryThenGiveUp(t *testing.T) {
	st := store.NewMemoryStore()
	enqueue(t, st, 1)
	rec := &recorder{err: errors.New("smtp unavailable")}
	d := NewDispatcher(st, rec, unlimited())

	stats, err := d.DispatchOnce(context.Background())
	require.NoError(t, err, "notification failures are not returned")
	assert.Equal(t, 1, stats.Failed)
	assert.Equal(t, contracts.OutboxPending, st.Outbox()[0].Status)

	_, err = d.DispatchOnce(context.Background())
	require.NoError(t, err)
	out := st.Outbox()[0]
	assert.Equal(t, contracts.OutboxFailed, out.Status)
	assert.Equal(t, 2, out.Attempts)
	assert.Equal(t, "smtp unavailable", out.LastError)
}

func TestDispatchOnce_RecoversPanickingNotifier(t *testing.T) {
	st := store.NewMemoryStore()
	enqueue(t, st, 1)
	d := NewDispatcher(st, NotifierFunc(func(context.Context, contracts.DomainEvent) error {
		panic("template missing")
	}), unlimited())

	stats, err := d.DispatchOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Failed)
	assert.Contains(t, st.Outbox()[0].LastError, "template missing")
}

func TestDispatchOnce_SkipsClaimedEvents(t *testing.T) {
	st := store.NewMemoryStore()
	enqueue(t, st, 2)
	dd := NewMemoryDeduper(time.Hour)
	ok, err := dd.Claim(context.Background(), "evt-1")
	require.NoError(t, err)
	require.True(t, ok)

	rec := &recorder{}
	d := NewDispatcher(st, rec, unlimited(), WithDeduper(dd))
	stats, err := d.DispatchOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Stats{Delivered: 1, Skipped: 1}, stats)
	assert.Equal(t, []string{"evt-0"}, rec.seen)
}

func TestMemoryDeduper_ReleaseAndExpiry(t *testing.T) {
	dd := NewMemoryDeduper(time.Minute)
	now := time.Date(2025, 9, 1, 12, 0, 0, 0, time.UTC)
	dd.now = func() time.Time { return now }
	ctx := context.Background()

	ok, _ := dd.Claim(ctx, "e")
	assert.True(t, ok)
	ok, _ = dd.Claim(ctx, "e")
	assert.False(t, ok)

	require.NoError(t, dd.Release(ctx, "e"))
	ok, _ = dd.Claim(ctx, "e")
	assert.True(t, ok)

	now = now.Add(2 * time.Minute)
	ok, _ = dd.Claim(ctx, "e")
	assert.True(t, ok, "claims expire after the ttl")
}

func TestRun_KickTriggersDelivery(t *testing.T) {
	st := store.NewMemoryStore()
	rec := &recorder{}
	d := NewDispatcher(st, rec, unlimited())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	enqueue(t, st, 2)
	d.Kick()
	d.Kick()
	assert.Eventually(t, func() bool { return rec.count() == 2 }, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("dispatcher did not stop")
	}
}

func TestDispatchOnce_RateLimitHonoursContext(t *testing.T) {
	st := store.NewMemoryStore()
	enqueue(t, st, 3)
	rec := &recorder{}
	d := NewDispatcher(st, rec, Config{RatePerSecond: 0.001, Burst: 1, Interval: time.Hour})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	stats, err := d.DispatchOnce(ctx)
	require.Error(t, err)
	assert.Equal(t, 1, stats.Delivered)

	pending := 0
	for _, r := range st.Outbox() {
		if r.Status == contracts.OutboxPending {
			pending++
		}
	}
	assert.Equal(t, 2, pending)
}

// TestRedisDeduper_Integration requires a running Redis.
// We skip if connection fails.
func TestRedisDeduper_Integration(t *testing.T) {
	dd := NewRedisDeduper("localhost:6379", "", 0, time.Minute)
	defer dd.Close()
	ctx := context.Background()
	if err := dd.Ping(ctx); err != nil {
		t.Skip("Skipping Redis integration test: redis not available")
	}

	id := fmt.Sprintf("test-%d", time.Now().UnixNano())
	ok, err := dd.Claim(ctx, id)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = dd.Claim(ctx, id)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, dd.Release(ctx, id))
	ok, err = dd.Claim(ctx, id)
	require.NoError(t, err)
	assert.True(t, ok)
	require.NoError(t, dd.Release(ctx, id))
}
