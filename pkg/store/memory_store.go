package store

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/miked5167/squadbooks-sub007/pkg/contracts"
)

type memState struct {
	budgets  map[string]*contracts.Budget
	bySeason map[string]string
	versions map[string]*contracts.BudgetVersion
	requests map[string]*contracts.AcknowledgmentRequest
	acks     map[string]*contracts.Acknowledgment
	seasons  map[string]*contracts.SeasonState
}

func newMemState() memState {
	return memState{
		budgets:  make(map[string]*contracts.Budget),
		bySeason: make(map[string]string),
		versions: make(map[string]*contracts.BudgetVersion),
		requests: make(map[string]*contracts.AcknowledgmentRequest),
		acks:     make(map[string]*contracts.Acknowledgment),
		seasons:  make(map[string]*contracts.SeasonState),
	}
}

func ackKey(requestID, stakeholderID string) string { return requestID + "\x00" + stakeholderID }

// MemoryStore implements Store in memory.
// Transactions stage copies of every record they touch and apply them under
// the write lock on commit, so a failed callback leaves nothing behind.
type MemoryStore struct {
	mu     sync.RWMutex
	state  memState
	outbox []*contracts.OutboxRecord
	audit  []contracts.AuditEntry
	locks  *keyedLocks
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		state: newMemState(),
		locks: newKeyedLocks(),
	}
}

func (s *MemoryStore) WithBudget(ctx context.Context, budgetID string, fn func(Tx) error) error {
	tx := s.begin(false)
	defer tx.release()
	if err := tx.acquire(ctx, "budget:"+budgetID); err != nil {
		return err
	}
	if _, err := tx.GetBudget(ctx, budgetID); err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		return err
	}
	s.commit(tx)
	return nil
}

func (s *MemoryStore) WithSeason(ctx context.Context, teamID, season string, fn func(Tx) error) error {
	tx := s.begin(false)
	defer tx.release()
	if err := tx.LockSeason(ctx, teamID, season); err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		return err
	}
	s.commit(tx)
	return nil
}

// View holds the read lock for the whole callback so every read sees the same
// committed state.
func (s *MemoryStore) View(ctx context.Context, fn func(Tx) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tx := s.begin(true)
	tx.pinned = true
	defer tx.release()
	return fn(tx)
}

func (s *MemoryStore) begin(readOnly bool) *memTx {
	return &memTx{
		s:        s,
		staged:   newMemState(),
		held:     make(map[string]bool),
		readOnly: readOnly,
	}
}

func (s *MemoryStore) commit(tx *memTx) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, v := range tx.staged.budgets {
		s.state.budgets[k] = v
	}
	for k, v := range tx.staged.bySeason {
		s.state.bySeason[k] = v
	}
	for k, v := range tx.staged.versions {
		s.state.versions[k] = v
	}
	for k, v := range tx.staged.requests {
		s.state.requests[k] = v
	}
	for k, v := range tx.staged.acks {
		s.state.acks[k] = v
	}
	for k, v := range tx.staged.seasons {
		s.state.seasons[k] = v
	}
	for _, evt := range tx.events {
		s.outbox = append(s.outbox, &contracts.OutboxRecord{
			Event:     evt,
			Status:    contracts.OutboxPending,
			CreatedAt: evt.OccurredAt,
		})
	}
}

func (s *MemoryStore) ListDueRequests(_ context.Context, now time.Time) ([]DueRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var due []DueRequest
	for _, r := range s.state.requests {
		if r.Overdue(now) {
			due = append(due, DueRequest{RequestID: r.ID, BudgetID: r.BudgetID})
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].RequestID < due[j].RequestID })
	return due, nil
}

func (s *MemoryStore) PendingEvents(_ context.Context, limit int) ([]*contracts.OutboxRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*contracts.OutboxRecord
	for _, rec := range s.outbox {
		if rec.Status != contracts.OutboxPending {
			continue
		}
		c := *rec
		out = append(out, &c)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *MemoryStore) MarkEventDelivered(_ context.Context, eventID string) error {
	return s.updateOutbox(eventID, func(rec *contracts.OutboxRecord) {
		rec.Status = contracts.OutboxDelivered
		rec.Attempts++
	})
}

func (s *MemoryStore) MarkEventFailed(_ context.Context, eventID string, lastErr string, giveUp bool) error {
	return s.updateOutbox(eventID, func(rec *contracts.OutboxRecord) {
		rec.Attempts++
		rec.LastError = lastErr
		if giveUp {
			rec.Status = contracts.OutboxFailed
		}
	})
}

func (s *MemoryStore) updateOutbox(eventID string, fn func(*contracts.OutboxRecord)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rec := range s.outbox {
		if rec.Event.ID == eventID {
			fn(rec)
			return nil
		}
	}
	return notFound("event", eventID)
}

// Outbox returns a copy of every stored event record.
func (s *MemoryStore) Outbox() []contracts.OutboxRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]contracts.OutboxRecord, 0, len(s.outbox))
	for _, rec := range s.outbox {
		out = append(out, *rec)
	}
	return out
}

func (s *MemoryStore) AppendAudit(_ context.Context, e contracts.AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.audit = append(s.audit, e)
	return nil
}

// AuditEntries returns a copy of the audit log.
func (s *MemoryStore) AuditEntries() []contracts.AuditEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]contracts.AuditEntry(nil), s.audit...)
}

func (s *MemoryStore) Close() error { return nil }

// memTx reads through its staged copies to the committed state.
type memTx struct {
	s        *MemoryStore
	staged   memState
	events   []contracts.DomainEvent
	held     map[string]bool
	order    []string
	readOnly bool
	// pinned is set while View holds the store's read lock.
	pinned   bool
}

func (tx *memTx) rlock() {
	if !tx.pinned {
		tx.s.mu.RLock()
	}
}

func (tx *memTx) runlock() {
	if !tx.pinned {
		tx.s.mu.RUnlock()
	}
}

func (tx *memTx) acquire(ctx context.Context, key string) error {
	if tx.held[key] {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	tx.s.locks.lock(key)
	tx.held[key] = true
	tx.order = append(tx.order, key)
	return nil
}

func (tx *memTx) release() {
	for i := len(tx.order) - 1; i >= 0; i-- {
		tx.s.locks.unlock(tx.order[i])
	}
	tx.order = nil
	tx.held = map[string]bool{}
}

func (tx *memTx) writable() error {
	if tx.readOnly {
		return ErrReadOnly
	}
	return nil
}

func (tx *memTx) LockSeason(ctx context.Context, teamID, season string) error {
	if tx.readOnly {
		return nil
	}
	return tx.acquire(ctx, "season:"+contracts.SeasonKey(teamID, season))
}

func (tx *memTx) GetBudget(_ context.Context, id string) (*contracts.Budget, error) {
	if b, ok := tx.staged.budgets[id]; ok {
		return b.Clone(), nil
	}
	tx.rlock()
	defer tx.runlock()
	if b, ok := tx.s.state.budgets[id]; ok {
		return b.Clone(), nil
	}
	return nil, notFound("budget", id)
}

func (tx *memTx) FindBudget(ctx context.Context, teamID, season string) (*contracts.Budget, error) {
	key := contracts.SeasonKey(teamID, season)
	id, ok := tx.staged.bySeason[key]
	if !ok {
		tx.rlock()
		id, ok = tx.s.state.bySeason[key]
		tx.runlock()
	}
	if !ok {
		return nil, notFound("budget", key)
	}
	return tx.GetBudget(ctx, id)
}

func (tx *memTx) InsertBudget(ctx context.Context, b *contracts.Budget) error {
	if err := tx.writable(); err != nil {
		return err
	}
	if _, err := tx.GetBudget(ctx, b.ID); err == nil {
		return fmt.Errorf("budget %q: %w", b.ID, ErrConflict)
	}
	if _, err := tx.FindBudget(ctx, b.TeamID, b.Season); err == nil {
		return fmt.Errorf("budget for %s: %w", contracts.SeasonKey(b.TeamID, b.Season), ErrConflict)
	}
	tx.staged.budgets[b.ID] = b.Clone()
	tx.staged.bySeason[contracts.SeasonKey(b.TeamID, b.Season)] = b.ID
	return nil
}

func (tx *memTx) UpdateBudget(ctx context.Context, b *contracts.Budget) error {
	if err := tx.writable(); err != nil {
		return err
	}
	if _, err := tx.GetBudget(ctx, b.ID); err != nil {
		return err
	}
	tx.staged.budgets[b.ID] = b.Clone()
	return nil
}

func (tx *memTx) GetVersion(_ context.Context, budgetID string, number int) (*contracts.BudgetVersion, error) {
	key := contracts.VersionID(budgetID, number)
	if v, ok := tx.staged.versions[key]; ok {
		return v.Clone(), nil
	}
	tx.rlock()
	defer tx.runlock()
	if v, ok := tx.s.state.versions[key]; ok {
		return v.Clone(), nil
	}
	return nil, notFound("budget version", key)
}

func (tx *memTx) ListVersions(_ context.Context, budgetID string) ([]*contracts.BudgetVersion, error) {
	seen := make(map[string]*contracts.BudgetVersion)
	tx.rlock()
	for k, v := range tx.s.state.versions {
		if v.BudgetID == budgetID {
			seen[k] = v
		}
	}
	tx.runlock()
	for k, v := range tx.staged.versions {
		if v.BudgetID == budgetID {
			seen[k] = v
		}
	}
	out := make([]*contracts.BudgetVersion, 0, len(seen))
	for _, v := range seen {
		out = append(out, v.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Number < out[j].Number })
	return out, nil
}

func (tx *memTx) InsertVersion(ctx context.Context, v *contracts.BudgetVersion) error {
	if err := tx.writable(); err != nil {
		return err
	}
	if _, err := tx.GetVersion(ctx, v.BudgetID, v.Number); err == nil {
		return fmt.Errorf("budget version %s: %w", v.ID(), ErrConflict)
	}
	tx.staged.versions[v.ID()] = v.Clone()
	return nil
}

func (tx *memTx) GetRequest(_ context.Context, id string) (*contracts.AcknowledgmentRequest, error) {
	if r, ok := tx.staged.requests[id]; ok {
		return r.Clone(), nil
	}
	tx.rlock()
	defer tx.runlock()
	if r, ok := tx.s.state.requests[id]; ok {
		return r.Clone(), nil
	}
	return nil, notFound("acknowledgment request", id)
}

func (tx *memTx) InsertRequest(ctx context.Context, r *contracts.AcknowledgmentRequest) error {
	if err := tx.writable(); err != nil {
		return err
	}
	if _, err := tx.GetRequest(ctx, r.ID); err == nil {
		return fmt.Errorf("acknowledgment request %q: %w", r.ID, ErrConflict)
	}
	tx.staged.requests[r.ID] = r.Clone()
	return nil
}

func (tx *memTx) SetRequestCount(ctx context.Context, id string, count int) error {
	if err := tx.writable(); err != nil {
		return err
	}
	r, err := tx.GetRequest(ctx, id)
	if err != nil {
		return err
	}
	r.AcknowledgedCount = count
	tx.staged.requests[id] = r
	return nil
}

func (tx *memTx) CompleteRequest(ctx context.Context, id string, at time.Time) (bool, error) {
	return tx.flipRequest(ctx, id, func(r *contracts.AcknowledgmentRequest) {
		r.Status = contracts.RequestCompleted
		r.CompletedAt = &at
	})
}

func (tx *memTx) ExpireRequest(ctx context.Context, id string, at time.Time) (bool, error) {
	return tx.flipRequest(ctx, id, func(r *contracts.AcknowledgmentRequest) {
		r.Status = contracts.RequestExpired
		r.ExpiredAt = &at
	})
}

func (tx *memTx) flipRequest(ctx context.Context, id string, fn func(*contracts.AcknowledgmentRequest)) (bool, error) {
	if err := tx.writable(); err != nil {
		return false, err
	}
	r, err := tx.GetRequest(ctx, id)
	if err != nil {
		return false, err
	}
	if r.Status != contracts.RequestPending {
		return false, nil
	}
	fn(r)
	tx.staged.requests[id] = r
	return true, nil
}

func (tx *memTx) InsertAcknowledgment(ctx context.Context, a *contracts.Acknowledgment) error {
	if err := tx.writable(); err != nil {
		return err
	}
	if _, err := tx.GetAcknowledgment(ctx, a.RequestID, a.StakeholderID); err == nil {
		return fmt.Errorf("acknowledgment %s/%s: %w", a.RequestID, a.StakeholderID, ErrConflict)
	}
	tx.staged.acks[ackKey(a.RequestID, a.StakeholderID)] = a.Clone()
	return nil
}

func (tx *memTx) GetAcknowledgment(_ context.Context, requestID, stakeholderID string) (*contracts.Acknowledgment, error) {
	key := ackKey(requestID, stakeholderID)
	if a, ok := tx.staged.acks[key]; ok {
		return a.Clone(), nil
	}
	tx.rlock()
	defer tx.runlock()
	if a, ok := tx.s.state.acks[key]; ok {
		return a.Clone(), nil
	}
	return nil, notFound("acknowledgment", requestID+"/"+stakeholderID)
}

func (tx *memTx) ListAcknowledgments(_ context.Context, requestID string) ([]*contracts.Acknowledgment, error) {
	prefix := requestID + "\x00"
	seen := make(map[string]*contracts.Acknowledgment)
	tx.rlock()
	for k, a := range tx.s.state.acks {
		if strings.HasPrefix(k, prefix) {
			seen[k] = a
		}
	}
	tx.runlock()
	for k, a := range tx.staged.acks {
		if strings.HasPrefix(k, prefix) {
			seen[k] = a
		}
	}
	out := make([]*contracts.Acknowledgment, 0, len(seen))
	for _, a := range seen {
		out = append(out, a.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StakeholderID < out[j].StakeholderID })
	return out, nil
}

func (tx *memTx) MarkAcknowledged(ctx context.Context, requestID, stakeholderID string, u AckUpdate) (bool, error) {
	if err := tx.writable(); err != nil {
		return false, err
	}
	a, err := tx.GetAcknowledgment(ctx, requestID, stakeholderID)
	if err != nil {
		return false, err
	}
	if a.Acknowledged {
		return false, nil
	}
	at := u.At
	a.Acknowledged = true
	a.AcknowledgedAt = &at
	a.Provenance = u.Provenance
	a.Comment = u.Comment
	a.HasQuestions = u.HasQuestions
	tx.staged.acks[ackKey(requestID, stakeholderID)] = a
	return true, nil
}

func (tx *memTx) CountAcknowledged(ctx context.Context, requestID string) (int, error) {
	acks, err := tx.ListAcknowledgments(ctx, requestID)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, a := range acks {
		if a.Acknowledged {
			n++
		}
	}
	return n, nil
}

func (tx *memTx) GetSeason(_ context.Context, teamID, season string) (*contracts.SeasonState, error) {
	key := contracts.SeasonKey(teamID, season)
	if st, ok := tx.staged.seasons[key]; ok {
		return st.Clone(), nil
	}
	tx.rlock()
	defer tx.runlock()
	if st, ok := tx.s.state.seasons[key]; ok {
		return st.Clone(), nil
	}
	return nil, notFound("season", key)
}

func (tx *memTx) UpsertSeason(_ context.Context, st *contracts.SeasonState) error {
	if err := tx.writable(); err != nil {
		return err
	}
	tx.staged.seasons[contracts.SeasonKey(st.TeamID, st.Season)] = st.Clone()
	return nil
}

func (tx *memTx) EnqueueEvent(_ context.Context, evt contracts.DomainEvent) error {
	if err := tx.writable(); err != nil {
		return err
	}
	tx.events = append(tx.events, evt)
	return nil
}

// keyedLocks hands out one mutex per key and forgets it when unused.
type keyedLocks struct {
	mu sync.Mutex
	m  map[string]*keyedLock
}

type keyedLock struct {
	mu   sync.Mutex
	refs int
}

func newKeyedLocks() *keyedLocks {
	return &keyedLocks{m: make(map[string]*keyedLock)}
}

func (k *keyedLocks) lock(key string) {
	k.mu.Lock()
	l, ok := k.m[key]
	if !ok {
		l = &keyedLock{}
		k.m[key] = l
	}
	l.refs++
	k.mu.Unlock()
	l.mu.Lock()
}

func (k *keyedLocks) unlock(key string) {
	k.mu.Lock()
	defer k.mu.Unlock()
	l, ok := k.m[key]
	if !ok {
		return
	}
	l.mu.Unlock()
	l.refs--
	if l.refs == 0 {
		delete(k.m, key)
	}
}
