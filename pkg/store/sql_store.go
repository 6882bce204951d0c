package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/miked5167/squadbooks-sub007/pkg/contracts"
)

// Dialect selects placeholder style and locking statements.
type Dialect string

const (
	DialectPostgres Dialect = "postgres"
	DialectSQLite   Dialect = "sqlite"
)

// SQLStore implements Store on PostgreSQL or SQLite.
//
// On PostgreSQL, WithBudget takes a row lock on the budget (SELECT ... FOR
// UPDATE) and LockSeason takes a transaction-scoped advisory lock. SQLite write
// transactions begin IMMEDIATE, which serializes writers across processes, and
// the pool holds a single connection.
type SQLStore struct {
	db      *sql.DB
	dialect Dialect
}

func NewSQLStore(db *sql.DB, dialect Dialect) *SQLStore {
	return &SQLStore{db: db, dialect: dialect}
}

// Open connects with the named driver ("postgres" or "sqlite").
func Open(ctx context.Context, driver, dsn string) (*SQLStore, error) {
	var d Dialect
	switch driver {
	case "postgres", "postgresql":
		d = DialectPostgres
	case "sqlite", "sqlite3":
		d = DialectSQLite
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}

	if d == DialectSQLite {
		dsn = sqliteDSN(dsn)
	}
	db, err := sql.Open(string(d), dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", d, err)
	}
	if d == DialectSQLite {
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping %s: %w", d, err)
	}
	return NewSQLStore(db, d), nil
}

// sqliteDSN adds the connection parameters every SQLite handle needs unless
// the DSN already sets them.
func sqliteDSN(dsn string) string {
	params := []struct{ key, value string }{
		{"_txlock", "_txlock=immediate"},
		{"busy_timeout", "_pragma=busy_timeout(5000)"},
		{"foreign_keys", "_pragma=foreign_keys(1)"},
	}
	for _, p := range params {
		if strings.Contains(dsn, p.key) {
			continue
		}
		sep := "?"
		if strings.Contains(dsn, "?") {
			sep = "&"
		}
		dsn += sep + p.value
	}
	return dsn
}

// DB exposes the underlying handle.
func (s *SQLStore) DB() *sql.DB { return s.db }

func (s *SQLStore) Dialect() Dialect { return s.dialect }

func (s *SQLStore) Close() error { return s.db.Close() }

// rebind rewrites ? placeholders to $N for PostgreSQL.
func rebind(d Dialect, query string) string {
	if d != DialectPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// txOptions gives read-only transactions one snapshot for every statement.
// SQLite read transactions also skip the IMMEDIATE lock.
func (s *SQLStore) txOptions(readOnly bool) *sql.TxOptions {
	if !readOnly {
		return nil
	}
	opts := &sql.TxOptions{ReadOnly: true}
	if s.dialect == DialectPostgres {
		opts.Isolation = sql.LevelRepeatableRead
	}
	return opts
}

func (s *SQLStore) inTx(ctx context.Context, readOnly bool, fn func(*sqlTx) error) (err error) {
	tx, err := s.db.BeginTx(ctx, s.txOptions(readOnly))
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()

	t := &sqlTx{tx: tx, dialect: s.dialect, readOnly: readOnly}
	if err := fn(t); err != nil {
		_ = tx.Rollback()
		return err
	}
	if readOnly {
		return tx.Rollback()
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func (s *SQLStore) WithBudget(ctx context.Context, budgetID string, fn func(Tx) error) error {
	return s.inTx(ctx, false, func(t *sqlTx) error {
		q := "SELECT id FROM budgets WHERE id = ?"
		if s.dialect == DialectPostgres {
			q += " FOR UPDATE"
		}
		var id string
		err := t.tx.QueryRowContext(ctx, rebind(s.dialect, q), budgetID).Scan(&id)
		if errors.Is(err, sql.ErrNoRows) {
			return notFound("budget", budgetID)
		}
		if err != nil {
			return fmt.Errorf("failed to lock budget: %w", err)
		}
		return fn(t)
	})
}

func (s *SQLStore) WithSeason(ctx context.Context, teamID, season string, fn func(Tx) error) error {
	return s.inTx(ctx, false, func(t *sqlTx) error {
		if err := t.LockSeason(ctx, teamID, season); err != nil {
			return err
		}
		return fn(t)
	})
}

func (s *SQLStore) View(ctx context.Context, fn func(Tx) error) error {
	return s.inTx(ctx, true, func(t *sqlTx) error { return fn(t) })
}

func (s *SQLStore) ListDueRequests(ctx context.Context, now time.Time) ([]DueRequest, error) {
	q := rebind(s.dialect, `SELECT id, budget_id FROM acknowledgment_requests
		WHERE status = ? AND expires_at IS NOT NULL AND expires_at <= ?
		ORDER BY id`)
	rows, err := s.db.QueryContext(ctx, q, string(contracts.RequestPending), nanos(now))
	if err != nil {
		return nil, fmt.Errorf("failed to list due requests: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var due []DueRequest
	for rows.Next() {
		var d DueRequest
		if err := rows.Scan(&d.RequestID, &d.BudgetID); err != nil {
			return nil, err
		}
		due = append(due, d)
	}
	return due, rows.Err()
}

func (s *SQLStore) PendingEvents(ctx context.Context, limit int) ([]*contracts.OutboxRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	q := rebind(s.dialect, `SELECT id, payload, status, attempts, last_error, created_at
		FROM event_outbox
		WHERE status = ?
		ORDER BY created_at ASC, id ASC
		LIMIT ?`)
	rows, err := s.db.QueryContext(ctx, q, string(contracts.OutboxPending), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	//nolint:prealloc // result count unknown from SQL query
	var out []*contracts.OutboxRecord
	for rows.Next() {
		var (
			id, payload, status, lastErr string
			attempts                     int
			created                      int64
		)
		if err := rows.Scan(&id, &payload, &status, &attempts, &lastErr, &created); err != nil {
			return nil, err
		}
		rec := &contracts.OutboxRecord{
			Status:    contracts.OutboxStatus(status),
			Attempts:  attempts,
			LastError: lastErr,
			CreatedAt: fromNanos(created),
		}
		if err := json.Unmarshal([]byte(payload), &rec.Event); err != nil {
			return nil, fmt.Errorf("corrupt event JSON in outbox record %s: %w", id, err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *SQLStore) MarkEventDelivered(ctx context.Context, eventID string) error {
	q := rebind(s.dialect, `UPDATE event_outbox SET status = ?, attempts = attempts + 1 WHERE id = ?`)
	return s.execOne(ctx, "event", eventID, q, string(contracts.OutboxDelivered), eventID)
}

func (s *SQLStore) MarkEventFailed(ctx context.Context, eventID string, lastErr string, giveUp bool) error {
	status := contracts.OutboxPending
	if giveUp {
		status = contracts.OutboxFailed
	}
	q := rebind(s.dialect, `UPDATE event_outbox SET status = ?, attempts = attempts + 1, last_error = ? WHERE id = ?`)
	return s.execOne(ctx, "event", eventID, q, string(status), lastErr, eventID)
}

func (s *SQLStore) execOne(ctx context.Context, entity, id, q string, args ...any) error {
	res, err := s.db.ExecContext(ctx, q, args...)
	if err != nil {
		return fmt.Errorf("failed to update %s: %w", entity, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return notFound(entity, id)
	}
	return nil
}

func (s *SQLStore) AppendAudit(ctx context.Context, e contracts.AuditEntry) error {
	before, err := jsonText(e.BeforeState)
	if err != nil {
		return err
	}
	after, err := jsonText(e.AfterState)
	if err != nil {
		return err
	}
	q := rebind(s.dialect, `INSERT INTO audit_log
		(id, actor_id, actor_role, action, entity_type, entity_id, before_state, after_state, at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if _, err := s.db.ExecContext(ctx, q, e.ID, e.ActorID, e.ActorRole, e.Action, e.EntityType, e.EntityID, before, after, nanos(e.At)); err != nil {
		return fmt.Errorf("failed to append audit entry: %w", mapErr(err))
	}
	return nil
}

func jsonText(v any) (sql.NullString, error) {
	if v == nil {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("failed to encode audit state: %w", err)
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

// mapErr translates unique-constraint violations into ErrConflict.
func mapErr(err error) error {
	if err == nil {
		return nil
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return fmt.Errorf("%w: %s", ErrConflict, pqErr.Message)
	}
	if strings.Contains(err.Error(), "UNIQUE constraint failed") {
		return fmt.Errorf("%w: %s", ErrConflict, err.Error())
	}
	return err
}

func nanos(t time.Time) int64 { return t.UTC().UnixNano() }

func fromNanos(n int64) time.Time { return time.Unix(0, n).UTC() }

func nullNanos(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: nanos(*t), Valid: true}
}

func timePtr(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := fromNanos(n.Int64)
	return &t
}

func nullInt(p *int) sql.NullInt64 {
	if p == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*p), Valid: true}
}

func intPtr(n sql.NullInt64) *int {
	if !n.Valid {
		return nil
	}
	v := int(n.Int64)
	return &v
}

func nullString(p *string) sql.NullString {
	if p == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *p, Valid: true}
}

func stringPtr(n sql.NullString) *string {
	if !n.Valid {
		return nil
	}
	v := n.String
	return &v
}
