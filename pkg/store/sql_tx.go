package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/miked5167/squadbooks-sub007/pkg/contracts"
)

type sqlTx struct {
	tx       *sql.Tx
	dialect  Dialect
	readOnly bool
}

type scanner interface {
	Scan(dest ...any) error
}

func (t *sqlTx) exec(ctx context.Context, q string, args ...any) (sql.Result, error) {
	if t.readOnly {
		return nil, ErrReadOnly
	}
	res, err := t.tx.ExecContext(ctx, rebind(t.dialect, q), args...)
	return res, mapErr(err)
}

func (t *sqlTx) queryRow(ctx context.Context, q string, args ...any) *sql.Row {
	return t.tx.QueryRowContext(ctx, rebind(t.dialect, q), args...)
}

func (t *sqlTx) LockSeason(ctx context.Context, teamID, season string) error {
	if t.dialect != DialectPostgres || t.readOnly {
		return nil
	}
	_, err := t.tx.ExecContext(ctx, "SELECT pg_advisory_xact_lock(hashtext($1))", contracts.SeasonKey(teamID, season))
	if err != nil {
		return fmt.Errorf("failed to lock season: %w", err)
	}
	return nil
}

const budgetColumns = `id, team_id, season, association_id, team_tier, status, current_version_number,
	presented_version_number, locked_version_number, current_request_id, association_approved_version,
	association_approved_by, created_by, created_at, updated_at, locked_at, locked_by`

func scanBudget(row scanner, ref string) (*contracts.Budget, error) {
	var (
		b                              contracts.Budget
		status                         string
		presented, locked, approvedVer sql.NullInt64
		requestID                      sql.NullString
		created, updated               int64
		lockedAt                       sql.NullInt64
	)
	err := row.Scan(&b.ID, &b.TeamID, &b.Season, &b.AssociationID, &b.TeamTier, &status, &b.CurrentVersionNumber,
		&presented, &locked, &requestID, &approvedVer,
		&b.AssociationApprovedBy, &b.CreatedBy, &created, &updated, &lockedAt, &b.LockedBy)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("budget", ref)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get budget: %w", err)
	}
	b.Status = contracts.BudgetStatus(status)
	b.PresentedVersionNumber = intPtr(presented)
	b.LockedVersionNumber = intPtr(locked)
	b.CurrentRequestID = stringPtr(requestID)
	b.AssociationApprovedVersion = intPtr(approvedVer)
	b.CreatedAt = fromNanos(created)
	b.UpdatedAt = fromNanos(updated)
	b.LockedAt = timePtr(lockedAt)
	return &b, nil
}

func (t *sqlTx) GetBudget(ctx context.Context, id string) (*contracts.Budget, error) {
	return scanBudget(t.queryRow(ctx, "SELECT "+budgetColumns+" FROM budgets WHERE id = ?", id), id)
}

func (t *sqlTx) FindBudget(ctx context.Context, teamID, season string) (*contracts.Budget, error) {
	return scanBudget(t.queryRow(ctx, "SELECT "+budgetColumns+" FROM budgets WHERE team_id = ? AND season = ?", teamID, season),
		contracts.SeasonKey(teamID, season))
}

func (t *sqlTx) InsertBudget(ctx context.Context, b *contracts.Budget) error {
	_, err := t.exec(ctx, `INSERT INTO budgets (`+budgetColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		b.ID, b.TeamID, b.Season, b.AssociationID, b.TeamTier, string(b.Status), b.CurrentVersionNumber,
		nullInt(b.PresentedVersionNumber), nullInt(b.LockedVersionNumber), nullString(b.CurrentRequestID),
		nullInt(b.AssociationApprovedVersion), b.AssociationApprovedBy, b.CreatedBy,
		nanos(b.CreatedAt), nanos(b.UpdatedAt), nullNanos(b.LockedAt), b.LockedBy)
	if err != nil {
		return fmt.Errorf("failed to insert budget: %w", err)
	}
	return nil
}

func (t *sqlTx) UpdateBudget(ctx context.Context, b *contracts.Budget) error {
	res, err := t.exec(ctx, `UPDATE budgets SET
			status = ?, current_version_number = ?, presented_version_number = ?, locked_version_number = ?,
			current_request_id = ?, association_approved_version = ?, association_approved_by = ?,
			updated_at = ?, locked_at = ?, locked_by = ?
		WHERE id = ?`,
		string(b.Status), b.CurrentVersionNumber, nullInt(b.PresentedVersionNumber), nullInt(b.LockedVersionNumber),
		nullString(b.CurrentRequestID), nullInt(b.AssociationApprovedVersion), b.AssociationApprovedBy,
		nanos(b.UpdatedAt), nullNanos(b.LockedAt), b.LockedBy, b.ID)
	if err != nil {
		return fmt.Errorf("failed to update budget: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return notFound("budget", b.ID)
	}
	return nil
}

const versionColumns = `budget_id, version_number, total, change_summary, content_hash, created_by, created_at`

func scanVersion(row scanner) (*contracts.BudgetVersion, error) {
	var (
		v       contracts.BudgetVersion
		total   string
		created int64
	)
	if err := row.Scan(&v.BudgetID, &v.Number, &total, &v.ChangeSummary, &v.ContentHash, &v.CreatedBy, &created); err != nil {
		return nil, err
	}
	d, err := decimal.NewFromString(total)
	if err != nil {
		return nil, fmt.Errorf("corrupt total on version %s: %w", v.ID(), err)
	}
	v.Total = d
	v.CreatedAt = fromNanos(created)
	return &v, nil
}

func (t *sqlTx) GetVersion(ctx context.Context, budgetID string, number int) (*contracts.BudgetVersion, error) {
	v, err := scanVersion(t.queryRow(ctx, "SELECT "+versionColumns+" FROM budget_versions WHERE budget_id = ? AND version_number = ?", budgetID, number))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("budget version", contracts.VersionID(budgetID, number))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get budget version: %w", err)
	}
	allocs, err := t.allocations(ctx, budgetID, &number)
	if err != nil {
		return nil, err
	}
	v.Allocations = allocs[number]
	return v, nil
}

func (t *sqlTx) ListVersions(ctx context.Context, budgetID string) ([]*contracts.BudgetVersion, error) {
	rows, err := t.tx.QueryContext(ctx, rebind(t.dialect, "SELECT "+versionColumns+" FROM budget_versions WHERE budget_id = ? ORDER BY version_number"), budgetID)
	if err != nil {
		return nil, fmt.Errorf("failed to list budget versions: %w", err)
	}
	var out []*contracts.BudgetVersion
	for rows.Next() {
		v, err := scanVersion(rows)
		if err != nil {
			_ = rows.Close()
			return nil, err
		}
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, err
	}
	_ = rows.Close()

	allocs, err := t.allocations(ctx, budgetID, nil)
	if err != nil {
		return nil, err
	}
	for _, v := range out {
		v.Allocations = allocs[v.Number]
	}
	return out, nil
}

func (t *sqlTx) allocations(ctx context.Context, budgetID string, number *int) (map[int][]contracts.Allocation, error) {
	q := `SELECT version_number, category_id, category_name, amount, notes FROM budget_allocations WHERE budget_id = ?`
	args := []any{budgetID}
	if number != nil {
		q += " AND version_number = ?"
		args = append(args, *number)
	}
	q += " ORDER BY version_number, position"
	rows, err := t.tx.QueryContext(ctx, rebind(t.dialect, q), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list allocations: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := make(map[int][]contracts.Allocation)
	for rows.Next() {
		var (
			n      int
			a      contracts.Allocation
			amount string
		)
		if err := rows.Scan(&n, &a.CategoryID, &a.CategoryName, &amount, &a.Notes); err != nil {
			return nil, err
		}
		if a.Amount, err = decimal.NewFromString(amount); err != nil {
			return nil, fmt.Errorf("corrupt allocation amount on %s: %w", contracts.VersionID(budgetID, n), err)
		}
		out[n] = append(out[n], a)
	}
	return out, rows.Err()
}

func (t *sqlTx) InsertVersion(ctx context.Context, v *contracts.BudgetVersion) error {
	_, err := t.exec(ctx, `INSERT INTO budget_versions (`+versionColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		v.BudgetID, v.Number, v.Total.String(), v.ChangeSummary, v.ContentHash, v.CreatedBy, nanos(v.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to insert budget version %s: %w", v.ID(), err)
	}
	for i, a := range v.Allocations {
		_, err := t.exec(ctx, `INSERT INTO budget_allocations
			(budget_id, version_number, position, category_id, category_name, amount, notes)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			v.BudgetID, v.Number, i, a.CategoryID, a.CategoryName, a.Amount.String(), a.Notes)
		if err != nil {
			return fmt.Errorf("failed to insert allocation %d of %s: %w", i, v.ID(), err)
		}
	}
	return nil
}

const requestColumns = `id, budget_id, version_number, version_hash, mode, required_count, required_percent,
	eligible_count, acknowledged_count, requires_association_approval, status, created_by, created_at,
	expires_at, completed_at, expired_at`

func (t *sqlTx) GetRequest(ctx context.Context, id string) (*contracts.AcknowledgmentRequest, error) {
	var (
		r                           contracts.AcknowledgmentRequest
		mode, percent, status       string
		created                     int64
		expires, completed, expired sql.NullInt64
	)
	err := t.queryRow(ctx, "SELECT "+requestColumns+" FROM acknowledgment_requests WHERE id = ?", id).Scan(
		&r.ID, &r.BudgetID, &r.VersionNumber, &r.VersionHash, &mode, &r.RequiredCount, &percent,
		&r.EligibleCount, &r.AcknowledgedCount, &r.RequiresAssociationApproval, &status, &r.CreatedBy, &created,
		&expires, &completed, &expired)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("acknowledgment request", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get acknowledgment request: %w", err)
	}
	if r.RequiredPercent, err = decimal.NewFromString(percent); err != nil {
		return nil, fmt.Errorf("corrupt required percent on request %s: %w", id, err)
	}
	r.Mode = contracts.QuorumMode(mode)
	r.Status = contracts.RequestStatus(status)
	r.CreatedAt = fromNanos(created)
	r.ExpiresAt = timePtr(expires)
	r.CompletedAt = timePtr(completed)
	r.ExpiredAt = timePtr(expired)
	return &r, nil
}

func (t *sqlTx) InsertRequest(ctx context.Context, r *contracts.AcknowledgmentRequest) error {
	_, err := t.exec(ctx, `INSERT INTO acknowledgment_requests (`+requestColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.BudgetID, r.VersionNumber, r.VersionHash, string(r.Mode), r.RequiredCount, r.RequiredPercent.String(),
		r.EligibleCount, r.AcknowledgedCount, r.RequiresAssociationApproval, string(r.Status), r.CreatedBy, nanos(r.CreatedAt),
		nullNanos(r.ExpiresAt), nullNanos(r.CompletedAt), nullNanos(r.ExpiredAt))
	if err != nil {
		return fmt.Errorf("failed to insert acknowledgment request: %w", err)
	}
	return nil
}

func (t *sqlTx) SetRequestCount(ctx context.Context, id string, count int) error {
	if _, err := t.exec(ctx, "UPDATE acknowledgment_requests SET acknowledged_count = ? WHERE id = ?", count, id); err != nil {
		return fmt.Errorf("failed to update acknowledged count: %w", err)
	}
	return nil
}

func (t *sqlTx) CompleteRequest(ctx context.Context, id string, at time.Time) (bool, error) {
	return t.flipRequest(ctx, "completed_at", contracts.RequestCompleted, id, at)
}

func (t *sqlTx) ExpireRequest(ctx context.Context, id string, at time.Time) (bool, error) {
	return t.flipRequest(ctx, "expired_at", contracts.RequestExpired, id, at)
}

func (t *sqlTx) flipRequest(ctx context.Context, column string, to contracts.RequestStatus, id string, at time.Time) (bool, error) {
	res, err := t.exec(ctx, "UPDATE acknowledgment_requests SET status = ?, "+column+" = ? WHERE id = ? AND status = ?",
		string(to), nanos(at), id, string(contracts.RequestPending))
	if err != nil {
		return false, fmt.Errorf("failed to mark request %s: %w", to, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

const ackColumns = `request_id, stakeholder_id, stakeholder_name, acknowledged, acknowledged_at,
	origin_address, client_signature, comment, has_questions`

func scanAck(row scanner) (*contracts.Acknowledgment, error) {
	var (
		a  contracts.Acknowledgment
		at sql.NullInt64
	)
	if err := row.Scan(&a.RequestID, &a.StakeholderID, &a.StakeholderName, &a.Acknowledged, &at,
		&a.Provenance.OriginAddress, &a.Provenance.ClientSignature, &a.Comment, &a.HasQuestions); err != nil {
		return nil, err
	}
	a.AcknowledgedAt = timePtr(at)
	return &a, nil
}

func (t *sqlTx) InsertAcknowledgment(ctx context.Context, a *contracts.Acknowledgment) error {
	_, err := t.exec(ctx, `INSERT INTO acknowledgments (`+ackColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.RequestID, a.StakeholderID, a.StakeholderName, a.Acknowledged, nullNanos(a.AcknowledgedAt),
		a.Provenance.OriginAddress, a.Provenance.ClientSignature, a.Comment, a.HasQuestions)
	if err != nil {
		return fmt.Errorf("failed to insert acknowledgment: %w", err)
	}
	return nil
}

func (t *sqlTx) GetAcknowledgment(ctx context.Context, requestID, stakeholderID string) (*contracts.Acknowledgment, error) {
	a, err := scanAck(t.queryRow(ctx, "SELECT "+ackColumns+" FROM acknowledgments WHERE request_id = ? AND stakeholder_id = ?", requestID, stakeholderID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("acknowledgment", requestID+"/"+stakeholderID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get acknowledgment: %w", err)
	}
	return a, nil
}

func (t *sqlTx) ListAcknowledgments(ctx context.Context, requestID string) ([]*contracts.Acknowledgment, error) {
	rows, err := t.tx.QueryContext(ctx, rebind(t.dialect, "SELECT "+ackColumns+" FROM acknowledgments WHERE request_id = ? ORDER BY stakeholder_id"), requestID)
	if err != nil {
		return nil, fmt.Errorf("failed to list acknowledgments: %w", err)
	}
	defer func() { _ = rows.Close() }()
	var out []*contracts.Acknowledgment
	for rows.Next() {
		a, err := scanAck(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (t *sqlTx) MarkAcknowledged(ctx context.Context, requestID, stakeholderID string, u AckUpdate) (bool, error) {
	res, err := t.exec(ctx, `UPDATE acknowledgments
		SET acknowledged = ?, acknowledged_at = ?, origin_address = ?, client_signature = ?, comment = ?, has_questions = ?
		WHERE request_id = ? AND stakeholder_id = ? AND acknowledged = ?`,
		true, nanos(u.At), u.Provenance.OriginAddress, u.Provenance.ClientSignature, u.Comment, u.HasQuestions,
		requestID, stakeholderID, false)
	if err != nil {
		return false, fmt.Errorf("failed to record acknowledgment: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (t *sqlTx) CountAcknowledged(ctx context.Context, requestID string) (int, error) {
	var n int
	err := t.queryRow(ctx, "SELECT COUNT(*) FROM acknowledgments WHERE request_id = ? AND acknowledged = ?", requestID, true).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count acknowledgments: %w", err)
	}
	return n, nil
}

const seasonColumns = `team_id, season, state, budget_id, presented_version_id, locked_version_id,
	eligible_stakeholder_count, presented_ack_count, last_activity_at, activated_at`

func (t *sqlTx) GetSeason(ctx context.Context, teamID, season string) (*contracts.SeasonState, error) {
	var (
		st                 contracts.SeasonState
		state              string
		presented, locked  sql.NullString
		eligible, ackCount sql.NullInt64
		activity           int64
		activated          sql.NullInt64
	)
	err := t.queryRow(ctx, "SELECT "+seasonColumns+" FROM season_states WHERE team_id = ? AND season = ?", teamID, season).Scan(
		&st.TeamID, &st.Season, &state, &st.BudgetID, &presented, &locked, &eligible, &ackCount, &activity, &activated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("season", contracts.SeasonKey(teamID, season))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get season state: %w", err)
	}
	st.State = contracts.SeasonStateName(state)
	st.PresentedVersionID = stringPtr(presented)
	st.LockedVersionID = stringPtr(locked)
	st.EligibleStakeholderCount = intPtr(eligible)
	st.PresentedAckCount = intPtr(ackCount)
	st.LastActivityAt = fromNanos(activity)
	st.ActivatedAt = timePtr(activated)
	return &st, nil
}

func (t *sqlTx) UpsertSeason(ctx context.Context, st *contracts.SeasonState) error {
	_, err := t.exec(ctx, `INSERT INTO season_states (`+seasonColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (team_id, season) DO UPDATE SET
			state = EXCLUDED.state,
			budget_id = EXCLUDED.budget_id,
			presented_version_id = EXCLUDED.presented_version_id,
			locked_version_id = EXCLUDED.locked_version_id,
			eligible_stakeholder_count = EXCLUDED.eligible_stakeholder_count,
			presented_ack_count = EXCLUDED.presented_ack_count,
			last_activity_at = EXCLUDED.last_activity_at,
			activated_at = EXCLUDED.activated_at`,
		st.TeamID, st.Season, string(st.State), st.BudgetID, nullString(st.PresentedVersionID), nullString(st.LockedVersionID),
		nullInt(st.EligibleStakeholderCount), nullInt(st.PresentedAckCount), nanos(st.LastActivityAt), nullNanos(st.ActivatedAt))
	if err != nil {
		return fmt.Errorf("failed to persist season state: %w", err)
	}
	return nil
}

func (t *sqlTx) EnqueueEvent(ctx context.Context, evt contracts.DomainEvent) error {
	payload, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}
	_, err = t.exec(ctx, `INSERT INTO event_outbox (id, event_type, payload, status, attempts, last_error, created_at)
		VALUES (?, ?, ?, ?, 0, '', ?)
		ON CONFLICT (id) DO NOTHING`,
		evt.ID, string(evt.Type), string(payload), string(contracts.OutboxPending), nanos(evt.OccurredAt))
	if err != nil {
		return fmt.Errorf("failed to enqueue event: %w", err)
	}
	return nil
}
