package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"

	"driveline/internal/domain"
)

const directiveColumns = `id,tenant,type,payload_json,subject_type,subject_id,idempotency_key,status,attempt,max_attempts,scheduled_at,result_json,error_json,rerun_requested,correlation_id,created_at,updated_at,completed_at`

func scanDirective(scan func(dest ...any) error) (domain.Directive, error) {
	var d domain.Directive
	var payload string
	var subjectType, subjectID, scheduledAt, resultJSON, errorJSON, correlationID, completedAt sql.NullString
	var rerun int
	err := scan(&d.ID, &d.Tenant, &d.Type, &payload, &subjectType, &subjectID, &d.IdempotencyKey,
		&d.Status, &d.Attempt, &d.MaxAttempts, &scheduledAt, &resultJSON, &errorJSON, &rerun,
		&correlationID, &d.CreatedAt, &d.UpdatedAt, &completedAt)
	if err == sql.ErrNoRows {
		return d, ErrNotFound
	}
	if err != nil {
		return d, err
	}
	d.Payload = unmarshalPayload(payload)
	if subjectType.Valid && subjectID.Valid {
		d.Subject = &domain.Subject{Type: subjectType.String, ID: subjectID.String}
	}
	if scheduledAt.Valid {
		d.ScheduledAt = &scheduledAt.String
	}
	if resultJSON.Valid {
		d.Result = unmarshalPayload(resultJSON.String)
	}
	if errorJSON.Valid {
		var info domain.ErrorInfo
		if err := json.Unmarshal([]byte(errorJSON.String), &info); err == nil {
			d.Error = &info
		}
	}
	d.RerunRequested = rerun != 0
	if correlationID.Valid {
		d.CorrelationID = correlationID.String
	}
	if completedAt.Valid {
		d.CompletedAt = &completedAt.String
	}
	return d, nil
}

// InsertDirective creates a directive in requested state. When a directive
// already exists for (tenant, type, idempotency_key) the existing row is
// returned unchanged with created=false.
func (r Repo) InsertDirective(ctx context.Context, d domain.Directive) (domain.Directive, bool, error) {
	payload, err := marshalPayload(d.Payload)
	if err != nil {
		return d, false, err
	}
	var subjectType, subjectID any
	if d.Subject != nil {
		subjectType = d.Subject.Type
		subjectID = d.Subject.ID
	}
	res, err := r.DB.ExecContext(ctx, `INSERT INTO directives(id,tenant,type,payload_json,subject_type,subject_id,idempotency_key,status,attempt,max_attempts,scheduled_at,rerun_requested,correlation_id,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
ON CONFLICT(tenant,type,idempotency_key) DO NOTHING`,
		d.ID, d.Tenant, d.Type, payload, subjectType, subjectID, d.IdempotencyKey,
		domain.StatusRequested, 0, d.MaxAttempts, nullableStringPtr(d.ScheduledAt), 0,
		nullable(d.CorrelationID), d.CreatedAt, d.UpdatedAt)
	if err != nil {
		return d, false, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		existing, err := r.GetDirectiveByIdempotencyKey(ctx, d.Tenant, d.Type, d.IdempotencyKey)
		if err != nil {
			return d, false, err
		}
		return existing, false, nil
	}
	created, err := r.GetDirective(ctx, d.Tenant, d.ID)
	if err != nil {
		return d, false, err
	}
	return created, true, nil
}

func (r Repo) GetDirective(ctx context.Context, tenant, id string) (domain.Directive, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+directiveColumns+` FROM directives WHERE tenant=? AND id=?`, tenant, id)
	return scanDirective(row.Scan)
}

func (r Repo) GetDirectiveByIdempotencyKey(ctx context.Context, tenant, dtype, key string) (domain.Directive, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+directiveColumns+` FROM directives WHERE tenant=? AND type=? AND idempotency_key=?`, tenant, dtype, key)
	return scanDirective(row.Scan)
}

type DirectiveFilters struct {
	Tenant          string
	Type            string
	Status          string
	SubjectType     string
	SubjectID       string
	CorrelationID   string
	Limit           int
	CursorCreatedAt string
	CursorID        string
}

func (r Repo) ListDirectives(ctx context.Context, f DirectiveFilters) ([]domain.Directive, error) {
	clauses := []string{"tenant=?"}
	args := []any{f.Tenant}
	if f.Type != "" {
		clauses = append(clauses, "type=?")
		args = append(args, f.Type)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.SubjectType != "" {
		clauses = append(clauses, "subject_type=?")
		args = append(args, f.SubjectType)
	}
	if f.SubjectID != "" {
		clauses = append(clauses, "subject_id=?")
		args = append(args, f.SubjectID)
	}
	if f.CorrelationID != "" {
		clauses = append(clauses, "correlation_id=?")
		args = append(args, f.CorrelationID)
	}
	if f.CursorCreatedAt != "" && f.CursorID != "" {
		clauses = append(clauses, "(created_at < ? OR (created_at = ? AND id < ?))")
		args = append(args, f.CursorCreatedAt, f.CursorCreatedAt, f.CursorID)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := `SELECT ` + directiveColumns + ` FROM directives ` + where + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Directive
	for rows.Next() {
		d, err := scanDirective(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, d)
	}
	return res, rows.Err()
}

// ListDue returns requested directives whose scheduled_at is unset or past,
// oldest first, for the delivery loop.
func (r Repo) ListDue(ctx context.Context, now string, limit int) ([]domain.Directive, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT `+directiveColumns+` FROM directives
WHERE status=? AND (scheduled_at IS NULL OR scheduled_at<=?)
ORDER BY created_at ASC, id ASC LIMIT ?`, domain.StatusRequested, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Directive
	for rows.Next() {
		d, err := scanDirective(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, d)
	}
	return res, rows.Err()
}

// ClaimDirective is the single compare-and-set that closes the concurrent
// delivery race: requested -> running, attempt+1. Returns false when the
// directive was not in requested state anymore.
func (r Repo) ClaimDirective(ctx context.Context, tenant, id, now string) (bool, error) {
	res, err := r.DB.ExecContext(ctx, `UPDATE directives SET status=?, attempt=attempt+1, updated_at=?
WHERE tenant=? AND id=? AND status=?`,
		domain.StatusRunning, now, tenant, id, domain.StatusRequested)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// ReopenForRerun atomically moves a terminal directive with rerun_requested
// back to requested and clears the flag. Returns false when another delivery
// won the reset or the state changed underneath.
func (r Repo) ReopenForRerun(ctx context.Context, tenant, id, now string) (bool, error) {
	res, err := r.DB.ExecContext(ctx, `UPDATE directives SET status=?, rerun_requested=0, updated_at=?
WHERE tenant=? AND id=? AND status IN (?,?,?) AND rerun_requested=1`,
		domain.StatusRequested, now, tenant, id,
		domain.StatusSucceeded, domain.StatusFailed, domain.StatusCanceled)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// FinalizeSucceeded moves running -> succeeded and stores the result.
func (r Repo) FinalizeSucceeded(ctx context.Context, tenant, id string, result map[string]any, now string) (bool, error) {
	resultJSON, err := marshalPayload(result)
	if err != nil {
		return false, err
	}
	res, err := r.DB.ExecContext(ctx, `UPDATE directives SET status=?, result_json=?, completed_at=?, updated_at=?
WHERE tenant=? AND id=? AND status=?`,
		domain.StatusSucceeded, resultJSON, now, now, tenant, id, domain.StatusRunning)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// FinalizeFailed moves running -> failed and stores the error.
func (r Repo) FinalizeFailed(ctx context.Context, tenant, id string, info domain.ErrorInfo, now string) (bool, error) {
	errJSON, err := json.Marshal(info)
	if err != nil {
		return false, err
	}
	res, err := r.DB.ExecContext(ctx, `UPDATE directives SET status=?, error_json=?, completed_at=?, updated_at=?
WHERE tenant=? AND id=? AND status=?`,
		domain.StatusFailed, string(errJSON), now, now, tenant, id, domain.StatusRunning)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// ReleaseForRetry moves running -> requested, recording the attempt's error
// so the external scheduler redelivers later.
func (r Repo) ReleaseForRetry(ctx context.Context, tenant, id string, info domain.ErrorInfo, now string) (bool, error) {
	errJSON, err := json.Marshal(info)
	if err != nil {
		return false, err
	}
	res, err := r.DB.ExecContext(ctx, `UPDATE directives SET status=?, error_json=?, updated_at=?
WHERE tenant=? AND id=? AND status=?`,
		domain.StatusRequested, string(errJSON), now, tenant, id, domain.StatusRunning)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// CancelDirective moves requested -> canceled. Running directives cannot be
// canceled: the in-flight handler call cannot be interrupted.
func (r Repo) CancelDirective(ctx context.Context, tenant, id, now string) (bool, error) {
	res, err := r.DB.ExecContext(ctx, `UPDATE directives SET status=?, completed_at=?, updated_at=?
WHERE tenant=? AND id=? AND status=?`,
		domain.StatusCanceled, now, now, tenant, id, domain.StatusRequested)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// RequestRerun flags a terminal directive for one more execution attempt.
func (r Repo) RequestRerun(ctx context.Context, tenant, id, now string) (bool, error) {
	res, err := r.DB.ExecContext(ctx, `UPDATE directives SET rerun_requested=1, updated_at=?
WHERE tenant=? AND id=? AND status IN (?,?,?)`,
		now, tenant, id, domain.StatusSucceeded, domain.StatusFailed, domain.StatusCanceled)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// SetDirectiveSubject persists the subject derived at execution time so
// audit queries by subject find the directive.
func (r Repo) SetDirectiveSubject(ctx context.Context, tenant, id string, subject domain.Subject) error {
	_, err := r.DB.ExecContext(ctx, `UPDATE directives SET subject_type=?, subject_id=? WHERE tenant=? AND id=? AND subject_type IS NULL`,
		subject.Type, subject.ID, tenant, id)
	return err
}
