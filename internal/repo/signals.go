package repo

import (
	"context"
	"database/sql"
	"strings"

	"driveline/internal/domain"
)

const signalColumns = `seq,id,tenant,type,subject_type,subject_id,dedupe_key,payload_json,created_at`

func scanSignal(scan func(dest ...any) error) (domain.Signal, error) {
	var s domain.Signal
	var dedupe sql.NullString
	var payload string
	err := scan(&s.Seq, &s.ID, &s.Tenant, &s.Type, &s.Subject.Type, &s.Subject.ID, &dedupe, &payload, &s.CreatedAt)
	if err == sql.ErrNoRows {
		return s, ErrNotFound
	}
	if err != nil {
		return s, err
	}
	if dedupe.Valid {
		s.DedupeKey = &dedupe.String
	}
	s.Payload = unmarshalPayload(payload)
	return s, nil
}

// InsertSignal appends a signal. When a dedupe key is set and a signal with
// the same (tenant, dedupe_key) already exists, no row is written and the
// existing signal is returned with inserted=false.
func (r Repo) InsertSignal(ctx context.Context, s domain.Signal) (domain.Signal, bool, error) {
	payload, err := marshalPayload(s.Payload)
	if err != nil {
		return s, false, err
	}
	res, err := r.DB.ExecContext(ctx, `INSERT INTO signals(id,tenant,type,subject_type,subject_id,dedupe_key,payload_json,created_at)
VALUES (?,?,?,?,?,?,?,?)
ON CONFLICT(tenant,dedupe_key) WHERE dedupe_key IS NOT NULL DO NOTHING`,
		s.ID, s.Tenant, s.Type, s.Subject.Type, s.Subject.ID, nullableStringPtr(s.DedupeKey), payload, s.CreatedAt)
	if err != nil {
		return s, false, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		existing, err := r.GetSignalByDedupeKey(ctx, s.Tenant, *s.DedupeKey)
		if err != nil {
			return s, false, err
		}
		return existing, false, nil
	}
	inserted, err := r.GetSignal(ctx, s.Tenant, s.ID)
	if err != nil {
		return s, false, err
	}
	return inserted, true, nil
}

func (r Repo) GetSignal(ctx context.Context, tenant, id string) (domain.Signal, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+signalColumns+` FROM signals WHERE tenant=? AND id=?`, tenant, id)
	return scanSignal(row.Scan)
}

// GetSignalByID looks a signal up across tenants; used by replay, which is
// keyed by signal id alone.
func (r Repo) GetSignalByID(ctx context.Context, id string) (domain.Signal, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+signalColumns+` FROM signals WHERE id=?`, id)
	return scanSignal(row.Scan)
}

func (r Repo) GetSignalByDedupeKey(ctx context.Context, tenant, dedupeKey string) (domain.Signal, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+signalColumns+` FROM signals WHERE tenant=? AND dedupe_key=?`, tenant, dedupeKey)
	return scanSignal(row.Scan)
}

type SignalFilters struct {
	Tenant      string
	Type        string
	SubjectType string
	SubjectID   string
	Limit       int
	CursorSeq   int64
}

func (r Repo) ListSignals(ctx context.Context, f SignalFilters) ([]domain.Signal, error) {
	clauses := []string{"tenant=?"}
	args := []any{f.Tenant}
	if f.Type != "" {
		clauses = append(clauses, "type=?")
		args = append(args, f.Type)
	}
	if f.SubjectType != "" {
		clauses = append(clauses, "subject_type=?")
		args = append(args, f.SubjectType)
	}
	if f.SubjectID != "" {
		clauses = append(clauses, "subject_id=?")
		args = append(args, f.SubjectID)
	}
	if f.CursorSeq > 0 {
		clauses = append(clauses, "seq<?")
		args = append(args, f.CursorSeq)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := `SELECT ` + signalColumns + ` FROM signals ` + where + ` ORDER BY seq DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Signal
	for rows.Next() {
		s, err := scanSignal(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}

// SignalsAfter returns signals with seq greater than the cursor in ascending
// order; fan-out consumers page through the log with this.
func (r Repo) SignalsAfter(ctx context.Context, limit int, cursor int64, tenant string) ([]domain.Signal, error) {
	if limit <= 0 {
		limit = 100
	}
	clauses := []string{"1=1"}
	var args []any
	if tenant != "" {
		clauses = append(clauses, "tenant=?")
		args = append(args, tenant)
	}
	if cursor > 0 {
		clauses = append(clauses, "seq>?")
		args = append(args, cursor)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := `SELECT ` + signalColumns + ` FROM signals ` + where + ` ORDER BY seq ASC LIMIT ?`
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Signal
	for rows.Next() {
		s, err := scanSignal(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}

// LatestSignalSeq returns the most recent signal seq, optionally per tenant.
func (r Repo) LatestSignalSeq(ctx context.Context, tenant string) (int64, error) {
	query := `SELECT COALESCE(MAX(seq),0) FROM signals`
	var args []any
	if tenant != "" {
		query += ` WHERE tenant=?`
		args = append(args, tenant)
	}
	var seq int64
	if err := r.DB.QueryRowContext(ctx, query, args...).Scan(&seq); err != nil {
		return 0, err
	}
	return seq, nil
}
