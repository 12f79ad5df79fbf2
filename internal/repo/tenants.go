package repo

import (
	"context"
	"database/sql"

	"driveline/internal/domain"
)

func (r Repo) EnsureTenant(ctx context.Context, id, name, now string) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO tenants(id,name,created_at) VALUES (?,?,?)
ON CONFLICT(id) DO NOTHING`, id, nullable(name), now)
	return err
}

func (r Repo) GetTenant(ctx context.Context, id string) (domain.Tenant, error) {
	var t domain.Tenant
	var name sql.NullString
	err := r.DB.QueryRowContext(ctx, `SELECT id,name,created_at FROM tenants WHERE id=?`, id).
		Scan(&t.ID, &name, &t.CreatedAt)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	if name.Valid {
		t.Name = name.String
	}
	return t, err
}

func (r Repo) ListTenants(ctx context.Context) ([]domain.Tenant, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,name,created_at FROM tenants ORDER BY created_at DESC, id DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Tenant
	for rows.Next() {
		var t domain.Tenant
		var name sql.NullString
		if err := rows.Scan(&t.ID, &name, &t.CreatedAt); err != nil {
			return nil, err
		}
		if name.Valid {
			t.Name = name.String
		}
		res = append(res, t)
	}
	return res, rows.Err()
}
