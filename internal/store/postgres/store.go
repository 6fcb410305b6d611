// Package postgres is the store.Store backend on PostgreSQL via pgx.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lecca-io/connectd/internal/store"
)

// DBTX is satisfied by *pgxpool.Pool, *pgx.Conn and pgx.Tx.
type DBTX interface {
	Exec(context.Context, string, ...interface{}) (pgconn.CommandTag, error)
	Query(context.Context, string, ...interface{}) (pgx.Rows, error)
	QueryRow(context.Context, string, ...interface{}) pgx.Row
}

var _ store.Store = (*Store)(nil)

type Store struct {
	db DBTX
}

func New(db DBTX) *Store {
	return &Store{db: db}
}

const instanceColumns = `tenant_id, id, definition_id, definition_version, sealed_values, display_values,
	status, status_reason, expires_at, refreshed_at, created_at, updated_at, version`

const createInstance = `INSERT INTO credential_instances (
	tenant_id, id, definition_id, definition_version, sealed_values, display_values,
	status, status_reason, expires_at, refreshed_at, created_at, version
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, COALESCE($11, now()), 1)
ON CONFLICT (tenant_id, id) DO NOTHING
RETURNING ` + instanceColumns

func (s *Store) Create(ctx context.Context, inst store.Instance) (store.Instance, error) {
	if err := store.Check(inst); err != nil {
		return store.Instance{}, err
	}
	var createdAt *time.Time
	if !inst.CreatedAt.IsZero() {
		t := inst.CreatedAt
		createdAt = &t
	}
	row := s.db.QueryRow(ctx, createInstance,
		inst.TenantID, inst.ID, inst.DefinitionID, inst.DefinitionVersion,
		nonNil(inst.Values), nonNil(inst.Display),
		string(inst.Status), inst.StatusReason, inst.ExpiresAt, inst.RefreshedAt, createdAt,
	)
	out, err := scanInstance(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return store.Instance{}, store.ErrAlreadyExists
	}
	if err != nil {
		return store.Instance{}, fmt.Errorf("create instance %s/%s: %w", inst.TenantID, inst.ID, err)
	}
	return out, nil
}

const getInstance = `SELECT ` + instanceColumns + ` FROM credential_instances WHERE tenant_id = $1 AND id = $2`

func (s *Store) Get(ctx context.Context, tenantID, id string) (store.Instance, error) {
	out, err := scanInstance(s.db.QueryRow(ctx, getInstance, tenantID, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return store.Instance{}, store.ErrNotFound
	}
	if err != nil {
		return store.Instance{}, fmt.Errorf("get instance %s/%s: %w", tenantID, id, err)
	}
	return out, nil
}

const listInstances = `SELECT ` + instanceColumns + ` FROM credential_instances
WHERE tenant_id = $1 ORDER BY created_at, id`

func (s *Store) List(ctx context.Context, tenantID string) ([]store.Instance, error) {
	rows, err := s.db.Query(ctx, listInstances, tenantID)
	if err != nil {
		return nil, fmt.Errorf("list instances for %s: %w", tenantID, err)
	}
	return collect(rows)
}

const updateInstance = `UPDATE credential_instances SET
	definition_id = $4, definition_version = $5, sealed_values = $6, display_values = $7,
	status = $8, status_reason = $9, expires_at = $10, refreshed_at = $11,
	updated_at = now(), version = version + 1
WHERE tenant_id = $1 AND id = $2 AND version = $3
RETURNING ` + instanceColumns

const instanceVersion = `SELECT version FROM credential_instances WHERE tenant_id = $1 AND id = $2`

func (s *Store) Update(ctx context.Context, inst store.Instance) (store.Instance, error) {
	if err := store.Check(inst); err != nil {
		return store.Instance{}, err
	}
	row := s.db.QueryRow(ctx, updateInstance,
		inst.TenantID, inst.ID, inst.Version,
		inst.DefinitionID, inst.DefinitionVersion, nonNil(inst.Values), nonNil(inst.Display),
		string(inst.Status), inst.StatusReason, inst.ExpiresAt, inst.RefreshedAt,
	)
	out, err := scanInstance(row)
	if err == nil {
		return out, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return store.Instance{}, fmt.Errorf("update instance %s/%s: %w", inst.TenantID, inst.ID, err)
	}

	var actual int64
	err = s.db.QueryRow(ctx, instanceVersion, inst.TenantID, inst.ID).Scan(&actual)
	if errors.Is(err, pgx.ErrNoRows) {
		return store.Instance{}, store.ErrNotFound
	}
	if err != nil {
		return store.Instance{}, fmt.Errorf("update instance %s/%s: %w", inst.TenantID, inst.ID, err)
	}
	return store.Instance{}, &store.ConflictError{TenantID: inst.TenantID, InstanceID: inst.ID, Expected: inst.Version, Actual: actual}
}

const deleteInstance = `DELETE FROM credential_instances WHERE tenant_id = $1 AND id = $2`

func (s *Store) Delete(ctx context.Context, tenantID, id string) error {
	if _, err := s.db.Exec(ctx, deleteInstance, tenantID, id); err != nil {
		return fmt.Errorf("delete instance %s/%s: %w", tenantID, id, err)
	}
	return nil
}

const listExpiring = `SELECT ` + instanceColumns + ` FROM credential_instances
WHERE status = 'active' AND expires_at IS NOT NULL AND expires_at <= $1
ORDER BY expires_at
LIMIT NULLIF($2::int, 0)`

func (s *Store) ListExpiring(ctx context.Context, cutoff time.Time, limit int) ([]store.Instance, error) {
	if limit < 0 {
		limit = 0
	}
	rows, err := s.db.Query(ctx, listExpiring, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("list expiring instances: %w", err)
	}
	return collect(rows)
}

func scanInstance(row pgx.Row) (store.Instance, error) {
	var (
		inst   store.Instance
		status string
	)
	err := row.Scan(
		&inst.TenantID, &inst.ID, &inst.DefinitionID, &inst.DefinitionVersion, &inst.Values, &inst.Display,
		&status, &inst.StatusReason, &inst.ExpiresAt, &inst.RefreshedAt, &inst.CreatedAt, &inst.UpdatedAt, &inst.Version,
	)
	if err != nil {
		return store.Instance{}, err
	}
	inst.Status = store.Status(status)
	inst.CreatedAt = inst.CreatedAt.UTC()
	inst.UpdatedAt = inst.UpdatedAt.UTC()
	if inst.ExpiresAt != nil {
		t := inst.ExpiresAt.UTC()
		inst.ExpiresAt = &t
	}
	if inst.RefreshedAt != nil {
		t := inst.RefreshedAt.UTC()
		inst.RefreshedAt = &t
	}
	return inst, nil
}

func collect(rows pgx.Rows) ([]store.Instance, error) {
	defer rows.Close()
	var out []store.Instance
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, inst)
	}
	return out, rows.Err()
}

func nonNil(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}
