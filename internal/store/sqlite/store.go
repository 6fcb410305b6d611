package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lecca-io/connectd/internal/store"
)

var _ store.Store = (*Store)(nil)

type Store struct {
	db  *DB
	now func() time.Time
}

func New(db *DB) *Store {
	return &Store{db: db, now: time.Now}
}

const instanceColumns = `tenant_id, id, definition_id, definition_version, sealed_values, display_values,
	status, status_reason, expires_at, refreshed_at, created_at, updated_at, version`

func (s *Store) Create(ctx context.Context, inst store.Instance) (store.Instance, error) {
	if err := store.Check(inst); err != nil {
		return store.Instance{}, err
	}
	values, display, err := encodeMaps(inst)
	if err != nil {
		return store.Instance{}, err
	}
	now := s.now().UTC()
	inst = inst.Clone()
	inst.Version = 1
	if inst.CreatedAt.IsZero() {
		inst.CreatedAt = now
	}
	inst.UpdatedAt = now

	const query = `INSERT INTO credential_instances (` + instanceColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (tenant_id, id) DO NOTHING`
	res, err := s.db.Writer.ExecContext(ctx, query,
		inst.TenantID, inst.ID, inst.DefinitionID, inst.DefinitionVersion, values, display,
		string(inst.Status), inst.StatusReason, nanos(inst.ExpiresAt), nanos(inst.RefreshedAt),
		inst.CreatedAt.UnixNano(), inst.UpdatedAt.UnixNano(), inst.Version,
	)
	if err != nil {
		return store.Instance{}, fmt.Errorf("create instance %s/%s: %w", inst.TenantID, inst.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return store.Instance{}, fmt.Errorf("create instance %s/%s: %w", inst.TenantID, inst.ID, err)
	}
	if n == 0 {
		return store.Instance{}, store.ErrAlreadyExists
	}
	return inst, nil
}

func (s *Store) Get(ctx context.Context, tenantID, id string) (store.Instance, error) {
	const query = `SELECT ` + instanceColumns + ` FROM credential_instances WHERE tenant_id = ? AND id = ?`
	inst, err := scanInstance(s.db.Reader.QueryRowContext(ctx, query, tenantID, id))
	if errors.Is(err, sql.ErrNoRows) {
		return store.Instance{}, store.ErrNotFound
	}
	if err != nil {
		return store.Instance{}, fmt.Errorf("get instance %s/%s: %w", tenantID, id, err)
	}
	return inst, nil
}

func (s *Store) List(ctx context.Context, tenantID string) ([]store.Instance, error) {
	const query = `SELECT ` + instanceColumns + ` FROM credential_instances
		WHERE tenant_id = ? ORDER BY created_at, id`
	rows, err := s.db.Reader.QueryContext(ctx, query, tenantID)
	if err != nil {
		return nil, fmt.Errorf("list instances for %s: %w", tenantID, err)
	}
	return collect(rows)
}

func (s *Store) Update(ctx context.Context, inst store.Instance) (store.Instance, error) {
	if err := store.Check(inst); err != nil {
		return store.Instance{}, err
	}
	values, display, err := encodeMaps(inst)
	if err != nil {
		return store.Instance{}, err
	}
	inst = inst.Clone()
	expected := inst.Version
	inst.UpdatedAt = s.now().UTC()

	const query = `UPDATE credential_instances SET
			definition_id = ?, definition_version = ?, sealed_values = ?, display_values = ?,
			status = ?, status_reason = ?, expires_at = ?, refreshed_at = ?, updated_at = ?,
			version = version + 1
		WHERE tenant_id = ? AND id = ? AND version = ?
		RETURNING created_at, version`
	var createdAt int64
	err = s.db.Writer.QueryRowContext(ctx, query,
		inst.DefinitionID, inst.DefinitionVersion, values, display,
		string(inst.Status), inst.StatusReason, nanos(inst.ExpiresAt), nanos(inst.RefreshedAt), inst.UpdatedAt.UnixNano(),
		inst.TenantID, inst.ID, expected,
	).Scan(&createdAt, &inst.Version)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Instance{}, s.missOrConflict(ctx, inst.TenantID, inst.ID, expected)
	}
	if err != nil {
		return store.Instance{}, fmt.Errorf("update instance %s/%s: %w", inst.TenantID, inst.ID, err)
	}
	inst.CreatedAt = time.Unix(0, createdAt).UTC()
	return inst, nil
}

func (s *Store) missOrConflict(ctx context.Context, tenantID, id string, expected int64) error {
	var actual int64
	err := s.db.Writer.QueryRowContext(ctx,
		`SELECT version FROM credential_instances WHERE tenant_id = ? AND id = ?`, tenantID, id,
	).Scan(&actual)
	if errors.Is(err, sql.ErrNoRows) {
		return store.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("update instance %s/%s: %w", tenantID, id, err)
	}
	return &store.ConflictError{TenantID: tenantID, InstanceID: id, Expected: expected, Actual: actual}
}

func (s *Store) Delete(ctx context.Context, tenantID, id string) error {
	const query = `DELETE FROM credential_instances WHERE tenant_id = ? AND id = ?`
	if _, err := s.db.Writer.ExecContext(ctx, query, tenantID, id); err != nil {
		return fmt.Errorf("delete instance %s/%s: %w", tenantID, id, err)
	}
	return nil
}

func (s *Store) ListExpiring(ctx context.Context, cutoff time.Time, limit int) ([]store.Instance, error) {
	if limit <= 0 {
		limit = -1
	}
	const query = `SELECT ` + instanceColumns + ` FROM credential_instances
		WHERE status = ? AND expires_at IS NOT NULL AND expires_at <= ?
		ORDER BY expires_at LIMIT ?`
	rows, err := s.db.Reader.QueryContext(ctx, query, string(store.StatusActive), cutoff.UnixNano(), limit)
	if err != nil {
		return nil, fmt.Errorf("list expiring instances: %w", err)
	}
	return collect(rows)
}

type scanner interface {
	Scan(dest ...any) error
}

func scanInstance(row scanner) (store.Instance, error) {
	var (
		inst               store.Instance
		status             string
		values, display    string
		expires, refreshed sql.NullInt64
		created, updated   int64
	)
	if err := row.Scan(
		&inst.TenantID, &inst.ID, &inst.DefinitionID, &inst.DefinitionVersion, &values, &display,
		&status, &inst.StatusReason, &expires, &refreshed, &created, &updated, &inst.Version,
	); err != nil {
		return store.Instance{}, err
	}
	inst.Status = store.Status(status)
	if err := json.Unmarshal([]byte(values), &inst.Values); err != nil {
		return store.Instance{}, fmt.Errorf("decode sealed values: %w", err)
	}
	if err := json.Unmarshal([]byte(display), &inst.Display); err != nil {
		return store.Instance{}, fmt.Errorf("decode display values: %w", err)
	}
	inst.ExpiresAt = fromNanos(expires)
	inst.RefreshedAt = fromNanos(refreshed)
	inst.CreatedAt = time.Unix(0, created).UTC()
	inst.UpdatedAt = time.Unix(0, updated).UTC()
	return inst, nil
}

func collect(rows *sql.Rows) ([]store.Instance, error) {
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

func encodeMaps(inst store.Instance) (string, string, error) {
	values, err := json.Marshal(nonNil(inst.Values))
	if err != nil {
		return "", "", fmt.Errorf("encode sealed values: %w", err)
	}
	display, err := json.Marshal(nonNil(inst.Display))
	if err != nil {
		return "", "", fmt.Errorf("encode display values: %w", err)
	}
	return string(values), string(display), nil
}

func nonNil(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}

func nanos(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixNano(), Valid: true}
}

func fromNanos(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.Unix(0, v.Int64).UTC()
	return &t
}
