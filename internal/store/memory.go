package store

import (
	"context"
	"sort"
	"sync"
	"time"
)

type memKey struct {
	tenantID string
	id       string
}

// Memory is an in-process Store for tests and single-node development.
type Memory struct {
	mu        sync.RWMutex
	instances map[memKey]Instance
	now       func() time.Time
}

func NewMemory() *Memory {
	return &Memory{instances: make(map[memKey]Instance), now: time.Now}
}

func (m *Memory) Create(_ context.Context, inst Instance) (Instance, error) {
	if err := Check(inst); err != nil {
		return Instance{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	key := memKey{inst.TenantID, inst.ID}
	if _, ok := m.instances[key]; ok {
		return Instance{}, ErrAlreadyExists
	}
	now := m.now().UTC()
	inst = inst.Clone()
	inst.Version = 1
	if inst.CreatedAt.IsZero() {
		inst.CreatedAt = now
	}
	inst.UpdatedAt = now
	m.instances[key] = inst
	return inst.Clone(), nil
}

func (m *Memory) Get(_ context.Context, tenantID, id string) (Instance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	inst, ok := m.instances[memKey{tenantID, id}]
	if !ok {
		return Instance{}, ErrNotFound
	}
	return inst.Clone(), nil
}

func (m *Memory) List(_ context.Context, tenantID string) ([]Instance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Instance
	for key, inst := range m.instances {
		if key.tenantID == tenantID {
			out = append(out, inst.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (m *Memory) Update(_ context.Context, inst Instance) (Instance, error) {
	if err := Check(inst); err != nil {
		return Instance{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	key := memKey{inst.TenantID, inst.ID}
	cur, ok := m.instances[key]
	if !ok {
		return Instance{}, ErrNotFound
	}
	if cur.Version != inst.Version {
		return Instance{}, &ConflictError{TenantID: inst.TenantID, InstanceID: inst.ID, Expected: inst.Version, Actual: cur.Version}
	}
	inst = inst.Clone()
	inst.CreatedAt = cur.CreatedAt
	inst.UpdatedAt = m.now().UTC()
	inst.Version = cur.Version + 1
	m.instances[key] = inst
	return inst.Clone(), nil
}

func (m *Memory) Delete(_ context.Context, tenantID, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.instances, memKey{tenantID, id})
	return nil
}

func (m *Memory) ListExpiring(_ context.Context, cutoff time.Time, limit int) ([]Instance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Instance
	for _, inst := range m.instances {
		if inst.Status == StatusActive && inst.ExpiresAt != nil && !inst.ExpiresAt.After(cutoff) {
			out = append(out, inst.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExpiresAt.Before(*out[j].ExpiresAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
