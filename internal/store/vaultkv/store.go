// Package vaultkv keeps credential instances in a Vault KV v2 mount. The KV
// secret version doubles as the instance version, and writes use
// check-and-set so concurrent updates cannot overwrite each other.
package vaultkv

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	neturl "net/url"
	"sort"
	"strings"
	"time"

	vaultapi "github.com/hashicorp/vault/api"
	"github.com/lecca-io/connectd/internal/store"
)

var _ store.Store = (*Store)(nil)

type Options struct {
	Address   string
	Token     string
	Namespace string
	Mount     string
	Prefix    string
	HTTP      *http.Client
}

type Store struct {
	client *vaultapi.Client
	kv     *vaultapi.KVv2
	mount  string
	prefix string
	now    func() time.Time
}

func New(opts Options) (*Store, error) {
	address := strings.TrimSpace(opts.Address)
	if address == "" {
		return nil, errors.New("vault address is required")
	}
	token := strings.TrimSpace(opts.Token)
	if token == "" {
		return nil, errors.New("vault token is required")
	}
	mount := strings.Trim(strings.TrimSpace(opts.Mount), "/")
	if mount == "" {
		mount = "secret"
	}
	prefix := strings.Trim(strings.TrimSpace(opts.Prefix), "/")
	if prefix == "" {
		prefix = "connectd"
	}

	cfg := vaultapi.DefaultConfig()
	cfg.Address = address
	if opts.HTTP != nil {
		cfg.HttpClient = opts.HTTP
	} else {
		cfg.HttpClient = &http.Client{Timeout: 30 * time.Second}
	}
	client, err := vaultapi.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("vault client setup: %w", err)
	}
	client.SetToken(token)
	if ns := strings.TrimSpace(opts.Namespace); ns != "" {
		client.SetNamespace(ns)
	}

	return &Store{
		client: client,
		kv:     client.KVv2(mount),
		mount:  mount,
		prefix: prefix,
		now:    time.Now,
	}, nil
}

// record is the JSON document kept under the "record" key of each secret.
type record struct {
	DefinitionID      string            `json:"definition_id"`
	DefinitionVersion int               `json:"definition_version"`
	Values            map[string]string `json:"values,omitempty"`
	Display           map[string]string `json:"display,omitempty"`
	Status            store.Status      `json:"status"`
	StatusReason      string            `json:"status_reason,omitempty"`
	ExpiresAt         *time.Time        `json:"expires_at,omitempty"`
	RefreshedAt       *time.Time        `json:"refreshed_at,omitempty"`
	CreatedAt         time.Time         `json:"created_at"`
	UpdatedAt         time.Time         `json:"updated_at"`
}

func (s *Store) tenantPath(tenantID string) string {
	return s.prefix + "/" + neturl.PathEscape(tenantID)
}

func (s *Store) instancePath(tenantID, id string) string {
	return s.tenantPath(tenantID) + "/" + neturl.PathEscape(id)
}

func (s *Store) Create(ctx context.Context, inst store.Instance) (store.Instance, error) {
	if err := store.Check(inst); err != nil {
		return store.Instance{}, err
	}
	now := s.now().UTC()
	inst = inst.Clone()
	if inst.CreatedAt.IsZero() {
		inst.CreatedAt = now
	}
	inst.UpdatedAt = now

	version, err := s.put(ctx, inst, 0)
	if isCASMismatch(err) {
		return store.Instance{}, store.ErrAlreadyExists
	}
	if err != nil {
		return store.Instance{}, fmt.Errorf("create instance %s/%s: %w", inst.TenantID, inst.ID, err)
	}
	inst.Version = version
	return inst, nil
}

func (s *Store) Get(ctx context.Context, tenantID, id string) (store.Instance, error) {
	secret, err := s.kv.Get(ctx, s.instancePath(tenantID, id))
	if errors.Is(err, vaultapi.ErrSecretNotFound) {
		return store.Instance{}, store.ErrNotFound
	}
	if err != nil {
		return store.Instance{}, fmt.Errorf("get instance %s/%s: %w", tenantID, id, err)
	}
	inst, err := decode(tenantID, id, secret)
	if err != nil {
		return store.Instance{}, fmt.Errorf("get instance %s/%s: %w", tenantID, id, err)
	}
	return inst, nil
}

func (s *Store) List(ctx context.Context, tenantID string) ([]store.Instance, error) {
	ids, err := s.listKeys(ctx, s.tenantPath(tenantID))
	if err != nil {
		return nil, fmt.Errorf("list instances for %s: %w", tenantID, err)
	}
	out := make([]store.Instance, 0, len(ids))
	for _, key := range ids {
		if strings.HasSuffix(key, "/") {
			continue
		}
		id, err := neturl.PathUnescape(key)
		if err != nil {
			continue
		}
		inst, err := s.Get(ctx, tenantID, id)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, inst)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *Store) Update(ctx context.Context, inst store.Instance) (store.Instance, error) {
	if err := store.Check(inst); err != nil {
		return store.Instance{}, err
	}
	cur, err := s.Get(ctx, inst.TenantID, inst.ID)
	if err != nil {
		return store.Instance{}, err
	}
	if cur.Version != inst.Version {
		return store.Instance{}, &store.ConflictError{TenantID: inst.TenantID, InstanceID: inst.ID, Expected: inst.Version, Actual: cur.Version}
	}

	inst = inst.Clone()
	inst.CreatedAt = cur.CreatedAt
	inst.UpdatedAt = s.now().UTC()
	version, err := s.put(ctx, inst, inst.Version)
	if isCASMismatch(err) {
		actual := inst.Version + 1
		if latest, getErr := s.Get(ctx, inst.TenantID, inst.ID); getErr == nil {
			actual = latest.Version
		}
		return store.Instance{}, &store.ConflictError{TenantID: inst.TenantID, InstanceID: inst.ID, Expected: inst.Version, Actual: actual}
	}
	if err != nil {
		return store.Instance{}, fmt.Errorf("update instance %s/%s: %w", inst.TenantID, inst.ID, err)
	}
	inst.Version = version
	return inst, nil
}

// Delete removes the secret's metadata, which destroys every version.
func (s *Store) Delete(ctx context.Context, tenantID, id string) error {
	if err := s.kv.DeleteMetadata(ctx, s.instancePath(tenantID, id)); err != nil {
		return fmt.Errorf("delete instance %s/%s: %w", tenantID, id, err)
	}
	return nil
}

// ListExpiring walks every tenant under the prefix. Vault has no secondary
// indexes, so this is linear in the number of stored instances.
func (s *Store) ListExpiring(ctx context.Context, cutoff time.Time, limit int) ([]store.Instance, error) {
	tenants, err := s.listKeys(ctx, s.prefix)
	if err != nil {
		return nil, fmt.Errorf("list tenants: %w", err)
	}
	var out []store.Instance
	for _, key := range tenants {
		if !strings.HasSuffix(key, "/") {
			continue
		}
		tenantID, err := neturl.PathUnescape(strings.TrimSuffix(key, "/"))
		if err != nil {
			continue
		}
		instances, err := s.List(ctx, tenantID)
		if err != nil {
			return nil, err
		}
		for _, inst := range instances {
			if inst.Status == store.StatusActive && inst.ExpiresAt != nil && !inst.ExpiresAt.After(cutoff) {
				out = append(out, inst)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExpiresAt.Before(*out[j].ExpiresAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) put(ctx context.Context, inst store.Instance, cas int64) (int64, error) {
	raw, err := json.Marshal(record{
		DefinitionID:      inst.DefinitionID,
		DefinitionVersion: inst.DefinitionVersion,
		Values:            inst.Values,
		Display:           inst.Display,
		Status:            inst.Status,
		StatusReason:      inst.StatusReason,
		ExpiresAt:         inst.ExpiresAt,
		RefreshedAt:       inst.RefreshedAt,
		CreatedAt:         inst.CreatedAt,
		UpdatedAt:         inst.UpdatedAt,
	})
	if err != nil {
		return 0, err
	}
	secret, err := s.kv.Put(ctx, s.instancePath(inst.TenantID, inst.ID),
		map[string]interface{}{"record": string(raw)},
		vaultapi.WithCheckAndSet(int(cas)),
	)
	if err != nil {
		return 0, err
	}
	if secret.VersionMetadata == nil {
		return 0, errors.New("vault write returned no version metadata")
	}
	return int64(secret.VersionMetadata.Version), nil
}

func (s *Store) listKeys(ctx context.Context, path string) ([]string, error) {
	secret, err := s.client.Logical().ListWithContext(ctx, s.mount+"/metadata/"+path)
	if err != nil {
		return nil, err
	}
	if secret == nil || secret.Data == nil {
		return nil, nil
	}
	raw, _ := secret.Data["keys"].([]interface{})
	keys := make([]string, 0, len(raw))
	for _, k := range raw {
		if v, ok := k.(string); ok {
			keys = append(keys, v)
		}
	}
	return keys, nil
}

func decode(tenantID, id string, secret *vaultapi.KVSecret) (store.Instance, error) {
	raw, _ := secret.Data["record"].(string)
	if raw == "" {
		return store.Instance{}, errors.New("secret has no record")
	}
	var rec record
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return store.Instance{}, fmt.Errorf("decode record: %w", err)
	}
	inst := store.Instance{
		TenantID:          tenantID,
		ID:                id,
		DefinitionID:      rec.DefinitionID,
		DefinitionVersion: rec.DefinitionVersion,
		Values:            rec.Values,
		Display:           rec.Display,
		Status:            rec.Status,
		StatusReason:      rec.StatusReason,
		ExpiresAt:         rec.ExpiresAt,
		RefreshedAt:       rec.RefreshedAt,
		CreatedAt:         rec.CreatedAt,
		UpdatedAt:         rec.UpdatedAt,
	}
	if secret.VersionMetadata != nil {
		inst.Version = int64(secret.VersionMetadata.Version)
	}
	return inst, nil
}

func isCASMismatch(err error) bool {
	var respErr *vaultapi.ResponseError
	if !errors.As(err, &respErr) || respErr.StatusCode != http.StatusBadRequest {
		return false
	}
	for _, msg := range respErr.Errors {
		if strings.Contains(msg, "check-and-set") {
			return true
		}
	}
	return false
}
