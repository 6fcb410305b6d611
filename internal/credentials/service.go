package credentials

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"time"

	"github.com/google/uuid"

	"github.com/lecca-io/connectd/internal/connections"
	"github.com/lecca-io/connectd/internal/lock"
	"github.com/lecca-io/connectd/internal/store"
)

// Catalog is the registry view the setup flow needs.
type Catalog interface {
	Definitions
	List() []connections.Metadata
}

// InstanceInfo is the display view of a stored instance. It never carries
// secret values; Display holds plain fields and masked secrets.
type InstanceInfo struct {
	TenantID          string            `json:"tenant_id"`
	ID                string            `json:"id"`
	DefinitionID      string            `json:"definition_id"`
	DefinitionVersion int               `json:"definition_version"`
	Display           map[string]string `json:"display"`
	Status            store.Status      `json:"status"`
	StatusReason      string            `json:"status_reason,omitempty"`
	ExpiresAt         *time.Time        `json:"expires_at"`
	RefreshedAt       *time.Time        `json:"refreshed_at,omitempty"`
	CreatedAt         time.Time         `json:"created_at"`
	UpdatedAt         time.Time         `json:"updated_at"`
	Version           int64             `json:"version"`
}

func infoOf(inst store.Instance) InstanceInfo {
	return InstanceInfo{
		TenantID:          inst.TenantID,
		ID:                inst.ID,
		DefinitionID:      inst.DefinitionID,
		DefinitionVersion: inst.DefinitionVersion,
		Display:           maps.Clone(inst.Display),
		Status:            inst.Status,
		StatusReason:      inst.StatusReason,
		ExpiresAt:         inst.ExpiresAt,
		RefreshedAt:       inst.RefreshedAt,
		CreatedAt:         inst.CreatedAt,
		UpdatedAt:         inst.UpdatedAt,
		Version:           inst.Version,
	}
}

type CreateOptions struct {
	// InstanceID is generated when empty.
	InstanceID string
	// SkipRemoteValidation stores the credential without calling the
	// definition's validate hook.
	SkipRemoteValidation bool
}

// Service implements the setup operations: listing definitions and
// creating, testing, revoking and deleting tenant credentials.
type Service struct {
	catalog  Catalog
	resolver *Resolver
}

func NewService(catalog Catalog, resolver *Resolver) (*Service, error) {
	if catalog == nil {
		return nil, errors.New("service: catalog is required")
	}
	if resolver == nil {
		return nil, errors.New("service: resolver is required")
	}
	return &Service{catalog: catalog, resolver: resolver}, nil
}

func (s *Service) Resolver() *Resolver { return s.resolver }

func (s *Service) ListDefinitions() []connections.Metadata {
	return s.catalog.List()
}

// CreateInstance validates raw against the definition's schema, checks it
// with the remote service when the definition can, and stores it sealed.
func (s *Service) CreateInstance(ctx context.Context, tenantID, definitionID string, raw map[string]string, opts CreateOptions) (InstanceInfo, error) {
	r := s.resolver
	if tenantID == "" {
		return InstanceInfo{}, &Error{Kind: KindValidation, DefinitionID: definitionID, Err: errors.New("tenant id is required")}
	}
	def, err := s.catalog.Get(definitionID)
	if err != nil {
		return InstanceInfo{}, &Error{Kind: KindNotFound, TenantID: tenantID, DefinitionID: definitionID, Err: err}
	}

	sc := def.Schema()
	if err := sc.Validate(raw); err != nil {
		return InstanceInfo{}, &Error{Kind: KindValidation, TenantID: tenantID, DefinitionID: definitionID, Err: err}
	}
	values := sc.Normalize(raw)

	if v := def.Validator(); v != nil && !opts.SkipRemoteValidation {
		if err := s.validate(ctx, def, v, values); err != nil {
			return InstanceInfo{}, &Error{Kind: KindAuth, TenantID: tenantID, DefinitionID: definitionID, Err: err}
		}
	}

	id := opts.InstanceID
	if id == "" {
		id = uuid.NewString()
	}
	now := r.opts.Now().UTC()
	inst := store.Instance{
		TenantID:          tenantID,
		ID:                id,
		DefinitionID:      def.ID(),
		DefinitionVersion: def.Version(),
		Display:           sc.Mask(values),
		Status:            store.StatusActive,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if def.Expiry() == connections.ExpiryFixedTTL && def.TTL() > 0 {
		exp := now.Add(def.TTL())
		inst.ExpiresAt = &exp
	}
	inst.Values, err = r.sealer.SealValues(aadFor(inst), values)
	if err != nil {
		return InstanceInfo{}, fmt.Errorf("seal credential values: %w", err)
	}

	created, err := r.store.Create(ctx, inst)
	if errors.Is(err, store.ErrAlreadyExists) {
		return InstanceInfo{}, &Error{Kind: KindConflict, TenantID: tenantID, InstanceID: id, DefinitionID: def.ID(), Err: err}
	}
	if err != nil {
		return InstanceInfo{}, fmt.Errorf("store credential: %w", err)
	}
	r.opts.Logger.Info("credential created", "tenant_id", tenantID, "instance_id", id, "definition_id", def.ID())
	return infoOf(created), nil
}

func (s *Service) validate(ctx context.Context, def connections.Definition, v connections.Validator, values map[string]string) error {
	r := s.resolver
	vctx, cancel := context.WithTimeout(ctx, r.opts.ValidateTimeout)
	defer cancel()

	err := v.Validate(vctx, values)
	ae := connections.ClassifyAuthError(err)
	if ae == nil {
		r.opts.Metrics.ObserveValidation(def.ID(), "ok")
		return nil
	}
	r.opts.Metrics.ObserveValidation(def.ID(), string(ae.Reason))
	return ae
}

// TestInstance checks a stored credential against the remote service. A
// rejection marks the instance invalid; transient failures leave it alone.
// Definitions without a validate hook only get the local usability check.
func (s *Service) TestInstance(ctx context.Context, tenantID, instanceID string) (InstanceInfo, error) {
	r := s.resolver
	inst, def, err := r.load(ctx, tenantID, instanceID)
	if err != nil {
		return InstanceInfo{}, err
	}
	v := def.Validator()
	if v == nil {
		return infoOf(inst), nil
	}

	plain, err := r.sealer.OpenValues(aadFor(inst), inst.Values)
	if err != nil {
		return InstanceInfo{}, r.errorf(KindUnusable, inst, "decrypt stored values: %w", err)
	}
	values := toStrings(plain)
	zeroAll(plain)

	if err := s.validate(ctx, def, v, values); err != nil {
		var ae *connections.AuthError
		if errors.As(err, &ae) && ae.Reason == connections.AuthInvalidCredential {
			if markErr := r.markStatus(ctx, inst, store.StatusInvalid, "rejected by connection test"); markErr != nil {
				return InstanceInfo{}, markErr
			}
			return InstanceInfo{}, &Error{Kind: KindUnusable, TenantID: tenantID, InstanceID: instanceID, DefinitionID: inst.DefinitionID, Err: err}
		}
		return InstanceInfo{}, &Error{Kind: KindAuth, TenantID: tenantID, InstanceID: instanceID, DefinitionID: inst.DefinitionID, Err: err}
	}
	return infoOf(inst), nil
}

// RevokeInstance drops the stored values and leaves a revoked tombstone so
// later resolutions fail as unusable. It takes the refresh lock so a
// refresh in flight cannot write the values back. Revoking twice is a no-op.
func (s *Service) RevokeInstance(ctx context.Context, tenantID, instanceID string) error {
	r := s.resolver
	l, err := r.locks.Acquire(ctx, lockScopeKind, tenantID+"/"+instanceID)
	if err != nil {
		return fmt.Errorf("acquire credential lock: %w", err)
	}
	logger := r.opts.Logger.With("tenant_id", tenantID, "instance_id", instanceID)

	runErr, lost := lock.Run(ctx, logger, l, func(ctx context.Context) error {
		inst, err := r.store.Get(ctx, tenantID, instanceID)
		if errors.Is(err, store.ErrNotFound) {
			return &Error{Kind: KindNotFound, TenantID: tenantID, InstanceID: instanceID, Err: err}
		}
		if err != nil {
			return err
		}
		if inst.Status == store.StatusRevoked {
			return nil
		}
		next := inst.Clone()
		next.Values = nil
		next.Status = store.StatusRevoked
		next.StatusReason = "revoked by user"
		next.ExpiresAt = nil
		if _, err := r.store.Update(ctx, next); err != nil {
			return fmt.Errorf("revoke credential: %w", err)
		}
		logger.Info("credential revoked", "definition_id", inst.DefinitionID)
		return nil
	})
	if runErr != nil {
		return runErr
	}
	return lost
}

// DeleteInstance purges the instance record. Unlike RevokeInstance it
// leaves nothing behind, so later resolutions report not_found.
func (s *Service) DeleteInstance(ctx context.Context, tenantID, instanceID string) error {
	if err := s.resolver.store.Delete(ctx, tenantID, instanceID); err != nil {
		return fmt.Errorf("delete credential: %w", err)
	}
	s.resolver.opts.Logger.Info("credential deleted", "tenant_id", tenantID, "instance_id", instanceID)
	return nil
}

func (s *Service) GetInstance(ctx context.Context, tenantID, instanceID string) (InstanceInfo, error) {
	inst, err := s.resolver.store.Get(ctx, tenantID, instanceID)
	if errors.Is(err, store.ErrNotFound) {
		return InstanceInfo{}, &Error{Kind: KindNotFound, TenantID: tenantID, InstanceID: instanceID, Err: err}
	}
	if err != nil {
		return InstanceInfo{}, err
	}
	return infoOf(inst), nil
}

func (s *Service) ListInstances(ctx context.Context, tenantID string) ([]InstanceInfo, error) {
	insts, err := s.resolver.store.List(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("list credentials: %w", err)
	}
	out := make([]InstanceInfo, 0, len(insts))
	for _, inst := range insts {
		out = append(out, infoOf(inst))
	}
	return out, nil
}
