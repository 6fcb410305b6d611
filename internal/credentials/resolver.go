// Package credentials resolves stored credential instances into plaintext
// for one execution and runs the setup operations that create, test and
// revoke them.
package credentials

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/lecca-io/connectd/internal/connections"
	"github.com/lecca-io/connectd/internal/crypto"
	"github.com/lecca-io/connectd/internal/lock"
	"github.com/lecca-io/connectd/internal/store"
)

const (
	DefaultMargin          = 60 * time.Second
	DefaultRefreshTimeout  = 15 * time.Second
	DefaultValidateTimeout = 10 * time.Second

	lockScopeKind = "credential"
)

// Definitions is the read side of the connection registry.
type Definitions interface {
	Get(id string) (connections.Definition, error)
}

type Options struct {
	// Margin is how long before expiresAt a fixed-ttl credential is
	// refreshed.
	Margin          time.Duration
	RefreshTimeout  time.Duration
	ValidateTimeout time.Duration

	Logger  *slog.Logger
	Metrics Metrics
	Now     func() time.Time
}

func (o Options) normalized() Options {
	if o.Margin <= 0 {
		o.Margin = DefaultMargin
	}
	if o.RefreshTimeout <= 0 {
		o.RefreshTimeout = DefaultRefreshTimeout
	}
	if o.ValidateTimeout <= 0 {
		o.ValidateTimeout = DefaultValidateTimeout
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Metrics == nil {
		o.Metrics = nopMetrics{}
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

// Resolver turns stored instances into Resolved credentials, refreshing
// them through their definition when they are about to expire. It holds no
// plaintext between calls.
type Resolver struct {
	defs   Definitions
	store  store.Store
	sealer *crypto.Sealer
	locks  lock.Manager
	opts   Options
}

func NewResolver(defs Definitions, st store.Store, sealer *crypto.Sealer, locks lock.Manager, opts Options) (*Resolver, error) {
	switch {
	case defs == nil:
		return nil, errors.New("resolver: definitions are required")
	case st == nil:
		return nil, errors.New("resolver: store is required")
	case sealer == nil:
		return nil, errors.New("resolver: sealer is required")
	case locks == nil:
		return nil, errors.New("resolver: lock manager is required")
	}
	return &Resolver{defs: defs, store: st, sealer: sealer, locks: locks, opts: opts.normalized()}, nil
}

// With resolves the instance, passes it to fn and releases it afterwards.
func (r *Resolver) With(ctx context.Context, tenantID, instanceID string, fn func(*Resolved) error) error {
	res, err := r.Resolve(ctx, tenantID, instanceID)
	if err != nil {
		return err
	}
	defer res.Release()
	return fn(res)
}

// Resolve returns the decrypted credential. The caller owns the result and
// must Release it.
func (r *Resolver) Resolve(ctx context.Context, tenantID, instanceID string) (*Resolved, error) {
	res, def, err := r.resolve(ctx, tenantID, instanceID)
	r.opts.Metrics.ObserveResolution(def, outcomeOf(err))
	return res, err
}

func (r *Resolver) resolve(ctx context.Context, tenantID, instanceID string) (*Resolved, string, error) {
	inst, def, err := r.load(ctx, tenantID, instanceID)
	if err != nil {
		return nil, definitionIDOf(inst), err
	}

	if r.needsRefresh(inst, def) {
		inst, err = r.refreshDue(ctx, inst, def)
		if err != nil {
			return nil, inst.DefinitionID, err
		}
	}

	res, err := r.open(inst)
	return res, inst.DefinitionID, err
}

// ReportAuthFailure handles a downstream call that rejected the credential
// at observedVersion. The instance is refreshed under the instance lock
// unless a newer version has been stored since, in which case that one is
// returned as is.
func (r *Resolver) ReportAuthFailure(ctx context.Context, tenantID, instanceID string, observedVersion int64) (*Resolved, error) {
	inst, def, err := r.load(ctx, tenantID, instanceID)
	if err != nil {
		return nil, err
	}
	if inst.Version > observedVersion {
		return r.open(inst)
	}

	if def.Refresher() == nil {
		// The stored status is left alone: only time moves an instance to
		// expired and only a rejected refresh makes it invalid.
		return nil, r.errorf(KindUnusable, inst, "credential rejected by service and cannot be refreshed")
	}

	inst, err = r.refreshLocked(ctx, inst, def, func(cur store.Instance) bool {
		return cur.Version <= observedVersion
	})
	if err != nil {
		return nil, err
	}
	return r.open(inst)
}

// RefreshIfDue refreshes the instance when it is inside the refresh margin.
// The background sweeper calls it; nothing is decrypted for the caller.
func (r *Resolver) RefreshIfDue(ctx context.Context, tenantID, instanceID string) error {
	inst, def, err := r.load(ctx, tenantID, instanceID)
	if err != nil {
		return err
	}
	if !r.needsRefresh(inst, def) {
		return nil
	}
	_, err = r.refreshDue(ctx, inst, def)
	return err
}

// load fetches the instance and its definition and rejects unusable ones.
func (r *Resolver) load(ctx context.Context, tenantID, instanceID string) (store.Instance, connections.Definition, error) {
	inst, err := r.store.Get(ctx, tenantID, instanceID)
	if errors.Is(err, store.ErrNotFound) {
		return store.Instance{}, nil, &Error{Kind: KindNotFound, TenantID: tenantID, InstanceID: instanceID, Err: err}
	}
	if err != nil {
		return store.Instance{}, nil, fmt.Errorf("load credential %s/%s: %w", tenantID, instanceID, err)
	}
	if err := r.checkUsable(inst); err != nil {
		return inst, nil, err
	}
	def, err := r.defs.Get(inst.DefinitionID)
	if err != nil {
		return inst, nil, &Error{Kind: KindUnusable, TenantID: tenantID, InstanceID: instanceID, DefinitionID: inst.DefinitionID, Err: err}
	}
	return inst, def, nil
}

func (r *Resolver) checkUsable(inst store.Instance) error {
	switch inst.Status {
	case store.StatusRevoked, store.StatusInvalid:
		return r.errorf(KindUnusable, inst, "credential is %s", inst.Status)
	}
	return nil
}

// needsRefresh decides whether resolving must go through the refresh path.
func (r *Resolver) needsRefresh(inst store.Instance, def connections.Definition) bool {
	if inst.Status == store.StatusExpired {
		return true
	}
	if def.Expiry() != connections.ExpiryFixedTTL {
		return false
	}
	if inst.ExpiresAt == nil {
		// Refreshable credentials stored without a known expiry get one on
		// first use. A refresh that reported no expiry is not repeated.
		return def.Refresher() != nil && inst.RefreshedAt == nil
	}
	return inst.ExpiresWithin(r.opts.Now(), r.opts.Margin)
}

// refreshDue handles an instance that needsRefresh selected.
func (r *Resolver) refreshDue(ctx context.Context, inst store.Instance, def connections.Definition) (store.Instance, error) {
	if def.Refresher() == nil {
		now := r.opts.Now()
		if inst.Status != store.StatusExpired && inst.ExpiresAt != nil && now.Before(*inst.ExpiresAt) {
			// Inside the margin but still valid; nothing can renew it.
			return inst, nil
		}
		if inst.Status != store.StatusExpired {
			if err := r.markStatus(ctx, inst, store.StatusExpired, "expired"); err != nil {
				return inst, err
			}
		}
		return inst, r.errorf(KindUnusable, inst, "credential expired and cannot be refreshed")
	}
	return r.refreshLocked(ctx, inst, def, func(cur store.Instance) bool {
		return r.needsRefresh(cur, def)
	})
}

// refreshLocked refreshes inst under the per-instance lock. After taking the
// lock it re-reads the instance and skips the refresh when stillNeeded
// reports that another holder already did it.
func (r *Resolver) refreshLocked(ctx context.Context, inst store.Instance, def connections.Definition, stillNeeded func(store.Instance) bool) (store.Instance, error) {
	logger := r.opts.Logger.With("tenant_id", inst.TenantID, "instance_id", inst.ID, "definition_id", inst.DefinitionID)

	waitStart := time.Now()
	l, err := r.locks.Acquire(ctx, lockScopeKind, inst.TenantID+"/"+inst.ID)
	r.opts.Metrics.ObserveLockWait(time.Since(waitStart))
	if err != nil {
		return inst, &Error{Kind: KindRefreshTransient, TenantID: inst.TenantID, InstanceID: inst.ID, DefinitionID: inst.DefinitionID,
			Err: fmt.Errorf("acquire refresh lock: %w", err)}
	}

	var (
		result = inst
		outErr error
	)
	runErr, lost := lock.Run(ctx, logger, l, func(runCtx context.Context) error {
		cur, err := r.store.Get(runCtx, inst.TenantID, inst.ID)
		if errors.Is(err, store.ErrNotFound) {
			outErr = &Error{Kind: KindNotFound, TenantID: inst.TenantID, InstanceID: inst.ID, Err: err}
			return nil
		}
		if err != nil {
			return err
		}
		result = cur
		if err := r.checkUsable(cur); err != nil {
			outErr = err
			return nil
		}
		if !stillNeeded(cur) {
			logger.Debug("credential already refreshed by another caller", "version", cur.Version)
			return nil
		}
		result, outErr = r.refresh(runCtx, logger, cur, def)
		return nil
	})
	if runErr != nil || lost != nil {
		cause := runErr
		if cause == nil {
			cause = lost
		}
		return inst, &Error{Kind: KindRefreshTransient, TenantID: inst.TenantID, InstanceID: inst.ID, DefinitionID: inst.DefinitionID, Err: cause}
	}
	return result, outErr
}

// refresh calls the definition's refresh hook and persists the outcome.
// The caller holds the instance lock.
func (r *Resolver) refresh(ctx context.Context, logger *slog.Logger, cur store.Instance, def connections.Definition) (store.Instance, error) {
	start := time.Now()
	plain, err := r.sealer.OpenValues(aadFor(cur), cur.Values)
	if err != nil {
		return cur, r.errorf(KindUnusable, cur, "decrypt stored values: %w", err)
	}
	values := toStrings(plain)
	zeroAll(plain)

	refreshCtx, cancel := context.WithTimeout(ctx, r.opts.RefreshTimeout)
	out, err := def.Refresher().Refresh(refreshCtx, values)
	cancel()
	if err != nil {
		ae := connections.ClassifyAuthError(err)
		if ae.Reason == connections.AuthInvalidCredential {
			logger.Warn("credential refresh rejected", "err", err)
			if markErr := r.markStatus(ctx, cur, store.StatusInvalid, "refresh rejected"); markErr != nil {
				logger.Error("failed to mark credential invalid", "err", markErr)
			}
			r.opts.Metrics.ObserveRefresh(cur.DefinitionID, "invalid", time.Since(start))
			return cur, &Error{Kind: KindUnusable, TenantID: cur.TenantID, InstanceID: cur.ID, DefinitionID: cur.DefinitionID, Err: ae}
		}
		logger.Warn("credential refresh failed", "reason", ae.Reason, "err", err)
		r.opts.Metrics.ObserveRefresh(cur.DefinitionID, string(ae.Reason), time.Since(start))
		return cur, &Error{Kind: KindRefreshTransient, TenantID: cur.TenantID, InstanceID: cur.ID, DefinitionID: cur.DefinitionID, Err: ae}
	}

	now := r.opts.Now().UTC()
	next := cur.Clone()
	next.Values, err = r.sealer.SealValues(aadFor(cur), out.Values)
	if err != nil {
		return cur, fmt.Errorf("seal refreshed values: %w", err)
	}
	next.Display = def.Schema().Mask(out.Values)
	next.Status = store.StatusActive
	next.StatusReason = ""
	next.RefreshedAt = &now
	next.ExpiresAt = out.ExpiresAt
	if next.ExpiresAt == nil && def.TTL() > 0 {
		exp := now.Add(def.TTL())
		next.ExpiresAt = &exp
	}

	updated, err := r.store.Update(ctx, next)
	if err != nil {
		r.opts.Metrics.ObserveRefresh(cur.DefinitionID, "store_error", time.Since(start))
		return cur, &Error{Kind: KindRefreshTransient, TenantID: cur.TenantID, InstanceID: cur.ID, DefinitionID: cur.DefinitionID,
			Err: fmt.Errorf("persist refreshed credential: %w", err)}
	}
	r.opts.Metrics.ObserveRefresh(cur.DefinitionID, "ok", time.Since(start))
	logger.Info("credential refreshed", "version", updated.Version, "expires_at", updated.ExpiresAt)
	return updated, nil
}

// markStatus persists a status change. A concurrent writer winning the race
// is not an error: the newer record is authoritative.
func (r *Resolver) markStatus(ctx context.Context, inst store.Instance, status store.Status, reason string) error {
	next := inst.Clone()
	next.Status = status
	next.StatusReason = reason
	_, err := r.store.Update(context.WithoutCancel(ctx), next)
	if err != nil && !store.IsConflict(err) {
		return fmt.Errorf("mark credential %s/%s %s: %w", inst.TenantID, inst.ID, status, err)
	}
	return nil
}

func (r *Resolver) open(inst store.Instance) (*Resolved, error) {
	plain, err := r.sealer.OpenValues(aadFor(inst), inst.Values)
	if err != nil {
		return nil, r.errorf(KindUnusable, inst, "decrypt stored values: %w", err)
	}
	return newResolved(inst.TenantID, inst.ID, inst.DefinitionID, inst.Version, inst.ExpiresAt, plain), nil
}

func (r *Resolver) errorf(kind Kind, inst store.Instance, format string, args ...any) error {
	return &Error{Kind: kind, TenantID: inst.TenantID, InstanceID: inst.ID, DefinitionID: inst.DefinitionID, Err: fmt.Errorf(format, args...)}
}

func aadFor(inst store.Instance) crypto.AAD {
	return crypto.AAD{TenantID: inst.TenantID, DefinitionID: inst.DefinitionID, InstanceID: inst.ID}
}

func definitionIDOf(inst store.Instance) string { return inst.DefinitionID }

func toStrings(values map[string][]byte) map[string]string {
	out := make(map[string]string, len(values))
	for k, v := range values {
		out[k] = string(v)
	}
	return out
}

func zeroAll(values map[string][]byte) {
	for _, v := range values {
		crypto.Zero(v)
	}
}
