package credentials

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/lecca-io/connectd/internal/crypto"
)

const redacted = "[REDACTED]"

// Resolved is the decrypted credential for one execution. Call Release when
// done; it zeroes the plaintext. Every formatting path prints a redacted
// form so a stray log line cannot leak values.
type Resolved struct {
	TenantID     string
	InstanceID   string
	DefinitionID string
	Version      int64
	ExpiresAt    *time.Time

	mu       sync.Mutex
	values   map[string][]byte
	released bool
}

func newResolved(tenantID, instanceID, definitionID string, version int64, expiresAt *time.Time, values map[string][]byte) *Resolved {
	return &Resolved{
		TenantID:     tenantID,
		InstanceID:   instanceID,
		DefinitionID: definitionID,
		Version:      version,
		ExpiresAt:    expiresAt,
		values:       values,
	}
}

// Bytes returns the plaintext of field. The slice is zeroed by Release and
// must not be retained.
func (r *Resolved) Bytes(field string) []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.released {
		return nil
	}
	return r.values[field]
}

// Value returns field as a string. Strings cannot be zeroed; prefer Bytes
// where the consumer accepts it.
func (r *Resolved) Value(field string) string {
	return string(r.Bytes(field))
}

func (r *Resolved) Fields() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.released {
		return nil
	}
	out := make([]string, 0, len(r.values))
	for name := range r.values {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Map copies every value into a string map, for hooks that need one.
func (r *Resolved) Map() map[string]string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.released {
		return nil
	}
	out := make(map[string]string, len(r.values))
	for k, v := range r.values {
		out[k] = string(v)
	}
	return out
}

// Release zeroes the plaintext. It is safe to call more than once.
func (r *Resolved) Release() {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.released {
		return
	}
	for _, v := range r.values {
		crypto.Zero(v)
	}
	r.values = nil
	r.released = true
}

func (r *Resolved) String() string {
	return fmt.Sprintf("Resolved{tenant=%s instance=%s definition=%s values=%s}", r.TenantID, r.InstanceID, r.DefinitionID, redacted)
}

func (r *Resolved) GoString() string { return r.String() }

func (r *Resolved) Format(f fmt.State, _ rune) {
	_, _ = f.Write([]byte(r.String()))
}

func (r *Resolved) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("tenant_id", r.TenantID),
		slog.String("instance_id", r.InstanceID),
		slog.String("definition_id", r.DefinitionID),
		slog.String("values", redacted),
	)
}

var (
	_ fmt.Stringer   = (*Resolved)(nil)
	_ fmt.GoStringer = (*Resolved)(nil)
	_ fmt.Formatter  = (*Resolved)(nil)
	_ slog.LogValuer = (*Resolved)(nil)
)
