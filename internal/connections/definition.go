// Package connections defines how an integration declares a connection to a
// third-party service and keeps the process-wide registry of those
// declarations.
package connections

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lecca-io/connectd/internal/connections/schema"
)

type ExpiryPolicy string

const (
	// ExpiryNone credentials never expire on their own.
	ExpiryNone ExpiryPolicy = "none"
	// ExpiryFixedTTL credentials carry an expiresAt and are refreshed
	// proactively before it passes.
	ExpiryFixedTTL ExpiryPolicy = "fixed_ttl"
	// ExpiryTokenReported credentials are refreshed only after a downstream
	// call reports an authentication failure.
	ExpiryTokenReported ExpiryPolicy = "token_reported"
)

func ParseExpiryPolicy(v string) (ExpiryPolicy, error) {
	switch p := ExpiryPolicy(strings.ToLower(strings.TrimSpace(v))); p {
	case "", ExpiryNone:
		return ExpiryNone, nil
	case ExpiryFixedTTL, ExpiryTokenReported:
		return p, nil
	default:
		return "", fmt.Errorf("unknown expiry policy %q", v)
	}
}

// Definition is the uniform view the registry, the setup flow and the
// resolver have of every connection kind.
type Definition interface {
	// Identity
	ID() string
	Name() string
	Description() string
	Kind() string // e.g. "api_key", "oauth2"
	Version() int

	Schema() *schema.Schema

	// Lifecycle
	Expiry() ExpiryPolicy
	TTL() time.Duration // lifetime assigned to fresh values; zero when unknown

	// Hooks (optional - nil when the connection does not support them)
	Validator() Validator
	Refresher() Refresher
}

// Validator confirms that credential values authenticate against the
// service. Implementations report failures as *AuthError.
type Validator interface {
	Validate(ctx context.Context, values map[string]string) error
}

// Refresher exchanges the stored values for fresh ones.
type Refresher interface {
	Refresh(ctx context.Context, values map[string]string) (Refreshed, error)
}

// Refreshed is the outcome of a successful refresh. Values replaces the
// stored values; a nil ExpiresAt falls back to the definition TTL.
type Refreshed struct {
	Values    map[string]string
	ExpiresAt *time.Time
}

type ValidateFunc func(ctx context.Context, values map[string]string) error

func (f ValidateFunc) Validate(ctx context.Context, values map[string]string) error {
	return f(ctx, values)
}

type RefreshFunc func(ctx context.Context, values map[string]string) (Refreshed, error)

func (f RefreshFunc) Refresh(ctx context.Context, values map[string]string) (Refreshed, error) {
	return f(ctx, values)
}

// Spec declares one connection variant. Kind packages fill it in and pass it
// to New.
type Spec struct {
	ID          string
	Name        string
	Description string
	Kind        string
	Version     int
	Schema      *schema.Schema
	Expiry      ExpiryPolicy
	TTL         time.Duration
	Validate    Validator
	Refresh     Refresher
}

type definition struct {
	spec Spec
}

// New checks spec and returns it as a Definition.
func New(spec Spec) (Definition, error) {
	spec.ID = strings.TrimSpace(spec.ID)
	spec.Name = strings.TrimSpace(spec.Name)
	spec.Kind = strings.TrimSpace(spec.Kind)
	if spec.ID == "" {
		return nil, errors.New("connection id cannot be empty")
	}
	if spec.Name == "" {
		spec.Name = spec.ID
	}
	if spec.Kind == "" {
		return nil, fmt.Errorf("connection %q: kind cannot be empty", spec.ID)
	}
	if spec.Schema == nil {
		return nil, fmt.Errorf("connection %q: schema is required", spec.ID)
	}
	if spec.Version <= 0 {
		spec.Version = 1
	}
	if spec.Expiry == "" {
		spec.Expiry = ExpiryNone
	}
	if spec.TTL < 0 {
		return nil, fmt.Errorf("connection %q: ttl cannot be negative", spec.ID)
	}
	if spec.Expiry == ExpiryTokenReported && spec.Refresh == nil {
		return nil, fmt.Errorf("connection %q: token-reported expiry requires a refresh hook", spec.ID)
	}
	return &definition{spec: spec}, nil
}

func (d *definition) ID() string             { return d.spec.ID }
func (d *definition) Name() string           { return d.spec.Name }
func (d *definition) Description() string    { return d.spec.Description }
func (d *definition) Kind() string           { return d.spec.Kind }
func (d *definition) Version() int           { return d.spec.Version }
func (d *definition) Schema() *schema.Schema { return d.spec.Schema }
func (d *definition) Expiry() ExpiryPolicy   { return d.spec.Expiry }
func (d *definition) TTL() time.Duration     { return d.spec.TTL }
func (d *definition) Validator() Validator   { return d.spec.Validate }
func (d *definition) Refresher() Refresher   { return d.spec.Refresh }

// Fingerprint identifies everything registration compares when the same id
// is registered twice.
func Fingerprint(def Definition) string {
	h := sha256.New()
	_, _ = fmt.Fprintf(h, "%s\x00%s\x00%s\x00%s\x00%d\x00%s\x00%s\x00%t\x00%t\x00",
		def.ID(), def.Name(), def.Description(), def.Kind(), def.Version(),
		def.Expiry(), def.TTL(), def.Validator() != nil, def.Refresher() != nil)
	if s := def.Schema(); s != nil {
		_, _ = h.Write([]byte(s.Fingerprint()))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Metadata is the display view of a definition for setup flows.
type Metadata struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Kind        string          `json:"kind"`
	Version     int             `json:"version"`
	Expiry      ExpiryPolicy    `json:"expiry_policy"`
	Validatable bool            `json:"validatable"`
	Refreshable bool            `json:"refreshable"`
	Fields      []FieldMetadata `json:"fields"`
}

type FieldMetadata struct {
	Name        string `json:"name"`
	Label       string `json:"label"`
	Description string `json:"description,omitempty"`
	Secret      bool   `json:"secret"`
	Required    bool   `json:"required"`
}

func MetadataOf(def Definition) Metadata {
	m := Metadata{
		ID:          def.ID(),
		Name:        def.Name(),
		Description: def.Description(),
		Kind:        def.Kind(),
		Version:     def.Version(),
		Expiry:      def.Expiry(),
		Validatable: def.Validator() != nil,
		Refreshable: def.Refresher() != nil,
	}
	if s := def.Schema(); s != nil {
		for _, f := range s.Fields() {
			m.Fields = append(m.Fields, FieldMetadata{
				Name:        f.Name,
				Label:       f.Label,
				Description: f.Description,
				Secret:      f.IsSecret(),
				Required:    f.Required,
			})
		}
	}
	return m
}
