// Package apikey is the API-key connection variant: a single secret field,
// optionally checked against a who-am-i endpoint.
package apikey

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/lecca-io/connectd/internal/connections"
	"github.com/lecca-io/connectd/internal/connections/httpprobe"
	"github.com/lecca-io/connectd/internal/connections/schema"
)

const (
	Kind     = "api_key"
	FieldKey = "apiKey"

	defaultName        = "API Key"
	defaultDescription = "Connect using an API Key"
)

type Placement string

const (
	PlacementBearer Placement = "bearer"
	PlacementHeader Placement = "header"
	PlacementQuery  Placement = "query"
)

type Options struct {
	ID          string
	Name        string
	Description string
	Version     int

	// Validators run against the key in addition to the required check.
	Validators []schema.Validator
	// ExtraFields are collected next to the key (e.g. a workspace id).
	ExtraFields []schema.Field

	// ProbeURL enables remote validation when set.
	ProbeURL  string
	Placement Placement
	// ParamName is the header or query parameter name for PlacementHeader
	// and PlacementQuery.
	ParamName string
	HTTP      *http.Client

	// TTL makes keys expire after a fixed lifetime. Expired keys need the
	// user to reconnect.
	TTL time.Duration
}

// NewDefinition declares an API-key connection.
func NewDefinition(opts Options) (connections.Definition, error) {
	id := strings.TrimSpace(opts.ID)
	if id == "" {
		return nil, fmt.Errorf("api key connection id is required")
	}
	name := strings.TrimSpace(opts.Name)
	if name == "" {
		name = defaultName
	}
	description := strings.TrimSpace(opts.Description)
	if description == "" {
		description = defaultDescription
	}

	fields := []schema.Field{{
		Name:       FieldKey,
		Label:      "API Key",
		Kind:       schema.FieldSecret,
		Required:   true,
		Validators: opts.Validators,
	}}
	fields = append(fields, opts.ExtraFields...)
	s, err := schema.New(id, fields...)
	if err != nil {
		return nil, err
	}

	spec := connections.Spec{
		ID:          id,
		Name:        name,
		Description: description,
		Kind:        Kind,
		Version:     opts.Version,
		Schema:      s,
	}
	if opts.TTL > 0 {
		spec.Expiry = connections.ExpiryFixedTTL
		spec.TTL = opts.TTL
	}
	if strings.TrimSpace(opts.ProbeURL) != "" {
		probe, err := httpprobe.New(opts.ProbeURL)
		if err != nil {
			return nil, fmt.Errorf("api key connection %q: %w", id, err)
		}
		if opts.HTTP != nil {
			probe.HTTP = opts.HTTP
		}
		authorize, err := authorizer(opts.Placement, opts.ParamName)
		if err != nil {
			return nil, fmt.Errorf("api key connection %q: %w", id, err)
		}
		spec.Validate = connections.ValidateFunc(func(ctx context.Context, values map[string]string) error {
			key := values[FieldKey]
			return probe.Check(ctx, func(r *http.Request) { authorize(r, key) })
		})
	}
	return connections.New(spec)
}

func authorizer(placement Placement, param string) (func(*http.Request, string), error) {
	param = strings.TrimSpace(param)
	switch placement {
	case "", PlacementBearer:
		return func(r *http.Request, key string) {
			r.Header.Set("Authorization", "Bearer "+key)
		}, nil
	case PlacementHeader:
		if param == "" {
			param = "X-API-Key"
		}
		return func(r *http.Request, key string) {
			r.Header.Set(param, key)
		}, nil
	case PlacementQuery:
		if param == "" {
			param = "api_key"
		}
		return func(r *http.Request, key string) {
			q := r.URL.Query()
			q.Set(param, key)
			r.URL.RawQuery = q.Encode()
		}, nil
	default:
		return nil, fmt.Errorf("unknown key placement %q", placement)
	}
}

// ParsePlacement accepts the catalog spelling of a placement.
func ParsePlacement(v string) (Placement, error) {
	switch p := Placement(strings.ToLower(strings.TrimSpace(v))); p {
	case "":
		return PlacementBearer, nil
	case PlacementBearer, PlacementHeader, PlacementQuery:
		return p, nil
	default:
		return "", fmt.Errorf("unknown key placement %q", v)
	}
}
