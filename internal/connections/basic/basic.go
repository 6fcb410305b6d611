// Package basic is the username/password connection variant.
package basic

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/lecca-io/connectd/internal/connections"
	"github.com/lecca-io/connectd/internal/connections/httpprobe"
	"github.com/lecca-io/connectd/internal/connections/schema"
)

const (
	Kind          = "basic"
	FieldUsername = "username"
	FieldPassword = "password"
)

type Options struct {
	ID          string
	Name        string
	Description string
	Version     int
	ExtraFields []schema.Field
	ProbeURL    string
	HTTP        *http.Client
}

func NewDefinition(opts Options) (connections.Definition, error) {
	id := strings.TrimSpace(opts.ID)
	if id == "" {
		return nil, fmt.Errorf("basic auth connection id is required")
	}
	name := strings.TrimSpace(opts.Name)
	if name == "" {
		name = "Username and Password"
	}
	description := strings.TrimSpace(opts.Description)
	if description == "" {
		description = "Connect using a username and password"
	}

	fields := []schema.Field{
		{Name: FieldUsername, Label: "Username", Kind: schema.FieldPlain, Required: true},
		{Name: FieldPassword, Label: "Password", Kind: schema.FieldSecret, Required: true},
	}
	s, err := schema.New(id, append(fields, opts.ExtraFields...)...)
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
	if strings.TrimSpace(opts.ProbeURL) != "" {
		probe, err := httpprobe.New(opts.ProbeURL)
		if err != nil {
			return nil, fmt.Errorf("basic auth connection %q: %w", id, err)
		}
		if opts.HTTP != nil {
			probe.HTTP = opts.HTTP
		}
		spec.Validate = connections.ValidateFunc(func(ctx context.Context, values map[string]string) error {
			return probe.Check(ctx, func(r *http.Request) {
				r.SetBasicAuth(values[FieldUsername], values[FieldPassword])
			})
		})
	}
	return connections.New(spec)
}
