// Package vaultauth is the HashiCorp Vault AppRole connection variant. The
// stored role and secret IDs are exchanged for a client token whose lease
// becomes the instance expiry.
package vaultauth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	vaultapi "github.com/hashicorp/vault/api"
	"github.com/lecca-io/connectd/internal/connections"
	"github.com/lecca-io/connectd/internal/connections/schema"
)

const (
	Kind = "vault_approle"

	FieldRoleID   = "roleId"
	FieldSecretID = "secretId"
	FieldToken    = "token"

	defaultMountPath   = "approle"
	defaultHTTPTimeout = 10 * time.Second
)

type Options struct {
	ID          string
	Name        string
	Description string
	Version     int

	Address   string
	Namespace string
	MountPath string
	HTTP      *http.Client
}

type login struct {
	address   string
	namespace string
	path      string
	http      *http.Client
}

func NewDefinition(opts Options) (connections.Definition, error) {
	id := strings.TrimSpace(opts.ID)
	if id == "" {
		return nil, errors.New("vault connection id is required")
	}
	address := strings.TrimSpace(opts.Address)
	if address == "" {
		return nil, fmt.Errorf("vault connection %q: address is required", id)
	}
	mountPath := strings.Trim(strings.TrimSpace(opts.MountPath), "/")
	if mountPath == "" {
		mountPath = defaultMountPath
	}
	name := strings.TrimSpace(opts.Name)
	if name == "" {
		name = "Vault AppRole"
	}
	description := strings.TrimSpace(opts.Description)
	if description == "" {
		description = "Connect using a Vault AppRole role ID and secret ID"
	}
	httpClient := opts.HTTP
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultHTTPTimeout}
	}

	s, err := schema.New(id,
		schema.Field{Name: FieldRoleID, Label: "Role ID", Kind: schema.FieldPlain, Required: true},
		schema.Field{Name: FieldSecretID, Label: "Secret ID", Kind: schema.FieldSecret, Required: true},
		schema.Field{Name: FieldToken, Label: "Client Token", Kind: schema.FieldSecret},
	)
	if err != nil {
		return nil, err
	}

	l := &login{
		address:   address,
		namespace: strings.TrimSpace(opts.Namespace),
		path:      "auth/" + mountPath + "/login",
		http:      httpClient,
	}
	return connections.New(connections.Spec{
		ID:          id,
		Name:        name,
		Description: description,
		Kind:        Kind,
		Version:     opts.Version,
		Schema:      s,
		Expiry:      connections.ExpiryFixedTTL,
		Validate: connections.ValidateFunc(func(ctx context.Context, values map[string]string) error {
			_, _, err := l.do(ctx, values)
			return err
		}),
		Refresh: l,
	})
}

func (l *login) Refresh(ctx context.Context, values map[string]string) (connections.Refreshed, error) {
	token, lease, err := l.do(ctx, values)
	if err != nil {
		return connections.Refreshed{}, err
	}
	next := make(map[string]string, len(values)+1)
	for k, v := range values {
		next[k] = v
	}
	next[FieldToken] = token

	out := connections.Refreshed{Values: next}
	if lease > 0 {
		exp := time.Now().Add(lease).UTC()
		out.ExpiresAt = &exp
	}
	return out, nil
}

func (l *login) do(ctx context.Context, values map[string]string) (string, time.Duration, error) {
	cfg := vaultapi.DefaultConfig()
	cfg.Address = l.address
	cfg.HttpClient = l.http
	cfg.MaxRetries = 0
	client, err := vaultapi.NewClient(cfg)
	if err != nil {
		return "", 0, connections.UnknownFailure(fmt.Errorf("vault client setup: %w", err))
	}
	// NewClient picks up VAULT_TOKEN from the environment.
	client.ClearToken()
	if l.namespace != "" {
		client.SetNamespace(l.namespace)
	}

	secret, err := client.Logical().WriteWithContext(ctx, l.path, map[string]any{
		"role_id":   strings.TrimSpace(values[FieldRoleID]),
		"secret_id": strings.TrimSpace(values[FieldSecretID]),
	})
	if err != nil {
		return "", 0, classify(fmt.Errorf("vault approle login at %s: %w", l.path, err))
	}
	if secret == nil || secret.Auth == nil || strings.TrimSpace(secret.Auth.ClientToken) == "" {
		return "", 0, connections.UnknownFailure(errors.New("vault approle login succeeded without client token"))
	}
	return secret.Auth.ClientToken, time.Duration(secret.Auth.LeaseDuration) * time.Second, nil
}

func classify(err error) error {
	var respErr *vaultapi.ResponseError
	if errors.As(err, &respErr) {
		switch code := respErr.StatusCode; {
		case code == http.StatusBadRequest || code == http.StatusUnauthorized || code == http.StatusForbidden:
			return connections.InvalidCredential(err)
		case code == http.StatusTooManyRequests || code >= 500:
			return connections.NetworkFailure(err)
		default:
			return connections.UnknownFailure(err)
		}
	}
	return connections.ClassifyAuthError(err)
}
