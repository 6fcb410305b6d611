// Package oauth2 is the refresh-token connection variant. The user supplies a
// client and a refresh token obtained elsewhere; the definition exchanges it
// for short-lived access tokens.
package oauth2

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/lecca-io/connectd/internal/connections"
	"github.com/lecca-io/connectd/internal/connections/httpprobe"
	"github.com/lecca-io/connectd/internal/connections/schema"
	"golang.org/x/oauth2"
)

const (
	Kind = "oauth2"

	FieldClientID     = "clientId"
	FieldClientSecret = "clientSecret"
	FieldRefreshToken = "refreshToken"
	FieldAccessToken  = "accessToken"
	FieldTokenType    = "tokenType"
)

type Options struct {
	ID          string
	Name        string
	Description string
	Version     int

	TokenURL string
	Scopes   []string
	// AuthStyle is "header", "params" or empty for auto-detection.
	AuthStyle string

	// TokenReported switches from proactive refresh before expiresAt to
	// refresh after the downstream API rejects the access token.
	TokenReported bool
	// DefaultTTL applies when the token endpoint omits expires_in.
	DefaultTTL time.Duration

	ProbeURL string
	HTTP     *http.Client
}

func NewDefinition(opts Options) (connections.Definition, error) {
	id := strings.TrimSpace(opts.ID)
	if id == "" {
		return nil, errors.New("oauth2 connection id is required")
	}
	tokenURL := strings.TrimSpace(opts.TokenURL)
	if tokenURL == "" {
		return nil, fmt.Errorf("oauth2 connection %q: token URL is required", id)
	}
	authStyle, err := parseAuthStyle(opts.AuthStyle)
	if err != nil {
		return nil, fmt.Errorf("oauth2 connection %q: %w", id, err)
	}
	name := strings.TrimSpace(opts.Name)
	if name == "" {
		name = "OAuth2"
	}
	description := strings.TrimSpace(opts.Description)
	if description == "" {
		description = "Connect using an OAuth2 refresh token"
	}

	s, err := schema.New(id,
		schema.Field{Name: FieldClientID, Label: "Client ID", Kind: schema.FieldPlain, Required: true},
		schema.Field{Name: FieldClientSecret, Label: "Client Secret", Kind: schema.FieldSecret, Required: true},
		schema.Field{Name: FieldRefreshToken, Label: "Refresh Token", Kind: schema.FieldSecret, Required: true},
		schema.Field{Name: FieldAccessToken, Label: "Access Token", Kind: schema.FieldSecret},
	)
	if err != nil {
		return nil, err
	}

	r := &refresher{
		endpoint:   oauth2.Endpoint{TokenURL: tokenURL, AuthStyle: authStyle},
		scopes:     append([]string(nil), opts.Scopes...),
		http:       opts.HTTP,
		defaultTTL: opts.DefaultTTL,
	}
	spec := connections.Spec{
		ID:          id,
		Name:        name,
		Description: description,
		Kind:        Kind,
		Version:     opts.Version,
		Schema:      s,
		Expiry:      connections.ExpiryFixedTTL,
		TTL:         opts.DefaultTTL,
		Refresh:     r,
	}
	if opts.TokenReported {
		spec.Expiry = connections.ExpiryTokenReported
	}
	if strings.TrimSpace(opts.ProbeURL) != "" {
		probe, err := httpprobe.New(opts.ProbeURL)
		if err != nil {
			return nil, fmt.Errorf("oauth2 connection %q: %w", id, err)
		}
		if opts.HTTP != nil {
			probe.HTTP = opts.HTTP
		}
		spec.Validate = connections.ValidateFunc(func(ctx context.Context, values map[string]string) error {
			token := values[FieldAccessToken]
			if token == "" {
				// Nothing to probe until the first refresh issues a token.
				return nil
			}
			return probe.Check(ctx, func(req *http.Request) {
				req.Header.Set("Authorization", "Bearer "+token)
			})
		})
	}
	return connections.New(spec)
}

type refresher struct {
	endpoint   oauth2.Endpoint
	scopes     []string
	http       *http.Client
	defaultTTL time.Duration
}

// Refresh exchanges the stored refresh token. Providers that rotate refresh
// tokens return a new one, which replaces the stored value.
func (r *refresher) Refresh(ctx context.Context, values map[string]string) (connections.Refreshed, error) {
	refreshToken := values[FieldRefreshToken]
	if refreshToken == "" {
		return connections.Refreshed{}, connections.InvalidCredential(errors.New("refresh token is missing"))
	}
	cfg := &oauth2.Config{
		ClientID:     values[FieldClientID],
		ClientSecret: values[FieldClientSecret],
		Endpoint:     r.endpoint,
		Scopes:       r.scopes,
	}
	if r.http != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, r.http)
	}

	tok, err := cfg.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken}).Token()
	if err != nil {
		return connections.Refreshed{}, classify(err)
	}

	next := make(map[string]string, len(values)+1)
	for k, v := range values {
		next[k] = v
	}
	next[FieldAccessToken] = tok.AccessToken
	if tok.RefreshToken != "" {
		next[FieldRefreshToken] = tok.RefreshToken
	}
	if tok.TokenType != "" {
		next[FieldTokenType] = tok.TokenType
	}

	out := connections.Refreshed{Values: next}
	switch {
	case !tok.Expiry.IsZero():
		exp := tok.Expiry.UTC()
		out.ExpiresAt = &exp
	case r.defaultTTL > 0:
		exp := time.Now().Add(r.defaultTTL).UTC()
		out.ExpiresAt = &exp
	}
	return out, nil
}

func classify(err error) error {
	var re *oauth2.RetrieveError
	if errors.As(err, &re) {
		switch re.ErrorCode {
		case "invalid_grant", "invalid_client", "unauthorized_client", "invalid_scope":
			return connections.InvalidCredential(err)
		}
		if re.Response != nil {
			switch code := re.Response.StatusCode; {
			case code == http.StatusUnauthorized:
				return connections.InvalidCredential(err)
			case code == http.StatusTooManyRequests || code >= 500:
				return connections.NetworkFailure(err)
			}
		}
		return connections.UnknownFailure(err)
	}
	// x/oauth2 flattens transport errors into plain strings, so anything
	// that is not a token endpoint response is treated as a transport failure.
	return connections.NetworkFailure(err)
}

func parseAuthStyle(v string) (oauth2.AuthStyle, error) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "":
		return oauth2.AuthStyleAutoDetect, nil
	case "header":
		return oauth2.AuthStyleInHeader, nil
	case "params":
		return oauth2.AuthStyleInParams, nil
	default:
		return 0, fmt.Errorf("unknown auth style %q", v)
	}
}
