package catalog

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/lecca-io/connectd/internal/connections"
	"github.com/lecca-io/connectd/internal/connections/schema"
)

func TestBuiltinIncludesVapiAPIKey(t *testing.T) {
	t.Parallel()

	defs, err := Builtin()
	if err != nil {
		t.Fatalf("Builtin() error = %v", err)
	}
	reg := connections.NewRegistry()
	if err := Register(reg, defs); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	def, err := reg.Get("vapi_connection_api-key")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if def.Name() != "API Key" || def.Description() != "Connect using an API Key" {
		t.Fatalf("definition = %q / %q", def.Name(), def.Description())
	}
	if def.Expiry() != connections.ExpiryNone || def.Validator() != nil || def.Refresher() != nil {
		t.Fatalf("unexpected lifecycle: expiry=%q", def.Expiry())
	}

	err = def.Schema().Validate(map[string]string{})
	var verr *schema.ValidationError
	if !errors.As(err, &verr) || !verr.Has("apiKey", schema.ReasonRequired) {
		t.Fatalf("Validate({}) error = %v, want apiKey required", err)
	}
	if err := def.Schema().Validate(map[string]string{"apiKey": "sk_live_abc"}); err != nil {
		t.Fatalf("Validate(valid) error = %v", err)
	}
}

func TestLoadAllKinds(t *testing.T) {
	t.Parallel()

	doc := `
connections:
  - id: acme_api-key
    kind: api_key
    key:
      pattern: '^acme_[a-z0-9]+$'
      min_length: 10
    fields:
      - name: workspace
        label: Workspace
        secret: false
        required: true
        expression: value.startsWith("ws-")
        message: must start with ws-
    probe:
      url: https://api.acme.test/me
      placement: header
      param: X-Acme-Key
  - id: acme_basic
    kind: basic
  - id: acme_oauth2
    kind: oauth2
    oauth2:
      token_url: https://auth.acme.test/token
      scopes: [read]
      default_ttl: 1h
  - id: acme_aws
    kind: aws_access_key
    aws:
      region: eu-west-1
  - id: acme_vault
    kind: vault_approle
    vault:
      address: https://vault.acme.test
`
	defs, err := Load(strings.NewReader(doc))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if len(defs) != 5 {
		t.Fatalf("len(defs) = %d, want 5", len(defs))
	}
	wantKinds := []string{"api_key", "basic", "oauth2", "aws_access_key", "vault_approle"}
	for i, def := range defs {
		if def.Kind() != wantKinds[i] {
			t.Fatalf("defs[%d].Kind() = %q, want %q", i, def.Kind(), wantKinds[i])
		}
	}

	apiKey := defs[0]
	err = apiKey.Schema().Validate(map[string]string{"apiKey": "acme_short", "workspace": "nope"})
	var verr *schema.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("Validate() error = %v, want ValidationError", err)
	}
	if !verr.Has("workspace", schema.ReasonPredicate) {
		t.Fatalf("Validate() fields = %+v, want workspace predicate", verr.Fields)
	}
	if err := apiKey.Schema().Validate(map[string]string{"apiKey": "acme_abcdef", "workspace": "ws-1"}); err != nil {
		t.Fatalf("Validate(valid) error = %v", err)
	}
	if f, ok := apiKey.Schema().Field("workspace"); !ok || f.IsSecret() {
		t.Fatalf("workspace field = %+v, %v", f, ok)
	}
	if apiKey.Validator() == nil {
		t.Fatal("api key with probe has no validator")
	}
	if defs[2].Expiry() != connections.ExpiryFixedTTL {
		t.Fatalf("oauth2 expiry = %q", defs[2].Expiry())
	}
}

func TestLoadRejectsBadDescriptors(t *testing.T) {
	t.Parallel()

	tests := map[string]string{
		"unknown kind":     "connections:\n  - id: x\n    kind: smtp\n",
		"missing kind":     "connections:\n  - id: x\n",
		"unknown key":      "connections:\n  - id: x\n    kind: api_key\n    colour: red\n",
		"bad pattern":      "connections:\n  - id: x\n    kind: api_key\n    key:\n      pattern: '('\n",
		"bad ttl":          "connections:\n  - id: x\n    kind: api_key\n    ttl: soon\n",
		"oauth2 no config": "connections:\n  - id: x\n    kind: oauth2\n",
		"fields on oauth2": "connections:\n  - id: x\n    kind: oauth2\n    fields:\n      - name: y\n    oauth2:\n      token_url: https://a.test/t\n",
		"length bounds":    "connections:\n  - id: x\n    kind: api_key\n    key:\n      min_length: 10\n      max_length: 5\n",
	}
	for name, doc := range tests {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			if _, err := Load(strings.NewReader(doc)); err == nil {
				t.Fatalf("Load() error = nil")
			}
		})
	}
}

func TestLoadFileAndEmpty(t *testing.T) {
	t.Parallel()

	defs, err := Load(strings.NewReader(""))
	if err != nil || len(defs) != 0 {
		t.Fatalf("Load(empty) = %v, %v", defs, err)
	}

	path := filepath.Join(t.TempDir(), "catalog.yaml")
	if err := os.WriteFile(path, []byte("connections:\n  - id: file_key\n    kind: api_key\n    ttl: 720h\n"), 0o600); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	defs, err = LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile() error = %v", err)
	}
	if len(defs) != 1 || defs[0].Expiry() != connections.ExpiryFixedTTL {
		t.Fatalf("LoadFile() = %+v", defs)
	}
}

func TestBuiltinIntegrations(t *testing.T) {
	t.Parallel()

	defs, err := Builtin()
	if err != nil {
		t.Fatalf("Builtin() error = %v", err)
	}
	reg := connections.NewRegistry()
	if err := Register(reg, defs); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	for _, id := range []string{"github_token", "datadog_api_key", "aws_access_key"} {
		def, err := reg.Get(id)
		if err != nil {
			t.Fatalf("Get(%q) error = %v", id, err)
		}
		if def.Validator() == nil {
			t.Fatalf("%s: expected a remote validator", id)
		}
	}

	github, _ := reg.Get("github_token")
	err = github.Schema().Validate(map[string]string{"apiKey": "not-a-token"})
	var verr *schema.ValidationError
	if !errors.As(err, &verr) || !verr.Has("apiKey", schema.ReasonFormat) {
		t.Fatalf("Validate(bad github token) error = %v, want apiKey format", err)
	}
	if err := github.Schema().Validate(map[string]string{"apiKey": "ghp_abcdef0123456789"}); err != nil {
		t.Fatalf("Validate(github token) error = %v", err)
	}

	datadog, _ := reg.Get("datadog_api_key")
	if f, ok := datadog.Schema().Field("applicationKey"); !ok || !f.IsSecret() || f.Required {
		t.Fatalf("applicationKey field = %+v, ok=%v", f, ok)
	}
}
