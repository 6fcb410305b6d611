// Package catalog turns YAML connection descriptors into definitions so
// integrations can declare connections without writing Go.
package catalog

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/lecca-io/connectd/internal/connections"
	"github.com/lecca-io/connectd/internal/connections/apikey"
	"github.com/lecca-io/connectd/internal/connections/awskeys"
	"github.com/lecca-io/connectd/internal/connections/basic"
	"github.com/lecca-io/connectd/internal/connections/oauth2"
	"github.com/lecca-io/connectd/internal/connections/schema"
	"github.com/lecca-io/connectd/internal/connections/vaultauth"
	"gopkg.in/yaml.v3"
)

//go:embed builtin.yaml
var builtinYAML []byte

type File struct {
	Connections []Descriptor `yaml:"connections"`
}

type Descriptor struct {
	ID          string `yaml:"id"`
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
	Kind        string `yaml:"kind"`
	Version     int    `yaml:"version"`

	// Key applies to the api_key field of api_key connections.
	Key    *Rules  `yaml:"key"`
	Fields []Field `yaml:"fields"`

	Probe  *Probe  `yaml:"probe"`
	TTL    string  `yaml:"ttl"`
	OAuth2 *OAuth2 `yaml:"oauth2"`
	AWS    *AWS    `yaml:"aws"`
	Vault  *Vault  `yaml:"vault"`
}

type Rules struct {
	Pattern    string `yaml:"pattern"`
	MinLength  int    `yaml:"min_length"`
	MaxLength  int    `yaml:"max_length"`
	Expression string `yaml:"expression"`
	Message    string `yaml:"message"`
}

type Field struct {
	Name        string `yaml:"name"`
	Label       string `yaml:"label"`
	Description string `yaml:"description"`
	Secret      *bool  `yaml:"secret"`
	Required    bool   `yaml:"required"`
	Rules       `yaml:",inline"`
}

type Probe struct {
	URL       string `yaml:"url"`
	Placement string `yaml:"placement"`
	Param     string `yaml:"param"`
}

type OAuth2 struct {
	TokenURL      string   `yaml:"token_url"`
	Scopes        []string `yaml:"scopes"`
	AuthStyle     string   `yaml:"auth_style"`
	TokenReported bool     `yaml:"token_reported"`
	DefaultTTL    string   `yaml:"default_ttl"`
}

type AWS struct {
	Region   string `yaml:"region"`
	Endpoint string `yaml:"endpoint"`
}

type Vault struct {
	Address   string `yaml:"address"`
	Namespace string `yaml:"namespace"`
	MountPath string `yaml:"mount_path"`
}

// Builtin returns the definitions shipped with the binary.
func Builtin() ([]connections.Definition, error) {
	return Load(bytes.NewReader(builtinYAML))
}

func LoadFile(path string) ([]connections.Definition, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	defs, err := Load(f)
	if err != nil {
		return nil, fmt.Errorf("catalog %s: %w", path, err)
	}
	return defs, nil
}

// Load decodes a catalog document. Unknown keys are rejected so typos in a
// descriptor fail loudly instead of silently dropping a validator.
func Load(r io.Reader) ([]connections.Definition, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	var file File
	if err := dec.Decode(&file); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, nil
		}
		return nil, fmt.Errorf("decode catalog: %w", err)
	}

	out := make([]connections.Definition, 0, len(file.Connections))
	for i, d := range file.Connections {
		def, err := d.Build()
		if err != nil {
			return nil, fmt.Errorf("connection %d (%s): %w", i, d.ID, err)
		}
		out = append(out, def)
	}
	return out, nil
}

// Register adds defs to reg in order, stopping at the first error.
func Register(reg *connections.Registry, defs []connections.Definition) error {
	for _, def := range defs {
		if err := reg.Register(def); err != nil {
			return err
		}
	}
	return nil
}

func (d Descriptor) Build() (connections.Definition, error) {
	fields, err := d.extraFields()
	if err != nil {
		return nil, err
	}
	ttl, err := parseDuration("ttl", d.TTL)
	if err != nil {
		return nil, err
	}

	switch kind := strings.TrimSpace(d.Kind); kind {
	case apikey.Kind:
		var validators []schema.Validator
		if d.Key != nil {
			validators, err = d.Key.validators()
			if err != nil {
				return nil, fmt.Errorf("key: %w", err)
			}
		}
		opts := apikey.Options{
			ID:          d.ID,
			Name:        d.Name,
			Description: d.Description,
			Version:     d.Version,
			Validators:  validators,
			ExtraFields: fields,
			TTL:         ttl,
		}
		if d.Probe != nil {
			placement, err := apikey.ParsePlacement(d.Probe.Placement)
			if err != nil {
				return nil, err
			}
			opts.ProbeURL = d.Probe.URL
			opts.Placement = placement
			opts.ParamName = d.Probe.Param
		}
		return apikey.NewDefinition(opts)

	case basic.Kind:
		opts := basic.Options{
			ID:          d.ID,
			Name:        d.Name,
			Description: d.Description,
			Version:     d.Version,
			ExtraFields: fields,
		}
		if d.Probe != nil {
			opts.ProbeURL = d.Probe.URL
		}
		return basic.NewDefinition(opts)

	case oauth2.Kind:
		if d.OAuth2 == nil {
			return nil, errors.New("oauth2 section is required")
		}
		defaultTTL, err := parseDuration("oauth2.default_ttl", d.OAuth2.DefaultTTL)
		if err != nil {
			return nil, err
		}
		opts := oauth2.Options{
			ID:            d.ID,
			Name:          d.Name,
			Description:   d.Description,
			Version:       d.Version,
			TokenURL:      d.OAuth2.TokenURL,
			Scopes:        d.OAuth2.Scopes,
			AuthStyle:     d.OAuth2.AuthStyle,
			TokenReported: d.OAuth2.TokenReported,
			DefaultTTL:    defaultTTL,
		}
		if d.Probe != nil {
			opts.ProbeURL = d.Probe.URL
		}
		return oauth2.NewDefinition(opts)

	case awskeys.Kind:
		opts := awskeys.Options{ID: d.ID, Name: d.Name, Description: d.Description, Version: d.Version}
		if d.AWS != nil {
			opts.Region = d.AWS.Region
			opts.Endpoint = d.AWS.Endpoint
		}
		return awskeys.NewDefinition(opts)

	case vaultauth.Kind:
		if d.Vault == nil {
			return nil, errors.New("vault section is required")
		}
		return vaultauth.NewDefinition(vaultauth.Options{
			ID:          d.ID,
			Name:        d.Name,
			Description: d.Description,
			Version:     d.Version,
			Address:     d.Vault.Address,
			Namespace:   d.Vault.Namespace,
			MountPath:   d.Vault.MountPath,
		})

	case "":
		return nil, errors.New("kind is required")
	default:
		return nil, fmt.Errorf("unknown kind %q", kind)
	}
}

func (d Descriptor) extraFields() ([]schema.Field, error) {
	if len(d.Fields) == 0 {
		return nil, nil
	}
	switch d.Kind {
	case apikey.Kind, basic.Kind:
	default:
		return nil, fmt.Errorf("kind %q does not take extra fields", d.Kind)
	}
	out := make([]schema.Field, 0, len(d.Fields))
	for _, f := range d.Fields {
		validators, err := f.validators()
		if err != nil {
			return nil, fmt.Errorf("field %q: %w", f.Name, err)
		}
		kind := schema.FieldSecret
		if f.Secret != nil && !*f.Secret {
			kind = schema.FieldPlain
		}
		out = append(out, schema.Field{
			Name:        f.Name,
			Label:       f.Label,
			Description: f.Description,
			Kind:        kind,
			Required:    f.Required,
			Validators:  validators,
		})
	}
	return out, nil
}

func (r Rules) validators() ([]schema.Validator, error) {
	var out []schema.Validator
	if r.Pattern != "" {
		v, err := schema.Pattern(r.Pattern)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	if r.MinLength > 0 || r.MaxLength > 0 {
		if r.MaxLength > 0 && r.MaxLength < r.MinLength {
			return nil, fmt.Errorf("max_length %d is below min_length %d", r.MaxLength, r.MinLength)
		}
		out = append(out, schema.Length(r.MinLength, r.MaxLength))
	}
	if r.Expression != "" {
		v, err := schema.Expression(r.Expression, r.Message)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

func parseDuration(name, v string) (time.Duration, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", name, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s cannot be negative", name)
	}
	return d, nil
}
