// Package schema describes the fields a connection collects from a user and
// validates raw input against them.
package schema

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

type FieldKind string

const (
	FieldSecret FieldKind = "secret"
	FieldPlain  FieldKind = "plain"
)

// Field is one named input of a connection schema.
type Field struct {
	Name        string
	Label       string
	Description string
	Kind        FieldKind
	Required    bool
	Validators  []Validator
}

func (f Field) IsSecret() bool {
	return f.Kind != FieldPlain
}

// Schema is an immutable, ordered set of fields. Construct it with New.
type Schema struct {
	id     string
	fields []Field
	index  map[string]int
}

// New builds a schema. Field names must be unique and non-empty.
func New(id string, fields ...Field) (*Schema, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, errors.New("schema id cannot be empty")
	}
	s := &Schema{
		id:     id,
		fields: make([]Field, 0, len(fields)),
		index:  make(map[string]int, len(fields)),
	}
	for _, f := range fields {
		f.Name = strings.TrimSpace(f.Name)
		if f.Name == "" {
			return nil, fmt.Errorf("schema %q: field name cannot be empty", id)
		}
		if _, exists := s.index[f.Name]; exists {
			return nil, fmt.Errorf("schema %q: duplicate field %q", id, f.Name)
		}
		switch f.Kind {
		case "":
			f.Kind = FieldSecret
		case FieldSecret, FieldPlain:
		default:
			return nil, fmt.Errorf("schema %q: field %q has unknown kind %q", id, f.Name, f.Kind)
		}
		if strings.TrimSpace(f.Label) == "" {
			f.Label = f.Name
		}
		f.Validators = append([]Validator(nil), f.Validators...)
		s.index[f.Name] = len(s.fields)
		s.fields = append(s.fields, f)
	}
	return s, nil
}

// MustNew is New for package-level schema declarations.
func MustNew(id string, fields ...Field) *Schema {
	s, err := New(id, fields...)
	if err != nil {
		panic(err)
	}
	return s
}

func (s *Schema) ID() string { return s.id }

// Fields returns a copy of the ordered field list.
func (s *Schema) Fields() []Field {
	out := make([]Field, len(s.fields))
	copy(out, s.fields)
	return out
}

func (s *Schema) Field(name string) (Field, bool) {
	i, ok := s.index[name]
	if !ok {
		return Field{}, false
	}
	return s.fields[i], true
}

// Validate checks raw input against every field and returns all violations
// together as a *ValidationError, or nil. Keys that are not declared fields
// are ignored.
func (s *Schema) Validate(raw map[string]string) error {
	var violations []FieldError
	for _, f := range s.fields {
		value, present := f.stored(raw[f.Name])
		if !present {
			if f.Required {
				violations = append(violations, FieldError{
					Field:   f.Name,
					Reason:  ReasonRequired,
					Message: f.Label + " is required",
				})
			}
			continue
		}
		for _, v := range f.Validators {
			if v == nil {
				continue
			}
			if reason, msg := v.Check(value); reason != "" {
				violations = append(violations, FieldError{
					Field:   f.Name,
					Reason:  reason,
					Message: f.Label + " " + msg,
				})
			}
		}
	}
	if len(violations) == 0 {
		return nil
	}
	return &ValidationError{SchemaID: s.id, Fields: violations}
}

// Normalize trims plain values and drops keys that are not declared fields
// or are blank. Secret values are kept byte for byte.
func (s *Schema) Normalize(raw map[string]string) map[string]string {
	out := make(map[string]string, len(s.fields))
	for _, f := range s.fields {
		if v, ok := f.stored(raw[f.Name]); ok {
			out[f.Name] = v
		}
	}
	return out
}

// stored returns the value persisted for raw and whether it counts as
// present. Whitespace-only input is absent for every kind.
func (f Field) stored(raw string) (string, bool) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", false
	}
	if f.IsSecret() {
		return raw, true
	}
	return trimmed, true
}

// Mask returns a display-safe copy of values: plain fields as-is, secret
// fields masked.
func (s *Schema) Mask(values map[string]string) map[string]string {
	out := make(map[string]string, len(values))
	for name, v := range values {
		f, ok := s.Field(name)
		if !ok {
			continue
		}
		if f.IsSecret() {
			out[name] = MaskSecret(v)
			continue
		}
		out[name] = v
	}
	return out
}

// Fingerprint identifies the schema shape. Two schemas with the same id,
// fields and validator descriptions share a fingerprint.
func (s *Schema) Fingerprint() string {
	h := sha256.New()
	_, _ = h.Write([]byte(s.id))
	for _, f := range s.fields {
		_, _ = fmt.Fprintf(h, "\x00%s\x1f%s\x1f%t", f.Name, f.Kind, f.Required)
		for _, v := range f.Validators {
			if v == nil {
				continue
			}
			_, _ = fmt.Fprintf(h, "\x1f%s", v.String())
		}
	}
	return hex.EncodeToString(h.Sum(nil))
}

func MaskSecret(secret string) string {
	s := strings.TrimSpace(secret)
	if s == "" {
		return ""
	}
	runes := []rune(s)
	if len(runes) <= 8 {
		return "****"
	}
	tail := string(runes[len(runes)-4:])
	prefix := ""
	if idx := strings.Index(s, "_"); idx > 0 && idx <= 6 {
		prefix = s[:idx+1]
	}
	return prefix + "****" + tail
}
