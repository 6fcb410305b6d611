package schema

import (
	"strings"
)

const (
	ReasonRequired  = "required"
	ReasonFormat    = "format"
	ReasonLength    = "length"
	ReasonPredicate = "predicate"
)

// FieldError is a single rejected field.
type FieldError struct {
	Field   string `json:"field"`
	Reason  string `json:"reason"`
	Message string `json:"message"`
}

// ValidationError carries every violation found for one input.
type ValidationError struct {
	SchemaID string       `json:"schema_id"`
	Fields   []FieldError `json:"fields"`
}

func (e *ValidationError) Error() string {
	if e == nil || len(e.Fields) == 0 {
		return "validation failed"
	}
	parts := make([]string, 0, len(e.Fields))
	for _, f := range e.Fields {
		parts = append(parts, f.Field+": "+f.Reason)
	}
	return "validation failed: " + strings.Join(parts, ", ")
}

// Has reports whether field was rejected for reason.
func (e *ValidationError) Has(field, reason string) bool {
	if e == nil {
		return false
	}
	for _, f := range e.Fields {
		if f.Field == field && f.Reason == reason {
			return true
		}
	}
	return false
}
