package schema

import (
	"errors"
	"fmt"
	"reflect"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/google/cel-go/cel"
)

// Validator checks one non-empty field value. Check returns an empty reason
// when the value is accepted. String describes the rule and feeds the schema
// fingerprint.
type Validator interface {
	Check(value string) (reason, message string)
	String() string
}

type patternValidator struct {
	re *regexp.Regexp
}

// Pattern accepts values matching the regular expression expr.
func Pattern(expr string) (Validator, error) {
	re, err := regexp.Compile(expr)
	if err != nil {
		return nil, fmt.Errorf("compile pattern %q: %w", expr, err)
	}
	return patternValidator{re: re}, nil
}

// MustPattern is Pattern for static expressions.
func MustPattern(expr string) Validator {
	v, err := Pattern(expr)
	if err != nil {
		panic(err)
	}
	return v
}

func (p patternValidator) Check(value string) (string, string) {
	if p.re.MatchString(value) {
		return "", ""
	}
	return ReasonFormat, "has an invalid format"
}

func (p patternValidator) String() string { return "pattern:" + p.re.String() }

type lengthValidator struct {
	min, max int
}

// Length bounds the value length in characters. A zero max means unbounded.
func Length(min, max int) Validator {
	return lengthValidator{min: min, max: max}
}

func (l lengthValidator) Check(value string) (string, string) {
	n := utf8.RuneCountInString(value)
	if n < l.min {
		return ReasonLength, fmt.Sprintf("must be at least %d characters", l.min)
	}
	if l.max > 0 && n > l.max {
		return ReasonLength, fmt.Sprintf("must be at most %d characters", l.max)
	}
	return "", ""
}

func (l lengthValidator) String() string { return fmt.Sprintf("length:%d:%d", l.min, l.max) }

type predicateValidator struct {
	name    string
	message string
	fn      func(string) bool
}

// Predicate wraps a custom check. name identifies the rule in fingerprints,
// so two predicates with the same name are assumed equivalent.
func Predicate(name, message string, fn func(string) bool) Validator {
	if strings.TrimSpace(message) == "" {
		message = "is invalid"
	}
	return predicateValidator{name: name, message: message, fn: fn}
}

func (p predicateValidator) Check(value string) (string, string) {
	if p.fn == nil || p.fn(value) {
		return "", ""
	}
	return ReasonPredicate, p.message
}

func (p predicateValidator) String() string { return "predicate:" + p.name }

type celValidator struct {
	expr    string
	message string
	prg     cel.Program
}

// Expression compiles a CEL boolean expression over the string variable
// `value`, e.g. `value.startsWith("sk_")`.
func Expression(expr, message string) (Validator, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, errors.New("expression cannot be empty")
	}
	env, err := cel.NewEnv(cel.Variable("value", cel.StringType))
	if err != nil {
		return nil, fmt.Errorf("cel env: %w", err)
	}
	ast, iss := env.Compile(expr)
	if iss != nil && iss.Err() != nil {
		return nil, fmt.Errorf("compile expression %q: %w", expr, iss.Err())
	}
	if !reflect.DeepEqual(ast.OutputType(), cel.BoolType) {
		return nil, fmt.Errorf("expression %q must evaluate to bool", expr)
	}
	prg, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("program for expression %q: %w", expr, err)
	}
	if strings.TrimSpace(message) == "" {
		message = "is invalid"
	}
	return celValidator{expr: expr, message: message, prg: prg}, nil
}

func (c celValidator) Check(value string) (string, string) {
	out, _, err := c.prg.Eval(map[string]any{"value": value})
	if err != nil {
		return ReasonPredicate, c.message
	}
	if ok, isBool := out.Value().(bool); !isBool || !ok {
		return ReasonPredicate, c.message
	}
	return "", ""
}

func (c celValidator) String() string { return "cel:" + c.expr }
