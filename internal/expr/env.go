package expr

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"
	"github.com/google/cel-go/common/types/traits"
)

// Environment compiles cache rule conditions over proxied request metadata.
type Environment struct {
	env *cel.Env
}

// NewEnvironment declares the request variables visible to rule conditions:
// scheme, host, path, method and query are strings, and headers maps
// canonical header names to their first value. lookup(headers, name) yields
// null for absent keys instead of failing the evaluation.
func NewEnvironment() (*Environment, error) {
	env, err := cel.NewEnv(
		cel.Variable("scheme", cel.StringType),
		cel.Variable("host", cel.StringType),
		cel.Variable("path", cel.StringType),
		cel.Variable("method", cel.StringType),
		cel.Variable("query", cel.StringType),
		cel.Variable("headers", cel.MapType(cel.StringType, cel.DynType)),
		cel.Function("lookup",
			cel.Overload("lookup_map_string",
				[]*cel.Type{cel.MapType(cel.StringType, cel.DynType), cel.StringType},
				cel.DynType,
				cel.BinaryBinding(lookupEntry),
			),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("expr: build environment: %w", err)
	}
	return &Environment{env: env}, nil
}

// Condition is a compiled boolean rule condition.
type Condition struct {
	expression string
	program    cel.Program
}

// Compile type-checks expression and rejects anything that cannot yield a bool.
func (e *Environment) Compile(expression string) (Condition, error) {
	expression = strings.TrimSpace(expression)
	if expression == "" {
		return Condition{}, errors.New("expr: expression required")
	}
	ast, issues := e.env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return Condition{}, fmt.Errorf("expr: compile %q: %w", expression, issues.Err())
	}
	if out := ast.OutputType(); !out.IsExactType(cel.BoolType) && !out.IsExactType(cel.DynType) {
		return Condition{}, fmt.Errorf("expr: %q must return bool, got %s", expression, cel.FormatCELType(out))
	}
	program, err := e.env.Program(ast)
	if err != nil {
		return Condition{}, fmt.Errorf("expr: program %q: %w", expression, err)
	}
	return Condition{expression: expression, program: program}, nil
}

// Matches evaluates the condition against vars.
func (c Condition) Matches(vars map[string]any) (bool, error) {
	if c.program == nil {
		return false, errors.New("expr: condition not compiled")
	}
	out, _, err := c.program.Eval(vars)
	if err != nil {
		return false, fmt.Errorf("expr: eval %q: %w", c.expression, err)
	}
	matched, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("expr: %q yielded %s, want bool", c.expression, out.Type().TypeName())
	}
	return matched, nil
}

func (c Condition) String() string { return c.expression }

// RequestVars builds the activation for r. scheme and host are passed in
// already normalised by the caller.
func RequestVars(r *http.Request, scheme, host string) map[string]any {
	headers := make(map[string]any, len(r.Header))
	for name, values := range r.Header {
		if len(values) > 0 {
			headers[http.CanonicalHeaderKey(name)] = values[0]
		}
	}
	return map[string]any{
		"scheme":  scheme,
		"host":    host,
		"path":    r.URL.Path,
		"method":  r.Method,
		"query":   r.URL.RawQuery,
		"headers": headers,
	}
}

func lookupEntry(m, key ref.Val) ref.Val {
	mapper, ok := m.(traits.Mapper)
	if !ok {
		return types.MaybeNoSuchOverloadErr(m)
	}
	if value, found := mapper.Find(key); found && value != nil {
		return value
	}
	return types.NullValue
}
