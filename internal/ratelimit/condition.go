package ratelimit

import (
	"fmt"

	"github.com/google/cel-go/cel"
)

// Condition is a compiled CEL expression deciding whether a policy applies.
// The expression sees the string variables path, method, ip and user.
type Condition struct {
	source string
	prg    cel.Program
}

var conditionEnv *cel.Env

func init() {
	env, err := cel.NewEnv(
		cel.Variable("path", cel.StringType),
		cel.Variable("method", cel.StringType),
		cel.Variable("ip", cel.StringType),
		cel.Variable("user", cel.StringType),
	)
	if err != nil {
		panic(fmt.Sprintf("ratelimit: invalid CEL environment: %v", err))
	}
	conditionEnv = env
}

// CompileCondition parses and type-checks expr, which must yield a bool.
func CompileCondition(expr string) (*Condition, error) {
	ast, iss := conditionEnv.Compile(expr)
	if iss != nil && iss.Err() != nil {
		return nil, fmt.Errorf("invalid condition %q: %w", expr, iss.Err())
	}
	if ast.OutputType() != cel.BoolType {
		return nil, fmt.Errorf("condition %q must evaluate to bool, got %v", expr, ast.OutputType())
	}
	prg, err := conditionEnv.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("invalid condition %q: %w", expr, err)
	}
	return &Condition{source: expr, prg: prg}, nil
}

// Matches evaluates the condition for s. Evaluation errors count as no match.
func (c *Condition) Matches(s Subject) (bool, error) {
	out, _, err := c.prg.Eval(map[string]any{
		"path":   s.Path,
		"method": s.Method,
		"ip":     s.IP,
		"user":   s.User,
	})
	if err != nil {
		return false, fmt.Errorf("evaluating %q: %w", c.source, err)
	}
	b, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("condition %q returned %T", c.source, out.Value())
	}
	return b, nil
}

func (c *Condition) String() string {
	return c.source
}
