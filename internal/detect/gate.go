package detect

import (
	"fmt"
	"log/slog"

	"github.com/google/cel-go/cel"
)

// DefaultGateExpression is the built-in auto-response eligibility rule.
const DefaultGateExpression = `confidence >= 0.85 && blast_radius <= 50 && (severity == "medium" || severity == "high")`

// Gate decides whether an alert is eligible for automatic response. The rule
// is a CEL expression over the alert's scoring fields, compiled once at
// construction; evaluation is lock-free and safe for concurrent use.
//
// Regardless of the configured expression, critical and low alerts are never
// auto-eligible: critical demands a human, low never warrants a plan.
type Gate struct {
	expression string
	program    cel.Program
	logger     *slog.Logger
}

// NewGate compiles the gate expression. An empty expression selects
// DefaultGateExpression.
func NewGate(expression string, logger *slog.Logger) (*Gate, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if expression == "" {
		expression = DefaultGateExpression
	}

	env, err := cel.NewEnv(
		cel.Variable("confidence", cel.DoubleType),
		cel.Variable("blast_radius", cel.IntType),
		cel.Variable("severity", cel.StringType),
		cel.Variable("privilege_delta", cel.IntType),
		cel.Variable("path_length", cel.IntType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	ast, issues := env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("CEL compile error in %q: %w", expression, issues.Err())
	}
	if ast.OutputType() != cel.BoolType {
		return nil, fmt.Errorf("gate expression %q must evaluate to bool, got %s", expression, ast.OutputType())
	}

	prg, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("CEL program creation failed for %q: %w", expression, err)
	}

	logger.Debug("compiled auto-response gate", "expression", expression)

	return &Gate{
		expression: expression,
		program:    prg,
		logger:     logger.With("component", "detect.Gate"),
	}, nil
}

// Expression returns the CEL source of the gate.
func (g *Gate) Expression() string {
	return g.expression
}

// Eligible evaluates the gate against an alert. Evaluation errors fail
// closed: the alert is treated as not eligible.
func (g *Gate) Eligible(a *Alert) (bool, error) {
	if a.Severity == SeverityCritical || a.Severity == SeverityLow {
		return false, nil
	}

	out, _, err := g.program.Eval(map[string]interface{}{
		"confidence":      a.Confidence,
		"blast_radius":    int64(a.BlastRadius),
		"severity":        string(a.Severity),
		"privilege_delta": int64(a.PrivilegeDelta),
		"path_length":     int64(len(a.Edges)),
	})
	if err != nil {
		return false, fmt.Errorf("CEL evaluation error for %q: %w", g.expression, err)
	}

	result, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("gate expression %q returned non-bool: %T", g.expression, out.Value())
	}
	return result, nil
}
