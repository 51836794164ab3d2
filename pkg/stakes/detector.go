// Package stakes decides whether an event is high-stakes. An event is
// high-stakes when the reasoning layer flagged it or when any configured CEL
// rule over its attributes evaluates to true.
package stakes

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/cel-go/cel"

	"github.com/Mindburn-Labs/safeact/pkg/contracts"
)

// Rule is a named CEL expression over the event. The expression sees
// `event` (the attribute map), `kind` and `source`, and must return a bool.
type Rule struct {
	Name       string `yaml:"name" json:"name"`
	Expression string `yaml:"expression" json:"expression"`
}

// DefaultRules covers the usual signals: large amount, near deadline,
// important sender and legal implication.
func DefaultRules() []Rule {
	return []Rule{
		{Name: "large_amount", Expression: `has(event.amount) && event.amount >= 10000.0`},
		{Name: "near_deadline", Expression: `has(event.hours_to_deadline) && event.hours_to_deadline <= 24.0`},
		{Name: "vip_sender", Expression: `has(event.sender_vip) && event.sender_vip == true`},
		{Name: "legal", Expression: `has(event.legal) && event.legal == true`},
	}
}

// Verdict is the outcome of a detection.
type Verdict struct {
	HighStakes bool     `json:"high_stakes"`
	Matched    []string `json:"matched,omitempty"`
}

type compiled struct {
	rule Rule
	prg  cel.Program
}

// Detector evaluates high-stakes rules.
type Detector struct {
	env    *cel.Env
	mu     sync.RWMutex
	rules  []compiled
	logger *slog.Logger
}

// NewDetector compiles rules. Any rule that fails to compile is an error.
func NewDetector(rules []Rule) (*Detector, error) {
	env, err := cel.NewEnv(
		cel.Variable("event", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("kind", cel.StringType),
		cel.Variable("source", cel.StringType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL env: %w", err)
	}
	d := &Detector{env: env, logger: slog.Default().With("component", "stakes")}
	for _, r := range rules {
		if err := d.Add(r); err != nil {
			return nil, err
		}
	}
	return d, nil
}

// Add compiles and appends a rule.
func (d *Detector) Add(r Rule) error {
	ast, issues := d.env.Compile(r.Expression)
	if issues != nil && issues.Err() != nil {
		return fmt.Errorf("stakes rule %q: CEL compile error: %w", r.Name, issues.Err())
	}
	if !ast.OutputType().IsExactType(cel.BoolType) && !ast.OutputType().IsExactType(cel.DynType) {
		return fmt.Errorf("stakes rule %q: expression must return bool, got %s", r.Name, ast.OutputType())
	}
	prg, err := d.env.Program(ast)
	if err != nil {
		return fmt.Errorf("stakes rule %q: CEL program error: %w", r.Name, err)
	}
	d.mu.Lock()
	d.rules = append(d.rules, compiled{rule: r, prg: prg})
	d.mu.Unlock()
	return nil
}

// Detect evaluates every rule. A rule that fails to evaluate counts as a
// match: an event that cannot be judged is routed conservatively.
func (d *Detector) Detect(ev contracts.Event) Verdict {
	v := Verdict{HighStakes: ev.HighStakes}
	if ev.HighStakes {
		v.Matched = append(v.Matched, "flagged")
	}
	if d == nil {
		return v
	}

	activation := map[string]any{
		"event":  normalize(ev.Attributes),
		"kind":   string(ev.Kind),
		"source": ev.Source,
	}

	d.mu.RLock()
	rules := d.rules
	d.mu.RUnlock()

	for _, c := range rules {
		out, _, err := c.prg.Eval(activation)
		if err != nil {
			d.logger.Warn("stakes rule failed to evaluate", "rule", c.rule.Name, "event_id", ev.ID, "error", err)
			v.HighStakes = true
			v.Matched = append(v.Matched, c.rule.Name+" (eval error)")
			continue
		}
		matched, ok := out.Value().(bool)
		if !ok {
			v.HighStakes = true
			v.Matched = append(v.Matched, c.rule.Name+" (non-bool)")
			continue
		}
		if matched {
			v.HighStakes = true
			v.Matched = append(v.Matched, c.rule.Name)
		}
	}
	return v
}

// normalize converts numeric attributes to float64 so rules can compare
// against double literals regardless of how the value was decoded.
func normalize(attrs map[string]any) map[string]any {
	out := make(map[string]any, len(attrs))
	for k, v := range attrs {
		out[k] = normalizeValue(v)
	}
	return out
}

func normalizeValue(v any) any {
	switch n := v.(type) {
	case int:
		return float64(n)
	case int32:
		return float64(n)
	case int64:
		return float64(n)
	case uint:
		return float64(n)
	case uint32:
		return float64(n)
	case uint64:
		return float64(n)
	case float32:
		return float64(n)
	case json.Number:
		if f, err := n.Float64(); err == nil {
			return f
		}
		return n.String()
	case map[string]any:
		return normalize(n)
	case []any:
		out := make([]any, len(n))
		for i, e := range n {
			out[i] = normalizeValue(e)
		}
		return out
	default:
		return v
	}
}
