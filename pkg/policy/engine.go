package policy

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/cel-go/cel"

	"github.com/windward-ops/gateposture/pkg/contracts"
)

// Engine evaluates the active policy set against a belief context.
// Effects merge by dominance: BLOCK over REQUIRE_APPROVAL over ALLOW.
type Engine struct {
	store *Store
	env   *cel.Env

	mu       sync.Mutex
	programs map[string]cel.Program // keyed by policy id
}

func NewEngine(store *Store) (*Engine, error) {
	env, err := cel.NewEnv(
		cel.Variable("ctx", cel.MapType(cel.StringType, cel.DynType)),
	)
	if err != nil {
		return nil, fmt.Errorf("build cel env: %w", err)
	}
	return &Engine{store: store, env: env, programs: map[string]cel.Program{}}, nil
}

// Evaluate runs every policy active at evalTime against beliefCtx. A
// policy with a CEL expression triggers on the expression; otherwise its
// structured conditions decide. The CRITICAL/ACCEPT prohibition is also
// enforced directly so a misconfigured rule set cannot disable it.
func (e *Engine) Evaluate(ctx context.Context, beliefCtx map[string]any, evalTime time.Time) (*contracts.PolicyResult, error) {
	policies, err := e.store.Active(ctx, evalTime)
	if err != nil {
		return nil, err
	}

	result := &contracts.PolicyResult{Verdict: contracts.VerdictAllow}
	for _, p := range policies {
		triggered, err := e.triggered(p, beliefCtx)
		if err != nil {
			return nil, fmt.Errorf("policy %q: %w", TextHash(p.Text), err)
		}
		if !triggered {
			continue
		}

		action, _ := p.Effects["action"].(string)
		eff := contracts.TriggeredEffect{
			PolicyID:   p.ID,
			PolicyText: p.Text,
			TextHash:   TextHash(p.Text),
			Action:     action,
		}
		if needs, ok := p.Effects["needs_evidence"]; ok {
			eff.Params = map[string]any{"needs_evidence": needs}
			result.NeedsEvidence = true
		}
		result.Effects = append(result.Effects, eff)
		result.Citations = append(result.Citations, eff.TextHash)
		if w, ok := p.Effects["warning"].(string); ok && w != "" {
			result.Warnings = append(result.Warnings, w)
		}

		if v := contracts.PolicyVerdict(action); v.Dominates(result.Verdict) {
			result.Verdict = v
		}
	}

	// Hard safety floor.
	if beliefCtx["risk_level"] == "CRITICAL" && beliefCtx["proposed_posture"] == "ACCEPT" &&
		result.Verdict != contracts.VerdictBlock {
		result.Verdict = contracts.VerdictBlock
		result.Warnings = append(result.Warnings, "ACCEPT posture is prohibited under CRITICAL risk")
	}

	return result, nil
}

func (e *Engine) triggered(p contracts.Policy, beliefCtx map[string]any) (bool, error) {
	if p.CELExpression != "" {
		return e.evalCEL(p, beliefCtx)
	}
	conds, err := Conditions(p.Conditions)
	if err != nil {
		return false, err
	}
	if len(conds) == 0 {
		return false, nil
	}
	for _, c := range conds {
		ok, err := c.Eval(beliefCtx)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

func (e *Engine) evalCEL(p contracts.Policy, beliefCtx map[string]any) (bool, error) {
	prog, err := e.program(p)
	if err != nil {
		return false, err
	}
	out, _, err := prog.Eval(map[string]any{"ctx": beliefCtx})
	if err != nil {
		return false, fmt.Errorf("cel eval: %w", err)
	}
	b, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("cel expression must return bool, got %T", out.Value())
	}
	return b, nil
}

func (e *Engine) program(p contracts.Policy) (cel.Program, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if prog, ok := e.programs[p.ID]; ok {
		return prog, nil
	}
	ast, issues := e.env.Compile(p.CELExpression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("cel compile: %w", issues.Err())
	}
	prog, err := e.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("cel program: %w", err)
	}
	e.programs[p.ID] = prog
	return prog, nil
}
