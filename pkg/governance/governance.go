// Package governance runs every intervention through the action state
// machine: PROPOSED, PENDING_APPROVAL, APPROVED, EXECUTING, then
// COMPLETED, FAILED, or ROLLED_BACK. No side effect happens outside an
// action row, and no approval-requiring action executes unapproved.
package governance

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/windward-ops/gateposture/pkg/cases"
	"github.com/windward-ops/gateposture/pkg/contracts"
	"github.com/windward-ops/gateposture/pkg/planner"
)

// ErrRollbackUnsupported is returned for action types outside the
// reversible set.
var ErrRollbackUnsupported = errors.New("action type does not support rollback")

// Executor performs the side effect of one action type.
type Executor interface {
	Execute(ctx context.Context, action *contracts.Action) (map[string]any, error)
}

// ExecutorFunc adapts a function to the Executor interface.
type ExecutorFunc func(ctx context.Context, action *contracts.Action) (map[string]any, error)

func (f ExecutorFunc) Execute(ctx context.Context, action *contracts.Action) (map[string]any, error) {
	return f(ctx, action)
}

// Governor owns action lifecycle transitions and execution dispatch.
type Governor struct {
	store     *cases.Store
	log       *slog.Logger
	executors map[contracts.ActionType]Executor
	inverses  map[contracts.ActionType]Executor
}

func NewGovernor(store *cases.Store, log *slog.Logger) *Governor {
	if log == nil {
		log = slog.Default()
	}
	return &Governor{
		store:     store,
		log:       log,
		executors: map[contracts.ActionType]Executor{},
		inverses:  map[contracts.ActionType]Executor{},
	}
}

// RegisterExecutor binds the side-effect handler for an action type.
func (g *Governor) RegisterExecutor(t contracts.ActionType, ex Executor) {
	g.executors[t] = ex
}

// RegisterInverse binds the rollback handler for a reversible action
// type. Rollback of a type without an inverse fails without touching the
// action.
func (g *Governor) RegisterInverse(t contracts.ActionType, ex Executor) {
	g.inverses[t] = ex
}

// Propose records a planner proposal as a PROPOSED action. Risk level
// and the approval requirement come from the action library; a HIGH or
// CRITICAL risk grade forces the approval requirement on.
func (g *Governor) Propose(ctx context.Context, caseID string, proposal contracts.ProposedAction) (*contracts.Action, error) {
	spec, err := planner.Spec(proposal.Type)
	if err != nil {
		return nil, err
	}

	// The proposal can tighten the library default (a policy verdict of
	// REQUIRE_APPROVAL gates every action of the case), never loosen it.
	requiresApproval := spec.RequiresApproval || proposal.RequiresApproval
	if spec.RiskLevel == contracts.RiskHigh || spec.RiskLevel == contracts.RiskCritical {
		requiresApproval = true
	}

	action := &contracts.Action{
		CaseID:           caseID,
		Type:             proposal.Type,
		Args:             proposal.Args,
		RiskLevel:        spec.RiskLevel,
		RequiresApproval: requiresApproval,
		State:            contracts.ActionProposed,
	}
	if err := g.store.InsertAction(ctx, action); err != nil {
		return nil, err
	}
	g.trace(ctx, caseID, action.ID, "", contracts.ActionProposed)
	return action, nil
}

// Submit advances a PROPOSED action: to PENDING_APPROVAL when approval is
// required, to APPROVED otherwise.
func (g *Governor) Submit(ctx context.Context, actionID string) (*contracts.Action, error) {
	action, err := g.store.GetAction(ctx, actionID)
	if err != nil {
		return nil, err
	}
	to := contracts.ActionApproved
	if action.RequiresApproval {
		to = contracts.ActionPendingApproval
	}
	if err := g.transition(ctx, action, contracts.ActionProposed, to, ""); err != nil {
		return nil, err
	}
	return g.store.GetAction(ctx, actionID)
}

// Approve moves a PENDING_APPROVAL action to APPROVED, recording the
// approver.
func (g *Governor) Approve(ctx context.Context, actionID, approver string) (*contracts.Action, error) {
	if approver == "" {
		return nil, fmt.Errorf("approver is required")
	}
	action, err := g.store.GetAction(ctx, actionID)
	if err != nil {
		return nil, err
	}
	if err := g.transition(ctx, action, contracts.ActionPendingApproval, contracts.ActionApproved, approver); err != nil {
		return nil, err
	}
	return g.store.GetAction(ctx, actionID)
}

// Reject fails a PENDING_APPROVAL action.
func (g *Governor) Reject(ctx context.Context, actionID, approver, reason string) (*contracts.Action, error) {
	action, err := g.store.GetAction(ctx, actionID)
	if err != nil {
		return nil, err
	}
	if err := g.transition(ctx, action, contracts.ActionPendingApproval, contracts.ActionFailed, ""); err != nil {
		return nil, err
	}
	_, _ = g.store.InsertOutcome(ctx, actionID, false, map[string]any{
		"rejected_by": approver,
		"reason":      reason,
	})
	return g.store.GetAction(ctx, actionID)
}

// Execute runs an APPROVED action through its registered executor and
// records the outcome. Executing from any other state, including an
// unapproved approval-requiring action, violates the governance
// invariant.
func (g *Governor) Execute(ctx context.Context, actionID string) (*contracts.Outcome, error) {
	action, err := g.store.GetAction(ctx, actionID)
	if err != nil {
		return nil, err
	}
	if action.State != contracts.ActionApproved {
		return nil, &contracts.InvariantViolation{
			Invariant: contracts.InvariantActionGovernance,
			RowID:     actionID,
			Detail:    fmt.Sprintf("cannot execute action in state %s", action.State),
		}
	}
	if action.RequiresApproval && action.ApprovedBy == "" {
		return nil, &contracts.InvariantViolation{
			Invariant: contracts.InvariantActionGovernance,
			RowID:     actionID,
			Detail:    "approval-requiring action has no recorded approver",
		}
	}

	if err := g.transition(ctx, action, contracts.ActionApproved, contracts.ActionExecuting, ""); err != nil {
		return nil, err
	}

	ex, ok := g.executors[action.Type]
	if !ok {
		_ = g.transition(ctx, action, contracts.ActionExecuting, contracts.ActionFailed, "")
		return g.store.InsertOutcome(ctx, actionID, false, map[string]any{
			"error": fmt.Sprintf("no executor registered for %s", action.Type),
		})
	}

	payload, execErr := ex.Execute(ctx, action)
	if execErr != nil {
		g.log.Warn("action execution failed",
			"action_id", actionID, "type", action.Type, "error", execErr)
		_ = g.transition(ctx, action, contracts.ActionExecuting, contracts.ActionFailed, "")
		return g.store.InsertOutcome(ctx, actionID, false, map[string]any{
			"error": execErr.Error(),
		})
	}

	if err := g.transition(ctx, action, contracts.ActionExecuting, contracts.ActionCompleted, ""); err != nil {
		return nil, err
	}
	return g.store.InsertOutcome(ctx, actionID, true, payload)
}

// Rollback reverses a COMPLETED action of a reversible type by running
// its inverse handler, then flips the action to ROLLED_BACK.
func (g *Governor) Rollback(ctx context.Context, actionID, operator string) (*contracts.Action, error) {
	action, err := g.store.GetAction(ctx, actionID)
	if err != nil {
		return nil, err
	}
	if !planner.Rollbackable(action.Type) {
		return nil, fmt.Errorf("%w: %s", ErrRollbackUnsupported, action.Type)
	}
	inv, ok := g.inverses[action.Type]
	if !ok {
		return nil, fmt.Errorf("%w: no inverse handler for %s", ErrRollbackUnsupported, action.Type)
	}
	if action.State != contracts.ActionCompleted {
		return nil, &contracts.InvariantViolation{
			Invariant: contracts.InvariantActionGovernance,
			RowID:     actionID,
			Detail:    fmt.Sprintf("cannot roll back action in state %s", action.State),
		}
	}

	payload, invErr := inv.Execute(ctx, action)
	if invErr != nil {
		g.log.Warn("rollback execution failed",
			"action_id", actionID, "type", action.Type, "error", invErr)
		return nil, fmt.Errorf("rollback of %s: %w", actionID, invErr)
	}
	if err := g.transition(ctx, action, contracts.ActionCompleted, contracts.ActionRolledBack, ""); err != nil {
		return nil, err
	}
	outcome := map[string]any{"rolled_back_by": operator}
	for k, v := range payload {
		outcome[k] = v
	}
	_, _ = g.store.InsertOutcome(ctx, actionID, true, outcome)
	return g.store.GetAction(ctx, actionID)
}

// transition performs the compare-and-set flip and emits the trace event.
func (g *Governor) transition(ctx context.Context, action *contracts.Action, from, to contracts.ActionState, approver string) error {
	ok, err := g.store.CompareAndSetActionState(ctx, action.ID, from, to, approver)
	if err != nil {
		return err
	}
	if !ok {
		current, gerr := g.store.GetAction(ctx, action.ID)
		state := "unknown"
		if gerr == nil {
			state = string(current.State)
		}
		return &contracts.InvariantViolation{
			Invariant: contracts.InvariantActionGovernance,
			RowID:     action.ID,
			Detail:    fmt.Sprintf("illegal transition %s -> %s (current %s)", from, to, state),
		}
	}
	g.trace(ctx, action.CaseID, action.ID, from, to)
	g.log.Info("action transition",
		"action_id", action.ID, "case_id", action.CaseID,
		"type", action.Type, "from", from, "to", to)
	return nil
}

func (g *Governor) trace(ctx context.Context, caseID, actionID string, from, to contracts.ActionState) {
	meta := map[string]any{"to": string(to)}
	if from != "" {
		meta["from"] = string(from)
	}
	if _, err := g.store.AppendTrace(ctx, caseID, contracts.TraceHandoff, "action", actionID, meta); err != nil {
		g.log.Warn("trace append failed", "case_id", caseID, "error", err)
	}
}
