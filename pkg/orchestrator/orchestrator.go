// Package orchestrator runs the deterministic case workflow: investigate,
// quantify risk, critique, gate on policy, plan, execute under governance,
// and seal a decision packet. State transitions are code, never model
// output; every step lands in the case trace.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/windward-ops/gateposture/pkg/cases"
	"github.com/windward-ops/gateposture/pkg/contracts"
	"github.com/windward-ops/gateposture/pkg/evidence"
	"github.com/windward-ops/gateposture/pkg/governance"
	"github.com/windward-ops/gateposture/pkg/graph"
	"github.com/windward-ops/gateposture/pkg/packets"
	"github.com/windward-ops/gateposture/pkg/playbooks"
	"github.com/windward-ops/gateposture/pkg/policy"
	"github.com/windward-ops/gateposture/pkg/signals"
	"github.com/windward-ops/gateposture/pkg/sources"
	"github.com/windward-ops/gateposture/pkg/webhooks"
)

// Workflow states, in nominal order.
const (
	StateInit           = "INIT"
	StateInvestigate    = "INVESTIGATE"
	StateQuantifyRisk   = "QUANTIFY_RISK"
	StateCritique       = "CRITIQUE"
	StateEvaluatePolicy = "EVALUATE_POLICY"
	StatePlanActions    = "PLAN_ACTIONS"
	StateDraftComms     = "DRAFT_COMMS"
	StateExecute        = "EXECUTE"
	StateComplete       = "COMPLETE"
	StateBlocked        = "BLOCKED"
)

const (
	// maxRounds bounds how many supplementary investigation passes the
	// critic and the policy evaluation may demand. Beyond it the case
	// proceeds with its current belief.
	maxRounds = 2
	// fetchesPerRound caps planned fetches in one investigation pass.
	fetchesPerRound = 5
	// minRequiredSources is the critic's source-diversity floor.
	minRequiredSources = 3
)

// ErrAwaitingApproval reports a case parked BLOCKED until its pending
// action approvals land. Resume finishes it afterwards.
var ErrAwaitingApproval = errors.New("case blocked awaiting action approval")

// Handler names the typed handler behind a workflow state, as surfaced
// on streamed state transitions.
func Handler(state string) string {
	return strings.ToLower(state)
}

// Progress event kinds: a state transition, or a belief snapshot taken
// mid-state.
const (
	ProgressStateTransition = "state_transition"
	ProgressSnapshot        = "progress"
)

// ProgressEvent is one workflow progress notification, streamed to API
// subscribers while a case runs.
type ProgressEvent struct {
	Kind    string         `json:"kind"`
	CaseID  string         `json:"case_id"`
	State   string         `json:"state"`
	Message string         `json:"message,omitempty"`
	Meta    map[string]any `json:"meta,omitempty"`
	At      time.Time      `json:"at"`
}

// Config wires the orchestrator's collaborators. Cases, Graph, Evidence,
// Policies, Engine, Governor, Builder, Packets and Registry are required;
// the rest default.
type Config struct {
	Cases      *cases.Store
	Graph      *graph.Store
	Evidence   *evidence.Store
	Policies   *policy.Store
	Engine     *policy.Engine
	Governor   *governance.Governor
	Builder    *packets.Builder
	Packets    *packets.Store
	Learner    *playbooks.Learner
	Registry   *sources.Registry
	Dispatcher *webhooks.Dispatcher
	Assessor   RiskAssessor
	Clock      contracts.Clock
	Log        *slog.Logger
}

// Orchestrator drives cases through the workflow.
type Orchestrator struct {
	cases      *cases.Store
	graph      *graph.Store
	evidence   *evidence.Store
	policies   *policy.Store
	engine     *policy.Engine
	governor   *governance.Governor
	builder    *packets.Builder
	packets    *packets.Store
	learner    *playbooks.Learner
	registry   *sources.Registry
	dispatcher *webhooks.Dispatcher
	assessor   RiskAssessor
	deriver    *signals.Deriver
	detector   *signals.Detector
	clock      contracts.Clock
	log        *slog.Logger
	progress   func(ProgressEvent)
}

func New(cfg Config) (*Orchestrator, error) {
	if cfg.Cases == nil || cfg.Graph == nil || cfg.Evidence == nil ||
		cfg.Policies == nil || cfg.Engine == nil || cfg.Governor == nil ||
		cfg.Builder == nil || cfg.Packets == nil || cfg.Registry == nil {
		return nil, fmt.Errorf("orchestrator config is missing required stores")
	}
	o := &Orchestrator{
		cases:      cfg.Cases,
		graph:      cfg.Graph,
		evidence:   cfg.Evidence,
		policies:   cfg.Policies,
		engine:     cfg.Engine,
		governor:   cfg.Governor,
		builder:    cfg.Builder,
		packets:    cfg.Packets,
		learner:    cfg.Learner,
		registry:   cfg.Registry,
		dispatcher: cfg.Dispatcher,
		assessor:   cfg.Assessor,
		clock:      cfg.Clock,
		log:        cfg.Log,
	}
	if o.assessor == nil {
		o.assessor = HeuristicAssessor{}
	}
	if o.clock == nil {
		o.clock = contracts.WallClock{}
	}
	if o.log == nil {
		o.log = slog.Default()
	}
	o.deriver = signals.NewDeriver(cfg.Graph).WithClock(o.clock)
	o.detector = signals.NewDetector(cfg.Graph).WithClock(o.clock)
	return o, nil
}

// WithProgress sets the progress callback. Events fire synchronously in
// workflow order.
func (o *Orchestrator) WithProgress(fn func(ProgressEvent)) *Orchestrator {
	o.progress = fn
	return o
}

// run carries the mutable state of one workflow execution.
type run struct {
	c          *contracts.Case
	belief     *contracts.BeliefState
	snapshot   *Snapshot
	risk       *contracts.RiskRecord
	proposals  []contracts.ProposedAction
	policyRes  *contracts.PolicyResult
	rounds       int
	gateApproval bool
	permFailed   map[string]bool   // uncertainty kind -> non-retryable failure
	merIDs       map[string]string // uncertainty kind -> open missing-evidence request
}

// Run drives an OPEN case to RESOLVED or BLOCKED and returns its sealed
// decision packet. A case left waiting on action approvals is parked
// BLOCKED without a packet and Run returns ErrAwaitingApproval; Resume
// finishes it after the approvals land. A cancelled run is never
// abandoned silently: in-flight actions fail with reason CANCELLED and
// the case is marked BLOCKED. Evidence persisted before the cancel
// stays.
func (o *Orchestrator) Run(ctx context.Context, caseID string) (*contracts.DecisionPacket, error) {
	packet, err := o.runCase(ctx, caseID)
	switch {
	case err == nil || errors.Is(err, ErrAwaitingApproval):
		return packet, err
	case ctx.Err() != nil:
		o.abort(context.WithoutCancel(ctx), caseID)
		return nil, fmt.Errorf("case %s run cancelled: %w", caseID, ctx.Err())
	default:
		o.fail(ctx, caseID, err)
		return nil, err
	}
}

// fail marks a mid-run failure: an invariant violation blocks the case,
// anything else marks it FAILED. Either way the error lands in the
// trace and no packet is emitted.
func (o *Orchestrator) fail(ctx context.Context, caseID string, runErr error) {
	c, err := o.cases.GetCase(ctx, caseID)
	if err != nil || c.Status != contracts.CaseOpen {
		return
	}
	status := contracts.CaseFailed
	var iv *contracts.InvariantViolation
	if errors.As(runErr, &iv) {
		status = contracts.CaseBlocked
	}
	if _, err := o.cases.AppendTrace(ctx, caseID, contracts.TraceGuardrailFail, "case", caseID,
		map[string]any{"error": runErr.Error()}); err != nil {
		o.log.Error("trace append failed", "case_id", caseID, "error", err)
	}
	if err := o.cases.SetCaseStatus(ctx, caseID, status); err != nil {
		o.log.Error("case status update after failed run", "case_id", caseID, "error", err)
	}
}

// abort fails the in-flight actions of a cancelled run and parks the
// case BLOCKED.
func (o *Orchestrator) abort(ctx context.Context, caseID string) {
	actions, err := o.cases.ActionsForCase(ctx, caseID)
	if err != nil {
		o.log.Error("cancelled run cleanup failed", "case_id", caseID, "error", err)
		return
	}
	for _, a := range actions {
		if a.State != contracts.ActionExecuting {
			continue
		}
		ok, err := o.cases.CompareAndSetActionState(ctx, a.ID,
			contracts.ActionExecuting, contracts.ActionFailed, "")
		if err != nil || !ok {
			continue
		}
		_, _ = o.cases.InsertOutcome(ctx, a.ID, false, map[string]any{"reason": "CANCELLED"})
	}
	if err := o.cases.SetCaseStatus(ctx, caseID, contracts.CaseBlocked); err != nil {
		o.log.Error("cancelled case could not be marked blocked", "case_id", caseID, "error", err)
	}
}

func (o *Orchestrator) runCase(ctx context.Context, caseID string) (*contracts.DecisionPacket, error) {
	c, err := o.cases.GetCase(ctx, caseID)
	if err != nil {
		return nil, err
	}
	if c.Status != contracts.CaseOpen {
		return nil, fmt.Errorf("case %s is %s, not OPEN", caseID, c.Status)
	}
	airport := c.Airport()
	if airport == "" {
		return nil, fmt.Errorf("case %s has no airport in scope", caseID)
	}

	r := &run{
		c:          c,
		belief:     contracts.NewBeliefState(caseID, airport),
		permFailed: map[string]bool{},
		merIDs:     map[string]string{},
	}
	seedUncertainties(r.belief)
	o.enter(ctx, r, StateInit, "case opened for "+airport)

	// Investigate until the critic and the policy evaluation are both
	// satisfied or the round budget runs out. Kinds that failed
	// permanently are not retried.
	for {
		r.rounds++
		r.belief.Iterations++
		o.enter(ctx, r, StateInvestigate, fmt.Sprintf("investigation round %d", r.rounds))
		if err := o.investigate(ctx, r); err != nil {
			return nil, err
		}
		o.report(r, StateInvestigate, "evidence gathered", nil)

		o.enter(ctx, r, StateQuantifyRisk, "")
		r.risk = o.assessRisk(ctx, r.snapshot)
		r.belief.RiskLevel = r.risk.RiskLevel
		r.belief.CurrentPosture = r.risk.RecommendedPosture
		o.trace(ctx, r, contracts.TraceToolResult, "risk", "", map[string]any{
			"risk_level":          string(r.risk.RiskLevel),
			"recommended_posture": string(r.risk.RecommendedPosture),
			"confidence":          r.risk.Confidence,
			"degraded":            r.risk.Degraded,
		})
		o.report(r, StateQuantifyRisk, "risk assessed", map[string]any{
			"risk_level":          string(r.risk.RiskLevel),
			"recommended_posture": string(r.risk.RecommendedPosture),
			"confidence":          r.risk.Confidence,
		})

		o.enter(ctx, r, StateCritique, "")
		verdict := o.criticize(ctx, r)
		if verdict == criticBlocked {
			return o.block(ctx, r, "blocking evidence could not be gathered")
		}
		if verdict == criticInsufficient && r.rounds <= maxRounds {
			continue
		}

		o.enter(ctx, r, StateEvaluatePolicy, "")
		gate, err := o.policyGate(ctx, r)
		if err != nil {
			return nil, err
		}
		if r.policyRes.NeedsEvidence && r.rounds <= maxRounds && o.reopenForNeeds(r, r.policyRes) {
			o.trace(ctx, r, contracts.TraceHandoff, "state", "", map[string]any{
				"verdict": "NEEDS_EVIDENCE",
			})
			continue
		}
		if gate == gateBlocked {
			return o.block(ctx, r, blockReason(r.policyRes))
		}
		r.gateApproval = gate == gateApproval
		break
	}

	if err := o.recordDecisionClaim(ctx, r); err != nil {
		return nil, err
	}

	o.enter(ctx, r, StatePlanActions, "")
	if err := o.plan(ctx, r); err != nil {
		return nil, err
	}
	if r.gateApproval {
		for i := range r.proposals {
			r.proposals[i].RequiresApproval = true
		}
	}

	if anyNotification(r.proposals) {
		o.enter(ctx, r, StateDraftComms, "")
		o.draftComms(ctx, r)
	}

	o.enter(ctx, r, StateExecute, "")
	pending, err := o.execute(ctx, r)
	if err != nil {
		return nil, err
	}
	if pending > 0 {
		return nil, o.awaitApproval(ctx, r, pending)
	}
	return o.resolve(ctx, r)
}

// seedUncertainties opens the five standing questions every airport case
// starts with.
func seedUncertainties(b *contracts.BeliefState) {
	for _, kind := range []string{
		"airport_status_unknown",
		"weather_conditions_unknown",
		"forecast_unknown",
		"alert_status_unknown",
		"movement_data_unknown",
	} {
		b.Uncertainties = append(b.Uncertainties, contracts.Uncertainty{
			ID:       kind,
			Kind:     kind,
			Question: strings.ReplaceAll(kind, "_", " ") + " for " + b.AirportICAO,
		})
	}
}

type criticVerdict int

const (
	criticSatisfied criticVerdict = iota
	criticInsufficient
	criticBlocked
)

// criticize challenges the evidence base: blocking gaps, source
// diversity, evidence age, and open contradictions. A permanently
// unfetchable BLOCKING source blocks outright; every other complaint
// demands another investigation round, reopening the uncertainties a
// refetch could settle.
func (o *Orchestrator) criticize(ctx context.Context, r *run) criticVerdict {
	openBlocking := ""
	for _, u := range r.belief.OpenUncertainties() {
		source := uncertaintySource(u.Kind)
		if signalsCriticality(source) != contracts.CriticalityBlocking {
			continue
		}
		if r.permFailed[u.Kind] {
			o.trace(ctx, r, contracts.TraceGuardrailFail, "uncertainty", u.ID, map[string]any{
				"reason": "blocking source permanently unavailable",
				"source": source,
			})
			return criticBlocked
		}
		if openBlocking == "" {
			openBlocking = u.Kind
		}
	}
	if openBlocking != "" {
		return o.insufficient(ctx, r, "blocking source unresolved: "+openBlocking)
	}
	if n := len(r.belief.EvidenceSources); n < minRequiredSources {
		return o.insufficient(ctx, r,
			fmt.Sprintf("only %d evidence sources, %d required", n, minRequiredSources))
	}
	if r.belief.HasStaleEvidence {
		r.reopen("airport_status_unknown")
		return o.insufficient(ctx, r, "stale evidence behind the newest signal")
	}
	if n := r.belief.ContradictionCount; n > 0 {
		r.reopen("airport_status_unknown")
		r.reopen("movement_data_unknown")
		return o.insufficient(ctx, r, fmt.Sprintf("%d open contradictions", n))
	}
	return criticSatisfied
}

func (o *Orchestrator) insufficient(ctx context.Context, r *run, reason string) criticVerdict {
	o.trace(ctx, r, contracts.TraceHandoff, "state", "", map[string]any{
		"verdict": "INSUFFICIENT_EVIDENCE",
		"reason":  reason,
	})
	return criticInsufficient
}

// reopen marks a resolved uncertainty open again so the next round
// refetches it. Permanently failed kinds stay closed.
func (r *run) reopen(kind string) bool {
	if kind == "" || r.permFailed[kind] {
		return false
	}
	reopened := false
	for i := range r.belief.Uncertainties {
		u := &r.belief.Uncertainties[i]
		if u.Kind == kind && u.Resolved {
			u.Resolved = false
			u.ResolvedBy = ""
			reopened = true
		}
	}
	return reopened
}

// plan retrieves a matching playbook and runs the beam planner. Playbook
// hits do not bypass planning; they annotate the overlapping proposals.
func (o *Orchestrator) plan(ctx context.Context, r *run) error {
	posture := r.belief.CurrentPosture
	r.proposals = nil

	var guided map[contracts.ActionType]bool
	if o.learner != nil {
		snapshot, err := o.activeSnapshot(ctx)
		if err != nil {
			return err
		}
		candidate, err := o.learner.Match(ctx, r.belief, posture, snapshot)
		if err != nil {
			return err
		}
		if candidate != nil {
			guided = templateTypes(candidate.Playbook.ActionTemplate)
			o.trace(ctx, r, contracts.TraceToolResult, "playbook", candidate.Playbook.ID, map[string]any{
				"name":  candidate.Playbook.Name,
				"score": candidate.Score,
			})
		}
	}

	r.proposals = planProposals(r.belief, posture)
	for i := range r.proposals {
		if guided[r.proposals[i].Type] {
			r.proposals[i].PlaybookGuided = true
		}
	}

	// Shipment-level actions demand booking evidence. Planner output never
	// includes them, but playbook templates might reintroduce one.
	return o.bookingGuardrail(ctx, r)
}

// bookingGuardrail drops shipment actions proposed without booking
// evidence and records the gap as a BLOCKING request.
func (o *Orchestrator) bookingGuardrail(ctx context.Context, r *run) error {
	if r.belief.HasSource("BOOKING") {
		return nil
	}
	kept := r.proposals[:0]
	for _, p := range r.proposals {
		if !contracts.IsShipmentAction(p.Type) {
			kept = append(kept, p)
			continue
		}
		o.trace(ctx, r, contracts.TraceGuardrailFail, "action", string(p.Type), map[string]any{
			"reason": "shipment action without booking evidence",
		})
		if err := o.cases.RecordMissing(ctx, &contracts.MissingEvidenceRequest{
			CaseID:       r.c.ID,
			SourceSystem: "BOOKING",
			RequestType:  "booking_confirmation",
			Reason:       fmt.Sprintf("action %s requires booking evidence", p.Type),
			Criticality:  contracts.CriticalityBlocking,
		}); err != nil {
			return err
		}
	}
	r.proposals = kept
	return nil
}

type gateVerdict int

const (
	gateClear gateVerdict = iota
	gateApproval
	gateBlocked
)

// policyGate evaluates the active policy set against the belief context.
func (o *Orchestrator) policyGate(ctx context.Context, r *run) (gateVerdict, error) {
	result, err := o.engine.Evaluate(ctx, r.belief.PolicyContext(r.proposals), o.clock.Now())
	if err != nil {
		return gateBlocked, err
	}
	r.policyRes = result
	o.trace(ctx, r, contracts.TraceToolResult, "policy", "", map[string]any{
		"verdict":        string(result.Verdict),
		"needs_evidence": result.NeedsEvidence,
		"citations":      result.Citations,
	})

	switch result.Verdict {
	case contracts.VerdictBlock:
		return gateBlocked, nil
	case contracts.VerdictRequireApproval:
		return gateApproval, nil
	default:
		return gateClear, nil
	}
}

// reopenForNeeds reopens uncertainties for the evidence the triggered
// policies demanded, when a fetch tool can still supply it. Returns
// false when nothing is retrievable, leaving the verdict to stand.
func (o *Orchestrator) reopenForNeeds(r *run, result *contracts.PolicyResult) bool {
	reopened := false
	for _, eff := range result.Effects {
		needs, _ := eff.Params["needs_evidence"].([]any)
		for _, raw := range needs {
			need, _ := raw.(string)
			switch need {
			case "CONTRADICTION_RESOLUTION":
				// Refetch the sources the contradiction patterns compare.
				if r.reopen("airport_status_unknown") {
					reopened = true
				}
				if r.reopen("movement_data_unknown") {
					reopened = true
				}
			case "ADDITIONAL_SOURCE":
				// Breadth: any unfetched kind still worth a retry.
				for _, u := range r.belief.OpenUncertainties() {
					if !r.permFailed[u.Kind] {
						reopened = true
					}
				}
			default:
				if r.reopen(needKind(need)) {
					reopened = true
				}
			}
		}
	}
	return reopened
}

// needKind maps a policy needs_evidence parameter to the uncertainty
// whose tool can supply it.
func needKind(needs string) string {
	switch needs {
	case "METAR":
		return "weather_conditions_unknown"
	case "TAF":
		return "forecast_unknown"
	case "FAA":
		return "airport_status_unknown"
	case "NWS":
		return "alert_status_unknown"
	case "ADSB":
		return "movement_data_unknown"
	default:
		return ""
	}
}

// draftComms records the advisory draft for notification-bearing actions.
// The draft is assembled from structured fields only.
func (o *Orchestrator) draftComms(ctx context.Context, r *run) {
	draft := fmt.Sprintf("Gateway advisory for %s: posture %s. %s",
		r.belief.AirportICAO, r.belief.CurrentPosture, r.risk.Rationale)
	o.trace(ctx, r, contracts.TraceToolCall, "comms", "", map[string]any{
		"draft":   draft,
		"posture": string(r.belief.CurrentPosture),
	})
}

// execute routes the proposals through governance. Approval-gated actions
// stay pending; the rest run to completion. Returns the pending count.
func (o *Orchestrator) execute(ctx context.Context, r *run) (int, error) {
	pending := 0
	for _, p := range r.proposals {
		action, err := o.governor.Propose(ctx, r.c.ID, p)
		if err != nil {
			return 0, err
		}
		action, err = o.governor.Submit(ctx, action.ID)
		if err != nil {
			return 0, err
		}
		if action.State == contracts.ActionPendingApproval {
			pending++
			o.dispatch(ctx, webhooks.EventActionPending, map[string]any{
				"case_id":   r.c.ID,
				"action_id": action.ID,
				"type":      string(action.Type),
			})
			continue
		}
		if _, err := o.governor.Execute(ctx, action.ID); err != nil {
			var iv *contracts.InvariantViolation
			if errors.As(err, &iv) {
				return 0, err
			}
			o.log.Warn("action execution failed", "case_id", r.c.ID,
				"action_id", action.ID, "error", err)
			continue
		}
		o.dispatch(ctx, webhooks.EventActionExecuted, map[string]any{
			"case_id":   r.c.ID,
			"action_id": action.ID,
			"type":      string(action.Type),
		})
	}
	return pending, nil
}

// awaitApproval parks the case BLOCKED until its pending approvals land.
// The posture decision is already made and announced; only execution and
// the packet wait.
func (o *Orchestrator) awaitApproval(ctx context.Context, r *run, pending int) error {
	o.enter(ctx, r, StateBlocked, fmt.Sprintf("%d action(s) awaiting approval", pending))
	if err := o.cases.SetCaseStatus(ctx, r.c.ID, contracts.CaseBlocked); err != nil {
		return err
	}
	o.announcePosture(ctx, r)
	o.dispatch(ctx, webhooks.EventCaseBlocked, map[string]any{
		"case_id": r.c.ID,
		"reason":  "awaiting action approval",
	})
	return ErrAwaitingApproval
}

// Resume finishes a case parked on approvals: executes whatever got
// approved, then seals the packet and resolves. Call it after Approve or
// Reject decisions land through the API.
func (o *Orchestrator) Resume(ctx context.Context, caseID string) (*contracts.DecisionPacket, error) {
	c, err := o.cases.GetCase(ctx, caseID)
	if err != nil {
		return nil, err
	}
	if c.Status != contracts.CaseBlocked {
		return nil, fmt.Errorf("case %s is %s, not BLOCKED", caseID, c.Status)
	}
	actions, err := o.cases.ActionsForCase(ctx, caseID)
	if err != nil {
		return nil, err
	}
	for _, a := range actions {
		switch a.State {
		case contracts.ActionPendingApproval:
			return nil, fmt.Errorf("case %s still has pending approvals", caseID)
		case contracts.ActionApproved:
			if _, err := o.governor.Execute(ctx, a.ID); err != nil {
				o.log.Warn("resumed action execution failed", "case_id", caseID,
					"action_id", a.ID, "error", err)
			}
		}
	}

	r, err := o.rebuild(ctx, c)
	if err != nil {
		return nil, err
	}
	return o.resolve(ctx, r)
}

// rebuild reconstructs enough run state from the stores to seal a packet
// for a case parked before packet emission. Evidence and claim ids come
// back out of the case trace.
func (o *Orchestrator) rebuild(ctx context.Context, c *contracts.Case) (*run, error) {
	r := &run{
		c:          c,
		belief:     contracts.NewBeliefState(c.ID, c.Airport()),
		permFailed: map[string]bool{},
		merIDs:     map[string]string{},
	}
	trace, err := o.cases.TraceForCase(ctx, c.ID)
	if err != nil {
		return nil, err
	}
	for _, ev := range trace {
		if ev.EventType != contracts.TraceToolResult {
			continue
		}
		switch ev.RefType {
		case "evidence":
			appendUnique(&r.belief.EvidenceIDs, ev.RefID)
			appendUnique(&r.belief.ValidEvidenceIDs, ev.RefID)
		case "claim":
			appendUnique(&r.belief.ClaimIDs, ev.RefID)
		}
	}
	rows, err := o.evidence.ByIDs(ctx, r.belief.EvidenceIDs)
	if err != nil {
		return nil, err
	}
	for _, row := range rows {
		appendUnique(&r.belief.EvidenceSources, row.SourceSystem)
		if row.EventTimeStart != nil &&
			(r.belief.FirstSignalAt == nil || row.EventTimeStart.Before(*r.belief.FirstSignalAt)) {
			t := *row.EventTimeStart
			r.belief.FirstSignalAt = &t
		}
	}
	if err := o.refreshSnapshot(ctx, r); err != nil {
		return nil, err
	}
	r.risk = o.assessRisk(ctx, r.snapshot)
	r.belief.RiskLevel = r.risk.RiskLevel
	r.belief.CurrentPosture = r.risk.RecommendedPosture
	result, err := o.engine.Evaluate(ctx, r.belief.PolicyContext(nil), o.clock.Now())
	if err != nil {
		return nil, err
	}
	r.policyRes = result
	return r, nil
}

// cascadeImpact walks downstream from the airport node and summarizes
// the exposed flights, shipments and bookings. Returns nil when the
// airport has no cascade in the graph.
func (o *Orchestrator) cascadeImpact(ctx context.Context, r *run) *contracts.CascadeImpact {
	node, err := o.graph.NodeByIdentity(ctx, "AIRPORT", r.belief.AirportICAO)
	if err != nil {
		return nil
	}
	now := o.clock.Now()
	edges, err := o.graph.Traverse(ctx, node.ID, 3, now, now)
	if err != nil {
		return nil
	}
	impact := &contracts.CascadeImpact{}
	for _, e := range edges {
		entry := map[string]any{"edge_id": e.ID, "node_id": e.Dst}
		for k, v := range e.Attrs {
			entry[k] = v
		}
		switch e.Type {
		case graph.EdgeHasFlight:
			impact.Flights = append(impact.Flights, entry)
		case graph.EdgeHasShipment:
			impact.Shipments = append(impact.Shipments, entry)
		case graph.EdgeHasBooking:
			impact.Bookings = append(impact.Bookings, entry)
		}
	}
	if len(impact.Flights)+len(impact.Shipments)+len(impact.Bookings) == 0 {
		return nil
	}
	atRisk := 0
	if r.belief.CurrentPosture != contracts.PostureAccept {
		atRisk = len(impact.Bookings)
	}
	impact.SLAExposure = map[string]any{
		"bookings_at_risk":   atRisk,
		"shipments_in_scope": len(impact.Shipments),
		"flights_in_scope":   len(impact.Flights),
	}
	return impact
}

// warnSLABreach fires the imminent-breach event when a non-ACCEPT
// posture leaves bookings exposed downstream.
func (o *Orchestrator) warnSLABreach(ctx context.Context, r *run, impact *contracts.CascadeImpact) {
	if impact == nil {
		return
	}
	atRisk, _ := impact.SLAExposure["bookings_at_risk"].(int)
	if atRisk == 0 {
		return
	}
	o.dispatch(ctx, webhooks.EventSLABreachImminent, map[string]any{
		"case_id":          r.c.ID,
		"airport":          r.belief.AirportICAO,
		"posture":          string(r.belief.CurrentPosture),
		"bookings_at_risk": atRisk,
	})
}

// resolve seals the packet, resolves the case, learns from the outcome,
// and announces it.
func (o *Orchestrator) resolve(ctx context.Context, r *run) (*contracts.DecisionPacket, error) {
	o.enter(ctx, r, StateComplete, "")
	impact := o.cascadeImpact(ctx, r)
	packet, err := o.builder.Build(ctx, packets.Input{
		CaseID:       r.c.ID,
		Posture:      r.belief.CurrentPosture,
		Rationale:    r.risk.Rationale,
		Belief:       r.belief,
		PolicyResult: r.policyRes,
		Risk:         r.risk,
		Cascade:      impact,
	})
	if err != nil {
		return nil, err
	}
	if err := o.packets.Save(ctx, packet); err != nil {
		return nil, err
	}
	if err := o.cases.SetCaseStatus(ctx, r.c.ID, contracts.CaseResolved); err != nil {
		return nil, err
	}
	o.announcePosture(ctx, r)
	o.dispatch(ctx, webhooks.EventCaseResolved, map[string]any{
		"case_id":      r.c.ID,
		"posture":      string(packet.Posture),
		"content_hash": packet.ContentHash,
	})
	o.warnSLABreach(ctx, r, impact)
	if o.learner != nil {
		active, err := o.policies.Active(ctx, o.clock.Now())
		if err == nil {
			if _, err := o.learner.Learn(ctx, packet, active); err != nil {
				o.log.Warn("playbook learning failed", "case_id", r.c.ID, "error", err)
			}
		}
	}
	return packet, nil
}

// block seals a blocked packet and marks the case BLOCKED.
func (o *Orchestrator) block(ctx context.Context, r *run, reason string) (*contracts.DecisionPacket, error) {
	o.enter(ctx, r, StateBlocked, reason)
	if r.risk == nil {
		r.risk = fallbackRisk("case blocked before assessment")
	}
	impact := o.cascadeImpact(ctx, r)
	packet, err := o.builder.Build(ctx, packets.Input{
		CaseID:       r.c.ID,
		Posture:      contracts.PostureHold,
		Rationale:    reason,
		Belief:       r.belief,
		PolicyResult: r.policyRes,
		Risk:         r.risk,
		BlockReason:  reason,
		Cascade:      impact,
	})
	if err != nil {
		return nil, err
	}
	if err := o.packets.Save(ctx, packet); err != nil {
		return nil, err
	}
	if err := o.cases.SetCaseStatus(ctx, r.c.ID, contracts.CaseBlocked); err != nil {
		return nil, err
	}
	o.dispatch(ctx, webhooks.EventCaseBlocked, map[string]any{
		"case_id": r.c.ID,
		"reason":  reason,
	})
	return packet, nil
}

// recordDecisionClaim writes the posture decision as a FACT claim citing
// every valid evidence row gathered for the case.
func (o *Orchestrator) recordDecisionClaim(ctx context.Context, r *run) error {
	if len(r.belief.ValidEvidenceIDs) == 0 {
		return nil
	}
	node, err := o.graph.NodeByIdentity(ctx, "AIRPORT", r.belief.AirportICAO)
	if err != nil {
		return err
	}
	claim, err := o.graph.InsertClaim(ctx, graph.ClaimInput{
		Text: fmt.Sprintf("%s risk %s, recommended posture %s: %s",
			r.belief.AirportICAO, r.risk.RiskLevel, r.risk.RecommendedPosture, r.risk.Rationale),
		SubjectNodeID: node.ID,
		Confidence:    r.risk.Confidence,
		Status:        contracts.StatusFact,
		EvidenceIDs:   r.belief.ValidEvidenceIDs,
	})
	if err != nil {
		return err
	}
	r.belief.ClaimIDs = append(r.belief.ClaimIDs, claim.ID)
	o.trace(ctx, r, contracts.TraceToolResult, "claim", claim.ID, nil)
	return nil
}

func (o *Orchestrator) announcePosture(ctx context.Context, r *run) {
	o.dispatch(ctx, webhooks.EventPostureChange, map[string]any{
		"case_id": r.c.ID,
		"airport": r.belief.AirportICAO,
		"posture": string(r.belief.CurrentPosture),
	})
}

func (o *Orchestrator) dispatch(ctx context.Context, eventType string, payload map[string]any) {
	if o.dispatcher == nil {
		return
	}
	o.dispatcher.Dispatch(ctx, eventType, payload)
}

// activeSnapshot returns the sorted hash snapshot of the active policies.
func (o *Orchestrator) activeSnapshot(ctx context.Context) ([]string, error) {
	active, err := o.policies.Active(ctx, o.clock.Now())
	if err != nil {
		return nil, err
	}
	return policy.Snapshot(active), nil
}

// enter records a state transition in trace and progress.
func (o *Orchestrator) enter(ctx context.Context, r *run, state, msg string) {
	meta := map[string]any{"state": state}
	if msg != "" {
		meta["message"] = msg
	}
	o.trace(ctx, r, contracts.TraceStateEnter, "state", state, meta)
	o.log.Info("workflow state", "case_id", r.c.ID, "state", state, "message", msg)
	if o.progress != nil {
		o.progress(ProgressEvent{
			Kind: ProgressStateTransition, CaseID: r.c.ID, State: state,
			Message: msg, At: o.clock.Now(),
		})
	}
}

// report streams a belief snapshot without a state change.
func (o *Orchestrator) report(r *run, state, msg string, extra map[string]any) {
	if o.progress == nil {
		return
	}
	meta := map[string]any{
		"evidence_count":    len(r.belief.EvidenceIDs),
		"claim_count":       len(r.belief.ClaimIDs),
		"uncertainty_count": len(r.belief.OpenUncertainties()),
	}
	for k, v := range extra {
		meta[k] = v
	}
	o.progress(ProgressEvent{
		Kind: ProgressSnapshot, CaseID: r.c.ID, State: state,
		Message: msg, Meta: meta, At: o.clock.Now(),
	})
}

func (o *Orchestrator) trace(ctx context.Context, r *run, t contracts.TraceEventType, refType, refID string, meta map[string]any) {
	if _, err := o.cases.AppendTrace(ctx, r.c.ID, t, refType, refID, meta); err != nil {
		o.log.Error("trace append failed", "case_id", r.c.ID, "error", err)
	}
}

func anyNotification(proposals []contracts.ProposedAction) bool {
	for _, p := range proposals {
		if p.RequiresNotification {
			return true
		}
	}
	return false
}

func blockReason(result *contracts.PolicyResult) string {
	if result == nil {
		return "blocked by policy"
	}
	for _, eff := range result.Effects {
		if eff.Action == "BLOCK" {
			return eff.PolicyText
		}
	}
	return "blocked by policy"
}

// templateTypes extracts the action types a playbook template proposes.
func templateTypes(template map[string]any) map[contracts.ActionType]bool {
	out := map[contracts.ActionType]bool{}
	actions, _ := template["actions"].([]any)
	for _, raw := range actions {
		if m, ok := raw.(map[string]any); ok {
			if t, ok := m["type"].(string); ok {
				out[contracts.ActionType(t)] = true
			}
		}
	}
	return out
}
