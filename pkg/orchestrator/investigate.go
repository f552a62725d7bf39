package orchestrator

import (
	"context"
	"errors"
	"time"

	"github.com/windward-ops/gateposture/pkg/contracts"
	"github.com/windward-ops/gateposture/pkg/evidence"
	"github.com/windward-ops/gateposture/pkg/graph"
	"github.com/windward-ops/gateposture/pkg/planner"
	"github.com/windward-ops/gateposture/pkg/signals"
	"github.com/windward-ops/gateposture/pkg/sources"
)

// uncertaintySource maps an uncertainty kind to the source system that
// resolves it.
func uncertaintySource(kind string) string {
	switch kind {
	case "airport_status_unknown":
		return signals.SourceFAA
	case "weather_conditions_unknown":
		return signals.SourceMETAR
	case "forecast_unknown":
		return signals.SourceTAF
	case "alert_status_unknown":
		return signals.SourceNWS
	case "movement_data_unknown":
		return signals.SourceADSB
	default:
		return ""
	}
}

func signalsCriticality(source string) contracts.Criticality {
	return signals.Criticality(source)
}

func planProposals(belief *contracts.BeliefState, posture contracts.Posture) []contracts.ProposedAction {
	return planner.Plan(belief, posture)
}

// investigate runs one fetch round: plan the highest-value fetches, run
// them through the source pool, ingest what succeeds, record what fails,
// then refresh the derived signal snapshot.
func (o *Orchestrator) investigate(ctx context.Context, r *run) error {
	plans := planner.PlanInvestigations(r.belief, fetchesPerRound)
	kept := plans[:0]
	for _, p := range plans {
		if !r.permFailed[p.UncertaintyKind] {
			kept = append(kept, p)
		}
	}
	plans = kept
	if len(plans) == 0 {
		return o.refreshSnapshot(ctx, r)
	}

	tools := make([]string, len(plans))
	for i, p := range plans {
		tools[i] = p.Tool
		o.trace(ctx, r, contracts.TraceToolCall, "tool", p.Tool, map[string]any{
			"uncertainty": p.UncertaintyKind,
			"net_value":   p.NetValue,
		})
	}

	outcomes := o.registry.FetchAll(ctx, r.belief.AirportICAO, tools)
	for i, out := range outcomes {
		r.belief.ToolCalls++
		plan := plans[i]
		if out.Err != nil {
			if err := o.recordFetchFailure(ctx, r, plan, out.Err); err != nil {
				return err
			}
			continue
		}
		if err := o.ingest(ctx, r, plan, out.Result); err != nil {
			return err
		}
	}
	return o.refreshSnapshot(ctx, r)
}

// recordFetchFailure files (or refreshes) the missing-evidence request
// for a failed fetch. Permanent failures stop further retries.
func (o *Orchestrator) recordFetchFailure(ctx context.Context, r *run, plan planner.Investigation, srcErr *contracts.SourceError) error {
	o.trace(ctx, r, contracts.TraceToolResult, "tool", plan.Tool, map[string]any{
		"error": srcErr.Error(),
		"kind":  string(srcErr.Kind),
	})
	if srcErr.Kind == contracts.SourcePermanent {
		r.permFailed[plan.UncertaintyKind] = true
	}
	if r.merIDs[plan.UncertaintyKind] != "" {
		return nil
	}
	req := &contracts.MissingEvidenceRequest{
		CaseID:       r.c.ID,
		SourceSystem: srcErr.Source,
		RequestType:  plan.Tool,
		Params:       map[string]any{"airport": r.belief.AirportICAO},
		Reason:       srcErr.Error(),
		Criticality:  signals.Criticality(srcErr.Source),
		NonRetryable: srcErr.Kind == contracts.SourcePermanent,
	}
	if err := o.cases.RecordMissing(ctx, req); err != nil {
		return err
	}
	r.merIDs[plan.UncertaintyKind] = req.ID
	for i := range r.belief.Uncertainties {
		if r.belief.Uncertainties[i].Kind == plan.UncertaintyKind {
			r.belief.Uncertainties[i].MissingRequestID = req.ID
		}
	}
	return nil
}

// ingest stores the payload as evidence, derives the typed signal edges,
// and settles the uncertainty the fetch answered.
func (o *Orchestrator) ingest(ctx context.Context, r *run, plan planner.Investigation, res *sources.Result) error {
	observed := observedAt(res)
	ev, err := o.evidence.Put(ctx, evidence.PutInput{
		SourceSystem:   res.Source,
		SourceRef:      res.SourceRef,
		ContentType:    res.ContentType,
		Payload:        res.Payload,
		EventTimeStart: observed,
		Meta:           map[string]any{"tool": plan.Tool, "case_id": r.c.ID},
	})
	if err != nil {
		return err
	}
	o.trace(ctx, r, contracts.TraceToolResult, "evidence", ev.ID, map[string]any{
		"tool":   plan.Tool,
		"source": res.Source,
	})

	var edges []contracts.Edge
	switch {
	case res.FAAStatus != nil:
		e, err := o.deriver.DeriveFAAStatus(ctx, *res.FAAStatus, ev.ID)
		if err != nil {
			return err
		}
		edges = []contracts.Edge{*e}
	case res.Weather != nil:
		e, err := o.deriver.DeriveWeather(ctx, *res.Weather, ev.ID)
		if err != nil {
			return err
		}
		edges = []contracts.Edge{*e}
		r.belief.FlightCategory = res.Weather.FlightCategory
	case res.Forecast != nil:
		e, err := o.deriver.DeriveForecast(ctx, *res.Forecast, ev.ID)
		if err != nil {
			return err
		}
		edges = []contracts.Edge{*e}
	case res.Movement != nil:
		e, err := o.deriver.DeriveMovement(ctx, *res.Movement, ev.ID)
		if err != nil {
			return err
		}
		edges = []contracts.Edge{*e}
	default:
		edges, err = o.deriver.DeriveAlerts(ctx, r.belief.AirportICAO, res.Alerts, ev.ID)
		if err != nil {
			return err
		}
	}

	// Refetches dedupe to the same evidence row; cite it once.
	appendUnique(&r.belief.EvidenceIDs, ev.ID)
	appendUnique(&r.belief.ValidEvidenceIDs, ev.ID)
	appendUnique(&r.belief.EvidenceSources, res.Source)
	for _, e := range edges {
		r.belief.EdgeIDs = append(r.belief.EdgeIDs, e.ID)
	}
	if observed != nil && (r.belief.FirstSignalAt == nil || observed.Before(*r.belief.FirstSignalAt)) {
		t := *observed
		r.belief.FirstSignalAt = &t
	}
	r.belief.ResolveUncertainty(plan.UncertaintyID, ev.ID)

	if merID := r.merIDs[plan.UncertaintyKind]; merID != "" {
		if err := o.cases.ResolveMissing(ctx, merID, ev.ID); err != nil {
			o.log.Warn("missing-evidence resolution failed", "case_id", r.c.ID, "error", err)
		}
		delete(r.merIDs, plan.UncertaintyKind)
	}
	return nil
}

func observedAt(res *sources.Result) *time.Time {
	var t time.Time
	switch {
	case res.FAAStatus != nil:
		t = res.FAAStatus.ObservedAt
	case res.Weather != nil:
		t = res.Weather.ObservedAt
	case res.Forecast != nil:
		t = res.Forecast.IssuedAt
	case res.Movement != nil:
		t = res.Movement.ObservedAt
	default:
		return nil
	}
	if t.IsZero() {
		return nil
	}
	return &t
}

// refreshSnapshot re-runs contradiction detection and rebuilds the
// derived signal snapshot from the currently visible edges.
func (o *Orchestrator) refreshSnapshot(ctx context.Context, r *run) error {
	found, err := o.detector.Detect(ctx, r.belief.AirportICAO)
	if err != nil {
		return err
	}
	open := 0
	stale := false
	for _, c := range found {
		if c.ResolutionStatus != contracts.ContradictionOpen {
			continue
		}
		open++
		if c.Kind == signals.ContradictionStaleFAA {
			stale = true
		}
	}
	r.belief.ContradictionCount = open
	r.belief.HasStaleEvidence = stale

	snap := &Snapshot{Belief: r.belief, FlightCategory: r.belief.FlightCategory}
	node, err := o.graph.NodeByIdentity(ctx, "AIRPORT", r.belief.AirportICAO)
	if errors.Is(err, graph.ErrNotFound) {
		r.snapshot = snap
		return nil
	}
	if err != nil {
		return err
	}
	now := o.clock.Now()
	edges, err := o.graph.Neighbors(ctx, node.ID, now, now)
	if err != nil {
		return err
	}
	for _, e := range edges {
		attrs := e.Attrs
		switch e.Type {
		case signals.EdgeHasStatus:
			snap.AirportStatus, _ = attrs["status"].(string)
			snap.StatusReason, _ = attrs["reason"].(string)
		case signals.EdgeHasWeather:
			snap.WeatherSeverity, _ = attrs["severity"].(string)
			if fc, ok := attrs["flight_category"].(string); ok {
				snap.FlightCategory = fc
				r.belief.FlightCategory = fc
			}
		case signals.EdgeHasForecast:
			snap.ForecastSeverity, _ = attrs["severity"].(string)
			snap.ForecastCategory, _ = attrs["flight_category"].(string)
		case signals.EdgeHasAlert:
			if active, ok := attrs["active"].(bool); ok && active {
				snap.AlertsActive = true
			}
		case signals.EdgeHasMovement:
			if collapsed, ok := attrs["collapsed"].(bool); ok && collapsed {
				snap.MovementCollapsed = true
			}
		}
	}
	r.snapshot = snap
	return nil
}

func appendUnique(list *[]string, v string) {
	for _, s := range *list {
		if s == v {
			return
		}
	}
	*list = append(*list, v)
}
