package planner

import (
	"sort"

	"github.com/windward-ops/gateposture/pkg/contracts"
)

// Beam search parameters.
const (
	beamWidth = 4
	beamDepth = 4
)

// uncertaintyValues is the information value of resolving each open
// uncertainty kind.
var uncertaintyValues = map[string]float64{
	"airport_status_unknown":     1.0,
	"weather_conditions_unknown": 0.8,
	"alert_status_unknown":       0.7,
	"forecast_unknown":           0.6,
	"movement_data_unknown":      0.5,
	"contradiction_unresolved":   0.9,
}

// toolCosts is the cost of each investigation tool.
var toolCosts = map[string]float64{
	"fetch_faa_status": 0.1,
	"fetch_weather":    0.1,
	"fetch_taf":        0.1,
	"fetch_alerts":     0.1,
	"fetch_opensky":    0.3,
}

// uncertaintyTools maps each uncertainty kind to the tool that resolves it.
var uncertaintyTools = map[string]string{
	"airport_status_unknown":     "fetch_faa_status",
	"weather_conditions_unknown": "fetch_weather",
	"alert_status_unknown":       "fetch_alerts",
	"forecast_unknown":           "fetch_taf",
	"movement_data_unknown":      "fetch_opensky",
}

// Investigation is one planned evidence fetch.
type Investigation struct {
	Tool            string  `json:"tool"`
	UncertaintyID   string  `json:"uncertainty_id"`
	UncertaintyKind string  `json:"uncertainty_kind"`
	NetValue        float64 `json:"net_value"`
}

// PlanInvestigations ranks the open uncertainties by information value
// net of tool cost and returns the top max fetches. Kinds without a
// fetch tool (contradictions need resolution, not retrieval) are skipped.
func PlanInvestigations(belief *contracts.BeliefState, max int) []Investigation {
	var plans []Investigation
	for _, u := range belief.OpenUncertainties() {
		tool, ok := uncertaintyTools[u.Kind]
		if !ok {
			continue
		}
		plans = append(plans, Investigation{
			Tool:            tool,
			UncertaintyID:   u.ID,
			UncertaintyKind: u.Kind,
			NetValue:        uncertaintyValues[u.Kind] - toolCosts[tool],
		})
	}
	sort.SliceStable(plans, func(i, j int) bool { return plans[i].NetValue > plans[j].NetValue })
	if len(plans) > max {
		plans = plans[:max]
	}
	return plans
}

// candidates generates the action types worth considering for the
// recommended posture.
func candidates(belief *contracts.BeliefState, posture contracts.Posture) []contracts.ActionType {
	out := []contracts.ActionType{contracts.ActionSetPosture}
	if posture != contracts.PostureAccept {
		out = append(out, contracts.ActionPublishGatewayAdvisory)
	}
	if posture == contracts.PostureRestrict || posture == contracts.PostureHold {
		out = append(out, contracts.ActionUpdateBookingRules)
	}
	if posture == contracts.PostureEscalate {
		out = append(out, contracts.ActionEscalateOps)
	}
	if belief.ContradictionCount > 0 {
		out = append(out, contracts.ActionTriggerReevaluation)
	}
	return out
}

type beamState struct {
	actions []contracts.ActionType
	used    map[contracts.ActionType]bool
	score   float64
}

func (s beamState) extend(t contracts.ActionType, score float64) beamState {
	used := make(map[contracts.ActionType]bool, len(s.used)+1)
	for k := range s.used {
		used[k] = true
	}
	used[t] = true
	actions := make([]contracts.ActionType, len(s.actions), len(s.actions)+1)
	copy(actions, s.actions)
	return beamState{actions: append(actions, t), used: used, score: s.score + score}
}

// Plan runs the beam search and returns the best action sequence for the
// posture, as proposals carrying the library's governance attributes.
// The search is deterministic: ties break on library order of insertion
// into the candidate list.
func Plan(belief *contracts.BeliefState, posture contracts.Posture) []contracts.ProposedAction {
	cands := candidates(belief, posture)

	beam := []beamState{{used: map[contracts.ActionType]bool{}}}
	for depth := 0; depth < beamDepth; depth++ {
		var next []beamState
		for _, state := range beam {
			extended := false
			for _, t := range cands {
				if state.used[t] {
					continue
				}
				spec, err := Spec(t)
				if err != nil {
					continue
				}
				next = append(next, state.extend(t, Score(spec)))
				extended = true
			}
			if !extended {
				next = append(next, state)
			}
		}
		sort.SliceStable(next, func(i, j int) bool { return next[i].score > next[j].score })
		if len(next) > beamWidth {
			next = next[:beamWidth]
		}
		beam = next
	}

	best := beam[0]
	out := make([]contracts.ProposedAction, 0, len(best.actions))
	for _, t := range best.actions {
		spec, _ := Spec(t)
		args := map[string]any{}
		if t == contracts.ActionSetPosture {
			args["posture"] = string(posture)
		}
		if belief.AirportICAO != "" {
			args["airport"] = belief.AirportICAO
		}
		out = append(out, contracts.ProposedAction{
			Type:                 t,
			Args:                 args,
			Score:                Score(spec),
			RiskLevel:            spec.RiskLevel,
			RequiresApproval:     spec.RequiresApproval,
			RequiresNotification: spec.RequiresNotification,
		})
	}
	return out
}
