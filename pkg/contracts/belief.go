package contracts

import "time"

// Uncertainty is one open question the investigator still needs to resolve.
type Uncertainty struct {
	ID               string `json:"id"`
	Question         string `json:"question"`
	Kind             string `json:"kind"` // airport_status_unknown, weather_conditions_unknown, ...
	MissingRequestID string `json:"missing_request_id,omitempty"`
	Resolved         bool   `json:"resolved"`
	ResolvedBy       string `json:"resolved_by,omitempty"` // evidence id
}

// BeliefState is the structured summary of graph + missing-evidence state
// consumed by the policy engine and the planner. It is assembled from
// graph reads, never from free-form model output.
type BeliefState struct {
	CaseID      string `json:"case_id"`
	AirportICAO string `json:"airport_icao,omitempty"`

	CurrentPosture Posture   `json:"current_posture"`
	RiskLevel      RiskLevel `json:"risk_level,omitempty"`

	EvidenceIDs      []string `json:"evidence_ids"`
	ValidEvidenceIDs []string `json:"valid_evidence_ids"`
	ErrorEvidenceIDs []string `json:"error_evidence_ids"`
	ClaimIDs         []string `json:"claim_ids"`
	EdgeIDs          []string `json:"edge_ids"`
	EvidenceSources  []string `json:"evidence_sources"`

	Uncertainties      []Uncertainty `json:"uncertainties"`
	ContradictionCount int           `json:"contradiction_count"`
	HasStaleEvidence   bool          `json:"has_stale_evidence"`
	FlightCategory     string        `json:"flight_category,omitempty"`

	ServiceTier        string  `json:"service_tier,omitempty"`
	HoursUntilDeadline float64 `json:"hours_until_deadline,omitempty"`
	EstimatedCost      float64 `json:"estimated_cost,omitempty"`

	FirstSignalAt *time.Time `json:"first_signal_at,omitempty"`

	Iterations   int `json:"iterations"`
	MaxIter      int `json:"max_iterations"`
	ToolCalls    int `json:"tool_calls"`
	MaxToolCalls int `json:"max_tool_calls"`
}

// NewBeliefState returns a belief state with the default budgets.
func NewBeliefState(caseID, airport string) *BeliefState {
	return &BeliefState{
		CaseID:         caseID,
		AirportICAO:    airport,
		CurrentPosture: PostureHold,
		MaxIter:        10,
		MaxToolCalls:   50,
	}
}

// OpenUncertainties returns the unresolved uncertainties.
func (b *BeliefState) OpenUncertainties() []Uncertainty {
	var open []Uncertainty
	for _, u := range b.Uncertainties {
		if !u.Resolved {
			open = append(open, u)
		}
	}
	return open
}

// ResolveUncertainty marks the uncertainty resolved by an evidence row.
func (b *BeliefState) ResolveUncertainty(id, evidenceID string) {
	for i := range b.Uncertainties {
		if b.Uncertainties[i].ID == id {
			b.Uncertainties[i].Resolved = true
			b.Uncertainties[i].ResolvedBy = evidenceID
			return
		}
	}
}

// BudgetRemaining reports whether the iteration and tool-call budgets hold.
func (b *BeliefState) BudgetRemaining() bool {
	return b.Iterations < b.MaxIter && b.ToolCalls < b.MaxToolCalls
}

// HasSource reports whether evidence from the named source was gathered.
func (b *BeliefState) HasSource(source string) bool {
	for _, s := range b.EvidenceSources {
		if s == source {
			return true
		}
	}
	return false
}

// PolicyContext flattens the belief state into the evaluation context
// the policy engine and CEL expressions see.
func (b *BeliefState) PolicyContext(proposedActions []ProposedAction) map[string]any {
	actionTypes := make([]string, 0, len(proposedActions))
	hasShipment := false
	for _, a := range proposedActions {
		actionTypes = append(actionTypes, string(a.Type))
		if IsShipmentAction(a.Type) {
			hasShipment = true
		}
	}
	return map[string]any{
		"risk_level":           string(b.RiskLevel),
		"proposed_posture":     string(b.CurrentPosture),
		"posture":              string(b.CurrentPosture),
		"evidence_sources":     b.EvidenceSources,
		"evidence_count":       len(b.ValidEvidenceIDs),
		"min_evidence_count":   len(b.ValidEvidenceIDs),
		"has_contradictions":   b.ContradictionCount > 0,
		"has_stale_evidence":   b.HasStaleEvidence,
		"has_weather":          b.HasSource("METAR"),
		"has_booking_evidence": b.HasSource("BOOKING"),
		"proposed_actions":     actionTypes,
		"has_shipment_action":  hasShipment,
		"estimated_cost":       b.EstimatedCost,
		"service_tier":         b.ServiceTier,
		"hours_until_deadline": b.HoursUntilDeadline,
		"flight_category":      b.FlightCategory,
	}
}

// Summary is the structured view persisted into trace_event meta.
func (b *BeliefState) Summary() map[string]any {
	return map[string]any{
		"airport_icao":        b.AirportICAO,
		"evidence_count":      len(b.EvidenceIDs),
		"uncertainty_count":   len(b.OpenUncertainties()),
		"contradiction_count": b.ContradictionCount,
		"current_posture":     string(b.CurrentPosture),
		"iterations":          b.Iterations,
		"tool_calls":          b.ToolCalls,
	}
}

// ProposedAction is a planner output not yet submitted to governance.
type ProposedAction struct {
	Type                 ActionType     `json:"type"`
	Args                 map[string]any `json:"args"`
	Score                float64        `json:"score"`
	RiskLevel            RiskLevel      `json:"risk_level"`
	RequiresApproval     bool           `json:"requires_approval"`
	RequiresNotification bool           `json:"requires_notification"`
	PlaybookGuided       bool           `json:"playbook_guided,omitempty"`
}

// IsShipmentAction reports whether the action type operates at shipment
// level and therefore requires booking evidence.
func IsShipmentAction(t ActionType) bool {
	switch t {
	case ActionHoldCargo, ActionReleaseCargo, ActionSwitchGateway,
		ActionRebookFlight, ActionUpgradeService, ActionNotifyCustomer, ActionFileClaim:
		return true
	}
	return false
}
