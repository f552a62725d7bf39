package contracts

import "time"

// ClaimSummary is a claim as cited inside a Decision Packet.
type ClaimSummary struct {
	ClaimID     string   `json:"claim_id"`
	Text        string   `json:"text"`
	Status      string   `json:"status"`
	Confidence  float64  `json:"confidence"`
	EvidenceIDs []string `json:"evidence_ids"`
}

// EvidenceSummary is an evidence row as cited inside a Decision Packet.
type EvidenceSummary struct {
	EvidenceID   string    `json:"evidence_id"`
	SourceSystem string    `json:"source_system"`
	RetrievedAt  time.Time `json:"retrieved_at"`
	Excerpt      string    `json:"excerpt,omitempty"`
}

// ContradictionSummary is a contradiction as cited inside a Decision Packet.
type ContradictionSummary struct {
	RowA             string `json:"row_a"`
	RowB             string `json:"row_b"`
	Kind             string `json:"kind"`
	ResolutionStatus string `json:"resolution_status"`
}

// PolicyApplied records one policy that contributed to the decision.
type PolicyApplied struct {
	TextHash   string `json:"text_hash"`
	PolicyText string `json:"policy_text"`
	Effect     string `json:"effect"`
}

// ActionSummary is an action as recorded inside a Decision Packet.
type ActionSummary struct {
	ActionID  string         `json:"action_id"`
	Type      ActionType     `json:"type"`
	Args      map[string]any `json:"args"`
	State     ActionState    `json:"state"`
	RiskLevel RiskLevel      `json:"risk_level"`
}

// BlockedSection explains why a case could not resolve.
type BlockedSection struct {
	IsBlocked               bool                     `json:"is_blocked"`
	Reason                  string                   `json:"reason,omitempty"`
	MissingEvidenceRequests []MissingEvidenceRequest `json:"missing_evidence_requests,omitempty"`
}

// ConfidenceBreakdown explains how the decision confidence was assembled.
type ConfidenceBreakdown struct {
	SourcesOK      []string           `json:"sources_ok"`
	SourcesMissing []string           `json:"sources_missing"`
	Penalties      map[string]float64 `json:"penalties,omitempty"`
	Confidence     float64            `json:"confidence"`
	Explanation    string             `json:"explanation,omitempty"`
}

// CascadeImpact summarizes downstream exposure for the case scope.
type CascadeImpact struct {
	Flights     []map[string]any `json:"flights,omitempty"`
	Shipments   []map[string]any `json:"shipments,omitempty"`
	Bookings    []map[string]any `json:"bookings,omitempty"`
	SLAExposure map[string]any   `json:"sla_exposure,omitempty"`
}

// PacketMetrics carries the operational metrics of a decision, including
// PDL (Posture Decision Latency): wall-clock from first signal ingested
// to posture emitted.
type PacketMetrics struct {
	FirstSignalAt      *time.Time `json:"first_signal_at,omitempty"`
	PostureEmittedAt   *time.Time `json:"posture_emitted_at,omitempty"`
	PDLSeconds         float64    `json:"pdl_seconds"`
	EvidenceCount      int        `json:"evidence_count"`
	ContradictionCount int        `json:"contradiction_count"`
	ActionCount        int        `json:"action_count"`
	Iterations         int        `json:"iterations"`
}

// DecisionPacket is the immutable audit artifact emitted per case.
// Every claim cites evidence; the packet is never mutated after sealing.
type DecisionPacket struct {
	CaseID   string         `json:"case_id"`
	CaseType CaseType       `json:"case_type"`
	Scope    map[string]any `json:"scope"`

	Posture   Posture `json:"posture"`
	Rationale string  `json:"rationale,omitempty"`

	Claims          []ClaimSummary         `json:"claims"`
	Evidence        []EvidenceSummary      `json:"evidence"`
	Contradictions  []ContradictionSummary `json:"contradictions"`
	PoliciesApplied []PolicyApplied        `json:"policies_applied"`

	ActionsProposed []ActionSummary `json:"actions_proposed"`
	ActionsExecuted []ActionSummary `json:"actions_executed"`

	Blocked             BlockedSection      `json:"blocked_section"`
	WorkflowTrace       []TraceEvent        `json:"workflow_trace"`
	ConfidenceBreakdown ConfidenceBreakdown `json:"confidence_breakdown"`
	Cascade             *CascadeImpact      `json:"cascade_impact,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Metrics     PacketMetrics `json:"metrics"`

	// ContentHash is the lowercase hex SHA-256 over the canonical (JCS)
	// JSON of the packet minus this field.
	ContentHash string `json:"content_hash,omitempty"`
}

// Playbook is a mined, retrievable action template.
type Playbook struct {
	ID             string         `json:"id"`
	Name           string         `json:"name"`
	Domain         string         `json:"domain"` // weather, operational, customs
	Pattern        map[string]any `json:"pattern"`
	ActionTemplate map[string]any `json:"action_template"`
	Stats          PlaybookStats  `json:"stats"`
	PolicySnapshot []string       `json:"policy_snapshot"` // sorted 12-hex text hashes
	LastUsedAt     *time.Time     `json:"last_used_at,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
}

// PlaybookStats tracks usage outcomes.
type PlaybookStats struct {
	UseCount     int `json:"use_count"`
	SuccessCount int `json:"success_count"`
}

// SuccessRate returns the success fraction, 0.5 when unused.
func (s PlaybookStats) SuccessRate() float64 {
	if s.UseCount == 0 {
		return 0.5
	}
	return float64(s.SuccessCount) / float64(s.UseCount)
}
