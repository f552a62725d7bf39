package contracts

import "time"

// Policy is a typed governance rule. Text is the unique key; Conditions
// and Effects are structured. A policy may additionally carry a CEL
// expression evaluated against the belief context.
type Policy struct {
	ID            string         `json:"id"`
	Type          string         `json:"type"`
	Text          string         `json:"text"`
	Conditions    map[string]any `json:"conditions"`
	Effects       map[string]any `json:"effects"`
	CELExpression string         `json:"cel_expression,omitempty"`
	EffectiveFrom time.Time      `json:"effective_from"`
	EffectiveTo   *time.Time     `json:"effective_to,omitempty"`
}

// PolicyVerdict is the merged outcome of policy evaluation.
// BLOCK dominates REQUIRE_APPROVAL, which dominates ALLOW.
type PolicyVerdict string

const (
	VerdictAllow           PolicyVerdict = "ALLOW"
	VerdictRequireApproval PolicyVerdict = "REQUIRE_APPROVAL"
	VerdictBlock           PolicyVerdict = "BLOCK"
)

// Dominates reports whether v outranks other in the merge order.
func (v PolicyVerdict) Dominates(other PolicyVerdict) bool {
	rank := map[PolicyVerdict]int{VerdictAllow: 0, VerdictRequireApproval: 1, VerdictBlock: 2}
	return rank[v] > rank[other]
}

// TriggeredEffect is one policy effect that fired during evaluation.
type TriggeredEffect struct {
	PolicyID   string         `json:"policy_id"`
	PolicyText string         `json:"policy_text"`
	TextHash   string         `json:"text_hash"` // 12-hex prefix over normalized text
	Action     string         `json:"action"`
	Params     map[string]any `json:"params,omitempty"`
}

// PolicyResult is the outcome of evaluating the active policy set
// against a belief state.
type PolicyResult struct {
	Verdict       PolicyVerdict     `json:"verdict"`
	NeedsEvidence bool              `json:"needs_evidence"`
	Effects       []TriggeredEffect `json:"effects"`
	Citations     []string          `json:"citations"` // text hashes of contributing policies
	Warnings      []string          `json:"warnings,omitempty"`
}

// RiskRecord is the structured output of the external RiskAssessor.
// LLM output is captured as structured values, never as control flow.
type RiskRecord struct {
	RiskLevel           RiskLevel          `json:"risk_level"`
	RecommendedPosture  Posture            `json:"recommended_posture"`
	Confidence          float64            `json:"confidence"`
	ConfidenceBreakdown map[string]float64 `json:"confidence_breakdown,omitempty"`
	Rationale           string             `json:"rationale,omitempty"`
	Degraded            bool               `json:"degraded,omitempty"` // assessor fallback applied
}
