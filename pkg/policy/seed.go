package policy

import (
	"context"

	"github.com/windward-ops/gateposture/pkg/contracts"
)

// Policy types.
const (
	TypeEvidence = "EVIDENCE"
	TypePosture  = "POSTURE"
	TypeApproval = "APPROVAL"
)

// Effect actions. NEEDS_EVIDENCE does not escalate the verdict; it asks
// the orchestrator for another investigation pass.
const (
	EffectAllow           = "ALLOW"
	EffectRequireApproval = "REQUIRE_APPROVAL"
	EffectNeedsEvidence   = "NEEDS_EVIDENCE"
	EffectBlock           = "BLOCK"
)

func effect(action string, extra map[string]any) map[string]any {
	e := map[string]any{"action": action}
	for k, v := range extra {
		e[k] = v
	}
	return e
}

// seedPolicies is the baseline rule set loaded at startup. Seeding is
// idempotent through the text-hash key.
var seedPolicies = []contracts.Policy{
	{
		Type: TypeEvidence,
		Text: "Open contradictions require evidence resolution before posture decision",
		Conditions: conditionSet(
			Condition{Field: "has_contradictions", Op: OpEq, Value: true},
		),
		Effects: effect(EffectNeedsEvidence, map[string]any{
			"needs_evidence": []any{"CONTRADICTION_RESOLUTION"},
		}),
	},
	{
		Type: TypeEvidence,
		Text: "Posture changes require at least 2 evidence sources",
		Conditions: conditionSet(
			Condition{Field: "evidence_count", Op: OpLt, Value: 2},
		),
		Effects: effect(EffectBlock, map[string]any{
			"needs_evidence": []any{"ADDITIONAL_SOURCE"},
		}),
	},
	{
		Type: TypeEvidence,
		Text: "Shipment-level actions require booking evidence",
		Conditions: conditionSet(
			Condition{Field: "has_shipment_action", Op: OpEq, Value: true},
			Condition{Field: "has_booking_evidence", Op: OpEq, Value: false},
		),
		Effects: effect(EffectBlock, map[string]any{
			"needs_evidence": []any{"BOOKING"},
		}),
	},
	{
		Type: TypePosture,
		Text: "Open contradictions with stale evidence require RESTRICT posture",
		Conditions: conditionSet(
			Condition{Field: "has_contradictions", Op: OpEq, Value: true},
			Condition{Field: "has_stale_evidence", Op: OpEq, Value: true},
			Condition{Field: "proposed_posture", Op: OpEq, Value: "ACCEPT"},
		),
		Effects: effect(EffectBlock, map[string]any{
			"warning": "cannot ACCEPT with open contradictions and stale evidence",
		}),
	},
	{
		Type: TypeApproval,
		Text: "HIGH or CRITICAL risk actions require human approval",
		Conditions: conditionSet(
			Condition{Field: "risk_level", Op: OpIn, Value: []any{"HIGH", "CRITICAL"}},
		),
		Effects: effect(EffectRequireApproval, nil),
	},
	{
		Type: TypeApproval,
		Text: "Premium SLA posture changes within 48h require approval",
		Conditions: conditionSet(
			Condition{Field: "service_tier", Op: OpEq, Value: "PREMIUM"},
			Condition{Field: "hours_until_deadline", Op: OpGt, Value: 0},
			Condition{Field: "hours_until_deadline", Op: OpLt, Value: 48},
		),
		Effects: effect(EffectRequireApproval, nil),
	},
	{
		Type: TypeApproval,
		Text: "Actions with cost exposure above $10,000 require approval",
		Conditions: conditionSet(
			Condition{Field: "estimated_cost", Op: OpGt, Value: 10000},
		),
		Effects: effect(EffectRequireApproval, nil),
	},
	{
		Type: TypePosture,
		Text: "CRITICAL risk level prohibits ACCEPT posture",
		Conditions: conditionSet(
			Condition{Field: "risk_level", Op: OpEq, Value: "CRITICAL"},
			Condition{Field: "proposed_posture", Op: OpEq, Value: "ACCEPT"},
		),
		Effects: effect(EffectBlock, map[string]any{
			"warning": "ACCEPT posture is prohibited under CRITICAL risk",
		}),
	},
	{
		Type: TypePosture,
		Text: "HIGH risk recommends HOLD or ESCALATE posture",
		Conditions: conditionSet(
			Condition{Field: "risk_level", Op: OpEq, Value: "HIGH"},
			Condition{Field: "proposed_posture", Op: OpNotIn, Value: []any{"HOLD", "ESCALATE"}},
		),
		Effects: effect(EffectAllow, map[string]any{
			"warning": "HIGH risk recommends HOLD or ESCALATE posture",
		}),
	},
	{
		Type: TypePosture,
		Text: "LOW risk allows ACCEPT posture for normal operations",
		Conditions: conditionSet(
			Condition{Field: "risk_level", Op: OpEq, Value: "LOW"},
			Condition{Field: "proposed_posture", Op: OpEq, Value: "ACCEPT"},
		),
		Effects: effect(EffectAllow, nil),
	},
	{
		Type: TypePosture,
		Text: "MEDIUM risk allows RESTRICT posture",
		Conditions: conditionSet(
			Condition{Field: "risk_level", Op: OpEq, Value: "MEDIUM"},
			Condition{Field: "proposed_posture", Op: OpEq, Value: "RESTRICT"},
		),
		Effects: effect(EffectAllow, nil),
	},
	{
		Type: TypeEvidence,
		Text: "Weather data must be available for disruption assessment",
		Conditions: conditionSet(
			Condition{Field: "has_weather", Op: OpEq, Value: false},
		),
		Effects: effect(EffectBlock, map[string]any{
			"needs_evidence": []any{"METAR"},
		}),
	},
	{
		Type: TypePosture,
		Text: "IFR/LIFR weather conditions trigger posture review",
		Conditions: conditionSet(
			Condition{Field: "flight_category", Op: OpIn, Value: []any{"IFR", "LIFR"}},
			Condition{Field: "proposed_posture", Op: OpEq, Value: "ACCEPT"},
		),
		Effects: effect(EffectRequireApproval, nil),
	},
}

// Seed loads the baseline policy set.
func Seed(ctx context.Context, store *Store) error {
	for _, p := range seedPolicies {
		if _, err := store.Upsert(ctx, p); err != nil {
			return err
		}
	}
	return nil
}
