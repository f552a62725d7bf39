package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/windward-ops/gateposture/pkg/contracts"
	"github.com/windward-ops/gateposture/pkg/signals"
)

// assessTimeout bounds one risk assessment call.
const assessTimeout = 30 * time.Second

// riskSchemaJSON is the contract for assessor output. Anything that does
// not validate is discarded and replaced with the conservative fallback.
const riskSchemaJSON = `{
	"type": "object",
	"required": ["risk_level", "recommended_posture", "confidence"],
	"properties": {
		"risk_level": {"enum": ["LOW", "MEDIUM", "HIGH", "CRITICAL"]},
		"recommended_posture": {"enum": ["ACCEPT", "RESTRICT", "HOLD", "ESCALATE"]},
		"confidence": {"type": "number", "minimum": 0, "maximum": 1},
		"confidence_breakdown": {"type": "object"},
		"rationale": {"type": "string"}
	}
}`

var riskSchema = jsonschema.MustCompileString("risk_record.json", riskSchemaJSON)

// Snapshot is the structured signal summary handed to the risk assessor:
// belief state plus the latest derived edge attributes, never raw text.
type Snapshot struct {
	Belief            *contracts.BeliefState `json:"belief"`
	AirportStatus     string                 `json:"airport_status,omitempty"`
	StatusReason      string                 `json:"status_reason,omitempty"`
	WeatherSeverity   string                 `json:"weather_severity,omitempty"`
	FlightCategory    string                 `json:"flight_category,omitempty"`
	ForecastSeverity  string                 `json:"forecast_severity,omitempty"`
	ForecastCategory  string                 `json:"forecast_category,omitempty"`
	AlertsActive      bool                   `json:"alerts_active"`
	MovementCollapsed bool                   `json:"movement_collapsed"`
}

// RiskAssessor produces a risk assessment for a snapshot. The output is
// raw JSON validated against the risk record schema: an assessor backed
// by a model influences the decision only through these typed fields.
type RiskAssessor interface {
	Assess(ctx context.Context, snap *Snapshot) (json.RawMessage, error)
}

// assessRisk runs the assessor under its timeout and schema-validates the
// result. Any failure degrades to the conservative fallback instead of
// failing the case.
func (o *Orchestrator) assessRisk(ctx context.Context, snap *Snapshot) *contracts.RiskRecord {
	actx, cancel := context.WithTimeout(ctx, assessTimeout)
	defer cancel()

	raw, err := o.assessor.Assess(actx, snap)
	if err != nil {
		o.log.Warn("risk assessor failed, using fallback", "case_id", snap.Belief.CaseID, "error", err)
		return fallbackRisk(err.Error())
	}
	var decoded any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return fallbackRisk(fmt.Sprintf("unparseable assessor output: %v", err))
	}
	if err := riskSchema.Validate(decoded); err != nil {
		o.log.Warn("risk assessor output failed validation", "case_id", snap.Belief.CaseID, "error", err)
		return fallbackRisk("assessor output failed schema validation")
	}
	var record contracts.RiskRecord
	if err := json.Unmarshal(raw, &record); err != nil {
		return fallbackRisk(fmt.Sprintf("undecodable assessor output: %v", err))
	}
	return &record
}

// fallbackRisk is the degraded assessment used when the assessor is
// unavailable or emits garbage: high risk, hold posture, low confidence.
func fallbackRisk(reason string) *contracts.RiskRecord {
	return &contracts.RiskRecord{
		RiskLevel:          contracts.RiskHigh,
		RecommendedPosture: contracts.PostureHold,
		Confidence:         0.3,
		Rationale:          "risk assessment degraded: " + reason,
		Degraded:           true,
	}
}

// HeuristicAssessor is the deterministic built-in assessor. It grades the
// snapshot with fixed rules; simulations and tests run on it, and it is
// the fallback configuration when no external assessor is wired.
type HeuristicAssessor struct{}

func (HeuristicAssessor) Assess(ctx context.Context, snap *Snapshot) (json.RawMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	record := heuristicRecord(snap)
	return json.Marshal(record)
}

func heuristicRecord(snap *Snapshot) contracts.RiskRecord {
	level := contracts.RiskLow
	posture := contracts.PostureAccept
	rationale := "no adverse signals"

	bump := func(l contracts.RiskLevel, p contracts.Posture, why string) {
		if riskRank(l) > riskRank(level) {
			level, posture, rationale = l, p, why
		}
	}

	switch snap.AirportStatus {
	case "CLOSURE":
		bump(contracts.RiskCritical, contracts.PostureEscalate, "airport closed")
	case "GROUND_STOP":
		bump(contracts.RiskHigh, contracts.PostureHold, "ground stop in effect")
	case "GROUND_DELAY":
		bump(contracts.RiskMedium, contracts.PostureRestrict, "ground delay program in effect")
	}
	switch snap.WeatherSeverity {
	case signals.SeverityHigh:
		bump(contracts.RiskHigh, contracts.PostureHold, "severe weather at airport")
	case signals.SeverityMedium:
		bump(contracts.RiskMedium, contracts.PostureRestrict, "marginal weather at airport")
	}
	// A severe forecast alone restricts; current conditions outrank it.
	if snap.ForecastSeverity == signals.SeverityHigh {
		bump(contracts.RiskMedium, contracts.PostureRestrict, "severe weather forecast in validity window")
	}
	if snap.MovementCollapsed {
		bump(contracts.RiskMedium, contracts.PostureRestrict, "aircraft movements collapsed below baseline")
	}
	if snap.Belief.ContradictionCount > 0 {
		bump(contracts.RiskMedium, contracts.PostureRestrict, "sources contradict each other")
	}

	confidence := 0.9
	breakdown := map[string]float64{"base": 0.9}
	if n := snap.Belief.ContradictionCount; n > 0 {
		penalty := 0.15 * float64(n)
		if penalty > 0.4 {
			penalty = 0.4
		}
		confidence -= penalty
		breakdown["contradictions"] = -penalty
	}
	if snap.Belief.HasStaleEvidence {
		confidence -= 0.1
		breakdown["stale_evidence"] = -0.1
	}
	if confidence < 0.3 {
		confidence = 0.3
	}

	return contracts.RiskRecord{
		RiskLevel:           level,
		RecommendedPosture:  posture,
		Confidence:          confidence,
		ConfidenceBreakdown: breakdown,
		Rationale:           rationale,
	}
}

func riskRank(l contracts.RiskLevel) int {
	switch l {
	case contracts.RiskCritical:
		return 3
	case contracts.RiskHigh:
		return 2
	case contracts.RiskMedium:
		return 1
	default:
		return 0
	}
}
