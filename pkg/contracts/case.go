// Package contracts holds the shared, JSON-tagged types exchanged between
// the stores, the orchestrator, and the API surface.
package contracts

import "time"

// Posture is the gateway directive issued by a case. It is the primary
// output of the system.
type Posture string

const (
	PostureAccept   Posture = "ACCEPT"   // accept new bookings
	PostureRestrict Posture = "RESTRICT" // restrict specific service tiers / SLAs
	PostureHold     Posture = "HOLD"     // hold tendering until evidence clears
	PostureEscalate Posture = "ESCALATE" // escalate to duty manager
)

// RiskLevel is the assessed operational risk for a case scope.
type RiskLevel string

const (
	RiskLow      RiskLevel = "LOW"
	RiskMedium   RiskLevel = "MEDIUM"
	RiskHigh     RiskLevel = "HIGH"
	RiskCritical RiskLevel = "CRITICAL"
)

// CaseType distinguishes the two disruption scopes.
type CaseType string

const (
	CaseAirportDisruption CaseType = "AIRPORT_DISRUPTION"
	CaseLaneDisruption    CaseType = "LANE_DISRUPTION"
)

// CaseStatus is the lifecycle status of a case. Cases are append-only
// once RESOLVED.
type CaseStatus string

const (
	CaseOpen     CaseStatus = "OPEN"
	CaseBlocked  CaseStatus = "BLOCKED"
	CaseResolved CaseStatus = "RESOLVED"
	CaseFailed   CaseStatus = "FAILED"
)

// Case is one disruption investigation bound to a scope (airport or lane).
type Case struct {
	ID         string         `json:"id"`
	CaseType   CaseType       `json:"case_type"`
	Scope      map[string]any `json:"scope"`
	Status     CaseStatus     `json:"status"`
	CreatedAt  time.Time      `json:"created_at"`
	ResolvedAt *time.Time     `json:"resolved_at,omitempty"`
}

// Airport returns the airport ICAO from the case scope, if present.
func (c *Case) Airport() string {
	if v, ok := c.Scope["airport"].(string); ok {
		return v
	}
	return ""
}

// Criticality grades a missing-evidence request.
type Criticality string

const (
	CriticalityBlocking      Criticality = "BLOCKING"
	CriticalityDegraded      Criticality = "DEGRADED"
	CriticalityInformational Criticality = "INFORMATIONAL"
)

// MissingEvidenceRequest is the first-class record of evidence that could
// not be fetched: what was requested, why it failed, and how critical the
// gap is. An open BLOCKING request forces the case to BLOCKED.
type MissingEvidenceRequest struct {
	ID                 string         `json:"id"`
	CaseID             string         `json:"case_id"`
	SourceSystem       string         `json:"source_system"`
	RequestType        string         `json:"request_type"`
	Params             map[string]any `json:"params,omitempty"`
	Reason             string         `json:"reason"`
	Criticality        Criticality    `json:"criticality"`
	NonRetryable       bool           `json:"non_retryable,omitempty"`
	CreatedAt          time.Time      `json:"created_at"`
	ResolvedAt         *time.Time     `json:"resolved_at,omitempty"`
	ResolvedByEvidence string         `json:"resolved_by_evidence,omitempty"`
}

// TraceEventType enumerates the per-case ordered trace events.
type TraceEventType string

const (
	TraceStateEnter    TraceEventType = "STATE_ENTER"
	TraceStateExit     TraceEventType = "STATE_EXIT"
	TraceToolCall      TraceEventType = "TOOL_CALL"
	TraceToolResult    TraceEventType = "TOOL_RESULT"
	TraceHandoff       TraceEventType = "HANDOFF"
	TraceGuardrailFail TraceEventType = "GUARDRAIL_FAIL"
	TraceBlocked       TraceEventType = "BLOCKED"
)

// TraceEvent is one entry in a case's strictly increasing trace sequence.
// Only structured data is persisted, never chain-of-thought.
type TraceEvent struct {
	ID        string         `json:"id"`
	CaseID    string         `json:"case_id"`
	Seq       int64          `json:"seq"`
	EventType TraceEventType `json:"event_type"`
	RefType   string         `json:"ref_type,omitempty"`
	RefID     string         `json:"ref_id,omitempty"`
	Meta      map[string]any `json:"meta,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}
