package contracts

import "time"

// Evidence is one immutable index row over content-addressed raw bytes.
// Identity is (SourceSystem, SourceRef, ContentSHA256); repeated ingestion
// of identical bytes dedups to the same row.
type Evidence struct {
	ID             string         `json:"id"`
	SourceSystem   string         `json:"source_system"`
	SourceRef      string         `json:"source_ref"`
	ContentSHA256  string         `json:"content_sha256"`
	ContentType    string         `json:"content_type"`
	RetrievedAt    time.Time      `json:"retrieved_at"`
	EventTimeStart *time.Time     `json:"event_time_start,omitempty"`
	EventTimeEnd   *time.Time     `json:"event_time_end,omitempty"`
	Excerpt        string         `json:"excerpt,omitempty"`
	Meta           map[string]any `json:"meta,omitempty"`
}

// ActionType is the closed set of executable action types.
type ActionType string

const (
	// Shipment-level actions (require booking evidence).
	ActionHoldCargo      ActionType = "HOLD_CARGO"
	ActionReleaseCargo   ActionType = "RELEASE_CARGO"
	ActionSwitchGateway  ActionType = "SWITCH_GATEWAY"
	ActionRebookFlight   ActionType = "REBOOK_FLIGHT"
	ActionUpgradeService ActionType = "UPGRADE_SERVICE"
	ActionNotifyCustomer ActionType = "NOTIFY_CUSTOMER"
	ActionFileClaim      ActionType = "FILE_CLAIM"

	// Posture-level.
	ActionSetPosture ActionType = "SET_POSTURE"

	// Operational.
	ActionPublishGatewayAdvisory ActionType = "PUBLISH_GATEWAY_ADVISORY"
	ActionUpdateBookingRules     ActionType = "UPDATE_BOOKING_RULES"
	ActionTriggerReevaluation    ActionType = "TRIGGER_REEVALUATION"
	ActionEscalateOps            ActionType = "ESCALATE_OPS"
)

// ActionState is the governance state machine state of an action.
type ActionState string

const (
	ActionProposed        ActionState = "PROPOSED"
	ActionPendingApproval ActionState = "PENDING_APPROVAL"
	ActionApproved        ActionState = "APPROVED"
	ActionExecuting       ActionState = "EXECUTING"
	ActionCompleted       ActionState = "COMPLETED"
	ActionFailed          ActionState = "FAILED"
	ActionRolledBack      ActionState = "ROLLED_BACK"
)

// Terminal reports whether the state admits no further transitions short
// of operator rollback.
func (s ActionState) Terminal() bool {
	return s == ActionCompleted || s == ActionFailed || s == ActionRolledBack
}

// Action is one governed intervention bound to a case.
type Action struct {
	ID               string         `json:"id"`
	CaseID           string         `json:"case_id"`
	Type             ActionType     `json:"type"`
	Args             map[string]any `json:"args"`
	RiskLevel        RiskLevel      `json:"risk_level"`
	RequiresApproval bool           `json:"requires_approval"`
	State            ActionState    `json:"state"`
	ApprovedBy       string         `json:"approved_by,omitempty"`
	ApprovedAt       *time.Time     `json:"approved_at,omitempty"`
	CreatedAt        time.Time      `json:"created_at"`
}

// Outcome records the result of executing one action.
type Outcome struct {
	ID        string         `json:"id"`
	ActionID  string         `json:"action_id"`
	Success   bool           `json:"success"`
	Payload   map[string]any `json:"payload,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}
