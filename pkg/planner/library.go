// Package planner selects interventions for a case: a closed action
// library with governance attributes, investigation planning over open
// uncertainties, and a beam search over action sequences.
package planner

import (
	"fmt"

	"github.com/windward-ops/gateposture/pkg/contracts"
)

// ActionSpec is the governance and scoring profile of one action type.
type ActionSpec struct {
	Type                 contracts.ActionType
	RiskLevel            contracts.RiskLevel
	RequiresApproval     bool
	RequiresNotification bool
	RequiresBooking      bool
	Reversible           bool
	InterventionCost     float64
	ActionValue          float64
}

// library is the closed action set. Anything outside it is rejected at
// proposal time.
var library = map[contracts.ActionType]ActionSpec{
	contracts.ActionSetPosture: {
		Type: contracts.ActionSetPosture, RiskLevel: contracts.RiskLow,
		Reversible: true, InterventionCost: 0.0, ActionValue: 1.0,
	},
	contracts.ActionPublishGatewayAdvisory: {
		Type: contracts.ActionPublishGatewayAdvisory, RiskLevel: contracts.RiskLow,
		RequiresNotification: true, Reversible: true,
		InterventionCost: 0.1, ActionValue: 0.6,
	},
	contracts.ActionUpdateBookingRules: {
		Type: contracts.ActionUpdateBookingRules, RiskLevel: contracts.RiskMedium,
		Reversible: true, InterventionCost: 0.2, ActionValue: 0.5,
	},
	contracts.ActionTriggerReevaluation: {
		Type: contracts.ActionTriggerReevaluation, RiskLevel: contracts.RiskLow,
		Reversible: true, InterventionCost: 0.1, ActionValue: 0.4,
	},
	contracts.ActionEscalateOps: {
		Type: contracts.ActionEscalateOps, RiskLevel: contracts.RiskMedium,
		InterventionCost: 0.2, ActionValue: 0.7,
	},
	contracts.ActionHoldCargo: {
		Type: contracts.ActionHoldCargo, RiskLevel: contracts.RiskMedium,
		RequiresBooking: true, Reversible: true,
		InterventionCost: 0.5, ActionValue: 0.6,
	},
	contracts.ActionReleaseCargo: {
		Type: contracts.ActionReleaseCargo, RiskLevel: contracts.RiskMedium,
		RequiresBooking:  true,
		InterventionCost: 0.3, ActionValue: 0.5,
	},
	contracts.ActionSwitchGateway: {
		Type: contracts.ActionSwitchGateway, RiskLevel: contracts.RiskHigh,
		RequiresApproval: true, RequiresBooking: true,
		InterventionCost: 0.8, ActionValue: 0.7,
	},
	contracts.ActionRebookFlight: {
		Type: contracts.ActionRebookFlight, RiskLevel: contracts.RiskHigh,
		RequiresApproval: true, RequiresBooking: true,
		InterventionCost: 0.9, ActionValue: 0.8,
	},
	contracts.ActionUpgradeService: {
		Type: contracts.ActionUpgradeService, RiskLevel: contracts.RiskMedium,
		RequiresApproval: true, RequiresBooking: true,
		InterventionCost: 0.7, ActionValue: 0.5,
	},
	contracts.ActionNotifyCustomer: {
		Type: contracts.ActionNotifyCustomer, RiskLevel: contracts.RiskMedium,
		RequiresNotification: true, RequiresBooking: true,
		InterventionCost: 0.6, ActionValue: 0.6,
	},
	contracts.ActionFileClaim: {
		Type: contracts.ActionFileClaim, RiskLevel: contracts.RiskHigh,
		RequiresApproval: true, RequiresBooking: true,
		InterventionCost: 0.8, ActionValue: 0.5,
	},
}

// Spec looks up the library entry for an action type.
func Spec(t contracts.ActionType) (ActionSpec, error) {
	spec, ok := library[t]
	if !ok {
		return ActionSpec{}, fmt.Errorf("action type %q is not in the action library", t)
	}
	return spec, nil
}

// Rollbackable reports whether the action type supports rollback.
func Rollbackable(t contracts.ActionType) bool {
	spec, ok := library[t]
	return ok && spec.Reversible
}

// riskPenalties feed the planner's scoring.
var riskPenalties = map[contracts.RiskLevel]float64{
	contracts.RiskLow:    0.0,
	contracts.RiskMedium: 0.1,
	contracts.RiskHigh:   0.3,
}

const approvalPenalty = 0.1

// Score is the planner's net utility of one action.
func Score(spec ActionSpec) float64 {
	s := spec.ActionValue - spec.InterventionCost - riskPenalties[spec.RiskLevel]
	if spec.RequiresApproval {
		s -= approvalPenalty
	}
	return s
}
