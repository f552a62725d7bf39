package planner

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/windward-ops/gateposture/pkg/contracts"
)

func TestSpecCoversClosedSet(t *testing.T) {
	for _, at := range []contracts.ActionType{
		contracts.ActionSetPosture, contracts.ActionPublishGatewayAdvisory,
		contracts.ActionUpdateBookingRules, contracts.ActionTriggerReevaluation,
		contracts.ActionEscalateOps, contracts.ActionHoldCargo,
		contracts.ActionReleaseCargo, contracts.ActionSwitchGateway,
		contracts.ActionRebookFlight, contracts.ActionUpgradeService,
		contracts.ActionNotifyCustomer, contracts.ActionFileClaim,
	} {
		_, err := Spec(at)
		assert.NoError(t, err, "%s", at)
	}
	_, err := Spec("LAUNCH_ROCKET")
	assert.Error(t, err)
}

func TestHighRiskActionsRequireApproval(t *testing.T) {
	for _, at := range []contracts.ActionType{
		contracts.ActionSwitchGateway, contracts.ActionRebookFlight, contracts.ActionFileClaim,
	} {
		spec, err := Spec(at)
		require.NoError(t, err)
		assert.Equal(t, contracts.RiskHigh, spec.RiskLevel, "%s", at)
		assert.True(t, spec.RequiresApproval, "%s", at)
	}

	spec, err := Spec(contracts.ActionUpgradeService)
	require.NoError(t, err)
	assert.Equal(t, contracts.RiskMedium, spec.RiskLevel)
	assert.True(t, spec.RequiresApproval)

	for _, at := range []contracts.ActionType{contracts.ActionHoldCargo, contracts.ActionNotifyCustomer} {
		spec, err := Spec(at)
		require.NoError(t, err)
		assert.Equal(t, contracts.RiskMedium, spec.RiskLevel, "%s", at)
		assert.False(t, spec.RequiresApproval, "%s", at)
	}
}

func TestRollbackableSet(t *testing.T) {
	rollbackable := []contracts.ActionType{
		contracts.ActionSetPosture, contracts.ActionPublishGatewayAdvisory,
		contracts.ActionUpdateBookingRules, contracts.ActionTriggerReevaluation,
		contracts.ActionHoldCargo,
	}
	for _, at := range rollbackable {
		assert.True(t, Rollbackable(at), "%s", at)
	}
	for _, at := range []contracts.ActionType{
		contracts.ActionReleaseCargo, contracts.ActionSwitchGateway,
		contracts.ActionRebookFlight, contracts.ActionFileClaim,
		contracts.ActionNotifyCustomer, contracts.ActionEscalateOps,
	} {
		assert.False(t, Rollbackable(at), "%s", at)
	}
}

func TestPlanInvestigationsRanksByNetValue(t *testing.T) {
	belief := contracts.NewBeliefState("case-1", "KJFK")
	belief.Uncertainties = []contracts.Uncertainty{
		{ID: "u1", Kind: "movement_data_unknown"},
		{ID: "u2", Kind: "airport_status_unknown"},
		{ID: "u3", Kind: "weather_conditions_unknown"},
		{ID: "u4", Kind: "contradiction_unresolved"},
	}

	plans := PlanInvestigations(belief, 2)
	require.Len(t, plans, 2)
	// 1.0-0.1=0.9 then 0.8-0.1=0.7; opensky nets 0.5-0.3=0.2; the
	// contradiction kind has no fetch tool.
	assert.Equal(t, "fetch_faa_status", plans[0].Tool)
	assert.Equal(t, "fetch_weather", plans[1].Tool)
}

func TestPlanInvestigationsSkipsResolved(t *testing.T) {
	belief := contracts.NewBeliefState("case-1", "KJFK")
	belief.Uncertainties = []contracts.Uncertainty{
		{ID: "u1", Kind: "airport_status_unknown", Resolved: true},
	}
	assert.Empty(t, PlanInvestigations(belief, 2))
}

func TestPlanHoldPosture(t *testing.T) {
	belief := contracts.NewBeliefState("case-1", "KJFK")
	plan := Plan(belief, contracts.PostureHold)

	types := make([]contracts.ActionType, len(plan))
	for i, a := range plan {
		types[i] = a.Type
	}
	assert.Contains(t, types, contracts.ActionSetPosture)
	assert.Contains(t, types, contracts.ActionPublishGatewayAdvisory)
	assert.Contains(t, types, contracts.ActionUpdateBookingRules)
	assert.NotContains(t, types, contracts.ActionEscalateOps)
	assert.NotContains(t, types, contracts.ActionTriggerReevaluation)

	// The highest-scoring action leads.
	assert.Equal(t, contracts.ActionSetPosture, plan[0].Type)
	assert.Equal(t, "HOLD", plan[0].Args["posture"])
	assert.Equal(t, "KJFK", plan[0].Args["airport"])
}

func TestPlanAcceptPostureIsMinimal(t *testing.T) {
	belief := contracts.NewBeliefState("case-1", "KJFK")
	plan := Plan(belief, contracts.PostureAccept)
	require.Len(t, plan, 1)
	assert.Equal(t, contracts.ActionSetPosture, plan[0].Type)
}

func TestPlanEscalateWithContradictions(t *testing.T) {
	belief := contracts.NewBeliefState("case-1", "KJFK")
	belief.ContradictionCount = 2
	plan := Plan(belief, contracts.PostureEscalate)

	types := make([]contracts.ActionType, len(plan))
	for i, a := range plan {
		types[i] = a.Type
	}
	assert.Contains(t, types, contracts.ActionEscalateOps)
	assert.Contains(t, types, contracts.ActionTriggerReevaluation)
}

func TestPlanIsDeterministic(t *testing.T) {
	belief := contracts.NewBeliefState("case-1", "KJFK")
	belief.ContradictionCount = 1
	first := Plan(belief, contracts.PostureRestrict)
	for i := 0; i < 10; i++ {
		assert.Equal(t, first, Plan(belief, contracts.PostureRestrict))
	}
}
