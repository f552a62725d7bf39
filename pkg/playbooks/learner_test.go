package playbooks

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/windward-ops/gateposture/pkg/contracts"
)

var fixedNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func setup(t *testing.T) (*Learner, *Store) {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	store, err := NewStore(db)
	require.NoError(t, err)
	store.WithClock(contracts.FixedClock{T: fixedNow})
	return NewLearner(store).WithClock(contracts.FixedClock{T: fixedNow}), store
}

func resolvedPacket() *contracts.DecisionPacket {
	return &contracts.DecisionPacket{
		CaseID:   "case-1",
		CaseType: contracts.CaseAirportDisruption,
		Posture:  contracts.PostureHold,
		Contradictions: []contracts.ContradictionSummary{
			{Kind: "FAA_WEATHER_MISMATCH", ResolutionStatus: "RESOLVED"},
		},
		ActionsExecuted: []contracts.ActionSummary{
			{Type: contracts.ActionSetPosture, Args: map[string]any{"posture": "HOLD"}, State: contracts.ActionCompleted},
			{Type: contracts.ActionPublishGatewayAdvisory, State: contracts.ActionCompleted},
		},
	}
}

func TestDecayHalfLife(t *testing.T) {
	assert.InDelta(t, 1.0, Decay(DomainWeather, 0), 1e-9)
	assert.InDelta(t, 0.5, Decay(DomainWeather, 30*24*time.Hour), 1e-9)
	assert.InDelta(t, 0.25, Decay(DomainWeather, 60*24*time.Hour), 1e-9)
	assert.InDelta(t, 0.5, Decay(DomainOperational, 90*24*time.Hour), 1e-9)
	assert.InDelta(t, 0.5, Decay(DomainCustoms, 180*24*time.Hour), 1e-9)
	// Unknown domain decays on the operational half-life.
	assert.InDelta(t, 0.5, Decay("mystery", 90*24*time.Hour), 1e-9)
}

func TestDecayLaw(t *testing.T) {
	params := gopter.DefaultTestParameters()
	params.MinSuccessfulTests = 200
	properties := gopter.NewProperties(params)

	properties.Property("decay is in (0, 1] and monotone in age", prop.ForAll(
		func(hours1, hours2 int) bool {
			a := Decay(DomainOperational, time.Duration(hours1)*time.Hour)
			b := Decay(DomainOperational, time.Duration(hours2)*time.Hour)
			if a <= 0 || a > 1 || b <= 0 || b > 1 {
				return false
			}
			if hours1 <= hours2 {
				return a >= b
			}
			return a <= b
		},
		gen.IntRange(0, 100000),
		gen.IntRange(0, 100000),
	))
	properties.TestingRun(t)
}

func TestLearnMinesPlaybook(t *testing.T) {
	learner, store := setup(t)
	ctx := context.Background()

	pb, err := learner.Learn(ctx, resolvedPacket(), nil)
	require.NoError(t, err)
	require.NotNil(t, pb)
	assert.Equal(t, DomainWeather, pb.Domain)
	assert.Equal(t, 1, pb.Stats.UseCount)

	actions := pb.ActionTemplate["actions"].([]any)
	assert.Len(t, actions, 2)

	// Same pattern again updates stats instead of duplicating.
	again, err := learner.Learn(ctx, resolvedPacket(), nil)
	require.NoError(t, err)
	require.NotNil(t, again)
	assert.Equal(t, pb.ID, again.ID)
	assert.Equal(t, 2, again.Stats.UseCount)

	all, err := store.List(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestLearnSkipsBlockedAndActionless(t *testing.T) {
	learner, _ := setup(t)
	ctx := context.Background()

	blocked := resolvedPacket()
	blocked.Blocked.IsBlocked = true
	pb, err := learner.Learn(ctx, blocked, nil)
	require.NoError(t, err)
	assert.Nil(t, pb)

	idle := resolvedPacket()
	idle.ActionsExecuted = nil
	pb, err = learner.Learn(ctx, idle, nil)
	require.NoError(t, err)
	assert.Nil(t, pb)
}

func TestMatchScoresAndThreshold(t *testing.T) {
	learner, store := setup(t)
	ctx := context.Background()

	pb, err := learner.Learn(ctx, resolvedPacket(), nil)
	require.NoError(t, err)
	require.NotNil(t, pb)

	belief := contracts.NewBeliefState("case-2", "KJFK")
	belief.ContradictionCount = 1
	belief.FlightCategory = "LIFR"

	candidate, err := learner.Match(ctx, belief, contracts.PostureHold, pb.PolicySnapshot)
	require.NoError(t, err)
	require.NotNil(t, candidate)
	assert.Equal(t, pb.ID, candidate.Playbook.ID)
	assert.InDelta(t, 1.0, candidate.PatternScore, 1e-9)

	// Posture mismatch disqualifies.
	candidate, err = learner.Match(ctx, belief, contracts.PostureAccept, pb.PolicySnapshot)
	require.NoError(t, err)
	assert.Nil(t, candidate)

	// A policy regime with no overlap zeroes the score.
	candidate, err = learner.Match(ctx, belief, contracts.PostureHold, []string{"ffffffffffff"})
	require.NoError(t, err)
	assert.Nil(t, candidate)

	_ = store
}

func TestMatchDiscountsStalePlaybooks(t *testing.T) {
	learner, store := setup(t)
	ctx := context.Background()

	pb, err := learner.Learn(ctx, resolvedPacket(), nil)
	require.NoError(t, err)
	require.NotNil(t, pb)

	belief := contracts.NewBeliefState("case-2", "KJFK")
	belief.ContradictionCount = 1
	belief.FlightCategory = "LIFR"

	// Five weather half-lives later the playbook decays below threshold.
	learner.WithClock(contracts.FixedClock{T: fixedNow.Add(5 * 30 * 24 * time.Hour)})
	candidate, err := learner.Match(ctx, belief, contracts.PostureHold, pb.PolicySnapshot)
	require.NoError(t, err)
	assert.Nil(t, candidate)

	_ = store
}
