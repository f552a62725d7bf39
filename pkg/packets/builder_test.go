package packets

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/windward-ops/gateposture/pkg/cases"
	"github.com/windward-ops/gateposture/pkg/contracts"
	"github.com/windward-ops/gateposture/pkg/evidence"
	"github.com/windward-ops/gateposture/pkg/graph"
)

var fixedNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type env struct {
	builder *Builder
	cases   *cases.Store
	graph   *graph.Store
	ev      *evidence.Store
	store   *Store
}

func setup(t *testing.T) *env {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	clock := contracts.FixedClock{T: fixedNow}
	caseStore, err := cases.NewStore(db)
	require.NoError(t, err)
	caseStore.WithClock(clock)
	graphStore, err := graph.NewStore(db)
	require.NoError(t, err)
	graphStore.WithClock(clock)
	evStore, err := evidence.NewStore(db, t.TempDir())
	require.NoError(t, err)
	evStore.WithClock(clock)
	packetStore, err := NewStore(db)
	require.NoError(t, err)
	packetStore.WithClock(clock)

	return &env{
		builder: NewBuilder(caseStore, graphStore, evStore).WithClock(clock),
		cases:   caseStore,
		graph:   graphStore,
		ev:      evStore,
		store:   packetStore,
	}
}

func (e *env) seedCase(t *testing.T) (string, *contracts.BeliefState) {
	t.Helper()
	ctx := context.Background()

	kase, err := e.cases.CreateCase(ctx, contracts.CaseAirportDisruption,
		map[string]any{"airport": "KJFK"})
	require.NoError(t, err)

	ev, err := e.ev.Put(ctx, evidence.PutInput{
		SourceSystem: "FAA",
		SourceRef:    "airport-status/KJFK",
		Payload:      []byte(`{"status":"GROUND_STOP"}`),
	})
	require.NoError(t, err)

	claim, err := e.graph.InsertClaim(ctx, graph.ClaimInput{
		Text:        "KJFK is under a ground stop",
		Status:      contracts.StatusFact,
		Confidence:  0.95,
		EvidenceIDs: []string{ev.ID},
	})
	require.NoError(t, err)

	belief := contracts.NewBeliefState(kase.ID, "KJFK")
	belief.EvidenceIDs = []string{ev.ID}
	belief.ValidEvidenceIDs = []string{ev.ID}
	belief.ClaimIDs = []string{claim.ID}
	belief.EvidenceSources = []string{"FAA"}
	firstSignal := fixedNow.Add(-90 * time.Second)
	belief.FirstSignalAt = &firstSignal
	belief.Iterations = 2
	return kase.ID, belief
}

func TestBuildPacket(t *testing.T) {
	e := setup(t)
	ctx := context.Background()
	caseID, belief := e.seedCase(t)

	packet, err := e.builder.Build(ctx, Input{
		CaseID:    caseID,
		Posture:   contracts.PostureHold,
		Rationale: "ground stop confirmed by FAA",
		Belief:    belief,
		PolicyResult: &contracts.PolicyResult{
			Verdict: contracts.VerdictAllow,
			Effects: []contracts.TriggeredEffect{{
				PolicyID: "p1", PolicyText: "LOW risk allows ACCEPT posture for normal operations",
				TextHash: "abcdef012345", Action: "ALLOW",
			}},
		},
		Risk: &contracts.RiskRecord{
			RiskLevel: contracts.RiskHigh, Confidence: 0.8, Rationale: "authority-confirmed stop",
		},
	})
	require.NoError(t, err)

	assert.Equal(t, contracts.PostureHold, packet.Posture)
	require.Len(t, packet.Claims, 1)
	assert.NotEmpty(t, packet.Claims[0].EvidenceIDs, "every claim cites evidence")
	require.Len(t, packet.Evidence, 1)
	assert.Equal(t, "FAA", packet.Evidence[0].SourceSystem)
	require.Len(t, packet.PoliciesApplied, 1)
	assert.False(t, packet.Blocked.IsBlocked)
	assert.InDelta(t, 90.0, packet.Metrics.PDLSeconds, 0.001)
	assert.InDelta(t, 0.8, packet.ConfidenceBreakdown.Confidence, 1e-9)
	assert.Len(t, packet.ContentHash, 64)

	ok, err := Verify(packet)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestBuildIsDeterministic(t *testing.T) {
	e := setup(t)
	ctx := context.Background()
	caseID, belief := e.seedCase(t)

	in := Input{CaseID: caseID, Posture: contracts.PostureHold, Belief: belief}
	first, err := e.builder.Build(ctx, in)
	require.NoError(t, err)
	second, err := e.builder.Build(ctx, in)
	require.NoError(t, err)
	assert.Equal(t, first.ContentHash, second.ContentHash)
}

func TestTamperBreaksVerify(t *testing.T) {
	e := setup(t)
	ctx := context.Background()
	caseID, belief := e.seedCase(t)

	packet, err := e.builder.Build(ctx, Input{
		CaseID: caseID, Posture: contracts.PostureHold, Belief: belief,
	})
	require.NoError(t, err)

	packet.Posture = contracts.PostureAccept
	ok, err := Verify(packet)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestBlockedSection(t *testing.T) {
	e := setup(t)
	ctx := context.Background()
	caseID, belief := e.seedCase(t)

	require.NoError(t, e.cases.RecordMissing(ctx, &contracts.MissingEvidenceRequest{
		CaseID:       caseID,
		SourceSystem: "METAR",
		RequestType:  "weather",
		Reason:       "upstream timeout",
		Criticality:  contracts.CriticalityBlocking,
	}))

	packet, err := e.builder.Build(ctx, Input{
		CaseID: caseID, Posture: contracts.PostureHold, Belief: belief,
		BlockReason: "blocking evidence gap: METAR",
	})
	require.NoError(t, err)
	assert.True(t, packet.Blocked.IsBlocked)
	require.Len(t, packet.Blocked.MissingEvidenceRequests, 1)
	assert.Equal(t, "METAR", packet.Blocked.MissingEvidenceRequests[0].SourceSystem)
}

func TestStoreIsImmutable(t *testing.T) {
	e := setup(t)
	ctx := context.Background()
	caseID, belief := e.seedCase(t)

	packet, err := e.builder.Build(ctx, Input{
		CaseID: caseID, Posture: contracts.PostureHold, Belief: belief,
	})
	require.NoError(t, err)

	require.NoError(t, e.store.Save(ctx, packet))
	assert.Error(t, e.store.Save(ctx, packet))

	loaded, err := e.store.ByCase(ctx, caseID)
	require.NoError(t, err)
	assert.Equal(t, packet.ContentHash, loaded.ContentHash)

	_, err = e.store.ByCase(ctx, "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}
