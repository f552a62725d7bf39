package api

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/windward-ops/gateposture/pkg/cases"
	"github.com/windward-ops/gateposture/pkg/contracts"
	"github.com/windward-ops/gateposture/pkg/evidence"
	"github.com/windward-ops/gateposture/pkg/governance"
	"github.com/windward-ops/gateposture/pkg/graph"
	"github.com/windward-ops/gateposture/pkg/packets"
	"github.com/windward-ops/gateposture/pkg/playbooks"
	"github.com/windward-ops/gateposture/pkg/policy"
	"github.com/windward-ops/gateposture/pkg/simulation"
	"github.com/windward-ops/gateposture/pkg/sources"
	"github.com/windward-ops/gateposture/pkg/webhooks"
)

// tickClock advances one second per reading so ingestion order is strict.
type tickClock struct{ t time.Time }

func (c *tickClock) Now() time.Time {
	c.t = c.t.Add(time.Second)
	return c.t
}

func discardLog() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// setup wires a full service over one in-memory database. The default
// registry serves the given scenario; simulation runs bring their own.
func setup(t *testing.T, sc *simulation.Scenario) (*Service, http.Handler) {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	clk := &tickClock{t: sc.BaseTime.Add(time.Hour)}

	caseStore, err := cases.NewStore(db)
	require.NoError(t, err)
	caseStore.WithClock(clk)
	graphStore, err := graph.NewStore(db)
	require.NoError(t, err)
	graphStore.WithClock(clk)
	evStore, err := evidence.NewStore(db, t.TempDir())
	require.NoError(t, err)
	evStore.WithClock(clk)
	polStore, err := policy.NewStore(db)
	require.NoError(t, err)
	polStore.WithClock(clk)
	require.NoError(t, policy.Seed(context.Background(), polStore))
	engine, err := policy.NewEngine(polStore)
	require.NoError(t, err)
	packetStore, err := packets.NewStore(db)
	require.NoError(t, err)
	pbStore, err := playbooks.NewStore(db)
	require.NoError(t, err)
	pbStore.WithClock(clk)
	hooks, err := webhooks.NewRegistry(db)
	require.NoError(t, err)
	hooks.WithClock(clk)

	governor := governance.NewGovernor(caseStore, discardLog())
	for _, at := range []contracts.ActionType{
		contracts.ActionSetPosture,
		contracts.ActionPublishGatewayAdvisory,
		contracts.ActionUpdateBookingRules,
		contracts.ActionTriggerReevaluation,
		contracts.ActionEscalateOps,
	} {
		governor.RegisterExecutor(at, governance.ExecutorFunc(
			func(ctx context.Context, a *contracts.Action) (map[string]any, error) {
				return map[string]any{"applied": true}, nil
			}))
	}

	registry := sources.NewRegistry(0)
	simulation.Register(registry, sc)

	svc, err := NewService(Service{
		Cases:     caseStore,
		Graph:     graphStore,
		Evidence:  evStore,
		Policies:  polStore,
		Engine:    engine,
		Governor:  governor,
		Builder:   packets.NewBuilder(caseStore, graphStore, evStore).WithClock(clk),
		Packets:   packetStore,
		Playbooks: pbStore,
		Learner:   playbooks.NewLearner(pbStore).WithClock(clk),
		Registry:  registry,
		Hooks:     hooks,
		Clock:     clk,
		Log:       discardLog(),
	})
	require.NoError(t, err)
	return svc, svc.Routes()
}

func do(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, rd)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, out any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), out))
}

func TestCreateCaseValidation(t *testing.T) {
	_, h := setup(t, simulation.Builtin()["normal_ops"])

	rec := do(t, h, http.MethodPost, "/cases", map[string]any{"scope": map[string]any{}})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	var d Detail
	decode(t, rec, &d)
	assert.Contains(t, d.Detail, "scope.airport")

	rec = do(t, h, http.MethodPost, "/cases", map[string]any{
		"case_type": "VOLCANO",
		"scope":     map[string]any{"airport": "KJFK"},
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCreateAndGetCase(t *testing.T) {
	_, h := setup(t, simulation.Builtin()["normal_ops"])

	rec := do(t, h, http.MethodPost, "/cases", map[string]any{
		"scope": map[string]any{"airport": "KJFK"},
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	var created createCaseResponse
	decode(t, rec, &created)
	require.NotEmpty(t, created.CaseID)
	assert.Equal(t, contracts.CaseOpen, created.Status)

	rec = do(t, h, http.MethodGet, "/cases/"+created.CaseID, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, h, http.MethodGet, "/cases/nope", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
	var d Detail
	decode(t, rec, &d)
	assert.Contains(t, d.Detail, "not found")
}

func TestRunScenarioNormalOpsResolves(t *testing.T) {
	_, h := setup(t, simulation.Builtin()["normal_ops"])

	rec := do(t, h, http.MethodPost, "/simulation/run/normal_ops", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var packet contracts.DecisionPacket
	decode(t, rec, &packet)
	assert.Equal(t, contracts.PostureAccept, packet.Posture)
	require.NotEmpty(t, packet.CaseID)

	rec = do(t, h, http.MethodGet, "/packets/"+packet.CaseID, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, h, http.MethodGet, "/cases/"+packet.CaseID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var detail struct {
		Case contracts.Case `json:"case"`
	}
	decode(t, rec, &detail)
	assert.Equal(t, contracts.CaseResolved, detail.Case.Status)

	// Running a resolved case again is a conflict.
	rec = do(t, h, http.MethodPost, "/cases/"+packet.CaseID+"/run", nil)
	require.Equal(t, http.StatusConflict, rec.Code)
}

func TestRunScenarioUnknownIs404(t *testing.T) {
	_, h := setup(t, simulation.Builtin()["normal_ops"])
	rec := do(t, h, http.MethodPost, "/simulation/run/volcano_day", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestApprovalFlowOverHTTP(t *testing.T) {
	_, h := setup(t, simulation.Builtin()["ground_stop_storm"])

	rec := do(t, h, http.MethodPost, "/simulation/run/ground_stop_storm", nil)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	var blocked struct {
		CaseID         string   `json:"case_id"`
		Status         string   `json:"status"`
		PendingActions []string `json:"pending_actions"`
	}
	decode(t, rec, &blocked)
	assert.Equal(t, string(contracts.CaseBlocked), blocked.Status)
	require.NotEmpty(t, blocked.PendingActions)

	// No packet while parked.
	rec = do(t, h, http.MethodGet, "/packets/"+blocked.CaseID, nil)
	require.Equal(t, http.StatusNotFound, rec.Code)

	// Resume refuses while approvals are pending.
	rec = do(t, h, http.MethodPost, "/cases/"+blocked.CaseID+"/resume", nil)
	require.Equal(t, http.StatusConflict, rec.Code)

	for _, id := range blocked.PendingActions {
		rec = do(t, h, http.MethodPost, "/actions/"+id+"/approve",
			map[string]any{"approver": "duty-manager"})
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	}

	rec = do(t, h, http.MethodPost, "/cases/"+blocked.CaseID+"/resume", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var packet contracts.DecisionPacket
	decode(t, rec, &packet)
	assert.Equal(t, contracts.PostureHold, packet.Posture)
}

func TestApproveValidation(t *testing.T) {
	_, h := setup(t, simulation.Builtin()["normal_ops"])

	rec := do(t, h, http.MethodPost, "/actions/a-1/approve", map[string]any{})
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, h, http.MethodPost, "/actions/a-1/approve", map[string]any{"approver": "x"})
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRunStreamEmitsEvents(t *testing.T) {
	_, h := setup(t, simulation.Builtin()["normal_ops"])

	rec := do(t, h, http.MethodPost, "/cases", map[string]any{
		"scope": map[string]any{"airport": "KJFK"},
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	var created createCaseResponse
	decode(t, rec, &created)

	rec = do(t, h, http.MethodGet, "/cases/"+created.CaseID+"/run/stream", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))

	body := rec.Body.String()
	assert.Contains(t, body, `"event":"started"`)
	assert.Contains(t, body, `"event":"state_transition"`)
	assert.Contains(t, body, `"to_state":"INVESTIGATE"`)
	assert.Contains(t, body, `"handler":"investigate"`)
	assert.Contains(t, body, `"event":"progress"`)
	assert.Contains(t, body, `"evidence_count":5`)
	assert.Contains(t, body, `"recommended_posture":"ACCEPT"`)
	assert.Contains(t, body, `"event":"completed"`)
	assert.Contains(t, body, `"final_state":"COMPLETE"`)
	assert.Contains(t, body, `"status":"RESOLVED"`)
	for _, line := range strings.Split(body, "\n") {
		if line == "" {
			continue
		}
		assert.True(t, strings.HasPrefix(line, "data: "), line)
	}
}

func TestBitemporalBeliefs(t *testing.T) {
	svc, h := setup(t, simulation.Builtin()["normal_ops"])

	rec := do(t, h, http.MethodPost, "/simulation/run/normal_ops", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, h, http.MethodPost, "/graph/bitemporal/beliefs", map[string]any{
		"event_time":  svc.Clock.Now().Format(time.RFC3339Nano),
		"ingest_time": svc.Clock.Now().Format(time.RFC3339Nano),
	})
	require.Equal(t, http.StatusOK, rec.Code)
	var view contracts.GraphView
	decode(t, rec, &view)
	assert.NotEmpty(t, view.Edges)
	assert.NotEmpty(t, view.Claims)

	// An ingest time before any run sees an empty graph.
	rec = do(t, h, http.MethodPost, "/graph/bitemporal/beliefs", map[string]any{
		"event_time":  svc.Clock.Now().Format(time.RFC3339Nano),
		"ingest_time": "2020-01-01T00:00:00Z",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	var early contracts.GraphView
	decode(t, rec, &early)
	assert.Empty(t, early.Edges)
}

func TestSeedCascadeAndUnseed(t *testing.T) {
	_, h := setup(t, simulation.Builtin()["normal_ops"])

	rec := do(t, h, http.MethodPost, "/simulation/seed/airport/KSEA", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var seeded struct {
		SeedUsed     string `json:"seed_used"`
		NodesCreated int    `json:"nodes_created"`
	}
	decode(t, rec, &seeded)
	assert.Equal(t, seedName, seeded.SeedUsed)
	// Airport + 2 flights + 2 shipments + 2 bookings.
	assert.Equal(t, 7, seeded.NodesCreated)

	rec = do(t, h, http.MethodGet, "/graph/cascade/KSEA", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var cascade struct {
		Airport   string           `json:"airport"`
		Flights   []contracts.Edge `json:"flights"`
		Shipments []contracts.Edge `json:"shipments"`
		Bookings  []contracts.Edge `json:"bookings"`
	}
	decode(t, rec, &cascade)
	assert.Equal(t, "KSEA", cascade.Airport)
	assert.Len(t, cascade.Flights, 2)
	assert.Len(t, cascade.Shipments, 2)
	assert.Len(t, cascade.Bookings, 2)

	// Re-seeding with refresh retracts and rewrites the cascade.
	rec = do(t, h, http.MethodPost, "/simulation/seed/airport/KSEA?refresh=true", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var refreshed struct {
		NodesCreated int `json:"nodes_created"`
		Cleared      int `json:"cleared"`
	}
	decode(t, rec, &refreshed)
	assert.Equal(t, 0, refreshed.NodesCreated)
	assert.Equal(t, 6, refreshed.Cleared)

	rec = do(t, h, http.MethodDelete, "/simulation/seed/airport/KSEA", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var deleted struct {
		EdgesDeleted int `json:"edges_deleted"`
		NodesDeleted int `json:"nodes_deleted"`
	}
	decode(t, rec, &deleted)
	assert.Equal(t, 6, deleted.EdgesDeleted)
	assert.Equal(t, 0, deleted.NodesDeleted)

	rec = do(t, h, http.MethodGet, "/graph/cascade/KSEA", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	decode(t, rec, &cascade)
	assert.Empty(t, cascade.Flights)

	rec = do(t, h, http.MethodDelete, "/simulation/seed/airport/KDEN", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestIngestAirport(t *testing.T) {
	_, h := setup(t, simulation.Builtin()["adsb_outage"])

	rec := do(t, h, http.MethodPost, "/ingest/airport/KATL", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Succeeded []string `json:"sources_succeeded"`
		Failed    []string `json:"sources_failed"`
		Errors    []string `json:"errors"`
	}
	decode(t, rec, &resp)
	assert.Len(t, resp.Succeeded, 4)
	assert.Equal(t, []string{"ADSB"}, resp.Failed)
	assert.Len(t, resp.Errors, 1)
}

func TestRegisterWebhookGuardsPrivateTargets(t *testing.T) {
	_, h := setup(t, simulation.Builtin()["normal_ops"])

	rec := do(t, h, http.MethodPost, "/webhooks/register", map[string]any{
		"url": "http://127.0.0.1:8080/hook",
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, h, http.MethodPost, "/webhooks/register", map[string]any{
		"url": "http://10.0.0.5/hook",
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, h, http.MethodPost, "/webhooks/register", map[string]any{})
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestListScenariosAndPolicies(t *testing.T) {
	_, h := setup(t, simulation.Builtin()["normal_ops"])

	rec := do(t, h, http.MethodGet, "/simulation/scenarios", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var scen struct {
		Scenarios []map[string]string `json:"scenarios"`
	}
	decode(t, rec, &scen)
	ids := make([]string, 0, len(scen.Scenarios))
	for _, s := range scen.Scenarios {
		ids = append(ids, s["id"])
	}
	assert.Contains(t, ids, "normal_ops")
	assert.Contains(t, ids, "ground_stop_storm")

	rec = do(t, h, http.MethodGet, "/policies", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var pol struct {
		Policies []contracts.Policy `json:"policies"`
		Snapshot []string           `json:"snapshot"`
	}
	decode(t, rec, &pol)
	assert.Len(t, pol.Policies, 13)
	assert.Len(t, pol.Snapshot, 13)
}

func TestRateLimiterMiddleware(t *testing.T) {
	rl := NewRateLimiter(1, 1)
	h := rl.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.RemoteAddr = "198.51.100.7:4411"

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "5", rec.Header().Get("Retry-After"))
}
