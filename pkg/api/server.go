package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/windward-ops/gateposture/pkg/cases"
	"github.com/windward-ops/gateposture/pkg/contracts"
	"github.com/windward-ops/gateposture/pkg/evidence"
	"github.com/windward-ops/gateposture/pkg/governance"
	"github.com/windward-ops/gateposture/pkg/graph"
	"github.com/windward-ops/gateposture/pkg/observability"
	"github.com/windward-ops/gateposture/pkg/orchestrator"
	"github.com/windward-ops/gateposture/pkg/packets"
	"github.com/windward-ops/gateposture/pkg/playbooks"
	"github.com/windward-ops/gateposture/pkg/policy"
	"github.com/windward-ops/gateposture/pkg/signals"
	"github.com/windward-ops/gateposture/pkg/sources"
	"github.com/windward-ops/gateposture/pkg/webhooks"
)

// maxBodyBytes caps request bodies on every POST endpoint.
const maxBodyBytes = 1 << 20

// Service carries the stores and collaborators the handlers need.
type Service struct {
	Cases      *cases.Store
	Graph      *graph.Store
	Evidence   *evidence.Store
	Policies   *policy.Store
	Engine     *policy.Engine
	Governor   *governance.Governor
	Builder    *packets.Builder
	Packets    *packets.Store
	Playbooks  *playbooks.Store
	Learner    *playbooks.Learner
	Registry   *sources.Registry
	Hooks      *webhooks.Registry
	Dispatcher *webhooks.Dispatcher
	Assessor   orchestrator.RiskAssessor
	Obs        *observability.Provider
	Clock      contracts.Clock
	Log        *slog.Logger

	deriver *signals.Deriver
}

// NewService validates the wiring and returns the service.
func NewService(s Service) (*Service, error) {
	if s.Cases == nil || s.Graph == nil || s.Evidence == nil ||
		s.Policies == nil || s.Engine == nil || s.Governor == nil ||
		s.Builder == nil || s.Packets == nil || s.Registry == nil {
		return nil, fmt.Errorf("api service is missing required stores")
	}
	if s.Clock == nil {
		s.Clock = contracts.WallClock{}
	}
	if s.Log == nil {
		s.Log = slog.Default()
	}
	s.deriver = signals.NewDeriver(s.Graph).WithClock(s.Clock)
	return &s, nil
}

// runner builds a fresh orchestrator for one case run. Each run gets its
// own instance so SSE subscribers receive only their case's progress.
func (s *Service) runner(registry *sources.Registry, progress func(orchestrator.ProgressEvent)) (*orchestrator.Orchestrator, error) {
	if registry == nil {
		registry = s.Registry
	}
	o, err := orchestrator.New(orchestrator.Config{
		Cases:      s.Cases,
		Graph:      s.Graph,
		Evidence:   s.Evidence,
		Policies:   s.Policies,
		Engine:     s.Engine,
		Governor:   s.Governor,
		Builder:    s.Builder,
		Packets:    s.Packets,
		Learner:    s.Learner,
		Registry:   registry,
		Dispatcher: s.Dispatcher,
		Assessor:   s.Assessor,
		Clock:      s.Clock,
		Log:        s.Log,
	})
	if err != nil {
		return nil, err
	}
	if progress != nil {
		o.WithProgress(progress)
	}
	return o, nil
}

// Routes returns the HTTP handler for the full API surface.
func (s *Service) Routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /cases", s.handleCreateCase)
	mux.HandleFunc("GET /cases", s.handleListCases)
	mux.HandleFunc("GET /cases/{id}", s.handleGetCase)
	mux.HandleFunc("POST /cases/{id}/run", s.handleRunCase)
	mux.HandleFunc("GET /cases/{id}/run/stream", s.handleRunStream)
	mux.HandleFunc("POST /cases/{id}/resume", s.handleResumeCase)
	mux.HandleFunc("GET /cases/{id}/trace", s.handleCaseTrace)
	mux.HandleFunc("GET /cases/{id}/actions", s.handleCaseActions)
	mux.HandleFunc("GET /cases/{id}/missing", s.handleCaseMissing)

	mux.HandleFunc("GET /packets/{case_id}", s.handleGetPacket)

	mux.HandleFunc("POST /actions/{id}/approve", s.handleApproveAction)
	mux.HandleFunc("POST /actions/{id}/reject", s.handleRejectAction)

	mux.HandleFunc("POST /ingest/airport/{icao}", s.handleIngestAirport)

	mux.HandleFunc("POST /graph/bitemporal/beliefs", s.handleBitemporalBeliefs)
	mux.HandleFunc("GET /graph/cascade/{icao}", s.handleCascade)

	mux.HandleFunc("GET /policies", s.handleListPolicies)
	mux.HandleFunc("GET /playbooks", s.handleListPlaybooks)

	mux.HandleFunc("POST /webhooks/register", s.handleRegisterWebhook)
	mux.HandleFunc("DELETE /webhooks/{id}", s.handleDeactivateWebhook)
	mux.HandleFunc("GET /webhooks/{id}/deliveries", s.handleWebhookDeliveries)

	mux.HandleFunc("GET /simulation/scenarios", s.handleListScenarios)
	mux.HandleFunc("POST /simulation/run/{id}", s.handleRunScenario)
	mux.HandleFunc("POST /simulation/seed/airport/{icao}", s.handleSeedAirport)
	mux.HandleFunc("DELETE /simulation/seed/airport/{icao}", s.handleUnseedAirport)

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	var h http.Handler = mux
	if s.Obs != nil {
		h = s.metrics(h)
	}
	return Logging(s.Log, h)
}

// metrics records the request counter, duration and error count.
func (s *Service) metrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		ctx := r.Context()
		s.Obs.RecordRequest(ctx,
			attribute.String("http.method", r.Method),
			attribute.Int("http.status_code", rec.status))
		s.Obs.RecordDuration(ctx, time.Since(start))
		if rec.status >= http.StatusInternalServerError {
			s.Obs.RecordError(ctx, fmt.Errorf("http %d", rec.status))
		}
	})
}

// recordOutcome feeds the case-outcome metrics off a sealed packet.
func (s *Service) recordOutcome(ctx context.Context, status contracts.CaseStatus, p *contracts.DecisionPacket) {
	if s.Obs == nil || p == nil {
		return
	}
	s.Obs.RecordCaseOutcome(ctx, string(status), string(p.Posture), p.Metrics.PDLSeconds)
}
