package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/windward-ops/gateposture/pkg/cases"
	"github.com/windward-ops/gateposture/pkg/contracts"
	"github.com/windward-ops/gateposture/pkg/orchestrator"
	"github.com/windward-ops/gateposture/pkg/packets"
	"github.com/windward-ops/gateposture/pkg/policy"
	"github.com/windward-ops/gateposture/pkg/sources"
)

type createCaseRequest struct {
	CaseType string         `json:"case_type"`
	Scope    map[string]any `json:"scope"`
}

type createCaseResponse struct {
	CaseID            string              `json:"case_id"`
	Status            contracts.CaseStatus `json:"status"`
	PlaybookSuggested *playbookSuggestion `json:"playbook_suggested,omitempty"`
}

type playbookSuggestion struct {
	PlaybookID string  `json:"playbook_id"`
	Domain     string  `json:"domain"`
	Score      float64 `json:"score"`
}

func (s *Service) handleCreateCase(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	var req createCaseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteBadRequest(w, "invalid request body")
		return
	}
	caseType := contracts.CaseType(req.CaseType)
	if caseType == "" {
		caseType = contracts.CaseAirportDisruption
	}
	if caseType != contracts.CaseAirportDisruption && caseType != contracts.CaseLaneDisruption {
		WriteBadRequest(w, fmt.Sprintf("unknown case_type %q", req.CaseType))
		return
	}
	airport, _ := req.Scope["airport"].(string)
	if airport == "" {
		WriteBadRequest(w, "scope.airport is required")
		return
	}

	c, err := s.Cases.CreateCase(r.Context(), caseType, req.Scope)
	if err != nil {
		WriteInternal(w, err)
		return
	}

	resp := createCaseResponse{CaseID: c.ID, Status: c.Status}
	if sug := s.suggestPlaybook(r, airport); sug != nil {
		resp.PlaybookSuggested = sug
	}
	WriteJSON(w, http.StatusCreated, resp)
}

// suggestPlaybook is best-effort: a match failure never fails case creation.
func (s *Service) suggestPlaybook(r *http.Request, airport string) *playbookSuggestion {
	if s.Learner == nil || s.Policies == nil {
		return nil
	}
	ctx := r.Context()
	active, err := s.Policies.Active(ctx, s.Clock.Now())
	if err != nil {
		return nil
	}
	belief := &contracts.BeliefState{
		AirportICAO:    airport,
		CurrentPosture: contracts.PostureAccept,
	}
	cand, err := s.Learner.Match(ctx, belief, contracts.PostureAccept, policy.Snapshot(active))
	if err != nil || cand == nil {
		return nil
	}
	return &playbookSuggestion{
		PlaybookID: cand.Playbook.ID,
		Domain:     cand.Playbook.Domain,
		Score:      cand.Score,
	}
}

func (s *Service) handleListCases(w http.ResponseWriter, r *http.Request) {
	status := contracts.CaseStatus(r.URL.Query().Get("status"))
	list, err := s.Cases.ListCases(r.Context(), status)
	if err != nil {
		WriteInternal(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"cases": list})
}

func (s *Service) handleGetCase(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	c, err := s.Cases.GetCase(r.Context(), id)
	if errors.Is(err, cases.ErrNotFound) {
		WriteNotFound(w, fmt.Sprintf("case %s not found", id))
		return
	}
	if err != nil {
		WriteInternal(w, err)
		return
	}
	actions, err := s.Cases.ActionsForCase(r.Context(), id)
	if err != nil {
		WriteInternal(w, err)
		return
	}
	missing, err := s.Cases.MissingForCase(r.Context(), id, true)
	if err != nil {
		WriteInternal(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{
		"case":         c,
		"actions":      actions,
		"open_missing": missing,
	})
}

func (s *Service) handleRunCase(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	c, err := s.Cases.GetCase(r.Context(), id)
	if errors.Is(err, cases.ErrNotFound) {
		WriteNotFound(w, fmt.Sprintf("case %s not found", id))
		return
	}
	if err != nil {
		WriteInternal(w, err)
		return
	}
	if c.Status != contracts.CaseOpen {
		WriteConflict(w, fmt.Sprintf("case %s is %s, only OPEN cases can run", id, c.Status))
		return
	}
	s.runAndRespond(w, r, id, nil)
}

// runAndRespond runs a case and writes the packet, or the blocked summary
// when the run parks on pending approvals.
func (s *Service) runAndRespond(w http.ResponseWriter, r *http.Request, caseID string, registry *sources.Registry) {
	o, err := s.runner(registry, nil)
	if err != nil {
		WriteInternal(w, err)
		return
	}
	packet, err := o.Run(r.Context(), caseID)
	if errors.Is(err, orchestrator.ErrAwaitingApproval) {
		pending := s.pendingActionIDs(r, caseID)
		WriteJSON(w, http.StatusAccepted, map[string]any{
			"case_id":         caseID,
			"status":          contracts.CaseBlocked,
			"detail":          "case blocked awaiting action approval",
			"pending_actions": pending,
		})
		return
	}
	if err != nil {
		WriteInternal(w, err)
		return
	}
	status := contracts.CaseResolved
	if packet.Blocked.IsBlocked {
		status = contracts.CaseBlocked
	}
	s.recordOutcome(r.Context(), status, packet)
	WriteJSON(w, http.StatusOK, packet)
}

func (s *Service) pendingActionIDs(r *http.Request, caseID string) []string {
	ids := []string{}
	actions, err := s.Cases.ActionsForCase(r.Context(), caseID)
	if err != nil {
		return ids
	}
	for _, a := range actions {
		if a.State == contracts.ActionPendingApproval {
			ids = append(ids, a.ID)
		}
	}
	return ids
}

func (s *Service) handleResumeCase(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	c, err := s.Cases.GetCase(r.Context(), id)
	if errors.Is(err, cases.ErrNotFound) {
		WriteNotFound(w, fmt.Sprintf("case %s not found", id))
		return
	}
	if err != nil {
		WriteInternal(w, err)
		return
	}
	if c.Status != contracts.CaseBlocked {
		WriteConflict(w, fmt.Sprintf("case %s is %s, only BLOCKED cases can resume", id, c.Status))
		return
	}
	if pending := s.pendingActionIDs(r, id); len(pending) > 0 {
		WriteConflict(w, fmt.Sprintf("case %s still has %d pending approvals", id, len(pending)))
		return
	}
	o, err := s.runner(nil, nil)
	if err != nil {
		WriteInternal(w, err)
		return
	}
	packet, err := o.Resume(r.Context(), id)
	if err != nil {
		WriteInternal(w, err)
		return
	}
	s.recordOutcome(r.Context(), contracts.CaseResolved, packet)
	WriteJSON(w, http.StatusOK, packet)
}

func (s *Service) handleCaseTrace(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.Cases.GetCase(r.Context(), id); errors.Is(err, cases.ErrNotFound) {
		WriteNotFound(w, fmt.Sprintf("case %s not found", id))
		return
	} else if err != nil {
		WriteInternal(w, err)
		return
	}
	trace, err := s.Cases.TraceForCase(r.Context(), id)
	if err != nil {
		WriteInternal(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"trace": trace})
}

func (s *Service) handleCaseActions(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	actions, err := s.Cases.ActionsForCase(r.Context(), id)
	if err != nil {
		WriteInternal(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"actions": actions})
}

func (s *Service) handleCaseMissing(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	openOnly := r.URL.Query().Get("open") != "false"
	missing, err := s.Cases.MissingForCase(r.Context(), id, openOnly)
	if err != nil {
		WriteInternal(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"missing": missing})
}

func (s *Service) handleGetPacket(w http.ResponseWriter, r *http.Request) {
	caseID := r.PathValue("case_id")
	p, err := s.Packets.ByCase(r.Context(), caseID)
	if errors.Is(err, packets.ErrNotFound) {
		WriteNotFound(w, fmt.Sprintf("no decision packet for case %s", caseID))
		return
	}
	if err != nil {
		WriteInternal(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, p)
}

// handleRunStream runs the case while streaming progress as server-sent
// events. The run is synchronous; every event is flushed as it happens.
func (s *Service) handleRunStream(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	c, err := s.Cases.GetCase(r.Context(), id)
	if errors.Is(err, cases.ErrNotFound) {
		WriteNotFound(w, fmt.Sprintf("case %s not found", id))
		return
	}
	if err != nil {
		WriteInternal(w, err)
		return
	}
	if c.Status != contracts.CaseOpen {
		WriteConflict(w, fmt.Sprintf("case %s is %s, only OPEN cases can run", id, c.Status))
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		WriteInternal(w, errors.New("response writer does not support streaming"))
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	send := func(event map[string]any) {
		data, err := json.Marshal(event)
		if err != nil {
			return
		}
		fmt.Fprintf(w, "data: %s\n\n", data)
		flusher.Flush()
	}

	send(map[string]any{"event": "started", "case_id": id})

	var lastState string
	o, err := s.runner(nil, func(ev orchestrator.ProgressEvent) {
		var event map[string]any
		if ev.Kind == orchestrator.ProgressSnapshot {
			event = map[string]any{
				"event":       "progress",
				"state":       ev.State,
				"description": ev.Message,
			}
		} else {
			lastState = ev.State
			event = map[string]any{
				"event":       "state_transition",
				"to_state":    ev.State,
				"handler":     orchestrator.Handler(ev.State),
				"description": ev.Message,
			}
		}
		for k, v := range ev.Meta {
			event[k] = v
		}
		send(event)
	})
	if err != nil {
		send(map[string]any{"event": "error", "error": err.Error()})
		return
	}

	start := time.Now()
	_, runErr := o.Run(r.Context(), id)
	final, _ := s.Cases.GetCase(r.Context(), id)

	executed, proposed := 0, 0
	if actions, err := s.Cases.ActionsForCase(r.Context(), id); err == nil {
		proposed = len(actions)
		for _, a := range actions {
			if a.State == contracts.ActionCompleted {
				executed++
			}
		}
	}

	switch {
	case runErr == nil || errors.Is(runErr, orchestrator.ErrAwaitingApproval):
		ev := map[string]any{
			"event":            "completed",
			"final_state":      lastState,
			"actions_executed": executed,
			"actions_proposed": proposed,
			"elapsed_ms":       time.Since(start).Milliseconds(),
		}
		if final != nil {
			ev["status"] = final.Status
		}
		send(ev)
	default:
		send(map[string]any{"event": "error", "error": runErr.Error()})
	}
}
