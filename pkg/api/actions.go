package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/windward-ops/gateposture/pkg/cases"
	"github.com/windward-ops/gateposture/pkg/contracts"
)

type approvalRequest struct {
	Approver string `json:"approver"`
	Reason   string `json:"reason,omitempty"`
}

func (s *Service) handleApproveAction(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	var req approvalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteBadRequest(w, "invalid request body")
		return
	}
	if req.Approver == "" {
		WriteBadRequest(w, "approver is required")
		return
	}
	action, err := s.Governor.Approve(r.Context(), id, req.Approver)
	if err != nil {
		s.writeActionError(w, id, err)
		return
	}
	WriteJSON(w, http.StatusOK, action)
}

func (s *Service) handleRejectAction(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	var req approvalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteBadRequest(w, "invalid request body")
		return
	}
	if req.Approver == "" {
		WriteBadRequest(w, "approver is required")
		return
	}
	action, err := s.Governor.Reject(r.Context(), id, req.Approver, req.Reason)
	if err != nil {
		s.writeActionError(w, id, err)
		return
	}
	WriteJSON(w, http.StatusOK, action)
}

// writeActionError maps governance failures onto the API error codes:
// unknown action is 404, an illegal state transition is 409.
func (s *Service) writeActionError(w http.ResponseWriter, actionID string, err error) {
	if errors.Is(err, cases.ErrNotFound) {
		WriteNotFound(w, fmt.Sprintf("action %s not found", actionID))
		return
	}
	var iv *contracts.InvariantViolation
	if errors.As(err, &iv) {
		WriteConflict(w, iv.Error())
		return
	}
	WriteConflict(w, err.Error())
}
