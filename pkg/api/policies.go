package api

import (
	"net/http"

	"github.com/windward-ops/gateposture/pkg/policy"
)

func (s *Service) handleListPolicies(w http.ResponseWriter, r *http.Request) {
	active, err := s.Policies.Active(r.Context(), s.Clock.Now())
	if err != nil {
		WriteInternal(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{
		"policies": active,
		"snapshot": policy.Snapshot(active),
	})
}

func (s *Service) handleListPlaybooks(w http.ResponseWriter, r *http.Request) {
	if s.Playbooks == nil {
		WriteJSON(w, http.StatusOK, map[string]any{"playbooks": []any{}})
		return
	}
	domain := r.URL.Query().Get("domain")
	list, err := s.Playbooks.List(r.Context(), domain)
	if err != nil {
		WriteInternal(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"playbooks": list})
}
