package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/windward-ops/gateposture/pkg/webhooks"
)

type registerWebhookRequest struct {
	URL        string   `json:"url"`
	Secret     string   `json:"secret,omitempty"`
	EventTypes []string `json:"event_types,omitempty"`
}

const registerSchemaJSON = `{
	"type": "object",
	"required": ["url"],
	"properties": {
		"url": {"type": "string", "minLength": 1},
		"secret": {"type": "string"},
		"event_types": {"type": "array", "items": {"type": "string", "minLength": 1}}
	}
}`

var registerSchema = jsonschema.MustCompileString("webhook_register.json", registerSchemaJSON)

// handleRegisterWebhook registers a delivery endpoint. URLs resolving to
// private address space are rejected before anything is stored.
func (s *Service) handleRegisterWebhook(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		WriteBadRequest(w, "invalid request body")
		return
	}
	var decoded any
	if err := json.Unmarshal(body, &decoded); err != nil {
		WriteBadRequest(w, "invalid request body")
		return
	}
	if err := registerSchema.Validate(decoded); err != nil {
		WriteBadRequest(w, "registration failed schema validation")
		return
	}
	var req registerWebhookRequest
	if err := json.Unmarshal(body, &req); err != nil {
		WriteBadRequest(w, "invalid request body")
		return
	}
	hook, err := s.Hooks.Register(r.Context(), req.URL, req.Secret, req.EventTypes)
	if err != nil {
		WriteBadRequest(w, err.Error())
		return
	}
	WriteJSON(w, http.StatusCreated, hook)
}

func (s *Service) handleDeactivateWebhook(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	err := s.Hooks.Deactivate(r.Context(), id)
	if errors.Is(err, webhooks.ErrNotFound) {
		WriteNotFound(w, fmt.Sprintf("webhook %s not found", id))
		return
	}
	if err != nil {
		WriteInternal(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"id": id, "active": false})
}

func (s *Service) handleWebhookDeliveries(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	deliveries, err := s.Hooks.Deliveries(r.Context(), id)
	if err != nil {
		WriteInternal(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"deliveries": deliveries})
}
