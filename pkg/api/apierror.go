// Package api exposes the decision engine over HTTP: case lifecycle,
// decision packets, action approvals, bi-temporal graph reads, webhook
// registration, and the simulation endpoints.
//
// All error responses use the shape {"detail": "..."} with the HTTP
// status carrying the error class.
package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
)

// Detail is the error response body.
type Detail struct {
	Detail string `json:"detail"`
}

// WriteDetail writes an error response.
func WriteDetail(w http.ResponseWriter, status int, detail string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(Detail{Detail: detail})
}

// WriteBadRequest writes a 400 error response.
func WriteBadRequest(w http.ResponseWriter, detail string) {
	WriteDetail(w, http.StatusBadRequest, detail)
}

// WriteNotFound writes a 404 error response.
func WriteNotFound(w http.ResponseWriter, detail string) {
	WriteDetail(w, http.StatusNotFound, detail)
}

// WriteConflict writes a 409 error response.
func WriteConflict(w http.ResponseWriter, detail string) {
	WriteDetail(w, http.StatusConflict, detail)
}

// WriteTooManyRequests writes a 429 error response with a Retry-After hint.
func WriteTooManyRequests(w http.ResponseWriter, retryAfterSecs int) {
	w.Header().Set("Retry-After", strconv.Itoa(retryAfterSecs))
	WriteDetail(w, http.StatusTooManyRequests, "rate limit exceeded")
}

// WriteInternal writes a 500 error response. The underlying error is
// logged, never exposed to the client.
func WriteInternal(w http.ResponseWriter, err error) {
	slog.Error("internal server error", "error", err)
	WriteDetail(w, http.StatusInternalServerError, "internal server error")
}

// WriteJSON writes a JSON success response.
func WriteJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
