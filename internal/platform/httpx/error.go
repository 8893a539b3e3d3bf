package httpx

import (
	"context"
	"encoding/json"
	"maps"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/quicrefill/api/internal/platform/requestctx"
)

// Error is the canonical failure envelope:
// {"success":false,"error":CODE,"message":...,"status":...,"request_id":...,"trace_id":...,"details":{...}}.
type Error struct {
	Code      string
	Message   string
	Status    int
	RequestID string
	TraceID   string
	Details   map[string]any
}

// NewError constructs a new Error with the provided parameters.
func NewError(code, message string, status int) Error {
	if status == 0 {
		status = http.StatusInternalServerError
	}
	return Error{
		Code:    sanitize(code, 80),
		Message: sanitize(message, 512),
		Status:  status,
	}
}

// WithDetails attaches additional JSON-serialisable metadata.
func (e Error) WithDetails(details map[string]any) Error {
	if len(details) == 0 {
		return e
	}
	e.Details = maps.Clone(details)
	return e
}

type errorEnvelope struct {
	Success   bool           `json:"success"`
	Error     string         `json:"error"`
	Message   string         `json:"message"`
	Status    int            `json:"status"`
	RequestID string         `json:"request_id,omitempty"`
	TraceID   string         `json:"trace_id,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
}

type dataEnvelope struct {
	Success bool `json:"success"`
	Data    any  `json:"data"`
}

// WriteError writes the failure envelope, filling request and trace ids from ctx when unset.
func WriteError(ctx context.Context, w http.ResponseWriter, err Error) {
	body := errorEnvelope{
		Error:     err.Code,
		Message:   err.Message,
		Status:    err.Status,
		RequestID: err.RequestID,
		TraceID:   err.TraceID,
		Details:   err.Details,
	}
	if body.Status == 0 {
		body.Status = http.StatusInternalServerError
	}
	if body.RequestID == "" {
		body.RequestID = sanitize(middleware.GetReqID(ctx), 80)
	}
	if body.TraceID == "" {
		body.TraceID = sanitize(requestctx.TraceID(ctx), 64)
	}
	writeEnvelope(w, body.Status, body)
}

// WriteJSON writes {"success":true,"data":payload} with the given status.
func WriteJSON(w http.ResponseWriter, status int, payload any) {
	writeEnvelope(w, status, dataEnvelope{Success: true, Data: payload})
}

func writeEnvelope(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// sanitize flattens value onto one line and caps it at limit bytes.
func sanitize(value string, limit int) string {
	value = strings.TrimSpace(strings.NewReplacer("\n", " ", "\r", " ").Replace(value))
	if len(value) > limit {
		value = value[:limit]
	}
	return value
}
