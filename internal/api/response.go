package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/framehost/framed/internal/registry"
	"github.com/framehost/framed/internal/supervisor"
)

// Machine-readable error codes carried in the failure envelope.
const (
	CodeInvalidParameter = "INVALID_PARAMETER"
	CodeInstanceNotFound = "INSTANCE_NOT_FOUND"
	CodeAlreadyRunning   = "INSTANCE_ALREADY_RUNNING"
	CodeAlreadyStopped   = "INSTANCE_ALREADY_STOPPED"
	CodePortExhausted    = "PORT_EXHAUSTED"
	CodeSpawnFailed      = "SPAWN_FAILED"
	CodePermissionDenied = "PERMISSION_DENIED"
	CodeInternalError    = "INTERNAL_ERROR"
)

type successEnvelope struct {
	Success bool `json:"success"`
	Data    any  `json:"data,omitempty"`
}

type errorEnvelope struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
	Code    string `json:"code"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("Failed to encode response", "error", err)
	}
}

func respondData(w http.ResponseWriter, data any) {
	writeJSON(w, http.StatusOK, successEnvelope{Success: true, Data: data})
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorEnvelope{Success: false, Error: message, Code: code})
}

// respondOperationError maps supervisor and registry errors onto the error
// taxonomy.
func respondOperationError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, supervisor.ErrNotFound):
		respondError(w, http.StatusNotFound, CodeInstanceNotFound, "instance not found")
	case errors.Is(err, supervisor.ErrSpawnFailed):
		respondError(w, http.StatusInternalServerError, CodeSpawnFailed, err.Error())
	case errors.Is(err, registry.ErrPortExhausted):
		respondError(w, http.StatusServiceUnavailable, CodePortExhausted, err.Error())
	default:
		respondError(w, http.StatusInternalServerError, CodeInternalError, err.Error())
	}
}
