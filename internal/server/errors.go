package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/raaihank/contract-sentinel/internal/extract"
	"github.com/raaihank/contract-sentinel/internal/pipeline"
	"github.com/raaihank/contract-sentinel/internal/store"
)

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Kind      string `json:"kind"`
	Message   string `json:"message"`
	State     string `json:"state,omitempty"`
	Retryable bool   `json:"retryable,omitempty"`
}

// badRequest is a client input error
type badRequest struct {
	msg string
}

func (e *badRequest) Error() string { return e.msg }

// writeError maps pipeline and storage errors onto HTTP responses
func writeError(w http.ResponseWriter, err error) {
	var (
		bad        *badRequest
		runErr     *pipeline.RunError
		extractErr *extract.Error
	)
	switch {
	case errors.As(err, &bad):
		writeJSONError(w, http.StatusBadRequest, "invalid_request", bad.msg, "")
	case errors.Is(err, store.ErrNotFound):
		writeJSONError(w, http.StatusNotFound, "not_found", "document not found", "")
	case errors.Is(err, pipeline.ErrNotRedrivable):
		writeJSONError(w, http.StatusConflict, "not_redrivable", err.Error(), "")
	case errors.As(err, &runErr):
		writeJSON(w, runErrorStatus(runErr), errorBody{Error: errorDetail{
			Kind:      runErr.Kind,
			Message:   runErr.Error(),
			State:     string(runErr.LastState),
			Retryable: runErr.Retryable,
		}})
	case errors.As(err, &extractErr):
		writeJSONError(w, extractStatus(extractErr.Kind), string(extractErr.Kind), extractErr.Error(), "")
	case errors.Is(err, context.DeadlineExceeded):
		writeJSONError(w, http.StatusGatewayTimeout, "timeout", "request timed out", "")
	case errors.Is(err, context.Canceled):
		writeJSONError(w, 499, "cancelled", "request cancelled", "")
	default:
		var persistErr *store.PersistenceError
		if errors.As(err, &persistErr) {
			writeJSONError(w, http.StatusServiceUnavailable, "persistence_error", err.Error(), "")
			return
		}
		writeJSONError(w, http.StatusInternalServerError, "internal_error", err.Error(), "")
	}
}

func runErrorStatus(err *pipeline.RunError) int {
	switch err.Reason {
	case pipeline.ReasonExtraction:
		var extractErr *extract.Error
		if !errors.As(err, &extractErr) {
			return http.StatusInternalServerError
		}
		return extractStatus(extractErr.Kind)
	case pipeline.ReasonDetection:
		return http.StatusInternalServerError
	case pipeline.ReasonAnalysis:
		if errors.Is(err, context.DeadlineExceeded) {
			return http.StatusGatewayTimeout
		}
		return http.StatusBadGateway
	case pipeline.ReasonPersistence:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func extractStatus(kind extract.ErrorKind) int {
	switch kind {
	case extract.KindTooLarge:
		return http.StatusRequestEntityTooLarge
	case extract.KindUnsupportedFormat:
		return http.StatusBadRequest
	}
	return http.StatusUnprocessableEntity
}

func writeJSONError(w http.ResponseWriter, status int, kind, message, state string) {
	writeJSON(w, status, errorBody{Error: errorDetail{Kind: kind, Message: message, State: state}})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
