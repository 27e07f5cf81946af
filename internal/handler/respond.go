package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/delipucash/server/internal/apperr"
	"github.com/delipucash/server/internal/auth"
)

var errForbidden = errors.New("not allowed to access this resource")

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError renders err with the status its type maps to. Unclassified
// errors are logged and hidden behind a generic message.
func writeError(w http.ResponseWriter, logger *slog.Logger, err error) {
	if errors.Is(err, errForbidden) {
		writeJSON(w, http.StatusForbidden, map[string]string{"error": err.Error()})
		return
	}

	status := apperr.HTTPStatus(err)
	body := map[string]any{"error": err.Error()}

	var (
		pe *apperr.ProviderError
		ve *apperr.ValidationError
		ne *apperr.NotFoundError
		ce *apperr.ConflictError
		te *apperr.TimeoutError
	)
	switch {
	case errors.As(err, &ve), errors.As(err, &ne), errors.As(err, &ce):
	case errors.As(err, &te):
		body["error"] = "payment was not confirmed in time"
		body["reference"] = te.Reference
	case errors.As(err, &pe):
		logger.Error("provider call failed", "provider", pe.Provider, "operation", pe.Operation, "status", pe.StatusCode, "error", err)
		body["error"] = "payment provider request failed"
		body["detail"] = pe.Error()
	default:
		logger.Error("request failed", "error", err)
		body["error"] = "internal server error"
	}
	writeJSON(w, status, body)
}

func decodeJSON(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return apperr.Validation("", "invalid JSON body")
	}
	return nil
}

func parseIDParam(r *http.Request, name string) (int64, error) {
	id, err := strconv.ParseInt(r.PathValue(name), 10, 64)
	if err != nil || id <= 0 {
		return 0, apperr.Validation(name, "must be a positive integer")
	}
	return id, nil
}

// requireSelf rejects requests for another user's data.
func requireSelf(r *http.Request, userID int64) error {
	if auth.UserID(r.Context()) != userID {
		return errForbidden
	}
	return nil
}

func emptyIfNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
