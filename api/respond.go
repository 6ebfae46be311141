package api

import (
	"encoding/json"
	stderrors "errors"
	"net/http"

	"github.com/c360/fieldlink/errors"
)

// errorEnvelope is the uniform error body. error_kind is a stable machine
// readable class; message is safe to show to an operator and never leaks
// internal state.
type errorEnvelope struct {
	ErrorKind string `json:"error_kind"`
	Message   string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if body != nil {
		_ = json.NewEncoder(w).Encode(body)
	}
}

func writeError(w http.ResponseWriter, status int, kind, message string) {
	writeJSON(w, status, errorEnvelope{ErrorKind: kind, Message: message})
}

// writeDomainError maps a domain error to status and kind. Unclassified
// errors become opaque 500s.
func writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.IsNotFound(err):
		writeError(w, http.StatusNotFound, "not_found", err.Error())
	case stdIs(err, errors.ErrDuplicateID):
		writeError(w, http.StatusConflict, "conflict", err.Error())
	case stdIs(err, errors.ErrJobNotCancellable),
		stdIs(err, errors.ErrAlreadyResolved):
		writeError(w, http.StatusConflict, "conflict", err.Error())
	case stdIs(err, errors.ErrRateLimited):
		writeError(w, http.StatusTooManyRequests, "rate_limit_exceeded", err.Error())
	case errors.IsInvalid(err):
		writeError(w, http.StatusBadRequest, "validation_error", err.Error())
	case errors.IsTransient(err):
		writeError(w, http.StatusServiceUnavailable, "temporarily_unavailable",
			"a dependency is temporarily unavailable")
	default:
		writeError(w, http.StatusInternalServerError, "internal_error",
			"an internal error occurred")
	}
}

func stdIs(err, target error) bool { return stderrors.Is(err, target) }

// decodeBody parses a JSON request body into dst with unknown fields rejected.
func decodeBody(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return errors.WrapInvalid(err, "API", "decodeBody", "parse request body")
	}
	return nil
}
