package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/tempora-io/tempora/internal/storage"
)

type envelope struct {
	OK        bool   `json:"ok"`
	Data      any    `json:"data,omitempty"`
	Meta      any    `json:"meta,omitempty"`
	Error     string `json:"error,omitempty"`
	ErrorCode string `json:"error_code,omitempty"`
}

func respond(w http.ResponseWriter, status int, data any) {
	respondMeta(w, status, data, nil)
}

func respondMeta(w http.ResponseWriter, status int, data, meta any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(envelope{OK: true, Data: data, Meta: meta})
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(envelope{Error: msg, ErrorCode: code})
}

// respondErr maps storage error kinds onto HTTP statuses and stable error
// codes. Anything unrecognized reads as internal and keeps its detail out of
// the response.
func respondErr(w http.ResponseWriter, err error) {
	status, code := statusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		msg = "internal error"
	}
	writeError(w, status, code, msg)
}

func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, storage.ErrInvalidArgument):
		return http.StatusBadRequest, "invalid_argument"
	case errors.Is(err, storage.ErrSessionComplete):
		return http.StatusBadRequest, "session_complete"
	case errors.Is(err, storage.ErrNotFound), errors.Is(err, storage.ErrUnknownAccount):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, storage.ErrSessionExists):
		return http.StatusConflict, "session_exists"
	case errors.Is(err, storage.ErrConflict):
		return http.StatusConflict, "conflict"
	case errors.Is(err, storage.ErrInUse):
		return http.StatusConflict, "in_use"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

func decode(r *http.Request, dst any) error {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return fmt.Errorf("%w: malformed body: %v", storage.ErrInvalidArgument, err)
	}
	return nil
}
