package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"libraryrecords/internal/util"
	"libraryrecords/pkg/store"
	"libraryrecords/services/library/internal/app"
)

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

type errorResponse struct {
	Detail    string `json:"detail"`
	Code      string `json:"code"`
	RequestID string `json:"requestId,omitempty"`
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{
		Detail:    msg,
		Code:      errorCodeFor(status, msg),
		RequestID: strings.TrimSpace(w.Header().Get("X-Request-Id")),
	})
}

// writeAppError maps service and store errors onto the HTTP error envelope.
// Internal failures are logged and never echoed to the caller.
func writeAppError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusForError(err)
	if status >= http.StatusInternalServerError {
		util.LoggerFromContext(r.Context()).Error("request failed", "err", err)
		writeError(w, status, "internal error")
		return
	}
	writeError(w, status, err.Error())
}

func statusForError(err error) int {
	switch {
	case errors.Is(err, app.ErrInvalid):
		return http.StatusBadRequest
	case errors.Is(err, store.ErrNotFound), errors.Is(err, app.ErrFeedDisabled):
		return http.StatusNotFound
	case errors.Is(err, store.ErrConflict):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func errorCodeFor(status int, msg string) string {
	message := strings.ToLower(strings.TrimSpace(msg))
	switch {
	case message == "method not allowed":
		return "SYSTEM_METHOD_NOT_ALLOWED"
	case message == "not found":
		return "SYSTEM_NOT_FOUND"
	case message == "too many requests":
		return "SYSTEM_RATE_LIMITED"
	case message == "invalid json body", message == "request body too large":
		return "REQUEST_INVALID_BODY"
	case strings.Contains(message, "already registered"):
		return "EMAIL_CONFLICT"
	case strings.Contains(message, "already borrowed"):
		return "BORROW_CONFLICT"
	case strings.HasPrefix(message, "no open borrow"):
		return "BORROW_NOT_FOUND"
	case strings.Contains(message, "event feed disabled"):
		return "EVENTS_DISABLED"
	case status == http.StatusNotFound && strings.HasPrefix(message, "user "):
		return "USER_NOT_FOUND"
	case status == http.StatusNotFound && strings.HasPrefix(message, "book "):
		return "BOOK_NOT_FOUND"
	}

	switch status {
	case http.StatusBadRequest:
		return "REQUEST_INVALID"
	case http.StatusNotFound:
		return "SYSTEM_NOT_FOUND"
	case http.StatusConflict:
		return "REQUEST_CONFLICT"
	case http.StatusMethodNotAllowed:
		return "SYSTEM_METHOD_NOT_ALLOWED"
	case http.StatusTooManyRequests:
		return "SYSTEM_RATE_LIMITED"
	default:
		if status >= http.StatusInternalServerError {
			return "SYSTEM_INTERNAL_ERROR"
		}
		return "REQUEST_ERROR"
	}
}
