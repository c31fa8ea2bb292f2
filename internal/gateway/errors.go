package gateway

import (
	"encoding/json"
	"net/http"
	"time"

	"sessionops/internal/debuglog"
)

// Code is a machine-readable error code.
type Code string

const (
	CodeInvalidJSON      Code = "INVALID_JSON"
	CodeMissingField     Code = "MISSING_FIELD"
	CodeInvalidRole      Code = "INVALID_ROLE"
	CodeUnknownCommand   Code = "UNKNOWN_COMMAND"
	CodePermissionDenied Code = "PERMISSION_DENIED"
	CodeNotHost          Code = "NOT_HOST"
	CodeConflict         Code = "PERMISSION_CONFLICT"
	CodeNotConnected     Code = "NOT_CONNECTED"
	CodeMethodNotAllowed Code = "METHOD_NOT_ALLOWED"
	CodeNotFound         Code = "NOT_FOUND"
	CodeInternal         Code = "INTERNAL"
)

// Error is the JSON body of every failed request.
type Error struct {
	Success    bool      `json:"success"`
	Code       Code      `json:"code"`
	Message    string    `json:"error"`
	Details    string    `json:"details,omitempty"`
	StatusCode int       `json:"statusCode"`
	Timestamp  time.Time `json:"timestamp"`
}

func (e *Error) Error() string {
	return string(e.Code) + ": " + e.Message
}

func newError(status int, code Code, msg, details string) *Error {
	return &Error{
		Code:       code,
		Message:    msg,
		Details:    details,
		StatusCode: status,
		Timestamp:  time.Now().UTC(),
	}
}

func writeError(w http.ResponseWriter, e *Error) {
	if e.StatusCode >= http.StatusInternalServerError {
		debuglog.Logf("gateway: %s %s", e.Code, debuglog.KV("error", e.Message, "details", e.Details))
	}
	writeJSON(w, e.StatusCode, e)
}

func methodNotAllowed(w http.ResponseWriter, r *http.Request) {
	writeError(w, newError(http.StatusMethodNotAllowed, CodeMethodNotAllowed, "Method not allowed: "+r.Method, ""))
}

func notFound(w http.ResponseWriter, r *http.Request) {
	writeError(w, newError(http.StatusNotFound, CodeNotFound, "No such endpoint: "+r.URL.Path, ""))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		debuglog.Logf("gateway: encode response err=%v", err)
		http.Error(w, `{"success":false,"code":"INTERNAL"}`, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(data)
}
