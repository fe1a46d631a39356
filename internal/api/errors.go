package api

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// Error codes of the public surface. Each maps to one HTTP status.
const (
	CodeRequestInvalid     = "request_invalid"
	CodeUnauthorized       = "unauthorized"
	CodeNoAccountAvailable = "no_account_available"
	CodeSessionBusy        = "session_busy"
	CodeSessionExhausted   = "session_exhausted"
	CodeUpstreamQuota      = "upstream_quota"
	CodeUpstreamTransient  = "upstream_transient"
	CodeUpstreamFatal      = "upstream_fatal"
	CodeStreamCut          = "stream_cut"
	CodeUnknownToolCall    = "unknown_tool_call"
	CodeInternal           = "internal_error"
)

var codeStatus = map[string]int{
	CodeRequestInvalid:     http.StatusBadRequest,
	CodeUnauthorized:       http.StatusUnauthorized,
	CodeNoAccountAvailable: http.StatusServiceUnavailable,
	CodeSessionBusy:        http.StatusConflict,
	CodeSessionExhausted:   http.StatusTooManyRequests,
	CodeUpstreamQuota:      http.StatusTooManyRequests,
	CodeUpstreamTransient:  http.StatusBadGateway,
	CodeUpstreamFatal:      http.StatusBadGateway,
	CodeStreamCut:          http.StatusBadGateway,
	CodeUnknownToolCall:    http.StatusBadRequest,
	CodeInternal:           http.StatusInternalServerError,
}

// Error is a client-visible request failure.
type Error struct {
	Code    string
	Message string
}

func (e *Error) Error() string { return e.Code + ": " + e.Message }

// Status returns the HTTP status for the error code.
func (e *Error) Status() int {
	if s, ok := codeStatus[e.Code]; ok {
		return s
	}
	return http.StatusInternalServerError
}

// NewError builds an Error with a formatted message.
func NewError(code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WriteError renders an error as the JSON body used before any stream byte
// has been emitted.
func WriteError(w http.ResponseWriter, e *Error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(e.Status())
	body, _ := json.Marshal(map[string]any{
		"detail": map[string]string{"code": e.Code, "message": e.Message},
	})
	w.Write(body)
}

// SSEError renders an error as an SSE error event, used once stream bytes
// have been emitted.
func SSEError(e *Error) StreamEvent {
	return StreamEvent{
		Type: EventError,
		Err:  &ErrorDetail{Type: e.Code, Message: e.Message},
	}
}
