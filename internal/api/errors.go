// Package api wires the dispatch engine's internal packages to the
// HTTP surface the homeserver and bridges actually speak: inbound
// transactions, the fi.mau.as_sync websocket, and a thin client-API
// reverse proxy (spec §6).
package api

import (
	"encoding/json"
	"net/http"
)

// APIError is a Matrix-style error response, the Go rendering of the
// `Error` enum referenced throughout as_websocket.py/as_http.py (spec
// §7): an HTTP status plus the errcode/error vocabulary a caller can
// match on.
type APIError struct {
	Status  int
	ErrCode string
	Message string
}

func (e *APIError) Error() string { return e.ErrCode + ": " + e.Message }

// Sentinel errors for every spec §7 error kind an HTTP handler can hit
// directly (the delivery-outcome kinds — io-timeout,
// websocket-send-fail, and friends — surface as strings inside a
// bridge-state update instead, per internal/status, not as HTTP
// responses).
var (
	ErrMissingAuth    = &APIError{http.StatusUnauthorized, "M_MISSING_TOKEN", "missing access token"}
	ErrUnknownToken   = &APIError{http.StatusUnauthorized, "M_UNKNOWN_TOKEN", "unrecognised access token"}
	ErrBadJSON        = &APIError{http.StatusBadRequest, "M_BAD_JSON", "malformed request body"}
	ErrShuttingDown   = &APIError{http.StatusServiceUnavailable, "M_UNKNOWN", "server_shutting_down"}
	ErrWSNotEnabled   = &APIError{http.StatusForbidden, "M_FORBIDDEN", "appservice_ws_not_enabled"}
	ErrNotImplemented = &APIError{http.StatusNotImplemented, "M_UNRECOGNIZED", "not implemented"}
)

// writeError renders an APIError as the standard Matrix JSON error
// body (spec §7).
func writeError(w http.ResponseWriter, err *APIError) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(err.Status)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"errcode": err.ErrCode,
		"error":   err.Message,
	})
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
