package api

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"

	"maunium.net/go/mautrix-asmux/internal/events"
)

// transactionBody is the inbound homeserver transaction shape (spec
// §6, "Inbound HTTP (from homeserver)"): events plus the optional
// ephemeral/OTK/device-list/extra_data fields the Event Router
// consumes.
type transactionBody struct {
	Events         []events.JSON              `json:"events"`
	Ephemeral      []events.JSON              `json:"ephemeral,omitempty"`
	DeviceOTKCount map[string]json.RawMessage `json:"device_one_time_keys_count,omitempty"`
	DeviceLists    *events.DeviceLists        `json:"device_lists,omitempty"`
	ExtraData      map[string]json.RawMessage `json:"extra_data,omitempty"`
}

const synchronousToKey = "com.beeper.asmux.synchronous_to"

// PutTransaction handles PUT /_matrix/app/v1/transactions/{txnID}, the
// single entry point for every event the homeserver delivers (spec
// §6). It authenticates with the shared hs_token, decodes the body,
// and hands off to the Event Router; only appservices named in
// extra_data's synchronous_to list appear in the response body, per
// spec §6's "covering only the synchronous set".
func (s *Server) PutTransaction(w http.ResponseWriter, r *http.Request) {
	if !s.checkHSToken(r) {
		writeError(w, ErrUnknownToken)
		return
	}

	txnID := mux.Vars(r)["txnID"]

	var body transactionBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, ErrBadJSON)
		return
	}

	var synchronousTo []string
	if raw, ok := body.ExtraData[synchronousToKey]; ok {
		_ = json.Unmarshal(raw, &synchronousTo)
	}

	// TODO device_lists changes aren't fanned out to bridges yet
	// (original_source carries the same TODO in as_proxy.py).
	result, err := s.Router.HandleTransaction(r.Context(), txnID, body.Events, body.Ephemeral,
		body.DeviceOTKCount, synchronousTo)
	if err != nil {
		s.Log.Error().Err(err).Str("txn_id", txnID).Msg("Failed to handle transaction")
		writeError(w, &APIError{http.StatusInternalServerError, "M_UNKNOWN", "internal error"})
		return
	}

	writeJSON(w, http.StatusOK, result)
}
