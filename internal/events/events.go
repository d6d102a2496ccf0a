// Package events defines the transaction envelope that flows between
// the event router, the delivery queue, and the two deliverers. It is
// the Go equivalent of mautrix_asmux/api/as_proxy.py's Events class.
package events

import "encoding/json"

// JSON is a single raw Matrix event exactly as received from (or
// destined to) the homeserver. asmux never interprets its fields
// beyond room_id/type/state_key/sender/origin_server_ts.
type JSON = json.RawMessage

// DeviceLists mirrors the homeserver's device_lists transaction field:
// the ids of users whose device lists changed, or who left all rooms
// shared with the receiving appservice.
type DeviceLists struct {
	Changed []string `json:"changed,omitempty"`
	Left    []string `json:"left,omitempty"`
}

// IsEmpty reports whether both sets are empty.
func (d DeviceLists) IsEmpty() bool {
	return len(d.Changed) == 0 && len(d.Left) == 0
}

// Union merges other into d, deduplicating both sets.
func (d *DeviceLists) Union(other DeviceLists) {
	d.Changed = unionStrings(d.Changed, other.Changed)
	d.Left = unionStrings(d.Left, other.Left)
}

func unionStrings(a, b []string) []string {
	if len(a) == 0 && len(b) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(a)+len(b))
	out := make([]string, 0, len(a)+len(b))
	for _, list := range [][]string{a, b} {
		for _, v := range list {
			if _, ok := seen[v]; ok {
				continue
			}
			seen[v] = struct{}{}
			out = append(out, v)
		}
	}
	return out
}

// Events is an in-memory transaction envelope: a batch of PDUs and
// EDUs destined for (or buffered for) a single appservice, along with
// the one-time-key counts and device-list signals routed to the same
// owner in the same inbound transaction.
//
// Invariant: len(Types) == len(PDU) + len(EDU), appended in the same
// order events were appended (spec §3).
type Events struct {
	TxnID       string
	PDU         []JSON
	EDU         []JSON
	Types       []string
	OTKCount    map[string]json.RawMessage
	DeviceLists DeviceLists
}

// New creates an empty envelope for the given (possibly comma-joined)
// transaction id.
func New(txnID string) *Events {
	return &Events{TxnID: txnID}
}

// IsEmpty reports whether every field of the envelope is empty.
func (e *Events) IsEmpty() bool {
	return len(e.PDU) == 0 && len(e.EDU) == 0 && len(e.Types) == 0 &&
		len(e.OTKCount) == 0 && e.DeviceLists.IsEmpty()
}

// AppendPDU appends a persistent event and its type label.
func (e *Events) AppendPDU(evt JSON, evtType string) {
	e.PDU = append(e.PDU, evt)
	e.Types = append(e.Types, evtType)
}

// AppendEDU appends an ephemeral event and its type label.
func (e *Events) AppendEDU(evt JSON, evtType string) {
	e.EDU = append(e.EDU, evt)
	e.Types = append(e.Types, evtType)
}

// SetOTKCount records a one-time-key count for a ghost user, creating
// the map on first use. Later writers for the same user id win.
func (e *Events) SetOTKCount(userID string, count json.RawMessage) {
	if e.OTKCount == nil {
		e.OTKCount = make(map[string]json.RawMessage)
	}
	e.OTKCount[userID] = count
}

// wireEnvelope is the JSON shape described in spec §6. "events" is
// always present, even when empty; the rest are omitted when empty.
type wireEnvelope struct {
	Events      []JSON                     `json:"events"`
	Ephemeral   []JSON                     `json:"ephemeral,omitempty"`
	OTKCount    map[string]json.RawMessage `json:"one_time_keys_count,omitempty"`
	DeviceLists *DeviceLists               `json:"device_lists,omitempty"`
	TxnID       string                     `json:"txn_id"`
	Status      string                     `json:"status"`
}

// Serialize renders the wire format used both for queue entries and
// for delivery frames.
func (e *Events) Serialize() ([]byte, error) {
	pdu := e.PDU
	if pdu == nil {
		pdu = []JSON{}
	}
	out := wireEnvelope{
		Events:   pdu,
		TxnID:    e.TxnID,
		Status:   "ok",
		OTKCount: e.OTKCount,
	}
	if len(e.EDU) > 0 {
		out.Ephemeral = e.EDU
	}
	if !e.DeviceLists.IsEmpty() {
		dl := e.DeviceLists
		out.DeviceLists = &dl
	}
	return json.Marshal(out)
}

// Deserialize parses a previously-serialized envelope back into an
// Events value, recovering the Types slice from the relative order of
// events/ephemeral (the type label is re-derived from each event's
// "type" field since it is not round-tripped on the wire).
func Deserialize(data []byte) (*Events, error) {
	var wire wireEnvelope
	if err := json.Unmarshal(data, &wire); err != nil {
		return nil, err
	}
	e := &Events{
		TxnID:    wire.TxnID,
		PDU:      wire.Events,
		EDU:      wire.Ephemeral,
		OTKCount: wire.OTKCount,
	}
	if wire.DeviceLists != nil {
		e.DeviceLists = *wire.DeviceLists
	}
	for _, raw := range e.PDU {
		e.Types = append(e.Types, eventType(raw))
	}
	for _, raw := range e.EDU {
		e.Types = append(e.Types, eventType(raw))
	}
	return e, nil
}

func eventType(raw json.RawMessage) string {
	var stub struct {
		Type string `json:"type"`
	}
	_ = json.Unmarshal(raw, &stub)
	return stub.Type
}
