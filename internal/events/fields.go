package events

import "github.com/tidwall/gjson"

// The events here are arbitrary homeserver-shaped JSON; asmux reads a
// handful of well-known fields out of them without ever deserializing
// the full event, the same way the original Python used plain dict
// indexing. gjson gives the same "poke one field" ergonomics in Go.

// RoomID returns the "room_id" field, or "" if absent.
func RoomID(raw JSON) string {
	return gjson.GetBytes(raw, "room_id").String()
}

// Type returns the "type" field, or "" if absent.
func Type(raw JSON) string {
	return gjson.GetBytes(raw, "type").String()
}

// StateKey returns the "state_key" field and whether it was present.
// A membership event with no state_key is not a state event at all;
// the original silently drops these (spec §9, "Ambiguity to preserve").
func StateKey(raw JSON) (string, bool) {
	res := gjson.GetBytes(raw, "state_key")
	return res.String(), res.Exists()
}

// Sender returns the "sender" field, or "" if absent.
func Sender(raw JSON) string {
	return gjson.GetBytes(raw, "sender").String()
}

// OriginServerTS returns the "origin_server_ts" field in milliseconds,
// or 0 if absent.
func OriginServerTS(raw JSON) int64 {
	return gjson.GetBytes(raw, "origin_server_ts").Int()
}

// EventID returns the "event_id" field, or "" if absent.
func EventID(raw JSON) string {
	return gjson.GetBytes(raw, "event_id").String()
}
