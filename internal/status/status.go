// Package status implements the Status Reporter (spec §4.H): a set of
// fire-and-forget outbound POSTs that tell a bridge's own status
// endpoints, or this engine's operators, about bridge-state and
// message-delivery events. Every operation here is advisory — a
// failure is logged at warning level and otherwise has no effect on
// the caller (spec §7, "delivery failures never propagate to the
// homeserver unless the caller was in the synchronous set").
package status

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"maunium.net/go/mautrix-asmux/internal/database"
	"maunium.net/go/mautrix-asmux/internal/events"
)

// Checkpoint is one per-message delivery checkpoint, the shape sent by
// send_message_checkpoints (spec §4.H).
type Checkpoint struct {
	EventID      string `json:"event_id"`
	RoomID       string `json:"room_id"`
	Step         string `json:"step"`
	Timestamp    int64  `json:"timestamp"`
	Status       string `json:"status"`
	EventType    string `json:"event_type,omitempty"`
	ReportedBy   string `json:"reported_by"`
	RetryNum     int    `json:"retry_num,omitempty"`
	MessageType  string `json:"message_type,omitempty"`
	Info         string `json:"info,omitempty"`
}

// Step/status/reported-by vocabulary used by report_expired_pdu (spec
// §4.H).
const (
	StepBridge       = "BRIDGE"
	StatusTimeout    = "TIMEOUT"
	ReportedByASMUX  = "ASMUX"
	InfoDroppedEvent = "dropped old event"
)

// Reporter POSTs bridge-state and checkpoint payloads to per-bridge
// endpoints templated with {owner}/{prefix}, mirroring
// as_websocket.py's send_bridge_status and spec §4.H's remaining three
// operations.
type Reporter struct {
	Client *http.Client
	Log    zerolog.Logger

	// RemoteStatusURLTemplate and BridgeStatusURLTemplate contain the
	// literal substrings "{owner}" and "{prefix}", substituted per
	// appservice before each request (spec §6, "Outbound HTTP
	// (bridge-state endpoints)").
	RemoteStatusURLTemplate string
	BridgeStatusURLTemplate string
}

func New(client *http.Client, remoteStatusTemplate, bridgeStatusTemplate string, log zerolog.Logger) *Reporter {
	return &Reporter{
		Client:                  client,
		Log:                     log,
		RemoteStatusURLTemplate: remoteStatusTemplate,
		BridgeStatusURLTemplate: bridgeStatusTemplate,
	}
}

func substitute(template string, az *database.Appservice) string {
	r := strings.NewReplacer("{owner}", az.Owner, "{prefix}", az.Prefix)
	return r.Replace(template)
}

func (r *Reporter) post(ctx context.Context, url string, body interface{}, bearer string) {
	if url == "" {
		return
	}
	data, err := json.Marshal(body)
	if err != nil {
		r.Log.Warn().Err(err).Str("url", url).Msg("Failed to marshal status report body")
		return
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		r.Log.Warn().Err(err).Str("url", url).Msg("Failed to build status report request")
		return
	}
	req.Header.Set("Content-Type", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	resp, err := r.Client.Do(req)
	if err != nil {
		r.Log.Warn().Err(err).Str("url", url).Msg("Status report request failed")
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		r.Log.Warn().Int("status", resp.StatusCode).Str("url", url).Msg("Status report endpoint returned non-2xx")
	}
}

// SendRemoteStatus POSTs a bridge-supplied per-bridge state object to
// the configured remote-status endpoint, authenticated with the
// appservice's real_as_token (spec §4.H).
func (r *Reporter) SendRemoteStatus(ctx context.Context, az *database.Appservice, state json.RawMessage) {
	url := substitute(r.RemoteStatusURLTemplate, az)
	r.post(ctx, url, state, az.RealASToken())
}

// SendBridgeStatus POSTs {"stateEvent": event} to the configured
// bridge-status endpoint. event is the opaque state payload a bridge
// reported over its "bridge_status" websocket command (spec §4.H).
func (r *Reporter) SendBridgeStatus(ctx context.Context, az *database.Appservice, event string) {
	url := substitute(r.BridgeStatusURLTemplate, az)
	body := map[string]json.RawMessage{"stateEvent": json.RawMessage(event)}
	r.post(ctx, url, body, az.RealASToken())
}

// SendMessageCheckpoints POSTs a batch of per-message delivery
// checkpoints (spec §4.H).
func (r *Reporter) SendMessageCheckpoints(ctx context.Context, az *database.Appservice, checkpoints []Checkpoint) {
	url := substitute(r.BridgeStatusURLTemplate, az)
	body := map[string][]Checkpoint{"checkpoints": checkpoints}
	r.post(ctx, url, body, az.RealASToken())
}

// ReportExpiredPDU synthesizes a TIMEOUT/BRIDGE/ASMUX checkpoint for
// every stale PDU the queue evicted and reports them as one batch
// (spec §4.H, §4.C). It implements deliver.Status.
func (r *Reporter) ReportExpiredPDU(ctx context.Context, az *database.Appservice, expired []json.RawMessage) {
	if len(expired) == 0 {
		return
	}
	now := time.Now().UnixMilli()
	checkpoints := make([]Checkpoint, 0, len(expired))
	for _, raw := range expired {
		checkpoints = append(checkpoints, Checkpoint{
			EventID:    events.EventID(events.JSON(raw)),
			RoomID:     events.RoomID(events.JSON(raw)),
			Step:       StepBridge,
			Timestamp:  now,
			Status:     StatusTimeout,
			EventType:  events.Type(events.JSON(raw)),
			ReportedBy: ReportedByASMUX,
			Info:       InfoDroppedEvent,
		})
	}
	r.SendMessageCheckpoints(ctx, az, checkpoints)
}
