package deliver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/rs/zerolog"

	"maunium.net/go/mautrix-asmux/internal/database"
)

// SygnalTransport is the one concrete PushTransport named in spec §4.F:
// it posts a bridge's stored PushKey to a Sygnal push gateway
// (https://github.com/matrix-org/sygnal)'s /notify endpoint, the same
// wire shape a homeserver itself uses to wake a mobile client.
type SygnalTransport struct {
	Client   *http.Client
	Endpoint string
	Log      zerolog.Logger
}

func NewSygnalTransport(client *http.Client, endpoint string, log zerolog.Logger) *SygnalTransport {
	return &SygnalTransport{Client: client, Endpoint: endpoint, Log: log}
}

// sygnalNotification is Sygnal's /notify request body: a devices list
// carrying the bridge's opaque push descriptor verbatim.
type sygnalNotification struct {
	Notification sygnalPayload `json:"notification"`
}

type sygnalPayload struct {
	Devices []sygnalDevice `json:"devices"`
}

type sygnalDevice struct {
	AppID     string          `json:"app_id"`
	Pushkey   string          `json:"pushkey"`
	PushkeyTS int64           `json:"pushkey_ts,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// Push implements PushTransport. pushKey is the stored
// database.PushKey's raw JSON; it is decoded just enough to build the
// devices entry, never otherwise interpreted (spec §4.A, "asmux never
// deserializes its contents beyond that").
func (s *SygnalTransport) Push(ctx context.Context, pushKey []byte) error {
	pk, err := database.ParsePushKey(pushKey)
	if err != nil || pk == nil {
		return err
	}

	body := sygnalNotification{Notification: sygnalPayload{Devices: []sygnalDevice{{
		AppID:     pk.AppID,
		Pushkey:   pk.PushKey,
		PushkeyTS: pk.PushKeyTS,
		Data:      pk.Data,
	}}}}
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.Endpoint, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("sygnal returned status %d", resp.StatusCode)
	}
	return nil
}
