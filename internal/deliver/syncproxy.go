package deliver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/rs/zerolog"

	"maunium.net/go/mautrix-asmux/internal/database"
)

// SyncProxyClient is the one concrete SyncProxy implementation: the
// RPC client for a fi.mau.syncproxy sidecar (spec §6, "Outbound RPC
// (sync-proxy)"), a direct port of as_websocket.py's
// start_sync_proxy/stop_sync_proxy.
type SyncProxyClient struct {
	Client *http.Client
	Log    zerolog.Logger

	// BaseURL is the sync proxy's own base address; Start/Stop are a
	// no-op (an error, for Start) when this is empty, matching the
	// original's Optional[URL] "not configured" behavior.
	BaseURL string
	// Token is the bearer token the sync proxy itself expects.
	Token string
	// OwnAddress is handed to the proxy as "address", letting it reach
	// this replica back.
	OwnAddress string
	HSToken    string
	MXIDPrefix string
	MXIDSuffix string
}

func NewSyncProxyClient(client *http.Client, baseURL, token, ownAddress, hsToken, mxidPrefix, mxidSuffix string, log zerolog.Logger) *SyncProxyClient {
	return &SyncProxyClient{
		Client:     client,
		Log:        log,
		BaseURL:    baseURL,
		Token:      token,
		OwnAddress: ownAddress,
		HSToken:    hsToken,
		MXIDPrefix: mxidPrefix,
		MXIDSuffix: mxidSuffix,
	}
}

func (c *SyncProxyClient) url(az *database.Appservice) string {
	return strings.TrimRight(c.BaseURL, "/") + "/_matrix/client/unstable/fi.mau.syncproxy/" + az.ID.String()
}

// syncProxyStartRequest is the PUT body spec §6 documents verbatim.
type syncProxyStartRequest struct {
	AppserviceID   string `json:"appservice_id"`
	UserID         string `json:"user_id"`
	BotAccessToken string `json:"bot_access_token"`
	DeviceID       string `json:"device_id"`
	HSToken        string `json:"hs_token"`
	Address        string `json:"address"`
	IsProxy        bool   `json:"is_proxy"`
}

// Start requests that the sync proxy take over direct-to-device sync
// for az's bot user, the "start_sync" lifecycle signal (spec §4.E).
// accessToken/deviceID come from the bridge's request frame.
func (c *SyncProxyClient) Start(ctx context.Context, az *database.Appservice, accessToken, deviceID string) (json.RawMessage, error) {
	body := syncProxyStartRequest{
		AppserviceID:   az.ID.String(),
		UserID:         database.BotMXID(az, c.MXIDPrefix, c.MXIDSuffix),
		BotAccessToken: accessToken,
		DeviceID:       deviceID,
		HSToken:        c.HSToken,
		Address:        c.OwnAddress,
		IsProxy:        true,
	}
	return c.do(ctx, http.MethodPut, az, body)
}

// Stop requests that the sync proxy release az's slot on teardown
// (spec §4.E, "schedule a stop_sync_proxy call"). Fire-and-forget:
// nothing awaits this call's outcome, so failures are only logged,
// matching the original's stop_sync_proxy try/except.
func (c *SyncProxyClient) Stop(ctx context.Context, az *database.Appservice) {
	if c.BaseURL == "" {
		return
	}
	if _, err := c.do(ctx, http.MethodDelete, az, nil); err != nil {
		c.Log.Warn().Err(err).Str("appservice", az.Name()).Msg("Failed to request sync proxy stop")
		return
	}
	c.Log.Debug().Str("appservice", az.Name()).Msg("Stopped sync proxy")
}

func (c *SyncProxyClient) do(ctx context.Context, method string, az *database.Appservice, body interface{}) (json.RawMessage, error) {
	if c.BaseURL == "" {
		return nil, fmt.Errorf("sync proxy not configured")
	}
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.url(az), reader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.Token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.Client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("sync proxy returned status %d: %s", resp.StatusCode, data)
	}
	return data, nil
}
