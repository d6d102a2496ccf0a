// Package deliver implements the HTTP Deliverer, Websocket Deliverer,
// and Wakeup Pusher (spec §4.D, §4.E, §4.F) — the three ways a
// borrowed queue batch actually reaches an appservice.
package deliver

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/rs/zerolog"

	"maunium.net/go/mautrix-asmux/internal/database"
	"maunium.net/go/mautrix-asmux/internal/events"
)

// Outcome values mirror the original's string results so logging and
// status reporting can carry the same vocabulary.
const (
	OutcomeOK       = "ok"
	OutcomeGaveUp   = "http-gave-up"
	OutcomeNoAddr   = "no-address-configured"
	InitialBackoff  = time.Second
	BackoffFactor   = 1.5
	MaxAttemptsPDU  = 10
	MaxAttemptsOnly = 2
)

// HTTPDeliverer implements push-mode delivery: a PUT to the
// appservice's own /_matrix/app/v1/transactions/{txn_id}.
type HTTPDeliverer struct {
	Client *http.Client
	Log    zerolog.Logger

	// MXIDSuffix is only needed by Ping, set directly by the caller
	// once known (the same deferred-wiring pattern used for
	// WebsocketDeliverer.Table).
	MXIDSuffix string
}

func NewHTTPDeliverer(client *http.Client, log zerolog.Logger) *HTTPDeliverer {
	return &HTTPDeliverer{Client: client, Log: log}
}

// PostEvents sends txn to appservice.Address with bounded retries
// (spec §4.D): initial backoff 1s, ×1.5 multiplier, up to 10 attempts
// when the envelope carries at least one PDU, else 2. Retries on
// connection errors and any HTTP status >= 400; does not sleep after
// the final attempt.
func (d *HTTPDeliverer) PostEvents(ctx context.Context, az *database.Appservice, txn *events.Events) string {
	if az.Address == "" {
		d.Log.Warn().Str("txn_id", txn.TxnID).Str("appservice", az.Name()).
			Msg("Not sending transaction: no address configured")
		return OutcomeNoAddr
	}

	body, err := txn.Serialize()
	if err != nil {
		d.Log.Error().Err(err).Str("txn_id", txn.TxnID).Msg("Failed to serialize transaction")
		return OutcomeGaveUp
	}

	url := fmt.Sprintf("%s/_matrix/app/v1/transactions/%s?access_token=%s",
		az.Address, txn.TxnID, az.HSToken)

	retries := MaxAttemptsOnly
	if len(txn.PDU) > 0 {
		retries = MaxAttemptsPDU
	}

	backoff := InitialBackoff
	var lastErr string
	for attempt := 1; attempt <= retries; attempt++ {
		d.Log.Debug().Str("txn_id", txn.TxnID).Str("appservice", az.Name()).Int("attempt", attempt).
			Msg("Sending transaction via HTTP")

		req, err := http.NewRequestWithContext(ctx, http.MethodPut, url, bytes.NewReader(body))
		if err != nil {
			d.Log.Error().Err(err).Msg("Failed to build transaction request")
			return OutcomeGaveUp
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := d.Client.Do(req)
		if err != nil {
			lastErr = err.Error()
		} else {
			status := resp.StatusCode
			resp.Body.Close()
			if status < 400 {
				return OutcomeOK
			}
			lastErr = fmt.Sprintf("HTTP %d", status)
		}

		if attempt < retries {
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return OutcomeGaveUp
			}
			backoff = time.Duration(float64(backoff) * BackoffFactor)
		}
	}

	d.Log.Warn().Str("txn_id", txn.TxnID).Str("appservice", az.Name()).Str("last_error", lastErr).
		Msg("Gave up trying to send transaction")
	return OutcomeGaveUp
}

// Ping probes a bridge directly over HTTP, independent of any
// websocket, a direct port of as_http.py's ping: a POST to the
// bridge's own bridge-state endpoint with a 45s timeout (spec §5,
// timeout table, "HTTP ping 45 s"). It implements deliver.Prober for
// the Websocket Deliverer's teardown bridge-unreachable check (spec
// §4.E, "Teardown") and reports only reachability, not bridge state.
func (d *HTTPDeliverer) Ping(ctx context.Context, az *database.Appservice) bool {
	if az.Address == "" {
		return false
	}
	pingCtx, cancel := context.WithTimeout(ctx, 45*time.Second)
	defer cancel()

	u := fmt.Sprintf("%s/_matrix/app/com.beeper.bridge_state?user_id=%s",
		az.Address, url.QueryEscape(database.OwnerMXID(az.Owner, d.MXIDSuffix)))
	req, err := http.NewRequestWithContext(pingCtx, http.MethodPost, u, nil)
	if err != nil {
		return false
	}
	req.Header.Set("Authorization", "Bearer "+az.HSToken)

	resp, err := d.Client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode < 300
}
