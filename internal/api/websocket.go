package api

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"maunium.net/go/mautrix-asmux/internal/database"
	"maunium.net/go/mautrix-asmux/internal/deliver"
	"maunium.net/go/mautrix-asmux/internal/queue"
)

var upgrader = websocket.Upgrader{
	Subprotocols:    []string{"fi.mau.as_sync"},
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// HandleWebsocket implements GET /_matrix/client/unstable/fi.mau.as_sync
// (spec §4.E "Handshake", §6 "Inbound websocket"): authenticate,
// reject a push-mode appservice or a draining server, upgrade, then
// run the queue consumer and read loop for the lifetime of the
// connection.
func (s *Server) HandleWebsocket(w http.ResponseWriter, r *http.Request) {
	if s.IsShuttingDown() {
		writeError(w, ErrShuttingDown)
		return
	}

	token := bearerToken(r)
	if token == "" {
		writeError(w, ErrMissingAuth)
		return
	}
	az, ok := s.findByRealASToken(r.Context(), token)
	if !ok {
		writeError(w, ErrUnknownToken)
		return
	}
	if az.Push {
		writeError(w, ErrWSNotEnabled)
		return
	}

	version := deliver.WSVersionFireAndForget
	if raw := r.Header.Get("X-Mautrix-Websocket-Version"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			version = deliver.WSVersion(n)
		}
	}
	processID := r.Header.Get("X-Mautrix-Process-ID")

	wsConn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.Log.Warn().Err(err).Str("appservice", az.Name()).Msg("Websocket upgrade failed")
		return
	}

	conn := deliver.NewConn(wsConn, version, processID)
	ctx := r.Context()
	log := s.Log.With().Str("appservice", az.Name()).Logger()

	s.WS.Accept(ctx, az, conn)

	q := queue.New(s.Stream, az.ID, database.OwnerMXID(az.Owner, s.MXIDSuffix))
	consumerCtx, cancelConsumer := context.WithCancel(ctx)
	defer cancelConsumer()
	go s.WS.RunConsumer(consumerCtx, az, q, conn)

	s.readLoop(ctx, az, conn, log)
	s.WS.Teardown(ctx, az, conn)
}

// readLoop blocks reading frames from conn until the connection closes
// for any reason, dispatching each to the deliverer (spec §4.E,
// "Lifecycle signals").
func (s *Server) readLoop(ctx context.Context, az *database.Appservice, conn *deliver.Conn, log zerolog.Logger) {
	for {
		_, raw, err := conn.WS.ReadMessage()
		if err != nil {
			log.Debug().Err(err).Msg("Websocket connection closed")
			return
		}
		s.WS.HandleFrame(ctx, az, conn, raw)
	}
}
