package api

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"maunium.net/go/mautrix-asmux/internal/database"
	"maunium.net/go/mautrix-asmux/internal/deliver"
	"maunium.net/go/mautrix-asmux/internal/dispatch"
	"maunium.net/go/mautrix-asmux/internal/queue"
	"maunium.net/go/mautrix-asmux/internal/router"
)

// Directory is the subset of internal/directory.Directory the HTTP
// surface needs directly (the rest goes through internal/router).
type Directory interface {
	GetAppservice(ctx context.Context, id uuid.UUID) (*database.Appservice, error)
}

// Server owns the HTTP surface: the inbound transaction endpoint, the
// fi.mau.as_sync websocket upgrade, the client-API reverse proxy, and
// one background queue consumer per appservice (spec §2's "a
// per-appservice consumer chooses Deliverer E...or D").
type Server struct {
	Dir        Directory
	Router     *router.Router
	Dispatch   *dispatch.Table
	Stream     queue.Stream
	WS         *deliver.WebsocketDeliverer
	HTTP       *deliver.HTTPDeliverer
	Status     deliver.Status
	HSToken    string
	MXIDSuffix string
	Log        zerolog.Logger

	shuttingDown int32 // atomic bool

	consumersMu sync.Mutex
	consumers   map[uuid.UUID]context.CancelFunc
}

func NewServer(dir Directory, rtr *router.Router, dispatchTbl *dispatch.Table, stream queue.Stream,
	ws *deliver.WebsocketDeliverer, httpDeliverer *deliver.HTTPDeliverer, status deliver.Status,
	hsToken, mxidSuffix string, log zerolog.Logger) *Server {
	ws.Dispatch = dispatchTbl
	return &Server{
		Dir:        dir,
		Router:     rtr,
		Dispatch:   dispatchTbl,
		Stream:     stream,
		WS:         ws,
		HTTP:       httpDeliverer,
		Status:     status,
		HSToken:    hsToken,
		MXIDSuffix: mxidSuffix,
		Log:        log,
		consumers:  make(map[uuid.UUID]context.CancelFunc),
	}
}

// IsShuttingDown reports whether Shutdown has been called, consulted
// by the websocket handshake (spec §4.E step 1) and by HTTPConsumer's
// callers through EnsurePushConsumer's context.
func (s *Server) IsShuttingDown() bool { return atomic.LoadInt32(&s.shuttingDown) != 0 }

// Routes registers every handler on a fresh gorilla/mux router,
// mirroring the teacher's appservice.go route table shape
// (HandleFunc + Methods).
func (s *Server) Routes() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/_matrix/app/v1/transactions/{txnID}", s.PutTransaction).Methods(http.MethodPut)
	r.HandleFunc("/_matrix/client/unstable/fi.mau.as_sync", s.HandleWebsocket).Methods(http.MethodGet)
	r.HandleFunc("/_matrix/mau/live", s.GetLive).Methods(http.MethodGet)
	r.HandleFunc("/_matrix/mau/ready", s.GetReady).Methods(http.MethodGet)
	r.PathPrefix("/_matrix/client/").HandlerFunc(s.ProxyClientAPI)
	return r
}

func (s *Server) GetLive(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}

func (s *Server) GetReady(w http.ResponseWriter, r *http.Request) {
	if s.IsShuttingDown() {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// Shutdown marks the server as draining (rejecting new websocket
// handshakes, spec §4.E step 1) and closes every live connection with
// 1012 "service restart" so bridges reconnect to another replica.
func (s *Server) Shutdown(ctx context.Context) {
	atomic.StoreInt32(&s.shuttingDown, 1)
	s.WS.Table.CloseAll(1012, "server_shutting_down")

	s.consumersMu.Lock()
	for id, cancel := range s.consumers {
		cancel()
		delete(s.consumers, id)
	}
	s.consumersMu.Unlock()
}

// checkHSToken authenticates an inbound homeserver request against the
// single shared hs_token (spec §6, "authenticated by hs_token").
func (s *Server) checkHSToken(r *http.Request) bool {
	token := r.URL.Query().Get("access_token")
	if token == "" {
		if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
			token = strings.TrimPrefix(auth, "Bearer ")
		}
	}
	return token != "" && token == s.HSToken
}

// findByRealASToken resolves the bearer token on a bridge-originated
// request (the websocket handshake, the client-API proxy) back to its
// appservice. real_as_token is "{id}-{as_token}" (spec §3); the id is
// always a 36-character UUID string, so the split point is fixed
// rather than found by searching for "-".
func (s *Server) findByRealASToken(ctx context.Context, token string) (*database.Appservice, bool) {
	const uuidLen = 36
	if len(token) < uuidLen+2 || token[uuidLen] != '-' {
		return nil, false
	}
	id, err := uuid.Parse(token[:uuidLen])
	if err != nil {
		return nil, false
	}
	az, err := s.Dir.GetAppservice(ctx, id)
	if err != nil || az == nil {
		return nil, false
	}
	if az.ASToken != token[uuidLen+1:] {
		return nil, false
	}
	return az, true
}

func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if !strings.HasPrefix(auth, "Bearer ") {
		return ""
	}
	return strings.TrimPrefix(auth, "Bearer ")
}
