package api

import (
	"net/http"
	"net/http/httputil"
	"net/url"

	"maunium.net/go/mautrix-asmux/internal/database"
)

// ProxyClientAPI is the thin client-to-homeserver reverse proxy stub
// (spec §6, "Client-to-homeserver reverse proxy"): it authenticates a
// bridge's as_token against the Directory and forwards the request
// upstream unmodified, carrying no independent retry/queue logic of
// its own (SPEC_FULL.md §6, "not part of the core dispatch engine
// budget").
func (s *Server) ProxyClientAPI(w http.ResponseWriter, r *http.Request) {
	token := bearerToken(r)
	if token == "" {
		token = r.URL.Query().Get("access_token")
	}
	if token == "" {
		writeError(w, ErrMissingAuth)
		return
	}
	az, ok := s.findByRealASToken(r.Context(), token)
	if !ok {
		writeError(w, ErrUnknownToken)
		return
	}
	if az.Address == "" {
		writeError(w, &APIError{http.StatusBadGateway, "M_UNKNOWN", "no upstream address configured"})
		return
	}

	target, err := url.Parse(az.Address)
	if err != nil {
		writeError(w, &APIError{http.StatusBadGateway, "M_UNKNOWN", "invalid upstream address"})
		return
	}

	proxy := httputil.NewSingleHostReverseProxy(target)
	proxy.Director = directorFor(target, az)
	proxy.ServeHTTP(w, r)
}

// directorFor rewrites the outbound request's scheme/host to the
// bridge's own address and swaps the caller's bearer token for the
// bridge's hs_token, the credential its own homeserver-facing client
// API expects.
func directorFor(target *url.URL, az *database.Appservice) func(*http.Request) {
	return func(req *http.Request) {
		req.URL.Scheme = target.Scheme
		req.URL.Host = target.Host
		req.Host = target.Host
		q := req.URL.Query()
		q.Set("access_token", az.HSToken)
		req.URL.RawQuery = q.Encode()
		req.Header.Del("Authorization")
	}
}
