package debugsrv

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	hpprof "net/http/pprof"
	"strings"

	logx "tickwork/pkg/logx"
)

func (s *Service) routes(token string) http.Handler {
	mux := http.NewServeMux()
	guard := authGuard(token)

	mux.HandleFunc("GET /healthz", guard(s.handleHealth))
	mux.HandleFunc("GET /status", guard(s.handleStatus))

	mux.HandleFunc("/debug/pprof/", guard(hpprof.Index))
	mux.HandleFunc("/debug/pprof/cmdline", guard(hpprof.Cmdline))
	mux.HandleFunc("/debug/pprof/profile", guard(hpprof.Profile))
	mux.HandleFunc("/debug/pprof/symbol", guard(hpprof.Symbol))
	mux.HandleFunc("/debug/pprof/trace", guard(hpprof.Trace))
	return mux
}

func (s *Service) handleHealth(w http.ResponseWriter, _ *http.Request) {
	if s.health != nil {
		if err := s.health(); err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
	}
	_, _ = w.Write([]byte("ok"))
}

func (s *Service) handleStatus(w http.ResponseWriter, r *http.Request) {
	var v any = struct{}{}
	if s.status != nil {
		v = s.status(r.Context())
	}
	w.Header().Set("Content-Type", "application/json")
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		s.log.Debug("status encode failed", logx.Err(err))
	}
}

// authGuard wraps handlers so they require the token, given either as
// "Authorization: Bearer <token>" or "?token=<token>". A query token is
// checked on its own and never falls back to the header. An empty token
// disables the check.
func authGuard(token string) func(http.HandlerFunc) http.HandlerFunc {
	want := []byte(strings.TrimSpace(token))
	return func(h http.HandlerFunc) http.HandlerFunc {
		if len(want) == 0 {
			return h
		}
		return func(w http.ResponseWriter, r *http.Request) {
			if tokenMatches(requestToken(r), want) {
				h(w, r)
				return
			}
			w.Header().Set("WWW-Authenticate", "Bearer")
			http.Error(w, "unauthorized", http.StatusUnauthorized)
		}
	}
}

func requestToken(r *http.Request) string {
	if q := r.URL.Query().Get("token"); q != "" {
		return q
	}
	const prefix = "Bearer "
	if ah := r.Header.Get("Authorization"); strings.HasPrefix(ah, prefix) {
		return strings.TrimSpace(ah[len(prefix):])
	}
	return ""
}

func tokenMatches(got string, want []byte) bool {
	return got != "" && subtle.ConstantTimeCompare([]byte(got), want) == 1
}
