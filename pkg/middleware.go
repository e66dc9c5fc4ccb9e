package cluster

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"regexp"
	"strings"

	"github.com/gorilla/websocket"

	"github.com/cryptagon/ion-sessiond/pkg/detector"
	"github.com/cryptagon/ion-sessiond/pkg/identity"
	"github.com/cryptagon/ion-sessiond/pkg/recovery"
	"github.com/cryptagon/ion-sessiond/pkg/store"
	"github.com/cryptagon/ion-sessiond/pkg/transport"
	"github.com/cryptagon/ion-sessiond/pkg/types"
)

const (
	HeaderSessionID   = "Mcp-Session-Id"
	HeaderSessionEcho = "X-MCP-Session-ID"
	HeaderRecovery    = "X-Session-Recovery"

	RecoveryRecovered   = "recovered"
	RecoveryExhausted   = "exhausted"
	RecoveryUnavailable = "unavailable"

	// carried through observation attributes, never stored
	attrTransport = "_transport"
)

var pathSessionID = regexp.MustCompile(`/(?:sessions?|messages)/([0-9a-fA-F-]{32,36})(?:/|$)`)

// SessionIDFromRequest looks in the session header, then the session_id query
// parameter, then the path. Anything that is not a well formed id is ignored.
func SessionIDFromRequest(r *http.Request) string {
	if sid := strings.TrimSpace(r.Header.Get(HeaderSessionID)); detector.ValidSessionID(sid) {
		return sid
	}
	if sid := r.URL.Query().Get("session_id"); detector.ValidSessionID(sid) {
		return sid
	}
	if m := pathSessionID.FindStringSubmatch(r.URL.Path); m != nil && detector.ValidSessionID(m[1]) {
		return m[1]
	}
	return ""
}

func transportTypeOf(r *http.Request, fallback string) string {
	switch {
	case websocket.IsWebSocketUpgrade(r):
		return transport.TypeWebsocket
	case strings.Contains(r.Header.Get("Accept"), "text/event-stream"),
		strings.HasPrefix(r.URL.Path, "/messages"),
		strings.HasPrefix(r.URL.Path, "/sse"):
		return transport.TypeSSE
	case r.Header.Get(HeaderSessionID) != "":
		return transport.TypeStreamableHTTP
	}
	return fallback
}

// SessionMiddleware wraps the engine. Every request carrying a session id is
// reported to the detector as a structured observation, and an engine 404 for
// such a request goes through recovery before the status is written.
func (n *Node) SessionMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sid := SessionIDFromRequest(r)
		if sid == "" {
			next.ServeHTTP(w, r)
			return
		}

		creds := identity.FromRequest(r)
		id := n.resolver.Resolve(creds)
		tt := transportTypeOf(r, n.conf.Server.TransportType)

		attrs := map[string]string{
			types.AttrDetectedFrom: detector.SourceMiddleware,
			types.AttrAuthKind:     string(id.Kind),
			types.AttrPath:         r.URL.Path,
			attrTransport:          tt,
		}
		if creds.UserAgent != "" {
			attrs[types.AttrUserAgent] = creds.UserAgent
		}
		if host, _, err := net.SplitHostPort(creds.RemoteAddr); err == nil {
			attrs[types.AttrClientIP] = host
		} else if creds.RemoteAddr != "" {
			attrs[types.AttrClientIP] = creds.RemoteAddr
		}
		n.detector.Emit(types.Observation{
			SessionID:    sid,
			IdentityHash: id.Hash,
			AuthKind:     id.Kind,
			Source:       detector.SourceMiddleware,
			Attributes:   attrs,
		})

		w.Header().Set(HeaderSessionEcho, sid)
		rw := &recoveryWriter{
			ResponseWriter: w,
			onNotFound: func() int {
				return n.recover(r, sid, id, tt, w.Header())
			},
		}
		next.ServeHTTP(rw, r)
	})
}

// recover runs recovery for an engine 404 and returns the status to send.
// Only an exhausted bound or an unreachable store changes it.
func (n *Node) recover(r *http.Request, sid string, id identity.Identity, transportType string, h http.Header) int {
	res, err := n.recovery.HandleNotFound(r.Context(), sid, id, transportType)
	switch {
	case err == nil:
		h.Set(HeaderRecovery, RecoveryRecovered)
		n.log.V(1).Info("engine lost session, bookkeeping recovered", "session", sid, "outcome", res.Outcome)
		return http.StatusNotFound
	case errors.Is(err, recovery.ErrRecoveryExhausted):
		h.Set(HeaderRecovery, RecoveryExhausted)
		return http.StatusGone
	case errors.Is(err, store.ErrStoreUnavailable):
		h.Set(HeaderRecovery, RecoveryUnavailable)
		return http.StatusServiceUnavailable
	}
	n.log.Error(err, "recovery failed, passing engine response through", "session", sid)
	return http.StatusNotFound
}

// recoveryWriter intercepts the first 404 header write. It keeps Flush and
// Hijack available so streaming and websocket upgrades pass through.
type recoveryWriter struct {
	http.ResponseWriter
	onNotFound  func() int
	wroteHeader bool
}

func (w *recoveryWriter) WriteHeader(code int) {
	if w.wroteHeader {
		return
	}
	w.wroteHeader = true
	if code == http.StatusNotFound && w.onNotFound != nil {
		code = w.onNotFound()
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *recoveryWriter) Write(b []byte) (int, error) {
	if !w.wroteHeader {
		w.WriteHeader(http.StatusOK)
	}
	return w.ResponseWriter.Write(b)
}

func (w *recoveryWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		if !w.wroteHeader {
			w.WriteHeader(http.StatusOK)
		}
		f.Flush()
	}
}

func (w *recoveryWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("cluster: response writer cannot hijack")
	}
	w.wroteHeader = true
	return h.Hijack()
}
