package cluster

import (
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"

	"github.com/gorilla/websocket"
	"github.com/koding/websocketproxy"
)

// forwarded on websocket upgrades; websocketproxy only copies a handful of
// headers by itself
var proxiedHeaders = []string{"Authorization", "X-API-Key", HeaderSessionID, "User-Agent"}

// engineProxy forwards to the engine. Streaming responses are flushed as
// they arrive and websocket upgrades are proxied frame by frame.
func (s *Server) engineProxy(upstream *url.URL) http.Handler {
	rp := httputil.NewSingleHostReverseProxy(upstream)
	rp.FlushInterval = -1

	wsURL := *upstream
	switch wsURL.Scheme {
	case "https":
		wsURL.Scheme = "wss"
	default:
		wsURL.Scheme = "ws"
	}
	wp := websocketproxy.NewProxy(&wsURL)
	wp.Upgrader = &websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			return true
		},
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
	}
	wp.Director = func(in *http.Request, out http.Header) {
		for _, h := range proxiedHeaders {
			if v := in.Header.Get(h); v != "" {
				out.Set(h, v)
			}
		}
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if websocket.IsWebSocketUpgrade(r) {
			clientConnected(prometheusGaugeProxyClients)
			defer clientDisconnected(prometheusGaugeProxyClients)
			wp.ServeHTTP(w, r)
			return
		}
		if strings.Contains(r.Header.Get("Accept"), "text/event-stream") {
			clientConnected(prometheusGaugeProxyClients)
			defer clientDisconnected(prometheusGaugeProxyClients)
		}
		rp.ServeHTTP(w, r)
	})
}
