package cluster

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"

	"github.com/go-logr/logr"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/sourcegraph/jsonrpc2"
	websocketjsonrpc2 "github.com/sourcegraph/jsonrpc2/websocket"

	"github.com/cryptagon/ion-sessiond/pkg/session"
	"github.com/cryptagon/ion-sessiond/pkg/store"
	"github.com/cryptagon/ion-sessiond/pkg/types"
)

// AdminPrefix holds the operator routes that would otherwise collide with
// engine paths.
const AdminPrefix = "/_sessiond"

// Server is the http/websocket front of one replica
type Server struct {
	log     logr.Logger
	node    *Node
	errChan chan error
	http    *http.Server

	config ServerConfig
}

// NewServer creates the http server for a node
func NewServer(n *Node, conf ServerConfig) (*Server, chan error) {
	e := make(chan error, 1)
	s := &Server{
		log:     n.log.WithName("server"),
		node:    n,
		errChan: e,
		config:  conf,
	}
	s.http = &http.Server{
		Addr:    conf.HTTPAddr,
		Handler: s.Router(),
	}
	return s, e
}

// Router builds every route. Monitoring lives under AdminPrefix, the engine
// proxy takes everything else when an upstream is configured.
func (s *Server) Router() http.Handler {
	r := mux.NewRouter()

	r.Handle("/health", http.HandlerFunc(s.handleHealth)).Methods(http.MethodGet)
	r.Handle("/metrics", metricsHandler())

	admin := r.PathPrefix(AdminPrefix).Subrouter()
	admin.Handle("/health", http.HandlerFunc(s.handleHealth)).Methods(http.MethodGet)
	admin.Handle("/sessions/{identity}", s.requireAdmin(http.HandlerFunc(s.handleSessions))).Methods(http.MethodGet)
	admin.Handle("/analytics", s.requireAdmin(http.HandlerFunc(s.handleAnalytics))).Methods(http.MethodGet)
	admin.Handle("/recovery", s.requireAdmin(http.HandlerFunc(s.handleRecovery))).Methods(http.MethodGet)
	admin.Handle("/admin", s.requireAdmin(http.HandlerFunc(s.handleAdminRPC)))

	if s.config.Upstream != "" {
		upstream, err := url.Parse(s.config.Upstream)
		if err != nil {
			s.log.Error(err, "bad upstream, engine proxy disabled", "upstream", s.config.Upstream)
		} else {
			s.log.Info("proxying engine", "upstream", upstream.String())
			r.PathPrefix("/").Handler(s.node.SessionMiddleware(s.engineProxy(upstream)))
			return r
		}
	}

	r.Handle("/", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	return r
}

// Serve listens until the server is shut down; failures land on the error
// channel.
func (s *Server) Serve() {
	var err error
	if s.config.Key != "" && s.config.Cert != "" {
		s.log.Info("Started session server (https)", "listen", s.config.HTTPAddr)
		err = s.http.ListenAndServeTLS(s.config.Cert, s.config.Key)
	} else {
		s.log.Info("Started session server", "listen", s.config.HTTPAddr)
		err = s.http.ListenAndServe()
	}

	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		s.errChan <- err
	}
}

// Shutdown stops accepting connections. Hijacked websockets are not tracked
// here; callers wait on MetricsGetActiveClientsCount for those.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, session.ErrSessionNotFound):
		status = http.StatusNotFound
	case errors.Is(err, store.ErrStoreUnavailable):
		status = http.StatusServiceUnavailable
	}
	s.log.Error(err, "request failed", "status", status)
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	report := s.node.Health(r.Context())
	status := http.StatusOK
	if !report.OK() {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, report)
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	identity := types.IdentityHash(mux.Vars(r)["identity"])
	list, err := s.node.manager.ListByIdentity(r.Context(), identity)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"identity_hash": identity,
		"count":         len(list),
		"sessions":      list,
	})
}

func (s *Server) handleAnalytics(w http.ResponseWriter, r *http.Request) {
	report, err := s.node.Analytics(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleRecovery(w http.ResponseWriter, r *http.Request) {
	st, err := s.node.recovery.Stats(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleAdminRPC(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			return true
		},
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
	}
	c, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Error(err, "admin websocket upgrade failed")
		return
	}
	defer c.Close()

	clientConnected(prometheusGaugeAdminClients)
	defer clientDisconnected(prometheusGaugeAdminClients)

	jc := jsonrpc2.NewConn(r.Context(), websocketjsonrpc2.NewObjectStream(c), &AdminRPC{node: s.node})
	<-jc.DisconnectNotify()
}
