package cluster

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/require"

	"github.com/cryptagon/ion-sessiond/pkg/identity"
	"github.com/cryptagon/ion-sessiond/pkg/store"
	"github.com/cryptagon/ion-sessiond/pkg/types"
)

const testSID = "9f8e7d6c5b4a39281706f5e4d3c2b1a0"

func newTestNode(t *testing.T, s store.Store) *Node {
	if s == nil {
		s = store.NewMemory()
	}
	conf := DefaultConfig()
	conf.Server.Name = "replica-test"
	n := NewNodeWithStore(conf, s, logr.Discard())
	t.Cleanup(func() { n.Close() })
	return n
}

type downStore struct {
	store.Store
}

func (downStore) err(op string) error {
	return fmt.Errorf("%w: %s: connection refused", store.ErrStoreUnavailable, op)
}

func (d downStore) Ping(context.Context) error { return d.err("ping") }
func (d downStore) Incr(context.Context, string, time.Duration) (int64, error) {
	return 0, d.err("incr")
}
func (d downStore) Get(context.Context, string) ([]byte, error) { return nil, d.err("get") }

func TestSessionIDFromRequest(t *testing.T) {
	uuidSID := "6f1c2a9e-8b4d-4c3e-9f2a-1b2c3d4e5f60"
	cases := []struct {
		name   string
		target string
		header string
		want   string
	}{
		{"header", "/mcp", testSID, testSID},
		{"query", "/messages/?session_id=" + testSID, "", testSID},
		{"path", "/sessions/" + uuidSID + "/stream", "", uuidSID},
		{"header wins", "/messages/?session_id=" + strings.Repeat("a", 32), testSID, testSID},
		{"bad header falls through", "/messages/?session_id=" + testSID, "nope", testSID},
		{"none", "/health", "", ""},
		{"malformed query", "/messages/?session_id=xyz", "", ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodPost, tc.target, nil)
			if tc.header != "" {
				r.Header.Set(HeaderSessionID, tc.header)
			}
			require.Equal(t, tc.want, SessionIDFromRequest(r))
		})
	}
}

func TestMiddlewareObserves(t *testing.T) {
	n := newTestNode(t, nil)
	engine := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	})
	h := n.SessionMiddleware(engine)

	r := httptest.NewRequest(http.MethodPost, "/messages/?session_id="+testSID, nil)
	r.Header.Set("X-API-Key", "key-1")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)

	require.Equal(t, http.StatusAccepted, w.Code)
	require.Equal(t, testSID, w.Header().Get(HeaderSessionEcho))
	require.Empty(t, w.Header().Get(HeaderRecovery))

	n.detector.Close()
	ctx := context.Background()
	id := n.resolver.Resolve(identity.Credentials{APIKey: "key-1"})
	rec, err := n.manager.Get(ctx, id.Hash, testSID)
	require.NoError(t, err)
	require.Equal(t, "middleware", rec.Attributes[types.AttrDetectedFrom])
	require.Equal(t, "/messages/", rec.Attributes[types.AttrPath])
	require.NotContains(t, rec.Attributes, attrTransport)

	binding, err := n.bridge.Get(ctx, testSID)
	require.NoError(t, err)
	require.Equal(t, "replica-test", binding.ServerName)
	require.Equal(t, "sse", binding.TransportType)
}

func TestMiddlewarePassesRequestsWithoutSession(t *testing.T) {
	n := newTestNode(t, nil)
	h := n.SessionMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/unknown", nil))
	require.Equal(t, http.StatusNotFound, w.Code)
	require.Empty(t, w.Header().Get(HeaderRecovery))
}

func TestMiddlewareRecovery(t *testing.T) {
	n := newTestNode(t, nil)
	h := n.SessionMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "Could not find session", http.StatusNotFound)
	}))

	do := func() *httptest.ResponseRecorder {
		r := httptest.NewRequest(http.MethodPost, "/messages/?session_id="+testSID, nil)
		w := httptest.NewRecorder()
		h.ServeHTTP(w, r)
		return w
	}

	for i := 0; i < n.conf.Recovery.MaxAttempts; i++ {
		w := do()
		require.Equal(t, http.StatusNotFound, w.Code, "attempt %d", i+1)
		require.Equal(t, RecoveryRecovered, w.Header().Get(HeaderRecovery))
	}

	w := do()
	require.Equal(t, http.StatusGone, w.Code)
	require.Equal(t, RecoveryExhausted, w.Header().Get(HeaderRecovery))

	active, err := n.bridge.IsActive(context.Background(), testSID)
	require.NoError(t, err)
	require.True(t, active)
}

func TestMiddlewareStoreUnavailable(t *testing.T) {
	n := newTestNode(t, downStore{store.NewMemory()})
	h := n.SessionMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/sse", nil)
	r.Header.Set(HeaderSessionID, testSID)
	h.ServeHTTP(w, r)
	require.Equal(t, http.StatusServiceUnavailable, w.Code)
	require.Equal(t, RecoveryUnavailable, w.Header().Get(HeaderRecovery))
}

func TestHealthEndpoint(t *testing.T) {
	t.Run("ok", func(t *testing.T) {
		n := newTestNode(t, nil)
		s, _ := NewServer(n, n.conf.Server)

		w := httptest.NewRecorder()
		s.Router().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
		require.Equal(t, http.StatusOK, w.Code)

		var report HealthReport
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &report))
		require.Equal(t, "ok", report.StoreConnection)
		require.Equal(t, "replica-test", report.Replica)
	})

	t.Run("store down", func(t *testing.T) {
		n := newTestNode(t, downStore{store.NewMemory()})
		s, _ := NewServer(n, n.conf.Server)

		w := httptest.NewRecorder()
		s.Router().ServeHTTP(w, httptest.NewRequest(http.MethodGet, AdminPrefix+"/health", nil))
		require.Equal(t, http.StatusServiceUnavailable, w.Code)

		var report HealthReport
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &report))
		require.Equal(t, "error", report.StoreConnection)
		require.NotEmpty(t, report.Error)
	})
}

func TestMonitoringRoutes(t *testing.T) {
	ctx := context.Background()
	n := newTestNode(t, nil)
	var ident types.IdentityHash = "cccccccccccccccccccccccccccccccc"
	_, err := n.manager.FindOrCreate(ctx, ident, testSID, map[string]string{types.AttrDetectedFrom: "query_hex"})
	require.NoError(t, err)

	conf := n.conf.Server
	conf.Auth = AuthConfig{Enabled: true, Key: "secret"}
	s, _ := NewServer(n, conf)
	router := s.Router()

	t.Run("requires token", func(t *testing.T) {
		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, AdminPrefix+"/analytics", nil))
		require.Equal(t, http.StatusForbidden, w.Code)
	})

	t.Run("rejects wrong key", func(t *testing.T) {
		tok, err := NewAdminToken(AuthConfig{Key: "other"}, "ops")
		require.NoError(t, err)
		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, AdminPrefix+"/analytics?access_token="+tok, nil))
		require.Equal(t, http.StatusForbidden, w.Code)
	})

	tok, err := NewAdminToken(conf.Auth, "ops")
	require.NoError(t, err)

	t.Run("sessions", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodGet, AdminPrefix+"/sessions/"+string(ident), nil)
		r.Header.Set("Authorization", "Bearer "+tok)
		w := httptest.NewRecorder()
		router.ServeHTTP(w, r)
		require.Equal(t, http.StatusOK, w.Code)

		var body struct {
			Count    int                    `json:"count"`
			Sessions []*types.SessionRecord `json:"sessions"`
		}
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
		require.Equal(t, 1, body.Count)
		require.Equal(t, testSID, body.Sessions[0].SessionID)
	})

	t.Run("analytics", func(t *testing.T) {
		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, AdminPrefix+"/analytics?access_token="+tok, nil))
		require.Equal(t, http.StatusOK, w.Code)

		var report AnalyticsReport
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &report))
		require.Equal(t, 1, report.TotalSessions)
		require.Equal(t, 1, report.BySource["query_hex"])
		require.NotNil(t, report.Recovery)
		require.Equal(t, 3, report.Recovery.MaxAttempts)
	})

	t.Run("metrics", func(t *testing.T) {
		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
		require.Equal(t, http.StatusOK, w.Code)
		require.Contains(t, w.Body.String(), "ion_sessiond_sessions")
	})
}

func TestEngineProxy(t *testing.T) {
	engine := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get(HeaderSessionID) == testSID {
			w.Header().Set("Content-Type", "text/plain")
			_, _ = io.WriteString(w, "engine:"+r.URL.Path)
			return
		}
		http.Error(w, "session not found", http.StatusNotFound)
	}))
	defer engine.Close()

	n := newTestNode(t, nil)
	conf := n.conf.Server
	conf.Upstream = engine.URL
	s, _ := NewServer(n, conf)
	front := httptest.NewServer(s.Router())
	defer front.Close()

	req, err := http.NewRequest(http.MethodPost, front.URL+"/mcp", strings.NewReader("{}"))
	require.NoError(t, err)
	req.Header.Set(HeaderSessionID, testSID)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "engine:/mcp", string(body))
	require.Equal(t, testSID, resp.Header.Get(HeaderSessionEcho))

	other := "0123456789abcdef0123456789abcdef"
	resp, err = http.Get(front.URL + "/messages/?session_id=" + other)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	require.Equal(t, RecoveryRecovered, resp.Header.Get(HeaderRecovery))

	resp, err = http.Get(front.URL + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestRootConfigValidate(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())

	c := DefaultConfig()
	c.Server.Upstream = "ftp://engine"
	require.Error(t, c.Validate())

	c = DefaultConfig()
	c.Server.Upstream = "http://127.0.0.1:8000"
	require.NoError(t, c.Validate())

	c = DefaultConfig()
	c.Server.Auth.Enabled = true
	require.Error(t, c.Validate())

	c = DefaultConfig()
	c.Store.OpTimeout = 0
	require.Error(t, c.Validate())
}
