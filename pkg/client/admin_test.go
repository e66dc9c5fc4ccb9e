package client

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-logr/logr"
	"github.com/sourcegraph/jsonrpc2"
	"github.com/stretchr/testify/require"

	cluster "github.com/cryptagon/ion-sessiond/pkg"
	"github.com/cryptagon/ion-sessiond/pkg/store"
	"github.com/cryptagon/ion-sessiond/pkg/types"
)

func newAdminServer(t *testing.T) (*cluster.Node, string) {
	conf := cluster.DefaultConfig()
	conf.Server.Name = "replica-a"
	n := cluster.NewNodeWithStore(conf, store.NewMemory(), logr.Discard())
	s, _ := cluster.NewServer(n, conf.Server)
	ts := httptest.NewServer(s.Router())
	t.Cleanup(func() {
		ts.Close()
		n.Close()
	})
	return n, "ws" + strings.TrimPrefix(ts.URL, "http") + cluster.AdminPrefix + "/admin"
}

func TestAdminClient(t *testing.T) {
	ctx := context.Background()
	n, url := newAdminServer(t)

	var ident types.IdentityHash = "dddddddddddddddddddddddddddddddd"
	sid := "00112233445566778899aabbccddeeff"
	_, err := n.Manager().FindOrCreate(ctx, ident, sid, map[string]string{types.AttrDetectedFrom: "json_field"})
	require.NoError(t, err)

	c := NewJSONRPCAdminClient(ctx)
	require.ErrorIs(t, c.Ping(), errNotConnected)

	_, err = c.Open(url)
	require.NoError(t, err)
	defer c.Close()

	require.NoError(t, c.Ping())

	health, err := c.Health()
	require.NoError(t, err)
	require.True(t, health.OK())
	require.Equal(t, "replica-a", health.Replica)
	require.Equal(t, 1, health.TotalSessions)
	require.Equal(t, 1, health.SessionsPerIdentity[ident])

	list, err := c.Sessions(ident)
	require.NoError(t, err)
	require.Len(t, list, 1)
	require.Equal(t, sid, list[0].SessionID)

	analytics, err := c.Analytics()
	require.NoError(t, err)
	require.Equal(t, 1, analytics.TotalIdentities)
	require.Equal(t, 1, analytics.BySource["json_field"])

	st, err := c.Recovery()
	require.NoError(t, err)
	require.Equal(t, 3, st.MaxAttempts)
	require.Empty(t, st.Sessions)

	report, err := c.Sweep()
	require.NoError(t, err)
	require.Equal(t, 0, report.Expired)

	require.NoError(t, c.Deactivate(ident, sid))
	rec, err := n.Manager().Get(ctx, ident, sid)
	require.NoError(t, err)
	require.False(t, rec.IsActive)
}

func TestAdminClientErrors(t *testing.T) {
	ctx := context.Background()
	_, url := newAdminServer(t)

	c := NewJSONRPCAdminClient(ctx)
	_, err := c.Open(url)
	require.NoError(t, err)
	defer c.Close()

	err = c.Deactivate("eeeeeeeeeeeeeeeeeeeeeeeeeeeeeeee", "00112233445566778899aabbccddeeff")
	var rpcErr *jsonrpc2.Error
	require.ErrorAs(t, err, &rpcErr)
	require.EqualValues(t, 404, rpcErr.Code)

	_, err = c.Sessions("")
	require.Error(t, err)

	err = c.(*JSONRPCAdminClient).call("reboot", nil, nil)
	require.ErrorAs(t, err, &rpcErr)
	require.EqualValues(t, jsonrpc2.CodeMethodNotFound, rpcErr.Code)
}
