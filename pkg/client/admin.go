package client

import (
	"context"
	"fmt"

	"github.com/gorilla/websocket"
	"github.com/sourcegraph/jsonrpc2"
	websocketjsonrpc2 "github.com/sourcegraph/jsonrpc2/websocket"

	cluster "github.com/cryptagon/ion-sessiond/pkg"
	"github.com/cryptagon/ion-sessiond/pkg/recovery"
	"github.com/cryptagon/ion-sessiond/pkg/sweeper"
	"github.com/cryptagon/ion-sessiond/pkg/types"
)

var (
	errNotConnected = fmt.Errorf("error no connection established")
)

// Admin is the RPC interface of the ion-sessiond operator surface
type Admin interface {
	Open(url string) (closed <-chan struct{}, err error)
	Close() error

	Ping() error
	Health() (*cluster.HealthReport, error)
	Sessions(identity types.IdentityHash) ([]*types.SessionRecord, error)
	Deactivate(identity types.IdentityHash, sessionID string) error
	Analytics() (*cluster.AnalyticsReport, error)
	Recovery() (*recovery.Stats, error)
	Sweep() (*sweeper.Report, error)
}

// JSONRPCAdminClient is a websocket jsonrpc2 client for ion-sessiond
type JSONRPCAdminClient struct {
	context context.Context
	jc      *jsonrpc2.Conn
}

// NewJSONRPCAdminClient constructor
func NewJSONRPCAdminClient(ctx context.Context) Admin {
	return &JSONRPCAdminClient{context: ctx}
}

// Open connects to the given url
func (c *JSONRPCAdminClient) Open(url string) (<-chan struct{}, error) {
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		return nil, err
	}

	c.jc = jsonrpc2.NewConn(c.context, websocketjsonrpc2.NewObjectStream(conn), c)
	return c.jc.DisconnectNotify(), nil
}

// Close disconnects the websocket
func (c *JSONRPCAdminClient) Close() error {
	if c.jc == nil {
		return errNotConnected
	}
	return c.jc.Close()
}

func (c *JSONRPCAdminClient) call(method string, params, result interface{}) error {
	if c.jc == nil {
		return errNotConnected
	}
	return c.jc.Call(c.context, method, params, result)
}

func (c *JSONRPCAdminClient) Ping() error {
	var pong string
	if err := c.call("ping", nil, &pong); err != nil {
		return err
	}
	if pong != "pong" {
		return fmt.Errorf("unexpected ping reply %q", pong)
	}
	return nil
}

func (c *JSONRPCAdminClient) Health() (*cluster.HealthReport, error) {
	var report cluster.HealthReport
	if err := c.call("health", nil, &report); err != nil {
		return nil, err
	}
	return &report, nil
}

// Sessions lists the live sessions of one identity
func (c *JSONRPCAdminClient) Sessions(identity types.IdentityHash) ([]*types.SessionRecord, error) {
	var list []*types.SessionRecord
	err := c.call("sessions", &cluster.SessionParams{IdentityHash: identity}, &list)
	return list, err
}

func (c *JSONRPCAdminClient) Deactivate(identity types.IdentityHash, sessionID string) error {
	var ok bool
	return c.call("deactivate", &cluster.SessionParams{IdentityHash: identity, SessionID: sessionID}, &ok)
}

func (c *JSONRPCAdminClient) Analytics() (*cluster.AnalyticsReport, error) {
	var report cluster.AnalyticsReport
	if err := c.call("analytics", nil, &report); err != nil {
		return nil, err
	}
	return &report, nil
}

func (c *JSONRPCAdminClient) Recovery() (*recovery.Stats, error) {
	var st recovery.Stats
	if err := c.call("recovery", nil, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

// Sweep asks the server to run one sweeper pass now
func (c *JSONRPCAdminClient) Sweep() (*sweeper.Report, error) {
	var report sweeper.Report
	if err := c.call("sweep", nil, &report); err != nil {
		return nil, err
	}
	return &report, nil
}

// Handle handles incoming jsonrpc2 messages; the server sends none today
func (c *JSONRPCAdminClient) Handle(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request) {
}
