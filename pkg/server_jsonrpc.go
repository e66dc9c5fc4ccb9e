package cluster

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/sourcegraph/jsonrpc2"

	"github.com/cryptagon/ion-sessiond/pkg/recovery"
	"github.com/cryptagon/ion-sessiond/pkg/session"
	"github.com/cryptagon/ion-sessiond/pkg/types"
)

// HealthReport is the health query answer.
type HealthReport struct {
	session.Health
	Replica             string `json:"replica"`
	PendingObservations int    `json:"pending_observations"`
}

// AnalyticsReport is the analytics query answer.
type AnalyticsReport struct {
	*session.Analytics
	Recovery *recovery.Stats `json:"recovery,omitempty"`
}

// SessionParams selects one identity, and optionally one of its sessions.
type SessionParams struct {
	IdentityHash types.IdentityHash `json:"identity_hash"`
	SessionID    string             `json:"session_id,omitempty"`
}

func (n *Node) Health(ctx context.Context) HealthReport {
	return HealthReport{
		Health:              n.manager.HealthSnapshot(ctx),
		Replica:             n.name,
		PendingObservations: n.detector.Pending(),
	}
}

func (n *Node) Analytics(ctx context.Context) (*AnalyticsReport, error) {
	a, err := n.manager.Analytics(ctx)
	if err != nil {
		return nil, err
	}
	st, err := n.recovery.Stats(ctx)
	if err != nil {
		return nil, err
	}
	return &AnalyticsReport{Analytics: a, Recovery: st}, nil
}

// AdminRPC serves the operator JSON-RPC methods over one websocket.
type AdminRPC struct {
	node *Node
}

// Handle incoming RPC calls like health, sessions, analytics and sweep
func (p *AdminRPC) Handle(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request) {
	log := p.node.log

	replyError := func(err error) {
		code := int64(500)
		if errors.Is(err, session.ErrSessionNotFound) {
			code = 404
		}
		_ = conn.ReplyWithError(ctx, req.ID, &jsonrpc2.Error{
			Code:    code,
			Message: fmt.Sprintf("%s", err),
		})
	}

	parseSession := func() (*SessionParams, bool) {
		var params SessionParams
		if req.Params == nil {
			replyError(errors.New("missing params"))
			return nil, false
		}
		if err := json.Unmarshal(*req.Params, &params); err != nil {
			log.Error(err, "admin: error parsing params", "method", req.Method)
			replyError(err)
			return nil, false
		}
		if params.IdentityHash == "" {
			replyError(errors.New("identity_hash is required"))
			return nil, false
		}
		return &params, true
	}

	switch req.Method {
	case "health":
		_ = conn.Reply(ctx, req.ID, p.node.Health(ctx))

	case "sessions":
		params, ok := parseSession()
		if !ok {
			break
		}
		list, err := p.node.manager.ListByIdentity(ctx, params.IdentityHash)
		if err != nil {
			replyError(err)
			break
		}
		_ = conn.Reply(ctx, req.ID, list)

	case "deactivate":
		params, ok := parseSession()
		if !ok {
			break
		}
		if err := p.node.manager.Deactivate(ctx, params.IdentityHash, params.SessionID); err != nil {
			replyError(err)
			break
		}
		_ = conn.Reply(ctx, req.ID, true)

	case "analytics":
		report, err := p.node.Analytics(ctx)
		if err != nil {
			replyError(err)
			break
		}
		_ = conn.Reply(ctx, req.ID, report)

	case "recovery":
		st, err := p.node.recovery.Stats(ctx)
		if err != nil {
			replyError(err)
			break
		}
		_ = conn.Reply(ctx, req.ID, st)

	case "sweep":
		report, err := p.node.sweeper.SweepOnce(ctx)
		if err != nil {
			replyError(err)
			break
		}
		_ = conn.Reply(ctx, req.ID, report)

	case "ping":
		_ = conn.Reply(ctx, req.ID, "pong")

	default:
		_ = conn.ReplyWithError(ctx, req.ID, &jsonrpc2.Error{
			Code:    jsonrpc2.CodeMethodNotFound,
			Message: fmt.Sprintf("method not found: %s", req.Method),
		})
	}
}
