// Package transport keeps advisory records of which replica last saw a
// session bound to an engine transport. Nothing here is authoritative; the
// records feed monitoring only.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/go-logr/logr"

	"github.com/cryptagon/ion-sessiond/pkg/store"
	"github.com/cryptagon/ion-sessiond/pkg/types"
)

const (
	TypeSSE            = "sse"
	TypeStreamableHTTP = "streamable_http"
	TypeWebsocket      = "websocket"
)

var ErrBindingNotFound = errors.New("transport: binding not found")

type Option func(*Bridge)

func WithClock(now func() time.Time) Option {
	return func(b *Bridge) {
		b.now = now
	}
}

type Bridge struct {
	log   logr.Logger
	store store.Store
	ttl   time.Duration
	now   func() time.Time
}

func NewBridge(s store.Store, ttl time.Duration, log logr.Logger, opts ...Option) *Bridge {
	b := &Bridge{
		log:   log.WithName("transport"),
		store: s,
		ttl:   ttl,
		now:   time.Now,
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// RecordBinding upserts the binding. The last writer owns it; CreatedAt is
// kept from any earlier binding of the same session.
func (b *Bridge) RecordBinding(ctx context.Context, sessionID, transportType, serverName string) error {
	now := b.now()
	rec := types.TransportSessionRecord{
		SessionID:      sessionID,
		TransportType:  transportType,
		CreatedAt:      now,
		LastAccessedAt: now,
		ServerName:     serverName,
		IsActive:       true,
	}

	prev, err := b.Get(ctx, sessionID)
	switch {
	case err == nil:
		rec.CreatedAt = prev.CreatedAt
		if prev.LastAccessedAt.After(now) {
			rec.LastAccessedAt = prev.LastAccessedAt
		}
	case !errors.Is(err, ErrBindingNotFound):
		return err
	}

	raw, err := json.Marshal(&rec)
	if err != nil {
		return err
	}
	if err := b.store.Set(ctx, store.TransportKey(sessionID), raw, b.ttl); err != nil {
		return err
	}
	if prev != nil && prev.ServerName != serverName {
		b.log.V(1).Info("transport binding moved", "session", sessionID, "from", prev.ServerName, "to", serverName)
	}
	return nil
}

func (b *Bridge) Get(ctx context.Context, sessionID string) (*types.TransportSessionRecord, error) {
	raw, err := b.store.Get(ctx, store.TransportKey(sessionID))
	if store.IsNotFound(err) {
		return nil, ErrBindingNotFound
	}
	if err != nil {
		return nil, err
	}
	var rec types.TransportSessionRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// IsActive is a diagnostic answer and may be stale across replicas; never use
// it to authorise anything.
func (b *Bridge) IsActive(ctx context.Context, sessionID string) (bool, error) {
	rec, err := b.Get(ctx, sessionID)
	if errors.Is(err, ErrBindingNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return rec.IsActive && b.now().Sub(rec.LastAccessedAt) <= b.ttl, nil
}

func (b *Bridge) Remove(ctx context.Context, sessionID string) error {
	return b.store.Delete(ctx, store.TransportKey(sessionID))
}
