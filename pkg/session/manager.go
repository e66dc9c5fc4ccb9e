// Package session owns the identity-isolated session records in the shared
// store. Records are only ever addressed by (identity, session id); the store
// is the source of truth and nothing is cached in process.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/go-logr/logr"

	"github.com/cryptagon/ion-sessiond/pkg/config"
	"github.com/cryptagon/ion-sessiond/pkg/store"
	"github.com/cryptagon/ion-sessiond/pkg/types"
)

// ErrSessionNotFound means no live record exists for the composite key.
var ErrSessionNotFound = errors.New("session: not found")

// DeactivatedTTL is how long a deactivated record lingers before the store
// drops it.
const DeactivatedTTL = 5 * time.Minute

type Option func(*Manager)

func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		m.now = now
	}
}

type Manager struct {
	log         logr.Logger
	store       store.Store
	ttl         time.Duration
	reuseWindow time.Duration
	now         func() time.Time
}

func NewManager(s store.Store, cfg config.SessionConfig, log logr.Logger, opts ...Option) *Manager {
	m := &Manager{
		log:         log.WithName("session"),
		store:       s,
		ttl:         cfg.TTL,
		reuseWindow: cfg.ReuseWindow,
		now:         time.Now,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

func (m *Manager) TTL() time.Duration {
	return m.ttl
}

// FindOrCreate touches the record for (identity, sessionID) if it exists and
// is active. Otherwise the identity's most recently used record, if still
// inside the reuse window, is rebound to sessionID; failing that a new record
// is made, replacing a deactivated one. Concurrent first calls for one
// identity may each create a record, the sweeper expires whichever goes unused.
func (m *Manager) FindOrCreate(ctx context.Context, identity types.IdentityHash, sessionID string, attrs map[string]string) (*types.SessionRecord, error) {
	rec, err := m.Get(ctx, identity, sessionID)
	if err == nil && !rec.IsActive {
		err = ErrSessionNotFound
	}
	switch {
	case err == nil:
		for k, v := range attrs {
			if _, ok := rec.Attributes[k]; !ok {
				rec.Attributes[k] = v
			}
		}
		rec.Touch(m.now())
		return rec, m.write(ctx, rec, m.ttl)
	case !errors.Is(err, ErrSessionNotFound):
		return nil, err
	}

	prev, err := m.recent(ctx, identity, sessionID)
	if err != nil {
		return nil, err
	}
	if prev != nil {
		return m.rebind(ctx, prev, sessionID, attrs)
	}
	return m.Create(ctx, identity, sessionID, attrs)
}

// Create writes a fresh record unconditionally.
func (m *Manager) Create(ctx context.Context, identity types.IdentityHash, sessionID string, attrs map[string]string) (*types.SessionRecord, error) {
	now := m.now()
	rec := &types.SessionRecord{
		SessionID:      sessionID,
		IdentityHash:   identity,
		ClientID:       clientID(identity, attrs[types.AttrAuthKind]),
		CreatedAt:      now,
		LastAccessedAt: now,
		Attributes:     make(map[string]string, len(attrs)),
		IsActive:       true,
	}
	for k, v := range attrs {
		rec.Attributes[k] = v
	}
	if err := m.write(ctx, rec, m.ttl); err != nil {
		return nil, err
	}
	m.log.V(1).Info("created session", "identity", identity, "session", sessionID)
	return rec, nil
}

// recent returns the identity's most recently accessed active record, other
// than sessionID, touched within the reuse window.
func (m *Manager) recent(ctx context.Context, identity types.IdentityHash, sessionID string) (*types.SessionRecord, error) {
	if m.reuseWindow <= 0 {
		return nil, nil
	}
	members, err := m.store.SetMembers(ctx, store.UserIndexKey(identity))
	if err != nil {
		return nil, err
	}
	now := m.now()
	var best *types.SessionRecord
	for _, sid := range members {
		if sid == sessionID {
			continue
		}
		rec, err := m.Get(ctx, identity, sid)
		if errors.Is(err, ErrSessionNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if !rec.IsActive || rec.Idle(now) > m.reuseWindow {
			continue
		}
		if best == nil || rec.LastAccessedAt.After(best.LastAccessedAt) {
			best = rec
		}
	}
	return best, nil
}

func (m *Manager) rebind(ctx context.Context, prev *types.SessionRecord, sessionID string, attrs map[string]string) (*types.SessionRecord, error) {
	rec := prev.Clone()
	rec.SessionID = sessionID
	for k, v := range attrs {
		rec.Attributes[k] = v
	}
	rec.Attributes[types.AttrPreviousSession] = prev.SessionID
	rec.Touch(m.now())

	if err := m.write(ctx, rec, m.ttl); err != nil {
		return nil, err
	}
	if err := m.Delete(ctx, prev.IdentityHash, prev.SessionID); err != nil {
		// the new record is in place; the sweeper will retire the old one
		m.log.Error(err, "could not retire rebound session", "session", prev.SessionID)
	}
	m.log.V(1).Info("rebound session", "identity", rec.IdentityHash, "from", prev.SessionID, "to", sessionID)
	return rec, nil
}

// Get returns the record for (identity, sessionID) or ErrSessionNotFound.
// Store failures are returned as is so callers fail closed.
func (m *Manager) Get(ctx context.Context, identity types.IdentityHash, sessionID string) (*types.SessionRecord, error) {
	raw, err := m.store.Get(ctx, store.UserSessionKey(identity, sessionID))
	if store.IsNotFound(err) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, err
	}
	var rec types.SessionRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("session: decode %s: %w", sessionID, err)
	}
	if rec.IdentityHash != identity || rec.SessionID != sessionID {
		return nil, ErrSessionNotFound
	}
	if rec.Idle(m.now()) > m.ttl {
		return nil, ErrSessionNotFound
	}
	if rec.Attributes == nil {
		rec.Attributes = make(map[string]string)
	}
	return &rec, nil
}

// Touch refreshes last access and the TTL. A missing or deactivated record is
// left alone and is not an error.
func (m *Manager) Touch(ctx context.Context, identity types.IdentityHash, sessionID string) error {
	rec, err := m.Get(ctx, identity, sessionID)
	if errors.Is(err, ErrSessionNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if !rec.IsActive {
		return nil
	}
	rec.Touch(m.now())
	return m.write(ctx, rec, m.ttl)
}

// ListByIdentity returns the identity's live records, most recent first.
func (m *Manager) ListByIdentity(ctx context.Context, identity types.IdentityHash) ([]*types.SessionRecord, error) {
	members, err := m.store.SetMembers(ctx, store.UserIndexKey(identity))
	if err != nil {
		return nil, err
	}
	out := make([]*types.SessionRecord, 0, len(members))
	for _, sid := range members {
		rec, err := m.Get(ctx, identity, sid)
		if errors.Is(err, ErrSessionNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].LastAccessedAt.After(out[j].LastAccessedAt)
	})
	return out, nil
}

// Deactivate marks the record inactive, drops it from the index and lets it
// expire shortly after.
func (m *Manager) Deactivate(ctx context.Context, identity types.IdentityHash, sessionID string) error {
	rec, err := m.Get(ctx, identity, sessionID)
	if err != nil {
		return err
	}
	rec.IsActive = false
	rec.Touch(m.now())
	if err := m.putRecord(ctx, rec, DeactivatedTTL); err != nil {
		return err
	}
	return m.store.SetRemove(ctx, store.UserIndexKey(identity), sessionID)
}

// Delete removes the record and its index membership. The legacy mirror is
// shared by every identity using sessionID and goes only with the last
// holder. Absent keys are not an error.
func (m *Manager) Delete(ctx context.Context, identity types.IdentityHash, sessionID string) error {
	if err := m.store.Delete(ctx, store.UserSessionKey(identity, sessionID)); err != nil {
		return err
	}
	if err := m.store.SetRemove(ctx, store.UserIndexKey(identity), sessionID); err != nil {
		return err
	}
	holders, err := store.Holders(ctx, m.store, sessionID)
	if err != nil {
		return err
	}
	if len(holders) > 0 {
		return nil
	}
	return m.store.Delete(ctx, store.LegacySessionKey(sessionID))
}

func (m *Manager) putRecord(ctx context.Context, rec *types.SessionRecord, ttl time.Duration) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return m.store.Set(ctx, store.UserSessionKey(rec.IdentityHash, rec.SessionID), raw, ttl)
}

// write persists the record, its index membership and the legacy mirror, all
// with the same TTL.
func (m *Manager) write(ctx context.Context, rec *types.SessionRecord, ttl time.Duration) error {
	if err := m.putRecord(ctx, rec, ttl); err != nil {
		return err
	}
	if err := m.store.SetAdd(ctx, store.UserIndexKey(rec.IdentityHash), ttl, rec.SessionID); err != nil {
		return err
	}
	return m.writeLegacy(ctx, rec, ttl)
}

func (m *Manager) writeLegacy(ctx context.Context, rec *types.SessionRecord, ttl time.Duration) error {
	legacy := types.LegacySessionRecord{
		SessionID:      rec.SessionID,
		ClientID:       legacyClientID(rec.SessionID),
		CreatedAt:      rec.CreatedAt,
		LastAccessedAt: rec.LastAccessedAt,
		Data:           rec.Attributes,
	}
	raw, err := json.Marshal(&legacy)
	if err != nil {
		return err
	}
	return m.store.Set(ctx, store.LegacySessionKey(rec.SessionID), raw, ttl)
}

func clientID(identity types.IdentityHash, kind string) string {
	if kind == "" {
		kind = string(types.AuthAnonymous)
	}
	h := string(identity)
	if len(h) > 8 {
		h = h[:8]
	}
	return "mcp_client_" + kind + "_" + h
}

func legacyClientID(sessionID string) string {
	if len(sessionID) > 8 {
		sessionID = sessionID[:8]
	}
	return "sse_client_" + sessionID
}
