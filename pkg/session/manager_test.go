package session

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/require"

	"github.com/cryptagon/ion-sessiond/pkg/config"
	"github.com/cryptagon/ion-sessiond/pkg/store"
	"github.com/cryptagon/ion-sessiond/pkg/types"
)

const (
	userA types.IdentityHash = "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"
	userB types.IdentityHash = "bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb"

	s1 = "11111111111111111111111111111111"
	s2 = "22222222222222222222222222222222"
	s3 = "33333333333333333333333333333333"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestManager() (*Manager, *store.Memory, *clock) {
	c := &clock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
	s := store.NewMemory(store.WithClock(c.Now))
	return NewManager(s, config.DefaultSession(), logr.Discard(), WithClock(c.Now)), s, c
}

func TestIsolation(t *testing.T) {
	ctx := context.Background()
	m, _, _ := newTestManager()

	_, err := m.FindOrCreate(ctx, userA, s1, map[string]string{"k": "v"})
	require.NoError(t, err)

	_, err = m.Get(ctx, userB, s1)
	require.ErrorIs(t, err, ErrSessionNotFound)

	list, err := m.ListByIdentity(ctx, userB)
	require.NoError(t, err)
	require.Empty(t, list)

	require.NoError(t, m.Touch(ctx, userB, s1))
	_, err = m.Get(ctx, userB, s1)
	require.ErrorIs(t, err, ErrSessionNotFound)

	// B using the same session id gets its own record
	recB, err := m.FindOrCreate(ctx, userB, s1, nil)
	require.NoError(t, err)
	require.Equal(t, userB, recB.IdentityHash)

	recA, err := m.Get(ctx, userA, s1)
	require.NoError(t, err)
	require.Equal(t, "v", recA.Attributes["k"])
	require.NotContains(t, recB.Attributes, "k")
}

func TestFindOrCreateIdempotent(t *testing.T) {
	ctx := context.Background()
	m, s, _ := newTestManager()
	attrs := map[string]string{types.AttrDetectedFrom: "query_hex"}

	first, err := m.FindOrCreate(ctx, userA, s1, attrs)
	require.NoError(t, err)
	second, err := m.FindOrCreate(ctx, userA, s1, attrs)
	require.NoError(t, err)
	require.Equal(t, first.CreatedAt, second.CreatedAt)

	keys, err := s.Keys(ctx, store.PrefixUserSession)
	require.NoError(t, err)
	require.Equal(t, []string{store.UserSessionKey(userA, s1)}, keys)

	members, err := s.SetMembers(ctx, store.UserIndexKey(userA))
	require.NoError(t, err)
	require.Equal(t, []string{s1}, members)
}

func TestTouchMonotonic(t *testing.T) {
	ctx := context.Background()
	m, _, c := newTestManager()

	_, err := m.FindOrCreate(ctx, userA, s1, nil)
	require.NoError(t, err)

	var last time.Time
	for i := 0; i < 5; i++ {
		c.Advance(time.Duration(i) * time.Second)
		require.NoError(t, m.Touch(ctx, userA, s1))
		rec, err := m.Get(ctx, userA, s1)
		require.NoError(t, err)
		require.False(t, rec.LastAccessedAt.Before(last))
		last = rec.LastAccessedAt
	}

	rec, err := m.Get(ctx, userA, s1)
	require.NoError(t, err)
	rec.Touch(last.Add(-time.Hour))
	require.Equal(t, last, rec.LastAccessedAt)
}

func TestTouchMissingIsNoop(t *testing.T) {
	m, s, _ := newTestManager()
	require.NoError(t, m.Touch(context.Background(), userA, s1))
	keys, err := s.Keys(context.Background(), "")
	require.NoError(t, err)
	require.Empty(t, keys)
}

func TestReuseWindow(t *testing.T) {
	ctx := context.Background()

	t.Run("rebinds within window", func(t *testing.T) {
		m, s, c := newTestManager()
		orig, err := m.FindOrCreate(ctx, userA, s1, map[string]string{types.AttrUserAgent: "ua"})
		require.NoError(t, err)

		c.Advance(4 * time.Minute)
		rec, err := m.FindOrCreate(ctx, userA, s2, nil)
		require.NoError(t, err)
		require.Equal(t, s2, rec.SessionID)
		require.Equal(t, orig.CreatedAt, rec.CreatedAt)
		require.Equal(t, orig.ClientID, rec.ClientID)
		require.Equal(t, s1, rec.Attributes[types.AttrPreviousSession])
		require.Equal(t, "ua", rec.Attributes[types.AttrUserAgent])

		list, err := m.ListByIdentity(ctx, userA)
		require.NoError(t, err)
		require.Len(t, list, 1)
		require.Equal(t, s2, list[0].SessionID)

		_, err = m.Get(ctx, userA, s1)
		require.ErrorIs(t, err, ErrSessionNotFound)
		_, err = s.Get(ctx, store.LegacySessionKey(s1))
		require.True(t, store.IsNotFound(err))
	})

	t.Run("creates after window", func(t *testing.T) {
		m, _, c := newTestManager()
		_, err := m.FindOrCreate(ctx, userA, s1, nil)
		require.NoError(t, err)

		c.Advance(6 * time.Minute)
		_, err = m.FindOrCreate(ctx, userA, s2, nil)
		require.NoError(t, err)

		list, err := m.ListByIdentity(ctx, userA)
		require.NoError(t, err)
		require.Len(t, list, 2)
		require.Equal(t, s2, list[0].SessionID)
	})

	t.Run("never crosses identities", func(t *testing.T) {
		m, _, _ := newTestManager()
		_, err := m.FindOrCreate(ctx, userA, s1, nil)
		require.NoError(t, err)
		rec, err := m.FindOrCreate(ctx, userB, s2, nil)
		require.NoError(t, err)
		require.NotContains(t, rec.Attributes, types.AttrPreviousSession)

		_, err = m.Get(ctx, userA, s1)
		require.NoError(t, err)
	})

	t.Run("skips deactivated", func(t *testing.T) {
		m, _, c := newTestManager()
		_, err := m.FindOrCreate(ctx, userA, s1, nil)
		require.NoError(t, err)
		require.NoError(t, m.Deactivate(ctx, userA, s1))

		c.Advance(time.Minute)
		rec, err := m.FindOrCreate(ctx, userA, s2, nil)
		require.NoError(t, err)
		require.NotContains(t, rec.Attributes, types.AttrPreviousSession)
	})
}

func TestLegacyMirror(t *testing.T) {
	ctx := context.Background()
	m, s, _ := newTestManager()

	_, err := m.FindOrCreate(ctx, userA, s1, map[string]string{types.AttrSource: "detector"})
	require.NoError(t, err)

	raw, err := s.Get(ctx, store.LegacySessionKey(s1))
	require.NoError(t, err)
	var legacy types.LegacySessionRecord
	require.NoError(t, json.Unmarshal(raw, &legacy))
	require.Equal(t, "sse_client_11111111", legacy.ClientID)
	require.Equal(t, "detector", legacy.Data[types.AttrSource])
}

func TestExpiryAndDeactivate(t *testing.T) {
	ctx := context.Background()
	m, s, c := newTestManager()

	_, err := m.FindOrCreate(ctx, userA, s1, nil)
	require.NoError(t, err)
	_, err = m.Create(ctx, userA, s3, nil)
	require.NoError(t, err)

	require.NoError(t, m.Deactivate(ctx, userA, s3))
	members, err := s.SetMembers(ctx, store.UserIndexKey(userA))
	require.NoError(t, err)
	require.Equal(t, []string{s1}, members)

	rec, err := m.Get(ctx, userA, s3)
	require.NoError(t, err)
	require.False(t, rec.IsActive)

	c.Advance(DeactivatedTTL + time.Second)
	_, err = m.Get(ctx, userA, s3)
	require.ErrorIs(t, err, ErrSessionNotFound)

	c.Advance(time.Hour)
	_, err = m.Get(ctx, userA, s1)
	require.ErrorIs(t, err, ErrSessionNotFound)

	require.ErrorIs(t, m.Deactivate(ctx, userA, s1), ErrSessionNotFound)
}

func TestDeactivatedStaysDeactivated(t *testing.T) {
	ctx := context.Background()

	t.Run("touch does not revive", func(t *testing.T) {
		m, s, c := newTestManager()
		_, err := m.FindOrCreate(ctx, userA, s1, nil)
		require.NoError(t, err)
		require.NoError(t, m.Deactivate(ctx, userA, s1))

		require.NoError(t, m.Touch(ctx, userA, s1))
		members, err := s.SetMembers(ctx, store.UserIndexKey(userA))
		require.NoError(t, err)
		require.Empty(t, members)

		c.Advance(DeactivatedTTL + time.Second)
		_, err = m.Get(ctx, userA, s1)
		require.ErrorIs(t, err, ErrSessionNotFound)
	})

	t.Run("observation starts a fresh active record", func(t *testing.T) {
		m, s, c := newTestManager()
		orig, err := m.FindOrCreate(ctx, userA, s1, map[string]string{types.AttrUserAgent: "ua"})
		require.NoError(t, err)
		require.NoError(t, m.Deactivate(ctx, userA, s1))

		c.Advance(time.Minute)
		rec, err := m.FindOrCreate(ctx, userA, s1, nil)
		require.NoError(t, err)
		require.True(t, rec.IsActive)
		require.True(t, rec.CreatedAt.After(orig.CreatedAt))
		require.NotContains(t, rec.Attributes, types.AttrUserAgent)

		members, err := s.SetMembers(ctx, store.UserIndexKey(userA))
		require.NoError(t, err)
		require.Equal(t, []string{s1}, members)

		c.Advance(10 * time.Minute)
		got, err := m.Get(ctx, userA, s1)
		require.NoError(t, err)
		require.True(t, got.IsActive)
	})
}

func TestDelete(t *testing.T) {
	ctx := context.Background()
	m, s, _ := newTestManager()

	_, err := m.FindOrCreate(ctx, userA, s1, nil)
	require.NoError(t, err)
	require.NoError(t, m.Delete(ctx, userA, s1))
	require.NoError(t, m.Delete(ctx, userA, s1))

	keys, err := s.Keys(ctx, "")
	require.NoError(t, err)
	require.Empty(t, keys)

	t.Run("legacy mirror outlives one of two holders", func(t *testing.T) {
		_, err := m.FindOrCreate(ctx, userA, s2, nil)
		require.NoError(t, err)
		_, err = m.FindOrCreate(ctx, userB, s2, nil)
		require.NoError(t, err)

		require.NoError(t, m.Delete(ctx, userA, s2))
		_, err = s.Get(ctx, store.LegacySessionKey(s2))
		require.NoError(t, err)
		_, err = m.Get(ctx, userB, s2)
		require.NoError(t, err)

		require.NoError(t, m.Delete(ctx, userB, s2))
		_, err = s.Get(ctx, store.LegacySessionKey(s2))
		require.True(t, store.IsNotFound(err))
	})
}

type downStore struct {
	store.Store
}

func (downStore) err(op string) error {
	return fmt.Errorf("%w: %s: dial tcp: connection refused", store.ErrStoreUnavailable, op)
}

func (d downStore) Get(context.Context, string) ([]byte, error) { return nil, d.err("get") }
func (d downStore) Ping(context.Context) error                  { return d.err("ping") }
func (d downStore) Keys(context.Context, string) ([]string, error) {
	return nil, d.err("keys")
}
func (d downStore) SetMembers(context.Context, string) ([]string, error) {
	return nil, d.err("set_members")
}

func TestStoreUnavailable(t *testing.T) {
	ctx := context.Background()
	m := NewManager(downStore{store.NewMemory()}, config.DefaultSession(), logr.Discard())

	_, err := m.Get(ctx, userA, s1)
	require.ErrorIs(t, err, store.ErrStoreUnavailable)
	require.NotErrorIs(t, err, ErrSessionNotFound)

	_, err = m.FindOrCreate(ctx, userA, s1, nil)
	require.ErrorIs(t, err, store.ErrStoreUnavailable)

	h := m.HealthSnapshot(ctx)
	require.False(t, h.OK())
	require.Equal(t, StoreError, h.StoreConnection)
	require.NotEmpty(t, h.Error)

	_, err = m.Analytics(ctx)
	require.ErrorIs(t, err, store.ErrStoreUnavailable)
}
