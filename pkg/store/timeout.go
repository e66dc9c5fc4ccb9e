package store

import (
	"context"
	"errors"
	"fmt"
	"time"
)

type timeoutStore struct {
	next    Store
	timeout time.Duration
}

// WithTimeout bounds every operation on s by d and normalises failures: a
// missing key stays ErrNotFound, anything else becomes ErrStoreUnavailable
// wrapping the cause.
func WithTimeout(s Store, d time.Duration) Store {
	return &timeoutStore{next: s, timeout: d}
}

func (t *timeoutStore) ctx(parent context.Context) (context.Context, context.CancelFunc) {
	if t.timeout <= 0 {
		return context.WithCancel(parent)
	}
	return context.WithTimeout(parent, t.timeout)
}

func (t *timeoutStore) wrap(op string, err error) error {
	if err == nil || errors.Is(err, ErrNotFound) {
		return err
	}
	prometheusStoreErrors.WithLabelValues(op).Inc()
	if errors.Is(err, ErrStoreUnavailable) {
		return err
	}
	return fmt.Errorf("%w: %s: %v", ErrStoreUnavailable, op, err)
}

func (t *timeoutStore) Get(ctx context.Context, key string) ([]byte, error) {
	ctx, cancel := t.ctx(ctx)
	defer cancel()
	v, err := t.next.Get(ctx, key)
	return v, t.wrap("get", err)
}

func (t *timeoutStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	ctx, cancel := t.ctx(ctx)
	defer cancel()
	return t.wrap("set", t.next.Set(ctx, key, value, ttl))
}

func (t *timeoutStore) Delete(ctx context.Context, keys ...string) error {
	ctx, cancel := t.ctx(ctx)
	defer cancel()
	return t.wrap("delete", t.next.Delete(ctx, keys...))
}

func (t *timeoutStore) Expire(ctx context.Context, key string, ttl time.Duration) error {
	ctx, cancel := t.ctx(ctx)
	defer cancel()
	return t.wrap("expire", t.next.Expire(ctx, key, ttl))
}

func (t *timeoutStore) SetAdd(ctx context.Context, key string, ttl time.Duration, members ...string) error {
	ctx, cancel := t.ctx(ctx)
	defer cancel()
	return t.wrap("set_add", t.next.SetAdd(ctx, key, ttl, members...))
}

func (t *timeoutStore) SetRemove(ctx context.Context, key string, members ...string) error {
	ctx, cancel := t.ctx(ctx)
	defer cancel()
	return t.wrap("set_remove", t.next.SetRemove(ctx, key, members...))
}

func (t *timeoutStore) SetMembers(ctx context.Context, key string) ([]string, error) {
	ctx, cancel := t.ctx(ctx)
	defer cancel()
	m, err := t.next.SetMembers(ctx, key)
	return m, t.wrap("set_members", err)
}

func (t *timeoutStore) Incr(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	ctx, cancel := t.ctx(ctx)
	defer cancel()
	n, err := t.next.Incr(ctx, key, ttl)
	return n, t.wrap("incr", err)
}

func (t *timeoutStore) Keys(ctx context.Context, prefix string) ([]string, error) {
	ctx, cancel := t.ctx(ctx)
	defer cancel()
	k, err := t.next.Keys(ctx, prefix)
	return k, t.wrap("keys", err)
}

func (t *timeoutStore) Ping(ctx context.Context) error {
	ctx, cancel := t.ctx(ctx)
	defer cancel()
	return t.wrap("ping", t.next.Ping(ctx))
}

func (t *timeoutStore) Close() error {
	return t.next.Close()
}
