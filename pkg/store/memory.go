package store

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

type entryKind int

const (
	kindValue entryKind = iota
	kindSet
	kindCounter
)

type entry struct {
	kind      entryKind
	value     []byte
	members   map[string]struct{}
	counter   int64
	expiresAt time.Time
}

func (e *entry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && !now.Before(e.expiresAt)
}

// Memory is a process-local Store. It is correct for a single replica and
// is what the tests run against; a fleet must use redis or etcd.
type Memory struct {
	mu      sync.Mutex
	now     func() time.Time
	entries map[string]*entry
}

// MemoryOption configures a Memory store.
type MemoryOption func(*Memory)

// WithClock replaces time.Now, letting tests move time forward.
func WithClock(now func() time.Time) MemoryOption {
	return func(m *Memory) {
		m.now = now
	}
}

func NewMemory(opts ...MemoryOption) *Memory {
	m := &Memory{
		now:     time.Now,
		entries: make(map[string]*entry),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// lookup must be called with mu held.
func (m *Memory) lookup(key string) *entry {
	e, ok := m.entries[key]
	if !ok {
		return nil
	}
	if e.expired(m.now()) {
		delete(m.entries, key)
		return nil
	}
	return e
}

func (m *Memory) deadline(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return m.now().Add(ttl)
}

func (m *Memory) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	e := m.lookup(key)
	if e == nil {
		return nil, ErrNotFound
	}
	switch e.kind {
	case kindValue:
		return append([]byte(nil), e.value...), nil
	case kindCounter:
		return []byte(strconv.FormatInt(e.counter, 10)), nil
	}
	return nil, fmt.Errorf("store: key %s holds a set", key)
}

func (m *Memory) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	m.entries[key] = &entry{
		kind:      kindValue,
		value:     append([]byte(nil), value...),
		expiresAt: m.deadline(ttl),
	}
	return nil
}

func (m *Memory) Delete(ctx context.Context, keys ...string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, k := range keys {
		delete(m.entries, k)
	}
	return nil
}

func (m *Memory) Expire(ctx context.Context, key string, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if e := m.lookup(key); e != nil {
		e.expiresAt = m.deadline(ttl)
	}
	return nil
}

func (m *Memory) SetAdd(ctx context.Context, key string, ttl time.Duration, members ...string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	e := m.lookup(key)
	if e == nil || e.kind != kindSet {
		e = &entry{kind: kindSet, members: make(map[string]struct{})}
		m.entries[key] = e
	}
	for _, member := range members {
		e.members[member] = struct{}{}
	}
	e.expiresAt = m.deadline(ttl)
	return nil
}

func (m *Memory) SetRemove(ctx context.Context, key string, members ...string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	e := m.lookup(key)
	if e == nil || e.kind != kindSet {
		return nil
	}
	for _, member := range members {
		delete(e.members, member)
	}
	if len(e.members) == 0 {
		delete(m.entries, key)
	}
	return nil
}

func (m *Memory) SetMembers(ctx context.Context, key string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	e := m.lookup(key)
	if e == nil || e.kind != kindSet {
		return nil, nil
	}
	out := make([]string, 0, len(e.members))
	for member := range e.members {
		out = append(out, member)
	}
	sort.Strings(out)
	return out, nil
}

func (m *Memory) Incr(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	e := m.lookup(key)
	if e == nil || e.kind != kindCounter {
		e = &entry{kind: kindCounter, expiresAt: m.deadline(ttl)}
		m.entries[key] = e
	}
	e.counter++
	return e.counter, nil
}

func (m *Memory) Keys(ctx context.Context, prefix string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	var out []string
	for k, e := range m.entries {
		if e.expired(now) {
			delete(m.entries, k)
			continue
		}
		if strings.HasPrefix(k, prefix) {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (m *Memory) Ping(ctx context.Context) error {
	return ctx.Err()
}

func (m *Memory) Close() error {
	return nil
}
