// Package store is the shared, TTL-capable key-value store every replica reads
// and writes. It is the only shared mutable state between replicas; there is no
// cross-key atomicity and no locking, last write wins per key.
package store

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/cryptagon/ion-sessiond/pkg/types"
)

var (
	// ErrNotFound is returned when a key does not exist or has expired.
	ErrNotFound = errors.New("store: key not found")
	// ErrStoreUnavailable wraps any failure to reach the store in time.
	ErrStoreUnavailable = errors.New("store: unavailable")
)

// Store is implemented by the memory, redis and etcd backends. Every method may
// block on the network and must honour ctx. Deleting or removing absent keys or
// members is not an error.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error
	Expire(ctx context.Context, key string, ttl time.Duration) error

	SetAdd(ctx context.Context, key string, ttl time.Duration, members ...string) error
	SetRemove(ctx context.Context, key string, members ...string) error
	SetMembers(ctx context.Context, key string) ([]string, error)

	// Incr bumps an integer counter; ttl is applied only when the counter is
	// created so the window does not slide on every increment.
	Incr(ctx context.Context, key string, ttl time.Duration) (int64, error)

	// Keys lists every live key starting with prefix.
	Keys(ctx context.Context, prefix string) ([]string, error)

	Ping(ctx context.Context) error
	Close() error
}

const (
	PrefixLegacySession = "mcp_session:"
	PrefixTransport     = "mcp_transport:"
	PrefixUserSession   = "mcp_user_session:"
	PrefixUserIndex     = "mcp_user_index:"
	PrefixRecovery      = "mcp_recovery:"
)

func LegacySessionKey(sessionID string) string {
	return PrefixLegacySession + sessionID
}

func TransportKey(sessionID string) string {
	return PrefixTransport + sessionID
}

func UserSessionKey(identity types.IdentityHash, sessionID string) string {
	return PrefixUserSession + string(identity) + ":" + sessionID
}

func UserIndexKey(identity types.IdentityHash) string {
	return PrefixUserIndex + string(identity)
}

func RecoveryKey(sessionID string) string {
	return PrefixRecovery + sessionID
}

// ParseUserSessionKey splits mcp_user_session:{identityHash}:{sessionId}.
// Identity hashes never contain ':' so the first separator after the prefix
// delimits the two parts.
func ParseUserSessionKey(key string) (types.IdentityHash, string, bool) {
	if !strings.HasPrefix(key, PrefixUserSession) {
		return "", "", false
	}
	rest := strings.TrimPrefix(key, PrefixUserSession)
	i := strings.IndexByte(rest, ':')
	if i <= 0 || i == len(rest)-1 {
		return "", "", false
	}
	return types.IdentityHash(rest[:i]), rest[i+1:], true
}

// Holders lists the identities that still have a record under sessionID.
// Legacy, transport and recovery keys are keyed by session id alone and must
// outlive any one identity's record while another holder remains.
func Holders(ctx context.Context, s Store, sessionID string) ([]types.IdentityHash, error) {
	keys, err := s.Keys(ctx, PrefixUserSession)
	if err != nil {
		return nil, err
	}
	var out []types.IdentityHash
	for _, k := range keys {
		identity, sid, ok := ParseUserSessionKey(k)
		if ok && sid == sessionID {
			out = append(out, identity)
		}
	}
	return out, nil
}

// IsNotFound reports whether err means the key is absent.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
