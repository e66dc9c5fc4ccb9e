package types

import (
	"time"

	"github.com/getlantern/deepcopy"
)

// IdentityHash is the stable digest of a resolved caller.
type IdentityHash string

// AuthKind names the credential path an identity was derived from.
type AuthKind string

const (
	AuthBearer    AuthKind = "bearer"
	AuthAPIKey    AuthKind = "api_key"
	AuthAnonymous AuthKind = "anonymous"
)

// SessionRecord is the identity-isolated record stored at
// mcp_user_session:{identityHash}:{sessionId}.
type SessionRecord struct {
	SessionID      string            `json:"session_id"`
	IdentityHash   IdentityHash      `json:"identity_hash"`
	ClientID       string            `json:"client_id"`
	CreatedAt      time.Time         `json:"created_at"`
	LastAccessedAt time.Time         `json:"last_accessed"`
	Attributes     map[string]string `json:"data"`
	IsActive       bool              `json:"is_active"`
}

// Clone returns a copy that shares no maps with r.
func (r *SessionRecord) Clone() *SessionRecord {
	out := *r
	out.Attributes = make(map[string]string, len(r.Attributes))
	if len(r.Attributes) == 0 {
		return &out
	}
	if err := deepcopy.Copy(&out.Attributes, r.Attributes); err != nil {
		out.Attributes = make(map[string]string, len(r.Attributes))
		for k, v := range r.Attributes {
			out.Attributes[k] = v
		}
	}
	return &out
}

// Idle reports how long the record has been untouched at now.
func (r *SessionRecord) Idle(now time.Time) time.Duration {
	return now.Sub(r.LastAccessedAt)
}

// Touch advances LastAccessedAt, never moving it backwards.
func (r *SessionRecord) Touch(now time.Time) {
	if now.After(r.LastAccessedAt) {
		r.LastAccessedAt = now
	}
}

// LegacySessionRecord is the identity-less shape kept at mcp_session:{sessionId}
// for tooling that predates identity isolation.
type LegacySessionRecord struct {
	SessionID      string            `json:"session_id"`
	ClientID       string            `json:"client_id"`
	CreatedAt      time.Time         `json:"created_at"`
	LastAccessedAt time.Time         `json:"last_accessed"`
	Data           map[string]string `json:"data"`
}

// TransportSessionRecord is advisory: some replica once saw this session bound
// to a transport of the given type.
type TransportSessionRecord struct {
	SessionID      string    `json:"session_id"`
	TransportType  string    `json:"transport_type"`
	CreatedAt      time.Time `json:"created_at"`
	LastAccessedAt time.Time `json:"last_accessed"`
	ServerName     string    `json:"server_name"`
	IsActive       bool      `json:"is_active"`
}

// Attribute keys written by this layer.
const (
	AttrSource          = "source"
	AttrDetectedFrom    = "detected_from"
	AttrUserAgent       = "user_agent"
	AttrClientIP        = "client_ip"
	AttrAuthKind        = "auth_method"
	AttrPath            = "path"
	AttrPreviousSession = "previous_session_id"
	AttrRecovered       = "recovered"
	AttrRecoveryTime    = "recovery_time"
	AttrEventID         = "event_id"
)

// Observation is one "session observed" event, whether matched out of engine
// telemetry or reported directly by the request middleware.
type Observation struct {
	SessionID    string
	IdentityHash IdentityHash
	AuthKind     AuthKind
	Source       string
	EventID      string
	ObservedAt   time.Time
	Attributes   map[string]string
}
