// Package identity turns request credentials into a stable identity hash.
// Tokens are decoded, never verified: verification belongs to whatever sits in
// front of the engine. Resolution never fails; unusable credentials fall back
// to the anonymous path with Degraded set.
package identity

import (
	"crypto/sha256"
	"encoding/hex"
	"net"
	"net/http"
	"strings"

	"github.com/dgrijalva/jwt-go"
	"github.com/go-logr/logr"

	"github.com/cryptagon/ion-sessiond/pkg/types"
)

const (
	HeaderAPIKey    = "X-API-Key"
	HeaderForwarded = "X-Forwarded-For"

	schemeBearer = "bearer"
	schemeAPIKey = "apikey"

	// hashBytes of the SHA-256 digest are kept, giving 32 hex chars.
	hashBytes = 16
)

// Credentials is the raw material available for one request.
type Credentials struct {
	Authorization string
	APIKey        string
	RemoteAddr    string
	UserAgent     string
}

// Identity is the resolved caller.
type Identity struct {
	Hash     types.IdentityHash
	Kind     types.AuthKind
	Subject  string
	Degraded bool
}

// FromRequest collects credentials from an inbound request. The first hop of
// X-Forwarded-For wins over the socket address.
func FromRequest(r *http.Request) Credentials {
	addr := r.RemoteAddr
	if fwd := r.Header.Get(HeaderForwarded); fwd != "" {
		addr = strings.TrimSpace(strings.Split(fwd, ",")[0])
	}
	return Credentials{
		Authorization: r.Header.Get("Authorization"),
		APIKey:        r.Header.Get(HeaderAPIKey),
		RemoteAddr:    addr,
		UserAgent:     r.UserAgent(),
	}
}

type Resolver struct {
	log    logr.Logger
	parser *jwt.Parser
}

func NewResolver(log logr.Logger) *Resolver {
	return &Resolver{
		log:    log.WithName("identity"),
		parser: new(jwt.Parser),
	}
}

// Resolve picks bearer, then API key, then anonymous.
func (r *Resolver) Resolve(c Credentials) Identity {
	degraded := false

	scheme, value := splitAuthorization(c.Authorization)
	switch scheme {
	case schemeBearer:
		if id, ok := r.bearer(value); ok {
			return id
		}
		degraded = true
	case schemeAPIKey:
		if value != "" {
			return apiKey(value)
		}
		degraded = true
	case "":
	default:
		degraded = true
	}

	if key := strings.TrimSpace(c.APIKey); key != "" {
		id := apiKey(key)
		id.Degraded = degraded
		return id
	}

	if degraded {
		r.log.V(1).Info("credential unusable, resolving anonymously", "scheme", scheme)
	}
	id := anonymous(c.RemoteAddr, c.UserAgent)
	id.Degraded = degraded
	return id
}

func (r *Resolver) bearer(token string) (Identity, bool) {
	if token == "" {
		return Identity{}, false
	}
	// only sub and iss matter; other claims such as an aud array are left
	// undecoded
	claims := jwt.MapClaims{}
	if _, _, err := r.parser.ParseUnverified(token, claims); err != nil {
		r.log.V(1).Info("bearer token not decodable", "err", err.Error())
		return Identity{}, false
	}
	sub, _ := claims["sub"].(string)
	iss, _ := claims["iss"].(string)
	if sub == "" && iss == "" {
		return Identity{}, false
	}
	return Identity{
		Hash:    Hash(types.AuthBearer, iss, sub),
		Kind:    types.AuthBearer,
		Subject: sub,
	}, true
}

func apiKey(key string) Identity {
	return Identity{
		Hash: Hash(types.AuthAPIKey, key),
		Kind: types.AuthAPIKey,
	}
}

func anonymous(remoteAddr, userAgent string) Identity {
	return Identity{
		Hash: Hash(types.AuthAnonymous, hostOnly(remoteAddr), userAgent),
		Kind: types.AuthAnonymous,
	}
}

// Hash digests the parts under a per-kind prefix, so the same string presented
// as an API key and as an anonymous signature never collide.
func Hash(kind types.AuthKind, parts ...string) types.IdentityHash {
	h := sha256.New()
	h.Write([]byte(kind))
	for _, p := range parts {
		h.Write([]byte{0})
		h.Write([]byte(p))
	}
	sum := h.Sum(nil)
	return types.IdentityHash(hex.EncodeToString(sum[:hashBytes]))
}

func splitAuthorization(header string) (string, string) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", ""
	}
	i := strings.IndexByte(header, ' ')
	if i < 0 {
		return strings.ToLower(header), ""
	}
	scheme := strings.ToLower(header[:i])
	if scheme == "api-key" {
		scheme = schemeAPIKey
	}
	return scheme, strings.TrimSpace(header[i+1:])
}

func hostOnly(addr string) string {
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return host
	}
	return addr
}
