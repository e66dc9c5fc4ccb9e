package cluster

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/dgrijalva/jwt-go"
)

const roleAdmin = "admin"

var (
	errorTokenClaimsInvalid = fmt.Errorf("Token claims invalid: must have role %q", roleAdmin)
	errorNoToken            = errors.New("no token")
)

type authToken struct {
	Role string `json:"role"`
	*jwt.StandardClaims
}

func (t *authToken) Valid() error {
	if t.Role != roleAdmin {
		return errorTokenClaimsInvalid
	}

	if t.StandardClaims != nil {
		return t.StandardClaims.Valid()
	}
	return nil
}

// authGetAndValidateToken takes the token from the access_token query
// parameter, which websocket clients can always set, or a bearer header.
func authGetAndValidateToken(config AuthConfig, r *http.Request) (*authToken, error) {
	tokenStr := r.URL.Query().Get("access_token")
	if tokenStr == "" {
		if h := r.Header.Get("Authorization"); strings.HasPrefix(strings.ToLower(h), "bearer ") {
			tokenStr = strings.TrimSpace(h[len("bearer "):])
		}
	}
	if tokenStr == "" {
		return nil, errorNoToken
	}

	token, err := jwt.ParseWithClaims(tokenStr, &authToken{}, config.keyFunc)
	if err != nil {
		return nil, err
	}
	return token.Claims.(*authToken), nil
}

// requireAdmin guards the operator surface when auth is enabled.
func (s *Server) requireAdmin(next http.Handler) http.Handler {
	if !s.config.Auth.Enabled {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, err := authGetAndValidateToken(s.config.Auth, r)
		if err != nil {
			s.log.Error(err, "error authenticating token")
			http.Error(w, "Invalid Token", http.StatusForbidden)
			return
		}
		s.log.V(1).Info("valid admin token", "subject", token.Subject)
		next.ServeHTTP(w, r)
	})
}

// NewAdminToken signs an admin token with the configured key.
func NewAdminToken(config AuthConfig, subject string) (string, error) {
	return jwt.NewWithClaims(jwt.SigningMethodHS256, &authToken{
		Role:           roleAdmin,
		StandardClaims: &jwt.StandardClaims{Subject: subject},
	}).SignedString([]byte(config.Key))
}
