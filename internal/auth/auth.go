// Package auth resolves the caller's identity for the HTTP API.
//
// With a secret configured, callers present an HS256 bearer token whose
// subject is the user id. Without one the API trusts the X-User-* headers,
// which is only meant for local development and the simulator.
package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

type Role string

const (
	RoleRider  Role = "rider"
	RoleDriver Role = "driver"
	RoleAdmin  Role = "admin"
)

func (r Role) Valid() bool {
	switch r {
	case RoleRider, RoleDriver, RoleAdmin:
		return true
	}
	return false
}

var (
	ErrUnauthenticated = errors.New("unauthenticated")
	ErrForbidden       = errors.New("forbidden")
)

const (
	HeaderUserID   = "X-User-ID"
	HeaderUserName = "X-User-Name"
	HeaderUserRole = "X-User-Role"
)

type Identity struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Role Role   `json:"role"`
}

type Claims struct {
	Name string `json:"name"`
	Role Role   `json:"role"`
	jwt.RegisteredClaims
}

type Authenticator struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// New returns an Authenticator. An empty secret selects header mode.
func New(secret string, ttl time.Duration) *Authenticator {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Authenticator{secret: []byte(secret), ttl: ttl, now: time.Now}
}

func (a *Authenticator) HeaderMode() bool { return len(a.secret) == 0 }

// Issue signs a token for id.
func (a *Authenticator) Issue(id Identity) (string, error) {
	if a.HeaderMode() {
		return "", errors.New("auth: no signing secret configured")
	}
	now := a.now()
	claims := Claims{
		Name: id.Name,
		Role: id.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   id.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(a.ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}

// Parse validates a token and returns its identity.
func (a *Authenticator) Parse(raw string) (Identity, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (interface{}, error) {
		return a.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %w", ErrUnauthenticated, err)
	}
	if !token.Valid || claims.Subject == "" {
		return Identity{}, fmt.Errorf("%w: token has no subject", ErrUnauthenticated)
	}
	id := Identity{ID: claims.Subject, Name: claims.Name, Role: claims.Role}
	if !id.Role.Valid() {
		return Identity{}, fmt.Errorf("%w: unknown role %q", ErrUnauthenticated, claims.Role)
	}
	return id, nil
}

// Resolve reads the caller's identity from r.
func (a *Authenticator) Resolve(r *http.Request) (Identity, error) {
	if a.HeaderMode() {
		id := Identity{
			ID:   strings.TrimSpace(r.Header.Get(HeaderUserID)),
			Name: strings.TrimSpace(r.Header.Get(HeaderUserName)),
			Role: Role(strings.ToLower(strings.TrimSpace(r.Header.Get(HeaderUserRole)))),
		}
		if id.ID == "" {
			return Identity{}, fmt.Errorf("%w: missing %s", ErrUnauthenticated, HeaderUserID)
		}
		if id.Role == "" {
			id.Role = RoleRider
		}
		if !id.Role.Valid() {
			return Identity{}, fmt.Errorf("%w: unknown role %q", ErrUnauthenticated, id.Role)
		}
		return id, nil
	}
	h := r.Header.Get("Authorization")
	raw, ok := strings.CutPrefix(h, "Bearer ")
	if !ok {
		// browsers cannot set headers on a websocket upgrade
		raw = r.URL.Query().Get("access_token")
	}
	if raw == "" {
		return Identity{}, fmt.Errorf("%w: missing bearer token", ErrUnauthenticated)
	}
	return a.Parse(strings.TrimSpace(raw))
}

// Middleware rejects unauthenticated requests and stores the identity on
// the request context.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, err := a.Resolve(r)
		if err != nil {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
			return
		}
		next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
	})
}

type ctxKey struct{}

func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, ctxKey{}, id)
}

func FromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(ctxKey{}).(Identity)
	return id, ok
}

// Require returns ErrForbidden unless the identity in ctx has one of roles.
func Require(ctx context.Context, roles ...Role) (Identity, error) {
	id, ok := FromContext(ctx)
	if !ok {
		return Identity{}, ErrUnauthenticated
	}
	for _, r := range roles {
		if id.Role == r {
			return id, nil
		}
	}
	return id, fmt.Errorf("%w: role %s may not do this", ErrForbidden, id.Role)
}
