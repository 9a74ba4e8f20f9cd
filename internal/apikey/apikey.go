// Package apikey mints and validates the HS256 tokens presented in the
// API-KEY header of the monitoring API.
package apikey

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const issuer = "acserver"

// ScopeMonitor grants read access to the monitoring API.
const ScopeMonitor = "monitor"

var (
	// ErrInvalidKey indicates the key failed validation.
	ErrInvalidKey = errors.New("invalid api key")
	// ErrMissingSecret is returned when no signing secret is configured.
	ErrMissingSecret = errors.New("api key secret is not configured")
)

// Claims carried by an API key.
type Claims struct {
	Scopes []string `json:"scopes"`
	jwt.RegisteredClaims
}

// HasScope reports whether the key carries scope.
func (c *Claims) HasScope(scope string) bool {
	for _, s := range c.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

// Keys signs and verifies API keys with one shared secret.
type Keys struct {
	secret []byte
	now    func() time.Time
}

// New returns Keys for secret. An empty secret is an error.
func New(secret string) (*Keys, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil, ErrMissingSecret
	}
	return &Keys{secret: []byte(secret), now: time.Now}, nil
}

// WithClock returns a copy of k using now as its time source.
func (k *Keys) WithClock(now func() time.Time) *Keys {
	cp := *k
	cp.now = now
	return &cp
}

// Mint signs a key for client with the given scopes.
func (k *Keys) Mint(client string, scopes []string, ttl time.Duration) (string, error) {
	client = strings.TrimSpace(client)
	if client == "" {
		return "", errors.New("client is required")
	}
	if ttl <= 0 {
		return "", errors.New("ttl must be greater than zero")
	}
	now := k.now().UTC()
	claims := Claims{
		Scopes: dedupe(scopes),
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   client,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			ID:        uuid.NewString(),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(k.secret)
	if err != nil {
		return "", fmt.Errorf("sign api key: %w", err)
	}
	return signed, nil
}

// Parse verifies the signature and the registered claims of key.
func (k *Keys) Parse(key string) (*Claims, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil, ErrInvalidKey
	}
	parsed, err := jwt.ParseWithClaims(key, &Claims{}, func(t *jwt.Token) (any, error) {
		if t.Method != jwt.SigningMethodHS256 {
			return nil, ErrInvalidKey
		}
		return k.secret, nil
	},
		jwt.WithIssuer(issuer),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithLeeway(5*time.Second),
		jwt.WithTimeFunc(k.now),
	)
	if err != nil {
		return nil, ErrInvalidKey
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid || strings.TrimSpace(claims.Subject) == "" {
		return nil, ErrInvalidKey
	}
	return claims, nil
}

func dedupe(scopes []string) []string {
	if len(scopes) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(scopes))
	var out []string
	for _, s := range scopes {
		s = strings.TrimSpace(strings.ToLower(s))
		if s == "" {
			continue
		}
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}

type ctxKey struct{}

// ContextWithClient stores the authenticated client name.
func ContextWithClient(ctx context.Context, client string) context.Context {
	return context.WithValue(ctx, ctxKey{}, strings.TrimSpace(client))
}

// ClientFromContext returns the client stored by ContextWithClient.
func ClientFromContext(ctx context.Context) (string, bool) {
	if ctx == nil {
		return "", false
	}
	v, ok := ctx.Value(ctxKey{}).(string)
	if !ok || v == "" {
		return "", false
	}
	return v, true
}
