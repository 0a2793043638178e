// Package identity supplies the signed-in user to the chat engine. Session
// issuance lives elsewhere; this package only reads what it is given.
package identity

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrNoIdentity is returned when nobody is signed in or the token expired.
var ErrNoIdentity = errors.New("no valid identity")

// Identity is the current user as seen by the chat engine.
type Identity struct {
	UserID    string
	Token     string
	ExpiresAt time.Time
}

// Valid reports whether the identity can be used at now.
func (i Identity) Valid(now time.Time) bool {
	if i.UserID == "" || i.Token == "" {
		return false
	}
	return i.ExpiresAt.IsZero() || now.Before(i.ExpiresAt)
}

// Provider returns the current identity.
type Provider interface {
	Current(ctx context.Context) (Identity, error)
}

// Claims are the token fields the engine reads. user_id is preferred over
// sub when both are present.
type Claims struct {
	UserID string `json:"user_id,omitempty"`
	jwt.RegisteredClaims
}

// ParseToken extracts an Identity from a JWT. With a nil key the signature
// is not checked, since the client never holds the server's secret.
func ParseToken(token string, key []byte) (Identity, error) {
	claims := &Claims{}
	if key == nil {
		if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
			return Identity{}, fmt.Errorf("parse token: %w", err)
		}
	} else {
		parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
			return key, nil
		}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
		if err != nil {
			return Identity{}, fmt.Errorf("validate token: %w", err)
		}
		if !parsed.Valid {
			return Identity{}, jwt.ErrSignatureInvalid
		}
	}

	id := Identity{UserID: claims.UserID, Token: token}
	if id.UserID == "" {
		id.UserID = claims.Subject
	}
	if claims.ExpiresAt != nil {
		id.ExpiresAt = claims.ExpiresAt.Time
	}
	if id.UserID == "" {
		return Identity{}, errors.New("token carries no user id")
	}
	return id, nil
}

// TokenProvider serves an Identity parsed from a bearer token. The token can
// be swapped at runtime after a refresh.
type TokenProvider struct {
	key []byte
	now func() time.Time

	mu sync.RWMutex
	id Identity
}

// NewTokenProvider creates a provider. key may be nil, see ParseToken.
func NewTokenProvider(key []byte) *TokenProvider {
	return &TokenProvider{key: key, now: time.Now}
}

// SetToken parses and installs a new token. An empty token signs out.
func (p *TokenProvider) SetToken(token string) error {
	if token == "" {
		p.mu.Lock()
		p.id = Identity{}
		p.mu.Unlock()
		return nil
	}
	id, err := ParseToken(token, p.key)
	if err != nil {
		return err
	}
	p.mu.Lock()
	p.id = id
	p.mu.Unlock()
	return nil
}

func (p *TokenProvider) Current(context.Context) (Identity, error) {
	p.mu.RLock()
	id := p.id
	p.mu.RUnlock()
	if !id.Valid(p.now()) {
		return Identity{}, ErrNoIdentity
	}
	return id, nil
}

// Static always returns the same identity. Used in tests and tools.
type Static Identity

func (s Static) Current(context.Context) (Identity, error) {
	id := Identity(s)
	if !id.Valid(time.Now()) {
		return Identity{}, ErrNoIdentity
	}
	return id, nil
}
