// Package auth manages the bearer token that protects the status API.
//
// Only a bcrypt hash of the token is stored. The plain token is shown once,
// when it is rotated.
package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"

	"golang.org/x/crypto/bcrypt"
)

// bcryptCost is the work factor used when hashing tokens.
// Package tests lower it to bcrypt.MinCost.
var bcryptCost = bcrypt.DefaultCost

// ErrNoToken means no token has been issued yet.
var ErrNoToken = errors.New("no status token configured; run `ikev2provision token rotate`")

// TokenStore persists the token hash.
type TokenStore interface {
	TokenHash(ctx context.Context) (string, error)
	SetTokenHash(ctx context.Context, hash string) error
}

// Manager handles API token issue and validation.
type Manager struct {
	store TokenStore
}

// NewManager creates an auth manager backed by the provided store.
func NewManager(store TokenStore) *Manager {
	return &Manager{store: store}
}

// HasToken reports whether a token hash is stored.
func (m *Manager) HasToken(ctx context.Context) (bool, error) {
	hash, err := m.store.TokenHash(ctx)
	if err != nil {
		return false, err
	}
	return hash != "", nil
}

// ValidateToken returns true if token matches the stored hash.
func (m *Manager) ValidateToken(ctx context.Context, token string) bool {
	if token == "" {
		return false
	}
	hash, err := m.store.TokenHash(ctx)
	if err != nil || hash == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(token)) == nil
}

// RotateToken creates a new random API token, persists its hash, and
// returns the plain token. The previous token stops working immediately.
func (m *Manager) RotateToken(ctx context.Context) (string, error) {
	token, err := generateToken()
	if err != nil {
		return "", err
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(token), bcryptCost)
	if err != nil {
		return "", err
	}
	if err := m.store.SetTokenHash(ctx, string(hash)); err != nil {
		return "", err
	}
	return token, nil
}

// generateToken returns a cryptographically random 32-byte hex string.
func generateToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
