package auth

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/allegro/bigcache/v3"
	"github.com/golang-jwt/jwt/v5"
	"github.com/isdelr/secretboard/internal/common"
)

// StateLifetime bounds how long a user may sit on the provider's consent screen.
const StateLifetime = 10 * time.Minute

// StateClaims is the payload of the OAuth state parameter.
type StateClaims struct {
	Nonce string `json:"nonce"`
	jwt.RegisteredClaims
}

// StateIssuer issues signed OAuth state values and accepts each one once.
type StateIssuer struct {
	key     []byte
	pending *bigcache.BigCache
	now     func() time.Time
}

// NewStateIssuer creates an issuer signing with key. Pending nonces are kept
// in an in-memory cache that evicts them after StateLifetime.
func NewStateIssuer(key []byte) (*StateIssuer, error) {
	if len(key) == 0 {
		return nil, errors.New("state signing key is empty")
	}
	cache, err := bigcache.NewBigCache(bigcache.Config{
		Shards:             16,
		LifeWindow:         StateLifetime,
		CleanWindow:        time.Minute,
		MaxEntriesInWindow: 1024,
		MaxEntrySize:       64,
		Verbose:            false,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create state cache: %w", err)
	}
	return &StateIssuer{key: key, pending: cache, now: time.Now}, nil
}

// Issue returns a new state value and records its nonce as pending.
func (s *StateIssuer) Issue() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}
	nonce := base64.RawURLEncoding.EncodeToString(buf)

	now := s.now()
	claims := &StateClaims{
		Nonce: nonce,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(StateLifetime)),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.key)
	if err != nil {
		return "", fmt.Errorf("failed to sign state: %w", err)
	}
	if err := s.pending.Set(nonce, []byte{1}); err != nil {
		return "", fmt.Errorf("failed to record state: %w", err)
	}
	return token, nil
}

// Consume validates state and marks it used. Missing, expired, forged and
// replayed values all fail with common.ErrInvalidState.
func (s *StateIssuer) Consume(state string) error {
	if state == "" {
		return fmt.Errorf("%w: missing", common.ErrInvalidState)
	}
	claims := &StateClaims{}
	token, err := jwt.ParseWithClaims(state, claims, func(token *jwt.Token) (interface{}, error) {
		return s.key, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(s.now),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return fmt.Errorf("%w: %w", common.ErrInvalidState, err)
	}
	if !token.Valid || claims.Nonce == "" {
		return fmt.Errorf("%w: invalid token", common.ErrInvalidState)
	}
	// Delete fails when the nonce was never issued here or was already used.
	if err := s.pending.Delete(claims.Nonce); err != nil {
		return fmt.Errorf("%w: nonce not pending", common.ErrInvalidState)
	}
	return nil
}

// Close releases the pending nonce cache.
func (s *StateIssuer) Close() error {
	return s.pending.Close()
}
