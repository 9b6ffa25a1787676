// Package gateway implements the front tier: worker selection for a room
// code, worker spawn, and the one-time routing token handshake.
package gateway

import (
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Routing tokens are short-lived and single-use: the worker remembers a
// redeemed jti until its expiry passes.
const tokenTTL = 15 * time.Second

var (
	ErrTokenInvalid = errors.New("routing token invalid")
	ErrTokenReplay  = errors.New("routing token already used")
)

// TokenService mints and verifies one-time routing tokens. The gateway and
// its workers derive the same key from OWNER_KEY, so a token minted on the
// gateway validates on any worker.
type TokenService struct {
	key []byte
	ttl time.Duration

	mu   sync.Mutex
	used map[string]time.Time // jti → expiry
	now  func() time.Time
}

// NewTokenService derives the signing key from the shared owner key. When
// no owner key is configured, a random per-process key is used; tokens then
// only validate within one process, which suits single-binary deployments.
func NewTokenService(ownerKey string) *TokenService {
	var key []byte
	if ownerKey != "" {
		sum := sha256.Sum256([]byte("route:" + ownerKey))
		key = sum[:]
	} else {
		key = make([]byte, 32)
		rand.Read(key)
	}
	return &TokenService{
		key:  key,
		ttl:  tokenTTL,
		used: make(map[string]time.Time),
		now:  time.Now,
	}
}

type routeClaims struct {
	RoomCode string `json:"rid"`
	jwt.RegisteredClaims
}

// Issue mints a routing token for one reconnect to a worker.
func (s *TokenService) Issue(roomCode string) (string, error) {
	now := s.now()
	claims := routeClaims{
		RoomCode: roomCode,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.key)
	if err != nil {
		return "", fmt.Errorf("signing routing token: %w", err)
	}
	return signed, nil
}

// Verify validates a token and burns its jti. The second verification of
// the same token fails regardless of TTL.
func (s *TokenService) Verify(tokenString string) (string, error) {
	var claims routeClaims
	token, err := jwt.ParseWithClaims(tokenString, &claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return s.key, nil
	}, jwt.WithTimeFunc(func() time.Time { return s.now() }))
	if err != nil || !token.Valid || claims.ID == "" {
		return "", ErrTokenInvalid
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.sweepLocked()
	if _, redeemed := s.used[claims.ID]; redeemed {
		return "", ErrTokenReplay
	}
	s.used[claims.ID] = claims.ExpiresAt.Time
	return claims.RoomCode, nil
}

func (s *TokenService) sweepLocked() {
	now := s.now()
	for jti, exp := range s.used {
		if now.After(exp) {
			delete(s.used, jti)
		}
	}
}
