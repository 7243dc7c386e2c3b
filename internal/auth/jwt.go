// Lexforum - Legal Community Realtime and Metering Core
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/lexforum/lexforum

package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/lexforum/lexforum/internal/models"
)

// ErrInvalidToken is returned for any token that fails validation:
// bad signature, wrong algorithm, expired, or malformed claims.
var ErrInvalidToken = errors.New("invalid token")

// Claims carries the Lexforum identity inside a JWT.
type Claims struct {
	DisplayName string `json:"display_name"`
	Category    string `json:"category"`
	AvatarRef   string `json:"avatar_ref,omitempty"`
	jwt.RegisteredClaims
}

// JWTManager creates and validates identity tokens signed with HMAC-SHA256.
type JWTManager struct {
	secret  []byte
	timeout time.Duration
}

// NewJWTManager builds a manager from the configured secret and session
// timeout. The secret must be at least 32 characters.
func NewJWTManager(secret string, timeout time.Duration) (*JWTManager, error) {
	if len(secret) < 32 {
		return nil, fmt.Errorf("jwt secret must be at least 32 characters, got %d", len(secret))
	}
	if timeout <= 0 {
		timeout = 24 * time.Hour
	}
	return &JWTManager{secret: []byte(secret), timeout: timeout}, nil
}

// GenerateToken creates a signed token for the given identity.
func (m *JWTManager) GenerateToken(id Identity) (string, error) {
	now := time.Now()
	claims := &Claims{
		DisplayName: id.DisplayName,
		Category:    string(id.Category),
		AvatarRef:   id.AvatarRef,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   id.UserID,
			ExpiresAt: jwt.NewNumericDate(now.Add(m.timeout)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(m.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// ResolveIdentity validates a token string and returns the identity it
// carries. Tokens signed with an unexpected algorithm are rejected to
// prevent algorithm-confusion attacks.
func (m *JWTManager) ResolveIdentity(tokenString string) (Identity, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return m.secret, nil
	})
	if err != nil || !token.Valid {
		return Identity{}, ErrInvalidToken
	}
	if claims.Subject == "" {
		return Identity{}, ErrInvalidToken
	}

	category := models.UserCategory(claims.Category)
	if !category.Valid() {
		category = models.CategoryRegular
	}

	return Identity{
		UserID:      claims.Subject,
		DisplayName: claims.DisplayName,
		Category:    category,
		AvatarRef:   claims.AvatarRef,
	}, nil
}

// ExtractBearer pulls a token out of an Authorization header value.
// Returns empty string when the header carries no bearer token.
func ExtractBearer(authHeader string) string {
	authHeader = strings.TrimSpace(authHeader)
	if strings.HasPrefix(strings.ToLower(authHeader), "bearer ") {
		return strings.TrimSpace(authHeader[7:])
	}
	return ""
}
