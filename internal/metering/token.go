// Lexforum - Legal Community Realtime and Metering Core
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/lexforum/lexforum

package metering

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// Token format: lexf_key_<base64-encoded-id>_<random-secret>
//
// The key ID is embedded in the token so validation can look the key up
// directly instead of scanning hashes. Only a bcrypt hash of the full
// token is stored; the short prefix is kept for display.
const (
	tokenPrefix = "lexf_key_"

	// tokenSecretLength is the length of the random secret portion (bytes).
	tokenSecretLength = 32

	// tokenPrefixDisplayLength is the number of characters after the
	// scheme prefix shown in listings.
	tokenPrefixDisplayLength = 8

	// bcryptCost is the bcrypt cost factor for token hashing.
	bcryptCost = 12
)

// mintToken generates the plaintext token for a key ID along with its
// bcrypt hash and display prefix.
func mintToken(keyID string) (plaintext, hash, displayPrefix string, err error) {
	secretBytes := make([]byte, tokenSecretLength)
	if _, err = rand.Read(secretBytes); err != nil {
		return "", "", "", fmt.Errorf("generate token secret: %w", err)
	}
	secret := base64.RawURLEncoding.EncodeToString(secretBytes)

	idEncoded := base64.RawURLEncoding.EncodeToString([]byte(keyID))
	plaintext = fmt.Sprintf("%s%s_%s", tokenPrefix, idEncoded, secret)

	hash, err = hashToken(plaintext)
	if err != nil {
		return "", "", "", err
	}

	displayPrefix = plaintext[:len(tokenPrefix)+tokenPrefixDisplayLength]
	return plaintext, hash, displayPrefix, nil
}

// parseToken extracts the embedded key ID from a plaintext token.
// Returns false for anything that does not match the token format.
func parseToken(plaintext string) (keyID string, ok bool) {
	if !strings.HasPrefix(plaintext, tokenPrefix) {
		return "", false
	}
	parts := strings.SplitN(strings.TrimPrefix(plaintext, tokenPrefix), "_", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", false
	}
	idBytes, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		return "", false
	}
	return string(idBytes), true
}

// hashToken creates a bcrypt hash of a token. bcrypt caps input at 72
// bytes, so the token is SHA-256'd first — the same scheme GitHub and
// GitLab use for API tokens.
func hashToken(plaintext string) (string, error) {
	sha := sha256.Sum256([]byte(plaintext))
	hash, err := bcrypt.GenerateFromPassword(sha[:], bcryptCost)
	if err != nil {
		return "", fmt.Errorf("bcrypt failed: %w", err)
	}
	return string(hash), nil
}

// verifyToken checks a plaintext token against a stored hash.
func verifyToken(plaintext, storedHash string) bool {
	sha := sha256.Sum256([]byte(plaintext))
	return bcrypt.CompareHashAndPassword([]byte(storedHash), sha[:]) == nil
}
