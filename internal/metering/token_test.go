// Lexforum - Legal Community Realtime and Metering Core
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/lexforum/lexforum

package metering

import (
	"strings"
	"testing"
)

func TestMintTokenFormat(t *testing.T) {
	plaintext, hash, displayPrefix, err := mintToken("key-123")
	if err != nil {
		t.Fatalf("mintToken: %v", err)
	}

	if !strings.HasPrefix(plaintext, tokenPrefix) {
		t.Errorf("token missing scheme prefix: %s", plaintext)
	}
	if !strings.HasPrefix(plaintext, displayPrefix) {
		t.Errorf("display prefix %q is not a prefix of the token", displayPrefix)
	}
	if hash == plaintext || strings.Contains(hash, plaintext) {
		t.Error("hash must not contain the plaintext token")
	}

	keyID, ok := parseToken(plaintext)
	if !ok {
		t.Fatal("minted token failed to parse")
	}
	if keyID != "key-123" {
		t.Errorf("parsed key ID = %q, want key-123", keyID)
	}
}

func TestParseTokenRejectsMalformed(t *testing.T) {
	cases := []struct {
		name  string
		token string
	}{
		{"empty", ""},
		{"wrong scheme", "ghp_abc_def"},
		{"missing secret", "lexf_key_aWQ"},
		{"empty id", "lexf_key__secret"},
		{"invalid base64 id", "lexf_key_!!!!_secret"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, ok := parseToken(tc.token); ok {
				t.Errorf("parseToken(%q) accepted a malformed token", tc.token)
			}
		})
	}
}

func TestVerifyToken(t *testing.T) {
	plaintext, hash, _, err := mintToken("key-123")
	if err != nil {
		t.Fatal(err)
	}

	if !verifyToken(plaintext, hash) {
		t.Error("minted token should verify against its own hash")
	}
	if verifyToken(plaintext+"x", hash) {
		t.Error("tampered token should not verify")
	}
	if verifyToken(plaintext, "not-a-bcrypt-hash") {
		t.Error("garbage hash should not verify")
	}
}
