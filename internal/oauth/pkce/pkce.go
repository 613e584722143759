// Package pkce implements RFC 7636 Proof Key for Code Exchange, used by the
// Codex and Claude OAuth adapters to bind an authorization code to the
// client that requested it.
package pkce

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
)

// Codes holds one verifier/challenge pair for an authorization-code flow.
type Codes struct {
	CodeVerifier  string
	CodeChallenge string
}

// Generate produces a fresh verifier and its S256 challenge.
func Generate() (*Codes, error) {
	verifier, err := generateCodeVerifier()
	if err != nil {
		return nil, fmt.Errorf("pkce: generate verifier: %w", err)
	}
	return &Codes{
		CodeVerifier:  verifier,
		CodeChallenge: generateCodeChallenge(verifier),
	}, nil
}

func generateCodeVerifier() (string, error) {
	b := make([]byte, 96)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("pkce: read random bytes: %w", err)
	}
	return base64.URLEncoding.WithPadding(base64.NoPadding).EncodeToString(b), nil
}

func generateCodeChallenge(verifier string) string {
	sum := sha256.Sum256([]byte(verifier))
	return base64.URLEncoding.WithPadding(base64.NoPadding).EncodeToString(sum[:])
}
