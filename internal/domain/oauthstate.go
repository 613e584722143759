package domain

import "time"

// OAuthState is a single-use row correlating an in-flight OAuth/device flow
// to its PKCE verifier and adapter-private metadata.
type OAuthState struct {
	State        string
	Provider     Provider
	PKCEVerifier *string
	MetadataJSON *string // adapter-private (e.g. Copilot device_code, interval)
	ExpiresAt    time.Time
}

// Expired reports whether the state has outlived its TTL as of now.
func (s *OAuthState) Expired(now time.Time) bool {
	return !s.ExpiresAt.After(now)
}

// Default OAuth state TTLs per §3.
const (
	CodexStateTTL  = 15 * time.Minute
	ClaudeStateTTL = 15 * time.Minute
)
