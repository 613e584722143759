// Package oauthadapter implements the three provider-specific OAuth/device
// flows of spec §4.1, behind one small capability interface. Grounded on the
// teacher's per-provider split (internal/auth/codex, internal/auth/claude)
// and its executor Refresh methods (internal/runtime/executor/providers).
package oauthadapter

import (
	"context"
	"errors"
	"time"

	"golang.org/x/oauth2"

	"github.com/kleis/kleis/internal/domain"
)

// ErrKind classifies an adapter failure so callers can map it to the HTTP
// status vocabulary of spec §7 without inspecting error strings.
type ErrKind string

const (
	ErrKindInvalidState    ErrKind = "invalid_state"
	ErrKindUpstreamDenied  ErrKind = "upstream_denied"
	ErrKindUpstreamFailure ErrKind = "upstream_failure"
	ErrKindRefreshFailed   ErrKind = "refresh_failed"
)

// Error is an adapter failure tagged with its ErrKind.
type Error struct {
	Kind ErrKind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Msg + ": " + e.Err.Error()
	}
	return e.Msg
}

func (e *Error) Unwrap() error { return e.Err }

func NewError(kind ErrKind, msg string, cause error) *Error {
	return &Error{Kind: kind, Msg: msg, Err: cause}
}

// StartResult is what a provider returns when beginning its OAuth/device
// flow: a URL for the user to visit, plus whatever the adapter needs to
// correlate the eventual callback.
type StartResult struct {
	AuthorizationURL string
	State            string
	PKCEVerifier     *string // populated for authorization-code+PKCE providers
	MetadataJSON     *string // adapter-private (e.g. Copilot device_code/interval)
	ExpiresAt        time.Time
}

// TokenResult is the normalized outcome of completing or refreshing an OAuth
// grant. It embeds oauth2.Token for the access/refresh/expiry vocabulary
// (AccessToken, RefreshToken, Expiry) even though none of the three adapters'
// token exchanges go through oauth2.Config itself: Codex's token endpoint
// wants extra org-claim/simplified-flow params, Copilot's device grant uses a
// non-standard grant_type string plus a second internal-token exchange, and
// Claude's token endpoint takes a JSON body rather than form encoding.
// oauth2.Config assumes form-encoded, RFC 6749-shaped token requests, so the
// exchanges stay hand-rolled; the result is still expressed in oauth2's types.
type TokenResult struct {
	oauth2.Token
	AccountID *string
	Metadata  domain.AccountMetadata
	Label     string
}

// CompleteParams carries whatever the callback/poll needs beyond the stored
// OAuthState: the authorization code for redirect-based providers, nothing
// extra for device-code polling.
type CompleteParams struct {
	Code string
}

// Adapter is the per-provider OAuth capability of spec §4.1.
type Adapter interface {
	Provider() domain.Provider

	// StartOAuth begins the flow and returns what the caller must persist
	// as an OAuthState plus show/return to the user.
	StartOAuth(ctx context.Context) (*StartResult, error)

	// CompleteOAuth exchanges an authorization code (or polls a pending
	// device flow) using the PKCE verifier/metadata from the persisted
	// OAuthState, returning normalized tokens.
	CompleteOAuth(ctx context.Context, state domain.OAuthState, params CompleteParams) (*TokenResult, error)

	// RefreshAccount exchanges a refresh token for a fresh access token.
	RefreshAccount(ctx context.Context, account *domain.ProviderAccount) (*TokenResult, error)
}

var ErrUnsupportedProvider = errors.New("oauthadapter: unsupported provider")
