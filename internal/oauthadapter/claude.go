package oauthadapter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"github.com/kleis/kleis/internal/domain"
	"github.com/kleis/kleis/internal/oauth/pkce"
)

const (
	claudeClientID       = "9d1c250a-e61b-44d9-88ed-5944d1962f5e"
	claudeRedirectURI    = "https://console.anthropic.com/oauth/code/callback"
	claudeMaxAuthBase    = "https://claude.ai"
	claudeConsoleAuthBase = "https://console.anthropic.com"

	claudeSystemIdentity = "You are Claude Code, Anthropic's official CLI for Claude."
	claudeToolPrefix     = "mcp_"
	claudeUserAgent      = "claude-cli/1.0 (external, cli)"
)

var claudeBetaHeaders = []string{
	"claude-code-20250219",
	"oauth-2025-04-20",
	"interleaved-thinking-2025-05-14",
	"fine-grained-tool-streaming-2025-05-14",
}

// ClaudeAdapter implements the Claude OAuth 2.0 + PKCE flow against either
// claude.ai (mode "max") or console.anthropic.com (mode "console"),
// grounded on the teacher's Claude auth bundle (internal/auth/claude/anthropic.go)
// and its shared pkce.Generate helper.
type ClaudeAdapter struct {
	httpClient  *http.Client
	defaultMode string
	clientID    string
}

func NewClaudeAdapter(httpClient *http.Client, defaultMode, clientIDOverride string) *ClaudeAdapter {
	if defaultMode == "" {
		defaultMode = "max"
	}
	id := claudeClientID
	if clientIDOverride != "" {
		id = clientIDOverride
	}
	return &ClaudeAdapter{httpClient: httpClient, defaultMode: defaultMode, clientID: id}
}

func (a *ClaudeAdapter) Provider() domain.Provider { return domain.ProviderClaude }

func (a *ClaudeAdapter) StartOAuth(ctx context.Context) (*StartResult, error) {
	return a.StartOAuthWithMode(ctx, a.defaultMode)
}

// StartOAuthWithMode lets the caller pick claude.ai ("max") vs
// console.anthropic.com ("console") per options.mode.
func (a *ClaudeAdapter) StartOAuthWithMode(ctx context.Context, mode string) (*StartResult, error) {
	state, err := randomURLSafeState()
	if err != nil {
		return nil, NewError(ErrKindUpstreamFailure, "generate oauth state", err)
	}
	codes, err := pkce.Generate()
	if err != nil {
		return nil, NewError(ErrKindUpstreamFailure, "generate pkce codes", err)
	}

	q := url.Values{}
	q.Set("code", "true")
	q.Set("client_id", a.clientID)
	q.Set("response_type", "code")
	q.Set("redirect_uri", claudeRedirectURI)
	q.Set("scope", "org:create_api_key user:profile user:inference")
	q.Set("code_challenge", codes.CodeChallenge)
	q.Set("code_challenge_method", "S256")
	q.Set("state", state)

	base := claudeAuthBaseForMode(mode)
	verifier := codes.CodeVerifier
	metadataBytes, err := json.Marshal(claudeModeMetadata{Mode: mode})
	if err != nil {
		return nil, NewError(ErrKindUpstreamFailure, "marshal oauth metadata", err)
	}
	metadataJSON := string(metadataBytes)

	return &StartResult{
		AuthorizationURL: base + "/oauth/authorize?" + q.Encode(),
		State:            state,
		PKCEVerifier:     &verifier,
		MetadataJSON:     &metadataJSON,
		ExpiresAt:        time.Now().Add(domain.ClaudeStateTTL),
	}, nil
}

type claudeModeMetadata struct {
	Mode string `json:"mode"`
}

func (a *ClaudeAdapter) CompleteOAuth(ctx context.Context, state domain.OAuthState, params CompleteParams) (*TokenResult, error) {
	if state.PKCEVerifier == nil {
		return nil, NewError(ErrKindUpstreamFailure, "pkce verifier missing for oauth state", nil)
	}

	mode := a.defaultMode
	if state.MetadataJSON != nil {
		var metadata claudeModeMetadata
		if err := json.Unmarshal([]byte(*state.MetadataJSON), &metadata); err == nil && metadata.Mode != "" {
			mode = metadata.Mode
		}
	}

	code, err := extractClaudeCode(params.Code, state.State)
	if err != nil {
		return nil, err
	}

	reqBody := map[string]string{
		"grant_type":    "authorization_code",
		"client_id":     a.clientID,
		"redirect_uri":  claudeRedirectURI,
		"code":          code,
		"code_verifier": *state.PKCEVerifier,
		"state":         state.State,
	}
	payload, err := a.exchangeToken(ctx, claudeAuthBaseForMode(mode), reqBody)
	if err != nil {
		return nil, err
	}
	return a.toTokenResult(payload, mode)
}

func (a *ClaudeAdapter) RefreshAccount(ctx context.Context, account *domain.ProviderAccount) (*TokenResult, error) {
	mode := a.defaultMode
	if account.Metadata.Claude != nil && account.Metadata.Claude.Mode != "" {
		mode = account.Metadata.Claude.Mode
	}

	reqBody := map[string]string{
		"grant_type":    "refresh_token",
		"client_id":     a.clientID,
		"refresh_token": account.RefreshToken,
	}
	payload, err := a.exchangeToken(ctx, claudeAuthBaseForMode(mode), reqBody)
	if err != nil {
		return nil, NewError(ErrKindRefreshFailed, "claude token refresh failed", err)
	}
	result, err := a.toTokenResult(payload, mode)
	if err != nil {
		return nil, err
	}
	if result.RefreshToken == "" {
		result.RefreshToken = account.RefreshToken
	}
	return result, nil
}

type claudeTokenPayload struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
}

func (a *ClaudeAdapter) exchangeToken(ctx context.Context, base string, reqBody map[string]string) (*claudeTokenPayload, error) {
	raw, err := json.Marshal(reqBody)
	if err != nil {
		return nil, NewError(ErrKindUpstreamFailure, "marshal token request", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, base+"/v1/oauth/token", bytes.NewReader(raw))
	if err != nil {
		return nil, NewError(ErrKindUpstreamFailure, "build token request", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return nil, NewError(ErrKindUpstreamFailure, "token exchange request failed", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, NewError(ErrKindUpstreamFailure, "read token response", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, NewError(ErrKindUpstreamFailure, fmt.Sprintf("claude token exchange failed: status=%d body=%s", resp.StatusCode, truncate(body, 500)), nil)
	}

	var payload claudeTokenPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, NewError(ErrKindUpstreamFailure, "malformed claude token response", err)
	}
	return &payload, nil
}

func (a *ClaudeAdapter) toTokenResult(payload *claudeTokenPayload, mode string) (*TokenResult, error) {
	expiresIn := payload.ExpiresIn
	if expiresIn <= 0 {
		expiresIn = 3600
	}

	host := claudeAPIHostForMode(mode)
	betaHeaders := append([]string(nil), claudeBetaHeaders...)

	return &TokenResult{
		Token: oauth2.Token{
			AccessToken:  payload.AccessToken,
			RefreshToken: payload.RefreshToken,
			Expiry:       time.Now().Add(time.Duration(expiresIn) * time.Second),
		},
		Metadata: domain.AccountMetadata{
			Claude: &domain.ClaudeMetadata{
				Mode:           mode,
				Host:           host,
				BetaHeaders:    betaHeaders,
				UserAgent:      claudeUserAgent,
				SystemIdentity: claudeSystemIdentity,
				ToolPrefix:     claudeToolPrefix,
			},
		},
	}, nil
}

func claudeAuthBaseForMode(mode string) string {
	if mode == "console" {
		return claudeConsoleAuthBase
	}
	return claudeMaxAuthBase
}

func claudeAPIHostForMode(mode string) string {
	return "https://api.anthropic.com"
}

// extractClaudeCode mirrors Codex's accepted forms: raw code, full callback
// URL, or "code#state".
func extractClaudeCode(raw, expectedState string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", NewError(ErrKindUpstreamDenied, "empty authorization code", nil)
	}

	if strings.Contains(raw, "#") {
		parts := strings.SplitN(raw, "#", 2)
		if parts[1] != expectedState {
			return "", NewError(ErrKindUpstreamDenied, "callback state mismatch", nil)
		}
		return parts[0], nil
	}

	if u, err := url.Parse(raw); err == nil && u.Scheme != "" {
		q := u.Query()
		if s := q.Get("state"); s != "" && s != expectedState {
			return "", NewError(ErrKindUpstreamDenied, "callback state mismatch", nil)
		}
		if code := q.Get("code"); code != "" {
			return code, nil
		}
	}

	return raw, nil
}
