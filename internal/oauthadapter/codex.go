package oauthadapter

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"github.com/kleis/kleis/internal/domain"
	"github.com/kleis/kleis/internal/oauth/pkce"
)

const (
	codexAuthBase    = "https://auth.openai.com"
	codexRedirectURI = "http://localhost:1455/auth/callback"
	codexClientID    = "app_EMoamEEZ73f0CkXaXp7hrann"
	codexOriginator  = "opencode"
)

// CodexAdapter implements the Codex OAuth 2.0 + PKCE flow against
// auth.openai.com, grounded on the teacher's codex auth bundle
// (internal/auth/codex/openai.go) and its pkce.Generate helper.
type CodexAdapter struct {
	httpClient *http.Client
	clientID   string
}

// NewCodexAdapter builds a Codex adapter. clientIDOverride lets a deployment
// point at a sandboxed auth.openai.com OAuth app; empty uses the public
// codex-cli client id.
func NewCodexAdapter(httpClient *http.Client, clientIDOverride string) *CodexAdapter {
	id := codexClientID
	if clientIDOverride != "" {
		id = clientIDOverride
	}
	return &CodexAdapter{httpClient: httpClient, clientID: id}
}

func (a *CodexAdapter) Provider() domain.Provider { return domain.ProviderCodex }

func (a *CodexAdapter) StartOAuth(ctx context.Context) (*StartResult, error) {
	state, err := randomURLSafeState()
	if err != nil {
		return nil, NewError(ErrKindUpstreamFailure, "generate oauth state", err)
	}
	codes, err := pkce.Generate()
	if err != nil {
		return nil, NewError(ErrKindUpstreamFailure, "generate pkce codes", err)
	}

	q := url.Values{}
	q.Set("response_type", "code")
	q.Set("client_id", a.clientID)
	q.Set("redirect_uri", codexRedirectURI)
	q.Set("scope", "openid profile email offline_access")
	q.Set("code_challenge", codes.CodeChallenge)
	q.Set("code_challenge_method", "S256")
	q.Set("id_token_add_organizations", "true")
	q.Set("codex_cli_simplified_flow", "true")
	q.Set("originator", codexOriginator)
	q.Set("state", state)

	verifier := codes.CodeVerifier
	return &StartResult{
		AuthorizationURL: codexAuthBase + "/oauth/authorize?" + q.Encode(),
		State:            state,
		PKCEVerifier:     &verifier,
		ExpiresAt:        time.Now().Add(domain.CodexStateTTL),
	}, nil
}

func (a *CodexAdapter) CompleteOAuth(ctx context.Context, state domain.OAuthState, params CompleteParams) (*TokenResult, error) {
	if state.PKCEVerifier == nil {
		return nil, NewError(ErrKindUpstreamFailure, "pkce verifier missing for oauth state", nil)
	}

	code, err := extractCodexCode(params.Code, state.State)
	if err != nil {
		return nil, err
	}

	form := url.Values{}
	form.Set("grant_type", "authorization_code")
	form.Set("client_id", a.clientID)
	form.Set("redirect_uri", codexRedirectURI)
	form.Set("code", code)
	form.Set("code_verifier", *state.PKCEVerifier)

	payload, err := a.exchangeToken(ctx, form)
	if err != nil {
		return nil, err
	}
	return a.toTokenResult(payload)
}

func (a *CodexAdapter) RefreshAccount(ctx context.Context, account *domain.ProviderAccount) (*TokenResult, error) {
	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("client_id", a.clientID)
	form.Set("refresh_token", account.RefreshToken)

	payload, err := a.exchangeToken(ctx, form)
	if err != nil {
		return nil, NewError(ErrKindRefreshFailed, "codex token refresh failed", err)
	}
	result, err := a.toTokenResult(payload)
	if err != nil {
		return nil, err
	}
	if result.RefreshToken == "" {
		result.RefreshToken = account.RefreshToken
	}
	return result, nil
}

type codexTokenPayload struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	IDToken      string `json:"id_token"`
	ExpiresIn    int64  `json:"expires_in"`
}

func (a *CodexAdapter) exchangeToken(ctx context.Context, form url.Values) (*codexTokenPayload, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, codexAuthBase+"/oauth/token", strings.NewReader(form.Encode()))
	if err != nil {
		return nil, NewError(ErrKindUpstreamFailure, "build token request", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

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
		return nil, NewError(ErrKindUpstreamFailure, fmt.Sprintf("codex token exchange failed: status=%d body=%s", resp.StatusCode, truncate(body, 500)), nil)
	}

	var payload codexTokenPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, NewError(ErrKindUpstreamFailure, "malformed codex token response", err)
	}
	return &payload, nil
}

func (a *CodexAdapter) toTokenResult(payload *codexTokenPayload) (*TokenResult, error) {
	claims, err := decodeJWTClaims(payload.IDToken)
	if err != nil && payload.AccessToken != "" {
		claims, err = decodeJWTClaims(payload.AccessToken)
	}

	var accountID *string
	if err == nil {
		if id := chatGPTAccountIDFromClaims(claims); id != "" {
			accountID = &id
		}
	}

	expiresIn := payload.ExpiresIn
	if expiresIn <= 0 {
		expiresIn = 3600
	}

	return &TokenResult{
		Token: oauth2.Token{
			AccessToken:  payload.AccessToken,
			RefreshToken: payload.RefreshToken,
			Expiry:       time.Now().Add(time.Duration(expiresIn) * time.Second),
		},
		AccountID: accountID,
		Metadata: domain.AccountMetadata{
			Codex: &domain.CodexMetadata{
				Originator: codexOriginator,
				Endpoint:   "https://chatgpt.com/backend-api/codex/responses",
			},
		},
	}, nil
}

// extractCodexCode accepts a raw code, a full callback URL, or "code#state",
// per §4.1; on URL form the embedded state must match expectedState.
func extractCodexCode(raw, expectedState string) (string, error) {
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

func randomURLSafeState() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.URLEncoding.WithPadding(base64.NoPadding).EncodeToString(b), nil
}

func decodeJWTClaims(token string) (map[string]any, error) {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return nil, fmt.Errorf("oauthadapter: malformed jwt")
	}
	payload, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return nil, fmt.Errorf("oauthadapter: decode jwt payload: %w", err)
	}
	var claims map[string]any
	if err := json.Unmarshal(payload, &claims); err != nil {
		return nil, fmt.Errorf("oauthadapter: unmarshal jwt claims: %w", err)
	}
	return claims, nil
}

func chatGPTAccountIDFromClaims(claims map[string]any) string {
	if v, ok := claims["chatgpt_account_id"].(string); ok && v != "" {
		return v
	}
	auth, ok := claims["https://api.openai.com/auth"].(map[string]any)
	if !ok {
		return ""
	}
	if v, ok := auth["chatgpt_account_id"].(string); ok && v != "" {
		return v
	}
	if orgs, ok := auth["organizations"].([]any); ok {
		for _, o := range orgs {
			if org, ok := o.(map[string]any); ok {
				if id, ok := org["id"].(string); ok && id != "" {
					return id
				}
			}
		}
	}
	return ""
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "...(" + strconv.Itoa(len(b)-n) + " more bytes)"
}
