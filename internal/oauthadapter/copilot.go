package oauthadapter

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"github.com/kleis/kleis/internal/domain"
)

const (
	copilotClientID              = "Iv1.b507a08c87ecfe98"
	copilotDefaultEnterpriseHost = "github.com"
	copilotTokenRefreshBuffer    = 5 * time.Minute
)

// CopilotAdapter implements the GitHub device-code flow plus the Copilot
// internal token exchange of §4.1, grounded on the teacher's applyCopilotHeaders
// / GetCopilotAPIToken idiom in internal/runtime/executor/providers/copilot.go.
type CopilotAdapter struct {
	httpClient     *http.Client
	clientID       string
	defaultHost    string
}

// NewCopilotAdapter builds a Copilot adapter. clientIDOverride/defaultHostOverride
// let a deployment point at a GitHub Enterprise instance or a differently
// registered OAuth app; empty uses the public copilot-cli client id and github.com.
func NewCopilotAdapter(httpClient *http.Client, clientIDOverride, defaultHostOverride string) *CopilotAdapter {
	id := copilotClientID
	if clientIDOverride != "" {
		id = clientIDOverride
	}
	host := copilotDefaultEnterpriseHost
	if defaultHostOverride != "" {
		host = defaultHostOverride
	}
	return &CopilotAdapter{httpClient: httpClient, clientID: id, defaultHost: host}
}

func (a *CopilotAdapter) Provider() domain.Provider { return domain.ProviderCopilot }

type copilotDeviceCodeMetadata struct {
	DeviceCode      string `json:"device_code"`
	Interval        int    `json:"interval"`
	EnterpriseHost  string `json:"enterprise_host"`
}

type copilotDeviceCodeResponse struct {
	DeviceCode      string `json:"device_code"`
	UserCode        string `json:"user_code"`
	VerificationURI string `json:"verification_uri"`
	ExpiresIn       int    `json:"expires_in"`
	Interval        int    `json:"interval"`
}

// StartOAuth begins the device flow against the adapter's default host
// (github.com unless another host was configured at construction).
func (a *CopilotAdapter) StartOAuth(ctx context.Context) (*StartResult, error) {
	return a.startOAuthForHost(ctx, a.defaultHost)
}

// StartOAuthForHost begins the device flow against enterpriseHost, falling
// back to the adapter's default host when enterpriseHost is empty.
func (a *CopilotAdapter) StartOAuthForHost(ctx context.Context, enterpriseHost string) (*StartResult, error) {
	if enterpriseHost == "" {
		enterpriseHost = a.defaultHost
	}
	return a.startOAuthForHost(ctx, enterpriseHost)
}

func (a *CopilotAdapter) startOAuthForHost(ctx context.Context, enterpriseHost string) (*StartResult, error) {
	deviceBase := copilotDeviceAuthBase(enterpriseHost)

	form := strings.NewReader(fmt.Sprintf("client_id=%s&scope=read:user", a.clientID))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, deviceBase+"/login/device/code", form)
	if err != nil {
		return nil, NewError(ErrKindUpstreamFailure, "build device code request", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return nil, NewError(ErrKindUpstreamFailure, "device code request failed", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, NewError(ErrKindUpstreamFailure, "read device code response", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, NewError(ErrKindUpstreamFailure, fmt.Sprintf("device code request failed: status=%d", resp.StatusCode), nil)
	}

	var device copilotDeviceCodeResponse
	if err := json.Unmarshal(body, &device); err != nil {
		return nil, NewError(ErrKindUpstreamFailure, "malformed device code response", err)
	}

	interval := device.Interval
	if interval <= 0 {
		interval = 5
	}
	expiresIn := device.ExpiresIn
	if expiresIn <= 0 {
		expiresIn = 900
	}

	metadata := copilotDeviceCodeMetadata{
		DeviceCode:     device.DeviceCode,
		Interval:       interval,
		EnterpriseHost: enterpriseHost,
	}
	metadataBytes, err := json.Marshal(metadata)
	if err != nil {
		return nil, NewError(ErrKindUpstreamFailure, "marshal device code metadata", err)
	}
	metadataJSON := string(metadataBytes)

	return &StartResult{
		AuthorizationURL: device.VerificationURI,
		State:            device.DeviceCode,
		MetadataJSON:     &metadataJSON,
		ExpiresAt:        time.Now().Add(time.Duration(expiresIn) * time.Second),
	}, nil
}

// CompleteOAuth polls the device-token endpoint at interval+3s until the user
// authorizes, the state expires, or the upstream reports a terminal error.
func (a *CopilotAdapter) CompleteOAuth(ctx context.Context, state domain.OAuthState, _ CompleteParams) (*TokenResult, error) {
	if state.MetadataJSON == nil {
		return nil, NewError(ErrKindUpstreamFailure, "device flow metadata missing", nil)
	}
	var metadata copilotDeviceCodeMetadata
	if err := json.Unmarshal([]byte(*state.MetadataJSON), &metadata); err != nil {
		return nil, NewError(ErrKindUpstreamFailure, "malformed device flow metadata", err)
	}

	deviceBase := copilotDeviceAuthBase(metadata.EnterpriseHost)
	interval := time.Duration(metadata.Interval)*time.Second + 3*time.Second

	for {
		if time.Now().After(state.ExpiresAt) {
			return nil, NewError(ErrKindUpstreamDenied, "device flow timed out", nil)
		}

		githubToken, done, err := a.pollDeviceToken(ctx, deviceBase, metadata.DeviceCode, &interval)
		if err != nil {
			return nil, err
		}
		if done {
			return a.exchangeCopilotToken(ctx, githubToken)
		}

		select {
		case <-ctx.Done():
			return nil, NewError(ErrKindUpstreamFailure, "device flow cancelled", ctx.Err())
		case <-time.After(interval):
		}
	}
}

func (a *CopilotAdapter) pollDeviceToken(ctx context.Context, deviceBase, deviceCode string, interval *time.Duration) (token string, done bool, err error) {
	form := strings.NewReader(fmt.Sprintf(
		"client_id=%s&device_code=%s&grant_type=urn:ietf:params:oauth:grant-type:device_code",
		a.clientID, deviceCode))
	req, reqErr := http.NewRequestWithContext(ctx, http.MethodPost, deviceBase+"/login/oauth/access_token", form)
	if reqErr != nil {
		return "", false, NewError(ErrKindUpstreamFailure, "build poll request", reqErr)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, doErr := a.httpClient.Do(req)
	if doErr != nil {
		return "", false, NewError(ErrKindUpstreamFailure, "poll request failed", doErr)
	}
	defer resp.Body.Close()

	body, readErr := io.ReadAll(resp.Body)
	if readErr != nil {
		return "", false, NewError(ErrKindUpstreamFailure, "read poll response", readErr)
	}

	var payload struct {
		AccessToken string `json:"access_token"`
		Error       string `json:"error"`
		Interval    int    `json:"interval"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return "", false, NewError(ErrKindUpstreamFailure, "malformed poll response", err)
	}

	switch payload.Error {
	case "":
		if payload.AccessToken == "" {
			return "", false, NewError(ErrKindUpstreamFailure, "poll response missing access token", nil)
		}
		return payload.AccessToken, true, nil
	case "authorization_pending":
		return "", false, nil
	case "slow_down":
		if payload.Interval > 0 {
			*interval = time.Duration(payload.Interval)*time.Second + 3*time.Second
		}
		return "", false, nil
	default:
		return "", false, NewError(ErrKindUpstreamDenied, "device flow denied: "+payload.Error, nil)
	}
}

type copilotInternalToken struct {
	Token     string `json:"token"`
	ExpiresAt int64  `json:"expires_at"`
}

// exchangeCopilotToken trades the long-lived GitHub token for a short-lived
// Copilot token and derives the per-account proxy base URL from its
// embedded proxy-ep segment.
func (a *CopilotAdapter) exchangeCopilotToken(ctx context.Context, githubToken string) (*TokenResult, error) {
	internalToken, err := a.fetchCopilotInternalToken(ctx, githubToken)
	if err != nil {
		return nil, err
	}

	expiresAt := time.Now().Add(25 * time.Minute)
	if internalToken.ExpiresAt > 0 {
		expiresAt = time.Unix(internalToken.ExpiresAt, 0).Add(-copilotTokenRefreshBuffer)
	}

	return &TokenResult{
		Token: oauth2.Token{
			AccessToken:  internalToken.Token,
			RefreshToken: githubToken,
			Expiry:       expiresAt,
		},
		Metadata: domain.AccountMetadata{
			Copilot: &domain.CopilotMetadata{
				Intent:            "conversation-edits",
				InitiatorHeader:   "x-initiator",
				VisionHeader:      "Copilot-Vision-Request",
				CopilotAPIBaseURL: copilotProxyBaseURL(internalToken.Token),
			},
		},
	}, nil
}

func (a *CopilotAdapter) fetchCopilotInternalToken(ctx context.Context, githubToken string) (*copilotInternalToken, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "https://api.github.com/copilot_internal/v2/token", nil)
	if err != nil {
		return nil, NewError(ErrKindUpstreamFailure, "build copilot token request", err)
	}
	req.Header.Set("Authorization", "token "+githubToken)
	req.Header.Set("Accept", "application/json")

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return nil, NewError(ErrKindUpstreamFailure, "copilot token request failed", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, NewError(ErrKindUpstreamFailure, "read copilot token response", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, NewError(ErrKindRefreshFailed, fmt.Sprintf("copilot token exchange failed: status=%d", resp.StatusCode), nil)
	}

	var token copilotInternalToken
	if err := json.Unmarshal(body, &token); err != nil {
		return nil, NewError(ErrKindUpstreamFailure, "malformed copilot token response", err)
	}
	return &token, nil
}

func (a *CopilotAdapter) RefreshAccount(ctx context.Context, account *domain.ProviderAccount) (*TokenResult, error) {
	// The GitHub token (stored as RefreshToken) is long-lived; refresh means
	// re-exchanging it for a new short-lived Copilot token.
	return a.exchangeCopilotToken(ctx, account.RefreshToken)
}

// copilotDeviceAuthBase resolves the device-flow host for an enterprise
// domain, defaulting to github.com.
func copilotDeviceAuthBase(enterpriseHost string) string {
	if enterpriseHost == "" || enterpriseHost == copilotDefaultEnterpriseHost {
		return "https://github.com"
	}
	return "https://" + enterpriseHost
}

// copilotProxyBaseURL derives the Copilot API base URL from the token's
// embedded proxy-ep=... segment, replacing the "proxy." host prefix with
// "api." per §4.1.
func copilotProxyBaseURL(token string) string {
	const marker = "proxy-ep="
	idx := strings.Index(token, marker)
	if idx < 0 {
		return "https://api.githubcopilot.com"
	}
	rest := token[idx+len(marker):]
	if semi := strings.IndexByte(rest, ';'); semi >= 0 {
		rest = rest[:semi]
	}
	rest = strings.TrimSpace(rest)
	if rest == "" {
		return "https://api.githubcopilot.com"
	}
	host := strings.Replace(rest, "proxy.", "api.", 1)
	if !strings.HasPrefix(host, "http") {
		host = "https://" + host
	}
	return host
}
