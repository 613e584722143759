package api

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"github.com/kleis/kleis/internal/accountsvc"
	"github.com/kleis/kleis/internal/domain"
	"github.com/kleis/kleis/internal/store"
)

type adminDeps struct {
	repo     store.Repository
	accounts *accountsvc.Service
	events   *eventHub
}

func registerAdminRoutes(g *gin.RouterGroup, deps adminDeps) {
	g.GET("/accounts", listAccountsHandler(deps))
	g.POST("/accounts/:id/primary", setPrimaryAccountHandler(deps))
	g.POST("/accounts/:id/refresh", refreshAccountHandler(deps))
	g.POST("/accounts/:provider/oauth/start", startOAuthHandler(deps))
	g.POST("/accounts/:provider/oauth/complete", completeOAuthHandler(deps))
	g.GET("/accounts/:provider/oauth/status/:state", oauthStatusHandler(deps))
	g.POST("/accounts/:provider/import", importAccountHandler(deps))
	g.DELETE("/accounts/:id", deleteAccountHandler(deps))

	g.GET("/keys", listKeysHandler(deps))
	g.POST("/keys", createKeyHandler(deps))
	g.PATCH("/keys/:id", updateKeyHandler(deps))
	g.POST("/keys/:id/revoke", revokeKeyHandler(deps))
	g.DELETE("/keys/:id", deleteKeyHandler(deps))

	g.GET("/usage/dashboard", usageDashboardHandler(deps))
	g.GET("/keys/usage", usageAllKeysHandler(deps))
	g.GET("/keys/:id/usage", usageForKeyHandler(deps))
}

// --- Accounts ---

func listAccountsHandler(deps adminDeps) gin.HandlerFunc {
	return func(c *gin.Context) {
		var providerFilter *domain.Provider
		if p := domain.Provider(c.Query("provider")); p.Valid() {
			providerFilter = &p
		}
		accounts, err := deps.accounts.ListProviderAccounts(c.Request.Context(), providerFilter)
		if err != nil {
			internalError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"accounts": accounts})
	}
}

func setPrimaryAccountHandler(deps adminDeps) gin.HandlerFunc {
	return func(c *gin.Context) {
		account, err := deps.accounts.SetPrimaryProviderAccount(c.Request.Context(), c.Param("id"), time.Now())
		if err != nil {
			internalError(c, err)
			return
		}
		if account == nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"account": account})
	}
}

func refreshAccountHandler(deps adminDeps) gin.HandlerFunc {
	return func(c *gin.Context) {
		account, err := deps.accounts.RefreshProviderAccount(c.Request.Context(), c.Param("id"), time.Now())
		if err != nil {
			if errors.Is(err, accountsvc.ErrRefreshInProgress) {
				c.JSON(http.StatusConflict, gin.H{"error": "refresh in progress"})
				return
			}
			c.JSON(http.StatusBadGateway, gin.H{"error": "token_refresh_failed", "message": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"account": account})
	}
}

func startOAuthHandler(deps adminDeps) gin.HandlerFunc {
	return func(c *gin.Context) {
		provider := domain.Provider(c.Param("provider"))
		if !provider.Valid() {
			c.JSON(http.StatusBadRequest, gin.H{"error": "bad_request", "message": "unknown provider"})
			return
		}
		result, err := deps.accounts.StartProviderOAuth(c.Request.Context(), provider)
		if err != nil {
			internalError(c, err)
			return
		}
		deps.events.Publish(Event{Type: "oauth_status", Provider: string(provider), State: result.State, Status: "pending"})
		c.JSON(http.StatusOK, gin.H{
			"authorizationUrl": result.AuthorizationURL,
			"state":            result.State,
			"expiresAt":        result.ExpiresAt,
		})
	}
}

func completeOAuthHandler(deps adminDeps) gin.HandlerFunc {
	return func(c *gin.Context) {
		provider := domain.Provider(c.Param("provider"))
		if !provider.Valid() {
			c.JSON(http.StatusBadRequest, gin.H{"error": "bad_request", "message": "unknown provider"})
			return
		}
		var body struct {
			State string `json:"state"`
			Code  string `json:"code"`
		}
		if err := c.ShouldBindJSON(&body); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "bad_request", "message": err.Error()})
			return
		}

		account, err := deps.accounts.CompleteProviderOAuth(c.Request.Context(), provider, body.State, body.Code, time.Now())
		if err != nil {
			deps.events.Publish(Event{Type: "oauth_status", Provider: string(provider), State: body.State, Status: "failed"})
			c.JSON(http.StatusBadRequest, gin.H{"error": "state_missing_or_expired", "message": err.Error()})
			return
		}
		deps.events.Publish(Event{Type: "oauth_status", Provider: string(provider), State: body.State, Status: "complete"})
		c.JSON(http.StatusOK, gin.H{"account": account})
	}
}

// oauthStatusHandler lets the CLI/admin UI poll a device/PKCE flow to
// completion without holding the initiating request open, mirroring the
// teacher's OAuthStatus handler. Kleis itself does not persist intermediate
// status beyond the OAuthState row, so "pending" vs "unknown" is inferred
// from whether the state still resolves.
func oauthStatusHandler(deps adminDeps) gin.HandlerFunc {
	return func(c *gin.Context) {
		provider := domain.Provider(c.Param("provider"))
		state, err := deps.repo.FindOAuthState(c.Request.Context(), c.Param("state"), provider, time.Now())
		if err != nil {
			internalError(c, err)
			return
		}
		if state == nil {
			c.JSON(http.StatusOK, gin.H{"status": "complete_or_expired"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "pending", "expiresAt": state.ExpiresAt})
	}
}

func importAccountHandler(deps adminDeps) gin.HandlerFunc {
	return func(c *gin.Context) {
		provider := domain.Provider(c.Param("provider"))
		if !provider.Valid() {
			c.JSON(http.StatusBadRequest, gin.H{"error": "bad_request", "message": "unknown provider"})
			return
		}
		var body struct {
			AccountID    *string               `json:"accountId"`
			Label        string                `json:"label"`
			AccessToken  string                `json:"accessToken"`
			RefreshToken string                `json:"refreshToken"`
			ExpiresAt    time.Time             `json:"expiresAt"`
			Metadata     domain.AccountMetadata `json:"metadata"`
		}
		if err := c.ShouldBindJSON(&body); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "bad_request", "message": err.Error()})
			return
		}

		account, err := deps.accounts.ImportProviderAccount(c.Request.Context(), domain.ProviderAccount{
			Provider:     provider,
			AccountID:    body.AccountID,
			Label:        body.Label,
			AccessToken:  body.AccessToken,
			RefreshToken: body.RefreshToken,
			ExpiresAt:    body.ExpiresAt,
			Metadata:     body.Metadata,
		})
		if err != nil {
			internalError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"account": account})
	}
}

func deleteAccountHandler(deps adminDeps) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := deps.accounts.DeleteProviderAccount(c.Request.Context(), c.Param("id")); err != nil {
			internalError(c, err)
			return
		}
		c.Status(http.StatusNoContent)
	}
}

// --- API keys ---

func listKeysHandler(deps adminDeps) gin.HandlerFunc {
	return func(c *gin.Context) {
		keys, err := deps.repo.ListApiKeys(c.Request.Context())
		if err != nil {
			internalError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"keys": redactKeys(keys)})
	}
}

func createKeyHandler(deps adminDeps) gin.HandlerFunc {
	return func(c *gin.Context) {
		var body struct {
			Label          *string         `json:"label"`
			ProviderScopes []domain.Provider `json:"providerScopes"`
			ModelScopes    []string        `json:"modelScopes"`
			ExpiresAt      *time.Time      `json:"expiresAt"`
		}
		if err := c.ShouldBindJSON(&body); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "bad_request", "message": err.Error()})
			return
		}

		value, err := randomOpaqueValue(domain.KeyPrefix)
		if err != nil {
			internalError(c, err)
			return
		}
		discoveryToken, err := randomOpaqueValue(domain.DiscoveryTokenPrefix)
		if err != nil {
			internalError(c, err)
			return
		}

		key, err := deps.repo.CreateApiKey(c.Request.Context(), domain.ApiKey{
			Key:                  value,
			ModelsDiscoveryToken: &discoveryToken,
			Label:                body.Label,
			ProviderScopes:       body.ProviderScopes,
			ModelScopes:          body.ModelScopes,
			ExpiresAt:            body.ExpiresAt,
		})
		if err != nil {
			internalError(c, err)
			return
		}
		// The full key value is returned exactly once, here; subsequent reads
		// of this key are always redacted.
		c.JSON(http.StatusCreated, gin.H{"key": key})
	}
}

func updateKeyHandler(deps adminDeps) gin.HandlerFunc {
	return func(c *gin.Context) {
		existing, err := deps.repo.GetApiKey(c.Request.Context(), c.Param("id"))
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
				return
			}
			internalError(c, err)
			return
		}

		var body struct {
			Label          *string           `json:"label"`
			ProviderScopes []domain.Provider `json:"providerScopes"`
			ModelScopes    []string          `json:"modelScopes"`
			ExpiresAt      *time.Time        `json:"expiresAt"`
		}
		if err := c.ShouldBindJSON(&body); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "bad_request", "message": err.Error()})
			return
		}

		existing.Label = body.Label
		existing.ProviderScopes = body.ProviderScopes
		existing.ModelScopes = body.ModelScopes
		existing.ExpiresAt = body.ExpiresAt

		updated, err := deps.repo.UpdateApiKey(c.Request.Context(), *existing)
		if err != nil {
			internalError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"key": redactKey(*updated)})
	}
}

func revokeKeyHandler(deps adminDeps) gin.HandlerFunc {
	return func(c *gin.Context) {
		key, err := deps.repo.RevokeApiKey(c.Request.Context(), c.Param("id"), time.Now())
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
				return
			}
			internalError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"key": redactKey(*key)})
	}
}

func deleteKeyHandler(deps adminDeps) gin.HandlerFunc {
	return func(c *gin.Context) {
		err := deps.repo.DeleteRevokedApiKey(c.Request.Context(), c.Param("id"))
		if err != nil {
			switch {
			case errors.Is(err, store.ErrNotFound):
				c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
			case errors.Is(err, store.ErrConflict):
				c.JSON(http.StatusBadRequest, gin.H{"error": "bad_request", "message": "key must be revoked before deletion"})
			default:
				internalError(c, err)
			}
			return
		}
		c.Status(http.StatusNoContent)
	}
}

// --- Usage ---

const (
	minWindowMs     = 60_000
	maxWindowMs     = 30 * 24 * 60 * 60 * 1000
	defaultWindowMs = 24 * 60 * 60 * 1000
)

func parseWindowMs(c *gin.Context) time.Time {
	windowMs := int64(defaultWindowMs)
	if raw := c.Query("windowMs"); raw != "" {
		if v, err := strconv.ParseInt(raw, 10, 64); err == nil {
			windowMs = v
		}
	}
	if windowMs < minWindowMs {
		windowMs = minWindowMs
	}
	if windowMs > maxWindowMs {
		windowMs = maxWindowMs
	}
	return time.Now().Add(-time.Duration(windowMs) * time.Millisecond)
}

func usageDashboardHandler(deps adminDeps) gin.HandlerFunc {
	return func(c *gin.Context) {
		buckets, err := deps.repo.QueryUsage(c.Request.Context(), parseWindowMs(c))
		if err != nil {
			internalError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"buckets": buckets})
	}
}

func usageAllKeysHandler(deps adminDeps) gin.HandlerFunc {
	return func(c *gin.Context) {
		buckets, err := deps.repo.QueryUsage(c.Request.Context(), parseWindowMs(c))
		if err != nil {
			internalError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"buckets": aggregateByApiKey(buckets)})
	}
}

func usageForKeyHandler(deps adminDeps) gin.HandlerFunc {
	return func(c *gin.Context) {
		buckets, err := deps.repo.QueryUsageForApiKey(c.Request.Context(), c.Param("id"), parseWindowMs(c))
		if err != nil {
			internalError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"buckets": buckets})
	}
}

func aggregateByApiKey(buckets []domain.UsageBucket) map[string][]domain.UsageBucket {
	out := make(map[string][]domain.UsageBucket)
	for _, b := range buckets {
		out[b.ApiKeyID] = append(out[b.ApiKeyID], b)
	}
	return out
}

func internalError(c *gin.Context, err error) {
	log.WithError(err).Error("admin: internal error")
	c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
}

func redactKeys(keys []domain.ApiKey) []domain.ApiKey {
	out := make([]domain.ApiKey, len(keys))
	for i, k := range keys {
		out[i] = redactKey(k)
	}
	return out
}

// redactKey blanks the bearer value for every read path except creation,
// per §6.3: "responds with the full key value exactly once".
func redactKey(k domain.ApiKey) domain.ApiKey {
	k.Key = ""
	return k
}

func randomOpaqueValue(prefix string) (string, error) {
	b := make([]byte, 24)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return prefix + hex.EncodeToString(b), nil
}
