package api

import (
	"context"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/kleis/kleis/internal/domain"
	"github.com/kleis/kleis/internal/store"
)

const modelsDevURL = "https://models.dev/api.json"

// codexAllowedModels is the fixed allow-list of §6.2 for model IDs that
// don't themselves contain "codex".
var codexAllowedModels = map[string]struct{}{
	"gpt-5.1-codex-max":  {},
	"gpt-5.1-codex-mini": {},
	"gpt-5.2":            {},
	"gpt-5.2-codex":      {},
	"gpt-5.3-codex":      {},
	"gpt-5.1-codex":      {},
}

func codexModelAllowed(id string) bool {
	if strings.Contains(id, "codex") {
		return true
	}
	_, ok := codexAllowedModels[id]
	return ok
}

// modelsDevCache holds the last successfully fetched models.dev document,
// refreshed on a background timer so /api.json never blocks on a live
// upstream fetch.
type modelsDevCache struct {
	mu     sync.RWMutex
	body   []byte
	client *http.Client
}

func newModelsDevCache() *modelsDevCache {
	c := &modelsDevCache{client: &http.Client{Timeout: 10 * time.Second}, body: []byte(`{}`)}
	c.refresh()
	go c.loop()
	return c
}

func (c *modelsDevCache) loop() {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for range ticker.C {
		c.refresh()
	}
}

func (c *modelsDevCache) refresh() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, modelsDevURL, nil)
	if err != nil {
		log.WithError(err).Warn("discovery: build models.dev request failed")
		return
	}
	resp, err := c.client.Do(req)
	if err != nil {
		log.WithError(err).Warn("discovery: fetch models.dev failed")
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		log.WithField("status", resp.StatusCode).Warn("discovery: models.dev returned non-200")
		return
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil || !gjson.ValidBytes(body) {
		log.WithError(err).Warn("discovery: models.dev body unreadable or invalid json")
		return
	}

	c.mu.Lock()
	c.body = body
	c.mu.Unlock()
}

func (c *modelsDevCache) snapshot() []byte {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]byte, len(c.body))
	copy(out, c.body)
	return out
}

func registerDiscovery(engine *gin.Engine, cfg Config) {
	cache := newModelsDevCache()

	engine.GET("/api.json", func(c *gin.Context) {
		registry := buildRegistry(cache.snapshot(), cfg.PublicBaseURL, nil)
		c.Data(http.StatusOK, "application/json; charset=utf-8", registry)
	})

	engine.GET("/api.json/:token", func(c *gin.Context) {
		key, err := findApiKeyByDiscoveryToken(c.Request.Context(), cfg.Repo, c.Param("token"))
		if err != nil || key == nil || !key.Active(time.Now()) {
			c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "not found"})
			return
		}
		registry := buildRegistry(cache.snapshot(), cfg.PublicBaseURL, key)
		c.Data(http.StatusOK, "application/json; charset=utf-8", registry)
	})
}

func findApiKeyByDiscoveryToken(ctx context.Context, repo store.Repository, token string) (*domain.ApiKey, error) {
	keys, err := repo.ListApiKeys(ctx)
	if err != nil {
		return nil, err
	}
	for i := range keys {
		if keys[i].ModelsDiscoveryToken != nil && *keys[i].ModelsDiscoveryToken == token {
			return &keys[i], nil
		}
	}
	return nil, nil
}

// buildRegistry merges the canonical provider rewrites and the synthetic
// "kleis" aggregate catalog into upstream per §6.2. When key is non-nil, the
// registry is built from scratch containing only the providers/models the
// key's scopes allow, rather than the unscoped document with disallowed
// entries deleted — an upstream provider outside Kleis's closed three
// (google, mistral, …) must never leak into a scoped response.
func buildRegistry(upstream []byte, baseURL string, key *domain.ApiKey) []byte {
	source := upstream
	if len(source) == 0 || !gjson.ValidBytes(source) {
		source = []byte(`{}`)
	}

	var root []byte
	if key == nil {
		root = source
	} else {
		root = []byte(`{}`)
	}

	kleisModels := `{}`

	for canonical, info := range domain.ProviderTable {
		if key != nil && !key.AllowsProvider(info.Internal) {
			continue
		}

		root, _ = sjson.SetBytes(root, string(canonical)+".api", baseURL+info.RouteBasePath)
		root, _ = sjson.SetBytes(root, string(canonical)+".env", []string{"KLEIS_API_KEY"})

		models := gjson.GetBytes(source, string(canonical)+".models")
		models.ForEach(func(modelID, modelVal gjson.Result) bool {
			id := modelID.String()
			if info.Internal == domain.ProviderCodex && !codexModelAllowed(id) {
				return true
			}
			kleisKey := string(canonical) + "/" + id
			if key != nil && !key.AllowsAnyModel([]string{id, kleisKey, string(info.Internal) + "/" + id}) {
				return true
			}
			if key != nil {
				root, _ = sjson.SetRawBytes(root, string(canonical)+".models."+escapeSjsonKey(id), []byte(modelVal.Raw))
			}
			kleisModels, _ = sjson.SetRaw(kleisModels, escapeSjsonKey(kleisKey), modelVal.Raw)
			return true
		})
	}

	root, _ = sjson.SetRawBytes(root, "kleis.models", []byte(kleisModels))
	root, _ = sjson.SetBytes(root, "kleis.api", baseURL+"/kleis/v1")
	root, _ = sjson.SetBytes(root, "kleis.env", []string{"KLEIS_API_KEY"})

	return root
}

// escapeSjsonKey escapes path metacharacters (., *, ?) so a model id
// containing a dot (e.g. "gpt-5.1-codex") is treated as one path segment.
func escapeSjsonKey(key string) string {
	replacer := strings.NewReplacer(".", `\.`, "*", `\*`, "?", `\?`)
	return replacer.Replace(key)
}
