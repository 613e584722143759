package api

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/tidwall/gjson"

	"github.com/kleis/kleis/internal/accountsvc"
	"github.com/kleis/kleis/internal/domain"
	"github.com/kleis/kleis/internal/store"
)

func TestParseWindowMsClampsToMinimum(t *testing.T) {
	r := gin.New()
	var got time.Time
	r.GET("/x", func(c *gin.Context) { got = parseWindowMs(c) })

	req := httptest.NewRequest(http.MethodGet, "/x?windowMs=1", nil)
	r.ServeHTTP(httptest.NewRecorder(), req)

	if time.Since(got) > minWindowMs*time.Millisecond+time.Second {
		t.Errorf("expected window clamped to >= %dms, got elapsed %v", minWindowMs, time.Since(got))
	}
}

func TestParseWindowMsClampsToMaximum(t *testing.T) {
	r := gin.New()
	var got time.Time
	r.GET("/x", func(c *gin.Context) { got = parseWindowMs(c) })

	req := httptest.NewRequest(http.MethodGet, "/x?windowMs=999999999999", nil)
	r.ServeHTTP(httptest.NewRecorder(), req)

	wantSince := time.Duration(maxWindowMs) * time.Millisecond
	elapsed := time.Since(got)
	if elapsed < wantSince-time.Second || elapsed > wantSince+time.Second {
		t.Errorf("elapsed = %v, want ~%v", elapsed, wantSince)
	}
}

func TestParseWindowMsDefaultsWhenMissing(t *testing.T) {
	r := gin.New()
	var got time.Time
	r.GET("/x", func(c *gin.Context) { got = parseWindowMs(c) })

	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	r.ServeHTTP(httptest.NewRecorder(), req)

	wantSince := time.Duration(defaultWindowMs) * time.Millisecond
	elapsed := time.Since(got)
	if elapsed < wantSince-time.Second || elapsed > wantSince+time.Second {
		t.Errorf("elapsed = %v, want ~%v", elapsed, wantSince)
	}
}

func TestAggregateByApiKeyGroups(t *testing.T) {
	buckets := []domain.UsageBucket{
		{ApiKeyID: "k1"},
		{ApiKeyID: "k2"},
		{ApiKeyID: "k1"},
	}
	out := aggregateByApiKey(buckets)
	if len(out["k1"]) != 2 {
		t.Errorf("k1 buckets = %d, want 2", len(out["k1"]))
	}
	if len(out["k2"]) != 1 {
		t.Errorf("k2 buckets = %d, want 1", len(out["k2"]))
	}
}

func TestRedactKeyBlanksValue(t *testing.T) {
	k := domain.ApiKey{ID: "k1", Key: "km_secret"}
	redacted := redactKey(k)
	if redacted.Key != "" {
		t.Errorf("redacted.Key = %q, want empty", redacted.Key)
	}
	if redacted.ID != "k1" {
		t.Error("expected other fields preserved")
	}
}

func TestRedactKeysAppliesToEach(t *testing.T) {
	keys := []domain.ApiKey{{Key: "a"}, {Key: "b"}}
	out := redactKeys(keys)
	for _, k := range out {
		if k.Key != "" {
			t.Errorf("expected redacted key, got %q", k.Key)
		}
	}
}

func TestRandomOpaqueValueUnique(t *testing.T) {
	a, err := randomOpaqueValue("km_")
	if err != nil {
		t.Fatalf("randomOpaqueValue: %v", err)
	}
	b, err := randomOpaqueValue("km_")
	if err != nil {
		t.Fatalf("randomOpaqueValue: %v", err)
	}
	if a == b {
		t.Error("expected distinct values")
	}
}

type fakeAdminRepo struct {
	store.Repository
	keys map[string]domain.ApiKey
}

func newFakeAdminRepo() *fakeAdminRepo {
	return &fakeAdminRepo{keys: map[string]domain.ApiKey{}}
}

func (f *fakeAdminRepo) ListApiKeys(ctx context.Context) ([]domain.ApiKey, error) {
	var out []domain.ApiKey
	for _, k := range f.keys {
		out = append(out, k)
	}
	return out, nil
}

func (f *fakeAdminRepo) CreateApiKey(ctx context.Context, key domain.ApiKey) (*domain.ApiKey, error) {
	key.ID = "generated-id"
	f.keys[key.ID] = key
	return &key, nil
}

func (f *fakeAdminRepo) GetApiKey(ctx context.Context, id string) (*domain.ApiKey, error) {
	k, ok := f.keys[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &k, nil
}

func (f *fakeAdminRepo) RevokeApiKey(ctx context.Context, id string, now time.Time) (*domain.ApiKey, error) {
	k, ok := f.keys[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	k.RevokedAt = &now
	f.keys[id] = k
	return &k, nil
}

func init() {
	gin.SetMode(gin.TestMode)
}

func TestListKeysHandlerRedactsValues(t *testing.T) {
	repo := newFakeAdminRepo()
	repo.keys["k1"] = domain.ApiKey{ID: "k1", Key: "km_abc"}
	deps := adminDeps{repo: repo, accounts: accountsvc.NewService(repo, nil), events: newEventHub()}

	r := gin.New()
	g := r.Group("/admin")
	registerAdminRoutes(g, deps)

	req := httptest.NewRequest(http.MethodGet, "/admin/keys", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if gjson.GetBytes(w.Body.Bytes(), "keys.0.key").String() != "" {
		t.Error("expected key value redacted in list response")
	}
}

func TestCreateKeyHandlerReturnsFullValueOnce(t *testing.T) {
	repo := newFakeAdminRepo()
	deps := adminDeps{repo: repo, accounts: accountsvc.NewService(repo, nil), events: newEventHub()}

	r := gin.New()
	g := r.Group("/admin")
	registerAdminRoutes(g, deps)

	req := httptest.NewRequest(http.MethodPost, "/admin/keys", bytes.NewReader([]byte(`{}`)))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d, body=%s", w.Code, w.Body.String())
	}
	if gjson.GetBytes(w.Body.Bytes(), "key.key").String() == "" {
		t.Error("expected full key value in create response")
	}
}

func TestRevokeKeyHandlerNotFound(t *testing.T) {
	repo := newFakeAdminRepo()
	deps := adminDeps{repo: repo, accounts: accountsvc.NewService(repo, nil), events: newEventHub()}

	r := gin.New()
	g := r.Group("/admin")
	registerAdminRoutes(g, deps)

	req := httptest.NewRequest(http.MethodPost, "/admin/keys/missing/revoke", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", w.Code)
	}
}
