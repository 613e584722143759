package apikeyauth

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/kleis/kleis/internal/domain"
	"github.com/kleis/kleis/internal/ratelimit"
	"github.com/kleis/kleis/internal/store"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fakeAuthRepo struct {
	store.Repository
}

func (fakeAuthRepo) FindActiveApiKeyByValue(ctx context.Context, value string, now time.Time) (*domain.ApiKey, error) {
	return nil, nil
}

func TestExtractBearerPrefersAuthorizationHeader(t *testing.T) {
	r := httptest.NewRequest(http.MethodPost, "/", nil)
	r.Header.Set("Authorization", "Bearer kleis_abc")
	r.Header.Set("x-api-key", "kleis_xyz")

	if got := extractBearer(r); got != "kleis_abc" {
		t.Errorf("extractBearer = %q, want kleis_abc", got)
	}
}

func TestExtractBearerFallsBackToApiKeyHeader(t *testing.T) {
	r := httptest.NewRequest(http.MethodPost, "/", nil)
	r.Header.Set("x-api-key", "kleis_xyz")

	if got := extractBearer(r); got != "kleis_xyz" {
		t.Errorf("extractBearer = %q, want kleis_xyz", got)
	}
}

func TestExtractBearerMissing(t *testing.T) {
	r := httptest.NewRequest(http.MethodPost, "/", nil)
	if got := extractBearer(r); got != "" {
		t.Errorf("extractBearer = %q, want empty", got)
	}
}

func TestReadBodyModelExtractsAndPreservesBody(t *testing.T) {
	payload := []byte(`{"model":"gpt-5","messages":[]}`)
	r := httptest.NewRequest(http.MethodPost, "/", bytes.NewReader(payload))

	body, model, err := ReadBodyModel(r)
	if err != nil {
		t.Fatalf("ReadBodyModel: %v", err)
	}
	if model != "gpt-5" {
		t.Errorf("model = %q, want gpt-5", model)
	}
	if !bytes.Equal(body, payload) {
		t.Errorf("body = %s, want unchanged payload", body)
	}

	replayed, err := readAll(r)
	if err != nil {
		t.Fatalf("reading r.Body a second time: %v", err)
	}
	if !bytes.Equal(replayed, payload) {
		t.Error("r.Body was not restored for downstream readers")
	}
}

func TestReadBodyModelTolerantOfNonJSON(t *testing.T) {
	r := httptest.NewRequest(http.MethodPost, "/", bytes.NewReader([]byte("not json")))
	_, model, err := ReadBodyModel(r)
	if err != nil {
		t.Fatalf("ReadBodyModel: %v", err)
	}
	if model != "" {
		t.Errorf("model = %q, want empty for non-JSON body", model)
	}
}

func TestAuthorizeProviderScope(t *testing.T) {
	route := domain.Route{CanonicalProvider: domain.CanonicalOpenAI, InternalProvider: domain.ProviderCodex}
	key := &domain.ApiKey{ProviderScopes: []domain.Provider{domain.ProviderClaude}}

	err := Authorize(key, route, "")
	if err == nil {
		t.Fatal("expected error for out-of-scope provider")
	}
	var authErr *Error
	if !asError(err, &authErr) || authErr.Kind != ErrKindForbidden {
		t.Errorf("expected forbidden Error, got %v", err)
	}
}

func TestAuthorizeUnscopedKeyAllowsAnything(t *testing.T) {
	route := domain.Route{CanonicalProvider: domain.CanonicalOpenAI, InternalProvider: domain.ProviderCodex}
	key := &domain.ApiKey{}
	if err := Authorize(key, route, "anything"); err != nil {
		t.Errorf("unscoped key should be authorized, got %v", err)
	}
}

func TestAuthorizeModelScopeRequiresExplicitModel(t *testing.T) {
	route := domain.Route{CanonicalProvider: domain.CanonicalAnthropic, InternalProvider: domain.ProviderClaude}
	key := &domain.ApiKey{ModelScopes: []string{"claude-opus-4"}}

	if err := Authorize(key, route, ""); err == nil {
		t.Fatal("expected error when model-scoped key sees no model field")
	}
}

func TestAuthorizeModelScopeDisqualifyingPrefix(t *testing.T) {
	route := domain.Route{CanonicalProvider: domain.CanonicalAnthropic, InternalProvider: domain.ProviderClaude}
	key := &domain.ApiKey{ModelScopes: []string{"gpt-5"}}

	if err := Authorize(key, route, "openai/gpt-5"); err == nil {
		t.Fatal("expected error for model prefix mismatching route provider")
	}
}

func TestAuthorizeModelScopeMatch(t *testing.T) {
	route := domain.Route{CanonicalProvider: domain.CanonicalAnthropic, InternalProvider: domain.ProviderClaude}
	key := &domain.ApiKey{ModelScopes: []string{"claude-opus-4"}}

	if err := Authorize(key, route, "anthropic/claude-opus-4"); err != nil {
		t.Errorf("expected scoped model to be authorized, got %v", err)
	}
}

func TestMiddlewareRecordsFailureOnInvalidKeyAndEventuallyBlocks(t *testing.T) {
	limiter := ratelimit.New()
	handler := Middleware(fakeAuthRepo{}, limiter)

	ip := "203.0.113.9"
	run := func() int {
		w := httptest.NewRecorder()
		c, _ := gin.CreateTestContext(w)
		c.Request = httptest.NewRequest(http.MethodPost, "/", nil)
		c.Request.Header.Set("x-real-ip", ip)
		c.Request.Header.Set("Authorization", "Bearer bad-key")
		handler(c)
		return w.Code
	}

	for i := 0; i < ratelimit.ProxyPolicy.MaxFailures-1; i++ {
		if code := run(); code != http.StatusUnauthorized {
			t.Fatalf("iteration %d: status = %d, want 401", i, code)
		}
	}
	if blocked, _ := limiter.Blocked(ratelimit.ProxyPolicy, ip); blocked {
		t.Fatal("should not be blocked before reaching MaxFailures")
	}

	run()
	if blocked, _ := limiter.Blocked(ratelimit.ProxyPolicy, ip); !blocked {
		t.Error("expected proxy policy to block the IP after MaxFailures invalid-key attempts")
	}
}

func readAll(r *http.Request) ([]byte, error) {
	buf := new(bytes.Buffer)
	_, err := buf.ReadFrom(r.Body)
	return buf.Bytes(), err
}

func asError(err error, target **Error) bool {
	e, ok := err.(*Error)
	if !ok {
		return false
	}
	*target = e
	return true
}
