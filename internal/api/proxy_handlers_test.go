package api

import (
	"bytes"
	"compress/gzip"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/kleis/kleis/internal/accountsvc"
	"github.com/kleis/kleis/internal/apikeyauth"
	"github.com/kleis/kleis/internal/domain"
	"github.com/kleis/kleis/internal/proxy"
	"github.com/kleis/kleis/internal/ratelimit"
	"github.com/kleis/kleis/internal/store"
	"github.com/kleis/kleis/internal/usagerecorder"
)

func TestEqualFoldHeader(t *testing.T) {
	if !equalFoldHeader("content-type", "Content-Type") {
		t.Error("expected case-insensitive match")
	}
	if equalFoldHeader("content-type", "content-length") {
		t.Error("expected distinct headers to not match")
	}
}

func TestNewBodyReaderNilForEmpty(t *testing.T) {
	if r := newBodyReader(nil); r != nil {
		t.Error("expected nil reader for empty body")
	}
	if r := newBodyReader([]byte("x")); r == nil {
		t.Error("expected non-nil reader for non-empty body")
	}
}

func TestDecodeUpstreamGzipDecodesInPlace(t *testing.T) {
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	_, _ = gz.Write([]byte(`{"hello":"world"}`))
	_ = gz.Close()

	resp := &http.Response{
		Header: http.Header{"Content-Encoding": []string{"gzip"}},
		Body:   io.NopCloser(bytes.NewReader(buf.Bytes())),
	}
	decodeUpstreamGzip(resp)

	if resp.Header.Get("Content-Encoding") != "" {
		t.Error("expected Content-Encoding header cleared")
	}
	decoded := make([]byte, 18)
	n, _ := resp.Body.Read(decoded)
	if string(decoded[:n]) != `{"hello":"world"}` {
		t.Errorf("decoded body = %q", decoded[:n])
	}
}

func TestDecodeUpstreamGzipLeavesNonGzipUntouched(t *testing.T) {
	resp := &http.Response{
		Header: http.Header{},
		Body:   io.NopCloser(bytes.NewReader([]byte("plain"))),
	}
	decodeUpstreamGzip(resp)
	b := make([]byte, 5)
	n, _ := resp.Body.Read(b)
	if string(b[:n]) != "plain" {
		t.Errorf("body = %q, want unchanged", b[:n])
	}
}

// rewriteTransport redirects every outgoing request to target regardless of
// the preparer-assigned upstream host, so the proxy handler's full pipeline
// can be exercised against a local test server.
type rewriteTransport struct {
	target *url.URL
}

func (rt *rewriteTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	req.URL.Scheme = rt.target.Scheme
	req.URL.Host = rt.target.Host
	req.Host = rt.target.Host
	return http.DefaultTransport.RoundTrip(req)
}

type fakeProxyRepo struct {
	store.Repository
	primary *domain.ProviderAccount
}

func (f *fakeProxyRepo) GetPrimaryProviderAccount(ctx context.Context, provider domain.Provider) (*domain.ProviderAccount, error) {
	if f.primary == nil || f.primary.Provider != provider {
		return nil, nil
	}
	return f.primary, nil
}

func (f *fakeProxyRepo) RecordRequestUsage(ctx context.Context, rec store.RequestUsageRecord) error {
	return nil
}

func (f *fakeProxyRepo) RecordTokenUsage(ctx context.Context, rec store.TokenUsageRecord) error {
	return nil
}

func withApiKey(key *domain.ApiKey) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Set(apikeyauth.ContextKey, key)
		c.Next()
	}
}

func TestProxyHandlerEndToEndClaudeRoute(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"type":"message","usage":{"input_tokens":3,"output_tokens":5}}`))
	}))
	defer upstream.Close()

	target, _ := url.Parse(upstream.URL)
	repo := &fakeProxyRepo{primary: &domain.ProviderAccount{
		ID:          "acct-1",
		Provider:    domain.ProviderClaude,
		AccessToken: "token-abc",
		ExpiresAt:   time.Now().Add(time.Hour),
	}}

	deps := proxyDeps{
		accounts:  accountsvc.NewService(repo, nil),
		preparers: proxy.NewPreparerRegistry(),
		recorder:  usagerecorder.New(repo),
		upstream:  &http.Client{Transport: &rewriteTransport{target: target}},
		timeout:   5 * time.Second,
		limiter:   ratelimit.New(),
	}

	r := gin.New()
	r.Use(withApiKey(&domain.ApiKey{ID: "key-1"}))
	registerProxyRoutes(r.Group("/"), deps)

	req := httptest.NewRequest(http.MethodPost, "/anthropic/v1/messages", bytes.NewReader([]byte(`{"model":"claude-opus-4","messages":[]}`)))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body=%s", w.Code, w.Body.String())
	}
}

func TestProxyHandlerMissingAccountReturnsBadRequest(t *testing.T) {
	repo := &fakeProxyRepo{}
	deps := proxyDeps{
		accounts:  accountsvc.NewService(repo, nil),
		preparers: proxy.NewPreparerRegistry(),
		recorder:  usagerecorder.New(repo),
		upstream:  http.DefaultClient,
		timeout:   5 * time.Second,
		limiter:   ratelimit.New(),
	}

	r := gin.New()
	r.Use(withApiKey(&domain.ApiKey{ID: "key-1"}))
	registerProxyRoutes(r.Group("/"), deps)

	req := httptest.NewRequest(http.MethodPost, "/anthropic/v1/messages", bytes.NewReader([]byte(`{}`)))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
}

func TestProxyHandlerForbiddenProviderScope(t *testing.T) {
	repo := &fakeProxyRepo{primary: &domain.ProviderAccount{
		ID: "acct-1", Provider: domain.ProviderClaude, ExpiresAt: time.Now().Add(time.Hour),
	}}
	deps := proxyDeps{
		accounts:  accountsvc.NewService(repo, nil),
		preparers: proxy.NewPreparerRegistry(),
		recorder:  usagerecorder.New(repo),
		upstream:  http.DefaultClient,
		timeout:   5 * time.Second,
		limiter:   ratelimit.New(),
	}

	r := gin.New()
	r.Use(withApiKey(&domain.ApiKey{ID: "key-1", ProviderScopes: []domain.Provider{domain.ProviderCodex}}))
	registerProxyRoutes(r.Group("/"), deps)

	req := httptest.NewRequest(http.MethodPost, "/anthropic/v1/messages", bytes.NewReader([]byte(`{}`)))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusForbidden {
		t.Errorf("status = %d, want 403", w.Code)
	}
}
