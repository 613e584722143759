package api

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/kleis/kleis/internal/accountsvc"
	"github.com/kleis/kleis/internal/proxy"
	"github.com/kleis/kleis/internal/ratelimit"
	"github.com/kleis/kleis/internal/usagerecorder"
)

func TestCorsMiddlewareSetsHeadersAndHandlesPreflight(t *testing.T) {
	r := gin.New()
	r.Use(corsMiddleware())
	r.GET("/x", func(c *gin.Context) { c.Status(http.StatusOK) })

	req := httptest.NewRequest(http.MethodOptions, "/x", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusNoContent {
		t.Errorf("OPTIONS status = %d, want 204", w.Code)
	}
	if w.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Error("expected CORS origin header on preflight response")
	}

	req2 := httptest.NewRequest(http.MethodGet, "/x", nil)
	w2 := httptest.NewRecorder()
	r.ServeHTTP(w2, req2)
	if w2.Code != http.StatusOK {
		t.Errorf("GET status = %d, want 200", w2.Code)
	}
	if w2.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Error("expected CORS origin header on normal response")
	}
}

func TestNewServerServesHealthAndGuardsAdmin(t *testing.T) {
	repo := newFakeAdminRepo()
	cfg := Config{
		AdminToken:      "secret",
		PublicBaseURL:   "https://kleis.example",
		Repo:            repo,
		Accounts:        accountsvc.NewService(repo, nil),
		Preparers:       proxy.NewPreparerRegistry(),
		Limiter:         ratelimit.New(),
		Recorder:        usagerecorder.New(repo),
	}
	srv := NewServer(cfg)

	w := httptest.NewRecorder()
	srv.engine.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("healthz status = %d", w.Code)
	}

	w2 := httptest.NewRecorder()
	srv.engine.ServeHTTP(w2, httptest.NewRequest(http.MethodGet, "/admin/keys", nil))
	if w2.Code != http.StatusUnauthorized {
		t.Errorf("unauthenticated admin status = %d, want 401", w2.Code)
	}

	req3 := httptest.NewRequest(http.MethodGet, "/admin/keys", nil)
	req3.Header.Set("Authorization", "Bearer secret")
	w3 := httptest.NewRecorder()
	srv.engine.ServeHTTP(w3, req3)
	if w3.Code != http.StatusOK {
		t.Errorf("authenticated admin status = %d, want 200", w3.Code)
	}
}
