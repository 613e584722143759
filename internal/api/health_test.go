package api

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/tidwall/gjson"
)

func TestRegisterHealthReportsOK(t *testing.T) {
	r := gin.New()
	registerHealth(r)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	body := w.Body.Bytes()
	if !gjson.GetBytes(body, "ok").Bool() {
		t.Error("expected ok=true in health response")
	}
	if gjson.GetBytes(body, "service").String() != "kleis" {
		t.Errorf("service = %q, want kleis", gjson.GetBytes(body, "service").String())
	}
	if gjson.GetBytes(body, "now").String() == "" {
		t.Error("expected a non-empty now timestamp")
	}
}
