package proxy

import (
	"net/http"
	"strings"
	"testing"

	"github.com/tidwall/gjson"

	"github.com/kleis/kleis/internal/domain"
)

func claudeAccount(meta *domain.ClaudeMetadata) *domain.ProviderAccount {
	return &domain.ProviderAccount{
		Provider:    domain.ProviderClaude,
		AccessToken: "access-token",
		Metadata:    domain.AccountMetadata{Claude: meta},
	}
}

func TestClaudePreparerSetsAuthAndBetaHeaders(t *testing.T) {
	p := NewClaudePreparer()
	body := []byte(`{"messages":[]}`)

	out, err := p.Prepare(PreparerInput{
		Account:  claudeAccount(nil),
		Header:   http.Header{},
		Body:     body,
		BodyJSON: gjson.ParseBytes(body),
		Path:     "/v1/messages",
	})
	if err != nil {
		t.Fatalf("Prepare: %v", err)
	}

	if out.Header.Get("Authorization") != "Bearer access-token" {
		t.Errorf("Authorization = %q", out.Header.Get("Authorization"))
	}
	beta := out.Header.Get("anthropic-beta")
	for _, want := range claudeRequiredBetaHeaders {
		if !strings.Contains(beta, want) {
			t.Errorf("anthropic-beta missing %q: got %q", want, beta)
		}
	}
	if !strings.Contains(out.UpstreamURL, "beta=true") {
		t.Errorf("expected beta=true query param, got %q", out.UpstreamURL)
	}
	if out.UpstreamURL != claudeUpstreamBase+"/v1/messages?beta=true" {
		t.Errorf("unexpected upstream URL %q", out.UpstreamURL)
	}
}

func TestClaudePreparerMetadataOverridesDefaults(t *testing.T) {
	p := NewClaudePreparer()
	meta := &domain.ClaudeMetadata{
		UserAgent:      "custom-agent/2.0",
		SystemIdentity: "Custom identity",
		ToolPrefix:     "x_",
		BetaHeaders:    []string{"custom-beta"},
	}
	body := []byte(`{"messages":[]}`)

	out, err := p.Prepare(PreparerInput{
		Account:  claudeAccount(meta),
		Header:   http.Header{},
		Body:     body,
		BodyJSON: gjson.ParseBytes(body),
		Path:     "/v1/messages",
	})
	if err != nil {
		t.Fatalf("Prepare: %v", err)
	}

	if out.Header.Get("User-Agent") != "custom-agent/2.0" {
		t.Errorf("User-Agent = %q", out.Header.Get("User-Agent"))
	}
	if out.Header.Get("anthropic-beta") != "custom-beta" {
		t.Errorf("anthropic-beta = %q, want exactly the override", out.Header.Get("anthropic-beta"))
	}
	if !strings.Contains(string(out.Body), "Custom identity") {
		t.Errorf("expected custom system identity in body, got %s", out.Body)
	}
}

func TestClaudePreparerDoesNotDuplicateBetaQueryParam(t *testing.T) {
	p := NewClaudePreparer()
	body := []byte(`{}`)

	out, err := p.Prepare(PreparerInput{
		Account:  claudeAccount(nil),
		Header:   http.Header{},
		Body:     body,
		BodyJSON: gjson.ParseBytes(body),
		Path:     "/v1/messages?beta=true",
	})
	if err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	if strings.Count(out.UpstreamURL, "beta=true") != 1 {
		t.Errorf("expected exactly one beta=true, got %q", out.UpstreamURL)
	}
}

func TestMergeBetaHeadersDedupes(t *testing.T) {
	got := mergeBetaHeaders("a, b", []string{"b", "c"})
	want := "a,b,c"
	if got != want {
		t.Errorf("mergeBetaHeaders = %q, want %q", got, want)
	}
}

func TestMergeBetaHeadersEmptyExisting(t *testing.T) {
	got := mergeBetaHeaders("", []string{"x", "y"})
	if got != "x,y" {
		t.Errorf("mergeBetaHeaders = %q, want x,y", got)
	}
}

func TestSanitizeClaudeTextReplacesSelfIdentification(t *testing.T) {
	got := sanitizeClaudeText("I am OpenCode, built to help.")
	if strings.Contains(got, "OpenCode") {
		t.Errorf("expected OpenCode replaced, got %q", got)
	}

	got = sanitizeClaudeText("running openai/opencode-mini as a model id")
	if !strings.Contains(got, "openai/opencode-mini") {
		t.Errorf("expected slash-prefixed model id left untouched, got %q", got)
	}
}

func TestRewriteClaudeSystemWrapsStringSystem(t *testing.T) {
	body := []byte(`{"system":"be helpful"}`)
	out := rewriteClaudeSystem(body, gjson.ParseBytes(body), "Identity block")

	system := gjson.GetBytes(out, "system")
	if !system.IsArray() {
		t.Fatalf("expected system to become an array, got %s", system.Raw)
	}
	texts := system.Array()
	if len(texts) != 2 {
		t.Fatalf("expected identity + original text, got %d blocks", len(texts))
	}
	if texts[0].Get("text").String() != "Identity block" {
		t.Errorf("first block should be the identity, got %q", texts[0].Get("text").String())
	}
	if texts[1].Get("text").String() != "be helpful" {
		t.Errorf("second block should be the original system text, got %q", texts[1].Get("text").String())
	}
}

func TestRewriteClaudeSystemNoExistingSystem(t *testing.T) {
	body := []byte(`{}`)
	out := rewriteClaudeSystem(body, gjson.ParseBytes(body), "Identity block")

	system := gjson.GetBytes(out, "system")
	if !system.IsArray() || len(system.Array()) != 1 {
		t.Fatalf("expected single identity block, got %s", system.Raw)
	}
}

func TestPrefixClaudeToolNames(t *testing.T) {
	body := []byte(`{"tools":[{"name":"search"},{"name":"mcp_already"}]}`)
	out := prefixClaudeToolNames(body, "mcp_")

	tools := gjson.GetBytes(out, "tools").Array()
	if tools[0].Get("name").String() != "mcp_search" {
		t.Errorf("expected unprefixed tool name prefixed, got %q", tools[0].Get("name").String())
	}
	if tools[1].Get("name").String() != "mcp_already" {
		t.Errorf("expected already-prefixed tool name left unchanged, got %q", tools[1].Get("name").String())
	}
}

func TestPrefixClaudeToolNamesInToolUseContent(t *testing.T) {
	body := []byte(`{"messages":[{"content":[{"type":"tool_use","name":"search"},{"type":"text","text":"hi"}]}]}`)
	out := prefixClaudeToolNames(body, "mcp_")

	content := gjson.GetBytes(out, "messages.0.content").Array()
	if content[0].Get("name").String() != "mcp_search" {
		t.Errorf("expected tool_use name prefixed, got %q", content[0].Get("name").String())
	}
}
