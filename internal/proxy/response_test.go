package proxy

import (
	"io"
	"net/http"
	"strings"
	"testing"
)

func newUpstreamResponse(contentType, body string) *http.Response {
	return &http.Response{
		Header: http.Header{"Content-Type": []string{contentType}},
		Body:   io.NopCloser(strings.NewReader(body)),
	}
}

func TestWrapWithExtractorBufferedJSON(t *testing.T) {
	resp := newUpstreamResponse("application/json", `{"usage":{"prompt_tokens":10,"completion_tokens":2}}`)

	transformed, err := wrapWithExtractor(resp, NewOpenAIChatExtractor())
	if err != nil {
		t.Fatalf("wrapWithExtractor: %v", err)
	}
	out, err := io.ReadAll(transformed.Body)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if !strings.Contains(string(out), "prompt_tokens") {
		t.Error("expected buffered body forwarded unchanged")
	}
	usage := transformed.Usage()
	if usage.InputTokens != 10 || usage.OutputTokens != 2 {
		t.Errorf("usage = %+v", usage)
	}
}

func TestWrapWithExtractorSSE(t *testing.T) {
	resp := newUpstreamResponse("text/event-stream", "data: {\"type\":\"response.completed\",\"response\":{\"usage\":{\"input_tokens\":5,\"output_tokens\":1}}}\n\n")

	transformed, err := wrapWithExtractor(resp, NewOpenAIResponsesExtractor())
	if err != nil {
		t.Fatalf("wrapWithExtractor: %v", err)
	}
	if _, err := io.ReadAll(transformed.Body); err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	usage := transformed.Usage()
	if usage.InputTokens != 5 || usage.OutputTokens != 1 {
		t.Errorf("usage = %+v", usage)
	}
}

func TestWrapClaudeResponseRewritesBufferedBody(t *testing.T) {
	resp := newUpstreamResponse("application/json", `{"content":[{"type":"tool_use","name":"mcp_search"}]}`)

	transformed, err := wrapClaudeResponse(resp)
	if err != nil {
		t.Fatalf("wrapClaudeResponse: %v", err)
	}
	out, err := io.ReadAll(transformed.Body)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if strings.Contains(string(out), "mcp_search") {
		t.Errorf("expected mcp_ prefix rewritten, got %s", out)
	}
	if !strings.Contains(string(out), `"name":"search"`) {
		t.Errorf("expected rewritten tool name, got %s", out)
	}
}

func TestWrapClaudeResponseSSEUsage(t *testing.T) {
	resp := newUpstreamResponse("text/event-stream", "data: {\"type\":\"message_start\",\"message\":{\"usage\":{\"input_tokens\":3}}}\n\n")

	transformed, err := wrapClaudeResponse(resp)
	if err != nil {
		t.Fatalf("wrapClaudeResponse: %v", err)
	}
	if _, err := io.ReadAll(transformed.Body); err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if usage := transformed.Usage(); usage.InputTokens != 3 {
		t.Errorf("usage = %+v", usage)
	}
}
