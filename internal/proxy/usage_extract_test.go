package proxy

import (
	"testing"

	"github.com/kleis/kleis/internal/domain"
)

func TestOpenAIResponsesExtractorIgnoresOtherEventTypes(t *testing.T) {
	e := NewOpenAIResponsesExtractor()
	e.Feed([]byte(`{"type":"response.in_progress"}`))
	if got := e.Result(); !got.IsZero() {
		t.Errorf("expected zero usage before completed event, got %+v", got)
	}
}

func TestOpenAIResponsesExtractorReadsCompleted(t *testing.T) {
	e := NewOpenAIResponsesExtractor()
	e.Feed([]byte(`{"type":"response.completed","response":{"usage":{"input_tokens":100,"output_tokens":20,"input_tokens_details":{"cached_tokens":30}}}}`))

	want := domain.TokenUsage{InputTokens: 70, OutputTokens: 20, CacheReadTokens: 30}
	if got := e.Result(); got != want {
		t.Errorf("Result() = %+v, want %+v", got, want)
	}
}

func TestOpenAIResponsesExtractorClampsNegativeInput(t *testing.T) {
	e := NewOpenAIResponsesExtractor()
	e.Feed([]byte(`{"type":"response.done","response":{"usage":{"input_tokens":10,"output_tokens":1,"input_tokens_details":{"cached_tokens":50}}}}`))

	if got := e.Result(); got.InputTokens != 0 {
		t.Errorf("expected clamped InputTokens=0, got %d", got.InputTokens)
	}
}

func TestOpenAIChatExtractorRequiresUsageObject(t *testing.T) {
	e := NewOpenAIChatExtractor()
	e.Feed([]byte(`{"choices":[{"delta":{"content":"hi"}}]}`))
	if got := e.Result(); !got.IsZero() {
		t.Errorf("expected zero usage for chunk without usage, got %+v", got)
	}

	e.Feed([]byte(`{"usage":{"prompt_tokens":50,"completion_tokens":10,"prompt_tokens_details":{"cached_tokens":5}}}`))
	want := domain.TokenUsage{InputTokens: 45, OutputTokens: 10, CacheReadTokens: 5}
	if got := e.Result(); got != want {
		t.Errorf("Result() = %+v, want %+v", got, want)
	}
}

func TestAnthropicExtractorAccumulatesAcrossEvents(t *testing.T) {
	e := NewAnthropicExtractor()
	e.Feed([]byte(`{"type":"message_start","message":{"usage":{"input_tokens":40,"cache_read_input_tokens":5,"cache_creation_input_tokens":2}}}`))
	e.Feed([]byte(`{"type":"message_delta","usage":{"output_tokens":15}}`))

	want := domain.TokenUsage{InputTokens: 40, OutputTokens: 15, CacheReadTokens: 5, CacheWriteTokens: 2}
	if got := e.Result(); got != want {
		t.Errorf("Result() = %+v, want %+v", got, want)
	}
}

func TestAnthropicExtractorLastMessageDeltaWins(t *testing.T) {
	e := NewAnthropicExtractor()
	e.Feed([]byte(`{"type":"message_start","message":{"usage":{"input_tokens":10}}}`))
	e.Feed([]byte(`{"type":"message_delta","usage":{"output_tokens":5}}`))
	e.Feed([]byte(`{"type":"message_delta","usage":{"output_tokens":30}}`))

	if got := e.Result(); got.OutputTokens != 30 {
		t.Errorf("OutputTokens = %d, want 30 (last message_delta)", got.OutputTokens)
	}
}

func TestExtractorForEndpoint(t *testing.T) {
	cases := []struct {
		endpoint domain.Endpoint
		want     string
	}{
		{domain.EndpointResponses, "*proxy.OpenAIResponsesExtractor"},
		{domain.EndpointChatCompletions, "*proxy.OpenAIChatExtractor"},
		{domain.EndpointMessages, "*proxy.AnthropicExtractor"},
	}
	for _, c := range cases {
		got := ExtractorForEndpoint(c.endpoint)
		if typeName(got) != c.want {
			t.Errorf("ExtractorForEndpoint(%v) = %s, want %s", c.endpoint, typeName(got), c.want)
		}
	}
}

func typeName(v any) string {
	switch v.(type) {
	case *OpenAIResponsesExtractor:
		return "*proxy.OpenAIResponsesExtractor"
	case *OpenAIChatExtractor:
		return "*proxy.OpenAIChatExtractor"
	case *AnthropicExtractor:
		return "*proxy.AnthropicExtractor"
	default:
		return "unknown"
	}
}
