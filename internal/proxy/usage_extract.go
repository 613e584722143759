package proxy

import (
	"github.com/tidwall/gjson"

	"github.com/kleis/kleis/internal/domain"
)

// UsageExtractor accumulates TokenUsage across one or more SSE events (or a
// single buffered JSON body) per the provider-specific rules of §4.5.
type UsageExtractor interface {
	Feed(payload []byte)
	Result() domain.TokenUsage
}

// clampNonNegative mirrors the spec's max(0, ...) guard against upstreams
// that (incorrectly) report a cached-token count larger than input_tokens.
func clampNonNegative(v int64) int64 {
	if v < 0 {
		return 0
	}
	return v
}

// OpenAIResponsesExtractor implements the OpenAI-Responses extraction rule:
// on a response.completed/response.done event, read response.usage.
type OpenAIResponsesExtractor struct {
	usage domain.TokenUsage
}

func NewOpenAIResponsesExtractor() *OpenAIResponsesExtractor {
	return &OpenAIResponsesExtractor{}
}

func (e *OpenAIResponsesExtractor) Feed(payload []byte) {
	root := gjson.ParseBytes(payload)
	t := root.Get("type").String()
	if t != "response.completed" && t != "response.done" {
		return
	}
	usage := root.Get("response.usage")
	if !usage.Exists() {
		return
	}
	inputTokens := usage.Get("input_tokens").Int()
	cached := usage.Get("input_tokens_details.cached_tokens").Int()
	e.usage = domain.TokenUsage{
		InputTokens:      clampNonNegative(inputTokens - cached),
		OutputTokens:     usage.Get("output_tokens").Int(),
		CacheReadTokens:  cached,
		CacheWriteTokens: 0,
	}
}

func (e *OpenAIResponsesExtractor) Result() domain.TokenUsage { return e.usage }

// OpenAIChatExtractor implements the OpenAI-Chat extraction rule: any chunk
// whose usage is an object.
type OpenAIChatExtractor struct {
	usage domain.TokenUsage
}

func NewOpenAIChatExtractor() *OpenAIChatExtractor {
	return &OpenAIChatExtractor{}
}

func (e *OpenAIChatExtractor) Feed(payload []byte) {
	root := gjson.ParseBytes(payload)
	usage := root.Get("usage")
	if !usage.Exists() || !usage.IsObject() {
		return
	}
	promptTokens := usage.Get("prompt_tokens").Int()
	cached := usage.Get("prompt_tokens_details.cached_tokens").Int()
	e.usage = domain.TokenUsage{
		InputTokens:      clampNonNegative(promptTokens - cached),
		OutputTokens:     usage.Get("completion_tokens").Int(),
		CacheReadTokens:  cached,
		CacheWriteTokens: 0,
	}
}

func (e *OpenAIChatExtractor) Result() domain.TokenUsage { return e.usage }

// AnthropicExtractor accumulates across message_start and message_delta
// events; the last observed populated usage wins.
type AnthropicExtractor struct {
	usage domain.TokenUsage
}

func NewAnthropicExtractor() *AnthropicExtractor {
	return &AnthropicExtractor{}
}

func (e *AnthropicExtractor) Feed(payload []byte) {
	root := gjson.ParseBytes(payload)
	switch root.Get("type").String() {
	case "message_start":
		usage := root.Get("message.usage")
		if !usage.Exists() {
			return
		}
		e.usage.InputTokens = usage.Get("input_tokens").Int()
		e.usage.CacheReadTokens = usage.Get("cache_read_input_tokens").Int()
		e.usage.CacheWriteTokens = usage.Get("cache_creation_input_tokens").Int()
	case "message_delta":
		usage := root.Get("usage")
		if !usage.Exists() {
			return
		}
		if v := usage.Get("output_tokens"); v.Exists() {
			e.usage.OutputTokens = v.Int()
		}
	}
}

func (e *AnthropicExtractor) Result() domain.TokenUsage { return e.usage }

// ExtractorForEndpoint returns the extractor appropriate to route.Endpoint.
func ExtractorForEndpoint(endpoint domain.Endpoint) UsageExtractor {
	switch endpoint {
	case domain.EndpointResponses:
		return NewOpenAIResponsesExtractor()
	case domain.EndpointChatCompletions:
		return NewOpenAIChatExtractor()
	case domain.EndpointMessages:
		return NewAnthropicExtractor()
	default:
		return NewOpenAIChatExtractor()
	}
}
