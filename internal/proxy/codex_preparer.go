package proxy

import (
	"net/http"

	"github.com/tidwall/sjson"
)

const codexUpstreamURL = "https://chatgpt.com/backend-api/codex/responses"

// codexDefaultInstructions is substituted when the caller's body omits
// instructions or sends an empty string, per §4.4.
const codexDefaultInstructions = `You are Codex, a coding agent running in the Codex CLI. You are expected to be precise, safe, and helpful.`

// CodexPreparer implements the Codex request rewriting of §4.4.
type CodexPreparer struct{}

func NewCodexPreparer() *CodexPreparer { return &CodexPreparer{} }

func (p *CodexPreparer) Prepare(input PreparerInput) (*Prepared, error) {
	header := cloneHeader(input.Header)
	header.Set("Authorization", "Bearer "+input.Account.AccessToken)
	if header.Get("originator") == "" {
		header.Set("originator", "opencode")
	}

	accountID := ""
	if input.Account.Metadata.Codex != nil && input.Account.Metadata.Codex.ChatGPTAccountID != "" {
		accountID = input.Account.Metadata.Codex.ChatGPTAccountID
	} else if input.Account.AccountID != nil {
		accountID = *input.Account.AccountID
	}
	if accountID != "" {
		header.Set("ChatGPT-Account-Id", accountID)
	}
	header.Set("Content-Type", "application/json")

	body := input.Body
	body, _ = sjson.DeleteBytes(body, "max_output_tokens")
	body, _ = sjson.DeleteBytes(body, "max_completion_tokens")

	instructions := input.BodyJSON.Get("instructions").String()
	if instructions == "" {
		body, _ = sjson.SetBytes(body, "instructions", codexDefaultInstructions)
	}

	return &Prepared{
		UpstreamURL:       codexUpstreamURL,
		Body:              body,
		Header:            header,
		TransformResponse: OpenAIResponsesResponseTransformer(),
	}, nil
}

// OpenAIResponsesResponseTransformer wraps an upstream response with the
// OpenAI-Responses usage passthrough of §4.5, handling both SSE and
// buffered-JSON response bodies.
func OpenAIResponsesResponseTransformer() ResponseTransformer {
	return func(upstream *http.Response) (TransformedResponse, error) {
		return wrapWithExtractor(upstream, NewOpenAIResponsesExtractor())
	}
}
