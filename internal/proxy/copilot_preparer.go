package proxy

import (
	"net/http"

	"github.com/tidwall/gjson"

	"github.com/kleis/kleis/internal/domain"
)

const (
	copilotDefaultBaseURL   = "https://api.githubcopilot.com"
	copilotEditorVersion    = "vscode/1.96.0"
	copilotPluginVersion    = "copilot-chat/0.23.0"
	copilotIntegrationID    = "vscode-chat"
	copilotDefaultUserAgent = "GithubCopilot/1.0"
)

// CopilotPreparer implements the Copilot request rewriting of §4.4,
// grounded on the teacher's applyCopilotHeaders
// (internal/runtime/executor/providers/copilot.go).
type CopilotPreparer struct{}

func NewCopilotPreparer() *CopilotPreparer { return &CopilotPreparer{} }

func (p *CopilotPreparer) Prepare(input PreparerInput) (*Prepared, error) {
	vision, agent := copilotRequestProfile(input.Route.Endpoint, input.BodyJSON)

	header := cloneHeader(input.Header)
	// Copilot's stored RefreshToken is the long-lived GitHub access token;
	// that is what upstream expects in Authorization, not the short-lived
	// Copilot-internal AccessToken the adapter refreshes.
	header.Set("Authorization", "Bearer "+input.Account.RefreshToken)
	header.Set("User-Agent", copilotDefaultUserAgent)
	header.Set("Editor-Version", copilotEditorVersion)
	header.Set("Editor-Plugin-Version", copilotPluginVersion)
	header.Set("Copilot-Integration-Id", copilotIntegrationID)

	initiatorHeader := "x-initiator"
	visionHeader := "Copilot-Vision-Request"
	intent := "conversation-edits"
	baseURL := copilotDefaultBaseURL
	if meta := input.Account.Metadata.Copilot; meta != nil {
		if meta.InitiatorHeader != "" {
			initiatorHeader = meta.InitiatorHeader
		}
		if meta.VisionHeader != "" {
			visionHeader = meta.VisionHeader
		}
		if meta.Intent != "" {
			intent = meta.Intent
		}
		if meta.CopilotAPIBaseURL != "" {
			baseURL = meta.CopilotAPIBaseURL
		}
	}
	header.Set("Openai-Intent", intent)

	if agent {
		header.Set(initiatorHeader, "agent")
	} else {
		header.Set(initiatorHeader, "user")
	}
	if vision {
		header.Set(visionHeader, "true")
	} else {
		header.Del(visionHeader)
	}

	return &Prepared{
		UpstreamURL:       baseURL + input.Path,
		Body:              input.Body,
		Header:            header,
		TransformResponse: copilotResponseTransformer(input.Route.Endpoint),
	}, nil
}

func copilotResponseTransformer(endpoint domain.Endpoint) ResponseTransformer {
	return func(upstream *http.Response) (TransformedResponse, error) {
		return wrapWithExtractor(upstream, ExtractorForEndpoint(endpoint))
	}
}

// copilotRequestProfile derives (isVision, isAgent) per §4.4's per-endpoint rules.
func copilotRequestProfile(endpoint domain.Endpoint, body gjson.Result) (vision bool, agent bool) {
	switch endpoint {
	case domain.EndpointChatCompletions:
		messages := body.Get("messages")
		vision = anyContentPartTypeEquals(messages, "image_url")
		agent = lastRoleNotUser(messages)
	case domain.EndpointResponses:
		input := body.Get("input")
		vision = anyContentPartTypeEquals(input, "input_image")
		agent = lastRoleNotUser(input)
	case domain.EndpointMessages:
		messages := body.Get("messages")
		vision = anyContentPartTypeEquals(messages, "image") || anyToolResultImagePart(messages)
		agent = !(lastMessageIsUserWithNonToolResultContent(messages))
	}
	return vision, agent
}

func anyContentPartTypeEquals(items gjson.Result, wantType string) bool {
	found := false
	items.ForEach(func(_, item gjson.Result) bool {
		content := item.Get("content")
		if !content.IsArray() {
			return true
		}
		content.ForEach(func(_, part gjson.Result) bool {
			if part.Get("type").String() == wantType {
				found = true
				return false
			}
			return true
		})
		return !found
	})
	return found
}

func anyToolResultImagePart(messages gjson.Result) bool {
	found := false
	messages.ForEach(func(_, msg gjson.Result) bool {
		content := msg.Get("content")
		if !content.IsArray() {
			return true
		}
		content.ForEach(func(_, part gjson.Result) bool {
			if part.Get("type").String() != "tool_result" {
				return true
			}
			toolContent := part.Get("content")
			if !toolContent.IsArray() {
				return true
			}
			toolContent.ForEach(func(_, inner gjson.Result) bool {
				if inner.Get("type").String() == "image" {
					found = true
					return false
				}
				return true
			})
			return !found
		})
		return !found
	})
	return found
}

func lastRoleNotUser(items gjson.Result) bool {
	arr := items.Array()
	if len(arr) == 0 {
		return false
	}
	return arr[len(arr)-1].Get("role").String() != "user"
}

// lastMessageIsUserWithNonToolResultContent reports whether the last Claude
// message is role:"user" AND has at least one content part that is not a
// tool_result — the spec's agent predicate is the negation of this.
func lastMessageIsUserWithNonToolResultContent(messages gjson.Result) bool {
	arr := messages.Array()
	if len(arr) == 0 {
		return false
	}
	last := arr[len(arr)-1]
	if last.Get("role").String() != "user" {
		return false
	}
	content := last.Get("content")
	if !content.IsArray() {
		return true // string content counts as non-tool_result content
	}
	hasNonToolResult := false
	content.ForEach(func(_, part gjson.Result) bool {
		if part.Get("type").String() != "tool_result" {
			hasNonToolResult = true
			return false
		}
		return true
	})
	return hasNonToolResult
}
