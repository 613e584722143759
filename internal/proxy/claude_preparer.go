package proxy

import (
	"net/http"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

const claudeUpstreamBase = "https://api.anthropic.com"

var claudeRequiredBetaHeaders = []string{
	"claude-code-20250219",
	"oauth-2025-04-20",
	"interleaved-thinking-2025-05-14",
}

// ClaudePreparer implements the Claude request rewriting of §4.4: beta
// header merge, system-identity wrapping, and mcp_ tool-name prefixing.
type ClaudePreparer struct{}

func NewClaudePreparer() *ClaudePreparer { return &ClaudePreparer{} }

func (p *ClaudePreparer) Prepare(input PreparerInput) (*Prepared, error) {
	meta := input.Account.Metadata.Claude

	header := cloneHeader(input.Header)
	header.Set("Authorization", "Bearer "+input.Account.AccessToken)
	userAgent := "claude-cli/1.0 (external, cli)"
	systemIdentity := "You are Claude Code, Anthropic's official CLI for Claude."
	toolPrefix := "mcp_"
	required := claudeRequiredBetaHeaders
	if meta != nil {
		if meta.UserAgent != "" {
			userAgent = meta.UserAgent
		}
		if meta.SystemIdentity != "" {
			systemIdentity = meta.SystemIdentity
		}
		if meta.ToolPrefix != "" {
			toolPrefix = meta.ToolPrefix
		}
		if len(meta.BetaHeaders) > 0 {
			required = meta.BetaHeaders
		}
	}
	header.Set("User-Agent", userAgent)
	header.Set("x-app", "cli")
	header.Set("anthropic-beta", mergeBetaHeaders(header.Get("anthropic-beta"), required))
	header.Set("Content-Type", "application/json")

	upstreamPath := input.Path
	if !strings.Contains(upstreamPath, "beta=true") {
		if strings.Contains(upstreamPath, "?") {
			upstreamPath += "&beta=true"
		} else {
			upstreamPath += "?beta=true"
		}
	}

	body := rewriteClaudeSystem(input.Body, input.BodyJSON, systemIdentity)
	body = prefixClaudeToolNames(body, toolPrefix)

	return &Prepared{
		UpstreamURL:       claudeUpstreamBase + upstreamPath,
		Body:              body,
		Header:            header,
		TransformResponse: wrapClaudeResponse,
	}, nil
}

func mergeBetaHeaders(existing string, required []string) string {
	seen := make(map[string]struct{})
	var merged []string
	add := func(v string) {
		v = strings.TrimSpace(v)
		if v == "" {
			return
		}
		if _, ok := seen[v]; ok {
			return
		}
		seen[v] = struct{}{}
		merged = append(merged, v)
	}
	for _, v := range strings.Split(existing, ",") {
		add(v)
	}
	for _, v := range required {
		add(v)
	}
	return strings.Join(merged, ",")
}

// sanitizeClaudeText replaces self-identifying strings that would leak the
// CLI's true origin, per §4.4.
func sanitizeClaudeText(text string) string {
	text = strings.ReplaceAll(text, "OpenCode", "Claude Code")
	// Case-insensitive "opencode" -> "Claude" but skip slash-prefixed forms
	// (e.g. a model id like "provider/opencode") which aren't prose references.
	var b strings.Builder
	lower := strings.ToLower(text)
	i := 0
	for i < len(text) {
		if strings.HasPrefix(lower[i:], "opencode") && (i == 0 || text[i-1] != '/') {
			b.WriteString("Claude")
			i += len("opencode")
			continue
		}
		b.WriteByte(text[i])
		i++
	}
	return b.String()
}

func rewriteClaudeSystem(body []byte, bodyJSON gjson.Result, systemIdentity string) []byte {
	system := bodyJSON.Get("system")
	if !system.Exists() {
		out, err := sjson.SetRawBytes(body, "system", buildSystemBlocks(systemIdentity, nil))
		if err != nil {
			return body
		}
		return out
	}

	if system.Type == gjson.String {
		sanitized := sanitizeClaudeText(system.String())
		out, err := sjson.SetRawBytes(body, "system", buildSystemBlocks(systemIdentity, []string{sanitized}))
		if err != nil {
			return body
		}
		return out
	}

	if system.IsArray() {
		var texts []string
		system.ForEach(func(_, part gjson.Result) bool {
			if part.Get("type").String() == "text" {
				texts = append(texts, sanitizeClaudeText(part.Get("text").String()))
			}
			return true
		})
		out, err := sjson.SetRawBytes(body, "system", buildSystemBlocks(systemIdentity, texts))
		if err != nil {
			return body
		}
		return out
	}

	return body
}

func buildSystemBlocks(systemIdentity string, rest []string) []byte {
	raw := `[]`
	raw, _ = sjson.SetRaw(raw, "-1", systemBlockJSON(systemIdentity))
	for _, text := range rest {
		raw, _ = sjson.SetRaw(raw, "-1", systemBlockJSON(text))
	}
	return []byte(raw)
}

func systemBlockJSON(text string) string {
	raw := `{"type":"text"}`
	raw, _ = sjson.Set(raw, "text", text)
	return raw
}

// prefixClaudeToolNames prefixes tools[*].name and any tool_use content
// block's name with toolPrefix, unless already prefixed.
func prefixClaudeToolNames(body []byte, toolPrefix string) []byte {
	root := gjson.ParseBytes(body)

	tools := root.Get("tools")
	if tools.IsArray() {
		tools.ForEach(func(i, tool gjson.Result) bool {
			name := tool.Get("name").String()
			if name != "" && !strings.HasPrefix(name, toolPrefix) {
				path := "tools." + i.String() + ".name"
				body, _ = sjson.SetBytes(body, path, toolPrefix+name)
			}
			return true
		})
	}

	root = gjson.ParseBytes(body)
	messages := root.Get("messages")
	if messages.IsArray() {
		messages.ForEach(func(mi, msg gjson.Result) bool {
			content := msg.Get("content")
			if !content.IsArray() {
				return true
			}
			content.ForEach(func(ci, part gjson.Result) bool {
				if part.Get("type").String() != "tool_use" {
					return true
				}
				name := part.Get("name").String()
				if name != "" && !strings.HasPrefix(name, toolPrefix) {
					path := "messages." + mi.String() + ".content." + ci.String() + ".name"
					body, _ = sjson.SetBytes(body, path, toolPrefix+name)
				}
				return true
			})
			return true
		})
	}

	return body
}
