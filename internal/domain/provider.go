// Package domain holds the core Kleis data model: provider accounts, API
// keys, OAuth states, and usage buckets, plus the static provider/route
// tables that tie the public wire protocol to upstream account families.
package domain

import "strings"

// Provider is the closed enumeration of upstream account families.
type Provider string

const (
	ProviderCodex   Provider = "codex"
	ProviderCopilot Provider = "copilot"
	ProviderClaude  Provider = "claude"
)

// Valid reports whether p is one of the closed set of internal providers.
func (p Provider) Valid() bool {
	switch p {
	case ProviderCodex, ProviderCopilot, ProviderClaude:
		return true
	default:
		return false
	}
}

// CanonicalProvider is the public wire identity exposed to API callers.
type CanonicalProvider string

const (
	CanonicalOpenAI    CanonicalProvider = "openai"
	CanonicalAnthropic CanonicalProvider = "anthropic"
	CanonicalCopilot   CanonicalProvider = "github-copilot"
)

// Endpoint identifies the upstream operation a route targets.
type Endpoint string

const (
	EndpointResponses       Endpoint = "responses"
	EndpointMessages        Endpoint = "messages"
	EndpointChatCompletions Endpoint = "chat_completions"
)

// MissingAccountSentinel is the account-id literal used for usage buckets
// recorded before any upstream account was resolved.
const MissingAccountSentinel = "__missing__"

// ProviderInfo is the static per-provider table entry mapping the canonical
// (public) provider to its route base path and npm-package hint.
type ProviderInfo struct {
	Canonical     CanonicalProvider
	Internal      Provider
	RouteBasePath string
	NpmPackage    string
}

// ProviderTable is the fixed mapping of canonical provider to its static info.
var ProviderTable = map[CanonicalProvider]ProviderInfo{
	CanonicalOpenAI: {
		Canonical:     CanonicalOpenAI,
		Internal:      ProviderCodex,
		RouteBasePath: "/openai/v1",
		NpmPackage:    "@openai/codex",
	},
	CanonicalAnthropic: {
		Canonical:     CanonicalAnthropic,
		Internal:      ProviderClaude,
		RouteBasePath: "/anthropic/v1",
		NpmPackage:    "@anthropic-ai/claude-code",
	},
	CanonicalCopilot: {
		Canonical:     CanonicalCopilot,
		Internal:      ProviderCopilot,
		RouteBasePath: "/copilot/v1",
		NpmPackage:    "@github/copilot",
	},
}

// Route describes a single proxied HTTP operation.
type Route struct {
	Method            string
	Path              string
	CanonicalProvider CanonicalProvider
	InternalProvider  Provider
	Endpoint          Endpoint
}

// RouteTable is the static table of §4.3: (HTTP path) -> (canonical provider,
// endpoint, internal provider).
var RouteTable = []Route{
	{Method: "POST", Path: "/openai/v1/responses", CanonicalProvider: CanonicalOpenAI, Endpoint: EndpointResponses, InternalProvider: ProviderCodex},
	{Method: "POST", Path: "/anthropic/v1/messages", CanonicalProvider: CanonicalAnthropic, Endpoint: EndpointMessages, InternalProvider: ProviderClaude},
	{Method: "POST", Path: "/copilot/v1/chat/completions", CanonicalProvider: CanonicalCopilot, Endpoint: EndpointChatCompletions, InternalProvider: ProviderCopilot},
	{Method: "POST", Path: "/copilot/v1/responses", CanonicalProvider: CanonicalCopilot, Endpoint: EndpointResponses, InternalProvider: ProviderCopilot},
}

// RouteByPath looks up a route by its exact HTTP path.
func RouteByPath(path string) (Route, bool) {
	for _, r := range RouteTable {
		if r.Path == path {
			return r, true
		}
	}
	return Route{}, false
}

// NormalizeModelPrefix strips a leading "<prefix>/" segment from model when
// prefix equals the route's canonical or internal provider identity,
// implementing the prefix-normalization round-trip of §4.3/§8.
func NormalizeModelPrefix(route Route, model string) string {
	if model == "" {
		return model
	}
	for _, prefix := range []string{string(route.CanonicalProvider), string(route.InternalProvider)} {
		withSlash := prefix + "/"
		if strings.HasPrefix(model, withSlash) {
			return strings.TrimPrefix(model, withSlash)
		}
	}
	return model
}

// ScopeCandidates enumerates the model-scope candidates of §4.3: the raw
// model, the unprefixed upstream model, and both prefixed forms.
func ScopeCandidates(route Route, rawModel string) []string {
	if rawModel == "" {
		return nil
	}
	upstream := NormalizeModelPrefix(route, rawModel)
	candidates := []string{rawModel, upstream}
	candidates = append(candidates,
		string(route.CanonicalProvider)+"/"+upstream,
		string(route.InternalProvider)+"/"+upstream,
	)
	return dedupeStrings(candidates)
}

func dedupeStrings(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}

// HasDisqualifyingPrefix reports whether rawModel carries an explicit
// provider prefix that matches neither this route's canonical nor internal
// provider identity — such a model disqualifies all scope candidates (it
// prevents e.g. "openai/foo" leaking through an anthropic route).
func HasDisqualifyingPrefix(route Route, rawModel string) bool {
	idx := strings.IndexByte(rawModel, '/')
	if idx <= 0 {
		return false
	}
	prefix := rawModel[:idx]
	return prefix != string(route.CanonicalProvider) && prefix != string(route.InternalProvider)
}
