package oauthadapter

import (
	"net/http"

	"github.com/kleis/kleis/internal/domain"
)

// Registry dispatches to the fixed, immutable-after-construction set of
// per-provider adapters, mirroring the teacher's RouteTable immutability
// discipline for data shared across concurrent requests.
type Registry struct {
	adapters map[domain.Provider]Adapter
}

// RegistryConfig carries the per-provider OAuth client overrides a deployment
// may need (e.g. a sandboxed auth app, or a GitHub Enterprise host); every
// field is optional and falls back to the public CLI-equivalent default.
type RegistryConfig struct {
	CodexClientID          string
	CopilotClientID        string
	CopilotEnterpriseHost  string
	ClaudeClientID         string
	ClaudeDefaultMode      string
}

func NewRegistry(httpClient *http.Client, cfg RegistryConfig) *Registry {
	return &Registry{
		adapters: map[domain.Provider]Adapter{
			domain.ProviderCodex:   NewCodexAdapter(httpClient, cfg.CodexClientID),
			domain.ProviderCopilot: NewCopilotAdapter(httpClient, cfg.CopilotClientID, cfg.CopilotEnterpriseHost),
			domain.ProviderClaude:  NewClaudeAdapter(httpClient, cfg.ClaudeDefaultMode, cfg.ClaudeClientID),
		},
	}
}

func (r *Registry) Get(provider domain.Provider) (Adapter, error) {
	a, ok := r.adapters[provider]
	if !ok {
		return nil, ErrUnsupportedProvider
	}
	return a, nil
}
