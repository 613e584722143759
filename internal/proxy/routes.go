package proxy

import "github.com/kleis/kleis/internal/domain"

// PreparerRegistry dispatches an internal provider to its Preparer. Built
// once at startup and shared read-only across requests, like the teacher's
// route/strategy tables.
type PreparerRegistry struct {
	preparers map[domain.Provider]Preparer
}

func NewPreparerRegistry() *PreparerRegistry {
	return &PreparerRegistry{
		preparers: map[domain.Provider]Preparer{
			domain.ProviderCodex:   NewCodexPreparer(),
			domain.ProviderCopilot: NewCopilotPreparer(),
			domain.ProviderClaude:  NewClaudePreparer(),
		},
	}
}

// Get returns the preparer for provider, or false if the route table maps
// to a provider with no registered branch (programmer error, §7
// provider_not_supported).
func (r *PreparerRegistry) Get(provider domain.Provider) (Preparer, bool) {
	p, ok := r.preparers[provider]
	return p, ok
}
