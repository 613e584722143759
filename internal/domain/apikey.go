package domain

import "time"

// KeyPrefix and DiscoveryTokenPrefix are the required opaque-value prefixes
// for generated API keys and models-discovery tokens, respectively.
const (
	KeyPrefix             = "kleis_"
	DiscoveryTokenPrefix  = "kmd_"
)

// ApiKey is a caller-facing credential issued by Kleis itself.
type ApiKey struct {
	ID                   string
	Key                  string
	ModelsDiscoveryToken *string
	Label                *string
	ProviderScopes       []Provider // nil means all
	ModelScopes          []string   // nil means all
	ExpiresAt            *time.Time
	RevokedAt            *time.Time
	CreatedAt            time.Time
}

// Active reports whether the key is usable as of now: not revoked, and not
// expired (expiresAt == nil means it never expires).
func (k *ApiKey) Active(now time.Time) bool {
	if k.RevokedAt != nil {
		return false
	}
	if k.ExpiresAt != nil && !k.ExpiresAt.After(now) {
		return false
	}
	return true
}

// AllowsProvider reports whether the key's provider scope (if any) permits
// the given internal provider. A nil/empty ProviderScopes means "all".
func (k *ApiKey) AllowsProvider(p Provider) bool {
	if len(k.ProviderScopes) == 0 {
		return true
	}
	for _, allowed := range k.ProviderScopes {
		if allowed == p {
			return true
		}
	}
	return false
}

// AllowsAnyModel reports whether at least one of candidates intersects the
// key's model scope. A nil/empty ModelScopes means "all" (trivially true).
func (k *ApiKey) AllowsAnyModel(candidates []string) bool {
	if len(k.ModelScopes) == 0 {
		return true
	}
	allowed := make(map[string]struct{}, len(k.ModelScopes))
	for _, m := range k.ModelScopes {
		allowed[m] = struct{}{}
	}
	for _, c := range candidates {
		if _, ok := allowed[c]; ok {
			return true
		}
	}
	return false
}

// Scoped reports whether the key restricts models at all.
func (k *ApiKey) Scoped() bool {
	return len(k.ModelScopes) > 0
}
