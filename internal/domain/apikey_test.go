package domain

import (
	"testing"
	"time"
)

func TestApiKeyActive(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	past := now.Add(-time.Hour)
	future := now.Add(time.Hour)

	cases := []struct {
		name string
		key  ApiKey
		want bool
	}{
		{"never expires, not revoked", ApiKey{}, true},
		{"revoked", ApiKey{RevokedAt: &past}, false},
		{"expired", ApiKey{ExpiresAt: &past}, false},
		{"expires exactly now", ApiKey{ExpiresAt: &now}, false},
		{"expires in future", ApiKey{ExpiresAt: &future}, true},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if got := c.key.Active(now); got != c.want {
				t.Errorf("Active() = %v, want %v", got, c.want)
			}
		})
	}
}

func TestApiKeyAllowsProvider(t *testing.T) {
	unscoped := ApiKey{}
	if !unscoped.AllowsProvider(ProviderCodex) {
		t.Error("unscoped key should allow any provider")
	}

	scoped := ApiKey{ProviderScopes: []Provider{ProviderClaude}}
	if scoped.AllowsProvider(ProviderCodex) {
		t.Error("scoped key should not allow unlisted provider")
	}
	if !scoped.AllowsProvider(ProviderClaude) {
		t.Error("scoped key should allow listed provider")
	}
}

func TestApiKeyAllowsAnyModel(t *testing.T) {
	unscoped := ApiKey{}
	if !unscoped.AllowsAnyModel([]string{"anything"}) {
		t.Error("unscoped key should allow any model")
	}
	if unscoped.Scoped() {
		t.Error("unscoped key should report Scoped() == false")
	}

	scoped := ApiKey{ModelScopes: []string{"gpt-5", "claude-opus-4"}}
	if !scoped.Scoped() {
		t.Error("scoped key should report Scoped() == true")
	}
	if !scoped.AllowsAnyModel([]string{"something-else", "gpt-5"}) {
		t.Error("expected at least one candidate to match")
	}
	if scoped.AllowsAnyModel([]string{"unrelated"}) {
		t.Error("expected no match to deny")
	}
	if scoped.AllowsAnyModel(nil) {
		t.Error("no candidates should never match a scoped key")
	}
}
