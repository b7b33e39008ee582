package federation

import (
	"context"
	"fmt"
)

// RedirectBuilder composes outbound authorization URLs.
type RedirectBuilder struct {
	providers *Registry
	nonces    NonceStore
}

// NewRedirectBuilder wires the registry and nonce store.
func NewRedirectBuilder(providers *Registry, nonces NonceStore) *RedirectBuilder {
	return &RedirectBuilder{providers: providers, nonces: nonces}
}

// BuildAuthorizationURL issues a nonce for binding and embeds it as state.
// An unknown provider fails before any nonce is issued.
func (b *RedirectBuilder) BuildAuthorizationURL(ctx context.Context, binding, providerID string) (string, error) {
	desc, err := b.providers.Describe(providerID)
	if err != nil {
		return "", err
	}
	state, err := b.nonces.Issue(ctx, binding, desc.ID)
	if err != nil {
		return "", fmt.Errorf("issue state: %w", err)
	}
	return desc.oauthConfig().AuthCodeURL(state), nil
}
