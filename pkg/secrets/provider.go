package secrets

import "context"

// Provider defines a generic secrets manager interface.
type Provider interface {
	// GetSecret retrieves a secret by key/path and returns a key-value map.
	GetSecret(ctx context.Context, key string) (map[string]string, error)

	// ListSecrets returns the names of all secrets whose name matches the given prefix.
	ListSecrets(ctx context.Context, prefix string) ([]string, error)
}

// StaticProvider serves secrets from a fixed map. Used when no AWS region is
// configured (local runs) and in tests.
type StaticProvider map[string]map[string]string

func (p StaticProvider) GetSecret(_ context.Context, key string) (map[string]string, error) {
	v, ok := p[key]
	if !ok {
		return nil, ErrSecretNotFound
	}
	return v, nil
}

func (p StaticProvider) ListSecrets(_ context.Context, prefix string) ([]string, error) {
	var names []string
	for k := range p {
		if len(k) >= len(prefix) && k[:len(prefix)] == prefix {
			names = append(names, k)
		}
	}
	return names, nil
}
