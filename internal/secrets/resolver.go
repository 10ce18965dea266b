package secrets

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	pkgsecrets "github.com/Checker-Finance/settlement/pkg/secrets"
)

// Resolver resolves per-backend credentials from a secrets provider, caching
// results locally. It is generic over the resolved type T.
//
// Secret naming convention: {env}/{service}/{backend}
type Resolver[T any] struct {
	logger   *zap.Logger
	env      string
	service  string
	provider pkgsecrets.Provider
	cache    *pkgsecrets.Cache[T]
	parse    func(map[string]string) (T, error)
}

// NewResolver constructs a credential resolver. parse extracts T from the raw
// secret map and should validate required fields.
func NewResolver[T any](
	logger *zap.Logger,
	env string,
	service string,
	provider pkgsecrets.Provider,
	cache *pkgsecrets.Cache[T],
	parse func(map[string]string) (T, error),
) *Resolver[T] {
	return &Resolver[T]{
		logger:   logger,
		env:      env,
		service:  service,
		provider: provider,
		cache:    cache,
		parse:    parse,
	}
}

func (r *Resolver[T]) secretName(backend string) string {
	return strings.ToLower(fmt.Sprintf("%s/%s/%s", r.env, r.service, backend))
}

// Resolve fetches or returns cached credentials for backend.
func (r *Resolver[T]) Resolve(ctx context.Context, backend string) (T, error) {
	name := r.secretName(backend)

	if v, ok := r.cache.Get(name); ok {
		return v, nil
	}

	raw, err := r.provider.GetSecret(ctx, name)
	if err != nil {
		r.logger.Warn("secrets.fetch_failed",
			zap.String("key", name),
			zap.Error(err))
		var zero T
		return zero, fmt.Errorf("resolve credentials for %q: %w", backend, err)
	}

	v, err := r.parse(raw)
	if err != nil {
		var zero T
		return zero, fmt.Errorf("parse secret %q: %w", name, err)
	}

	r.cache.Put(name, v)
	r.logger.Info("secrets.credentials_resolved", zap.String("backend", backend))
	return v, nil
}

// Rotate drops the cached entry so the next Resolve refetches.
func (r *Resolver[T]) Rotate(backend string) {
	r.cache.Bust(r.secretName(backend))
}

// DiscoverBackends lists backend names that have secrets under {env}/{service}/.
func (r *Resolver[T]) DiscoverBackends(ctx context.Context) ([]string, error) {
	prefix := strings.ToLower(fmt.Sprintf("%s/%s/", r.env, r.service))

	names, err := r.provider.ListSecrets(ctx, prefix)
	if err != nil {
		return nil, fmt.Errorf("discover backends: %w", err)
	}

	var backends []string
	for _, name := range names {
		trimmed := strings.TrimPrefix(strings.ToLower(name), prefix)
		if trimmed != "" && !strings.Contains(trimmed, "/") {
			backends = append(backends, trimmed)
		}
	}
	return backends, nil
}
