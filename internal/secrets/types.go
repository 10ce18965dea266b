package secrets

import (
	"context"
	"fmt"
)

// Credentials authenticate calls to one external backend.
type Credentials struct {
	APIKey  string
	BaseURL string
}

// ParseCredentials reads the {"api_key", "base_url"} secret layout.
// base_url is optional and overrides the configured endpoint when present.
func ParseCredentials(raw map[string]string) (Credentials, error) {
	c := Credentials{
		APIKey:  raw["api_key"],
		BaseURL: raw["base_url"],
	}
	if c.APIKey == "" {
		return Credentials{}, fmt.Errorf("api_key is required")
	}
	return c, nil
}

// CredentialSource resolves credentials for a named backend.
type CredentialSource interface {
	Resolve(ctx context.Context, backend string) (Credentials, error)
}
