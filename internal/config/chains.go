package config

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// BackendSpec declares one payment verification backend.
type BackendSpec struct {
	Kind    string        `yaml:"kind"` // indexer | processor
	URL     string        `yaml:"url"`
	Timeout time.Duration `yaml:"timeout"`
}

// ChainSpec is the verification policy for one chain.
type ChainSpec struct {
	MinConfirmations int           `yaml:"min_confirmations"`
	Tolerance        float64       `yaml:"tolerance"`
	Freshness        time.Duration `yaml:"freshness"`
	Currency         string        `yaml:"currency"`
	// Backends per proof format, primary first.
	TxHash    []string `yaml:"tx_hash"`
	Processor []string `yaml:"processor"`
}

// ChainPolicies is the parsed chain policy file.
type ChainPolicies struct {
	DefaultChain string                 `yaml:"default_chain"`
	Backends     map[string]BackendSpec `yaml:"backends"`
	Chains       map[string]ChainSpec   `yaml:"chains"`
}

// DefaultChainPolicies is used when no policy file is present.
func DefaultChainPolicies() *ChainPolicies {
	return &ChainPolicies{
		DefaultChain: "ethereum",
		Backends: map[string]BackendSpec{
			"indexer":   {Kind: "indexer", URL: "http://localhost:9201", Timeout: 5 * time.Second},
			"processor": {Kind: "processor", URL: "http://localhost:9202", Timeout: 5 * time.Second},
		},
		Chains: map[string]ChainSpec{
			"ethereum": {MinConfirmations: 12, Tolerance: 0.01, Freshness: 72 * time.Hour, Currency: "USDT", TxHash: []string{"indexer", "processor"}, Processor: []string{"processor"}},
			"tron":     {MinConfirmations: 19, Tolerance: 0.01, Freshness: 72 * time.Hour, Currency: "USDT", TxHash: []string{"indexer", "processor"}, Processor: []string{"processor"}},
			"polygon":  {MinConfirmations: 15, Tolerance: 0.01, Freshness: 72 * time.Hour, Currency: "USDT", TxHash: []string{"indexer", "processor"}, Processor: []string{"processor"}},
		},
	}
}

// LoadChainPolicies reads path, falling back to defaults when it does not exist.
func LoadChainPolicies(path string) (*ChainPolicies, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return DefaultChainPolicies(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("read chain policies: %w", err)
	}
	return ParseChainPolicies(data)
}

// ParseChainPolicies decodes and validates a policy document.
func ParseChainPolicies(data []byte) (*ChainPolicies, error) {
	var p ChainPolicies
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parse chain policies: %w", err)
	}
	if err := p.normalize(); err != nil {
		return nil, err
	}
	return &p, nil
}

func (p *ChainPolicies) normalize() error {
	if len(p.Chains) == 0 {
		return fmt.Errorf("chain policies: no chains defined")
	}
	chains := make(map[string]ChainSpec, len(p.Chains))
	for name, c := range p.Chains {
		if c.MinConfirmations < 0 {
			return fmt.Errorf("chain %s: min_confirmations must be >= 0", name)
		}
		if c.Tolerance < 0 || c.Tolerance >= 1 {
			return fmt.Errorf("chain %s: tolerance must be in [0, 1)", name)
		}
		if c.Freshness <= 0 {
			c.Freshness = 72 * time.Hour
		}
		if c.Currency == "" {
			c.Currency = "USDT"
		}
		for _, b := range append(append([]string{}, c.TxHash...), c.Processor...) {
			if _, ok := p.Backends[b]; !ok {
				return fmt.Errorf("chain %s: unknown backend %q", name, b)
			}
		}
		chains[strings.ToLower(name)] = c
	}
	p.Chains = chains
	p.DefaultChain = strings.ToLower(p.DefaultChain)
	if p.DefaultChain == "" {
		names := make([]string, 0, len(chains))
		for n := range chains {
			names = append(names, n)
		}
		sort.Strings(names)
		p.DefaultChain = names[0]
	}
	if _, ok := p.Chains[p.DefaultChain]; !ok {
		return fmt.Errorf("default_chain %q is not defined", p.DefaultChain)
	}
	return nil
}

// Chain returns the policy for name, or the default chain's when name is empty.
func (p *ChainPolicies) Chain(name string) (ChainSpec, bool) {
	if name == "" {
		name = p.DefaultChain
	}
	c, ok := p.Chains[strings.ToLower(name)]
	return c, ok
}
