package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("BUS_DRIVER", "")
	t.Setenv("RESERVATION_TTL", "")
	cfg := Load()

	assert.Equal(t, "settlement-pipeline", cfg.ServiceName)
	assert.Equal(t, "nats", cfg.BusDriver)
	assert.Equal(t, 5*time.Minute, cfg.ReservationTTL)
	assert.Equal(t, 48*time.Hour, cfg.ListingTTL)
	assert.Equal(t, 5, cfg.MaxDeliveries)
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("BUS_DRIVER", "kafka")
	t.Setenv("KAFKA_BROKERS", "k1:9092,k2:9092")
	t.Setenv("PLATFORM_FEE_BPS", "25")
	cfg := Load()

	assert.Equal(t, "kafka", cfg.BusDriver)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.KafkaBrokers)
	assert.Equal(t, 25, cfg.PlatformFeeBps)
}

func TestParseChainPolicies(t *testing.T) {
	doc := []byte(`
default_chain: Tron
backends:
  idx: {kind: indexer, url: http://idx}
  proc: {kind: processor, url: http://proc}
chains:
  TRON:
    min_confirmations: 19
    tolerance: 0.02
    tx_hash: [idx, proc]
    processor: [proc]
`)
	p, err := ParseChainPolicies(doc)
	require.NoError(t, err)

	c, ok := p.Chain("")
	require.True(t, ok)
	assert.Equal(t, 19, c.MinConfirmations)
	assert.InDelta(t, 0.02, c.Tolerance, 1e-9)
	assert.Equal(t, 72*time.Hour, c.Freshness, "freshness defaults")
	assert.Equal(t, "USDT", c.Currency)
	assert.Equal(t, []string{"idx", "proc"}, c.TxHash)
}

func TestParseChainPolicies_UnknownBackend(t *testing.T) {
	_, err := ParseChainPolicies([]byte(`
chains:
  ethereum:
    min_confirmations: 12
    tx_hash: [ghost]
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown backend")
}

func TestLoadChainPolicies_File(t *testing.T) {
	p, err := LoadChainPolicies(filepath.Join("..", "..", "configs", "chains.yaml"))
	require.NoError(t, err)

	for chain, want := range map[string]int{"ethereum": 12, "tron": 19, "polygon": 15} {
		c, ok := p.Chain(chain)
		require.True(t, ok, chain)
		assert.Equal(t, want, c.MinConfirmations, chain)
	}
}

func TestLoadChainPolicies_MissingFileUsesDefaults(t *testing.T) {
	p, err := LoadChainPolicies(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	c, ok := p.Chain("ethereum")
	require.True(t, ok)
	assert.Equal(t, 12, c.MinConfirmations)
}

func TestLoadChainPolicies_BadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("chains: [unterminated"), 0o600))
	_, err := LoadChainPolicies(path)
	assert.Error(t, err)
}

func TestLoad_TreasuryUnitPrice(t *testing.T) {
	t.Setenv("TREASURY_UNIT_PRICE", "0.25")
	assert.Equal(t, "0.25", Load().TreasuryUnitPrice.String())

	t.Setenv("TREASURY_UNIT_PRICE", "-1")
	assert.Equal(t, "1", Load().TreasuryUnitPrice.String())
}
