package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testAliases = []string{"base", "base-sepolia", "x-layer", "x-layer-testnet"}

func TestLoadDefaults(t *testing.T) {
	t.Setenv("EVM_PRIVATE_KEYS", "0ab1c2d3")

	cfg, err := Load(testAliases)
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, int64(1<<20), cfg.RequestBodyLimit)
	assert.Equal(t, []string{"0ab1c2d3"}, cfg.PrivateKeys)
	assert.Equal(t, "round-robin", cfg.Pool.Strategy)
	assert.Equal(t, 10, cfg.Pool.MaxQueueDepth)
	assert.Equal(t, uint64(130_000), cfg.Gas.MinGasLimit)
	assert.Equal(t, uint64(1_500_000), cfg.Gas.MaxGasLimit)
	assert.Equal(t, 30*time.Second, cfg.ReceiptTimeout)
	assert.True(t, cfg.RateLimit.Enabled)
	assert.Equal(t, 120, cfg.RateLimit.VerifyPerMinute)
	assert.Equal(t, 60, cfg.RateLimit.SettlePerMinute)
	assert.Equal(t, "https://api.coingecko.com/api/v3", cfg.Oracle.PriceAPIURL)
	assert.False(t, cfg.Versions.EnableV2)
	assert.Empty(t, cfg.Networks)
}

func TestLoadRequiresKeys(t *testing.T) {
	_, err := Load(testAliases)
	assert.Error(t, err)
}

func TestLoadPrivateKeyList(t *testing.T) {
	t.Setenv("EVM_PRIVATE_KEYS", "0xaaa, bbb ,aaa")
	t.Setenv("EVM_PRIVATE_KEY_1", "ccc")
	t.Setenv("EVM_PRIVATE_KEY_2", "0xddd")

	cfg, err := Load(testAliases)
	require.NoError(t, err)
	// 0x prefixes stripped, duplicates dropped, numbered keys appended.
	assert.Equal(t, []string{"aaa", "bbb", "ccc", "ddd"}, cfg.PrivateKeys)
}

func TestLoadNumberedKeysStopAtGap(t *testing.T) {
	t.Setenv("EVM_PRIVATE_KEY_1", "aaa")
	t.Setenv("EVM_PRIVATE_KEY_3", "ccc")

	cfg, err := Load(testAliases)
	require.NoError(t, err)
	assert.Equal(t, []string{"aaa"}, cfg.PrivateKeys)
}

func TestLoadNetworkOverrides(t *testing.T) {
	t.Setenv("EVM_PRIVATE_KEYS", "aaa")
	t.Setenv("BASE_SEPOLIA_RPC_URL", "http://localhost:8545")
	t.Setenv("BASE_SEPOLIA_SETTLEMENT_ROUTER_ADDRESS", "0x9999999999999999999999999999999999999999")
	t.Setenv("BASE_SEPOLIA_ALLOWED_HOOKS", "0xaaaa, 0xbbbb")
	t.Setenv("BASE_SEPOLIA_TARGET_GAS_PRICE", "1000000000")
	t.Setenv("X_LAYER_ETH_PRICE", "55.5")

	cfg, err := Load(testAliases)
	require.NoError(t, err)

	sepolia, ok := cfg.Networks["base-sepolia"]
	require.True(t, ok)
	assert.Equal(t, "http://localhost:8545", sepolia.RPCURL)
	assert.Equal(t, "0x9999999999999999999999999999999999999999", sepolia.Router)
	assert.Equal(t, []string{"0xaaaa", "0xbbbb"}, sepolia.AllowedHooks)
	assert.Equal(t, "1000000000", sepolia.TargetGasPrice)

	xlayer, ok := cfg.Networks["x-layer"]
	require.True(t, ok)
	assert.Equal(t, 55.5, xlayer.NativePriceUSD)

	_, ok = cfg.Networks["base"]
	assert.False(t, ok)
}

func TestLoadRejectsInvertedGasBounds(t *testing.T) {
	t.Setenv("EVM_PRIVATE_KEYS", "aaa")
	t.Setenv("GAS_COST_MIN_LIMIT", "2000000")
	t.Setenv("GAS_COST_MAX_LIMIT", "100000")

	_, err := Load(testAliases)
	assert.Error(t, err)
}

func TestEnvPrefix(t *testing.T) {
	assert.Equal(t, "BASE_SEPOLIA", EnvPrefix("base-sepolia"))
	assert.Equal(t, "X_LAYER_TESTNET", EnvPrefix("x-layer-testnet"))
}
