// Package config loads the facilitator's runtime configuration from the
// environment.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// NetworkSettings are the per-network overrides, keyed off the network
// alias in the environment (BASE_SEPOLIA_RPC_URL and so on).
type NetworkSettings struct {
	RPCURL         string
	Router         string
	AllowedHooks   []string
	TargetGasPrice string  // wei, static gas price for this network
	NativePriceUSD float64 // operator-pinned native token price
}

// PoolSettings configure the signer pools.
type PoolSettings struct {
	Strategy         string
	MaxQueueDepth    int
	WarningThreshold int
	ShutdownTimeout  time.Duration
}

// GasSettings configure estimation and the fee policy.
type GasSettings struct {
	Strategy              string
	MinGasLimit           uint64
	MaxGasLimit           uint64
	SafetyMultiplier      float64
	ValidationTolerance   float64
	DynamicGasLimitMargin float64
	EstimationTimeout     time.Duration
	CodeValidationEnabled bool
	HookWhitelistEnabled  bool
	GasPriceStrategy      string // static, dynamic or hybrid
}

// RateLimitSettings configure per-client request limiting. Each endpoint
// has its own per-minute budget; verify is sized above settle.
type RateLimitSettings struct {
	Enabled         bool
	VerifyPerMinute int
	SettlePerMinute int
	Burst           int
}

// OracleSettings configure the price caches.
type OracleSettings struct {
	// PriceAPIURL is the CoinGecko-compatible quote endpoint. Empty
	// disables live quotes; lookups then serve the configured fallbacks.
	PriceAPIURL        string
	PriceTTL           time.Duration
	PriceRefresh       time.Duration
	GasPriceTTL        time.Duration
	GasPriceRefresh    time.Duration
	SettlementCacheTTL time.Duration
}

// VersionSettings gate protocol versions.
type VersionSettings struct {
	EnableV2    bool
	DeprecateV1 bool
}

// Config is the full facilitator configuration.
type Config struct {
	Port             int
	RequestBodyLimit int64
	RedisURL         string
	ReceiptTimeout   time.Duration

	// PrivateKeys fund the signer pool. Comma-separated in
	// EVM_PRIVATE_KEYS, or numbered EVM_PRIVATE_KEY_1..N.
	PrivateKeys []string

	Pool      PoolSettings
	Gas       GasSettings
	RateLimit RateLimitSettings
	Oracle    OracleSettings
	Versions  VersionSettings

	// Networks maps alias → overrides for the networks that had any
	// environment override set.
	Networks map[string]NetworkSettings
}

// maxNumberedKeys bounds the EVM_PRIVATE_KEY_N scan.
const maxNumberedKeys = 64

// Load reads configuration from the environment for the given network
// aliases. Unset values take the built-in defaults.
func Load(aliases []string) (*Config, error) {
	v := viper.New()
	v.AutomaticEnv()

	v.SetDefault("PORT", 8080)
	v.SetDefault("REQUEST_BODY_LIMIT", 1<<20)
	v.SetDefault("RECEIPT_TIMEOUT_SECONDS", 30)

	v.SetDefault("ACCOUNT_SELECTION_STRATEGY", "round-robin")
	v.SetDefault("ACCOUNT_POOL_MAX_QUEUE_DEPTH", 10)
	v.SetDefault("ACCOUNT_POOL_WARNING_THRESHOLD", 7)
	v.SetDefault("ACCOUNT_POOL_SHUTDOWN_TIMEOUT_SECONDS", 30)

	v.SetDefault("GAS_ESTIMATION_STRATEGY", "smart")
	v.SetDefault("GAS_PRICE_STRATEGY", "")
	v.SetDefault("GAS_COST_MIN_LIMIT", 130_000)
	v.SetDefault("GAS_COST_MAX_LIMIT", 1_500_000)
	v.SetDefault("GAS_COST_SAFETY_MULTIPLIER", 1.2)
	v.SetDefault("GAS_COST_VALIDATION_TOLERANCE", 0.05)
	v.SetDefault("GAS_COST_DYNAMIC_LIMIT_MARGIN", 0.1)
	v.SetDefault("GAS_ESTIMATION_TIMEOUT_SECONDS", 5)
	v.SetDefault("GAS_CODE_VALIDATION_ENABLED", true)
	v.SetDefault("HOOK_WHITELIST_ENABLED", false)

	v.SetDefault("RATE_LIMIT_ENABLED", true)
	v.SetDefault("RATE_LIMIT_VERIFY_PER_MINUTE", 120)
	v.SetDefault("RATE_LIMIT_SETTLE_PER_MINUTE", 60)
	v.SetDefault("RATE_LIMIT_BURST", 10)

	v.SetDefault("TOKEN_PRICE_API_URL", "https://api.coingecko.com/api/v3")
	v.SetDefault("TOKEN_PRICE_TTL_SECONDS", 3600)
	v.SetDefault("TOKEN_PRICE_REFRESH_SECONDS", 600)
	v.SetDefault("GAS_PRICE_TTL_SECONDS", 300)
	v.SetDefault("GAS_PRICE_REFRESH_SECONDS", 60)
	v.SetDefault("CACHE_SETTLEMENT_TTL_SECONDS", 300)

	v.SetDefault("FACILITATOR_ENABLE_V2", false)
	v.SetDefault("FACILITATOR_DEPRECATE_V1", false)

	cfg := &Config{
		Port:             v.GetInt("PORT"),
		RequestBodyLimit: v.GetInt64("REQUEST_BODY_LIMIT"),
		RedisURL:         v.GetString("REDIS_URL"),
		ReceiptTimeout:   time.Duration(v.GetInt("RECEIPT_TIMEOUT_SECONDS")) * time.Second,
		PrivateKeys:      loadPrivateKeys(v),
		Pool: PoolSettings{
			Strategy:         v.GetString("ACCOUNT_SELECTION_STRATEGY"),
			MaxQueueDepth:    v.GetInt("ACCOUNT_POOL_MAX_QUEUE_DEPTH"),
			WarningThreshold: v.GetInt("ACCOUNT_POOL_WARNING_THRESHOLD"),
			ShutdownTimeout:  time.Duration(v.GetInt("ACCOUNT_POOL_SHUTDOWN_TIMEOUT_SECONDS")) * time.Second,
		},
		Gas: GasSettings{
			Strategy:              v.GetString("GAS_ESTIMATION_STRATEGY"),
			MinGasLimit:           v.GetUint64("GAS_COST_MIN_LIMIT"),
			MaxGasLimit:           v.GetUint64("GAS_COST_MAX_LIMIT"),
			SafetyMultiplier:      v.GetFloat64("GAS_COST_SAFETY_MULTIPLIER"),
			ValidationTolerance:   v.GetFloat64("GAS_COST_VALIDATION_TOLERANCE"),
			DynamicGasLimitMargin: v.GetFloat64("GAS_COST_DYNAMIC_LIMIT_MARGIN"),
			EstimationTimeout:     time.Duration(v.GetInt("GAS_ESTIMATION_TIMEOUT_SECONDS")) * time.Second,
			CodeValidationEnabled: v.GetBool("GAS_CODE_VALIDATION_ENABLED"),
			HookWhitelistEnabled:  v.GetBool("HOOK_WHITELIST_ENABLED"),
			GasPriceStrategy:      v.GetString("GAS_PRICE_STRATEGY"),
		},
		RateLimit: RateLimitSettings{
			Enabled:         v.GetBool("RATE_LIMIT_ENABLED"),
			VerifyPerMinute: v.GetInt("RATE_LIMIT_VERIFY_PER_MINUTE"),
			SettlePerMinute: v.GetInt("RATE_LIMIT_SETTLE_PER_MINUTE"),
			Burst:           v.GetInt("RATE_LIMIT_BURST"),
		},
		Oracle: OracleSettings{
			PriceAPIURL:        v.GetString("TOKEN_PRICE_API_URL"),
			PriceTTL:           time.Duration(v.GetInt("TOKEN_PRICE_TTL_SECONDS")) * time.Second,
			PriceRefresh:       time.Duration(v.GetInt("TOKEN_PRICE_REFRESH_SECONDS")) * time.Second,
			GasPriceTTL:        time.Duration(v.GetInt("GAS_PRICE_TTL_SECONDS")) * time.Second,
			GasPriceRefresh:    time.Duration(v.GetInt("GAS_PRICE_REFRESH_SECONDS")) * time.Second,
			SettlementCacheTTL: time.Duration(v.GetInt("CACHE_SETTLEMENT_TTL_SECONDS")) * time.Second,
		},
		Versions: VersionSettings{
			EnableV2:    v.GetBool("FACILITATOR_ENABLE_V2"),
			DeprecateV1: v.GetBool("FACILITATOR_DEPRECATE_V1"),
		},
		Networks: loadNetworks(v, aliases),
	}

	if len(cfg.PrivateKeys) == 0 {
		return nil, fmt.Errorf("no signer keys: set EVM_PRIVATE_KEYS or EVM_PRIVATE_KEY_1")
	}
	if cfg.Gas.MinGasLimit > cfg.Gas.MaxGasLimit {
		return nil, fmt.Errorf("GAS_COST_MIN_LIMIT exceeds GAS_COST_MAX_LIMIT")
	}
	return cfg, nil
}

// loadPrivateKeys merges the comma-separated list with numbered keys, in
// that order, dropping empties and duplicates.
func loadPrivateKeys(v *viper.Viper) []string {
	seen := make(map[string]bool)
	var keys []string
	add := func(raw string) {
		key := strings.TrimSpace(strings.TrimPrefix(raw, "0x"))
		if key == "" || seen[key] {
			return
		}
		seen[key] = true
		keys = append(keys, key)
	}

	for _, raw := range strings.Split(v.GetString("EVM_PRIVATE_KEYS"), ",") {
		add(raw)
	}
	for i := 1; i <= maxNumberedKeys; i++ {
		raw := v.GetString(fmt.Sprintf("EVM_PRIVATE_KEY_%d", i))
		if raw == "" {
			break
		}
		add(raw)
	}
	return keys
}

// EnvPrefix converts a network alias to its environment prefix:
// base-sepolia → BASE_SEPOLIA.
func EnvPrefix(alias string) string {
	return strings.ToUpper(strings.ReplaceAll(alias, "-", "_"))
}

func loadNetworks(v *viper.Viper, aliases []string) map[string]NetworkSettings {
	out := make(map[string]NetworkSettings)
	for _, alias := range aliases {
		prefix := EnvPrefix(alias)
		settings := NetworkSettings{
			RPCURL:         v.GetString(prefix + "_RPC_URL"),
			Router:         v.GetString(prefix + "_SETTLEMENT_ROUTER_ADDRESS"),
			TargetGasPrice: v.GetString(prefix + "_TARGET_GAS_PRICE"),
			NativePriceUSD: v.GetFloat64(prefix + "_ETH_PRICE"),
		}
		if hooks := v.GetString(prefix + "_ALLOWED_HOOKS"); hooks != "" {
			for _, h := range strings.Split(hooks, ",") {
				if h = strings.TrimSpace(h); h != "" {
					settings.AllowedHooks = append(settings.AllowedHooks, h)
				}
			}
		}
		if settings.RPCURL != "" || settings.Router != "" || settings.TargetGasPrice != "" ||
			settings.NativePriceUSD != 0 || len(settings.AllowedHooks) > 0 {
			out[alias] = settings
		}
	}
	return out
}
