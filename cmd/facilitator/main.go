// Command facilitator runs the x402x settlement facilitator: an HTTP
// service that verifies signed stablecoin payment authorizations and
// settles them on-chain through a pool of funded signer accounts.
package main

import (
	"context"
	"fmt"
	"math/big"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/x402x/facilitator/internal/chain"
	"github.com/x402x/facilitator/internal/config"
	"github.com/x402x/facilitator/internal/facilitator"
	"github.com/x402x/facilitator/internal/gas"
	"github.com/x402x/facilitator/internal/metrics"
	"github.com/x402x/facilitator/internal/oracle"
	"github.com/x402x/facilitator/internal/pool"
	"github.com/x402x/facilitator/internal/server"
)

// nativeFallbackUSD returns the pinned native-token price used when no
// live quote and no operator override is available.
func nativeFallbackUSD(alias string) float64 {
	if strings.HasPrefix(alias, "x-layer") {
		return 50 // OKB
	}
	return 3000 // ETH
}

// priceFeedID maps a network alias to its quote-API asset id.
func priceFeedID(alias string) string {
	if strings.HasPrefix(alias, "x-layer") {
		return "okb"
	}
	return "ethereum"
}

func main() {
	// .env is a developer convenience; production sets real env vars.
	_ = godotenv.Load()

	log := buildLogger()
	defer log.Sync() //nolint:errcheck

	defaults := chain.NewRegistry(nil)
	var aliases []string
	for _, caip2 := range defaults.ListSupported() {
		alias, _ := defaults.Alias(caip2)
		aliases = append(aliases, alias)
	}

	cfg, err := config.Load(aliases)
	if err != nil {
		log.Fatal("configuration error", zap.Error(err))
	}

	overrides := make(map[string]chain.NetworkOverride)
	for alias, settings := range cfg.Networks {
		overrides[alias] = chain.NetworkOverride{
			RPCURL: settings.RPCURL,
			Router: settings.Router,
		}
	}
	registry := chain.NewRegistry(overrides)

	m := metrics.New()

	// One EthSigner per key per network. Networks whose RPC endpoint is
	// unreachable at boot are skipped; /ready reports the gap.
	dialCtx, cancelDial := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelDial()

	pools := make(map[string]*pool.Pool)
	readers := make(map[string]chain.Signer)
	for _, alias := range aliases {
		net, _ := registry.Get(alias)
		var signers []chain.Signer
		for _, key := range cfg.PrivateKeys {
			signer, err := chain.NewEthSigner(dialCtx, key, net.RPCURL)
			if err != nil {
				log.Warn("skipping signer",
					zap.String("network", net.CAIP2), zap.Error(err))
				continue
			}
			signers = append(signers, signer)
		}
		if len(signers) == 0 {
			log.Warn("no signers for network", zap.String("network", net.CAIP2))
			continue
		}
		readers[net.CAIP2] = signers[0]
		pools[net.CAIP2] = pool.New(net.CAIP2, signers, pool.Options{
			Strategy:         pool.SelectionStrategy(cfg.Pool.Strategy),
			MaxQueueDepth:    cfg.Pool.MaxQueueDepth,
			WarningThreshold: cfg.Pool.WarningThreshold,
			Metrics:          m,
		}, log)
		log.Info("signer pool ready",
			zap.String("network", net.CAIP2),
			zap.Int("accounts", len(signers)))
	}

	gasCfg := buildGasConfig(cfg, registry, aliases)
	estimator := gas.NewEstimator(gas.Strategy(cfg.Gas.Strategy), gasCfg)
	feePolicy := gas.NewFeePolicy(gasCfg)

	prices, gasPrices := buildOracles(cfg, registry, readers, aliases, m, log)

	allowedRouters := make(map[string]map[string]bool)
	for _, alias := range aliases {
		net, _ := registry.Get(alias)
		allowedRouters[net.CAIP2] = map[string]bool{
			strings.ToLower(net.DefaultRouter): true,
		}
	}

	verifier := facilitator.NewVerifier(
		registry, readers, estimator, feePolicy, prices, gasPrices, allowedRouters, log)
	cache := facilitator.NewSettlementCache(cfg.Oracle.SettlementCacheTTL)
	executor := facilitator.NewExecutor(verifier, pools, cache, cfg.ReceiptTimeout, log)
	dispatcher := facilitator.NewDispatcher(registry, verifier, executor, facilitator.VersionPolicy{
		EnableV2:    cfg.Versions.EnableV2,
		DeprecateV1: cfg.Versions.DeprecateV1,
	}, log)

	var rdb *redis.Client
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			log.Fatal("invalid REDIS_URL", zap.Error(err))
		}
		rdb = redis.NewClient(opts)
	}

	srv := server.New(dispatcher, pools, m, rdb, server.Options{
		Port:             cfg.Port,
		RequestBodyLimit: cfg.RequestBodyLimit,
		RateLimitEnabled: cfg.RateLimit.Enabled,
		VerifyPerMin:     cfg.RateLimit.VerifyPerMinute,
		SettlePerMin:     cfg.RateLimit.SettlePerMinute,
		Burst:            cfg.RateLimit.Burst,
	}, log)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Run() }()

	stop, cancelStop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancelStop()

	select {
	case <-stop.Done():
		log.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			log.Error("http server failed", zap.Error(err))
		}
	}

	// Drain order: stop accepting requests, then let the pools finish
	// dispatched settlements, then halt the oracles.
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("http shutdown incomplete", zap.Error(err))
	}
	for _, p := range pools {
		if err := p.Shutdown(cfg.Pool.ShutdownTimeout); err != nil {
			log.Warn("pool drain incomplete", zap.String("network", p.Network()))
		}
	}
	prices.Stop()
	gasPrices.Stop()
	log.Info("facilitator stopped")
}

func buildLogger() *zap.Logger {
	var log *zap.Logger
	var err error
	if strings.EqualFold(os.Getenv("LOG_LEVEL"), "debug") {
		log, err = zap.NewDevelopment()
	} else {
		log, err = zap.NewProduction()
	}
	if err != nil {
		panic(err)
	}
	return log
}

// buildGasConfig merges the environment's gas settings with the
// registry's built-in hooks and the per-network allow-lists.
func buildGasConfig(cfg *config.Config, registry *chain.Registry, aliases []string) gas.Config {
	gasCfg := gas.DefaultConfig()
	gasCfg.MinGasLimit = cfg.Gas.MinGasLimit
	gasCfg.MaxGasLimit = cfg.Gas.MaxGasLimit
	gasCfg.SafetyMultiplier = cfg.Gas.SafetyMultiplier
	gasCfg.ValidationTolerance = cfg.Gas.ValidationTolerance
	gasCfg.DynamicGasLimitMargin = cfg.Gas.DynamicGasLimitMargin
	gasCfg.EstimationTimeout = cfg.Gas.EstimationTimeout
	gasCfg.CodeValidationEnabled = cfg.Gas.CodeValidationEnabled
	gasCfg.HookWhitelistEnabled = cfg.Gas.HookWhitelistEnabled

	for _, alias := range aliases {
		net, _ := registry.Get(alias)

		// Hook index 0 is the built-in transfer hook.
		builtin := make(map[string]string)
		if len(net.DefaultHooks) > 0 {
			builtin[strings.ToLower(net.DefaultHooks[0])] = gas.HookTypeTransfer
		}
		gasCfg.BuiltinHooks[net.CAIP2] = builtin

		allowed := make(map[string]bool)
		for _, hook := range net.DefaultHooks {
			allowed[strings.ToLower(hook)] = true
		}
		if settings, ok := cfg.Networks[alias]; ok {
			for _, hook := range settings.AllowedHooks {
				allowed[strings.ToLower(hook)] = true
			}
		}
		gasCfg.AllowedHooks[net.CAIP2] = allowed
	}
	return gasCfg
}

// buildOracles wires the price and gas price oracles and starts their
// refreshers over the networks that have signers.
func buildOracles(
	cfg *config.Config,
	registry *chain.Registry,
	readers map[string]chain.Signer,
	aliases []string,
	m *metrics.Metrics,
	log *zap.Logger,
) (*oracle.PriceOracle, *oracle.GasPriceOracle) {
	fallbacks := make(map[string]float64)
	staticGas := make(map[string]*big.Int)
	feedIDs := make(map[string]string)
	for _, alias := range aliases {
		net, _ := registry.Get(alias)
		fallbacks[net.CAIP2] = nativeFallbackUSD(alias)
		feedIDs[net.CAIP2] = priceFeedID(alias)
		settings, ok := cfg.Networks[alias]
		if !ok {
			continue
		}
		if settings.NativePriceUSD > 0 {
			fallbacks[net.CAIP2] = settings.NativePriceUSD
		}
		if settings.TargetGasPrice != "" {
			if price, parsed := new(big.Int).SetString(settings.TargetGasPrice, 10); parsed {
				staticGas[net.CAIP2] = price
			} else {
				log.Warn("ignoring malformed target gas price",
					zap.String("network", alias),
					zap.String("value", settings.TargetGasPrice))
			}
		}
	}

	// Live quotes come from the configured price API; an empty URL pins
	// every network to its fallback (or operator override).
	var fetchNative oracle.NativePriceFunc
	if cfg.Oracle.PriceAPIURL != "" {
		fetchNative = oracle.NewHTTPNativeFetcher(cfg.Oracle.PriceAPIURL, feedIDs, nil)
	}

	prices := oracle.NewPriceOracle(oracle.PriceOracleConfig{
		TTL:             cfg.Oracle.PriceTTL,
		RefreshInterval: cfg.Oracle.PriceRefresh,
		Fallbacks:       fallbacks,
		FetchNative:     fetchNative,
		OnFallback:      m.SetPriceFallback,
	}, log)

	gasPrices := oracle.NewGasPriceOracle(oracle.GasPriceOracleConfig{
		Strategy:     oracle.GasPriceStrategy(cfg.Gas.GasPriceStrategy),
		StaticPrices: staticGas,
		Suggest: func(ctx context.Context, network string) (*big.Int, error) {
			reader, ok := readers[network]
			if !ok {
				return nil, fmt.Errorf("no RPC connection for %s", network)
			}
			return reader.SuggestGasPrice(ctx)
		},
		TTL:            cfg.Oracle.GasPriceTTL,
		UpdateInterval: cfg.Oracle.GasPriceRefresh,
	}, log)

	var networks []string
	for caip2 := range readers {
		networks = append(networks, caip2)
	}
	prices.Start(networks)
	gasPrices.Start(networks)

	// Warm the cache; the oracle's fallback callback seeds the gauge.
	for caip2 := range readers {
		prices.NativePriceUSD(context.Background(), caip2)
	}

	return prices, gasPrices
}
