package oracle

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	"go.uber.org/zap"
)

// GasPriceStrategy selects how gas prices are obtained.
type GasPriceStrategy string

const (
	// GasPriceStatic returns the configured per-network price.
	GasPriceStatic GasPriceStrategy = "static"
	// GasPriceDynamic queries the chain RPC and caches the answer.
	GasPriceDynamic GasPriceStrategy = "dynamic"
	// GasPriceHybrid is dynamic with a static fallback on RPC failure.
	GasPriceHybrid GasPriceStrategy = "hybrid"

	// DefaultGasPriceTTL is how long a dynamic quote stays usable.
	DefaultGasPriceTTL = 5 * time.Minute
	// DefaultGasPriceUpdateInterval is the background refresh cadence.
	DefaultGasPriceUpdateInterval = time.Minute
)

// SuggestGasPriceFunc queries the current gas price for a network,
// typically backed by a signer's RPC connection.
type SuggestGasPriceFunc func(ctx context.Context, network string) (*big.Int, error)

type gasPriceEntry struct {
	price     *big.Int
	fetchedAt time.Time
}

// GasPriceOracle resolves per-network gas prices under the configured
// strategy. The dynamic cache has a single background writer; lookups that
// miss the cache fetch synchronously.
type GasPriceOracle struct {
	strategy GasPriceStrategy
	static   map[string]*big.Int
	suggest  SuggestGasPriceFunc

	mu    sync.RWMutex
	cache map[string]gasPriceEntry

	ttl            time.Duration
	updateInterval time.Duration

	log  *zap.Logger
	stop chan struct{}
	done chan struct{}
}

// GasPriceOracleConfig configures a GasPriceOracle. An empty strategy
// defaults to hybrid, or to static when any explicit per-network price is
// configured.
type GasPriceOracleConfig struct {
	Strategy       GasPriceStrategy
	StaticPrices   map[string]*big.Int // network → wei
	Suggest        SuggestGasPriceFunc
	TTL            time.Duration
	UpdateInterval time.Duration
}

// NewGasPriceOracle builds the oracle. Call Start to launch the refresher
// when the strategy is dynamic or hybrid.
func NewGasPriceOracle(cfg GasPriceOracleConfig, log *zap.Logger) *GasPriceOracle {
	strategy := cfg.Strategy
	if strategy == "" {
		if len(cfg.StaticPrices) > 0 {
			strategy = GasPriceStatic
		} else {
			strategy = GasPriceHybrid
		}
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultGasPriceTTL
	}
	if cfg.UpdateInterval <= 0 {
		cfg.UpdateInterval = DefaultGasPriceUpdateInterval
	}
	static := make(map[string]*big.Int, len(cfg.StaticPrices))
	for net, price := range cfg.StaticPrices {
		static[net] = new(big.Int).Set(price)
	}
	return &GasPriceOracle{
		strategy:       strategy,
		static:         static,
		suggest:        cfg.Suggest,
		cache:          make(map[string]gasPriceEntry),
		ttl:            cfg.TTL,
		updateInterval: cfg.UpdateInterval,
		log:            log,
		stop:           make(chan struct{}),
		done:           make(chan struct{}),
	}
}

// Strategy returns the resolved strategy.
func (o *GasPriceOracle) Strategy() GasPriceStrategy {
	return o.strategy
}

// GasPrice resolves the gas price for a network under the configured
// strategy.
func (o *GasPriceOracle) GasPrice(ctx context.Context, network string) (*big.Int, error) {
	switch o.strategy {
	case GasPriceStatic:
		return o.staticPrice(network)
	case GasPriceDynamic:
		return o.dynamicPrice(ctx, network)
	case GasPriceHybrid:
		price, err := o.dynamicPrice(ctx, network)
		if err == nil {
			return price, nil
		}
		if o.log != nil {
			o.log.Warn("dynamic gas price failed, falling back to static",
				zap.String("network", network), zap.Error(err))
		}
		return o.staticPrice(network)
	default:
		return nil, fmt.Errorf("unknown gas price strategy: %s", o.strategy)
	}
}

func (o *GasPriceOracle) staticPrice(network string) (*big.Int, error) {
	price, ok := o.static[network]
	if !ok {
		return nil, fmt.Errorf("no static gas price configured for %s", network)
	}
	return new(big.Int).Set(price), nil
}

func (o *GasPriceOracle) dynamicPrice(ctx context.Context, network string) (*big.Int, error) {
	o.mu.RLock()
	entry, ok := o.cache[network]
	o.mu.RUnlock()
	if ok && time.Since(entry.fetchedAt) < o.ttl {
		return new(big.Int).Set(entry.price), nil
	}

	if o.suggest == nil {
		return nil, fmt.Errorf("no gas price source configured")
	}
	price, err := o.suggest(ctx, network)
	if err != nil {
		return nil, fmt.Errorf("gas price query failed for %s: %w", network, err)
	}

	o.mu.Lock()
	o.cache[network] = gasPriceEntry{price: new(big.Int).Set(price), fetchedAt: time.Now()}
	o.mu.Unlock()
	return price, nil
}

// Start launches the background refresher for the given networks.
// No-op under the static strategy.
func (o *GasPriceOracle) Start(networks []string) {
	if o.strategy == GasPriceStatic || o.suggest == nil {
		close(o.done)
		return
	}
	go func() {
		defer close(o.done)
		ticker := time.NewTicker(o.updateInterval)
		defer ticker.Stop()
		for {
			select {
			case <-o.stop:
				return
			case <-ticker.C:
				o.refresh(networks)
			}
		}
	}()
}

// Stop halts the refresher and waits for it to exit.
func (o *GasPriceOracle) Stop() {
	close(o.stop)
	<-o.done
}

func (o *GasPriceOracle) refresh(networks []string) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	for _, network := range networks {
		price, err := o.suggest(ctx, network)
		if err != nil {
			if o.log != nil {
				o.log.Warn("gas price refresh failed",
					zap.String("network", network), zap.Error(err))
			}
			continue
		}
		o.mu.Lock()
		o.cache[network] = gasPriceEntry{price: new(big.Int).Set(price), fetchedAt: time.Now()}
		o.mu.Unlock()
	}
}
