package oracle

import (
	"context"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	// DefaultPriceTTL is how long a fetched price stays valid.
	DefaultPriceTTL = time.Hour
	// DefaultPriceRefreshInterval is the background refresh cadence.
	DefaultPriceRefreshInterval = 10 * time.Minute

	// GenericNativeFallbackUSD applies when no per-network fallback is
	// configured and no fresh data is available.
	GenericNativeFallbackUSD = 100.0
	// Stablecoin payment tokens default to par when no quote is available.
	DefaultTokenPriceUSD = 1.0
)

// NativePriceFunc fetches the current native-token USD price for a network.
type NativePriceFunc func(ctx context.Context, network string) (float64, error)

// TokenPriceFunc fetches the current USD price of a token on a network.
type TokenPriceFunc func(ctx context.Context, network, token string) (float64, error)

type priceEntry struct {
	value     float64
	fetchedAt time.Time
}

// PriceOracle caches native-token and payment-token USD prices per network.
// A single background refresher is the only writer; readers take the
// RWMutex read side. After TTL expiry with no fresh data, lookups fall back
// to the configured per-network value and report that they did so.
type PriceOracle struct {
	mu     sync.RWMutex
	native map[string]priceEntry
	tokens map[string]priceEntry

	ttl             time.Duration
	refreshInterval time.Duration
	fallbacks       map[string]float64

	fetchNative NativePriceFunc
	fetchToken  TokenPriceFunc
	onFallback  func(network string, inUse bool)

	log  *zap.Logger
	stop chan struct{}
	done chan struct{}
}

// PriceOracleConfig configures a PriceOracle. Zero durations take the
// defaults; nil fetchers mean the oracle serves fallbacks only.
type PriceOracleConfig struct {
	TTL             time.Duration
	RefreshInterval time.Duration
	Fallbacks       map[string]float64 // network → native USD price
	FetchNative     NativePriceFunc
	FetchToken      TokenPriceFunc

	// OnFallback is invoked on every native lookup with whether the
	// served value was a fallback, so gauges track the live state.
	OnFallback func(network string, inUse bool)
}

// NewPriceOracle builds the oracle. Call Start to launch the refresher.
func NewPriceOracle(cfg PriceOracleConfig, log *zap.Logger) *PriceOracle {
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultPriceTTL
	}
	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = DefaultPriceRefreshInterval
	}
	fallbacks := make(map[string]float64, len(cfg.Fallbacks))
	for net, price := range cfg.Fallbacks {
		fallbacks[net] = price
	}
	return &PriceOracle{
		native:          make(map[string]priceEntry),
		tokens:          make(map[string]priceEntry),
		ttl:             cfg.TTL,
		refreshInterval: cfg.RefreshInterval,
		fallbacks:       fallbacks,
		fetchNative:     cfg.FetchNative,
		fetchToken:      cfg.FetchToken,
		onFallback:      cfg.OnFallback,
		log:             log,
		stop:            make(chan struct{}),
		done:            make(chan struct{}),
	}
}

// NativePriceUSD returns the native-token USD price for a network and
// whether the value is the configured fallback rather than live data.
func (o *PriceOracle) NativePriceUSD(ctx context.Context, network string) (float64, bool) {
	price, fallback := o.nativePrice(ctx, network)
	if o.onFallback != nil {
		o.onFallback(network, fallback)
	}
	return price, fallback
}

func (o *PriceOracle) nativePrice(ctx context.Context, network string) (float64, bool) {
	o.mu.RLock()
	entry, ok := o.native[network]
	o.mu.RUnlock()

	if ok && time.Since(entry.fetchedAt) < o.ttl {
		return entry.value, false
	}

	// No fresh cache entry; try a synchronous fetch before falling back.
	if o.fetchNative != nil {
		if price, err := o.fetchNative(ctx, network); err == nil && price > 0 {
			o.store(o.native, network, price)
			return price, false
		}
	}

	if fb, ok := o.fallbacks[network]; ok {
		return fb, true
	}
	return GenericNativeFallbackUSD, true
}

// TokenPriceUSD returns the USD price of a payment token. Stablecoins in
// the acceptance set default to par when no quote source is configured.
func (o *PriceOracle) TokenPriceUSD(ctx context.Context, network, token string) (float64, bool) {
	key := network + ":" + strings.ToLower(token)

	o.mu.RLock()
	entry, ok := o.tokens[key]
	o.mu.RUnlock()

	if ok && time.Since(entry.fetchedAt) < o.ttl {
		return entry.value, false
	}

	if o.fetchToken != nil {
		if price, err := o.fetchToken(ctx, network, token); err == nil && price > 0 {
			o.store(o.tokens, key, price)
			return price, false
		}
	}

	return DefaultTokenPriceUSD, true
}

func (o *PriceOracle) store(m map[string]priceEntry, key string, value float64) {
	o.mu.Lock()
	m[key] = priceEntry{value: value, fetchedAt: time.Now()}
	o.mu.Unlock()
}

// Start launches the background refresher for the given networks.
func (o *PriceOracle) Start(networks []string) {
	go func() {
		defer close(o.done)
		ticker := time.NewTicker(o.refreshInterval)
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
func (o *PriceOracle) Stop() {
	close(o.stop)
	<-o.done
}

func (o *PriceOracle) refresh(networks []string) {
	if o.fetchNative == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	for _, network := range networks {
		price, err := o.fetchNative(ctx, network)
		if err != nil || price <= 0 {
			// Keep the previous cached value; it stays valid until TTL.
			if o.log != nil {
				o.log.Warn("native price refresh failed",
					zap.String("network", network), zap.Error(err))
			}
			continue
		}
		o.store(o.native, network, price)
	}
}
