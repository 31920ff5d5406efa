package chain

import (
	"fmt"
	"math/big"
	"strings"
)

// AssetInfo describes an ERC-20 payment token and the EIP-712 domain
// parameters its transferWithAuthorization implementation signs under.
type AssetInfo struct {
	Address  string
	Name     string
	Version  string
	Decimals int
}

// NetworkConfig carries the static metadata for one supported network.
// Instances are built at startup and read-only thereafter.
type NetworkConfig struct {
	Alias         string
	CAIP2         string
	ChainID       *big.Int
	RPCURL        string
	DefaultAsset  AssetInfo
	DefaultRouter string
	// DefaultHooks are the built-in hook addresses deployed alongside the
	// router. Index 0 is the plain transfer hook.
	DefaultHooks []string
	Testnet      bool
}

// Registry maps between human network aliases (base-sepolia) and canonical
// CAIP-2 identifiers (eip155:84532).
type Registry struct {
	byAlias map[string]*NetworkConfig
	byCAIP2 map[string]*NetworkConfig
	order   []string
}

// mainnetExclusions mark a network alias as a testnet. A network is mainnet
// iff its alias contains none of these.
var mainnetExclusions = []string{"sepolia", "testnet", "fuji", "amoy", "goerli"}

// Default Asset Selection Policy: each chain's officially endorsed
// EIP-3009 stablecoin.
var defaultNetworks = []NetworkConfig{
	{
		Alias:   "base",
		CAIP2:   "eip155:8453",
		ChainID: big.NewInt(8453),
		RPCURL:  "https://mainnet.base.org",
		DefaultAsset: AssetInfo{
			Address:  "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913", // USDC on Base
			Name:     "USD Coin",
			Version:  "2",
			Decimals: 6,
		},
		DefaultRouter: "0x4027c1d579E0Ff73ac164A2e073AE343210D0001",
		DefaultHooks:  []string{"0x40271799f5Ab0F0402aEfC9a8b0fa14EeE2C0002"},
	},
	{
		Alias:   "base-sepolia",
		CAIP2:   "eip155:84532",
		ChainID: big.NewInt(84532),
		RPCURL:  "https://sepolia.base.org",
		DefaultAsset: AssetInfo{
			Address:  "0x036CbD53842c5426634e7929541eC2318f3dCF7e", // USDC on Base Sepolia
			Name:     "USDC",
			Version:  "2",
			Decimals: 6,
		},
		DefaultRouter: "0x402d83cA361F3Ed1aD56e3C8bC4E44E6b4dF0001",
		DefaultHooks:  []string{"0x402dE12BFC3A7c7AaB7b6fA32DF9e4dcB6eD0002"},
		Testnet:       true,
	},
	{
		Alias:   "x-layer",
		CAIP2:   "eip155:196",
		ChainID: big.NewInt(196),
		RPCURL:  "https://rpc.xlayer.tech",
		DefaultAsset: AssetInfo{
			Address:  "0x74b7F16337b8972027F6196A17a631aC6dE26d22", // USDC on X Layer
			Name:     "USD Coin",
			Version:  "2",
			Decimals: 6,
		},
		DefaultRouter: "0x402b5A8E62Ce31c1d0bD26C4B16aE0F7D70E0001",
		DefaultHooks:  []string{"0x402bF2f8dc79C25B39bD184cDaE266a24dd10002"},
	},
	{
		Alias:   "x-layer-testnet",
		CAIP2:   "eip155:195",
		ChainID: big.NewInt(195),
		RPCURL:  "https://testrpc.xlayer.tech",
		DefaultAsset: AssetInfo{
			Address:  "0x9643b8C2bD9c09f8Bf720cbA296c3E974bD1d1cE",
			Name:     "USD Coin",
			Version:  "2",
			Decimals: 6,
		},
		DefaultRouter: "0x402aD35642B4A26Ea5a9D90c253AE0dE21bb0001",
		DefaultHooks:  []string{"0x402a97d3C31F31C8Be58fCc483b8B0B075Dd0002"},
		Testnet:       true,
	},
}

// NetworkOverride carries the per-network configuration that can replace
// registry defaults at startup.
type NetworkOverride struct {
	RPCURL string
	Router string
	Hooks  []string
}

// NewRegistry builds the registry from the built-in defaults merged with
// per-alias overrides.
func NewRegistry(overrides map[string]NetworkOverride) *Registry {
	r := &Registry{
		byAlias: make(map[string]*NetworkConfig),
		byCAIP2: make(map[string]*NetworkConfig),
	}
	for i := range defaultNetworks {
		net := defaultNetworks[i] // copy
		if ov, ok := overrides[net.Alias]; ok {
			if ov.RPCURL != "" {
				net.RPCURL = ov.RPCURL
			}
			if ov.Router != "" {
				net.DefaultRouter = ov.Router
			}
			if len(ov.Hooks) > 0 {
				net.DefaultHooks = ov.Hooks
			}
		}
		r.byAlias[net.Alias] = &net
		r.byCAIP2[net.CAIP2] = &net
		r.order = append(r.order, net.CAIP2)
	}
	return r
}

// Get resolves a network by alias or CAIP-2 id.
func (r *Registry) Get(name string) (*NetworkConfig, error) {
	if net, ok := r.byAlias[name]; ok {
		return net, nil
	}
	if net, ok := r.byCAIP2[name]; ok {
		return net, nil
	}
	return nil, fmt.Errorf("unknown network: %s", name)
}

// Canonicalize maps an alias or CAIP-2 id to the canonical CAIP-2 form.
func (r *Registry) Canonicalize(name string) (string, error) {
	net, err := r.Get(name)
	if err != nil {
		return "", err
	}
	return net.CAIP2, nil
}

// Alias maps a CAIP-2 id back to its human alias.
func (r *Registry) Alias(caip2 string) (string, error) {
	net, err := r.Get(caip2)
	if err != nil {
		return "", err
	}
	return net.Alias, nil
}

// ListSupported returns the canonical ids of every registered network in
// registration order.
func (r *Registry) ListSupported() []string {
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// IsMainnet reports whether the named network is a production chain.
// Standard (non-router) settlement is refused on mainnet.
func (r *Registry) IsMainnet(name string) bool {
	net, err := r.Get(name)
	if err != nil {
		return false
	}
	alias := strings.ToLower(net.Alias)
	for _, marker := range mainnetExclusions {
		if strings.Contains(alias, marker) {
			return false
		}
	}
	return true
}
