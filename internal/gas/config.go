package gas

import (
	"strings"
	"time"
)

const (
	// DefaultMinGasLimit floors every estimate; a router settlement with
	// the transfer hook cannot run for less.
	DefaultMinGasLimit uint64 = 130_000
	// DefaultMaxGasLimit caps what the facilitator is willing to spend on
	// a single settlement regardless of fee.
	DefaultMaxGasLimit uint64 = 1_500_000
	// DefaultSafetyMultiplier pads estimates against state drift between
	// estimation and inclusion.
	DefaultSafetyMultiplier = 1.2
	// DefaultValidationTolerance lets fees undershoot the gas cost by a
	// small fraction before FeeTooLow triggers.
	DefaultValidationTolerance = 0.05
	// DefaultDynamicGasLimitMargin is the provider profit share withheld
	// from the fee before converting the remainder into gas budget.
	DefaultDynamicGasLimitMargin = 0.1

	// DefaultEstimationTimeout bounds RPC-based gas estimation.
	DefaultEstimationTimeout = 5 * time.Second

	// Analytic cost model for the code-based strategy.
	BaseRouterGasCost   uint64 = 90_000
	PayToTransferGas    uint64 = 30_000
	TransferHookGasCost uint64 = 45_000

	// HookTypeTransfer is the built-in hook that forwards the settled
	// amount to payTo.
	HookTypeTransfer = "transfer"
)

// Config carries the gas and fee policy knobs, built once from
// configuration at startup.
type Config struct {
	MinGasLimit           uint64
	MaxGasLimit           uint64
	DynamicGasLimitMargin float64 // 0..1, provider profit share
	SafetyMultiplier      float64 // >1
	ValidationTolerance   float64 // 0..1
	EstimationTimeout     time.Duration

	// HookGasOverhead maps built-in hook types to their analytic gas cost.
	HookGasOverhead map[string]uint64

	HookWhitelistEnabled bool
	// AllowedHooks maps network → lowercased allowed hook addresses.
	AllowedHooks map[string]map[string]bool

	// BuiltinHooks maps network → lowercased hook address → hook type.
	// Only built-in hooks are eligible for code-based estimation.
	BuiltinHooks map[string]map[string]string

	CodeValidationEnabled bool
}

// DefaultConfig returns a Config with the default cost model and bounds.
func DefaultConfig() Config {
	return Config{
		MinGasLimit:           DefaultMinGasLimit,
		MaxGasLimit:           DefaultMaxGasLimit,
		DynamicGasLimitMargin: DefaultDynamicGasLimitMargin,
		SafetyMultiplier:      DefaultSafetyMultiplier,
		ValidationTolerance:   DefaultValidationTolerance,
		EstimationTimeout:     DefaultEstimationTimeout,
		HookGasOverhead: map[string]uint64{
			HookTypeTransfer: TransferHookGasCost,
		},
		AllowedHooks:          make(map[string]map[string]bool),
		BuiltinHooks:          make(map[string]map[string]string),
		CodeValidationEnabled: true,
	}
}

// BuiltinHookType resolves the built-in hook type for an address on a
// network, or "" when the hook is custom.
func (c *Config) BuiltinHookType(network, hook string) string {
	hooks, ok := c.BuiltinHooks[network]
	if !ok {
		return ""
	}
	return hooks[strings.ToLower(hook)]
}

// HookAllowed reports whether a hook passes the per-network allow-list.
// Always true when whitelisting is disabled.
func (c *Config) HookAllowed(network, hook string) bool {
	if !c.HookWhitelistEnabled {
		return true
	}
	allowed, ok := c.AllowedHooks[network]
	if !ok {
		return false
	}
	return allowed[strings.ToLower(hook)]
}
