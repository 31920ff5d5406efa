package gas

import (
	"math"
	"math/big"
)

// FeePolicy turns facilitator fees into gas budgets and validates that a
// fee covers the expected gas spend plus margin. The payment token is
// assumed to be a USD stablecoin within the acceptance set, so the fee's
// human value is treated as USD directly.
type FeePolicy struct {
	cfg Config
}

// NewFeePolicy builds a policy over the shared gas config.
func NewFeePolicy(cfg Config) *FeePolicy {
	return &FeePolicy{cfg: cfg}
}

// weiPerNative converts between wei-denominated gas spend and whole native
// tokens.
const weiPerNative = 1e18

// feeUSD converts an atomic fee to USD given the token's decimals.
func feeUSD(fee *big.Int, decimals int) float64 {
	f, _ := new(big.Float).SetInt(fee).Float64()
	return f / math.Pow10(decimals)
}

// EffectiveGasLimit computes the largest gas limit the facilitator fee can
// afford after withholding the profit margin, clamped to the configured
// bounds. A non-positive or non-finite native price falls back to the
// minimum gas limit.
func (p *FeePolicy) EffectiveGasLimit(fee *big.Int, decimals int, nativePriceUSD float64, gasPrice *big.Int) uint64 {
	if nativePriceUSD <= 0 || math.IsInf(nativePriceUSD, 0) || math.IsNaN(nativePriceUSD) {
		return p.cfg.MinGasLimit
	}
	if gasPrice == nil || gasPrice.Sign() <= 0 {
		return p.cfg.MinGasLimit
	}

	availableUSD := feeUSD(fee, decimals) * (1 - p.cfg.DynamicGasLimitMargin)
	gasPriceWei, _ := new(big.Float).SetInt(gasPrice).Float64()

	maxAffordable := availableUSD / nativePriceUSD * weiPerNative / gasPriceWei
	if math.IsNaN(maxAffordable) || maxAffordable < float64(p.cfg.MinGasLimit) {
		return p.cfg.MinGasLimit
	}
	if maxAffordable > float64(p.cfg.MaxGasLimit) {
		return p.cfg.MaxGasLimit
	}
	return uint64(maxAffordable)
}

// ValidateFee reports whether the fee covers the estimated gas spend
// within the configured tolerance:
//
//	feeUSD ≥ gasLimit × gasPrice × nativePriceUSD × (1 − tolerance)
func (p *FeePolicy) ValidateFee(fee *big.Int, decimals int, gasLimit uint64, gasPrice *big.Int, nativePriceUSD float64) bool {
	if gasPrice == nil {
		return false
	}
	gasPriceWei, _ := new(big.Float).SetInt(gasPrice).Float64()
	costUSD := float64(gasLimit) * gasPriceWei / weiPerNative * nativePriceUSD
	return feeUSD(fee, decimals) >= costUSD*(1-p.cfg.ValidationTolerance)
}

// QuoteFee computes the facilitator fee, in atomic token units, that
// covers a gas spend plus the configured margin. The inverse of
// EffectiveGasLimit.
func (p *FeePolicy) QuoteFee(gasLimit uint64, gasPrice *big.Int, nativePriceUSD float64, decimals int) *big.Int {
	if gasPrice == nil || nativePriceUSD <= 0 || math.IsInf(nativePriceUSD, 0) || math.IsNaN(nativePriceUSD) {
		return big.NewInt(0)
	}
	gasPriceWei, _ := new(big.Float).SetInt(gasPrice).Float64()
	costUSD := float64(gasLimit) * gasPriceWei / weiPerNative * nativePriceUSD

	margin := p.cfg.DynamicGasLimitMargin
	if margin >= 1 {
		margin = 0
	}
	feeAtomic := costUSD / (1 - margin) * math.Pow10(decimals)
	out, _ := new(big.Float).SetFloat64(math.Ceil(feeAtomic)).Int(nil)
	return out
}

// HookAllowed applies the per-network hook allow-list.
func (p *FeePolicy) HookAllowed(network, hook string) bool {
	return p.cfg.HookAllowed(network, hook)
}
