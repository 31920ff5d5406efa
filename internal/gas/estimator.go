package gas

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/x402x/facilitator/internal/chain"
)

// Strategy selects how settlement gas is estimated.
type Strategy string

const (
	// StrategyCode uses the analytic cost model; built-in hooks only.
	StrategyCode Strategy = "code"
	// StrategySimulation encodes the router call and asks the RPC node.
	StrategySimulation Strategy = "simulation"
	// StrategySmart tries the code model first and simulates otherwise.
	StrategySmart Strategy = "smart"
)

// SettlementGasParams carries everything needed to estimate a router
// settlement: the full call parameters plus the signer whose RPC
// connection backs simulation.
type SettlementGasParams struct {
	Network        string
	Router         string
	Token          string
	From           string
	Value          *big.Int
	ValidAfter     *big.Int
	ValidBefore    *big.Int
	Nonce          [32]byte
	Signature      []byte
	Salt           [32]byte
	PayTo          string
	FacilitatorFee *big.Int
	Hook           string
	HookData       []byte

	Signer chain.Signer
}

// Result is the outcome of a gas estimation.
type Result struct {
	GasLimit     uint64
	IsValid      bool
	ErrorReason  string
	StrategyUsed Strategy
	Metadata     map[string]interface{}
}

// Estimator computes settlement gas limits under the configured strategy.
type Estimator struct {
	strategy Strategy
	cfg      Config
}

// NewEstimator builds an estimator. An empty strategy defaults to smart.
func NewEstimator(strategy Strategy, cfg Config) *Estimator {
	if strategy == "" {
		strategy = StrategySmart
	}
	return &Estimator{strategy: strategy, cfg: cfg}
}

// Estimate runs the configured strategy. The returned gas limit always
// satisfies MinGasLimit ≤ limit ≤ MaxGasLimit when IsValid is true.
func (e *Estimator) Estimate(ctx context.Context, params SettlementGasParams) Result {
	switch e.strategy {
	case StrategyCode:
		return e.estimateCode(params)
	case StrategySimulation:
		return e.estimateSimulation(ctx, params)
	case StrategySmart:
		if e.cfg.CodeValidationEnabled && e.cfg.BuiltinHookType(params.Network, params.Hook) != "" {
			res := e.estimateCode(params)
			if res.IsValid {
				res.StrategyUsed = StrategySmart
				return res
			}
		}
		res := e.estimateSimulation(ctx, params)
		res.StrategyUsed = StrategySmart
		return res
	default:
		return Result{
			IsValid:      false,
			ErrorReason:  fmt.Sprintf("unknown gas estimation strategy: %s", e.strategy),
			StrategyUsed: e.strategy,
		}
	}
}

// estimateCode applies the analytic cost model. Only supported for
// built-in hooks whose execution cost is known.
func (e *Estimator) estimateCode(params SettlementGasParams) Result {
	hookType := e.cfg.BuiltinHookType(params.Network, params.Hook)
	if hookType == "" {
		return Result{
			IsValid:      false,
			ErrorReason:  "code-based estimation requires a built-in hook",
			StrategyUsed: StrategyCode,
		}
	}
	overhead, ok := e.cfg.HookGasOverhead[hookType]
	if !ok {
		return Result{
			IsValid:      false,
			ErrorReason:  fmt.Sprintf("no gas overhead configured for hook type %s", hookType),
			StrategyUsed: StrategyCode,
		}
	}

	raw := BaseRouterGasCost + overhead + PayToTransferGas
	if raw < e.cfg.MinGasLimit {
		raw = e.cfg.MinGasLimit
	}
	return Result{
		GasLimit:     e.clamp(e.applySafety(raw)),
		IsValid:      true,
		StrategyUsed: StrategyCode,
		Metadata: map[string]interface{}{
			"hookType": hookType,
			"rawGas":   raw,
		},
	}
}

// estimateSimulation encodes the settleAndExecute call and asks the RPC
// node for an estimate, bounded by the estimation timeout.
func (e *Estimator) estimateSimulation(ctx context.Context, params SettlementGasParams) Result {
	if params.Signer == nil {
		return Result{
			IsValid:      false,
			ErrorReason:  "simulation requires a signer",
			StrategyUsed: StrategySimulation,
		}
	}

	data, err := chain.PackCall(
		chain.SettlementRouterABI,
		chain.FunctionSettleAndExecute,
		common.HexToAddress(params.Token),
		common.HexToAddress(params.From),
		params.Value,
		params.ValidAfter,
		params.ValidBefore,
		params.Nonce,
		params.Signature,
		params.Salt,
		common.HexToAddress(params.PayTo),
		params.FacilitatorFee,
		common.HexToAddress(params.Hook),
		params.HookData,
	)
	if err != nil {
		return Result{
			IsValid:      false,
			ErrorReason:  fmt.Sprintf("failed to encode router call: %v", err),
			StrategyUsed: StrategySimulation,
		}
	}

	timeout := e.cfg.EstimationTimeout
	if timeout <= 0 {
		timeout = DefaultEstimationTimeout
	}
	estimateCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	raw, err := params.Signer.EstimateGas(estimateCtx, params.Router, data)
	if err != nil {
		reason := chain.ParseRevertReason(err)
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(estimateCtx.Err(), context.DeadlineExceeded) {
			reason = "gas estimation timed out"
		}
		return Result{
			IsValid:      false,
			ErrorReason:  reason,
			StrategyUsed: StrategySimulation,
		}
	}

	if raw < e.cfg.MinGasLimit {
		raw = e.cfg.MinGasLimit
	}
	return Result{
		GasLimit:     e.clamp(e.applySafety(raw)),
		IsValid:      true,
		StrategyUsed: StrategySimulation,
		Metadata: map[string]interface{}{
			"rawGas": raw,
		},
	}
}

// QuoteGasLimit prices a hook invocation without a concrete payment. For
// built-in hooks the analytic model applies; custom hooks get the
// configured maximum, since their true cost is only knowable by
// simulating a real payload.
func (e *Estimator) QuoteGasLimit(network, hook string) (uint64, Strategy) {
	hookType := e.cfg.BuiltinHookType(network, hook)
	if hookType == "" {
		return e.cfg.MaxGasLimit, StrategySimulation
	}
	overhead, ok := e.cfg.HookGasOverhead[hookType]
	if !ok {
		return e.cfg.MaxGasLimit, StrategySimulation
	}
	raw := BaseRouterGasCost + overhead + PayToTransferGas
	if raw < e.cfg.MinGasLimit {
		raw = e.cfg.MinGasLimit
	}
	return e.clamp(e.applySafety(raw)), StrategyCode
}

func (e *Estimator) applySafety(gas uint64) uint64 {
	multiplier := e.cfg.SafetyMultiplier
	if multiplier <= 1 {
		multiplier = DefaultSafetyMultiplier
	}
	return uint64(float64(gas) * multiplier)
}

// clamp bounds a gas value to [MinGasLimit, MaxGasLimit]. The upper bound
// is a cap, not a failure.
func (e *Estimator) clamp(gas uint64) uint64 {
	if gas < e.cfg.MinGasLimit {
		return e.cfg.MinGasLimit
	}
	if gas > e.cfg.MaxGasLimit {
		return e.cfg.MaxGasLimit
	}
	return gas
}
