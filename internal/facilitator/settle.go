package facilitator

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/x402x/facilitator/internal/chain"
	"github.com/x402x/facilitator/internal/pool"
)

const (
	// DefaultReceiptTimeout bounds the wait for transaction inclusion.
	DefaultReceiptTimeout = 30 * time.Second
	// StandardTransferGasLimit covers a plain EIP-3009 transfer.
	StandardTransferGasLimit uint64 = 120_000
)

// Executor settles verified payments on-chain through the signer pools.
type Executor struct {
	verifier       *Verifier
	pools          map[string]*pool.Pool // caip2 → pool
	cache          *SettlementCache
	receiptTimeout time.Duration
	log            *zap.Logger
}

// NewExecutor wires the settlement path.
func NewExecutor(
	verifier *Verifier,
	pools map[string]*pool.Pool,
	cache *SettlementCache,
	receiptTimeout time.Duration,
	log *zap.Logger,
) *Executor {
	if receiptTimeout <= 0 {
		receiptTimeout = DefaultReceiptTimeout
	}
	return &Executor{
		verifier:       verifier,
		pools:          pools,
		cache:          cache,
		receiptTimeout: receiptTimeout,
		log:            log,
	}
}

// Settle verifies and submits a payment. Settlement never trusts a prior
// verify call; the full pipeline runs again before anything touches the
// chain. The returned error, when non-nil, carries the taxonomy code for
// HTTP mapping; the response mirrors it in ErrorReason.
func (e *Executor) Settle(ctx context.Context, payload *PaymentPayload, reqs *PaymentRequirements) (SettleResponse, *Error) {
	network := reqs.Network
	if caip2, err := e.verifier.registry.Canonicalize(reqs.Network); err == nil {
		network = caip2
	}

	key := SettlementKey(payload)
	status, cached, done := e.cache.CheckAndMark(key)
	switch status {
	case StatusCached:
		return *cached, nil
	case StatusInFlight:
		result, err := e.cache.WaitForResult(ctx, key, done)
		if err == nil && result != nil {
			return *result, nil
		}
		// The first attempt failed or we were cancelled; report capacity
		// rather than submitting a duplicate.
		return e.failure(network, "", ReasonDuplicatePayer), NewError(ReasonDuplicatePayer, "settlement already in flight")
	}

	resp, serr := e.settle(ctx, payload, reqs, network)
	if serr != nil {
		e.cache.Fail(key, done)
	} else {
		e.cache.Complete(key, &resp, done)
	}
	return resp, serr
}

func (e *Executor) settle(ctx context.Context, payload *PaymentPayload, reqs *PaymentRequirements, network string) (SettleResponse, *Error) {
	// 1. Re-run the full verification pipeline.
	chk, verr := e.verifier.check(ctx, payload, reqs)
	if verr != nil {
		resp := e.failure(network, chk.payer, verr.Code)
		return resp, verr
	}

	p := e.pools[chk.net.CAIP2]
	if p == nil {
		serr := NewError(ReasonRPCUnavailable, "no signer pool for %s", chk.net.CAIP2)
		return e.failure(network, chk.payer, serr.Code), serr
	}

	// 2–3. Gas limit: the estimator's answer capped by what the fee
	// affords.
	var gasLimit uint64
	if chk.routerMode {
		feeCap := e.verifier.feePolicy.EffectiveGasLimit(chk.fee, chk.asset.Decimals, chk.nativeUSD, chk.gasPrice)
		gasLimit = chk.gasEstimate.GasLimit
		if feeCap < gasLimit {
			gasLimit = feeCap
		}
	} else {
		gasLimit = StandardTransferGasLimit
	}

	// 4–5. Submit through the pool, gated by the payer guard, and wait
	// for the receipt.
	var txHash string
	execErr := p.Execute(ctx, chk.payer, func(taskCtx context.Context, signer chain.Signer) error {
		var err error
		if chk.routerMode {
			txHash, err = e.submitRouter(taskCtx, signer, chk, gasLimit)
		} else {
			txHash, err = e.submitStandard(taskCtx, signer, chk, gasLimit)
		}
		if err != nil {
			return err
		}

		receiptCtx, cancel := context.WithTimeout(taskCtx, e.receiptTimeout)
		defer cancel()
		receipt, err := signer.WaitForReceipt(receiptCtx, txHash)
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				return NewError(ReasonReceiptTimeout, "no receipt within %s", e.receiptTimeout)
			}
			return NewError(ReasonRPCUnavailable, "receipt wait failed: %v", err)
		}
		if receipt.Status != chain.TxStatusSuccess {
			return NewError(ReasonTxReverted, "transaction reverted")
		}
		return nil
	})

	if execErr != nil {
		serr := e.classify(execErr)
		resp := e.failure(network, chk.payer, serr.Code)
		resp.Transaction = txHash
		e.log.Warn("settlement failed",
			zap.String("network", network),
			zap.String("payer", chk.payer),
			zap.String("reason", serr.Code),
			zap.String("detail", serr.Message))
		return resp, serr
	}

	e.log.Info("settlement confirmed",
		zap.String("network", network),
		zap.String("payer", chk.payer),
		zap.String("tx", txHash),
		zap.Uint64("gasLimit", gasLimit))

	return SettleResponse{
		Success:     true,
		Transaction: txHash,
		Network:     network,
		Payer:       chk.payer,
	}, nil
}

// submitRouter calls settleAndExecute on the settlement router.
func (e *Executor) submitRouter(ctx context.Context, signer chain.Signer, chk *checked, gasLimit uint64) (string, error) {
	txHash, err := signer.WriteContract(
		ctx,
		chk.extra.SettlementRouter,
		chain.SettlementRouterABI,
		chain.FunctionSettleAndExecute,
		gasLimit,
		chain.ToAddress(chk.asset.Address),
		chain.ToAddress(chk.payer),
		chk.value,
		chk.validAfter,
		chk.validBefore,
		chk.nonce,
		chk.signature,
		chk.salt,
		chain.ToAddress(chk.extra.PayTo),
		chk.fee,
		chain.ToAddress(chk.extra.Hook),
		chk.hookData,
	)
	if err != nil {
		return "", NewError(ReasonTxReverted, "%s", chain.ParseRevertReason(err))
	}
	return txHash, nil
}

// submitStandard calls the token's transferWithAuthorization directly.
func (e *Executor) submitStandard(ctx context.Context, signer chain.Signer, chk *checked, gasLimit uint64) (string, error) {
	sig := chk.signature
	var r, s [32]byte
	copy(r[:], sig[0:32])
	copy(s[:], sig[32:64])
	v := sig[64]

	txHash, err := signer.WriteContract(
		ctx,
		chk.asset.Address,
		chain.TransferWithAuthorizationABI,
		chain.FunctionTransferWithAuthorization,
		gasLimit,
		chain.ToAddress(chk.payer),
		chain.ToAddress(chk.payTo),
		chk.value,
		chk.validAfter,
		chk.validBefore,
		chk.nonce,
		v,
		r,
		s,
	)
	if err != nil {
		return "", NewError(ReasonTxReverted, "%s", chain.ParseRevertReason(err))
	}
	return txHash, nil
}

// classify maps arbitrary execution errors onto the taxonomy.
func (e *Executor) classify(err error) *Error {
	var serr *Error
	if errors.As(err, &serr) {
		return serr
	}
	switch {
	case errors.Is(err, pool.ErrDuplicatePayer):
		return NewError(ReasonDuplicatePayer, "payer already has a settlement in flight")
	case errors.Is(err, pool.ErrQueueOverload):
		return NewError(ReasonQueueOverload, "signer queues are full")
	case errors.Is(err, pool.ErrShuttingDown):
		return NewError(ReasonShuttingDown, "facilitator is shutting down")
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		// Raw context errors only reach here from the caller's side; the
		// receipt wait wraps its own timeout in a taxonomy error.
		return NewError(ReasonRequestCancelled, "caller abandoned the request: %v", err)
	default:
		return NewError(ReasonRPCUnavailable, "%v", err)
	}
}

func (e *Executor) failure(network, payer, reason string) SettleResponse {
	return SettleResponse{
		Success:     false,
		Network:     network,
		Payer:       payer,
		ErrorReason: reason,
	}
}
