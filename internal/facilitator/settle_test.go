package facilitator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/x402x/facilitator/internal/chain"
	"github.com/x402x/facilitator/internal/pool"
)

func newTestExecutor(t *testing.T, env *testEnv) *Executor {
	t.Helper()
	pools := make(map[string]*pool.Pool)
	for _, caip2 := range env.registry.ListSupported() {
		p := pool.New(caip2, []chain.Signer{env.signer}, pool.Options{}, zap.NewNop())
		t.Cleanup(func() { p.Shutdown(time.Second) })
		pools[caip2] = p
	}
	cache := NewSettlementCache(time.Minute)
	return NewExecutor(env.verifier, pools, cache, time.Second, zap.NewNop())
}

func TestSettleRouterPayment(t *testing.T) {
	env := newTestEnv(t)
	exec := newTestExecutor(t, env)
	payload, reqs := signedRouterPayment(t, env.registry, newKey(t), defaultOpts("base-sepolia"))

	resp, serr := exec.Settle(context.Background(), payload, reqs)
	require.Nil(t, serr)
	assert.True(t, resp.Success)
	assert.Equal(t, env.signer.txHash, resp.Transaction)
	assert.Equal(t, "eip155:84532", resp.Network)
	assert.Equal(t, payload.Payload.Authorization.From, resp.Payer)
	assert.Equal(t, []string{chain.FunctionSettleAndExecute}, env.signer.writeMethods)
}

func TestSettleStandardPayment(t *testing.T) {
	env := newTestEnv(t)
	exec := newTestExecutor(t, env)
	payload, reqs := signedStandardPayment(t, env.registry, newKey(t), defaultOpts("base-sepolia"))

	resp, serr := exec.Settle(context.Background(), payload, reqs)
	require.Nil(t, serr)
	assert.True(t, resp.Success)
	assert.Equal(t, []string{chain.FunctionTransferWithAuthorization}, env.signer.writeMethods)
}

func TestSettleRepeatedPayloadIsCached(t *testing.T) {
	env := newTestEnv(t)
	exec := newTestExecutor(t, env)
	payload, reqs := signedRouterPayment(t, env.registry, newKey(t), defaultOpts("base-sepolia"))

	first, serr := exec.Settle(context.Background(), payload, reqs)
	require.Nil(t, serr)
	require.True(t, first.Success)

	// The retry must replay the cached response without touching the
	// chain again.
	second, serr := exec.Settle(context.Background(), payload, reqs)
	require.Nil(t, serr)
	assert.Equal(t, first, second)
	assert.Len(t, env.signer.writeMethods, 1)
}

func TestSettleRevertedTransaction(t *testing.T) {
	env := newTestEnv(t)
	env.signer.receipt = &chain.Receipt{Status: chain.TxStatusFailed}
	exec := newTestExecutor(t, env)
	payload, reqs := signedRouterPayment(t, env.registry, newKey(t), defaultOpts("base-sepolia"))

	resp, serr := exec.Settle(context.Background(), payload, reqs)
	require.NotNil(t, serr)
	assert.Equal(t, ReasonTxReverted, serr.Code)
	assert.False(t, resp.Success)
	assert.Equal(t, ReasonTxReverted, resp.ErrorReason)
}

func TestSettleReceiptTimeout(t *testing.T) {
	env := newTestEnv(t)
	env.signer.receiptErr = context.DeadlineExceeded
	exec := newTestExecutor(t, env)
	payload, reqs := signedRouterPayment(t, env.registry, newKey(t), defaultOpts("base-sepolia"))

	resp, serr := exec.Settle(context.Background(), payload, reqs)
	require.NotNil(t, serr)
	assert.Equal(t, ReasonReceiptTimeout, serr.Code)
	assert.False(t, resp.Success)
}

func TestSettleCancelledCallerIsClientAbort(t *testing.T) {
	env := newTestEnv(t)
	exec := newTestExecutor(t, env)
	payload, reqs := signedRouterPayment(t, env.registry, newKey(t), defaultOpts("base-sepolia"))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	resp, serr := exec.Settle(ctx, payload, reqs)
	require.NotNil(t, serr)
	assert.Equal(t, ReasonRequestCancelled, serr.Code)
	assert.False(t, resp.Success)
	assert.Empty(t, env.signer.writeMethods, "a cancelled request must never reach the chain")
}

func TestSettleFailedVerificationNeverSubmits(t *testing.T) {
	env := newTestEnv(t)
	exec := newTestExecutor(t, env)
	opts := defaultOpts("base-sepolia")
	opts.fee = 100_000 // below gas cost
	payload, reqs := signedRouterPayment(t, env.registry, newKey(t), opts)

	resp, serr := exec.Settle(context.Background(), payload, reqs)
	require.NotNil(t, serr)
	assert.Equal(t, ReasonFeeTooLow, serr.Code)
	assert.False(t, resp.Success)
	assert.Empty(t, env.signer.writeMethods)
}

func TestSettleFailureIsRetryable(t *testing.T) {
	env := newTestEnv(t)
	env.signer.receipt = &chain.Receipt{Status: chain.TxStatusFailed}
	exec := newTestExecutor(t, env)
	payload, reqs := signedRouterPayment(t, env.registry, newKey(t), defaultOpts("base-sepolia"))

	_, serr := exec.Settle(context.Background(), payload, reqs)
	require.NotNil(t, serr)

	// Failures are not cached; a retry reaches the chain again.
	env.signer.receipt = &chain.Receipt{Status: chain.TxStatusSuccess}
	resp, serr := exec.Settle(context.Background(), payload, reqs)
	require.Nil(t, serr)
	assert.True(t, resp.Success)
	assert.Len(t, env.signer.writeMethods, 2)
}
