package facilitator

import (
	"context"
	"encoding/json"
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestDispatcher(t *testing.T, env *testEnv, policy VersionPolicy) *Dispatcher {
	t.Helper()
	exec := newTestExecutor(t, env)
	return NewDispatcher(env.registry, env.verifier, exec, policy, zap.NewNop())
}

func encodeRequest(t *testing.T, version int, payload *PaymentPayload, reqs *PaymentRequirements) []byte {
	t.Helper()
	envelope := map[string]interface{}{
		"paymentPayload": payload,
	}
	if version != 0 {
		envelope["x402Version"] = version
	}
	if reqs != nil {
		envelope["paymentRequirements"] = reqs
	}
	body, err := json.Marshal(envelope)
	require.NoError(t, err)
	return body
}

func TestDispatchVerifyV1(t *testing.T) {
	env := newTestEnv(t)
	d := newTestDispatcher(t, env, VersionPolicy{})
	payload, reqs := signedRouterPayment(t, env.registry, newKey(t), defaultOpts("base-sepolia"))

	resp, verr := d.Verify(context.Background(), encodeRequest(t, 1, payload, reqs))
	require.Nil(t, verr)
	assert.True(t, resp.IsValid, "reason: %s", resp.InvalidReason)
	assert.Equal(t, 1, resp.X402Version)
	assert.Nil(t, resp.Accepts)
}

func TestDispatchVerifyEchoesAcceptsOnPaymentRejection(t *testing.T) {
	env := newTestEnv(t)
	d := newTestDispatcher(t, env, VersionPolicy{})
	opts := defaultOpts("base-sepolia")
	opts.fee = 100_000 // below gas cost
	payload, reqs := signedRouterPayment(t, env.registry, newKey(t), opts)

	resp, verr := d.Verify(context.Background(), encodeRequest(t, 1, payload, reqs))
	require.Nil(t, verr)
	assert.False(t, resp.IsValid)
	assert.Equal(t, ReasonFeeTooLow, resp.InvalidReason)
	require.Len(t, resp.Accepts, 1)
	assert.Equal(t, reqs.PayTo, resp.Accepts[0].PayTo)
	assert.Equal(t, reqs.Extra["facilitatorFee"], resp.Accepts[0].Extra["facilitatorFee"])
}

func TestDispatchSettleEchoesAcceptsOnPaymentRejection(t *testing.T) {
	env := newTestEnv(t)
	d := newTestDispatcher(t, env, VersionPolicy{})
	opts := defaultOpts("base-sepolia")
	opts.fee = 100_000
	payload, reqs := signedRouterPayment(t, env.registry, newKey(t), opts)

	resp, serr := d.Settle(context.Background(), encodeRequest(t, 1, payload, reqs))
	require.NotNil(t, serr)
	assert.Equal(t, ReasonFeeTooLow, serr.Code)
	require.Len(t, resp.Accepts, 1)
	assert.Equal(t, reqs.Asset, resp.Accepts[0].Asset)
}

func TestDispatchVersionDefaultsToV1(t *testing.T) {
	env := newTestEnv(t)
	d := newTestDispatcher(t, env, VersionPolicy{})
	payload, reqs := signedRouterPayment(t, env.registry, newKey(t), defaultOpts("base-sepolia"))
	payload.X402Version = 0

	resp, verr := d.Verify(context.Background(), encodeRequest(t, 0, payload, reqs))
	require.Nil(t, verr)
	assert.True(t, resp.IsValid, "reason: %s", resp.InvalidReason)
	assert.Equal(t, 1, resp.X402Version)
}

func TestDispatchUnknownVersion(t *testing.T) {
	env := newTestEnv(t)
	d := newTestDispatcher(t, env, VersionPolicy{})
	payload, reqs := signedRouterPayment(t, env.registry, newKey(t), defaultOpts("base-sepolia"))

	resp, verr := d.Verify(context.Background(), encodeRequest(t, 3, payload, reqs))
	require.NotNil(t, verr)
	assert.Equal(t, ReasonUnsupportedVersion, verr.Code)
	assert.Equal(t, 3, resp.X402Version)
}

func TestDispatchV2Disabled(t *testing.T) {
	env := newTestEnv(t)
	d := newTestDispatcher(t, env, VersionPolicy{EnableV2: false})
	payload, reqs := signedRouterPayment(t, env.registry, newKey(t), defaultOpts("base-sepolia"))

	_, verr := d.Verify(context.Background(), encodeRequest(t, 2, payload, reqs))
	require.NotNil(t, verr)
	assert.Equal(t, ReasonUnsupportedVersion, verr.Code)
}

func TestDispatchV1Deprecated(t *testing.T) {
	env := newTestEnv(t)
	d := newTestDispatcher(t, env, VersionPolicy{EnableV2: true, DeprecateV1: true})
	payload, reqs := signedRouterPayment(t, env.registry, newKey(t), defaultOpts("base-sepolia"))

	_, verr := d.Verify(context.Background(), encodeRequest(t, 1, payload, reqs))
	require.NotNil(t, verr)
	assert.Equal(t, ReasonUnsupportedVersion, verr.Code)
}

func TestDispatchV2EmbeddedRequirements(t *testing.T) {
	env := newTestEnv(t)
	d := newTestDispatcher(t, env, VersionPolicy{EnableV2: true})
	payload, reqs := signedRouterPayment(t, env.registry, newKey(t), defaultOpts("eip155:84532"))
	payload.X402Version = VersionV2
	payload.PaymentRequirements = reqs

	// No top-level requirements: the embedded copy carries them.
	resp, verr := d.Verify(context.Background(), encodeRequest(t, 2, payload, nil))
	require.Nil(t, verr)
	assert.True(t, resp.IsValid, "reason: %s", resp.InvalidReason)
	assert.Equal(t, 2, resp.X402Version)
}

func TestDispatchV2RequiresRouterMode(t *testing.T) {
	env := newTestEnv(t)
	d := newTestDispatcher(t, env, VersionPolicy{EnableV2: true})
	payload, reqs := signedStandardPayment(t, env.registry, newKey(t), defaultOpts("eip155:84532"))

	_, verr := d.Verify(context.Background(), encodeRequest(t, 2, payload, reqs))
	require.NotNil(t, verr)
	assert.Equal(t, ReasonStandardModeNotAllowed, verr.Code)
}

func TestDispatchMissingRequirements(t *testing.T) {
	env := newTestEnv(t)
	d := newTestDispatcher(t, env, VersionPolicy{})
	payload, _ := signedRouterPayment(t, env.registry, newKey(t), defaultOpts("base-sepolia"))

	_, verr := d.Verify(context.Background(), encodeRequest(t, 1, payload, nil))
	require.NotNil(t, verr)
	assert.Equal(t, ReasonSchemaInvalid, verr.Code)
}

func TestDispatchSettle(t *testing.T) {
	env := newTestEnv(t)
	d := newTestDispatcher(t, env, VersionPolicy{})
	payload, reqs := signedRouterPayment(t, env.registry, newKey(t), defaultOpts("base-sepolia"))

	resp, serr := d.Settle(context.Background(), encodeRequest(t, 1, payload, reqs))
	require.Nil(t, serr)
	assert.True(t, resp.Success)
	assert.Equal(t, 1, resp.X402Version)
}

func TestDispatchSupported(t *testing.T) {
	env := newTestEnv(t)

	v1only := newTestDispatcher(t, env, VersionPolicy{})
	kinds := v1only.Supported().Kinds
	require.Len(t, kinds, 4)
	assert.Equal(t, SupportedKind{X402Version: 1, Scheme: SchemeExact, Network: "base"}, kinds[0])

	both := newTestDispatcher(t, env, VersionPolicy{EnableV2: true})
	kinds = both.Supported().Kinds
	require.Len(t, kinds, 8)
	assert.Contains(t, kinds, SupportedKind{X402Version: 2, Scheme: SchemeExact, Network: "eip155:84532"})

	v2only := newTestDispatcher(t, env, VersionPolicy{EnableV2: true, DeprecateV1: true})
	kinds = v2only.Supported().Kinds
	require.Len(t, kinds, 4)
	for _, kind := range kinds {
		assert.Equal(t, 2, kind.X402Version)
	}
}

func TestDispatchCalculateFee(t *testing.T) {
	env := newTestEnv(t)
	d := newTestDispatcher(t, env, VersionPolicy{})
	net, err := env.registry.Get("base-sepolia")
	require.NoError(t, err)

	// Built-in hook: analytic quote.
	resp, qerr := d.CalculateFee(context.Background(), FeeQuoteRequest{
		Network: "base-sepolia",
		Hook:    net.DefaultHooks[0],
	})
	require.Nil(t, qerr)
	assert.True(t, resp.HookAllowed)
	assert.Equal(t, uint64(198_000), resp.GasLimit)
	assert.Equal(t, "code", resp.StrategyUsed)
	// 198k gas × 1 gwei × 3000 USD / 0.9 margin ≈ 0.66 USDC.
	fee, ok := new(big.Int).SetString(resp.FacilitatorFee, 10)
	require.True(t, ok)
	assert.InDelta(t, 660_000, float64(fee.Int64()), 2)

	// Empty hook defaults to the built-in transfer hook.
	resp, qerr = d.CalculateFee(context.Background(), FeeQuoteRequest{Network: "base-sepolia"})
	require.Nil(t, qerr)
	assert.Equal(t, uint64(198_000), resp.GasLimit)

	// Unknown network.
	_, qerr = d.CalculateFee(context.Background(), FeeQuoteRequest{Network: "solana"})
	require.NotNil(t, qerr)
	assert.Equal(t, ReasonUnsupportedNetwork, qerr.Code)
}
