package facilitator

import (
	"context"
	"crypto/ecdsa"
	"encoding/hex"
	"errors"
	"math/big"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/x402x/facilitator/internal/chain"
	"github.com/x402x/facilitator/internal/gas"
	"github.com/x402x/facilitator/internal/oracle"
)

// Fixed clock for validity-window tests.
var testNow = time.Unix(1_800_000_000, 0)

const (
	recipientAddr = "0x2222222222222222222222222222222222222222"
	oneGwei       = 1_000_000_000
)

// mockSigner is a programmable chain.Signer covering everything the
// verifier and executor touch.
type mockSigner struct {
	balance     *big.Int
	settled     bool
	authUsed    bool
	readErr     error
	estimate    uint64
	estimateErr error
	txHash      string
	writeErr    error
	receipt     *chain.Receipt
	receiptErr  error

	writeMethods []string
}

func newMockSigner() *mockSigner {
	return &mockSigner{
		balance:  big.NewInt(10_000_000),
		estimate: 150_000,
		txHash:   "0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa",
		receipt:  &chain.Receipt{Status: chain.TxStatusSuccess, BlockNumber: 1},
	}
}

func (m *mockSigner) Address() string   { return "0xF4c111714cB13aE5A752c1261Fd992cCbFc70001" }
func (m *mockSigner) ChainID() *big.Int { return big.NewInt(84532) }

func (m *mockSigner) ReadContract(_ context.Context, _ string, _ []byte, method string, _ ...interface{}) (interface{}, error) {
	if m.readErr != nil {
		return nil, m.readErr
	}
	switch method {
	case chain.FunctionIsSettled:
		return m.settled, nil
	case chain.FunctionAuthorizationState:
		return m.authUsed, nil
	}
	return nil, errors.New("unexpected read: " + method)
}

func (m *mockSigner) WriteContract(_ context.Context, _ string, _ []byte, method string, _ uint64, _ ...interface{}) (string, error) {
	m.writeMethods = append(m.writeMethods, method)
	if m.writeErr != nil {
		return "", m.writeErr
	}
	return m.txHash, nil
}

func (m *mockSigner) EstimateGas(context.Context, string, []byte) (uint64, error) {
	if m.estimateErr != nil {
		return 0, m.estimateErr
	}
	return m.estimate, nil
}

func (m *mockSigner) SuggestGasPrice(context.Context) (*big.Int, error) {
	return big.NewInt(oneGwei), nil
}

func (m *mockSigner) WaitForReceipt(context.Context, string) (*chain.Receipt, error) {
	if m.receiptErr != nil {
		return nil, m.receiptErr
	}
	return m.receipt, nil
}

func (m *mockSigner) GetBalance(context.Context, string, string) (*big.Int, error) {
	return m.balance, nil
}

// testEnv bundles a verifier wired against mock chain access.
type testEnv struct {
	registry *chain.Registry
	signer   *mockSigner
	verifier *Verifier
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	registry := chain.NewRegistry(nil)
	signer := newMockSigner()

	gasCfg := gas.DefaultConfig()
	readers := make(map[string]chain.Signer)
	allowedRouters := make(map[string]map[string]bool)
	fallbacks := make(map[string]float64)
	staticGas := make(map[string]*big.Int)
	for _, caip2 := range registry.ListSupported() {
		net, err := registry.Get(caip2)
		require.NoError(t, err)
		readers[caip2] = signer
		allowedRouters[caip2] = map[string]bool{strings.ToLower(net.DefaultRouter): true}
		fallbacks[caip2] = 3000
		staticGas[caip2] = big.NewInt(oneGwei)
		gasCfg.BuiltinHooks[caip2] = map[string]string{
			strings.ToLower(net.DefaultHooks[0]): gas.HookTypeTransfer,
		}
	}

	estimator := gas.NewEstimator(gas.StrategySmart, gasCfg)
	feePolicy := gas.NewFeePolicy(gasCfg)
	prices := oracle.NewPriceOracle(oracle.PriceOracleConfig{Fallbacks: fallbacks}, zap.NewNop())
	gasPrices := oracle.NewGasPriceOracle(oracle.GasPriceOracleConfig{
		Strategy:     oracle.GasPriceStatic,
		StaticPrices: staticGas,
	}, zap.NewNop())

	verifier := NewVerifier(registry, readers, estimator, feePolicy, prices, gasPrices, allowedRouters, zap.NewNop())
	verifier.now = func() time.Time { return testNow }

	return &testEnv{registry: registry, signer: signer, verifier: verifier}
}

// paymentOpts parameterizes the signed test payments.
type paymentOpts struct {
	network     string
	value       int64
	fee         int64
	validAfter  int64
	validBefore int64
	router      string // defaults to the network's router
	hook        string // defaults to the built-in transfer hook
	payTo       string
}

func defaultOpts(network string) paymentOpts {
	return paymentOpts{
		network:     network,
		value:       1_000_000,
		fee:         600_000,
		validAfter:  0,
		validBefore: testNow.Add(time.Hour).Unix(),
		payTo:       recipientAddr,
	}
}

// signedRouterPayment builds a fully signed router-mode payment whose
// authorization nonce is the parameter commitment.
func signedRouterPayment(t *testing.T, registry *chain.Registry, key *ecdsa.PrivateKey, opts paymentOpts) (*PaymentPayload, *PaymentRequirements) {
	t.Helper()
	net, err := registry.Get(opts.network)
	require.NoError(t, err)

	payer := crypto.PubkeyToAddress(key.PublicKey)
	router := opts.router
	if router == "" {
		router = net.DefaultRouter
	}
	hook := opts.hook
	if hook == "" {
		hook = net.DefaultHooks[0]
	}
	salt, err := chain.GenerateSalt()
	require.NoError(t, err)

	params := &chain.SettlementParams{
		ChainID:        net.ChainID,
		Router:         router,
		Token:          net.DefaultAsset.Address,
		From:           payer.Hex(),
		Value:          big.NewInt(opts.value),
		ValidAfter:     big.NewInt(opts.validAfter),
		ValidBefore:    big.NewInt(opts.validBefore),
		Salt:           salt,
		PayTo:          opts.payTo,
		FacilitatorFee: big.NewInt(opts.fee),
		Hook:           hook,
		HookData:       "0x",
	}
	commitment, err := chain.Commitment(params)
	require.NoError(t, err)
	nonce := "0x" + hex.EncodeToString(commitment[:])

	sig := signAuth(t, key, net, payer.Hex(), router, opts.value, opts.validAfter, opts.validBefore, commitment)

	payload := &PaymentPayload{
		X402Version: VersionV1,
		Scheme:      SchemeExact,
		Network:     opts.network,
		Payload: ExactPayload{
			Signature: sig,
			Authorization: Authorization{
				From:        payer.Hex(),
				To:          router,
				Value:       big.NewInt(opts.value).String(),
				ValidAfter:  big.NewInt(opts.validAfter).String(),
				ValidBefore: big.NewInt(opts.validBefore).String(),
				Nonce:       nonce,
			},
		},
	}
	reqs := &PaymentRequirements{
		Scheme:            SchemeExact,
		Network:           opts.network,
		Asset:             net.DefaultAsset.Address,
		MaxAmountRequired: big.NewInt(opts.value).String(),
		PayTo:             opts.payTo,
		Extra: map[string]interface{}{
			"settlementRouter": router,
			"salt":             salt,
			"payTo":            opts.payTo,
			"facilitatorFee":   big.NewInt(opts.fee).String(),
			"hook":             hook,
			"hookData":         "0x",
		},
	}
	return payload, reqs
}

// signedStandardPayment builds a signed direct transferWithAuthorization
// payment with a random nonce.
func signedStandardPayment(t *testing.T, registry *chain.Registry, key *ecdsa.PrivateKey, opts paymentOpts) (*PaymentPayload, *PaymentRequirements) {
	t.Helper()
	net, err := registry.Get(opts.network)
	require.NoError(t, err)

	payer := crypto.PubkeyToAddress(key.PublicKey)
	saltHex, err := chain.GenerateSalt()
	require.NoError(t, err)
	nonce, err := chain.HexToBytes32(saltHex)
	require.NoError(t, err)

	sig := signAuth(t, key, net, payer.Hex(), opts.payTo, opts.value, opts.validAfter, opts.validBefore, nonce)

	payload := &PaymentPayload{
		X402Version: VersionV1,
		Scheme:      SchemeExact,
		Network:     opts.network,
		Payload: ExactPayload{
			Signature: sig,
			Authorization: Authorization{
				From:        payer.Hex(),
				To:          opts.payTo,
				Value:       big.NewInt(opts.value).String(),
				ValidAfter:  big.NewInt(opts.validAfter).String(),
				ValidBefore: big.NewInt(opts.validBefore).String(),
				Nonce:       saltHex,
			},
		},
	}
	reqs := &PaymentRequirements{
		Scheme:            SchemeExact,
		Network:           opts.network,
		Asset:             net.DefaultAsset.Address,
		MaxAmountRequired: big.NewInt(opts.value).String(),
		PayTo:             opts.payTo,
	}
	return payload, reqs
}

func signAuth(
	t *testing.T,
	key *ecdsa.PrivateKey,
	net *chain.NetworkConfig,
	from, to string,
	value, validAfter, validBefore int64,
	nonce [32]byte,
) string {
	t.Helper()
	domain := chain.TypedDataDomain{
		Name:              net.DefaultAsset.Name,
		Version:           net.DefaultAsset.Version,
		ChainID:           net.ChainID,
		VerifyingContract: net.DefaultAsset.Address,
	}
	message := map[string]interface{}{
		"from":        from,
		"to":          to,
		"value":       big.NewInt(value),
		"validAfter":  big.NewInt(validAfter),
		"validBefore": big.NewInt(validBefore),
		"nonce":       nonce[:],
	}
	digest, err := chain.HashTypedData(domain, chain.TransferWithAuthorizationTypes, "TransferWithAuthorization", message)
	require.NoError(t, err)

	sig, err := crypto.Sign(digest, key)
	require.NoError(t, err)
	sig[64] += 27
	return "0x" + hex.EncodeToString(sig)
}

func newKey(t *testing.T) *ecdsa.PrivateKey {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	return key
}
