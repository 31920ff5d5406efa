package facilitator

import (
	"context"
	"math/big"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/x402x/facilitator/internal/chain"
	"github.com/x402x/facilitator/internal/gas"
	"github.com/x402x/facilitator/internal/oracle"
)

// Verifier runs the validation pipeline over a payment payload and its
// requirements. The pipeline is a fixed sequence; the first failure
// short-circuits. Verification never submits a transaction.
type Verifier struct {
	registry  *chain.Registry
	readers   map[string]chain.Signer // caip2 → read-side signer
	estimator *gas.Estimator
	feePolicy *gas.FeePolicy
	prices    *oracle.PriceOracle
	gasPrices *oracle.GasPriceOracle

	// allowedRouters maps caip2 → lowercased router addresses.
	allowedRouters map[string]map[string]bool

	log *zap.Logger
	now func() time.Time
}

// NewVerifier wires the verification pipeline.
func NewVerifier(
	registry *chain.Registry,
	readers map[string]chain.Signer,
	estimator *gas.Estimator,
	feePolicy *gas.FeePolicy,
	prices *oracle.PriceOracle,
	gasPrices *oracle.GasPriceOracle,
	allowedRouters map[string]map[string]bool,
	log *zap.Logger,
) *Verifier {
	return &Verifier{
		registry:       registry,
		readers:        readers,
		estimator:      estimator,
		feePolicy:      feePolicy,
		prices:         prices,
		gasPrices:      gasPrices,
		allowedRouters: allowedRouters,
		log:            log,
		now:            time.Now,
	}
}

// checked is the fully parsed and validated view of a payment, produced by
// the pipeline and consumed by the settlement executor.
type checked struct {
	net        *chain.NetworkConfig
	routerMode bool
	extra      *RouterExtra
	asset      chain.AssetInfo

	payer       string
	payTo       string
	value       *big.Int
	validAfter  *big.Int
	validBefore *big.Int
	fee         *big.Int
	nonce       [32]byte
	salt        [32]byte
	signature   []byte
	hookData    []byte

	gasEstimate gas.Result
	gasPrice    *big.Int
	nativeUSD   float64
}

// Verify runs the full pipeline and reports the verdict. The recovered
// payer is included even on failure when it could be derived.
func (v *Verifier) Verify(ctx context.Context, payload *PaymentPayload, reqs *PaymentRequirements) VerifyResponse {
	chk, verr := v.check(ctx, payload, reqs)
	if verr != nil {
		resp := VerifyResponse{IsValid: false, InvalidReason: verr.Code}
		if chk != nil {
			resp.Payer = chk.payer
		}
		return resp
	}
	return VerifyResponse{IsValid: true, Payer: chk.payer}
}

// check is the shared pipeline behind Verify and Settle.
func (v *Verifier) check(ctx context.Context, payload *PaymentPayload, reqs *PaymentRequirements) (*checked, *Error) {
	chk := &checked{}

	// 1. Schema.
	if reqs.Scheme != SchemeExact || (payload.Scheme != "" && payload.Scheme != SchemeExact) {
		return chk, NewError(ReasonSchemaInvalid, "unsupported scheme %q", reqs.Scheme)
	}
	auth := payload.Payload.Authorization
	if !chain.IsHexAddress(auth.From) || !chain.IsHexAddress(auth.To) || !chain.IsHexAddress(reqs.PayTo) || !chain.IsHexAddress(reqs.Asset) {
		return chk, NewError(ReasonSchemaInvalid, "malformed address")
	}
	chk.payer = auth.From

	var ok bool
	chk.value, ok = new(big.Int).SetString(auth.Value, 10)
	if !ok || chk.value.Sign() < 0 {
		return chk, NewError(ReasonSchemaInvalid, "invalid authorization value %q", auth.Value)
	}
	chk.validAfter, ok = new(big.Int).SetString(auth.ValidAfter, 10)
	if !ok {
		return chk, NewError(ReasonSchemaInvalid, "invalid validAfter %q", auth.ValidAfter)
	}
	chk.validBefore, ok = new(big.Int).SetString(auth.ValidBefore, 10)
	if !ok {
		return chk, NewError(ReasonSchemaInvalid, "invalid validBefore %q", auth.ValidBefore)
	}
	var err error
	chk.nonce, err = chain.HexToBytes32(auth.Nonce)
	if err != nil {
		return chk, NewError(ReasonSchemaInvalid, "invalid nonce: %v", err)
	}
	chk.signature, err = chain.HexToBytes(payload.Payload.Signature)
	if err != nil || len(chk.signature) != 65 {
		return chk, NewError(ReasonSchemaInvalid, "invalid signature encoding")
	}
	if required, ok := new(big.Int).SetString(reqs.MaxAmountRequired, 10); ok {
		if chk.value.Cmp(required) > 0 {
			return chk, NewError(ReasonSchemaInvalid, "authorization value exceeds maxAmountRequired")
		}
	}

	// 2. Network policy.
	chk.net, err = v.registry.Get(reqs.Network)
	if err != nil {
		return chk, NewError(ReasonUnsupportedNetwork, "unknown network %q", reqs.Network)
	}
	if payload.Network != "" {
		payloadNet, err := v.registry.Canonicalize(payload.Network)
		if err != nil || payloadNet != chk.net.CAIP2 {
			return chk, NewError(ReasonSchemaInvalid, "payload network does not match requirements")
		}
	}

	// 3. Mode detection.
	extra, routerMode, extraErr := reqs.RouterExtra()
	if extraErr != nil {
		return chk, NewError(ReasonSchemaInvalid, "invalid router extra: %v", extraErr)
	}
	chk.routerMode = routerMode
	chk.extra = extra
	if v.registry.IsMainnet(reqs.Network) && !routerMode {
		return chk, NewError(ReasonStandardModeNotAllowed, "standard mode is not allowed on mainnet")
	}

	chk.asset = v.assetInfo(chk.net, reqs, extra)

	if routerMode {
		if verr := v.checkRouterMode(chk, payload, reqs); verr != nil {
			return chk, verr
		}
	} else {
		// Standard mode: funds go straight to payTo.
		if !strings.EqualFold(auth.To, reqs.PayTo) {
			return chk, NewError(ReasonSchemaInvalid, "authorization recipient does not match payTo")
		}
		chk.payTo = reqs.PayTo
		chk.fee = big.NewInt(0)
	}

	// 7. Signature.
	valid, recovered, err := chain.VerifyTransferWithAuthorization(
		auth.From, auth.To, chk.value, chk.validAfter, chk.validBefore, chk.nonce,
		chk.signature, chk.net.ChainID, chk.asset.Address, chk.asset.Name, chk.asset.Version,
	)
	if err != nil {
		return chk, NewError(ReasonBadSignature, "signature recovery failed: %v", err)
	}
	if !valid {
		if v.log != nil {
			v.log.Debug("signature mismatch",
				zap.String("expected", auth.From),
				zap.String("recovered", recovered.Hex()))
		}
		return chk, NewError(ReasonBadSignature, "signature does not match payer")
	}
	if payload.Payer != "" && !strings.EqualFold(payload.Payer, auth.From) {
		return chk, NewError(ReasonBadSignature, "payload payer does not match authorization")
	}

	// 8. Validity window.
	now := big.NewInt(v.now().Unix())
	if now.Cmp(chk.validAfter) < 0 {
		return chk, NewError(ReasonNotYetValid, "authorization not yet valid")
	}
	if now.Cmp(chk.validBefore) > 0 {
		return chk, NewError(ReasonExpiredAuthorization, "authorization expired")
	}

	reader := v.readers[chk.net.CAIP2]
	if reader == nil {
		return chk, NewError(ReasonRPCUnavailable, "no signer for network %s", chk.net.CAIP2)
	}

	// 9. Replay.
	if verr := v.checkReplay(ctx, chk, reader); verr != nil {
		return chk, verr
	}

	// 10. Balance.
	balance, err := reader.GetBalance(ctx, auth.From, chk.asset.Address)
	if err != nil {
		return chk, NewError(ReasonRPCUnavailable, "balance check failed: %v", err)
	}
	if balance.Cmp(chk.value) < 0 {
		return chk, NewError(ReasonInsufficientBalance, "payer balance below authorization value")
	}

	// 11. Fee profitability (router mode only).
	if routerMode {
		if verr := v.checkFee(ctx, chk, reader); verr != nil {
			return chk, verr
		}
	}

	return chk, nil
}

// checkRouterMode covers pipeline steps 4–6: router allow-list, hook
// allow-list, and the commitment binding.
func (v *Verifier) checkRouterMode(chk *checked, payload *PaymentPayload, reqs *PaymentRequirements) *Error {
	extra := chk.extra
	auth := payload.Payload.Authorization

	// 4. Router allow-list.
	allowed := v.allowedRouters[chk.net.CAIP2]
	if allowed == nil || !allowed[strings.ToLower(extra.SettlementRouter)] {
		return NewError(ReasonRouterNotAllowed, "settlement router %s is not allowed", extra.SettlementRouter)
	}
	if !strings.EqualFold(auth.To, extra.SettlementRouter) {
		return NewError(ReasonSchemaInvalid, "authorization recipient must be the settlement router")
	}

	// 5. Hook allow-list.
	if !v.feePolicy.HookAllowed(chk.net.CAIP2, extra.Hook) {
		return NewError(ReasonHookNotAllowed, "hook %s is not allowed", extra.Hook)
	}

	var ok bool
	chk.fee, ok = new(big.Int).SetString(extra.FacilitatorFee, 10)
	if !ok || chk.fee.Sign() < 0 {
		return NewError(ReasonSchemaInvalid, "invalid facilitatorFee %q", extra.FacilitatorFee)
	}
	var err error
	chk.salt, err = chain.HexToBytes32(extra.Salt)
	if err != nil {
		return NewError(ReasonSchemaInvalid, "invalid salt: %v", err)
	}
	chk.hookData, err = chain.HexToBytes(extra.HookData)
	if err != nil {
		return NewError(ReasonSchemaInvalid, "invalid hookData: %v", err)
	}

	// 6. Commitment binding: the authorization nonce must commit to every
	// settlement parameter.
	params := &chain.SettlementParams{
		ChainID:        chk.net.ChainID,
		Router:         extra.SettlementRouter,
		Token:          chk.asset.Address,
		From:           auth.From,
		Value:          chk.value,
		ValidAfter:     chk.validAfter,
		ValidBefore:    chk.validBefore,
		Salt:           extra.Salt,
		PayTo:          extra.PayTo,
		FacilitatorFee: chk.fee,
		Hook:           extra.Hook,
		HookData:       extra.HookData,
	}
	commitment, err := chain.Commitment(params)
	if err != nil {
		return NewError(ReasonSchemaInvalid, "cannot compute commitment: %v", err)
	}
	if commitment != chk.nonce {
		return NewError(ReasonCommitmentMismatch, "authorization nonce does not match parameter commitment")
	}
	return nil
}

// checkReplay asks the chain whether this payment already settled.
func (v *Verifier) checkReplay(ctx context.Context, chk *checked, reader chain.Signer) *Error {
	if chk.routerMode {
		result, err := reader.ReadContract(ctx, chk.extra.SettlementRouter,
			chain.SettlementRouterABI, chain.FunctionIsSettled, chk.salt)
		if err != nil {
			return NewError(ReasonRPCUnavailable, "isSettled check failed: %v", err)
		}
		if settled, ok := result.(bool); ok && settled {
			return NewError(ReasonAlreadySettled, "salt already settled")
		}
		return nil
	}

	result, err := reader.ReadContract(ctx, chk.asset.Address,
		chain.AuthorizationStateABI, chain.FunctionAuthorizationState,
		chain.ToAddress(chk.payer), chk.nonce)
	if err != nil {
		return NewError(ReasonRPCUnavailable, "authorizationState check failed: %v", err)
	}
	if used, ok := result.(bool); ok && used {
		return NewError(ReasonAlreadySettled, "authorization nonce already used")
	}
	return nil
}

// checkFee runs pipeline step 11: the facilitator fee must cover the gas
// estimate under the current oracles.
func (v *Verifier) checkFee(ctx context.Context, chk *checked, reader chain.Signer) *Error {
	gasPrice, err := v.gasPrices.GasPrice(ctx, chk.net.CAIP2)
	if err != nil {
		return NewError(ReasonRPCUnavailable, "gas price unavailable: %v", err)
	}
	nativeUSD, _ := v.prices.NativePriceUSD(ctx, chk.net.CAIP2)

	estimate := v.estimator.Estimate(ctx, gas.SettlementGasParams{
		Network:        chk.net.CAIP2,
		Router:         chk.extra.SettlementRouter,
		Token:          chk.asset.Address,
		From:           chk.payer,
		Value:          chk.value,
		ValidAfter:     chk.validAfter,
		ValidBefore:    chk.validBefore,
		Nonce:          chk.nonce,
		Signature:      chk.signature,
		Salt:           chk.salt,
		PayTo:          chk.extra.PayTo,
		FacilitatorFee: chk.fee,
		Hook:           chk.extra.Hook,
		HookData:       chk.hookData,
		Signer:         reader,
	})
	if !estimate.IsValid {
		return NewError(ReasonGasEstimationFailed, "%s", estimate.ErrorReason)
	}
	chk.gasEstimate = estimate
	chk.gasPrice = gasPrice
	chk.nativeUSD = nativeUSD

	if !v.feePolicy.ValidateFee(chk.fee, chk.asset.Decimals, estimate.GasLimit, gasPrice, nativeUSD) {
		return NewError(ReasonFeeTooLow, "facilitatorFee does not cover estimated gas")
	}
	return nil
}

// assetInfo resolves the EIP-712 domain for the payment token. The
// registry's default asset supplies name/version/decimals; router extra
// may override the domain name and version for non-default tokens.
func (v *Verifier) assetInfo(net *chain.NetworkConfig, reqs *PaymentRequirements, extra *RouterExtra) chain.AssetInfo {
	info := net.DefaultAsset
	info.Address = reqs.Asset
	if extra != nil {
		if extra.Name != "" {
			info.Name = extra.Name
		}
		if extra.Version != "" {
			info.Version = extra.Version
		}
	}
	if name, ok := reqs.Extra["name"].(string); ok && name != "" && extra == nil {
		info.Name = name
	}
	if version, ok := reqs.Extra["version"].(string); ok && version != "" && extra == nil {
		info.Version = version
	}
	return info
}
