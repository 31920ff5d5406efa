package facilitator

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"

	"github.com/x402x/facilitator/internal/chain"
)

// Protocol versions this facilitator understands.
const (
	VersionV1 = 1
	VersionV2 = 2
)

// VersionPolicy gates which protocol versions are served. V1 stays on by
// default; v2 is opt-in until the client ecosystem catches up.
type VersionPolicy struct {
	EnableV2    bool
	DeprecateV1 bool
}

// Dispatcher is the entry point behind the HTTP handlers. It parses raw
// request bodies into version-tagged payloads, applies the version policy,
// and routes to the verifier or settlement executor. All version- and
// mode-specific branching lives here; the pipeline below it is uniform.
type Dispatcher struct {
	registry *chain.Registry
	verifier *Verifier
	executor *Executor
	policy   VersionPolicy
	log      *zap.Logger
}

// NewDispatcher wires the dispatcher over the verification and settlement
// paths.
func NewDispatcher(
	registry *chain.Registry,
	verifier *Verifier,
	executor *Executor,
	policy VersionPolicy,
	log *zap.Logger,
) *Dispatcher {
	return &Dispatcher{
		registry: registry,
		verifier: verifier,
		executor: executor,
		policy:   policy,
		log:      log,
	}
}

// rawRequest is the wire envelope shared by /verify and /settle. Payload
// and requirements stay raw until the version is known.
type rawRequest struct {
	X402Version         int             `json:"x402Version"`
	PaymentPayload      json.RawMessage `json:"paymentPayload"`
	PaymentRequirements json.RawMessage `json:"paymentRequirements"`
}

// parse decodes the envelope, infers the protocol version, applies the
// version policy, and resolves the effective payment requirements.
func (d *Dispatcher) parse(body []byte) (*PaymentPayload, *PaymentRequirements, int, *Error) {
	var req rawRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, nil, VersionV1, NewError(ReasonSchemaInvalid, "malformed request body: %v", err)
	}
	if len(req.PaymentPayload) == 0 {
		return nil, nil, VersionV1, NewError(ReasonSchemaInvalid, "missing paymentPayload")
	}

	var payload PaymentPayload
	if err := json.Unmarshal(req.PaymentPayload, &payload); err != nil {
		return nil, nil, VersionV1, NewError(ReasonSchemaInvalid, "malformed paymentPayload: %v", err)
	}

	// Version inference: the envelope wins, then the payload's own tag,
	// then the v1 default for legacy clients that send neither.
	version := req.X402Version
	if version == 0 {
		version = payload.X402Version
	}
	if version == 0 {
		version = VersionV1
	}

	switch version {
	case VersionV1:
		if d.policy.DeprecateV1 {
			return nil, nil, version, NewError(ReasonUnsupportedVersion, "x402 v1 is no longer accepted")
		}
	case VersionV2:
		if !d.policy.EnableV2 {
			return nil, nil, version, NewError(ReasonUnsupportedVersion, "x402 v2 is not enabled")
		}
	default:
		return nil, nil, version, NewError(ReasonUnsupportedVersion, "unsupported x402 version %d", version)
	}
	payload.X402Version = version

	reqs, verr := d.resolveRequirements(&req, &payload, version)
	if verr != nil {
		return nil, nil, version, verr
	}

	// V2 dropped standard mode entirely; only router payments carry a
	// parameter commitment the facilitator can trust.
	if version == VersionV2 {
		_, routerMode, err := reqs.RouterExtra()
		if err != nil {
			return nil, nil, version, NewError(ReasonSchemaInvalid, "invalid router extra: %v", err)
		}
		if !routerMode {
			return nil, nil, version, NewError(ReasonStandardModeNotAllowed, "x402 v2 requires router settlement")
		}
	}

	return &payload, reqs, version, nil
}

// resolveRequirements picks between the envelope's requirements and the
// v2 embedded copy. When both are present the envelope wins; the embedded
// copy exists so v2 clients can send a self-contained payload.
func (d *Dispatcher) resolveRequirements(req *rawRequest, payload *PaymentPayload, version int) (*PaymentRequirements, *Error) {
	if len(req.PaymentRequirements) > 0 {
		var reqs PaymentRequirements
		if err := json.Unmarshal(req.PaymentRequirements, &reqs); err != nil {
			return nil, NewError(ReasonSchemaInvalid, "malformed paymentRequirements: %v", err)
		}
		return &reqs, nil
	}
	if version == VersionV2 && payload.PaymentRequirements != nil {
		return payload.PaymentRequirements, nil
	}
	return nil, NewError(ReasonSchemaInvalid, "missing paymentRequirements")
}

// Verify parses and verifies a payment. Pipeline verdicts come back in the
// response body; the error return is reserved for requests that never
// reached the pipeline.
func (d *Dispatcher) Verify(ctx context.Context, body []byte) (VerifyResponse, *Error) {
	payload, reqs, version, verr := d.parse(body)
	if verr != nil {
		return VerifyResponse{X402Version: version, IsValid: false, InvalidReason: verr.Code}, verr
	}

	resp := d.verifier.Verify(ctx, payload, reqs)
	resp.X402Version = version
	if !resp.IsValid && CategoryOf(resp.InvalidReason) == CategoryPaymentInvalid {
		resp.Accepts = []*PaymentRequirements{reqs}
	}
	return resp, nil
}

// Settle parses, re-verifies, and submits a payment.
func (d *Dispatcher) Settle(ctx context.Context, body []byte) (SettleResponse, *Error) {
	payload, reqs, version, verr := d.parse(body)
	if verr != nil {
		return SettleResponse{X402Version: version, Success: false, ErrorReason: verr.Code}, verr
	}

	resp, serr := d.executor.Settle(ctx, payload, reqs)
	resp.X402Version = version
	if serr != nil && CategoryOf(serr.Code) == CategoryPaymentInvalid {
		resp.Accepts = []*PaymentRequirements{reqs}
	}
	return resp, serr
}

// Supported enumerates every (version, scheme, network) the facilitator
// serves. V1 kinds use the human alias, v2 kinds the CAIP-2 id, matching
// what each protocol generation puts on the wire.
func (d *Dispatcher) Supported() SupportedResponse {
	var out SupportedResponse
	for _, caip2 := range d.registry.ListSupported() {
		if !d.policy.DeprecateV1 {
			alias, err := d.registry.Alias(caip2)
			if err == nil {
				out.Kinds = append(out.Kinds, SupportedKind{
					X402Version: VersionV1,
					Scheme:      SchemeExact,
					Network:     alias,
				})
			}
		}
		if d.policy.EnableV2 {
			out.Kinds = append(out.Kinds, SupportedKind{
				X402Version: VersionV2,
				Scheme:      SchemeExact,
				Network:     caip2,
			})
		}
	}
	return out
}

// CalculateFee quotes the facilitator fee for a hook invocation before the
// client signs anything. Built-in hooks are priced analytically; custom
// hooks get a conservative quote at the gas ceiling.
func (d *Dispatcher) CalculateFee(ctx context.Context, req FeeQuoteRequest) (FeeQuoteResponse, *Error) {
	net, err := d.registry.Get(req.Network)
	if err != nil {
		return FeeQuoteResponse{}, NewError(ReasonUnsupportedNetwork, "unknown network %q", req.Network)
	}
	if req.Hook != "" && !chain.IsHexAddress(req.Hook) {
		return FeeQuoteResponse{}, NewError(ReasonSchemaInvalid, "malformed hook address %q", req.Hook)
	}
	hook := req.Hook
	if hook == "" && len(net.DefaultHooks) > 0 {
		hook = net.DefaultHooks[0]
	}

	if !d.verifier.feePolicy.HookAllowed(net.CAIP2, hook) {
		return FeeQuoteResponse{HookAllowed: false}, NewError(ReasonHookNotAllowed, "hook %s is not allowed", hook)
	}

	gasLimit, strategy := d.verifier.estimator.QuoteGasLimit(net.CAIP2, hook)

	gasPrice, err := d.verifier.gasPrices.GasPrice(ctx, net.CAIP2)
	if err != nil {
		return FeeQuoteResponse{}, NewError(ReasonRPCUnavailable, "gas price unavailable: %v", err)
	}
	nativeUSD, fallback := d.verifier.prices.NativePriceUSD(ctx, net.CAIP2)
	if fallback && d.log != nil {
		d.log.Warn("quoting fee on fallback native price",
			zap.String("network", net.CAIP2),
			zap.Float64("priceUSD", nativeUSD))
	}

	fee := d.verifier.feePolicy.QuoteFee(gasLimit, gasPrice, nativeUSD, net.DefaultAsset.Decimals)
	return FeeQuoteResponse{
		FacilitatorFee: fee.String(),
		HookAllowed:    true,
		GasLimit:       gasLimit,
		StrategyUsed:   string(strategy),
	}, nil
}
