package facilitator

import (
	"encoding/json"
	"fmt"
)

const (
	// SchemeExact is the only payment scheme in scope.
	SchemeExact = "exact"
)

// Authorization is the EIP-3009 TransferWithAuthorization message. All
// numeric fields are decimal strings; nonce is 32-byte hex. In router mode
// To is the settlement router and Nonce is the parameter commitment.
type Authorization struct {
	From        string `json:"from"`
	To          string `json:"to"`
	Value       string `json:"value"`
	ValidAfter  string `json:"validAfter"`
	ValidBefore string `json:"validBefore"`
	Nonce       string `json:"nonce"`
}

// ExactPayload is the signed payment data sent by clients.
type ExactPayload struct {
	Signature     string        `json:"signature"`
	Authorization Authorization `json:"authorization"`
}

// RouterExtra is the router-mode parameter block carried in
// paymentRequirements.extra. Its presence (settlementRouter non-empty)
// switches a request into router mode.
type RouterExtra struct {
	SettlementRouter string `json:"settlementRouter"`
	Salt             string `json:"salt"`
	PayTo            string `json:"payTo"`
	FacilitatorFee   string `json:"facilitatorFee"`
	Hook             string `json:"hook"`
	HookData         string `json:"hookData"`
	Name             string `json:"name,omitempty"`
	Version          string `json:"version,omitempty"`
}

// PaymentRequirements declares what a payment must satisfy.
type PaymentRequirements struct {
	Scheme            string                 `json:"scheme"`
	Network           string                 `json:"network"`
	Asset             string                 `json:"asset"`
	MaxAmountRequired string                 `json:"maxAmountRequired"`
	PayTo             string                 `json:"payTo"`
	MaxTimeoutSeconds int                    `json:"maxTimeoutSeconds,omitempty"`
	Extra             map[string]interface{} `json:"extra,omitempty"`
}

// RouterExtra parses the router-mode block out of Extra. The second return
// is false when the requirements are standard-mode.
func (r *PaymentRequirements) RouterExtra() (*RouterExtra, bool, error) {
	if r.Extra == nil {
		return nil, false, nil
	}
	if _, present := r.Extra["settlementRouter"]; !present {
		return nil, false, nil
	}
	raw, err := json.Marshal(r.Extra)
	if err != nil {
		return nil, true, fmt.Errorf("failed to re-encode extra: %w", err)
	}
	var extra RouterExtra
	if err := json.Unmarshal(raw, &extra); err != nil {
		return nil, true, fmt.Errorf("malformed router extra: %w", err)
	}
	if extra.SettlementRouter == "" {
		return nil, true, fmt.Errorf("empty settlementRouter")
	}
	if extra.HookData == "" {
		extra.HookData = "0x"
	}
	return &extra, true, nil
}

// PaymentPayload is the version-tagged payment envelope. V1 carries scheme
// and network at the top level; v2 additionally carries the payer and may
// embed the requirements it was built against.
type PaymentPayload struct {
	X402Version int          `json:"x402Version"`
	Scheme      string       `json:"scheme"`
	Network     string       `json:"network"`
	Payer       string       `json:"payer,omitempty"`
	Payload     ExactPayload `json:"payload"`

	// PaymentRequirements is the optional v2 embedded copy.
	PaymentRequirements *PaymentRequirements `json:"paymentRequirements,omitempty"`
}

// VerifyResponse is the result of a verification. Accepts echoes the
// requirements on payment-related rejections so the client can retry
// against the exact same terms.
type VerifyResponse struct {
	X402Version   int                    `json:"x402Version"`
	IsValid       bool                   `json:"isValid"`
	InvalidReason string                 `json:"invalidReason,omitempty"`
	Payer         string                 `json:"payer,omitempty"`
	Accepts       []*PaymentRequirements `json:"accepts,omitempty"`
}

// SettleResponse is the result of a settlement attempt.
type SettleResponse struct {
	X402Version int                    `json:"x402Version"`
	Success     bool                   `json:"success"`
	Transaction string                 `json:"transaction,omitempty"`
	Network     string                 `json:"network"`
	Payer       string                 `json:"payer,omitempty"`
	ErrorReason string                 `json:"errorReason,omitempty"`
	Accepts     []*PaymentRequirements `json:"accepts,omitempty"`
}

// SupportedKind is one (version, scheme, network) triple the facilitator
// serves. V1 kinds carry the network alias, v2 kinds the CAIP-2 id.
type SupportedKind struct {
	X402Version int    `json:"x402Version"`
	Scheme      string `json:"scheme"`
	Network     string `json:"network"`
}

// SupportedResponse lists every supported kind.
type SupportedResponse struct {
	Kinds []SupportedKind `json:"kinds"`
}

// FeeQuoteRequest asks what facilitator fee a hook invocation requires.
type FeeQuoteRequest struct {
	Network  string `json:"network"`
	Hook     string `json:"hook"`
	HookData string `json:"hookData"`
}

// FeeQuoteResponse is the fee quote.
type FeeQuoteResponse struct {
	FacilitatorFee string `json:"facilitatorFee"`
	HookAllowed    bool   `json:"hookAllowed"`
	GasLimit       uint64 `json:"gasLimit"`
	StrategyUsed   string `json:"strategyUsed"`
}
