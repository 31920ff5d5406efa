package facilitator

import "fmt"

// Closed error taxonomy. Every failure surfaced by the facilitator carries
// exactly one of these codes; the HTTP layer owns the mapping to status
// codes and never invents new strings.
const (
	// Client input
	ReasonSchemaInvalid          = "schema_invalid"
	ReasonUnsupportedNetwork     = "unsupported_network"
	ReasonUnsupportedVersion     = "unsupported_version"
	ReasonStandardModeNotAllowed = "standard_mode_not_allowed"
	ReasonRequestCancelled       = "request_cancelled"

	// Payment invalid
	ReasonBadSignature         = "bad_signature"
	ReasonCommitmentMismatch   = "commitment_mismatch"
	ReasonExpiredAuthorization = "expired_authorization"
	ReasonNotYetValid          = "not_yet_valid"
	ReasonInsufficientBalance  = "insufficient_balance"
	ReasonAlreadySettled       = "already_settled"
	ReasonRouterNotAllowed     = "router_not_allowed"
	ReasonHookNotAllowed       = "hook_not_allowed"
	ReasonFeeTooLow            = "fee_too_low"

	// Capacity
	ReasonDuplicatePayer = "duplicate_payer"
	ReasonQueueOverload  = "queue_overload"
	ReasonShuttingDown   = "shutting_down"

	// External
	ReasonRPCUnavailable      = "rpc_unavailable"
	ReasonGasEstimationFailed = "gas_estimation_failed"
	ReasonTxReverted          = "tx_reverted"
	ReasonReceiptTimeout      = "receipt_timeout"

	// Internal
	ReasonInternalError = "internal_error"
)

// Category groups reason codes for HTTP status mapping.
type Category int

const (
	CategoryClientInput Category = iota
	CategoryPaymentInvalid
	CategoryCapacity
	CategoryExternal
	CategoryInternal
)

var reasonCategories = map[string]Category{
	ReasonSchemaInvalid:          CategoryClientInput,
	ReasonUnsupportedNetwork:     CategoryClientInput,
	ReasonUnsupportedVersion:     CategoryClientInput,
	ReasonStandardModeNotAllowed: CategoryClientInput,
	ReasonRequestCancelled:       CategoryClientInput,

	ReasonBadSignature:         CategoryPaymentInvalid,
	ReasonCommitmentMismatch:   CategoryPaymentInvalid,
	ReasonExpiredAuthorization: CategoryPaymentInvalid,
	ReasonNotYetValid:          CategoryPaymentInvalid,
	ReasonInsufficientBalance:  CategoryPaymentInvalid,
	ReasonAlreadySettled:       CategoryPaymentInvalid,
	ReasonRouterNotAllowed:     CategoryPaymentInvalid,
	ReasonHookNotAllowed:       CategoryPaymentInvalid,
	ReasonFeeTooLow:            CategoryPaymentInvalid,

	ReasonDuplicatePayer: CategoryCapacity,
	ReasonQueueOverload:  CategoryCapacity,
	ReasonShuttingDown:   CategoryCapacity,

	ReasonRPCUnavailable:      CategoryExternal,
	ReasonGasEstimationFailed: CategoryExternal,
	ReasonTxReverted:          CategoryExternal,
	ReasonReceiptTimeout:      CategoryExternal,
}

// CategoryOf returns the category of a reason code; unknown codes are
// internal by definition.
func CategoryOf(reason string) Category {
	if cat, ok := reasonCategories[reason]; ok {
		return cat
	}
	return CategoryInternal
}

// Error pairs a taxonomy code with a human-readable detail message.
type Error struct {
	Code    string
	Message string
}

func (e *Error) Error() string {
	if e.Message == "" {
		return e.Code
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// NewError builds a taxonomy error.
func NewError(code, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}
