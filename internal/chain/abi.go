package chain

const (
	// SettlementRouter function names
	FunctionSettleAndExecute = "settleAndExecute"
	FunctionIsSettled        = "isSettled"

	// EIP-3009 function names
	FunctionTransferWithAuthorization = "transferWithAuthorization"
	FunctionAuthorizationState        = "authorizationState"

	// ERC-20 function names
	FunctionBalanceOf = "balanceOf"

	// Transaction status
	TxStatusSuccess = 1
	TxStatusFailed  = 0
)

var (
	// SettlementRouterABI covers the facilitator-facing router surface:
	// the atomic transfer-then-hook entry point and the replay check.
	SettlementRouterABI = []byte(`[
		{
			"inputs": [
				{"name": "token", "type": "address"},
				{"name": "from", "type": "address"},
				{"name": "value", "type": "uint256"},
				{"name": "validAfter", "type": "uint256"},
				{"name": "validBefore", "type": "uint256"},
				{"name": "nonce", "type": "bytes32"},
				{"name": "signature", "type": "bytes"},
				{"name": "salt", "type": "bytes32"},
				{"name": "payTo", "type": "address"},
				{"name": "facilitatorFee", "type": "uint256"},
				{"name": "hook", "type": "address"},
				{"name": "hookData", "type": "bytes"}
			],
			"name": "settleAndExecute",
			"outputs": [],
			"stateMutability": "nonpayable",
			"type": "function"
		},
		{
			"inputs": [
				{"name": "salt", "type": "bytes32"}
			],
			"name": "isSettled",
			"outputs": [{"name": "", "type": "bool"}],
			"stateMutability": "view",
			"type": "function"
		}
	]`)

	// TransferWithAuthorizationABI is the EIP-3009 v,r,s entry point used
	// for standard (non-router) settlement.
	TransferWithAuthorizationABI = []byte(`[
		{
			"inputs": [
				{"name": "from", "type": "address"},
				{"name": "to", "type": "address"},
				{"name": "value", "type": "uint256"},
				{"name": "validAfter", "type": "uint256"},
				{"name": "validBefore", "type": "uint256"},
				{"name": "nonce", "type": "bytes32"},
				{"name": "v", "type": "uint8"},
				{"name": "r", "type": "bytes32"},
				{"name": "s", "type": "bytes32"}
			],
			"name": "transferWithAuthorization",
			"outputs": [],
			"stateMutability": "nonpayable",
			"type": "function"
		}
	]`)

	// AuthorizationStateABI checks whether an EIP-3009 nonce was consumed.
	AuthorizationStateABI = []byte(`[
		{
			"inputs": [
				{"name": "authorizer", "type": "address"},
				{"name": "nonce", "type": "bytes32"}
			],
			"name": "authorizationState",
			"outputs": [{"name": "", "type": "bool"}],
			"stateMutability": "view",
			"type": "function"
		}
	]`)

	// ERC20BalanceOfABI for checking token balance
	ERC20BalanceOfABI = []byte(`[
		{
			"inputs": [
				{"name": "account", "type": "address"}
			],
			"name": "balanceOf",
			"outputs": [{"name": "", "type": "uint256"}],
			"stateMutability": "view",
			"type": "function"
		}
	]`)
)
