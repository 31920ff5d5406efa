package chain

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// SettlementParams is the full set of parameters bound into a router-mode
// authorization. The commitment hash over these parameters is used as the
// EIP-3009 nonce so that any tampering invalidates the payer's signature.
type SettlementParams struct {
	ChainID        *big.Int
	Router         string
	Token          string
	From           string
	Value          *big.Int
	ValidAfter     *big.Int
	ValidBefore    *big.Int
	Salt           string // 32-byte hex
	PayTo          string // final recipient after the hook runs
	FacilitatorFee *big.Int
	Hook           string
	HookData       string // opaque hex, "0x" when empty
}

var commitmentArgs abi.Arguments

func init() {
	uint256Ty, _ := abi.NewType("uint256", "", nil)
	addressTy, _ := abi.NewType("address", "", nil)
	bytes32Ty, _ := abi.NewType("bytes32", "", nil)

	commitmentArgs = abi.Arguments{
		{Type: uint256Ty}, // chainId
		{Type: addressTy}, // router
		{Type: addressTy}, // token
		{Type: addressTy}, // from
		{Type: uint256Ty}, // value
		{Type: uint256Ty}, // validAfter
		{Type: uint256Ty}, // validBefore
		{Type: bytes32Ty}, // salt
		{Type: addressTy}, // payTo
		{Type: uint256Ty}, // facilitatorFee
		{Type: addressTy}, // hook
		{Type: bytes32Ty}, // keccak256(hookData)
	}
}

// Validate rejects parameter sets that cannot produce a well-defined
// commitment: missing values, malformed addresses, or a mis-sized salt.
func (p *SettlementParams) Validate() error {
	if p.ChainID == nil || p.ChainID.Sign() <= 0 {
		return fmt.Errorf("missing chain id")
	}
	for _, f := range []struct{ name, addr string }{
		{"settlementRouter", p.Router},
		{"token", p.Token},
		{"from", p.From},
		{"payTo", p.PayTo},
		{"hook", p.Hook},
	} {
		if !common.IsHexAddress(f.addr) {
			return fmt.Errorf("invalid %s address: %q", f.name, f.addr)
		}
	}
	if p.Value == nil || p.Value.Sign() < 0 {
		return fmt.Errorf("missing value")
	}
	if p.ValidAfter == nil || p.ValidBefore == nil {
		return fmt.Errorf("missing validity window")
	}
	if p.FacilitatorFee == nil || p.FacilitatorFee.Sign() < 0 {
		return fmt.Errorf("missing facilitatorFee")
	}
	if _, err := HexToBytes32(p.Salt); err != nil {
		return fmt.Errorf("invalid salt: %w", err)
	}
	if _, err := HexToBytes(p.HookData); err != nil {
		return fmt.Errorf("invalid hookData: %w", err)
	}
	return nil
}

// Commitment computes the deterministic 32-byte commitment over all
// settlement parameters. It matches the router's on-chain computation:
// keccak256(abi.encode(chainId, router, token, from, value, validAfter,
// validBefore, salt, payTo, facilitatorFee, hook, keccak256(hookData))).
func Commitment(p *SettlementParams) ([32]byte, error) {
	var out [32]byte
	if err := p.Validate(); err != nil {
		return out, err
	}

	salt, err := HexToBytes32(p.Salt)
	if err != nil {
		return out, err
	}
	hookData, err := HexToBytes(p.HookData)
	if err != nil {
		return out, err
	}
	var hookDataHash [32]byte
	copy(hookDataHash[:], crypto.Keccak256(hookData))

	packed, err := commitmentArgs.Pack(
		p.ChainID,
		common.HexToAddress(p.Router),
		common.HexToAddress(p.Token),
		common.HexToAddress(p.From),
		p.Value,
		p.ValidAfter,
		p.ValidBefore,
		salt,
		common.HexToAddress(p.PayTo),
		p.FacilitatorFee,
		common.HexToAddress(p.Hook),
		hookDataHash,
	)
	if err != nil {
		return out, fmt.Errorf("failed to pack commitment params: %w", err)
	}

	copy(out[:], crypto.Keccak256(packed))
	return out, nil
}

// GenerateSalt returns 32 cryptographically random bytes as 0x-prefixed hex.
func GenerateSalt() (string, error) {
	var salt [32]byte
	if _, err := rand.Read(salt[:]); err != nil {
		return "", fmt.Errorf("failed to generate salt: %w", err)
	}
	return "0x" + hex.EncodeToString(salt[:]), nil
}

// IsHexAddress reports whether s is a well-formed 20-byte hex address.
func IsHexAddress(s string) bool {
	return common.IsHexAddress(s)
}

// ToAddress parses a hex address.
func ToAddress(s string) common.Address {
	return common.HexToAddress(s)
}

// HexToBytes decodes a hex string with or without the 0x prefix.
func HexToBytes(s string) ([]byte, error) {
	s = strings.TrimPrefix(s, "0x")
	if len(s)%2 != 0 {
		return nil, fmt.Errorf("odd-length hex string")
	}
	return hex.DecodeString(s)
}

// HexToBytes32 decodes a hex string that must be exactly 32 bytes.
func HexToBytes32(s string) ([32]byte, error) {
	var out [32]byte
	b, err := HexToBytes(s)
	if err != nil {
		return out, err
	}
	if len(b) != 32 {
		return out, fmt.Errorf("expected 32 bytes, got %d", len(b))
	}
	copy(out[:], b)
	return out, nil
}
