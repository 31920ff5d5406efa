package chain

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVerifyTransferWithAuthorization(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	payer := crypto.PubkeyToAddress(key.PublicKey)

	to := "0x402d83cA361F3Ed1aD56e3C8bC4E44E6b4dF0001"
	token := "0x036CbD53842c5426634e7929541eC2318f3dCF7e"
	value := big.NewInt(1_000_000)
	validAfter := big.NewInt(0)
	validBefore := big.NewInt(1_900_000_000)
	chainID := big.NewInt(84532)
	nonce := [32]byte{0x42}

	domain := TypedDataDomain{
		Name:              "USDC",
		Version:           "2",
		ChainID:           chainID,
		VerifyingContract: token,
	}
	message := map[string]interface{}{
		"from":        payer.Hex(),
		"to":          to,
		"value":       value,
		"validAfter":  validAfter,
		"validBefore": validBefore,
		"nonce":       nonce[:],
	}
	digest, err := HashTypedData(domain, TransferWithAuthorizationTypes, "TransferWithAuthorization", message)
	require.NoError(t, err)

	sig, err := crypto.Sign(digest, key)
	require.NoError(t, err)
	// Wallets emit v as 27/28.
	sig[64] += 27

	valid, recovered, err := VerifyTransferWithAuthorization(
		payer.Hex(), to, value, validAfter, validBefore, nonce,
		sig, chainID, token, "USDC", "2")
	require.NoError(t, err)
	assert.True(t, valid)
	assert.Equal(t, payer, recovered)

	// Tampering with any signed field breaks verification.
	valid, _, err = VerifyTransferWithAuthorization(
		payer.Hex(), to, big.NewInt(2_000_000), validAfter, validBefore, nonce,
		sig, chainID, token, "USDC", "2")
	require.NoError(t, err)
	assert.False(t, valid)

	// A different claimed payer does not match.
	valid, _, err = VerifyTransferWithAuthorization(
		"0x1111111111111111111111111111111111111111", to, value, validAfter, validBefore, nonce,
		sig, chainID, token, "USDC", "2")
	require.NoError(t, err)
	assert.False(t, valid)
}

func TestRecoverTypedDataAddressRejectsBadLength(t *testing.T) {
	_, err := RecoverTypedDataAddress(
		TypedDataDomain{Name: "USDC", Version: "2", ChainID: big.NewInt(1), VerifyingContract: "0x036CbD53842c5426634e7929541eC2318f3dCF7e"},
		TransferWithAuthorizationTypes,
		"TransferWithAuthorization",
		map[string]interface{}{},
		[]byte{0x01, 0x02},
	)
	assert.Error(t, err)
}

func TestHashTypedDataDomainSensitivity(t *testing.T) {
	message := map[string]interface{}{
		"from":        "0x1111111111111111111111111111111111111111",
		"to":          "0x2222222222222222222222222222222222222222",
		"value":       big.NewInt(1),
		"validAfter":  big.NewInt(0),
		"validBefore": big.NewInt(1),
		"nonce":       make([]byte, 32),
	}
	base := TypedDataDomain{
		Name:              "USDC",
		Version:           "2",
		ChainID:           big.NewInt(84532),
		VerifyingContract: "0x036CbD53842c5426634e7929541eC2318f3dCF7e",
	}
	h1, err := HashTypedData(base, TransferWithAuthorizationTypes, "TransferWithAuthorization", message)
	require.NoError(t, err)

	other := base
	other.ChainID = big.NewInt(8453)
	h2, err := HashTypedData(other, TransferWithAuthorizationTypes, "TransferWithAuthorization", message)
	require.NoError(t, err)

	assert.NotEqual(t, h1, h2)
}
