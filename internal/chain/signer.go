package chain

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
)

// Receipt represents the receipt of a mined transaction.
type Receipt struct {
	Status      uint64 `json:"status"`
	BlockNumber uint64 `json:"blockNumber"`
	TxHash      string `json:"transactionHash"`
}

// Signer is the chain-facing surface a facilitator account needs: contract
// reads, writes with an explicit gas limit, gas estimation, and receipt
// waits. Implementations are bound to one key and one network.
type Signer interface {
	Address() string
	ChainID() *big.Int

	ReadContract(ctx context.Context, contract string, abiJSON []byte, method string, args ...interface{}) (interface{}, error)
	WriteContract(ctx context.Context, contract string, abiJSON []byte, method string, gasLimit uint64, args ...interface{}) (string, error)
	EstimateGas(ctx context.Context, to string, data []byte) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	WaitForReceipt(ctx context.Context, txHash string) (*Receipt, error)
	GetBalance(ctx context.Context, owner string, token string) (*big.Int, error)
}

// EthSigner implements Signer over an ethclient connection.
type EthSigner struct {
	privateKey *ecdsa.PrivateKey
	address    common.Address
	client     *ethclient.Client
	chainID    *big.Int
}

// NewEthSigner creates a signer from a hex-encoded private key and an RPC
// endpoint. The chain id is fetched once at construction.
func NewEthSigner(ctx context.Context, privateKeyHex string, rpcURL string) (*EthSigner, error) {
	privateKeyHex = strings.TrimPrefix(privateKeyHex, "0x")
	privateKey, err := crypto.HexToECDSA(privateKeyHex)
	if err != nil {
		return nil, fmt.Errorf("invalid private key: %w", err)
	}
	address := crypto.PubkeyToAddress(privateKey.PublicKey)

	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RPC: %w", err)
	}
	chainID, err := client.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get chain ID: %w", err)
	}

	return &EthSigner{
		privateKey: privateKey,
		address:    address,
		client:     client,
		chainID:    chainID,
	}, nil
}

// Close releases the underlying RPC connection.
func (s *EthSigner) Close() {
	s.client.Close()
}

func (s *EthSigner) Address() string {
	return s.address.Hex()
}

func (s *EthSigner) ChainID() *big.Int {
	return new(big.Int).Set(s.chainID)
}

// PackCall encodes a contract method call.
func PackCall(abiJSON []byte, method string, args ...interface{}) ([]byte, error) {
	contractABI, err := abi.JSON(strings.NewReader(string(abiJSON)))
	if err != nil {
		return nil, fmt.Errorf("failed to parse ABI: %w", err)
	}
	data, err := contractABI.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to pack %s call: %w", method, err)
	}
	return data, nil
}

func (s *EthSigner) ReadContract(
	ctx context.Context,
	contract string,
	abiJSON []byte,
	method string,
	args ...interface{},
) (interface{}, error) {
	contractABI, err := abi.JSON(strings.NewReader(string(abiJSON)))
	if err != nil {
		return nil, fmt.Errorf("failed to parse ABI: %w", err)
	}
	data, err := contractABI.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to pack %s call: %w", method, err)
	}

	to := common.HexToAddress(contract)
	result, err := s.client.CallContract(ctx, ethereum.CallMsg{To: &to, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("contract call %s failed: %w", method, err)
	}

	outputs, err := contractABI.Unpack(method, result)
	if err != nil {
		return nil, fmt.Errorf("failed to unpack %s result: %w", method, err)
	}
	if len(outputs) == 0 {
		return nil, nil
	}
	if len(outputs) == 1 {
		return outputs[0], nil
	}
	return outputs, nil
}

func (s *EthSigner) WriteContract(
	ctx context.Context,
	contract string,
	abiJSON []byte,
	method string,
	gasLimit uint64,
	args ...interface{},
) (string, error) {
	data, err := PackCall(abiJSON, method, args...)
	if err != nil {
		return "", err
	}

	nonce, err := s.client.PendingNonceAt(ctx, s.address)
	if err != nil {
		return "", fmt.Errorf("failed to get nonce: %w", err)
	}
	gasPrice, err := s.client.SuggestGasPrice(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to get gas price: %w", err)
	}

	to := common.HexToAddress(contract)
	tx := types.NewTransaction(nonce, to, big.NewInt(0), gasLimit, gasPrice, data)

	signedTx, err := types.SignTx(tx, types.LatestSignerForChainID(s.chainID), s.privateKey)
	if err != nil {
		return "", fmt.Errorf("failed to sign transaction: %w", err)
	}
	if err := s.client.SendTransaction(ctx, signedTx); err != nil {
		return "", fmt.Errorf("failed to send transaction: %w", err)
	}
	return signedTx.Hash().Hex(), nil
}

func (s *EthSigner) EstimateGas(ctx context.Context, to string, data []byte) (uint64, error) {
	toAddr := common.HexToAddress(to)
	gas, err := s.client.EstimateGas(ctx, ethereum.CallMsg{
		From: s.address,
		To:   &toAddr,
		Data: data,
	})
	if err != nil {
		return 0, err
	}
	return gas, nil
}

func (s *EthSigner) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	return s.client.SuggestGasPrice(ctx)
}

func (s *EthSigner) WaitForReceipt(ctx context.Context, txHash string) (*Receipt, error) {
	hash := common.HexToHash(txHash)
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		receipt, err := s.client.TransactionReceipt(ctx, hash)
		if err == nil && receipt != nil {
			return &Receipt{
				Status:      receipt.Status,
				BlockNumber: receipt.BlockNumber.Uint64(),
				TxHash:      receipt.TxHash.Hex(),
			}, nil
		}
		if err != nil && !errors.Is(err, ethereum.NotFound) {
			return nil, fmt.Errorf("failed to get receipt: %w", err)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (s *EthSigner) GetBalance(ctx context.Context, owner string, token string) (*big.Int, error) {
	result, err := s.ReadContract(ctx, token, ERC20BalanceOfABI, FunctionBalanceOf, common.HexToAddress(owner))
	if err != nil {
		return nil, err
	}
	balance, ok := result.(*big.Int)
	if !ok {
		return nil, fmt.Errorf("unexpected result type from balanceOf")
	}
	return balance, nil
}

// errorSelector is the 4-byte selector of Error(string).
var errorSelector = [4]byte{0x08, 0xc3, 0x79, 0xa0}

// ParseRevertReason extracts a human-readable revert reason from an RPC
// error, decoding the standard Error(string) payload when present.
func ParseRevertReason(err error) string {
	if err == nil {
		return ""
	}

	var dataErr rpc.DataError
	if errors.As(err, &dataErr) {
		if hexData, ok := dataErr.ErrorData().(string); ok {
			if data, decErr := HexToBytes(hexData); decErr == nil && len(data) >= 4 {
				if [4]byte(data[:4]) == errorSelector {
					stringTy, _ := abi.NewType("string", "", nil)
					unpacked, unpackErr := abi.Arguments{{Type: stringTy}}.Unpack(data[4:])
					if unpackErr == nil && len(unpacked) == 1 {
						if reason, ok := unpacked[0].(string); ok {
							return reason
						}
					}
				}
			}
		}
	}

	return strings.TrimPrefix(err.Error(), "execution reverted: ")
}
