// Package wallet is the on-chain settlement rail: it signs and broadcasts
// ERC-20 transfers on Base and reports their confirmation depth.
package wallet

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"os"
	"strings"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"

	"proofwork/core"
)

// USDCDecimals is the token precision on Base.
const USDCDecimals = 6

// ErrNoKeyMaterial reports a signer whose key source is empty.
var ErrNoKeyMaterial = errors.New("wallet: no key material")

// EVMClient is the slice of the Ethereum JSON-RPC surface the rail needs.
// *ethclient.Client satisfies it.
type EVMClient interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	BlockNumber(ctx context.Context) (uint64, error)
}

// Signer signs payout transactions. Production deployments put a KMS-backed
// implementation here; the env signer covers development and staging.
type Signer interface {
	Address() common.Address
	SignTx(ctx context.Context, tx *types.Transaction, chainID *big.Int) (*types.Transaction, error)
}

// EnvSigner holds a secp256k1 key loaded from the environment. The key id
// names the variable carrying hex key material.
type EnvSigner struct {
	key     *ecdsa.PrivateKey
	address common.Address
}

// NewEnvSigner loads the key named by keyID from the environment.
func NewEnvSigner(keyID string) (*EnvSigner, error) {
	if keyID == "" {
		return nil, ErrNoKeyMaterial
	}
	material := strings.TrimSpace(os.Getenv(keyID))
	if material == "" {
		return nil, fmt.Errorf("%w: %s unset", ErrNoKeyMaterial, keyID)
	}
	key, err := crypto.HexToECDSA(strings.TrimPrefix(material, "0x"))
	if err != nil {
		return nil, fmt.Errorf("wallet: parse key from %s: %w", keyID, err)
	}
	return &EnvSigner{key: key, address: crypto.PubkeyToAddress(key.PublicKey)}, nil
}

// Address returns the signing address.
func (s *EnvSigner) Address() common.Address { return s.address }

// SignTx signs with the latest signer for the chain.
func (s *EnvSigner) SignTx(_ context.Context, tx *types.Transaction, chainID *big.Int) (*types.Transaction, error) {
	return types.SignTx(tx, types.LatestSignerForChainID(chainID), s.key)
}

// transferSelector is keccak256("transfer(address,uint256)")[:4].
var transferSelector = []byte{0xa9, 0x05, 0x9c, 0xbb}

// ERC20TransferCalldata encodes transfer(to, amount).
func ERC20TransferCalldata(to common.Address, amount *uint256.Int) []byte {
	data := make([]byte, 0, 4+32+32)
	data = append(data, transferSelector...)
	data = append(data, common.LeftPadBytes(to.Bytes(), 32)...)
	amountBytes := amount.Bytes32()
	data = append(data, amountBytes[:]...)
	return data
}

// Config pins the rail to one chain and token.
type Config struct {
	ChainID int64
	// Token is the ERC-20 contract transfers run against; when a payout
	// splitter is deployed its address goes here instead.
	Token    common.Address
	GasLimit uint64
}

// Broadcast describes one transaction the rail sent.
type Broadcast struct {
	TxHash common.Hash
	Nonce  uint64
}

// Confirmation describes how settled a broadcast transaction is.
type Confirmation struct {
	// Mined is false while no receipt exists yet.
	Mined bool
	// Reverted is set when the receipt carries a failed status.
	Reverted bool
	// Depth is head - receipt block + 1; zero until mined.
	Depth uint64
}

// Rail broadcasts USDC transfers through an EVM client.
type Rail struct {
	client EVMClient
	signer Signer
	cfg    Config
}

// NewRail wires a rail over a client and signer.
func NewRail(client EVMClient, signer Signer, cfg Config) *Rail {
	return &Rail{client: client, signer: signer, cfg: cfg}
}

// Transfer signs and broadcasts one ERC-20 transfer of amountCents to dest.
func (r *Rail) Transfer(ctx context.Context, dest string, amountCents int64) (*Broadcast, error) {
	if !common.IsHexAddress(dest) {
		return nil, fmt.Errorf("wallet: destination %q is not an address", dest)
	}
	amount, err := core.CentsToBaseUnits(amountCents, USDCDecimals)
	if err != nil {
		return nil, err
	}
	from := r.signer.Address()
	nonce, err := r.client.PendingNonceAt(ctx, from)
	if err != nil {
		return nil, fmt.Errorf("wallet: pending nonce: %w", err)
	}
	tip, err := r.client.SuggestGasTipCap(ctx)
	if err != nil {
		return nil, fmt.Errorf("wallet: gas tip: %w", err)
	}
	head, err := r.client.HeaderByNumber(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("wallet: head: %w", err)
	}
	// feeCap = 2*baseFee + tip rides out short basefee spikes.
	feeCap := new(big.Int).Add(new(big.Int).Mul(head.BaseFee, big.NewInt(2)), tip)

	chainID := big.NewInt(r.cfg.ChainID)
	token := r.cfg.Token
	tx := types.NewTx(&types.DynamicFeeTx{
		ChainID:   chainID,
		Nonce:     nonce,
		GasTipCap: tip,
		GasFeeCap: feeCap,
		Gas:       r.cfg.GasLimit,
		To:        &token,
		Value:     big.NewInt(0),
		Data:      ERC20TransferCalldata(common.HexToAddress(dest), amount),
	})
	signed, err := r.signer.SignTx(ctx, tx, chainID)
	if err != nil {
		return nil, fmt.Errorf("wallet: sign: %w", err)
	}
	if err := r.client.SendTransaction(ctx, signed); err != nil {
		return nil, fmt.Errorf("wallet: broadcast: %w", err)
	}
	return &Broadcast{TxHash: signed.Hash(), Nonce: nonce}, nil
}

// Confirm reports the settlement depth of a broadcast transaction.
func (r *Rail) Confirm(ctx context.Context, txHash string) (*Confirmation, error) {
	receipt, err := r.client.TransactionReceipt(ctx, common.HexToHash(txHash))
	if err != nil {
		// go-ethereum surfaces an unmined hash as ethereum.NotFound.
		if errors.Is(err, ethereum.NotFound) || strings.Contains(err.Error(), "not found") {
			return &Confirmation{}, nil
		}
		return nil, fmt.Errorf("wallet: receipt: %w", err)
	}
	head, err := r.client.BlockNumber(ctx)
	if err != nil {
		return nil, fmt.Errorf("wallet: block number: %w", err)
	}
	conf := &Confirmation{Mined: true, Reverted: receipt.Status == types.ReceiptStatusFailed}
	mined := receipt.BlockNumber.Uint64()
	if head >= mined {
		conf.Depth = head - mined + 1
	}
	return conf, nil
}
