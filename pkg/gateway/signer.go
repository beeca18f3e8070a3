package gateway

import (
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

// KeySigner signs with a raw private key
type KeySigner struct {
	key  *ecdsa.PrivateKey
	addr common.Address
}

// NewKeySigner parses a hex-encoded private key
func NewKeySigner(hexKey string) (*KeySigner, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(hexKey, "0x"))
	if err != nil {
		return nil, fmt.Errorf("invalid private key: %w", err)
	}

	return &KeySigner{
		key:  key,
		addr: crypto.PubkeyToAddress(key.PublicKey),
	}, nil
}

// Address returns the address derived from the key
func (s *KeySigner) Address() common.Address {
	return s.addr
}

// SignTx signs the transaction with EIP-155 replay protection
func (s *KeySigner) SignTx(tx *types.Transaction, chainID *big.Int) (*types.Transaction, error) {
	return types.SignTx(tx, types.LatestSignerForChainID(chainID), s.key)
}

// ConfirmSigner wraps another signer behind a confirmation prompt. A
// declined prompt surfaces as a rejection, not a failure.
type ConfirmSigner struct {
	inner   Signer
	confirm func() bool
}

// NewConfirmSigner wraps inner so confirm is asked before every signature
func NewConfirmSigner(inner Signer, confirm func() bool) *ConfirmSigner {
	return &ConfirmSigner{inner: inner, confirm: confirm}
}

// Address returns the wrapped signer's address
func (s *ConfirmSigner) Address() common.Address {
	return s.inner.Address()
}

// SignTx asks for confirmation, then delegates to the wrapped signer
func (s *ConfirmSigner) SignTx(tx *types.Transaction, chainID *big.Int) (*types.Transaction, error) {
	if s.confirm != nil && !s.confirm() {
		return nil, Rejected()
	}
	return s.inner.SignTx(tx, chainID)
}
