package gateway

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// Call describes one contract write
type Call struct {
	To       common.Address
	Value    *big.Int
	Data     []byte
	GasLimit uint64
}

// ReadCall describes one contract read
type ReadCall struct {
	To   common.Address
	Data []byte
}

// ReadResult pairs a batched read with its per-item outcome
type ReadResult struct {
	Data []byte
	Err  error
}

// Gateway is the read/write contract surface the drivers consume. Every
// write is simulated before it is sent; WaitForReceipt reports in-place
// replacement of a broadcast transaction through the callback.
type Gateway interface {
	// From returns the wallet address transactions are sent from
	From() common.Address

	// ChainID returns the connected chain id
	ChainID() *big.Int

	// Simulate executes the call without broadcasting and returns its
	// output, or a KindSimulation error carrying the revert selector
	Simulate(ctx context.Context, call Call) ([]byte, error)

	// SignAndSend signs the call and broadcasts it. A KindRejected error
	// means the user declined to sign.
	SignAndSend(ctx context.Context, call Call) (common.Hash, error)

	// WaitForReceipt blocks until the transaction (or its replacement) is
	// mined. onReplaced, when non-nil, is invoked with the new hash each
	// time the tracked transaction is replaced.
	WaitForReceipt(ctx context.Context, hash common.Hash, onReplaced func(common.Hash)) (*types.Receipt, error)

	// CallRead executes a single read call
	CallRead(ctx context.Context, call ReadCall) ([]byte, error)

	// BatchRead executes reads as one batched request, falling back to one
	// request per call when the batch itself fails. The slice always has
	// one entry per input call.
	BatchRead(ctx context.Context, calls []ReadCall) []ReadResult
}

// Signer produces signatures for outgoing transactions. Implementations
// return a KindRejected error when the user declines.
type Signer interface {
	Address() common.Address
	SignTx(tx *types.Transaction, chainID *big.Int) (*types.Transaction, error)
}
