package gateway

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/sirupsen/logrus"
)

const (
	// DefaultPollInterval is how often a pending transaction is re-checked
	DefaultPollInterval = 4 * time.Second

	gasBufferPercent = 120

	// errorStringSelector is the 4-byte selector of Error(string)
	errorStringSelector = "0x08c379a0"
)

// EVMGateway implements Gateway on top of an ethclient connection
type EVMGateway struct {
	client       *ethclient.Client
	rpcClient    *rpc.Client
	signer       Signer
	chainID      *big.Int
	pollInterval time.Duration
	log          *logrus.Entry
}

// Dial connects to an RPC endpoint and verifies the chain id
func Dial(ctx context.Context, rpcURL string, signer Signer, log *logrus.Logger) (*EVMGateway, error) {
	rpcClient, err := rpc.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RPC endpoint: %w", err)
	}

	client := ethclient.NewClient(rpcClient)
	chainID, err := client.ChainID(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to query chain id: %w", err)
	}

	return &EVMGateway{
		client:       client,
		rpcClient:    rpcClient,
		signer:       signer,
		chainID:      chainID,
		pollInterval: DefaultPollInterval,
		log:          log.WithField("component", "gateway"),
	}, nil
}

// Close closes the underlying RPC connection
func (g *EVMGateway) Close() {
	g.client.Close()
}

// SetPollInterval overrides the receipt polling interval
func (g *EVMGateway) SetPollInterval(d time.Duration) {
	if d > 0 {
		g.pollInterval = d
	}
}

// From returns the signing wallet address
func (g *EVMGateway) From() common.Address {
	return g.signer.Address()
}

// ChainID returns the connected chain id
func (g *EVMGateway) ChainID() *big.Int {
	return new(big.Int).Set(g.chainID)
}

// Simulate executes the call without broadcasting
func (g *EVMGateway) Simulate(ctx context.Context, call Call) ([]byte, error) {
	msg := ethereum.CallMsg{
		From:  g.signer.Address(),
		To:    &call.To,
		Value: call.Value,
		Data:  call.Data,
	}

	out, err := g.client.CallContract(ctx, msg, nil)
	if err != nil {
		if code, reason, ok := decodeRevert(err); ok {
			return nil, Simulation(code, reason, err)
		}
		return nil, RPC(err)
	}

	return out, nil
}

// SignAndSend signs the call and broadcasts it
func (g *EVMGateway) SignAndSend(ctx context.Context, call Call) (common.Hash, error) {
	from := g.signer.Address()

	nonce, err := g.client.PendingNonceAt(ctx, from)
	if err != nil {
		return common.Hash{}, RPC(fmt.Errorf("failed to get nonce: %w", err))
	}

	gasPrice, err := g.client.SuggestGasPrice(ctx)
	if err != nil {
		return common.Hash{}, RPC(fmt.Errorf("failed to get gas price: %w", err))
	}

	gasLimit := call.GasLimit
	if gasLimit == 0 {
		msg := ethereum.CallMsg{From: from, To: &call.To, Value: call.Value, Data: call.Data}
		estimated, err := g.client.EstimateGas(ctx, msg)
		if err != nil {
			if code, reason, ok := decodeRevert(err); ok {
				return common.Hash{}, Simulation(code, reason, err)
			}
			return common.Hash{}, RPC(fmt.Errorf("failed to estimate gas: %w", err))
		}
		gasLimit = estimated * gasBufferPercent / 100
	}

	value := call.Value
	if value == nil {
		value = new(big.Int)
	}

	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		To:       &call.To,
		Value:    value,
		Gas:      gasLimit,
		GasPrice: gasPrice,
		Data:     call.Data,
	})

	signedTx, err := g.signer.SignTx(tx, g.chainID)
	if err != nil {
		if IsRejected(err) {
			return common.Hash{}, err
		}
		return common.Hash{}, fmt.Errorf("failed to sign transaction: %w", err)
	}

	if err := g.client.SendTransaction(ctx, signedTx); err != nil {
		return common.Hash{}, RPC(fmt.Errorf("failed to send transaction: %w", err))
	}

	g.log.WithFields(logrus.Fields{
		"hash":  signedTx.Hash().Hex(),
		"to":    call.To.Hex(),
		"nonce": nonce,
	}).Info("transaction broadcast")

	return signedTx.Hash(), nil
}

// WaitForReceipt polls until the transaction or a replacement of it is
// mined. A replacement keeps the same sender nonce under a different hash;
// onReplaced is notified and polling continues on the new hash.
func (g *EVMGateway) WaitForReceipt(ctx context.Context, hash common.Hash, onReplaced func(common.Hash)) (*types.Receipt, error) {
	tracked := hash

	tx, _, err := g.client.TransactionByHash(ctx, tracked)
	if err != nil {
		return nil, RPC(fmt.Errorf("failed to look up transaction: %w", err))
	}
	nonce := tx.Nonce()
	from := g.signer.Address()

	startBlock, err := g.client.BlockNumber(ctx)
	if err != nil {
		return nil, RPC(fmt.Errorf("failed to get block number: %w", err))
	}

	ticker := time.NewTicker(g.pollInterval)
	defer ticker.Stop()

	for {
		receipt, err := g.client.TransactionReceipt(ctx, tracked)
		if err == nil {
			return receipt, nil
		}
		if !errors.Is(err, ethereum.NotFound) {
			return nil, RPC(err)
		}

		// Not mined under the tracked hash. If the account nonce has moved
		// past ours the transaction was replaced; find the replacing hash.
		mined, err := g.client.NonceAt(ctx, from, nil)
		if err == nil && mined > nonce {
			if newHash, found := g.findReplacement(ctx, from, nonce, startBlock); found && newHash != tracked {
				g.log.WithFields(logrus.Fields{
					"old": tracked.Hex(),
					"new": newHash.Hex(),
				}).Info("transaction replaced")
				tracked = newHash
				if onReplaced != nil {
					onReplaced(newHash)
				}
				continue
			}
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// findReplacement scans blocks mined since the wait began for a transaction
// from the sender with the tracked nonce
func (g *EVMGateway) findReplacement(ctx context.Context, from common.Address, nonce, sinceBlock uint64) (common.Hash, bool) {
	head, err := g.client.BlockNumber(ctx)
	if err != nil {
		return common.Hash{}, false
	}

	chainSigner := types.LatestSignerForChainID(g.chainID)
	for n := sinceBlock; n <= head; n++ {
		block, err := g.client.BlockByNumber(ctx, new(big.Int).SetUint64(n))
		if err != nil {
			return common.Hash{}, false
		}
		for _, tx := range block.Transactions() {
			if tx.Nonce() != nonce {
				continue
			}
			sender, err := types.Sender(chainSigner, tx)
			if err == nil && sender == from {
				return tx.Hash(), true
			}
		}
	}

	return common.Hash{}, false
}

// CallRead executes a single read call
func (g *EVMGateway) CallRead(ctx context.Context, call ReadCall) ([]byte, error) {
	out, err := g.client.CallContract(ctx, ethereum.CallMsg{To: &call.To, Data: call.Data}, nil)
	if err != nil {
		if code, reason, ok := decodeRevert(err); ok {
			return nil, Simulation(code, reason, err)
		}
		return nil, RPC(err)
	}
	return out, nil
}

// BatchRead executes reads as one batched eth_call request. When the batch
// itself fails the calls are retried one by one.
func (g *EVMGateway) BatchRead(ctx context.Context, calls []ReadCall) []ReadResult {
	results := make([]ReadResult, len(calls))
	if len(calls) == 0 {
		return results
	}

	elems := make([]rpc.BatchElem, len(calls))
	outputs := make([]hexutil.Bytes, len(calls))
	for i, call := range calls {
		arg := map[string]interface{}{
			"to":   call.To,
			"data": hexutil.Bytes(call.Data),
		}
		elems[i] = rpc.BatchElem{
			Method: "eth_call",
			Args:   []interface{}{arg, "latest"},
			Result: &outputs[i],
		}
	}

	if err := g.rpcClient.BatchCallContext(ctx, elems); err != nil {
		g.log.WithError(err).Warn("batch read failed, falling back to single calls")
		for i, call := range calls {
			data, err := g.CallRead(ctx, call)
			results[i] = ReadResult{Data: data, Err: err}
		}
		return results
	}

	for i := range elems {
		if elems[i].Error != nil {
			results[i] = ReadResult{Err: RPC(elems[i].Error)}
			continue
		}
		results[i] = ReadResult{Data: outputs[i]}
	}

	return results
}

// decodeRevert extracts the 4-byte selector and, for Error(string) reverts,
// the reason text from a node error carrying return data
func decodeRevert(err error) (code, reason string, ok bool) {
	var dataErr rpc.DataError
	if !errors.As(err, &dataErr) {
		return "", "", false
	}

	raw, isStr := dataErr.ErrorData().(string)
	if !isStr || !strings.HasPrefix(raw, "0x") || len(raw) < 10 {
		return "", "", false
	}

	code = raw[:10]
	reason = "execution reverted"

	if code == errorStringSelector {
		if payload, decodeErr := hexutil.Decode(raw); decodeErr == nil && len(payload) > 4 {
			stringType, _ := abi.NewType("string", "", nil)
			args := abi.Arguments{{Type: stringType}}
			if vals, unpackErr := args.Unpack(payload[4:]); unpackErr == nil && len(vals) == 1 {
				if s, isReason := vals[0].(string); isReason {
					reason = s
				}
			}
		}
	}

	return code, reason, true
}
