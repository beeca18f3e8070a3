package flow

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"levfi/pkg/gateway"
)

// Leveraged vault staging/settlement ABI
const vaultABI = `[
	{"type":"function","name":"stageEnter","inputs":[{"name":"collateralAmount","type":"uint256"},{"name":"borrowAmount","type":"uint256"},{"name":"leverageBps","type":"uint256"}],"outputs":[]},
	{"type":"function","name":"settleEnter","inputs":[{"name":"positionId","type":"uint256"},{"name":"routeData","type":"bytes"}],"outputs":[]},
	{"type":"function","name":"stageExit","inputs":[{"name":"positionId","type":"uint256"}],"outputs":[]},
	{"type":"function","name":"settleExit","inputs":[{"name":"positionId","type":"uint256"},{"name":"routeData","type":"bytes"}],"outputs":[]},
	{"type":"function","name":"pendingPositionOf","stateMutability":"view","inputs":[{"name":"owner","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
	{"type":"function","name":"unfinishedSwapOf","stateMutability":"view","inputs":[{"name":"owner","type":"address"}],"outputs":[{"name":"positionId","type":"uint256"},{"name":"exists","type":"bool"}]},
	{"type":"function","name":"isSettled","stateMutability":"view","inputs":[{"name":"positionId","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]},
	{"type":"event","name":"PositionStaged","inputs":[{"name":"owner","type":"address","indexed":true},{"name":"positionId","type":"uint256","indexed":false}],"anonymous":false}
]`

// missingRouteDataSelector is the 4-byte error the vault reverts with when a
// settlement is attempted before its route data exists. The exit probe keys
// on this structured code rather than the revert message text.
const missingRouteDataSelector = "0x1b6ee4ec"

// Binding builds the concrete contract calls and decodes the events of one
// vault's staged flows
type Binding interface {
	// StageEnterCall builds the staging transaction of the entry flow
	StageEnterCall(vault common.Address, collateral, borrow *big.Int, leverageBps int64) (gateway.Call, error)
	// SettleEnterCall builds the settlement transaction of the entry flow
	SettleEnterCall(vault common.Address, positionID uint64, routeData []byte) (gateway.Call, error)
	// StageExitCall builds the staging transaction of the exit flow
	StageExitCall(vault common.Address, positionID uint64) (gateway.Call, error)
	// SettleExitCall builds the settlement transaction of the exit flow
	SettleExitCall(vault common.Address, positionID uint64, routeData []byte) (gateway.Call, error)

	// PositionIDFromReceipt extracts the staged-position id from the
	// staging receipt's logs
	PositionIDFromReceipt(vault common.Address, receipt *types.Receipt) (uint64, bool)
	// LookupPositionID is the fallback read when the logs don't carry it
	LookupPositionID(ctx context.Context, vault, owner common.Address) (uint64, error)

	// UnfinishedSwap probes whether the owner has an exit staged but not
	// settled, and for which position
	UnfinishedSwap(ctx context.Context, vault, owner common.Address) (uint64, bool, error)
	// IsSettled reports whether the counterparty system has completed the
	// position's settlement
	IsSettled(ctx context.Context, vault common.Address, positionID uint64) (bool, error)
}

// VaultBinding implements Binding against the protocol's vault contracts
type VaultBinding struct {
	gw  gateway.Gateway
	abi abi.ABI
}

// NewVaultBinding parses the vault ABI
func NewVaultBinding(gw gateway.Gateway) (*VaultBinding, error) {
	parsed, err := abi.JSON(strings.NewReader(vaultABI))
	if err != nil {
		return nil, fmt.Errorf("failed to parse vault ABI: %w", err)
	}
	return &VaultBinding{gw: gw, abi: parsed}, nil
}

// StageEnterCall builds the staging transaction of the entry flow
func (b *VaultBinding) StageEnterCall(vault common.Address, collateral, borrow *big.Int, leverageBps int64) (gateway.Call, error) {
	data, err := b.abi.Pack("stageEnter", collateral, borrow, big.NewInt(leverageBps))
	if err != nil {
		return gateway.Call{}, fmt.Errorf("failed to pack stageEnter: %w", err)
	}
	return gateway.Call{To: vault, Data: data}, nil
}

// SettleEnterCall builds the settlement transaction of the entry flow
func (b *VaultBinding) SettleEnterCall(vault common.Address, positionID uint64, routeData []byte) (gateway.Call, error) {
	data, err := b.abi.Pack("settleEnter", new(big.Int).SetUint64(positionID), routeData)
	if err != nil {
		return gateway.Call{}, fmt.Errorf("failed to pack settleEnter: %w", err)
	}
	return gateway.Call{To: vault, Data: data}, nil
}

// StageExitCall builds the staging transaction of the exit flow
func (b *VaultBinding) StageExitCall(vault common.Address, positionID uint64) (gateway.Call, error) {
	data, err := b.abi.Pack("stageExit", new(big.Int).SetUint64(positionID))
	if err != nil {
		return gateway.Call{}, fmt.Errorf("failed to pack stageExit: %w", err)
	}
	return gateway.Call{To: vault, Data: data}, nil
}

// SettleExitCall builds the settlement transaction of the exit flow
func (b *VaultBinding) SettleExitCall(vault common.Address, positionID uint64, routeData []byte) (gateway.Call, error) {
	data, err := b.abi.Pack("settleExit", new(big.Int).SetUint64(positionID), routeData)
	if err != nil {
		return gateway.Call{}, fmt.Errorf("failed to pack settleExit: %w", err)
	}
	return gateway.Call{To: vault, Data: data}, nil
}

// PositionIDFromReceipt extracts the staged-position id from the receipt's
// PositionStaged event
func (b *VaultBinding) PositionIDFromReceipt(vault common.Address, receipt *types.Receipt) (uint64, bool) {
	event := b.abi.Events["PositionStaged"]

	for _, logEntry := range receipt.Logs {
		if logEntry.Address != vault || len(logEntry.Topics) == 0 || logEntry.Topics[0] != event.ID {
			continue
		}
		vals, err := event.Inputs.NonIndexed().Unpack(logEntry.Data)
		if err != nil || len(vals) != 1 {
			continue
		}
		if id, ok := vals[0].(*big.Int); ok {
			return id.Uint64(), true
		}
	}

	return 0, false
}

// LookupPositionID reads the owner's pending position as the fallback when
// the staging receipt carried no usable event
func (b *VaultBinding) LookupPositionID(ctx context.Context, vault, owner common.Address) (uint64, error) {
	data, err := b.abi.Pack("pendingPositionOf", owner)
	if err != nil {
		return 0, fmt.Errorf("failed to pack pendingPositionOf: %w", err)
	}

	out, err := b.gw.CallRead(ctx, gateway.ReadCall{To: vault, Data: data})
	if err != nil {
		return 0, fmt.Errorf("failed to look up pending position: %w", err)
	}

	id := new(big.Int).SetBytes(out)
	if id.Sign() == 0 {
		return 0, fmt.Errorf("no pending position found for %s", owner.Hex())
	}

	return id.Uint64(), nil
}

// UnfinishedSwap probes whether the owner has an exit staged but not settled
func (b *VaultBinding) UnfinishedSwap(ctx context.Context, vault, owner common.Address) (uint64, bool, error) {
	data, err := b.abi.Pack("unfinishedSwapOf", owner)
	if err != nil {
		return 0, false, fmt.Errorf("failed to pack unfinishedSwapOf: %w", err)
	}

	out, err := b.gw.CallRead(ctx, gateway.ReadCall{To: vault, Data: data})
	if err != nil {
		return 0, false, fmt.Errorf("failed to probe unfinished swap: %w", err)
	}

	vals, err := b.abi.Unpack("unfinishedSwapOf", out)
	if err != nil || len(vals) != 2 {
		return 0, false, fmt.Errorf("failed to decode unfinished swap probe: %w", err)
	}

	id, idOK := vals[0].(*big.Int)
	exists, existsOK := vals[1].(bool)
	if !idOK || !existsOK {
		return 0, false, fmt.Errorf("unexpected unfinished swap probe result")
	}

	return id.Uint64(), exists, nil
}

// IsSettled reports whether the position's settlement has completed
func (b *VaultBinding) IsSettled(ctx context.Context, vault common.Address, positionID uint64) (bool, error) {
	data, err := b.abi.Pack("isSettled", new(big.Int).SetUint64(positionID))
	if err != nil {
		return false, fmt.Errorf("failed to pack isSettled: %w", err)
	}

	out, err := b.gw.CallRead(ctx, gateway.ReadCall{To: vault, Data: data})
	if err != nil {
		return false, fmt.Errorf("failed to query settlement status: %w", err)
	}

	return new(big.Int).SetBytes(out).Sign() != 0, nil
}
