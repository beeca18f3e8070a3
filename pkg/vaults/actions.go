package vaults

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	"levfi/pkg/gateway"
)

// Single-step lending operations of the vault contract
const actionsABI = `[
	{"type":"function","name":"deposit","inputs":[{"name":"amount","type":"uint256"}],"outputs":[]},
	{"type":"function","name":"withdraw","inputs":[{"name":"amount","type":"uint256"}],"outputs":[]},
	{"type":"function","name":"borrow","inputs":[{"name":"amount","type":"uint256"}],"outputs":[]},
	{"type":"function","name":"repay","inputs":[{"name":"amount","type":"uint256"}],"outputs":[]}
]`

// Actions packs the single-step vault operations into gateway calls
type Actions struct {
	abi abi.ABI
}

// NewActions parses the vault actions ABI
func NewActions() (*Actions, error) {
	parsed, err := abi.JSON(strings.NewReader(actionsABI))
	if err != nil {
		return nil, fmt.Errorf("failed to parse vault actions ABI: %w", err)
	}
	return &Actions{abi: parsed}, nil
}

// Call builds the transaction for one named action against a vault
func (a *Actions) Call(vault common.Address, action string, amount *big.Int) (gateway.Call, error) {
	if amount == nil || amount.Sign() <= 0 {
		return gateway.Call{}, gateway.Validationf("%s amount must be greater than 0", action)
	}

	data, err := a.abi.Pack(action, amount)
	if err != nil {
		return gateway.Call{}, fmt.Errorf("failed to pack %s: %w", action, err)
	}
	return gateway.Call{To: vault, Data: data}, nil
}
