package cmd

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"levfi/pkg/leverage"
	"levfi/pkg/vaults"
)

func enterTestMeta() *vaults.Metadata {
	return &vaults.Metadata{
		Address:              "0x00000000000000000000000000000000000000aa",
		Name:                 "USDC Loop",
		CollateralAsset:      "USDC",
		BorrowedAsset:        "USDC",
		PrimaryBorrowedAsset: "USDC",
		CollateralDecimals:   6,
		BorrowedDecimals:     6,
		LeverageMin:          100,
		LeverageMax:          300,
	}
}

func setEnterFlags(t *testing.T, borrow, lev string) {
	t.Helper()
	prevBorrow, prevLeverage := enterBorrow, enterLeverage
	t.Cleanup(func() {
		enterBorrow, enterLeverage = prevBorrow, prevLeverage
	})
	enterBorrow, enterLeverage = borrow, lev
}

func TestResolveEnterAmountsLeveragePath(t *testing.T) {
	setEnterFlags(t, "", "2.0")
	meta := enterTestMeta()
	in := big.NewInt(100_000_000)

	collateral, borrow, leverageBps, err := resolveEnterAmounts(meta, in)
	require.NoError(t, err)

	assert.Equal(t, int64(200), leverageBps)
	assert.Equal(t, "100000000", collateral.String())
	assert.Equal(t, "200000000", borrow.String())
}

func TestResolveEnterAmountsBorrowInBoundsKeepsCollateral(t *testing.T) {
	setEnterFlags(t, "250", "")
	meta := enterTestMeta()
	in := big.NewInt(100_000_000)

	collateral, borrow, leverageBps, err := resolveEnterAmounts(meta, in)
	require.NoError(t, err)

	assert.Equal(t, int64(250), leverageBps)
	assert.Equal(t, "100000000", collateral.String())
	assert.Equal(t, "250000000", borrow.String())
}

func TestResolveEnterAmountsBorrowBeyondBoundsMovesCollateral(t *testing.T) {
	setEnterFlags(t, "500", "")
	meta := enterTestMeta()
	in := big.NewInt(100_000_000)

	collateral, borrow, leverageBps, err := resolveEnterAmounts(meta, in)
	require.NoError(t, err)

	// Implied 5.00x clamps to the vault's 3.00x; the collateral moves up so
	// the borrow still fits at the clamped leverage.
	assert.Equal(t, int64(300), leverageBps)
	assert.Equal(t, "500000000", borrow.String())
	assert.Equal(t, "166666667", collateral.String())
	assert.True(t, leverage.ComputeBorrow(collateral, leverageBps).Cmp(borrow) >= 0,
		"resolved collateral must support the borrow at the clamped leverage")
}

func TestResolveEnterAmountsRejectsOutOfRangeLeverage(t *testing.T) {
	setEnterFlags(t, "", "5.0")
	meta := enterTestMeta()

	_, _, _, err := resolveEnterAmounts(meta, big.NewInt(100_000_000))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "outside this vault's range")
}
