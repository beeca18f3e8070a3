package leverage

import (
	"math/big"

	"github.com/shopspring/decimal"
)

// FeeParams holds the protocol fee rates that feed the liquidation estimate,
// expressed as fractions (0.01 = 1%)
type FeeParams struct {
	SpreadFee      decimal.Decimal
	ProtocolFee    decimal.Decimal
	LiquidationFee decimal.Decimal
}

// BorrowingFactor returns the multiplicative factor applied to the borrowed
// amount when estimating the liquidation price. The spread fee is folded in
// multiplicatively and the protocol and liquidation fees compose by maximum,
// the more conservative of the two combinations.
func BorrowingFactor(fees FeeParams) decimal.Decimal {
	one := decimal.NewFromInt(1)
	settlement := decimal.Max(fees.ProtocolFee, fees.LiquidationFee)
	return one.Add(fees.SpreadFee).Mul(one.Add(settlement))
}

// EstimateLiquidationPrice estimates the collateral price, in borrowed-asset
// terms, at which the position becomes liquidatable. Returns zero when the
// collateral amount is zero.
func EstimateLiquidationPrice(collateral, borrow *big.Int, fees FeeParams) decimal.Decimal {
	if collateral == nil || collateral.Sign() == 0 || borrow == nil {
		return decimal.Zero
	}
	debt := decimal.NewFromBigInt(borrow, 0).Mul(BorrowingFactor(fees))
	return debt.Div(decimal.NewFromBigInt(collateral, 0))
}
