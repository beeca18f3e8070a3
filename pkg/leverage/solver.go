package leverage

import (
	"math/big"
)

const (
	// Scale expresses leverage in hundredths of a unit (100 = 1.00x)
	Scale = 100

	// DefaultMinLeverage is the lowest leverage offered (1.00x)
	DefaultMinLeverage = 100
	// DefaultMaxLeverage is the highest leverage offered (10.00x)
	DefaultMaxLeverage = 1000
	// DefaultStep is the granularity leverage is rounded to
	DefaultStep = 10

	// crossAssetMargin tightens the bounds when the collateral asset is not
	// the primary borrowed asset, to keep a safety margin for basis risk
	crossAssetMargin = 10
)

// Bounds holds the allowed leverage range for a collateral asset
type Bounds struct {
	Min int64
	Max int64
}

// Clamp forces a leverage value into the bounds
func (b Bounds) Clamp(leverageBps int64) int64 {
	if leverageBps < b.Min {
		return b.Min
	}
	if leverageBps > b.Max {
		return b.Max
	}
	return leverageBps
}

// Contains reports whether a leverage value is within the bounds
func (b Bounds) Contains(leverageBps int64) bool {
	return leverageBps >= b.Min && leverageBps <= b.Max
}

// GetBounds derives the leverage bounds for a collateral asset. Defaults
// apply unless the caller supplies overrides; the range is then tightened
// when the collateral asset differs from the primary borrowed asset.
func GetBounds(collateralAsset, primaryBorrowedAsset string, override *Bounds) Bounds {
	b := Bounds{Min: DefaultMinLeverage, Max: DefaultMaxLeverage}
	if override != nil {
		b = *override
	}

	if collateralAsset != primaryBorrowedAsset {
		b.Min += crossAssetMargin
		b.Max -= crossAssetMargin
	}

	if b.Max < b.Min {
		b.Max = b.Min
	}

	return b
}

// ComputeBorrow returns the borrow amount implied by a collateral amount and
// a leverage: floor(collateral * leverageBps / Scale)
func ComputeBorrow(collateral *big.Int, leverageBps int64) *big.Int {
	out := new(big.Int).Mul(collateral, big.NewInt(leverageBps))
	return out.Quo(out, big.NewInt(Scale))
}

// ComputeCollateral returns the collateral amount implied by a borrow amount
// and a leverage: ceil(borrow * Scale / leverageBps). Returns zero if the
// leverage is zero or negative.
func ComputeCollateral(borrow *big.Int, leverageBps int64) *big.Int {
	if leverageBps <= 0 {
		return new(big.Int)
	}
	num := new(big.Int).Mul(borrow, big.NewInt(Scale))
	return CeilDiv(num, big.NewInt(leverageBps))
}

// CeilDiv divides a by b rounding up
func CeilDiv(a, b *big.Int) *big.Int {
	q, r := new(big.Int).QuoRem(a, b, new(big.Int))
	if r.Sign() != 0 {
		q.Add(q, big.NewInt(1))
	}
	return q
}

// ConvertDecimals rescales an amount between token decimal conventions using
// exact integer arithmetic
func ConvertDecimals(amount *big.Int, fromDecimals, toDecimals uint8) *big.Int {
	if fromDecimals == toDecimals {
		return new(big.Int).Set(amount)
	}
	if fromDecimals > toDecimals {
		return new(big.Int).Quo(amount, pow10(fromDecimals-toDecimals))
	}
	return new(big.Int).Mul(amount, pow10(toDecimals-fromDecimals))
}

func pow10(n uint8) *big.Int {
	return new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(n)), nil)
}

// BorrowInput carries the context needed to resolve a direct edit of the
// borrow field
type BorrowInput struct {
	// NextBorrow is the value the user typed, in borrowed-asset base units
	NextBorrow *big.Int
	// LeverageBps is the currently selected leverage
	LeverageBps int64
	// Bounds is the allowed leverage range for the selected collateral
	Bounds Bounds
	// Step is the granularity leverage is rounded to; DefaultStep when zero
	Step int64

	// CollateralInBorrowed is the current collateral expressed in the
	// borrowed asset; nil or zero when the reference is unavailable
	CollateralInBorrowed *big.Int
	// Collateral is the current collateral in its own base units
	Collateral *big.Int

	CollateralDecimals uint8
	BorrowedDecimals   uint8

	// StrategyAsset marks a derived collateral asset whose exchange rate
	// against the borrowed asset is not 1:1
	StrategyAsset bool
}

// BorrowUpdate is the consistent triple emitted by the solver. Collateral is
// nil unless the collateral amount had to move to keep leverage in bounds.
type BorrowUpdate struct {
	Borrow      *big.Int
	LeverageBps int64
	Collateral  *big.Int
}

// ResolveBorrowInputChange decides how the position reacts to a direct edit
// of the borrow field: keep collateral fixed and move leverage when the
// implied leverage stays in bounds, otherwise clamp leverage and move the
// collateral instead.
func ResolveBorrowInputChange(in BorrowInput) BorrowUpdate {
	step := in.Step
	if step <= 0 {
		step = DefaultStep
	}

	// Without a usable collateral reference the edit is borrow-only and the
	// leverage stays untouched.
	if in.NextBorrow == nil || in.NextBorrow.Sign() == 0 ||
		in.CollateralInBorrowed == nil || in.CollateralInBorrowed.Sign() == 0 {
		next := new(big.Int)
		if in.NextBorrow != nil {
			next.Set(in.NextBorrow)
		}
		return BorrowUpdate{Borrow: next, LeverageBps: in.LeverageBps}
	}

	implied := new(big.Int).Mul(in.NextBorrow, big.NewInt(Scale))
	implied.Quo(implied, in.CollateralInBorrowed)
	rounded := roundToStep(implied.Int64(), step)
	clamped := in.Bounds.Clamp(rounded)

	if in.Bounds.Contains(rounded) {
		return BorrowUpdate{
			Borrow:      new(big.Int).Set(in.NextBorrow),
			LeverageBps: clamped,
		}
	}

	// Out of bounds: hold the clamped leverage and recompute the collateral
	// that makes the triple consistent.
	target := ComputeCollateral(in.NextBorrow, clamped)

	var collateral *big.Int
	if in.StrategyAsset {
		collateral = crossMultiply(target, in.Collateral, in.CollateralInBorrowed)
	} else {
		collateral = ConvertDecimals(target, in.BorrowedDecimals, in.CollateralDecimals)
	}

	return BorrowUpdate{
		Borrow:      new(big.Int).Set(in.NextBorrow),
		LeverageBps: clamped,
		Collateral:  collateral,
	}
}

// crossMultiply converts a target expressed in the borrowed asset back into
// collateral units using the current collateral/reference ratio
func crossMultiply(target, collateral, collateralInBorrowed *big.Int) *big.Int {
	if collateral == nil || collateralInBorrowed == nil || collateralInBorrowed.Sign() == 0 {
		return new(big.Int).Set(target)
	}
	num := new(big.Int).Mul(target, collateral)
	return CeilDiv(num, collateralInBorrowed)
}

func roundToStep(v, step int64) int64 {
	return (v + step/2) / step * step
}
