package math

import (
	"math/big"
	"sync"
)

// DecimalConfig defines fixed-point precision
type DecimalConfig struct {
	DecimalPrecision int   // Number of decimal places
	Scale            int64 // 10^DecimalPrecision
}

var (
	// Standard configs
	AssetConfig = DecimalConfig{DecimalPrecision: 6, Scale: 1_000_000} // 0.000001 base asset
	BondConfig  = DecimalConfig{DecimalPrecision: 6, Scale: 1_000_000} // 0.000001 bond
	PriceConfig = DecimalConfig{DecimalPrecision: 6, Scale: 1_000_000} // price per bond, 1.0 == 1_000_000
	ShareConfig = DecimalConfig{DecimalPrecision: 6, Scale: 1_000_000} // vault shares
)

// ParPrice is the undiscounted price of one bond at or after maturity.
const ParPrice = 1_000_000

type RoundingMode int

const (
	RoundHalfEven RoundingMode = iota // Banker's rounding (default)
	RoundDown
	RoundUp
)

// Int128 is a pooled big.Int for intermediate calculations
var int128Pool = &sync.Pool{
	New: func() interface{} {
		return new(big.Int)
	},
}

func getInt128() *big.Int {
	return int128Pool.Get().(*big.Int)
}

func putInt128(v *big.Int) {
	v.SetInt64(0) // Clear before returning to pool
	int128Pool.Put(v)
}

// MultiplyInt128 performs a * b using int128 to prevent overflow
func MultiplyInt128(a, b int64) *big.Int {
	result := getInt128()
	result.Mul(big.NewInt(a), big.NewInt(b))
	return result
}

// DivideInt128 performs numerator / denominator with rounding
func DivideInt128(numerator *big.Int, denominator int64, roundingMode RoundingMode) int64 {
	denom := big.NewInt(denominator)
	quotient := getInt128()
	remainder := getInt128()

	quotient.DivMod(numerator, denom, remainder)

	result := quotient.Int64()

	switch roundingMode {
	case RoundHalfEven:
		// Banker's rounding: if remainder == denominator/2, round to even
		half := big.NewInt(denominator / 2)
		cmp := remainder.Cmp(half)

		if cmp > 0 {
			result++
		} else if cmp == 0 && denominator%2 == 0 {
			if result%2 != 0 {
				result++
			}
		}

	case RoundUp:
		if remainder.Sign() != 0 {
			result++
		}

	case RoundDown:
		// DivMod already floors for non-negative operands
	}

	putInt128(quotient)
	putInt128(remainder)

	return result
}

// MulDiv computes a * b / denominator through an int128 intermediate.
// Used for share conversion, proportional close sizing, and cost basis.
func MulDiv(a, b, denominator int64, roundingMode RoundingMode) int64 {
	numerator := MultiplyInt128(a, b)
	result := DivideInt128(numerator, denominator, roundingMode)
	putInt128(numerator)
	return result
}

// WeightedAverage folds a new weighted observation into a running
// quantity-weighted average: (oldWeight*oldValue + addWeight*addValue) /
// (oldWeight + addWeight). Used for average entry price and average
// maturity time on position open/merge.
func WeightedAverage(oldWeight, oldValue, addWeight, addValue int64) int64 {
	if oldWeight == 0 {
		return addValue
	}
	if addWeight == 0 {
		return oldValue
	}

	term1 := MultiplyInt128(oldWeight, oldValue)
	term2 := MultiplyInt128(addWeight, addValue)
	numerator := getInt128()
	numerator.Add(term1, term2)

	result := DivideInt128(numerator, oldWeight+addWeight, RoundHalfEven)

	putInt128(term1)
	putInt128(term2)
	putInt128(numerator)

	return result
}

// WeightedAverageRemove reverses a weighted observation out of a running
// average: (totalWeight*avgValue - removeWeight*removeValue) /
// (totalWeight - removeWeight). Used when quantity leaves the front of
// the ledger. Returns 0 when no weight remains.
func WeightedAverageRemove(totalWeight, avgValue, removeWeight, removeValue int64) int64 {
	remaining := totalWeight - removeWeight
	if remaining <= 0 {
		return 0
	}

	term1 := MultiplyInt128(totalWeight, avgValue)
	term2 := MultiplyInt128(removeWeight, removeValue)
	numerator := getInt128()
	numerator.Sub(term1, term2)

	// Drift from earlier rounding can push the numerator slightly
	// negative when the last sliver of weight is removed.
	if numerator.Sign() < 0 {
		putInt128(term1)
		putInt128(term2)
		putInt128(numerator)
		return 0
	}

	result := DivideInt128(numerator, remaining, RoundHalfEven)

	putInt128(term1)
	putInt128(term2)
	putInt128(numerator)

	return result
}

// ApplyBps reduces amount by a basis-point tolerance, rounding down.
// Used by the default min-output and min-price policies.
func ApplyBps(amount, bps int64) int64 {
	if bps <= 0 {
		return amount
	}
	if bps >= 10_000 {
		return 0
	}
	return MulDiv(amount, 10_000-bps, 10_000, RoundDown)
}
