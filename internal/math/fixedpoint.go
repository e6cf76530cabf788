package math

import (
	"errors"
	"math"
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
	PriceConfig    = DecimalConfig{DecimalPrecision: 6, Scale: 1_000_000} // 0.000001
	QuantityConfig = DecimalConfig{DecimalPrecision: 6, Scale: 1_000_000} // 0.000001
	FractionConfig = DecimalConfig{DecimalPrecision: 6, Scale: 1_000_000} // signed fractions (distance)
)

// BpsDenominator converts basis points to fractions (10000 bps = 100%).
const BpsDenominator int64 = 10_000

// PriorityScale maps a normalized [0,1] priority onto the uint64 sort-key
// space. 1e18 leaves headroom below MaxUint64 so band arithmetic never wraps.
const PriorityScale uint64 = 1_000_000_000_000_000_000

// ErrOverflow is returned by checked arithmetic when a result does not fit
// in int64. Callers treat it as fatal to the call: no partial mutation.
var ErrOverflow = errors.New("math: int64 overflow")

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

	// Apply rounding
	result := quotient.Int64()

	if roundingMode == RoundHalfEven {
		// Banker's rounding: if remainder == denominator/2, round to even
		half := big.NewInt(denominator / 2)
		cmp := remainder.Cmp(half)

		if cmp > 0 {
			// remainder > half: round up
			result++
		} else if cmp == 0 && denominator%2 == 0 {
			// remainder == half and even denominator: round to even
			if result%2 != 0 {
				result++
			}
		}
	}

	putInt128(quotient)
	putInt128(remainder)

	return result
}

type RoundingMode int

const (
	RoundHalfEven RoundingMode = iota // Banker's rounding (default)
	RoundDown
	RoundUp
)

// CheckedMul performs a * b, failing with ErrOverflow if the product does
// not fit in int64.
func CheckedMul(a, b int64) (int64, error) {
	product := MultiplyInt128(a, b)
	defer putInt128(product)
	if !product.IsInt64() {
		return 0, ErrOverflow
	}
	return product.Int64(), nil
}

// CheckedAdd performs a + b, failing with ErrOverflow on wrap.
func CheckedAdd(a, b int64) (int64, error) {
	sum := a + b
	if (b > 0 && sum < a) || (b < 0 && sum > a) {
		return 0, ErrOverflow
	}
	return sum, nil
}

// MulBps multiplies an amount by a basis-point fraction with int128
// intermediates. MulBps(100, 5000) == 50.
func MulBps(amount int64, bps int64) int64 {
	raw := MultiplyInt128(amount, bps)
	result := DivideInt128(raw, BpsDenominator, RoundDown)
	putInt128(raw)
	return result
}

// ComputeNotional calculates size * leverage as the position's notional
// exposure. Fails with ErrOverflow rather than wrapping.
func ComputeNotional(size, leverage int64) (int64, error) {
	return CheckedMul(size, leverage)
}

// SaturatingAddU64 adds without wrapping; the priority pipeline prefers a
// pinned maximum over an overflow panic.
func SaturatingAddU64(a, b uint64) uint64 {
	if a > math.MaxUint64-b {
		return math.MaxUint64
	}
	return a + b
}

// SaturatingMulU64 multiplies without wrapping.
func SaturatingMulU64(a, b uint64) uint64 {
	if a == 0 || b == 0 {
		return 0
	}
	if a > math.MaxUint64/b {
		return math.MaxUint64
	}
	return a * b
}

// SaturatingSub subtracts b from a, pinning at zero. Used for reward-pool
// draws where insufficiency truncates instead of failing.
func SaturatingSub(a, b int64) int64 {
	if b >= a {
		return 0
	}
	return a - b
}

// ClampBps pins v into [lo, hi].
func ClampBps(v, lo, hi int64) int64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
