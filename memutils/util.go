package memutils

import (
	"math"
	"math/bits"

	cerrors "github.com/cockroachdb/errors"
	"golang.org/x/exp/constraints"
)

// CheckedMul multiplies two non-negative sizes, returning ErrOverflow if the product does not fit in an int
// or either operand is negative.
func CheckedMul[T constraints.Integer](a, b T, name string) (int, error) {
	if a < 0 || b < 0 {
		return 0, cerrors.Wrapf(ErrOverflow, "%s has a negative operand (%d * %d)", name, a, b)
	}

	hi, lo := bits.Mul64(uint64(a), uint64(b))
	if hi != 0 || lo > math.MaxInt {
		return 0, cerrors.Wrapf(ErrOverflow, "%s overflows (%d * %d)", name, a, b)
	}

	return int(lo), nil
}

// CheckedAdd adds two non-negative sizes, returning ErrOverflow if the sum does not fit in an int.
func CheckedAdd(a, b int, name string) (int, error) {
	if a < 0 || b < 0 || a > math.MaxInt-b {
		return 0, cerrors.Wrapf(ErrOverflow, "%s overflows (%d + %d)", name, a, b)
	}
	return a + b, nil
}

func AlignUp(value int, alignment uint) int {
	return (value + int(alignment) - 1) & int(^(alignment - 1))
}

func AlignDown(value int, alignment uint) int {
	return value & int(^(alignment - 1))
}
