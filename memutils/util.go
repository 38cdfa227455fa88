package memutils

import (
	cerrors "github.com/cockroachdb/errors"
)

type Number interface {
	~int | ~uint | ~int32 | ~uint32 | ~int64 | ~uint64
}

func CheckPow2[T Number](number T, name string) error {
	if number <= 0 || number&(number-1) != 0 {
		return cerrors.Wrapf(PowerOfTwoError, "%s is %d", name, number)
	}
	return nil
}

func AlignUp(value int, alignment uint) int {
	return (value + int(alignment) - 1) & int(^(alignment - 1))
}

// DivideRoundingUp returns the number of units of size unit needed to hold value
func DivideRoundingUp(value, unit int) int {
	return (value + unit - 1) / unit
}

// IsCapacityExhausted returns true if err reports one of the recoverable capacity failures: the caller may
// degrade and try again later.
func IsCapacityExhausted(err error) bool {
	return cerrors.IsAny(err, ErrOutOfMemory, ErrNodePoolExhausted, ErrOutOfPages, ErrOutOfStaging)
}

// Validatable is implemented by allocators that can check their own internal consistency. DebugValidate
// acts on it after mutations when the debug_mem_utils build tag is present.
type Validatable interface {
	Validate() error
}
