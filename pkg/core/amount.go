package core

import (
	"fmt"
	"math/big"

	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"
)

type (
	AssetID   string
	AccountID string

	// Amount is an unsigned quantity in an asset's smallest unit.
	Amount = uint256.Int
)

// NewAmount returns an Amount holding v.
func NewAmount(v uint64) Amount {
	return *uint256.NewInt(v)
}

// ParseAmount parses a base-unit decimal string such as "1000000".
func ParseAmount(s string) (Amount, error) {
	v, err := uint256.FromDecimal(s)
	if err != nil {
		return Amount{}, fmt.Errorf("parse amount %q: %w", s, err)
	}
	return *v, nil
}

// ParseUnits converts a human decimal such as "12.5" into base units of an
// asset with the given number of decimals. Digits below the asset precision are rejected.
func ParseUnits(s string, decimals uint8) (Amount, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Amount{}, fmt.Errorf("parse units %q: %w", s, err)
	}
	if d.IsNegative() {
		return Amount{}, fmt.Errorf("parse units %q: %w", s, ErrInvalidAmount)
	}

	shifted := d.Shift(int32(decimals))
	if !shifted.IsInteger() {
		return Amount{}, fmt.Errorf("parse units %q: more than %d decimals: %w", s, decimals, ErrPrecisionMismatch)
	}

	return FromBig(shifted.BigInt())
}

// FormatUnits renders base units as a human decimal.
func FormatUnits(a Amount, decimals uint8) string {
	return decimal.NewFromBigInt(a.ToBig(), -int32(decimals)).String()
}

// FromBig converts a non-negative big.Int, failing with ErrOverflow when it
// does not fit in 256 bits.
func FromBig(b *big.Int) (Amount, error) {
	if b.Sign() < 0 {
		return Amount{}, fmt.Errorf("negative value %s: %w", b, ErrInvalidAmount)
	}
	v, overflow := uint256.FromBig(b)
	if overflow {
		return Amount{}, fmt.Errorf("value %s: %w", b, ErrOverflow)
	}
	return *v, nil
}

// AddAmounts returns a+b or ErrOverflow.
func AddAmounts(a, b Amount) (Amount, error) {
	var sum Amount
	if _, overflow := sum.AddOverflow(&a, &b); overflow {
		return Amount{}, ErrOverflow
	}
	return sum, nil
}

// SubAmounts returns a-b; the caller guarantees a >= b.
func SubAmounts(a, b Amount) Amount {
	var diff Amount
	diff.Sub(&a, &b)
	return diff
}
