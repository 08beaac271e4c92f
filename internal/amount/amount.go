package amount

import (
	"fmt"
	"strings"

	"github.com/holiman/uint256"
)

// Decimals is the number of implied decimal places for every custodial
// amount, matching the convention of the underlying token contracts.
const Decimals = 18

// Scale is 10^Decimals.
var Scale = mustUint("1000000000000000000")

func mustUint(s string) *uint256.Int {
	v := new(uint256.Int)
	if err := v.SetFromDecimal(s); err != nil {
		panic(err)
	}
	return v
}

// Parse converts a decimal string ("1.5", "0.000000000000000001") into a
// scaled 256-bit unsigned integer. At most Decimals fractional digits are
// accepted; anything finer would silently lose value, so it is rejected.
func Parse(s string) (*uint256.Int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, fmt.Errorf("empty amount")
	}
	if strings.HasPrefix(s, "-") {
		return nil, fmt.Errorf("negative amount %q", s)
	}

	intPart := s
	fracPart := ""
	if i := strings.IndexByte(s, '.'); i >= 0 {
		intPart, fracPart = s[:i], s[i+1:]
	}
	if intPart == "" {
		intPart = "0"
	}
	if len(fracPart) > Decimals {
		return nil, fmt.Errorf("amount %q has more than %d decimal places", s, Decimals)
	}

	v := new(uint256.Int)
	if err := v.SetFromDecimal(intPart); err != nil {
		return nil, fmt.Errorf("parse amount %q: %w", s, err)
	}
	if _, overflow := v.MulOverflow(v, Scale); overflow {
		return nil, fmt.Errorf("amount %q overflows", s)
	}

	if fracPart != "" {
		frac := new(uint256.Int)
		if err := frac.SetFromDecimal(fracPart); err != nil {
			return nil, fmt.Errorf("parse amount %q: %w", s, err)
		}
		// Right-pad the fraction to Decimals digits.
		for i := len(fracPart); i < Decimals; i++ {
			frac.Mul(frac, uint256.NewInt(10))
		}
		if _, overflow := v.AddOverflow(v, frac); overflow {
			return nil, fmt.Errorf("amount %q overflows", s)
		}
	}

	return v, nil
}

// MustParse is Parse for trusted literals; it panics on error.
func MustParse(s string) *uint256.Int {
	v, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return v
}

// Format renders a scaled amount as a decimal string with trailing
// fractional zeros trimmed ("1.5", "0.1", "42").
func Format(v *uint256.Int) string {
	quo := new(uint256.Int)
	rem := new(uint256.Int)
	quo.DivMod(v, Scale, rem)

	if rem.IsZero() {
		return quo.Dec()
	}

	frac := rem.Dec()
	// Left-pad to Decimals digits, then trim trailing zeros.
	frac = strings.Repeat("0", Decimals-len(frac)) + frac
	frac = strings.TrimRight(frac, "0")

	return quo.Dec() + "." + frac
}

// Add returns a+b, rejecting on 256-bit overflow.
func Add(a, b *uint256.Int) (*uint256.Int, error) {
	sum, overflow := new(uint256.Int).AddOverflow(a, b)
	if overflow {
		return nil, fmt.Errorf("amount addition overflows")
	}
	return sum, nil
}

// Fee computes amount × feePercent / 100 with truncation toward zero.
// feePercent is an integer number of percentage points out of 100.
func Fee(amount *uint256.Int, feePercent uint64) (*uint256.Int, error) {
	fee, overflow := new(uint256.Int).MulOverflow(amount, uint256.NewInt(feePercent))
	if overflow {
		return nil, fmt.Errorf("fee computation overflows")
	}
	fee.Div(fee, uint256.NewInt(100))
	return fee, nil
}
