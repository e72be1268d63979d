// Package fixedpoint implements the ledger's money arithmetic.
// All balances, order quantities and prices are int64 values scaled
// by 10^8, matching the precision of on-chain amounts.
package fixedpoint

import (
	"fmt"
	"math/big"
	"strings"
)

// Decimals is the number of decimal places carried by every amount.
const Decimals = 8

// Scale is 10^Decimals.
const Scale int64 = 100_000_000

// Parse converts a decimal string ("12.34500000") to scaled units.
// More than Decimals fractional digits is an error, not a rounding.
func Parse(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty amount")
	}
	neg := false
	if s[0] == '-' {
		neg = true
		s = s[1:]
	}
	whole, frac := s, ""
	if i := strings.IndexByte(s, '.'); i >= 0 {
		whole, frac = s[:i], s[i+1:]
	}
	if whole == "" && frac == "" {
		return 0, fmt.Errorf("malformed amount %q", s)
	}
	if len(frac) > Decimals {
		return 0, fmt.Errorf("amount %q exceeds %d decimal places", s, Decimals)
	}
	frac += strings.Repeat("0", Decimals-len(frac))

	v := new(big.Int)
	if _, ok := v.SetString(whole+frac, 10); !ok {
		return 0, fmt.Errorf("malformed amount %q", s)
	}
	if !v.IsInt64() {
		return 0, fmt.Errorf("amount %q out of range", s)
	}
	n := v.Int64()
	if neg {
		n = -n
	}
	return n, nil
}

// Format renders scaled units as a decimal string with all 8 places,
// the same shape the original balance API returned (toFixed(8)).
func Format(v int64) string {
	sign := ""
	if v < 0 {
		sign = "-"
		v = -v
	}
	return fmt.Sprintf("%s%d.%08d", sign, v/Scale, v%Scale)
}

// Mul computes quantity*price where both operands are scaled, returning
// a scaled result. Intermediate math runs through big.Int so a large
// order cannot silently overflow int64.
func Mul(quantity, price int64) (int64, error) {
	r := new(big.Int).Mul(big.NewInt(quantity), big.NewInt(price))
	r.Quo(r, big.NewInt(Scale))
	if !r.IsInt64() {
		return 0, fmt.Errorf("fixedpoint: %d * %d overflows", quantity, price)
	}
	return r.Int64(), nil
}
