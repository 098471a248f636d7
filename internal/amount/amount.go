// Package amount provides parsing and formatting for settlement amounts.
//
// Prices, escrow holdings and balances are decimal strings with 6 places of
// precision. Arithmetic is done on big.Int in the smallest unit
// (1.000000 = 1,000,000 units).
package amount

import (
	"errors"
	"math/big"
	"strings"
)

const Decimals = 6

var ErrInvalid = errors.New("invalid amount")

// Parse converts a decimal string (e.g. "1.50") to its smallest-unit
// big.Int representation (1500000). Returns (nil, false) on invalid input.
//
// Rules:
//   - Empty string returns (0, true)
//   - Negative amounts are rejected
//   - Multiple decimal points are rejected
//   - Fractional parts are padded/truncated to 6 decimal places
func Parse(s string) (*big.Int, bool) {
	if s == "" {
		return big.NewInt(0), true
	}
	if strings.HasPrefix(s, "-") || strings.HasPrefix(s, "+") {
		return nil, false
	}

	parts := strings.Split(s, ".")
	if len(parts) > 2 {
		return nil, false
	}
	whole := parts[0]
	frac := ""
	if len(parts) > 1 {
		frac = parts[1]
	}

	for len(frac) < Decimals {
		frac += "0"
	}
	frac = frac[:Decimals]

	result, ok := new(big.Int).SetString(whole+frac, 10)
	return result, ok
}

// MustParse is Parse for trusted constants; it panics on invalid input.
func MustParse(s string) *big.Int {
	v, ok := Parse(s)
	if !ok {
		panic("amount: invalid literal " + s)
	}
	return v
}

// Format converts a smallest-unit big.Int to a decimal string with exactly
// 6 decimal places (e.g. "1.500000").
func Format(v *big.Int) string {
	if v == nil {
		return "0.000000"
	}
	neg := v.Sign() < 0
	s := new(big.Int).Abs(v).String()
	for len(s) < Decimals+1 {
		s = "0" + s
	}
	point := len(s) - Decimals
	result := s[:point] + "." + s[point:]
	if neg {
		result = "-" + result
	}
	return result
}

// Normalize parses and re-formats s so equal amounts compare equal as strings.
func Normalize(s string) (string, error) {
	v, ok := Parse(s)
	if !ok {
		return "", ErrInvalid
	}
	return Format(v), nil
}

// Sum adds every value and returns the formatted total.
func Sum(values ...string) (string, error) {
	total := new(big.Int)
	for _, s := range values {
		v, ok := Parse(s)
		if !ok {
			return "", ErrInvalid
		}
		total.Add(total, v)
	}
	return Format(total), nil
}

// Cmp compares two decimal strings. Invalid input is an error.
func Cmp(a, b string) (int, error) {
	av, ok := Parse(a)
	if !ok {
		return 0, ErrInvalid
	}
	bv, ok := Parse(b)
	if !ok {
		return 0, ErrInvalid
	}
	return av.Cmp(bv), nil
}

// IsZero reports whether s parses to zero. Invalid input is not zero.
func IsZero(s string) bool {
	v, ok := Parse(s)
	return ok && v.Sign() == 0
}
