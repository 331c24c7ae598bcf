// Package usdc converts raw USDC token amounts.
//
// USDC has 6 decimals: a raw amount of 1_000_000 is one dollar.
package usdc

import (
	"fmt"
	"math/big"
)

// Decimals is the token's decimal precision.
const Decimals = 6

var unit = big.NewInt(1_000_000)

// ToCredits converts a raw amount to credits at perUSDC credits per dollar,
// rounding down. ok is false if the result does not fit in an int64.
// Zero, negative and nil amounts convert to zero.
func ToCredits(raw *big.Int, perUSDC int64) (credits int64, ok bool) {
	if raw == nil || raw.Sign() <= 0 || perUSDC <= 0 {
		return 0, true
	}
	c := new(big.Int).Mul(raw, big.NewInt(perUSDC))
	c.Quo(c, unit)
	if !c.IsInt64() {
		return 0, false
	}
	return c.Int64(), true
}

// Format renders a raw amount as dollars with all 6 decimals ("1.500000").
func Format(raw *big.Int) string {
	if raw == nil {
		return "0.000000"
	}
	sign := ""
	abs := raw
	if raw.Sign() < 0 {
		sign = "-"
		abs = new(big.Int).Neg(raw)
	}
	q, r := new(big.Int).QuoRem(abs, unit, new(big.Int))
	return fmt.Sprintf("%s%s.%06d", sign, q.String(), r.Int64())
}
