// Package fixedpoint implements deterministic 18-decimal fixed-point
// arithmetic on arbitrary-precision integers. All operations truncate toward
// zero; nothing here ever rounds half-up.
package fixedpoint

import "math/big"

// DecimalPlaces is the internal fixed-point precision.
const DecimalPlaces = 18

// Scale is the fixed-point unit, 1e18.
var Scale = new(big.Int).Exp(big.NewInt(10), big.NewInt(DecimalPlaces), nil)

// One returns a fresh copy of the fixed-point unit.
func One() *big.Int { return new(big.Int).Set(Scale) }

// FromInt converts a whole-number amount to fixed point.
func FromInt(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), Scale)
}

// MulDec returns a*b/1e18, truncated toward zero.
func MulDec(a, b *big.Int) *big.Int {
	p := new(big.Int).Mul(a, b)
	return p.Quo(p, Scale)
}

// DivDec returns a*1e18/b, truncated toward zero.
func DivDec(a, b *big.Int) *big.Int {
	p := new(big.Int).Mul(a, Scale)
	return p.Quo(p, b)
}

// MulDiv returns a*b/c with full intermediate precision, truncated toward
// zero.
func MulDiv(a, b, c *big.Int) *big.Int {
	p := new(big.Int).Mul(a, b)
	return p.Quo(p, c)
}

// Unit returns the conversion unit between the internal scale and a token
// with the given native decimals: 10^(18-decimals). Tokens with more than 18
// decimals are not supported and yield a unit of 1.
func Unit(decimals uint8) *big.Int {
	if decimals >= DecimalPlaces {
		return big.NewInt(1)
	}
	return new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(DecimalPlaces-decimals)), nil)
}

// ToNativeFloor converts an internal 18-decimal amount to a token's native
// precision, rounding down. Used on outbound transfers so the ledger never
// over-pays.
func ToNativeFloor(amount, unit *big.Int) *big.Int {
	return new(big.Int).Quo(amount, unit)
}

// ToNativeCeil converts an internal 18-decimal amount to a token's native
// precision, rounding up. Used on inbound transfers so the ledger never
// under-collects.
func ToNativeCeil(amount, unit *big.Int) *big.Int {
	n := new(big.Int).Add(amount, new(big.Int).Sub(unit, big.NewInt(1)))
	return n.Quo(n, unit)
}

// FromNative converts a native-precision token amount to the internal
// 18-decimal scale.
func FromNative(amount, unit *big.Int) *big.Int {
	return new(big.Int).Mul(amount, unit)
}

// Min returns the smaller of a and b as a fresh value.
func Min(a, b *big.Int) *big.Int {
	if a.Cmp(b) <= 0 {
		return new(big.Int).Set(a)
	}
	return new(big.Int).Set(b)
}
