package domain

import "math/big"

// Tranche identifies one of the three risk classes of claims on the
// underlying fund: P is principal-protected, A carries market risk, B is
// leveraged. The set is fixed and never extended.
type Tranche int

const (
	TrancheP Tranche = iota
	TrancheA
	TrancheB

	// TrancheCount is the number of tranches; useful for array sizing.
	TrancheCount = 3
)

// Tranches lists all tranches in canonical order.
var Tranches = [TrancheCount]Tranche{TrancheP, TrancheA, TrancheB}

// String returns the canonical one-letter name of the tranche.
func (t Tranche) String() string {
	switch t {
	case TrancheP:
		return "P"
	case TrancheA:
		return "A"
	case TrancheB:
		return "B"
	default:
		return "?"
	}
}

// Valid reports whether t is one of the three defined tranches.
func (t Tranche) Valid() bool {
	return t >= TrancheP && t <= TrancheB
}

// ParseTranche converts a one-letter tranche name to a Tranche.
func ParseTranche(s string) (Tranche, bool) {
	switch s {
	case "P", "p":
		return TrancheP, true
	case "A", "a":
		return TrancheA, true
	case "B", "b":
		return TrancheB, true
	default:
		return 0, false
	}
}

// Amounts is a per-tranche triple of amounts, indexed by Tranche. All three
// entries are always non-nil once initialized through NewAmounts.
type Amounts [TrancheCount]*big.Int

// NewAmounts returns an Amounts triple with all entries set to zero.
func NewAmounts() Amounts {
	return Amounts{new(big.Int), new(big.Int), new(big.Int)}
}

// Clone returns a deep copy of the triple.
func (a Amounts) Clone() Amounts {
	return Amounts{
		new(big.Int).Set(a[TrancheP]),
		new(big.Int).Set(a[TrancheA]),
		new(big.Int).Set(a[TrancheB]),
	}
}

// IsZero reports whether all three amounts are zero.
func (a Amounts) IsZero() bool {
	return a[TrancheP].Sign() == 0 && a[TrancheA].Sign() == 0 && a[TrancheB].Sign() == 0
}
