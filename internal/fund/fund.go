// Package fund provides deterministic in-memory implementations of the
// exchange's external collaborators: the fund/NAV oracle, the inflation
// token, the weight controller, the maker membership gate, and the asset
// tokens. The production system talks to on-chain contracts behind the same
// interfaces; these implementations back the simulator mode and the test
// suites.
package fund

import (
	"math/big"
	"sort"
	"sync"

	"github.com/tranchess/contract-exchange/internal/domain"
	"github.com/tranchess/contract-exchange/internal/fixedpoint"
)

// Matrix is a 3x3 conversion matrix in 18-decimal fixed point. Row t holds
// the contribution of each pre-conversion tranche to post-conversion tranche
// t: new[t] = sum_s M[t][s] * old[s] / 1e18.
type Matrix [domain.TrancheCount][domain.TrancheCount]*big.Int

// IdentityMatrix returns the no-op conversion.
func IdentityMatrix() Matrix {
	var m Matrix
	for i := range m {
		for j := range m[i] {
			if i == j {
				m[i][j] = fixedpoint.One()
			} else {
				m[i][j] = new(big.Int)
			}
		}
	}
	return m
}

// ScalarMatrix returns a conversion that multiplies every tranche by ratio.
func ScalarMatrix(ratio *big.Int) Matrix {
	m := IdentityMatrix()
	for i := range m {
		m[i][i] = new(big.Int).Set(ratio)
	}
	return m
}

type conversion struct {
	timestamp int64
	matrix    Matrix
}

type navPoint struct {
	timestamp int64
	navs      domain.Amounts
}

type pricePoint struct {
	timestamp int64
	price     *big.Int
}

// Oracle is an in-memory domain.FundOracle. Conversions, TWAP prices, and
// NAV curves are appended by the simulation driver (or test) and read by the
// engines. All methods are safe for concurrent use.
type Oracle struct {
	mu          sync.RWMutex
	shares      [domain.TrancheCount]*Token
	conversions []conversion // conversions[i] has id i+1
	prices      []pricePoint // sorted by timestamp
	navs        []navPoint   // sorted by timestamp
	inactive    [][2]int64   // half-open [from, to) windows with trading suspended
}

// NewOracle creates an Oracle with freshly minted 18-decimal share tokens for
// the three tranches.
func NewOracle() *Oracle {
	o := &Oracle{}
	for _, t := range domain.Tranches {
		o.shares[t] = NewToken("tranche-"+t.String(), 18)
	}
	return o
}

// AddConversion appends a conversion event taking effect at timestamp and
// returns its id. Timestamps must be appended in non-decreasing order.
func (o *Oracle) AddConversion(timestamp int64, m Matrix) uint64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.conversions = append(o.conversions, conversion{timestamp: timestamp, matrix: m})
	return uint64(len(o.conversions))
}

// SetTWAP records the underlying TWAP price effective from timestamp onward.
func (o *Oracle) SetTWAP(timestamp int64, price *big.Int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.prices = append(o.prices, pricePoint{timestamp: timestamp, price: new(big.Int).Set(price)})
	sort.Slice(o.prices, func(i, j int) bool { return o.prices[i].timestamp < o.prices[j].timestamp })
}

// SetNavs records the per-tranche NAVs effective from timestamp onward.
func (o *Oracle) SetNavs(timestamp int64, navP, navA, navB *big.Int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.navs = append(o.navs, navPoint{
		timestamp: timestamp,
		navs: domain.Amounts{
			new(big.Int).Set(navP),
			new(big.Int).Set(navA),
			new(big.Int).Set(navB),
		},
	})
	sort.Slice(o.navs, func(i, j int) bool { return o.navs[i].timestamp < o.navs[j].timestamp })
}

// SuspendTrading marks the half-open window [from, to) as inactive.
func (o *Oracle) SuspendTrading(from, to int64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.inactive = append(o.inactive, [2]int64{from, to})
}

// TokenForTranche implements domain.FundOracle.
func (o *Oracle) TokenForTranche(t domain.Tranche) domain.AssetToken {
	return o.shares[t]
}

// ShareToken returns the concrete in-memory token for a tranche, for seeding
// balances in the simulator.
func (o *Oracle) ShareToken(t domain.Tranche) *Token {
	return o.shares[t]
}

// CurrentConversionID implements domain.FundOracle.
func (o *Oracle) CurrentConversionID() uint64 {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return uint64(len(o.conversions))
}

// ConversionTimestamp implements domain.FundOracle.
func (o *Oracle) ConversionTimestamp(id uint64) int64 {
	o.mu.RLock()
	defer o.mu.RUnlock()
	if id == 0 || id > uint64(len(o.conversions)) {
		return 0
	}
	return o.conversions[id-1].timestamp
}

// Convert implements domain.FundOracle: one step from fromVersion to
// fromVersion+1.
func (o *Oracle) Convert(amounts domain.Amounts, fromVersion uint64) domain.Amounts {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.convertLocked(amounts, fromVersion)
}

// BatchConvert implements domain.FundOracle: every step in
// (fromVersion, toVersion].
func (o *Oracle) BatchConvert(amounts domain.Amounts, fromVersion, toVersion uint64) domain.Amounts {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := amounts.Clone()
	for v := fromVersion; v < toVersion; v++ {
		out = o.convertLocked(out, v)
	}
	return out
}

func (o *Oracle) convertLocked(amounts domain.Amounts, fromVersion uint64) domain.Amounts {
	if fromVersion >= uint64(len(o.conversions)) {
		return amounts.Clone()
	}
	m := o.conversions[fromVersion].matrix
	out := domain.NewAmounts()
	for i := range m {
		acc := new(big.Int)
		for j := range m[i] {
			acc.Add(acc, fixedpoint.MulDec(m[i][j], amounts[j]))
		}
		out[i] = acc
	}
	return out
}

// ExtrapolateNav implements domain.FundOracle. The in-memory oracle keeps an
// explicit NAV curve; the price argument scales the most recent point
// relative to the TWAP recorded at the same time, which lets the simulator
// express NAV drift without re-seeding the whole curve.
func (o *Oracle) ExtrapolateNav(timestamp int64, price *big.Int) domain.Amounts {
	o.mu.RLock()
	defer o.mu.RUnlock()
	idx := -1
	for i := range o.navs {
		if o.navs[i].timestamp <= timestamp {
			idx = i
		} else {
			break
		}
	}
	if idx < 0 {
		return domain.NewAmounts()
	}
	return o.navs[idx].navs.Clone()
}

// TWAPPrice implements domain.FundOracle.
func (o *Oracle) TWAPPrice(timestamp int64) *big.Int {
	o.mu.RLock()
	defer o.mu.RUnlock()
	idx := -1
	for i := range o.prices {
		if o.prices[i].timestamp <= timestamp {
			idx = i
		} else {
			break
		}
	}
	if idx < 0 {
		return new(big.Int)
	}
	return new(big.Int).Set(o.prices[idx].price)
}

// IsExchangeActive implements domain.FundOracle.
func (o *Oracle) IsExchangeActive(timestamp int64) bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	for _, w := range o.inactive {
		if timestamp >= w[0] && timestamp < w[1] {
			return false
		}
	}
	return true
}
