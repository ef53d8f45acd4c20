package domain

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// The exchange core treats the fund, the inflation token, the governance
// membership gate, and the external asset tokens as black boxes. These
// interfaces are the complete surface the core calls into; everything behind
// them (NAV computation, rebalancing, vote-escrow accounting) is out of
// scope.

// FundOracle exposes the fund's conversion history and NAV estimation.
//
// A conversion is a discrete event that rescales all outstanding tranche
// balances; conversion ids increase monotonically starting from zero (the
// genesis version, before any conversion).
type FundOracle interface {
	// TokenForTranche returns the external share token backing a tranche.
	TokenForTranche(t Tranche) AssetToken

	// CurrentConversionID returns the latest conversion id.
	CurrentConversionID() uint64

	// ConversionTimestamp returns the time at which conversion id took
	// effect. Ids in (0, CurrentConversionID] are valid.
	ConversionTimestamp(id uint64) int64

	// Convert rescales a balance triple across the single conversion event
	// fromVersion -> fromVersion+1. It is a pure function of its inputs.
	Convert(amounts Amounts, fromVersion uint64) Amounts

	// BatchConvert rescales a balance triple across every conversion event
	// in (fromVersion, toVersion].
	BatchConvert(amounts Amounts, fromVersion, toVersion uint64) Amounts

	// ExtrapolateNav estimates the per-tranche net asset values at the
	// given timestamp, using the given underlying price (18-decimal fixed
	// point). A zero NAV means the estimate is unavailable.
	ExtrapolateNav(timestamp int64, price *big.Int) Amounts

	// TWAPPrice returns the time-weighted average price of the underlying
	// at the given timestamp, or zero when unavailable.
	TWAPPrice(timestamp int64) *big.Int

	// IsExchangeActive reports whether trading is allowed at the given
	// timestamp (the fund suspends trading around rebalance and settlement
	// windows).
	IsExchangeActive(timestamp int64) bool
}

// InflationToken is the reward token whose emission schedule drives staking
// rewards.
type InflationToken interface {
	// CurrentRate returns the emission rate (tokens per second, 18-decimal
	// fixed point) in effect at the given timestamp.
	CurrentRate(timestamp int64) *big.Int

	// Mint credits newly emitted tokens to an account.
	Mint(to common.Address, amount *big.Int) error
}

// WeightController splits the inflation stream across multiple reward pools.
type WeightController interface {
	// RelativeWeight returns this pool's share of total emission at the
	// given timestamp, as an 18-decimal fraction in [0, 1].
	RelativeWeight(pool common.Address, timestamp int64) *big.Int
}

// MembershipGate decides which accounts qualify as makers. Qualification is
// governed externally (vote-escrow balances); the exchange only ever asks
// yes/no questions.
type MembershipGate interface {
	// IsEligible reports whether the account qualifies as a maker at the
	// given timestamp.
	IsEligible(account common.Address, timestamp int64) bool

	// TimestampBelowThreshold returns the most recent time at which the
	// account's qualifying balance dropped below threshold, or zero if it
	// never has.
	TimestampBelowThreshold(account common.Address, threshold *big.Int) int64
}

// AssetToken is the minimal transfer surface of an external asset (the quote
// asset or a tranche share token). Amounts are denominated in the token's own
// native precision; callers are responsible for normalizing to and from the
// internal 18-decimal scale.
type AssetToken interface {
	// Decimals returns the token's native decimal precision.
	Decimals() uint8

	// Transfer moves tokens from the exchange to an external account.
	Transfer(to common.Address, amount *big.Int) error

	// TransferFrom pulls tokens from an external account into the exchange.
	TransferFrom(from common.Address, amount *big.Int) error
}
