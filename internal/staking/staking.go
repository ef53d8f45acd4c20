// Package staking implements the tranche balance ledger and the inflationary
// reward accrual engine. Every balance-mutating operation checkpoints the
// reward accumulator before touching the weight-determining balances; the
// accumulator invariant (integral of rate/totalWeight between checkpoints
// equals the delta in cumulative reward per weight) holds at every exit.
package staking

import (
	"log/slog"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/tranchess/contract-exchange/internal/domain"
	"github.com/tranchess/contract-exchange/internal/fixedpoint"
)

// Per-tranche reward weight multipliers. P is the normalization base, so a
// P-denominated weight needs no scaling.
var (
	weightP = big.NewInt(2)
	weightA = big.NewInt(1)
	weightB = big.NewInt(3)
)

// Account is one account's ledger state. Balances are denominated at Version
// and lazily refreshed through conversion events before every read or
// mutation.
type Account struct {
	Available domain.Amounts
	Locked    domain.Amounts
	Version   uint64

	weight       *big.Int // reward weight at the last checkpoint
	integralPaid *big.Int // cumulative reward per weight already settled
	claimable    *big.Int // accrued, unclaimed rewards
}

func newAccount(version uint64) *Account {
	return &Account{
		Available:    domain.NewAmounts(),
		Locked:       domain.NewAmounts(),
		Version:      version,
		weight:       new(big.Int),
		integralPaid: new(big.Int),
		claimable:    new(big.Int),
	}
}

// Engine is the staking ledger plus the global reward accumulator. It is not
// safe for concurrent use; the owning service serializes all operations,
// matching the one-transaction-at-a-time execution model.
type Engine struct {
	fund       domain.FundOracle
	inflation  domain.InflationToken
	controller domain.WeightController
	pool       common.Address // identity under the weight controller
	logger     *slog.Logger

	accounts    map[common.Address]*Account
	totalSupply domain.Amounts
	version     uint64 // conversion id the total supply is denominated in

	checkpointTime    int64
	integral          *big.Int           // cumulative reward per weight, 1e18
	totalWeight       *big.Int           // at the current version
	integralAtVersion map[uint64]*big.Int // integral value when each conversion folded in
}

// New creates a staking engine starting at the fund's current conversion id.
// startTime anchors the first accrual interval.
func New(
	fund domain.FundOracle,
	inflation domain.InflationToken,
	controller domain.WeightController,
	pool common.Address,
	startTime int64,
	logger *slog.Logger,
) *Engine {
	return &Engine{
		fund:              fund,
		inflation:         inflation,
		controller:        controller,
		pool:              pool,
		logger:            logger.With(slog.String("component", "staking")),
		accounts:          make(map[common.Address]*Account),
		totalSupply:       domain.NewAmounts(),
		version:           fund.CurrentConversionID(),
		checkpointTime:    startTime,
		integral:          new(big.Int),
		totalWeight:       new(big.Int),
		integralAtVersion: make(map[uint64]*big.Int),
	}
}

// RewardWeight computes the reward weight of a balance triple:
// (p*Wp + a*Wa + b*Wb) / Wp with integer truncating division.
func RewardWeight(p, a, b *big.Int) *big.Int {
	sum := new(big.Int).Mul(p, weightP)
	sum.Add(sum, new(big.Int).Mul(a, weightA))
	sum.Add(sum, new(big.Int).Mul(b, weightB))
	return sum.Quo(sum, weightP)
}

func combinedWeight(available, locked domain.Amounts) *big.Int {
	total := domain.NewAmounts()
	for _, t := range domain.Tranches {
		total[t].Add(available[t], locked[t])
	}
	return RewardWeight(total[domain.TrancheP], total[domain.TrancheA], total[domain.TrancheB])
}

// TotalSupply returns the current total of available+locked across all
// accounts for a tranche, denominated at the current conversion id.
func (e *Engine) TotalSupply(t domain.Tranche) *big.Int {
	return new(big.Int).Set(e.totalSupply[t])
}

// Version returns the conversion id the engine state is denominated in.
func (e *Engine) Version() uint64 { return e.version }

// TotalWeight returns the total reward weight at the last checkpoint.
func (e *Engine) TotalWeight() *big.Int { return new(big.Int).Set(e.totalWeight) }

// account returns the account record, creating it at the engine's current
// version on first interaction.
func (e *Engine) account(addr common.Address) *Account {
	acct, ok := e.accounts[addr]
	if !ok {
		acct = newAccount(e.version)
		acct.integralPaid.Set(e.integral)
		e.accounts[addr] = acct
	}
	return acct
}

// checkpoint advances the global accumulator to now. Conversions that took
// effect since the last checkpoint split the accrual at their boundaries:
// each segment accrues with the total weight that was in force during it,
// then the total supply is folded through the conversion and the weight
// recomputed.
func (e *Engine) checkpoint(now int64) {
	latest := e.fund.CurrentConversionID()
	from := e.checkpointTime

	for v := e.version + 1; v <= latest; v++ {
		boundary := e.fund.ConversionTimestamp(v)
		if boundary > now {
			boundary = now
		}
		e.accrue(from, boundary)
		e.totalSupply = e.fund.Convert(e.totalSupply, v-1)
		e.totalWeight = combinedWeight(e.totalSupply, domain.NewAmounts())
		e.integralAtVersion[v] = new(big.Int).Set(e.integral)
		e.version = v
		if boundary > from {
			from = boundary
		}
	}

	e.accrue(from, now)
	if now > e.checkpointTime {
		e.checkpointTime = now
	}
}

// accrue adds rate*(to-from)/totalWeight to the integral. A zero-duration
// interval contributes nothing no matter how many checkpoints fire at the
// same instant, and a zero total weight accrues nothing (rewards are neither
// lost nor fabricated while nobody holds weight).
func (e *Engine) accrue(from, to int64) {
	if to <= from || e.totalWeight.Sign() == 0 {
		return
	}
	rate := e.inflation.CurrentRate(from)
	rel := e.controller.RelativeWeight(e.pool, from)
	reward := new(big.Int).Mul(rate, big.NewInt(to-from))
	reward = fixedpoint.MulDec(reward, rel)
	e.integral.Add(e.integral, fixedpoint.DivDec(reward, e.totalWeight))
}

// checkpointAccount settles an account's accrued rewards up to the engine's
// current state and refreshes its balances to targetVersion (<= engine
// version). Each conversion boundary is crossed with the pre-conversion
// weight, then the balances are folded through the conversion and the weight
// recomputed, so stale weight never leaks across a conversion.
func (e *Engine) checkpointAccount(acct *Account, targetVersion uint64) {
	for v := acct.Version + 1; v <= targetVersion; v++ {
		boundaryIntegral, ok := e.integralAtVersion[v]
		if !ok {
			// Conversion predates this engine instance; no accrual to split.
			boundaryIntegral = acct.integralPaid
		}
		delta := new(big.Int).Sub(boundaryIntegral, acct.integralPaid)
		acct.claimable.Add(acct.claimable, fixedpoint.MulDec(acct.weight, delta))
		acct.integralPaid.Set(boundaryIntegral)

		acct.Available = e.fund.Convert(acct.Available, v-1)
		acct.Locked = e.fund.Convert(acct.Locked, v-1)
		acct.Version = v
		acct.weight = combinedWeight(acct.Available, acct.Locked)
	}

	if targetVersion == e.version {
		delta := new(big.Int).Sub(e.integral, acct.integralPaid)
		acct.claimable.Add(acct.claimable, fixedpoint.MulDec(acct.weight, delta))
		acct.integralPaid.Set(e.integral)
	}
}

// touch checkpoints the global accumulator and the account, returning the
// account refreshed to the engine's current version. Every mutating
// operation goes through here before reading or writing balances.
func (e *Engine) touch(now int64, addr common.Address) *Account {
	e.checkpoint(now)
	acct := e.account(addr)
	e.checkpointAccount(acct, e.version)
	return acct
}

// reweigh recomputes the account's weight after a balance mutation and folds
// the difference into the total weight.
func (e *Engine) reweigh(acct *Account) {
	newWeight := combinedWeight(acct.Available, acct.Locked)
	e.totalWeight.Add(e.totalWeight, newWeight)
	e.totalWeight.Sub(e.totalWeight, acct.weight)
	acct.weight = newWeight
}
