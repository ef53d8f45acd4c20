package staking

import (
	"fmt"
	"log/slog"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/tranchess/contract-exchange/internal/domain"
	"github.com/tranchess/contract-exchange/internal/fixedpoint"
)

// Deposit pulls amount of a tranche's share token from the account's
// external wallet and credits the available balance. A zero amount is a
// no-op, not an error.
func (e *Engine) Deposit(now int64, addr common.Address, t domain.Tranche, amount *big.Int) error {
	if !t.Valid() {
		return domain.ErrInvalidTranche
	}
	acct := e.touch(now, addr)
	if amount.Sign() == 0 {
		return nil
	}
	if err := e.fund.TokenForTranche(t).TransferFrom(addr, amount); err != nil {
		return fmt.Errorf("staking: deposit transfer: %w", err)
	}
	acct.Available[t].Add(acct.Available[t], amount)
	e.totalSupply[t].Add(e.totalSupply[t], amount)
	e.reweigh(acct)
	e.logger.Debug("deposit",
		slog.String("account", addr.Hex()),
		slog.String("tranche", t.String()),
		slog.String("amount", amount.String()),
	)
	return nil
}

// Withdraw debits the available balance and pushes the share token back to
// the account's external wallet.
func (e *Engine) Withdraw(now int64, addr common.Address, t domain.Tranche, amount *big.Int) error {
	if !t.Valid() {
		return domain.ErrInvalidTranche
	}
	acct := e.touch(now, addr)
	if acct.Available[t].Cmp(amount) < 0 {
		return domain.ErrInsufficientBalance
	}
	// Push the tokens out first, mirroring Deposit: the ledger is debited
	// only once the transfer has succeeded, so a failure leaves the balance
	// untouched.
	if err := e.fund.TokenForTranche(t).Transfer(addr, amount); err != nil {
		return fmt.Errorf("staking: withdraw transfer: %w", err)
	}
	acct.Available[t].Sub(acct.Available[t], amount)
	e.totalSupply[t].Sub(e.totalSupply[t], amount)
	e.reweigh(acct)
	e.logger.Debug("withdraw",
		slog.String("account", addr.Hex()),
		slog.String("tranche", t.String()),
		slog.String("amount", amount.String()),
	)
	return nil
}

// TradeAvailable consumes amount from the available balance and the total
// supply without an external transfer. Used when an available balance pays
// for a trade.
func (e *Engine) TradeAvailable(now int64, addr common.Address, t domain.Tranche, amount *big.Int) error {
	acct := e.touch(now, addr)
	if acct.Available[t].Cmp(amount) < 0 {
		return domain.ErrInsufficientBalance
	}
	acct.Available[t].Sub(acct.Available[t], amount)
	e.totalSupply[t].Sub(e.totalSupply[t], amount)
	e.reweigh(acct)
	return nil
}

// Lock moves amount from available to locked. Total supply and reward weight
// are unchanged.
func (e *Engine) Lock(now int64, addr common.Address, t domain.Tranche, amount *big.Int) error {
	acct := e.touch(now, addr)
	if acct.Available[t].Cmp(amount) < 0 {
		return domain.ErrInsufficientBalance
	}
	acct.Available[t].Sub(acct.Available[t], amount)
	acct.Locked[t].Add(acct.Locked[t], amount)
	return nil
}

// TradeLocked consumes amount from the locked balance and the total supply.
// Used when a resting ask's locked base is filled.
func (e *Engine) TradeLocked(now int64, addr common.Address, t domain.Tranche, amount *big.Int) error {
	acct := e.touch(now, addr)
	if acct.Locked[t].Cmp(amount) < 0 {
		return domain.ErrInsufficientLocked
	}
	acct.Locked[t].Sub(acct.Locked[t], amount)
	e.totalSupply[t].Sub(e.totalSupply[t], amount)
	e.reweigh(acct)
	return nil
}

// ConvertAndClearTrade credits a balance triple denominated at fromVersion
// into the account's available balances, converting across any conversions
// that occurred since, in one checkpoint-protected operation. Used at
// settlement when resolved base amounts are credited.
func (e *Engine) ConvertAndClearTrade(now int64, addr common.Address, amounts domain.Amounts, fromVersion uint64) error {
	if fromVersion > e.fund.CurrentConversionID() {
		return domain.ErrVersionOutOfBounds
	}
	acct := e.touch(now, addr)
	credited := e.fund.BatchConvert(amounts, fromVersion, e.version)
	for _, t := range domain.Tranches {
		acct.Available[t].Add(acct.Available[t], credited[t])
		e.totalSupply[t].Add(e.totalSupply[t], credited[t])
	}
	e.reweigh(acct)
	return nil
}

// ConvertAndUnlock moves a balance triple denominated at fromVersion from
// locked back to available, converting across any conversions since. Used
// when a resting ask is cancelled or expires unfilled.
func (e *Engine) ConvertAndUnlock(now int64, addr common.Address, amounts domain.Amounts, fromVersion uint64) error {
	if fromVersion > e.fund.CurrentConversionID() {
		return domain.ErrVersionOutOfBounds
	}
	acct := e.touch(now, addr)
	unlocked := e.fund.BatchConvert(amounts, fromVersion, e.version)
	for _, t := range domain.Tranches {
		if acct.Locked[t].Cmp(unlocked[t]) < 0 {
			return domain.ErrInsufficientLocked
		}
	}
	for _, t := range domain.Tranches {
		acct.Locked[t].Sub(acct.Locked[t], unlocked[t])
		acct.Available[t].Add(acct.Available[t], unlocked[t])
	}
	return nil
}

// RefreshBalance walks the account's balances forward through each
// conversion event up to targetVersion, or to the latest conversion when
// targetVersion is zero. Refreshing to an older or equal version is a no-op.
func (e *Engine) RefreshBalance(now int64, addr common.Address, targetVersion uint64) error {
	latest := e.fund.CurrentConversionID()
	if targetVersion == 0 {
		targetVersion = latest
	}
	if targetVersion > latest {
		return domain.ErrVersionOutOfBounds
	}
	e.checkpoint(now)
	acct := e.account(addr)
	if targetVersion <= acct.Version {
		return nil
	}
	e.checkpointAccount(acct, targetVersion)
	return nil
}

// Balances returns the account's available and locked triples refreshed to
// the current version, without mutating reward state beyond the mandatory
// checkpoint.
func (e *Engine) Balances(now int64, addr common.Address) (available, locked domain.Amounts) {
	acct := e.touch(now, addr)
	return acct.Available.Clone(), acct.Locked.Clone()
}

// ClaimableRewards computes the rewards the account could claim at now by
// replaying the checkpoint formula without persisting anything.
func (e *Engine) ClaimableRewards(now int64, addr common.Address) *big.Int {
	acct, ok := e.accounts[addr]
	if !ok {
		return new(big.Int)
	}

	// Replay the global accrual on shadow values.
	integral := new(big.Int).Set(e.integral)
	totalWeight := new(big.Int).Set(e.totalWeight)
	version := e.version
	supply := e.totalSupply.Clone()
	boundaries := make(map[uint64]*big.Int)
	from := e.checkpointTime
	latest := e.fund.CurrentConversionID()

	shadowAccrue := func(from, to int64) {
		if to <= from || totalWeight.Sign() == 0 {
			return
		}
		rate := e.inflation.CurrentRate(from)
		rel := e.controller.RelativeWeight(e.pool, from)
		reward := new(big.Int).Mul(rate, big.NewInt(to-from))
		reward = fixedpoint.MulDec(reward, rel)
		integral.Add(integral, fixedpoint.DivDec(reward, totalWeight))
	}

	for v := version + 1; v <= latest; v++ {
		boundary := e.fund.ConversionTimestamp(v)
		if boundary > now {
			boundary = now
		}
		shadowAccrue(from, boundary)
		supply = e.fund.Convert(supply, v-1)
		totalWeight = combinedWeight(supply, domain.NewAmounts())
		boundaries[v] = new(big.Int).Set(integral)
		if boundary > from {
			from = boundary
		}
	}
	shadowAccrue(from, now)

	// Replay the account catch-up.
	claimable := new(big.Int).Set(acct.claimable)
	paid := new(big.Int).Set(acct.integralPaid)
	weight := new(big.Int).Set(acct.weight)
	available := acct.Available.Clone()
	locked := acct.Locked.Clone()
	for v := acct.Version + 1; v <= latest; v++ {
		boundaryIntegral, ok := boundaries[v]
		if !ok {
			boundaryIntegral, ok = e.integralAtVersion[v]
			if !ok {
				boundaryIntegral = paid
			}
		}
		delta := new(big.Int).Sub(boundaryIntegral, paid)
		claimable.Add(claimable, fixedpoint.MulDec(weight, delta))
		paid.Set(boundaryIntegral)
		available = e.fund.Convert(available, v-1)
		locked = e.fund.Convert(locked, v-1)
		weight = combinedWeight(available, locked)
	}
	delta := new(big.Int).Sub(integral, paid)
	claimable.Add(claimable, fixedpoint.MulDec(weight, delta))
	return claimable
}

// ClaimRewards settles and zeroes the account's accrued rewards and mints
// the inflation token to the account's external wallet. Returns the amount
// transferred.
func (e *Engine) ClaimRewards(now int64, addr common.Address) (*big.Int, error) {
	acct := e.touch(now, addr)
	amount := new(big.Int).Set(acct.claimable)
	if amount.Sign() == 0 {
		return amount, nil
	}
	acct.claimable.SetInt64(0)
	if err := e.inflation.Mint(addr, amount); err != nil {
		return nil, fmt.Errorf("staking: claim mint: %w", err)
	}
	e.logger.Info("rewards claimed",
		slog.String("account", addr.Hex()),
		slog.String("amount", amount.String()),
	)
	return amount, nil
}
