package service

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/tranchess/contract-exchange/internal/domain"
)

// Staking operations share the exchange mutex: the matching engine consumes
// staked balances, so both engines advance under one lock.

// Deposit credits tranche shares into the staking ledger.
func (s *ExchangeService) Deposit(ctx context.Context, account common.Address, t domain.Tranche, amount *big.Int) error {
	now := s.clock()
	s.mu.Lock()
	err := s.staking.Deposit(now.Unix(), account, t, amount)
	s.mu.Unlock()
	if err != nil {
		return fmt.Errorf("service: deposit: %w", err)
	}
	s.publishBalance(ctx, domain.EventDeposited, account, t, amount)
	return nil
}

// Withdraw debits tranche shares from the staking ledger.
func (s *ExchangeService) Withdraw(ctx context.Context, account common.Address, t domain.Tranche, amount *big.Int) error {
	now := s.clock()
	s.mu.Lock()
	err := s.staking.Withdraw(now.Unix(), account, t, amount)
	s.mu.Unlock()
	if err != nil {
		return fmt.Errorf("service: withdraw: %w", err)
	}
	s.publishBalance(ctx, domain.EventWithdrawn, account, t, amount)
	return nil
}

// Balances returns the account's available and locked balances, refreshed to
// the current conversion.
func (s *ExchangeService) Balances(ctx context.Context, account common.Address) (available, locked domain.Amounts, err error) {
	now := s.clock()
	s.mu.Lock()
	available, locked = s.staking.Balances(now.Unix(), account)
	s.mu.Unlock()
	return available, locked, nil
}

// ClaimableRewards reports the rewards the account could claim right now.
func (s *ExchangeService) ClaimableRewards(ctx context.Context, account common.Address) (*big.Int, error) {
	now := s.clock()
	s.mu.Lock()
	amount := s.staking.ClaimableRewards(now.Unix(), account)
	s.mu.Unlock()
	return amount, nil
}

// ClaimRewards settles and pays out the account's accrued rewards.
func (s *ExchangeService) ClaimRewards(ctx context.Context, account common.Address) (*big.Int, error) {
	now := s.clock()
	s.mu.Lock()
	amount, err := s.staking.ClaimRewards(now.Unix(), account)
	s.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("service: claim rewards: %w", err)
	}
	if amount.Sign() > 0 {
		s.publishBalance(ctx, domain.EventRewardsClaimed, account, 0, amount)
	}
	return amount, nil
}

// RefreshBalance walks the account's balances forward through conversions up
// to targetVersion (zero means latest).
func (s *ExchangeService) RefreshBalance(ctx context.Context, account common.Address, targetVersion uint64) error {
	now := s.clock()
	s.mu.Lock()
	err := s.staking.RefreshBalance(now.Unix(), account, targetVersion)
	s.mu.Unlock()
	if err != nil {
		return fmt.Errorf("service: refresh balance: %w", err)
	}
	return nil
}
