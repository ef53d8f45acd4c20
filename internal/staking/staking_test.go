package staking

import (
	"io"
	"log/slog"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"

	"github.com/tranchess/contract-exchange/internal/domain"
	"github.com/tranchess/contract-exchange/internal/fixedpoint"
	"github.com/tranchess/contract-exchange/internal/fund"
)

var (
	staker1 = common.HexToAddress("0x0000000000000000000000000000000000000101")
	staker2 = common.HexToAddress("0x0000000000000000000000000000000000000102")
	pool    = common.HexToAddress("0x00000000000000000000000000000000000000f1")
)

type fixture struct {
	oracle    *fund.Oracle
	inflation *fund.Token
	engine    *Engine
}

// newFixture builds an engine over in-memory collaborators with an emission
// rate of 1000 wei/s fully allocated to this pool, and seeds both stakers
// with plenty of every share token.
func newFixture(t *testing.T, startTime int64) *fixture {
	t.Helper()
	oracle := fund.NewOracle()
	inflation := fund.NewToken("chess", 18)
	inflation.SetRate(0, big.NewInt(1000))
	relayer := fund.NewWeightRelayer()
	relayer.SetWeight(pool, fixedpoint.One())

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	engine := New(oracle, inflation, relayer, pool, startTime, logger)

	seed := big.NewInt(1_000_000)
	for _, tr := range domain.Tranches {
		for _, addr := range []common.Address{staker1, staker2} {
			if err := oracle.ShareToken(tr).Mint(addr, seed); err != nil {
				t.Fatal(err)
			}
		}
	}
	return &fixture{oracle: oracle, inflation: inflation, engine: engine}
}

func mustDeposit(t *testing.T, e *Engine, now int64, addr common.Address, tr domain.Tranche, amount int64) {
	t.Helper()
	if err := e.Deposit(now, addr, tr, big.NewInt(amount)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
}

func TestRewardWeightExamples(t *testing.T) {
	cases := []struct {
		p, a, b int64
		want    int64
	}{
		{0, 1, 0, 0}, // 1/2 truncates to 0
		{0, 0, 1, 1}, // 3/2 truncates to 1
		{0, 1, 1, 2}, // 4/2
		{1, 0, 0, 1},
		{750, 0, 0, 750},
		{0, 2, 0, 1},
	}
	for _, tc := range cases {
		got := RewardWeight(big.NewInt(tc.p), big.NewInt(tc.a), big.NewInt(tc.b))
		if got.Int64() != tc.want {
			t.Errorf("RewardWeight(%d,%d,%d) = %d, want %d", tc.p, tc.a, tc.b, got.Int64(), tc.want)
		}
	}
}

func TestRewardWeightLinearity(t *testing.T) {
	// Non-decreasing in each input.
	base := RewardWeight(big.NewInt(10), big.NewInt(10), big.NewInt(10))
	for i := 0; i < 3; i++ {
		args := []*big.Int{big.NewInt(10), big.NewInt(10), big.NewInt(10)}
		args[i] = big.NewInt(11)
		if RewardWeight(args[0], args[1], args[2]).Cmp(base) < 0 {
			t.Errorf("weight decreased when input %d increased", i)
		}
	}
}

func TestTwoStakerRewardSplit(t *testing.T) {
	fx := newFixture(t, 0)
	e := fx.engine

	// Weights 750 and 250 out of 1000.
	mustDeposit(t, e, 0, staker1, domain.TrancheP, 750)
	mustDeposit(t, e, 0, staker2, domain.TrancheP, 250)

	// rate * 750/1000 * 100 = 1000 * 0.75 * 100 = 75000.
	got := e.ClaimableRewards(100, staker1)
	if got.Int64() != 75000 {
		t.Errorf("staker1 claimable = %d, want 75000", got.Int64())
	}
	if got := e.ClaimableRewards(100, staker2); got.Int64() != 25000 {
		t.Errorf("staker2 claimable = %d, want 25000", got.Int64())
	}
}

func TestRewardConservationAcrossCheckpoints(t *testing.T) {
	// The same elapsed time must yield the same total rewards no matter how
	// many intermediate checkpoints fire, including several at the same
	// instant.
	fx := newFixture(t, 0)
	e := fx.engine
	mustDeposit(t, e, 0, staker1, domain.TrancheP, 600) // weight 600
	mustDeposit(t, e, 0, staker2, domain.TrancheA, 800) // weight 400

	// Burst of weight-shuffling operations, several at identical timestamps.
	if err := e.Lock(25, staker1, domain.TrancheP, big.NewInt(100)); err != nil {
		t.Fatal(err)
	}
	if err := e.Lock(25, staker1, domain.TrancheP, big.NewInt(50)); err != nil {
		t.Fatal(err)
	}
	if err := e.RefreshBalance(25, staker2, 0); err != nil {
		t.Fatal(err)
	}
	mustDeposit(t, e, 60, staker2, domain.TrancheA, 0) // zero deposit, still checkpoints
	if err := e.Lock(60, staker2, domain.TrancheA, big.NewInt(400)); err != nil {
		t.Fatal(err)
	}

	total := new(big.Int).Add(e.ClaimableRewards(100, staker1), e.ClaimableRewards(100, staker2))
	// rate * elapsed = 1000 * 100; locks never change weight.
	if want := int64(100000); total.Int64() != want {
		t.Errorf("total claimable = %d, want %d", total.Int64(), want)
	}
}

func TestNoAccrualWhileWeightless(t *testing.T) {
	fx := newFixture(t, 0)
	e := fx.engine

	// Nobody stakes until t=50; the first 50 seconds accrue to no one.
	mustDeposit(t, e, 50, staker1, domain.TrancheP, 100)
	if got := e.ClaimableRewards(100, staker1); got.Int64() != 50000 {
		t.Errorf("claimable = %d, want 50000", got.Int64())
	}
}

func TestConversionSplitsAccrualAtBoundary(t *testing.T) {
	fx := newFixture(t, 0)
	e := fx.engine
	mustDeposit(t, e, 0, staker1, domain.TrancheP, 100)

	// Conversion at t=50 doubles every balance. Pre-conversion weight is
	// 100, post-conversion 200; each 50-second half must use its own weight,
	// and the account must still collect the full emission.
	fx.oracle.AddConversion(50, fund.ScalarMatrix(fixedpoint.FromInt(2)))

	got := e.ClaimableRewards(100, staker1)
	if got.Int64() != 100000 {
		t.Errorf("claimable = %d, want 100000", got.Int64())
	}

	// Forcing the checkpoints to actually persist yields the same result.
	if err := e.RefreshBalance(100, staker1, 0); err != nil {
		t.Fatal(err)
	}
	available, _ := e.Balances(100, staker1)
	if available[domain.TrancheP].Int64() != 200 {
		t.Errorf("converted balance = %s, want 200", available[domain.TrancheP])
	}
	if got := e.ClaimableRewards(100, staker1); got.Int64() != 100000 {
		t.Errorf("claimable after refresh = %d, want 100000", got.Int64())
	}
}

func TestConversionWeightChangeAffectsSplit(t *testing.T) {
	fx := newFixture(t, 0)
	e := fx.engine
	mustDeposit(t, e, 0, staker1, domain.TrancheP, 100) // weight 100
	mustDeposit(t, e, 0, staker2, domain.TrancheA, 200) // weight 100

	// At t=50 a conversion doubles only tranche P, shifting the weight split
	// from 50/50 to 200/100.
	m := fund.IdentityMatrix()
	m[domain.TrancheP][domain.TrancheP] = fixedpoint.FromInt(2)
	fx.oracle.AddConversion(50, m)

	// First half: each earns 1000*50/2 = 25000.
	// Second half: staker1 earns 100000*200/300, staker2 100000/3... over
	// 50s: 50000*2/3 = 33333, staker2 16666 (truncated).
	got1 := e.ClaimableRewards(100, staker1).Int64()
	got2 := e.ClaimableRewards(100, staker2).Int64()
	if got1 < 58332 || got1 > 58334 {
		t.Errorf("staker1 claimable = %d, want ~58333", got1)
	}
	if got2 < 41665 || got2 > 41667 {
		t.Errorf("staker2 claimable = %d, want ~41666", got2)
	}
	if total := got1 + got2; total < 99998 || total > 100000 {
		t.Errorf("total = %d, want ~100000", total)
	}
}

func TestRefreshBalanceIdempotentAndBounded(t *testing.T) {
	fx := newFixture(t, 0)
	e := fx.engine
	mustDeposit(t, e, 0, staker1, domain.TrancheP, 100)
	fx.oracle.AddConversion(10, fund.ScalarMatrix(fixedpoint.FromInt(3)))

	if err := e.RefreshBalance(20, staker1, 1); err != nil {
		t.Fatal(err)
	}
	available, _ := e.Balances(20, staker1)
	if available[domain.TrancheP].Int64() != 300 {
		t.Fatalf("balance = %s", available[domain.TrancheP])
	}

	// Refreshing to the same version again changes nothing.
	if err := e.RefreshBalance(20, staker1, 1); err != nil {
		t.Fatal(err)
	}
	available, _ = e.Balances(20, staker1)
	if available[domain.TrancheP].Int64() != 300 {
		t.Errorf("second refresh changed balance: %s", available[domain.TrancheP])
	}

	// Refreshing beyond the latest conversion id fails.
	if err := e.RefreshBalance(20, staker1, 2); err != domain.ErrVersionOutOfBounds {
		t.Errorf("err = %v, want ErrVersionOutOfBounds", err)
	}
}

func TestBalanceConservation(t *testing.T) {
	fx := newFixture(t, 0)
	e := fx.engine
	mustDeposit(t, e, 0, staker1, domain.TrancheA, 500)
	mustDeposit(t, e, 0, staker2, domain.TrancheA, 300)
	if err := e.Lock(10, staker1, domain.TrancheA, big.NewInt(200)); err != nil {
		t.Fatal(err)
	}
	if err := e.Withdraw(20, staker2, domain.TrancheA, big.NewInt(100)); err != nil {
		t.Fatal(err)
	}
	if err := e.TradeLocked(30, staker1, domain.TrancheA, big.NewInt(50)); err != nil {
		t.Fatal(err)
	}

	sum := new(big.Int)
	for _, addr := range []common.Address{staker1, staker2} {
		available, locked := e.Balances(40, addr)
		sum.Add(sum, available[domain.TrancheA])
		sum.Add(sum, locked[domain.TrancheA])
	}
	if sum.Cmp(e.TotalSupply(domain.TrancheA)) != 0 {
		t.Errorf("sum of balances %s != total supply %s", sum, e.TotalSupply(domain.TrancheA))
	}
}

func TestInsufficientBalanceErrors(t *testing.T) {
	fx := newFixture(t, 0)
	e := fx.engine
	mustDeposit(t, e, 0, staker1, domain.TrancheB, 10)

	if err := e.Withdraw(1, staker1, domain.TrancheB, big.NewInt(11)); err != domain.ErrInsufficientBalance {
		t.Errorf("withdraw err = %v", err)
	}
	if err := e.Lock(1, staker1, domain.TrancheB, big.NewInt(11)); err != domain.ErrInsufficientBalance {
		t.Errorf("lock err = %v", err)
	}
	if err := e.TradeLocked(1, staker1, domain.TrancheB, big.NewInt(1)); err != domain.ErrInsufficientLocked {
		t.Errorf("tradeLocked err = %v", err)
	}
	// Failed operations must not have touched balances.
	available, locked := e.Balances(1, staker1)
	if available[domain.TrancheB].Int64() != 10 || locked[domain.TrancheB].Int64() != 0 {
		t.Errorf("balances mutated by failed ops: %s/%s", available[domain.TrancheB], locked[domain.TrancheB])
	}
}

func TestZeroDepositIsNoop(t *testing.T) {
	fx := newFixture(t, 0)
	e := fx.engine
	if err := e.Deposit(0, staker1, domain.TrancheP, new(big.Int)); err != nil {
		t.Fatalf("zero deposit errored: %v", err)
	}
	if e.TotalSupply(domain.TrancheP).Sign() != 0 {
		t.Error("zero deposit changed total supply")
	}
}

func TestClaimRewardsMintsAndZeroes(t *testing.T) {
	fx := newFixture(t, 0)
	e := fx.engine
	mustDeposit(t, e, 0, staker1, domain.TrancheP, 100)

	amount, err := e.ClaimRewards(100, staker1)
	if err != nil {
		t.Fatal(err)
	}
	if amount.Int64() != 100000 {
		t.Errorf("claimed = %d, want 100000", amount.Int64())
	}
	if got := fx.inflation.BalanceOf(staker1); got.Cmp(amount) != 0 {
		t.Errorf("minted balance = %s, want %s", got, amount)
	}
	// Claiming again at the same instant yields nothing.
	again, err := e.ClaimRewards(100, staker1)
	if err != nil {
		t.Fatal(err)
	}
	if again.Sign() != 0 {
		t.Errorf("second claim = %s, want 0", again)
	}
}

func TestConvertAndClearTradeCreditsAcrossConversion(t *testing.T) {
	fx := newFixture(t, 0)
	e := fx.engine

	// A trade result denominated at version 0, credited after the fund
	// converted at t=10 with a 2x rescale.
	fx.oracle.AddConversion(10, fund.ScalarMatrix(fixedpoint.FromInt(2)))

	amounts := domain.NewAmounts()
	amounts[domain.TrancheA].SetInt64(40)
	if err := e.ConvertAndClearTrade(20, staker1, amounts, 0); err != nil {
		t.Fatal(err)
	}
	available, _ := e.Balances(20, staker1)
	if available[domain.TrancheA].Int64() != 80 {
		t.Errorf("credited = %s, want 80", available[domain.TrancheA])
	}
	if e.TotalSupply(domain.TrancheA).Int64() != 80 {
		t.Errorf("total supply = %s, want 80", e.TotalSupply(domain.TrancheA))
	}
}

func TestConvertAndUnlockAcrossConversion(t *testing.T) {
	fx := newFixture(t, 0)
	e := fx.engine
	mustDeposit(t, e, 0, staker1, domain.TrancheB, 100)
	if err := e.Lock(0, staker1, domain.TrancheB, big.NewInt(60)); err != nil {
		t.Fatal(err)
	}

	fx.oracle.AddConversion(10, fund.ScalarMatrix(fixedpoint.FromInt(2)))

	// Unlock the original 60 locked at version 0; after the 2x conversion
	// that is 120 of the 120 now locked.
	amounts := domain.NewAmounts()
	amounts[domain.TrancheB].SetInt64(60)
	if err := e.ConvertAndUnlock(20, staker1, amounts, 0); err != nil {
		t.Fatal(err)
	}
	available, locked := e.Balances(20, staker1)
	if locked[domain.TrancheB].Sign() != 0 {
		t.Errorf("locked = %s, want 0", locked[domain.TrancheB])
	}
	if available[domain.TrancheB].Int64() != 200 {
		t.Errorf("available = %s, want 200", available[domain.TrancheB])
	}
}

// A withdraw whose outbound transfer fails must leave the ledger untouched:
// the balance check passes but the vault cannot cover settlement-credited
// shares, and the account keeps its full available balance.
func TestWithdrawKeepsLedgerWhenTransferFails(t *testing.T) {
	fx := newFixture(t, 0)
	e := fx.engine
	mustDeposit(t, e, 0, staker1, domain.TrancheP, 10)

	// Credit 50 through the settlement path; nothing enters the vault, so
	// the ledger now exceeds what the vault can pay out.
	amounts := domain.NewAmounts()
	amounts[domain.TrancheP].SetInt64(50)
	if err := e.ConvertAndClearTrade(0, staker1, amounts, 0); err != nil {
		t.Fatal(err)
	}

	if err := e.Withdraw(10, staker1, domain.TrancheP, big.NewInt(60)); err == nil {
		t.Fatal("withdraw beyond vault backing: want error, got nil")
	}
	available, _ := e.Balances(10, staker1)
	if available[domain.TrancheP].Int64() != 60 {
		t.Errorf("available after failed withdraw = %s, want 60", available[domain.TrancheP])
	}
	if e.TotalSupply(domain.TrancheP).Int64() != 60 {
		t.Errorf("total supply after failed withdraw = %s, want 60", e.TotalSupply(domain.TrancheP))
	}

	// The vault-backed portion still withdraws normally.
	if err := e.Withdraw(20, staker1, domain.TrancheP, big.NewInt(10)); err != nil {
		t.Fatalf("withdraw backed portion: %v", err)
	}
	available, _ = e.Balances(20, staker1)
	if available[domain.TrancheP].Int64() != 50 {
		t.Errorf("available after backed withdraw = %s, want 50", available[domain.TrancheP])
	}
}
