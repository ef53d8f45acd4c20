package app

import (
	"context"
	"errors"
	"log/slog"
	"math/big"
	"math/rand"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/tranchess/contract-exchange/internal/config"
	"github.com/tranchess/contract-exchange/internal/domain"
	"github.com/tranchess/contract-exchange/internal/fixedpoint"
	"github.com/tranchess/contract-exchange/internal/fund"
)

// ticksPerEpoch is the number of order/trade rounds the simulator runs inside
// each epoch before closing it.
const ticksPerEpoch = 8

// SimMode runs a deterministic, seeded exchange scenario fully in memory:
// accounts deposit tranche shares, makers quote both sides of the books,
// takers sweep them, epochs close with a drifting NAV, conversions fire at
// random, and every account settles and claims rewards. It exists to exercise
// the whole engine stack end to end without any infrastructure.
func (a *App) SimMode(ctx context.Context, deps *Dependencies) error {
	simCfg := a.cfg.Sim
	rng := rand.New(rand.NewSource(simCfg.Seed))
	svc := deps.Service

	epochSeconds := svc.EpochLength()
	now := time.Now().UTC()
	clock := &now
	svc.WithClock(func() time.Time { return *clock })

	accounts := a.seedAccounts(ctx, deps, rng)
	a.logger.InfoContext(ctx, "simulation starting",
		slog.Int64("seed", simCfg.Seed),
		slog.Int("accounts", len(accounts)),
		slog.Int("epochs", simCfg.Epochs),
	)

	var stats simStats
	for epoch := 0; epoch < simCfg.Epochs; epoch++ {
		epochStart := svc.EpochStart(*clock)
		epochEnd := epochStart + epochSeconds

		// Trading rounds inside the epoch.
		for tick := 0; tick < ticksPerEpoch; tick++ {
			if err := a.pause(ctx, simCfg.TickInterval.Duration); err != nil {
				return err
			}
			a.quoteRound(ctx, deps, rng, accounts, &stats)
			a.takeRound(ctx, deps, rng, accounts, &stats)
			*clock = clock.Add(time.Duration(epochSeconds) * time.Second / (ticksPerEpoch + 2))
		}

		// Close the epoch: step past its end and publish the closing NAV.
		// The clock only ever moves forward; the tick loop may already have
		// crossed the boundary.
		if end := time.Unix(epochEnd+1, 0).UTC(); clock.Before(end) {
			*clock = end
		}
		price := drift(rng, fixedpoint.One(), 200)
		deps.Oracle.SetTWAP(epochEnd, price)
		deps.Oracle.SetNavs(epochEnd,
			fixedpoint.One(),
			drift(rng, fixedpoint.One(), 50),
			drift(rng, price, 100),
		)

		for _, addr := range accounts {
			a.settle(ctx, deps, addr, epochStart, &stats)
		}

		// Occasionally rescale all balances mid-stream.
		if rng.Float64() < simCfg.ConversionProb {
			ratio := drift(rng, fixedpoint.One(), 500)
			id := deps.Oracle.AddConversion(clock.Unix(), fund.ScalarMatrix(ratio))
			stats.conversions++
			a.logger.InfoContext(ctx, "conversion applied",
				slog.Uint64("conversion_id", id),
				slog.String("ratio", ratio.String()),
			)
			for _, addr := range accounts {
				if err := svc.RefreshBalance(ctx, addr, 0); err != nil {
					stats.errors++
				}
			}
		}

		a.logger.InfoContext(ctx, "epoch closed",
			slog.Int64("epoch", epochStart),
			slog.String("twap", price.String()),
			slog.Int64("orders", stats.orders),
			slog.Int64("trades", stats.trades),
		)
	}

	// Everyone collects their accrued rewards.
	total := new(big.Int)
	for _, addr := range accounts {
		amount, err := svc.ClaimRewards(ctx, addr)
		if err != nil {
			stats.errors++
			continue
		}
		total.Add(total, amount)
	}

	a.logger.InfoContext(ctx, "simulation complete",
		slog.Int64("orders", stats.orders),
		slog.Int64("trades", stats.trades),
		slog.Int64("settlements", stats.settlements),
		slog.Int64("conversions", stats.conversions),
		slog.Int64("rejected", stats.rejected),
		slog.Int64("errors", stats.errors),
		slog.String("rewards_claimed", total.String()),
	)
	return nil
}

type simStats struct {
	orders      int64
	trades      int64
	settlements int64
	conversions int64
	rejected    int64
	errors      int64
}

// seedAccounts funds every simulated account with shares and quote, registers
// the first half as eligible makers, and stakes their shares.
func (a *App) seedAccounts(ctx context.Context, deps *Dependencies, rng *rand.Rand) []common.Address {
	svc := deps.Service
	threshold, _ := config.ParseAmount(a.cfg.Exchange.MakerThreshold)
	quoteUnit := fixedpoint.Unit(deps.Quote.Decimals())
	now := time.Now().Unix()

	accounts := make([]common.Address, a.cfg.Sim.Accounts)
	for i := range accounts {
		addr := common.BigToAddress(big.NewInt(int64(i + 1)))
		accounts[i] = addr

		_ = deps.Quote.Mint(addr, new(big.Int).Mul(quoteUnit, big.NewInt(100_000)))
		for _, t := range domain.Tranches {
			_ = deps.Oracle.ShareToken(t).Mint(addr, fixedpoint.FromInt(1_000))
			if err := svc.Deposit(ctx, addr, t, fixedpoint.FromInt(int64(200+rng.Intn(300)))); err != nil {
				a.logger.WarnContext(ctx, "seed deposit failed",
					slog.String("account", addr.Hex()),
					slog.String("error", err.Error()),
				)
			}
		}

		// The first half of the roster qualifies as makers.
		if i < len(accounts)/2 {
			stake := new(big.Int).Mul(threshold, big.NewInt(2))
			deps.Roster.SetStake(addr, stake, now)
		}
	}
	return accounts
}

// quoteRound has one maker rest a bid and an ask on a random tranche,
// straddling parity without crossing.
func (a *App) quoteRound(ctx context.Context, deps *Dependencies, rng *rand.Rand, accounts []common.Address, stats *simStats) {
	svc := deps.Service
	maker := accounts[rng.Intn(len(accounts)/2)]
	t := domain.Tranches[rng.Intn(len(domain.Tranches))]
	version := deps.Oracle.CurrentConversionID()

	bidLevel := 38 + rng.Intn(3)
	askLevel := 42 + rng.Intn(3)
	bidQuote := fixedpoint.FromInt(int64(5 + rng.Intn(20)))
	askBase := fixedpoint.FromInt(int64(5 + rng.Intn(20)))

	if _, err := svc.PlaceBid(ctx, maker, t, bidLevel, bidQuote, version, ""); err != nil {
		a.countRejection(ctx, "place bid", err, stats)
	} else {
		stats.orders++
	}
	if _, err := svc.PlaceAsk(ctx, maker, t, askLevel, askBase, version, ""); err != nil {
		a.countRejection(ctx, "place ask", err, stats)
	} else {
		stats.orders++
	}
}

// takeRound has one taker sweep a random book side.
func (a *App) takeRound(ctx context.Context, deps *Dependencies, rng *rand.Rand, accounts []common.Address, stats *simStats) {
	svc := deps.Service
	taker := accounts[rng.Intn(len(accounts))]
	t := domain.Tranches[rng.Intn(len(domain.Tranches))]
	version := deps.Oracle.CurrentConversionID()
	amount := fixedpoint.FromInt(int64(2 + rng.Intn(10)))

	var err error
	if rng.Intn(2) == 0 {
		_, err = svc.Buy(ctx, taker, t, 45, amount, version)
	} else {
		_, err = svc.Sell(ctx, taker, t, 37, amount, version)
	}
	if err != nil {
		a.countRejection(ctx, "take", err, stats)
		return
	}
	stats.trades++
}

// settle clears an account's pending trades on both sides of a closed epoch.
func (a *App) settle(ctx context.Context, deps *Dependencies, addr common.Address, epoch int64, stats *simStats) {
	if _, err := deps.Service.SettleTaker(ctx, addr, epoch); err != nil {
		a.countRejection(ctx, "settle taker", err, stats)
	} else {
		stats.settlements++
	}
	if _, err := deps.Service.SettleMaker(ctx, addr, epoch); err != nil {
		a.countRejection(ctx, "settle maker", err, stats)
	} else {
		stats.settlements++
	}
}

// countRejection separates expected engine rejections (nothing on the book,
// ineligible maker, crossing order) from genuine failures.
func (a *App) countRejection(ctx context.Context, op string, err error, stats *simStats) {
	switch {
	case errors.Is(err, domain.ErrNothingMatched),
		errors.Is(err, domain.ErrMakerIneligible),
		errors.Is(err, domain.ErrPriceCrossing),
		errors.Is(err, domain.ErrInsufficientBalance),
		errors.Is(err, domain.ErrAmountBelowMinimum),
		errors.Is(err, domain.ErrStaleConversion),
		errors.Is(err, domain.ErrEpochNotClosed):
		stats.rejected++
		a.logger.DebugContext(ctx, "rejected",
			slog.String("op", op),
			slog.String("error", err.Error()),
		)
	default:
		stats.errors++
		a.logger.WarnContext(ctx, "simulation operation failed",
			slog.String("op", op),
			slog.String("error", err.Error()),
		)
	}
}

// pause sleeps for the configured tick interval, honouring cancellation.
func (a *App) pause(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// drift scales base by a random factor within ±bps basis points.
func drift(rng *rand.Rand, base *big.Int, bps int) *big.Int {
	factor := big.NewInt(int64(10_000 - bps + rng.Intn(2*bps+1)))
	out := new(big.Int).Mul(base, factor)
	return out.Div(out, big.NewInt(10_000))
}
