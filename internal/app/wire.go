package app

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	s3blob "github.com/tranchess/contract-exchange/internal/blob/s3"
	"github.com/tranchess/contract-exchange/internal/cache/redis"
	"github.com/tranchess/contract-exchange/internal/config"
	"github.com/tranchess/contract-exchange/internal/domain"
	"github.com/tranchess/contract-exchange/internal/exchange"
	"github.com/tranchess/contract-exchange/internal/fixedpoint"
	"github.com/tranchess/contract-exchange/internal/fund"
	"github.com/tranchess/contract-exchange/internal/service"
	"github.com/tranchess/contract-exchange/internal/staking"
	"github.com/tranchess/contract-exchange/internal/store/postgres"
)

// Dependencies carries everything a mode needs to run. The engine-side
// collaborators (oracle, tokens, roster) are always present; the
// infrastructure side (bus, limiter, locks, archiver) is only wired in serve
// mode.
type Dependencies struct {
	Service *service.ExchangeService

	// In-memory collaborators, also driven directly by the simulator.
	Oracle *fund.Oracle
	Chess  *fund.Token
	Roster *fund.Roster
	Quote  *fund.Token

	// Serve-mode infrastructure; nil otherwise.
	Bus      domain.EventBus
	Limiter  domain.RateLimiter
	Locks    domain.LockManager
	Archiver *s3blob.Archiver
}

// Wire constructs all dependencies for the configured mode. It returns the
// dependency container and a cleanup function that closes every opened
// resource in reverse order.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}
	fail := func(err error) (*Dependencies, func(), error) {
		cleanup()
		return nil, func() {}, err
	}

	deps, err := buildEngines(cfg, time.Now(), logger)
	if err != nil {
		return fail(err)
	}

	if strings.ToLower(cfg.Mode) != "serve" {
		return deps, cleanup, nil
	}

	// ── PostgreSQL: journal stores ──
	pg, err := postgres.New(ctx, postgres.ClientConfig{
		DSN:      cfg.Postgres.DSN,
		Host:     cfg.Postgres.Host,
		Port:     cfg.Postgres.Port,
		Database: cfg.Postgres.Database,
		User:     cfg.Postgres.User,
		Password: cfg.Postgres.Password,
		SSLMode:  cfg.Postgres.SSLMode,
		MaxConns: cfg.Postgres.PoolMaxConns,
		MinConns: cfg.Postgres.PoolMinConns,
	})
	if err != nil {
		return fail(fmt.Errorf("app: connect postgres: %w", err))
	}
	closers = append(closers, pg.Close)
	logger.InfoContext(ctx, "connected to postgres")

	if cfg.Postgres.RunMigrations {
		if err := pg.RunMigrations(ctx); err != nil {
			return fail(fmt.Errorf("app: run migrations: %w", err))
		}
	}

	orders := postgres.NewOrderStore(pg.Pool())
	trades := postgres.NewTradeStore(pg.Pool())
	settlements := postgres.NewSettlementStore(pg.Pool())
	deps.Service.WithStores(orders, trades, settlements)

	// ── Redis: book cache, event bus, locks, rate limiting ──
	rdb, err := redis.New(ctx, redis.ClientConfig{
		Addr:       cfg.Redis.Addr,
		Password:   cfg.Redis.Password,
		DB:         cfg.Redis.DB,
		PoolSize:   cfg.Redis.PoolSize,
		MaxRetries: cfg.Redis.MaxRetries,
		TLSEnabled: cfg.Redis.TLSEnabled,
	})
	if err != nil {
		return fail(fmt.Errorf("app: connect redis: %w", err))
	}
	closers = append(closers, func() { _ = rdb.Close() })
	logger.InfoContext(ctx, "connected to redis")

	deps.Bus = redis.NewEventBus(rdb)
	deps.Limiter = redis.NewRateLimiter(rdb)
	deps.Locks = redis.NewLockManager(rdb)
	deps.Service.WithBookCache(redis.NewBookCache(rdb)).WithEventBus(deps.Bus)

	// ── S3: epoch archives (optional) ──
	if cfg.S3.Enabled {
		s3c, err := s3blob.New(ctx, s3blob.ClientConfig{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			UseSSL:         cfg.S3.UseSSL,
			ForcePathStyle: cfg.S3.ForcePathStyle,
		})
		if err != nil {
			return fail(fmt.Errorf("app: connect s3: %w", err))
		}
		closers = append(closers, func() { _ = s3c.Close() })
		if err := s3c.Health(ctx); err != nil {
			return fail(fmt.Errorf("app: s3 health: %w", err))
		}
		logger.InfoContext(ctx, "connected to s3", slog.String("bucket", cfg.S3.Bucket))

		epochSeconds := int64(cfg.Exchange.EpochLength.Duration / time.Second)
		deps.Archiver = s3blob.NewArchiver(s3blob.NewWriter(s3c), trades, settlements, epochSeconds, logger).
			WithLockManager(deps.Locks)
	}

	return deps, cleanup, nil
}

// buildEngines constructs the in-memory collaborators and the two engines
// from configuration. The oracle is seeded at parity so the books are
// tradeable from the first epoch; the simulator and production feeds push
// real prices on top.
func buildEngines(cfg *config.Config, now time.Time, logger *slog.Logger) (*Dependencies, error) {
	minBid, err := config.ParseAmount(cfg.Exchange.MinBidAmount)
	if err != nil {
		return nil, fmt.Errorf("app: min_bid_amount: %w", err)
	}
	minAsk, err := config.ParseAmount(cfg.Exchange.MinAskAmount)
	if err != nil {
		return nil, fmt.Errorf("app: min_ask_amount: %w", err)
	}
	threshold, err := config.ParseAmount(cfg.Exchange.MakerThreshold)
	if err != nil {
		return nil, fmt.Errorf("app: maker_threshold: %w", err)
	}
	weight, err := config.ParseAmount(cfg.Staking.RewardWeight)
	if err != nil {
		return nil, fmt.Errorf("app: reward_weight: %w", err)
	}
	emission, err := config.ParseAmount(cfg.Staking.EmissionRate)
	if err != nil {
		return nil, fmt.Errorf("app: emission_rate: %w", err)
	}
	if !common.IsHexAddress(cfg.Staking.PoolAddress) {
		return nil, fmt.Errorf("app: pool_address %q is not a hex address", cfg.Staking.PoolAddress)
	}
	pool := common.HexToAddress(cfg.Staking.PoolAddress)
	start := now.Unix()

	oracle := fund.NewOracle()
	oracle.SetTWAP(start, fixedpoint.One())
	one := fixedpoint.One()
	oracle.SetNavs(start, one, one, one)

	chess := fund.NewToken("chess", 18)
	chess.SetRate(start, emission)

	relayer := fund.NewWeightRelayer()
	relayer.SetWeight(pool, weight)

	roster := fund.NewRoster(threshold)
	quote := fund.NewToken("quote", uint8(cfg.Exchange.QuoteDecimals))

	stake := staking.New(oracle, chess, relayer, pool, start, logger)
	engine := exchange.New(stake, oracle, roster, quote, exchange.Config{
		EpochLength:  int64(cfg.Exchange.EpochLength.Duration / time.Second),
		MinBidAmount: new(big.Int).Set(minBid),
		MinAskAmount: new(big.Int).Set(minAsk),
	}, logger)

	return &Dependencies{
		Service: service.NewExchangeService(stake, engine, logger),
		Oracle:  oracle,
		Chess:   chess,
		Roster:  roster,
		Quote:   quote,
	}, nil
}
