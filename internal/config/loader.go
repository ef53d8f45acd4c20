package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies TRANCHESS_* environment variable overrides, and
// returns the final Config. The returned Config has NOT been validated; the
// caller should invoke Config.Validate() after Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return nil, err
		}
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known TRANCHESS_* environment variables and
// overwrites the corresponding Config fields when a variable is set. This
// lets operators inject secrets at deploy time without touching the TOML
// file.
func applyEnvOverrides(cfg *Config) {
	// ── Exchange ──
	setDuration(&cfg.Exchange.EpochLength, "TRANCHESS_EXCHANGE_EPOCH_LENGTH")
	setStr(&cfg.Exchange.MinBidAmount, "TRANCHESS_EXCHANGE_MIN_BID_AMOUNT")
	setStr(&cfg.Exchange.MinAskAmount, "TRANCHESS_EXCHANGE_MIN_ASK_AMOUNT")
	setInt(&cfg.Exchange.QuoteDecimals, "TRANCHESS_EXCHANGE_QUOTE_DECIMALS")
	setStr(&cfg.Exchange.MakerThreshold, "TRANCHESS_EXCHANGE_MAKER_THRESHOLD")

	// ── Staking ──
	setStr(&cfg.Staking.PoolAddress, "TRANCHESS_STAKING_POOL_ADDRESS")
	setStr(&cfg.Staking.RewardWeight, "TRANCHESS_STAKING_REWARD_WEIGHT")
	setStr(&cfg.Staking.EmissionRate, "TRANCHESS_STAKING_EMISSION_RATE")

	// ── Postgres ──
	setStr(&cfg.Postgres.DSN, "TRANCHESS_POSTGRES_DSN")
	setStr(&cfg.Postgres.Host, "TRANCHESS_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "TRANCHESS_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "TRANCHESS_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "TRANCHESS_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "TRANCHESS_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "TRANCHESS_POSTGRES_SSLMODE")
	setInt(&cfg.Postgres.PoolMaxConns, "TRANCHESS_POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "TRANCHESS_POSTGRES_POOL_MIN_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "TRANCHESS_POSTGRES_RUN_MIGRATIONS")

	// ── Redis ──
	setStr(&cfg.Redis.Addr, "TRANCHESS_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "TRANCHESS_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "TRANCHESS_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "TRANCHESS_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "TRANCHESS_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "TRANCHESS_REDIS_TLS_ENABLED")

	// ── S3 ──
	setBool(&cfg.S3.Enabled, "TRANCHESS_S3_ENABLED")
	setStr(&cfg.S3.Endpoint, "TRANCHESS_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "TRANCHESS_S3_REGION")
	setStr(&cfg.S3.Bucket, "TRANCHESS_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "TRANCHESS_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "TRANCHESS_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "TRANCHESS_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "TRANCHESS_S3_FORCE_PATH_STYLE")

	// ── Server ──
	setBool(&cfg.Server.Enabled, "TRANCHESS_SERVER_ENABLED")
	setInt(&cfg.Server.Port, "TRANCHESS_SERVER_PORT")
	setStringSlice(&cfg.Server.CORSOrigins, "TRANCHESS_SERVER_CORS_ORIGINS")
	setStr(&cfg.Server.AuthToken, "TRANCHESS_SERVER_AUTH_TOKEN")
	setInt(&cfg.Server.RateLimit, "TRANCHESS_SERVER_RATE_LIMIT")

	// ── Sim ──
	setInt(&cfg.Sim.Accounts, "TRANCHESS_SIM_ACCOUNTS")
	setInt(&cfg.Sim.Epochs, "TRANCHESS_SIM_EPOCHS")
	setInt64(&cfg.Sim.Seed, "TRANCHESS_SIM_SEED")
	setDuration(&cfg.Sim.TickInterval, "TRANCHESS_SIM_TICK_INTERVAL")
	setFloat64(&cfg.Sim.ConversionProb, "TRANCHESS_SIM_CONVERSION_PROB")

	// ── Top-level ──
	setStr(&cfg.Mode, "TRANCHESS_MODE")
	setStr(&cfg.LogLevel, "TRANCHESS_LOG_LEVEL")
}

// ---------------------------------------------------------------------------
// Typed env-var helpers. Each only mutates the target when the environment
// variable is present and non-empty.
// ---------------------------------------------------------------------------

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}
