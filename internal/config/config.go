// Package config defines the top-level configuration for the tranche
// exchange daemon and provides validation helpers.
package config

import (
	"fmt"
	"math/big"
	"strings"
	"time"
)

// Config is the root configuration structure. Fields are populated from a
// TOML file and then optionally overridden by TRANCHESS_* environment
// variables.
type Config struct {
	Exchange ExchangeConfig `toml:"exchange"`
	Staking  StakingConfig  `toml:"staking"`
	Postgres PostgresConfig `toml:"postgres"`
	Redis    RedisConfig    `toml:"redis"`
	S3       S3Config       `toml:"s3"`
	Server   ServerConfig   `toml:"server"`
	Sim      SimConfig      `toml:"sim"`
	Mode     string         `toml:"mode"`
	LogLevel string         `toml:"log_level"`
}

// ExchangeConfig holds matching and settlement engine parameters. Amounts
// are decimal strings in 18-decimal fixed point.
type ExchangeConfig struct {
	EpochLength    duration `toml:"epoch_length"`
	MinBidAmount   string   `toml:"min_bid_amount"`
	MinAskAmount   string   `toml:"min_ask_amount"`
	QuoteDecimals  int      `toml:"quote_decimals"`
	MakerThreshold string   `toml:"maker_threshold"` // qualifying stake for maker eligibility
}

// StakingConfig holds reward accrual parameters.
type StakingConfig struct {
	PoolAddress  string `toml:"pool_address"`  // identity under the weight controller
	RewardWeight string `toml:"reward_weight"` // relative weight fraction, 18-decimal string
	EmissionRate string `toml:"emission_rate"` // reward tokens per second, 18-decimal string
}

// PostgresConfig holds PostgreSQL connection parameters.
type PostgresConfig struct {
	DSN           string `toml:"dsn"`
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	Database      string `toml:"database"`
	User          string `toml:"user"`
	Password      string `toml:"password"`
	SSLMode       string `toml:"ssl_mode"`
	PoolMaxConns  int    `toml:"pool_max_conns"`
	PoolMinConns  int    `toml:"pool_min_conns"`
	RunMigrations bool   `toml:"run_migrations"`
}

// RedisConfig holds Redis connection parameters.
type RedisConfig struct {
	Addr       string `toml:"addr"`
	Password   string `toml:"password"`
	DB         int    `toml:"db"`
	PoolSize   int    `toml:"pool_size"`
	MaxRetries int    `toml:"max_retries"`
	TLSEnabled bool   `toml:"tls_enabled"`
}

// S3Config holds S3-compatible object storage parameters for epoch archives.
type S3Config struct {
	Enabled        bool   `toml:"enabled"`
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
}

// ServerConfig holds HTTP server parameters.
type ServerConfig struct {
	Enabled     bool     `toml:"enabled"`
	Port        int      `toml:"port"`
	CORSOrigins []string `toml:"cors_origins"`
	AuthToken   string   `toml:"auth_token"`
	RateLimit   int      `toml:"rate_limit"` // requests per minute per client; 0 disables
}

// SimConfig holds simulator-mode parameters.
type SimConfig struct {
	Accounts       int      `toml:"accounts"`
	Epochs         int      `toml:"epochs"`
	Seed           int64    `toml:"seed"`
	TickInterval   duration `toml:"tick_interval"`
	ConversionProb float64  `toml:"conversion_prob"` // per-epoch probability of a conversion event
}

// duration wraps time.Duration so the TOML decoder accepts strings like
// "30m" or "5s".
type duration struct {
	time.Duration
}

func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Defaults returns a Config populated with reasonable default values.
func Defaults() Config {
	return Config{
		Exchange: ExchangeConfig{
			EpochLength:    duration{30 * time.Minute},
			MinBidAmount:   "1000000000000000000",
			MinAskAmount:   "1000000000000000000",
			QuoteDecimals:  6,
			MakerThreshold: "1000000000000000000",
		},
		Staking: StakingConfig{
			PoolAddress:  "0x0000000000000000000000000000000000000001",
			RewardWeight: "1000000000000000000",
			EmissionRate: "0",
		},
		Postgres: PostgresConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "tranchess",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			Addr:       "localhost:6379",
			DB:         0,
			PoolSize:   20,
			MaxRetries: 3,
		},
		S3: S3Config{
			Enabled:        false,
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "tranchess-archives",
			UseSSL:         false,
			ForcePathStyle: true,
		},
		Server: ServerConfig{
			Enabled:     true,
			Port:        8000,
			CORSOrigins: []string{"http://localhost:3000"},
			RateLimit:   600,
		},
		Sim: SimConfig{
			Accounts:       8,
			Epochs:         4,
			Seed:           1,
			TickInterval:   duration{0},
			ConversionProb: 0.25,
		},
		Mode:     "serve",
		LogLevel: "info",
	}
}

// validModes enumerates the accepted values for Config.Mode.
var validModes = map[string]bool{
	"serve": true,
	"sim":   true,
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Validate checks Config for obviously invalid or missing values and returns
// a combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	if !validModes[strings.ToLower(c.Mode)] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: serve, sim)", c.Mode))
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	// Exchange
	if c.Exchange.EpochLength.Duration < time.Second {
		errs = append(errs, "exchange: epoch_length must be at least 1s")
	}
	if _, err := ParseAmount(c.Exchange.MinBidAmount); err != nil {
		errs = append(errs, "exchange: min_bid_amount: "+err.Error())
	}
	if _, err := ParseAmount(c.Exchange.MinAskAmount); err != nil {
		errs = append(errs, "exchange: min_ask_amount: "+err.Error())
	}
	if _, err := ParseAmount(c.Exchange.MakerThreshold); err != nil {
		errs = append(errs, "exchange: maker_threshold: "+err.Error())
	}
	if c.Exchange.QuoteDecimals < 0 || c.Exchange.QuoteDecimals > 18 {
		errs = append(errs, fmt.Sprintf("exchange: quote_decimals must be 0-18, got %d", c.Exchange.QuoteDecimals))
	}

	// Staking
	if _, err := ParseAmount(c.Staking.RewardWeight); err != nil {
		errs = append(errs, "staking: reward_weight: "+err.Error())
	}
	if _, err := ParseAmount(c.Staking.EmissionRate); err != nil {
		errs = append(errs, "staking: emission_rate: "+err.Error())
	}

	// Postgres — serve mode requires a reachable database.
	if strings.ToLower(c.Mode) == "serve" {
		if strings.TrimSpace(c.Postgres.DSN) == "" {
			if c.Postgres.Host == "" {
				errs = append(errs, "postgres: host must not be empty (or set postgres.dsn)")
			}
			if c.Postgres.Port <= 0 || c.Postgres.Port > 65535 {
				errs = append(errs, fmt.Sprintf("postgres: port must be 1-65535, got %d", c.Postgres.Port))
			}
			if c.Postgres.Database == "" {
				errs = append(errs, "postgres: database must not be empty")
			}
		}
		if c.Postgres.PoolMaxConns < 1 {
			errs = append(errs, "postgres: pool_max_conns must be >= 1")
		}
		if c.Postgres.PoolMinConns < 0 {
			errs = append(errs, "postgres: pool_min_conns must be >= 0")
		}
		if c.Postgres.PoolMinConns > c.Postgres.PoolMaxConns {
			errs = append(errs, "postgres: pool_min_conns must not exceed pool_max_conns")
		}
		if c.Redis.Addr == "" {
			errs = append(errs, "redis: addr must not be empty")
		}
		if c.Redis.PoolSize < 1 {
			errs = append(errs, "redis: pool_size must be >= 1")
		}
	}

	// S3
	if c.S3.Enabled {
		if c.S3.Endpoint == "" {
			errs = append(errs, "s3: endpoint must not be empty when enabled")
		}
		if c.S3.Bucket == "" {
			errs = append(errs, "s3: bucket must not be empty when enabled")
		}
	}

	// Server
	if c.Server.Enabled {
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
		}
		if c.Server.RateLimit < 0 {
			errs = append(errs, "server: rate_limit must not be negative")
		}
	}

	// Sim
	if strings.ToLower(c.Mode) == "sim" {
		if c.Sim.Accounts < 2 {
			errs = append(errs, "sim: accounts must be >= 2")
		}
		if c.Sim.Epochs < 1 {
			errs = append(errs, "sim: epochs must be >= 1")
		}
		if c.Sim.ConversionProb < 0 || c.Sim.ConversionProb > 1 {
			errs = append(errs, "sim: conversion_prob must be in [0, 1]")
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// ParseAmount parses a non-negative decimal string into a big integer.
func ParseAmount(s string) (*big.Int, error) {
	v, ok := new(big.Int).SetString(strings.TrimSpace(s), 10)
	if !ok {
		return nil, fmt.Errorf("not a decimal integer: %q", s)
	}
	if v.Sign() < 0 {
		return nil, fmt.Errorf("must not be negative: %q", s)
	}
	return v, nil
}
