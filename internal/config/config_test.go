package config

import (
	"strings"
	"testing"
	"time"
)

func TestDefaultsValidate(t *testing.T) {
	cfg := Defaults()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Defaults().Validate() = %v, want nil", err)
	}
}

func TestValidateRejections(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"unknown mode", func(c *Config) { c.Mode = "replay" }, "unknown mode"},
		{"unknown log level", func(c *Config) { c.LogLevel = "verbose" }, "unknown log_level"},
		{"short epoch", func(c *Config) { c.Exchange.EpochLength = duration{500 * time.Millisecond} }, "epoch_length"},
		{"bad min bid", func(c *Config) { c.Exchange.MinBidAmount = "ten" }, "min_bid_amount"},
		{"negative emission", func(c *Config) { c.Staking.EmissionRate = "-1" }, "emission_rate"},
		{"quote decimals", func(c *Config) { c.Exchange.QuoteDecimals = 19 }, "quote_decimals"},
		{"missing redis", func(c *Config) { c.Redis.Addr = "" }, "redis: addr"},
		{"negative rate limit", func(c *Config) { c.Server.RateLimit = -1 }, "rate_limit"},
		{"s3 without bucket", func(c *Config) { c.S3.Enabled = true; c.S3.Bucket = "" }, "s3: bucket"},
		{"sim too few accounts", func(c *Config) { c.Mode = "sim"; c.Sim.Accounts = 1 }, "sim: accounts"},
		{"sim bad probability", func(c *Config) { c.Mode = "sim"; c.Sim.ConversionProb = 1.5 }, "conversion_prob"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Defaults()
			tc.mutate(&cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("Validate() = nil, want error")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("Validate() = %q, want mention of %q", err, tc.want)
			}
		})
	}
}

func TestParseAmount(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"0", "0", false},
		{"1000000000000000000", "1000000000000000000", false},
		{" 42 ", "42", false},
		{"-5", "", true},
		{"1.5", "", true},
		{"", "", true},
	}
	for _, tc := range tests {
		got, err := ParseAmount(tc.in)
		if tc.wantErr {
			if err == nil {
				t.Errorf("ParseAmount(%q) = %s, want error", tc.in, got)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseAmount(%q): %v", tc.in, err)
			continue
		}
		if got.String() != tc.want {
			t.Errorf("ParseAmount(%q) = %s, want %s", tc.in, got, tc.want)
		}
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("TRANCHESS_MODE", "sim")
	t.Setenv("TRANCHESS_EXCHANGE_EPOCH_LENGTH", "15m")
	t.Setenv("TRANCHESS_SERVER_RATE_LIMIT", "120")
	t.Setenv("TRANCHESS_STAKING_EMISSION_RATE", "5000000000000000000")
	t.Setenv("TRANCHESS_SERVER_CORS_ORIGINS", "https://a.example, https://b.example")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Mode != "sim" {
		t.Errorf("Mode = %q, want sim", cfg.Mode)
	}
	if cfg.Exchange.EpochLength.Duration != 15*time.Minute {
		t.Errorf("EpochLength = %v, want 15m", cfg.Exchange.EpochLength.Duration)
	}
	if cfg.Server.RateLimit != 120 {
		t.Errorf("RateLimit = %d, want 120", cfg.Server.RateLimit)
	}
	if cfg.Staking.EmissionRate != "5000000000000000000" {
		t.Errorf("EmissionRate = %q", cfg.Staking.EmissionRate)
	}
	if len(cfg.Server.CORSOrigins) != 2 || cfg.Server.CORSOrigins[1] != "https://b.example" {
		t.Errorf("CORSOrigins = %v", cfg.Server.CORSOrigins)
	}
}

func TestRedactedConfig(t *testing.T) {
	cfg := Defaults()
	cfg.Postgres.Password = "hunter2"
	cfg.Redis.Password = "hunter2"
	cfg.S3.SecretKey = "hunter2"
	cfg.Server.AuthToken = "hunter2"

	out := RedactedConfig(&cfg)
	if out.Postgres.Password != "***" || out.Redis.Password != "***" ||
		out.S3.SecretKey != "***" || out.Server.AuthToken != "***" {
		t.Fatalf("secrets not redacted: %+v", out)
	}
	if cfg.Postgres.Password != "hunter2" {
		t.Fatal("original config mutated")
	}
	out.Server.CORSOrigins[0] = "mutated"
	if cfg.Server.CORSOrigins[0] == "mutated" {
		t.Fatal("redacted copy shares CORS slice with original")
	}
}
