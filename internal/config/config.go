// Package config loads the hot wallet's environment-variable
// configuration using github.com/spf13/viper bound to the process
// environment, the same Viper+cast+pflag combination the teacher stack
// uses for its own configuration layer.
package config

import (
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/polygon-custody/hotwallet/internal/apperr"
)

// Config is the full set of environment variables named in spec.md §6.
type Config struct {
	DatabaseURL          string
	RPCURL               string
	WSURL                string
	Mnemonic             string
	TreasuryAddress      string
	FaucetMnemonic       string
	FaucetAddress        string
	ExistentialDeposit   *big.Int
	Port                 int
	PollInterval         time.Duration
	BlockOffsetFromHead  uint64
	WebhookJWTToken      string
	LogLevel             string
	RatePerSecond        float64
}

// Load reads configuration from the process environment via
// viper.AutomaticEnv, applying the defaults spec.md names.
func Load() (Config, error) {
	v := viper.New()
	v.AutomaticEnv()
	v.SetDefault("DATABASE_URL", "wallet.db")
	v.SetDefault("EXISTENTIAL_DEPOSIT", "10000000000000000")
	v.SetDefault("PORT", 3000)
	v.SetDefault("POLL_INTERVAL", 10)
	v.SetDefault("BLOCK_OFFSET_FROM_HEAD", 20)
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("RPC_RATE_PER_SECOND", 20)

	existential, ok := new(big.Int).SetString(v.GetString("EXISTENTIAL_DEPOSIT"), 10)
	if !ok {
		existential = big.NewInt(0)
	}

	cfg := Config{
		DatabaseURL:         v.GetString("DATABASE_URL"),
		RPCURL:              v.GetString("RPC_URL"),
		WSURL:               v.GetString("WS_URL"),
		Mnemonic:            v.GetString("MNEMONIC"),
		TreasuryAddress:     v.GetString("TREASURY_ADDRESS"),
		FaucetMnemonic:      v.GetString("FAUCET_MNEMONIC"),
		FaucetAddress:       v.GetString("FAUCET_ADDRESS"),
		ExistentialDeposit:  existential,
		Port:                v.GetInt("PORT"),
		PollInterval:        time.Duration(v.GetInt64("POLL_INTERVAL")) * time.Second,
		BlockOffsetFromHead: uint64(v.GetInt64("BLOCK_OFFSET_FROM_HEAD")),
		WebhookJWTToken:     v.GetString("WEBHOOK_JWT_TOKEN"),
		LogLevel:            v.GetString("LOG_LEVEL"),
		RatePerSecond:       v.GetFloat64("RPC_RATE_PER_SECOND"),
	}
	return cfg, cfg.Validate()
}

// UsesWS reports whether the WebSocket transport should be preferred
// (WS_URL wins when both are set, per spec.md §6).
func (c Config) UsesWS() bool {
	return strings.TrimSpace(c.WSURL) != ""
}

// Validate collects every missing/invalid required field instead of
// failing fast on the first, which is friendlier for an operator
// debugging a bad deployment config.
func (c Config) Validate() error {
	var problems []string

	if strings.TrimSpace(c.RPCURL) == "" && strings.TrimSpace(c.WSURL) == "" {
		problems = append(problems, "at least one of RPC_URL or WS_URL must be set")
	}
	if strings.TrimSpace(c.Mnemonic) == "" {
		problems = append(problems, "MNEMONIC is required")
	}
	if strings.TrimSpace(c.TreasuryAddress) == "" {
		problems = append(problems, "TREASURY_ADDRESS is required")
	}
	if strings.TrimSpace(c.FaucetMnemonic) == "" {
		problems = append(problems, "FAUCET_MNEMONIC is required")
	}
	if strings.TrimSpace(c.FaucetAddress) == "" {
		problems = append(problems, "FAUCET_ADDRESS is required")
	}
	if c.ExistentialDeposit == nil || c.ExistentialDeposit.Sign() <= 0 {
		problems = append(problems, "EXISTENTIAL_DEPOSIT must be a positive decimal integer")
	}
	if c.Port <= 0 || c.Port > 65535 {
		problems = append(problems, "PORT must be in 1..65535")
	}
	if c.PollInterval <= 0 {
		problems = append(problems, "POLL_INTERVAL must be positive")
	}

	if len(problems) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %s", apperr.ErrConfig, strings.Join(problems, "; "))
}
