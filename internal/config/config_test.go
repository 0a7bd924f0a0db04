package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/polygon-custody/hotwallet/internal/apperr"
)

func setRequiredEnv(t *testing.T) {
	t.Helper()
	t.Setenv("RPC_URL", "https://rpc.example/v1")
	t.Setenv("MNEMONIC", "test test test test test test test test test test test junk")
	t.Setenv("TREASURY_ADDRESS", "0x9999999999999999999999999999999999999999")
	t.Setenv("FAUCET_MNEMONIC", "legal winner thank year wave sausage worth useful legal winner thank yellow")
	t.Setenv("FAUCET_ADDRESS", "0x8888888888888888888888888888888888888888")
}

func TestLoad_AppliesDefaults(t *testing.T) {
	setRequiredEnv(t)

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, "wallet.db", cfg.DatabaseURL)
	require.Equal(t, 3000, cfg.Port)
	require.Equal(t, 10*time.Second, cfg.PollInterval)
	require.Equal(t, uint64(20), cfg.BlockOffsetFromHead)
	require.Equal(t, "10000000000000000", cfg.ExistentialDeposit.String())
}

func TestLoad_WSPreferredOverHTTP(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("WS_URL", "wss://rpc.example/ws")

	cfg, err := Load()
	require.NoError(t, err)
	require.True(t, cfg.UsesWS())
}

func TestValidate_CollectsAllMissingFields(t *testing.T) {
	var cfg Config
	err := cfg.Validate()
	require.Error(t, err)
	require.ErrorIs(t, err, apperr.ErrConfig)
	require.Contains(t, err.Error(), "MNEMONIC")
	require.Contains(t, err.Error(), "TREASURY_ADDRESS")
	require.Contains(t, err.Error(), "RPC_URL")
}

func TestValidate_RejectsNonPositiveExistentialDeposit(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("EXISTENTIAL_DEPOSIT", "0")

	_, err := Load()
	require.Error(t, err)
	require.Contains(t, err.Error(), "EXISTENTIAL_DEPOSIT")
}
