package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/raykavin/capvault/pkg/core"
	"github.com/stretchr/testify/require"
)

const sample = `
accounting:
  id: usdc
  decimals: 6
cap: "1000000.5"
swap_deadline: 1d
rate_max_age: 90m
admins: [admin]
assets:
  - id: dai
    decimals: 6
    strategy: identity
  - id: weth
    symbol: WETH
    decimals: 18
    strategy: rate
    rate:
      price: "2000.5"
  - id: wbtc
    decimals: 8
    strategy: swap
    pool:
      reserve: "10"
      accounting_reserve: "600000"
balances:
  - account: alice
    asset: usdc
    amount: "5000"
storage:
  driver: sql
  path: ./capvault.sqlite
timelock:
  enabled: true
  approvers: [ana, bruno]
  delay: 2w
`

func TestFromReader(t *testing.T) {
	config, err := FromReader(sample)
	require.NoError(t, err)

	require.Equal(t, core.Asset{ID: "usdc", Symbol: "USDC", Decimals: 6}, config.AccountingAsset())
	require.Equal(t, DefaultCustodian, config.Custodian)
	require.EqualValues(t, DefaultFeeBps, config.FeeBps)
	require.EqualValues(t, 50, config.ToleranceBps)
	require.Equal(t, StorageSQL, config.Storage.Driver)
	require.Equal(t, DefaultLogLevel, config.Log.Level)
	require.Len(t, config.Assets, 3)
	require.Equal(t, []string{"admin"}, config.Admins)

	capacity, err := config.CapAmount()
	require.NoError(t, err)
	require.Equal(t, core.NewAmount(1_000_000_500_000), capacity)

	deadline, err := config.SwapDeadlineDuration()
	require.NoError(t, err)
	require.Equal(t, 24*time.Hour, deadline)

	maxAge, err := config.RateMaxAgeDuration()
	require.NoError(t, err)
	require.Equal(t, 90*time.Minute, maxAge)

	answer, err := config.Assets[1].Rate.RateAnswer()
	require.NoError(t, err)
	require.EqualValues(t, 200_050_000_000, answer)
	require.EqualValues(t, DefaultRateScale, config.Assets[1].Rate.Scale())

	delay, err := ParseDuration(config.Timelock.Delay)
	require.NoError(t, err)
	require.Equal(t, 14*24*time.Hour, delay)
}

func TestFromReader_Invalid(t *testing.T) {
	tt := []struct {
		name    string
		content string
		err     error
	}{
		{"no accounting", "cap: \"10\"", ErrNoAccounting},
		{"unknown strategy", "accounting: {id: usdc, decimals: 6}\nassets: [{id: dai, strategy: magic}]", ErrUnknownStrategy},
		{"duplicate asset", "accounting: {id: usdc, decimals: 6}\nassets: [{id: usdc, strategy: identity}]", ErrDuplicateAsset},
		{"unknown storage", "accounting: {id: usdc, decimals: 6}\nstorage: {driver: redis}", ErrUnknownStorage},
		{"cap precision", "accounting: {id: usdc, decimals: 2}\ncap: \"1.005\"", core.ErrPrecisionMismatch},
	}

	for _, tc := range tt {
		t.Run(tc.name, func(t *testing.T) {
			_, err := FromReader(tc.content)
			require.ErrorIs(t, err, tc.err)
		})
	}
}

func TestFromReader_InvalidDuration(t *testing.T) {
	_, err := FromReader("accounting: {id: usdc, decimals: 6}\nswap_deadline: soon")
	require.Error(t, err)
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "capvault.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sample), 0o600))

	t.Setenv("CAPVAULT_CAP", "42")
	t.Setenv("CAPVAULT_TELEGRAM_TOKEN", "secret")

	config, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "42", config.Cap)
	require.Equal(t, "secret", config.Telegram.Token)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}
