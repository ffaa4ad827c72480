// Package config loads vault configuration using Viper
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/raykavin/capvault/pkg/core"
	"github.com/raykavin/capvault/pkg/valuation"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
	str2duration "github.com/xhit/go-str2duration/v2"
)

const (
	EnvPrefix = "CAPVAULT"

	DefaultCustodian  = "vault"
	DefaultFeeBps     = 30
	DefaultStorage    = StorageBunt
	DefaultLogLevel   = "info"
	DefaultTimeFormat = "2006-01-02 15:04:05"
	DefaultRateScale  = 8
)

const (
	StorageBunt = "bunt"
	StorageSQL  = "sql"
)

var (
	ErrNoAccounting    = errors.New("accounting asset is required")
	ErrUnknownStrategy = errors.New("unknown valuation strategy")
	ErrUnknownStorage  = errors.New("unknown storage driver")
	ErrDuplicateAsset  = errors.New("asset configured twice")
)

// Config holds the vault configuration
type Config struct {
	Accounting   AssetConfig     `mapstructure:"accounting"`
	Cap          string          `mapstructure:"cap"`
	Custodian    string          `mapstructure:"custodian"`
	FeeBps       uint64          `mapstructure:"fee_bps"`
	ToleranceBps uint64          `mapstructure:"tolerance_bps"`
	SwapDeadline string          `mapstructure:"swap_deadline"`
	RateMaxAge   string          `mapstructure:"rate_max_age"`
	Allowed      []string        `mapstructure:"allowed"`
	Admins       []string        `mapstructure:"admins"`
	Assets       []AssetConfig   `mapstructure:"assets"`
	Balances     []BalanceConfig `mapstructure:"balances"`
	Timelock     TimelockConfig  `mapstructure:"timelock"`
	Storage      StorageConfig   `mapstructure:"storage"`
	Log          LogConfig       `mapstructure:"log"`
	Telegram     TelegramConfig  `mapstructure:"telegram"`
	Mail         MailConfig      `mapstructure:"mail"`
}

// AssetConfig describes a depositable asset and how it is valued
type AssetConfig struct {
	ID       string     `mapstructure:"id"`
	Symbol   string     `mapstructure:"symbol"`
	Decimals uint8      `mapstructure:"decimals"`
	Strategy string     `mapstructure:"strategy"`
	Rate     RateConfig `mapstructure:"rate"`
	Pool     PoolConfig `mapstructure:"pool"`
}

// RateConfig selects a fixed price or a Binance ticker
type RateConfig struct {
	Price    string `mapstructure:"price"`
	Decimals uint8  `mapstructure:"decimals"`
	Binance  string `mapstructure:"binance"`
	TestNet  bool   `mapstructure:"testnet"`
	Retries  int    `mapstructure:"retries"`
}

// PoolConfig holds the simulated pool reserves against the accounting asset,
// in human units
type PoolConfig struct {
	Reserve           string `mapstructure:"reserve"`
	AccountingReserve string `mapstructure:"accounting_reserve"`
}

// BalanceConfig funds a holder in the simulated custody
type BalanceConfig struct {
	Account string `mapstructure:"account"`
	Asset   string `mapstructure:"asset"`
	Amount  string `mapstructure:"amount"`
}

// TimelockConfig enables staged cap changes
type TimelockConfig struct {
	Enabled   bool     `mapstructure:"enabled"`
	Approvers []string `mapstructure:"approvers"`
	Quorum    int      `mapstructure:"quorum"`
	Delay     string   `mapstructure:"delay"`
}

// StorageConfig selects the ledger storage
type StorageConfig struct {
	Driver string `mapstructure:"driver"`
	Path   string `mapstructure:"path"`
}

// LogConfig configures the process logger
type LogConfig struct {
	Level      string `mapstructure:"level"`
	TimeFormat string `mapstructure:"time_format"`
	Color      bool   `mapstructure:"color"`
	JSON       bool   `mapstructure:"json"`
}

// TelegramConfig holds Telegram notification configuration
type TelegramConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Token   string `mapstructure:"token"`
	Users   []int  `mapstructure:"users"`
}

// MailConfig holds email notification configuration
type MailConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Server   string `mapstructure:"server"`
	Port     int    `mapstructure:"port"`
	From     string `mapstructure:"from"`
	To       string `mapstructure:"to"`
	Password string `mapstructure:"password"`
}

// Load reads configuration from path, overridden by CAPVAULT_* environment
// variables. An empty path reads the environment only.
func Load(path string) (*Config, error) {
	v := newViper()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}

	return decode(v)
}

// FromReader reads YAML configuration from an in-memory source
func FromReader(content string) (*Config, error) {
	v := newViper()
	v.SetConfigType("yaml")
	if err := v.ReadConfig(strings.NewReader(content)); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	return decode(v)
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("custodian", DefaultCustodian)
	v.SetDefault("fee_bps", DefaultFeeBps)
	v.SetDefault("tolerance_bps", valuation.DefaultToleranceBps)
	v.SetDefault("swap_deadline", valuation.DefaultSwapDeadline.String())
	v.SetDefault("storage.driver", DefaultStorage)
	v.SetDefault("storage.path", ":memory:")
	v.SetDefault("log.level", DefaultLogLevel)
	v.SetDefault("log.time_format", DefaultTimeFormat)
	v.SetDefault("log.color", true)
	v.SetDefault("log.json", false)
	v.SetDefault("mail.port", 587)

	// bind nested keys so AutomaticEnv reaches them during Unmarshal
	for _, key := range []string{"cap", "accounting.id", "accounting.symbol", "accounting.decimals",
		"telegram.enabled", "telegram.token", "mail.enabled", "mail.password"} {
		_ = v.BindEnv(key)
	}
	return v
}

func decode(v *viper.Viper) (*Config, error) {
	config := &Config{}
	if err := v.Unmarshal(config); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// Validate checks the configuration for consistency
func (c *Config) Validate() error {
	if c.Accounting.ID == "" {
		return ErrNoAccounting
	}
	if _, err := c.CapAmount(); err != nil {
		return err
	}

	seen := map[string]bool{c.Accounting.ID: true}
	for _, asset := range c.Assets {
		if seen[asset.ID] {
			return fmt.Errorf("%w: %s", ErrDuplicateAsset, asset.ID)
		}
		seen[asset.ID] = true

		switch valuation.Kind(asset.Strategy) {
		case valuation.KindIdentity, valuation.KindReferenceRate, valuation.KindSwap:
		default:
			return fmt.Errorf("%w: %q for %s", ErrUnknownStrategy, asset.Strategy, asset.ID)
		}
	}

	switch c.Storage.Driver {
	case StorageBunt, StorageSQL:
	default:
		return fmt.Errorf("%w: %q", ErrUnknownStorage, c.Storage.Driver)
	}

	if _, err := c.SwapDeadlineDuration(); err != nil {
		return err
	}
	if _, err := c.RateMaxAgeDuration(); err != nil {
		return err
	}
	if c.Timelock.Enabled {
		if _, err := ParseDuration(c.Timelock.Delay); err != nil {
			return err
		}
	}
	return nil
}

// AccountingAsset returns the accounting asset
func (c *Config) AccountingAsset() core.Asset {
	return c.Accounting.Asset()
}

// Asset converts the configuration into a core.Asset
func (a AssetConfig) Asset() core.Asset {
	symbol := a.Symbol
	if symbol == "" {
		symbol = strings.ToUpper(a.ID)
	}
	return core.Asset{ID: core.AssetID(a.ID), Symbol: symbol, Decimals: a.Decimals}
}

// CapAmount returns the cap in accounting base units
func (c *Config) CapAmount() (core.Amount, error) {
	if c.Cap == "" {
		return core.Amount{}, nil
	}
	capacity, err := core.ParseUnits(c.Cap, c.Accounting.Decimals)
	if err != nil {
		return core.Amount{}, fmt.Errorf("invalid cap: %w", err)
	}
	return capacity, nil
}

// SwapDeadlineDuration returns the swap deadline, defaulting when unset
func (c *Config) SwapDeadlineDuration() (time.Duration, error) {
	if c.SwapDeadline == "" {
		return valuation.DefaultSwapDeadline, nil
	}
	return ParseDuration(c.SwapDeadline)
}

// RateMaxAgeDuration returns the accepted rate age, zero meaning unchecked
func (c *Config) RateMaxAgeDuration() (time.Duration, error) {
	if c.RateMaxAge == "" {
		return 0, nil
	}
	return ParseDuration(c.RateMaxAge)
}

// RateAnswer returns the fixed price in rate base units
func (r RateConfig) RateAnswer() (int64, error) {
	d, err := decimal.NewFromString(r.Price)
	if err != nil {
		return 0, fmt.Errorf("invalid rate price %q: %w", r.Price, err)
	}
	answer := d.Shift(int32(r.Scale()))
	if !answer.IsInteger() {
		return 0, fmt.Errorf("invalid rate price %q: more than %d decimals", r.Price, r.Scale())
	}
	return answer.IntPart(), nil
}

// Scale returns the rate decimals, defaulting to DefaultRateScale
func (r RateConfig) Scale() uint8 {
	if r.Decimals == 0 {
		return DefaultRateScale
	}
	return r.Decimals
}

// ParseDuration accepts Go durations plus days and weeks, e.g. "1d12h" or "2w"
func ParseDuration(value string) (time.Duration, error) {
	duration, err := str2duration.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q: %w", value, err)
	}
	return duration, nil
}
