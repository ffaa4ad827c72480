package capvault

import (
	"context"
	"errors"
	"fmt"

	"github.com/raykavin/capvault/pkg/config"
	"github.com/raykavin/capvault/pkg/core"
	"github.com/raykavin/capvault/pkg/event"
	"github.com/raykavin/capvault/pkg/exchange"
	"github.com/raykavin/capvault/pkg/exchange/binance"
	"github.com/raykavin/capvault/pkg/governance"
	"github.com/raykavin/capvault/pkg/ledger"
	"github.com/raykavin/capvault/pkg/logger"
	"github.com/raykavin/capvault/pkg/notification"
	"github.com/raykavin/capvault/pkg/storage"
	"github.com/raykavin/capvault/pkg/valuation"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// DefaultLog is the default logger instance
var DefaultLog logger.Logger

// TimelockIdentity is the caller the timelock uses to apply cap changes
const TimelockIdentity core.AccountID = "timelock"

// Vault wires the ledger to its custody, valuation, storage and notifiers
type Vault struct {
	config   *config.Config
	logger   logger.Logger
	ledger   *ledger.Ledger
	wallet   *exchange.PaperWallet
	router   *valuation.Router
	storage  core.LedgerStorage
	feed     *event.Feed
	roles    *governance.Roles
	timelock *governance.Timelock
	telegram *notification.Telegram

	rates     map[core.AssetID]core.RateSource
	notifiers []core.Notifier
	feedSize  int
	restored  bool
	started   bool
}

// New creates a vault from configuration. The wallet, storage and rate
// sources may be replaced through options.
func New(ctx context.Context, cfg *config.Config, options ...Option) (*Vault, error) {
	if cfg == nil {
		return nil, errors.New("capvault: nil config")
	}

	vault := &Vault{
		config: cfg,
		logger: DefaultLog,
		rates:  make(map[core.AssetID]core.RateSource),
	}

	for _, option := range options {
		option(vault)
	}

	if err := initializeWallet(vault); err != nil {
		return nil, err
	}

	if err := initializeRouter(vault); err != nil {
		return nil, err
	}

	if err := initializeStorage(vault); err != nil {
		return nil, err
	}

	if err := initializeNotifications(vault); err != nil {
		_ = vault.closeStorage()
		return nil, err
	}

	if err := initializeLedger(ctx, vault); err != nil {
		_ = vault.closeStorage()
		return nil, err
	}

	return vault, nil
}

// initializeWallet builds the simulated custody from the configured assets,
// pools and initial balances
func initializeWallet(vault *Vault) error {
	if vault.wallet != nil {
		return nil
	}

	cfg := vault.config
	accounting := cfg.AccountingAsset()
	options := []exchange.PaperWalletOption{
		exchange.WithPaperAsset(accounting),
		exchange.WithPaperFee(cfg.FeeBps),
	}

	assets := make(map[core.AssetID]core.Asset, len(cfg.Assets)+1)
	assets[accounting.ID] = accounting

	for _, assetConfig := range cfg.Assets {
		asset := assetConfig.Asset()
		assets[asset.ID] = asset
		options = append(options, exchange.WithPaperAsset(asset))

		if valuation.Kind(assetConfig.Strategy) != valuation.KindSwap {
			continue
		}

		reserve, err := core.ParseUnits(assetConfig.Pool.Reserve, asset.Decimals)
		if err != nil {
			return fmt.Errorf("pool %s: %w", asset.ID, err)
		}
		accountingReserve, err := core.ParseUnits(assetConfig.Pool.AccountingReserve, accounting.Decimals)
		if err != nil {
			return fmt.Errorf("pool %s: %w", asset.ID, err)
		}
		options = append(options, exchange.WithPool(asset.ID, accounting.ID, reserve, accountingReserve))
	}

	for _, balance := range cfg.Balances {
		asset, ok := assets[core.AssetID(balance.Asset)]
		if !ok {
			return fmt.Errorf("balance for %s: %w", balance.Asset, core.ErrUnknownAsset)
		}
		amount, err := core.ParseUnits(balance.Amount, asset.Decimals)
		if err != nil {
			return fmt.Errorf("balance for %s: %w", balance.Account, err)
		}
		options = append(options, exchange.WithPaperBalance(asset.ID, core.AccountID(balance.Account), amount))
	}

	vault.wallet = exchange.NewPaperWallet(core.AccountID(cfg.Custodian), options...)
	return nil
}

// initializeRouter registers one valuation strategy per configured asset
func initializeRouter(vault *Vault) error {
	cfg := vault.config
	accounting := cfg.AccountingAsset()

	deadline, err := cfg.SwapDeadlineDuration()
	if err != nil {
		return err
	}
	maxAge, err := cfg.RateMaxAgeDuration()
	if err != nil {
		return err
	}

	router := valuation.NewRouter().Register(accounting.ID, valuation.NewIdentity(accounting, vault.wallet))

	for _, assetConfig := range cfg.Assets {
		asset := assetConfig.Asset()

		switch valuation.Kind(assetConfig.Strategy) {
		case valuation.KindIdentity:
			router.Register(asset.ID, valuation.NewIdentity(accounting, vault.wallet))

		case valuation.KindReferenceRate:
			source, err := vault.rateSource(asset.ID, assetConfig.Rate)
			if err != nil {
				return err
			}
			router.Register(asset.ID, valuation.NewReferenceRate(accounting, vault.wallet, source,
				assetConfig.Rate.Scale(), valuation.WithMaxAge(maxAge)))

		case valuation.KindSwap:
			swap, err := valuation.NewSwap(accounting, vault.wallet, vault.wallet,
				valuation.WithToleranceBps(cfg.ToleranceBps),
				valuation.WithSwapDeadline(deadline),
			)
			if err != nil {
				return fmt.Errorf("swap %s: %w", asset.ID, err)
			}
			router.Register(asset.ID, swap)

		default:
			return fmt.Errorf("%w: %q", config.ErrUnknownStrategy, assetConfig.Strategy)
		}
	}

	vault.router = router
	return nil
}

// rateSource returns the injected source for an asset, a Binance ticker or a
// fixed price, in that order
func (v *Vault) rateSource(asset core.AssetID, rate config.RateConfig) (core.RateSource, error) {
	if source, ok := v.rates[asset]; ok {
		return source, nil
	}

	if rate.Binance != "" {
		options := []binance.Option{binance.WithLogger(v.logger)}
		if rate.TestNet {
			options = append(options, binance.WithTestNet())
		}
		if rate.Retries > 0 {
			options = append(options, binance.WithRetries(rate.Retries))
		}
		source := binance.NewRateSource(rate.Binance, rate.Scale(), options...)
		v.rates[asset] = source
		return source, nil
	}

	answer, err := rate.RateAnswer()
	if err != nil {
		return nil, fmt.Errorf("rate %s: %w", asset, err)
	}
	source := exchange.NewStaticRate(answer, rate.Scale())
	v.rates[asset] = source
	return source, nil
}

// initializeStorage opens the configured storage unless one was injected
func initializeStorage(vault *Vault) error {
	if vault.storage != nil {
		return nil
	}

	var err error
	switch path := vault.config.Storage.Path; vault.config.Storage.Driver {
	case config.StorageSQL:
		vault.storage, err = storage.FromSQL(sqlite.Open(path), &gorm.Config{
			Logger: gormlogger.Default.LogMode(gormlogger.Silent),
		})
	case config.StorageBunt, "":
		if path == "" || path == ":memory:" {
			vault.storage, err = storage.FromMemory(storage.WithBuntLogger(vault.logger))
		} else {
			vault.storage, err = storage.FromFile(path, storage.WithBuntLogger(vault.logger))
		}
	default:
		err = fmt.Errorf("%w: %q", config.ErrUnknownStorage, vault.config.Storage.Driver)
	}
	return err
}

// initializeNotifications routes records through the feed to the log, mail
// and telegram notifiers
func initializeNotifications(vault *Vault) error {
	cfg := vault.config
	vault.feed = event.NewFeed(vault.feedSize)

	vault.notifiers = append(vault.notifiers, notification.NewLog(vault.logger))

	if cfg.Mail.Enabled {
		vault.notifiers = append(vault.notifiers, notification.NewMail(notification.MailParams{
			SMTPServerPort:    cfg.Mail.Port,
			SMTPServerAddress: cfg.Mail.Server,
			To:                cfg.Mail.To,
			From:              cfg.Mail.From,
			Password:          cfg.Mail.Password,
		}))
	}

	for _, notifier := range vault.notifiers {
		vault.feed.Subscribe(notifier.OnRecord)
		vault.feed.SubscribeErrors(notifier.OnError)
	}
	return nil
}

// initializeLedger sets up authorization, creates the ledger and restores its
// last saved state
func initializeLedger(ctx context.Context, vault *Vault) error {
	cfg := vault.config

	capacity, err := cfg.CapAmount()
	if err != nil {
		return err
	}

	options := []ledger.Option{
		ledger.WithCapacityCap(capacity),
		ledger.WithCustodian(vault.wallet.Custodian()),
		ledger.WithStorage(vault.storage),
		ledger.WithNotifier(vault.feed),
		ledger.WithLogger(vault.logger),
	}

	if len(cfg.Allowed) > 0 {
		allowed := make([]core.AssetID, 0, len(cfg.Allowed))
		for _, asset := range cfg.Allowed {
			allowed = append(allowed, core.AssetID(asset))
		}
		options = append(options, ledger.WithAllowedAssets(allowed...))
	}

	if len(cfg.Admins) > 0 || cfg.Timelock.Enabled {
		vault.roles = governance.NewRoles()
		for _, admin := range cfg.Admins {
			vault.roles.Grant(core.CapabilityManageAssets, core.AccountID(admin))
			if !cfg.Timelock.Enabled {
				vault.roles.Grant(core.CapabilitySetCap, core.AccountID(admin))
			}
		}
		options = append(options, ledger.WithAuthorizer(vault.roles))
	}

	vault.ledger, err = ledger.New(cfg.AccountingAsset(), vault.wallet, vault.wallet, vault.router, options...)
	if err != nil {
		return err
	}

	if cfg.Timelock.Enabled {
		if err := initializeTimelock(vault); err != nil {
			return err
		}
	}

	vault.restored, err = vault.ledger.Restore(ctx)
	if err != nil {
		return err
	}

	if cfg.Telegram.Enabled {
		vault.telegram, err = notification.NewTelegram(vault.ledger, notification.TelegramSettings{
			Token: cfg.Telegram.Token,
			Users: cfg.Telegram.Users,
		})
		if err != nil {
			return err
		}
		vault.feed.Subscribe(vault.telegram.OnRecord)
		vault.feed.SubscribeErrors(vault.telegram.OnError)
	}

	return nil
}

// initializeTimelock gives the cap capability to the timelock only
func initializeTimelock(vault *Vault) error {
	cfg := vault.config

	delay, err := config.ParseDuration(cfg.Timelock.Delay)
	if err != nil {
		return err
	}

	approvers := make([]core.AccountID, 0, len(cfg.Timelock.Approvers))
	for _, approver := range cfg.Timelock.Approvers {
		approvers = append(approvers, core.AccountID(approver))
	}

	options := []governance.TimelockOption{governance.WithDelay(delay)}
	if cfg.Timelock.Quorum > 0 {
		options = append(options, governance.WithQuorum(cfg.Timelock.Quorum))
	}

	vault.timelock, err = governance.NewTimelock(vault.ledger, TimelockIdentity, approvers, options...)
	if err != nil {
		return err
	}
	vault.roles.Grant(core.CapabilitySetCap, TimelockIdentity)
	return nil
}

// Start begins delivering notifications
func (v *Vault) Start() {
	v.feed.Start()
	if v.telegram != nil && !v.started {
		v.telegram.Start()
	}
	v.started = true
}

// Close flushes pending notifications and closes the storage
func (v *Vault) Close() error {
	v.feed.Stop()
	if v.telegram != nil && v.started {
		v.telegram.Stop()
	}
	return v.closeStorage()
}

func (v *Vault) closeStorage() error {
	if v.storage == nil {
		return nil
	}
	return v.storage.Close()
}

// Ledger returns the vault ledger
func (v *Vault) Ledger() *ledger.Ledger { return v.ledger }

// Wallet returns the simulated custody
func (v *Vault) Wallet() *exchange.PaperWallet { return v.wallet }

// Timelock returns the cap timelock, nil when disabled
func (v *Vault) Timelock() *governance.Timelock { return v.timelock }

// Feed returns the record feed
func (v *Vault) Feed() *event.Feed { return v.feed }

// Storage returns the ledger storage
func (v *Vault) Storage() core.LedgerStorage { return v.storage }

// Restored reports whether the ledger state was loaded from storage
func (v *Vault) Restored() bool { return v.restored }

// Asset returns a configured asset by id
func (v *Vault) Asset(id core.AssetID) (core.Asset, error) {
	for _, asset := range v.wallet.Assets() {
		if asset.ID == id {
			return asset, nil
		}
	}
	return core.Asset{}, fmt.Errorf("%w: %s", core.ErrUnknownAsset, id)
}

// RateSource returns the rate source valuing an asset
func (v *Vault) RateSource(asset core.AssetID) (core.RateSource, bool) {
	source, ok := v.rates[asset]
	return source, ok
}
