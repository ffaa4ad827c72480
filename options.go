package capvault

import (
	"github.com/raykavin/capvault/pkg/core"
	"github.com/raykavin/capvault/pkg/exchange"
	"github.com/raykavin/capvault/pkg/logger"
)

// Option is a functional option for configuring a Vault instance
type Option func(*Vault)

// WithLogger replaces DefaultLog for this vault
func WithLogger(log logger.Logger) Option {
	return func(vault *Vault) {
		vault.logger = log
	}
}

// WithStorage sets the ledger storage, overriding the configured driver
func WithStorage(storage core.LedgerStorage) Option {
	return func(vault *Vault) {
		vault.storage = storage
	}
}

// WithPaperWallet sets the custody, overriding the configured assets and balances
func WithPaperWallet(wallet *exchange.PaperWallet) Option {
	return func(vault *Vault) {
		vault.wallet = wallet
	}
}

// WithRateSource values an asset with the given source instead of the configured one
func WithRateSource(asset core.AssetID, source core.RateSource) Option {
	return func(vault *Vault) {
		vault.rates[asset] = source
	}
}

// WithNotifier registers an additional notifier on the record feed
func WithNotifier(notifier core.Notifier) Option {
	return func(vault *Vault) {
		vault.notifiers = append(vault.notifiers, notifier)
	}
}

// WithFeedSize sets how many notifications may be pending before new ones are dropped
func WithFeedSize(size int) Option {
	return func(vault *Vault) {
		vault.feedSize = size
	}
}
