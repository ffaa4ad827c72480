package binance

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/adshao/go-binance/v2"
	"github.com/jpillora/backoff"
	"github.com/raykavin/capvault/pkg/core"
	"github.com/raykavin/capvault/pkg/logger"
	"github.com/shopspring/decimal"
)

var ErrSymbolNotFound = errors.New("symbol not found")

// PriceLister fetches ticker prices; it is satisfied by the Binance REST client.
type PriceLister interface {
	ListPrices(ctx context.Context, symbol string) ([]*binance.SymbolPrice, error)
}

type clientLister struct {
	client *binance.Client
}

func (c clientLister) ListPrices(ctx context.Context, symbol string) ([]*binance.SymbolPrice, error) {
	return c.client.NewListPricesService().Symbol(symbol).Do(ctx)
}

// RateSource reports the spot price of a Binance symbol as a core.RateSource.
type RateSource struct {
	symbol   string
	decimals uint8
	retries  int
	lister   PriceLister
	clock    func() time.Time
	log      logger.Logger
	backoff  func() *backoff.Backoff
}

// Option configures a RateSource
type Option func(*RateSource)

// WithCredentials uses an authenticated client
func WithCredentials(key, secret string) Option {
	return func(r *RateSource) {
		r.lister = clientLister{client: binance.NewClient(key, secret)}
	}
}

// WithTestNet enables the Binance testnet
func WithTestNet() Option {
	return func(_ *RateSource) {
		binance.UseTestnet = true
	}
}

// WithPriceLister replaces the REST client, mostly for tests
func WithPriceLister(lister PriceLister) Option {
	return func(r *RateSource) {
		r.lister = lister
	}
}

// WithRetries sets how many extra attempts are made after a failed request
func WithRetries(retries int) Option {
	return func(r *RateSource) {
		r.retries = retries
	}
}

// WithLogger sets the logger used to report retries
func WithLogger(log logger.Logger) Option {
	return func(r *RateSource) {
		r.log = log
	}
}

// WithClock overrides the time used to stamp prices
func WithClock(clock func() time.Time) Option {
	return func(r *RateSource) {
		r.clock = clock
	}
}

// NewRateSource creates a rate source for symbol (e.g. ETHUSDT) reporting
// prices scaled to decimals.
func NewRateSource(symbol string, decimals uint8, options ...Option) *RateSource {
	source := &RateSource{
		symbol:   symbol,
		decimals: decimals,
		retries:  3,
		lister:   clientLister{client: binance.NewClient("", "")},
		clock:    time.Now,
		backoff:  setupBackoffRetry,
	}

	for _, option := range options {
		option(source)
	}

	return source
}

// setupBackoffRetry creates a backoff with sensible defaults
func setupBackoffRetry() *backoff.Backoff {
	return &backoff.Backoff{
		Min: 100 * time.Millisecond,
		Max: 1 * time.Second,
	}
}

// LatestPrice implements core.RateSource. The ticker carries no timestamp, so
// the price is stamped with the time it was received.
func (r *RateSource) LatestPrice(ctx context.Context) (core.Price, error) {
	retry := r.backoff()

	var lastErr error
	for attempt := 0; attempt <= r.retries; attempt++ {
		if attempt > 0 {
			wait := retry.Duration()
			if r.log != nil {
				r.log.WithError(lastErr).Warnf("binance price %s: retrying in %s", r.symbol, wait)
			}
			select {
			case <-ctx.Done():
				return core.Price{}, ctx.Err()
			case <-time.After(wait):
			}
		}

		price, err := r.fetch(ctx)
		if err == nil {
			return price, nil
		}
		if errors.Is(err, ErrSymbolNotFound) {
			return core.Price{}, err
		}
		lastErr = err
	}

	return core.Price{}, fmt.Errorf("binance price %s: %w", r.symbol, lastErr)
}

func (r *RateSource) fetch(ctx context.Context) (core.Price, error) {
	prices, err := r.lister.ListPrices(ctx, r.symbol)
	if err != nil {
		return core.Price{}, err
	}

	for _, p := range prices {
		if p == nil || p.Symbol != r.symbol {
			continue
		}

		value, err := decimal.NewFromString(p.Price)
		if err != nil {
			return core.Price{}, fmt.Errorf("parse price %q: %w", p.Price, err)
		}

		return core.Price{
			Answer:    value.Shift(int32(r.decimals)).Truncate(0).BigInt(),
			Decimals:  r.decimals,
			UpdatedAt: r.clock(),
		}, nil
	}

	return core.Price{}, fmt.Errorf("%w: %s", ErrSymbolNotFound, r.symbol)
}
