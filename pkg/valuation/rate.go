package valuation

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/raykavin/capvault/pkg/core"
)

// ReferenceRate values an asset through an external price quote.
type ReferenceRate struct {
	accounting core.Asset
	tokens     core.TokenSet
	source     core.RateSource
	scale      uint8
	maxAge     time.Duration
	clock      func() time.Time
}

// RateOption configures a ReferenceRate
type RateOption func(*ReferenceRate)

// WithMaxAge rejects prices older than maxAge; zero disables the check
func WithMaxAge(maxAge time.Duration) RateOption {
	return func(r *ReferenceRate) {
		r.maxAge = maxAge
	}
}

// WithRateClock overrides the time used for the freshness check
func WithRateClock(clock func() time.Time) RateOption {
	return func(r *ReferenceRate) {
		r.clock = clock
	}
}

// NewReferenceRate values deposits with prices from source, which must report
// them at the given scale.
func NewReferenceRate(accounting core.Asset, tokens core.TokenSet, source core.RateSource, scale uint8,
	options ...RateOption) *ReferenceRate {
	rate := &ReferenceRate{
		accounting: accounting,
		tokens:     tokens,
		source:     source,
		scale:      scale,
		clock:      time.Now,
	}

	for _, option := range options {
		option(rate)
	}

	return rate
}

// Kind returns KindReferenceRate.
func (r *ReferenceRate) Kind() Kind { return KindReferenceRate }

// Holds returns asset; rate-valued deposits are kept in kind.
func (r *ReferenceRate) Holds(asset core.AssetID) core.AssetID { return asset }

// Estimate values req at the latest valid price.

func (r *ReferenceRate) Estimate(ctx context.Context, req Request) (Estimate, error) {
	token, err := r.tokens.Token(req.Asset)
	if err != nil {
		return Estimate{}, fmt.Errorf("%w: %w", core.ErrAssetNotAllowed, err)
	}

	price, err := r.source.LatestPrice(ctx)
	if err != nil {
		return Estimate{}, fmt.Errorf("%w: %w", core.ErrStaleOrInvalidRate, err)
	}
	if err := r.validate(price); err != nil {
		return Estimate{}, err
	}

	value, err := Rescale(req.Amount, price.Answer, token.Precision(), price.Decimals, r.accounting.Decimals)
	if err != nil {
		return Estimate{}, err
	}

	return Estimate{Value: value}, nil
}

// Settle credits the estimate unchanged.
func (r *ReferenceRate) Settle(_ context.Context, _ Request, estimate Estimate) (core.Amount, error) {
	return estimate.Value, nil
}

func (r *ReferenceRate) validate(price core.Price) error {
	if price.Answer == nil || price.Answer.Sign() <= 0 {
		return fmt.Errorf("%w: price %v", core.ErrStaleOrInvalidRate, price.Answer)
	}
	if price.Decimals != r.scale {
		return fmt.Errorf("%w: scale %d, expected %d", core.ErrStaleOrInvalidRate, price.Decimals, r.scale)
	}
	if r.maxAge > 0 && r.clock().Sub(price.UpdatedAt) > r.maxAge {
		return fmt.Errorf("%w: updated at %s", core.ErrStaleOrInvalidRate, price.UpdatedAt.Format(time.RFC3339))
	}
	return nil
}

// Rescale computes amount × price, moved from (assetScale + rateScale)
// decimals to accountingScale. Division truncates.
func Rescale(amount core.Amount, price *big.Int, assetScale, rateScale, accountingScale uint8) (core.Amount, error) {
	value := new(big.Int).Mul(amount.ToBig(), price)

	shift := int64(assetScale) + int64(rateScale) - int64(accountingScale)
	factor := new(big.Int).Exp(big.NewInt(10), big.NewInt(abs(shift)), nil)
	if shift > 0 {
		value.Quo(value, factor)
	} else {
		value.Mul(value, factor)
	}

	return core.FromBig(value)
}

func abs(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
