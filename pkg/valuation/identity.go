package valuation

import (
	"context"
	"fmt"

	"github.com/raykavin/capvault/pkg/core"
)

// Identity values an asset already denominated in the accounting unit 1:1.
type Identity struct {
	accounting core.Asset
	tokens     core.TokenSet
}

// NewIdentity values assets sharing the precision of accounting at face value.
func NewIdentity(accounting core.Asset, tokens core.TokenSet) *Identity {
	return &Identity{accounting: accounting, tokens: tokens}
}

// Kind returns KindIdentity.
func (i *Identity) Kind() Kind { return KindIdentity }

// Holds returns asset; identity deposits stay in custody as deposited.
func (i *Identity) Holds(asset core.AssetID) core.AssetID { return asset }

// Estimate rejects assets whose precision differs from the accounting unit.

func (i *Identity) Estimate(_ context.Context, req Request) (Estimate, error) {
	token, err := i.tokens.Token(req.Asset)
	if err != nil {
		return Estimate{}, fmt.Errorf("%w: %w", core.ErrAssetNotAllowed, err)
	}

	if token.Precision() != i.accounting.Decimals {
		return Estimate{}, fmt.Errorf("%w: %s has %d decimals, accounting unit has %d",
			core.ErrPrecisionMismatch, req.Asset, token.Precision(), i.accounting.Decimals)
	}

	return Estimate{Value: req.Amount}, nil
}

// Settle credits the estimate unchanged.
func (i *Identity) Settle(_ context.Context, _ Request, estimate Estimate) (core.Amount, error) {
	return estimate.Value, nil
}
