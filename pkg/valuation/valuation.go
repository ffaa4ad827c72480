// Package valuation converts deposited asset amounts into the accounting unit.
//
// A Strategy answers twice per deposit: Estimate runs before any asset moves
// and yields the value the capacity pre-check uses; Settle runs once the
// deposit is in custody and yields the value actually credited.
package valuation

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/raykavin/capvault/pkg/core"
)

// Kind names the normalization rule a strategy applies.
type Kind string

const (
	KindIdentity      Kind = "identity"
	KindReferenceRate Kind = "rate"
	KindSwap          Kind = "swap"
)

// Request is the deposit being valued.
type Request struct {
	Asset     core.AssetID
	Amount    core.Amount
	Custodian core.AccountID
}

// Estimate is what a strategy knows before any external action is taken.
type Estimate struct {
	Value    core.Amount
	Quoted   core.Amount
	Path     []core.AssetID
	Deadline time.Time
}

// Strategy values deposits of one asset in the accounting unit.
type Strategy interface {
	// Kind names the rule the strategy applies.
	Kind() Kind
	// Holds returns the asset custody keeps once a deposit of asset settles.
	Holds(asset core.AssetID) core.AssetID
	// Estimate values req before any asset moves.
	Estimate(ctx context.Context, req Request) (Estimate, error)
	// Settle values req once it is in custody. The result is what gets credited.
	Settle(ctx context.Context, req Request, estimate Estimate) (core.Amount, error)
}

// Router selects the strategy for each asset.
type Router struct {
	mu         sync.RWMutex
	strategies map[core.AssetID]Strategy
}

// NewRouter returns a router with no bindings.
func NewRouter() *Router {
	return &Router{strategies: make(map[core.AssetID]Strategy)}
}

// Register binds asset to strategy, replacing any previous binding.
func (r *Router) Register(asset core.AssetID, strategy Strategy) *Router {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.strategies[asset] = strategy
	return r
}

// Strategy returns the strategy bound to asset.
func (r *Router) Strategy(asset core.AssetID) (Strategy, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	strategy, ok := r.strategies[asset]
	if !ok {
		return nil, fmt.Errorf("%w: no valuation for %s", core.ErrAssetNotAllowed, asset)
	}
	return strategy, nil
}

// Assets returns every asset with a bound strategy, sorted.
func (r *Router) Assets() []core.AssetID {
	r.mu.RLock()
	defer r.mu.RUnlock()

	assets := make([]core.AssetID, 0, len(r.strategies))
	for asset := range r.strategies {
		assets = append(assets, asset)
	}
	sort.Slice(assets, func(i, j int) bool { return assets[i] < assets[j] })
	return assets
}
