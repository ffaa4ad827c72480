package valuation

import (
	"context"
	"fmt"
	"math/big"
	"slices"
	"time"

	"github.com/raykavin/capvault/pkg/core"
)

const (
	DefaultToleranceBps = 50
	DefaultSwapDeadline = 15 * time.Minute

	maxBps = 10_000
)

// PathFunc builds the executor path converting asset into the accounting asset.
type PathFunc func(asset, accounting core.AssetID) []core.AssetID

// DirectPath is the single-hop path asset → accounting.
func DirectPath(asset, accounting core.AssetID) []core.AssetID {
	return []core.AssetID{asset, accounting}
}

// Swap values a deposit by converting it into the accounting asset through an
// Executor. The pre-check value is the quoted output reduced by the tolerance,
// the same floor the executor is held to; the credited value is the custody
// balance increase measured around the execution.
type Swap struct {
	accounting   core.Asset
	tokens       core.TokenSet
	executor     core.Executor
	toleranceBps uint64
	deadline     time.Duration
	path         PathFunc
	clock        func() time.Time
}

// SwapOption configures a Swap
type SwapOption func(*Swap)

// WithToleranceBps sets the accepted downward deviation from the quote
func WithToleranceBps(bps uint64) SwapOption {
	return func(s *Swap) {
		s.toleranceBps = bps
	}
}

// WithSwapDeadline sets how long the executor may take to convert
func WithSwapDeadline(deadline time.Duration) SwapOption {
	return func(s *Swap) {
		s.deadline = deadline
	}
}

// WithPath overrides path construction
func WithPath(path PathFunc) SwapOption {
	return func(s *Swap) {
		s.path = path
	}
}

// WithSwapClock overrides the time used to compute deadlines
func WithSwapClock(clock func() time.Time) SwapOption {
	return func(s *Swap) {
		s.clock = clock
	}
}

// NewSwap converts deposits into accounting through executor. tokens is
// used to measure the custodian's accounting balance around each execution.
func NewSwap(accounting core.Asset, tokens core.TokenSet, executor core.Executor, options ...SwapOption) (*Swap, error) {
	swap := &Swap{
		accounting:   accounting,
		tokens:       tokens,
		executor:     executor,
		toleranceBps: DefaultToleranceBps,
		deadline:     DefaultSwapDeadline,
		path:         DirectPath,
		clock:        time.Now,
	}

	for _, option := range options {
		option(swap)
	}

	if swap.toleranceBps >= maxBps {
		return nil, fmt.Errorf("tolerance %d bps must be below %d", swap.toleranceBps, maxBps)
	}
	if swap.deadline <= 0 {
		return nil, fmt.Errorf("swap deadline must be positive, got %s", swap.deadline)
	}

	return swap, nil
}

// Kind returns KindSwap.
func (s *Swap) Kind() Kind { return KindSwap }

// Holds returns the accounting asset every deposit is converted into.
func (s *Swap) Holds(core.AssetID) core.AssetID { return s.accounting.ID }

// Estimate quotes req along the path and applies the tolerance floor.

func (s *Swap) Estimate(ctx context.Context, req Request) (Estimate, error) {
	path := s.path(req.Asset, s.accounting.ID)
	if len(path) < 2 || path[0] != req.Asset || path[len(path)-1] != s.accounting.ID {
		return Estimate{}, fmt.Errorf("%w: invalid path %v", core.ErrConversionFailed, path)
	}

	quoted, err := s.executor.Quote(ctx, req.Amount, path)
	if err != nil {
		return Estimate{}, fmt.Errorf("%w: quote: %w", core.ErrConversionFailed, err)
	}

	floor, err := Floor(quoted, s.toleranceBps)
	if err != nil {
		return Estimate{}, err
	}
	if floor.IsZero() {
		return Estimate{}, fmt.Errorf("%w: quote %s leaves no output", core.ErrConversionFailed, quoted.Dec())
	}

	return Estimate{
		Value:    floor,
		Quoted:   quoted,
		Path:     slices.Clone(path),
		Deadline: s.clock().Add(s.deadline),
	}, nil
}

// Settle executes the conversion held to the estimate's floor and returns
// the custody increase it produced.
func (s *Swap) Settle(ctx context.Context, req Request, estimate Estimate) (core.Amount, error) {
	token, err := s.tokens.Token(s.accounting.ID)
	if err != nil {
		return core.Amount{}, fmt.Errorf("%w: %w", core.ErrConversionFailed, err)
	}

	before, err := token.BalanceOf(ctx, req.Custodian)
	if err != nil {
		return core.Amount{}, fmt.Errorf("%w: balance before: %w", core.ErrConversionFailed, err)
	}

	_, err = s.executor.Execute(ctx, core.SwapOrder{
		AmountIn:     req.Amount,
		MinAmountOut: estimate.Value,
		Path:         estimate.Path,
		Recipient:    req.Custodian,
		Deadline:     estimate.Deadline,
	})
	if err != nil {
		return core.Amount{}, fmt.Errorf("%w: execute: %w", core.ErrConversionFailed, err)
	}

	after, err := token.BalanceOf(ctx, req.Custodian)
	if err != nil {
		return core.Amount{}, fmt.Errorf("%w: balance after: %w", core.ErrConversionFailed, err)
	}

	if !after.Gt(&before) {
		return core.Amount{}, fmt.Errorf("%w: no output received", core.ErrConversionFailed)
	}

	realized := core.SubAmounts(after, before)
	if realized.Lt(&estimate.Value) {
		return core.Amount{}, fmt.Errorf("%w: received %s below floor %s",
			core.ErrConversionFailed, realized.Dec(), estimate.Value.Dec())
	}

	return realized, nil
}

// Floor returns quoted reduced by toleranceBps, truncated.
func Floor(quoted core.Amount, toleranceBps uint64) (core.Amount, error) {
	if toleranceBps >= maxBps {
		return core.Amount{}, fmt.Errorf("tolerance %d bps must be below %d", toleranceBps, maxBps)
	}
	value := new(big.Int).Mul(quoted.ToBig(), big.NewInt(int64(maxBps-toleranceBps)))
	return core.FromBig(value.Quo(value, big.NewInt(maxBps)))
}
