package exchange

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"math/big"

	"github.com/raykavin/capvault/pkg/core"
)

const bpsDenominator = 10_000

var ErrNoPool = errors.New("no liquidity for pair")

type poolKey struct {
	a, b core.AssetID
}

type pool struct {
	key      poolKey
	reserveA core.Amount
	reserveB core.Amount
}

// newPool orders the pair so that (a, b) and (b, a) share one pool.
func newPool(a, b core.AssetID, reserveA, reserveB core.Amount) (poolKey, pool) {
	if b < a {
		a, b = b, a
		reserveA, reserveB = reserveB, reserveA
	}
	key := poolKey{a: a, b: b}
	return key, pool{key: key, reserveA: reserveA, reserveB: reserveB}
}

func (p pool) reserves(in core.AssetID) (reserveIn, reserveOut core.Amount) {
	if in == p.key.a {
		return p.reserveA, p.reserveB
	}
	return p.reserveB, p.reserveA
}

func (p *pool) apply(in core.AssetID, amountIn, amountOut core.Amount) error {
	reserveIn, reserveOut := p.reserves(in)
	newIn, err := core.AddAmounts(reserveIn, amountIn)
	if err != nil {
		return err
	}
	newOut := core.SubAmounts(reserveOut, amountOut)
	if in == p.key.a {
		p.reserveA, p.reserveB = newIn, newOut
	} else {
		p.reserveB, p.reserveA = newIn, newOut
	}
	return nil
}

// amountOut applies the constant-product formula with a fee taken from the input.
func amountOut(amountIn, reserveIn, reserveOut core.Amount, feeBps uint64) (core.Amount, error) {
	if reserveIn.IsZero() || reserveOut.IsZero() {
		return core.Amount{}, ErrNoPool
	}

	inWithFee := new(big.Int).Mul(amountIn.ToBig(), big.NewInt(int64(bpsDenominator-feeBps)))
	numerator := new(big.Int).Mul(inWithFee, reserveOut.ToBig())
	denominator := new(big.Int).Mul(reserveIn.ToBig(), big.NewInt(bpsDenominator))
	denominator.Add(denominator, inWithFee)

	return core.FromBig(numerator.Quo(numerator, denominator))
}

// route walks the path hop by hop and returns the output of each hop.
func (p *PaperWallet) route(amountIn core.Amount, path []core.AssetID) ([]core.Amount, error) {
	if len(path) < 2 {
		return nil, fmt.Errorf("%w: path needs at least two assets", ErrNoPool)
	}

	outputs := make([]core.Amount, 0, len(path)-1)
	current := amountIn
	for i := 0; i+1 < len(path); i++ {
		key, _ := newPool(path[i], path[i+1], core.Amount{}, core.Amount{})
		hop, ok := p.state.pools[key]
		if !ok {
			return nil, fmt.Errorf("%w: %s/%s", ErrNoPool, path[i], path[i+1])
		}

		reserveIn, reserveOut := hop.reserves(path[i])
		out, err := amountOut(current, reserveIn, reserveOut, p.feeBps)
		if err != nil {
			return nil, fmt.Errorf("%s/%s: %w", path[i], path[i+1], err)
		}
		outputs = append(outputs, out)
		current = out
	}
	return outputs, nil
}

// Reserves returns the pool reserves for the pair in the order requested.
func (p *PaperWallet) Reserves(a, b core.AssetID) (core.Amount, core.Amount, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	key, _ := newPool(a, b, core.Amount{}, core.Amount{})
	hop, ok := p.state.pools[key]
	if !ok {
		return core.Amount{}, core.Amount{}, false
	}
	reserveA, reserveB := hop.reserves(a)
	return reserveA, reserveB, true
}

// SetReserves replaces the reserves of a pool, simulating an external price move.
func (p *PaperWallet) SetReserves(a, b core.AssetID, reserveA, reserveB core.Amount) {
	p.mu.Lock()
	defer p.mu.Unlock()

	key, hop := newPool(a, b, reserveA, reserveB)
	p.state.pools[key] = hop
}

// Quote implements core.Executor
func (p *PaperWallet) Quote(ctx context.Context, amountIn core.Amount, path []core.AssetID) (core.Amount, error) {
	if err := ctx.Err(); err != nil {
		return core.Amount{}, err
	}

	p.mu.RLock()
	defer p.mu.RUnlock()

	outputs, err := p.route(amountIn, path)
	if err != nil {
		return core.Amount{}, err
	}
	return outputs[len(outputs)-1], nil
}

// Execute implements core.Executor. The custodian pays AmountIn and Recipient
// receives the output; the swap fails without any movement when the deadline
// has passed or the output is below MinAmountOut.
func (p *PaperWallet) Execute(ctx context.Context, order core.SwapOrder) (core.Amount, error) {
	for _, hook := range p.hooks {
		hook(ctx, order)
	}

	if err := ctx.Err(); err != nil {
		return core.Amount{}, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if !order.Deadline.IsZero() && p.clock().After(order.Deadline) {
		return core.Amount{}, fmt.Errorf("%w: %s", core.ErrDeadlineExpired, order.Deadline)
	}

	outputs, err := p.route(order.AmountIn, order.Path)
	if err != nil {
		return core.Amount{}, err
	}

	out := outputs[len(outputs)-1]
	if out.Lt(&order.MinAmountOut) {
		return core.Amount{}, fmt.Errorf("%w: %s < %s", core.ErrSlippage, out.Dec(), order.MinAmountOut.Dec())
	}

	assetIn, assetOut := order.Path[0], order.Path[len(order.Path)-1]
	if err := p.failures[assetIn][OpPull]; err != nil {
		return core.Amount{}, err
	}

	// price every hop on copies first so a failure leaves the pools untouched
	updated := make(map[poolKey]pool, len(outputs))
	current := order.AmountIn
	for i, hopOut := range outputs {
		key, _ := newPool(order.Path[i], order.Path[i+1], core.Amount{}, core.Amount{})
		hop, ok := updated[key]
		if !ok {
			hop = p.state.pools[key]
		}
		if err := hop.apply(order.Path[i], current, hopOut); err != nil {
			return core.Amount{}, err
		}
		updated[key] = hop
		current = hopOut
	}

	volume, err := core.AddAmounts(p.state.volume[assetIn], order.AmountIn)
	if err != nil {
		return core.Amount{}, err
	}
	if _, err := core.AddAmounts(p.state.balances[assetOut][order.Recipient], out); err != nil {
		return core.Amount{}, err
	}
	if err := p.debit(assetIn, p.custodian, order.AmountIn); err != nil {
		return core.Amount{}, err
	}

	_ = p.credit(assetOut, order.Recipient, out)
	maps.Copy(p.state.pools, updated)
	p.state.volume[assetIn] = volume

	return out, nil
}
