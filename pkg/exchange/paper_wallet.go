package exchange

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"sync"
	"time"

	"github.com/raykavin/capvault/pkg/core"
)

var (
	ErrTxInProgress = errors.New("unit of work already in progress")
	ErrNoTx         = errors.New("no unit of work in progress")
)

// TransferOp selects which token operation a failure is injected into.
type TransferOp string

const (
	OpPull TransferOp = "pull"
	OpPush TransferOp = "push"
)

// ExecuteHook runs before a swap is executed, outside the wallet lock.
type ExecuteHook func(ctx context.Context, order core.SwapOrder)

// walletState is the part of the wallet a unit of work can roll back.
type walletState struct {
	balances map[core.AssetID]map[core.AccountID]core.Amount
	pools    map[poolKey]pool
	volume   map[core.AssetID]core.Amount
}

func (s walletState) clone() walletState {
	balances := make(map[core.AssetID]map[core.AccountID]core.Amount, len(s.balances))
	for asset, holders := range s.balances {
		balances[asset] = maps.Clone(holders)
	}
	return walletState{
		balances: balances,
		pools:    maps.Clone(s.pools),
		volume:   maps.Clone(s.volume),
	}
}

// PaperWallet simulates custody of assets, their transfer collaborators and a
// constant-product swap executor. All movements inside a unit of work opened
// with Begin are undone by Rollback.
type PaperWallet struct {
	mu sync.RWMutex

	custodian core.AccountID
	feeBps    uint64
	clock     func() time.Time
	assets    map[core.AssetID]core.Asset
	failures  map[core.AssetID]map[TransferOp]error
	hooks     []ExecuteHook

	state    walletState
	snapshot *walletState
}

// PaperWalletOption configures a PaperWallet
type PaperWalletOption func(*PaperWallet)

// WithPaperAsset registers an asset with its precision
func WithPaperAsset(asset core.Asset) PaperWalletOption {
	return func(wallet *PaperWallet) {
		wallet.assets[asset.ID] = asset
	}
}

// WithPaperBalance credits an initial balance to a holder
func WithPaperBalance(asset core.AssetID, holder core.AccountID, amount core.Amount) PaperWalletOption {
	return func(wallet *PaperWallet) {
		wallet.holders(asset)[holder] = amount
	}
}

// WithPaperFee sets the swap fee in basis points
func WithPaperFee(bps uint64) PaperWalletOption {
	return func(wallet *PaperWallet) {
		wallet.feeBps = bps
	}
}

// WithPool seeds a liquidity pool between two assets
func WithPool(a, b core.AssetID, reserveA, reserveB core.Amount) PaperWalletOption {
	return func(wallet *PaperWallet) {
		key, p := newPool(a, b, reserveA, reserveB)
		wallet.state.pools[key] = p
	}
}

// WithClock overrides the time source used for swap deadlines
func WithClock(clock func() time.Time) PaperWalletOption {
	return func(wallet *PaperWallet) {
		wallet.clock = clock
	}
}

// WithExecuteHook registers a hook invoked before each swap
func WithExecuteHook(hook ExecuteHook) PaperWalletOption {
	return func(wallet *PaperWallet) {
		wallet.hooks = append(wallet.hooks, hook)
	}
}

// NewPaperWallet creates a simulated custody whose own holdings are kept under custodian.
func NewPaperWallet(custodian core.AccountID, options ...PaperWalletOption) *PaperWallet {
	wallet := &PaperWallet{
		custodian: custodian,
		feeBps:    30,
		clock:     time.Now,
		assets:    make(map[core.AssetID]core.Asset),
		failures:  make(map[core.AssetID]map[TransferOp]error),
		state: walletState{
			balances: make(map[core.AssetID]map[core.AccountID]core.Amount),
			pools:    make(map[poolKey]pool),
			volume:   make(map[core.AssetID]core.Amount),
		},
	}

	for _, option := range options {
		option(wallet)
	}

	return wallet
}

// Custodian returns the holder that represents the vault's own custody.
func (p *PaperWallet) Custodian() core.AccountID {
	return p.custodian
}

// Assets returns the registered assets.
func (p *PaperWallet) Assets() []core.Asset {
	p.mu.RLock()
	defer p.mu.RUnlock()

	assets := make([]core.Asset, 0, len(p.assets))
	for _, asset := range p.assets {
		assets = append(assets, asset)
	}
	return assets
}

// Fund credits amount of asset to holder outside any unit of work.
func (p *PaperWallet) Fund(asset core.AssetID, holder core.AccountID, amount core.Amount) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.assets[asset]; !ok {
		return fmt.Errorf("%w: %s", core.ErrUnknownAsset, asset)
	}
	return p.credit(asset, holder, amount)
}

// Balance returns the balance of holder in asset.
func (p *PaperWallet) Balance(asset core.AssetID, holder core.AccountID) core.Amount {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.state.balances[asset][holder]
}

// Volume returns the total amount of asset sold through swaps.
func (p *PaperWallet) Volume(asset core.AssetID) core.Amount {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.state.volume[asset]
}

// SetTransferFailure makes every op on asset fail with err; a nil err clears it.
func (p *PaperWallet) SetTransferFailure(asset core.AssetID, op TransferOp, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err == nil {
		delete(p.failures[asset], op)
		return
	}
	if p.failures[asset] == nil {
		p.failures[asset] = make(map[TransferOp]error)
	}
	p.failures[asset][op] = err
}

// Token implements core.TokenSet
func (p *PaperWallet) Token(asset core.AssetID) (core.Token, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	info, ok := p.assets[asset]
	if !ok {
		return nil, fmt.Errorf("%w: %s", core.ErrUnknownAsset, asset)
	}
	return &paperToken{wallet: p, asset: info}, nil
}

// Begin implements core.Transactor
func (p *PaperWallet) Begin(ctx context.Context) (core.Tx, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.snapshot != nil {
		return nil, ErrTxInProgress
	}

	snapshot := p.state.clone()
	p.snapshot = &snapshot
	return &paperTx{wallet: p}, nil
}

type paperTx struct {
	wallet *PaperWallet
	done   bool
}

func (t *paperTx) Commit() error {
	t.wallet.mu.Lock()
	defer t.wallet.mu.Unlock()

	if t.done || t.wallet.snapshot == nil {
		return ErrNoTx
	}
	t.done = true
	t.wallet.snapshot = nil
	return nil
}

func (t *paperTx) Rollback() error {
	t.wallet.mu.Lock()
	defer t.wallet.mu.Unlock()

	if t.done || t.wallet.snapshot == nil {
		return ErrNoTx
	}
	t.done = true
	t.wallet.state = *t.wallet.snapshot
	t.wallet.snapshot = nil
	return nil
}

func (p *PaperWallet) holders(asset core.AssetID) map[core.AccountID]core.Amount {
	holders, ok := p.state.balances[asset]
	if !ok {
		holders = make(map[core.AccountID]core.Amount)
		p.state.balances[asset] = holders
	}
	return holders
}

func (p *PaperWallet) credit(asset core.AssetID, holder core.AccountID, amount core.Amount) error {
	holders := p.holders(asset)
	balance, err := core.AddAmounts(holders[holder], amount)
	if err != nil {
		return err
	}
	holders[holder] = balance
	return nil
}

func (p *PaperWallet) debit(asset core.AssetID, holder core.AccountID, amount core.Amount) error {
	holders := p.holders(asset)
	balance := holders[holder]
	if balance.Lt(&amount) {
		return fmt.Errorf("%w: %s holds %s %s, needs %s",
			core.ErrTransferFailed, holder, balance.Dec(), asset, amount.Dec())
	}
	holders[holder] = core.SubAmounts(balance, amount)
	return nil
}

// move transfers amount between holders, honouring injected failures.
func (p *PaperWallet) move(ctx context.Context, op TransferOp, asset core.AssetID, from, to core.AccountID, amount core.Amount) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.failures[asset][op]; err != nil {
		return err
	}
	if err := p.debit(asset, from, amount); err != nil {
		return err
	}
	if err := p.credit(asset, to, amount); err != nil {
		// undo the debit so a failed move leaves no trace
		_ = p.credit(asset, from, amount)
		return err
	}
	return nil
}

type paperToken struct {
	wallet *PaperWallet
	asset  core.Asset
}

func (t *paperToken) ID() core.AssetID { return t.asset.ID }

func (t *paperToken) Precision() uint8 { return t.asset.Decimals }

func (t *paperToken) Pull(ctx context.Context, from core.AccountID, amount core.Amount) error {
	return t.wallet.move(ctx, OpPull, t.asset.ID, from, t.wallet.custodian, amount)
}

func (t *paperToken) Push(ctx context.Context, to core.AccountID, amount core.Amount) error {
	return t.wallet.move(ctx, OpPush, t.asset.ID, t.wallet.custodian, to, amount)
}

func (t *paperToken) BalanceOf(ctx context.Context, holder core.AccountID) (core.Amount, error) {
	if err := ctx.Err(); err != nil {
		return core.Amount{}, err
	}
	return t.wallet.Balance(t.asset.ID, holder), nil
}
