package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/StudioSol/set"
	"github.com/google/uuid"
	"github.com/raykavin/capvault/pkg/core"
	"github.com/raykavin/capvault/pkg/logger"
	"github.com/raykavin/capvault/pkg/logger/zerolog"
	"github.com/raykavin/capvault/pkg/valuation"
)

// Valuer resolves the valuation strategy of each depositable asset.
type Valuer interface {
	Strategy(asset core.AssetID) (valuation.Strategy, error)
	Assets() []core.AssetID
}

// Receipt describes a committed deposit or withdrawal.
type Receipt struct {
	core.Record
	Estimated core.Amount
}

// Ledger owns account balances, the aggregate total, the capacity cap and the
// allowed-asset registry. Each balance is a set of positions keyed by the
// asset custody keeps for it, so what an account withdraws is backed by what
// it deposited. Operations are serialized; reads observe the last committed
// state and never block on an operation's external calls.
//
// An operation arriving while another one is calling out to a collaborator
// fails with core.ErrReentrantCall, whatever context it carries. Callers on
// other goroutines that hit that window may retry.
type Ledger struct {
	settlement core.Asset
	custodian  core.AccountID
	tokens     core.TokenSet
	transactor core.Transactor
	valuer     Valuer
	authorizer core.Authorizer
	storage    core.LedgerStorage
	notifiers  []core.Notifier
	log        logger.Logger
	clock      func() time.Time
	newID      func() string

	opMu     sync.Mutex
	inFlight atomic.Bool
	stateMu  sync.RWMutex
	state   core.State
	allowed *set.LinkedHashSetString
}

// Option configures a Ledger
type Option func(*Ledger)

// WithCapacityCap sets the initial capacity cap
func WithCapacityCap(capacity core.Amount) Option {
	return func(l *Ledger) {
		l.state.Cap = capacity
	}
}

// WithAllowedAssets puts the allowed-asset registry in force with the given assets
func WithAllowedAssets(assets ...core.AssetID) Option {
	return func(l *Ledger) {
		l.state.RegistryEnabled = true
		for _, asset := range assets {
			l.allowed.Add(string(asset))
		}
	}
}

// WithCustodian sets the holder identity of the vault's custody
func WithCustodian(custodian core.AccountID) Option {
	return func(l *Ledger) {
		l.custodian = custodian
	}
}

// WithAuthorizer gates administrative operations
func WithAuthorizer(authorizer core.Authorizer) Option {
	return func(l *Ledger) {
		l.authorizer = authorizer
	}
}

// WithStorage persists state and records on every commit
func WithStorage(storage core.LedgerStorage) Option {
	return func(l *Ledger) {
		l.storage = storage
	}
}

// WithNotifier registers a notifier for committed records and aborted operations
func WithNotifier(notifier core.Notifier) Option {
	return func(l *Ledger) {
		l.notifiers = append(l.notifiers, notifier)
	}
}

// WithLogger sets the ledger logger
func WithLogger(log logger.Logger) Option {
	return func(l *Ledger) {
		l.log = log
	}
}

// WithClock overrides the time used to stamp records
func WithClock(clock func() time.Time) Option {
	return func(l *Ledger) {
		l.clock = clock
	}
}

// WithIDGenerator overrides record ID generation
func WithIDGenerator(newID func() string) Option {
	return func(l *Ledger) {
		l.newID = newID
	}
}

// New creates a ledger denominated in settlement. tokens and transactor are
// usually the same custody backend.
func New(settlement core.Asset, tokens core.TokenSet, transactor core.Transactor, valuer Valuer,
	options ...Option) (*Ledger, error) {
	if tokens == nil || transactor == nil || valuer == nil {
		return nil, errors.New("ledger: tokens, transactor and valuer are required")
	}

	l := &Ledger{
		settlement: settlement,
		custodian:  "vault",
		tokens:     tokens,
		transactor: transactor,
		valuer:     valuer,
		authorizer: core.AllowAll{},
		log:        zerolog.NewNop(),
		clock:      time.Now,
		newID:      uuid.NewString,
		state:      core.NewState(core.Amount{}),
		allowed:    set.NewLinkedHashSetString(),
	}

	for _, option := range options {
		option(l)
	}

	if _, err := tokens.Token(settlement.ID); err != nil {
		return nil, fmt.Errorf("ledger: settlement asset: %w", err)
	}

	return l, nil
}

// Settlement returns the accounting asset.
func (l *Ledger) Settlement() core.Asset { return l.settlement }

// Custodian returns the holder identity of the vault's custody.
func (l *Ledger) Custodian() core.AccountID { return l.custodian }

// Restore replaces the in-memory state with the last state saved to storage.
// It reports false when storage holds no state yet.
func (l *Ledger) Restore(ctx context.Context) (bool, error) {
	if l.storage == nil {
		return false, nil
	}

	ctx, exit, err := l.enter(ctx)
	if err != nil {
		return false, err
	}
	defer exit()

	state, found, err := l.storage.LoadState(ctx)
	if err != nil {
		return false, fmt.Errorf("%w: load: %w", core.ErrPersistence, err)
	}
	if !found {
		return false, nil
	}

	sum, err := state.Sum()
	if err != nil || !sum.Eq(&state.Total) {
		return false, fmt.Errorf("%w: stored balances do not add up to the stored total", core.ErrReconciliation)
	}

	l.restore(state)
	l.log.Infof("ledger restored: total %s, cap %s", l.settlement.Format(state.Total), l.settlement.Format(state.Cap))
	return true, nil
}

// BalanceOf returns the accounting-unit balance of account across every position.
func (l *Ledger) BalanceOf(account core.AccountID) core.Amount {
	l.stateMu.RLock()
	defer l.stateMu.RUnlock()
	return l.state.Balances[account].Value()
}

// Position returns what account is owed in asset.
func (l *Ledger) Position(account core.AccountID, asset core.AssetID) core.Position {
	l.stateMu.RLock()
	defer l.stateMu.RUnlock()
	return l.state.Position(account, asset)
}

// TotalDeposited returns the aggregate deposited total.
func (l *Ledger) TotalDeposited() core.Amount {
	l.stateMu.RLock()
	defer l.stateMu.RUnlock()
	return l.state.Total
}

// CapacityCap returns the current capacity cap.
func (l *Ledger) CapacityCap() core.Amount {
	l.stateMu.RLock()
	defer l.stateMu.RUnlock()
	return l.state.Cap
}

// IsAllowed reports whether asset may be deposited under the registry.
func (l *Ledger) IsAllowed(asset core.AssetID) bool {
	l.stateMu.RLock()
	defer l.stateMu.RUnlock()
	return !l.state.RegistryEnabled || l.allowed.InArray(string(asset))
}

// Snapshot returns a deep copy of the committed state.
func (l *Ledger) Snapshot() core.State {
	l.stateMu.RLock()
	defer l.stateMu.RUnlock()
	return l.snapshot()
}

func (l *Ledger) snapshot() core.State {
	state := l.state.Clone()
	state.Allowed = state.Allowed[:0]
	for _, asset := range l.allowed.AsSlice() {
		state.Allowed = append(state.Allowed, core.AssetID(asset))
	}
	return state
}

func (l *Ledger) restore(state core.State) {
	l.stateMu.Lock()
	defer l.stateMu.Unlock()

	l.state = state.Clone()
	l.state.Allowed = nil
	l.allowed = set.NewLinkedHashSetString()
	for _, asset := range state.Allowed {
		l.allowed.Add(string(asset))
	}
}

// mutate applies fn to the live state under the state lock.
func (l *Ledger) mutate(fn func(state *core.State) error) error {
	l.stateMu.Lock()
	defer l.stateMu.Unlock()
	return fn(&l.state)
}

// update is mutate for changes that cannot fail.
func (l *Ledger) update(fn func(state *core.State)) {
	l.stateMu.Lock()
	defer l.stateMu.Unlock()
	fn(&l.state)
}

func (l *Ledger) record(kind core.RecordKind, account core.AccountID, asset core.AssetID) core.Record {
	return core.Record{
		ID:        l.newID(),
		Kind:      kind,
		Account:   account,
		Asset:     asset,
		CreatedAt: l.clock().UTC(),
	}
}

func (l *Ledger) authorize(caller core.AccountID, capability core.Capability) error {
	if !l.authorizer.IsAuthorized(caller, capability) {
		return fmt.Errorf("%w: %s lacks %s", core.ErrUnauthorized, caller, capability)
	}
	return nil
}

// checkCapacity fails when crediting value would push the total past the cap.
func (l *Ledger) checkCapacity(value core.Amount) error {
	total, cap := l.state.Total, l.state.Cap

	prospective, err := core.AddAmounts(total, value)
	if err != nil || prospective.Gt(&cap) {
		return &core.CapacityError{Total: total, Cap: cap, Attempted: value}
	}
	return nil
}
