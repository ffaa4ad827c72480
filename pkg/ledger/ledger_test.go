package ledger

import (
	"context"
	"errors"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/raykavin/capvault/pkg/core"
	"github.com/raykavin/capvault/pkg/exchange"
	"github.com/raykavin/capvault/pkg/valuation"
	"github.com/stretchr/testify/require"
)

const (
	usdc core.AssetID = "usdc"
	dai  core.AssetID = "dai"
	weth core.AssetID = "weth"
	wbtc core.AssetID = "wbtc"

	custodian core.AccountID = "vault"
	alice     core.AccountID = "alice"
	bob       core.AccountID = "bob"
	admin     core.AccountID = "admin"
	oneWETH   uint64         = 1_000_000_000_000_000_000
)

var (
	usdcAsset = core.Asset{ID: usdc, Symbol: "USDC", Decimals: 6}
	daiAsset  = core.Asset{ID: dai, Symbol: "DAI", Decimals: 18}
	wethAsset = core.Asset{ID: weth, Symbol: "WETH", Decimals: 18}
	wbtcAsset = core.Asset{ID: wbtc, Symbol: "WBTC", Decimals: 8}
)

func amount(v uint64) core.Amount { return core.NewAmount(v) }

type fixture struct {
	wallet *exchange.PaperWallet
	rate   *exchange.StaticRate
	router *valuation.Router
	ledger *Ledger
}

func newFixture(t *testing.T, walletOptions []exchange.PaperWalletOption, options ...Option) *fixture {
	t.Helper()

	base := []exchange.PaperWalletOption{
		exchange.WithPaperAsset(usdcAsset),
		exchange.WithPaperAsset(daiAsset),
		exchange.WithPaperAsset(wethAsset),
		exchange.WithPaperAsset(wbtcAsset),
		exchange.WithPaperBalance(usdc, alice, amount(10_000_000)),
		exchange.WithPaperBalance(usdc, bob, amount(10_000_000)),
		exchange.WithPaperBalance(dai, alice, amount(oneWETH)),
		exchange.WithPaperBalance(weth, alice, amount(5*oneWETH)),
		exchange.WithPaperBalance(wbtc, alice, amount(1_000_000)),
		exchange.WithPaperFee(0),
		exchange.WithPool(wbtc, usdc, amount(1_000_000), amount(1_000_000_000)),
	}
	wallet := exchange.NewPaperWallet(custodian, append(base, walletOptions...)...)

	// 2000 USDC per WETH at 8 decimals
	rate := exchange.NewStaticRate(2000_00000000, 8)

	swap, err := valuation.NewSwap(usdcAsset, wallet, wallet)
	require.NoError(t, err)

	router := valuation.NewRouter().
		Register(usdc, valuation.NewIdentity(usdcAsset, wallet)).
		Register(dai, valuation.NewIdentity(usdcAsset, wallet)).
		Register(weth, valuation.NewReferenceRate(usdcAsset, wallet, rate, 8)).
		Register(wbtc, swap)

	opts := append([]Option{WithCapacityCap(amount(1_000_000_000_000)), WithCustodian(custodian)}, options...)
	l, err := New(usdcAsset, wallet, wallet, router, opts...)
	require.NoError(t, err)

	return &fixture{wallet: wallet, rate: rate, router: router, ledger: l}
}

type recordingNotifier struct {
	mu      sync.Mutex
	records []core.Record
	errs    []error
}

func (n *recordingNotifier) OnRecord(record core.Record) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.records = append(n.records, record)
}

func (n *recordingNotifier) OnError(err error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.errs = append(n.errs, err)
}

type memStorage struct {
	state   *core.State
	records []core.Record
	saveErr error
}

func (m *memStorage) LoadState(context.Context) (core.State, bool, error) {
	if m.state == nil {
		return core.State{}, false, nil
	}
	return m.state.Clone(), true, nil
}

func (m *memStorage) SaveState(_ context.Context, state core.State, record core.Record) error {
	if m.saveErr != nil {
		return m.saveErr
	}
	clone := state.Clone()
	m.state = &clone
	m.records = append(m.records, record)
	return nil
}

func (m *memStorage) Records(_ context.Context, filters ...core.RecordFilter) ([]core.Record, error) {
	var records []core.Record
	for _, record := range m.records {
		if core.Match(record, filters...) {
			records = append(records, record)
		}
	}
	return records, nil
}

func (m *memStorage) Close() error { return nil }

type authorizerFunc func(caller core.AccountID, capability core.Capability) bool

func (f authorizerFunc) IsAuthorized(caller core.AccountID, capability core.Capability) bool {
	return f(caller, capability)
}

func TestLedger_New(t *testing.T) {
	wallet := exchange.NewPaperWallet(custodian, exchange.WithPaperAsset(usdcAsset))
	router := valuation.NewRouter()

	_, err := New(usdcAsset, nil, wallet, router)
	require.Error(t, err)

	_, err = New(core.Asset{ID: "unknown"}, wallet, wallet, router)
	require.ErrorIs(t, err, core.ErrUnknownAsset)

	l, err := New(usdcAsset, wallet, wallet, router, WithCapacityCap(amount(10)))
	require.NoError(t, err)
	require.Equal(t, amount(10), l.CapacityCap())
	require.Zero(t, l.TotalDeposited())
	require.True(t, l.IsAllowed(usdc))
}

func TestLedger_ScenarioA(t *testing.T) {
	f := newFixture(t, nil, WithCapacityCap(amount(1000)))
	before := f.ledger.Snapshot()

	_, err := f.ledger.Deposit(context.Background(), alice, usdc, amount(1001))
	require.ErrorIs(t, err, core.ErrCapacityExceeded)

	var capErr *core.CapacityError
	require.ErrorAs(t, err, &capErr)
	require.Equal(t, amount(1001), capErr.Attempted)
	require.Equal(t, amount(1000), capErr.Cap)

	require.True(t, before.Equal(f.ledger.Snapshot()))
	require.Equal(t, amount(10_000_000), f.wallet.Balance(usdc, alice))
	require.Zero(t, f.wallet.Balance(usdc, custodian))
}

func TestLedger_ScenarioB(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	receipt, err := f.ledger.Deposit(ctx, alice, usdc, amount(1000))
	require.NoError(t, err)
	require.Equal(t, amount(1000), receipt.Value)
	require.Equal(t, amount(1000), receipt.Total)
	require.Equal(t, core.RecordKindDeposit, receipt.Kind)

	receipt, err = f.ledger.Withdraw(ctx, alice, amount(400))
	require.NoError(t, err)
	require.Equal(t, core.RecordKindWithdraw, receipt.Kind)

	require.Equal(t, amount(600), f.ledger.BalanceOf(alice))
	require.Equal(t, amount(600), f.ledger.TotalDeposited())
	require.Equal(t, amount(10_000_000-600), f.wallet.Balance(usdc, alice))
	require.Equal(t, amount(600), f.wallet.Balance(usdc, custodian))
}

func TestLedger_ScenarioC(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	_, err := f.ledger.Deposit(ctx, alice, usdc, amount(100))
	require.NoError(t, err)

	_, err = f.ledger.Withdraw(ctx, alice, amount(101))
	require.ErrorIs(t, err, core.ErrInsufficientBalance)

	var balanceErr *core.BalanceError
	require.ErrorAs(t, err, &balanceErr)
	require.Equal(t, amount(100), balanceErr.Balance)
	require.Equal(t, amount(101), balanceErr.Requested)
	require.Equal(t, amount(100), f.ledger.BalanceOf(alice))
}

func TestLedger_ZeroAmount(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	_, err := f.ledger.Deposit(ctx, alice, usdc, core.Amount{})
	require.ErrorIs(t, err, core.ErrInvalidAmount)

	_, err = f.ledger.Withdraw(ctx, alice, core.Amount{})
	require.ErrorIs(t, err, core.ErrInvalidAmount)
}

func TestLedger_DepositExactlyFillsCap(t *testing.T) {
	f := newFixture(t, nil, WithCapacityCap(amount(1000)))
	ctx := context.Background()

	_, err := f.ledger.Deposit(ctx, alice, usdc, amount(600))
	require.NoError(t, err)
	_, err = f.ledger.Deposit(ctx, bob, usdc, amount(400))
	require.NoError(t, err)
	require.Equal(t, f.ledger.CapacityCap(), f.ledger.TotalDeposited())

	_, err = f.ledger.Deposit(ctx, bob, usdc, amount(1))
	require.ErrorIs(t, err, core.ErrCapacityExceeded)
}

func TestLedger_IdentityPrecisionMismatch(t *testing.T) {
	f := newFixture(t, nil)

	_, err := f.ledger.Deposit(context.Background(), alice, dai, amount(oneWETH))
	require.ErrorIs(t, err, core.ErrPrecisionMismatch)
	require.Equal(t, amount(oneWETH), f.wallet.Balance(dai, alice))
}

func TestLedger_ReferenceRateDeposit(t *testing.T) {
	f := newFixture(t, nil)

	receipt, err := f.ledger.Deposit(context.Background(), alice, weth, amount(oneWETH))
	require.NoError(t, err)
	require.Equal(t, amount(2_000_000_000), receipt.Value)
	require.Equal(t, amount(2_000_000_000), f.ledger.BalanceOf(alice))
	require.Equal(t, amount(oneWETH), f.wallet.Balance(weth, custodian))
	require.Equal(t, core.Position{Held: amount(oneWETH), Value: amount(2_000_000_000)}, f.ledger.Position(alice, weth))
	require.Zero(t, f.ledger.Position(alice, usdc))
}

func TestLedger_ScenarioE(t *testing.T) {
	f := newFixture(t, nil)
	f.rate.SetPrice(core.Price{Answer: bigInt(0), Decimals: 8})

	_, err := f.ledger.Deposit(context.Background(), alice, weth, amount(oneWETH))
	require.ErrorIs(t, err, core.ErrStaleOrInvalidRate)
	require.Equal(t, amount(5*oneWETH), f.wallet.Balance(weth, alice))
	require.Zero(t, f.wallet.Balance(weth, custodian))
	require.Zero(t, f.ledger.TotalDeposited())
}

func TestLedger_StaleRate(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	f := newFixture(t, nil)
	f.router.Register(weth, valuation.NewReferenceRate(usdcAsset, f.wallet, f.rate, 8,
		valuation.WithMaxAge(time.Minute),
		valuation.WithRateClock(func() time.Time { return now }),
	))
	f.rate.SetPrice(core.Price{Answer: bigInt(2000_00000000), Decimals: 8, UpdatedAt: now.Add(-time.Hour)})

	_, err := f.ledger.Deposit(context.Background(), alice, weth, amount(oneWETH))
	require.ErrorIs(t, err, core.ErrStaleOrInvalidRate)

	f.rate.SetPrice(core.Price{Answer: bigInt(2000_00000000), Decimals: 8, UpdatedAt: now.Add(-time.Second)})
	_, err = f.ledger.Deposit(context.Background(), alice, weth, amount(oneWETH))
	require.NoError(t, err)
}

func TestLedger_PullFailure(t *testing.T) {
	f := newFixture(t, nil)
	f.wallet.SetTransferFailure(usdc, exchange.OpPull, errors.New("token paused"))

	_, err := f.ledger.Deposit(context.Background(), alice, usdc, amount(100))
	require.ErrorIs(t, err, core.ErrTransferFailed)
	require.Zero(t, f.ledger.TotalDeposited())
	require.Equal(t, amount(10_000_000), f.wallet.Balance(usdc, alice))
}

func TestLedger_PushFailureRestoresBalance(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	_, err := f.ledger.Deposit(ctx, alice, usdc, amount(500))
	require.NoError(t, err)
	before := f.ledger.Snapshot()

	f.wallet.SetTransferFailure(usdc, exchange.OpPush, errors.New("token paused"))
	_, err = f.ledger.Withdraw(ctx, alice, amount(200))
	require.ErrorIs(t, err, core.ErrTransferFailed)
	require.True(t, before.Equal(f.ledger.Snapshot()))
	require.Equal(t, amount(500), f.wallet.Balance(usdc, custodian))

	f.wallet.SetTransferFailure(usdc, exchange.OpPush, nil)
	_, err = f.ledger.Withdraw(ctx, alice, amount(200))
	require.NoError(t, err)
	require.Equal(t, amount(300), f.ledger.BalanceOf(alice))
}

func TestLedger_MixedDepositsKeepCustodyCovered(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	milliWETH := amount(oneWETH / 1000)

	_, err := f.ledger.Deposit(ctx, bob, usdc, amount(1_000_000))
	require.NoError(t, err)
	receipt, err := f.ledger.Deposit(ctx, alice, weth, milliWETH)
	require.NoError(t, err)
	require.Equal(t, amount(2_000_000), receipt.Value)
	require.Equal(t, amount(3_000_000), f.ledger.TotalDeposited())

	report, err := f.ledger.Reconcile(ctx)
	require.NoError(t, err)
	require.Equal(t, amount(1_000_000), report.Custodied)

	// the weth credit is not payable out of bob's usdc
	_, err = f.ledger.Withdraw(ctx, alice, amount(1_000_000))
	require.ErrorIs(t, err, core.ErrInsufficientBalance)
	require.Equal(t, amount(1_000_000), f.wallet.Balance(usdc, custodian))

	receipt, err = f.ledger.WithdrawAsset(ctx, alice, weth, milliWETH)
	require.NoError(t, err)
	require.Equal(t, amount(2_000_000), receipt.Value)
	require.Equal(t, amount(5*oneWETH), f.wallet.Balance(weth, alice))
	require.Zero(t, f.ledger.BalanceOf(alice))

	_, err = f.ledger.Withdraw(ctx, bob, amount(1_000_000))
	require.NoError(t, err)
	require.Zero(t, f.ledger.TotalDeposited())
	require.Equal(t, amount(10_000_000), f.wallet.Balance(usdc, bob))

	report, err = f.ledger.Reconcile(ctx)
	require.NoError(t, err)
	require.Empty(t, report.Holdings)
}

func TestLedger_WithdrawAssetProportional(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	_, err := f.ledger.Deposit(ctx, alice, weth, amount(oneWETH))
	require.NoError(t, err)

	_, err = f.ledger.WithdrawAsset(ctx, alice, weth, amount(oneWETH+1))
	require.ErrorIs(t, err, core.ErrInsufficientBalance)

	// a third of the position releases its value rounded up
	receipt, err := f.ledger.WithdrawAsset(ctx, alice, weth, amount(333_333_333_333_333_333))
	require.NoError(t, err)
	require.Equal(t, amount(666_666_667), receipt.Value)
	require.Equal(t, core.Position{Held: amount(666_666_666_666_666_667), Value: amount(1_333_333_333)},
		f.ledger.Position(alice, weth))
	require.Equal(t, amount(1_333_333_333), f.ledger.TotalDeposited())

	receipt, err = f.ledger.WithdrawAsset(ctx, alice, weth, amount(666_666_666_666_666_667))
	require.NoError(t, err)
	require.Equal(t, amount(1_333_333_333), receipt.Value)
	require.Zero(t, f.ledger.TotalDeposited())
	require.Empty(t, f.ledger.Snapshot().Balances)
	require.Equal(t, amount(5*oneWETH), f.wallet.Balance(weth, alice))
}

func TestLedger_PersistenceFailure(t *testing.T) {
	storage := &memStorage{saveErr: errors.New("disk full")}
	f := newFixture(t, nil, WithStorage(storage))

	_, err := f.ledger.Deposit(context.Background(), alice, usdc, amount(100))
	require.ErrorIs(t, err, core.ErrPersistence)
	require.Zero(t, f.ledger.TotalDeposited())
	require.Equal(t, amount(10_000_000), f.wallet.Balance(usdc, alice))
	require.Zero(t, f.wallet.Balance(usdc, custodian))
}

func TestLedger_Restore(t *testing.T) {
	storage := &memStorage{}
	f := newFixture(t, nil, WithStorage(storage))
	ctx := context.Background()

	_, err := f.ledger.Deposit(ctx, alice, usdc, amount(700))
	require.NoError(t, err)
	_, err = f.ledger.Withdraw(ctx, alice, amount(200))
	require.NoError(t, err)
	require.Len(t, storage.records, 2)

	restored, err := New(usdcAsset, f.wallet, f.wallet, f.router, WithStorage(storage))
	require.NoError(t, err)

	found, err := restored.Restore(ctx)
	require.NoError(t, err)
	require.True(t, found)
	require.True(t, f.ledger.Snapshot().Equal(restored.Snapshot()))

	empty, err := New(usdcAsset, f.wallet, f.wallet, f.router, WithStorage(&memStorage{}))
	require.NoError(t, err)
	found, err = empty.Restore(ctx)
	require.NoError(t, err)
	require.False(t, found)
}

func TestLedger_RestoreRejectsInconsistentState(t *testing.T) {
	state := core.NewState(amount(1000))
	state.SetPosition(alice, usdc, core.Position{Held: amount(10), Value: amount(10)})
	state.Total = amount(11)

	f := newFixture(t, nil, WithStorage(&memStorage{state: &state}))
	_, err := f.ledger.Restore(context.Background())
	require.ErrorIs(t, err, core.ErrReconciliation)
}

func TestLedger_Notifier(t *testing.T) {
	notifier := &recordingNotifier{}
	f := newFixture(t, nil, WithNotifier(notifier), WithCapacityCap(amount(100)))
	ctx := context.Background()

	_, err := f.ledger.Deposit(ctx, alice, usdc, amount(100))
	require.NoError(t, err)
	_, err = f.ledger.Deposit(ctx, alice, usdc, amount(1))
	require.Error(t, err)

	require.Len(t, notifier.records, 1)
	require.Equal(t, core.RecordKindDeposit, notifier.records[0].Kind)
	require.Len(t, notifier.errs, 1)

	var opErr *core.OperationError
	require.ErrorAs(t, notifier.errs[0], &opErr)
	require.Equal(t, "deposit", opErr.Op)
	require.Equal(t, alice, opErr.Account)
}

func TestLedger_ConcurrentDeposits(t *testing.T) {
	f := newFixture(t, nil, WithCapacityCap(amount(40)))
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make(chan error, 50)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				// refused while another deposit is out in the wallet
				_, err := f.ledger.Deposit(ctx, alice, usdc, amount(1))
				if errors.Is(err, core.ErrReentrantCall) {
					runtime.Gosched()
					continue
				}
				if err != nil {
					errs <- err
				}
				return
			}
		}()
	}
	wg.Wait()
	close(errs)

	rejected := 0
	for err := range errs {
		require.ErrorIs(t, err, core.ErrCapacityExceeded)
		rejected++
	}
	require.Equal(t, 10, rejected)
	require.Equal(t, amount(40), f.ledger.TotalDeposited())

	_, err := f.ledger.Reconcile(ctx)
	require.NoError(t, err)
}
