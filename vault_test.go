package capvault

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"

	"github.com/raykavin/capvault/pkg/config"
	"github.com/raykavin/capvault/pkg/core"
	"github.com/raykavin/capvault/pkg/logger/zerolog"
	"github.com/stretchr/testify/require"
)

const vaultConfig = `
accounting:
  id: usdc
  decimals: 6
cap: "1000"
fee_bps: 0
assets:
  - id: weth
    decimals: 18
    strategy: rate
    rate:
      price: "2000"
  - id: wbtc
    decimals: 8
    strategy: swap
    pool:
      reserve: "1"
      accounting_reserve: "1000"
balances:
  - {account: alice, asset: usdc, amount: "5000"}
  - {account: alice, asset: weth, amount: "1"}
  - {account: alice, asset: wbtc, amount: "1"}
`

const vaultScript = `
steps:
  - {action: deposit, account: alice, asset: usdc, amount: "100"}
  - {action: deposit, account: alice, asset: weth, amount: "0.5"}
  - {action: deposit, account: alice, asset: weth, amount: "0.25"}
  - {action: withdraw, account: alice, amount: "50"}
  - {action: set_price, asset: weth, price: "-1"}
  - {action: deposit, account: alice, asset: weth, amount: "0.1"}
  - {action: set_cap, account: admin, amount: "2000"}
  - {action: deposit, account: alice, asset: wbtc, amount: "0.01"}
  - {action: teleport, account: alice}
`

func newVault(t *testing.T, content string, options ...Option) *Vault {
	t.Helper()

	cfg, err := config.FromReader(content)
	require.NoError(t, err)

	options = append([]Option{WithLogger(zerolog.NewNop())}, options...)
	vault, err := New(context.Background(), cfg, options...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = vault.Close() })
	return vault
}

func TestNew(t *testing.T) {
	vault := newVault(t, vaultConfig)

	require.Equal(t, core.AssetID("usdc"), vault.Ledger().Settlement().ID)
	require.Equal(t, core.NewAmount(1_000_000_000), vault.Ledger().CapacityCap())
	require.Equal(t, core.AccountID(config.DefaultCustodian), vault.Ledger().Custodian())
	require.False(t, vault.Restored())
	require.Nil(t, vault.Timelock())

	asset, err := vault.Asset("wbtc")
	require.NoError(t, err)
	require.Equal(t, "WBTC", asset.Symbol)

	_, err = vault.Asset("doge")
	require.ErrorIs(t, err, core.ErrUnknownAsset)

	_, ok := vault.RateSource("weth")
	require.True(t, ok)

	_, err = New(context.Background(), nil)
	require.Error(t, err)
}

func TestVault_Simulate(t *testing.T) {
	vault := newVault(t, vaultConfig)
	ctx := context.Background()

	steps, err := ParseScript(vaultScript)
	require.NoError(t, err)
	require.Len(t, steps, 9)

	var seen int
	results := vault.Simulate(ctx, steps, func(StepResult) { seen++ })
	require.Equal(t, len(steps), seen)

	require.NoError(t, results[0].Err)
	require.Equal(t, core.NewAmount(100_000_000), results[0].Receipt.Value)
	require.ErrorIs(t, results[1].Err, core.ErrCapacityExceeded)
	require.NoError(t, results[2].Err)
	require.Equal(t, core.NewAmount(500_000_000), results[2].Receipt.Value)
	require.NoError(t, results[3].Err)
	require.NoError(t, results[4].Err)
	require.ErrorIs(t, results[5].Err, core.ErrStaleOrInvalidRate)
	require.NoError(t, results[6].Err)
	require.NoError(t, results[7].Err)
	require.Equal(t, core.NewAmount(9_900_990), results[7].Receipt.Value)
	require.ErrorIs(t, results[8].Err, ErrUnknownAction)
	require.Equal(t, 9, results[8].Index)

	l := vault.Ledger()
	require.Equal(t, core.NewAmount(559_900_990), l.TotalDeposited())
	require.Equal(t, core.NewAmount(559_900_990), l.BalanceOf("alice"))
	require.Equal(t, core.NewAmount(2_000_000_000), l.CapacityCap())

	records, err := vault.Storage().Records(ctx)
	require.NoError(t, err)
	require.Len(t, records, 5)

	// the weth credit stays in kind, only the usdc and swapped positions back usdc custody
	report, err := l.Reconcile(ctx)
	require.NoError(t, err)
	require.Equal(t, core.NewAmount(59_900_990), report.Custodied)
	require.Len(t, report.Holdings, 2)
	require.Equal(t, core.AssetID("weth"), report.Holdings[1].Asset)
	require.Equal(t, core.NewAmount(500_000_000), report.Holdings[1].Value)

	result := vault.Apply(ctx, Step{Action: ActionWithdraw, Account: "alice", Amount: "60"})
	require.ErrorIs(t, result.Err, core.ErrInsufficientBalance)

	result = vault.Apply(ctx, Step{Action: ActionWithdraw, Account: "alice", Asset: "weth", Amount: "0.25"})
	require.NoError(t, result.Err)
	require.Equal(t, core.NewAmount(500_000_000), result.Receipt.Value)
	require.Equal(t, core.NewAmount(59_900_990), l.TotalDeposited())

	var out bytes.Buffer
	Results(&out, l.Settlement(), results)
	require.Contains(t, out.String(), "deposit alice 100 usdc")
	require.Contains(t, out.String(), "capacity")
}

func TestVault_Summary(t *testing.T) {
	vault := newVault(t, vaultConfig)
	ctx := context.Background()

	for _, step := range []Step{
		{Action: ActionDeposit, Account: "alice", Asset: "usdc", Amount: "100"},
		{Action: ActionDeposit, Account: "bob", Asset: "usdc", Amount: "1"},
		{Action: ActionWithdraw, Account: "alice", Amount: "40"},
	} {
		if step.Account == "bob" {
			require.NoError(t, vault.Apply(ctx, Step{Action: ActionFund, Account: "bob", Asset: "usdc", Amount: "1"}).Err)
		}
		require.NoError(t, vault.Apply(ctx, step).Err)
	}

	var out bytes.Buffer
	require.NoError(t, vault.Summary(ctx, &out))
	require.Contains(t, out.String(), "60 USDC")
	require.Contains(t, out.String(), "61 USDC")
	require.Contains(t, out.String(), "JOURNAL")
	require.Contains(t, out.String(), "CUSTODY")
}

func TestVault_Restore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vault.db")
	content := vaultConfig + "storage:\n  driver: bunt\n  path: " + path + "\n"
	ctx := context.Background()

	cfg, err := config.FromReader(content)
	require.NoError(t, err)

	first, err := New(ctx, cfg, WithLogger(zerolog.NewNop()))
	require.NoError(t, err)
	require.NoError(t, first.Apply(ctx, Step{Action: ActionDeposit, Account: "alice", Asset: "usdc", Amount: "10"}).Err)
	require.NoError(t, first.Close())

	second, err := New(ctx, cfg, WithLogger(zerolog.NewNop()))
	require.NoError(t, err)
	defer second.Close()

	require.True(t, second.Restored())
	require.Equal(t, core.NewAmount(10_000_000), second.Ledger().BalanceOf("alice"))
}

func TestVault_Governance(t *testing.T) {
	content := vaultConfig + `
admins: [admin]
timelock:
  enabled: true
  approvers: [ana, bruno]
  delay: 0s
`
	vault := newVault(t, content)
	ctx := context.Background()

	result := vault.Apply(ctx, Step{Action: ActionSetCap, Account: "admin", Amount: "1"})
	require.ErrorIs(t, result.Err, core.ErrUnauthorized)

	require.NoError(t, vault.Apply(ctx, Step{Action: ActionAllow, Account: "admin", Asset: "usdc"}).Err)
	require.True(t, vault.Ledger().IsAllowed("usdc"))
	require.False(t, vault.Ledger().IsAllowed("weth"))

	timelock := vault.Timelock()
	require.NotNil(t, timelock)

	proposal, err := timelock.Propose("ana", core.NewAmount(5_000_000))
	require.NoError(t, err)
	_, err = timelock.Approve("bruno", proposal.ID)
	require.NoError(t, err)
	require.NoError(t, timelock.Execute(ctx, proposal.ID))
	require.Equal(t, core.NewAmount(5_000_000), vault.Ledger().CapacityCap())
}
