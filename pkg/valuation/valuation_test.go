package valuation

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/raykavin/capvault/pkg/core"
	"github.com/raykavin/capvault/pkg/exchange"
	"github.com/stretchr/testify/require"
)

var (
	usdc = core.Asset{ID: "usdc", Symbol: "USDC", Decimals: 6}
	dai  = core.Asset{ID: "dai", Symbol: "DAI", Decimals: 18}
	weth = core.Asset{ID: "weth", Symbol: "WETH", Decimals: 18}
	wbtc = core.Asset{ID: "wbtc", Symbol: "WBTC", Decimals: 8}
)

func newWallet(options ...exchange.PaperWalletOption) *exchange.PaperWallet {
	base := []exchange.PaperWalletOption{
		exchange.WithPaperAsset(usdc),
		exchange.WithPaperAsset(dai),
		exchange.WithPaperAsset(weth),
		exchange.WithPaperAsset(wbtc),
	}
	return exchange.NewPaperWallet("vault", append(base, options...)...)
}

type failingRate struct{ err error }

func (f failingRate) LatestPrice(context.Context) (core.Price, error) { return core.Price{}, f.err }

func TestRouter(t *testing.T) {
	wallet := newWallet()
	router := NewRouter().
		Register(usdc.ID, NewIdentity(usdc, wallet)).
		Register(dai.ID, NewIdentity(usdc, wallet))

	strategy, err := router.Strategy(usdc.ID)
	require.NoError(t, err)
	require.Equal(t, KindIdentity, strategy.Kind())

	_, err = router.Strategy(weth.ID)
	require.ErrorIs(t, err, core.ErrAssetNotAllowed)
	require.Equal(t, []core.AssetID{"dai", "usdc"}, router.Assets())
}

func TestIdentity_Estimate(t *testing.T) {
	identity := NewIdentity(usdc, newWallet())
	ctx := context.Background()

	estimate, err := identity.Estimate(ctx, Request{Asset: usdc.ID, Amount: core.NewAmount(42)})
	require.NoError(t, err)
	require.Equal(t, core.NewAmount(42), estimate.Value)

	value, err := identity.Settle(ctx, Request{Asset: usdc.ID, Amount: core.NewAmount(42)}, estimate)
	require.NoError(t, err)
	require.Equal(t, core.NewAmount(42), value)

	_, err = identity.Estimate(ctx, Request{Asset: dai.ID, Amount: core.NewAmount(42)})
	require.ErrorIs(t, err, core.ErrPrecisionMismatch)

	_, err = identity.Estimate(ctx, Request{Asset: "unknown", Amount: core.NewAmount(42)})
	require.ErrorIs(t, err, core.ErrAssetNotAllowed)
}

func TestRescale(t *testing.T) {
	tests := []struct {
		name       string
		amount     uint64
		price      int64
		assetScale uint8
		rateScale  uint8
		accounting uint8
		expected   uint64
	}{
		{"1 weth at 2000", 1_000_000_000_000_000_000, 2000_00000000, 18, 8, 6, 2_000_000_000},
		{"truncates dust", 1, 2000_00000000, 18, 8, 6, 0},
		{"scale up", 5, 3, 0, 0, 2, 1500},
		{"2.5 wbtc at 60000.5", 250_000_000, 60000_50000000, 8, 8, 6, 150_001_250_000},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			value, err := Rescale(core.NewAmount(tc.amount), big.NewInt(tc.price), tc.assetScale, tc.rateScale, tc.accounting)
			require.NoError(t, err)
			require.Equal(t, core.NewAmount(tc.expected), value)
		})
	}
}

func TestReferenceRate_Estimate(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	wallet := newWallet()
	source := exchange.NewStaticRate(2000_00000000, 8)
	rate := NewReferenceRate(usdc, wallet, source, 8,
		WithMaxAge(time.Minute),
		WithRateClock(func() time.Time { return now }),
	)
	ctx := context.Background()
	req := Request{Asset: weth.ID, Amount: core.NewAmount(500_000_000_000_000_000)}

	t.Run("fresh price", func(t *testing.T) {
		source.SetPrice(core.Price{Answer: big.NewInt(2000_00000000), Decimals: 8, UpdatedAt: now})
		estimate, err := rate.Estimate(ctx, req)
		require.NoError(t, err)
		require.Equal(t, core.NewAmount(1_000_000_000), estimate.Value)
	})

	t.Run("non positive price", func(t *testing.T) {
		source.SetPrice(core.Price{Answer: big.NewInt(-1), Decimals: 8, UpdatedAt: now})
		_, err := rate.Estimate(ctx, req)
		require.ErrorIs(t, err, core.ErrStaleOrInvalidRate)
	})

	t.Run("unexpected scale", func(t *testing.T) {
		source.SetPrice(core.Price{Answer: big.NewInt(2000_000000), Decimals: 6, UpdatedAt: now})
		_, err := rate.Estimate(ctx, req)
		require.ErrorIs(t, err, core.ErrStaleOrInvalidRate)
	})

	t.Run("stale price", func(t *testing.T) {
		source.SetPrice(core.Price{Answer: big.NewInt(2000_00000000), Decimals: 8, UpdatedAt: now.Add(-2 * time.Minute)})
		_, err := rate.Estimate(ctx, req)
		require.ErrorIs(t, err, core.ErrStaleOrInvalidRate)
	})

	t.Run("source failure", func(t *testing.T) {
		failing := NewReferenceRate(usdc, wallet, failingRate{err: errors.New("feed down")}, 8)
		_, err := failing.Estimate(ctx, req)
		require.ErrorIs(t, err, core.ErrStaleOrInvalidRate)
	})
}

func TestFloor(t *testing.T) {
	floor, err := Floor(core.NewAmount(1000), 50)
	require.NoError(t, err)
	require.Equal(t, core.NewAmount(995), floor)

	floor, err = Floor(core.NewAmount(999), 50)
	require.NoError(t, err)
	require.Equal(t, core.NewAmount(994), floor)

	_, err = Floor(core.NewAmount(1000), 10_000)
	require.Error(t, err)
}

func TestNewSwap(t *testing.T) {
	wallet := newWallet()

	_, err := NewSwap(usdc, wallet, wallet, WithToleranceBps(10_000))
	require.Error(t, err)

	_, err = NewSwap(usdc, wallet, wallet, WithSwapDeadline(0))
	require.Error(t, err)

	swap, err := NewSwap(usdc, wallet, wallet)
	require.NoError(t, err)
	require.Equal(t, KindSwap, swap.Kind())
}

func TestStrategy_Holds(t *testing.T) {
	wallet := newWallet()
	swap, err := NewSwap(usdc, wallet, wallet)
	require.NoError(t, err)

	require.Equal(t, dai.ID, NewIdentity(usdc, wallet).Holds(dai.ID))
	require.Equal(t, weth.ID, NewReferenceRate(usdc, wallet, failingRate{}, 8).Holds(weth.ID))
	require.Equal(t, usdc.ID, swap.Holds(wbtc.ID))
}

func TestSwap_EstimateAndSettle(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	wallet := newWallet(
		exchange.WithPaperFee(0),
		exchange.WithPaperBalance(wbtc.ID, "vault", core.NewAmount(1000)),
		exchange.WithPool(wbtc.ID, usdc.ID, core.NewAmount(1_000_000), core.NewAmount(1_000_000_000)),
		exchange.WithClock(func() time.Time { return now }),
	)
	swap, err := NewSwap(usdc, wallet, wallet,
		WithToleranceBps(100),
		WithSwapDeadline(time.Minute),
		WithSwapClock(func() time.Time { return now }),
	)
	require.NoError(t, err)

	ctx := context.Background()
	req := Request{Asset: wbtc.ID, Amount: core.NewAmount(1000), Custodian: "vault"}

	estimate, err := swap.Estimate(ctx, req)
	require.NoError(t, err)
	require.Equal(t, core.NewAmount(999_000), estimate.Quoted)
	require.Equal(t, core.NewAmount(989_010), estimate.Value)
	require.Equal(t, []core.AssetID{wbtc.ID, usdc.ID}, estimate.Path)
	require.Equal(t, now.Add(time.Minute), estimate.Deadline)

	value, err := swap.Settle(ctx, req, estimate)
	require.NoError(t, err)
	require.Equal(t, core.NewAmount(999_000), value)
	require.Equal(t, core.NewAmount(999_000), wallet.Balance(usdc.ID, "vault"))
}

func TestSwap_InvalidPath(t *testing.T) {
	wallet := newWallet()
	swap, err := NewSwap(usdc, wallet, wallet, WithPath(func(asset, _ core.AssetID) []core.AssetID {
		return []core.AssetID{asset}
	}))
	require.NoError(t, err)

	_, err = swap.Estimate(context.Background(), Request{Asset: wbtc.ID, Amount: core.NewAmount(1)})
	require.ErrorIs(t, err, core.ErrConversionFailed)
}

func TestSwap_MultiHopPath(t *testing.T) {
	wallet := newWallet(
		exchange.WithPaperFee(0),
		exchange.WithPool(wbtc.ID, weth.ID, core.NewAmount(1_000_000), core.NewAmount(1_000_000)),
		exchange.WithPool(weth.ID, usdc.ID, core.NewAmount(1_000_000), core.NewAmount(1_000_000)),
	)
	swap, err := NewSwap(usdc, wallet, wallet, WithPath(func(asset, accounting core.AssetID) []core.AssetID {
		return []core.AssetID{asset, weth.ID, accounting}
	}))
	require.NoError(t, err)

	estimate, err := swap.Estimate(context.Background(), Request{Asset: wbtc.ID, Amount: core.NewAmount(1000)})
	require.NoError(t, err)
	require.Len(t, estimate.Path, 3)

	// 1000 -> 999 -> 998
	require.Equal(t, core.NewAmount(998), estimate.Quoted)
}
