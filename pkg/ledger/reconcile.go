package ledger

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/raykavin/capvault/pkg/core"
)

// Holding compares the custody of one asset with what the ledger owes in it.
type Holding struct {
	Asset   core.AssetID
	Balance core.Amount
	Owed    core.Amount
	Value   core.Amount
}

// Report is the outcome of a reconciliation. Custodied is the custody of the
// settlement asset.
type Report struct {
	Sum       core.Amount
	Total     core.Amount
	Cap       core.Amount
	Custodied core.Amount
	Holdings  []Holding
	OverCap   bool
}

// Reconcile checks that balances add up to the total and that custody of
// every asset covers the positions held in it. For the settlement asset this
// is custody against every settlement position. A total above the cap is
// reported but not an error since the cap may be lowered below an existing total.
func (l *Ledger) Reconcile(ctx context.Context) (Report, error) {
	ctx, exit, err := l.enter(ctx)
	if err != nil {
		return Report{}, err
	}
	defer exit()

	state := l.Snapshot()
	report := Report{Total: state.Total, Cap: state.Cap, OverCap: state.Total.Gt(&state.Cap)}

	var errs []error
	if report.Sum, err = state.Sum(); err != nil {
		errs = append(errs, fmt.Errorf("sum balances: %w", err))
	} else if !report.Sum.Eq(&state.Total) {
		errs = append(errs, fmt.Errorf("balances sum to %s, total is %s", report.Sum.Dec(), state.Total.Dec()))
	}

	l.inFlight.Store(true)
	defer l.inFlight.Store(false)

	for _, asset := range l.custodiedAssets(state) {
		holding, err := l.holding(ctx, state, asset)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", asset, err))
			continue
		}
		if asset == l.settlement.ID {
			report.Custodied = holding.Balance
		}
		if holding.Balance.IsZero() && holding.Owed.IsZero() {
			continue
		}
		report.Holdings = append(report.Holdings, holding)

		if holding.Balance.Lt(&holding.Owed) {
			errs = append(errs, fmt.Errorf("custody holds %s %s, positions need %s",
				holding.Balance.Dec(), asset, holding.Owed.Dec()))
		}
	}

	if len(errs) > 0 {
		err := fmt.Errorf("%w: %w", core.ErrReconciliation, errors.Join(errs...))
		l.log.WithError(err).Error("reconciliation failed")
		return report, err
	}
	return report, nil
}

// custodiedAssets lists the settlement asset followed by every other asset
// held in a position or bound to a strategy.
func (l *Ledger) custodiedAssets(state core.State) []core.AssetID {
	assets := []core.AssetID{l.settlement.ID}
	for _, asset := range append(state.Assets(), l.valuer.Assets()...) {
		if !slices.Contains(assets, asset) {
			assets = append(assets, asset)
		}
	}
	return assets
}

func (l *Ledger) holding(ctx context.Context, state core.State, asset core.AssetID) (Holding, error) {
	token, err := l.tokens.Token(asset)
	if err != nil {
		return Holding{}, err
	}
	balance, err := token.BalanceOf(ctx, l.custodian)
	if err != nil {
		return Holding{}, err
	}

	holding := Holding{Asset: asset, Balance: balance}
	if holding.Owed, err = state.Owed(asset); err != nil {
		return Holding{}, err
	}
	for _, positions := range state.Balances {
		value := positions[asset].Value
		if holding.Value, err = core.AddAmounts(holding.Value, value); err != nil {
			return Holding{}, err
		}
	}
	return holding, nil
}
