package ledger

import (
	"context"
	"fmt"

	"github.com/raykavin/capvault/pkg/core"
	"github.com/raykavin/capvault/pkg/valuation"
)

// Deposit pulls amount of asset from account into custody and credits its
// accounting-unit value to the account's position in the asset custody keeps:
// the deposited asset itself, or the accounting asset when the strategy
// converts. The value is checked against the cap before any transfer and
// again once the realized value is known; either failure leaves custody and
// ledger untouched.
func (l *Ledger) Deposit(ctx context.Context, account core.AccountID, asset core.AssetID, amount core.Amount) (Receipt, error) {
	receipt, err := l.deposit(ctx, account, asset, amount)
	if err != nil {
		return Receipt{}, l.abort("deposit", account, asset, err)
	}

	l.log.WithFields(map[string]any{
		"account": account,
		"asset":   asset,
		"amount":  amount.Dec(),
		"value":   receipt.Value.Dec(),
	}).Infof("deposit committed, total %s", l.settlement.Format(receipt.Total))
	l.notify(receipt.Record)
	return receipt, nil
}

func (l *Ledger) deposit(ctx context.Context, account core.AccountID, asset core.AssetID, amount core.Amount) (Receipt, error) {
	if amount.IsZero() {
		return Receipt{}, core.ErrInvalidAmount
	}

	ctx, exit, err := l.enter(ctx)
	if err != nil {
		return Receipt{}, err
	}
	defer exit()

	if !l.IsAllowed(asset) {
		return Receipt{}, core.ErrAssetNotAllowed
	}

	strategy, err := l.valuer.Strategy(asset)
	if err != nil {
		return Receipt{}, err
	}
	token, err := l.tokens.Token(asset)
	if err != nil {
		return Receipt{}, fmt.Errorf("%w: %w", core.ErrAssetNotAllowed, err)
	}

	req := valuation.Request{Asset: asset, Amount: amount, Custodian: l.custodian}
	var estimate valuation.Estimate
	err = l.external(func() (err error) {
		estimate, err = strategy.Estimate(ctx, req)
		return err
	})
	if err != nil {
		return Receipt{}, err
	}
	holds := strategy.Holds(asset)
	if err := l.checkCapacity(estimate.Value); err != nil {
		return Receipt{}, err
	}

	record, err := l.run(ctx, func(ctx context.Context) (core.Record, error) {
		if err := token.Pull(ctx, account, amount); err != nil {
			return core.Record{}, fmt.Errorf("%w: pull: %w", core.ErrTransferFailed, err)
		}

		value, err := strategy.Settle(ctx, req, estimate)
		if err != nil {
			return core.Record{}, err
		}
		if value.IsZero() {
			return core.Record{}, fmt.Errorf("%w: deposit is worth nothing", core.ErrInvalidAmount)
		}
		if err := l.checkCapacity(value); err != nil {
			return core.Record{}, err
		}

		record := l.record(core.RecordKindDeposit, account, asset)
		record.AmountIn = amount
		record.Value = value

		// a conversion leaves the realized value in custody, anything else stays in kind
		held := amount
		if holds != asset {
			held = value
		}

		err = l.mutate(func(state *core.State) error {
			var err error
			position := state.Position(account, holds)
			if position.Held, err = core.AddAmounts(position.Held, held); err != nil {
				return err
			}
			if position.Value, err = core.AddAmounts(position.Value, value); err != nil {
				return err
			}
			total, err := core.AddAmounts(state.Total, value)
			if err != nil {
				return err
			}
			state.SetPosition(account, holds, position)
			state.Total = total
			record.Total, record.Cap = total, state.Cap
			return nil
		})
		return record, err
	})
	if err != nil {
		return Receipt{}, err
	}

	return Receipt{Record: record, Estimated: estimate.Value}, nil
}
