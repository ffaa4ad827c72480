package ledger

import (
	"context"
	"fmt"
	"math/big"

	"github.com/raykavin/capvault/pkg/core"
)

// Withdraw debits amount from the account's settlement position and pushes
// the same amount of the settlement asset out of custody. The ledger is
// debited before the transfer so a collaborator observing the push sees the
// reduced balance.
func (l *Ledger) Withdraw(ctx context.Context, account core.AccountID, amount core.Amount) (Receipt, error) {
	return l.WithdrawAsset(ctx, account, l.settlement.ID, amount)
}

// WithdrawAsset releases amount base units of asset from the account's
// position in it. The position's value is debited in proportion, rounded up,
// and all of it once the position is emptied.
func (l *Ledger) WithdrawAsset(ctx context.Context, account core.AccountID, asset core.AssetID, amount core.Amount) (Receipt, error) {
	record, err := l.withdraw(ctx, account, asset, amount)
	if err != nil {
		return Receipt{}, l.abort("withdraw", account, asset, err)
	}

	l.log.WithFields(map[string]any{
		"account": account,
		"asset":   asset,
		"amount":  amount.Dec(),
		"value":   record.Value.Dec(),
	}).Infof("withdraw committed, total %s", l.settlement.Format(record.Total))
	l.notify(record)
	return Receipt{Record: record, Estimated: record.Value}, nil
}

func (l *Ledger) withdraw(ctx context.Context, account core.AccountID, asset core.AssetID, amount core.Amount) (core.Record, error) {
	if amount.IsZero() {
		return core.Record{}, core.ErrInvalidAmount
	}

	ctx, exit, err := l.enter(ctx)
	if err != nil {
		return core.Record{}, err
	}
	defer exit()

	position := l.Position(account, asset)
	if position.Held.Lt(&amount) {
		return core.Record{}, &core.BalanceError{Balance: position.Held, Requested: amount}
	}
	value := debit(position, amount)

	token, err := l.tokens.Token(asset)
	if err != nil {
		return core.Record{}, fmt.Errorf("%w: %w", core.ErrTransferFailed, err)
	}

	return l.run(ctx, func(ctx context.Context) (core.Record, error) {
		record := l.record(core.RecordKindWithdraw, account, asset)
		record.AmountIn = amount
		record.Value = value

		l.update(func(state *core.State) {
			position := state.Position(account, asset)
			position.Held = core.SubAmounts(position.Held, amount)
			position.Value = core.SubAmounts(position.Value, value)
			state.SetPosition(account, asset, position)
			state.Total = core.SubAmounts(state.Total, value)
			record.Total, record.Cap = state.Total, state.Cap
		})

		if err := token.Push(ctx, account, amount); err != nil {
			return core.Record{}, fmt.Errorf("%w: push: %w", core.ErrTransferFailed, err)
		}
		return record, nil
	})
}

// debit returns the value released with amount out of position, which holds
// at least amount.
func debit(position core.Position, amount core.Amount) core.Amount {
	if amount.Eq(&position.Held) {
		return position.Value
	}

	held := position.Held.ToBig()
	value := new(big.Int).Mul(position.Value.ToBig(), amount.ToBig())
	value.Add(value, held).Sub(value, big.NewInt(1)).Quo(value, held)

	var result core.Amount
	result.SetFromBig(value)
	return result
}
