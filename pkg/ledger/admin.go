package ledger

import (
	"context"

	"github.com/raykavin/capvault/pkg/core"
)

// SetCapacityCap replaces the capacity cap. The new cap may be below the
// current total, in which case deposits fail until withdrawals bring the
// total back under it.
func (l *Ledger) SetCapacityCap(ctx context.Context, caller core.AccountID, capacity core.Amount) error {
	record, err := l.admin(ctx, caller, core.CapabilitySetCap, core.RecordKindCap, "", func(state *core.State) {
		state.Cap = capacity
	})
	if err != nil {
		return l.abort("set cap", caller, "", err)
	}

	l.log.WithField("caller", caller).Infof("capacity cap set to %s", l.settlement.Format(capacity))
	l.notify(record)
	return nil
}

// AllowAsset adds asset to the registry and puts the registry in force.
func (l *Ledger) AllowAsset(ctx context.Context, caller core.AccountID, asset core.AssetID) error {
	return l.setAllowed(ctx, caller, asset, true)
}

// DisallowAsset removes asset from the registry. Positions held in it remain
// and can still be withdrawn.
func (l *Ledger) DisallowAsset(ctx context.Context, caller core.AccountID, asset core.AssetID) error {
	return l.setAllowed(ctx, caller, asset, false)
}

func (l *Ledger) setAllowed(ctx context.Context, caller core.AccountID, asset core.AssetID, allowed bool) error {
	kind := core.RecordKindDisallow
	if allowed {
		kind = core.RecordKindAllow
	}

	record, err := l.admin(ctx, caller, core.CapabilityManageAssets, kind, asset, func(state *core.State) {
		state.RegistryEnabled = true
		if allowed {
			l.allowed.Add(string(asset))
		} else {
			l.allowed.Remove(string(asset))
		}
	})
	if err != nil {
		return l.abort(string(kind), caller, asset, err)
	}

	l.log.WithField("caller", caller).Infof("asset %s: %s", asset, kind)
	l.notify(record)
	return nil
}

func (l *Ledger) admin(ctx context.Context, caller core.AccountID, capability core.Capability,
	kind core.RecordKind, asset core.AssetID, apply func(state *core.State)) (core.Record, error) {
	if err := l.authorize(caller, capability); err != nil {
		return core.Record{}, err
	}

	ctx, exit, err := l.enter(ctx)
	if err != nil {
		return core.Record{}, err
	}
	defer exit()

	return l.run(ctx, func(context.Context) (core.Record, error) {
		record := l.record(kind, caller, asset)

		l.update(func(state *core.State) {
			apply(state)
			record.Total, record.Cap = state.Total, state.Cap
		})
		return record, nil
	})
}
