package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/raykavin/capvault/pkg/core"
)

type guardKey struct {
	ledger *Ledger
}

// enter takes the operation lock. A context carrying this ledger's marker, or
// any call made while an operation is out in a collaborator, is refused
// instead of deadlocking on the lock that operation holds.
func (l *Ledger) enter(ctx context.Context) (context.Context, func(), error) {
	if ctx.Value(guardKey{ledger: l}) != nil || l.inFlight.Load() {
		return nil, nil, core.ErrReentrantCall
	}

	l.opMu.Lock()
	return context.WithValue(ctx, guardKey{ledger: l}, struct{}{}), l.opMu.Unlock, nil
}

// external runs fn, which calls out to collaborators, with the in-flight flag
// raised. Only the holder of the operation lock calls it.
func (l *Ledger) external(fn func() error) error {
	l.inFlight.Store(true)
	defer l.inFlight.Store(false)
	return fn()
}

// run executes body as one unit of work. External movements made by body are
// rolled back and the ledger state restored when body, persistence or the
// commit fails. The record returned by body is persisted alongside the state.
// The in-flight flag stays raised for the whole unit.
func (l *Ledger) run(ctx context.Context, body func(ctx context.Context) (core.Record, error)) (core.Record, error) {
	l.inFlight.Store(true)
	defer l.inFlight.Store(false)

	before := l.Snapshot()

	tx, err := l.transactor.Begin(ctx)
	if err != nil {
		return core.Record{}, fmt.Errorf("%w: begin: %w", core.ErrTransferFailed, err)
	}

	record, err := body(ctx)
	if err == nil {
		err = l.persist(ctx, record)
	}
	if err == nil {
		if commitErr := tx.Commit(); commitErr != nil {
			err = fmt.Errorf("%w: commit: %w", core.ErrTransferFailed, commitErr)
			if l.storage != nil {
				l.log.WithError(commitErr).Errorf("commit failed after record %s was persisted", record.ID)
			}
		}
	}

	if err != nil {
		l.restore(before)
		if rollbackErr := tx.Rollback(); rollbackErr != nil {
			l.log.WithError(rollbackErr).Error("rollback failed")
			err = errors.Join(err, rollbackErr)
		}
		return core.Record{}, err
	}

	return record, nil
}

func (l *Ledger) persist(ctx context.Context, record core.Record) error {
	if l.storage == nil {
		return nil
	}
	if err := l.storage.SaveState(ctx, l.Snapshot(), record); err != nil {
		return fmt.Errorf("%w: %w", core.ErrPersistence, err)
	}
	return nil
}

func (l *Ledger) notify(record core.Record) {
	for _, notifier := range l.notifiers {
		notifier.OnRecord(record)
	}
}

// abort wraps err with the operation context, logs it and notifies listeners.
func (l *Ledger) abort(op string, account core.AccountID, asset core.AssetID, err error) error {
	opErr := &core.OperationError{Op: op, Account: account, Asset: asset, Err: err}

	l.log.WithFields(map[string]any{
		"op":      op,
		"account": account,
		"asset":   asset,
	}).WithError(err).Warn("operation aborted")

	for _, notifier := range l.notifiers {
		notifier.OnError(opErr)
	}
	return opErr
}
