package core

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidAmount       = errors.New("invalid amount")
	ErrAssetNotAllowed     = errors.New("asset not allowed")
	ErrPrecisionMismatch   = errors.New("precision mismatch")
	ErrStaleOrInvalidRate  = errors.New("stale or invalid rate")
	ErrCapacityExceeded    = errors.New("capacity exceeded")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrTransferFailed      = errors.New("transfer failed")
	ErrConversionFailed    = errors.New("conversion failed")
	ErrUnauthorized        = errors.New("unauthorized")

	ErrReentrantCall   = errors.New("reentrant call")
	ErrDeadlineExpired = errors.New("deadline expired")
	ErrSlippage        = errors.New("output below minimum")
	ErrOverflow        = errors.New("amount overflow")
	ErrPersistence     = errors.New("persistence failed")
	ErrReconciliation  = errors.New("ledger does not reconcile")
	ErrUnknownAsset    = errors.New("unknown asset")
)

// CapacityError reports a deposit that would push the aggregate total over the cap.
type CapacityError struct {
	Total     Amount
	Cap       Amount
	Attempted Amount
}

func (e *CapacityError) Error() string {
	return fmt.Sprintf("%v: total %s + attempted %s > cap %s",
		ErrCapacityExceeded, e.Total.Dec(), e.Attempted.Dec(), e.Cap.Dec())
}

func (e *CapacityError) Unwrap() error { return ErrCapacityExceeded }

// BalanceError reports a withdrawal larger than the account balance.
type BalanceError struct {
	Balance   Amount
	Requested Amount
}

func (e *BalanceError) Error() string {
	return fmt.Sprintf("%v: balance %s, requested %s", ErrInsufficientBalance, e.Balance.Dec(), e.Requested.Dec())
}

func (e *BalanceError) Unwrap() error { return ErrInsufficientBalance }

// OperationError wraps the failure of a ledger operation with its context.
type OperationError struct {
	Op      string
	Account AccountID
	Asset   AssetID
	Err     error
}

func (e *OperationError) Error() string {
	if e.Asset == "" {
		return fmt.Sprintf("%s %s: %v", e.Op, e.Account, e.Err)
	}
	return fmt.Sprintf("%s %s %s: %v", e.Op, e.Account, e.Asset, e.Err)
}

func (e *OperationError) Unwrap() error { return e.Err }
