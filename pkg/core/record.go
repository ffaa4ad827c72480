package core

import (
	"fmt"
	"time"
)

// RecordKind identifies the ledger operation a Record describes.
type RecordKind string

const (
	RecordKindDeposit  RecordKind = "deposit"
	RecordKindWithdraw RecordKind = "withdraw"
	RecordKindCap      RecordKind = "cap"
	RecordKindAllow    RecordKind = "allow"
	RecordKindDisallow RecordKind = "disallow"
)

// Record is the journal entry emitted for every committed operation.
type Record struct {
	ID        string
	Kind      RecordKind
	Account   AccountID
	Asset     AssetID
	AmountIn  Amount
	Value     Amount
	Total     Amount
	Cap       Amount
	CreatedAt time.Time
}

func (r Record) String() string {
	switch r.Kind {
	case RecordKindDeposit:
		return fmt.Sprintf("[DEPOSIT] %s %s %s -> %s (total %s)",
			r.Account, r.AmountIn.Dec(), r.Asset, r.Value.Dec(), r.Total.Dec())
	case RecordKindWithdraw:
		return fmt.Sprintf("[WITHDRAW] %s %s %s <- %s (total %s)",
			r.Account, r.AmountIn.Dec(), r.Asset, r.Value.Dec(), r.Total.Dec())
	case RecordKindCap:
		return fmt.Sprintf("[CAP] %s by %s", r.Cap.Dec(), r.Account)
	default:
		return fmt.Sprintf("[%s] %s %s", r.Kind, r.Account, r.Asset)
	}
}

// RecordFilter selects records when querying a LedgerStorage.
type RecordFilter func(record Record) bool

func WithKind(kind RecordKind) RecordFilter {
	return func(record Record) bool {
		return record.Kind == kind
	}
}

func WithAccount(account AccountID) RecordFilter {
	return func(record Record) bool {
		return record.Account == account
	}
}

func WithCreatedBetween(start, end time.Time) RecordFilter {
	return func(record Record) bool {
		return !record.CreatedAt.Before(start) && !record.CreatedAt.After(end)
	}
}

// Match reports whether the record passes every filter.
func Match(record Record, filters ...RecordFilter) bool {
	for _, filter := range filters {
		if !filter(record) {
			return false
		}
	}
	return true
}
