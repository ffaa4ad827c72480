// Package notification delivers ledger records and aborted operations to
// operators through logs, email and Telegram.
package notification

import (
	"errors"
	"fmt"
	"strings"

	"github.com/raykavin/capvault/pkg/core"
	"github.com/shopspring/decimal"
)

// LedgerReader is the read side of the ledger that notifiers report on
type LedgerReader interface {
	Settlement() core.Asset
	TotalDeposited() core.Amount
	CapacityCap() core.Amount
	BalanceOf(account core.AccountID) core.Amount
}

func title(record core.Record) string {
	switch record.Kind {
	case core.RecordKindDeposit:
		return fmt.Sprintf("✅ DEPOSIT - %s", record.Asset)
	case core.RecordKindWithdraw:
		return fmt.Sprintf("💸 WITHDRAW - %s", record.Asset)
	case core.RecordKindCap:
		return "📏 CAPACITY CAP CHANGED"
	case core.RecordKindAllow:
		return fmt.Sprintf("➕ ASSET ALLOWED - %s", record.Asset)
	case core.RecordKindDisallow:
		return fmt.Sprintf("➖ ASSET DISALLOWED - %s", record.Asset)
	}
	return strings.ToUpper(string(record.Kind))
}

func describeError(err error) string {
	var sb strings.Builder
	sb.WriteString("🛑 ERROR\n")

	var opErr *core.OperationError
	if errors.As(err, &opErr) {
		sb.WriteString("-----\n")
		fmt.Fprintf(&sb, "Operation: %s\n", opErr.Op)
		fmt.Fprintf(&sb, "Account: %s\n", opErr.Account)
		if opErr.Asset != "" {
			fmt.Fprintf(&sb, "Asset: %s\n", opErr.Asset)
		}
		sb.WriteString("-----\n")
		sb.WriteString(opErr.Err.Error())
		return sb.String()
	}

	sb.WriteString("-----\n")
	sb.WriteString(err.Error())
	return sb.String()
}

// utilization renders total/cap as a percentage with two decimals
func utilization(total, capacity core.Amount) string {
	if capacity.IsZero() {
		return "n/a"
	}
	var scaled, quotient core.Amount
	hundredths := core.NewAmount(10_000)
	if _, overflow := scaled.MulOverflow(&total, &hundredths); overflow {
		return "n/a"
	}
	quotient.Div(&scaled, &capacity)
	return decimal.NewFromBigInt(quotient.ToBig(), -2).StringFixed(2) + "%"
}
