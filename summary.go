package capvault

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"strconv"

	"github.com/olekukonko/tablewriter"
	"github.com/raykavin/capvault/pkg/core"
	"github.com/raykavin/capvault/pkg/metric"
)

// Summary writes balances, journal statistics and the reconciliation of
// custody against the ledger
func (v *Vault) Summary(ctx context.Context, out io.Writer) error {
	settlement := v.ledger.Settlement()
	state := v.ledger.Snapshot()

	buffer := bytes.NewBuffer(nil)
	table := tablewriter.NewWriter(buffer)
	table.SetHeader([]string{"Account", "Balance"})
	table.SetFooterAlignment(tablewriter.ALIGN_RIGHT)

	accounts := make([]core.AccountID, 0, len(state.Balances))
	for account := range state.Balances {
		accounts = append(accounts, account)
	}
	sort.Slice(accounts, func(i, j int) bool { return accounts[i] < accounts[j] })

	for _, account := range accounts {
		balance := state.Balances[account].Value()
		if balance.IsZero() {
			continue
		}
		table.Append([]string{string(account), settlement.Format(balance)})
	}
	table.SetFooter([]string{"TOTAL", settlement.Format(state.Total)})
	table.Render()
	fmt.Fprintln(out, buffer.String())

	records, err := v.storage.Records(ctx)
	if err != nil {
		return err
	}
	summary, err := metric.Summarize(records, settlement, state.Total, state.Cap)
	if err != nil {
		return err
	}

	fmt.Fprintln(out, "------ JOURNAL -------")
	buffer.Reset()
	table = tablewriter.NewWriter(buffer)
	table.SetHeader([]string{"Deposits", "Withdrawals", "Accounts", "Deposited", "Withdrawn", "Mean", "Std Dev", "Median", "Max"})
	table.Append([]string{
		strconv.Itoa(summary.Deposits),
		strconv.Itoa(summary.Withdrawals),
		strconv.Itoa(summary.Accounts),
		settlement.Format(summary.Deposited),
		settlement.Format(summary.Withdrawn),
		fmt.Sprintf("%.2f", summary.MeanDeposit),
		fmt.Sprintf("%.2f", summary.StdDevDeposit),
		fmt.Sprintf("%.2f", summary.MedianDeposit),
		fmt.Sprintf("%.2f", summary.MaxDeposit),
	})
	table.Render()
	fmt.Fprintln(out, buffer.String())

	fmt.Fprintf(out, "MEAN DEPOSIT (95%%): %.2f (%.2f ~ %.2f)\n",
		summary.MeanDeposit, summary.MeanInterval.Lower, summary.MeanInterval.Upper)
	fmt.Fprintf(out, "UTILIZATION:        %.2f%% of %s\n\n", summary.Utilization*100, settlement.Format(state.Cap))

	fmt.Fprintln(out, "------ CUSTODY -------")
	report, err := v.ledger.Reconcile(ctx)

	buffer.Reset()
	table = tablewriter.NewWriter(buffer)
	table.SetHeader([]string{"Asset", "Held", "Owed", "Credited"})
	for _, holding := range report.Holdings {
		asset, assetErr := v.Asset(holding.Asset)
		if assetErr != nil {
			asset = core.Asset{ID: holding.Asset, Symbol: string(holding.Asset)}
		}
		table.Append([]string{asset.Symbol, asset.Format(holding.Balance), asset.Format(holding.Owed),
			settlement.Format(holding.Value)})
	}
	table.SetFooter([]string{"", "", "TOTAL", settlement.Format(report.Total)})
	table.Render()
	fmt.Fprintln(out, buffer.String())

	if report.OverCap {
		fmt.Fprintln(out, "WARNING: total deposited is above the capacity cap")
	}
	return err
}

// Results writes a table of scripted step outcomes
func Results(out io.Writer, settlement core.Asset, results []StepResult) {
	table := tablewriter.NewWriter(out)
	table.SetHeader([]string{"#", "Step", "Credited", "Total", "Result"})

	for _, result := range results {
		credited, total, outcome := "-", "-", "ok"
		if result.Err != nil {
			outcome = result.Err.Error()
		} else if result.Receipt.ID != "" {
			credited = settlement.Format(result.Receipt.Value)
			total = settlement.Format(result.Receipt.Total)
		}
		table.Append([]string{strconv.Itoa(result.Index), result.Step.String(), credited, total, outcome})
	}
	table.Render()
}
