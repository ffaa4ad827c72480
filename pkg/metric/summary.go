// Package metric summarizes the ledger journal.
package metric

import (
	"math/rand"
	"sort"

	"github.com/raykavin/capvault/pkg/core"
	"github.com/samber/lo"
	"github.com/shopspring/decimal"
	"gonum.org/v1/gonum/stat"
)

const (
	DefaultBootstrapRounds = 1000
	DefaultConfidence      = 0.95
)

// Interval is a bootstrap confidence interval.
type Interval struct {
	Lower float64
	Upper float64
}

// Summary describes deposit and withdraw activity. Exact totals are kept in
// base units; statistics are in human units of the settlement asset.
type Summary struct {
	Deposits    int
	Withdrawals int
	Accounts    int

	Deposited core.Amount
	Withdrawn core.Amount

	MeanDeposit   float64
	StdDevDeposit float64
	MedianDeposit float64
	MaxDeposit    float64
	MeanInterval  Interval

	Total       core.Amount
	Cap         core.Amount
	Utilization float64
}

// Option configures Summarize
type Option func(*options)

type options struct {
	rounds     int
	confidence float64
	seed       int64
}

// WithBootstrap sets the resampling rounds and confidence of MeanInterval
func WithBootstrap(rounds int, confidence float64) Option {
	return func(o *options) {
		o.rounds = rounds
		o.confidence = confidence
	}
}

// WithSeed makes the bootstrap deterministic
func WithSeed(seed int64) Option {
	return func(o *options) {
		o.seed = seed
	}
}

// Summarize computes a Summary from journal records and the current total and cap.
func Summarize(records []core.Record, settlement core.Asset, total, capacity core.Amount, opts ...Option) (Summary, error) {
	o := options{rounds: DefaultBootstrapRounds, confidence: DefaultConfidence, seed: 1}
	for _, opt := range opts {
		opt(&o)
	}

	summary := Summary{Total: total, Cap: capacity}

	deposits := lo.Filter(records, func(r core.Record, _ int) bool { return r.Kind == core.RecordKindDeposit })
	withdrawals := lo.Filter(records, func(r core.Record, _ int) bool { return r.Kind == core.RecordKindWithdraw })
	summary.Deposits, summary.Withdrawals = len(deposits), len(withdrawals)

	accounts := lo.Uniq(lo.Map(append(deposits, withdrawals...), func(r core.Record, _ int) core.AccountID {
		return r.Account
	}))
	summary.Accounts = len(accounts)

	var err error
	if summary.Deposited, err = sum(deposits); err != nil {
		return Summary{}, err
	}
	if summary.Withdrawn, err = sum(withdrawals); err != nil {
		return Summary{}, err
	}

	values := lo.Map(deposits, func(r core.Record, _ int) float64 { return toFloat(r.Value, settlement.Decimals) })
	if len(values) > 0 {
		sorted := append([]float64(nil), values...)
		sort.Float64s(sorted)

		summary.MeanDeposit, summary.StdDevDeposit = stat.MeanStdDev(values, nil)
		if len(values) == 1 {
			summary.StdDevDeposit = 0
		}
		summary.MedianDeposit = stat.Quantile(0.5, stat.Empirical, sorted, nil)
		summary.MaxDeposit = sorted[len(sorted)-1]
		summary.MeanInterval = bootstrapMean(values, o.rounds, o.confidence, rand.New(rand.NewSource(o.seed)))
	}

	if !capacity.IsZero() {
		summary.Utilization = toFloat(total, 0) / toFloat(capacity, 0)
	}

	return summary, nil
}

func sum(records []core.Record) (core.Amount, error) {
	var total core.Amount
	for _, record := range records {
		var err error
		if total, err = core.AddAmounts(total, record.Value); err != nil {
			return core.Amount{}, err
		}
	}
	return total, nil
}

func toFloat(amount core.Amount, decimals uint8) float64 {
	return decimal.NewFromBigInt(amount.ToBig(), -int32(decimals)).InexactFloat64()
}

// bootstrapMean estimates a confidence interval of the mean by resampling
// values with replacement.
func bootstrapMean(values []float64, rounds int, confidence float64, rng *rand.Rand) Interval {
	if len(values) == 0 || rounds <= 0 {
		return Interval{}
	}

	means := make([]float64, rounds)
	sample := make([]float64, len(values))
	for i := range means {
		for j := range sample {
			sample[j] = values[rng.Intn(len(values))]
		}
		means[i] = stat.Mean(sample, nil)
	}
	sort.Float64s(means)

	tail := (1 - confidence) / 2
	return Interval{
		Lower: stat.Quantile(tail, stat.LinInterp, means, nil),
		Upper: stat.Quantile(1-tail, stat.LinInterp, means, nil),
	}
}
