package capvault

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/raykavin/capvault/pkg/config"
	"github.com/raykavin/capvault/pkg/core"
	"github.com/raykavin/capvault/pkg/exchange"
	"github.com/raykavin/capvault/pkg/ledger"
	"github.com/spf13/viper"
)

// Action names a scripted operation
type Action string

const (
	ActionDeposit     Action = "deposit"
	ActionWithdraw    Action = "withdraw"
	ActionSetCap      Action = "set_cap"
	ActionAllow       Action = "allow"
	ActionDisallow    Action = "disallow"
	ActionFund        Action = "fund"
	ActionSetPrice    Action = "set_price"
	ActionSetReserves Action = "set_reserves"
)

var (
	ErrUnknownAction = errors.New("unknown script action")
	ErrNotStaticRate = errors.New("asset price is not operator controlled")
)

// Step is one scripted operation. Amounts are human decimals of the step's
// asset; set_cap amounts and withdrawals without an asset are in the
// accounting asset.
type Step struct {
	Action            Action `mapstructure:"action"`
	Account           string `mapstructure:"account"`
	Asset             string `mapstructure:"asset"`
	Amount            string `mapstructure:"amount"`
	Price             string `mapstructure:"price"`
	Reserve           string `mapstructure:"reserve"`
	AccountingReserve string `mapstructure:"accounting_reserve"`
}

func (s Step) String() string {
	parts := []string{string(s.Action)}
	for _, part := range []string{s.Account, s.Amount, s.Asset, s.Price} {
		if part != "" {
			parts = append(parts, part)
		}
	}
	return strings.Join(parts, " ")
}

// StepResult is the outcome of a scripted step. Receipt is set for ledger
// deposits and withdrawals.
type StepResult struct {
	Index   int
	Step    Step
	Receipt ledger.Receipt
	Err     error
}

// LoadScript reads the steps list of a YAML script file
func LoadScript(path string) ([]Step, error) {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read script %s: %w", path, err)
	}
	return decodeScript(v)
}

// ParseScript reads the steps list of a YAML script
func ParseScript(content string) ([]Step, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	if err := v.ReadConfig(strings.NewReader(content)); err != nil {
		return nil, fmt.Errorf("failed to parse script: %w", err)
	}
	return decodeScript(v)
}

func decodeScript(v *viper.Viper) ([]Step, error) {
	var steps []Step
	if err := v.UnmarshalKey("steps", &steps); err != nil {
		return nil, fmt.Errorf("failed to decode script: %w", err)
	}
	return steps, nil
}

// Simulate applies steps in order. A failed step does not stop the script.
func (v *Vault) Simulate(ctx context.Context, steps []Step, onStep func(StepResult)) []StepResult {
	results := make([]StepResult, 0, len(steps))
	for i, step := range steps {
		result := v.Apply(ctx, step)
		result.Index = i + 1
		results = append(results, result)
		if onStep != nil {
			onStep(result)
		}
	}
	return results
}

// Apply runs a single step against the vault
func (v *Vault) Apply(ctx context.Context, step Step) StepResult {
	result := StepResult{Step: step}
	result.Receipt, result.Err = v.apply(ctx, step)
	return result
}

func (v *Vault) apply(ctx context.Context, step Step) (ledger.Receipt, error) {
	account := core.AccountID(step.Account)
	settlement := v.ledger.Settlement()

	switch step.Action {
	case ActionDeposit:
		asset, amount, err := v.parse(step.Asset, step.Amount)
		if err != nil {
			return ledger.Receipt{}, err
		}
		return v.ledger.Deposit(ctx, account, asset.ID, amount)

	case ActionWithdraw:
		id := step.Asset
		if id == "" {
			id = string(settlement.ID)
		}
		asset, amount, err := v.parse(id, step.Amount)
		if err != nil {
			return ledger.Receipt{}, err
		}
		return v.ledger.WithdrawAsset(ctx, account, asset.ID, amount)

	case ActionSetCap:
		_, amount, err := v.parse(string(settlement.ID), step.Amount)
		if err != nil {
			return ledger.Receipt{}, err
		}
		return ledger.Receipt{}, v.ledger.SetCapacityCap(ctx, account, amount)

	case ActionAllow:
		return ledger.Receipt{}, v.ledger.AllowAsset(ctx, account, core.AssetID(step.Asset))

	case ActionDisallow:
		return ledger.Receipt{}, v.ledger.DisallowAsset(ctx, account, core.AssetID(step.Asset))

	case ActionFund:
		asset, amount, err := v.parse(step.Asset, step.Amount)
		if err != nil {
			return ledger.Receipt{}, err
		}
		return ledger.Receipt{}, v.wallet.Fund(asset.ID, account, amount)

	case ActionSetPrice:
		return ledger.Receipt{}, v.setPrice(core.AssetID(step.Asset), step.Price)

	case ActionSetReserves:
		asset, reserve, err := v.parse(step.Asset, step.Reserve)
		if err != nil {
			return ledger.Receipt{}, err
		}
		_, accountingReserve, err := v.parse(string(settlement.ID), step.AccountingReserve)
		if err != nil {
			return ledger.Receipt{}, err
		}
		v.wallet.SetReserves(asset.ID, settlement.ID, reserve, accountingReserve)
		return ledger.Receipt{}, nil

	default:
		return ledger.Receipt{}, fmt.Errorf("%w: %q", ErrUnknownAction, step.Action)
	}
}

func (v *Vault) parse(id, amount string) (core.Asset, core.Amount, error) {
	asset, err := v.Asset(core.AssetID(id))
	if err != nil {
		return core.Asset{}, core.Amount{}, err
	}
	value, err := core.ParseUnits(amount, asset.Decimals)
	if err != nil {
		return core.Asset{}, core.Amount{}, err
	}
	return asset, value, nil
}

func (v *Vault) setPrice(asset core.AssetID, price string) error {
	source, ok := v.rates[asset]
	if !ok {
		return fmt.Errorf("%w: %s has no rate source", ErrNotStaticRate, asset)
	}
	static, ok := source.(*exchange.StaticRate)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotStaticRate, asset)
	}

	rate := config.RateConfig{Price: price}
	for _, assetConfig := range v.config.Assets {
		if core.AssetID(assetConfig.ID) == asset {
			rate.Decimals = assetConfig.Rate.Decimals
		}
	}

	answer, err := rate.RateAnswer()
	if err != nil {
		return err
	}
	static.SetPrice(core.Price{Answer: big.NewInt(answer), Decimals: rate.Scale()})
	return nil
}
