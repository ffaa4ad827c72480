package storage

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/raykavin/capvault/pkg/core"
	"github.com/samber/lo"
)

// stateDTO is the serialized ledger state. Amounts are base-10 strings so
// values beyond 64 bits survive every backend.
type stateDTO struct {
	Balances        map[string]map[string]positionDTO `json:"balances"`
	Total           string                            `json:"total"`
	Cap             string                            `json:"cap"`
	RegistryEnabled bool                              `json:"registry_enabled"`
	Allowed         []string                          `json:"allowed"`
}

type positionDTO struct {
	Held  string `json:"held"`
	Value string `json:"value"`
}

func newStateDTO(state core.State) stateDTO {
	balances := make(map[string]map[string]positionDTO, len(state.Balances))
	for account, positions := range state.Balances {
		balances[string(account)] = lo.MapEntries(positions, func(asset core.AssetID, position core.Position) (string, positionDTO) {
			return string(asset), positionDTO{Held: position.Held.Dec(), Value: position.Value.Dec()}
		})
	}

	return stateDTO{
		Balances:        balances,
		Total:           state.Total.Dec(),
		Cap:             state.Cap.Dec(),
		RegistryEnabled: state.RegistryEnabled,
		Allowed:         lo.Map(state.Allowed, func(asset core.AssetID, _ int) string { return string(asset) }),
	}
}

func (d stateDTO) toState() (core.State, error) {
	capacity, err := parseAmount(d.Cap)
	if err != nil {
		return core.State{}, err
	}

	state := core.NewState(capacity)
	if state.Total, err = parseAmount(d.Total); err != nil {
		return core.State{}, err
	}
	for account, positions := range d.Balances {
		for asset, dto := range positions {
			var position core.Position
			if position.Held, err = parseAmount(dto.Held); err != nil {
				return core.State{}, fmt.Errorf("%s position of %s: %w", asset, account, err)
			}
			if position.Value, err = parseAmount(dto.Value); err != nil {
				return core.State{}, fmt.Errorf("%s position of %s: %w", asset, account, err)
			}
			state.SetPosition(core.AccountID(account), core.AssetID(asset), position)
		}
	}
	state.RegistryEnabled = d.RegistryEnabled
	state.Allowed = lo.Map(d.Allowed, func(asset string, _ int) core.AssetID { return core.AssetID(asset) })

	return state, nil
}

func encodeState(state core.State) (string, error) {
	content, err := json.Marshal(newStateDTO(state))
	if err != nil {
		return "", fmt.Errorf("failed to marshal state: %w", err)
	}
	return string(content), nil
}

func decodeState(content string) (core.State, error) {
	var dto stateDTO
	if err := json.Unmarshal([]byte(content), &dto); err != nil {
		return core.State{}, fmt.Errorf("failed to unmarshal state: %w", err)
	}
	return dto.toState()
}

// recordDTO is the serialized journal entry, shared by the BuntDB and SQL backends.
type recordDTO struct {
	ID          string    `json:"id" gorm:"primaryKey;size:64"`
	Kind        string    `json:"kind" gorm:"index;size:16"`
	Account     string    `json:"account" gorm:"index"`
	Asset       string    `json:"asset"`
	AmountIn    string    `json:"amount_in"`
	Value       string    `json:"value"`
	Total       string    `json:"total"`
	Cap         string    `json:"cap"`
	CreatedAt   time.Time `json:"created_at"`
	CreatedNano int64     `json:"created_nano" gorm:"index"`
}

func (recordDTO) TableName() string { return "ledger_records" }

func newRecordDTO(record core.Record) recordDTO {
	return recordDTO{
		ID:          record.ID,
		Kind:        string(record.Kind),
		Account:     string(record.Account),
		Asset:       string(record.Asset),
		AmountIn:    record.AmountIn.Dec(),
		Value:       record.Value.Dec(),
		Total:       record.Total.Dec(),
		Cap:         record.Cap.Dec(),
		CreatedAt:   record.CreatedAt.UTC(),
		CreatedNano: record.CreatedAt.UnixNano(),
	}
}

func (d recordDTO) toRecord() (core.Record, error) {
	record := core.Record{
		ID:        d.ID,
		Kind:      core.RecordKind(d.Kind),
		Account:   core.AccountID(d.Account),
		Asset:     core.AssetID(d.Asset),
		CreatedAt: d.CreatedAt.UTC(),
	}

	var err error
	for _, field := range []struct {
		dst *core.Amount
		src string
	}{
		{&record.AmountIn, d.AmountIn},
		{&record.Value, d.Value},
		{&record.Total, d.Total},
		{&record.Cap, d.Cap},
	} {
		if *field.dst, err = parseAmount(field.src); err != nil {
			return core.Record{}, fmt.Errorf("record %s: %w", d.ID, err)
		}
	}
	return record, nil
}

func parseAmount(s string) (core.Amount, error) {
	if s == "" {
		return core.Amount{}, nil
	}
	return core.ParseAmount(s)
}
