package core

import (
	"context"
	"maps"
	"slices"
)

// Position is what an account is owed in one custodied asset: Held base
// units of that asset, credited at Value accounting units.
type Position struct {
	Held  Amount
	Value Amount
}

// Positions maps each held asset to the account's position in it.
type Positions map[AssetID]Position

// Value returns the accounting-unit balance across every position. It wraps
// on overflow, which a state whose balances add up to its total never reaches.
func (p Positions) Value() Amount {
	var value Amount
	for _, position := range p {
		value.Add(&value, &position.Value)
	}
	return value
}

// State is the ledger's owned aggregate: balances, total, cap and registry.
type State struct {
	Balances        map[AccountID]Positions
	Total           Amount
	Cap             Amount
	RegistryEnabled bool
	Allowed         []AssetID
}

// NewState returns an empty state with the given cap.
func NewState(capacity Amount) State {
	return State{
		Balances: make(map[AccountID]Positions),
		Cap:      capacity,
	}
}

// Clone returns a deep copy of the state.
func (s State) Clone() State {
	clone := s
	clone.Balances = make(map[AccountID]Positions, len(s.Balances))
	for account, positions := range s.Balances {
		clone.Balances[account] = maps.Clone(positions)
	}
	clone.Allowed = slices.Clone(s.Allowed)
	return clone
}

// Position returns the position of account in asset.
func (s State) Position(account AccountID, asset AssetID) Position {
	return s.Balances[account][asset]
}

// SetPosition replaces the position of account in asset, dropping it when
// nothing is left.
func (s *State) SetPosition(account AccountID, asset AssetID, position Position) {
	positions := s.Balances[account]
	if position.Held.IsZero() && position.Value.IsZero() {
		delete(positions, asset)
		if len(positions) == 0 {
			delete(s.Balances, account)
		}
		return
	}
	if positions == nil {
		positions = make(Positions)
		s.Balances[account] = positions
	}
	positions[asset] = position
}

// Sum returns the sum of every balance.
func (s State) Sum() (Amount, error) {
	var sum Amount
	for _, positions := range s.Balances {
		for _, position := range positions {
			var err error
			if sum, err = AddAmounts(sum, position.Value); err != nil {
				return Amount{}, err
			}
		}
	}
	return sum, nil
}

// Owed returns the base units of asset the ledger owes across every account.
func (s State) Owed(asset AssetID) (Amount, error) {
	var owed Amount
	for _, positions := range s.Balances {
		var err error
		held := positions[asset].Held
		if owed, err = AddAmounts(owed, held); err != nil {
			return Amount{}, err
		}
	}
	return owed, nil
}

// Assets lists every asset some account holds a position in, sorted.
func (s State) Assets() []AssetID {
	var assets []AssetID
	for _, positions := range s.Balances {
		for asset := range positions {
			if !slices.Contains(assets, asset) {
				assets = append(assets, asset)
			}
		}
	}
	slices.Sort(assets)
	return assets
}

// Equal reports whether two states hold identical values.
func (s State) Equal(other State) bool {
	if !s.Total.Eq(&other.Total) || !s.Cap.Eq(&other.Cap) || s.RegistryEnabled != other.RegistryEnabled {
		return false
	}
	if !slices.Equal(s.Allowed, other.Allowed) || len(s.Balances) != len(other.Balances) {
		return false
	}
	for account, positions := range s.Balances {
		o, ok := other.Balances[account]
		if !ok || !maps.EqualFunc(positions, o, func(a, b Position) bool {
			return a.Held.Eq(&b.Held) && a.Value.Eq(&b.Value)
		}) {
			return false
		}
	}
	return true
}

// LedgerStorage persists ledger state and the record journal.
type LedgerStorage interface {
	LoadState(ctx context.Context) (State, bool, error)
	SaveState(ctx context.Context, state State, record Record) error
	Records(ctx context.Context, filters ...RecordFilter) ([]Record, error)
	Close() error
}
