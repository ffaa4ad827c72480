package core

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestState_Positions(t *testing.T) {
	state := NewState(NewAmount(1000))
	state.SetPosition("alice", "usdc", Position{Held: NewAmount(100), Value: NewAmount(100)})
	state.SetPosition("alice", "weth", Position{Held: NewAmount(5), Value: NewAmount(400)})
	state.SetPosition("bob", "usdc", Position{Held: NewAmount(50), Value: NewAmount(50)})
	state.Total = NewAmount(550)

	sum, err := state.Sum()
	require.NoError(t, err)
	require.Equal(t, NewAmount(550), sum)
	require.Equal(t, NewAmount(500), state.Balances["alice"].Value())
	require.Equal(t, []AssetID{"usdc", "weth"}, state.Assets())

	owed, err := state.Owed("usdc")
	require.NoError(t, err)
	require.Equal(t, NewAmount(150), owed)

	clone := state.Clone()
	require.True(t, state.Equal(clone))

	clone.SetPosition("alice", "weth", Position{})
	require.False(t, state.Equal(clone))
	require.Equal(t, NewAmount(5), state.Position("alice", "weth").Held)
	require.NotContains(t, clone.Balances["alice"], AssetID("weth"))

	clone.SetPosition("bob", "usdc", Position{})
	require.NotContains(t, clone.Balances, AccountID("bob"))
}
