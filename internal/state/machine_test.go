package state

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMachine_RefreshCycle(t *testing.T) {
	var transitions [][2]string
	m := NewMachine("alice", func(user, from, to string) {
		assert.Equal(t, "alice", user)
		transitions = append(transitions, [2]string{from, to})
	})
	assert.Equal(t, StateFresh, m.CurrentState())

	require.NoError(t, m.Trigger(EventLoad))
	require.NoError(t, m.Trigger(EventBeginRefresh))
	assert.Equal(t, StateRefreshing, m.CurrentState())

	require.NoError(t, m.Trigger(EventRefreshFailed))
	assert.Equal(t, StateValidStale, m.CurrentState())

	require.NoError(t, m.Trigger(EventBeginRefresh))
	require.NoError(t, m.Trigger(EventRefreshOK))
	assert.True(t, m.Is(StateValid))

	assert.Len(t, transitions, 5)
}

func TestMachine_ReauthFromAnyState(t *testing.T) {
	m := NewMachine("bob", nil)
	require.NoError(t, m.Trigger(EventRequireReauth))
	assert.Equal(t, StateReauthRequired, m.CurrentState())

	// 重复触发不报错
	require.NoError(t, m.Trigger(EventRequireReauth))

	assert.False(t, m.CanTransition(EventBeginRefresh))
	assert.Error(t, m.Trigger(EventBeginRefresh))

	require.NoError(t, m.Trigger(EventAuthorize))
	assert.Equal(t, StateValid, m.GetState().State)
}
