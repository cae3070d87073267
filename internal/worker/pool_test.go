package worker

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/r3e-network/taskengine/internal/worker/ipc"
)

func TestIdleCountAndAcquireIdleFollowFIFOOrder(t *testing.T) {
	p := &Pool{workers: []*process{
		{id: 0, state: StateBusy},
		{id: 1, state: StateIdle},
		{id: 2, state: StateIdle},
	}}

	require.Equal(t, 2, p.IdleCount())
	acquired := p.acquireIdle()
	require.NotNil(t, acquired)
	require.Equal(t, 1, acquired.id)
}

func TestAcquireIdleReturnsNilWhenAllBusy(t *testing.T) {
	p := &Pool{workers: []*process{
		{id: 0, state: StateBusy},
		{id: 1, state: StateCrashed},
	}}
	require.Nil(t, p.acquireIdle())
	require.Equal(t, 0, p.IdleCount())
}

func TestDispatchReturnsErrNoIdleWorkerWhenPoolIsSaturated(t *testing.T) {
	p := &Pool{workers: []*process{{id: 0, state: StateBusy}}}
	_, err := p.Dispatch(context.Background(), ipc.ExecuteTaskPayload{TaskUUID: "t1"})
	require.ErrorIs(t, err, ErrNoIdleWorker)
}
