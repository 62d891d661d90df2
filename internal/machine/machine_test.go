package machine

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Warrelis/nak/internal/proto"
)

type id = int

func newTestMachine() *Machine[id, string, string] {
	return New[id, string, string](zap.NewNop())
}

func wait(pairs ...any) map[id]proto.Condition {
	res := make(map[id]proto.Condition)
	for i := 0; i < len(pairs); i += 2 {
		res[pairs[i].(id)] = pairs[i+1].(proto.Condition)
	}
	return res
}

func starts(pairs ...any) []Task[id, string] {
	var res []Task[id, string]
	for i := 0; i < len(pairs); i += 2 {
		res = append(res, Task[id, string]{Kind: TaskStart, Id: pairs[i].(id), Cmd: pairs[i+1].(string)})
	}
	return res
}

func failed(i id, cmd string) []Task[id, string] {
	return []Task[id, string]{{Kind: TaskConditionFailed, Id: i, Cmd: cmd}}
}

func TestMachine(t *testing.T) {
	m := newTestMachine()

	assert.Equal(t, starts(0, "a"), m.Enqueue(0, "a", wait()))

	assert.Empty(t, m.Enqueue(1, "b", wait(0, proto.Condition(nil))))
	m.Start(0, "waffle")
	assert.Equal(t, starts(1, "b"), m.Completed(0, proto.Success))

	assert.Equal(t, starts(2, "c"), m.Enqueue(2, "c", wait(0, proto.Condition(nil))))
	assert.Equal(t, starts(3, "d"), m.Enqueue(3, "d", wait(0, proto.Expect(proto.Success))))
	assert.Equal(t, failed(4, "e"), m.Enqueue(4, "e", wait(0, proto.Expect(proto.Failure))))
	assert.Empty(t, m.Enqueue(5, "f", wait(2, proto.Expect(proto.Success), 3, proto.Expect(proto.Success))))
	assert.Empty(t, m.Enqueue(6, "g", wait(2, proto.Expect(proto.Success))))

	m.Start(2, "badger")
	assert.Equal(t, starts(6, "g"), m.Completed(2, proto.Success))
	m.Start(3, "anthill")
	assert.Equal(t, starts(5, "f"), m.Completed(3, proto.Success))
}

func TestMachineEagerConditionFailure(t *testing.T) {
	m := newTestMachine()

	m.Enqueue(1, "a", wait())
	m.Start(1, "running")
	m.Completed(1, proto.Failure)

	// Predecessor already finished wrong: the dependent never enters the graph.
	tasks := m.Enqueue(2, "b", wait(1, proto.Expect(proto.Success)))
	require.Equal(t, failed(2, "b"), tasks)

	status, ok := m.Finished(2)
	require.True(t, ok)
	assert.Equal(t, proto.Failure, status)
}

func TestMachineConditionFailurePropagates(t *testing.T) {
	m := newTestMachine()

	m.Enqueue(1, "a", wait())
	assert.Empty(t, m.Enqueue(2, "b", wait(1, proto.Expect(proto.Success))))
	assert.Empty(t, m.Enqueue(3, "c", wait(2, proto.Expect(proto.Success))))
	assert.Empty(t, m.Enqueue(4, "d", wait(3, proto.Condition(nil))))

	m.Start(1, "running")
	tasks := m.Completed(1, proto.Failure)

	// 2 fails its gate, 3 fails transitively, and 4 (waiting on any outcome
	// of 3) starts, all in one resolution wave.
	want := []Task[id, string]{
		{Kind: TaskConditionFailed, Id: 2, Cmd: "b"},
		{Kind: TaskConditionFailed, Id: 3, Cmd: "c"},
		{Kind: TaskStart, Id: 4, Cmd: "d"},
	}
	if diff := cmp.Diff(want, tasks); diff != "" {
		t.Errorf("resolution tasks mismatch (-want +got):\n%s", diff)
	}

	for _, pid := range []id{2, 3} {
		status, ok := m.Finished(pid)
		require.True(t, ok, "process %d must be finalized", pid)
		assert.Equal(t, proto.Failure, status)
	}
}

func TestMachineMultiPredecessorFailureFinalizesOnce(t *testing.T) {
	m := newTestMachine()

	m.Enqueue(1, "a", wait())
	m.Enqueue(2, "b", wait())
	assert.Empty(t, m.Enqueue(3, "c", wait(1, proto.Expect(proto.Failure), 2, proto.Expect(proto.Failure))))

	m.Start(1, "running")
	assert.Equal(t, failed(3, "c"), m.Completed(1, proto.Success))

	// The second predecessor completing must not trip over the dependent that
	// was already finalized through the first.
	m.Start(2, "running")
	assert.Empty(t, m.Completed(2, proto.Success))
}

func TestMachineStartCompletedUnblocks(t *testing.T) {
	m := newTestMachine()

	assert.Equal(t, starts(1, "builtin"), m.Enqueue(1, "builtin", wait()))
	assert.Empty(t, m.Enqueue(2, "b", wait(1, proto.Expect(proto.Success))))

	// Built-ins finish without ever entering running.
	assert.Equal(t, starts(2, "b"), m.StartCompleted(1, proto.Success))
}

func TestMachineEnqueueKnownIdPanics(t *testing.T) {
	m := newTestMachine()
	m.Enqueue(1, "a", wait())
	assert.Panics(t, func() { m.Enqueue(1, "again", wait()) })
}

func TestMachineRunningAndFinishedViews(t *testing.T) {
	m := newTestMachine()
	m.Enqueue(7, "a", wait())
	m.Start(7, "state")

	st, ok := m.Running(7)
	require.True(t, ok)
	assert.Equal(t, "state", st)
	_, ok = m.Finished(7)
	assert.False(t, ok)

	m.Completed(7, proto.Success)
	_, ok = m.Running(7)
	assert.False(t, ok)
	status, ok := m.Finished(7)
	require.True(t, ok)
	assert.Equal(t, proto.Success, status)
}
