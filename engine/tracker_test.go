package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zuko-freemind/taskcore/chain"
	"github.com/zuko-freemind/taskcore/store"
	"github.com/zuko-freemind/taskcore/task"
)

func TestTrackerAddGetRemoveTask(t *testing.T) {
	bus := NewEventBus()
	tracker := NewTracker(10, bus, nil, nil)

	var added []string
	bus.OnTaskAdded(func(id string) { added = append(added, id) })
	var removed []string
	bus.OnTaskRemoved(func(id string) { removed = append(removed, id) })

	tk := newScriptedTask("tr1", "kind", func(ctx context.Context, tk *task.Task) (interface{}, error) { return nil, nil })
	require.NoError(t, tracker.AddTask(tk))

	got, ok := tracker.GetTask("tr1")
	require.True(t, ok)
	assert.Same(t, tk, got)
	assert.Equal(t, []string{"tr1"}, added)

	require.NoError(t, tracker.RemoveTask("tr1"))
	_, ok = tracker.GetTask("tr1")
	assert.False(t, ok)
	assert.Equal(t, []string{"tr1"}, removed)
}

func TestTrackerDuplicateAddIsRejected(t *testing.T) {
	tracker := NewTracker(10, nil, nil, nil)
	tk := newScriptedTask("dup1", "kind", func(ctx context.Context, tk *task.Task) (interface{}, error) { return nil, nil })
	require.NoError(t, tracker.AddTask(tk))
	assert.Error(t, tracker.AddTask(tk))
}

func TestTrackerTagIndexing(t *testing.T) {
	tracker := NewTracker(10, nil, nil, nil)
	tk := newScriptedTask("tg1", "reportKind", func(ctx context.Context, tk *task.Task) (interface{}, error) { return nil, nil }, task.WithTags("nightly"))
	require.NoError(t, tracker.AddTask(tk))

	assert.True(t, tracker.HasTasksWithTag("nightly"))
	assert.True(t, tracker.HasTasksWithTag("reportKind"))
	assert.ElementsMatch(t, []string{"tg1"}, tracker.GetUUIDsByTag("nightly"))

	require.NoError(t, tracker.RemoveTask("tg1"))
	assert.False(t, tracker.HasTasksWithTag("nightly"))
}

func TestTrackerFailedAndCompletedHistoryBounded(t *testing.T) {
	tracker := NewTracker(2, nil, nil, nil)

	for i := 0; i < 3; i++ {
		id := string(rune('a' + i))
		tk := newScriptedTask(id, "kind", func(ctx context.Context, tk *task.Task) (interface{}, error) {
			tk.FailPermanently("boom")
			return nil, nil
		})
		require.NoError(t, tracker.AddTask(tk))
		tk.Run(context.Background())
	}

	history := tracker.GetFailedTaskHistory()
	assert.Len(t, history, 2, "history is bounded to historyLimit")

	for i := 0; i < 3; i++ {
		id := string(rune('x' + i))
		tk := newScriptedTask(id, "kind", func(ctx context.Context, tk *task.Task) (interface{}, error) { return "ok", nil })
		require.NoError(t, tracker.AddTask(tk))
		tk.Run(context.Background())
	}

	completed := tracker.GetCompletedTaskHistory()
	assert.Len(t, completed, 2, "completion history is bounded to historyLimit")
}

func TestTrackerHistoryPersistsAcrossInstances(t *testing.T) {
	st := store.NewMemoryStore(nil)
	tracker := NewTracker(10, nil, st, nil)

	tk := newScriptedTask("h1", "kind", func(ctx context.Context, tk *task.Task) (interface{}, error) {
		tk.FailPermanently("boom")
		return nil, nil
	})
	require.NoError(t, tracker.AddTask(tk))
	tk.Run(context.Background())

	require.Len(t, tracker.GetFailedTaskHistory(), 1)

	restored := NewTracker(10, nil, st, nil)
	restored.LoadHistory()
	history := restored.GetFailedTaskHistory()
	require.Len(t, history, 1)
	assert.Equal(t, "h1", history[0]["id"])
}

// Chain children are tracked and tagged with parent chain metadata.
func TestTrackerTracksChainChildrenWithMeta(t *testing.T) {
	tracker := NewTracker(10, nil, nil, nil)

	child := newScriptedTask("child1", "childKind", func(ctx context.Context, tk *task.Task) (interface{}, error) { return nil, nil })
	chainTask := chain.New("chain1", "myChain", "", []*task.Task{child}, nil, 0, nil, nil, 20*time.Millisecond)

	require.NoError(t, tracker.AddTask(chainTask))

	got, ok := tracker.GetTask("child1")
	require.True(t, ok)
	assert.Same(t, child, got)
	assert.True(t, got.HasTag(task.ChainedChildTag))

	info, err := tracker.GetTaskInfo("child1")
	require.NoError(t, err)
	assert.Equal(t, "chain1", info["parentChainId"])
	assert.Equal(t, "myChain", info["parentChainName"])
}
