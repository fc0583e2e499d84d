package task

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type scriptedBody struct {
	onHandle func(ctx context.Context, t *Task) (interface{}, error)
	cleanups int
}

func (b *scriptedBody) Handle(ctx context.Context, t *Task) (interface{}, error) {
	return b.onHandle(ctx, t)
}

func (b *scriptedBody) CancellationCleanup() { b.cleanups++ }

func newTestTask(body Body, opts ...Option) *Task {
	return New(NewID(), "scripted", "t", body, nil, nil, 20*time.Millisecond, opts...)
}

func TestRunSuccessEmitsExpectedEvents(t *testing.T) {
	body := &scriptedBody{onHandle: func(ctx context.Context, tk *Task) (interface{}, error) {
		tk.SetProgress(50)
		tk.SetProgress(100)
		return "ok", nil
	}}
	tk := newTestTask(body)

	var mu sync.Mutex
	var statuses []Status
	var progresses []int
	finished := make(chan struct{}, 1)

	tk.OnStatusChanged(func(id string, s Status) {
		mu.Lock()
		statuses = append(statuses, s)
		mu.Unlock()
	})
	tk.OnProgressUpdated(func(id string, p int) {
		mu.Lock()
		progresses = append(progresses, p)
		mu.Unlock()
	})
	tk.OnFinished(func(id string, tk *Task, result interface{}, err *Error) {
		finished <- struct{}{}
	})

	result, err := tk.Run(context.Background())
	require.Nil(t, err)
	assert.Equal(t, "ok", result)

	select {
	case <-finished:
	case <-time.After(time.Second):
		t.Fatal("finished event never fired")
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []Status{StatusRunning, StatusCompleted}, statuses)
	assert.Equal(t, []int{50, 100}, progresses)
	assert.Equal(t, StatusCompleted, tk.Status())
	assert.Equal(t, 100, tk.Progress())
}

func TestFailTransitionsToFailed(t *testing.T) {
	body := &scriptedBody{onHandle: func(ctx context.Context, tk *Task) (interface{}, error) {
		tk.Fail("boom", "")
		return nil, nil
	}}
	tk := newTestTask(body)

	_, err := tk.Run(context.Background())
	require.NotNil(t, err)
	assert.Equal(t, "boom", err.Message)
	assert.Equal(t, StatusFailed, tk.Status())
}

func TestCancelFromPendingIsImmediate(t *testing.T) {
	body := &scriptedBody{onHandle: func(ctx context.Context, tk *Task) (interface{}, error) { return nil, nil }}
	tk := newTestTask(body)

	require.NoError(t, tk.Cancel())
	assert.Equal(t, StatusCancelled, tk.Status())
	assert.Equal(t, 1, body.cleanups)
}

func TestCancelDuringRunIsObservedByBody(t *testing.T) {
	started := make(chan struct{})
	body := &scriptedBody{onHandle: func(ctx context.Context, tk *Task) (interface{}, error) {
		close(started)
		for !tk.IsStopped() {
			time.Sleep(5 * time.Millisecond)
		}
		return nil, nil
	}}
	tk := newTestTask(body)

	done := make(chan struct{})
	var result interface{}
	var rerr *Error
	go func() {
		result, rerr = tk.Run(context.Background())
		close(done)
	}()

	<-started
	require.NoError(t, tk.Cancel())

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("run never observed cancellation")
	}

	assert.Nil(t, result)
	require.NotNil(t, rerr)
	assert.Equal(t, StatusCancelled, tk.Status())
}

func TestPauseBlocksBodyUntilResume(t *testing.T) {
	reachedLoop := make(chan struct{})
	pauseApplied := make(chan struct{})
	resumed := make(chan struct{})
	body := &scriptedBody{onHandle: func(ctx context.Context, tk *Task) (interface{}, error) {
		close(reachedLoop)
		<-pauseApplied
		tk.CheckPaused()
		close(resumed)
		return nil, nil
	}}
	tk := newTestTask(body)

	go tk.Run(context.Background())
	<-reachedLoop

	require.NoError(t, tk.Pause())
	assert.Equal(t, StatusPaused, tk.Status())
	close(pauseApplied)

	select {
	case <-resumed:
		t.Fatal("body proceeded while still paused")
	case <-time.After(50 * time.Millisecond):
	}

	require.NoError(t, tk.Resume())
	select {
	case <-resumed:
	case <-time.After(time.Second):
		t.Fatal("resume never unblocked the body")
	}
}

func TestCancelWhilePausedFinalizesExactlyOnce(t *testing.T) {
	reachedLoop := make(chan struct{})
	body := &scriptedBody{onHandle: func(ctx context.Context, tk *Task) (interface{}, error) {
		close(reachedLoop)
		for !tk.IsStopped() {
			tk.CheckPaused()
			time.Sleep(5 * time.Millisecond)
		}
		return nil, nil
	}}
	tk := newTestTask(body)

	var mu sync.Mutex
	var statuses []Status
	finishes := 0
	tk.OnStatusChanged(func(id string, s Status) { mu.Lock(); statuses = append(statuses, s); mu.Unlock() })
	tk.OnFinished(func(id string, tk *Task, result interface{}, err *Error) { mu.Lock(); finishes++; mu.Unlock() })

	done := make(chan struct{})
	go func() {
		tk.Run(context.Background())
		close(done)
	}()
	<-reachedLoop

	require.NoError(t, tk.Pause())
	require.NoError(t, tk.Cancel())

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("run never observed cancellation while paused")
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []Status{StatusRunning, StatusPaused, StatusCancelled}, statuses)
	assert.Equal(t, 1, finishes, "a paused-then-cancelled task finishes exactly once")
	assert.Equal(t, StatusCancelled, tk.Status())
}

func TestUniqueKeyDefaultsToKind(t *testing.T) {
	body := &scriptedBody{onHandle: func(ctx context.Context, tk *Task) (interface{}, error) { return nil, nil }}
	tk := newTestTask(body)
	assert.Equal(t, "scripted", tk.UniqueKey())

	tk2 := newTestTask(body, WithUniqueKey("custom-key"))
	assert.Equal(t, "custom-key", tk2.UniqueKey())
}

func TestSerializeRoundTripsCoreFields(t *testing.T) {
	body := &scriptedBody{onHandle: func(ctx context.Context, tk *Task) (interface{}, error) { return "r", nil }}
	tk := newTestTask(body, WithMaxRetries(2), WithTags("extra"))
	tk.Run(context.Background())

	blob := tk.Serialize()
	assert.Equal(t, tk.ID, blob["id"])
	assert.Equal(t, "Completed", blob["status"])
	assert.Equal(t, 2, blob["maxRetries"])
	assert.Contains(t, blob["tags"], "extra")

	restored := newTestTask(body)
	PopulateCoreFields(restored, blob)
	assert.Equal(t, tk.ID, restored.ID)
	assert.Equal(t, 2, restored.MaxRetries)
	assert.True(t, restored.HasTag("extra"))
}
