package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zuko-freemind/taskcore/chain"
	"github.com/zuko-freemind/taskcore/core"
	"github.com/zuko-freemind/taskcore/task"
)

func newTestManager(maxConcurrent int) *Manager {
	bus := NewEventBus()
	tracker := NewTracker(100, bus, nil, nil)
	queue := NewQueue(maxConcurrent, tracker, bus, nil, nil, nil)
	registry := task.NewRegistry()
	scheduler := NewScheduler(queue, registry, nil, bus, nil, nil)
	return NewManager(tracker, queue, scheduler, nil, registry, bus, nil, nil, 20*time.Millisecond)
}

func TestManagerAddTaskRoutesToQueue(t *testing.T) {
	m := newTestManager(1)
	finished := make(chan struct{}, 1)
	tk := newScriptedTask("m1", "kind", func(ctx context.Context, tk *task.Task) (interface{}, error) { return "ok", nil })
	tk.OnFinished(func(id string, tk *task.Task, result interface{}, err *task.Error) { finished <- struct{}{} })

	_, err := m.AddTask(tk, nil)
	require.NoError(t, err)

	select {
	case <-finished:
	case <-time.After(time.Second):
		t.Fatal("task never finished")
	}
	assert.Equal(t, task.StatusCompleted, tk.Status())
}

func TestManagerAddTaskRoutesToScheduler(t *testing.T) {
	m := newTestManager(1)
	tk := newScriptedTask("m2", "kind", func(ctx context.Context, tk *task.Task) (interface{}, error) { return "ok", nil })

	jobID, err := m.AddTask(tk, &ScheduleInfo{Trigger: Trigger{Type: TriggerDate, RunAt: time.Now().Add(time.Hour)}})
	require.NoError(t, err)
	require.NotEmpty(t, jobID)

	jobs := m.GetScheduledJobs()
	require.Len(t, jobs, 1)
	assert.Equal(t, jobID, jobs[0].JobID)

	require.NoError(t, m.UnscheduleJob(jobID))
}

func TestManagerCancelPauseResumeRoundTrip(t *testing.T) {
	m := newTestManager(1)
	release := make(chan struct{})
	started := make(chan struct{})
	tk := newScriptedTask("m3", "kind", func(ctx context.Context, tk *task.Task) (interface{}, error) {
		close(started)
		tk.CheckPaused()
		<-release
		return "ok", nil
	})

	_, err := m.AddTask(tk, nil)
	require.NoError(t, err)
	<-started

	require.NoError(t, m.PauseTask("m3"))
	assert.Equal(t, task.StatusPaused, tk.Status())

	require.NoError(t, m.ResumeTask("m3"))
	assert.Equal(t, task.StatusRunning, tk.Status())

	close(release)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, task.StatusCompleted, tk.Status())
}

func TestManagerOperationsOnUnknownTaskReturnNotFound(t *testing.T) {
	m := newTestManager(1)
	assert.ErrorIs(t, m.CancelTask("ghost"), core.ErrTaskNotFound)
	assert.ErrorIs(t, m.PauseTask("ghost"), core.ErrTaskNotFound)
	assert.ErrorIs(t, m.ResumeTask("ghost"), core.ErrTaskNotFound)
}

func TestManagerPauseFromWrongStateIsInvalid(t *testing.T) {
	m := newTestManager(1)
	tk := newScriptedTask("m4", "kind", func(ctx context.Context, tk *task.Task) (interface{}, error) { return nil, nil })
	require.NoError(t, tk.Cancel())
	require.NoError(t, m.tracker.AddTask(tk))

	err := m.PauseTask("m4")
	assert.ErrorIs(t, err, core.ErrInvalidTaskState)
}

func TestManagerAddChainTaskBuildsAndRoutesChain(t *testing.T) {
	m := newTestManager(1)

	var order []string
	step1 := newScriptedTask("step1", "stepKind", func(ctx context.Context, tk *task.Task) (interface{}, error) {
		order = append(order, "step1")
		return nil, nil
	})
	step2 := newScriptedTask("step2", "stepKind", func(ctx context.Context, tk *task.Task) (interface{}, error) {
		order = append(order, "step2")
		return nil, nil
	})

	finished := make(chan struct{}, 1)
	m.Events().OnTaskFinished(func(id string, tk *task.Task, result interface{}, err *task.Error) {
		if tk.Kind == chain.Kind {
			select {
			case finished <- struct{}{}:
			default:
			}
		}
	})

	specs := []ChainTaskSpec{{Task: step1, OnFailed: chain.StopChain}, {Task: step2, OnFailed: chain.StopChain}}
	id, err := m.AddChainTask("myChain", "desc", specs, 0, nil)
	require.NoError(t, err)
	assert.Empty(t, id, "direct (non-scheduled) admission returns no job id")

	select {
	case <-finished:
	case <-time.After(time.Second):
		t.Fatal("chain never finished")
	}
	assert.Equal(t, []string{"step1", "step2"}, order)
}

func TestManagerStopTasksByTagExcludesChainChildrenByDefault(t *testing.T) {
	m := newTestManager(2)

	release := make(chan struct{})
	tagged := newScriptedTask("solo1", "kind", func(ctx context.Context, tk *task.Task) (interface{}, error) {
		<-release
		return nil, nil
	}, task.WithTags("batchA"))
	require.NoError(t, m.tracker.AddTask(tagged))

	child := newScriptedTask("child2", "childKind", func(ctx context.Context, tk *task.Task) (interface{}, error) {
		<-release
		return nil, nil
	}, task.WithTags("batchA"))
	chainTask := chain.New("chain2", "c", "", []*task.Task{child}, nil, 0, nil, nil, 20*time.Millisecond)
	require.NoError(t, m.tracker.AddTask(chainTask))

	errs := m.StopTasksByTag("batchA", false)
	assert.Empty(t, errs)
	assert.Equal(t, task.StatusCancelled, tagged.Status())
	assert.Equal(t, task.StatusPending, child.Status(), "chain children are excluded from bulk cancel by default")
	assert.Equal(t, task.StatusPending, chainTask.Status(), "the untagged chain itself is untouched")

	close(release)
}

func TestManagerGetQueueStatusAndSetMaxConcurrent(t *testing.T) {
	m := newTestManager(1)
	status := m.GetQueueStatus()
	assert.Equal(t, 1, status.MaxConcurrent)

	require.NoError(t, m.SetMaxConcurrentTasks(3))
	assert.Equal(t, 3, m.GetQueueStatus().MaxConcurrent)

	assert.Error(t, m.SetMaxConcurrentTasks(0))
}

func TestManagerShutdownWaitsForRunningTasks(t *testing.T) {
	m := newTestManager(1)
	release := make(chan struct{})
	tk := newScriptedTask("sd1", "kind", func(ctx context.Context, tk *task.Task) (interface{}, error) {
		<-release
		return nil, nil
	})
	_, err := m.AddTask(tk, nil)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- m.Shutdown(context.Background()) }()

	time.Sleep(50 * time.Millisecond)
	select {
	case <-done:
		t.Fatal("shutdown returned before the running task finished")
	default:
	}

	close(release)
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("shutdown never returned")
	}
}
