package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zuko-freemind/taskcore/task"
)

func newTestScheduler(maxConcurrent int) (*Scheduler, *Queue, *task.Registry) {
	bus := NewEventBus()
	tracker := NewTracker(100, bus, nil, nil)
	queue := NewQueue(maxConcurrent, tracker, bus, nil, nil, nil)
	registry := task.NewRegistry()
	scheduler := NewScheduler(queue, registry, nil, bus, nil, nil)
	return scheduler, queue, registry
}

// S6 — a date trigger in the near future fires exactly once.
func TestSchedulerDateTriggerFiresOnce(t *testing.T) {
	scheduler, _, registry := newTestScheduler(1)

	finished := make(chan struct{}, 1)
	registry.Register("datedKind", func(blob map[string]interface{}) (*task.Task, error) {
		tk := newScriptedTask(blob["id"].(string), "datedKind", func(ctx context.Context, tk *task.Task) (interface{}, error) {
			return "fired", nil
		})
		task.PopulateCoreFields(tk, blob)
		tk.OnFinished(func(id string, tk *task.Task, result interface{}, err *task.Error) { finished <- struct{}{} })
		return tk, nil
	})

	src := newScriptedTask("dated1", "datedKind", func(ctx context.Context, tk *task.Task) (interface{}, error) { return "fired", nil })
	jobID, err := scheduler.Schedule(src, Trigger{Type: TriggerDate, RunAt: time.Now().Add(60 * time.Millisecond)})
	require.NoError(t, err)
	require.NotEmpty(t, jobID)

	jobs := scheduler.GetScheduledJobs()
	require.Len(t, jobs, 1)
	assert.Equal(t, jobID, jobs[0].JobID)

	select {
	case <-finished:
	case <-time.After(time.Second):
		t.Fatal("scheduled task never fired")
	}

	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, scheduler.GetScheduledJobs(), "a date job removes itself after firing")
}

func TestSchedulerRejectsPastDate(t *testing.T) {
	scheduler, _, _ := newTestScheduler(1)
	src := newScriptedTask("past1", "kind", func(ctx context.Context, tk *task.Task) (interface{}, error) { return nil, nil })
	_, err := scheduler.Schedule(src, Trigger{Type: TriggerDate, RunAt: time.Now().Add(-time.Minute)})
	assert.Error(t, err)
}

func TestSchedulerUnscheduleBeforeFire(t *testing.T) {
	scheduler, _, registry := newTestScheduler(1)
	registry.Register("neverKind", func(blob map[string]interface{}) (*task.Task, error) {
		return newScriptedTask(blob["id"].(string), "neverKind", func(ctx context.Context, tk *task.Task) (interface{}, error) { return nil, nil }), nil
	})

	src := newScriptedTask("unsched1", "neverKind", func(ctx context.Context, tk *task.Task) (interface{}, error) { return nil, nil })
	jobID, err := scheduler.Schedule(src, Trigger{Type: TriggerDate, RunAt: time.Now().Add(200 * time.Millisecond)})
	require.NoError(t, err)

	require.NoError(t, scheduler.Unschedule(jobID))
	assert.Empty(t, scheduler.GetScheduledJobs())

	err = scheduler.Unschedule(jobID)
	assert.Error(t, err, "unscheduling an already-removed job fails")

	time.Sleep(300 * time.Millisecond)
}

func TestSchedulerIntervalTriggerRearms(t *testing.T) {
	scheduler, _, registry := newTestScheduler(1)

	fires := make(chan struct{}, 10)
	registry.Register("intervalKind", func(blob map[string]interface{}) (*task.Task, error) {
		tk := newScriptedTask(blob["id"].(string), "intervalKind", func(ctx context.Context, tk *task.Task) (interface{}, error) { return nil, nil })
		task.PopulateCoreFields(tk, blob)
		tk.OnFinished(func(id string, tk *task.Task, result interface{}, err *task.Error) {
			select {
			case fires <- struct{}{}:
			default:
			}
		})
		return tk, nil
	})

	src := newScriptedTask("interval1", "intervalKind", func(ctx context.Context, tk *task.Task) (interface{}, error) { return nil, nil })
	jobID, err := scheduler.Schedule(src, Trigger{Type: TriggerInterval, IntervalSeconds: 1})
	require.NoError(t, err)

	jobs := scheduler.GetScheduledJobs()
	require.Len(t, jobs, 1)
	assert.Equal(t, TriggerInterval, jobs[0].Trigger.Type)

	for i := 0; i < 2; i++ {
		select {
		case <-fires:
		case <-time.After(3 * time.Second):
			t.Fatal("interval job did not fire again after rearming")
		}
	}
	require.Len(t, scheduler.GetScheduledJobs(), 1, "an interval job stays scheduled after firing")

	require.NoError(t, scheduler.Unschedule(jobID))
}
