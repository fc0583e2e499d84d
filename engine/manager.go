package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/zuko-freemind/taskcore/chain"
	"github.com/zuko-freemind/taskcore/core"
	"github.com/zuko-freemind/taskcore/store"
	"github.com/zuko-freemind/taskcore/task"
)

// ScheduleInfo carries the optional scheduling trigger a caller supplies to
// Manager.AddTask/AddChainTask. A nil ScheduleInfo means "admit to the Queue
// now"; a non-nil one routes through the Scheduler instead.
type ScheduleInfo struct {
	Trigger Trigger
}

// Manager is the thin facade (C7) aggregating Tracker, Queue, Scheduler and
// Store: the single construction point and public surface a host
// application wires against, grounded on the teacher's TaskAPIHandler shape
// (construct-with-dependencies, no business logic of its own beyond
// routing and lifecycle).
type Manager struct {
	tracker   *Tracker
	queue     *Queue
	scheduler *Scheduler
	store     store.Store
	registry  *task.Registry
	bus       *EventBus
	clock     core.Clock
	logger    core.Logger

	pausePollInterval time.Duration
}

// NewManager wires the four subsystems behind one facade. All of tracker,
// queue, scheduler, st, registry must already share the same EventBus/clock
// if the caller wants consistent event ordering and testable time.
func NewManager(tracker *Tracker, queue *Queue, scheduler *Scheduler, st store.Store, registry *task.Registry, bus *EventBus, clock core.Clock, logger core.Logger, pausePollInterval time.Duration) *Manager {
	if clock == nil {
		clock = core.RealClock{}
	}
	if logger == nil {
		logger = core.NoOpLogger{}
	}
	if pausePollInterval <= 0 {
		pausePollInterval = 500 * time.Millisecond
	}
	return &Manager{
		tracker:           tracker,
		queue:             queue,
		scheduler:         scheduler,
		store:             st,
		registry:          registry,
		bus:               bus,
		clock:             clock,
		logger:            logger,
		pausePollInterval: pausePollInterval,
	}
}

// Events returns the shared EventBus: the single subscription point for
// every re-emitted subsystem event (taskAdded, taskRemoved,
// taskStatusUpdated, taskProgressUpdated, taskFinished, failedTaskLogged,
// queueStatusChanged, jobScheduled, jobUnscheduled, systemReady).
func (m *Manager) Events() *EventBus { return m.bus }

// AddTask admits t either directly to the Queue or, if info is non-nil, via
// the Scheduler.
func (m *Manager) AddTask(t *task.Task, info *ScheduleInfo) (string, error) {
	if info != nil {
		return m.scheduler.Schedule(t, info.Trigger)
	}
	if err := m.queue.AddTask(t); err != nil {
		return "", err
	}
	return "", nil
}

// ChainTaskSpec is one child task plus the retry behavior the chain applies
// if it ultimately fails.
type ChainTaskSpec struct {
	Task     *task.Task
	OnFailed chain.RetryBehavior
}

// AddChainTask builds a TaskChain from specs and routes it like AddTask.
func (m *Manager) AddChainTask(name, description string, specs []ChainTaskSpec, maxChainRetries int, info *ScheduleInfo, opts ...task.Option) (string, error) {
	children := make([]*task.Task, 0, len(specs))
	behaviorMap := make(map[string]chain.RetryBehavior, len(specs))
	for _, spec := range specs {
		children = append(children, spec.Task)
		if spec.OnFailed != "" {
			behaviorMap[spec.Task.Kind] = spec.OnFailed
		}
	}
	id := task.NewID()
	chainTask := chain.New(id, name, description, children, behaviorMap, maxChainRetries, m.clock, m.logger, m.pausePollInterval, opts...)
	return m.AddTask(chainTask, info)
}

// CancelTask looks t up via the Tracker and cancels it.
func (m *Manager) CancelTask(id string) error {
	t, ok := m.tracker.GetTask(id)
	if !ok {
		return core.Wrap("manager.CancelTask", id, core.ErrTaskNotFound)
	}
	return t.Cancel()
}

// PauseTask looks t up and pauses it; fails with InvalidTaskState unless t
// is Running.
func (m *Manager) PauseTask(id string) error {
	t, ok := m.tracker.GetTask(id)
	if !ok {
		return core.Wrap("manager.PauseTask", id, core.ErrTaskNotFound)
	}
	return t.Pause()
}

// ResumeTask looks t up and resumes it; fails with InvalidTaskState unless
// t is Paused.
func (m *Manager) ResumeTask(id string) error {
	t, ok := m.tracker.GetTask(id)
	if !ok {
		return core.Wrap("manager.ResumeTask", id, core.ErrTaskNotFound)
	}
	return t.Resume()
}

// StopTasksByTag cancels every task carrying tag. By default chain children
// (tagged task.ChainedChildTag) are excluded so chain-level control remains
// the single source of truth over child lifecycle; includeChainedChildren
// opts in explicitly.
func (m *Manager) StopTasksByTag(tag string, includeChainedChildren bool) []error {
	return m.bulkByTag(tag, includeChainedChildren, func(t *task.Task) error { return t.Cancel() })
}

// PauseTasksByTag pauses every task carrying tag, same chain-child exclusion
// rule as StopTasksByTag.
func (m *Manager) PauseTasksByTag(tag string, includeChainedChildren bool) []error {
	return m.bulkByTag(tag, includeChainedChildren, func(t *task.Task) error { return t.Pause() })
}

func (m *Manager) bulkByTag(tag string, includeChainedChildren bool, fn func(*task.Task) error) []error {
	var errs []error
	for _, t := range m.tracker.GetTasksByTag(tag) {
		if !includeChainedChildren && t.HasTag(task.ChainedChildTag) {
			continue
		}
		if err := fn(t); err != nil {
			errs = append(errs, fmt.Errorf("task %s: %w", t.ID, err))
		}
	}
	return errs
}

// GetAllTasks returns every actively tracked task.
func (m *Manager) GetAllTasks() []*task.Task { return m.tracker.GetAllTasks() }

// GetFailedTasks returns the bounded failure history.
func (m *Manager) GetFailedTasks() []map[string]interface{} { return m.tracker.GetFailedTaskHistory() }

// GetCompletedTasks returns the bounded completion history.
func (m *Manager) GetCompletedTasks() []map[string]interface{} {
	return m.tracker.GetCompletedTaskHistory()
}

// GetTaskInfo returns a serialized, chain-metadata-augmented view of id.
func (m *Manager) GetTaskInfo(id string) (map[string]interface{}, error) {
	return m.tracker.GetTaskInfo(id)
}

// GetTasksByTag returns the live tasks carrying tag.
func (m *Manager) GetTasksByTag(tag string) []*task.Task { return m.tracker.GetTasksByTag(tag) }

// HasTasksWithTag reports whether any tracked task carries tag.
func (m *Manager) HasTasksWithTag(tag string) bool { return m.tracker.HasTasksWithTag(tag) }

// GetQueueStatus snapshots pending/running/maxConcurrent.
func (m *Manager) GetQueueStatus() QueueStatus { return m.queue.Status() }

// GetScheduledJobs returns a timer-free snapshot of every scheduled job.
func (m *Manager) GetScheduledJobs() []JobInfo { return m.scheduler.GetScheduledJobs() }

// UnscheduleJob cancels a pending scheduled job before it fires.
func (m *Manager) UnscheduleJob(jobID string) error { return m.scheduler.Unschedule(jobID) }

// SetMaxConcurrentTasks resizes the Queue's concurrency cap.
func (m *Manager) SetMaxConcurrentTasks(n int) error { return m.queue.SetMaxConcurrent(n) }

// LoadState restores task history, pending tasks, and scheduled jobs from
// the Store, then announces systemReady once everything has been
// re-admitted/rearmed.
func (m *Manager) LoadState() {
	m.tracker.LoadHistory()
	m.queue.LoadState(m.registry)
	m.scheduler.LoadJobs()
	if m.bus != nil {
		m.bus.emitSystemReady()
	}
}

// SaveState persists pending tasks, scheduled jobs, and task history.
func (m *Manager) SaveState() {
	m.queue.SaveState()
	m.scheduler.SaveJobs()
	m.tracker.SaveHistory()
}

// Shutdown stops scheduler timers and waits (bounded by ctx) for running
// tasks to drain, saving final state before returning.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.scheduler.Shutdown()
	err := m.queue.Wait(ctx)
	m.SaveState()
	return err
}
