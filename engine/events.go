// Package engine implements the Tracker (C4), Queue (C5), Scheduler (C6),
// and Manager (C7) facade that together drive task admission, dispatch,
// retry, scheduling, and persistence.
package engine

import (
	"sync"

	"github.com/zuko-freemind/taskcore/task"
)

// EventBus is the single subscription point the Manager re-emits subsystem
// events through. Direct callback registration is enough for an in-process
// core; a broader publish/subscribe bus belongs to the surrounding
// application, not here.
type EventBus struct {
	mu sync.Mutex

	onTaskAdded           []func(id string)
	onTaskRemoved         []func(id string)
	onTaskStatusUpdated   []func(id string, status task.Status)
	onTaskProgressUpdated []func(id string, progress int)
	onTaskFinished        []func(id string, t *task.Task, result interface{}, err *task.Error)
	onFailedTaskLogged    []func(snapshot map[string]interface{})
	onQueueStatusChanged  []func()
	onJobScheduled        []func(jobID, taskID string)
	onJobUnscheduled      []func(jobID string)
	onSystemReady         []func()
}

// NewEventBus returns an empty bus.
func NewEventBus() *EventBus { return &EventBus{} }

func (b *EventBus) OnTaskAdded(fn func(id string)) { b.mu.Lock(); b.onTaskAdded = append(b.onTaskAdded, fn); b.mu.Unlock() }
func (b *EventBus) OnTaskRemoved(fn func(id string)) {
	b.mu.Lock()
	b.onTaskRemoved = append(b.onTaskRemoved, fn)
	b.mu.Unlock()
}
func (b *EventBus) OnTaskStatusUpdated(fn func(id string, status task.Status)) {
	b.mu.Lock()
	b.onTaskStatusUpdated = append(b.onTaskStatusUpdated, fn)
	b.mu.Unlock()
}
func (b *EventBus) OnTaskProgressUpdated(fn func(id string, progress int)) {
	b.mu.Lock()
	b.onTaskProgressUpdated = append(b.onTaskProgressUpdated, fn)
	b.mu.Unlock()
}
func (b *EventBus) OnTaskFinished(fn func(id string, t *task.Task, result interface{}, err *task.Error)) {
	b.mu.Lock()
	b.onTaskFinished = append(b.onTaskFinished, fn)
	b.mu.Unlock()
}
func (b *EventBus) OnFailedTaskLogged(fn func(snapshot map[string]interface{})) {
	b.mu.Lock()
	b.onFailedTaskLogged = append(b.onFailedTaskLogged, fn)
	b.mu.Unlock()
}
func (b *EventBus) OnQueueStatusChanged(fn func()) {
	b.mu.Lock()
	b.onQueueStatusChanged = append(b.onQueueStatusChanged, fn)
	b.mu.Unlock()
}
func (b *EventBus) OnJobScheduled(fn func(jobID, taskID string)) {
	b.mu.Lock()
	b.onJobScheduled = append(b.onJobScheduled, fn)
	b.mu.Unlock()
}
func (b *EventBus) OnJobUnscheduled(fn func(jobID string)) {
	b.mu.Lock()
	b.onJobUnscheduled = append(b.onJobUnscheduled, fn)
	b.mu.Unlock()
}
func (b *EventBus) OnSystemReady(fn func()) { b.mu.Lock(); b.onSystemReady = append(b.onSystemReady, fn); b.mu.Unlock() }

func (b *EventBus) emitTaskAdded(id string) {
	for _, fn := range b.snapshot().onTaskAdded {
		fn(id)
	}
}
func (b *EventBus) emitTaskRemoved(id string) {
	for _, fn := range b.snapshot().onTaskRemoved {
		fn(id)
	}
}
func (b *EventBus) emitTaskStatusUpdated(id string, s task.Status) {
	for _, fn := range b.snapshot().onTaskStatusUpdated {
		fn(id, s)
	}
}
func (b *EventBus) emitTaskProgressUpdated(id string, p int) {
	for _, fn := range b.snapshot().onTaskProgressUpdated {
		fn(id, p)
	}
}
func (b *EventBus) emitTaskFinished(id string, t *task.Task, result interface{}, err *task.Error) {
	for _, fn := range b.snapshot().onTaskFinished {
		fn(id, t, result, err)
	}
}
func (b *EventBus) emitFailedTaskLogged(snapshot map[string]interface{}) {
	for _, fn := range b.snapshot().onFailedTaskLogged {
		fn(snapshot)
	}
}
func (b *EventBus) emitQueueStatusChanged() {
	for _, fn := range b.snapshot().onQueueStatusChanged {
		fn()
	}
}
func (b *EventBus) emitJobScheduled(jobID, taskID string) {
	for _, fn := range b.snapshot().onJobScheduled {
		fn(jobID, taskID)
	}
}
func (b *EventBus) emitJobUnscheduled(jobID string) {
	for _, fn := range b.snapshot().onJobUnscheduled {
		fn(jobID)
	}
}
func (b *EventBus) emitSystemReady() {
	for _, fn := range b.snapshot().onSystemReady {
		fn()
	}
}

// snapshot copies the listener slices under lock so emission never holds
// the bus mutex while invoking callbacks.
type busSnapshot struct {
	onTaskAdded           []func(id string)
	onTaskRemoved         []func(id string)
	onTaskStatusUpdated   []func(id string, status task.Status)
	onTaskProgressUpdated []func(id string, progress int)
	onTaskFinished        []func(id string, t *task.Task, result interface{}, err *task.Error)
	onFailedTaskLogged    []func(snapshot map[string]interface{})
	onQueueStatusChanged  []func()
	onJobScheduled        []func(jobID, taskID string)
	onJobUnscheduled      []func(jobID string)
	onSystemReady         []func()
}

func (b *EventBus) snapshot() busSnapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return busSnapshot{
		onTaskAdded:           append([]func(id string){}, b.onTaskAdded...),
		onTaskRemoved:         append([]func(id string){}, b.onTaskRemoved...),
		onTaskStatusUpdated:   append([]func(id string, status task.Status){}, b.onTaskStatusUpdated...),
		onTaskProgressUpdated: append([]func(id string, progress int){}, b.onTaskProgressUpdated...),
		onTaskFinished:        append([]func(id string, t *task.Task, result interface{}, err *task.Error){}, b.onTaskFinished...),
		onFailedTaskLogged:    append([]func(snapshot map[string]interface{}){}, b.onFailedTaskLogged...),
		onQueueStatusChanged:  append([]func(){}, b.onQueueStatusChanged...),
		onJobScheduled:        append([]func(jobID, taskID string){}, b.onJobScheduled...),
		onJobUnscheduled:      append([]func(jobID string){}, b.onJobUnscheduled...),
		onSystemReady:         append([]func(){}, b.onSystemReady...),
	}
}
