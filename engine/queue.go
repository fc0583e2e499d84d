package engine

import (
	"context"
	"sync"
	"time"

	"github.com/zuko-freemind/taskcore/core"
	"github.com/zuko-freemind/taskcore/store"
	"github.com/zuko-freemind/taskcore/task"
)

const pendingStoreKey = "pendingTasks"

// Queue is the FIFO admission, concurrency-limiting, uniqueness-enforcing,
// retry-scheduling engine (C5). Dispatch bounds the number of concurrently
// running goroutines to MaxConcurrent via counting rather than a
// pre-spawned fixed pool, since pending work lives in an in-process slice
// rather than behind a blocking channel the way the teacher's
// TaskWorkerPool pulls from a Redis-backed queue.
type Queue struct {
	mu            sync.Mutex
	pending       []*task.Task
	running       map[string]*task.Task
	uniquePending map[string]int
	uniqueRunning map[string]int
	maxConcurrent int

	finishedSubs map[string]int

	tracker *Tracker
	bus     *EventBus
	store   store.Store
	clock   core.Clock
	logger  core.Logger

	wg sync.WaitGroup
}

// NewQueue builds a Queue bound to tracker for registration and (optionally)
// st for pending-state persistence.
func NewQueue(maxConcurrent int, tracker *Tracker, bus *EventBus, st store.Store, clock core.Clock, logger core.Logger) *Queue {
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	if clock == nil {
		clock = core.RealClock{}
	}
	if logger == nil {
		logger = core.NoOpLogger{}
	}
	return &Queue{
		running:       make(map[string]*task.Task),
		uniquePending: make(map[string]int),
		uniqueRunning: make(map[string]int),
		finishedSubs:  make(map[string]int),
		maxConcurrent: maxConcurrent,
		tracker:       tracker,
		bus:           bus,
		store:         st,
		clock:         clock,
		logger:        logger,
	}
}

// AddTask admits t per the uniqueness rules in 4.5, registers it with the
// Tracker, and attempts dispatch immediately.
func (q *Queue) AddTask(t *task.Task) error {
	q.mu.Lock()
	key := t.UniqueKey()
	if t.UniqueType != task.UniqueNone {
		conflict := false
		switch t.UniqueType {
		case task.UniqueJob:
			conflict = q.uniquePending[key] > 0 || q.uniqueRunning[key] > 0
		case task.UniqueUntilProcessing:
			conflict = q.uniquePending[key] > 0
		}
		if conflict {
			q.mu.Unlock()
			q.logger.Warn("task rejected by uniqueness index", map[string]interface{}{"kind": t.Kind, "key": key, "uniqueType": string(t.UniqueType)})
			return core.Wrap("queue.AddTask", t.ID, core.ErrUniqueViolation)
		}
		q.uniquePending[key]++
	}
	q.pending = append(q.pending, t)
	q.mu.Unlock()

	if err := q.tracker.AddTask(t); err != nil {
		q.logger.Warn("tracker registration failed", map[string]interface{}{"id": t.ID, "error": err.Error()})
	}
	q.subscribeFinished(t)

	if q.bus != nil {
		q.bus.emitQueueStatusChanged()
	}
	q.processQueue()
	return nil
}

func (q *Queue) subscribeFinished(t *task.Task) {
	q.mu.Lock()
	if _, ok := q.finishedSubs[t.ID]; ok {
		q.mu.Unlock()
		return
	}
	q.mu.Unlock()

	id := t.OnFinished(func(id string, tk *task.Task, result interface{}, err *task.Error) {
		q.onFinished(tk, result, err)
	})
	q.mu.Lock()
	q.finishedSubs[t.ID] = id
	q.mu.Unlock()
}

// processQueue dispatches as many pending tasks as MaxConcurrent allows,
// skipping entries cancelled while they waited.
func (q *Queue) processQueue() {
	for {
		q.mu.Lock()
		if len(q.running) >= q.maxConcurrent || len(q.pending) == 0 {
			q.mu.Unlock()
			return
		}
		head := q.pending[0]
		q.pending = q.pending[1:]

		if head.IsStopped() {
			q.decrementPendingUniqueLocked(head)
			q.mu.Unlock()
			q.tracker.RemoveTask(head.ID)
			continue
		}

		if head.UniqueType != task.UniqueNone {
			key := head.UniqueKey()
			q.uniquePending[key]--
			if q.uniquePending[key] <= 0 {
				delete(q.uniquePending, key)
			}
			q.uniqueRunning[key]++
		}
		q.running[head.ID] = head
		q.mu.Unlock()

		q.wg.Add(1)
		go func(t *task.Task) {
			defer q.wg.Done()
			t.Run(context.Background())
		}(head)
	}
}

func (q *Queue) decrementPendingUniqueLocked(t *task.Task) {
	if t.UniqueType == task.UniqueNone {
		return
	}
	key := t.UniqueKey()
	q.uniquePending[key]--
	if q.uniquePending[key] <= 0 {
		delete(q.uniquePending, key)
	}
}

// onFinished implements the completion handling in 4.5: unregister from
// running, apply retry policy on Failed, otherwise drop from the Tracker.
func (q *Queue) onFinished(t *task.Task, result interface{}, err *task.Error) {
	q.mu.Lock()
	delete(q.running, t.ID)
	if t.UniqueType != task.UniqueNone {
		key := t.UniqueKey()
		q.uniqueRunning[key]--
		if q.uniqueRunning[key] <= 0 {
			delete(q.uniqueRunning, key)
		}
	}
	q.mu.Unlock()

	// Tracker.onTaskFinished is subscribed once per tracked task and already
	// appends a failure snapshot to the bounded history on every Failed
	// finish, retry or terminal alike; Queue only decides whether to
	// reschedule, it never logs history itself.
	status := t.Status()
	if status == task.StatusFailed && !t.IsStopped() && !err.IsPermanent() && t.CurrentRetryAttempts < t.MaxRetries {
		t.CurrentRetryAttempts++
		t.EnterRetryingFromFailed()
		q.scheduleRetry(t)
		q.saveState()
		q.processQueue()
		return
	}

	q.unsubscribeFinished(t.ID)
	q.tracker.RemoveTask(t.ID)
	q.saveState()
	if q.bus != nil {
		q.bus.emitQueueStatusChanged()
	}
	q.processQueue()
}

func (q *Queue) unsubscribeFinished(id string) {
	q.mu.Lock()
	subID, ok := q.finishedSubs[id]
	delete(q.finishedSubs, id)
	q.mu.Unlock()
	if ok {
		if t, found := q.tracker.GetTask(id); found {
			t.OffFinished(subID)
		}
	}
}

// scheduleRetry re-enqueues t after RetryDelaySeconds without blocking the
// Queue: the delay is driven by time.AfterFunc, never by a sleeping
// goroutine holding the Queue's lock.
func (q *Queue) scheduleRetry(t *task.Task) {
	delay := time.Duration(t.RetryDelaySeconds) * time.Second
	time.AfterFunc(delay, func() {
		if t.IsStopped() {
			q.unsubscribeFinished(t.ID)
			q.tracker.RemoveTask(t.ID)
			return
		}
		t.ResetForRetry()
		q.mu.Lock()
		if t.UniqueType != task.UniqueNone {
			q.uniquePending[t.UniqueKey()]++
		}
		q.pending = append(q.pending, t)
		q.mu.Unlock()
		if q.bus != nil {
			q.bus.emitQueueStatusChanged()
		}
		q.processQueue()
	})
}

// SetMaxConcurrent resizes the concurrency cap. Currently running tasks are
// never interrupted; the effective rate only changes once they drain.
func (q *Queue) SetMaxConcurrent(n int) error {
	if n <= 0 {
		return core.Wrap("queue.SetMaxConcurrent", "", core.ErrInvalidTaskState)
	}
	q.mu.Lock()
	q.maxConcurrent = n
	q.mu.Unlock()
	q.processQueue()
	return nil
}

// QueueStatus is a snapshot of admission/concurrency state.
type QueueStatus struct {
	Pending       int
	Running       int
	MaxConcurrent int
}

func (q *Queue) Status() QueueStatus {
	q.mu.Lock()
	defer q.mu.Unlock()
	return QueueStatus{Pending: len(q.pending), Running: len(q.running), MaxConcurrent: q.maxConcurrent}
}

// SaveState persists every persistent pending task.
func (q *Queue) saveState() {
	if q.store == nil {
		return
	}
	q.mu.Lock()
	blobs := make([]interface{}, 0, len(q.pending))
	for _, t := range q.pending {
		if t.IsPersistent {
			blobs = append(blobs, t.Serialize())
		}
	}
	q.mu.Unlock()
	if err := q.store.Save(pendingStoreKey, blobs); err != nil {
		q.logger.Error("queue: failed to save pending state", map[string]interface{}{"error": err.Error()})
	}
}

// SaveState is the exported trigger Manager uses on shutdown/explicit save.
func (q *Queue) SaveState() { q.saveState() }

// LoadState restores persisted pending tasks via registry and re-admits
// each through AddTask. Blobs missing a kind discriminator or that fail to
// deserialize are skipped and logged, per 4.5's loadState contract.
func (q *Queue) LoadState(registry *task.Registry) {
	if q.store == nil {
		return
	}
	raw := q.store.Load(pendingStoreKey, []interface{}{})
	blobs, ok := raw.([]interface{})
	if !ok {
		return
	}
	for _, rb := range blobs {
		blob, ok := rb.(map[string]interface{})
		if !ok {
			q.logger.Warn("queue: skipping pending blob without object shape", nil)
			continue
		}
		t, err := registry.Deserialize(blob)
		if err != nil {
			q.logger.Warn("queue: skipping undeserializable pending task", map[string]interface{}{"error": err.Error()})
			continue
		}
		q.AddTask(t)
	}
}

// Wait blocks until every currently-running task has finished, or ctx is
// done, whichever comes first.
func (q *Queue) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
