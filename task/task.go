// Package task implements the abstract unit of work (C1) and its shared
// chain context (C2): the Task state machine with cooperative
// cancellation and pause, progress and lifecycle events, and
// kind-discriminated serialization.
package task

import (
	"context"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"github.com/zuko-freemind/taskcore/core"
)

// Body is the capability a concrete task kind must provide. Handle is the
// payload; it must periodically call t.IsStopped() and t.CheckPaused() to
// honor cancellation and pause. CancellationCleanup must be idempotent and
// safe to call even if the body never started running.
type Body interface {
	Handle(ctx context.Context, t *Task) (result interface{}, err error)
	CancellationCleanup()
}

// FieldSerializer lets a concrete Body contribute kind-specific fields to
// Task.Serialize's blob.
type FieldSerializer interface {
	SerializeFields() map[string]interface{}
}

// StatusListener, ProgressListener and FinishedListener are the direct
// callback registrations Tracker and Queue use to observe a Task — per this
// module's design, a generic event bus is unnecessary plumbing for a single
// in-process core.
type StatusListener func(id string, status Status)
type ProgressListener func(id string, progress int)
type FinishedListener func(id string, t *Task, result interface{}, err *Error)

// Task is the central entity: a state machine plus a pluggable Body.
type Task struct {
	ID          string
	Kind        string
	Name        string
	Description string

	CreatedAt  time.Time
	StartedAt  time.Time
	FinishedAt time.Time

	IsPersistent         bool
	MaxRetries           int
	RetryDelaySeconds    int
	CurrentRetryAttempts int
	FailSilently         bool
	ChainID              string
	UniqueType           UniqueType
	uniqueKeyOverride    string

	Body Body

	clock             core.Clock
	logger            core.Logger
	pausePollInterval time.Duration

	mu      sync.Mutex
	cond    *sync.Cond
	status  Status
	progress int
	result   interface{}
	err      *Error
	stopped  bool
	paused   bool
	tags     map[string]struct{}

	listenersMu       sync.Mutex
	nextListenerID    int
	statusListeners   map[int]StatusListener
	progressListeners map[int]ProgressListener
	finishedListeners map[int]FinishedListener
}

// Option customizes a Task at construction.
type Option func(*Task)

func WithDescription(d string) Option   { return func(t *Task) { t.Description = d } }
func WithMaxRetries(n int) Option       { return func(t *Task) { t.MaxRetries = n } }
func WithRetryDelaySeconds(s int) Option { return func(t *Task) { t.RetryDelaySeconds = s } }
func WithFailSilently(v bool) Option    { return func(t *Task) { t.FailSilently = v } }
func WithPersistent(v bool) Option      { return func(t *Task) { t.IsPersistent = v } }
func WithChainID(id string) Option      { return func(t *Task) { t.ChainID = id } }
func WithUniqueType(u UniqueType) Option { return func(t *Task) { t.UniqueType = u } }
func WithUniqueKey(k string) Option     { return func(t *Task) { t.uniqueKeyOverride = k } }
func WithTags(tags ...string) Option {
	return func(t *Task) {
		for _, tag := range tags {
			t.tags[tag] = struct{}{}
		}
	}
}

// New constructs a Pending task of the given kind. clock and logger may be
// nil, in which case core.RealClock{} and core.NoOpLogger{} are used.
func New(id, kind, name string, body Body, clock core.Clock, logger core.Logger, pausePollInterval time.Duration, opts ...Option) *Task {
	if clock == nil {
		clock = core.RealClock{}
	}
	if logger == nil {
		logger = core.NoOpLogger{}
	}
	if pausePollInterval <= 0 {
		pausePollInterval = 500 * time.Millisecond
	}
	t := &Task{
		ID:                id,
		Kind:              kind,
		Name:              name,
		Body:              body,
		CreatedAt:         clock.Now(),
		status:            StatusPending,
		MaxRetries:        0,
		RetryDelaySeconds: 1,
		UniqueType:        UniqueNone,
		clock:             clock,
		logger:            logger,
		pausePollInterval: pausePollInterval,
		tags:              map[string]struct{}{kind: {}},
		statusListeners:   make(map[int]StatusListener),
		progressListeners: make(map[int]ProgressListener),
		finishedListeners: make(map[int]FinishedListener),
	}
	t.cond = sync.NewCond(&t.mu)
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Status returns the current lifecycle status.
func (t *Task) Status() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

// Progress returns the current progress value in [0,100].
func (t *Task) Progress() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.progress
}

// Result returns the payload produced by a successful run.
func (t *Task) Result() interface{} {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.result
}

// Err returns the structured error recorded on failure or cancellation.
func (t *Task) Err() *Error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

// Tags returns a sorted snapshot of the task's tag set.
func (t *Task) Tags() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.tagSliceLocked()
}

func (t *Task) tagSliceLocked() []string {
	out := make([]string, 0, len(t.tags))
	for tag := range t.tags {
		out = append(out, tag)
	}
	sort.Strings(out)
	return out
}

// AddTag adds a tag to the task's tag set, e.g. a TaskChain stamping its
// children with ChainedChildTag and a parent tag.
func (t *Task) AddTag(tag string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.tags[tag] = struct{}{}
}

// HasTag reports whether the task carries the given tag.
func (t *Task) HasTag(tag string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.tags[tag]
	return ok
}

// Clock returns the clock this task was constructed with, so composites
// like TaskChain can schedule interruptible sleeps consistently with it.
func (t *Task) Clock() core.Clock { return t.clock }

// Logger returns the logger this task was constructed with.
func (t *Task) Logger() core.Logger { return t.logger }

// PausePollInterval returns the bounded-wait interval used by CheckPaused.
func (t *Task) PausePollInterval() time.Duration { return t.pausePollInterval }

// UniqueKey returns the derived identity used by the Queue's uniqueness
// index: an explicit override if one was supplied, else the task's Kind.
func (t *Task) UniqueKey() string {
	if t.uniqueKeyOverride != "" {
		return t.uniqueKeyOverride
	}
	return t.Kind
}

// IsStopped is the non-blocking poll a Body uses to observe cancellation.
func (t *Task) IsStopped() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stopped
}

// CheckPaused blocks the calling goroutine while the task is paused. It
// rechecks at least every pausePollInterval so cancellation delivered while
// paused is observed promptly instead of waiting indefinitely on the
// condition variable.
func (t *Task) CheckPaused() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for t.paused && !t.stopped {
		t.cond.Wait()
	}
}

// SetProgress clamps v to [0,100] and emits ProgressUpdated if it changed.
func (t *Task) SetProgress(v int) {
	if v < 0 {
		v = 0
	}
	if v > 100 {
		v = 100
	}
	t.mu.Lock()
	if t.progress == v {
		t.mu.Unlock()
		return
	}
	t.progress = v
	t.mu.Unlock()
	t.emitProgress(v)
}

// Fail unwinds the current Run via the fail sentinel, recording err as the
// task's terminal Error. Call this from within Body.Handle.
func (t *Task) Fail(message, kind string) {
	panic(failSignal{err: NewErrorWithKind(message, kind)})
}

// FailPermanently is Fail with the PermanentKind discriminator, which tells
// the Queue to skip retry scheduling regardless of MaxRetries.
func (t *Task) FailPermanently(message string) {
	t.Fail(message, PermanentKind)
}

// Cancel requests cooperative cancellation. If the task is Pending (no
// worker goroutine inside Run yet) it transitions directly to Cancelled and
// CancellationCleanup runs synchronously. For a Running or Paused task the
// body is woken/observes IsStopped and unwinds on its own, after which Run
// performs the single terminal Cancelled transition.
func (t *Task) Cancel() error {
	t.mu.Lock()
	if t.status.IsTerminal() {
		t.mu.Unlock()
		return nil
	}
	immediate := t.status == StatusPending
	t.stopped = true
	t.paused = false
	t.cond.Broadcast()
	var cancelErr *Error
	if immediate {
		t.finishedAtLocked()
		cancelErr = NewErrorWithKind("task cancelled", "cancelled")
		t.err = cancelErr
		t.setStatusLocked(StatusCancelled)
	}
	t.mu.Unlock()

	if immediate {
		t.emitStatus(StatusCancelled)
	}
	if t.Body != nil {
		t.Body.CancellationCleanup()
	}
	if immediate {
		t.emitFinished(nil, cancelErr)
	}
	return nil
}

// Pause transitions a Running task to Paused and starts a background
// broadcaster that wakes CheckPaused waiters every pausePollInterval so
// resume/cancel is always observed within one poll.
func (t *Task) Pause() error {
	t.mu.Lock()
	if t.status != StatusRunning {
		t.mu.Unlock()
		return core.Wrap("task.Pause", t.ID, core.ErrInvalidTaskState)
	}
	t.paused = true
	t.setStatusLocked(StatusPaused)
	t.mu.Unlock()
	t.emitStatus(StatusPaused)
	go t.broadcastWhilePaused()
	return nil
}

// Resume transitions a Paused task back to Running.
func (t *Task) Resume() error {
	t.mu.Lock()
	if t.status != StatusPaused {
		t.mu.Unlock()
		return core.Wrap("task.Resume", t.ID, core.ErrInvalidTaskState)
	}
	t.paused = false
	t.setStatusLocked(StatusRunning)
	t.cond.Broadcast()
	t.mu.Unlock()
	t.emitStatus(StatusRunning)
	return nil
}

func (t *Task) broadcastWhilePaused() {
	ticker := time.NewTicker(t.pausePollInterval)
	defer ticker.Stop()
	for range ticker.C {
		t.mu.Lock()
		stillPaused := t.paused
		t.cond.Broadcast()
		t.mu.Unlock()
		if !stillPaused {
			return
		}
	}
}

// EnterRetrying transitions a Running task to Retrying, used by a TaskChain
// to reflect that it is sleeping between child retry attempts while still
// logically "running" from the Queue's perspective.
func (t *Task) EnterRetrying() error {
	t.mu.Lock()
	if t.status != StatusRunning {
		t.mu.Unlock()
		return core.Wrap("task.EnterRetrying", t.ID, core.ErrInvalidTaskState)
	}
	t.setStatusLocked(StatusRetrying)
	t.mu.Unlock()
	t.emitStatus(StatusRetrying)
	return nil
}

// ExitRetrying transitions a Retrying task back to Running.
func (t *Task) ExitRetrying() error {
	t.mu.Lock()
	if t.status != StatusRetrying {
		t.mu.Unlock()
		return core.Wrap("task.ExitRetrying", t.ID, core.ErrInvalidTaskState)
	}
	t.setStatusLocked(StatusRunning)
	t.mu.Unlock()
	t.emitStatus(StatusRunning)
	return nil
}

// EnterRetryingFromFailed transitions a Failed task to Retrying, marking
// that the Queue has decided to retry it and is about to schedule a delayed
// re-enqueue. The task remains Retrying until ResetForRetry moves it back
// to Pending when the delay expires.
func (t *Task) EnterRetryingFromFailed() error {
	t.mu.Lock()
	if t.status != StatusFailed {
		t.mu.Unlock()
		return core.Wrap("task.EnterRetryingFromFailed", t.ID, core.ErrInvalidTaskState)
	}
	t.setStatusLocked(StatusRetrying)
	t.mu.Unlock()
	t.emitStatus(StatusRetrying)
	return nil
}

// ResetForRetry restores a Failed task to Pending, clearing progress, error
// and the cancellation flag, ready for the Queue or a chain to re-admit it.
func (t *Task) ResetForRetry() {
	t.mu.Lock()
	t.stopped = false
	t.paused = false
	t.err = nil
	t.progress = 0
	t.result = nil
	changed := t.status != StatusPending
	t.setStatusLocked(StatusPending)
	t.mu.Unlock()
	if changed {
		t.emitStatus(StatusPending)
	}
}

// Run executes the task body to completion: Pending -> Running -> one of
// Completed/Failed/Cancelled. It is safe to invoke on any goroutine but must
// only be invoked once per admission (the Queue/chain never calls Run
// concurrently on the same Task).
func (t *Task) Run(ctx context.Context) (interface{}, *Error) {
	t.mu.Lock()
	if t.status != StatusPending {
		t.mu.Unlock()
		return nil, NewErrorWithKind("task is not pending", "invalidState")
	}
	t.StartedAt = t.clock.Now()
	t.setStatusLocked(StatusRunning)
	t.mu.Unlock()
	t.emitStatus(StatusRunning)

	result, failErr := t.invokeBody(ctx)

	t.mu.Lock()
	t.finishedAtLocked()
	stopped := t.stopped
	t.mu.Unlock()

	if stopped {
		t.mu.Lock()
		t.err = NewErrorWithKind("task cancelled", "cancelled")
		t.setStatusLocked(StatusCancelled)
		errCopy := t.err
		t.mu.Unlock()
		t.emitStatus(StatusCancelled)
		t.emitFinished(nil, errCopy)
		return nil, errCopy
	}

	if failErr != nil {
		t.mu.Lock()
		t.err = failErr
		t.setStatusLocked(StatusFailed)
		t.mu.Unlock()
		t.emitStatus(StatusFailed)
		fields := map[string]interface{}{"id": t.ID, "kind": t.Kind, "error": failErr.Error()}
		if t.FailSilently {
			t.logger.Warn("task failed", fields)
		} else {
			t.logger.Error("task failed", fields)
		}
		t.emitFinished(nil, failErr)
		return nil, failErr
	}

	t.mu.Lock()
	progressChanged := t.progress != 100
	t.progress = 100
	t.result = result
	t.setStatusLocked(StatusCompleted)
	t.mu.Unlock()
	if progressChanged {
		t.emitProgress(100)
	}
	t.emitStatus(StatusCompleted)
	t.emitFinished(result, nil)
	return result, nil
}

func (t *Task) invokeBody(ctx context.Context) (result interface{}, failErr *Error) {
	defer func() {
		if r := recover(); r != nil {
			switch sig := r.(type) {
			case cancelSignal:
				failErr = nil
			case failSignal:
				failErr = sig.err
			default:
				failErr = NewErrorWithKind(fmt.Sprintf("panic in task body: %v\n%s", r, debug.Stack()), "panic")
			}
		}
	}()
	if t.Body == nil {
		return nil, nil
	}
	res, err := t.Body.Handle(ctx, t)
	if err != nil {
		return nil, NewError(err.Error())
	}
	return res, nil
}

func (t *Task) finishedAtLocked() {
	t.FinishedAt = t.clock.Now()
}

// setStatusLocked must be called with t.mu held. It only mutates status;
// callers are responsible for calling emitStatus after releasing the lock,
// so that statusChanged/taskFinished are emitted in program order rather
// than racing on separate goroutines.
func (t *Task) setStatusLocked(s Status) {
	t.status = s
}

// Serialize returns the portable blob for this task: core fields plus
// whatever kind-specific fields the Body contributes via FieldSerializer.
func (t *Task) Serialize() map[string]interface{} {
	t.mu.Lock()
	blob := map[string]interface{}{
		"id":                   t.ID,
		"kind":                 t.Kind,
		"name":                 t.Name,
		"description":          t.Description,
		"status":               string(t.status),
		"progress":             t.progress,
		"result":               t.result,
		"createdAt":            t.CreatedAt,
		"startedAt":            t.StartedAt,
		"finishedAt":           t.FinishedAt,
		"isPersistent":         t.IsPersistent,
		"maxRetries":           t.MaxRetries,
		"retryDelaySeconds":    t.RetryDelaySeconds,
		"currentRetryAttempts": t.CurrentRetryAttempts,
		"failSilently":         t.FailSilently,
		"chainId":              t.ChainID,
		"tags":                 t.tagSliceLocked(),
		"uniqueType":           string(t.UniqueType),
	}
	if t.err != nil {
		blob["error"] = map[string]interface{}{"message": t.err.Message, "kind": t.err.Kind}
	}
	t.mu.Unlock()

	if fs, ok := t.Body.(FieldSerializer); ok {
		for k, v := range fs.SerializeFields() {
			blob[k] = v
		}
	}
	return blob
}

// --- event plumbing ---

func (t *Task) OnStatusChanged(fn StatusListener) int {
	t.listenersMu.Lock()
	defer t.listenersMu.Unlock()
	id := t.nextListenerID
	t.nextListenerID++
	t.statusListeners[id] = fn
	return id
}

func (t *Task) OffStatusChanged(id int) {
	t.listenersMu.Lock()
	defer t.listenersMu.Unlock()
	delete(t.statusListeners, id)
}

func (t *Task) OnProgressUpdated(fn ProgressListener) int {
	t.listenersMu.Lock()
	defer t.listenersMu.Unlock()
	id := t.nextListenerID
	t.nextListenerID++
	t.progressListeners[id] = fn
	return id
}

func (t *Task) OffProgressUpdated(id int) {
	t.listenersMu.Lock()
	defer t.listenersMu.Unlock()
	delete(t.progressListeners, id)
}

func (t *Task) OnFinished(fn FinishedListener) int {
	t.listenersMu.Lock()
	defer t.listenersMu.Unlock()
	id := t.nextListenerID
	t.nextListenerID++
	t.finishedListeners[id] = fn
	return id
}

func (t *Task) OffFinished(id int) {
	t.listenersMu.Lock()
	defer t.listenersMu.Unlock()
	delete(t.finishedListeners, id)
}

func (t *Task) emitStatus(s Status) {
	t.listenersMu.Lock()
	fns := make([]StatusListener, 0, len(t.statusListeners))
	for _, fn := range t.statusListeners {
		fns = append(fns, fn)
	}
	t.listenersMu.Unlock()
	for _, fn := range fns {
		fn(t.ID, s)
	}
}

func (t *Task) emitProgress(v int) {
	t.listenersMu.Lock()
	fns := make([]ProgressListener, 0, len(t.progressListeners))
	for _, fn := range t.progressListeners {
		fns = append(fns, fn)
	}
	t.listenersMu.Unlock()
	for _, fn := range fns {
		fn(t.ID, v)
	}
}

func (t *Task) emitFinished(result interface{}, err *Error) {
	t.listenersMu.Lock()
	fns := make([]FinishedListener, 0, len(t.finishedListeners))
	for _, fn := range t.finishedListeners {
		fns = append(fns, fn)
	}
	t.listenersMu.Unlock()
	for _, fn := range fns {
		fn(t.ID, t, result, err)
	}
}
