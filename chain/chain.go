// Package chain implements TaskChain (C3): a composite Task that runs a
// fixed ordered list of child tasks sequentially, sharing a ChainContext
// and applying a per-child-kind retry-behavior policy.
package chain

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/zuko-freemind/taskcore/core"
	"github.com/zuko-freemind/taskcore/task"
)

// RetryBehavior names what the chain does when a child ultimately fails
// after exhausting its own per-task retries.
type RetryBehavior string

const (
	StopChain  RetryBehavior = "StopChain"
	SkipTask   RetryBehavior = "SkipTask"
	RetryTask  RetryBehavior = "RetryTask"
	RetryChain RetryBehavior = "RetryChain"
)

// ContextAware lets a concrete child Body receive the owning chain's shared
// ChainContext before it runs. Bodies that don't need shared state simply
// don't implement it.
type ContextAware interface {
	SetChainContext(ctx *task.ChainContext)
}

// ChildState is the checkpointed outcome of a child's most recent attempt.
type ChildState struct {
	Status task.Status
	Result interface{}
	Error  *task.Error
}

// Kind is the discriminator TaskChain registers itself under.
const Kind = "TaskChain"

// Chain is the Body implementation backing a chain Task.
type Chain struct {
	mu                 sync.Mutex
	owner              *task.Task
	children           []*task.Task
	retryBehaviorMap   map[string]RetryBehavior
	maxChainRetries    int
	chainRetryAttempts int
	currentIndex       int
	taskStates         map[string]ChildState
	chainContext       *task.ChainContext
	externalProgress   bool
}

// New builds a TaskChain task wrapping the given children in order. Each
// child is stamped with the chain's id as ChainID and tagged
// task.ChainedChildTag / task.ParentTagPrefix+id, matching the source's
// ownership-marking convention. retryBehaviorMap is keyed by child Kind;
// a kind absent from the map defaults to StopChain.
func New(
	id, name, description string,
	children []*task.Task,
	retryBehaviorMap map[string]RetryBehavior,
	maxChainRetries int,
	clock core.Clock,
	logger core.Logger,
	pausePollInterval time.Duration,
	opts ...task.Option,
) *task.Task {
	if retryBehaviorMap == nil {
		retryBehaviorMap = make(map[string]RetryBehavior)
	}
	c := &Chain{
		children:         children,
		retryBehaviorMap: retryBehaviorMap,
		maxChainRetries:  maxChainRetries,
		taskStates:       make(map[string]ChildState),
		chainContext:     task.NewChainContext(id),
	}
	allOpts := append([]task.Option{task.WithDescription(description)}, opts...)
	owner := task.New(id, Kind, name, c, clock, logger, pausePollInterval, allOpts...)
	c.owner = owner

	for _, child := range children {
		child.ChainID = id
		child.AddTag(task.ChainedChildTag)
		child.AddTag(task.ParentTagPrefix + id)
	}
	return owner
}

// Context returns the chain's shared ChainContext, e.g. so a caller can
// seed it before the chain runs.
func (c *Chain) Context() *task.ChainContext { return c.chainContext }

// Children returns the ordered child list.
func (c *Chain) Children() []*task.Task {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*task.Task, len(c.children))
	copy(out, c.children)
	return out
}

// OnExternalProgress lets a subscriber push progress for this chain
// directly, latching externalProgress so Handle skips its default
// currentIndex/n calculation for the remainder of the current step.
func (c *Chain) OnExternalProgress(chainID string, progress int) {
	if chainID != c.owner.ID {
		return
	}
	c.mu.Lock()
	c.externalProgress = true
	c.mu.Unlock()
	c.owner.SetProgress(progress)
}

func (c *Chain) clearExternalLatch() {
	c.mu.Lock()
	c.externalProgress = false
	c.mu.Unlock()
}

// Handle runs the child list sequentially per spec: finalize once the
// index reaches the end, bail out on cancellation, execute the current
// child with its own retry loop, apply the chain's retry-behavior policy on
// failure, update progress, and advance.
func (c *Chain) Handle(ctx context.Context, owner *task.Task) (interface{}, error) {
	for {
		c.mu.Lock()
		idx := c.currentIndex
		n := len(c.children)
		c.mu.Unlock()

		if idx >= n {
			return c.chainContext.Serialize()["data"], nil
		}
		owner.CheckPaused()
		if owner.IsStopped() {
			return nil, nil
		}

		c.clearExternalLatch()
		child := c.children[idx]
		if aware, ok := child.Body.(ContextAware); ok {
			aware.SetChainContext(c.chainContext)
		}

		ok := c.executeChildWithRetry(ctx, owner, child)

		if owner.IsStopped() || child.Status() == task.StatusCancelled {
			// A child cancelled directly (not via the chain) drags the
			// whole chain down with it.
			if !owner.IsStopped() {
				owner.Cancel()
			}
			return nil, nil
		}

		if !ok {
			behavior := c.retryBehaviorMap[child.Kind]
			if behavior == "" {
				behavior = StopChain
			}
			switch behavior {
			case SkipTask:
				c.advance(owner)
				continue
			case RetryChain:
				c.mu.Lock()
				if c.chainRetryAttempts < c.maxChainRetries {
					c.chainRetryAttempts++
					c.currentIndex = 0
					for _, child := range c.children {
						child.ResetForRetry()
					}
					c.mu.Unlock()
					continue
				}
				c.mu.Unlock()
				owner.Fail(fmt.Sprintf("chain stopped: child %s exhausted chain retries", child.Kind), "")
				return nil, nil
			default: // StopChain, RetryTask (synonym for StopChain post-task-retry)
				owner.Fail(fmt.Sprintf("chain stopped: child %s failed", child.Kind), "")
				return nil, nil
			}
		}

		c.advance(owner)
	}
}

// advance updates progress (unless externally latched) and moves to the
// next child.
func (c *Chain) advance(owner *task.Task) {
	c.mu.Lock()
	ext := c.externalProgress
	c.currentIndex++
	idx := c.currentIndex
	n := len(c.children)
	c.mu.Unlock()

	if !ext && n > 0 {
		pct := int(float64(idx) / float64(n) * 100)
		owner.SetProgress(pct)
	}
}

// executeChildWithRetry runs child up to child.MaxRetries+1 times, sleeping
// child.RetryDelaySeconds between attempts (interruptibly), per 4.3.1.
func (c *Chain) executeChildWithRetry(ctx context.Context, owner *task.Task, child *task.Task) bool {
	for attempt := 0; attempt <= child.MaxRetries; attempt++ {
		if attempt > 0 {
			owner.EnterRetrying()
			if !c.interruptibleSleep(owner, time.Duration(child.RetryDelaySeconds)*time.Second) {
				owner.ExitRetrying()
				return false
			}
			owner.ExitRetrying()
		}

		child.ResetForRetry()
		child.CurrentRetryAttempts = attempt
		result, failErr := child.Run(ctx)

		if failErr == nil {
			c.recordState(child.ID, task.StatusCompleted, result, nil)
			return true
		}
		if child.Status() == task.StatusCancelled || owner.IsStopped() {
			c.recordState(child.ID, task.StatusCancelled, nil, failErr)
			return false
		}
		c.recordState(child.ID, task.StatusFailed, nil, failErr)
	}
	return false
}

// interruptibleSleep waits for d or until owner is cancelled, whichever
// comes first. Returns false if interrupted by cancellation.
func (c *Chain) interruptibleSleep(owner *task.Task, d time.Duration) bool {
	clock := owner.Clock()
	if clock == nil {
		clock = core.RealClock{}
	}
	deadline := clock.After(d)
	poll := owner.PausePollInterval()
	if poll <= 0 {
		poll = 200 * time.Millisecond
	}
	ticker := time.NewTicker(poll)
	defer ticker.Stop()
	for {
		select {
		case <-deadline:
			return true
		case <-ticker.C:
			if owner.IsStopped() {
				return false
			}
		}
	}
}

func (c *Chain) recordState(childID string, status task.Status, result interface{}, err *task.Error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.taskStates[childID] = ChildState{Status: status, Result: result, Error: err}
}

// CancellationCleanup cancels every child; idempotent since Task.Cancel is.
func (c *Chain) CancellationCleanup() {
	c.mu.Lock()
	children := make([]*task.Task, len(c.children))
	copy(children, c.children)
	c.mu.Unlock()
	for _, child := range children {
		child.Cancel()
	}
}

// SerializeFields implements task.FieldSerializer.
func (c *Chain) SerializeFields() map[string]interface{} {
	c.mu.Lock()
	defer c.mu.Unlock()

	childBlobs := make([]map[string]interface{}, 0, len(c.children))
	for _, child := range c.children {
		childBlobs = append(childBlobs, child.Serialize())
	}

	states := make(map[string]interface{}, len(c.taskStates))
	for id, st := range c.taskStates {
		entry := map[string]interface{}{"status": string(st.Status)}
		if st.Error != nil {
			entry["error"] = map[string]interface{}{"message": st.Error.Message, "kind": st.Error.Kind}
		}
		states[id] = entry
	}

	behaviorNames := make(map[string]string, len(c.retryBehaviorMap))
	for k, v := range c.retryBehaviorMap {
		behaviorNames[k] = string(v)
	}

	return map[string]interface{}{
		"tasks":              childBlobs,
		"currentTaskIndex":   c.currentIndex,
		"chainContext":       c.chainContext.Serialize(),
		"taskStates":         states,
		"retryBehaviorMap":   behaviorNames,
		"chainRetryAttempts": c.chainRetryAttempts,
	}
}

