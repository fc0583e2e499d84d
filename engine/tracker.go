package engine

import (
	"fmt"
	"sync"

	"github.com/zuko-freemind/taskcore/core"
	"github.com/zuko-freemind/taskcore/store"
	"github.com/zuko-freemind/taskcore/task"
)

const (
	failedHistoryStoreKey    = "failedTaskHistory"
	completedHistoryStoreKey = "completedTaskHistory"
)

// childrenProvider is implemented by composite task bodies (chain.Chain)
// that own a fixed child list. Tracker type-asserts against this instead of
// importing the chain package, so engine never depends on chain.
type childrenProvider interface {
	Children() []*task.Task
}

// ChildMeta records which chain a tracked child task belongs to.
type ChildMeta struct {
	ChainID    string
	ParentName string
}

type taskSubscriptions struct {
	statusID   int
	progressID int
	finishedID int
}

// Tracker is the authoritative registry of active tasks (C4): an id index,
// a tag index, chain-child metadata, and bounded FIFO history of failed and
// completed tasks.
type Tracker struct {
	mu             sync.RWMutex
	active         map[string]*task.Task
	tagIndex       map[string]map[string]struct{}
	chainChildMeta map[string]ChildMeta
	subs           map[string]taskSubscriptions

	historyMu        sync.Mutex
	failedHistory    []map[string]interface{}
	completedHistory []map[string]interface{}
	historyLimit     int

	bus    *EventBus
	store  store.Store
	logger core.Logger
}

// NewTracker builds an empty Tracker. historyLimit bounds both ring
// buffers; bus may be nil if the caller doesn't need re-emitted events;
// st may be nil to keep history in memory only.
func NewTracker(historyLimit int, bus *EventBus, st store.Store, logger core.Logger) *Tracker {
	if logger == nil {
		logger = core.NoOpLogger{}
	}
	if historyLimit <= 0 {
		historyLimit = 1000
	}
	return &Tracker{
		active:         make(map[string]*task.Task),
		tagIndex:       make(map[string]map[string]struct{}),
		chainChildMeta: make(map[string]ChildMeta),
		subs:           make(map[string]taskSubscriptions),
		historyLimit:   historyLimit,
		bus:            bus,
		store:          st,
		logger:         logger,
	}
}

// AddTask registers t (and, if t is a chain, its children) as active,
// indexes its tags, and subscribes to its lifecycle events so the Tracker
// re-emits them with broader scope via the EventBus.
func (tr *Tracker) AddTask(t *task.Task) error {
	tr.mu.Lock()
	if _, exists := tr.active[t.ID]; exists {
		tr.mu.Unlock()
		return core.Wrap("tracker.AddTask", t.ID, fmt.Errorf("task already tracked"))
	}
	tr.active[t.ID] = t
	tr.indexTagsLocked(t)
	tr.mu.Unlock()

	tr.subscribe(t)

	if provider, ok := t.Body.(childrenProvider); ok {
		for _, child := range provider.Children() {
			tr.mu.Lock()
			_, already := tr.active[child.ID]
			tr.mu.Unlock()
			if already {
				continue
			}
			if err := tr.AddTask(child); err != nil {
				continue
			}
			tr.mu.Lock()
			tr.chainChildMeta[child.ID] = ChildMeta{ChainID: t.ID, ParentName: t.Name}
			tr.mu.Unlock()
		}
	}

	if tr.bus != nil {
		tr.bus.emitTaskAdded(t.ID)
	}
	return nil
}

func (tr *Tracker) indexTagsLocked(t *task.Task) {
	for _, tag := range t.Tags() {
		set, ok := tr.tagIndex[tag]
		if !ok {
			set = make(map[string]struct{})
			tr.tagIndex[tag] = set
		}
		set[t.ID] = struct{}{}
	}
}

func (tr *Tracker) subscribe(t *task.Task) {
	var sub taskSubscriptions
	sub.statusID = t.OnStatusChanged(func(id string, s task.Status) {
		if tr.bus != nil {
			tr.bus.emitTaskStatusUpdated(id, s)
		}
	})
	sub.progressID = t.OnProgressUpdated(func(id string, p int) {
		if tr.bus != nil {
			tr.bus.emitTaskProgressUpdated(id, p)
		}
	})
	sub.finishedID = t.OnFinished(func(id string, tk *task.Task, result interface{}, err *task.Error) {
		tr.onTaskFinished(tk, result, err)
	})

	tr.mu.Lock()
	tr.subs[t.ID] = sub
	tr.mu.Unlock()
}

func (tr *Tracker) onTaskFinished(t *task.Task, result interface{}, err *task.Error) {
	switch t.Status() {
	case task.StatusCompleted:
		blob := t.Serialize()
		blob["completedAt"] = t.FinishedAt
		tr.appendHistory(&tr.completedHistory, blob)
	case task.StatusFailed:
		tr.LogFailedTask(t)
	}
	if tr.bus != nil {
		tr.bus.emitTaskFinished(t.ID, t, result, err)
	}
}

// LogFailedTask appends a failure snapshot (with failedAt) to the bounded
// failure history and re-emits failedTaskLogged.
func (tr *Tracker) LogFailedTask(t *task.Task) {
	blob := t.Serialize()
	blob["failedAt"] = t.FinishedAt
	tr.appendHistory(&tr.failedHistory, blob)
	if tr.bus != nil {
		tr.bus.emitFailedTaskLogged(blob)
	}
}

func (tr *Tracker) appendHistory(history *[]map[string]interface{}, entry map[string]interface{}) {
	tr.historyMu.Lock()
	*history = append(*history, entry)
	if len(*history) > tr.historyLimit {
		*history = (*history)[len(*history)-tr.historyLimit:]
	}
	tr.historyMu.Unlock()
	tr.SaveHistory()
}

// SaveHistory checkpoints both bounded histories to the Store.
func (tr *Tracker) SaveHistory() {
	if tr.store == nil {
		return
	}
	tr.historyMu.Lock()
	failed := make([]interface{}, len(tr.failedHistory))
	for i, e := range tr.failedHistory {
		failed[i] = e
	}
	completed := make([]interface{}, len(tr.completedHistory))
	for i, e := range tr.completedHistory {
		completed[i] = e
	}
	tr.historyMu.Unlock()

	if err := tr.store.Save(failedHistoryStoreKey, failed); err != nil {
		tr.logger.Error("tracker: failed to save failure history", map[string]interface{}{"error": err.Error()})
	}
	if err := tr.store.Save(completedHistoryStoreKey, completed); err != nil {
		tr.logger.Error("tracker: failed to save completion history", map[string]interface{}{"error": err.Error()})
	}
}

// LoadHistory restores both bounded histories from the Store, trimming each
// to the configured limit.
func (tr *Tracker) LoadHistory() {
	if tr.store == nil {
		return
	}
	tr.historyMu.Lock()
	defer tr.historyMu.Unlock()
	tr.failedHistory = loadHistoryBlobs(tr.store, failedHistoryStoreKey, tr.historyLimit)
	tr.completedHistory = loadHistoryBlobs(tr.store, completedHistoryStoreKey, tr.historyLimit)
}

func loadHistoryBlobs(st store.Store, key string, limit int) []map[string]interface{} {
	raw, ok := st.Load(key, []interface{}{}).([]interface{})
	if !ok {
		return nil
	}
	out := make([]map[string]interface{}, 0, len(raw))
	for _, r := range raw {
		if entry, ok := r.(map[string]interface{}); ok {
			out = append(out, entry)
		}
	}
	if len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out
}

// RemoveTask unsubscribes from t's events, removes it from every index, and
// cascades to its children if t is a chain.
func (tr *Tracker) RemoveTask(id string) error {
	tr.mu.Lock()
	t, ok := tr.active[id]
	if !ok {
		tr.mu.Unlock()
		return core.Wrap("tracker.RemoveTask", id, core.ErrTaskNotFound)
	}
	sub, hasSub := tr.subs[id]
	delete(tr.active, id)
	delete(tr.subs, id)
	delete(tr.chainChildMeta, id)
	for _, tag := range t.Tags() {
		if set, ok := tr.tagIndex[tag]; ok {
			delete(set, id)
			if len(set) == 0 {
				delete(tr.tagIndex, tag)
			}
		}
	}
	tr.mu.Unlock()

	if hasSub {
		t.OffStatusChanged(sub.statusID)
		t.OffProgressUpdated(sub.progressID)
		t.OffFinished(sub.finishedID)
	}

	if provider, ok := t.Body.(childrenProvider); ok {
		for _, child := range provider.Children() {
			tr.RemoveTask(child.ID)
		}
	}

	if tr.bus != nil {
		tr.bus.emitTaskRemoved(id)
	}
	return nil
}

// GetTask returns the live task by id.
func (tr *Tracker) GetTask(id string) (*task.Task, bool) {
	tr.mu.RLock()
	defer tr.mu.RUnlock()
	t, ok := tr.active[id]
	return t, ok
}

// GetTaskInfo returns a serialized view augmented with chain metadata: the
// child list/context if t is a chain, or the parent's id/name if t is a
// chain child.
func (tr *Tracker) GetTaskInfo(id string) (map[string]interface{}, error) {
	tr.mu.RLock()
	t, ok := tr.active[id]
	meta, hasMeta := tr.chainChildMeta[id]
	tr.mu.RUnlock()
	if !ok {
		return nil, core.Wrap("tracker.GetTaskInfo", id, core.ErrTaskNotFound)
	}
	blob := t.Serialize()
	if hasMeta {
		blob["parentChainId"] = meta.ChainID
		blob["parentChainName"] = meta.ParentName
	}
	return blob, nil
}

// GetAllTasks returns every actively tracked task.
func (tr *Tracker) GetAllTasks() []*task.Task {
	tr.mu.RLock()
	defer tr.mu.RUnlock()
	out := make([]*task.Task, 0, len(tr.active))
	for _, t := range tr.active {
		out = append(out, t)
	}
	return out
}

// GetUUIDsByTag returns the ids of every task carrying tag.
func (tr *Tracker) GetUUIDsByTag(tag string) []string {
	tr.mu.RLock()
	defer tr.mu.RUnlock()
	set, ok := tr.tagIndex[tag]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	return out
}

// GetTasksByTag returns the live tasks carrying tag.
func (tr *Tracker) GetTasksByTag(tag string) []*task.Task {
	ids := tr.GetUUIDsByTag(tag)
	tr.mu.RLock()
	defer tr.mu.RUnlock()
	out := make([]*task.Task, 0, len(ids))
	for _, id := range ids {
		if t, ok := tr.active[id]; ok {
			out = append(out, t)
		}
	}
	return out
}

// HasTasksWithTag reports whether any tracked task carries tag.
func (tr *Tracker) HasTasksWithTag(tag string) bool {
	tr.mu.RLock()
	defer tr.mu.RUnlock()
	set, ok := tr.tagIndex[tag]
	return ok && len(set) > 0
}

// GetFailedTaskHistory returns the bounded failure history.
func (tr *Tracker) GetFailedTaskHistory() []map[string]interface{} {
	tr.historyMu.Lock()
	defer tr.historyMu.Unlock()
	out := make([]map[string]interface{}, len(tr.failedHistory))
	copy(out, tr.failedHistory)
	return out
}

// GetCompletedTaskHistory returns the bounded completion history.
func (tr *Tracker) GetCompletedTaskHistory() []map[string]interface{} {
	tr.historyMu.Lock()
	defer tr.historyMu.Unlock()
	out := make([]map[string]interface{}, len(tr.completedHistory))
	copy(out, tr.completedHistory)
	return out
}
