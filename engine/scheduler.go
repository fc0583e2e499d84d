package engine

import (
	"fmt"
	"sync"
	"time"

	"github.com/zuko-freemind/taskcore/core"
	"github.com/zuko-freemind/taskcore/store"
	"github.com/zuko-freemind/taskcore/task"
)

const scheduledJobsStoreKey = "scheduledJobs"

// TriggerType names the kind of schedule a job fires on.
type TriggerType string

const (
	TriggerDate     TriggerType = "date"
	TriggerInterval TriggerType = "interval"
	TriggerCron     TriggerType = "cron"
)

// Trigger describes when a scheduled task should fire.
type Trigger struct {
	Type            TriggerType
	RunAt           time.Time // date
	IntervalSeconds int       // interval
	Hour, Minute    int       // cron
}

type scheduledJob struct {
	JobID     string
	TaskID    string
	Kind      string
	TaskBlob  map[string]interface{}
	Trigger   Trigger
	NextFire  time.Time
	CreatedAt time.Time
	timer     *time.Timer
}

// JobInfo is the external, timer-free view of a scheduled job.
type JobInfo struct {
	JobID     string
	TaskID    string
	Kind      string
	Trigger   Trigger
	NextFire  time.Time
	CreatedAt time.Time
}

// Scheduler defers task admission to a future wall-clock instant, a
// repeating interval, or a daily hh:mm (C6). Every fire reconstructs the
// task from its serialized blob via the registry and submits it to the
// Queue, exactly as if it had just been admitted directly.
type Scheduler struct {
	mu       sync.Mutex
	jobs     map[string]*scheduledJob
	queue    *Queue
	registry *task.Registry
	store    store.Store
	bus      *EventBus
	clock    core.Clock
	logger   core.Logger
}

// NewScheduler builds a Scheduler that submits fired tasks to queue,
// reconstructing them via registry.
func NewScheduler(queue *Queue, registry *task.Registry, st store.Store, bus *EventBus, clock core.Clock, logger core.Logger) *Scheduler {
	if clock == nil {
		clock = core.RealClock{}
	}
	if logger == nil {
		logger = core.NoOpLogger{}
	}
	return &Scheduler{
		jobs:     make(map[string]*scheduledJob),
		queue:    queue,
		registry: registry,
		store:    st,
		bus:      bus,
		clock:    clock,
		logger:   logger,
	}
}

// Schedule validates trigger, computes the next fire instant, and arms a
// timer. jobId is always "task_<taskId>".
func (s *Scheduler) Schedule(t *task.Task, trigger Trigger) (string, error) {
	now := s.clock.Now()
	var nextFire time.Time
	switch trigger.Type {
	case TriggerDate:
		if !trigger.RunAt.After(now) {
			return "", core.Wrap("scheduler.Schedule", t.ID, fmt.Errorf("date trigger must be strictly in the future"))
		}
		nextFire = trigger.RunAt
	case TriggerInterval:
		if trigger.IntervalSeconds <= 0 {
			return "", core.Wrap("scheduler.Schedule", t.ID, fmt.Errorf("interval trigger requires intervalSeconds > 0"))
		}
		nextFire = now.Add(time.Duration(trigger.IntervalSeconds) * time.Second)
	case TriggerCron:
		if trigger.Hour < 0 || trigger.Hour > 23 {
			return "", core.Wrap("scheduler.Schedule", t.ID, fmt.Errorf("cron trigger requires hour in [0,23]"))
		}
		nextFire = nextCronOccurrence(trigger.Hour, trigger.Minute, now)
	default:
		return "", core.Wrap("scheduler.Schedule", t.ID, fmt.Errorf("unknown trigger type %q", trigger.Type))
	}

	jobID := "task_" + t.ID
	j := &scheduledJob{
		JobID:     jobID,
		TaskID:    t.ID,
		Kind:      t.Kind,
		TaskBlob:  t.Serialize(),
		Trigger:   trigger,
		NextFire:  nextFire,
		CreatedAt: now,
	}
	j.timer = time.AfterFunc(nextFire.Sub(now), func() { s.fire(jobID) })

	s.mu.Lock()
	s.jobs[jobID] = j
	s.mu.Unlock()

	s.saveJobs()
	if s.bus != nil {
		s.bus.emitJobScheduled(jobID, t.ID)
	}
	return jobID, nil
}

func (s *Scheduler) fire(jobID string) {
	s.mu.Lock()
	j, ok := s.jobs[jobID]
	s.mu.Unlock()
	if !ok {
		return
	}

	t, err := s.registry.Deserialize(j.TaskBlob)
	if err != nil {
		s.logger.Error("scheduler: failed to reconstruct task on fire", map[string]interface{}{"jobId": jobID, "error": err.Error()})
	} else {
		s.queue.AddTask(t)
	}

	switch j.Trigger.Type {
	case TriggerDate:
		s.Unschedule(jobID)
		return
	case TriggerInterval:
		now := s.clock.Now()
		next := now.Add(time.Duration(j.Trigger.IntervalSeconds) * time.Second)
		s.rearm(j, next)
	case TriggerCron:
		next := nextCronOccurrence(j.Trigger.Hour, j.Trigger.Minute, s.clock.Now().Add(time.Minute))
		s.rearm(j, next)
	}
	s.saveJobs()
}

func (s *Scheduler) rearm(j *scheduledJob, next time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j.NextFire = next
	j.timer = time.AfterFunc(next.Sub(s.clock.Now()), func() { s.fire(j.JobID) })
}

// Unschedule stops and releases jobID's timer.
func (s *Scheduler) Unschedule(jobID string) error {
	s.mu.Lock()
	j, ok := s.jobs[jobID]
	if !ok {
		s.mu.Unlock()
		return core.Wrap("scheduler.Unschedule", jobID, core.ErrTaskNotFound)
	}
	if j.timer != nil {
		j.timer.Stop()
	}
	delete(s.jobs, jobID)
	s.mu.Unlock()

	s.saveJobs()
	if s.bus != nil {
		s.bus.emitJobUnscheduled(jobID)
	}
	return nil
}

// GetScheduledJobs returns a timer-free snapshot of every scheduled job.
func (s *Scheduler) GetScheduledJobs() []JobInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]JobInfo, 0, len(s.jobs))
	for _, j := range s.jobs {
		out = append(out, JobInfo{JobID: j.JobID, TaskID: j.TaskID, Kind: j.Kind, Trigger: j.Trigger, NextFire: j.NextFire, CreatedAt: j.CreatedAt})
	}
	return out
}

// SaveJobs serializes every job's descriptor (never its timer) to the Store.
func (s *Scheduler) SaveJobs() { s.saveJobs() }

func (s *Scheduler) saveJobs() {
	if s.store == nil {
		return
	}
	s.mu.Lock()
	records := make([]interface{}, 0, len(s.jobs))
	for _, j := range s.jobs {
		records = append(records, map[string]interface{}{
			"jobId":     j.JobID,
			"taskId":    j.TaskID,
			"kind":      j.Kind,
			"taskData":  j.TaskBlob,
			"trigger":   string(j.Trigger.Type),
			"runAt":     j.Trigger.RunAt,
			"intervalSeconds": j.Trigger.IntervalSeconds,
			"hour":      j.Trigger.Hour,
			"minute":    j.Trigger.Minute,
			"nextFire":  j.NextFire,
			"createdAt": j.CreatedAt,
		})
	}
	s.mu.Unlock()
	if err := s.store.Save(scheduledJobsStoreKey, records); err != nil {
		s.logger.Error("scheduler: failed to save jobs", map[string]interface{}{"error": err.Error()})
	}
}

// LoadJobs restores scheduled jobs from the Store and rearms live timers:
// past "date" jobs are dropped (the spec-permitted full-restoration
// resolution chosen for interval/cron over the source's degraded restart,
// see the module's design notes); interval/cron jobs whose stored nextFire
// has already elapsed fire an immediate catch-up tick (interval) or jump to
// the next valid occurrence (cron).
func (s *Scheduler) LoadJobs() {
	if s.store == nil {
		return
	}
	raw := s.store.Load(scheduledJobsStoreKey, []interface{}{})
	records, ok := raw.([]interface{})
	if !ok {
		return
	}
	now := s.clock.Now()
	for _, rr := range records {
		rec, ok := rr.(map[string]interface{})
		if !ok {
			continue
		}
		jobID, _ := rec["jobId"].(string)
		taskID, _ := rec["taskId"].(string)
		kind, _ := rec["kind"].(string)
		taskData, _ := rec["taskData"].(map[string]interface{})
		triggerType, _ := rec["trigger"].(string)

		trigger := Trigger{Type: TriggerType(triggerType)}
		if v, ok := rec["intervalSeconds"].(float64); ok {
			trigger.IntervalSeconds = int(v)
		}
		if v, ok := rec["hour"].(float64); ok {
			trigger.Hour = int(v)
		}
		if v, ok := rec["minute"].(float64); ok {
			trigger.Minute = int(v)
		}
		if v, ok := rec["runAt"].(string); ok {
			if parsed, err := time.Parse(time.RFC3339, v); err == nil {
				trigger.RunAt = parsed
			}
		}
		nextFire := now
		if v, ok := rec["nextFire"].(string); ok {
			if parsed, err := time.Parse(time.RFC3339, v); err == nil {
				nextFire = parsed
			}
		}

		j := &scheduledJob{JobID: jobID, TaskID: taskID, Kind: kind, TaskBlob: taskData, Trigger: trigger, NextFire: nextFire, CreatedAt: now}

		switch trigger.Type {
		case TriggerDate:
			if !nextFire.After(now) {
				s.logger.Warn("scheduler: dropping elapsed date job on restore", map[string]interface{}{"jobId": jobID})
				continue
			}
			j.timer = time.AfterFunc(nextFire.Sub(now), func() { s.fire(jobID) })
		case TriggerInterval:
			delay := nextFire.Sub(now)
			if delay <= 0 {
				delay = 0
			}
			j.timer = time.AfterFunc(delay, func() { s.fire(jobID) })
		case TriggerCron:
			if !nextFire.After(now) {
				nextFire = nextCronOccurrence(trigger.Hour, trigger.Minute, now)
				j.NextFire = nextFire
			}
			j.timer = time.AfterFunc(nextFire.Sub(now), func() { s.fire(jobID) })
		default:
			continue
		}

		s.mu.Lock()
		s.jobs[jobID] = j
		s.mu.Unlock()
	}
}

// Shutdown stops every live timer without firing it.
func (s *Scheduler) Shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, j := range s.jobs {
		if j.timer != nil {
			j.timer.Stop()
		}
	}
}

func nextCronOccurrence(hour, minute int, from time.Time) time.Time {
	candidate := time.Date(from.Year(), from.Month(), from.Day(), hour, minute, 0, 0, from.Location())
	if !candidate.After(from) {
		candidate = candidate.Add(24 * time.Hour)
	}
	return candidate
}
