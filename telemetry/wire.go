package telemetry

import (
	"context"

	"go.opentelemetry.io/otel/attribute"

	"github.com/zuko-freemind/taskcore/engine"
	"github.com/zuko-freemind/taskcore/task"
)

// Wire subscribes to every event on bus and emits a counter or histogram
// for it, renamed from the teacher's "gomind.tasks.*" metric family to this
// module's own names but otherwise following
// orchestration/task_telemetry.go's shape: one handler per event, a counter
// for "this happened". The added, removed, status-changed, finished and
// job (un)scheduled handlers also call AddSpanEvent, but on
// context.Background(), which carries no span, so those span events are
// not recorded anywhere.
func Wire(bus *engine.EventBus) {
	ctx := context.Background()

	bus.OnTaskAdded(func(id string) {
		Counter("taskcore.tasks.added")
		AddSpanEvent(ctx, "task.added", attribute.String("task_id", id))
	})

	bus.OnTaskRemoved(func(id string) {
		Counter("taskcore.tasks.removed")
		AddSpanEvent(ctx, "task.removed", attribute.String("task_id", id))
	})

	bus.OnTaskStatusUpdated(func(id string, status task.Status) {
		Counter("taskcore.tasks.status_changed", "status", string(status))
		AddSpanEvent(ctx, "task.status_changed",
			attribute.String("task_id", id),
			attribute.String("status", string(status)),
		)
	})

	bus.OnTaskProgressUpdated(func(id string, progress int) {
		Histogram("taskcore.tasks.progress", float64(progress))
	})

	bus.OnTaskFinished(func(id string, t *task.Task, result interface{}, err *task.Error) {
		status := string(t.Status())
		Counter("taskcore.tasks.finished", "status", status)
		duration := t.FinishedAt.Sub(t.StartedAt)
		Histogram("taskcore.tasks.duration_ms", float64(duration.Milliseconds()), "status", status)

		attrs := []attribute.KeyValue{
			attribute.String("task_id", id),
			attribute.String("status", status),
			attribute.Int64("duration_ms", duration.Milliseconds()),
		}
		AddSpanEvent(ctx, "task.finished", attrs...)
		if err != nil {
			RecordSpanError(ctx, err)
		}
	})

	bus.OnFailedTaskLogged(func(snapshot map[string]interface{}) {
		kind, _ := snapshot["kind"].(string)
		Counter("taskcore.tasks.failed_logged", "kind", kind)
	})

	bus.OnQueueStatusChanged(func() {
		Counter("taskcore.queue.status_changed")
	})

	bus.OnJobScheduled(func(jobID, taskID string) {
		Counter("taskcore.scheduler.job_scheduled")
		AddSpanEvent(ctx, "scheduler.job_scheduled",
			attribute.String("job_id", jobID),
			attribute.String("task_id", taskID),
		)
	})

	bus.OnJobUnscheduled(func(jobID string) {
		Counter("taskcore.scheduler.job_unscheduled")
		AddSpanEvent(ctx, "scheduler.job_unscheduled", attribute.String("job_id", jobID))
	})

	bus.OnSystemReady(func() {
		Counter("taskcore.system.ready")
	})
}
