// Package httpapi exposes the Manager facade over plain net/http: submit,
// status, cancel, pause, resume, and tag-query endpoints. This is the
// supplemental "outer surface" the distillation's GUI non-goal excludes but
// which the teacher's own orchestration.TaskAPIHandler demonstrates as the
// natural external interface for this kind of core — a real application is
// free to swap this out for its own transport without touching engine,
// task, or chain.
package httpapi

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/zuko-freemind/taskcore/core"
	"github.com/zuko-freemind/taskcore/engine"
	"github.com/zuko-freemind/taskcore/task"
)

// Factory builds a fresh Task of a registered kind from a submit request's
// Input payload. A host application registers one Factory per task kind it
// wants reachable over HTTP; kinds it never registers here can still be
// submitted programmatically via Manager.AddTask.
type Factory func(id string, req SubmitRequest) (*task.Task, error)

// SubmitRequest is the request body for POST /api/v1/tasks.
type SubmitRequest struct {
	Kind              string                 `json:"kind"`
	Name              string                 `json:"name"`
	Description       string                 `json:"description,omitempty"`
	Input             map[string]interface{} `json:"input,omitempty"`
	MaxRetries        int                    `json:"maxRetries,omitempty"`
	RetryDelaySeconds int                    `json:"retryDelaySeconds,omitempty"`
	IsPersistent      bool                   `json:"isPersistent,omitempty"`
	FailSilently      bool                   `json:"failSilently,omitempty"`
	UniqueType        string                 `json:"uniqueType,omitempty"`
	Tags              []string               `json:"tags,omitempty"`
	Schedule          *ScheduleRequest       `json:"schedule,omitempty"`
}

// ScheduleRequest mirrors engine.Trigger over the wire.
type ScheduleRequest struct {
	Type            string `json:"type"` // "date" | "interval" | "cron"
	RunAt           string `json:"runAt,omitempty"`
	IntervalSeconds int    `json:"intervalSeconds,omitempty"`
	Hour            int    `json:"hour,omitempty"`
	Minute          int    `json:"minute,omitempty"`
}

// SubmitResponse is the response for task submission.
type SubmitResponse struct {
	TaskID    string `json:"taskId"`
	JobID     string `json:"jobId,omitempty"`
	Status    string `json:"status"`
	StatusURL string `json:"statusUrl"`
}

// ErrorResponse is a standard error response body.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

// Handler provides HTTP handlers backed by a Manager.
type Handler struct {
	manager   *engine.Manager
	factories map[string]Factory
	logger    core.Logger
}

// NewHandler builds a Handler routing submissions to factories keyed by
// task kind.
func NewHandler(manager *engine.Manager, factories map[string]Factory, logger core.Logger) *Handler {
	if logger == nil {
		logger = core.NoOpLogger{}
	}
	if cal, ok := logger.(core.ComponentAwareLogger); ok {
		logger = cal.WithComponent("taskcore/httpapi")
	}
	if factories == nil {
		factories = make(map[string]Factory)
	}
	return &Handler{manager: manager, factories: factories, logger: logger}
}

// HandleSubmit handles POST /api/v1/tasks.
func (h *Handler) HandleSubmit(w http.ResponseWriter, r *http.Request) {
	var req SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body", "INVALID_REQUEST")
		return
	}
	if req.Kind == "" {
		h.writeError(w, http.StatusBadRequest, "task kind is required", "MISSING_KIND")
		return
	}
	factory, ok := h.factories[req.Kind]
	if !ok {
		h.writeError(w, http.StatusBadRequest, "unknown task kind", "UNKNOWN_KIND")
		return
	}

	id := task.NewID()
	t, err := factory(id, req)
	if err != nil {
		h.logger.Error("failed to construct task", map[string]interface{}{"kind": req.Kind, "error": err.Error()})
		h.writeError(w, http.StatusBadRequest, err.Error(), "FACTORY_ERROR")
		return
	}
	t.MaxRetries = req.MaxRetries
	if req.RetryDelaySeconds > 0 {
		t.RetryDelaySeconds = req.RetryDelaySeconds
	}
	t.IsPersistent = req.IsPersistent
	t.FailSilently = req.FailSilently
	if req.UniqueType != "" {
		t.UniqueType = task.UniqueType(req.UniqueType)
	}
	for _, tag := range req.Tags {
		t.AddTag(tag)
	}

	var info *engine.ScheduleInfo
	if req.Schedule != nil {
		trigger, err := toTrigger(*req.Schedule)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, err.Error(), "INVALID_SCHEDULE")
			return
		}
		info = &engine.ScheduleInfo{Trigger: trigger}
	}

	jobID, err := h.manager.AddTask(t, info)
	if err != nil {
		if core.IsNotFound(err) {
			h.writeError(w, http.StatusNotFound, err.Error(), "NOT_FOUND")
			return
		}
		h.writeError(w, http.StatusConflict, err.Error(), "UNIQUE_VIOLATION")
		return
	}

	resp := SubmitResponse{
		TaskID:    id,
		JobID:     jobID,
		Status:    string(task.StatusPending),
		StatusURL: "/api/v1/tasks/" + id,
	}
	h.writeJSON(w, http.StatusAccepted, resp)
}

// HandleGetTask handles GET /api/v1/tasks/{id}.
func (h *Handler) HandleGetTask(w http.ResponseWriter, r *http.Request) {
	id := extractID(r.URL.Path, "/api/v1/tasks/")
	if id == "" {
		h.writeError(w, http.StatusBadRequest, "task id is required", "MISSING_ID")
		return
	}
	info, err := h.manager.GetTaskInfo(id)
	if err != nil {
		h.writeError(w, http.StatusNotFound, "task not found", "TASK_NOT_FOUND")
		return
	}
	h.writeJSON(w, http.StatusOK, info)
}

// HandleCancel handles POST /api/v1/tasks/{id}/cancel.
func (h *Handler) HandleCancel(w http.ResponseWriter, r *http.Request) {
	h.actOnTask(w, r, "/cancel", h.manager.CancelTask)
}

// HandlePause handles POST /api/v1/tasks/{id}/pause.
func (h *Handler) HandlePause(w http.ResponseWriter, r *http.Request) {
	h.actOnTask(w, r, "/pause", h.manager.PauseTask)
}

// HandleResume handles POST /api/v1/tasks/{id}/resume.
func (h *Handler) HandleResume(w http.ResponseWriter, r *http.Request) {
	h.actOnTask(w, r, "/resume", h.manager.ResumeTask)
}

func (h *Handler) actOnTask(w http.ResponseWriter, r *http.Request, suffix string, fn func(id string) error) {
	path := strings.TrimSuffix(r.URL.Path, suffix)
	id := extractID(path, "/api/v1/tasks/")
	if id == "" {
		h.writeError(w, http.StatusBadRequest, "task id is required", "MISSING_ID")
		return
	}
	if err := fn(id); err != nil {
		if core.IsNotFound(err) {
			h.writeError(w, http.StatusNotFound, "task not found", "TASK_NOT_FOUND")
			return
		}
		h.writeError(w, http.StatusConflict, err.Error(), "INVALID_STATE")
		return
	}
	info, err := h.manager.GetTaskInfo(id)
	if err != nil {
		h.writeJSON(w, http.StatusOK, map[string]interface{}{"taskId": id})
		return
	}
	h.writeJSON(w, http.StatusOK, info)
}

// HandleListByTag handles GET /api/v1/tasks?tag=xyz.
func (h *Handler) HandleListByTag(w http.ResponseWriter, r *http.Request) {
	tag := r.URL.Query().Get("tag")
	if tag == "" {
		tasks := h.manager.GetAllTasks()
		out := make([]map[string]interface{}, 0, len(tasks))
		for _, t := range tasks {
			out = append(out, t.Serialize())
		}
		h.writeJSON(w, http.StatusOK, out)
		return
	}
	tasks := h.manager.GetTasksByTag(tag)
	out := make([]map[string]interface{}, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, t.Serialize())
	}
	h.writeJSON(w, http.StatusOK, out)
}

// HandleQueueStatus handles GET /api/v1/queue.
func (h *Handler) HandleQueueStatus(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, h.manager.GetQueueStatus())
}

// HandleScheduledJobs handles GET /api/v1/scheduled-jobs.
func (h *Handler) HandleScheduledJobs(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, h.manager.GetScheduledJobs())
}

// RegisterRoutes registers every route on mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/api/v1/tasks", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			h.HandleSubmit(w, r)
		case http.MethodGet:
			h.HandleListByTag(w, r)
		default:
			h.writeError(w, http.StatusMethodNotAllowed, "method not allowed", "METHOD_NOT_ALLOWED")
		}
	})
	mux.HandleFunc("/api/v1/tasks/", func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasSuffix(r.URL.Path, "/cancel") && r.Method == http.MethodPost:
			h.HandleCancel(w, r)
		case strings.HasSuffix(r.URL.Path, "/pause") && r.Method == http.MethodPost:
			h.HandlePause(w, r)
		case strings.HasSuffix(r.URL.Path, "/resume") && r.Method == http.MethodPost:
			h.HandleResume(w, r)
		case r.Method == http.MethodGet:
			h.HandleGetTask(w, r)
		default:
			h.writeError(w, http.StatusMethodNotAllowed, "method not allowed", "METHOD_NOT_ALLOWED")
		}
	})
	mux.HandleFunc("/api/v1/queue", h.HandleQueueStatus)
	mux.HandleFunc("/api/v1/scheduled-jobs", h.HandleScheduledJobs)
}

func extractID(path, prefix string) string {
	if !strings.HasPrefix(path, prefix) {
		return ""
	}
	id := strings.TrimPrefix(path, prefix)
	if idx := strings.Index(id, "/"); idx > 0 {
		id = id[:idx]
	}
	return id
}

func toTrigger(req ScheduleRequest) (engine.Trigger, error) {
	switch req.Type {
	case "date":
		t, err := parseRFC3339(req.RunAt)
		if err != nil {
			return engine.Trigger{}, err
		}
		return engine.Trigger{Type: engine.TriggerDate, RunAt: t}, nil
	case "interval":
		return engine.Trigger{Type: engine.TriggerInterval, IntervalSeconds: req.IntervalSeconds}, nil
	case "cron":
		return engine.Trigger{Type: engine.TriggerCron, Hour: req.Hour, Minute: req.Minute}, nil
	default:
		return engine.Trigger{}, errInvalidScheduleType
	}
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("failed to encode response", map[string]interface{}{"error": err.Error()})
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, message, code string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(ErrorResponse{Error: message, Code: code})
}
