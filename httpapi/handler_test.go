package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zuko-freemind/taskcore/engine"
	"github.com/zuko-freemind/taskcore/task"
)

type echoBody struct {
	onHandle func(ctx context.Context, t *task.Task) (interface{}, error)
}

func (b *echoBody) Handle(ctx context.Context, t *task.Task) (interface{}, error) { return b.onHandle(ctx, t) }
func (b *echoBody) CancellationCleanup()                                          {}

func newTestHandler(maxConcurrent int) (*Handler, *engine.Manager) {
	bus := engine.NewEventBus()
	tracker := engine.NewTracker(100, bus, nil, nil)
	queue := engine.NewQueue(maxConcurrent, tracker, bus, nil, nil, nil)
	registry := task.NewRegistry()
	scheduler := engine.NewScheduler(queue, registry, nil, bus, nil, nil)
	manager := engine.NewManager(tracker, queue, scheduler, nil, registry, bus, nil, nil, 20*time.Millisecond)

	release := make(chan struct{})
	factories := map[string]Factory{
		"echo": func(id string, req SubmitRequest) (*task.Task, error) {
			return task.New(id, "echo", req.Name, &echoBody{onHandle: func(ctx context.Context, t *task.Task) (interface{}, error) {
				return req.Input["value"], nil
			}}, nil, nil, 20*time.Millisecond), nil
		},
		"blocking": func(id string, req SubmitRequest) (*task.Task, error) {
			return task.New(id, "blocking", req.Name, &echoBody{onHandle: func(ctx context.Context, t *task.Task) (interface{}, error) {
				ticker := time.NewTicker(5 * time.Millisecond)
				defer ticker.Stop()
				for {
					select {
					case <-release:
						return nil, nil
					case <-ticker.C:
						if t.IsStopped() {
							return nil, nil
						}
					}
				}
			}}, nil, nil, 20*time.Millisecond), nil
		},
	}
	return NewHandler(manager, factories, nil), manager
}

func TestHandleSubmitAndGetTask(t *testing.T) {
	h, m := newTestHandler(1)

	body, _ := json.Marshal(SubmitRequest{Kind: "echo", Name: "greet", Input: map[string]interface{}{"value": "hi"}})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/tasks", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	h.HandleSubmit(rec, req)

	require.Equal(t, http.StatusAccepted, rec.Code)
	var resp SubmitResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp.TaskID)
	assert.Equal(t, string(task.StatusPending), resp.Status)

	time.Sleep(50 * time.Millisecond)

	getReq := httptest.NewRequest(http.MethodGet, "/api/v1/tasks/"+resp.TaskID, nil)
	getRec := httptest.NewRecorder()
	h.HandleGetTask(getRec, getReq)
	require.Equal(t, http.StatusNotFound, getRec.Code, "a finished task is no longer tracked")

	completed := m.GetCompletedTasks()
	require.Len(t, completed, 1)
	assert.Equal(t, resp.TaskID, completed[0]["id"])
	assert.Equal(t, string(task.StatusCompleted), completed[0]["status"])
}

func TestHandleSubmitUnknownKind(t *testing.T) {
	h, _ := newTestHandler(1)
	body, _ := json.Marshal(SubmitRequest{Kind: "nope", Name: "x"})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/tasks", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	h.HandleSubmit(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleSubmitMissingKind(t *testing.T) {
	h, _ := newTestHandler(1)
	body, _ := json.Marshal(SubmitRequest{Name: "x"})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/tasks", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	h.HandleSubmit(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleGetTaskNotFound(t *testing.T) {
	h, _ := newTestHandler(1)
	req := httptest.NewRequest(http.MethodGet, "/api/v1/tasks/ghost", nil)
	rec := httptest.NewRecorder()
	h.HandleGetTask(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleCancelViaMux(t *testing.T) {
	h, m := newTestHandler(2)

	body, _ := json.Marshal(SubmitRequest{Kind: "blocking", Name: "b"})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/tasks", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	h.HandleSubmit(rec, req)
	require.Equal(t, http.StatusAccepted, rec.Code)
	var resp SubmitResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))

	mux := http.NewServeMux()
	h.RegisterRoutes(mux)

	cancelReq := httptest.NewRequest(http.MethodPost, "/api/v1/tasks/"+resp.TaskID+"/cancel", nil)
	cancelRec := httptest.NewRecorder()
	mux.ServeHTTP(cancelRec, cancelReq)
	require.Equal(t, http.StatusOK, cancelRec.Code)

	time.Sleep(50 * time.Millisecond)
	_, err := m.GetTaskInfo(resp.TaskID)
	assert.Error(t, err, "a cancelled, finished task is no longer tracked")
}

func TestHandleQueueStatus(t *testing.T) {
	h, _ := newTestHandler(3)
	req := httptest.NewRequest(http.MethodGet, "/api/v1/queue", nil)
	rec := httptest.NewRecorder()
	h.HandleQueueStatus(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var status engine.QueueStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.Equal(t, 3, status.MaxConcurrent)
}

func TestHandleListByTag(t *testing.T) {
	h, _ := newTestHandler(1)
	req := httptest.NewRequest(http.MethodGet, "/api/v1/tasks?tag=nope", nil)
	rec := httptest.NewRecorder()
	h.HandleListByTag(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var out []map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	assert.Empty(t, out)
}
