package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"foreman/internal/bus"
	"foreman/internal/supervisor"
	"foreman/internal/task"
	"foreman/pkg/models"
)

// blockingWorker runs until cancelled and accepts no direct delivery.
type blockingWorker struct{}

func (b *blockingWorker) Initialize(ctx context.Context) error { return nil }

func (b *blockingWorker) Run(ctx context.Context) error {
	<-ctx.Done()
	return nil
}

func (b *blockingWorker) Shutdown(ctx context.Context) error { return nil }

func newTestServer(t *testing.T) (*Server, *task.Store, *bus.Bus, *supervisor.Supervisor) {
	t.Helper()

	store := task.NewStore()
	b := bus.New()

	reg := supervisor.NewFactoryRegistry()
	reg.Register("fake", func(deps supervisor.Deps) (supervisor.Worker, error) {
		return &blockingWorker{}, nil
	})
	sup := supervisor.New(reg, supervisor.Config{
		ShutdownGrace: 200 * time.Millisecond,
	}, supervisor.WithBus(b), supervisor.WithTaskStore(store))
	t.Cleanup(sup.StopAll)

	return New(store, b, sup), store, b, sup
}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func post(t *testing.T, h http.Handler, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func waitRunning(t *testing.T, sup *supervisor.Supervisor, project, workerType string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		w, err := sup.Status(project, workerType)
		if err == nil && w.Status == models.WorkerStatusRunning {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("worker %s/%s never reached running", project, workerType)
}

func TestHealthzReportsFleet(t *testing.T) {
	srv, _, _, sup := newTestServer(t)
	h := srv.Handler()

	if _, err := sup.Launch("p1", "fake", supervisor.WorkerConfig{}); err != nil {
		t.Fatalf("Launch: %v", err)
	}
	waitRunning(t, sup, "p1", "fake")

	rec := get(t, h, "/healthz")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var body struct {
		Status string                  `json:"status"`
		Report supervisor.HealthReport `json:"report"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Status != "ok" {
		t.Errorf("status = %q", body.Status)
	}
	if len(body.Report.Healthy) != 1 {
		t.Errorf("healthy = %v", body.Report.Healthy)
	}
}

func TestWorkersEndpoint(t *testing.T) {
	srv, _, _, sup := newTestServer(t)
	h := srv.Handler()

	if _, err := sup.Launch("p1", "fake", supervisor.WorkerConfig{}); err != nil {
		t.Fatalf("Launch: %v", err)
	}
	waitRunning(t, sup, "p1", "fake")

	rec := get(t, h, "/workers?project=p1")
	var workers []models.Worker
	if err := json.Unmarshal(rec.Body.Bytes(), &workers); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(workers) != 1 || workers[0].Type != "fake" {
		t.Errorf("workers = %+v", workers)
	}

	// Unknown project yields an empty list, not null.
	rec = get(t, h, "/workers?project=ghost")
	if got := strings.TrimSpace(rec.Body.String()); got != "[]" {
		t.Errorf("empty list body = %q", got)
	}

	rec = get(t, h, "/workers/p1/fake")
	if rec.Code != http.StatusOK {
		t.Errorf("single worker status = %d", rec.Code)
	}
	rec = get(t, h, "/workers/p1/ghost")
	if rec.Code != http.StatusNotFound {
		t.Errorf("unknown worker status = %d", rec.Code)
	}
}

func TestTasksEndpoints(t *testing.T) {
	srv, store, _, _ := newTestServer(t)
	h := srv.Handler()

	created := store.Create(task.CreateSpec{ProjectID: "p1", Title: "index the catalog"})
	store.Create(task.CreateSpec{ProjectID: "p2", Title: "unrelated"})

	rec := get(t, h, "/tasks?project=p1")
	var tasks []models.Task
	if err := json.Unmarshal(rec.Body.Bytes(), &tasks); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(tasks) != 1 || tasks[0].Title != "index the catalog" {
		t.Errorf("tasks = %+v", tasks)
	}

	rec = get(t, h, "/tasks?status=pending")
	if err := json.Unmarshal(rec.Body.Bytes(), &tasks); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(tasks) != 2 {
		t.Errorf("pending tasks = %d, want 2", len(tasks))
	}

	rec = get(t, h, "/tasks/"+created.ID)
	if rec.Code != http.StatusOK {
		t.Errorf("get task status = %d", rec.Code)
	}
	rec = get(t, h, "/tasks/nope")
	if rec.Code != http.StatusNotFound {
		t.Errorf("missing task status = %d", rec.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	srv, store, _, _ := newTestServer(t)
	h := srv.Handler()

	created := store.Create(task.CreateSpec{Title: "one"})
	if err := store.UpdateStatus(created.ID, models.TaskStatusInProgress, ""); err != nil {
		t.Fatalf("UpdateStatus: %v", err)
	}
	if err := store.UpdateStatus(created.ID, models.TaskStatusCompleted, ""); err != nil {
		t.Fatalf("UpdateStatus: %v", err)
	}

	rec := get(t, h, "/metrics")
	var body struct {
		Tasks task.Metrics `json:"tasks"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Tasks.TotalCreated != 1 || body.Tasks.TotalCompleted != 1 {
		t.Errorf("metrics = %+v", body.Tasks)
	}
}

func TestFlowsEndpoint(t *testing.T) {
	srv, _, b, _ := newTestServer(t)
	h := srv.Handler()

	b.Send(models.Message{From: "a", To: "b", Type: "ping"})
	b.Send(models.Message{From: "a", To: "b", Type: "ping"})

	rec := get(t, h, "/flows")
	var body struct {
		Flows []bus.FlowEntry `json:"flows"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.Flows) != 1 || body.Flows[0].Count != 2 {
		t.Errorf("flows = %+v", body.Flows)
	}
}

func TestEventsEndpoint(t *testing.T) {
	srv, _, _, _ := newTestServer(t)
	h := srv.Handler()

	for i := 0; i < 5; i++ {
		srv.RecordEvent(models.Event{Type: models.EventLog, Message: "line"})
	}

	rec := get(t, h, "/events?limit=3")
	var events []models.Event
	if err := json.Unmarshal(rec.Body.Bytes(), &events); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(events) != 3 {
		t.Errorf("events = %d, want 3", len(events))
	}

	rec = get(t, h, "/events?limit=nope")
	if rec.Code != http.StatusBadRequest {
		t.Errorf("bad limit status = %d", rec.Code)
	}
}

func TestSendMessageEndpoint(t *testing.T) {
	srv, _, b, sup := newTestServer(t)
	h := srv.Handler()

	if _, err := sup.Launch("p1", "fake", supervisor.WorkerConfig{}); err != nil {
		t.Fatalf("Launch: %v", err)
	}
	waitRunning(t, sup, "p1", "fake")

	rec := post(t, h, "/messages", `{"project":"p1","worker_type":"fake","from":"ops","type":"nudge","priority":"high"}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	// The fake worker accepts no direct delivery, so the message lands on
	// the bus under the worker's key.
	if got := b.Pending("p1/fake"); got != 1 {
		t.Errorf("pending = %d, want 1", got)
	}

	rec = post(t, h, "/messages", `{"project":"p1","worker_type":"ghost","type":"nudge"}`)
	if rec.Code != http.StatusNotFound {
		t.Errorf("unknown worker status = %d", rec.Code)
	}

	rec = post(t, h, "/messages", `{"project":"p1","worker_type":"fake"}`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("missing type status = %d", rec.Code)
	}

	rec = post(t, h, "/messages", `{not json`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("bad json status = %d", rec.Code)
	}
}
