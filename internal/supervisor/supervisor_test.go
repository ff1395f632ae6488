package supervisor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"foreman/internal/bus"
	"foreman/pkg/models"
)

// fakeWorker is a controllable in-process worker for tests. Run blocks
// until the context is cancelled unless runErr is set.
type fakeWorker struct {
	deps    Deps
	initErr error
	runErr  error

	mu       sync.Mutex
	received []models.Message
	shutdown bool
}

func (f *fakeWorker) Initialize(ctx context.Context) error { return f.initErr }

func (f *fakeWorker) Run(ctx context.Context) error {
	if f.runErr != nil {
		return f.runErr
	}
	<-ctx.Done()
	return nil
}

func (f *fakeWorker) Shutdown(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.shutdown = true
	return nil
}

func (f *fakeWorker) emit(ev models.Event) {
	f.deps.Events <- ev
}

// receiverWorker additionally accepts direct message delivery.
type receiverWorker struct {
	fakeWorker
}

func (r *receiverWorker) ReceiveMessage(msg models.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.received = append(r.received, msg)
	return nil
}

// testRig bundles a supervisor with handles to the workers it constructs.
type testRig struct {
	sup     *Supervisor
	mu      sync.Mutex
	workers []*fakeWorker
	recvs   []*receiverWorker
}

func newTestRig(t *testing.T, opts ...Option) *testRig {
	t.Helper()
	rig := &testRig{}

	reg := NewFactoryRegistry()
	reg.Register("fake", func(deps Deps) (Worker, error) {
		w := &fakeWorker{deps: deps}
		rig.mu.Lock()
		rig.workers = append(rig.workers, w)
		rig.mu.Unlock()
		return w, nil
	})
	reg.Register("failing-init", func(deps Deps) (Worker, error) {
		return &fakeWorker{deps: deps, initErr: errors.New("bad credentials")}, nil
	})
	reg.Register("failing-run", func(deps Deps) (Worker, error) {
		return &fakeWorker{deps: deps, runErr: errors.New("loop exploded")}, nil
	})
	reg.Register("receiver", func(deps Deps) (Worker, error) {
		w := &receiverWorker{fakeWorker{deps: deps}}
		rig.mu.Lock()
		rig.recvs = append(rig.recvs, w)
		rig.mu.Unlock()
		return w, nil
	})

	cfg := Config{
		ShutdownGrace:      200 * time.Millisecond,
		RestartBackoffBase: time.Millisecond,
		RestartBackoffMax:  4 * time.Millisecond,
	}
	rig.sup = New(reg, cfg, opts...)
	t.Cleanup(rig.sup.StopAll)
	return rig
}

func (r *testRig) lastWorker(t *testing.T) *fakeWorker {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.workers) == 0 {
		t.Fatal("no fake worker constructed")
	}
	return r.workers[len(r.workers)-1]
}

// waitForStatus polls until the worker reaches the wanted status.
func waitForStatus(t *testing.T, s *Supervisor, project, workerType string, want models.WorkerStatus) models.Worker {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		w, err := s.Status(project, workerType)
		if err == nil && w.Status == want {
			return w
		}
		time.Sleep(5 * time.Millisecond)
	}
	w, err := s.Status(project, workerType)
	t.Fatalf("worker %s/%s never reached %s (status=%s, err=%v)", project, workerType, want, w.Status, err)
	return models.Worker{}
}

// nextEvent drains the outbound stream until an event of the wanted type
// appears.
func nextEvent(t *testing.T, s *Supervisor, want models.EventType) models.Event {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case ev, ok := <-s.Events():
			if !ok {
				t.Fatalf("event stream closed while waiting for %s", want)
			}
			if ev.Type == want {
				return ev
			}
		case <-timeout:
			t.Fatalf("no %s event within timeout", want)
		}
	}
}

func TestLaunchNonBlockingAndRuns(t *testing.T) {
	rig := newTestRig(t)

	id, err := rig.sup.Launch("proj", "fake", WorkerConfig{})
	if err != nil {
		t.Fatalf("Launch: %v", err)
	}
	if id == "" {
		t.Error("Launch should return a worker ID")
	}

	// Launch registers the record immediately with status starting.
	w, err := rig.sup.Status("proj", "fake")
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if w.Status != models.WorkerStatusStarting && w.Status != models.WorkerStatusRunning {
		t.Errorf("status right after launch = %s", w.Status)
	}

	waitForStatus(t, rig.sup, "proj", "fake", models.WorkerStatusRunning)
}

func TestLaunchDuplicateFailsUntilStopped(t *testing.T) {
	rig := newTestRig(t)

	if _, err := rig.sup.Launch("proj", "fake", WorkerConfig{}); err != nil {
		t.Fatalf("first launch: %v", err)
	}
	waitForStatus(t, rig.sup, "proj", "fake", models.WorkerStatusRunning)

	_, err := rig.sup.Launch("proj", "fake", WorkerConfig{})
	if !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("duplicate launch error = %v, want ErrAlreadyRunning", err)
	}

	// Same type in another project is a different slot.
	if _, err := rig.sup.Launch("proj2", "fake", WorkerConfig{}); err != nil {
		t.Errorf("launch in other project: %v", err)
	}

	if err := rig.sup.Stop("proj", "fake"); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if _, err := rig.sup.Launch("proj", "fake", WorkerConfig{}); err != nil {
		t.Errorf("relaunch after stop: %v", err)
	}
}

func TestLaunchUnknownType(t *testing.T) {
	rig := newTestRig(t)
	_, err := rig.sup.Launch("proj", "nope", WorkerConfig{})
	if !errors.Is(err, ErrUnknownWorkerType) {
		t.Errorf("error = %v, want ErrUnknownWorkerType", err)
	}
	if rig.sup.Count() != 0 {
		t.Error("failed launch should not register a record")
	}
}

func TestInitFailureFlipsToError(t *testing.T) {
	rig := newTestRig(t)

	if _, err := rig.sup.Launch("proj", "failing-init", WorkerConfig{}); err != nil {
		t.Fatalf("Launch: %v", err)
	}

	w := waitForStatus(t, rig.sup, "proj", "failing-init", models.WorkerStatusError)
	if w.LastError == "" || w.ErrorCount != 1 {
		t.Errorf("error not recorded: lastError=%q count=%d", w.LastError, w.ErrorCount)
	}

	ev := nextEvent(t, rig.sup, models.EventError)
	if ev.ProjectID != "proj" || ev.WorkerType != "failing-init" {
		t.Errorf("error event not stamped: %+v", ev)
	}

	// The supervisor survives and can launch other workers.
	if _, err := rig.sup.Launch("proj", "fake", WorkerConfig{}); err != nil {
		t.Errorf("supervisor unusable after worker failure: %v", err)
	}
}

func TestRunFailureFlipsToError(t *testing.T) {
	rig := newTestRig(t)
	if _, err := rig.sup.Launch("proj", "failing-run", WorkerConfig{}); err != nil {
		t.Fatalf("Launch: %v", err)
	}
	w := waitForStatus(t, rig.sup, "proj", "failing-run", models.WorkerStatusError)
	if w.LastError == "" {
		t.Error("run failure should record the error")
	}
}

func TestStopKeepsRecordForInspection(t *testing.T) {
	rig := newTestRig(t)
	if _, err := rig.sup.Launch("proj", "fake", WorkerConfig{}); err != nil {
		t.Fatalf("Launch: %v", err)
	}
	waitForStatus(t, rig.sup, "proj", "fake", models.WorkerStatusRunning)

	if err := rig.sup.Stop("proj", "fake"); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	w, err := rig.sup.Status("proj", "fake")
	if err != nil {
		t.Fatalf("record should remain after stop: %v", err)
	}
	if w.Status != models.WorkerStatusStopped {
		t.Errorf("status = %s, want stopped", w.Status)
	}
	if w.EndedAt == nil {
		t.Error("EndedAt should be stamped")
	}

	fw := rig.lastWorker(t)
	fw.mu.Lock()
	shut := fw.shutdown
	fw.mu.Unlock()
	if !shut {
		t.Error("Shutdown should have been called")
	}

	// Stopping again is a no-op.
	if err := rig.sup.Stop("proj", "fake"); err != nil {
		t.Errorf("second stop: %v", err)
	}
}

func TestStopUnknownWorker(t *testing.T) {
	rig := newTestRig(t)
	if err := rig.sup.Stop("proj", "ghost"); !errors.Is(err, ErrWorkerNotFound) {
		t.Errorf("error = %v, want ErrWorkerNotFound", err)
	}
}

func TestEventForwardingStampsAndTracks(t *testing.T) {
	rig := newTestRig(t)
	id, err := rig.sup.Launch("proj", "fake", WorkerConfig{})
	if err != nil {
		t.Fatalf("Launch: %v", err)
	}
	waitForStatus(t, rig.sup, "proj", "fake", models.WorkerStatusRunning)
	fw := rig.lastWorker(t)

	fw.emit(models.Event{Type: models.EventLog, Message: "hello from worker"})
	fw.emit(models.Event{Type: models.EventTaskCompleted, Message: "t1 done"})
	fw.emit(models.Event{Type: models.EventMessageProcessed, Message: "m1"})
	fw.emit(models.Event{Type: models.EventThought, Message: "considering options", Payload: map[string]string{"depth": "3"}})

	ev := nextEvent(t, rig.sup, models.EventThought)
	if ev.WorkerID != id || ev.ProjectID != "proj" || ev.WorkerType != "fake" {
		t.Errorf("event not stamped: %+v", ev)
	}
	if ev.Timestamp.IsZero() {
		t.Error("event timestamp not stamped")
	}
	if payload, ok := ev.Payload.(map[string]string); !ok || payload["depth"] != "3" {
		t.Errorf("payload modified in flight: %v", ev.Payload)
	}

	// Counters and ring buffers reflect the forwarded events.
	deadline := time.Now().Add(time.Second)
	for {
		w, _ := rig.sup.Status("proj", "fake")
		if w.TasksCompleted == 1 && w.MessagesProcessed == 1 && len(w.Logs) == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("counters not updated: %+v", w)
		}
		time.Sleep(5 * time.Millisecond)
	}

	logs, err := rig.sup.Logs("proj", "fake", 10)
	if err != nil {
		t.Fatalf("Logs: %v", err)
	}
	if len(logs) != 1 || logs[0] != "hello from worker" {
		t.Errorf("logs = %v", logs)
	}
}

func TestSendMessageDirectDelivery(t *testing.T) {
	rig := newTestRig(t)
	if _, err := rig.sup.Launch("proj", "receiver", WorkerConfig{}); err != nil {
		t.Fatalf("Launch: %v", err)
	}
	waitForStatus(t, rig.sup, "proj", "receiver", models.WorkerStatusRunning)

	msg := models.Message{From: "cli", Type: "instruction", Priority: models.PriorityHigh}
	if err := rig.sup.SendMessage("proj", "receiver", msg); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}

	rig.mu.Lock()
	recv := rig.recvs[len(rig.recvs)-1]
	rig.mu.Unlock()
	recv.mu.Lock()
	got := len(recv.received)
	recv.mu.Unlock()
	if got != 1 {
		t.Errorf("worker received %d messages, want 1", got)
	}

	w, _ := rig.sup.Status("proj", "receiver")
	if w.MessagesProcessed != 1 {
		t.Errorf("MessagesProcessed = %d, want 1", w.MessagesProcessed)
	}
}

func TestSendMessageRoutesThroughBus(t *testing.T) {
	b := bus.New()
	rig := newTestRig(t, WithBus(b))
	if _, err := rig.sup.Launch("proj", "fake", WorkerConfig{}); err != nil {
		t.Fatalf("Launch: %v", err)
	}
	waitForStatus(t, rig.sup, "proj", "fake", models.WorkerStatusRunning)

	// fakeWorker has no ReceiveMessage, so delivery goes via the bus.
	if err := rig.sup.SendMessage("proj", "fake", models.Message{From: "cli", Type: "nudge"}); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}

	got, ok := b.ConsumeOne("proj/fake", nil)
	if !ok {
		t.Fatal("message not queued on the bus")
	}
	if got.Type != "nudge" {
		t.Errorf("queued type = %q", got.Type)
	}
}

func TestSendMessageNotRunning(t *testing.T) {
	rig := newTestRig(t)
	if _, err := rig.sup.Launch("proj", "fake", WorkerConfig{}); err != nil {
		t.Fatalf("Launch: %v", err)
	}
	waitForStatus(t, rig.sup, "proj", "fake", models.WorkerStatusRunning)
	if err := rig.sup.Stop("proj", "fake"); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	err := rig.sup.SendMessage("proj", "fake", models.Message{Type: "late"})
	if !errors.Is(err, ErrNotRunning) {
		t.Errorf("error = %v, want ErrNotRunning", err)
	}
}

func TestRestartReplacesRecord(t *testing.T) {
	rig := newTestRig(t)
	oldID, err := rig.sup.Launch("proj", "fake", WorkerConfig{Options: map[string]string{"keep": "me"}})
	if err != nil {
		t.Fatalf("Launch: %v", err)
	}
	waitForStatus(t, rig.sup, "proj", "fake", models.WorkerStatusRunning)

	newID, err := rig.sup.Restart("proj", "fake")
	if err != nil {
		t.Fatalf("Restart: %v", err)
	}
	if newID == oldID {
		t.Error("restart should create a fresh worker instance")
	}
	if rig.sup.Count() != 1 {
		t.Errorf("Count = %d, want 1 after restart", rig.sup.Count())
	}
	waitForStatus(t, rig.sup, "proj", "fake", models.WorkerStatusRunning)

	// The relaunched worker keeps the original configuration.
	fw := rig.lastWorker(t)
	if fw.deps.Config.Options["keep"] != "me" {
		t.Error("restart lost the original worker config")
	}
}

func TestHealthCheckBuckets(t *testing.T) {
	var mu sync.Mutex
	now := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	advance := func(d time.Duration) {
		mu.Lock()
		now = now.Add(d)
		mu.Unlock()
	}

	rig := newTestRig(t, WithClock(clock))

	if _, err := rig.sup.Launch("proj", "fake", WorkerConfig{}); err != nil {
		t.Fatalf("Launch: %v", err)
	}
	waitForStatus(t, rig.sup, "proj", "fake", models.WorkerStatusRunning)
	if _, err := rig.sup.Launch("proj", "receiver", WorkerConfig{}); err != nil {
		t.Fatalf("Launch: %v", err)
	}
	waitForStatus(t, rig.sup, "proj", "receiver", models.WorkerStatusRunning)
	if err := rig.sup.Stop("proj", "receiver"); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	report := rig.sup.HealthCheck()
	if len(report.Healthy) != 1 || report.Healthy[0].WorkerType != "fake" {
		t.Errorf("healthy = %v, want fake", report.Healthy)
	}
	if len(report.Stopped) != 1 || report.Stopped[0].WorkerType != "receiver" {
		t.Errorf("stopped = %v, want receiver", report.Stopped)
	}

	// A 61-second-old heartbeat makes a running worker unhealthy; the
	// stopped worker stays in the stopped bucket regardless of age.
	advance(61 * time.Second)
	report = rig.sup.HealthCheck()
	if len(report.Unhealthy) != 1 || report.Unhealthy[0].WorkerType != "fake" {
		t.Errorf("unhealthy = %v, want fake", report.Unhealthy)
	}
	if len(report.Stopped) != 1 {
		t.Errorf("stopped = %v, want receiver", report.Stopped)
	}
	if len(report.Healthy) != 0 {
		t.Errorf("healthy = %v, want empty", report.Healthy)
	}

	// A fresh heartbeat restores the healthy classification.
	if err := rig.sup.Heartbeat("proj", "fake"); err != nil {
		t.Fatalf("Heartbeat: %v", err)
	}
	report = rig.sup.HealthCheck()
	if len(report.Healthy) != 1 {
		t.Errorf("healthy = %v after heartbeat", report.Healthy)
	}
}

func TestAutoRestartAfterFailure(t *testing.T) {
	rig := &testRig{}
	reg := NewFactoryRegistry()
	var launches int
	var mu sync.Mutex
	reg.Register("flaky", func(deps Deps) (Worker, error) {
		mu.Lock()
		launches++
		n := launches
		mu.Unlock()
		if n == 1 {
			return &fakeWorker{deps: deps, runErr: errors.New("first run fails")}, nil
		}
		return &fakeWorker{deps: deps}, nil
	})
	rig.sup = New(reg, Config{
		AutoRestart:        true,
		RestartBackoffBase: time.Millisecond,
		RestartBackoffMax:  4 * time.Millisecond,
		ShutdownGrace:      200 * time.Millisecond,
	})
	t.Cleanup(rig.sup.StopAll)

	if _, err := rig.sup.Launch("proj", "flaky", WorkerConfig{}); err != nil {
		t.Fatalf("Launch: %v", err)
	}

	// First instance fails, the supervisor relaunches, second instance runs.
	waitForStatus(t, rig.sup, "proj", "flaky", models.WorkerStatusRunning)
	mu.Lock()
	n := launches
	mu.Unlock()
	if n != 2 {
		t.Errorf("factory invoked %d times, want 2", n)
	}
}

func TestListForProject(t *testing.T) {
	rig := newTestRig(t)
	if _, err := rig.sup.Launch("p1", "fake", WorkerConfig{}); err != nil {
		t.Fatalf("Launch: %v", err)
	}
	if _, err := rig.sup.Launch("p1", "receiver", WorkerConfig{}); err != nil {
		t.Fatalf("Launch: %v", err)
	}
	if _, err := rig.sup.Launch("p2", "fake", WorkerConfig{}); err != nil {
		t.Fatalf("Launch: %v", err)
	}

	if got := rig.sup.ListForProject("p1"); len(got) != 2 {
		t.Errorf("ListForProject(p1) = %d workers, want 2", len(got))
	}
	if got := rig.sup.List(); len(got) != 3 {
		t.Errorf("List() = %d workers, want 3", len(got))
	}
}
