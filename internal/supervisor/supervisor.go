package supervisor

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"foreman/internal/bus"
	"foreman/internal/task"
	"foreman/pkg/models"
)

// ErrAlreadyRunning indicates an active worker already occupies the
// (projectID, workerType) slot.
var ErrAlreadyRunning = errors.New("worker already running")

// ErrWorkerNotFound indicates no runtime record exists for the key.
var ErrWorkerNotFound = errors.New("worker not found")

// ErrNotRunning indicates the worker is not in status running.
var ErrNotRunning = errors.New("worker not running")

// ErrNoMessageRoute indicates the worker accepts no direct delivery and no
// bus is wired.
var ErrNoMessageRoute = errors.New("no message route to worker")

// Config holds supervisor tuning knobs.
type Config struct {
	// HeartbeatStale is the heartbeat age beyond which a worker is
	// classified unhealthy.
	HeartbeatStale time.Duration
	// ShutdownGrace is how long a worker gets to shut down cooperatively.
	ShutdownGrace time.Duration
	// EventBuffer is the outbound stream's channel buffer.
	EventBuffer int
	// WorkerEventBuffer is each worker's event channel buffer.
	WorkerEventBuffer int
	// RestartBackoffBase is the first restart delay; subsequent restarts
	// for the same key double it up to RestartBackoffMax.
	RestartBackoffBase time.Duration
	// RestartBackoffMax caps the restart delay.
	RestartBackoffMax time.Duration
	// AutoRestart relaunches a worker whose init or event loop failed.
	AutoRestart bool
	// MaxAutoRestarts bounds consecutive automatic relaunches per key.
	MaxAutoRestarts int
	// LogBuffer and ErrorBuffer bound the per-worker ring buffers.
	LogBuffer   int
	ErrorBuffer int
}

func (c Config) withDefaults() Config {
	if c.HeartbeatStale <= 0 {
		c.HeartbeatStale = 60 * time.Second
	}
	if c.ShutdownGrace <= 0 {
		c.ShutdownGrace = 10 * time.Second
	}
	if c.EventBuffer <= 0 {
		c.EventBuffer = 256
	}
	if c.WorkerEventBuffer <= 0 {
		c.WorkerEventBuffer = 64
	}
	if c.RestartBackoffBase <= 0 {
		c.RestartBackoffBase = time.Second
	}
	if c.RestartBackoffMax <= 0 {
		c.RestartBackoffMax = 30 * time.Second
	}
	if c.MaxAutoRestarts <= 0 {
		c.MaxAutoRestarts = 5
	}
	if c.LogBuffer <= 0 {
		c.LogBuffer = 100
	}
	if c.ErrorBuffer <= 0 {
		c.ErrorBuffer = 50
	}
	return c
}

// HealthReport buckets every registered worker by liveness.
type HealthReport struct {
	// Healthy workers are active with a fresh heartbeat.
	Healthy []models.WorkerKey `json:"healthy"`
	// Unhealthy workers are active but their heartbeat has gone stale.
	Unhealthy []models.WorkerKey `json:"unhealthy"`
	// Stopped workers are in a terminal status, regardless of heartbeat age.
	Stopped []models.WorkerKey `json:"stopped"`
}

// Option configures a Supervisor.
type Option func(*Supervisor)

// WithTaskStore injects the shared task store passed to workers.
func WithTaskStore(ts *task.Store) Option {
	return func(s *Supervisor) { s.tasks = ts }
}

// WithBus injects the shared message bus used for indirect delivery.
func WithBus(b *bus.Bus) Option {
	return func(s *Supervisor) { s.bus = b }
}

// WithDebugLogger wires a debug logger for verbose supervisor tracing.
func WithDebugLogger(l *DebugLogger) Option {
	return func(s *Supervisor) { s.logger = l }
}

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Supervisor) { s.now = now }
}

// record is the supervisor-owned runtime state for one worker.
type record struct {
	mu       sync.Mutex
	worker   models.Worker
	cfg      WorkerConfig
	instance Worker

	events    chan models.Event
	ctx       context.Context
	cancel    context.CancelFunc
	loopDone  chan struct{}
	closeOnce sync.Once

	logs *stringRing
	errs *stringRing
}

func (r *record) closeEvents() {
	r.closeOnce.Do(func() { close(r.events) })
}

func (r *record) status() models.WorkerStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.worker.Status
}

func (r *record) setStatus(st models.WorkerStatus, now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.worker.Status = st
	if st.Terminal() && r.worker.EndedAt == nil {
		ended := now
		r.worker.EndedAt = &ended
	}
}

// snapshot copies the runtime record for callers. Ring buffers are
// flattened into the copy.
func (r *record) snapshot() models.Worker {
	r.mu.Lock()
	defer r.mu.Unlock()
	w := r.worker
	if r.worker.EndedAt != nil {
		ended := *r.worker.EndedAt
		w.EndedAt = &ended
	}
	w.Logs = r.logs.Last(0)
	w.Errors = r.errs.Last(0)
	return w
}

// touch applies a forwarded event to the record: refreshes the heartbeat
// and updates counters and ring buffers.
func (r *record) touch(ev models.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.worker.LastHeartbeat = ev.Timestamp
	switch ev.Type {
	case models.EventLog:
		r.logs.Append(ev.Message)
	case models.EventError:
		msg := ev.Err
		if msg == "" {
			msg = ev.Message
		}
		r.errs.Append(msg)
		r.worker.LastError = msg
		r.worker.ErrorCount++
	case models.EventMessageProcessed:
		r.worker.MessagesProcessed++
	case models.EventTaskCompleted:
		r.worker.TasksCompleted++
	}
}

// Supervisor launches, supervises and stops workers. The registry enforces
// at most one active worker per (projectID, workerType) key; registration
// is an atomic insert-if-absent under the registry lock, so concurrent
// launches for the same key cannot both succeed.
type Supervisor struct {
	cfg       Config
	factories *FactoryRegistry
	tasks     *task.Store
	bus       *bus.Bus
	emitter   *Emitter
	logger    *DebugLogger
	now       func() time.Time

	mu       sync.RWMutex
	records  map[models.WorkerKey]*record
	restarts map[models.WorkerKey]int

	wg sync.WaitGroup
}

// New creates a Supervisor resolving worker implementations from the
// given factory registry.
func New(factories *FactoryRegistry, cfg Config, opts ...Option) *Supervisor {
	s := &Supervisor{
		cfg:       cfg.withDefaults(),
		factories: factories,
		records:   make(map[models.WorkerKey]*record),
		restarts:  make(map[models.WorkerKey]int),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.emitter = NewEmitter(s.cfg.EventBuffer)
	return s
}

// Launch constructs and registers a worker for (projectID, workerType) and
// returns its instance ID immediately. Initialization and the event loop
// run asynchronously: success flips the status to running, a failure flips
// it to error, records the error and emits an error event without crashing
// the supervisor. Launch fails with ErrAlreadyRunning while an active
// worker occupies the slot.
func (s *Supervisor) Launch(projectID, workerType string, cfg WorkerConfig) (string, error) {
	key := models.WorkerKey{ProjectID: projectID, WorkerType: workerType}

	s.mu.Lock()
	if existing, ok := s.records[key]; ok && !existing.status().Terminal() {
		s.mu.Unlock()
		return "", fmt.Errorf("launch %s: %w", key, ErrAlreadyRunning)
	}

	factory, err := s.factories.Resolve(workerType)
	if err != nil {
		s.mu.Unlock()
		return "", fmt.Errorf("launch %s: %w", key, err)
	}

	now := s.now()
	rec := &record{
		worker: models.Worker{
			ID:            uuid.New().String(),
			ProjectID:     projectID,
			Type:          workerType,
			Status:        models.WorkerStatusStarting,
			StartedAt:     now,
			LastHeartbeat: now,
		},
		cfg:      cfg,
		events:   make(chan models.Event, s.cfg.WorkerEventBuffer),
		loopDone: make(chan struct{}),
		logs:     newStringRing(s.cfg.LogBuffer),
		errs:     newStringRing(s.cfg.ErrorBuffer),
	}
	rec.ctx, rec.cancel = context.WithCancel(context.Background())

	instance, err := factory(Deps{
		WorkerID:  rec.worker.ID,
		ProjectID: projectID,
		Tasks:     s.tasks,
		Bus:       s.bus,
		Events:    rec.events,
		Config:    cfg,
	})
	if err != nil {
		s.mu.Unlock()
		return "", fmt.Errorf("launch %s: construct worker: %w", key, err)
	}
	rec.instance = instance

	s.records[key] = rec
	s.mu.Unlock()

	s.debugf("[supervisor] launched %s id=%s", key, rec.worker.ID)
	s.emitStamped(rec, models.Event{
		Type:    models.EventWorkerLaunched,
		Message: fmt.Sprintf("worker %s launched", key),
	})

	s.wg.Add(2)
	go s.forward(rec)
	go s.runWorker(key, rec)

	return rec.worker.ID, nil
}

// forward relays events from the worker's channel to the outbound stream,
// stamping identity and timestamp and updating the runtime record.
func (s *Supervisor) forward(rec *record) {
	defer s.wg.Done()
	for ev := range rec.events {
		ev.WorkerID = rec.worker.ID
		ev.ProjectID = rec.worker.ProjectID
		ev.WorkerType = rec.worker.Type
		if ev.Timestamp.IsZero() {
			ev.Timestamp = s.now()
		}
		rec.touch(ev)
		s.emitter.Emit(ev)
	}
}

// runWorker drives Initialize and Run, converting failures into worker
// status changes and error events.
func (s *Supervisor) runWorker(key models.WorkerKey, rec *record) {
	defer s.wg.Done()
	defer close(rec.loopDone)

	if err := rec.instance.Initialize(rec.ctx); err != nil {
		if rec.ctx.Err() != nil {
			return // stopped during init; Stop owns the status
		}
		s.failWorker(key, rec, fmt.Errorf("initialize: %w", err))
		return
	}

	rec.setStatus(models.WorkerStatusRunning, s.now())
	s.emitStamped(rec, models.Event{
		Type:    models.EventStatusUpdate,
		Message: "worker running",
	})

	err := rec.instance.Run(rec.ctx)
	if rec.ctx.Err() != nil {
		return // cooperative stop in progress; Stop owns the status
	}
	if err != nil {
		s.failWorker(key, rec, fmt.Errorf("event loop: %w", err))
		return
	}

	// Voluntary clean exit: shut down and leave the record inspectable.
	sctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownGrace)
	defer cancel()
	if err := rec.instance.Shutdown(sctx); err != nil {
		s.debugf("[supervisor] %s: shutdown after clean exit: %v", key, err)
	}
	rec.setStatus(models.WorkerStatusStopped, s.now())
	s.emitStamped(rec, models.Event{
		Type:    models.EventWorkerStopped,
		Message: fmt.Sprintf("worker %s stopped", key),
	})
	rec.closeEvents()
}

// failWorker records an async worker failure: status error, error ring,
// error event. Never propagates.
func (s *Supervisor) failWorker(key models.WorkerKey, rec *record, err error) {
	now := s.now()
	rec.mu.Lock()
	rec.worker.Status = models.WorkerStatusError
	rec.worker.LastError = err.Error()
	rec.worker.ErrorCount++
	rec.errs.Append(err.Error())
	if rec.worker.EndedAt == nil {
		ended := now
		rec.worker.EndedAt = &ended
	}
	rec.mu.Unlock()

	s.debugf("[supervisor] %s failed: %v", key, err)
	s.emitStamped(rec, models.Event{
		Type:    models.EventError,
		Message: fmt.Sprintf("worker %s failed", key),
		Err:     err.Error(),
	})
	rec.closeEvents()

	if s.cfg.AutoRestart {
		go s.autoRestart(key, rec)
	}
}

// autoRestart relaunches a failed worker after a bounded exponential
// backoff, up to MaxAutoRestarts consecutive attempts per key.
func (s *Supervisor) autoRestart(key models.WorkerKey, failed *record) {
	s.mu.Lock()
	attempts := s.restarts[key]
	if attempts >= s.cfg.MaxAutoRestarts {
		s.mu.Unlock()
		s.debugf("[supervisor] %s: restart ceiling (%d) reached", key, attempts)
		return
	}
	s.restarts[key] = attempts + 1
	s.mu.Unlock()

	time.Sleep(s.backoff(attempts))

	s.mu.Lock()
	if s.records[key] != failed {
		s.mu.Unlock()
		return // slot was relaunched or removed while we waited
	}
	delete(s.records, key)
	s.mu.Unlock()

	if _, err := s.Launch(key.ProjectID, key.WorkerType, failed.cfg); err != nil {
		s.debugf("[supervisor] %s: auto-restart failed: %v", key, err)
	}
}

// backoff returns the delay for the given attempt number: base doubled per
// attempt, capped.
func (s *Supervisor) backoff(attempt int) time.Duration {
	d := s.cfg.RestartBackoffBase
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= s.cfg.RestartBackoffMax {
			return s.cfg.RestartBackoffMax
		}
	}
	return d
}

// Stop shuts the worker down cooperatively: status stopping, context
// cancelled, Shutdown invoked with the grace period, then status stopped.
// The runtime record stays registered for inspection. Stopping a worker
// that is already terminal is a no-op.
func (s *Supervisor) Stop(projectID, workerType string) error {
	key := models.WorkerKey{ProjectID: projectID, WorkerType: workerType}

	s.mu.RLock()
	rec, ok := s.records[key]
	s.mu.RUnlock()
	if !ok {
		return fmt.Errorf("stop %s: %w", key, ErrWorkerNotFound)
	}

	rec.mu.Lock()
	st := rec.worker.Status
	if st.Terminal() || st == models.WorkerStatusStopping {
		rec.mu.Unlock()
		return nil
	}
	rec.worker.Status = models.WorkerStatusStopping
	rec.mu.Unlock()

	rec.cancel()

	// Wait for the event loop to yield, but only best-effort: stop never
	// forcibly interrupts an externally-blocking worker.
	select {
	case <-rec.loopDone:
	case <-time.After(s.cfg.ShutdownGrace + time.Second):
		s.debugf("[supervisor] %s: event loop did not yield within grace", key)
	}

	sctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownGrace)
	defer cancel()
	err := rec.instance.Shutdown(sctx)

	rec.setStatus(models.WorkerStatusStopped, s.now())
	s.emitStamped(rec, models.Event{
		Type:    models.EventWorkerStopped,
		Message: fmt.Sprintf("worker %s stopped", key),
	})

	// Close the worker's event channel once the loop has actually exited;
	// closing earlier could race a final emit from Run.
	go func() {
		<-rec.loopDone
		rec.closeEvents()
	}()

	s.mu.Lock()
	delete(s.restarts, key) // clean stop resets the backoff counter
	s.mu.Unlock()

	if err != nil {
		return fmt.Errorf("stop %s: shutdown: %w", key, err)
	}
	return nil
}

// Restart stops the worker, waits out the restart backoff, removes the old
// record and relaunches with the same configuration. Returns the new
// worker's instance ID.
func (s *Supervisor) Restart(projectID, workerType string) (string, error) {
	key := models.WorkerKey{ProjectID: projectID, WorkerType: workerType}

	s.mu.RLock()
	rec, ok := s.records[key]
	s.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("restart %s: %w", key, ErrWorkerNotFound)
	}
	cfg := rec.cfg

	if err := s.Stop(projectID, workerType); err != nil {
		s.debugf("[supervisor] restart %s: stop: %v", key, err)
	}

	s.mu.Lock()
	attempts := s.restarts[key]
	s.restarts[key] = attempts + 1
	s.mu.Unlock()

	time.Sleep(s.backoff(attempts))

	s.mu.Lock()
	if s.records[key] == rec {
		delete(s.records, key)
	}
	s.mu.Unlock()

	return s.Launch(projectID, workerType, cfg)
}

// SendMessage delivers a message to the worker. Delivery is direct when
// the worker implements MessageReceiver, otherwise the message is routed
// through the bus. Fails with ErrNotRunning unless the worker is running.
func (s *Supervisor) SendMessage(projectID, workerType string, msg models.Message) error {
	key := models.WorkerKey{ProjectID: projectID, WorkerType: workerType}

	s.mu.RLock()
	rec, ok := s.records[key]
	s.mu.RUnlock()
	if !ok {
		return fmt.Errorf("send to %s: %w", key, ErrWorkerNotFound)
	}
	if rec.status() != models.WorkerStatusRunning {
		return fmt.Errorf("send to %s: %w", key, ErrNotRunning)
	}

	if msg.To == "" {
		msg.To = key.String()
	}

	if receiver, ok := rec.instance.(MessageReceiver); ok {
		if err := receiver.ReceiveMessage(msg); err != nil {
			return fmt.Errorf("send to %s: %w", key, err)
		}
		rec.mu.Lock()
		rec.worker.MessagesProcessed++
		rec.mu.Unlock()
		return nil
	}

	if s.bus == nil {
		return fmt.Errorf("send to %s: %w", key, ErrNoMessageRoute)
	}
	s.bus.Send(msg)
	return nil
}

// Heartbeat refreshes the worker's liveness timestamp.
func (s *Supervisor) Heartbeat(projectID, workerType string) error {
	key := models.WorkerKey{ProjectID: projectID, WorkerType: workerType}

	s.mu.RLock()
	rec, ok := s.records[key]
	s.mu.RUnlock()
	if !ok {
		return fmt.Errorf("heartbeat %s: %w", key, ErrWorkerNotFound)
	}
	rec.mu.Lock()
	rec.worker.LastHeartbeat = s.now()
	rec.mu.Unlock()
	return nil
}

// HealthCheck classifies every registered worker: healthy (active, fresh
// heartbeat), unhealthy (active, stale heartbeat), stopped (terminal
// status regardless of heartbeat age). Keys in each bucket are sorted.
func (s *Supervisor) HealthCheck() HealthReport {
	s.mu.RLock()
	defer s.mu.RUnlock()

	now := s.now()
	var report HealthReport
	for key, rec := range s.records {
		w := rec.snapshot()
		switch {
		case w.Status.Terminal():
			report.Stopped = append(report.Stopped, key)
		case now.Sub(w.LastHeartbeat) < s.cfg.HeartbeatStale:
			report.Healthy = append(report.Healthy, key)
		default:
			report.Unhealthy = append(report.Unhealthy, key)
		}
	}
	sortKeys(report.Healthy)
	sortKeys(report.Unhealthy)
	sortKeys(report.Stopped)
	return report
}

// Status returns a snapshot of the worker's runtime record.
func (s *Supervisor) Status(projectID, workerType string) (models.Worker, error) {
	key := models.WorkerKey{ProjectID: projectID, WorkerType: workerType}

	s.mu.RLock()
	rec, ok := s.records[key]
	s.mu.RUnlock()
	if !ok {
		return models.Worker{}, fmt.Errorf("status %s: %w", key, ErrWorkerNotFound)
	}
	return rec.snapshot(), nil
}

// ListForProject returns snapshots of all workers in the project.
func (s *Supervisor) ListForProject(projectID string) []models.Worker {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []models.Worker
	for key, rec := range s.records {
		if key.ProjectID == projectID {
			out = append(out, rec.snapshot())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Type < out[j].Type })
	return out
}

// List returns snapshots of every registered worker.
func (s *Supervisor) List() []models.Worker {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]models.Worker, 0, len(s.records))
	for _, rec := range s.records {
		out = append(out, rec.snapshot())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ProjectID != out[j].ProjectID {
			return out[i].ProjectID < out[j].ProjectID
		}
		return out[i].Type < out[j].Type
	})
	return out
}

// Logs returns up to n of the worker's most recent log lines, oldest first.
func (s *Supervisor) Logs(projectID, workerType string, n int) ([]string, error) {
	key := models.WorkerKey{ProjectID: projectID, WorkerType: workerType}

	s.mu.RLock()
	rec, ok := s.records[key]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("logs %s: %w", key, ErrWorkerNotFound)
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return rec.logs.Last(n), nil
}

// Events returns the aggregated outbound event stream.
func (s *Supervisor) Events() <-chan models.Event {
	return s.emitter.Events()
}

// DroppedEventCount returns how many outbound events were dropped because
// the stream's consumer fell behind.
func (s *Supervisor) DroppedEventCount() uint64 {
	return s.emitter.DroppedCount()
}

// Count returns the number of registered runtime records.
func (s *Supervisor) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

// StopAll stops every worker, removes all runtime records and closes the
// outbound stream. Waiting for worker goroutines is bounded by the grace
// period; a worker stuck in an external call is abandoned.
func (s *Supervisor) StopAll() {
	s.mu.RLock()
	keys := make([]models.WorkerKey, 0, len(s.records))
	for key := range s.records {
		keys = append(keys, key)
	}
	s.mu.RUnlock()

	for _, key := range keys {
		if err := s.Stop(key.ProjectID, key.WorkerType); err != nil {
			s.debugf("[supervisor] stop all: %s: %v", key, err)
		}
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * s.cfg.ShutdownGrace):
		s.debugf("[supervisor] stop all: timed out waiting for worker goroutines")
	}

	s.mu.Lock()
	s.records = make(map[models.WorkerKey]*record)
	s.mu.Unlock()

	s.emitter.Close()
}

// emitStamped emits a supervisor-originated event stamped with the
// worker's identity.
func (s *Supervisor) emitStamped(rec *record, ev models.Event) {
	ev.WorkerID = rec.worker.ID
	ev.ProjectID = rec.worker.ProjectID
	ev.WorkerType = rec.worker.Type
	ev.Timestamp = s.now()
	s.emitter.Emit(ev)
}

func (s *Supervisor) debugf(format string, args ...interface{}) {
	if s.logger != nil {
		s.logger.Log(format, args...)
	}
}

func sortKeys(keys []models.WorkerKey) {
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].ProjectID != keys[j].ProjectID {
			return keys[i].ProjectID < keys[j].ProjectID
		}
		return keys[i].WorkerType < keys[j].WorkerType
	})
}
