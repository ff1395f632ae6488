package supervisor

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"foreman/pkg/models"
)

// ErrShutdownTimeout indicates a process-hosted worker had to be forcibly
// killed after the grace period expired.
var ErrShutdownTimeout = errors.New("worker did not exit within grace period")

// defaultProcGrace is the grace between SIGTERM and SIGKILL.
const defaultProcGrace = 10 * time.Second

// ProcWorker hosts an external command as a worker. Run starts the
// command, streams its output lines as log events and blocks until the
// process exits or the context is cancelled. Cancellation sends SIGTERM
// and escalates to SIGKILL after the grace period.
type ProcWorker struct {
	deps  Deps
	grace time.Duration

	mu         sync.Mutex
	forcedKill bool
	done       chan struct{}
}

// NewProcWorker creates a process-hosted worker from the launch config.
// Config.Command is required.
func NewProcWorker(deps Deps, grace time.Duration) (*ProcWorker, error) {
	if deps.Config.Command == "" {
		return nil, fmt.Errorf("proc worker: command is required")
	}
	if grace <= 0 {
		grace = defaultProcGrace
	}
	return &ProcWorker{
		deps:  deps,
		grace: grace,
		done:  make(chan struct{}),
	}, nil
}

// RegisterProcWorker registers the "proc" worker type on the registry.
func RegisterProcWorker(r *FactoryRegistry, grace time.Duration) {
	r.Register("proc", func(deps Deps) (Worker, error) {
		return NewProcWorker(deps, grace)
	})
}

// Initialize verifies the command is resolvable.
func (w *ProcWorker) Initialize(ctx context.Context) error {
	if _, err := exec.LookPath(w.deps.Config.Command); err != nil {
		return fmt.Errorf("resolve command %q: %w", w.deps.Config.Command, err)
	}
	return nil
}

// Run starts the process and blocks until it exits or the context is
// cancelled. Output lines are emitted as log events.
func (w *ProcWorker) Run(ctx context.Context) error {
	defer close(w.done)

	cfg := w.deps.Config
	cmd := exec.Command(cfg.Command, cfg.Args...)
	if cfg.Dir != "" {
		cmd.Dir = cfg.Dir
	}
	cmd.Env = append(os.Environ(), cfg.Env...)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start %q: %w", cfg.Command, err)
	}
	w.emit(models.Event{
		Type:    models.EventLog,
		Message: fmt.Sprintf("started %s (pid %d)", cfg.Command, cmd.Process.Pid),
	})

	var scanners sync.WaitGroup
	scanners.Add(2)
	go w.stream(&scanners, stdout, "")
	go w.stream(&scanners, stderr, "stderr: ")

	waitErr := make(chan error, 1)
	go func() { waitErr <- cmd.Wait() }()

	select {
	case err := <-waitErr:
		scanners.Wait()
		if err != nil {
			return fmt.Errorf("process exited: %w", err)
		}
		return nil

	case <-ctx.Done():
		// Graceful termination, then force after the grace period.
		_ = cmd.Process.Signal(syscall.SIGTERM)
		select {
		case <-waitErr:
		case <-time.After(w.grace):
			_ = cmd.Process.Kill()
			<-waitErr
			w.mu.Lock()
			w.forcedKill = true
			w.mu.Unlock()
		}
		scanners.Wait()
		return ctx.Err()
	}
}

// Shutdown waits for the process to be gone. It returns ErrShutdownTimeout
// if the process had to be forcibly killed.
func (w *ProcWorker) Shutdown(ctx context.Context) error {
	select {
	case <-w.done:
	case <-ctx.Done():
		return ctx.Err()
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.forcedKill {
		return fmt.Errorf("%s: %w", w.deps.Config.Command, ErrShutdownTimeout)
	}
	return nil
}

// stream forwards output lines as log events.
func (w *ProcWorker) stream(wg *sync.WaitGroup, r io.Reader, prefix string) {
	defer wg.Done()
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		w.emit(models.Event{
			Type:    models.EventLog,
			Message: prefix + scanner.Text(),
		})
	}
}

// emit sends an event without ever blocking the process pipes.
func (w *ProcWorker) emit(ev models.Event) {
	select {
	case w.deps.Events <- ev:
	default:
	}
}
