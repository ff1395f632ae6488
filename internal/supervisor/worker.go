// Package supervisor launches and supervises worker instances, forwards
// their domain events onto a single aggregated outbound stream, and tracks
// per-worker runtime state. Workers are cooperatively scheduled goroutines;
// any true parallelism belongs to whatever external process hosts a given
// worker type.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"foreman/internal/bus"
	"foreman/internal/task"
	"foreman/pkg/models"
)

// ErrUnknownWorkerType indicates no factory is registered for a type tag.
var ErrUnknownWorkerType = errors.New("unknown worker type")

// Worker is the contract every worker implementation must satisfy.
// Initialize runs once before the event loop; Run blocks until the context
// is cancelled or the worker decides to exit; Shutdown performs cooperative
// cleanup.
type Worker interface {
	Initialize(ctx context.Context) error
	Run(ctx context.Context) error
	Shutdown(ctx context.Context) error
}

// MessageReceiver is optionally implemented by workers that accept direct
// message delivery. Workers without it receive messages through the bus.
type MessageReceiver interface {
	ReceiveMessage(msg models.Message) error
}

// WorkerConfig is the per-launch configuration handed to a factory.
type WorkerConfig struct {
	// Command and Args configure process-hosted workers.
	Command string   `json:"command,omitempty" yaml:"command,omitempty"`
	Args    []string `json:"args,omitempty" yaml:"args,omitempty"`
	// Dir is the working directory for process-hosted workers.
	Dir string `json:"dir,omitempty" yaml:"dir,omitempty"`
	// Env holds extra environment entries in KEY=VALUE form.
	Env []string `json:"env,omitempty" yaml:"env,omitempty"`
	// Options holds worker-type-specific settings.
	Options map[string]string `json:"options,omitempty" yaml:"options,omitempty"`
}

// Deps are the references injected into a worker at construction time.
// Tasks and Bus may be nil; workers must tolerate running without them.
type Deps struct {
	// WorkerID is the instance ID assigned by the supervisor.
	WorkerID string
	// ProjectID is the project the worker serves.
	ProjectID string
	// Tasks is the shared task store, if one is wired.
	Tasks *task.Store
	// Bus is the shared message bus, if one is wired.
	Bus *bus.Bus
	// Events is where the worker emits its domain events. The supervisor
	// stamps identity and timestamp before forwarding.
	Events chan<- models.Event
	// Config is the launch configuration.
	Config WorkerConfig
}

// Factory constructs a worker instance for a launch.
type Factory func(deps Deps) (Worker, error)

// FactoryRegistry maps worker-type tags to constructors. The set of types
// is closed at composition time: types are registered explicitly, never
// discovered dynamically.
type FactoryRegistry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewFactoryRegistry creates an empty registry.
func NewFactoryRegistry() *FactoryRegistry {
	return &FactoryRegistry{factories: make(map[string]Factory)}
}

// Register adds a factory under the given type tag, replacing any previous
// registration for that tag.
func (r *FactoryRegistry) Register(workerType string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[workerType] = f
}

// Resolve returns the factory for the type tag.
func (r *FactoryRegistry) Resolve(workerType string) (Factory, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.factories[workerType]
	if !ok {
		return nil, fmt.Errorf("%q: %w", workerType, ErrUnknownWorkerType)
	}
	return f, nil
}

// Types returns the registered type tags.
func (r *FactoryRegistry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.factories))
	for t := range r.factories {
		out = append(out, t)
	}
	return out
}
