package jobs

import (
	"context"
	"fmt"
	"sync"
)

// Verb is one consumer operation against a phase.
type Verb string

const (
	VerbCreate   Verb = "CREATE"
	VerbRetrieve Verb = "RETRIEVE"
	VerbUpdate   Verb = "UPDATE"
	VerbDelete   Verb = "DELETE"
)

// Request is the payload a consumer sent against a phase.
type Request struct {
	Body        []byte
	ContentType string
	Accept      string
}

// PhaseContext is handed to an action: mutate the phase through it so every
// transition is recorded under the job lock with a cause.
type PhaseContext struct {
	job   *Job
	phase *Phase
}

// Job returns a snapshot of the owning job.
func (pc *PhaseContext) Job() JobSnapshot { return pc.job.snapshotLocked() }

// Phase returns a snapshot of the phase under action.
func (pc *PhaseContext) Phase() PhaseSnapshot {
	return PhaseSnapshot{
		Name:             pc.phase.spec.Name,
		State:            pc.phase.state,
		StateDescription: pc.phase.stateDescription,
	}
}

// Transition moves the phase, recording the human-readable cause. Already
// terminal phases stay put.
func (pc *PhaseContext) Transition(state State, description string) {
	pc.phase.transition(state, description)
	pc.job.recalculateLocked()
}

// Action implements the behavior of one phase. The orchestrator has already
// authorized the caller and validated the content type by the time an
// action runs; the action decodes the body, advances the phase, and returns
// the response payload. Returning *RejectedError records the reason as the
// phase's failure description before the error propagates.
type Action interface {
	Create(ctx context.Context, pc *PhaseContext, req Request) ([]byte, error)
	Retrieve(ctx context.Context, pc *PhaseContext, req Request) ([]byte, error)
	Update(ctx context.Context, pc *PhaseContext, req Request) ([]byte, error)
	Delete(ctx context.Context, pc *PhaseContext, req Request) ([]byte, error)
}

// ActionFactory builds the Action for a phase. Factories run at dispatch
// time so actions may hold per-invocation state.
type ActionFactory func() (Action, error)

// ActionRegistry maps phase names to their action factories. Handlers are
// registered explicitly at startup; there is no runtime reflection or
// class-name resolution.
type ActionRegistry struct {
	mu        sync.RWMutex
	factories map[string]ActionFactory
}

// NewActionRegistry creates an empty registry.
func NewActionRegistry() *ActionRegistry {
	return &ActionRegistry{factories: make(map[string]ActionFactory)}
}

// Register binds a phase name to a factory. Registering the same name twice
// is a startup error.
func (r *ActionRegistry) Register(phaseName string, factory ActionFactory) error {
	if phaseName == "" {
		return fmt.Errorf("register action: empty phase name")
	}
	if factory == nil {
		return fmt.Errorf("register action %q: nil factory", phaseName)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.factories[phaseName]; ok {
		return fmt.Errorf("action for phase %q already registered", phaseName)
	}
	r.factories[phaseName] = factory
	return nil
}

// Resolve builds the action for a phase name.
func (r *ActionRegistry) Resolve(phaseName string) (Action, error) {
	r.mu.RLock()
	factory, ok := r.factories[phaseName]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("no action registered for phase %q", phaseName)
	}
	action, err := factory()
	if err != nil {
		return nil, fmt.Errorf("building action for phase %q: %w", phaseName, err)
	}
	return action, nil
}
