// Package jobs orchestrates the long-running work behind functional
// services: a Job owns an ordered set of Phases, each independently
// stateful and rights-gated, with the whole job bounded by a timeout. The
// orchestrator dispatches consumer verbs to pluggable phase actions,
// records every transition with a human-readable cause, and forces
// expired jobs to failure while letting in-flight actions finish.
package jobs

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sifworks/broker-go/environment"
)

// State of a job or phase.
type State string

const (
	StateNotStarted State = "NOTSTARTED"
	StateInProgress State = "INPROGRESS"
	StateCompleted  State = "COMPLETED"
	StateFailed     State = "FAILED"
)

// Terminal reports whether the state is final.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

// ErrJobNotFound indicates the job ID is not (or no longer) known.
var ErrJobNotFound = errors.New("job not found")

// ErrPhaseNotFound indicates the job has no phase of the given name.
var ErrPhaseNotFound = errors.New("phase not found")

// RejectedError is a phase-action refusal. The orchestrator records its
// reason as the phase's failure description before propagating it.
type RejectedError struct {
	Reason string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("rejected: %s", e.Reason)
}

// Rights is the set of (permission, privilege) pairs a caller must hold.
type Rights map[environment.Permission]environment.Privilege

// PhaseSpec declares one phase of a job: its name, the rights required to
// start it, the rights required for every other verb against it, and the
// media types it accepts (empty means any).
type PhaseSpec struct {
	Name         string
	CreateRights Rights
	AccessRights Rights
	MediaTypes   []string
}

// Phase is one named, independently stateful step of a job. Its fields are
// guarded by the owning job's lock; read them through Snapshot when outside
// a dispatch.
type Phase struct {
	spec             PhaseSpec
	state            State
	stateDescription string
}

// PhaseSnapshot is a point-in-time copy of a phase's observable state.
type PhaseSnapshot struct {
	Name             string
	State            State
	StateDescription string
}

// Name returns the phase name (immutable, safe without the job lock).
func (p *Phase) Name() string { return p.spec.Name }

// transition moves the phase to a new state, recording the cause. Terminal
// states are sticky: transitioning an already-terminal phase is a no-op so
// a completed phase can never be failed after the fact.
func (p *Phase) transition(state State, description string) {
	if p.state.Terminal() {
		return
	}
	p.state = state
	p.stateDescription = description
}

// Job is one orchestrated unit of work.
type Job struct {
	mu sync.Mutex

	id       string
	phases   []*Phase // declaration order
	byName   map[string]*Phase
	state    State
	created  time.Time
	modified time.Time
	timeout  time.Duration
	timer    *time.Timer
}

// JobSnapshot is a point-in-time copy of a job's observable state.
type JobSnapshot struct {
	ID           string
	State        State
	Created      time.Time
	LastModified time.Time
	Timeout      time.Duration
	Phases       []PhaseSnapshot
}

func newJob(specs []PhaseSpec, timeout time.Duration) (*Job, error) {
	j := &Job{
		id:       uuid.NewString(),
		byName:   make(map[string]*Phase, len(specs)),
		state:    StateNotStarted,
		created:  time.Now(),
		timeout:  timeout,
	}
	j.modified = j.created
	for _, spec := range specs {
		if spec.Name == "" {
			return nil, fmt.Errorf("phase with empty name")
		}
		if _, ok := j.byName[spec.Name]; ok {
			return nil, fmt.Errorf("duplicate phase %q", spec.Name)
		}
		p := &Phase{spec: spec, state: StateNotStarted}
		j.phases = append(j.phases, p)
		j.byName[spec.Name] = p
	}
	return j, nil
}

// ID returns the job's identifier.
func (j *Job) ID() string { return j.id }

// Snapshot returns a consistent copy of the job and all its phases.
func (j *Job) Snapshot() JobSnapshot {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.snapshotLocked()
}

func (j *Job) snapshotLocked() JobSnapshot {
	snap := JobSnapshot{
		ID:           j.id,
		State:        j.state,
		Created:      j.created,
		LastModified: j.modified,
		Timeout:      j.timeout,
	}
	for _, p := range j.phases {
		snap.Phases = append(snap.Phases, PhaseSnapshot{
			Name:             p.spec.Name,
			State:            p.state,
			StateDescription: p.stateDescription,
		})
	}
	return snap
}

// recalculateLocked derives the aggregate state from the phases. A terminal
// aggregate state never regresses.
func (j *Job) recalculateLocked() {
	j.modified = time.Now()
	if j.state.Terminal() {
		return
	}

	allTerminal := true
	anyFailed := false
	anyTouched := false
	for _, p := range j.phases {
		if !p.state.Terminal() {
			allTerminal = false
		}
		if p.state == StateFailed {
			anyFailed = true
		}
		if p.state != StateNotStarted {
			anyTouched = true
		}
	}

	switch {
	case allTerminal && anyFailed:
		j.state = StateFailed
	case allTerminal:
		j.state = StateCompleted
	case anyTouched:
		j.state = StateInProgress
	default:
		j.state = StateNotStarted
	}
}

// deadline returns the instant the job times out. A non-positive timeout
// means the job is expired as soon as a timeout check sees it.
func (j *Job) deadline() time.Time {
	return j.created.Add(j.timeout)
}
