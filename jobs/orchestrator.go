package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/elnormous/contenttype"

	"github.com/sifworks/broker-go/environment"
	"github.com/sifworks/broker-go/internal/logctx"
	"github.com/sifworks/broker-go/rights"
)

// Authorizer gates phase verbs. rights.Service satisfies it.
type Authorizer interface {
	MustAuthorize(ctx context.Context, sessionToken string, target rights.Target) error
}

// ShutdownHook runs when a job's timeout expires, after all non-terminal
// phases have been forced to FAILED. Its result says whether the job record
// may be deleted; the default hook refuses so expired jobs stay inspectable.
type ShutdownHook interface {
	OnTimeout(ctx context.Context, job JobSnapshot) (deleteRecord bool, err error)
}

// denyCleanupHook is the default: keep the failed job record around.
type denyCleanupHook struct{}

func (denyCleanupHook) OnTimeout(context.Context, JobSnapshot) (bool, error) { return false, nil }

// Orchestrator runs the jobs of one functional service.
type Orchestrator struct {
	serviceName string
	registry    *ActionRegistry
	auth        Authorizer
	hook        ShutdownHook
	log         *slog.Logger

	mu   sync.Mutex
	jobs map[string]*Job
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithShutdownHook replaces the default deny-cleanup timeout hook.
func WithShutdownHook(hook ShutdownHook) Option {
	return func(o *Orchestrator) { o.hook = hook }
}

// WithLogger sets the logger for orchestration diagnostics.
func WithLogger(log *slog.Logger) Option {
	return func(o *Orchestrator) { o.log = log }
}

// New creates an orchestrator for the named functional service. Verbs are
// authorized against that service name through auth.
func New(serviceName string, registry *ActionRegistry, auth Authorizer, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		serviceName: serviceName,
		registry:    registry,
		auth:        auth,
		hook:        denyCleanupHook{},
		log:         slog.Default(),
		jobs:        make(map[string]*Job),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// CreateJob creates and tracks a job with the given phases. A positive
// timeout arms a timer that expires the job; a non-positive timeout marks
// the job expired for the next timeout check without arming anything.
func (o *Orchestrator) CreateJob(ctx context.Context, specs []PhaseSpec, timeout time.Duration) (JobSnapshot, error) {
	j, err := newJob(specs, timeout)
	if err != nil {
		return JobSnapshot{}, fmt.Errorf("create job: %w", err)
	}

	// The timer is armed under o.mu, before the lock is released: its
	// callback can remove the job, and RemoveJob reads j.timer under the
	// same lock.
	o.mu.Lock()
	o.jobs[j.id] = j
	if timeout > 0 {
		j.timer = time.AfterFunc(timeout, func() {
			if err := o.CheckTimeout(context.Background(), j.id); err != nil && !errors.Is(err, ErrJobNotFound) {
				o.log.Error("job timeout handling failed", "job_id", j.id, "error", err)
			}
		})
	}
	o.mu.Unlock()

	o.log.InfoContext(ctx, "job created", "job_id", j.id, "service", o.serviceName, "phases", len(specs), "timeout", timeout)
	return j.Snapshot(), nil
}

// Job returns a snapshot of a tracked job.
func (o *Orchestrator) Job(jobID string) (JobSnapshot, error) {
	j, err := o.lookup(jobID)
	if err != nil {
		return JobSnapshot{}, err
	}
	return j.Snapshot(), nil
}

// Jobs returns snapshots of all tracked jobs.
func (o *Orchestrator) Jobs() []JobSnapshot {
	o.mu.Lock()
	tracked := make([]*Job, 0, len(o.jobs))
	for _, j := range o.jobs {
		tracked = append(tracked, j)
	}
	o.mu.Unlock()

	snaps := make([]JobSnapshot, 0, len(tracked))
	for _, j := range tracked {
		snaps = append(snaps, j.Snapshot())
	}
	return snaps
}

// RemoveJob stops tracking a job and disarms its timer. Removing an unknown
// job is a no-op.
func (o *Orchestrator) RemoveJob(jobID string) {
	o.mu.Lock()
	j, ok := o.jobs[jobID]
	delete(o.jobs, jobID)
	var timer *time.Timer
	if ok {
		timer = j.timer
	}
	o.mu.Unlock()
	if timer != nil {
		timer.Stop()
	}
}

// Close disarms all timers. Jobs remain inspectable.
func (o *Orchestrator) Close() {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, j := range o.jobs {
		if j.timer != nil {
			j.timer.Stop()
		}
	}
}

func (o *Orchestrator) lookup(jobID string) (*Job, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	j, ok := o.jobs[jobID]
	if !ok {
		return nil, fmt.Errorf("job %q: %w", jobID, ErrJobNotFound)
	}
	return j, nil
}

// Execute dispatches one consumer verb against a phase: authorize the
// caller for every right the phase declares for the verb, validate the
// content type, run the action, and record any refusal as the phase's
// failure description before propagating it.
//
// Authorization and validation happen before the job lock is taken; once an
// action is running it holds the job lock until it completes, so a
// concurrently expiring timeout observes either the phase untouched or its
// final state, never a half-applied transition.
func (o *Orchestrator) Execute(ctx context.Context, sessionToken, zoneID, jobID, phaseName string, verb Verb, req Request) ([]byte, error) {
	ctx = logctx.WithJobData(ctx, &logctx.JobData{JobID: jobID, Phase: phaseName, Verb: string(verb)})

	j, err := o.lookup(jobID)
	if err != nil {
		return nil, err
	}

	j.mu.Lock()
	phase, ok := j.byName[phaseName]
	j.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("job %q phase %q: %w", jobID, phaseName, ErrPhaseNotFound)
	}

	required := phase.spec.AccessRights
	if verb == VerbCreate {
		required = phase.spec.CreateRights
	}
	// Checked in permission order so a multi-right denial always reports
	// the same right.
	perms := make([]environment.Permission, 0, len(required))
	for permission := range required {
		perms = append(perms, permission)
	}
	sort.Slice(perms, func(i, k int) bool { return perms[i] < perms[k] })
	for _, permission := range perms {
		privilege := required[permission]
		err := o.auth.MustAuthorize(ctx, sessionToken, rights.Target{
			ServiceName: o.serviceName,
			ServiceType: environment.ServiceTypeFunctional,
			Permission:  permission,
			Privilege:   privilege,
			ZoneID:      zoneID,
		})
		if err != nil {
			o.log.WarnContext(ctx, "phase verb denied", "error", err)
			return nil, err
		}
	}

	action, err := o.registry.Resolve(phaseName)
	if err != nil {
		return nil, err
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	if err := validateContentType(phase.spec.MediaTypes, req.ContentType); err != nil {
		phase.transition(StateFailed, err.Error())
		j.recalculateLocked()
		return nil, err
	}

	pc := &PhaseContext{job: j, phase: phase}
	resp, err := o.invoke(ctx, action, verb, pc, req)
	if err != nil {
		var rejected *RejectedError
		if errors.As(err, &rejected) {
			phase.transition(StateFailed, rejected.Reason)
		}
		j.recalculateLocked()
		return nil, err
	}
	j.recalculateLocked()
	return resp, nil
}

func (o *Orchestrator) invoke(ctx context.Context, action Action, verb Verb, pc *PhaseContext, req Request) ([]byte, error) {
	switch verb {
	case VerbCreate:
		return action.Create(ctx, pc, req)
	case VerbRetrieve:
		return action.Retrieve(ctx, pc, req)
	case VerbUpdate:
		return action.Update(ctx, pc, req)
	case VerbDelete:
		return action.Delete(ctx, pc, req)
	default:
		return nil, &RejectedError{Reason: fmt.Sprintf("unsupported verb %q", verb)}
	}
}

// validateContentType checks the request's media type against the phase's
// accepted list. Phases with no declared media types accept anything.
func validateContentType(accepted []string, contentType string) error {
	if len(accepted) == 0 {
		return nil
	}
	if contentType == "" {
		return &RejectedError{Reason: "missing content type"}
	}
	got := contenttype.NewMediaType(contentType)
	for _, a := range accepted {
		if got.Matches(contenttype.NewMediaType(a)) {
			return nil
		}
	}
	return &RejectedError{Reason: fmt.Sprintf("unsupported content type %q", contentType)}
}

// CheckTimeout expires the job if its deadline has passed: every phase
// still NOTSTARTED or INPROGRESS is forced to FAILED with a timeout cause
// (phases already terminal keep their state), the aggregate state goes to
// FAILED, and the shutdown hook decides whether the record is deleted.
func (o *Orchestrator) CheckTimeout(ctx context.Context, jobID string) error {
	j, err := o.lookup(jobID)
	if err != nil {
		return err
	}

	j.mu.Lock()
	if time.Now().Before(j.deadline()) {
		j.mu.Unlock()
		return nil
	}

	expired := false
	for _, p := range j.phases {
		if !p.state.Terminal() {
			p.transition(StateFailed, fmt.Sprintf("job timed out after %s", j.timeout))
			expired = true
		}
	}
	if !expired && j.state.Terminal() {
		// The job finished before its deadline mattered; nothing to shut down.
		j.mu.Unlock()
		return nil
	}
	j.state = StateFailed
	j.modified = time.Now()
	snap := j.snapshotLocked()
	j.mu.Unlock()

	o.log.InfoContext(ctx, "job expired", "job_id", jobID, "service", o.serviceName)

	deleteRecord, err := o.hook.OnTimeout(ctx, snap)
	if err != nil {
		return fmt.Errorf("timeout hook for job %q: %w", jobID, err)
	}
	if deleteRecord {
		o.RemoveJob(jobID)
	}
	return nil
}
