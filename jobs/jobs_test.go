package jobs

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sifworks/broker-go/environment"
	"github.com/sifworks/broker-go/rights"
)

const (
	testService = "StudentAssessment"
	testSession = "sess-jobs-1"
)

// funcAction adapts plain funcs to the Action interface; unset verbs reject.
type funcAction struct {
	create   func(ctx context.Context, pc *PhaseContext, req Request) ([]byte, error)
	retrieve func(ctx context.Context, pc *PhaseContext, req Request) ([]byte, error)
	update   func(ctx context.Context, pc *PhaseContext, req Request) ([]byte, error)
	del      func(ctx context.Context, pc *PhaseContext, req Request) ([]byte, error)
}

func (a *funcAction) call(f func(context.Context, *PhaseContext, Request) ([]byte, error), ctx context.Context, pc *PhaseContext, req Request) ([]byte, error) {
	if f == nil {
		return nil, &RejectedError{Reason: "verb not supported by this phase"}
	}
	return f(ctx, pc, req)
}

func (a *funcAction) Create(ctx context.Context, pc *PhaseContext, req Request) ([]byte, error) {
	return a.call(a.create, ctx, pc, req)
}
func (a *funcAction) Retrieve(ctx context.Context, pc *PhaseContext, req Request) ([]byte, error) {
	return a.call(a.retrieve, ctx, pc, req)
}
func (a *funcAction) Update(ctx context.Context, pc *PhaseContext, req Request) ([]byte, error) {
	return a.call(a.update, ctx, pc, req)
}
func (a *funcAction) Delete(ctx context.Context, pc *PhaseContext, req Request) ([]byte, error) {
	return a.call(a.del, ctx, pc, req)
}

func staticAction(a Action) ActionFactory {
	return func() (Action, error) { return a, nil }
}

// newAuthorizer builds a real rights service whose environment grants
// CREATE and QUERY on the functional service but has UPDATE rejected.
func newAuthorizer(t *testing.T) *rights.Service {
	t.Helper()
	reg := environment.NewRegistry()
	err := reg.Add(&environment.Environment{
		SessionToken: testSession,
		DefaultZone: environment.Zone{
			ID: "defaultZone",
			Services: []environment.Service{
				{
					Name: testService,
					Type: environment.ServiceTypeFunctional,
					Rights: map[environment.Permission]environment.Privilege{
						environment.PermissionCreate: environment.PrivilegeApproved,
						environment.PermissionQuery:  environment.PrivilegeApproved,
						environment.PermissionUpdate: environment.PrivilegeRejected,
					},
				},
			},
		},
	})
	if err != nil {
		t.Fatalf("Add environment: %v", err)
	}
	return rights.New(reg)
}

func completingAction() Action {
	return &funcAction{
		create: func(ctx context.Context, pc *PhaseContext, req Request) ([]byte, error) {
			pc.Transition(StateInProgress, "started")
			pc.Transition(StateCompleted, "done")
			return []byte("ok"), nil
		},
		retrieve: func(ctx context.Context, pc *PhaseContext, req Request) ([]byte, error) {
			return []byte(pc.Phase().State), nil
		},
	}
}

func TestCreateJobValidation(t *testing.T) {
	o := New(testService, NewActionRegistry(), newAuthorizer(t))
	defer o.Close()
	ctx := context.Background()

	if _, err := o.CreateJob(ctx, []PhaseSpec{{Name: ""}}, time.Minute); err == nil {
		t.Fatal("empty phase name accepted")
	}
	if _, err := o.CreateJob(ctx, []PhaseSpec{{Name: "p"}, {Name: "p"}}, time.Minute); err == nil {
		t.Fatal("duplicate phase name accepted")
	}

	snap, err := o.CreateJob(ctx, []PhaseSpec{{Name: "first"}, {Name: "second"}}, time.Minute)
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	if snap.State != StateNotStarted || len(snap.Phases) != 2 {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}
	if snap.Phases[0].Name != "first" || snap.Phases[1].Name != "second" {
		t.Fatalf("phase order not preserved: %+v", snap.Phases)
	}
	if snap.ID == "" {
		t.Fatal("job has no id")
	}
}

func TestActionRegistry(t *testing.T) {
	reg := NewActionRegistry()
	if err := reg.Register("phase", staticAction(completingAction())); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := reg.Register("phase", staticAction(completingAction())); err == nil {
		t.Fatal("duplicate Register succeeded")
	}
	if err := reg.Register("", staticAction(completingAction())); err == nil {
		t.Fatal("empty name Register succeeded")
	}
	if err := reg.Register("nilFactory", nil); err == nil {
		t.Fatal("nil factory Register succeeded")
	}
	if _, err := reg.Resolve("phase"); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if _, err := reg.Resolve("missing"); err == nil {
		t.Fatal("Resolve of unregistered phase succeeded")
	}
}

func TestExecuteHappyPath(t *testing.T) {
	reg := NewActionRegistry()
	if err := reg.Register("ingest", staticAction(completingAction())); err != nil {
		t.Fatalf("Register: %v", err)
	}
	o := New(testService, reg, newAuthorizer(t))
	defer o.Close()
	ctx := context.Background()

	snap, err := o.CreateJob(ctx, []PhaseSpec{{
		Name:         "ingest",
		CreateRights: Rights{environment.PermissionCreate: environment.PrivilegeApproved},
		AccessRights: Rights{environment.PermissionQuery: environment.PrivilegeApproved},
	}}, time.Minute)
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}

	resp, err := o.Execute(ctx, testSession, "", snap.ID, "ingest", VerbCreate, Request{Body: []byte("{}")})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if string(resp) != "ok" {
		t.Fatalf("response = %q", resp)
	}

	got, err := o.Job(snap.ID)
	if err != nil {
		t.Fatalf("Job: %v", err)
	}
	if got.Phases[0].State != StateCompleted {
		t.Fatalf("phase state = %s, want COMPLETED", got.Phases[0].State)
	}
	if got.State != StateCompleted {
		t.Fatalf("job state = %s, want COMPLETED", got.State)
	}
	if !got.LastModified.After(snap.LastModified) && !got.LastModified.Equal(snap.LastModified) {
		t.Fatal("lastModified went backwards")
	}
}

func TestExecuteDeniedByRights(t *testing.T) {
	reg := NewActionRegistry()
	if err := reg.Register("locked", staticAction(completingAction())); err != nil {
		t.Fatalf("Register: %v", err)
	}
	o := New(testService, reg, newAuthorizer(t))
	defer o.Close()
	ctx := context.Background()

	snap, err := o.CreateJob(ctx, []PhaseSpec{{
		Name: "locked",
		// UPDATE is REJECTED in the environment, so requiring it approved
		// must deny the verb.
		CreateRights: Rights{environment.PermissionUpdate: environment.PrivilegeApproved},
	}}, time.Minute)
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}

	_, err = o.Execute(ctx, testSession, "", snap.ID, "locked", VerbCreate, Request{})
	var rejected *rights.RejectedError
	if !errors.As(err, &rejected) {
		t.Fatalf("err = %v, want *rights.RejectedError", err)
	}

	// Authorization happens before the phase is touched.
	got, _ := o.Job(snap.ID)
	if got.Phases[0].State != StateNotStarted {
		t.Fatalf("denied phase state = %s, want NOTSTARTED", got.Phases[0].State)
	}
}

func TestExecuteRecordsActionRejection(t *testing.T) {
	reg := NewActionRegistry()
	rejecting := &funcAction{
		create: func(ctx context.Context, pc *PhaseContext, req Request) ([]byte, error) {
			return nil, &RejectedError{Reason: "payload failed validation"}
		},
	}
	if err := reg.Register("strict", staticAction(rejecting)); err != nil {
		t.Fatalf("Register: %v", err)
	}
	o := New(testService, reg, newAuthorizer(t))
	defer o.Close()
	ctx := context.Background()

	snap, _ := o.CreateJob(ctx, []PhaseSpec{{Name: "strict"}}, time.Minute)

	_, err := o.Execute(ctx, testSession, "", snap.ID, "strict", VerbCreate, Request{})
	var rejected *RejectedError
	if !errors.As(err, &rejected) {
		t.Fatalf("err = %v, want *jobs.RejectedError", err)
	}

	got, _ := o.Job(snap.ID)
	if got.Phases[0].State != StateFailed {
		t.Fatalf("phase state = %s, want FAILED", got.Phases[0].State)
	}
	if got.Phases[0].StateDescription != "payload failed validation" {
		t.Fatalf("failure description = %q", got.Phases[0].StateDescription)
	}
}

func TestExecuteValidatesContentType(t *testing.T) {
	reg := NewActionRegistry()
	if err := reg.Register("jsonOnly", staticAction(completingAction())); err != nil {
		t.Fatalf("Register: %v", err)
	}
	o := New(testService, reg, newAuthorizer(t))
	defer o.Close()
	ctx := context.Background()

	snap, _ := o.CreateJob(ctx, []PhaseSpec{{
		Name:       "jsonOnly",
		MediaTypes: []string{"application/json"},
	}}, time.Minute)

	// Accepted media type passes through to the action.
	if _, err := o.Execute(ctx, testSession, "", snap.ID, "jsonOnly", VerbCreate, Request{ContentType: "application/json; charset=utf-8"}); err != nil {
		t.Fatalf("json request: %v", err)
	}

	snap2, _ := o.CreateJob(ctx, []PhaseSpec{{
		Name:       "jsonOnly",
		MediaTypes: []string{"application/json"},
	}}, time.Minute)

	_, err := o.Execute(ctx, testSession, "", snap2.ID, "jsonOnly", VerbCreate, Request{ContentType: "text/xml"})
	var rejected *RejectedError
	if !errors.As(err, &rejected) {
		t.Fatalf("xml request: err = %v, want *RejectedError", err)
	}

	got, _ := o.Job(snap2.ID)
	if got.Phases[0].State != StateFailed || got.Phases[0].StateDescription == "" {
		t.Fatalf("phase after bad content type: %+v", got.Phases[0])
	}
}

func TestTimeoutFailsPendingPhasesOnly(t *testing.T) {
	reg := NewActionRegistry()
	if err := reg.Register("done", staticAction(completingAction())); err != nil {
		t.Fatalf("Register: %v", err)
	}
	o := New(testService, reg, newAuthorizer(t))
	defer o.Close()
	ctx := context.Background()

	// Timeout 0: expired as soon as the check runs, but no timer armed, so
	// the test drives expiry deterministically.
	snap, err := o.CreateJob(ctx, []PhaseSpec{
		{Name: "done", CreateRights: Rights{environment.PermissionCreate: environment.PrivilegeApproved}},
		{Name: "pending"},
	}, 0)
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}

	if _, err := o.Execute(ctx, testSession, "", snap.ID, "done", VerbCreate, Request{}); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	if err := o.CheckTimeout(ctx, snap.ID); err != nil {
		t.Fatalf("CheckTimeout: %v", err)
	}

	got, err := o.Job(snap.ID)
	if err != nil {
		t.Fatalf("Job after timeout (default hook must keep the record): %v", err)
	}
	if got.State != StateFailed {
		t.Fatalf("job state = %s, want FAILED", got.State)
	}
	byName := map[string]PhaseSnapshot{}
	for _, p := range got.Phases {
		byName[p.Name] = p
	}
	if byName["done"].State != StateCompleted {
		t.Fatalf("completed phase regressed to %s", byName["done"].State)
	}
	if byName["pending"].State != StateFailed {
		t.Fatalf("pending phase = %s, want FAILED", byName["pending"].State)
	}
	if byName["pending"].StateDescription == "" {
		t.Fatal("timeout left no failure description")
	}

	// A second check is a no-op; the job stays put.
	if err := o.CheckTimeout(ctx, snap.ID); err != nil {
		t.Fatalf("second CheckTimeout: %v", err)
	}
}

type deletingHook struct{ called atomic.Bool }

func (h *deletingHook) OnTimeout(ctx context.Context, job JobSnapshot) (bool, error) {
	h.called.Store(true)
	return true, nil
}

func TestTimeoutHookMayDeleteRecord(t *testing.T) {
	hook := &deletingHook{}
	o := New(testService, NewActionRegistry(), newAuthorizer(t), WithShutdownHook(hook))
	defer o.Close()
	ctx := context.Background()

	snap, _ := o.CreateJob(ctx, []PhaseSpec{{Name: "pending"}}, 0)
	if err := o.CheckTimeout(ctx, snap.ID); err != nil {
		t.Fatalf("CheckTimeout: %v", err)
	}
	if !hook.called.Load() {
		t.Fatal("hook not invoked")
	}
	if _, err := o.Job(snap.ID); !errors.Is(err, ErrJobNotFound) {
		t.Fatalf("job lookup after deleting hook: err = %v, want ErrJobNotFound", err)
	}
}

func TestTimerDrivenExpiry(t *testing.T) {
	o := New(testService, NewActionRegistry(), newAuthorizer(t))
	defer o.Close()
	ctx := context.Background()

	snap, err := o.CreateJob(ctx, []PhaseSpec{{Name: "pending"}}, 20*time.Millisecond)
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		got, err := o.Job(snap.ID)
		if err != nil {
			t.Fatalf("Job: %v", err)
		}
		if got.State == StateFailed {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("job never expired; state = %s", got.State)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// Immediately-expiring jobs with a deleting hook exercise timer callbacks
// removing jobs while creation is still in flight on other goroutines.
func TestDeletingHookDrainsShortTimeoutJobs(t *testing.T) {
	o := New(testService, NewActionRegistry(), newAuthorizer(t), WithShutdownHook(&deletingHook{}))
	defer o.Close()
	ctx := context.Background()

	const n = 64
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := o.CreateJob(ctx, []PhaseSpec{{Name: "pending"}}, time.Nanosecond); err != nil {
				t.Errorf("CreateJob: %v", err)
			}
		}()
	}
	wg.Wait()

	deadline := time.Now().Add(5 * time.Second)
	for len(o.Jobs()) > 0 {
		if time.Now().After(deadline) {
			t.Fatalf("%d jobs never drained", len(o.Jobs()))
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// An action that has passed authorization and validation completes and keeps
// its terminal state even when the job's expiry check runs concurrently: the
// check waits behind the running action and only fails the untouched phases.
func TestConcurrentTimeoutDoesNotRegressRunningAction(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	slow := &funcAction{
		create: func(ctx context.Context, pc *PhaseContext, req Request) ([]byte, error) {
			pc.Transition(StateInProgress, "working")
			close(started)
			<-release
			pc.Transition(StateCompleted, "finished")
			return []byte("ok"), nil
		},
	}
	reg := NewActionRegistry()
	if err := reg.Register("slow", staticAction(slow)); err != nil {
		t.Fatalf("Register: %v", err)
	}
	o := New(testService, reg, newAuthorizer(t))
	defer o.Close()
	ctx := context.Background()

	// Timeout 0: expired as soon as the check runs, no timer armed.
	snap, err := o.CreateJob(ctx, []PhaseSpec{{Name: "slow"}, {Name: "pending"}}, 0)
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}

	execDone := make(chan error, 1)
	go func() {
		_, err := o.Execute(ctx, testSession, "", snap.ID, "slow", VerbCreate, Request{})
		execDone <- err
	}()
	<-started

	checkDone := make(chan error, 1)
	go func() { checkDone <- o.CheckTimeout(ctx, snap.ID) }()

	// The expiry check must wait for the running action.
	select {
	case err := <-checkDone:
		t.Fatalf("CheckTimeout finished while the action was running: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	if err := <-execDone; err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if err := <-checkDone; err != nil {
		t.Fatalf("CheckTimeout: %v", err)
	}

	got, err := o.Job(snap.ID)
	if err != nil {
		t.Fatalf("Job: %v", err)
	}
	byName := map[string]PhaseSnapshot{}
	for _, p := range got.Phases {
		byName[p.Name] = p
	}
	if byName["slow"].State != StateCompleted {
		t.Fatalf("running phase ended as %s, want COMPLETED", byName["slow"].State)
	}
	if byName["pending"].State != StateFailed {
		t.Fatalf("untouched phase = %s, want FAILED", byName["pending"].State)
	}
	if got.State != StateFailed {
		t.Fatalf("job state = %s, want FAILED", got.State)
	}
}

// When a verb requires several rights and more than one would be refused,
// the reported refusal always names the same right.
func TestMultiRightDenialReportsStablePermission(t *testing.T) {
	reg := NewActionRegistry()
	if err := reg.Register("guarded", staticAction(completingAction())); err != nil {
		t.Fatalf("Register: %v", err)
	}
	o := New(testService, reg, newAuthorizer(t))
	defer o.Close()
	ctx := context.Background()

	for i := 0; i < 8; i++ {
		// ADMIN is undeclared and UPDATE is rejected; both would deny.
		snap, err := o.CreateJob(ctx, []PhaseSpec{{
			Name: "guarded",
			CreateRights: Rights{
				environment.PermissionAdmin:  environment.PrivilegeApproved,
				environment.PermissionUpdate: environment.PrivilegeApproved,
			},
		}}, time.Minute)
		if err != nil {
			t.Fatalf("CreateJob: %v", err)
		}

		_, err = o.Execute(ctx, testSession, "", snap.ID, "guarded", VerbCreate, Request{})
		var rejected *rights.RejectedError
		if !errors.As(err, &rejected) {
			t.Fatalf("err = %v, want *rights.RejectedError", err)
		}
		if !strings.Contains(rejected.Reason, string(environment.PermissionAdmin)) {
			t.Fatalf("run %d: refusal %q does not name %s", i, rejected.Reason, environment.PermissionAdmin)
		}
	}
}

func TestJobsAndRemove(t *testing.T) {
	o := New(testService, NewActionRegistry(), newAuthorizer(t))
	defer o.Close()
	ctx := context.Background()

	a, _ := o.CreateJob(ctx, []PhaseSpec{{Name: "p"}}, time.Minute)
	b, _ := o.CreateJob(ctx, []PhaseSpec{{Name: "p"}}, time.Minute)

	if got := len(o.Jobs()); got != 2 {
		t.Fatalf("Jobs() = %d entries, want 2", got)
	}

	o.RemoveJob(a.ID)
	o.RemoveJob("never-existed") // no-op
	if _, err := o.Job(a.ID); !errors.Is(err, ErrJobNotFound) {
		t.Fatalf("removed job still found: %v", err)
	}
	if _, err := o.Job(b.ID); err != nil {
		t.Fatalf("surviving job lost: %v", err)
	}
}

func TestExecuteUnknownJobAndPhase(t *testing.T) {
	reg := NewActionRegistry()
	o := New(testService, reg, newAuthorizer(t))
	defer o.Close()
	ctx := context.Background()

	if _, err := o.Execute(ctx, testSession, "", "nope", "p", VerbCreate, Request{}); !errors.Is(err, ErrJobNotFound) {
		t.Fatalf("unknown job: err = %v", err)
	}

	snap, _ := o.CreateJob(ctx, []PhaseSpec{{Name: "p"}}, time.Minute)
	if _, err := o.Execute(ctx, testSession, "", snap.ID, "q", VerbCreate, Request{}); !errors.Is(err, ErrPhaseNotFound) {
		t.Fatalf("unknown phase: err = %v", err)
	}
}
