// Package storetest provides a reusable conformance suite for sessions.Store
// implementations. Every backend runs the same suite so the contract —
// uniqueness atomicity, absence-sensitive identity matching, idempotent
// removal — holds regardless of what is underneath.
package storetest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sifworks/broker-go/sessions"
)

// StoreFactory creates a fresh, empty Store instance for testing.
type StoreFactory func(t *testing.T) sessions.Store

// Run runs the complete Store conformance suite against the provided factory.
func Run(t *testing.T, factory StoreFactory) {
	t.Run("StoreAndRetrieveRoundTrip", func(t *testing.T) { testRoundTrip(t, factory) })
	t.Run("DuplicateIdentityConflicts", func(t *testing.T) { testDuplicateIdentity(t, factory) })
	t.Run("DuplicateSessionTokenConflicts", func(t *testing.T) { testDuplicateToken(t, factory) })
	t.Run("AbsentOptionalFieldIsNotAWildcard", func(t *testing.T) { testAbsenceSensitiveMatching(t, factory) })
	t.Run("RemoveIsIdempotent", func(t *testing.T) { testRemoveIdempotent(t, factory) })
	t.Run("UpdateQueueAndSubscription", func(t *testing.T) { testUpdates(t, factory) })
	t.Run("UpdateMissingSessionFails", func(t *testing.T) { testUpdateMissing(t, factory) })
	t.Run("RetrievedEntryIsACopy", func(t *testing.T) { testRetrievedEntryIsACopy(t, factory) })
	t.Run("ConcurrentStoreHasOneWinner", func(t *testing.T) { testConcurrentStore(t, factory) })
}

func strptr(s string) *string { return &s }

func entryFor(appKey, token string) *sessions.Entry {
	return &sessions.Entry{
		SessionToken:   token,
		Identity:       sessions.IdentityTuple{ApplicationKey: appKey, SolutionID: strptr("testSolution")},
		EnvironmentURL: "https://broker.example/environments/" + token,
	}
}

func testRoundTrip(t *testing.T, factory StoreFactory) {
	st := factory(t)
	defer st.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	want := entryFor("roundTripApp", "tok-rt-1")
	if err := st.Store(ctx, want); err != nil {
		t.Fatalf("Store: %v", err)
	}

	if ok, err := st.HasSessionForIdentity(ctx, want.Identity); err != nil || !ok {
		t.Fatalf("HasSessionForIdentity = (%v, %v), want (true, nil)", ok, err)
	}
	if ok, err := st.HasSession(ctx, want.SessionToken); err != nil || !ok {
		t.Fatalf("HasSession = (%v, %v), want (true, nil)", ok, err)
	}

	got, err := st.Retrieve(ctx, want.Identity)
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if got.SessionToken != want.SessionToken {
		t.Errorf("session token = %q, want %q", got.SessionToken, want.SessionToken)
	}
	if got.EnvironmentURL != want.EnvironmentURL {
		t.Errorf("environment url = %q, want %q", got.EnvironmentURL, want.EnvironmentURL)
	}
	if !got.Identity.Equal(want.Identity) {
		t.Errorf("identity = %+v, want %+v", got.Identity, want.Identity)
	}
	if got.QueueID != nil || got.SubscriptionID != nil {
		t.Errorf("queue/subscription should start unset, got %v/%v", got.QueueID, got.SubscriptionID)
	}
}

func testDuplicateIdentity(t *testing.T, factory StoreFactory) {
	st := factory(t)
	defer st.Close()
	ctx := context.Background()

	first := entryFor("dupIdentityApp", "tok-di-1")
	if err := st.Store(ctx, first); err != nil {
		t.Fatalf("Store: %v", err)
	}

	second := entryFor("dupIdentityApp", "tok-di-2")
	if err := st.Store(ctx, second); !errors.Is(err, sessions.ErrAlreadyExists) {
		t.Fatalf("second Store for same identity: err = %v, want ErrAlreadyExists", err)
	}

	// The loser must not have clobbered the winner.
	got, err := st.Retrieve(ctx, first.Identity)
	if err != nil {
		t.Fatalf("Retrieve after conflict: %v", err)
	}
	if got.SessionToken != first.SessionToken {
		t.Fatalf("stored token = %q, want the winner %q", got.SessionToken, first.SessionToken)
	}
}

func testDuplicateToken(t *testing.T, factory StoreFactory) {
	st := factory(t)
	defer st.Close()
	ctx := context.Background()

	if err := st.Store(ctx, entryFor("tokenAppA", "tok-shared")); err != nil {
		t.Fatalf("Store: %v", err)
	}
	err := st.Store(ctx, entryFor("tokenAppB", "tok-shared"))
	if !errors.Is(err, sessions.ErrAlreadyExists) {
		t.Fatalf("Store with duplicate token: err = %v, want ErrAlreadyExists", err)
	}

	// The distinct identity of the losing entry must not have been bound.
	ok, err := st.HasSessionForIdentity(ctx, sessions.IdentityTuple{ApplicationKey: "tokenAppB", SolutionID: strptr("testSolution")})
	if err != nil {
		t.Fatalf("HasSessionForIdentity: %v", err)
	}
	if ok {
		t.Fatal("losing entry's identity was bound despite the conflict")
	}
}

func testAbsenceSensitiveMatching(t *testing.T, factory StoreFactory) {
	st := factory(t)
	defer st.Close()
	ctx := context.Background()

	stored := &sessions.Entry{
		SessionToken:   "tok-abs-1",
		Identity:       sessions.IdentityTuple{ApplicationKey: "absenceApp"},
		EnvironmentURL: "https://broker.example/environments/tok-abs-1",
	}
	if err := st.Store(ctx, stored); err != nil {
		t.Fatalf("Store: %v", err)
	}

	// A lookup that sets solutionId must not match the entry stored without one.
	withSolution := sessions.IdentityTuple{ApplicationKey: "absenceApp", SolutionID: strptr("X")}
	if ok, err := st.HasSessionForIdentity(ctx, withSolution); err != nil || ok {
		t.Fatalf("HasSessionForIdentity(set field) = (%v, %v), want (false, nil)", ok, err)
	}
	if _, err := st.Retrieve(ctx, withSolution); !errors.Is(err, sessions.ErrNotFound) {
		t.Fatalf("Retrieve(set field): err = %v, want ErrNotFound", err)
	}

	// And the other direction: an entry stored with the field set must not
	// match a lookup that omits it.
	if err := st.Store(ctx, &sessions.Entry{
		SessionToken:   "tok-abs-2",
		Identity:       withSolution,
		EnvironmentURL: "https://broker.example/environments/tok-abs-2",
	}); err != nil {
		t.Fatalf("Store second entry: %v", err)
	}
	got, err := st.Retrieve(ctx, sessions.IdentityTuple{ApplicationKey: "absenceApp"})
	if err != nil {
		t.Fatalf("Retrieve(absent field): %v", err)
	}
	if got.SessionToken != "tok-abs-1" {
		t.Fatalf("Retrieve(absent field) matched %q, want tok-abs-1", got.SessionToken)
	}
}

func testRemoveIdempotent(t *testing.T, factory StoreFactory) {
	st := factory(t)
	defer st.Close()
	ctx := context.Background()

	if err := st.Remove(ctx, "never-stored"); err != nil {
		t.Fatalf("Remove of absent token: %v, want nil", err)
	}

	e := entryFor("removeApp", "tok-rm-1")
	if err := st.Store(ctx, e); err != nil {
		t.Fatalf("Store: %v", err)
	}
	if err := st.Remove(ctx, e.SessionToken); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if ok, _ := st.HasSession(ctx, e.SessionToken); ok {
		t.Fatal("session still present after Remove")
	}
	if ok, _ := st.HasSessionForIdentity(ctx, e.Identity); ok {
		t.Fatal("identity still bound after Remove")
	}

	// Removal frees both uniqueness domains for re-registration.
	if err := st.Store(ctx, e.Clone()); err != nil {
		t.Fatalf("Store after Remove: %v", err)
	}
}

func testUpdates(t *testing.T, factory StoreFactory) {
	st := factory(t)
	defer st.Close()
	ctx := context.Background()

	e := entryFor("updateApp", "tok-up-1")
	if err := st.Store(ctx, e); err != nil {
		t.Fatalf("Store: %v", err)
	}

	if err := st.UpdateQueueID(ctx, e.SessionToken, "queue-9"); err != nil {
		t.Fatalf("UpdateQueueID: %v", err)
	}
	if err := st.UpdateSubscriptionID(ctx, e.SessionToken, "sub-3"); err != nil {
		t.Fatalf("UpdateSubscriptionID: %v", err)
	}

	got, err := st.Retrieve(ctx, e.Identity)
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if got.QueueID == nil || *got.QueueID != "queue-9" {
		t.Errorf("queue id = %v, want queue-9", got.QueueID)
	}
	if got.SubscriptionID == nil || *got.SubscriptionID != "sub-3" {
		t.Errorf("subscription id = %v, want sub-3", got.SubscriptionID)
	}
}

func testUpdateMissing(t *testing.T, factory StoreFactory) {
	st := factory(t)
	defer st.Close()
	ctx := context.Background()

	if err := st.UpdateQueueID(ctx, "no-such-token", "q"); !errors.Is(err, sessions.ErrNotFound) {
		t.Fatalf("UpdateQueueID on missing session: err = %v, want ErrNotFound", err)
	}
	if err := st.UpdateSubscriptionID(ctx, "no-such-token", "s"); !errors.Is(err, sessions.ErrNotFound) {
		t.Fatalf("UpdateSubscriptionID on missing session: err = %v, want ErrNotFound", err)
	}
}

func testRetrievedEntryIsACopy(t *testing.T, factory StoreFactory) {
	st := factory(t)
	defer st.Close()
	ctx := context.Background()

	e := entryFor("copyApp", "tok-cp-1")
	if err := st.Store(ctx, e); err != nil {
		t.Fatalf("Store: %v", err)
	}

	got1, err := st.Retrieve(ctx, e.Identity)
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	got1.EnvironmentURL = "https://tampered.example"
	if got1.Identity.SolutionID != nil {
		*got1.Identity.SolutionID = "tampered"
	}

	got2, err := st.Retrieve(ctx, e.Identity)
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if got2.EnvironmentURL != e.EnvironmentURL {
		t.Fatalf("stored environment url mutated through a retrieved entry: %q", got2.EnvironmentURL)
	}
}

func testConcurrentStore(t *testing.T, factory StoreFactory) {
	st := factory(t)
	defer st.Close()
	ctx := context.Background()

	const racers = 16
	var wg sync.WaitGroup
	errs := make([]error, racers)

	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			e := &sessions.Entry{
				SessionToken:   "tok-race-" + string(rune('a'+i)),
				Identity:       sessions.IdentityTuple{ApplicationKey: "raceApp"},
				EnvironmentURL: "https://broker.example/environments/race",
			}
			errs[i] = st.Store(ctx, e)
		}(i)
	}
	wg.Wait()

	winners := 0
	for i, err := range errs {
		switch {
		case err == nil:
			winners++
		case errors.Is(err, sessions.ErrAlreadyExists):
		default:
			t.Fatalf("racer %d: unexpected error %v", i, err)
		}
	}
	if winners != 1 {
		t.Fatalf("concurrent Store winners = %d, want exactly 1", winners)
	}
}
