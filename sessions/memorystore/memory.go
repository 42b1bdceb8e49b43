// Package memorystore implements sessions.Store with in-process maps. It is
// suitable for single-instance deployments and testing; use redisstore or
// pgstore where sessions must survive a restart or be shared across
// processes.
package memorystore

import (
	"context"
	"fmt"
	"sync"

	"github.com/sifworks/broker-go/sessions"
)

// Store is an in-memory sessions.Store. The zero value is not usable; use New.
type Store struct {
	mu         sync.RWMutex
	byIdentity map[string]*sessions.Entry // keyed by IdentityTuple.Key()
	byToken    map[string]*sessions.Entry
}

var _ sessions.Store = (*Store)(nil)

// New creates an empty in-memory session store.
func New() *Store {
	return &Store{
		byIdentity: make(map[string]*sessions.Entry),
		byToken:    make(map[string]*sessions.Entry),
	}
}

func (s *Store) HasSessionForIdentity(ctx context.Context, id sessions.IdentityTuple) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.byIdentity[id.Key()]
	return ok, nil
}

func (s *Store) HasSession(ctx context.Context, sessionToken string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.byToken[sessionToken]
	return ok, nil
}

func (s *Store) Retrieve(ctx context.Context, id sessions.IdentityTuple) (*sessions.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.byIdentity[id.Key()]
	if !ok {
		return nil, sessions.ErrNotFound
	}
	return e.Clone(), nil
}

// Store checks both uniqueness domains and inserts under one lock hold, so
// racing registrations for the same identity see exactly one winner.
func (s *Store) Store(ctx context.Context, entry *sessions.Entry) error {
	idKey := entry.Identity.Key()

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.byIdentity[idKey]; ok {
		return fmt.Errorf("identity %q: %w", idKey, sessions.ErrAlreadyExists)
	}
	if _, ok := s.byToken[entry.SessionToken]; ok {
		return fmt.Errorf("session token %q: %w", entry.SessionToken, sessions.ErrAlreadyExists)
	}

	cp := entry.Clone()
	s.byIdentity[idKey] = cp
	s.byToken[entry.SessionToken] = cp
	return nil
}

func (s *Store) Remove(ctx context.Context, sessionToken string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.byToken[sessionToken]
	if !ok {
		return nil
	}
	delete(s.byToken, sessionToken)
	delete(s.byIdentity, e.Identity.Key())
	return nil
}

func (s *Store) UpdateQueueID(ctx context.Context, sessionToken, queueID string) error {
	return s.update(sessionToken, func(e *sessions.Entry) { e.QueueID = &queueID })
}

func (s *Store) UpdateSubscriptionID(ctx context.Context, sessionToken, subscriptionID string) error {
	return s.update(sessionToken, func(e *sessions.Entry) { e.SubscriptionID = &subscriptionID })
}

func (s *Store) update(sessionToken string, apply func(*sessions.Entry)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.byToken[sessionToken]
	if !ok {
		return fmt.Errorf("session token %q: %w", sessionToken, sessions.ErrNotFound)
	}
	apply(e)
	return nil
}

func (s *Store) Close() error { return nil }
