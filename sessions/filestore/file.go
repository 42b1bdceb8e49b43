// Package filestore implements sessions.Store on a directory of JSON files,
// one file per session token. It suits small installations that want
// sessions to survive a restart without running a database. An fsnotify
// watcher folds externally edited or deleted session files back into the
// in-memory index, so an operator can inspect and prune sessions with
// ordinary file tools while the broker is running.
package filestore

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/sifworks/broker-go/sessions"
)

const fileSuffix = ".session.json"

// entryDoc is the on-disk shape of one session entry.
type entryDoc struct {
	SessionToken   string  `json:"sessionToken"`
	ApplicationKey string  `json:"applicationKey"`
	SolutionID     *string `json:"solutionId,omitempty"`
	UserToken      *string `json:"userToken,omitempty"`
	InstanceID     *string `json:"instanceId,omitempty"`
	EnvironmentURL string  `json:"environmentUrl"`
	QueueID        *string `json:"queueId,omitempty"`
	SubscriptionID *string `json:"subscriptionId,omitempty"`
}

func docFromEntry(e *sessions.Entry) entryDoc {
	return entryDoc{
		SessionToken:   e.SessionToken,
		ApplicationKey: e.Identity.ApplicationKey,
		SolutionID:     e.Identity.SolutionID,
		UserToken:      e.Identity.UserToken,
		InstanceID:     e.Identity.InstanceID,
		EnvironmentURL: e.EnvironmentURL,
		QueueID:        e.QueueID,
		SubscriptionID: e.SubscriptionID,
	}
}

func (d entryDoc) entry() *sessions.Entry {
	return &sessions.Entry{
		SessionToken:   d.SessionToken,
		Identity:       sessions.IdentityTuple{ApplicationKey: d.ApplicationKey, SolutionID: d.SolutionID, UserToken: d.UserToken, InstanceID: d.InstanceID},
		EnvironmentURL: d.EnvironmentURL,
		QueueID:        d.QueueID,
		SubscriptionID: d.SubscriptionID,
	}
}

// Store is a file-backed sessions.Store.
type Store struct {
	dir     string
	log     *slog.Logger
	watcher *fsnotify.Watcher
	done    chan struct{}

	mu         sync.RWMutex
	byIdentity map[string]*sessions.Entry
	byToken    map[string]*sessions.Entry
}

var _ sessions.Store = (*Store)(nil)

// Option configures the file store.
type Option func(*Store)

// WithLogger sets the logger used for watcher diagnostics.
func WithLogger(log *slog.Logger) Option {
	return func(s *Store) { s.log = log }
}

// New opens (creating if needed) the session directory, loads any existing
// session files, and starts watching for external changes.
func New(dir string, opts ...Option) (*Store, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("filestore: create dir: %w", err)
	}

	s := &Store{
		dir:        dir,
		log:        slog.Default(),
		done:       make(chan struct{}),
		byIdentity: make(map[string]*sessions.Entry),
		byToken:    make(map[string]*sessions.Entry),
	}
	for _, opt := range opts {
		opt(s)
	}

	if err := s.loadAll(); err != nil {
		return nil, err
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("filestore: watcher: %w", err)
	}
	if err := w.Add(dir); err != nil {
		w.Close()
		return nil, fmt.Errorf("filestore: watch %s: %w", dir, err)
	}
	s.watcher = w
	go s.watch()
	return s, nil
}

func (s *Store) loadAll() error {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return fmt.Errorf("filestore: read dir: %w", err)
	}
	for _, de := range entries {
		if de.IsDir() || !strings.HasSuffix(de.Name(), fileSuffix) {
			continue
		}
		if err := s.reload(filepath.Join(s.dir, de.Name())); err != nil {
			s.log.Warn("filestore: skipping unreadable session file", "file", de.Name(), "error", err)
		}
	}
	return nil
}

func (s *Store) watch() {
	for {
		select {
		case <-s.done:
			return
		case ev, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if !strings.HasSuffix(ev.Name, fileSuffix) {
				continue
			}
			switch {
			case ev.Op.Has(fsnotify.Remove) || ev.Op.Has(fsnotify.Rename):
				s.dropByPath(ev.Name)
			case ev.Op.Has(fsnotify.Create) || ev.Op.Has(fsnotify.Write):
				if err := s.reload(ev.Name); err != nil {
					s.log.Warn("filestore: reload failed", "file", ev.Name, "error", err)
				}
			}
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			s.log.Warn("filestore: watcher error", "error", err)
		}
	}
}

// reload folds one on-disk file into the index, replacing whatever was held
// for its session token.
func (s *Store) reload(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var doc entryDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return err
	}
	if doc.SessionToken == "" {
		return fmt.Errorf("session file %s has no session token", path)
	}

	e := doc.entry()
	s.mu.Lock()
	defer s.mu.Unlock()
	if old, ok := s.byToken[e.SessionToken]; ok {
		delete(s.byIdentity, old.Identity.Key())
	}
	s.byToken[e.SessionToken] = e
	s.byIdentity[e.Identity.Key()] = e
	return nil
}

func (s *Store) dropByPath(path string) {
	token := strings.TrimSuffix(filepath.Base(path), fileSuffix)
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.byToken[token]; ok {
		delete(s.byToken, token)
		delete(s.byIdentity, e.Identity.Key())
	}
}

func (s *Store) path(sessionToken string) string {
	return filepath.Join(s.dir, sessionToken+fileSuffix)
}

// persistLocked writes the entry's file. Callers hold s.mu.
func (s *Store) persistLocked(e *sessions.Entry) error {
	data, err := json.MarshalIndent(docFromEntry(e), "", "  ")
	if err != nil {
		return fmt.Errorf("filestore: encode: %w", err)
	}
	tmp := s.path(e.SessionToken) + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("filestore: write: %w", err)
	}
	if err := os.Rename(tmp, s.path(e.SessionToken)); err != nil {
		return fmt.Errorf("filestore: rename: %w", err)
	}
	return nil
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
	if err := s.persistLocked(cp); err != nil {
		return err
	}
	s.byIdentity[idKey] = cp
	s.byToken[cp.SessionToken] = cp
	return nil
}

func (s *Store) Remove(ctx context.Context, sessionToken string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.byToken[sessionToken]
	if !ok {
		return nil
	}
	if err := os.Remove(s.path(sessionToken)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("filestore: remove: %w", err)
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
	return s.persistLocked(e)
}

func (s *Store) Close() error {
	close(s.done)
	if s.watcher != nil {
		return s.watcher.Close()
	}
	return nil
}
