package environment

import (
	"context"
	"fmt"
	"sync"
)

// Registry is the provider-side map from session token to negotiated
// Environment. It backs rights resolution for incoming requests and is safe
// for concurrent use.
type Registry struct {
	mu   sync.RWMutex
	envs map[string]*Environment
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{envs: make(map[string]*Environment)}
}

// Add records the environment under its session token. Adding a second
// environment for the same token fails.
func (r *Registry) Add(env *Environment) error {
	if env.SessionToken == "" {
		return fmt.Errorf("environment has no session token")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.envs[env.SessionToken]; ok {
		return fmt.Errorf("environment for session token %q already registered", env.SessionToken)
	}
	r.envs[env.SessionToken] = env
	return nil
}

// EnvironmentBySessionToken resolves the environment for a verified session
// token, failing with ErrInvalidSession if none is registered. It satisfies
// the rights package's EnvironmentProvider contract.
func (r *Registry) EnvironmentBySessionToken(ctx context.Context, sessionToken string) (*Environment, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	env, ok := r.envs[sessionToken]
	if !ok {
		return nil, fmt.Errorf("session token %q: %w", sessionToken, ErrInvalidSession)
	}
	return env, nil
}

// Remove drops the environment for the session token. Removing an unknown
// token is a no-op.
func (r *Registry) Remove(sessionToken string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.envs, sessionToken)
}
