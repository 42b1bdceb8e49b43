// Package rights resolves whether a verified session is entitled to an
// operation on a named service within a zone. Two named operations cover
// the two historical strictness levels: TryAuthorize answers the pre-flight
// question as a plain boolean, while MustAuthorize gates an
// already-accepted request and explains refusals with typed errors. The
// two are intentionally not unified.
package rights

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/sifworks/broker-go/environment"
)

// ErrInvalidRequest indicates the caller-supplied zone or service context is
// structurally invalid for the session's environment.
var ErrInvalidRequest = errors.New("invalid request")

// RejectedError is an authorization refusal. It always carries a
// human-readable reason.
type RejectedError struct {
	Reason string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("rejected: %s", e.Reason)
}

// EnvironmentProvider resolves a session token to its negotiated
// environment. environment.Registry satisfies it; embedding applications
// may supply their own resolution (for example straight off a database).
type EnvironmentProvider interface {
	EnvironmentBySessionToken(ctx context.Context, sessionToken string) (*environment.Environment, error)
}

// Target names the operation being authorized. Privilege defaults to
// APPROVED and ZoneID to the environment's default zone.
type Target struct {
	ServiceName string
	ServiceType string
	Permission  environment.Permission
	Privilege   environment.Privilege
	ZoneID      string
}

func (t Target) privilege() environment.Privilege {
	if t.Privilege == "" {
		return environment.PrivilegeApproved
	}
	return t.Privilege
}

// Service is the rights authorization service.
type Service struct {
	envs EnvironmentProvider
	log  *slog.Logger
}

// Option configures the service.
type Option func(*Service)

// WithLogger sets the logger used for denial diagnostics.
func WithLogger(log *slog.Logger) Option {
	return func(s *Service) { s.log = log }
}

// New creates a rights service resolving environments through envs.
func New(envs EnvironmentProvider, opts ...Option) *Service {
	s := &Service{envs: envs, log: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// TryAuthorize is the permissive variant used for pre-flight checks: a
// missing service or a right that does not grant the requested privilege
// simply yields false. Only failures resolving the environment or the zone
// are reported as errors.
func (s *Service) TryAuthorize(ctx context.Context, sessionToken string, target Target) (bool, error) {
	svc, err := s.resolveService(ctx, sessionToken, target)
	if err != nil {
		return false, err
	}
	if svc == nil {
		return false, nil
	}
	granted, ok := svc.Right(target.Permission)
	return ok && granted == target.privilege(), nil
}

// MustAuthorize is the strict variant used to gate an already-accepted
// request. A zone or service that cannot be resolved fails with
// ErrInvalidRequest; a right that is absent or does not grant the requested
// privilege fails with *RejectedError.
func (s *Service) MustAuthorize(ctx context.Context, sessionToken string, target Target) error {
	svc, err := s.resolveService(ctx, sessionToken, target)
	if err != nil {
		return err
	}
	if svc == nil {
		return fmt.Errorf("service %s/%s not provisioned in zone: %w",
			target.ServiceType, target.ServiceName, ErrInvalidRequest)
	}

	granted, ok := svc.Right(target.Permission)
	if !ok {
		return &RejectedError{Reason: fmt.Sprintf("no %s right declared for service %s", target.Permission, target.ServiceName)}
	}
	if granted != target.privilege() {
		return &RejectedError{Reason: fmt.Sprintf("%s on %s is %s, not %s", target.Permission, target.ServiceName, granted, target.privilege())}
	}
	return nil
}

// resolveService walks session → environment → zone → service. A nil
// service with nil error means the zone resolved but does not carry the
// service; the caller decides how strict to be about that.
func (s *Service) resolveService(ctx context.Context, sessionToken string, target Target) (*environment.Service, error) {
	env, err := s.envs.EnvironmentBySessionToken(ctx, sessionToken)
	if err != nil {
		return nil, err
	}

	zone, err := env.Zone(target.ZoneID)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}

	svc := zone.Service(target.ServiceName, target.ServiceType)
	if svc == nil {
		s.log.DebugContext(ctx, "service not provisioned",
			"zone", zone.ID, "service", target.ServiceName, "type", target.ServiceType)
	}
	return svc, nil
}
