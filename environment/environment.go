// Package environment models the negotiated descriptor of a consumer's or
// provider's access: its session token, default zone, and the zones,
// services, and rights it is provisioned against. An Environment is created
// once per successful registration and is immutable thereafter, except for
// the single post-creation patch that records its own connector URL.
package environment

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidSession indicates a session token with no associated
	// environment.
	ErrInvalidSession = errors.New("no environment for session token")

	// ErrZoneNotResolved indicates the requested zone (or, absent an
	// explicit zone, a usable default) could not be found.
	ErrZoneNotResolved = errors.New("zone could not be resolved")
)

// Permission is one operation class a right can gate.
type Permission string

const (
	PermissionAdmin     Permission = "ADMIN"
	PermissionCreate    Permission = "CREATE"
	PermissionDelete    Permission = "DELETE"
	PermissionProvide   Permission = "PROVIDE"
	PermissionQuery     Permission = "QUERY"
	PermissionSubscribe Permission = "SUBSCRIBE"
	PermissionUpdate    Permission = "UPDATE"
)

// Valid reports whether p is a known permission type.
func (p Permission) Valid() bool {
	switch p {
	case PermissionAdmin, PermissionCreate, PermissionDelete, PermissionProvide,
		PermissionQuery, PermissionSubscribe, PermissionUpdate:
		return true
	}
	return false
}

// Privilege is the value a right assigns to a permission.
type Privilege string

const (
	PrivilegeApproved  Privilege = "APPROVED"
	PrivilegeRejected  Privilege = "REJECTED"
	PrivilegeSupported Privilege = "SUPPORTED"
)

// Valid reports whether v is a known privilege value.
func (v Privilege) Valid() bool {
	return v == PrivilegeApproved || v == PrivilegeRejected || v == PrivilegeSupported
}

// Service type names as provisioned in a zone.
const (
	ServiceTypeObject     = "OBJECT"
	ServiceTypeFunctional = "FUNCTIONAL"
	ServiceTypeUtility    = "UTILITY"
	ServiceTypeXQuery     = "XQUERYTEMPLATE"
)

// Service is one named service provisioned in a zone together with the
// rights granted on it.
type Service struct {
	Name      string                   `json:"name"`
	Type      string                   `json:"type"`
	ContextID string                   `json:"contextId,omitempty"`
	Rights    map[Permission]Privilege `json:"rights"`
}

// Right returns the privilege declared for the permission, if any.
func (s *Service) Right(p Permission) (Privilege, bool) {
	v, ok := s.Rights[p]
	return v, ok
}

// Zone is an isolation boundary owning a set of provisioned services.
type Zone struct {
	ID          string    `json:"id"`
	Description string    `json:"description,omitempty"`
	Services    []Service `json:"services,omitempty"`
}

// Service finds the provisioned service matching (name, type). It returns
// nil when the zone does not carry such a service.
func (z *Zone) Service(name, typ string) *Service {
	for i := range z.Services {
		s := &z.Services[i]
		if s.Name == name && s.Type == typ {
			return s
		}
	}
	return nil
}

// ApplicationInfo identifies the registering application and the protocol
// dialect it speaks.
type ApplicationInfo struct {
	ApplicationKey     string `json:"applicationKey"`
	SupportedVersion   string `json:"supportedInfrastructureVersion,omitempty"`
	DataModelNamespace string `json:"dataModelNamespace,omitempty"`
	Transport          string `json:"transport,omitempty"`
}

// Environment is the negotiated access descriptor.
type Environment struct {
	SessionToken         string          `json:"sessionToken"`
	SolutionID           *string         `json:"solutionId,omitempty"`
	UserToken            *string         `json:"userToken,omitempty"`
	InstanceID           *string         `json:"instanceId,omitempty"`
	ConsumerName         string          `json:"consumerName,omitempty"`
	AuthenticationMethod string          `json:"authenticationMethod,omitempty"`
	ApplicationInfo      ApplicationInfo `json:"applicationInfo"`
	DefaultZone          Zone            `json:"defaultZone"`

	// InfrastructureServices maps service names ("environment", "queues",
	// "subscriptions", ...) to their URLs on the broker.
	InfrastructureServices map[string]string `json:"infrastructureServices,omitempty"`
	ProvisionedZones       map[string]Zone   `json:"provisionedZones,omitempty"`
}

// InfrastructureServiceEnvironment is the well-known name of the
// infrastructure service entry holding the environment's own URL.
const InfrastructureServiceEnvironment = "environment"

// EnvironmentURL returns the environment's own URL as assigned by the
// broker, or "" if negotiation did not record one.
func (e *Environment) EnvironmentURL() string {
	return e.InfrastructureServices[InfrastructureServiceEnvironment]
}

// Zone resolves the target zone for a request: the provisioned zone with
// the given ID, or the default zone when zoneID is empty. A zone that
// cannot be resolved fails with ErrZoneNotResolved.
func (e *Environment) Zone(zoneID string) (*Zone, error) {
	if zoneID == "" {
		if e.DefaultZone.ID == "" {
			return nil, fmt.Errorf("environment %q has no default zone: %w", e.SessionToken, ErrZoneNotResolved)
		}
		return &e.DefaultZone, nil
	}
	if e.DefaultZone.ID == zoneID {
		return &e.DefaultZone, nil
	}
	if z, ok := e.ProvisionedZones[zoneID]; ok {
		return &z, nil
	}
	return nil, fmt.Errorf("zone %q: %w", zoneID, ErrZoneNotResolved)
}

// PatchInfrastructureService records a post-creation infrastructure service
// URL, typically the environment's own connector URL once its identifier is
// assigned. Each entry can be patched exactly once; a second patch for the
// same name fails.
func (e *Environment) PatchInfrastructureService(name, url string) error {
	if e.InfrastructureServices == nil {
		e.InfrastructureServices = make(map[string]string)
	}
	if existing, ok := e.InfrastructureServices[name]; ok {
		return fmt.Errorf("infrastructure service %q already recorded as %q", name, existing)
	}
	e.InfrastructureServices[name] = url
	return nil
}
