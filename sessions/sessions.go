package sessions

import (
	"context"
	"errors"
	"net/url"
	"strings"

	"github.com/google/uuid"
)

var (
	// ErrAlreadyExists indicates a Store call collided with an existing entry
	// on either uniqueness domain (identity tuple or session token).
	ErrAlreadyExists = errors.New("session already exists")

	// ErrNotFound indicates no entry matched the given identity or token.
	ErrNotFound = errors.New("session not found")
)

// IdentityTuple is the lookup key a consumer or provider registers under.
// ApplicationKey is mandatory; the other three dimensions are optional and
// absence-sensitive: a nil field only matches entries where that field is
// also nil.
type IdentityTuple struct {
	ApplicationKey string
	SolutionID     *string
	UserToken      *string
	InstanceID     *string
}

// Key renders the tuple in a canonical string form usable as a map key,
// Redis key, or database column. Absent optional fields encode distinctly
// from any set value, including the empty string.
func (id IdentityTuple) Key() string {
	var b strings.Builder
	b.WriteString(url.QueryEscape(id.ApplicationKey))
	for _, f := range []*string{id.SolutionID, id.UserToken, id.InstanceID} {
		b.WriteByte('|')
		if f == nil {
			b.WriteByte('~')
		} else {
			b.WriteByte('=')
			b.WriteString(url.QueryEscape(*f))
		}
	}
	return b.String()
}

// Equal reports whether two tuples identify the same registration. Optional
// fields compare by presence and value, never by wildcard.
func (id IdentityTuple) Equal(other IdentityTuple) bool {
	return id.Key() == other.Key()
}

// Entry is one persisted session: the negotiated session token, the identity
// it was issued to, and the environment URL negotiation produced. QueueID and
// SubscriptionID are populated later by messaging setup and stay nil until
// then.
type Entry struct {
	SessionToken   string
	Identity       IdentityTuple
	EnvironmentURL string
	QueueID        *string
	SubscriptionID *string
}

// Clone returns a copy sharing no pointers with the receiver. Store
// implementations hand out clones so callers cannot mutate stored state.
func (e *Entry) Clone() *Entry {
	cp := *e
	cp.Identity.SolutionID = cloneString(e.Identity.SolutionID)
	cp.Identity.UserToken = cloneString(e.Identity.UserToken)
	cp.Identity.InstanceID = cloneString(e.Identity.InstanceID)
	cp.QueueID = cloneString(e.QueueID)
	cp.SubscriptionID = cloneString(e.SubscriptionID)
	return &cp
}

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

// NewSessionToken mints an opaque, globally unique session token.
func NewSessionToken() string {
	return uuid.NewString()
}

// Store is the durable session backend. Implementations MUST be safe for
// concurrent use, and Store MUST perform its uniqueness checks and the
// insert as one atomic operation: two racing Store calls for the same
// identity tuple produce exactly one winner, with the loser seeing
// ErrAlreadyExists and never a torn write.
type Store interface {
	// HasSessionForIdentity reports whether an entry exists for the tuple.
	HasSessionForIdentity(ctx context.Context, id IdentityTuple) (bool, error)

	// HasSession reports whether an entry exists for the session token.
	HasSession(ctx context.Context, sessionToken string) (bool, error)

	// Retrieve returns the entry stored for the tuple, or ErrNotFound.
	Retrieve(ctx context.Context, id IdentityTuple) (*Entry, error)

	// Store persists a new entry. It fails with ErrAlreadyExists if either
	// the identity tuple or the session token is already bound.
	Store(ctx context.Context, entry *Entry) error

	// Remove deletes the entry for the session token. Removing an absent
	// token is a no-op, not an error.
	Remove(ctx context.Context, sessionToken string) error

	// UpdateQueueID records the queue assigned to the session. It fails
	// with ErrNotFound if no entry matches the token.
	UpdateQueueID(ctx context.Context, sessionToken, queueID string) error

	// UpdateSubscriptionID records the subscription assigned to the
	// session. It fails with ErrNotFound if no entry matches the token.
	UpdateSubscriptionID(ctx context.Context, sessionToken, subscriptionID string) error

	// Close releases backend resources.
	Close() error
}
