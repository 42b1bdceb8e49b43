// Package authtoken issues and verifies the bearer credentials that
// accompany every brokered request. Two interchangeable schemes are
// supported: Basic (shared secret carried inside the encoded payload) and
// SIF_HMACSHA256 (a timestamped keyed hash, with the shared secret never on
// the wire). Both resolve the shared secret through a caller-supplied
// SecretLookup so the package stays agnostic to where secrets live.
package authtoken

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Method names an authorization token scheme. The values double as the
// scheme prefix on the Authorization header.
type Method string

const (
	MethodBasic      Method = "Basic"
	MethodHMACSHA256 Method = "SIF_HMACSHA256"
)

// Valid reports whether m is a known scheme.
func (m Method) Valid() bool {
	return m == MethodBasic || m == MethodHMACSHA256
}

// ErrVerificationFailed indicates a structurally sound token that did not
// verify: unknown session, missing secret, or signature/secret mismatch.
var ErrVerificationFailed = errors.New("authorization token verification failed")

// InvalidTokenError indicates a malformed or unparseable credential: wrong
// scheme prefix, broken base64, or a payload that does not split into
// exactly two non-empty colon-delimited fields.
type InvalidTokenError struct {
	Reason string
}

func (e *InvalidTokenError) Error() string {
	return fmt.Sprintf("invalid authorization token: %s", e.Reason)
}

// Token is one issued credential. Value is the encoded payload without the
// scheme prefix. Timestamp is set only for the HMAC scheme and MUST travel
// with the token: the verifier recomputes the signature over it.
type Token struct {
	Method    Method
	Value     string
	Timestamp string
}

// AuthorizationHeader renders the token as an Authorization header value:
// the scheme name, a single space, and the encoded payload.
func (t Token) AuthorizationHeader() string {
	return string(t.Method) + " " + t.Value
}

// ParseAuthorizationHeader splits an Authorization header value into a
// Token. timestamp is the companion timestamp header value and may be empty
// for the Basic scheme.
func ParseAuthorizationHeader(header, timestamp string) (Token, error) {
	scheme, value, found := strings.Cut(strings.TrimSpace(header), " ")
	if !found || value == "" {
		return Token{}, &InvalidTokenError{Reason: "header is not '<scheme> <token>'"}
	}
	m := Method(scheme)
	if !m.Valid() {
		return Token{}, &InvalidTokenError{Reason: fmt.Sprintf("unknown scheme %q", scheme)}
	}
	return Token{Method: m, Value: value, Timestamp: timestamp}, nil
}

// SecretLookup resolves the shared secret for an application key or session
// token. ok=false means no secret is known, which verification treats as a
// plain failure, never a crash.
type SecretLookup func(ctx context.Context, key string) (secret string, ok bool)

// StaticSecret returns a lookup that yields the same secret for every key.
// Useful for single-application consumers and tests.
func StaticSecret(secret string) SecretLookup {
	return func(context.Context, string) (string, bool) { return secret, true }
}

// Service is one credential scheme. Implementations are stateless and safe
// for concurrent use; Verify never mutates anything.
type Service interface {
	// Method identifies the scheme this service implements.
	Method() Method

	// Generate mints a token binding the session token (or, before
	// registration, the application key) to the shared secret.
	Generate(sessionToken, sharedSecret string) (Token, error)

	// Verify checks the token and returns the session token it was issued
	// for. Malformed input fails with *InvalidTokenError; a token that
	// parses but does not check out fails with ErrVerificationFailed.
	Verify(ctx context.Context, tok Token, lookup SecretLookup) (sessionToken string, err error)
}

// NewService returns the Service for the given method.
func NewService(m Method, opts ...Option) (Service, error) {
	cfg := options{}
	for _, opt := range opts {
		opt(&cfg)
	}
	switch m {
	case MethodBasic:
		return basicService{}, nil
	case MethodHMACSHA256:
		return hmacService{maxClockSkew: cfg.maxClockSkew}, nil
	default:
		return nil, fmt.Errorf("unknown authentication method %q", m)
	}
}

type options struct {
	maxClockSkew time.Duration
}

// Option configures scheme behavior.
type Option func(*options)

// WithMaxClockSkew enables timestamp validation for the HMAC scheme: a token
// whose timestamp is further than skew from the verifier's clock (either
// direction) fails verification. Zero, the default, disables the check and
// matches the historical wire behavior. Basic ignores this option.
func WithMaxClockSkew(skew time.Duration) Option {
	return func(o *options) { o.maxClockSkew = skew }
}
