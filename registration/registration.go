// Package registration implements the client side of the environment
// negotiation protocol: mapping this application's identity to a durable
// session, obtaining (or reusing) a negotiated environment from the remote
// broker, and tearing it down again on unregistration.
//
// A Client moves through Unregistered → Registering → Registered and back.
// Register is idempotent while registered. A Client is NOT safe for
// concurrent Register/Unregister calls on the same instance; callers
// needing concurrency run registration on a dedicated worker. The session
// store underneath, however, is fully concurrent, and two independent
// clients racing to register the same identity resolve to one stored
// session with the loser silently reusing it.
package registration

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/sifworks/broker-go/authtoken"
	"github.com/sifworks/broker-go/environment"
	"github.com/sifworks/broker-go/internal/logctx"
	"github.com/sifworks/broker-go/sessions"
)

// environmentPath is appended to the broker base URL for the initial POST.
const environmentPath = "/environments/environment"

// Error wraps any failure during negotiation. It always carries the
// original cause.
type Error struct {
	Op    string
	Cause error
}

func (e *Error) Error() string { return fmt.Sprintf("registration %s: %v", e.Op, e.Cause) }
func (e *Error) Unwrap() error { return e.Cause }

// errStaleSession signals internally that the stored session no longer
// exists on the broker and a fresh registration is needed.
var errStaleSession = errors.New("stored session is stale on the broker")

// State is the client's registration state.
type State int

const (
	StateUnregistered State = iota
	StateRegistering
	StateRegistered
)

// DeletePolicy selects whether Unregister tears down the remote environment.
type DeletePolicy int

const (
	// DeleteDefault follows Config.DeleteOnUnregister.
	DeleteDefault DeletePolicy = iota
	// DeleteRemote always issues the remote DELETE and removes the session.
	DeleteRemote
	// KeepRemote leaves the remote environment and the session in place.
	KeepRemote
)

// Client negotiates and caches one environment.
type Client struct {
	cfg    Config
	store  sessions.Store
	tokens authtoken.Service
	codec  Codec
	http   *http.Client
	log    *slog.Logger

	state State
	env   *environment.Environment
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient substitutes the HTTP client used for negotiation calls.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithCodec substitutes the wire codec. The default is JSONCodec.
func WithCodec(codec Codec) Option {
	return func(c *Client) { c.codec = codec }
}

// WithLogger sets the logger for negotiation diagnostics.
func WithLogger(log *slog.Logger) Option {
	return func(c *Client) { c.log = log }
}

// NewClient creates an unregistered client persisting sessions in store.
func NewClient(cfg Config, store sessions.Store, opts ...Option) (*Client, error) {
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("registration: %w", err)
	}
	tokens, err := authtoken.NewService(authtoken.Method(cfg.AuthenticationMethod))
	if err != nil {
		return nil, fmt.Errorf("registration: %w", err)
	}

	c := &Client{
		cfg:    cfg,
		store:  store,
		tokens: tokens,
		codec:  JSONCodec{},
		http:   &http.Client{Timeout: cfg.HTTPTimeout},
		log:    slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// State returns the client's registration state.
func (c *Client) State() State { return c.state }

// Environment returns the cached negotiated environment, or nil while
// unregistered.
func (c *Client) Environment() *environment.Environment { return c.env }

func (c *Client) identity() sessions.IdentityTuple {
	id := sessions.IdentityTuple{ApplicationKey: c.cfg.ApplicationKey}
	if c.cfg.SolutionID != "" {
		id.SolutionID = &c.cfg.SolutionID
	}
	if c.cfg.UserToken != "" {
		id.UserToken = &c.cfg.UserToken
	}
	if c.cfg.InstanceID != "" {
		id.InstanceID = &c.cfg.InstanceID
	}
	return id
}

// template builds the environment document POSTed to the broker.
func (c *Client) template() *environment.Environment {
	env := &environment.Environment{
		ConsumerName:         c.cfg.ConsumerName,
		AuthenticationMethod: c.cfg.AuthenticationMethod,
		ApplicationInfo: environment.ApplicationInfo{
			ApplicationKey:     c.cfg.ApplicationKey,
			SupportedVersion:   c.cfg.SupportedVersion,
			DataModelNamespace: c.cfg.DataModelNamespace,
		},
	}
	if c.cfg.SolutionID != "" {
		env.SolutionID = &c.cfg.SolutionID
	}
	if c.cfg.UserToken != "" {
		env.UserToken = &c.cfg.UserToken
	}
	if c.cfg.InstanceID != "" {
		env.InstanceID = &c.cfg.InstanceID
	}
	return env
}

// Register negotiates (or reuses) an environment. While registered it is an
// idempotent no-op returning the cached environment without network I/O.
func (c *Client) Register(ctx context.Context) (*environment.Environment, error) {
	if c.state == StateRegistered {
		return c.env, nil
	}
	c.state = StateRegistering

	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{ApplicationKey: c.cfg.ApplicationKey})
	id := c.identity()

	for {
		entry, err := c.store.Retrieve(ctx, id)
		switch {
		case err == nil:
			env, err := c.reuseSession(ctx, entry)
			if errors.Is(err, errStaleSession) {
				c.log.InfoContext(ctx, "stored session stale on broker, re-registering",
					"session_token", entry.SessionToken)
				if err := c.store.Remove(ctx, entry.SessionToken); err != nil {
					c.state = StateUnregistered
					return nil, &Error{Op: "remove stale session", Cause: err}
				}
				continue
			}
			if err != nil {
				c.state = StateUnregistered
				return nil, err
			}
			return c.complete(ctx, env), nil

		case errors.Is(err, sessions.ErrNotFound):
			env, err := c.freshRegister(ctx, id)
			if errors.Is(err, sessions.ErrAlreadyExists) {
				// Lost a race with a concurrent registration of the same
				// identity; pick up the winner's session.
				c.log.InfoContext(ctx, "lost registration race, reusing stored session")
				continue
			}
			if err != nil {
				c.state = StateUnregistered
				return nil, err
			}
			return c.complete(ctx, env), nil

		default:
			c.state = StateUnregistered
			return nil, &Error{Op: "session lookup", Cause: err}
		}
	}
}

func (c *Client) complete(ctx context.Context, env *environment.Environment) *environment.Environment {
	c.env = env
	c.state = StateRegistered
	c.log.InfoContext(ctx, "registered",
		"session_token", env.SessionToken, "environment_url", env.EnvironmentURL())
	return env
}

// reuseSession refreshes the environment behind an existing session. If the
// broker no longer knows the session it reports errStaleSession so Register
// can fall back to a fresh negotiation.
func (c *Client) reuseSession(ctx context.Context, entry *sessions.Entry) (*environment.Environment, error) {
	tok, err := c.tokens.Generate(entry.SessionToken, c.cfg.SharedSecret)
	if err != nil {
		return nil, &Error{Op: "token for stored session", Cause: err}
	}

	status, raw, err := c.do(ctx, http.MethodGet, entry.EnvironmentURL, nil, tok)
	if err != nil {
		return nil, &Error{Op: "fetch environment", Cause: err}
	}
	if status == http.StatusNotFound || status == http.StatusUnauthorized {
		return nil, errStaleSession
	}
	if status != http.StatusOK {
		return nil, &Error{Op: "fetch environment", Cause: fmt.Errorf("broker returned status %d", status)}
	}

	env, err := c.codec.DecodeEnvironment(raw)
	if err != nil {
		return nil, &Error{Op: "decode environment", Cause: err}
	}

	// The broker may have reissued the session or relocated the
	// environment; keep the store in step by replacing the entry whole.
	if env.SessionToken != entry.SessionToken || env.EnvironmentURL() != entry.EnvironmentURL {
		if err := c.store.Remove(ctx, entry.SessionToken); err != nil {
			return nil, &Error{Op: "replace session", Cause: err}
		}
		if err := c.store.Store(ctx, &sessions.Entry{
			SessionToken:   env.SessionToken,
			Identity:       entry.Identity,
			EnvironmentURL: env.EnvironmentURL(),
		}); err != nil {
			return nil, &Error{Op: "replace session", Cause: err}
		}
	}
	return env, nil
}

// freshRegister provisions a new environment on the broker and persists the
// session. A sessions.ErrAlreadyExists return means another registration
// won the store race; the remote environment provisioned here has already
// been cleaned up best-effort by the time it returns.
func (c *Client) freshRegister(ctx context.Context, id sessions.IdentityTuple) (*environment.Environment, error) {
	// Before a session exists the token is keyed by the application key.
	tok, err := c.tokens.Generate(c.cfg.ApplicationKey, c.cfg.SharedSecret)
	if err != nil {
		return nil, &Error{Op: "initial token", Cause: err}
	}

	body, err := c.codec.EncodeEnvironment(c.template())
	if err != nil {
		return nil, &Error{Op: "encode template", Cause: err}
	}

	url := strings.TrimSuffix(c.cfg.BrokerURL, "/") + environmentPath
	status, raw, err := c.do(ctx, http.MethodPost, url, body, tok)
	if err != nil {
		return nil, &Error{Op: "create environment", Cause: err}
	}
	if status != http.StatusCreated && status != http.StatusOK {
		return nil, &Error{Op: "create environment", Cause: fmt.Errorf("broker returned status %d", status)}
	}

	env, err := c.codec.DecodeEnvironment(raw)
	if err != nil {
		c.cleanupProvisioned(ctx, raw)
		return nil, &Error{Op: "decode created environment", Cause: err}
	}
	envURL := env.EnvironmentURL()
	if env.SessionToken == "" || envURL == "" {
		c.cleanupProvisioned(ctx, raw)
		return nil, &Error{Op: "decode created environment", Cause: errors.New("response carries no session token or environment url")}
	}

	err = c.store.Store(ctx, &sessions.Entry{
		SessionToken:   env.SessionToken,
		Identity:       id,
		EnvironmentURL: envURL,
	})
	if err != nil {
		c.cleanupProvisioned(ctx, raw)
		if errors.Is(err, sessions.ErrAlreadyExists) {
			return nil, err
		}
		return nil, &Error{Op: "persist session", Cause: err}
	}
	return env, nil
}

// cleanupProvisioned tries to DELETE an environment the broker provisioned
// but that this client failed to adopt. The URL and session token are
// scavenged from the raw response independently of the typed decode, which
// may have been the failing step. Failures here are logged, not returned:
// the caller's original error is the one that matters.
func (c *Client) cleanupProvisioned(ctx context.Context, raw []byte) {
	sessionToken, envURL := c.codec.ExtractSessionInfo(raw)
	if envURL == "" {
		c.log.WarnContext(ctx, "cannot clean up provisioned environment: no url in response")
		return
	}
	key := sessionToken
	if key == "" {
		key = c.cfg.ApplicationKey
	}
	tok, err := c.tokens.Generate(key, c.cfg.SharedSecret)
	if err != nil {
		c.log.WarnContext(ctx, "cannot clean up provisioned environment", "error", err)
		return
	}
	status, _, err := c.do(ctx, http.MethodDelete, envURL, nil, tok)
	if err != nil {
		c.log.WarnContext(ctx, "cleanup delete failed", "url", envURL, "error", err)
		return
	}
	c.log.InfoContext(ctx, "cleaned up provisioned environment", "url", envURL, "status", status)
}

// Unregister tears down the registration. It is a no-op while unregistered.
// With deletion requested (explicitly or via configuration) it issues a
// DELETE against the environment URL and removes the stored session; the
// Registered state is always cleared.
func (c *Client) Unregister(ctx context.Context, policy DeletePolicy) error {
	if c.state != StateRegistered {
		return nil
	}

	remove := c.cfg.DeleteOnUnregister
	switch policy {
	case DeleteRemote:
		remove = true
	case KeepRemote:
		remove = false
	}

	env := c.env
	c.env = nil
	c.state = StateUnregistered

	if !remove {
		return nil
	}

	tok, err := c.tokens.Generate(env.SessionToken, c.cfg.SharedSecret)
	if err != nil {
		return &Error{Op: "unregister token", Cause: err}
	}
	status, _, err := c.do(ctx, http.MethodDelete, env.EnvironmentURL(), nil, tok)
	if err != nil {
		return &Error{Op: "delete environment", Cause: err}
	}
	if status != http.StatusOK && status != http.StatusNoContent {
		return &Error{Op: "delete environment", Cause: fmt.Errorf("broker returned status %d", status)}
	}
	if err := c.store.Remove(ctx, env.SessionToken); err != nil {
		return &Error{Op: "remove session", Cause: err}
	}
	return nil
}

// timestampHeader carries the HMAC scheme's timestamp beside the token.
const timestampHeader = "Timestamp"

func (c *Client) do(ctx context.Context, method, url string, body []byte, tok authtoken.Token) (int, []byte, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Authorization", tok.AuthorizationHeader())
	if tok.Timestamp != "" {
		req.Header.Set(timestampHeader, tok.Timestamp)
	}
	if body != nil {
		req.Header.Set("Content-Type", c.codec.ContentType())
	}
	req.Header.Set("Accept", c.codec.ContentType())

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, err
	}
	return resp.StatusCode, data, nil
}
