// Package redisstore implements sessions.Store on Redis for multi-process
// broker deployments. Entries live in a hash per session token plus an index
// key per identity tuple; the cross-key uniqueness check in Store runs as a
// Lua script so racing registrations stay atomic on the server.
package redisstore

import (
	"context"
	"fmt"

	"github.com/joeshaw/envdecode"
	"github.com/redis/go-redis/v9"

	"github.com/sifworks/broker-go/sessions"
)

// Config for the Redis-backed session store. Defaults can be loaded via
// envdecode.
type Config struct {
	// RedisAddr like "localhost:6379". ENV: REDIS_ADDR
	RedisAddr string `env:"REDIS_ADDR,default=localhost:6379"`
	// KeyPrefix for all keys. ENV: SESSIONS_KEY_PREFIX
	KeyPrefix string `env:"SESSIONS_KEY_PREFIX,default=broker:sessions:"`
}

// Store is a Redis-backed sessions.Store.
type Store struct {
	client    *redis.Client
	keyPrefix string
}

var _ sessions.Store = (*Store)(nil)

// New connects to Redis and verifies reachability with a ping.
func New(cfg Config) (*Store, error) {
	addr := cfg.RedisAddr
	if addr == "" {
		addr = "localhost:6379"
	}
	cl := redis.NewClient(&redis.Options{Addr: addr})
	if err := cl.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "broker:sessions:"
	}
	return &Store{client: cl, keyPrefix: prefix}, nil
}

// NewFromEnv builds a Store using envdecode to populate Config.
func NewFromEnv() (*Store, error) {
	var cfg Config
	_ = envdecode.Decode(&cfg)
	return New(cfg)
}

func (s *Store) Close() error { return s.client.Close() }

func (s *Store) identityKey(id sessions.IdentityTuple) string {
	return s.keyPrefix + "id:" + id.Key()
}
func (s *Store) tokenKey(sessionToken string) string {
	return s.keyPrefix + "tok:" + sessionToken
}

// Hash field names within a token key.
const (
	fieldToken        = "token"
	fieldIdentityKey  = "idkey"
	fieldAppKey       = "appkey"
	fieldSolution     = "solution"
	fieldUserToken    = "usertoken"
	fieldInstance     = "instance"
	fieldEnvURL       = "envurl"
	fieldQueue        = "queue"
	fieldSubscription = "subscription"
)

// storeScript refuses the write if either uniqueness domain is taken, then
// populates the identity index and the entry hash in one server-side step.
var storeScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 or redis.call('EXISTS', KEYS[2]) == 1 then
  return 0
end
redis.call('SET', KEYS[1], ARGV[1])
for i = 2, #ARGV, 2 do
  redis.call('HSET', KEYS[2], ARGV[i], ARGV[i+1])
end
return 1
`)

// updateScript sets one hash field only if the entry exists.
var updateScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
  return 0
end
redis.call('HSET', KEYS[1], ARGV[1], ARGV[2])
return 1
`)

// removeScript deletes the entry hash and its identity index together.
var removeScript = redis.NewScript(`
local idkey = redis.call('HGET', KEYS[1], ARGV[1])
if idkey then
  redis.call('DEL', idkey)
end
redis.call('DEL', KEYS[1])
return 1
`)

func (s *Store) HasSessionForIdentity(ctx context.Context, id sessions.IdentityTuple) (bool, error) {
	n, err := s.client.Exists(ctx, s.identityKey(id)).Result()
	if err != nil {
		return false, fmt.Errorf("redis exists: %w", err)
	}
	return n == 1, nil
}

func (s *Store) HasSession(ctx context.Context, sessionToken string) (bool, error) {
	n, err := s.client.Exists(ctx, s.tokenKey(sessionToken)).Result()
	if err != nil {
		return false, fmt.Errorf("redis exists: %w", err)
	}
	return n == 1, nil
}

func (s *Store) Retrieve(ctx context.Context, id sessions.IdentityTuple) (*sessions.Entry, error) {
	tok, err := s.client.Get(ctx, s.identityKey(id)).Result()
	if err == redis.Nil {
		return nil, sessions.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis get: %w", err)
	}

	fields, err := s.client.HGetAll(ctx, s.tokenKey(tok)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis hgetall: %w", err)
	}
	if len(fields) == 0 {
		// Index key outlived its entry; treat as absent.
		return nil, sessions.ErrNotFound
	}
	return entryFromFields(fields), nil
}

func entryFromFields(fields map[string]string) *sessions.Entry {
	e := &sessions.Entry{
		SessionToken:   fields[fieldToken],
		EnvironmentURL: fields[fieldEnvURL],
		Identity:       sessions.IdentityTuple{ApplicationKey: fields[fieldAppKey]},
	}
	if v, ok := fields[fieldSolution]; ok {
		e.Identity.SolutionID = &v
	}
	if v, ok := fields[fieldUserToken]; ok {
		e.Identity.UserToken = &v
	}
	if v, ok := fields[fieldInstance]; ok {
		e.Identity.InstanceID = &v
	}
	if v, ok := fields[fieldQueue]; ok {
		e.QueueID = &v
	}
	if v, ok := fields[fieldSubscription]; ok {
		e.SubscriptionID = &v
	}
	return e
}

func (s *Store) Store(ctx context.Context, entry *sessions.Entry) error {
	idKey := s.identityKey(entry.Identity)
	tokKey := s.tokenKey(entry.SessionToken)

	args := []interface{}{
		entry.SessionToken,
		fieldToken, entry.SessionToken,
		fieldIdentityKey, idKey,
		fieldAppKey, entry.Identity.ApplicationKey,
		fieldEnvURL, entry.EnvironmentURL,
	}
	if v := entry.Identity.SolutionID; v != nil {
		args = append(args, fieldSolution, *v)
	}
	if v := entry.Identity.UserToken; v != nil {
		args = append(args, fieldUserToken, *v)
	}
	if v := entry.Identity.InstanceID; v != nil {
		args = append(args, fieldInstance, *v)
	}
	if v := entry.QueueID; v != nil {
		args = append(args, fieldQueue, *v)
	}
	if v := entry.SubscriptionID; v != nil {
		args = append(args, fieldSubscription, *v)
	}

	n, err := storeScript.Run(ctx, s.client, []string{idKey, tokKey}, args...).Int()
	if err != nil {
		return fmt.Errorf("redis store script: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("identity or session token already bound: %w", sessions.ErrAlreadyExists)
	}
	return nil
}

func (s *Store) Remove(ctx context.Context, sessionToken string) error {
	if err := removeScript.Run(ctx, s.client, []string{s.tokenKey(sessionToken)}, fieldIdentityKey).Err(); err != nil {
		return fmt.Errorf("redis remove script: %w", err)
	}
	return nil
}

func (s *Store) UpdateQueueID(ctx context.Context, sessionToken, queueID string) error {
	return s.update(ctx, sessionToken, fieldQueue, queueID)
}

func (s *Store) UpdateSubscriptionID(ctx context.Context, sessionToken, subscriptionID string) error {
	return s.update(ctx, sessionToken, fieldSubscription, subscriptionID)
}

func (s *Store) update(ctx context.Context, sessionToken, field, value string) error {
	n, err := updateScript.Run(ctx, s.client, []string{s.tokenKey(sessionToken)}, field, value).Int()
	if err != nil {
		return fmt.Errorf("redis update script: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("session token %q: %w", sessionToken, sessions.ErrNotFound)
	}
	return nil
}
