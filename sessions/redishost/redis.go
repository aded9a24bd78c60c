package redishost

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/ggoodman/cometd-server-go/bayeux"
	"github.com/ggoodman/cometd-server-go/sessions"
	"github.com/joeshaw/envdecode"
	"github.com/redis/go-redis/v9"
)

const (
	defaultAddr      = "localhost:6379"
	defaultKeyPrefix = "cometd:"
)

// Config for Redis-backed Host. Defaults can be loaded via envdecode.
type Config struct {
	// RedisAddr like "localhost:6379". ENV: REDIS_ADDR
	RedisAddr string `env:"REDIS_ADDR,default=localhost:6379"`
	// Password for AUTH, empty for none. ENV: REDIS_PASSWORD
	Password string `env:"REDIS_PASSWORD"`
	// DB selects the logical database. ENV: REDIS_DB
	DB int `env:"REDIS_DB,default=0"`
	// KeyPrefix for all keys. ENV: COMETD_REDIS_KEY_PREFIX
	KeyPrefix string `env:"COMETD_REDIS_KEY_PREFIX,default=cometd:"`
}

type Host struct {
	client    *redis.Client
	keyPrefix string
}

func New(ctx context.Context, cfg Config) (*Host, error) {
	addr := cfg.RedisAddr
	if addr == "" {
		addr = defaultAddr
	}
	cl := redis.NewClient(&redis.Options{Addr: addr, Password: cfg.Password, DB: cfg.DB})
	if err := cl.Ping(ctx).Err(); err != nil {
		_ = cl.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = defaultKeyPrefix
	}
	return &Host{client: cl, keyPrefix: prefix}, nil
}

// ConfigFromEnv decodes Config from the environment.
func ConfigFromEnv() (Config, error) {
	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return Config{}, fmt.Errorf("decode redis config: %w", err)
	}
	return cfg, nil
}

// NewFromEnv builds a Host using envdecode to populate Config.
func NewFromEnv(ctx context.Context) (*Host, error) {
	cfg, err := ConfigFromEnv()
	if err != nil {
		return nil, err
	}
	return New(ctx, cfg)
}

// Close closes the Redis client.
func (h *Host) Close() error { return h.client.Close() }

// --- Key helpers ---

func (h *Host) clientsKey() string               { return h.keyPrefix + "clients" }
func (h *Host) patternsKey() string              { return h.keyPrefix + "patterns" }
func (h *Host) subsKey(clientID string) string   { return h.keyPrefix + "subs:" + clientID }
func (h *Host) queueKey(clientID string) string  { return h.keyPrefix + "queue:" + clientID }
func (h *Host) patternKey(pattern string) string { return h.keyPrefix + "pattern:" + pattern }
func (h *Host) wakeKey() string                  { return h.keyPrefix + "wake" }

func (h *Host) patternKeys(patterns []string) []string {
	keys := make([]string, len(patterns))
	for i, p := range patterns {
		keys[i] = h.patternKey(p)
	}
	return keys
}

// --- Clients ---

func (h *Host) Register(ctx context.Context, clientID string) error {
	return h.client.SAdd(ctx, h.clientsKey(), clientID).Err()
}

func (h *Host) Exists(ctx context.Context, clientID string) (bool, error) {
	return h.client.SIsMember(ctx, h.clientsKey(), clientID).Result()
}

var deleteScript = redis.NewScript(`
local clients = KEYS[1]
local subs = KEYS[2]
local patterns = KEYS[3]
local queue = KEYS[4]
local id = ARGV[1]
local prefix = ARGV[2]
for _, p in ipairs(redis.call('SMEMBERS', subs)) do
  local k = prefix .. 'pattern:' .. p
  redis.call('SREM', k, id)
  if redis.call('SCARD', k) == 0 then
    redis.call('SREM', patterns, p)
  end
end
redis.call('DEL', subs, queue)
redis.call('SREM', clients, id)
return 1
`)

func (h *Host) Delete(ctx context.Context, clientID string) error {
	c := context.WithoutCancel(ctx)
	keys := []string{h.clientsKey(), h.subsKey(clientID), h.patternsKey(), h.queueKey(clientID)}
	if err := deleteScript.Run(c, h.client, keys, clientID, h.keyPrefix).Err(); err != nil {
		return fmt.Errorf("delete client %s: %w", clientID, err)
	}
	return nil
}

func (h *Host) Clients(ctx context.Context) ([]string, error) {
	return h.client.SMembers(ctx, h.clientsKey()).Result()
}

// --- Subscriptions ---

var subscribeScript = redis.NewScript(`
if redis.call('SISMEMBER', KEYS[1], ARGV[1]) == 0 then
  return 0
end
redis.call('SADD', KEYS[2], ARGV[2])
redis.call('SADD', KEYS[3], ARGV[2])
redis.call('SADD', KEYS[4], ARGV[1])
return 1
`)

var unsubscribeScript = redis.NewScript(`
if redis.call('SISMEMBER', KEYS[1], ARGV[1]) == 0 then
  return 0
end
redis.call('SREM', KEYS[2], ARGV[2])
redis.call('SREM', KEYS[4], ARGV[1])
if redis.call('SCARD', KEYS[4]) == 0 then
  redis.call('SREM', KEYS[3], ARGV[2])
end
return 1
`)

func (h *Host) Subscribe(ctx context.Context, clientID, channel string) error {
	return h.runMembership(ctx, subscribeScript, clientID, channel)
}

func (h *Host) Unsubscribe(ctx context.Context, clientID, channel string) error {
	return h.runMembership(ctx, unsubscribeScript, clientID, channel)
}

func (h *Host) runMembership(ctx context.Context, script *redis.Script, clientID, channel string) error {
	keys := []string{h.clientsKey(), h.subsKey(clientID), h.patternsKey(), h.patternKey(channel)}
	n, err := script.Run(ctx, h.client, keys, clientID, channel).Int()
	if err != nil {
		return err
	}
	if n == 0 {
		return sessions.ErrClientNotFound
	}
	return nil
}

func (h *Host) Subscriptions(ctx context.Context, clientID string) ([]string, error) {
	ok, err := h.Exists(ctx, clientID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, sessions.ErrClientNotFound
	}
	subs, err := h.client.SMembers(ctx, h.subsKey(clientID)).Result()
	if err != nil {
		return nil, err
	}
	sort.Strings(subs)
	return subs, nil
}

func (h *Host) Subscribers(ctx context.Context, channel string) ([]string, error) {
	patterns, err := h.client.SMembers(ctx, h.patternsKey()).Result()
	if err != nil {
		return nil, err
	}
	var matched []string
	for _, p := range patterns {
		if bayeux.Match(p, channel) {
			matched = append(matched, p)
		}
	}
	if len(matched) == 0 {
		return nil, nil
	}
	ids, err := h.client.SUnion(ctx, h.patternKeys(matched)...).Result()
	if err != nil {
		return nil, err
	}
	sort.Strings(ids)
	return ids, nil
}

// --- Queues ---

var enqueueScript = redis.NewScript(`
if redis.call('SISMEMBER', KEYS[1], ARGV[1]) == 0 then
  return 0
end
redis.call('RPUSH', KEYS[2], ARGV[2])
redis.call('PUBLISH', KEYS[3], ARGV[1])
return 1
`)

var drainScript = redis.NewScript(`
if redis.call('SISMEMBER', KEYS[1], ARGV[1]) == 0 then
  return false
end
local items = redis.call('LRANGE', KEYS[2], 0, -1)
redis.call('DEL', KEYS[2])
return items
`)

func (h *Host) Enqueue(ctx context.Context, clientID string, event []byte) error {
	keys := []string{h.clientsKey(), h.queueKey(clientID), h.wakeKey()}
	n, err := enqueueScript.Run(ctx, h.client, keys, clientID, event).Int()
	if err != nil {
		return err
	}
	if n == 0 {
		return sessions.ErrClientNotFound
	}
	return nil
}

func (h *Host) Drain(ctx context.Context, clientID string) ([][]byte, error) {
	keys := []string{h.clientsKey(), h.queueKey(clientID)}
	items, err := drainScript.Run(ctx, h.client, keys, clientID).StringSlice()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, sessions.ErrClientNotFound
		}
		return nil, err
	}
	if len(items) == 0 {
		return nil, nil
	}
	out := make([][]byte, len(items))
	for i, it := range items {
		out[i] = []byte(it)
	}
	return out, nil
}

// Wakeups subscribes to the enqueue announcements of every node sharing the
// key prefix.
func (h *Host) Wakeups(ctx context.Context) (<-chan string, error) {
	ps := h.client.Subscribe(ctx, h.wakeKey())
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("subscribe wakeups: %w", err)
	}
	out := make(chan string, 64)
	go func() {
		defer close(out)
		defer func() { _ = ps.Close() }()
		ch := ps.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case m, ok := <-ch:
				if !ok {
					return
				}
				select {
				case out <- m.Payload:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

// Interface compliance
var (
	_ sessions.Host  = (*Host)(nil)
	_ sessions.Waker = (*Host)(nil)
)
