package federation

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisNoncePrefix = "traced:nonce:"

// consumeScript deletes the binding's nonce only when the presented value
// matches, so a forged callback cannot cancel a legitimate pending login.
var consumeScript = redis.NewScript(`
local v = redis.call('GET', KEYS[1])
if not v then return nil end
local sep = string.find(v, '|', 1, true)
if not sep then return nil end
if string.sub(v, 1, sep - 1) ~= ARGV[1] then return nil end
redis.call('DEL', KEYS[1])
return v
`)

// RedisNonceStore shares nonces between gateway replicas.
type RedisNonceStore struct {
	client *redis.Client
	ttl    time.Duration
	now    func() time.Time
}

// NewRedisNonceStore wraps an existing client.
func NewRedisNonceStore(client *redis.Client, ttl time.Duration) *RedisNonceStore {
	if ttl <= 0 {
		ttl = DefaultNonceTTL
	}
	return &RedisNonceStore{client: client, ttl: ttl, now: time.Now}
}

// DialRedis connects and pings the server.
func DialRedis(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis %s: %w", addr, err)
	}
	return client, nil
}

func (s *RedisNonceStore) key(binding string) string {
	return redisNoncePrefix + binding
}

// Issue overwrites the binding's key, which invalidates any earlier value.
func (s *RedisNonceStore) Issue(ctx context.Context, binding, provider string) (string, error) {
	if binding == "" {
		return "", errors.New("nonce: binding required")
	}
	value, err := randomToken(nonceBytes)
	if err != nil {
		return "", err
	}
	payload := strings.Join([]string{value, provider, strconv.FormatInt(s.now().UnixNano(), 10)}, "|")
	if err := s.client.Set(ctx, s.key(binding), payload, s.ttl).Err(); err != nil {
		return "", fmt.Errorf("store nonce: %w", err)
	}
	return value, nil
}

// Consume atomically compares and deletes.
func (s *RedisNonceStore) Consume(ctx context.Context, binding, value string) (Ticket, bool) {
	if binding == "" || value == "" || strings.Contains(value, "|") {
		return Ticket{}, false
	}
	raw, err := consumeScript.Run(ctx, s.client, []string{s.key(binding)}, value).Text()
	if err != nil {
		return Ticket{}, false
	}
	parts := strings.SplitN(raw, "|", 3)
	if len(parts) != 3 {
		return Ticket{}, false
	}
	nanos, err := strconv.ParseInt(parts[2], 10, 64)
	if err != nil {
		return Ticket{}, false
	}
	issuedAt := time.Unix(0, nanos)
	if s.now().Sub(issuedAt) > s.ttl {
		return Ticket{}, false
	}
	return Ticket{Provider: parts[1], IssuedAt: issuedAt}, true
}
