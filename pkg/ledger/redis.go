package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Defaults for the Redis-backed locker.
const (
	DefaultRedisPrefix   = "audit-anchor"
	DefaultLockTTL       = 30 * time.Second
	DefaultLockRetryWait = 50 * time.Millisecond
)

// releaseScript deletes the lock only if it still holds our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLocker serializes submissions for an account across replicas that share
// one signing key. The lock expires after TTL so a crashed holder cannot wedge
// the account; TTL must exceed the submit timeout.
type RedisLocker struct {
	rdb       redis.UniversalClient
	prefix    string
	ttl       time.Duration
	retryWait time.Duration
}

// RedisLockerOption configures a RedisLocker.
type RedisLockerOption func(*RedisLocker)

// WithLockTTL sets the lock expiry.
func WithLockTTL(ttl time.Duration) RedisLockerOption {
	return func(l *RedisLocker) {
		if ttl > 0 {
			l.ttl = ttl
		}
	}
}

// WithLockPrefix sets the key prefix.
func WithLockPrefix(prefix string) RedisLockerOption {
	return func(l *RedisLocker) {
		if prefix != "" {
			l.prefix = prefix
		}
	}
}

// NewRedisLocker creates a Redis-backed locker.
func NewRedisLocker(rdb redis.UniversalClient, opts ...RedisLockerOption) *RedisLocker {
	l := &RedisLocker{
		rdb:       rdb,
		prefix:    DefaultRedisPrefix,
		ttl:       DefaultLockTTL,
		retryWait: DefaultLockRetryWait,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *RedisLocker) key(account common.Address) string {
	return fmt.Sprintf("%s:nonce-lock:%s", l.prefix, strings.ToLower(account.Hex()))
}

// Lock implements Locker.
func (l *RedisLocker) Lock(ctx context.Context, account common.Address) (func(), error) {
	key := l.key(account)
	token := uuid.NewString()

	for {
		ok, err := l.rdb.SetNX(ctx, key, token, l.ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("acquire nonce lock: %w", err)
		}
		if ok {
			break
		}

		timer := time.NewTimer(l.retryWait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}

	released := false
	return func() {
		if released {
			return
		}
		released = true
		// Release even if the caller's context is gone.
		rctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = releaseScript.Run(rctx, l.rdb, []string{key}, token).Err()
	}, nil
}

// RedisNonceStore shares the last submitted nonce between replicas.
type RedisNonceStore struct {
	rdb    redis.UniversalClient
	prefix string
}

// NewRedisNonceStore creates a Redis-backed nonce store.
func NewRedisNonceStore(rdb redis.UniversalClient, prefix string) *RedisNonceStore {
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	return &RedisNonceStore{rdb: rdb, prefix: prefix}
}

func (s *RedisNonceStore) key(account common.Address) string {
	return fmt.Sprintf("%s:nonce:%s", s.prefix, strings.ToLower(account.Hex()))
}

// Last implements NonceStore.
func (s *RedisNonceStore) Last(ctx context.Context, account common.Address) (uint64, bool, error) {
	n, err := s.rdb.Get(ctx, s.key(account)).Uint64()
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return n, true, nil
}

// Store implements NonceStore.
func (s *RedisNonceStore) Store(ctx context.Context, account common.Address, nonce uint64) error {
	return s.rdb.Set(ctx, s.key(account), nonce, 0).Err()
}

// Reset implements NonceStore.
func (s *RedisNonceStore) Reset(ctx context.Context, account common.Address) error {
	return s.rdb.Del(ctx, s.key(account)).Err()
}

var (
	_ Locker     = (*RedisLocker)(nil)
	_ NonceStore = (*RedisNonceStore)(nil)
)
