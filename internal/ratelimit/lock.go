package ratelimit

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
)

const leaseReleaseScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`

var (
	ErrEmptyLeaseKey   = errors.New("lease_key_empty")
	ErrInvalidLeaseTTL = errors.New("lease_ttl_invalid")
)

// Locker grants short exclusive leases on a key. Leases are shared through
// Redis when a client is configured and kept in process memory otherwise.
type Locker struct {
	client *redis.Client
	script *redis.Script
	now    func() time.Time

	mu    sync.Mutex
	local map[string]localLease
}

type localLease struct {
	token     string
	expiresAt time.Time
}

// Lease is a held lock. Release may be called more than once.
type Lease struct {
	locker *Locker
	key    string
	token  string
	once   sync.Once
}

func NewLocker(client *redis.Client) *Locker {
	l := &Locker{
		client: client,
		now:    time.Now,
		local:  make(map[string]localLease),
	}
	if client != nil {
		l.script = redis.NewScript(leaseReleaseScript)
	}
	return l
}

// Acquire returns (nil, false, nil) while another holder owns key.
func (l *Locker) Acquire(ctx context.Context, key string, ttl time.Duration) (*Lease, bool, error) {
	if key == "" {
		return nil, false, ErrEmptyLeaseKey
	}
	if ttl <= 0 {
		return nil, false, ErrInvalidLeaseTTL
	}

	token := uuid.NewString()
	if l.client != nil {
		ok, err := l.client.SetNX(ctx, key, token, ttl).Result()
		if err != nil || !ok {
			return nil, false, err
		}
		return &Lease{locker: l, key: key, token: token}, true, nil
	}

	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()
	if held, ok := l.local[key]; ok && now.Before(held.expiresAt) {
		return nil, false, nil
	}
	l.local[key] = localLease{token: token, expiresAt: now.Add(ttl)}
	return &Lease{locker: l, key: key, token: token}, true, nil
}

func (l *Lease) Release(ctx context.Context) error {
	if l == nil {
		return nil
	}
	var err error
	l.once.Do(func() {
		err = l.locker.release(ctx, l.key, l.token)
	})
	return err
}

func (l *Locker) release(ctx context.Context, key, token string) error {
	if l.client != nil {
		return l.script.Run(ctx, l.client, []string{key}, token).Err()
	}
	l.mu.Lock()
	if held, ok := l.local[key]; ok && held.token == token {
		delete(l.local, key)
	}
	l.mu.Unlock()
	return nil
}
