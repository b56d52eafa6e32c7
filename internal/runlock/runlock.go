// Package runlock keeps pipeline runs from overlapping.
package runlock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
)

// ErrRunInProgress is returned by Acquire while another run holds the lock.
var ErrRunInProgress = errors.New("pipeline run in progress")

// Locker grants at most one holder at a time. Acquire never blocks waiting
// for the holder; release is safe to call more than once.
type Locker interface {
	Acquire(ctx context.Context) (release func(), err error)
}

// Local is a process-wide lock.
type Local struct {
	mu sync.Mutex
}

func NewLocal() *Local { return &Local{} }

func (l *Local) Acquire(context.Context) (func(), error) {
	if !l.mu.TryLock() {
		return nil, ErrRunInProgress
	}
	var once sync.Once
	return func() { once.Do(l.mu.Unlock) }, nil
}

var releaseScript = goredis.NewScript(`
if redis.call('get', KEYS[1]) == ARGV[1] then
  return redis.call('del', KEYS[1])
else
  return 0
end
`)

// Redis is a lease shared by every process pointing at the same key. The TTL
// bounds how long a crashed holder can block other runs.
type Redis struct {
	client goredis.UniversalClient
	key    string
	ttl    time.Duration
}

func NewRedis(client goredis.UniversalClient, key string, ttl time.Duration) *Redis {
	if key == "" {
		key = "trendpulse:pipeline:lock"
	}
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	return &Redis{client: client, key: key, ttl: ttl}
}

func (r *Redis) Acquire(ctx context.Context) (func(), error) {
	token := uuid.NewString()
	ok, err := r.client.SetNX(ctx, r.key, token, r.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("acquire run lock: %w", err)
	}
	if !ok {
		return nil, ErrRunInProgress
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			// The run's context may already be done; release on a fresh one.
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			releaseScript.Run(ctx, r.client, []string{r.key}, token) //nolint:errcheck
		})
	}, nil
}
