package distributed

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

var (
	ErrNotAcquired = errors.New("lock not acquired")
	ErrNotHeld     = errors.New("lock not held")
)

// releaseScript deletes the key only while it still carries our token.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

// extendScript pushes the expiry out only while we hold the key.
var extendScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("pexpire", KEYS[1], ARGV[2])
end
return 0
`)

// Lock is a single-key Redis lock shared by every relay instance. A held
// lock is refreshed at half its ttl until Release.
type Lock struct {
	client *redis.Client
	key    string
	token  string
	ttl    time.Duration

	mu   sync.Mutex
	stop chan struct{}
}

func NewLock(client *redis.Client, key string, ttl time.Duration) *Lock {
	b := make([]byte, 16)
	_, _ = rand.Read(b)
	return &Lock{
		client: client,
		key:    key,
		token:  hex.EncodeToString(b),
		ttl:    ttl,
	}
}

// Acquire polls until the lock is ours, wait elapses or ctx ends.
func (l *Lock) Acquire(ctx context.Context, wait time.Duration) error {
	deadline := time.Now().Add(wait)
	for {
		ok, err := l.TryAcquire(ctx)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("%s: %w", l.key, ErrNotAcquired)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(100 * time.Millisecond):
		}
	}
}

func (l *Lock) TryAcquire(ctx context.Context) (bool, error) {
	ok, err := l.client.SetNX(ctx, l.key, l.token, l.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("acquire %s: %w", l.key, err)
	}
	if ok {
		l.mu.Lock()
		l.stop = make(chan struct{})
		go l.refresh(l.stop)
		l.mu.Unlock()
	}
	return ok, nil
}

func (l *Lock) Release(ctx context.Context) error {
	l.mu.Lock()
	if l.stop != nil {
		close(l.stop)
		l.stop = nil
	}
	l.mu.Unlock()

	n, err := releaseScript.Run(ctx, l.client, []string{l.key}, l.token).Int()
	if err != nil {
		return fmt.Errorf("release %s: %w", l.key, err)
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", l.key, ErrNotHeld)
	}
	return nil
}

func (l *Lock) refresh(stop <-chan struct{}) {
	ticker := time.NewTicker(l.ttl / 2)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), l.ttl/2)
			n, err := extendScript.Run(ctx, l.client, []string{l.key}, l.token, l.ttl.Milliseconds()).Int()
			cancel()
			if err != nil || n == 0 {
				return
			}
		}
	}
}

// WithLock runs fn while holding key.
func WithLock(ctx context.Context, client *redis.Client, key string, ttl, wait time.Duration, fn func(context.Context) error) error {
	lock := NewLock(client, key, ttl)
	if err := lock.Acquire(ctx, wait); err != nil {
		return err
	}
	defer func() { _ = lock.Release(context.Background()) }()
	return fn(ctx)
}
