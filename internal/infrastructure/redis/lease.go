package redis

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

// DefaultLeaseKey is the key the expiry reaper contends on
const DefaultLeaseKey = "stock-engine:reaper:lease"

// releaseScript deletes the key only while it still holds our token
const releaseScript = `if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`

// Lease is a single-holder lock with a ttl. Acquire is SET NX PX; Release is a
// compare-and-delete so a holder whose ttl lapsed cannot drop someone else's lease.
type Lease struct {
	client *redis.Client
	key    string
	token  string

	mu   sync.Mutex
	held bool
}

// NewLease creates a lease on key. An empty owner gets a hostname-based token.
func NewLease(client *redis.Client, key, owner string) *Lease {
	if key == "" {
		key = DefaultLeaseKey
	}
	if owner == "" {
		host, _ := os.Hostname()
		owner = fmt.Sprintf("%s-%s", host, uuid.New().String()[:8])
	}
	return &Lease{client: client, key: key, token: owner}
}

// Owner returns the token written into the key
func (l *Lease) Owner() string {
	return l.token
}

// Acquire takes the lease for ttl. It returns false when another owner holds it.
func (l *Lease) Acquire(ctx context.Context, ttl time.Duration) (bool, error) {
	ok, err := l.client.SetNX(ctx, l.key, l.token, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("setnx %s: %w", l.key, err)
	}
	l.mu.Lock()
	l.held = ok
	l.mu.Unlock()
	return ok, nil
}

// Release gives the lease back if we still own it
func (l *Lease) Release(ctx context.Context) error {
	l.mu.Lock()
	held := l.held
	l.held = false
	l.mu.Unlock()
	if !held {
		return nil
	}

	if err := l.client.Eval(ctx, releaseScript, []string{l.key}, l.token).Err(); err != nil && err != redis.Nil {
		return fmt.Errorf("release %s: %w", l.key, err)
	}
	return nil
}

// NewClient builds a client and verifies the connection
func NewClient(ctx context.Context, addr string) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to ping redis at %s: %w", addr, err)
	}
	return client, nil
}
