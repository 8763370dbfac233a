// Package sessionlock provides the Redis-backed keyed executor that pins
// all work for a given (contactId, flowId) pair to strict serial execution,
// per spec.md §5 "Shared resource policy": two concurrent inbound events,
// or an inbound event racing a broadcast send, must never interleave their
// effects on the same session.
package sessionlock

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// ErrBusy is returned when a lease could not be acquired before
// AcquireWait elapsed.
var ErrBusy = errors.New("sessionlock: could not acquire lease before deadline")

const releaseScript = `
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
else
	return 0
end
`

// Locker serializes work per key using a Redis SET NX PX lease.
type Locker struct {
	client      *redis.Client
	leaseTTL    time.Duration
	acquireWait time.Duration
	retryEvery  time.Duration
}

// New constructs a Locker against an already-configured redis.Client.
func New(client *redis.Client, leaseTTL, acquireWait time.Duration) *Locker {
	return &Locker{client: client, leaseTTL: leaseTTL, acquireWait: acquireWait, retryEvery: 50 * time.Millisecond}
}

// Key derives the lock key for a (contactId, flowId) pair.
func Key(contactID, flowID string) string {
	return fmt.Sprintf("flowsvc:session-lock:%s:%s", contactID, flowID)
}

// WithLock runs fn while holding the exclusive lease on key, polling for up
// to AcquireWait if another invocation currently holds it. The lease is
// renewed is not necessary for fn's expected runtime (a single engine
// invocation or broadcast send), so it is simply held for leaseTTL and
// released on return.
func (l *Locker) WithLock(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	token := uuid.NewString()
	deadline := time.Now().Add(l.acquireWait)

	for {
		ok, err := l.client.SetNX(ctx, key, token, l.leaseTTL).Result()
		if err != nil {
			return errors.Wrap(err, "sessionlock: acquire")
		}
		if ok {
			break
		}
		if time.Now().After(deadline) {
			return ErrBusy
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(l.retryEvery):
		}
	}

	defer l.release(context.Background(), key, token)
	return fn(ctx)
}

func (l *Locker) release(ctx context.Context, key, token string) {
	l.client.Eval(ctx, releaseScript, []string{key}, token)
}
