// Package lease provides the advisory per-root lease described in spec §5:
// "the coordinator additionally may hold a per-root lease (advisory, short)
// to reduce thrashing. Leases are best-effort, never a correctness
// requirement -- correctness is ensured by the storage-level check."
//
// Donated by LerianStudio-midaz's go-redis/v9 usage. Nothing in the
// aggregate coordinator depends on a lease being held for correctness: a
// failed acquire just means a command proceeds straight to the optimistic
// append and, if it loses the race, retries exactly as it would have
// without a lease at all.
package lease

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Leaser acquires and releases advisory per-(domain,root) leases.
type Leaser interface {
	// TryAcquire attempts to take the lease for key, returning a token to
	// release it with and ok=true on success. ok=false means someone else
	// holds it (or Redis is unavailable) -- callers proceed anyway.
	TryAcquire(ctx context.Context, key string, ttl time.Duration) (token string, ok bool)
	// Release gives up a lease previously acquired with token. A no-op if
	// the lease already expired or was never held.
	Release(ctx context.Context, key, token string)
}

// RedisLeaser implements Leaser with a SET NX EX acquire and a
// compare-and-delete Lua release (so a leaseholder never deletes a lease
// someone else has since acquired after its own expired).
type RedisLeaser struct {
	client *redis.Client
}

// NewRedisLeaser wraps an existing client.
func NewRedisLeaser(client *redis.Client) *RedisLeaser {
	return &RedisLeaser{client: client}
}

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
else
	return 0
end
`)

func leaseKey(key string) string {
	return "angzarr:lease:" + key
}

func (l *RedisLeaser) TryAcquire(ctx context.Context, key string, ttl time.Duration) (string, bool) {
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, leaseKey(key), token, ttl).Result()
	if err != nil || !ok {
		return "", false
	}
	return token, true
}

func (l *RedisLeaser) Release(ctx context.Context, key, token string) {
	_ = releaseScript.Run(ctx, l.client, []string{leaseKey(key)}, token).Err()
}

var _ Leaser = (*RedisLeaser)(nil)

// NoopLeaser never grants a lease; every TryAcquire fails open. Used when
// no Redis endpoint is configured -- correctness is unaffected per the
// package doc, only thrashing-reduction is lost.
type NoopLeaser struct{}

func (NoopLeaser) TryAcquire(ctx context.Context, key string, ttl time.Duration) (string, bool) {
	return "", false
}

func (NoopLeaser) Release(ctx context.Context, key, token string) {}

var _ Leaser = NoopLeaser{}
