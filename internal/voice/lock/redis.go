package lock

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/pranicsoil/fieldvoice/internal/observe"
)

// acquireScript sets the key when absent, refreshes it when already owned by
// the caller, and refuses otherwise. Expiry stands in for staleness: a
// holder that stops refreshing simply disappears.
var acquireScript = redis.NewScript(`
local cur = redis.call('GET', KEYS[1])
if not cur then
  redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[2])
  return 1
end
if cur == ARGV[1] then
  redis.call('PEXPIRE', KEYS[1], ARGV[2])
  return 2
end
return 0
`)

var refreshScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return 0
`)

var releaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)

// Redis is a [Manager] backed by a single Redis key, for deployments where
// several client processes share one voice identity.
type Redis struct {
	client redis.Scripter
	opts   options
}

var _ Manager = (*Redis)(nil)

// NewRedis returns a manager storing the lock in client under the key set by
// [WithKey].
func NewRedis(client redis.Scripter, opts ...Option) *Redis {
	o := defaults()
	for _, fn := range opts {
		fn(&o)
	}
	return &Redis{client: client, opts: o}
}

// TryAcquire implements [Manager].
func (r *Redis) TryAcquire(ctx context.Context, owner string) (bool, error) {
	res, err := acquireScript.Run(ctx, r.client, []string{r.opts.prefix}, owner, r.opts.staleAfter.Milliseconds()).Int64()
	if err != nil {
		return false, fmt.Errorf("lock: redis acquire: %w", err)
	}
	if res == 0 {
		r.opts.record(ctx, observe.ResultBusy)
		return false, nil
	}
	r.opts.record(ctx, observe.ResultGranted)
	return true, nil
}

// Refresh implements [Manager].
func (r *Redis) Refresh(ctx context.Context, owner string) (bool, error) {
	res, err := refreshScript.Run(ctx, r.client, []string{r.opts.prefix}, owner, r.opts.staleAfter.Milliseconds()).Int64()
	if err != nil {
		return false, fmt.Errorf("lock: redis refresh: %w", err)
	}
	return res == 1, nil
}

// Release implements [Manager].
func (r *Redis) Release(ctx context.Context, owner string) error {
	if err := releaseScript.Run(ctx, r.client, []string{r.opts.prefix}, owner).Err(); err != nil {
		return fmt.Errorf("lock: redis release: %w", err)
	}
	return nil
}
