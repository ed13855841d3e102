// Package lock implements the Lock Service: a per-epoch distributed
// mutex with TTL over Redis, acquired at pipeline entry and released on
// all exits.
//
// Grounded on _examples/ethereum-go-ethereum/go.mod, which carries
// go-redis as an indirect dependency; this package promotes it to direct
// use via the actively maintained github.com/redis/go-redis/v9 import
// path for the same client.
package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// releaseScript deletes the key only if its value still matches the
// caller's token, so a caller whose TTL already expired (and whose key a
// different worker may have re-acquired) cannot release someone else's
// lock.
const releaseScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
else
	return 0
end
`

// extendScript resets the key's expiry only if the caller still owns it.
const extendScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
else
	return 0
end
`

// Service is the Lock Service.
type Service struct {
	client    *redis.Client
	namespace string
}

// New constructs a Service over an existing Redis client.
func New(client *redis.Client, namespace string) *Service {
	return &Service{client: client, namespace: namespace}
}

func (s *Service) key(epoch uint64) string {
	return fmt.Sprintf("lock:%s:epoch:%d", s.namespace, epoch)
}

// Handle is returned by a successful Acquire and carries the token needed
// to Release/Extend it.
type Handle struct {
	epoch uint64
	token string
}

// Acquire performs an atomic SETNX-with-expiry. It returns (handle, true)
// iff the caller now owns the lock. Any Redis error is treated as "could
// not acquire" (fail closed) rather than proceeding without mutual
// exclusion.
func (s *Service) Acquire(ctx context.Context, epoch uint64, ttl time.Duration) (*Handle, bool, error) {
	token := uuid.NewString()
	ok, err := s.client.SetNX(ctx, s.key(epoch), token, ttl).Result()
	if err != nil {
		return nil, false, nil //nolint:nilerr // fail-closed
	}
	if !ok {
		return nil, false, nil
	}
	return &Handle{epoch: epoch, token: token}, true, nil
}

// Release unconditionally attempts to remove the key, but only succeeds
// in deleting it if this handle's token still matches (compare-and-delete
// via a Lua script), so a lock reassigned after TTL expiry is never
// clobbered.
func (s *Service) Release(ctx context.Context, h *Handle) error {
	if h == nil {
		return nil
	}
	if err := s.client.Eval(ctx, releaseScript, []string{s.key(h.epoch)}, h.token).Err(); err != nil {
		return fmt.Errorf("lock: release epoch %d: %w", h.epoch, err)
	}
	return nil
}

// Extend resets the key's expiry, used by callers whose processing has
// exceeded TTL/2.
func (s *Service) Extend(ctx context.Context, h *Handle, ttl time.Duration) error {
	if h == nil {
		return fmt.Errorf("lock: extend called with nil handle")
	}
	err := s.client.Eval(ctx, extendScript, []string{s.key(h.epoch)}, h.token, ttl.Milliseconds()).Err()
	if err != nil {
		return fmt.Errorf("lock: extend epoch %d: %w", h.epoch, err)
	}
	return nil
}
