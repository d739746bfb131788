package leasestore

import (
	"context"
	"strconv"
	"strings"

	"github.com/CoTab/cotab-go/internal/keys"
	"github.com/redis/go-redis/v9"
)

// Store persists per-task ownership leases in Redis. A lease is the value
// "<owner> <timestampMs>" under the task's lease key; a lease older than the
// caller's TTL is treated as absent regardless of its stored owner. This is
// time-based mutual exclusion, not consensus: last writer wins on expiry.
type Store struct {
	rdb redis.UniversalClient
}

// Lease is a decoded ownership record.
type Lease struct {
	Owner     string
	UpdatedAt int64
}

// New creates a lease store on the given Redis client.
func New(rdb redis.UniversalClient) *Store { return &Store{rdb: rdb} }

// acquireScript grants the lease unless a fresh lease is held by another
// owner. Re-acquiring one's own lease refreshes it.
var acquireScript = redis.NewScript(`
local v = redis.call('GET', KEYS[1])
if v then
  local sp = string.find(v, ' ', 1, true)
  local owner = string.sub(v, 1, sp - 1)
  local ts = tonumber(string.sub(v, sp + 1))
  if owner ~= ARGV[1] and (tonumber(ARGV[2]) - ts) < tonumber(ARGV[3]) then
    return 0
  end
end
redis.call('SET', KEYS[1], ARGV[1] .. ' ' .. ARGV[2])
return 1
`)

// renewScript refreshes the timestamp only while the caller still owns the
// lease. A lost lease (expired and taken by someone else) is not touched.
var renewScript = redis.NewScript(`
local v = redis.call('GET', KEYS[1])
if not v then return 0 end
local sp = string.find(v, ' ', 1, true)
if string.sub(v, 1, sp - 1) ~= ARGV[1] then return 0 end
redis.call('SET', KEYS[1], ARGV[1] .. ' ' .. ARGV[2])
return 1
`)

// releaseScript deletes the lease only if the caller owns it.
var releaseScript = redis.NewScript(`
local v = redis.call('GET', KEYS[1])
if not v then return 0 end
local sp = string.find(v, ' ', 1, true)
if string.sub(v, 1, sp - 1) ~= ARGV[1] then return 0 end
redis.call('DEL', KEYS[1])
return 1
`)

// Acquire attempts to take the lease for taskID. It returns false if an
// unexpired lease is owned by a different identity.
func (s *Store) Acquire(ctx context.Context, taskID, owner string, nowMs, ttlMs int64) (bool, error) {
	res, err := acquireScript.Run(ctx, s.rdb, []string{keys.Lease(taskID)},
		owner, strconv.FormatInt(nowMs, 10), strconv.FormatInt(ttlMs, 10)).Result()
	if err != nil {
		return false, err
	}
	return res == int64(1), nil
}

// Renew refreshes the lease timestamp while still owned. It returns false if
// ownership was lost.
func (s *Store) Renew(ctx context.Context, taskID, owner string, nowMs int64) (bool, error) {
	res, err := renewScript.Run(ctx, s.rdb, []string{keys.Lease(taskID)},
		owner, strconv.FormatInt(nowMs, 10)).Result()
	if err != nil {
		return false, err
	}
	return res == int64(1), nil
}

// Release deletes the lease if owned by the caller. Releasing a lease one no
// longer owns is a no-op.
func (s *Store) Release(ctx context.Context, taskID, owner string) (bool, error) {
	res, err := releaseScript.Run(ctx, s.rdb, []string{keys.Lease(taskID)}, owner).Result()
	if err != nil {
		return false, err
	}
	return res == int64(1), nil
}

// Get reads the raw lease record for inspection.
func (s *Store) Get(ctx context.Context, taskID string) (Lease, bool, error) {
	v, err := s.rdb.Get(ctx, keys.Lease(taskID)).Result()
	if err == redis.Nil {
		return Lease{}, false, nil
	}
	if err != nil {
		return Lease{}, false, err
	}
	l, ok := parse(v)
	return l, ok, nil
}

// Sweep deletes every lease older than maxAgeMs and returns how many were
// removed. It is best-effort: a lease refreshed between read and delete may
// be removed anyway, which the TTL contract tolerates.
func (s *Store) Sweep(ctx context.Context, nowMs, maxAgeMs int64) (int, error) {
	var cursor uint64
	removed := 0
	for {
		ks, next, err := s.rdb.Scan(ctx, cursor, keys.LeasePattern, 128).Result()
		if err != nil {
			return removed, err
		}
		for _, k := range ks {
			v, err := s.rdb.Get(ctx, k).Result()
			if err != nil {
				continue
			}
			l, ok := parse(v)
			if !ok {
				// unparseable record, drop it
				if s.rdb.Del(ctx, k).Err() == nil {
					removed++
				}
				continue
			}
			if nowMs-l.UpdatedAt >= maxAgeMs {
				if s.rdb.Del(ctx, k).Err() == nil {
					removed++
				}
			}
		}
		cursor = next
		if cursor == 0 {
			return removed, nil
		}
	}
}

func parse(v string) (Lease, bool) {
	sp := strings.IndexByte(v, ' ')
	if sp <= 0 {
		return Lease{}, false
	}
	ts, err := strconv.ParseInt(v[sp+1:], 10, 64)
	if err != nil {
		return Lease{}, false
	}
	return Lease{Owner: v[:sp], UpdatedAt: ts}, true
}
