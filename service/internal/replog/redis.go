package replog

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
)

// The list holds the retained records; the base key counts the records
// compaction dropped in front of it. Every script reads both keys so a
// concurrent compaction is never observed half done.
var (
	lenScript = redis.NewScript(`
local base = tonumber(redis.call('GET', KEYS[2]) or '0')
return base + redis.call('LLEN', KEYS[1])
`)

	rangeScript = redis.NewScript(`
local base = tonumber(redis.call('GET', KEYS[2]) or '0')
local start, stop = tonumber(ARGV[1]), tonumber(ARGV[2])
if start < base then
	return redis.error_reply('COMPACTED')
end
if stop <= start then
	return {}
end
if stop > base + redis.call('LLEN', KEYS[1]) then
	return redis.error_reply('OUTOFRANGE')
end
return redis.call('LRANGE', KEYS[1], start - base, stop - base - 1)
`)

	appendScript = redis.NewScript(`
local base = tonumber(redis.call('GET', KEYS[2]) or '0')
return base + redis.call('RPUSH', KEYS[1], ARGV[1]) - 1
`)

	// removeLastIfScript pops the tail only when it is still the record the
	// caller appended at the expected index.
	removeLastIfScript = redis.NewScript(`
local base = tonumber(redis.call('GET', KEYS[2]) or '0')
local n = redis.call('LLEN', KEYS[1])
if base + n - 1 ~= tonumber(ARGV[1]) then
	return 0
end
if redis.call('LINDEX', KEYS[1], -1) ~= ARGV[2] then
	return 0
end
redis.call('RPOP', KEYS[1])
return 1
`)

	compactScript = redis.NewScript(`
local base = tonumber(redis.call('GET', KEYS[2]) or '0')
local n = redis.call('LLEN', KEYS[1])
local upTo = tonumber(ARGV[1])
if upTo > base + n then
	return redis.error_reply('OUTOFRANGE')
end
if upTo <= base then
	return base
end
redis.call('LTRIM', KEYS[1], upTo - base, -1)
redis.call('SET', KEYS[2], upTo)
return upTo
`)
)

// Redis is a Log stored in a Redis list, one list per session.
type Redis struct {
	rdb  *redis.Client
	key  string
	base string
}

// NewRedis returns the log of sessionID.
func NewRedis(rdb *redis.Client, sessionID string) *Redis {
	key := "drawspell:log:{" + sessionID + "}"
	return &Redis{rdb: rdb, key: key, base: key + ":base"}
}

func (r *Redis) keys() []string { return []string{r.key, r.base} }

func (r *Redis) Base(ctx context.Context) (int, error) {
	n, err := r.rdb.Get(ctx, r.base).Int()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("redis get base: %w", err)
	}
	return n, nil
}

func (r *Redis) Len(ctx context.Context) (int, error) {
	n, err := lenScript.Run(ctx, r.rdb, r.keys()).Int()
	if err != nil {
		return 0, fmt.Errorf("redis len: %w", err)
	}
	return n, nil
}

func (r *Redis) Range(ctx context.Context, start, end int) ([][]byte, error) {
	if start < 0 || start > end {
		return nil, fmt.Errorf("replog: bad range [%d, %d)", start, end)
	}
	vals, err := rangeScript.Run(ctx, r.rdb, r.keys(), start, end).StringSlice()
	switch {
	case err != nil && strings.Contains(err.Error(), "COMPACTED"):
		return nil, fmt.Errorf("%w: range [%d, %d)", ErrCompacted, start, end)
	case err != nil && strings.Contains(err.Error(), "OUTOFRANGE"):
		return nil, fmt.Errorf("replog: range [%d, %d) out of bounds", start, end)
	case err != nil:
		return nil, fmt.Errorf("redis lrange: %w", err)
	}
	out := make([][]byte, len(vals))
	for i, v := range vals {
		out[i] = []byte(v)
	}
	return out, nil
}

func (r *Redis) Append(ctx context.Context, rec []byte) (int, error) {
	n, err := appendScript.Run(ctx, r.rdb, r.keys(), rec).Int()
	if err != nil {
		return 0, fmt.Errorf("redis rpush: %w", err)
	}
	return n, nil
}

func (r *Redis) RemoveLastIf(ctx context.Context, index int, rec []byte) (bool, error) {
	n, err := removeLastIfScript.Run(ctx, r.rdb, r.keys(), index, rec).Int()
	if err != nil {
		return false, fmt.Errorf("redis remove last: %w", err)
	}
	return n == 1, nil
}

// Compact drops every record below upTo.
func (r *Redis) Compact(ctx context.Context, upTo int) error {
	if err := compactScript.Run(ctx, r.rdb, r.keys(), upTo).Err(); err != nil {
		return fmt.Errorf("redis compact: %w", err)
	}
	return nil
}
