// Package redis implements the clinicache provider on go-redis.
package redis

import (
	"context"
	"errors"
	"time"

	goredis "github.com/redis/go-redis/v9"

	pr "github.com/unkn0wn-root/clinicache/provider"
)

var ErrNilClient = errors.New("redis provider: nil client")

// compareAndDelete runs server-side so the read and the delete cannot be
// interleaved with another client's write. KEYS[1]=key, ARGV[1]=expected value.
var compareAndDelete = goredis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
else
	return 0
end`)

type Redis struct {
	rdb         goredis.UniversalClient
	closeClient bool
	scanCount   int64
}

var _ pr.Provider = (*Redis)(nil)

type Config struct {
	Client      goredis.UniversalClient
	CloseClient bool  // set true only if this provider exclusively owns the client
	ScanCount   int64 // COUNT hint per SCAN page; 0 => 250
}

func New(cfg Config) (*Redis, error) {
	if cfg.Client == nil {
		return nil, ErrNilClient
	}
	sc := cfg.ScanCount
	if sc <= 0 {
		sc = 250
	}
	return &Redis{rdb: cfg.Client, closeClient: cfg.CloseClient, scanCount: sc}, nil
}

func (p *Redis) Get(ctx context.Context, key string) ([]byte, bool, error) {
	b, err := p.rdb.Get(ctx, key).Bytes()
	if err == goredis.Nil {
		return nil, false, nil // miss
	}
	if err != nil {
		return nil, false, err // transport/server error
	}
	return b, true, nil
}

func (p *Redis) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = 0 // treat non-positive TTLs as "no expiry" per provider contract
	}
	return p.rdb.Set(ctx, key, value, ttl).Err()
}

func (p *Redis) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		ttl = 0
	}
	return p.rdb.SetNX(ctx, key, value, ttl).Result()
}

func (p *Redis) Del(ctx context.Context, keys ...string) (int64, error) {
	if len(keys) == 0 {
		return 0, nil
	}
	return p.rdb.Del(ctx, keys...).Result()
}

func (p *Redis) CompareAndDelete(ctx context.Context, key string, expect []byte) (bool, error) {
	n, err := compareAndDelete.Run(ctx, p.rdb, []string{key}, expect).Int64()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (p *Redis) Scan(ctx context.Context, pattern string) ([]string, error) {
	var out []string
	iter := p.rdb.Scan(ctx, 0, pattern, p.scanCount).Iterator()
	for iter.Next(ctx) {
		out = append(out, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func (p *Redis) MGet(ctx context.Context, keys []string) (map[string][]byte, error) {
	if len(keys) == 0 {
		return map[string][]byte{}, nil
	}
	vals, err := p.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}
	out := make(map[string][]byte, len(keys))
	for i, v := range vals {
		if i >= len(keys) || v == nil {
			continue
		}
		if s, ok := v.(string); ok {
			out[keys[i]] = []byte(s)
		}
	}
	return out, nil
}

func (p *Redis) MSet(ctx context.Context, items map[string][]byte, ttl time.Duration) (map[string]error, error) {
	if len(items) == 0 {
		return nil, nil
	}
	if ttl <= 0 {
		ttl = 0
	}
	cmds := make(map[string]*goredis.StatusCmd, len(items))
	_, err := p.rdb.Pipelined(ctx, func(pipe goredis.Pipeliner) error {
		for k, v := range items {
			cmds[k] = pipe.Set(ctx, k, v, ttl)
		}
		return nil
	})
	var failed map[string]error
	for k, cmd := range cmds {
		if cerr := cmd.Err(); cerr != nil {
			if failed == nil {
				failed = make(map[string]error)
			}
			failed[k] = cerr
		}
	}
	if err != nil && len(failed) == 0 {
		return nil, err
	}
	return failed, nil
}

func (p *Redis) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return p.rdb.Expire(ctx, key, ttl).Err()
}

func (p *Redis) Ping(ctx context.Context) error {
	return p.rdb.Ping(ctx).Err()
}

// Close releases the underlying redis client only when this provider owns it.
// Safe to call multiple times; repeated calls become no-ops.
func (p *Redis) Close(context.Context) error {
	if p.closeClient {
		if err := p.rdb.Close(); err != nil && !errors.Is(err, goredis.ErrClosed) {
			return err
		}
	}
	return nil
}
