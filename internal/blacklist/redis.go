package blacklist

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	logx "github.com/dygje/tgpro/pkg/logx"

	"github.com/redis/go-redis/v9"
)

// redisList stores permanent entries in one hash (target -> entry JSON) and
// each temporary entry under its own key with a TTL, so expiry is free.
//
// Keys:
//   - <prefix>blacklist:permanent       (hash)
//   - <prefix>blacklist:temp:<target>   (string with TTL)
type redisList struct {
	rdb    *redis.Client
	prefix string
	log    logx.Logger
}

func openRedis(cfg Config, log logx.Logger) (List, error) {
	addr := strings.TrimSpace(cfg.Addr)
	if addr == "" {
		return nil, errors.New("blacklist.addr is required for redis driver")
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping %s: %w", addr, err)
	}
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "tgpro:"
	}
	return &redisList{rdb: rdb, prefix: prefix, log: log}, nil
}

func (r *redisList) permKey() string              { return r.prefix + "blacklist:permanent" }
func (r *redisList) tempKey(target string) string { return r.prefix + "blacklist:temp:" + target }

func (r *redisList) Blocked(ctx context.Context, target string) (bool, error) {
	target = normalize(target)
	perm, err := r.rdb.HExists(ctx, r.permKey(), target).Result()
	if err != nil {
		return false, err
	}
	if perm {
		return true, nil
	}
	n, err := r.rdb.Exists(ctx, r.tempKey(target)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (r *redisList) Block(ctx context.Context, target, reason string, ttl time.Duration) error {
	target = normalize(target)
	if target == "" {
		return ErrEmptyTarget
	}
	now := time.Now()
	e := Entry{Target: target, Reason: reason, AddedAt: now, Permanent: ttl <= 0}
	if ttl > 0 {
		exp := now.Add(ttl)
		e.ExpiresAt = &exp
	}
	raw, err := json.Marshal(e)
	if err != nil {
		return err
	}

	if e.Permanent {
		_, err = r.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.HSet(ctx, r.permKey(), target, raw)
			p.Del(ctx, r.tempKey(target))
			return nil
		})
		if err == nil {
			r.log.Warn("target blacklisted permanently", logx.String("target", target), logx.String("reason", reason))
		}
		return err
	}

	perm, err := r.rdb.HExists(ctx, r.permKey(), target).Result()
	if err != nil || perm {
		return err
	}
	if err := r.rdb.Set(ctx, r.tempKey(target), raw, ttl).Err(); err != nil {
		return err
	}
	r.log.Warn("target blacklisted temporarily",
		logx.String("target", target),
		logx.String("reason", reason),
		logx.Duration("ttl", ttl),
	)
	return nil
}

func (r *redisList) Unblock(ctx context.Context, target string) error {
	target = normalize(target)
	_, err := r.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HDel(ctx, r.permKey(), target)
		p.Del(ctx, r.tempKey(target))
		return nil
	})
	return err
}

func (r *redisList) tempKeys(ctx context.Context) ([]string, error) {
	var (
		keys   []string
		cursor uint64
	)
	for {
		batch, next, err := r.rdb.Scan(ctx, cursor, r.tempKey("*"), 200).Result()
		if err != nil {
			return nil, err
		}
		keys = append(keys, batch...)
		if next == 0 {
			return keys, nil
		}
		cursor = next
	}
}

func (r *redisList) Entries(ctx context.Context) ([]Entry, error) {
	perm, err := r.rdb.HGetAll(ctx, r.permKey()).Result()
	if err != nil {
		return nil, err
	}
	out := make([]Entry, 0, len(perm))
	for _, raw := range perm {
		var e Entry
		if err := json.Unmarshal([]byte(raw), &e); err == nil {
			out = append(out, e)
		}
	}

	keys, err := r.tempKeys(ctx)
	if err != nil {
		return nil, err
	}
	if len(keys) > 0 {
		vals, err := r.rdb.MGet(ctx, keys...).Result()
		if err != nil {
			return nil, err
		}
		for _, v := range vals {
			s, ok := v.(string)
			if !ok {
				continue // expired between SCAN and MGET
			}
			var e Entry
			if err := json.Unmarshal([]byte(s), &e); err == nil {
				out = append(out, e)
			}
		}
	}
	sortEntries(out)
	return out, nil
}

func (r *redisList) Stats(ctx context.Context) (Stats, error) {
	perm, err := r.rdb.HLen(ctx, r.permKey()).Result()
	if err != nil {
		return Stats{}, err
	}
	keys, err := r.tempKeys(ctx)
	if err != nil {
		return Stats{}, err
	}
	st := Stats{Permanent: int(perm), Temporary: len(keys)}
	st.Total = st.Permanent + st.Temporary
	return st, nil
}

// Cleanup is a no-op: redis expires temporary keys itself.
func (r *redisList) Cleanup(ctx context.Context) (int, error) { return 0, nil }

func (r *redisList) Close() error { return r.rdb.Close() }
