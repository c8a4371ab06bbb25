package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	logx "github.com/dygje/tgpro/pkg/logx"

	"github.com/redis/go-redis/v9"
)

// redisStore keeps each task as a JSON string and indexes ids in a sorted
// set scored by creation time. Log entries live in one sorted set scored by
// their timestamp, which makes age-based pruning a single range delete.
//
// Keys:
//   - <prefix>task:<id>
//   - <prefix>tasks  (zset, score = created_at unix micros)
//   - <prefix>logs   (zset, score = at unix micros, member = entry JSON)
type redisStore struct {
	rdb    *redis.Client
	prefix string
	log    logx.Logger
}

func openRedis(cfg Config, log logx.Logger) (Store, error) {
	addr := strings.TrimSpace(cfg.Addr)
	if addr == "" {
		return nil, errors.New("storage.addr is required for redis driver")
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
	return newRedisStore(rdb, cfg.Prefix, log), nil
}

func newRedisStore(rdb *redis.Client, prefix string, log logx.Logger) *redisStore {
	if prefix == "" {
		prefix = "tgpro:"
	}
	return &redisStore{rdb: rdb, prefix: prefix, log: log}
}

func (s *redisStore) taskKey(id string) string { return s.prefix + "task:" + id }
func (s *redisStore) taskIndex() string       { return s.prefix + "tasks" }
func (s *redisStore) logKey() string           { return s.prefix + "logs" }

func (s *redisStore) UpsertTask(ctx context.Context, r TaskRecord) error {
	raw, err := json.Marshal(r)
	if err != nil {
		return err
	}
	_, err = s.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Set(ctx, s.taskKey(r.ID), raw, 0)
		p.ZAdd(ctx, s.taskIndex(), redis.Z{Score: float64(r.CreatedAt.UnixMicro()), Member: r.ID})
		return nil
	})
	return err
}

func (s *redisStore) GetTask(ctx context.Context, id string) (TaskRecord, error) {
	raw, err := s.rdb.Get(ctx, s.taskKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return TaskRecord{}, ErrNotFound
	}
	if err != nil {
		return TaskRecord{}, err
	}
	var r TaskRecord
	if err := json.Unmarshal(raw, &r); err != nil {
		return TaskRecord{}, err
	}
	return r, nil
}

func (s *redisStore) ListTasks(ctx context.Context, f TaskFilter) ([]TaskRecord, error) {
	ids, err := s.rdb.ZRevRange(ctx, s.taskIndex(), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.taskKey(id)
	}
	vals, err := s.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}
	out := make([]TaskRecord, 0, len(vals))
	for _, v := range vals {
		str, ok := v.(string)
		if !ok {
			continue
		}
		var r TaskRecord
		if err := json.Unmarshal([]byte(str), &r); err != nil {
			s.log.Debug("skipping undecodable task", logx.Err(err))
			continue
		}
		if !f.match(r) {
			continue
		}
		out = append(out, r)
		if f.Limit > 0 && len(out) >= f.Limit {
			break
		}
	}
	return out, nil
}

func (s *redisStore) AppendLog(ctx context.Context, e LogEntry) error {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	raw, err := json.Marshal(e)
	if err != nil {
		return err
	}
	return s.rdb.ZAdd(ctx, s.logKey(), redis.Z{Score: float64(e.At.UnixMicro()), Member: raw}).Err()
}

func (s *redisStore) QueryLogs(ctx context.Context, q LogQuery) ([]LogEntry, error) {
	min := "-inf"
	if !q.Since.IsZero() {
		min = strconv.FormatInt(q.Since.UnixMicro(), 10)
	}
	vals, err := s.rdb.ZRevRangeByScore(ctx, s.logKey(), &redis.ZRangeBy{Min: min, Max: "+inf"}).Result()
	if err != nil {
		return nil, err
	}
	out := make([]LogEntry, 0, len(vals))
	for _, v := range vals {
		var e LogEntry
		if err := json.Unmarshal([]byte(v), &e); err != nil {
			continue
		}
		if !q.match(e) {
			continue
		}
		out = append(out, e)
		if q.Limit > 0 && len(out) >= q.Limit {
			break
		}
	}
	return out, nil
}

func (s *redisStore) PruneLogs(ctx context.Context, before time.Time) (int, error) {
	// Exclusive upper bound: entries at exactly before survive.
	max := "(" + strconv.FormatInt(before.UnixMicro(), 10)
	n, err := s.rdb.ZRemRangeByScore(ctx, s.logKey(), "-inf", max).Result()
	return int(n), err
}

func (s *redisStore) Close() error { return s.rdb.Close() }
