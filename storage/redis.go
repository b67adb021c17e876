package storage

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/songzhibin97/electron-store/types"
)

const (
	recordPrefix   = "tasknode:"
	activePrefix   = "tasknode:active:"
	workflowPrefix = "tasknode:workflow:"
)

// RedisStorage is a Redis-backed implementation of the Store interface.
//
// Read-check-write mutations run inside WATCH/MULTI/EXEC so that a concurrent
// writer on the same keys aborts the transaction, which is then retried
// against the fresh state.
type RedisStorage struct {
	client    *redis.Client
	namespace string
	opts      options
}

// RedisOptions extends redis.Options with additional configuration.
type RedisOptions struct {
	Addr         string        `yaml:"addr"`
	Password     string        `yaml:"password"`
	DB           int           `yaml:"db"`
	PoolSize     int           `yaml:"pool_size"`
	MinIdleConns int           `yaml:"min_idle_conns"`
	IdleTimeout  time.Duration `yaml:"idle_timeout"`
	DialTimeout  time.Duration `yaml:"dial_timeout"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	// Namespace is prepended to every key, letting several stores share a
	// Redis database.
	Namespace string `yaml:"namespace"`
}

// NewRedisStorage creates a new RedisStorage instance with configurable options.
func NewRedisStorage(ro RedisOptions, opts ...Option) (*RedisStorage, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         ro.Addr,
		Password:     ro.Password,
		DB:           ro.DB,
		PoolSize:     ro.PoolSize,
		MinIdleConns: ro.MinIdleConns,
		IdleTimeout:  ro.IdleTimeout,
		DialTimeout:  ro.DialTimeout,
		ReadTimeout:  ro.ReadTimeout,
		WriteTimeout: ro.WriteTimeout,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := client.Ping(ctx).Result(); err != nil {
		client.Close()
		return nil, fmt.Errorf("%w: failed to connect to Redis: %v", ErrTransient, err)
	}

	return &RedisStorage{
		client:    client,
		namespace: ro.Namespace,
		opts:      newOptions("redis-storage", opts),
	}, nil
}

func (s *RedisStorage) recordKey(id uint64) string {
	return fmt.Sprintf("%s%s%d", s.namespace, recordPrefix, id)
}

func (s *RedisStorage) activeKey(workflowInstanceID uint64, graphNodeIndex int) string {
	return fmt.Sprintf("%s%s%d:%d", s.namespace, activePrefix, workflowInstanceID, graphNodeIndex)
}

func (s *RedisStorage) workflowKey(workflowInstanceID uint64) string {
	return fmt.Sprintf("%s%s%d", s.namespace, workflowPrefix, workflowInstanceID)
}

// redisErr passes store errors, cancellation and transaction aborts through
// untouched and reports everything else as a transient backend failure.
func redisErr(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, redis.TxFailedErr),
		errors.Is(err, context.Canceled),
		errors.Is(err, ErrNotFound),
		errors.Is(err, ErrDuplicateNode),
		errors.Is(err, ErrInvalidTransition),
		errors.Is(err, ErrConstraintViolation),
		errors.Is(err, ErrTransient):
		return err
	default:
		// timeouts, including the caller's deadline, are transient and
		// still match context.DeadlineExceeded
		return fmt.Errorf("%w: %s: %w", ErrTransient, op, err)
	}
}

// watch runs fn as an optimistic transaction over keys, retrying aborted
// transactions up to the configured bound.
func (s *RedisStorage) watch(ctx context.Context, op string, fn func(tx *redis.Tx) error, keys ...string) error {
	ctx, cancel := s.opts.withTimeout(ctx)
	defer cancel()

	for attempt := 1; attempt <= s.opts.maxRetries; attempt++ {
		err := redisErr(op, s.client.Watch(ctx, fn, keys...))
		if !errors.Is(err, redis.TxFailedErr) {
			return err
		}
		s.opts.logger.Debug("transaction aborted by concurrent writer", "op", op, "attempt", attempt)
	}
	return fmt.Errorf("%w: %s: too many concurrent writers", ErrTransient, op)
}

// getter is satisfied by both *redis.Client and *redis.Tx.
type getter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

// getRecord loads a record, mapping redis.Nil to ErrNotFound.
func (s *RedisStorage) getRecord(ctx context.Context, tx getter, id uint64) (types.TaskNodeRecord, error) {
	data, err := tx.Get(ctx, s.recordKey(id)).Bytes()
	if err == redis.Nil {
		return types.TaskNodeRecord{}, fmt.Errorf("%w: id=%d", ErrNotFound, id)
	} else if err != nil {
		return types.TaskNodeRecord{}, redisErr("get", err)
	}
	return decodeRecord(data)
}

// Create inserts a new PENDING record, claiming the node key atomically.
func (s *RedisStorage) Create(ctx context.Context, workflowInstanceID uint64, graphNodeIndex int, nodeType types.NodeType, name string, opts ...CreateOption) (types.TaskNodeRecord, error) {
	return withContext(ctx, func() (types.TaskNodeRecord, error) {
		id, err := s.opts.nextID()
		if err != nil {
			return types.TaskNodeRecord{}, err
		}
		rec, err := newRecord(id, workflowInstanceID, graphNodeIndex, nodeType, name, s.opts.clock(), opts)
		if err != nil {
			return types.TaskNodeRecord{}, err
		}
		data, err := encodeRecord(rec)
		if err != nil {
			return types.TaskNodeRecord{}, err
		}

		activeKey := s.activeKey(workflowInstanceID, graphNodeIndex)
		err = s.watch(ctx, "create", func(tx *redis.Tx) error {
			holder, err := tx.Get(ctx, activeKey).Result()
			if err == nil {
				return fmt.Errorf("%w: workflow=%d node=%d held by id=%s", ErrDuplicateNode, workflowInstanceID, graphNodeIndex, holder)
			} else if err != redis.Nil {
				return redisErr("create", err)
			}

			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, activeKey, id, 0)
				pipe.Set(ctx, s.recordKey(id), data, 0)
				pipe.ZAdd(ctx, s.workflowKey(workflowInstanceID), &redis.Z{
					Score:  float64(graphNodeIndex),
					Member: strconv.FormatUint(id, 10),
				})
				return nil
			})
			return redisErr("create", err)
		}, activeKey)
		if err != nil {
			return types.TaskNodeRecord{}, err
		}
		return rec, nil
	})
}

// Get retrieves a record from Redis.
func (s *RedisStorage) Get(ctx context.Context, id uint64) (types.TaskNodeRecord, error) {
	return withContext(ctx, func() (types.TaskNodeRecord, error) {
		ctx, cancel := s.opts.withTimeout(ctx)
		defer cancel()
		return s.getRecord(ctx, s.client, id)
	})
}

// GetActiveNode retrieves the active record for a graph node.
func (s *RedisStorage) GetActiveNode(ctx context.Context, workflowInstanceID uint64, graphNodeIndex int) (types.TaskNodeRecord, error) {
	return withContext(ctx, func() (types.TaskNodeRecord, error) {
		ctx, cancel := s.opts.withTimeout(ctx)
		defer cancel()

		id, err := s.client.Get(ctx, s.activeKey(workflowInstanceID, graphNodeIndex)).Uint64()
		if err == redis.Nil {
			return types.TaskNodeRecord{}, fmt.Errorf("%w: workflow=%d node=%d", ErrNotFound, workflowInstanceID, graphNodeIndex)
		} else if err != nil {
			return types.TaskNodeRecord{}, redisErr("get active node", err)
		}
		return s.getRecord(ctx, s.client, id)
	})
}

// ListByWorkflowInstance snapshots the records of a workflow instance. The
// member set is read first and the records are then fetched with a single
// MGET, so every record reflects the same instant.
func (s *RedisStorage) ListByWorkflowInstance(ctx context.Context, workflowInstanceID uint64, includeInactive bool) (iter.Seq[types.TaskNodeRecord], error) {
	return withContext(ctx, func() (iter.Seq[types.TaskNodeRecord], error) {
		ctx, cancel := s.opts.withTimeout(ctx)
		defer cancel()

		members, err := s.client.ZRange(ctx, s.workflowKey(workflowInstanceID), 0, -1).Result()
		if err != nil {
			return nil, redisErr("list", err)
		}
		if len(members) == 0 {
			return seqOf(nil), nil
		}

		keys := make([]string, 0, len(members))
		for _, m := range members {
			id, err := strconv.ParseUint(m, 10, 64)
			if err != nil {
				return nil, fmt.Errorf("%w: bad workflow member %q", ErrConstraintViolation, m)
			}
			keys = append(keys, s.recordKey(id))
		}
		values, err := s.client.MGet(ctx, keys...).Result()
		if err != nil {
			return nil, redisErr("list", err)
		}

		snapshot := make([]types.TaskNodeRecord, 0, len(values))
		for i, v := range values {
			raw, ok := v.(string)
			if !ok {
				s.opts.logger.Warn("workflow member without record", "key", keys[i])
				continue
			}
			rec, err := decodeRecord([]byte(raw))
			if err != nil {
				return nil, err
			}
			if rec.IsActive || includeInactive {
				snapshot = append(snapshot, rec)
			}
		}
		sortRecords(snapshot)
		return seqOf(snapshot), nil
	})
}

// UpdateStatus applies a validated status transition.
func (s *RedisStorage) UpdateStatus(ctx context.Context, id uint64, status types.Status) (types.TaskNodeRecord, error) {
	return s.mutate(ctx, "update status", id, func(rec types.TaskNodeRecord) (types.TaskNodeRecord, error) {
		return applyStatus(rec, status, s.opts.clock())
	})
}

// SetArtifactReference sets the reference for one artifact kind.
func (s *RedisStorage) SetArtifactReference(ctx context.Context, id uint64, kind types.ArtifactKind, ref string) (types.TaskNodeRecord, error) {
	return s.mutate(ctx, "set artifact", id, func(rec types.TaskNodeRecord) (types.TaskNodeRecord, error) {
		return applyArtifact(rec, kind, ref, s.opts.clock())
	})
}

func (s *RedisStorage) mutate(ctx context.Context, op string, id uint64, fn func(types.TaskNodeRecord) (types.TaskNodeRecord, error)) (types.TaskNodeRecord, error) {
	return withContext(ctx, func() (types.TaskNodeRecord, error) {
		var updated types.TaskNodeRecord
		key := s.recordKey(id)
		err := s.watch(ctx, op, func(tx *redis.Tx) error {
			rec, err := s.getRecord(ctx, tx, id)
			if err != nil {
				return err
			}
			updated, err = fn(rec)
			if err != nil {
				return err
			}
			data, err := encodeRecord(updated)
			if err != nil {
				return err
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, key, data, 0)
				return nil
			})
			return redisErr(op, err)
		}, key)
		if err != nil {
			return types.TaskNodeRecord{}, err
		}
		return updated, nil
	})
}

// SoftDelete deactivates all active records of a workflow instance and
// releases their node keys.
func (s *RedisStorage) SoftDelete(ctx context.Context, workflowInstanceID uint64) (int, error) {
	return withContext(ctx, func() (int, error) {
		ctx, cancel := s.opts.withTimeout(ctx)
		defer cancel()

		for attempt := 1; attempt <= s.opts.maxRetries; attempt++ {
			count, err := s.softDeleteOnce(ctx, workflowInstanceID)
			if !errors.Is(err, redis.TxFailedErr) {
				return count, err
			}
			s.opts.logger.Debug("transaction aborted by concurrent writer", "op", "soft delete", "attempt", attempt)
		}
		return 0, fmt.Errorf("%w: soft delete: too many concurrent writers", ErrTransient)
	})
}

func (s *RedisStorage) softDeleteOnce(ctx context.Context, workflowInstanceID uint64) (int, error) {
	wfKey := s.workflowKey(workflowInstanceID)
	members, err := s.client.ZRange(ctx, wfKey, 0, -1).Result()
	if err != nil {
		return 0, redisErr("soft delete", err)
	}
	if len(members) == 0 {
		return 0, nil
	}

	ids := make([]uint64, 0, len(members))
	keys := []string{wfKey}
	for _, m := range members {
		id, err := strconv.ParseUint(m, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("%w: bad workflow member %q", ErrConstraintViolation, m)
		}
		ids = append(ids, id)
		keys = append(keys, s.recordKey(id))
	}

	var count int
	err = s.client.Watch(ctx, func(tx *redis.Tx) error {
		// A node registered between ZRANGE and WATCH is not covered by the
		// watched keys; start over with the fresh member set.
		n, err := tx.ZCard(ctx, wfKey).Result()
		if err != nil {
			return redisErr("soft delete", err)
		}
		if int(n) != len(ids) {
			return redis.TxFailedErr
		}

		now := s.opts.clock()
		var updates []types.TaskNodeRecord
		for _, id := range ids {
			rec, err := s.getRecord(ctx, tx, id)
			if errors.Is(err, ErrNotFound) {
				continue
			} else if err != nil {
				return err
			}
			if updated, changed := deactivate(rec, now); changed {
				updates = append(updates, updated)
			}
		}
		if len(updates) == 0 {
			return nil
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			for _, rec := range updates {
				data, err := encodeRecord(rec)
				if err != nil {
					return err
				}
				pipe.Set(ctx, s.recordKey(rec.ID), data, 0)
				pipe.Del(ctx, s.activeKey(workflowInstanceID, rec.GraphNodeIndex))
			}
			return nil
		})
		if err != nil {
			return redisErr("soft delete", err)
		}
		count = len(updates)
		return nil
	}, keys...)
	if err != nil {
		return 0, redisErr("soft delete", err)
	}
	return count, nil
}

// Close closes the Redis client connection.
func (s *RedisStorage) Close() error {
	return s.client.Close()
}
