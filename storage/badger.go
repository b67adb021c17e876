package storage

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"strconv"
	"strings"

	"github.com/dgraph-io/badger/v3"

	"github.com/songzhibin97/electron-store/types"
)

// BadgerOptions configures the embedded Badger backend.
type BadgerOptions struct {
	Dir        string `yaml:"dir"`
	InMemory   bool   `yaml:"in_memory"`
	SyncWrites bool   `yaml:"sync_writes"`
}

// BadgerStorage is an embedded Badger implementation of the Store interface.
//
// Badger transactions are serializable: a transaction whose reads were
// invalidated by a concurrent commit fails with badger.ErrConflict and is
// retried against the fresh state.
type BadgerStorage struct {
	db   *badger.DB
	opts options
}

// NewBadgerStorage opens (or creates) a Badger database.
func NewBadgerStorage(bo BadgerOptions, opts ...Option) (*BadgerStorage, error) {
	o := newOptions("badger-storage", opts)

	dir := bo.Dir
	if bo.InMemory {
		dir = ""
	}
	bopts := badger.DefaultOptions(dir).
		WithInMemory(bo.InMemory).
		WithSyncWrites(bo.SyncWrites).
		WithLogger(badgerLogger{o.logger})

	db, err := badger.Open(bopts)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to open badger at %q: %v", ErrTransient, dir, err)
	}
	return &BadgerStorage{db: db, opts: o}, nil
}

func badgerRecordKey(id uint64) []byte {
	return []byte(fmt.Sprintf("tn:rec:%020d", id))
}

func badgerActiveKey(workflowInstanceID uint64, graphNodeIndex int) []byte {
	return []byte(fmt.Sprintf("tn:active:%020d:%020d", workflowInstanceID, graphNodeIndex))
}

func badgerWorkflowPrefix(workflowInstanceID uint64) []byte {
	return []byte(fmt.Sprintf("tn:wf:%020d:", workflowInstanceID))
}

func badgerWorkflowKey(workflowInstanceID uint64, graphNodeIndex int, id uint64) []byte {
	return []byte(fmt.Sprintf("tn:wf:%020d:%020d:%020d", workflowInstanceID, graphNodeIndex, id))
}

// idFromWorkflowKey extracts the record ID, the last segment of a workflow index key.
func idFromWorkflowKey(key []byte) (uint64, error) {
	s := string(key)
	i := strings.LastIndexByte(s, ':')
	id, err := strconv.ParseUint(s[i+1:], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: bad workflow index key %q", ErrConstraintViolation, s)
	}
	return id, nil
}

func badgerErr(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, badger.ErrConflict),
		errors.Is(err, ErrNotFound),
		errors.Is(err, ErrDuplicateNode),
		errors.Is(err, ErrInvalidTransition),
		errors.Is(err, ErrConstraintViolation),
		errors.Is(err, ErrTransient):
		return err
	default:
		return fmt.Errorf("%w: %s: %w", ErrTransient, op, err)
	}
}

// update runs fn in a read-write transaction, retrying on conflicts.
func (s *BadgerStorage) update(op string, fn func(txn *badger.Txn) error) error {
	for attempt := 1; attempt <= s.opts.maxRetries; attempt++ {
		err := badgerErr(op, s.db.Update(fn))
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}
		s.opts.logger.Debug("transaction conflict", "op", op, "attempt", attempt)
	}
	return fmt.Errorf("%w: %s: too many concurrent writers", ErrTransient, op)
}

func getBadgerRecord(txn *badger.Txn, id uint64) (types.TaskNodeRecord, error) {
	item, err := txn.Get(badgerRecordKey(id))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return types.TaskNodeRecord{}, fmt.Errorf("%w: id=%d", ErrNotFound, id)
	} else if err != nil {
		return types.TaskNodeRecord{}, err
	}
	data, err := item.ValueCopy(nil)
	if err != nil {
		return types.TaskNodeRecord{}, err
	}
	return decodeRecord(data)
}

func putBadgerRecord(txn *badger.Txn, rec types.TaskNodeRecord) error {
	data, err := encodeRecord(rec)
	if err != nil {
		return err
	}
	return txn.Set(badgerRecordKey(rec.ID), data)
}

// workflowIDs lists the record IDs of a workflow instance in index order.
func workflowIDs(txn *badger.Txn, workflowInstanceID uint64) ([]uint64, error) {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = badgerWorkflowPrefix(workflowInstanceID)
	opts.PrefetchValues = false
	it := txn.NewIterator(opts)
	defer it.Close()

	var ids []uint64
	for it.Rewind(); it.Valid(); it.Next() {
		id, err := idFromWorkflowKey(it.Item().Key())
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// Create inserts a new PENDING record, claiming the node key atomically.
func (s *BadgerStorage) Create(ctx context.Context, workflowInstanceID uint64, graphNodeIndex int, nodeType types.NodeType, name string, opts ...CreateOption) (types.TaskNodeRecord, error) {
	return withContext(ctx, func() (types.TaskNodeRecord, error) {
		id, err := s.opts.nextID()
		if err != nil {
			return types.TaskNodeRecord{}, err
		}
		rec, err := newRecord(id, workflowInstanceID, graphNodeIndex, nodeType, name, s.opts.clock(), opts)
		if err != nil {
			return types.TaskNodeRecord{}, err
		}

		activeKey := badgerActiveKey(workflowInstanceID, graphNodeIndex)
		err = s.update("create", func(txn *badger.Txn) error {
			item, err := txn.Get(activeKey)
			if err == nil {
				holder, _ := item.ValueCopy(nil)
				return fmt.Errorf("%w: workflow=%d node=%d held by id=%s", ErrDuplicateNode, workflowInstanceID, graphNodeIndex, holder)
			} else if !errors.Is(err, badger.ErrKeyNotFound) {
				return err
			}

			if err := txn.Set(activeKey, []byte(strconv.FormatUint(id, 10))); err != nil {
				return err
			}
			if err := txn.Set(badgerWorkflowKey(workflowInstanceID, graphNodeIndex, id), nil); err != nil {
				return err
			}
			return putBadgerRecord(txn, rec)
		})
		if err != nil {
			return types.TaskNodeRecord{}, err
		}
		return rec, nil
	})
}

// Get retrieves a record from Badger.
func (s *BadgerStorage) Get(ctx context.Context, id uint64) (types.TaskNodeRecord, error) {
	return withContext(ctx, func() (types.TaskNodeRecord, error) {
		var rec types.TaskNodeRecord
		err := s.db.View(func(txn *badger.Txn) error {
			var err error
			rec, err = getBadgerRecord(txn, id)
			return err
		})
		return rec, badgerErr("get", err)
	})
}

// GetActiveNode retrieves the active record for a graph node.
func (s *BadgerStorage) GetActiveNode(ctx context.Context, workflowInstanceID uint64, graphNodeIndex int) (types.TaskNodeRecord, error) {
	return withContext(ctx, func() (types.TaskNodeRecord, error) {
		var rec types.TaskNodeRecord
		err := s.db.View(func(txn *badger.Txn) error {
			item, err := txn.Get(badgerActiveKey(workflowInstanceID, graphNodeIndex))
			if errors.Is(err, badger.ErrKeyNotFound) {
				return fmt.Errorf("%w: workflow=%d node=%d", ErrNotFound, workflowInstanceID, graphNodeIndex)
			} else if err != nil {
				return err
			}
			raw, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			id, err := strconv.ParseUint(string(raw), 10, 64)
			if err != nil {
				return fmt.Errorf("%w: bad active node value %q", ErrConstraintViolation, raw)
			}
			rec, err = getBadgerRecord(txn, id)
			return err
		})
		return rec, badgerErr("get active node", err)
	})
}

// ListByWorkflowInstance snapshots the records of a workflow instance from a
// single read transaction.
func (s *BadgerStorage) ListByWorkflowInstance(ctx context.Context, workflowInstanceID uint64, includeInactive bool) (iter.Seq[types.TaskNodeRecord], error) {
	return withContext(ctx, func() (iter.Seq[types.TaskNodeRecord], error) {
		var snapshot []types.TaskNodeRecord
		err := s.db.View(func(txn *badger.Txn) error {
			ids, err := workflowIDs(txn, workflowInstanceID)
			if err != nil {
				return err
			}
			for _, id := range ids {
				rec, err := getBadgerRecord(txn, id)
				if err != nil {
					return err
				}
				if rec.IsActive || includeInactive {
					snapshot = append(snapshot, rec)
				}
			}
			return nil
		})
		if err != nil {
			return nil, badgerErr("list", err)
		}
		return seqOf(snapshot), nil
	})
}

// UpdateStatus applies a validated status transition.
func (s *BadgerStorage) UpdateStatus(ctx context.Context, id uint64, status types.Status) (types.TaskNodeRecord, error) {
	return s.mutate(ctx, "update status", id, func(rec types.TaskNodeRecord) (types.TaskNodeRecord, error) {
		return applyStatus(rec, status, s.opts.clock())
	})
}

// SetArtifactReference sets the reference for one artifact kind.
func (s *BadgerStorage) SetArtifactReference(ctx context.Context, id uint64, kind types.ArtifactKind, ref string) (types.TaskNodeRecord, error) {
	return s.mutate(ctx, "set artifact", id, func(rec types.TaskNodeRecord) (types.TaskNodeRecord, error) {
		return applyArtifact(rec, kind, ref, s.opts.clock())
	})
}

func (s *BadgerStorage) mutate(ctx context.Context, op string, id uint64, fn func(types.TaskNodeRecord) (types.TaskNodeRecord, error)) (types.TaskNodeRecord, error) {
	return withContext(ctx, func() (types.TaskNodeRecord, error) {
		var updated types.TaskNodeRecord
		err := s.update(op, func(txn *badger.Txn) error {
			rec, err := getBadgerRecord(txn, id)
			if err != nil {
				return err
			}
			updated, err = fn(rec)
			if err != nil {
				return err
			}
			return putBadgerRecord(txn, updated)
		})
		if err != nil {
			return types.TaskNodeRecord{}, err
		}
		return updated, nil
	})
}

// SoftDelete deactivates all active records of a workflow instance and
// releases their node keys.
func (s *BadgerStorage) SoftDelete(ctx context.Context, workflowInstanceID uint64) (int, error) {
	return withContext(ctx, func() (int, error) {
		var count int
		err := s.update("soft delete", func(txn *badger.Txn) error {
			count = 0
			ids, err := workflowIDs(txn, workflowInstanceID)
			if err != nil {
				return err
			}
			now := s.opts.clock()
			for _, id := range ids {
				rec, err := getBadgerRecord(txn, id)
				if err != nil {
					return err
				}
				updated, changed := deactivate(rec, now)
				if !changed {
					continue
				}
				if err := putBadgerRecord(txn, updated); err != nil {
					return err
				}
				if err := txn.Delete(badgerActiveKey(workflowInstanceID, updated.GraphNodeIndex)); err != nil {
					return err
				}
				count++
			}
			return nil
		})
		if err != nil {
			return 0, err
		}
		return count, nil
	})
}

// Close closes the underlying database.
func (s *BadgerStorage) Close() error {
	return s.db.Close()
}

// badgerLogger routes Badger's internal logging to slog.
type badgerLogger struct {
	logger *slog.Logger
}

func (l badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (l badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (l badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Debug(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (l badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(strings.TrimSpace(fmt.Sprintf(format, args...)))
}
