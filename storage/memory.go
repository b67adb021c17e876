package storage

import (
	"context"
	"fmt"
	"iter"
	"sort"
	"sync"

	"github.com/songzhibin97/electron-store/types"
)

type nodeKey struct {
	workflowInstanceID uint64
	graphNodeIndex     int
}

// MemoryStorage is an in-memory implementation of the Store interface.
type MemoryStorage struct {
	records    map[uint64]types.TaskNodeRecord
	active     map[nodeKey]uint64
	byWorkflow map[uint64][]uint64
	mu         sync.RWMutex
	opts       options
}

// NewMemoryStorage creates a new MemoryStorage instance.
func NewMemoryStorage(opts ...Option) *MemoryStorage {
	return &MemoryStorage{
		records:    make(map[uint64]types.TaskNodeRecord),
		active:     make(map[nodeKey]uint64),
		byWorkflow: make(map[uint64][]uint64),
		opts:       newOptions("memory-storage", opts),
	}
}

// getItem is a standalone generic helper function.
func getItem[T any](ctx context.Context, m map[uint64]T, id uint64, errNotFound error) (T, error) {
	return withContext(ctx, func() (T, error) {
		item, ok := m[id]
		if !ok {
			var zero T
			return zero, fmt.Errorf("%w: id=%d", errNotFound, id)
		}
		return item, nil
	})
}

// Create inserts a new PENDING record.
func (s *MemoryStorage) Create(ctx context.Context, workflowInstanceID uint64, graphNodeIndex int, nodeType types.NodeType, name string, opts ...CreateOption) (types.TaskNodeRecord, error) {
	return withContext(ctx, func() (types.TaskNodeRecord, error) {
		id, err := s.opts.nextID()
		if err != nil {
			return types.TaskNodeRecord{}, err
		}
		rec, err := newRecord(id, workflowInstanceID, graphNodeIndex, nodeType, name, s.opts.clock(), opts)
		if err != nil {
			return types.TaskNodeRecord{}, err
		}

		key := nodeKey{workflowInstanceID, graphNodeIndex}
		s.mu.Lock()
		defer s.mu.Unlock()
		if existing, ok := s.active[key]; ok {
			return types.TaskNodeRecord{}, fmt.Errorf("%w: workflow=%d node=%d held by id=%d", ErrDuplicateNode, workflowInstanceID, graphNodeIndex, existing)
		}
		s.records[id] = rec
		s.active[key] = id
		s.byWorkflow[workflowInstanceID] = append(s.byWorkflow[workflowInstanceID], id)
		return rec.Clone(), nil
	})
}

// Get retrieves a record from memory.
func (s *MemoryStorage) Get(ctx context.Context, id uint64) (types.TaskNodeRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, err := getItem(ctx, s.records, id, ErrNotFound)
	if err != nil {
		return types.TaskNodeRecord{}, err
	}
	return rec.Clone(), nil
}

// GetActiveNode retrieves the active record for a graph node.
func (s *MemoryStorage) GetActiveNode(ctx context.Context, workflowInstanceID uint64, graphNodeIndex int) (types.TaskNodeRecord, error) {
	return withContext(ctx, func() (types.TaskNodeRecord, error) {
		s.mu.RLock()
		defer s.mu.RUnlock()
		id, ok := s.active[nodeKey{workflowInstanceID, graphNodeIndex}]
		if !ok {
			return types.TaskNodeRecord{}, fmt.Errorf("%w: workflow=%d node=%d", ErrNotFound, workflowInstanceID, graphNodeIndex)
		}
		return s.records[id].Clone(), nil
	})
}

// ListByWorkflowInstance snapshots the records of a workflow instance.
func (s *MemoryStorage) ListByWorkflowInstance(ctx context.Context, workflowInstanceID uint64, includeInactive bool) (iter.Seq[types.TaskNodeRecord], error) {
	return withContext(ctx, func() (iter.Seq[types.TaskNodeRecord], error) {
		s.mu.RLock()
		ids := s.byWorkflow[workflowInstanceID]
		snapshot := make([]types.TaskNodeRecord, 0, len(ids))
		for _, id := range ids {
			rec := s.records[id]
			if rec.IsActive || includeInactive {
				snapshot = append(snapshot, rec.Clone())
			}
		}
		s.mu.RUnlock()

		sortRecords(snapshot)
		return seqOf(snapshot), nil
	})
}

// UpdateStatus applies a validated status transition.
func (s *MemoryStorage) UpdateStatus(ctx context.Context, id uint64, status types.Status) (types.TaskNodeRecord, error) {
	return s.mutate(ctx, id, func(rec types.TaskNodeRecord) (types.TaskNodeRecord, error) {
		return applyStatus(rec, status, s.opts.clock())
	})
}

// SetArtifactReference sets the reference for one artifact kind.
func (s *MemoryStorage) SetArtifactReference(ctx context.Context, id uint64, kind types.ArtifactKind, ref string) (types.TaskNodeRecord, error) {
	return s.mutate(ctx, id, func(rec types.TaskNodeRecord) (types.TaskNodeRecord, error) {
		return applyArtifact(rec, kind, ref, s.opts.clock())
	})
}

// mutate runs a read-check-write on one record under the write lock.
func (s *MemoryStorage) mutate(ctx context.Context, id uint64, fn func(types.TaskNodeRecord) (types.TaskNodeRecord, error)) (types.TaskNodeRecord, error) {
	return withContext(ctx, func() (types.TaskNodeRecord, error) {
		s.mu.Lock()
		defer s.mu.Unlock()
		rec, ok := s.records[id]
		if !ok {
			return types.TaskNodeRecord{}, fmt.Errorf("%w: id=%d", ErrNotFound, id)
		}
		updated, err := fn(rec)
		if err != nil {
			return types.TaskNodeRecord{}, err
		}
		s.records[id] = updated
		return updated.Clone(), nil
	})
}

// SoftDelete deactivates all active records of a workflow instance.
func (s *MemoryStorage) SoftDelete(ctx context.Context, workflowInstanceID uint64) (int, error) {
	return withContext(ctx, func() (int, error) {
		s.mu.Lock()
		defer s.mu.Unlock()
		now := s.opts.clock()
		count := 0
		for _, id := range s.byWorkflow[workflowInstanceID] {
			updated, changed := deactivate(s.records[id], now)
			if !changed {
				continue
			}
			s.records[id] = updated
			delete(s.active, nodeKey{workflowInstanceID, updated.GraphNodeIndex})
			count++
		}
		return count, nil
	})
}

// Close is a no-op for MemoryStorage.
func (s *MemoryStorage) Close() error {
	return nil
}

// sortRecords orders records by graph node index, then by ID.
func sortRecords(records []types.TaskNodeRecord) {
	sort.SliceStable(records, func(i, j int) bool {
		if records[i].GraphNodeIndex != records[j].GraphNodeIndex {
			return records[i].GraphNodeIndex < records[j].GraphNodeIndex
		}
		return records[i].ID < records[j].ID
	})
}
