package storage

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"time"

	"github.com/songzhibin97/electron-store/types"
	"github.com/songzhibin97/gkit/generator"
)

// Store persists task-node records and enforces their lifecycle rules.
type Store interface {
	// Create inserts a PENDING record for a graph node of a workflow instance.
	Create(ctx context.Context, workflowInstanceID uint64, graphNodeIndex int, nodeType types.NodeType, name string, opts ...CreateOption) (types.TaskNodeRecord, error)

	// Get retrieves a record by ID, including soft-deleted ones.
	Get(ctx context.Context, id uint64) (types.TaskNodeRecord, error)

	// GetActiveNode retrieves the active record for a graph node.
	GetActiveNode(ctx context.Context, workflowInstanceID uint64, graphNodeIndex int) (types.TaskNodeRecord, error)

	// ListByWorkflowInstance returns the records of a workflow instance ordered
	// by graph node index. The sequence replays a snapshot taken at call time.
	ListByWorkflowInstance(ctx context.Context, workflowInstanceID uint64, includeInactive bool) (iter.Seq[types.TaskNodeRecord], error)

	// UpdateStatus moves a record through the status lifecycle.
	UpdateStatus(ctx context.Context, id uint64, status types.Status) (types.TaskNodeRecord, error)

	// SetArtifactReference sets or overwrites the reference for one artifact kind.
	SetArtifactReference(ctx context.Context, id uint64, kind types.ArtifactKind, ref string) (types.TaskNodeRecord, error)

	// SoftDelete deactivates every active record of a workflow instance and
	// reports how many were deactivated.
	SoftDelete(ctx context.Context, workflowInstanceID uint64) (int, error)

	// Close releases backend resources.
	Close() error
}

// Errors
var (
	ErrNotFound            = errors.New("task node not found")
	ErrDuplicateNode       = errors.New("duplicate active task node")
	ErrInvalidTransition   = errors.New("invalid status transition")
	ErrTransient           = errors.New("store temporarily unavailable")
	ErrConstraintViolation = errors.New("constraint violation")
)

// TransitionError describes a rejected status change.
type TransitionError struct {
	ID   uint64
	From types.Status
	To   types.Status
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("%v: id=%d %s -> %s", ErrInvalidTransition, e.ID, e.From, e.To)
}

func (e *TransitionError) Unwrap() error {
	return ErrInvalidTransition
}

// CreateOption sets optional descriptive fields at insertion.
type CreateOption func(*types.TaskNodeRecord)

// WithStorage records where the node's artifact payloads live.
func WithStorage(kind, location string) CreateOption {
	return func(r *types.TaskNodeRecord) {
		r.StorageType = kind
		r.StoragePath = location
	}
}

// WithExecutor records the short name of the executor running the node.
func WithExecutor(name string) CreateOption {
	return func(r *types.TaskNodeRecord) {
		r.Executor = name
	}
}

// WithAttributeName records the attribute accessed by an attribute node.
func WithAttributeName(name string) CreateOption {
	return func(r *types.TaskNodeRecord) {
		r.AttributeName = name
	}
}

// WithKey records the key of a subscript or generated node.
func WithKey(key string) CreateOption {
	return func(r *types.TaskNodeRecord) {
		r.Key = key
	}
}

// Option configures a Store implementation.
type Option func(*options)

type options struct {
	generator  generator.Generator
	logger     *slog.Logger
	clock      func() time.Time
	maxRetries int
	opTimeout  time.Duration
}

// WithGenerator sets the source of record IDs.
func WithGenerator(g generator.Generator) Option {
	return func(o *options) {
		if g != nil {
			o.generator = g
		}
	}
}

// WithLogger sets the logger used by the store.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithClock overrides the time source used for record timestamps.
func WithClock(clock func() time.Time) Option {
	return func(o *options) {
		if clock != nil {
			o.clock = clock
		}
	}
}

// WithMaxRetries bounds how often an optimistic transaction is retried after
// a write conflict before ErrTransient is returned.
func WithMaxRetries(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.maxRetries = n
		}
	}
}

// WithOpTimeout bounds each store operation. Zero disables the bound.
func WithOpTimeout(d time.Duration) Option {
	return func(o *options) {
		o.opTimeout = d
	}
}

func newOptions(component string, opts []Option) options {
	o := options{
		generator:  generator.NewSnowflake(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), 1),
		logger:     slog.Default(),
		clock:      time.Now,
		maxRetries: 16,
	}
	for _, opt := range opts {
		opt(&o)
	}
	o.logger = o.logger.With("component", component)
	return o
}

// nextID draws a record ID from the configured generator.
func (o options) nextID() (uint64, error) {
	id, err := o.generator.NextID()
	if err != nil {
		return 0, fmt.Errorf("%w: generate id: %v", ErrTransient, err)
	}
	return id, nil
}

// withTimeout applies the configured per-operation bound to ctx.
func (o options) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if o.opTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, o.opTimeout)
}

// withContext is a standalone generic helper function.
func withContext[T any](ctx context.Context, fn func() (T, error)) (T, error) {
	var zero T
	select {
	case <-ctx.Done():
		return zero, ctx.Err()
	default:
		return fn()
	}
}

// seqOf replays a materialized snapshot.
func seqOf(records []types.TaskNodeRecord) iter.Seq[types.TaskNodeRecord] {
	return func(yield func(types.TaskNodeRecord) bool) {
		for _, rec := range records {
			if !yield(rec.Clone()) {
				return
			}
		}
	}
}
