package tasknode

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/songzhibin97/electron-store/events"
	"github.com/songzhibin97/electron-store/rules"
	"github.com/songzhibin97/electron-store/storage"
	"github.com/songzhibin97/electron-store/types"
)

// Event types published by the Recorder.
const (
	EventNodeCreated         = "node_created"
	EventStatusChanged       = "status_changed"
	EventArtifactRecorded    = "artifact_recorded"
	EventWorkflowDeactivated = "workflow_deactivated"
)

// Recorder is the entry point used by the execution engine and its workers
// to persist task-node state. Every mutation goes through the Store and is
// then logged and announced on the event bus.
type Recorder struct {
	store     storage.Store
	eventBus  *events.EventBus
	ownsBus   bool
	evaluator rules.Evaluator
	logger    *slog.Logger
}

// Option configures a Recorder.
type Option func(*Recorder)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Recorder) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithEventBus publishes lifecycle events on bus instead of a private one.
// The caller keeps ownership and must stop it.
func WithEventBus(bus *events.EventBus) Option {
	return func(r *Recorder) {
		if bus != nil {
			r.eventBus = bus
			r.ownsBus = false
		}
	}
}

// WithEvaluator sets the evaluator used by Query.
func WithEvaluator(evaluator rules.Evaluator) Option {
	return func(r *Recorder) {
		if evaluator != nil {
			r.evaluator = evaluator
		}
	}
}

// NewRecorder creates a Recorder on top of store.
func NewRecorder(store storage.Store, opts ...Option) (*Recorder, error) {
	if store == nil {
		return nil, errors.New("store is required")
	}

	r := &Recorder{
		store:     store,
		evaluator: rules.NewExprEvaluator(),
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With("component", "tasknode-recorder")
	if r.eventBus == nil {
		r.eventBus = events.NewEventBus(events.WithLogger(r.logger))
		r.ownsBus = true
	}
	return r, nil
}

// Subscribe registers a handler for one of the Recorder's event types, or
// events.AllEvents. Pass events.ForWorkflow to follow a single dispatch.
func (r *Recorder) Subscribe(eventType string, handler events.EventHandler, opts ...events.SubscribeOption) (unsubscribe func()) {
	return r.eventBus.Subscribe(eventType, handler, opts...)
}

// Store exposes the underlying store for read-only consumers.
func (r *Recorder) Store() storage.Store {
	return r.store
}

// publishEvent announces a change asynchronously. Delivery problems are
// logged and never fail the mutation that already committed.
func (r *Recorder) publishEvent(ctx context.Context, eventType string, rec types.TaskNodeRecord, data map[string]interface{}) {
	err := r.eventBus.Publish(context.WithoutCancel(ctx), events.Event{
		Type:               eventType,
		WorkflowInstanceID: rec.WorkflowInstanceID,
		NodeID:             rec.ID,
		Time:               rec.UpdatedAt,
		Data:               data,
	})
	if err != nil && !errors.Is(err, events.ErrNoHandler) {
		r.logger.Warn("event not published", "type", eventType, "node_id", rec.ID, "error", err)
	}
}

// RegisterNode records a newly registered graph node.
func (r *Recorder) RegisterNode(ctx context.Context, workflowInstanceID uint64, graphNodeIndex int, nodeType types.NodeType, name string, opts ...storage.CreateOption) (types.TaskNodeRecord, error) {
	rec, err := r.store.Create(ctx, workflowInstanceID, graphNodeIndex, nodeType, name, opts...)
	if err != nil {
		r.logger.Debug("register node rejected",
			"workflow_instance_id", workflowInstanceID, "graph_node_index", graphNodeIndex, "error", err)
		return types.TaskNodeRecord{}, fmt.Errorf("register node %d/%d: %w", workflowInstanceID, graphNodeIndex, err)
	}

	r.logger.Info("node registered",
		"id", rec.ID, "workflow_instance_id", rec.WorkflowInstanceID,
		"graph_node_index", rec.GraphNodeIndex, "node_type", rec.NodeType, "name", rec.Name)
	r.publishEvent(ctx, EventNodeCreated, rec, map[string]interface{}{
		"graph_node_index": rec.GraphNodeIndex,
		"node_type":        string(rec.NodeType),
		"name":             rec.Name,
	})
	return rec, nil
}

// Transition moves a node to status.
func (r *Recorder) Transition(ctx context.Context, id uint64, status types.Status) (types.TaskNodeRecord, error) {
	rec, err := r.store.UpdateStatus(ctx, id, status)
	if err != nil {
		return types.TaskNodeRecord{}, fmt.Errorf("transition node %d to %s: %w", id, status, err)
	}

	attrs := []any{"id", rec.ID, "workflow_instance_id", rec.WorkflowInstanceID, "status", rec.Status, "attempt", rec.Attempt}
	if rec.Status == types.StatusFailed {
		r.logger.Warn("node status changed", attrs...)
	} else {
		r.logger.Info("node status changed", attrs...)
	}

	data := map[string]interface{}{
		"status":  string(rec.Status),
		"attempt": rec.Attempt,
	}
	if rec.CompletedAt != nil {
		data["completed_at"] = *rec.CompletedAt
	}
	r.publishEvent(ctx, EventStatusChanged, rec, data)
	return rec, nil
}

// Start marks a node RUNNING. It also begins the next attempt of a node
// that Retry moved to RETRYING.
func (r *Recorder) Start(ctx context.Context, id uint64) (types.TaskNodeRecord, error) {
	return r.Transition(ctx, id, types.StatusRunning)
}

// checkRef rejects a blank reference before any write is made.
func checkRef(kind types.ArtifactKind, ref string) error {
	if ref != "" && strings.TrimSpace(ref) == "" {
		return fmt.Errorf("%w: blank reference for %s", storage.ErrConstraintViolation, kind)
	}
	return nil
}

// finish moves a node to a terminal status and then records ref, if any.
// The transition is the step that can be rejected, so a refused call leaves
// the record untouched. Artifact writes stay allowed on terminal records.
func (r *Recorder) finish(ctx context.Context, id uint64, status types.Status, kind types.ArtifactKind, ref string) (types.TaskNodeRecord, error) {
	if err := checkRef(kind, ref); err != nil {
		return types.TaskNodeRecord{}, err
	}
	rec, err := r.Transition(ctx, id, status)
	if err != nil {
		return types.TaskNodeRecord{}, err
	}
	if ref == "" {
		return rec, nil
	}
	updated, err := r.RecordArtifact(ctx, id, kind, ref)
	if err != nil {
		return rec, err
	}
	return updated, nil
}

// Complete marks a node COMPLETED, then records its result reference when
// resultRef is not empty. If only the reference write fails, the COMPLETED
// record is returned together with the error.
func (r *Recorder) Complete(ctx context.Context, id uint64, resultRef string) (types.TaskNodeRecord, error) {
	return r.finish(ctx, id, types.StatusCompleted, types.ArtifactResult, resultRef)
}

// Fail marks a node FAILED, then records its error-detail reference when
// errorRef is not empty.
func (r *Recorder) Fail(ctx context.Context, id uint64, errorRef string) (types.TaskNodeRecord, error) {
	return r.finish(ctx, id, types.StatusFailed, types.ArtifactError, errorRef)
}

// Cancel marks a RUNNING node CANCELLED.
func (r *Recorder) Cancel(ctx context.Context, id uint64) (types.TaskNodeRecord, error) {
	return r.Transition(ctx, id, types.StatusCancelled)
}

// Retry moves a RUNNING node to RETRYING. The next attempt begins with
// Start. Artifact references of the previous attempt are kept until the new
// attempt overwrites them.
func (r *Recorder) Retry(ctx context.Context, id uint64) (types.TaskNodeRecord, error) {
	return r.Transition(ctx, id, types.StatusRetrying)
}

// RecordArtifact stores the reference of an artifact produced for a node.
func (r *Recorder) RecordArtifact(ctx context.Context, id uint64, kind types.ArtifactKind, ref string) (types.TaskNodeRecord, error) {
	rec, err := r.store.SetArtifactReference(ctx, id, kind, ref)
	if err != nil {
		return types.TaskNodeRecord{}, fmt.Errorf("record %s for node %d: %w", kind, id, err)
	}

	r.logger.Debug("artifact recorded", "id", rec.ID, "kind", kind, "ref", ref)
	r.publishEvent(ctx, EventArtifactRecorded, rec, map[string]interface{}{
		"kind": string(kind),
		"ref":  ref,
	})
	return rec, nil
}

// Deactivate soft-deletes every active node of a workflow instance.
func (r *Recorder) Deactivate(ctx context.Context, workflowInstanceID uint64) (int, error) {
	n, err := r.store.SoftDelete(ctx, workflowInstanceID)
	if err != nil {
		return 0, fmt.Errorf("deactivate workflow %d: %w", workflowInstanceID, err)
	}
	if n == 0 {
		return 0, nil
	}

	r.logger.Info("workflow nodes deactivated", "workflow_instance_id", workflowInstanceID, "count", n)
	r.publishEvent(ctx, EventWorkflowDeactivated, types.TaskNodeRecord{
		WorkflowInstanceID: workflowInstanceID,
		UpdatedAt:          time.Now(),
	}, map[string]interface{}{"count": n})
	return n, nil
}

// Close stops the event bus if the Recorder created it. The store is left
// open for its owner to close.
func (r *Recorder) Close(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		if r.ownsBus {
			r.eventBus.Stop()
			stats := r.eventBus.Stats()
			r.logger.Debug("event bus stopped",
				"published", stats.Published, "delivered", stats.Delivered,
				"dropped", stats.Dropped, "handler_errors", stats.HandlerErrors)
		}
		return nil
	}
}

// Progress summarises the active nodes of a workflow instance.
type Progress struct {
	Total    int
	ByStatus map[types.Status]int
	// Done counts nodes in a terminal status.
	Done int
}

// Finished reports whether every active node reached a terminal status.
func (p Progress) Finished() bool {
	return p.Total > 0 && p.Done == p.Total
}

// Progress counts the active nodes of a workflow instance per status.
func (r *Recorder) Progress(ctx context.Context, workflowInstanceID uint64) (Progress, error) {
	seq, err := r.store.ListByWorkflowInstance(ctx, workflowInstanceID, false)
	if err != nil {
		return Progress{}, fmt.Errorf("progress of workflow %d: %w", workflowInstanceID, err)
	}

	p := Progress{ByStatus: make(map[types.Status]int)}
	for rec := range seq {
		p.Total++
		p.ByStatus[rec.Status]++
		if rec.Status.IsTerminal() {
			p.Done++
		}
	}
	return p, nil
}

// Query returns the active nodes of a workflow instance matching an expr
// expression evaluated against rules.RecordEnv, e.g.
// `status == "FAILED" && attempt > 1`.
func (r *Recorder) Query(ctx context.Context, workflowInstanceID uint64, expression string) ([]types.TaskNodeRecord, error) {
	seq, err := r.store.ListByWorkflowInstance(ctx, workflowInstanceID, false)
	if err != nil {
		return nil, fmt.Errorf("query workflow %d: %w", workflowInstanceID, err)
	}

	var matched []types.TaskNodeRecord
	for rec := range seq {
		ok, err := rules.Match(r.evaluator, expression, rec)
		if err != nil {
			return nil, fmt.Errorf("query workflow %d: %w", workflowInstanceID, err)
		}
		if ok {
			matched = append(matched, rec)
		}
	}
	return matched, nil
}
