package storage

import (
	"fmt"
	"strings"
	"time"

	"github.com/songzhibin97/electron-store/types"
)

// The functions below are the validation layer shared by every backend. Each
// one works on a copy and returns it only when all checks pass, so a failed
// mutation never leaves a partially updated record behind.

// newRecord builds a fresh PENDING record after validating the node key.
func newRecord(id, workflowInstanceID uint64, graphNodeIndex int, nodeType types.NodeType, name string, now time.Time, opts []CreateOption) (types.TaskNodeRecord, error) {
	if workflowInstanceID == 0 {
		return types.TaskNodeRecord{}, fmt.Errorf("%w: workflow instance id is required", ErrConstraintViolation)
	}
	if graphNodeIndex < 0 {
		return types.TaskNodeRecord{}, fmt.Errorf("%w: negative graph node index %d", ErrConstraintViolation, graphNodeIndex)
	}
	if len(nodeType) > types.MaxNodeTypeLen || !nodeType.Valid() {
		return types.TaskNodeRecord{}, fmt.Errorf("%w: unknown node type %q", ErrConstraintViolation, nodeType)
	}
	if strings.TrimSpace(name) == "" {
		return types.TaskNodeRecord{}, fmt.Errorf("%w: node name is required", ErrConstraintViolation)
	}

	rec := types.TaskNodeRecord{
		ID:                 id,
		WorkflowInstanceID: workflowInstanceID,
		GraphNodeIndex:     graphNodeIndex,
		NodeType:           nodeType,
		Name:               name,
		Status:             types.StatusPending,
		IsActive:           true,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	for _, opt := range opts {
		opt(&rec)
	}
	return rec, nil
}

// touch returns now, clamped so updatedAt never moves backwards.
func touch(rec types.TaskNodeRecord, now time.Time) time.Time {
	if now.Before(rec.UpdatedAt) {
		return rec.UpdatedAt
	}
	return now
}

// applyStatus validates and applies a status transition.
func applyStatus(rec types.TaskNodeRecord, to types.Status, now time.Time) (types.TaskNodeRecord, error) {
	if !rec.IsActive {
		return rec, fmt.Errorf("%w: id=%d is inactive", ErrNotFound, rec.ID)
	}
	if !to.Valid() {
		return rec, fmt.Errorf("%w: unknown status %q", ErrConstraintViolation, to)
	}
	if !types.CanTransition(rec.Status, to) {
		return rec, &TransitionError{ID: rec.ID, From: rec.Status, To: to}
	}

	out := rec.Clone()
	ts := touch(rec, now)
	out.Status = to
	out.UpdatedAt = ts

	if to == types.StatusRunning {
		if out.StartedAt == nil {
			out.StartedAt = &ts
		}
		out.Attempt++
	}
	if to.IsTerminal() {
		completed := ts
		if out.StartedAt != nil && completed.Before(*out.StartedAt) {
			completed = *out.StartedAt
		}
		out.CompletedAt = &completed
	}
	return out, nil
}

// applyArtifact validates and applies an artifact reference write.
func applyArtifact(rec types.TaskNodeRecord, kind types.ArtifactKind, ref string, now time.Time) (types.TaskNodeRecord, error) {
	if !rec.IsActive {
		return rec, fmt.Errorf("%w: id=%d is inactive", ErrNotFound, rec.ID)
	}
	if !kind.Valid() {
		return rec, fmt.Errorf("%w: unknown artifact kind %q", ErrConstraintViolation, kind)
	}
	if strings.TrimSpace(ref) == "" {
		return rec, fmt.Errorf("%w: empty reference for %s", ErrConstraintViolation, kind)
	}

	out := rec.Clone()
	if out.Artifacts == nil {
		out.Artifacts = make(map[types.ArtifactKind]string, 1)
	}
	out.Artifacts[kind] = ref
	out.UpdatedAt = touch(rec, now)
	return out, nil
}

// deactivate soft-deletes an active record. The second return value is false
// when the record was already inactive.
func deactivate(rec types.TaskNodeRecord, now time.Time) (types.TaskNodeRecord, bool) {
	if !rec.IsActive {
		return rec, false
	}
	out := rec.Clone()
	out.IsActive = false
	out.UpdatedAt = touch(rec, now)
	return out, true
}

// checkRecord verifies the timestamp invariants of a decoded record.
func checkRecord(rec types.TaskNodeRecord) error {
	if rec.UpdatedAt.Before(rec.CreatedAt) {
		return fmt.Errorf("%w: id=%d updated_at before created_at", ErrConstraintViolation, rec.ID)
	}
	if rec.StartedAt != nil && rec.CompletedAt != nil && rec.CompletedAt.Before(*rec.StartedAt) {
		return fmt.Errorf("%w: id=%d completed_at before started_at", ErrConstraintViolation, rec.ID)
	}
	if rec.Status.IsTerminal() != (rec.CompletedAt != nil) {
		return fmt.Errorf("%w: id=%d completed_at does not match status %s", ErrConstraintViolation, rec.ID, rec.Status)
	}
	return nil
}
