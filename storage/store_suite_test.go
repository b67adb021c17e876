package storage

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/songzhibin97/electron-store/types"
)

// runStoreSuite exercises the behaviour every Store backend must share.
func runStoreSuite(t *testing.T, newStore func(t *testing.T) Store) {
	t.Run("CreateDefaults", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()

		rec, err := store.Create(ctx, 42, 0, types.NodeTypeFunction, "add",
			WithStorage(types.StorageTypeLocal, "run42"), WithExecutor("local"))
		require.NoError(t, err)
		assert.NotZero(t, rec.ID)
		assert.Equal(t, uint64(42), rec.WorkflowInstanceID)
		assert.Equal(t, types.StatusPending, rec.Status)
		assert.True(t, rec.IsActive)
		assert.Equal(t, rec.CreatedAt, rec.UpdatedAt)
		assert.Nil(t, rec.StartedAt)
		assert.Nil(t, rec.CompletedAt)
		assert.Empty(t, rec.Artifacts)
		assert.Equal(t, types.StorageTypeLocal, rec.StorageType)
		assert.Equal(t, "run42", rec.StoragePath)
		assert.Equal(t, "local", rec.Executor)

		got, err := store.Get(ctx, rec.ID)
		require.NoError(t, err)
		assert.Equal(t, rec.Name, got.Name)
		assert.True(t, rec.CreatedAt.Equal(got.CreatedAt))
	})

	t.Run("CreateValidation", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()

		_, err := store.Create(ctx, 0, 0, types.NodeTypeFunction, "add")
		assert.ErrorIs(t, err, ErrConstraintViolation)
		_, err = store.Create(ctx, 1, -1, types.NodeTypeFunction, "add")
		assert.ErrorIs(t, err, ErrConstraintViolation)
		_, err = store.Create(ctx, 1, 0, types.NodeType("lambda"), "add")
		assert.ErrorIs(t, err, ErrConstraintViolation)
		_, err = store.Create(ctx, 1, 0, types.NodeTypeFunction, "  ")
		assert.ErrorIs(t, err, ErrConstraintViolation)

		// nothing was claimed by the rejected calls
		_, err = store.Create(ctx, 1, 0, types.NodeTypeFunction, "add")
		assert.NoError(t, err)
	})

	t.Run("Lifecycle", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()

		rec, err := store.Create(ctx, 42, 0, types.NodeTypeFunction, "add")
		require.NoError(t, err)

		rec, err = store.UpdateStatus(ctx, rec.ID, types.StatusRunning)
		require.NoError(t, err)
		assert.Equal(t, types.StatusRunning, rec.Status)
		require.NotNil(t, rec.StartedAt)
		assert.Nil(t, rec.CompletedAt)
		assert.Equal(t, 1, rec.Attempt)

		rec, err = store.SetArtifactReference(ctx, rec.ID, types.ArtifactResult, "run42/add_0.result")
		require.NoError(t, err)
		ref, ok := rec.Artifact(types.ArtifactResult)
		assert.True(t, ok)
		assert.Equal(t, "run42/add_0.result", ref)

		rec, err = store.UpdateStatus(ctx, rec.ID, types.StatusCompleted)
		require.NoError(t, err)
		assert.Equal(t, types.StatusCompleted, rec.Status)
		require.NotNil(t, rec.CompletedAt)
		assert.False(t, rec.CompletedAt.Before(*rec.StartedAt))

		_, err = store.UpdateStatus(ctx, rec.ID, types.StatusRunning)
		assert.ErrorIs(t, err, ErrInvalidTransition)
		var terr *TransitionError
		require.True(t, errors.As(err, &terr))
		assert.Equal(t, types.StatusCompleted, terr.From)
		assert.Equal(t, types.StatusRunning, terr.To)

		got, err := store.Get(ctx, rec.ID)
		require.NoError(t, err)
		assert.Equal(t, types.StatusCompleted, got.Status)
		ref, _ = got.Artifact(types.ArtifactResult)
		assert.Equal(t, "run42/add_0.result", ref)
	})

	t.Run("InvalidTransitionLeavesRecordUnchanged", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()

		rec, err := store.Create(ctx, 5, 1, types.NodeTypeFunction, "mul")
		require.NoError(t, err)

		_, err = store.UpdateStatus(ctx, rec.ID, types.StatusCompleted)
		assert.ErrorIs(t, err, ErrInvalidTransition)
		_, err = store.UpdateStatus(ctx, rec.ID, types.Status("DONE"))
		assert.ErrorIs(t, err, ErrConstraintViolation)

		got, err := store.Get(ctx, rec.ID)
		require.NoError(t, err)
		assert.Equal(t, types.StatusPending, got.Status)
		assert.True(t, rec.UpdatedAt.Equal(got.UpdatedAt))
		assert.Nil(t, got.CompletedAt)
		assert.Nil(t, got.StartedAt)

		// edges outside the lifecycle graph, each reached from a fresh node
		rejected := []struct {
			name  string
			setup []types.Status
			to    types.Status
		}{
			{"PendingToCancelled", nil, types.StatusCancelled},
			{"PendingToRetrying", nil, types.StatusRetrying},
			{"RetryingToFailed", []types.Status{types.StatusRunning, types.StatusRetrying}, types.StatusFailed},
			{"RetryingToCancelled", []types.Status{types.StatusRunning, types.StatusRetrying}, types.StatusCancelled},
			{"RetryingToCompleted", []types.Status{types.StatusRunning, types.StatusRetrying}, types.StatusCompleted},
			{"CancelledToRunning", []types.Status{types.StatusRunning, types.StatusCancelled}, types.StatusRunning},
		}
		for i, tc := range rejected {
			t.Run(tc.name, func(t *testing.T) {
				node, err := store.Create(ctx, 6, i, types.NodeTypeFunction, "edge")
				require.NoError(t, err)
				for _, status := range tc.setup {
					node, err = store.UpdateStatus(ctx, node.ID, status)
					require.NoError(t, err)
				}

				_, err = store.UpdateStatus(ctx, node.ID, tc.to)
				assert.ErrorIs(t, err, ErrInvalidTransition)

				after, err := store.Get(ctx, node.ID)
				require.NoError(t, err)
				assert.Equal(t, node.Status, after.Status)
				assert.Equal(t, node.Attempt, after.Attempt)
				assert.True(t, node.UpdatedAt.Equal(after.UpdatedAt))
				assert.Equal(t, node.CompletedAt == nil, after.CompletedAt == nil)
			})
		}
	})

	t.Run("CompletedAtIffTerminal", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()

		paths := [][]types.Status{
			{types.StatusRunning, types.StatusCompleted},
			{types.StatusRunning, types.StatusFailed},
			{types.StatusRunning, types.StatusCancelled},
			{types.StatusRunning, types.StatusRetrying, types.StatusRunning, types.StatusCompleted},
			{types.StatusRunning, types.StatusRetrying, types.StatusRunning, types.StatusFailed},
		}
		for i, path := range paths {
			rec, err := store.Create(ctx, 9, i, types.NodeTypeFunction, "task")
			require.NoError(t, err)
			for _, status := range path {
				prev := rec.UpdatedAt
				rec, err = store.UpdateStatus(ctx, rec.ID, status)
				require.NoError(t, err, "path %d to %s", i, status)
				assert.Equal(t, status.IsTerminal(), rec.CompletedAt != nil)
				assert.False(t, rec.UpdatedAt.Before(prev))
			}
		}
	})

	t.Run("RetryKeepsStartAndArtifacts", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()

		rec, err := store.Create(ctx, 11, 0, types.NodeTypeFunction, "flaky")
		require.NoError(t, err)
		rec, err = store.UpdateStatus(ctx, rec.ID, types.StatusRunning)
		require.NoError(t, err)
		started := *rec.StartedAt

		_, err = store.SetArtifactReference(ctx, rec.ID, types.ArtifactStderr, "run11/flaky_0.stderr")
		require.NoError(t, err)
		_, err = store.UpdateStatus(ctx, rec.ID, types.StatusRetrying)
		require.NoError(t, err)
		rec, err = store.UpdateStatus(ctx, rec.ID, types.StatusRunning)
		require.NoError(t, err)

		assert.Equal(t, 2, rec.Attempt)
		assert.True(t, started.Equal(*rec.StartedAt))
		ref, ok := rec.Artifact(types.ArtifactStderr)
		assert.True(t, ok)
		assert.Equal(t, "run11/flaky_0.stderr", ref)

		rec, err = store.SetArtifactReference(ctx, rec.ID, types.ArtifactStderr, "run11/flaky_1.stderr")
		require.NoError(t, err)
		ref, _ = rec.Artifact(types.ArtifactStderr)
		assert.Equal(t, "run11/flaky_1.stderr", ref)
	})

	t.Run("ArtifactRules", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()

		rec, err := store.Create(ctx, 12, 0, types.NodeTypeFunction, "f")
		require.NoError(t, err)

		_, err = store.SetArtifactReference(ctx, rec.ID, types.ArtifactKind("core-dump"), "x")
		assert.ErrorIs(t, err, ErrConstraintViolation)
		_, err = store.SetArtifactReference(ctx, rec.ID, types.ArtifactStdout, "")
		assert.ErrorIs(t, err, ErrConstraintViolation)
		_, err = store.SetArtifactReference(ctx, 987654321, types.ArtifactStdout, "x")
		assert.ErrorIs(t, err, ErrNotFound)

		_, err = store.UpdateStatus(ctx, rec.ID, types.StatusRunning)
		require.NoError(t, err)
		_, err = store.UpdateStatus(ctx, rec.ID, types.StatusFailed)
		require.NoError(t, err)

		// late error capture after the node reached a terminal state
		rec, err = store.SetArtifactReference(ctx, rec.ID, types.ArtifactError, "run12/f_0.error")
		require.NoError(t, err)
		assert.Equal(t, types.StatusFailed, rec.Status)

		n, err := store.SoftDelete(ctx, 12)
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		_, err = store.SetArtifactReference(ctx, rec.ID, types.ArtifactStdout, "run12/f_0.stdout")
		assert.ErrorIs(t, err, ErrNotFound)
		_, err = store.UpdateStatus(ctx, rec.ID, types.StatusRunning)
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("GetMissing", func(t *testing.T) {
		store := newStore(t)
		_, err := store.Get(context.Background(), 987654321)
		assert.ErrorIs(t, err, ErrNotFound)
		_, err = store.GetActiveNode(context.Background(), 1, 0)
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("DuplicateNode", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()

		first, err := store.Create(ctx, 7, 3, types.NodeTypeFunction, "a")
		require.NoError(t, err)
		_, err = store.Create(ctx, 7, 3, types.NodeTypeFunction, "b")
		assert.ErrorIs(t, err, ErrDuplicateNode)

		// same index under another workflow is a different node
		_, err = store.Create(ctx, 8, 3, types.NodeTypeFunction, "a")
		assert.NoError(t, err)

		got, err := store.GetActiveNode(ctx, 7, 3)
		require.NoError(t, err)
		assert.Equal(t, first.ID, got.ID)
	})

	t.Run("ConcurrentCreate", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()

		const workers = 16
		var wg sync.WaitGroup
		errs := make(chan error, workers)
		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := store.Create(ctx, 7, 3, types.NodeTypeFunction, "race")
				errs <- err
			}()
		}
		wg.Wait()
		close(errs)

		succeeded := 0
		for err := range errs {
			if err == nil {
				succeeded++
				continue
			}
			assert.ErrorIs(t, err, ErrDuplicateNode)
		}
		assert.Equal(t, 1, succeeded)

		seq, err := store.ListByWorkflowInstance(ctx, 7, false)
		require.NoError(t, err)
		count := 0
		for range seq {
			count++
		}
		assert.Equal(t, 1, count)
	})

	t.Run("ConcurrentMutationsSerialize", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()

		rec, err := store.Create(ctx, 13, 0, types.NodeTypeFunction, "f")
		require.NoError(t, err)

		var wg sync.WaitGroup
		for _, kind := range types.ArtifactKinds {
			wg.Add(1)
			go func(kind types.ArtifactKind) {
				defer wg.Done()
				_, err := store.SetArtifactReference(ctx, rec.ID, kind, "run13/f_0."+string(kind))
				assert.NoError(t, err)
			}(kind)
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := store.UpdateStatus(ctx, rec.ID, types.StatusRunning)
			assert.NoError(t, err)
		}()
		wg.Wait()

		got, err := store.Get(ctx, rec.ID)
		require.NoError(t, err)
		assert.Len(t, got.Artifacts, len(types.ArtifactKinds))
		assert.Equal(t, types.StatusRunning, got.Status)
	})

	t.Run("ListOrderingAndSnapshot", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()

		for _, idx := range []int{3, 0, 2, 1} {
			_, err := store.Create(ctx, 20, idx, types.NodeTypeFunction, "n")
			require.NoError(t, err)
		}
		_, err := store.Create(ctx, 21, 0, types.NodeTypeParameter, "other")
		require.NoError(t, err)

		seq, err := store.ListByWorkflowInstance(ctx, 20, false)
		require.NoError(t, err)

		var first []int
		for rec := range seq {
			first = append(first, rec.GraphNodeIndex)
		}
		assert.Equal(t, []int{0, 1, 2, 3}, first)

		// changes after the call are not visible and the sequence replays
		_, err = store.Create(ctx, 20, 4, types.NodeTypeFunction, "late")
		require.NoError(t, err)
		var second []int
		for rec := range seq {
			second = append(second, rec.GraphNodeIndex)
		}
		assert.Equal(t, first, second)

		// early break
		var taken []int
		for rec := range seq {
			taken = append(taken, rec.GraphNodeIndex)
			if len(taken) == 2 {
				break
			}
		}
		assert.Equal(t, []int{0, 1}, taken)

		empty, err := store.ListByWorkflowInstance(ctx, 999, true)
		require.NoError(t, err)
		for range empty {
			t.Fatal("expected no records")
		}
	})

	t.Run("SoftDelete", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()

		var ids []uint64
		for idx := 0; idx < 3; idx++ {
			rec, err := store.Create(ctx, 30, idx, types.NodeTypeFunction, "n")
			require.NoError(t, err)
			ids = append(ids, rec.ID)
		}
		other, err := store.Create(ctx, 31, 0, types.NodeTypeFunction, "keep")
		require.NoError(t, err)

		n, err := store.SoftDelete(ctx, 30)
		require.NoError(t, err)
		assert.Equal(t, 3, n)

		snapshot := func() []types.TaskNodeRecord {
			seq, err := store.ListByWorkflowInstance(ctx, 30, true)
			require.NoError(t, err)
			var out []types.TaskNodeRecord
			for rec := range seq {
				out = append(out, rec)
			}
			return out
		}
		afterFirst := snapshot()

		n, err = store.SoftDelete(ctx, 30)
		require.NoError(t, err)
		assert.Equal(t, 0, n)
		afterSecond := snapshot()
		require.Len(t, afterSecond, 3)
		for i := range afterFirst {
			assert.False(t, afterSecond[i].IsActive)
			assert.True(t, afterFirst[i].UpdatedAt.Equal(afterSecond[i].UpdatedAt))
		}

		active, err := store.ListByWorkflowInstance(ctx, 30, false)
		require.NoError(t, err)
		for range active {
			t.Fatal("soft-deleted records must not be listed as active")
		}

		// history remains readable
		for _, id := range ids {
			rec, err := store.Get(ctx, id)
			require.NoError(t, err)
			assert.False(t, rec.IsActive)
		}

		// other workflow untouched
		got, err := store.Get(ctx, other.ID)
		require.NoError(t, err)
		assert.True(t, got.IsActive)
		assert.True(t, other.UpdatedAt.Equal(got.UpdatedAt))

		// node keys are released for a fresh dispatch
		_, err = store.GetActiveNode(ctx, 30, 0)
		assert.ErrorIs(t, err, ErrNotFound)
		_, err = store.Create(ctx, 30, 0, types.NodeTypeFunction, "n")
		assert.NoError(t, err)

		n, err = store.SoftDelete(ctx, 404)
		assert.NoError(t, err)
		assert.Equal(t, 0, n)
	})

	t.Run("ContextCancellation", func(t *testing.T) {
		store := newStore(t)
		rec, err := store.Create(context.Background(), 40, 0, types.NodeTypeFunction, "n")
		require.NoError(t, err)

		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		_, err = store.Create(ctx, 40, 1, types.NodeTypeFunction, "n")
		assert.ErrorIs(t, err, context.Canceled)
		_, err = store.Get(ctx, rec.ID)
		assert.ErrorIs(t, err, context.Canceled)
		_, err = store.ListByWorkflowInstance(ctx, 40, true)
		assert.ErrorIs(t, err, context.Canceled)
		_, err = store.UpdateStatus(ctx, rec.ID, types.StatusRunning)
		assert.ErrorIs(t, err, context.Canceled)
		_, err = store.SetArtifactReference(ctx, rec.ID, types.ArtifactStdout, "x")
		assert.ErrorIs(t, err, context.Canceled)
		_, err = store.SoftDelete(ctx, 40)
		assert.ErrorIs(t, err, context.Canceled)

		got, err := store.Get(context.Background(), rec.ID)
		require.NoError(t, err)
		assert.Equal(t, types.StatusPending, got.Status)
	})
}
