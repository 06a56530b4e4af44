// Package persistencetest holds the behaviour every ExecutionRepository implementation must
// satisfy, run by each implementation's own tests.
package persistencetest

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dukex/sequencer/pkg/models"
	"github.com/dukex/sequencer/pkg/persistence"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Factory returns a fresh, empty repository for one subtest.
type Factory func(t *testing.T) persistence.ExecutionRepository

// NewExecution builds a waiting execution at step 0 with the given update time.
func NewExecution(t *testing.T, updatedAt time.Time) *models.Execution {
	t.Helper()

	return &models.Execution{
		ID:           uuid.NewString(),
		DefinitionID: "adder",
		Data:         map[string]any{"x": 1, "y": 2, "nested": map[string]any{"tags": []any{"a", "b"}}},
		StepIndex:    0,
		Status:       models.ExecutionStatusWaitingForResponse,
		CreatedAt:    updatedAt,
		UpdatedAt:    updatedAt,
	}
}

func now() time.Time {
	return time.Now().UTC().Truncate(time.Millisecond)
}

// Run executes the repository contract against repositories produced by factory.
func Run(t *testing.T, factory Factory) {
	t.Helper()

	t.Run("create and get", func(t *testing.T) {
		repo := factory(t)
		ctx := context.Background()
		execution := NewExecution(t, now())

		require.NoError(t, repo.Create(ctx, execution))

		stored, err := repo.Get(ctx, execution.ID)
		require.NoError(t, err)

		assert.Equal(t, execution.ID, stored.ID)
		assert.Equal(t, "adder", stored.DefinitionID)
		assert.Equal(t, 0, stored.StepIndex)
		assert.Equal(t, models.ExecutionStatusWaitingForResponse, stored.Status)
		assert.InDelta(t, 1.0, stored.Data["x"], 0)
		assert.Equal(t, []any{"a", "b"}, stored.Data["nested"].(map[string]any)["tags"])
		assert.Nil(t, stored.Output)
		assert.Nil(t, stored.Error)
		assert.WithinDuration(t, execution.CreatedAt, stored.CreatedAt, time.Millisecond)
		assert.WithinDuration(t, execution.UpdatedAt, stored.UpdatedAt, time.Millisecond)
	})

	t.Run("create duplicate", func(t *testing.T) {
		repo := factory(t)
		ctx := context.Background()
		execution := NewExecution(t, now())

		require.NoError(t, repo.Create(ctx, execution))

		err := repo.Create(ctx, execution)
		require.Error(t, err)
		assert.True(t, persistence.IsExecutionAlreadyExists(err))
	})

	t.Run("get missing", func(t *testing.T) {
		repo := factory(t)

		_, err := repo.Get(context.Background(), uuid.NewString())
		require.Error(t, err)
		assert.True(t, persistence.IsExecutionNotFound(err))
	})

	t.Run("compare and advance", func(t *testing.T) {
		repo := factory(t)
		ctx := context.Background()
		execution := NewExecution(t, now().Add(-time.Minute))
		require.NoError(t, repo.Create(ctx, execution))

		next := *execution
		next.Data = map[string]any{"x": 1, "y": 2, "total": 3}
		next.StepIndex = 1
		next.UpdatedAt = now()

		advanced, err := repo.CompareAndAdvance(ctx, execution.ID, 0, &next)
		require.NoError(t, err)
		assert.Equal(t, 1, advanced.StepIndex)
		assert.InDelta(t, 3.0, advanced.Data["total"], 0)

		stored, err := repo.Get(ctx, execution.ID)
		require.NoError(t, err)
		assert.Equal(t, 1, stored.StepIndex)
		assert.InDelta(t, 3.0, stored.Data["total"], 0)
		assert.WithinDuration(t, execution.CreatedAt, stored.CreatedAt, time.Millisecond)
		assert.WithinDuration(t, next.UpdatedAt, stored.UpdatedAt, time.Millisecond)
	})

	t.Run("compare and advance to completed", func(t *testing.T) {
		repo := factory(t)
		ctx := context.Background()
		execution := NewExecution(t, now())
		require.NoError(t, repo.Create(ctx, execution))

		next := *execution
		next.StepIndex = 1
		next.Status = models.ExecutionStatusCompleted
		next.Output = map[string]any{"total": 6}
		next.UpdatedAt = now()

		_, err := repo.CompareAndAdvance(ctx, execution.ID, 0, &next)
		require.NoError(t, err)

		stored, err := repo.Get(ctx, execution.ID)
		require.NoError(t, err)
		assert.Equal(t, models.ExecutionStatusCompleted, stored.Status)
		assert.InDelta(t, 6.0, stored.Output["total"], 0)
	})

	t.Run("compare and advance records failure", func(t *testing.T) {
		repo := factory(t)
		ctx := context.Background()
		execution := NewExecution(t, now())
		require.NoError(t, repo.Create(ctx, execution))

		next := *execution
		next.Status = models.ExecutionStatusFailed
		next.Error = &models.ExecutionError{StepID: "AddXY", Kind: models.ErrorKindHandler, Message: "boom"}
		next.UpdatedAt = now()

		_, err := repo.CompareAndAdvance(ctx, execution.ID, 0, &next)
		require.NoError(t, err)

		stored, err := repo.Get(ctx, execution.ID)
		require.NoError(t, err)
		assert.Equal(t, models.ExecutionStatusFailed, stored.Status)
		assert.Equal(t, 0, stored.StepIndex)
		require.NotNil(t, stored.Error)
		assert.Equal(t, "boom", stored.Error.Message)
		assert.Equal(t, models.ErrorKindHandler, stored.Error.Kind)
	})

	t.Run("compare and advance with stale version", func(t *testing.T) {
		repo := factory(t)
		ctx := context.Background()
		execution := NewExecution(t, now())
		require.NoError(t, repo.Create(ctx, execution))

		next := *execution
		next.StepIndex = 2
		next.Data = map[string]any{"changed": true}

		_, err := repo.CompareAndAdvance(ctx, execution.ID, 1, &next)
		require.Error(t, err)
		assert.True(t, persistence.IsVersionConflict(err))

		stored, err := repo.Get(ctx, execution.ID)
		require.NoError(t, err)
		assert.Equal(t, 0, stored.StepIndex)
		assert.NotContains(t, stored.Data, "changed")
	})

	t.Run("compare and advance on terminal execution", func(t *testing.T) {
		repo := factory(t)
		ctx := context.Background()
		execution := NewExecution(t, now())
		require.NoError(t, repo.Create(ctx, execution))

		failed := *execution
		failed.Status = models.ExecutionStatusFailed
		failed.Error = &models.ExecutionError{StepID: "AddXY", Kind: models.ErrorKindHandler, Message: "boom"}
		_, err := repo.CompareAndAdvance(ctx, execution.ID, 0, &failed)
		require.NoError(t, err)

		next := *execution
		next.StepIndex = 1

		_, err = repo.CompareAndAdvance(ctx, execution.ID, 0, &next)
		require.Error(t, err)
		assert.True(t, persistence.IsVersionConflict(err))

		stored, err := repo.Get(ctx, execution.ID)
		require.NoError(t, err)
		assert.Equal(t, models.ExecutionStatusFailed, stored.Status)
		assert.Equal(t, "boom", stored.Error.Message)
	})

	t.Run("compare and advance missing", func(t *testing.T) {
		repo := factory(t)
		execution := NewExecution(t, now())

		_, err := repo.CompareAndAdvance(context.Background(), execution.ID, 0, execution)
		require.Error(t, err)
		assert.True(t, persistence.IsExecutionNotFound(err))
	})

	t.Run("concurrent compare and advance", func(t *testing.T) {
		repo := factory(t)
		ctx := context.Background()
		execution := NewExecution(t, now())
		require.NoError(t, repo.Create(ctx, execution))

		var (
			wg        sync.WaitGroup
			successes atomic.Int32
			conflicts atomic.Int32
		)

		for i := range 10 {
			wg.Add(1)

			go func(i int) {
				defer wg.Done()

				next := *execution
				next.StepIndex = 1
				next.Data = map[string]any{"writer": i}
				next.UpdatedAt = now()

				_, err := repo.CompareAndAdvance(ctx, execution.ID, 0, &next)

				switch {
				case err == nil:
					successes.Add(1)
				case persistence.IsVersionConflict(err):
					conflicts.Add(1)
				default:
					t.Errorf("unexpected error: %v", err)
				}
			}(i)
		}

		wg.Wait()

		assert.Equal(t, int32(1), successes.Load())
		assert.Equal(t, int32(9), conflicts.Load())

		stored, err := repo.Get(ctx, execution.ID)
		require.NoError(t, err)
		assert.Equal(t, 1, stored.StepIndex)
	})

	t.Run("returned records are copies", func(t *testing.T) {
		repo := factory(t)
		ctx := context.Background()
		execution := NewExecution(t, now())
		require.NoError(t, repo.Create(ctx, execution))

		execution.Data["x"] = 100

		stored, err := repo.Get(ctx, execution.ID)
		require.NoError(t, err)
		stored.Data["x"] = 200

		again, err := repo.Get(ctx, execution.ID)
		require.NoError(t, err)
		assert.InDelta(t, 1.0, again.Data["x"], 0)
	})

	t.Run("list by status", func(t *testing.T) {
		repo := factory(t)
		ctx := context.Background()
		base := now().Add(-time.Hour)

		oldest := NewExecution(t, base)
		older := NewExecution(t, base.Add(time.Minute))
		recent := NewExecution(t, now().Add(time.Hour))
		done := NewExecution(t, base)
		done.Status = models.ExecutionStatusCompleted

		for _, execution := range []*models.Execution{recent, older, done, oldest} {
			require.NoError(t, repo.Create(ctx, execution))
		}

		cutoff := base.Add(30 * time.Minute)

		found, err := repo.ListByStatus(ctx, models.ExecutionStatusWaitingForResponse, cutoff, 10)
		require.NoError(t, err)
		require.Len(t, found, 2)
		assert.Equal(t, oldest.ID, found[0].ID)
		assert.Equal(t, older.ID, found[1].ID)

		limited, err := repo.ListByStatus(ctx, models.ExecutionStatusWaitingForResponse, cutoff, 1)
		require.NoError(t, err)
		require.Len(t, limited, 1)
		assert.Equal(t, oldest.ID, limited[0].ID)

		completed, err := repo.ListByStatus(ctx, models.ExecutionStatusCompleted, cutoff, 10)
		require.NoError(t, err)
		require.Len(t, completed, 1)
		assert.Equal(t, done.ID, completed[0].ID)
	})

	t.Run("list undispatched", func(t *testing.T) {
		repo := factory(t)
		ctx := context.Background()
		base := now().Add(-time.Hour)
		dispatchedAt := base.Add(time.Second)

		pending := NewExecution(t, base)
		sent := NewExecution(t, base.Add(time.Minute))
		moved := NewExecution(t, base.Add(2*time.Minute))
		recent := NewExecution(t, now().Add(time.Hour))
		done := NewExecution(t, base)
		done.Status = models.ExecutionStatusCompleted

		for _, execution := range []*models.Execution{pending, sent, moved, recent, done} {
			require.NoError(t, repo.Create(ctx, execution))
		}

		for _, execution := range []*models.Execution{sent, moved} {
			marked := *execution
			marked.DispatchedAt = &dispatchedAt

			stored, err := repo.CompareAndAdvance(ctx, execution.ID, 0, &marked)
			require.NoError(t, err)
			require.NotNil(t, stored.DispatchedAt)
			assert.WithinDuration(t, dispatchedAt, *stored.DispatchedAt, time.Millisecond)
		}

		next := *moved
		next.StepIndex = 1

		stored, err := repo.CompareAndAdvance(ctx, moved.ID, 0, &next)
		require.NoError(t, err)
		assert.Nil(t, stored.DispatchedAt)

		cutoff := base.Add(30 * time.Minute)

		found, err := repo.ListUndispatched(ctx, cutoff, 10)
		require.NoError(t, err)
		require.Len(t, found, 2)
		assert.Equal(t, pending.ID, found[0].ID)
		assert.Equal(t, moved.ID, found[1].ID)

		limited, err := repo.ListUndispatched(ctx, cutoff, 1)
		require.NoError(t, err)
		require.Len(t, limited, 1)
		assert.Equal(t, pending.ID, limited[0].ID)

		waiting, err := repo.ListByStatus(ctx, models.ExecutionStatusWaitingForResponse, cutoff, 10)
		require.NoError(t, err)
		assert.Len(t, waiting, 3)
	})
}
