package redis_test

import (
	"context"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/dukex/sequencer/pkg/models"
	"github.com/dukex/sequencer/pkg/persistence"
	"github.com/dukex/sequencer/pkg/persistence/persistencetest"
	redispersistence "github.com/dukex/sequencer/pkg/persistence/redis"
	redis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestPersistence(t *testing.T) (*redispersistence.Persistence, *miniredis.Miniredis) {
	t.Helper()

	server, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(server.Close)

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
	client := redis.NewClient(&redis.Options{Addr: server.Addr()})

	p := redispersistence.NewPersistenceWithClient(client, logger)
	t.Cleanup(func() {
		_ = p.Close(context.Background())
	})

	return p, server
}

func TestExecutionRepository_Contract(t *testing.T) {
	persistencetest.Run(t, func(t *testing.T) persistence.ExecutionRepository {
		t.Helper()

		p, _ := newTestPersistence(t)

		return p.ExecutionRepository()
	})
}

func TestNewPersistence_FromURL(t *testing.T) {
	server, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(server.Close)

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))

	p, err := redispersistence.NewPersistence(context.Background(), logger, "redis://"+server.Addr()+"/0")
	require.NoError(t, err)

	assert.NoError(t, p.HealthCheck(context.Background()))
	assert.NoError(t, p.Close(context.Background()))
}

func TestNewPersistence_InvalidURL(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))

	_, err := redispersistence.NewPersistence(context.Background(), logger, "http://localhost")
	assert.Error(t, err)
}

func TestHealthCheck_ServerDown(t *testing.T) {
	p, server := newTestPersistence(t)

	server.Close()

	assert.Error(t, p.HealthCheck(context.Background()))
}

func TestCompareAndAdvance_MovesStatusIndex(t *testing.T) {
	ctx := context.Background()
	p, server := newTestPersistence(t)
	repo := p.ExecutionRepository()

	execution := persistencetest.NewExecution(t, time.Now().UTC().Add(-time.Hour))
	require.NoError(t, repo.Create(ctx, execution))

	next, err := execution.Clone()
	require.NoError(t, err)
	next.StepIndex = 2
	next.Status = models.ExecutionStatusCompleted
	next.Output = map[string]any{"total": 6}
	next.UpdatedAt = time.Now().UTC()

	_, err = repo.CompareAndAdvance(ctx, execution.ID, 0, next)
	require.NoError(t, err)

	waiting, err := server.ZMembers("sequencer:executions:status:waiting_for_response")
	if err == nil {
		assert.NotContains(t, waiting, execution.ID)
	}

	completed, err := server.ZMembers("sequencer:executions:status:completed")
	require.NoError(t, err)
	assert.Contains(t, completed, execution.ID)
}

func TestGet_CorruptValue(t *testing.T) {
	p, server := newTestPersistence(t)

	require.NoError(t, server.Set("sequencer:execution:broken", "{not json"))

	_, err := p.Get(context.Background(), "broken")
	require.Error(t, err)
	assert.False(t, persistence.IsExecutionNotFound(err))
}

func TestCreate_FailedIndexWriteLeavesNoRecord(t *testing.T) {
	ctx := context.Background()
	p, server := newTestPersistence(t)
	repo := p.ExecutionRepository()

	require.NoError(t, server.Set("sequencer:executions:status:waiting_for_response", "not a sorted set"))

	execution := persistencetest.NewExecution(t, time.Now().UTC())

	err := repo.Create(ctx, execution)
	require.Error(t, err)
	assert.False(t, persistence.IsExecutionAlreadyExists(err))

	_, err = repo.Get(ctx, execution.ID)
	assert.True(t, persistence.IsExecutionNotFound(err))

	server.Del("sequencer:executions:status:waiting_for_response")

	require.NoError(t, repo.Create(ctx, execution))

	waiting, err := server.ZMembers("sequencer:executions:status:waiting_for_response")
	require.NoError(t, err)
	assert.Contains(t, waiting, execution.ID)
}

func TestListByStatus_IndexErrorIsWrapped(t *testing.T) {
	p, server := newTestPersistence(t)

	require.NoError(t, server.Set("sequencer:executions:status:waiting_for_response", "not a sorted set"))

	_, err := p.ListByStatus(context.Background(), models.ExecutionStatusWaitingForResponse, time.Now(), 10)
	require.Error(t, err)

	var executionErr *persistence.ExecutionError
	require.ErrorAs(t, err, &executionErr)
	assert.Equal(t, "ListByStatus", executionErr.Op)
}
