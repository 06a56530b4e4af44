// Package redis provides a Redis-backed execution store. Each execution is one JSON value;
// sorted sets scored by updated_at index executions by status and list the waiting ones
// whose request was never confirmed sent.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/dukex/sequencer/pkg/models"
	"github.com/dukex/sequencer/pkg/persistence"
	redis "github.com/redis/go-redis/v9"
)

const (
	keyPrefix       = "sequencer:execution:"
	statusKey       = "sequencer:executions:status:"
	undispatchedKey = "sequencer:executions:undispatched"
	maxRetries      = 16
)

// createScript indexes the execution before storing it. A script stops at the first failing
// call, so a failed index write leaves no record behind.
var createScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 1 then
	return 0
end
redis.call("ZADD", KEYS[2], ARGV[2], ARGV[3])
if ARGV[4] == "1" then
	redis.call("ZADD", KEYS[3], ARGV[2], ARGV[3])
end
redis.call("SET", KEYS[1], ARGV[1])
return 1
`)

// Persistence implements the persistence layer on Redis.
type Persistence struct {
	client redis.UniversalClient
	logger *slog.Logger
}

// NewPersistence connects to the Redis server described by a redis:// or rediss:// URL.
func NewPersistence(ctx context.Context, logger *slog.Logger, redisURL string) (*Persistence, error) {
	options, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}

	p := NewPersistenceWithClient(redis.NewClient(options), logger)

	err = p.HealthCheck(ctx)
	if err != nil {
		_ = p.client.Close()

		return nil, err
	}

	return p, nil
}

// NewPersistenceWithClient wraps an existing client; Close closes it.
func NewPersistenceWithClient(client redis.UniversalClient, logger *slog.Logger) *Persistence {
	return &Persistence{
		client: client,
		logger: logger.With("module", "redis_persistence"),
	}
}

func (p *Persistence) ExecutionRepository() persistence.ExecutionRepository {
	return p
}

func (p *Persistence) HealthCheck(ctx context.Context) error {
	err := p.client.Ping(ctx).Err()
	if err != nil {
		return fmt.Errorf("failed to ping redis: %w", err)
	}

	return nil
}

func (p *Persistence) Close(_ context.Context) error {
	return p.client.Close()
}

func (p *Persistence) Create(ctx context.Context, execution *models.Execution) error {
	err := persistence.CheckCreate(execution)
	if err != nil {
		return err
	}

	value, err := json.Marshal(execution)
	if err != nil {
		return persistence.NewExecutionError("Create", execution.ID, fmt.Errorf("failed to marshal execution: %w", err))
	}

	created, err := createScript.Run(ctx, p.client,
		[]string{executionKey(execution.ID), statusIndexKey(execution.Status), undispatchedKey},
		value, strconv.FormatInt(execution.UpdatedAt.UnixMicro(), 10), execution.ID, flag(execution.AwaitsDispatch()),
	).Int()
	if err != nil {
		return persistence.NewExecutionError("Create", execution.ID, fmt.Errorf("failed to store execution: %w", err))
	}

	if created == 0 {
		return persistence.NewExecutionError("Create", execution.ID, persistence.ErrExecutionAlreadyExists)
	}

	return nil
}

func (p *Persistence) Get(ctx context.Context, executionID string) (*models.Execution, error) {
	execution, err := get(ctx, p.client, executionID)
	if err != nil {
		return nil, persistence.NewExecutionError("Get", executionID, err)
	}

	return execution, nil
}

// CompareAndAdvance watches the execution key, checks the expected version and writes the
// new state in a MULTI block. A concurrent write aborts the transaction and the check is
// repeated against the new value.
func (p *Persistence) CompareAndAdvance(ctx context.Context, executionID string, expectedStepIndex int, next *models.Execution) (*models.Execution, error) {
	err := persistence.CheckAdvance(executionID, expectedStepIndex, next)
	if err != nil {
		return nil, err
	}

	key := executionKey(executionID)

	var merged *models.Execution

	advance := func(tx *redis.Tx) error {
		current, err := get(ctx, tx, executionID)
		if err != nil {
			return err
		}

		if current.StepIndex != expectedStepIndex || current.Status.Terminal() {
			return persistence.ErrVersionConflict
		}

		merged = persistence.Advanced(current, next)

		value, err := json.Marshal(merged)
		if err != nil {
			return fmt.Errorf("failed to marshal execution: %w", err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, value, 0)
			pipe.ZRem(ctx, statusIndexKey(current.Status), executionID)
			pipe.ZAdd(ctx, statusIndexKey(merged.Status), redis.Z{
				Score:  score(merged.UpdatedAt),
				Member: executionID,
			})
			pipe.ZRem(ctx, undispatchedKey, executionID)

			if merged.AwaitsDispatch() {
				pipe.ZAdd(ctx, undispatchedKey, redis.Z{
					Score:  score(merged.UpdatedAt),
					Member: executionID,
				})
			}

			return nil
		})

		return err
	}

	for range maxRetries {
		err = p.client.Watch(ctx, advance, key)
		if errors.Is(err, redis.TxFailedErr) {
			p.logger.DebugContext(ctx, "concurrent write detected, retrying", "execution_id", executionID)

			continue
		}

		if err != nil {
			return nil, persistence.NewExecutionError("CompareAndAdvance", executionID, err)
		}

		return merged.Clone()
	}

	return nil, persistence.NewExecutionError("CompareAndAdvance", executionID, persistence.ErrVersionConflict)
}

func (p *Persistence) ListByStatus(ctx context.Context, status models.ExecutionStatus, updatedBefore time.Time, limit int) ([]*models.Execution, error) {
	return p.list(ctx, "ListByStatus", statusIndexKey(status), updatedBefore, limit, func(execution *models.Execution) bool {
		return execution.Status == status
	})
}

func (p *Persistence) ListUndispatched(ctx context.Context, updatedBefore time.Time, limit int) ([]*models.Execution, error) {
	return p.list(ctx, "ListUndispatched", undispatchedKey, updatedBefore, limit, (*models.Execution).AwaitsDispatch)
}

func (p *Persistence) list(
	ctx context.Context,
	op, index string,
	updatedBefore time.Time,
	limit int,
	match func(*models.Execution) bool,
) ([]*models.Execution, error) {
	query := &redis.ZRangeBy{
		Min: "-inf",
		Max: "(" + strconv.FormatInt(updatedBefore.UnixMicro(), 10),
	}
	if limit > 0 {
		query.Count = int64(limit)
	}

	ids, err := p.client.ZRangeByScore(ctx, index, query).Result()
	if err != nil {
		return nil, persistence.NewExecutionError(op, "", fmt.Errorf("failed to query index %s: %w", index, err))
	}

	executions := make([]*models.Execution, 0, len(ids))

	for _, id := range ids {
		execution, err := get(ctx, p.client, id)
		if errors.Is(err, persistence.ErrExecutionNotFound) {
			p.logger.WarnContext(ctx, "index points at missing execution", "index", index, "execution_id", id)

			continue
		}

		if err != nil {
			return nil, persistence.NewExecutionError(op, id, err)
		}

		// the index may lag a concurrent advance
		if !match(execution) {
			continue
		}

		executions = append(executions, execution)
	}

	return executions, nil
}

type getter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

func get(ctx context.Context, client getter, executionID string) (*models.Execution, error) {
	value, err := client.Get(ctx, executionKey(executionID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, persistence.ErrExecutionNotFound
	}

	if err != nil {
		return nil, fmt.Errorf("failed to read execution: %w", err)
	}

	var execution models.Execution

	err = json.Unmarshal(value, &execution)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal execution: %w", err)
	}

	return &execution, nil
}

func executionKey(executionID string) string {
	return keyPrefix + executionID
}

func statusIndexKey(status models.ExecutionStatus) string {
	return statusKey + string(status)
}

func flag(b bool) string {
	if b {
		return "1"
	}

	return "0"
}

func score(t time.Time) float64 {
	return float64(t.UnixMicro())
}
