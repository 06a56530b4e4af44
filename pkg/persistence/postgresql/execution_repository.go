package postgresql

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dukex/sequencer/pkg/models"
	"github.com/dukex/sequencer/pkg/persistence"
	"github.com/lib/pq"
)

const uniqueViolation = "23505"

const executionColumns = `id, definition_id, data, step_index, status, output, error, dispatched_at, created_at, updated_at`

// ExecutionRepository handles execution-related database operations.
type ExecutionRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewExecutionRepository creates a new execution repository.
func NewExecutionRepository(db *sql.DB, logger *slog.Logger) *ExecutionRepository {
	return &ExecutionRepository{db: db, logger: logger}
}

// Create inserts a new execution; the primary key makes the insert atomic.
func (er *ExecutionRepository) Create(ctx context.Context, execution *models.Execution) error {
	err := persistence.CheckCreate(execution)
	if err != nil {
		return err
	}

	dataJSON, outputJSON, errorJSON, err := marshalState(execution)
	if err != nil {
		return persistence.NewExecutionError("Create", execution.ID, err)
	}

	query := `
		INSERT INTO executions (` + executionColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`

	_, err = er.db.ExecContext(ctx, query,
		execution.ID,
		execution.DefinitionID,
		dataJSON,
		execution.StepIndex,
		execution.Status,
		outputJSON,
		errorJSON,
		execution.DispatchedAt,
		execution.CreatedAt,
		execution.UpdatedAt,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
			return persistence.NewExecutionError("Create", execution.ID, persistence.ErrExecutionAlreadyExists)
		}

		return persistence.NewExecutionError("Create", execution.ID, fmt.Errorf("failed to insert execution: %w", err))
	}

	return nil
}

// Get retrieves an execution by its ID.
func (er *ExecutionRepository) Get(ctx context.Context, executionID string) (*models.Execution, error) {
	query := `SELECT ` + executionColumns + ` FROM executions WHERE id = $1`

	execution, err := scanExecution(er.db.QueryRowContext(ctx, query, executionID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.NewExecutionError("Get", executionID, persistence.ErrExecutionNotFound)
		}

		return nil, persistence.NewExecutionError("Get", executionID, fmt.Errorf("failed to scan execution: %w", err))
	}

	return execution, nil
}

// CompareAndAdvance is a single conditional UPDATE; the row lock taken by the update makes
// concurrent writers with the same expected step index serialize and all but one miss.
func (er *ExecutionRepository) CompareAndAdvance(ctx context.Context, executionID string, expectedStepIndex int, next *models.Execution) (*models.Execution, error) {
	err := persistence.CheckAdvance(executionID, expectedStepIndex, next)
	if err != nil {
		return nil, err
	}

	dataJSON, outputJSON, errorJSON, err := marshalState(next)
	if err != nil {
		return nil, persistence.NewExecutionError("CompareAndAdvance", executionID, err)
	}

	query := `
		UPDATE executions SET
			data = $3,
			step_index = $4,
			status = $5,
			output = $6,
			error = $7,
			dispatched_at = $8,
			updated_at = $9
		WHERE id = $1
			AND step_index = $2
			AND status NOT IN ('completed', 'failed')
		RETURNING ` + executionColumns

	execution, err := scanExecution(er.db.QueryRowContext(ctx, query,
		executionID,
		expectedStepIndex,
		dataJSON,
		next.StepIndex,
		next.Status,
		outputJSON,
		errorJSON,
		next.DispatchedAt,
		next.UpdatedAt,
	))
	if err == nil {
		return execution, nil
	}

	if !errors.Is(err, sql.ErrNoRows) {
		return nil, persistence.NewExecutionError("CompareAndAdvance", executionID, fmt.Errorf("failed to update execution: %w", err))
	}

	var exists bool

	err = er.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM executions WHERE id = $1)`, executionID).Scan(&exists)
	if err != nil {
		return nil, persistence.NewExecutionError("CompareAndAdvance", executionID, fmt.Errorf("failed to check execution: %w", err))
	}

	if !exists {
		return nil, persistence.NewExecutionError("CompareAndAdvance", executionID, persistence.ErrExecutionNotFound)
	}

	return nil, persistence.NewExecutionError("CompareAndAdvance", executionID, persistence.ErrVersionConflict)
}

// ListByStatus retrieves executions with a specific status last updated before a cutoff.
func (er *ExecutionRepository) ListByStatus(ctx context.Context, status models.ExecutionStatus, updatedBefore time.Time, limit int) ([]*models.Execution, error) {
	return er.list(ctx, "ListByStatus", `status = $1 AND updated_at < $2`, limit, status, updatedBefore)
}

// ListUndispatched retrieves waiting executions whose current request was never confirmed sent.
func (er *ExecutionRepository) ListUndispatched(ctx context.Context, updatedBefore time.Time, limit int) ([]*models.Execution, error) {
	return er.list(ctx, "ListUndispatched",
		`status = $1 AND dispatched_at IS NULL AND updated_at < $2`,
		limit, models.ExecutionStatusWaitingForResponse, updatedBefore,
	)
}

func (er *ExecutionRepository) list(ctx context.Context, op, where string, limit int, args ...any) ([]*models.Execution, error) {
	query := `
		SELECT ` + executionColumns + `
		FROM executions
		WHERE ` + where + `
		ORDER BY updated_at ASC
	`

	if limit > 0 {
		query += fmt.Sprintf(` LIMIT $%d`, len(args)+1)

		args = append(args, limit)
	}

	rows, err := er.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, persistence.NewExecutionError(op, "", fmt.Errorf("failed to query executions: %w", err))
	}

	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			er.logger.ErrorContext(ctx, "failed to close rows", "error", closeErr)
		}
	}()

	var executions []*models.Execution

	for rows.Next() {
		execution, err := scanExecution(rows)
		if err != nil {
			return nil, persistence.NewExecutionError(op, "", fmt.Errorf("failed to scan execution: %w", err))
		}

		executions = append(executions, execution)
	}

	if err := rows.Err(); err != nil {
		return nil, persistence.NewExecutionError(op, "", fmt.Errorf("error iterating executions: %w", err))
	}

	return executions, nil
}

func marshalState(execution *models.Execution) (dataJSON, outputJSON, errorJSON []byte, err error) {
	data := execution.Data
	if data == nil {
		data = map[string]any{}
	}

	dataJSON, err = json.Marshal(data)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to marshal data: %w", err)
	}

	if execution.Output != nil {
		outputJSON, err = json.Marshal(execution.Output)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("failed to marshal output: %w", err)
		}
	}

	if execution.Error != nil {
		errorJSON, err = json.Marshal(execution.Error)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("failed to marshal error: %w", err)
		}
	}

	return dataJSON, outputJSON, errorJSON, nil
}

// scanExecution scans an execution from a database row.
func scanExecution(scanner interface {
	Scan(dest ...any) error
}) (*models.Execution, error) {
	var (
		execution                        models.Execution
		dataJSON, outputJSON, errorJSON []byte
		dispatchedAt                     sql.NullTime
	)

	err := scanner.Scan(
		&execution.ID,
		&execution.DefinitionID,
		&dataJSON,
		&execution.StepIndex,
		&execution.Status,
		&outputJSON,
		&errorJSON,
		&dispatchedAt,
		&execution.CreatedAt,
		&execution.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if dispatchedAt.Valid {
		execution.DispatchedAt = &dispatchedAt.Time
	}

	execution.Data = make(map[string]any)

	if dataJSON != nil {
		err := json.Unmarshal(dataJSON, &execution.Data)
		if err != nil {
			return nil, fmt.Errorf("failed to unmarshal data: %w", err)
		}
	}

	if outputJSON != nil {
		err := json.Unmarshal(outputJSON, &execution.Output)
		if err != nil {
			return nil, fmt.Errorf("failed to unmarshal output: %w", err)
		}
	}

	if errorJSON != nil {
		execution.Error = &models.ExecutionError{}

		err := json.Unmarshal(errorJSON, execution.Error)
		if err != nil {
			return nil, fmt.Errorf("failed to unmarshal error: %w", err)
		}
	}

	execution.CreatedAt = execution.CreatedAt.UTC()
	execution.UpdatedAt = execution.UpdatedAt.UTC()

	return &execution, nil
}
