package file

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/dukex/sequencer/pkg/models"
	"github.com/dukex/sequencer/pkg/persistence"
)

// ExecutionRepository handles execution file operations. Compare-and-advance is serialized by
// an in-process lock, so a directory must not be shared by several engine processes.
type ExecutionRepository struct {
	root string // File system root for storing executions
	mu   sync.Mutex
}

// NewExecutionRepository creates a new execution repository.
func NewExecutionRepository(root string) *ExecutionRepository {
	return &ExecutionRepository{root: root}
}

func (er *ExecutionRepository) dir() string {
	return filepath.Join(er.root, "executions")
}

func (er *ExecutionRepository) path(executionID string) string {
	return filepath.Join(er.dir(), executionID+".json")
}

// validateExecutionID validates that the execution ID is safe for file operations.
func validateExecutionID(executionID string) error {
	if executionID == "" {
		return errors.New("execution ID cannot be empty")
	}

	// Check for path traversal attempts
	if strings.Contains(executionID, "..") || strings.Contains(executionID, "/") || strings.Contains(executionID, "\\") {
		return errors.New("execution ID contains invalid characters")
	}

	return nil
}

// writeTemp writes the execution to a temporary file in the executions directory.
func (er *ExecutionRepository) writeTemp(execution *models.Execution) (string, error) {
	err := os.MkdirAll(er.dir(), 0750)
	if err != nil {
		return "", fmt.Errorf("failed to create executions directory: %w", err)
	}

	data, err := json.Marshal(execution)
	if err != nil {
		return "", fmt.Errorf("failed to marshal execution %s: %w", execution.ID, err)
	}

	tmp, err := os.CreateTemp(er.dir(), execution.ID+".*.tmp")
	if err != nil {
		return "", fmt.Errorf("failed to create temp file for execution %s: %w", execution.ID, err)
	}

	_, err = tmp.Write(data)
	if err == nil {
		err = tmp.Sync()
	}

	closeErr := tmp.Close()
	if err == nil {
		err = closeErr
	}

	if err != nil {
		_ = os.Remove(tmp.Name())

		return "", fmt.Errorf("failed to write execution %s: %w", execution.ID, err)
	}

	return tmp.Name(), nil
}

// Create writes the execution only if no file exists for its id. The document is written to a
// temp file first and linked into place, so readers never see a partial file.
func (er *ExecutionRepository) Create(_ context.Context, execution *models.Execution) error {
	err := persistence.CheckCreate(execution)
	if err != nil {
		return err
	}

	err = validateExecutionID(execution.ID)
	if err != nil {
		return persistence.NewExecutionError("Create", execution.ID, fmt.Errorf("%w: %w", persistence.ErrInvalidExecution, err))
	}

	tmp, err := er.writeTemp(execution)
	if err != nil {
		return persistence.NewExecutionError("Create", execution.ID, err)
	}

	defer func() {
		_ = os.Remove(tmp)
	}()

	err = os.Link(tmp, er.path(execution.ID))
	if err != nil {
		if os.IsExist(err) {
			return persistence.NewExecutionError("Create", execution.ID, persistence.ErrExecutionAlreadyExists)
		}

		return persistence.NewExecutionError("Create", execution.ID, err)
	}

	return nil
}

// Get retrieves an execution by its ID from the file system.
func (er *ExecutionRepository) Get(_ context.Context, executionID string) (*models.Execution, error) {
	err := validateExecutionID(executionID)
	if err != nil {
		return nil, persistence.NewExecutionError("Get", executionID, persistence.ErrExecutionNotFound)
	}

	return er.read(executionID)
}

func (er *ExecutionRepository) read(executionID string) (*models.Execution, error) {
	data, err := os.ReadFile(er.path(executionID)) // #nosec G304 -- executionID is validated
	if err != nil {
		if os.IsNotExist(err) {
			return nil, persistence.NewExecutionError("Get", executionID, persistence.ErrExecutionNotFound)
		}

		return nil, persistence.NewExecutionError("Get", executionID, fmt.Errorf("failed to read execution: %w", err))
	}

	var execution models.Execution

	err = json.Unmarshal(data, &execution)
	if err != nil {
		return nil, persistence.NewExecutionError("Get", executionID, fmt.Errorf("failed to unmarshal execution: %w", err))
	}

	return &execution, nil
}

// CompareAndAdvance rewrites the execution file through an atomic rename while holding the
// repository lock.
func (er *ExecutionRepository) CompareAndAdvance(_ context.Context, executionID string, expectedStepIndex int, next *models.Execution) (*models.Execution, error) {
	err := persistence.CheckAdvance(executionID, expectedStepIndex, next)
	if err != nil {
		return nil, err
	}

	err = validateExecutionID(executionID)
	if err != nil {
		return nil, persistence.NewExecutionError("CompareAndAdvance", executionID, persistence.ErrExecutionNotFound)
	}

	er.mu.Lock()
	defer er.mu.Unlock()

	current, err := er.read(executionID)
	if err != nil {
		if persistence.IsExecutionNotFound(err) {
			return nil, persistence.NewExecutionError("CompareAndAdvance", executionID, persistence.ErrExecutionNotFound)
		}

		return nil, err
	}

	if current.StepIndex != expectedStepIndex || current.Status.Terminal() {
		return nil, persistence.NewExecutionError("CompareAndAdvance", executionID, persistence.ErrVersionConflict)
	}

	merged := persistence.Advanced(current, next)

	tmp, err := er.writeTemp(merged)
	if err != nil {
		return nil, persistence.NewExecutionError("CompareAndAdvance", executionID, err)
	}

	err = os.Rename(tmp, er.path(executionID))
	if err != nil {
		_ = os.Remove(tmp)

		return nil, persistence.NewExecutionError("CompareAndAdvance", executionID, fmt.Errorf("failed to replace execution file: %w", err))
	}

	return er.read(executionID)
}

// ListByStatus scans the executions directory.
func (er *ExecutionRepository) ListByStatus(ctx context.Context, status models.ExecutionStatus, updatedBefore time.Time, limit int) ([]*models.Execution, error) {
	return er.list(ctx, "ListByStatus", updatedBefore, limit, func(execution *models.Execution) bool {
		return execution.Status == status
	})
}

// ListUndispatched scans the executions directory.
func (er *ExecutionRepository) ListUndispatched(ctx context.Context, updatedBefore time.Time, limit int) ([]*models.Execution, error) {
	return er.list(ctx, "ListUndispatched", updatedBefore, limit, (*models.Execution).AwaitsDispatch)
}

func (er *ExecutionRepository) list(ctx context.Context, op string, updatedBefore time.Time, limit int, match func(*models.Execution) bool) ([]*models.Execution, error) {
	if _, err := os.Stat(er.dir()); os.IsNotExist(err) {
		return []*models.Execution{}, nil
	}

	entries, err := os.ReadDir(er.dir())
	if err != nil {
		return nil, persistence.NewExecutionError(op, "", fmt.Errorf("failed to read executions directory: %w", err))
	}

	var executions []*models.Execution

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}

		execution, err := er.Get(ctx, strings.TrimSuffix(entry.Name(), ".json"))
		if err != nil {
			// Skip invalid files
			continue
		}

		if match(execution) && execution.UpdatedAt.Before(updatedBefore) {
			executions = append(executions, execution)
		}
	}

	sort.Slice(executions, func(i, j int) bool {
		return executions[i].UpdatedAt.Before(executions[j].UpdatedAt)
	})

	if limit > 0 && len(executions) > limit {
		executions = executions[:limit]
	}

	return executions, nil
}
