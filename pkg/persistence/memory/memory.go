// Package memory provides an in-process execution store for tests and local development.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/dukex/sequencer/pkg/models"
	"github.com/dukex/sequencer/pkg/persistence"
)

// Persistence keeps executions in a map. Records are cloned on the way in and out, so callers
// never share state with the store.
type Persistence struct {
	mu         sync.Mutex
	executions map[string]*models.Execution
}

func NewPersistence() *Persistence {
	return &Persistence{executions: make(map[string]*models.Execution)}
}

func (p *Persistence) ExecutionRepository() persistence.ExecutionRepository {
	return p
}

func (p *Persistence) HealthCheck(_ context.Context) error {
	return nil
}

func (p *Persistence) Close(_ context.Context) error {
	return nil
}

func (p *Persistence) Create(_ context.Context, execution *models.Execution) error {
	err := persistence.CheckCreate(execution)
	if err != nil {
		return err
	}

	stored, err := execution.Clone()
	if err != nil {
		return persistence.NewExecutionError("Create", execution.ID, err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if _, exists := p.executions[execution.ID]; exists {
		return persistence.NewExecutionError("Create", execution.ID, persistence.ErrExecutionAlreadyExists)
	}

	p.executions[execution.ID] = stored

	return nil
}

func (p *Persistence) Get(_ context.Context, executionID string) (*models.Execution, error) {
	p.mu.Lock()
	stored, ok := p.executions[executionID]
	p.mu.Unlock()

	if !ok {
		return nil, persistence.NewExecutionError("Get", executionID, persistence.ErrExecutionNotFound)
	}

	return stored.Clone()
}

func (p *Persistence) CompareAndAdvance(_ context.Context, executionID string, expectedStepIndex int, next *models.Execution) (*models.Execution, error) {
	err := persistence.CheckAdvance(executionID, expectedStepIndex, next)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	current, ok := p.executions[executionID]
	if !ok {
		return nil, persistence.NewExecutionError("CompareAndAdvance", executionID, persistence.ErrExecutionNotFound)
	}

	if current.StepIndex != expectedStepIndex || current.Status.Terminal() {
		return nil, persistence.NewExecutionError("CompareAndAdvance", executionID, persistence.ErrVersionConflict)
	}

	merged, err := persistence.Advanced(current, next).Clone()
	if err != nil {
		return nil, persistence.NewExecutionError("CompareAndAdvance", executionID, err)
	}

	p.executions[executionID] = merged

	return merged.Clone()
}

func (p *Persistence) ListByStatus(_ context.Context, status models.ExecutionStatus, updatedBefore time.Time, limit int) ([]*models.Execution, error) {
	return p.list(updatedBefore, limit, func(execution *models.Execution) bool {
		return execution.Status == status
	})
}

func (p *Persistence) ListUndispatched(_ context.Context, updatedBefore time.Time, limit int) ([]*models.Execution, error) {
	return p.list(updatedBefore, limit, (*models.Execution).AwaitsDispatch)
}

func (p *Persistence) list(updatedBefore time.Time, limit int, match func(*models.Execution) bool) ([]*models.Execution, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var matches []*models.Execution

	for _, execution := range p.executions {
		if match(execution) && execution.UpdatedAt.Before(updatedBefore) {
			matches = append(matches, execution)
		}
	}

	sort.Slice(matches, func(i, j int) bool {
		return matches[i].UpdatedAt.Before(matches[j].UpdatedAt)
	})

	if limit > 0 && len(matches) > limit {
		matches = matches[:limit]
	}

	result := make([]*models.Execution, 0, len(matches))

	for _, execution := range matches {
		clone, err := execution.Clone()
		if err != nil {
			return nil, err
		}

		result = append(result, clone)
	}

	return result, nil
}
