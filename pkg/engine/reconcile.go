package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/dukex/sequencer/pkg/models"
	"github.com/dukex/sequencer/pkg/otelhelper"
	"go.opentelemetry.io/otel/attribute"
)

// Reconcile re-sends the awaited request of executions whose dispatch failed after the state
// was persisted and that have been waiting for longer than olderThan. Requests that reached
// the transport are never re-sent, however long their handler takes. Each execution is first
// touched with a compare-and-advance at its current step index, so an execution that advanced
// concurrently is skipped. It returns how many requests were re-sent.
func (e *Engine) Reconcile(ctx context.Context, olderThan time.Duration, limit int) (int, error) {
	ctx, span := otelhelper.StartSpan(ctx, e.tracer, "engine.reconcile")
	defer span.End()

	cutoff := e.now().Add(-olderThan)

	executions, err := e.repository.ListUndispatched(ctx, cutoff, limit)
	if err != nil {
		err = &StoreError{Op: "ListUndispatched", Err: err}
		otelhelper.SetError(span, err)

		return 0, err
	}

	redispatched := 0

	for _, execution := range executions {
		if ctx.Err() != nil {
			return redispatched, ctx.Err()
		}

		ok, err := e.redispatch(ctx, execution)
		if err != nil {
			e.logger.ErrorContext(ctx, "failed to reconcile execution",
				"execution_id", execution.ID,
				"definition_id", execution.DefinitionID,
				"error", err,
			)

			continue
		}

		if ok {
			redispatched++
		}
	}

	span.SetAttributes(attribute.Int("sequencer.reconcile.redispatched", redispatched))

	if len(executions) > 0 {
		e.logger.InfoContext(ctx, "reconciliation finished", "candidates", len(executions), "redispatched", redispatched)
	}

	return redispatched, nil
}

func (e *Engine) redispatch(ctx context.Context, execution *models.Execution) (bool, error) {
	definition, err := e.registry.Get(execution.DefinitionID)
	if err != nil {
		return false, err
	}

	step, ok := definition.Step(execution.StepIndex)
	if !ok {
		return false, fmt.Errorf("step index %d out of range for definition %s", execution.StepIndex, definition.ID())
	}

	payload, err := definition.BuildRequest(execution.StepIndex, execution.Data)
	if err != nil {
		_, err = e.fail(ctx, execution, step.ID, models.ErrorKindBuild, err)

		return false, err
	}

	touched, err := e.repository.CompareAndAdvance(ctx, execution.ID, execution.StepIndex, &models.Execution{
		Data:      execution.Data,
		StepIndex: execution.StepIndex,
		Status:    models.ExecutionStatusWaitingForResponse,
		UpdatedAt: e.now(),
	})
	if err != nil {
		err = storeError("CompareAndAdvance", execution.ID, execution.StepIndex, err)
		if IsConflict(err) {
			return false, nil
		}

		return false, err
	}

	_, err = e.dispatch(ctx, touched, step, payload)
	if err != nil {
		return false, err
	}

	e.logger.InfoContext(ctx, "step request re-sent",
		"execution_id", execution.ID,
		"definition_id", execution.DefinitionID,
		"step_id", step.ID,
	)

	return true, nil
}
