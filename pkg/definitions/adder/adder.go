// Package adder provides the two-step adder orchestration and the "add" task handler it calls.
//
// Starting with {x, y, z} the execution asks the handler for x+y, then for z+total, and
// completes with {total}.
package adder

import (
	"context"
	"errors"
	"fmt"

	"github.com/dukex/sequencer/pkg/orchestration"
)

const (
	DefinitionID = "adder"
	Capability   = "add"

	StepAddXY     = "AddXY"
	StepAddZTotal = "AddZTotal"
)

const inputSchema = `{
	"type": "object",
	"required": ["x", "y", "z"],
	"properties": {
		"x": {"type": "number"},
		"y": {"type": "number"},
		"z": {"type": "number"}
	}
}`

// Definition builds the adder orchestration definition.
func Definition() (*orchestration.Definition, error) {
	return orchestration.Build(
		DefinitionID,
		[]orchestration.StepSpec{
			{
				ID:      StepAddXY,
				Handler: Capability,
				BuildRequest: func(data orchestration.Data) (orchestration.Payload, error) {
					return orchestration.Payload{"value1": data["x"], "value2": data["y"]}, nil
				},
				ApplyResponse: applyTotal,
			},
			{
				ID:      StepAddZTotal,
				Handler: Capability,
				BuildRequest: func(data orchestration.Data) (orchestration.Payload, error) {
					return orchestration.Payload{"value1": data["z"], "value2": data["total"]}, nil
				},
				ApplyResponse: applyTotal,
			},
		},
		func(input map[string]any) (orchestration.Data, error) {
			return orchestration.Data{"x": input["x"], "y": input["y"], "z": input["z"]}, nil
		},
		func(data orchestration.Data) (map[string]any, error) {
			total, ok := data["total"]
			if !ok {
				return nil, errors.New("no total computed")
			}

			return map[string]any{"total": total}, nil
		},
		orchestration.WithInputSchema(inputSchema),
	)
}

func applyTotal(data orchestration.Data, response orchestration.Payload) (orchestration.Data, error) {
	total, err := number(response["total"])
	if err != nil {
		return nil, fmt.Errorf("total: %w", err)
	}

	data["total"] = total

	return data, nil
}

// Add is the task handler behind the "add" capability: {value1, value2} -> {total}.
func Add(_ context.Context, payload map[string]any) (map[string]any, error) {
	value1, err := number(payload["value1"])
	if err != nil {
		return nil, fmt.Errorf("value1: %w", err)
	}

	value2, err := number(payload["value2"])
	if err != nil {
		return nil, fmt.Errorf("value2: %w", err)
	}

	return map[string]any{"total": value1 + value2}, nil
}

func number(v any) (float64, error) {
	switch n := v.(type) {
	case float64:
		return n, nil
	case float32:
		return float64(n), nil
	case int:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case nil:
		return 0, errors.New("missing number")
	default:
		return 0, fmt.Errorf("expected a number, got %T", v)
	}
}
