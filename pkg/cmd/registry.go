// Package cmd provides common initialization functions for command-line applications.
package cmd

import (
	"errors"
	"fmt"

	"github.com/dukex/sequencer/pkg/definitions/adder"
	"github.com/dukex/sequencer/pkg/definitions/declarative"
	"github.com/dukex/sequencer/pkg/orchestration"
	"github.com/dukex/sequencer/pkg/worker"
)

func registerNativeDefinitions(reg *orchestration.Registry) error {
	definition, err := adder.Definition()
	if err != nil {
		return err
	}

	return reg.Register(definition)
}

func registerDeclarativeDefinitions(reg *orchestration.Registry, definitionsPath string) error {
	definitions, err := declarative.Load(definitionsPath)
	if err != nil {
		return err
	}

	for _, definition := range definitions {
		err = reg.Register(definition)
		if err != nil {
			return err
		}
	}

	return nil
}

// NewRegistry returns the registry of built-in orchestration definitions plus those declared
// in the YAML file at definitionsPath, when set.
func NewRegistry(definitionsPath string) (*orchestration.Registry, error) {
	reg, err := orchestration.NewRegistry()
	if err != nil {
		return nil, err
	}

	err = registerNativeDefinitions(reg)
	if err != nil {
		return nil, fmt.Errorf("failed to register definitions: %w", err)
	}

	if definitionsPath != "" {
		err = registerDeclarativeDefinitions(reg, definitionsPath)
		if err != nil {
			return nil, fmt.Errorf("failed to register declarative definitions: %w", err)
		}
	}

	return reg, nil
}

// NativeHandlers returns the built-in task handlers keyed by capability.
func NativeHandlers() map[string]worker.TaskHandler {
	return map[string]worker.TaskHandler{
		adder.Capability: worker.HandlerFunc(adder.Add),
	}
}

// RegisterHandlers registers every built-in handler that has a route with w and returns
// the addresses it will consume.
func RegisterHandlers(w *worker.Worker, routes orchestration.Routes) ([]string, error) {
	var addresses []string

	for capability, handler := range NativeHandlers() {
		address, ok := routes.Address(capability)
		if !ok {
			continue
		}

		err := w.Register(address, handler)
		if err != nil {
			return nil, fmt.Errorf("failed to register handler %s: %w", capability, err)
		}

		addresses = append(addresses, address)
	}

	if len(addresses) == 0 {
		return nil, errors.New("no route configured for any of the built-in handlers")
	}

	return addresses, nil
}
