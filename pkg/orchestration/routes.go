package orchestration

import (
	"fmt"
	"sort"
	"strings"
)

// Routes is the static routing table from handler capability to transport address.
type Routes map[string]string

// Address returns the transport address serving the handler capability.
func (r Routes) Address(handler string) (string, bool) {
	address, ok := r[handler]
	if !ok || address == "" {
		return "", false
	}

	return address, true
}

// Validate checks that every step of every registered definition has a route.
func (r Routes) Validate(registry *Registry) error {
	var missing []string

	for _, definition := range registry.Definitions() {
		for _, handler := range definition.Handlers() {
			if _, ok := r.Address(handler); !ok {
				missing = append(missing, fmt.Sprintf("%s (definition %s)", handler, definition.ID()))
			}
		}
	}

	if len(missing) > 0 {
		sort.Strings(missing)

		return NewValidationError("", "no route for handlers: "+strings.Join(missing, ", "))
	}

	return nil
}
