package memory_test

import (
	"testing"

	"github.com/dukex/sequencer/pkg/persistence"
	"github.com/dukex/sequencer/pkg/persistence/memory"
	"github.com/dukex/sequencer/pkg/persistence/persistencetest"
)

func TestMemoryPersistence(t *testing.T) {
	persistencetest.Run(t, func(t *testing.T) persistence.ExecutionRepository {
		t.Helper()

		return memory.NewPersistence().ExecutionRepository()
	})
}
