package store_test

import (
	"testing"

	"github.com/civicpoll/backend/internal/store"
	"github.com/civicpoll/backend/internal/store/storetest"
)

func TestMemoryStore(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Store {
		return store.NewMemory()
	})
}
