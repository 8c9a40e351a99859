package testutil

import (
	"testing"

	"aranet-sync/internal/aranet"
	"aranet-sync/internal/database"
)

// NewTestStore creates a new in-memory SQLite store with the schema applied.
// The store is automatically closed when the test completes. A nil clock
// uses FixedClock.
func NewTestStore(t *testing.T, clock aranet.Clock) *database.SQLiteStore {
	t.Helper()

	if clock == nil {
		clock = FixedClock()
	}
	store, err := database.NewSQLiteStore(":memory:", clock)
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}

	t.Cleanup(func() {
		store.Close()
	})

	return store
}
