// Package helpers provides shared fixtures for package tests.
package helpers

import (
	"testing"

	"github.com/xiaot623/supportdesk/internal/repository"
)

// NewTestSQLiteStore returns an in-memory SQLite store closed at test cleanup.
func NewTestSQLiteStore(t *testing.T) *repository.SQLiteStore {
	t.Helper()

	s, err := repository.NewSQLiteStore(":memory:", repository.Options{})
	if err != nil {
		t.Fatalf("failed to create sqlite store: %v", err)
	}

	t.Cleanup(func() {
		_ = s.Close()
	})

	return s
}
