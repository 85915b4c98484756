package storage

import (
	"context"
	"path/filepath"
	"testing"
)

func jsonRegistryFactory(t *testing.T, opts ...Option) (Registry, func(), error) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "registry.json")
	store, err := NewJSONRegistry(path, opts...)
	if err != nil {
		return nil, nil, err
	}
	return store, func() {}, nil
}

func sqliteRegistryFactory(t *testing.T, opts ...Option) (Registry, func(), error) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "registry.db")
	reg, err := NewSQLiteRegistry(path, opts...)
	if err != nil {
		return nil, nil, err
	}
	return reg, func() { _ = reg.Close(context.Background()) }, nil
}

func newTestJSONRegistry(t *testing.T, opts ...Option) *JSONRegistry {
	t.Helper()
	store, err := NewJSONRegistry(filepath.Join(t.TempDir(), "registry.json"), opts...)
	if err != nil {
		t.Fatalf("NewJSONRegistry: %v", err)
	}
	return store
}

func newTestSQLiteRegistry(t *testing.T, opts ...Option) *SQLiteRegistry {
	t.Helper()
	reg, err := NewSQLiteRegistry(filepath.Join(t.TempDir(), "registry.db"), opts...)
	if err != nil {
		t.Fatalf("NewSQLiteRegistry: %v", err)
	}
	t.Cleanup(func() { _ = reg.Close(context.Background()) })
	return reg
}
