package store

import (
	"fmt"

	"propwatch/internal/domain"
)

// Store is what the runtime persists to.
type Store interface {
	domain.ActionStore
	domain.RunLog
	Close() error
}

// Kinds accepted by Open.
const (
	KindMemory = "memory"
	KindFile   = "file"
	KindSQLite = "sqlite"
)

// Open builds the store named by kind. path is a directory for the file
// store and a database file for SQLite; the memory store ignores it.
func Open(kind, path string, maxRuns int) (Store, error) {
	switch kind {
	case "", KindMemory:
		return NewMemoryStore(maxRuns), nil
	case KindFile:
		return NewFileStore(path, maxRuns)
	case KindSQLite:
		return NewSQLiteStore(path, maxRuns)
	default:
		return nil, domain.NewDomainError("store.Open", domain.ErrInvalidInput, fmt.Sprintf("unknown store kind %q", kind))
	}
}
