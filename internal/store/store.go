package store

import (
	"context"
	"fmt"
	"strings"
)

// RecordStore is a durable key-value map holding cache records, the
// records manifest and the offline queue.
type RecordStore interface {
	// Get returns the value for key or ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	// Remove deletes key. Removing an absent key is not an error.
	Remove(ctx context.Context, key string) error
	Keys(ctx context.Context) ([]string, error)
	Close() error
}

// Versioned is implemented by stores that persist the configured schema
// version and can tell whether it changed since the previous open.
type Versioned interface {
	VersionChanged() bool
}

// Driver names accepted by Open.
const (
	DriverSQLite = "sqlite"
	DriverMemory = "memory"
)

// Config selects and configures a RecordStore.
type Config struct {
	Driver   string
	Path     string
	Name     string
	Version  int
	Compress bool
}

// Open returns the RecordStore selected by cfg.Driver.
func Open(cfg Config) (RecordStore, error) {
	switch strings.ToLower(cfg.Driver) {
	case DriverSQLite, "":
		return NewSQLiteStore(cfg)
	case DriverMemory:
		return NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownDriver, cfg.Driver)
	}
}
