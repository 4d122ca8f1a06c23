package storage

import (
	"fmt"
	"net/url"
	"strings"
	"sync"
)

// BackendFactory builds a Backend from a DSN.
type BackendFactory func(dsn string) (Backend, error)

var backendFactoryRegistry = struct {
	mu        sync.RWMutex
	factories map[string]BackendFactory
}{
	factories: map[string]BackendFactory{},
}

// RegisterBackendFactory installs a factory for a DSN scheme, overriding
// any built-in handling of that scheme.
func RegisterBackendFactory(scheme string, factory BackendFactory) {
	scheme = normalizeScheme(scheme)
	if scheme == "" || factory == nil {
		return
	}
	backendFactoryRegistry.mu.Lock()
	defer backendFactoryRegistry.mu.Unlock()
	backendFactoryRegistry.factories[scheme] = factory
}

func lookupBackendFactory(scheme string) (BackendFactory, bool) {
	scheme = normalizeScheme(scheme)
	backendFactoryRegistry.mu.RLock()
	defer backendFactoryRegistry.mu.RUnlock()
	factory, ok := backendFactoryRegistry.factories[scheme]
	return factory, ok
}

// NewBackendFromDSN resolves a DSN to a backend: bare paths and file: DSNs
// open the embedded SQLite store, postgres:// DSNs the Postgres store,
// memory:// an in-process store.
func NewBackendFromDSN(dsn string) (Backend, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	scheme := ""
	if parsed, err := url.Parse(dsn); err == nil {
		scheme = normalizeScheme(parsed.Scheme)
	}
	if factory, ok := lookupBackendFactory(scheme); ok {
		return factory(dsn)
	}
	switch scheme {
	case "", "file", "sqlite":
		return NewSQLiteBackend(strings.TrimPrefix(dsn, "sqlite:"))
	case "postgres", "postgresql":
		return NewPostgresBackend(dsn)
	case "memory", "mem", "inmem":
		return NewMemoryBackend(), nil
	default:
		return nil, fmt.Errorf("unsupported storage backend scheme: %s", scheme)
	}
}

func normalizeScheme(scheme string) string {
	return strings.ToLower(strings.TrimSpace(scheme))
}
