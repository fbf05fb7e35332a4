// Package factory provides functions for creating storage backends based on configuration.
package factory

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/peace-maker/anthill/internal/config"
	"github.com/peace-maker/anthill/internal/storage"
	"github.com/peace-maker/anthill/internal/storage/memory"
	"github.com/peace-maker/anthill/internal/storage/sqlstore"
)

// BackendFactory is a function that creates a storage backend
type BackendFactory func(ctx context.Context, cfg *config.Config, opts Options) (storage.Storage, error)

// backendRegistry holds registered backend factories
var backendRegistry = map[string]BackendFactory{
	config.BackendSQLite: newSQLite,
	config.BackendMySQL:  newMySQL,
	config.BackendMemory: newMemory,
}

// RegisterBackend registers a storage backend factory
func RegisterBackend(name string, factory BackendFactory) {
	backendRegistry[name] = factory
}

// Options configures how the storage backend is opened
type Options struct {
	// ReadOnly opens an existing database for reporting next to a live engine.
	ReadOnly bool
}

// New creates the storage backend selected by cfg.Storage.Backend.
func New(ctx context.Context, cfg *config.Config) (storage.Storage, error) {
	return NewWithOptions(ctx, cfg, Options{})
}

// NewWithOptions creates a storage backend with the specified options.
func NewWithOptions(ctx context.Context, cfg *config.Config, opts Options) (storage.Storage, error) {
	backend := cfg.Storage.Backend
	if backend == "" {
		backend = config.BackendSQLite
	}
	if factory, ok := backendRegistry[backend]; ok {
		return factory(ctx, cfg, opts)
	}
	return nil, fmt.Errorf("unknown storage backend: %s (supported: %s)", backend, strings.Join(Backends(), ", "))
}

// Backends lists the registered backend names.
func Backends() []string {
	names := make([]string, 0, len(backendRegistry))
	for name := range backendRegistry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func newSQLite(ctx context.Context, cfg *config.Config, opts Options) (storage.Storage, error) {
	if opts.ReadOnly {
		return sqlstore.OpenSQLiteReadOnly(ctx, cfg.SQLitePath())
	}
	return sqlstore.OpenSQLite(ctx, cfg.SQLitePath())
}

func newMySQL(ctx context.Context, cfg *config.Config, _ Options) (storage.Storage, error) {
	m := cfg.Storage.MySQL
	return sqlstore.OpenMySQL(ctx, sqlstore.MySQLConfig{
		Host:     m.Host,
		Port:     m.Port,
		User:     m.User,
		Password: m.Password,
		Database: m.Database,
		TLS:      m.TLS,
	})
}

func newMemory(_ context.Context, _ *config.Config, _ Options) (storage.Storage, error) {
	return memory.New(), nil
}
