package factory

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/loykin/beaconvisor/internal/store"
	pg "github.com/loykin/beaconvisor/internal/store/postgres"
	sq "github.com/loykin/beaconvisor/internal/store/sqlite"
	"github.com/loykin/beaconvisor/internal/store/sqlstore"
)

// Builder creates a store from config.
type Builder func(cfg store.Config) (store.Store, error)

var (
	mu       sync.RWMutex
	builders = map[string]Builder{}
)

func init() {
	RegisterStoreType("memory", func(store.Config) (store.Store, error) { return store.NewMemory(), nil })
	RegisterStoreType("sqlite", func(cfg store.Config) (store.Store, error) {
		db, err := sq.New(strings.TrimPrefix(cfg.DSN, "sqlite://"), cfg.TablePrefix)
		if err != nil {
			return nil, err
		}
		tune(db.DB, cfg)
		return db, nil
	})
	pgBuilder := func(cfg store.Config) (store.Store, error) {
		db, err := pg.New(cfg.DSN, cfg.TablePrefix)
		if err != nil {
			return nil, err
		}
		tune(db.DB, cfg)
		return db, nil
	}
	RegisterStoreType("postgres", pgBuilder)
	RegisterStoreType("postgresql", pgBuilder)
}

// RegisterStoreType adds or replaces a backend.
func RegisterStoreType(storeType string, b Builder) {
	mu.Lock()
	builders[storeType] = b
	mu.Unlock()
}

// SupportedTypes lists registered backends in sorted order.
func SupportedTypes() []string {
	mu.RLock()
	types := make([]string, 0, len(builders))
	for t := range builders {
		types = append(types, t)
	}
	mu.RUnlock()
	sort.Strings(types)
	return types
}

// New builds the backend named by cfg.Type. An empty type is inferred from the DSN.
func New(cfg store.Config) (store.Store, error) {
	t := strings.ToLower(strings.TrimSpace(cfg.Type))
	if t == "" {
		if strings.TrimSpace(cfg.DSN) == "" {
			t = "memory"
		} else {
			t = typeFromDSN(cfg.DSN)
		}
	}
	mu.RLock()
	b, ok := builders[t]
	mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unsupported store type: %s (supported: %v)", cfg.Type, SupportedTypes())
	}
	return b(cfg)
}

// NewFromDSN selects a store implementation based on DSN.
// Supported:
//   - sqlite:  "sqlite://<path>" or bare filepath (treated as sqlite)
//   - postgres: DSN starting with "postgres://" or "postgresql://"
func NewFromDSN(dsn string) (store.Store, error) {
	d := strings.TrimSpace(dsn)
	if d == "" {
		return nil, errors.New("empty DSN")
	}
	return New(store.Config{Type: typeFromDSN(d), DSN: d})
}

func typeFromDSN(dsn string) string {
	ld := strings.ToLower(strings.TrimSpace(dsn))
	if strings.HasPrefix(ld, "postgres://") || strings.HasPrefix(ld, "postgresql://") {
		return "postgres"
	}
	return "sqlite"
}

func tune(db *sqlstore.DB, cfg store.Config) {
	if cfg.MaxOpenConns > 0 {
		db.SQL().SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SQL().SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxAge > 0 {
		db.SQL().SetConnMaxLifetime(cfg.ConnMaxAge)
	}
}
