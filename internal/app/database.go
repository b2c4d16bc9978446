package app

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/glebarez/sqlite"
	"github.com/jackc/pgx/v5/pgxpool"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/MarkoPoloResearchLab/envpool/internal/store/badgerstore"
	"github.com/MarkoPoloResearchLab/envpool/internal/store/gormstore"
	"github.com/MarkoPoloResearchLab/envpool/internal/store/memstore"
	"github.com/MarkoPoloResearchLab/envpool/internal/store/pgstore"
	"github.com/MarkoPoloResearchLab/envpool/pkg/pool"
)

// Stores bundles the three persistence contracts; every driver serves all of them from one store.
type Stores struct {
	Accounts     pool.AccountStore
	Reservations pool.ReservationStore
	Events       pool.EventStore
}

type fullStore interface {
	pool.AccountStore
	pool.ReservationStore
	pool.EventStore
}

func storesOf(store fullStore) Stores {
	return Stores{Accounts: store, Reservations: store, Events: store}
}

// OpenStores opens the configured store and returns it with its close function.
func OpenStores(ctx context.Context, cfg Config) (Stores, func() error, error) {
	switch cfg.StoreDriver {
	case StoreDriverMemory:
		return storesOf(memstore.New()), func() error { return nil }, nil
	case StoreDriverBadger:
		store, err := badgerstore.Open(cfg.BadgerPath)
		if err != nil {
			return Stores{}, nil, fmt.Errorf("badger open: %w", err)
		}
		return storesOf(store), store.Close, nil
	case StoreDriverPgx:
		connectionPool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return Stores{}, nil, fmt.Errorf("pgx pool: %w", err)
		}
		store := pgstore.New(connectionPool)
		if err := store.Migrate(ctx); err != nil {
			connectionPool.Close()
			return Stores{}, nil, err
		}
		return storesOf(store), func() error { connectionPool.Close(); return nil }, nil
	default:
		gormDB, closeDB, err := openDatabase(ctx, cfg.DatabaseURL)
		if err != nil {
			return Stores{}, nil, fmt.Errorf("database open: %w", err)
		}
		store := gormstore.New(gormDB)
		if err := store.Migrate(ctx); err != nil {
			_ = closeDB()
			return Stores{}, nil, err
		}
		return storesOf(store), closeDB, nil
	}
}

func openDatabase(ctx context.Context, dsn string) (*gorm.DB, func() error, error) {
	driver, sqlitePath, err := resolveDriver(dsn)
	if err != nil {
		return nil, nil, err
	}

	var db *gorm.DB
	cfg := &gorm.Config{}
	switch driver {
	case "postgres":
		db, err = gorm.Open(postgres.Open(dsn), cfg)
	case "sqlite":
		db, err = gorm.Open(sqlite.Open(sqlitePath), cfg)
	default:
		return nil, nil, fmt.Errorf("unsupported database scheme %q", driver)
	}
	if err != nil {
		return nil, nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, nil, err
	}
	if driver == "sqlite" {
		// SQLite serializes writers; one connection keeps conditional updates from failing with SQLITE_BUSY.
		sqlDB.SetMaxOpenConns(1)
	}
	return db.WithContext(ctx), sqlDB.Close, nil
}

func resolveDriver(dsn string) (string, string, error) {
	if isPostgresURL(dsn) {
		return "postgres", "", nil
	}
	if strings.HasPrefix(dsn, "sqlite://") {
		u, err := url.Parse(dsn)
		if err != nil {
			return "", "", fmt.Errorf("parse sqlite url: %w", err)
		}
		path := u.Path
		if path == "" {
			path = u.Host
		}
		if path == "" || path == "/" {
			path = "envpool.db"
		}
		sqlitePath, err := normalizeSQLitePath(path)
		return "sqlite", sqlitePath, err
	}
	sqlitePath, err := normalizeSQLitePath(dsn)
	return "sqlite", sqlitePath, err
}

func normalizeSQLitePath(path string) (string, error) {
	if path == ":memory:" {
		return path, nil
	}
	if strings.HasPrefix(path, "/") {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return "", err
		}
		return path, nil
	}
	abs := filepath.Join(".", path)
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return "", err
	}
	return abs, nil
}
