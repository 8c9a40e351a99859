package database

import (
	"fmt"
	"os"
	"path/filepath"

	"aranet-sync/internal/aranet"
	"aranet-sync/internal/config"
)

// NewStoreFromConfig opens the store selected by the database config type.
// Sqlite stores live in <data_dir>/<hostID>.db and are migrated on open.
func NewStoreFromConfig(cfg config.DatabaseConfig, hostID string, clock aranet.Clock) (*SQLiteStore, error) {
	path, err := PathFromConfig(cfg, hostID)
	if err != nil {
		return nil, err
	}
	if path != ":memory:" {
		if err := os.MkdirAll(cfg.DataDir, 0700); err != nil {
			return nil, fmt.Errorf("creating data_dir: %w", err)
		}
	}
	return NewSQLiteStore(path, clock)
}

// PathFromConfig returns the database file for hostID, or ":memory:".
func PathFromConfig(cfg config.DatabaseConfig, hostID string) (string, error) {
	switch cfg.Type {
	case "sqlite":
		if cfg.DataDir == "" {
			return "", fmt.Errorf("data_dir required for sqlite database")
		}
		return filepath.Join(cfg.DataDir, hostID+".db"), nil
	case "memory":
		return ":memory:", nil
	default:
		return "", fmt.Errorf("unknown database type: %s", cfg.Type)
	}
}
