package app

import (
	"fmt"
	"strings"

	"github.com/dygje/tgpro/internal/blacklist"
	"github.com/dygje/tgpro/internal/config"
	"github.com/dygje/tgpro/internal/storage"
)

// mapStorageConfig resolves the task/log store. A missing section or the
// "none" driver selects the in-memory store; the engine always needs one.
func mapStorageConfig(cfg *config.Config, d config.Durations) (storage.Config, error) {
	if cfg == nil || cfg.Storage == nil {
		return storage.Config{Driver: "memory"}, nil
	}
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	path := strings.TrimSpace(sc.Path)

	switch driver {
	case "", "none", "memory":
		return storage.Config{Driver: "memory"}, nil
	case "file":
		if path == "" {
			path = "./data"
		}
		return storage.Config{Driver: "file", Path: path}, nil
	case "sqlite", "sqlite3":
		if path == "" {
			return storage.Config{}, fmt.Errorf("storage.path is required when storage.driver=sqlite")
		}
		return storage.Config{Driver: "sqlite", Path: path, BusyTimeout: d.BusyTimeout}, nil
	case "redis":
		return storage.Config{
			Driver:   "redis",
			Addr:     strings.TrimSpace(sc.Addr),
			Password: sc.Password,
			DB:       sc.DB,
			Prefix:   sc.Prefix,
		}, nil
	default:
		return storage.Config{}, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

func mapBlacklistConfig(cfg *config.Config) blacklist.Config {
	bc := cfg.Blacklist
	return blacklist.Config{
		Driver:   strings.ToLower(strings.TrimSpace(bc.Driver)),
		Addr:     strings.TrimSpace(bc.Addr),
		Password: bc.Password,
		DB:       bc.DB,
		Prefix:   bc.Prefix,
	}
}
