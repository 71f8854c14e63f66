package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"metasdb/internal/catalog"
	"metasdb/pkg/config"
	"metasdb/pkg/dberrors"
)

const defaultRootPassword = "taosdata"

// initConfig loads the YAML config. A missing file yields config.Default().
func initConfig(path string) (config.Config, error) {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		slog.Info("config file not found, using default config", "path", path)
	}
	return config.Load(path)
}

// initLogger installs the global slog.Logger (JSON or text).
func initLogger(cfg *config.Config) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.ToUpper(cfg.Logger.Level))); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{AddSource: true, Level: level}

	var handler slog.Handler
	if cfg.Logger.JSON {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	slog.SetDefault(slog.New(handler))
	slog.Info("logger initialized", "level", level, "json", cfg.Logger.JSON)
}

// initRoot creates the root user on a fresh catalog.
func initRoot(cat *catalog.Catalog) error {
	if _, err := cat.GetUser("root"); !errors.Is(err, dberrors.ErrNotFound) {
		return err
	}
	password := os.Getenv("SDB_ROOT_PASSWORD")
	if password == "" {
		password = defaultRootPassword
	}
	if _, err := cat.CreateUser("root", password, "", true); err != nil {
		return fmt.Errorf("create root user: %w", err)
	}
	return nil
}
