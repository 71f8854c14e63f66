package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"metasdb/internal/catalog"
	"metasdb/internal/http"
	"metasdb/pkg/sdb"
)

func main() {
	configPath := flag.String("config", "sdbd.yaml", "path to the YAML config")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "sdbd: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, err := initConfig(configPath)
	if err != nil {
		return err
	}
	initLogger(&cfg)

	opts := []sdb.Option{
		sdb.WithLogger(slog.Default()),
		sdb.WithSoftwareVersion(cfg.SDB.SoftwareVersion),
	}
	var compactor *sdb.Compactor
	if cfg.SDB.Compaction.Enabled {
		compactor = sdb.NewCompactor(cfg.SDB.Compaction.Queue, slog.Default())
		compactor.Start(ctx)
		opts = append(opts, sdb.WithCompactor(compactor))
	}

	reg := sdb.NewRegistry(opts...)
	defer func() {
		if compactor != nil {
			compactor.Stop()
		}
		if err := reg.Close(); err != nil {
			slog.Error("failed to close sdb", "error", err)
		}
	}()

	cat, err := catalog.Open(reg, catalog.Config{
		Dir:        cfg.SDB.Dir,
		SyncWrites: cfg.SDB.SyncWrites,
		Tables:     cfg.Tables,
	})
	if err != nil {
		return fmt.Errorf("open catalog: %w", err)
	}
	if err := initRoot(cat); err != nil {
		return err
	}

	server := http.NewServer(reg, cat, strconv.Itoa(cfg.Server.Port))
	if err := server.Start(); err != nil {
		return err
	}
	slog.Info("sdbd started", "dir", cfg.SDB.Dir, "addr", server.Addr(), "version", reg.Version())

	<-ctx.Done()

	if err := server.Stop(); err != nil {
		slog.Error("error stopping server", "error", err)
	}
	slog.Info("sdbd stopped")
	return nil
}
