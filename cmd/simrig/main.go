package main

import (
	"log"
	"os"
	"time"

	"github.com/cdelaunay/simrig/internal/api"
	"github.com/cdelaunay/simrig/internal/config"
	"github.com/cdelaunay/simrig/internal/dispatcher"
	"github.com/cdelaunay/simrig/internal/engine"
	"github.com/cdelaunay/simrig/internal/engine/simstub"
	"github.com/cdelaunay/simrig/internal/pool"
	"github.com/cdelaunay/simrig/internal/store"
)

const readyTimeout = 30 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	logger := config.NewLogger(os.Stdout, cfg.Level())

	logger.Info("simrig: starting",
		"workers", cfg.Workers,
		"engine", cfg.Engine,
		"listen_addr", cfg.ListenAddr,
		"db_path", cfg.DBPath,
	)

	db, err := store.NewSQLiteStore(cfg.DBPath)
	if err != nil {
		log.Fatalf("failed to open database: %v", err)
	}
	defer db.Close()

	factories := engine.NewFactories()
	if err := simstub.Register(factories); err != nil {
		log.Fatalf("register engines: %v", err)
	}
	def, err := factories.Resolve(cfg.Engine)
	if err != nil {
		log.Fatalf("resolve engine: %v", err)
	}

	broker := dispatcher.NewLogBroker()

	workers, err := pool.Launch(pool.LaunchOptions{
		Workers:  cfg.Workers,
		Bin:      cfg.WorkerBin,
		Engine:   cfg.Engine,
		Scene:    cfg.Scene,
		GUI:      cfg.GUI,
		Capacity: cfg.Capacity,
		Methods:  def.Methods,
		Logger:   logger,
		Recorder: db,
		Broker:   broker,
	})
	if err != nil {
		log.Fatalf("launch workers: %v", err)
	}
	defer func() {
		if err := workers.Close(); err != nil {
			logger.Error("close pool", "error", err)
		}
	}()

	if err := workers.WaitReady(readyTimeout); err != nil {
		log.Fatalf("workers not ready: %v", err)
	}
	logger.Info("all workers ready", "count", workers.Size())

	srv := api.NewServer(cfg.ListenAddr, workers, db, broker, logger)

	if err := srv.Run(); err != nil {
		log.Fatalf("server error: %v", err)
	}
}
