package main

import (
	"log"
	"os"

	"github.com/mgrady/taskvisor/internal/api"
	"github.com/mgrady/taskvisor/internal/config"
	"github.com/mgrady/taskvisor/internal/engine"
	"github.com/mgrady/taskvisor/internal/runner"
	"github.com/mgrady/taskvisor/internal/store"
)

func main() {
	cfg := config.Load()
	logger := config.NewLogger(os.Stdout, cfg.LogLevel)

	logger.Info("taskvisor: starting",
		"listen_addr", cfg.ListenAddr,
		"db_path", cfg.DBPath,
		"supervisor", cfg.Name,
	)

	db, err := store.NewSQLiteStore(cfg.DBPath)
	if err != nil {
		log.Fatalf("failed to open database: %v", err)
	}
	defer db.Close()

	reg := runner.NewRegistry()
	reg.Register("exec", runner.Exec)
	reg.Register("sleep", runner.Sleep)

	eng, err := engine.NewEngine(db, reg, cfg.SupervisorConfig(), cfg.DefaultTimeoutS, logger)
	if err != nil {
		log.Fatalf("failed to start supervisor: %v", err)
	}

	srv := api.NewServer(cfg.ListenAddr, db, reg, eng, logger)

	if err := srv.Run(); err != nil {
		log.Fatalf("server error: %v", err)
	}
}
