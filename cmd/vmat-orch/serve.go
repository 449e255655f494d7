package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/hochfrequenz/vmat-orchestrator/internal/casestore"
	"github.com/hochfrequenz/vmat-orchestrator/internal/jobs"
	"github.com/hochfrequenz/vmat-orchestrator/internal/solver"
	"github.com/hochfrequenz/vmat-orchestrator/web/api"
)

var (
	serveHost  string
	servePort  int
	serveWatch bool
)

func init() {
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API and the run manager",
		RunE:  runServe,
	}
	serveCmd.Flags().StringVar(&serveHost, "host", "", "interface to listen on (overrides config)")
	serveCmd.Flags().IntVar(&servePort, "port", 0, "port to listen on (overrides config)")
	serveCmd.Flags().BoolVar(&serveWatch, "watch", true, "reload cases when their files change")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if serveHost != "" {
		cfg.Web.Host = serveHost
	}
	if servePort != 0 {
		cfg.Web.Port = servePort
	}
	logger := newLogger(cfg, os.Stderr)

	st, err := openStack(cfg, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	engine := st.engine()
	health := solver.NewHealth(engine, logger)
	snap := health.Init(ctx)
	logger.Info("solver probed", "backend", snap.Backend, "available", snap.Available, "licensed", snap.Licensed, "error", snap.Error)

	if cfg.Solver.ReprobeCron != "" {
		sched, err := solver.NewReprobeScheduler(cfg.Solver.ReprobeCron, health, logger)
		if err != nil {
			return err
		}
		go sched.Start(ctx)
		defer sched.Stop()
	}

	if serveWatch {
		watcher, err := casestore.NewWatcher(st.cases)
		if err != nil {
			logger.Warn("case watcher disabled", "error", err)
		} else {
			watcher.Start(ctx)
			defer watcher.Stop()
		}
	}

	manager, err := jobs.New(jobs.Options{
		Engine:        engine,
		Health:        health,
		Cases:         st.cases,
		Store:         st.store,
		Index:         st.index,
		Backends:      st.backend,
		Planner:       st.planner(),
		CriteriaDir:   cfg.Criteria.Dir,
		Protocol:      cfg.Criteria.Protocol,
		MaxConcurrent: cfg.Jobs.MaxConcurrent,
		Logger:        logger,
	})
	if err != nil {
		return err
	}
	recovered, err := manager.Recover(ctx)
	if err != nil {
		return fmt.Errorf("recover runs: %w", err)
	}
	if recovered > 0 {
		logger.Warn("runs interrupted by the previous shutdown were marked failed", "count", recovered)
	}

	server := api.NewServer(api.Options{
		Runs:    manager,
		Queries: st.queries(manager, health),
		Health:  health,
		Cases:   st.cases,
		Addr:    cfg.Web.Addr(),
		Logger:  logger,
	})
	serveErr := server.Start(ctx)

	if active := manager.Active(); len(active) > 0 {
		logger.Info("waiting for in-flight runs", "count", len(active))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := manager.Shutdown(shutdownCtx); err != nil {
		logger.Warn("in-flight runs cancelled at shutdown", "error", err)
	}
	return serveErr
}
