package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/hochfrequenz/vmat-orchestrator/internal/artifacts"
	"github.com/hochfrequenz/vmat-orchestrator/internal/casestore"
	"github.com/hochfrequenz/vmat-orchestrator/internal/config"
	"github.com/hochfrequenz/vmat-orchestrator/internal/dose"
	"github.com/hochfrequenz/vmat-orchestrator/internal/query"
	"github.com/hochfrequenz/vmat-orchestrator/internal/runstore"
	"github.com/hochfrequenz/vmat-orchestrator/internal/solver"
)

func loadConfig() (*config.Config, error) {
	return config.LoadWithLocalFallback(configPath)
}

func newLogger(cfg *config.Config, w io.Writer) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.General.LogLevel)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.General.LogFormat == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// stack holds the storage layers shared by every command
type stack struct {
	cfg     *config.Config
	logger  *slog.Logger
	store   *artifacts.Store
	index   *runstore.Store
	cases   *casestore.Store
	backend solver.Backends
}

func openStack(cfg *config.Config, logger *slog.Logger) (*stack, error) {
	store, err := artifacts.New(cfg.General.RunsDir)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(cfg.General.DatabasePath), 0o755); err != nil {
		return nil, err
	}
	index, err := runstore.New(cfg.General.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("open run index: %w", err)
	}

	opts := casestore.Options{Manifests: store, Logger: logger}
	if cfg.Dataset.Enabled() {
		dl, err := casestore.NewDownloader(casestore.BucketConfig{
			Endpoint:  cfg.Dataset.Endpoint,
			AccessKey: cfg.Dataset.AccessKey,
			SecretKey: cfg.Dataset.SecretKey,
			Region:    cfg.Dataset.Region,
			UseSSL:    cfg.Dataset.UseSSL,
			Bucket:    cfg.Dataset.Bucket,
			Prefix:    cfg.Dataset.Prefix,
		})
		if err != nil {
			index.Close()
			return nil, fmt.Errorf("dataset: %w", err)
		}
		opts.Fetcher = dl
	}
	cases, err := casestore.New(cfg.General.DataDir, opts)
	if err != nil {
		index.Close()
		return nil, err
	}

	return &stack{
		cfg:     cfg,
		logger:  logger,
		store:   store,
		index:   index,
		cases:   cases,
		backend: solver.Backends{Preferred: cfg.Solver.Preferred, Fallback: cfg.Solver.Fallback},
	}, nil
}

func (s *stack) Close() error {
	return s.index.Close()
}

func (s *stack) engine() *solver.CommandEngine {
	eng := solver.NewCommandEngine(s.cfg.Solver.Command, s.cfg.Solver.Args, s.logger)
	if g := s.cfg.Solver.TimeGrace.Std(); g > 0 {
		eng.Grace = g
	}
	return eng
}

func (s *stack) planner() dose.Planner {
	return dose.Planner{
		Threshold:       s.cfg.Jobs.DoseDeferThreshold.Std(),
		VoxelsPerSecond: s.cfg.Jobs.DoseVoxelsPerSec,
		AlwaysDefer:     s.cfg.Jobs.AlwaysDeferDose,
		Timings:         s.index,
	}
}

// queries builds a read-only query service. Without a running manager the
// dose stage is derived from the artifacts on disk.
func (s *stack) queries(stages query.StageSource, health query.HealthSource) *query.Service {
	return query.New(query.Options{
		Store:       s.store,
		Index:       s.index,
		Stages:      stages,
		Cases:       s.cases,
		Health:      health,
		CriteriaDir: s.cfg.Criteria.Dir,
		Protocol:    s.cfg.Criteria.Protocol,
		Logger:      s.logger,
	})
}

// resolveRunID accepts a full run id or a unique prefix of one
func (s *stack) resolveRunID(arg string) (string, error) {
	if _, err := s.store.LoadRun(arg); err == nil {
		return arg, nil
	}
	ids, err := s.store.ListRunIDs()
	if err != nil {
		return "", err
	}
	var match []string
	for _, id := range ids {
		if strings.HasPrefix(id, arg) {
			match = append(match, id)
		}
	}
	switch len(match) {
	case 0:
		return "", fmt.Errorf("no run matches %q", arg)
	case 1:
		return match[0], nil
	}
	return "", fmt.Errorf("%q matches %d runs", arg, len(match))
}
