// Package query serves read-only views of runs, cases and solver health.
// Every answer is assembled from what is durably on disk, so a view never
// mixes a status with artifacts it does not promise.
package query

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/hochfrequenz/vmat-orchestrator/internal/artifacts"
	"github.com/hochfrequenz/vmat-orchestrator/internal/casestore"
	"github.com/hochfrequenz/vmat-orchestrator/internal/criteria"
	"github.com/hochfrequenz/vmat-orchestrator/internal/domain"
	"github.com/hochfrequenz/vmat-orchestrator/internal/dose"
	"github.com/hochfrequenz/vmat-orchestrator/internal/runstore"
	"github.com/hochfrequenz/vmat-orchestrator/internal/solver"
)

// ErrNoReference is returned for cases that ship without a reference dose
var ErrNoReference = fmt.Errorf("reference plan %w", domain.ErrNotFound)

// RunIndex lists runs without scanning the artifact store
type RunIndex interface {
	ListRuns(opts runstore.ListOptions) ([]*domain.Run, error)
	LatestCompleted(caseID string) (*domain.Run, error)
}

// StageSource reports the dose stage of in-flight runs
type StageSource interface {
	DoseStage(runID string) domain.DoseStage
}

// CaseSource provides case snapshots and manifests
type CaseSource interface {
	Load(ctx context.Context, caseID string) (*domain.Case, error)
	Manifest(ctx context.Context, caseID string) (*domain.CaseManifest, error)
	List() ([]string, error)
	OnChange(fn casestore.ChangeFunc)
}

// HealthSource provides the solver health snapshot
type HealthSource interface {
	Snapshot() solver.ProbeResult
}

// Options configures a Service
type Options struct {
	Store       *artifacts.Store
	Index       RunIndex
	Stages      StageSource
	Cases       CaseSource
	Health      HealthSource
	CriteriaDir string
	Protocol    string
	Logger      *slog.Logger
}

// RunView is the answer to a run poll
type RunView struct {
	domain.Run
	Artifacts *domain.RunArtifacts `json:"artifacts,omitempty"`
	// Stale marks artifacts of a failed run: whatever was written before
	// the failure, never a complete result.
	Stale     bool             `json:"stale"`
	DoseStage domain.DoseStage `json:"dose_stage"`
	// PreviousRunID and Previous carry the latest completed run of the same
	// case while this run's dose is still pending.
	PreviousRunID string               `json:"previous_run_id,omitempty"`
	Previous      *domain.RunArtifacts `json:"previous_artifacts,omitempty"`
}

// Service answers queries
type Service struct {
	store       *artifacts.Store
	index       RunIndex
	stages      StageSource
	cases       CaseSource
	health      HealthSource
	criteriaDir string
	protocol    string
	logger      *slog.Logger

	group      singleflight.Group
	mu         sync.Mutex
	references map[string]*domain.RunArtifacts
}

// New creates a Service. The reference cache is dropped for a case whenever
// the case source reports a change.
func New(opts Options) *Service {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	protocol := opts.Protocol
	if protocol == "" {
		protocol = criteria.DefaultProtocol
	}
	s := &Service{
		store:       opts.Store,
		index:       opts.Index,
		stages:      opts.Stages,
		cases:       opts.Cases,
		health:      opts.Health,
		criteriaDir: opts.CriteriaDir,
		protocol:    protocol,
		logger:      logger,
		references:  make(map[string]*domain.RunArtifacts),
	}
	if s.cases != nil {
		s.cases.OnChange(s.invalidateReference)
	}
	return s
}

// GetRun returns a self-consistent snapshot of a run
func (s *Service) GetRun(ctx context.Context, runID string) (*RunView, error) {
	run, err := s.store.LoadRun(runID)
	if err != nil {
		return nil, err
	}
	art, err := s.store.LoadArtifacts(runID)
	if err != nil {
		return nil, err
	}

	view := &RunView{Run: *run, Artifacts: art}
	switch {
	case run.Status == domain.RunCompleted && !art.Complete:
		// the status record is written after the results; this means the
		// results directory was damaged after the fact
		return nil, fmt.Errorf("run %s is completed but its results are missing", runID)
	case run.Status.IsFailure():
		view.Stale = true
	}
	view.DoseStage = s.doseStage(run, art)

	if run.Status == domain.RunDosePending {
		if prev, prevArt := s.previousCompleted(run.CaseID); prev != "" {
			view.PreviousRunID = prev
			view.Previous = prevArt
		}
	}
	return view, nil
}

func (s *Service) doseStage(run *domain.Run, art *domain.RunArtifacts) domain.DoseStage {
	if art.Complete {
		return domain.DoseDone
	}
	if s.stages != nil && !run.Status.IsTerminal() {
		return s.stages.DoseStage(run.ID)
	}
	if run.Status == domain.RunDosePending {
		return domain.DoseInProgress
	}
	return domain.DoseNotStarted
}

func (s *Service) previousCompleted(caseID string) (string, *domain.RunArtifacts) {
	var prev *domain.Run
	if s.index != nil {
		r, err := s.index.LatestCompleted(caseID)
		if err != nil {
			if !errors.Is(err, domain.ErrNotFound) {
				s.logger.Warn("latest completed run", "case", caseID, "error", err)
			}
			return "", nil
		}
		prev = r
	} else {
		runs, err := s.scanRuns(runstore.ListOptions{CaseID: caseID, Status: domain.RunCompleted, Limit: 1})
		if err != nil || len(runs) == 0 {
			return "", nil
		}
		prev = runs[0]
	}
	art, err := s.store.LoadArtifacts(prev.ID)
	if err != nil || !art.Complete {
		return "", nil
	}
	return prev.ID, art
}

// ListRuns returns run summaries, newest first
func (s *Service) ListRuns(opts runstore.ListOptions) ([]*domain.Run, error) {
	if s.index != nil {
		return s.index.ListRuns(opts)
	}
	return s.scanRuns(opts)
}

// scanRuns lists runs straight from the artifact store
func (s *Service) scanRuns(opts runstore.ListOptions) ([]*domain.Run, error) {
	ids, err := s.store.ListRunIDs()
	if err != nil {
		return nil, err
	}
	var runs []*domain.Run
	for _, id := range ids {
		run, err := s.store.LoadRun(id)
		if err != nil {
			continue
		}
		if opts.CaseID != "" && run.CaseID != opts.CaseID {
			continue
		}
		if opts.Status != "" && run.Status != opts.Status {
			continue
		}
		runs = append(runs, run)
	}
	sort.Slice(runs, func(i, j int) bool {
		if !runs[i].CreatedAt.Equal(runs[j].CreatedAt) {
			return runs[i].CreatedAt.After(runs[j].CreatedAt)
		}
		return runs[i].ID > runs[j].ID
	})
	if opts.Limit > 0 && len(runs) > opts.Limit {
		runs = runs[:opts.Limit]
	}
	return runs, nil
}

// Logs returns the last max log lines of a run
func (s *Service) Logs(runID string, max int) ([]string, error) {
	if _, err := s.store.LoadRun(runID); err != nil {
		return nil, err
	}
	if max <= 0 {
		max = artifacts.DefaultLogTail
	}
	return s.store.LoadLogs(runID, max)
}

// Progress returns the last max trace points of a run
func (s *Service) Progress(runID string, max int) ([]domain.TracePoint, error) {
	if _, err := s.store.LoadRun(runID); err != nil {
		return nil, err
	}
	if max <= 0 {
		max = artifacts.DefaultProgressTail
	}
	return s.store.LoadProgress(runID, max)
}

// Health returns the solver health snapshot without probing
func (s *Service) Health() solver.ProbeResult {
	return s.health.Snapshot()
}

// Cases lists the locally available cases
func (s *Service) Cases() ([]string, error) {
	return s.cases.List()
}

// CaseManifest describes one case
func (s *Service) CaseManifest(ctx context.Context, caseID string) (*domain.CaseManifest, error) {
	return s.cases.Manifest(ctx, caseID)
}

// GetReference evaluates the shipped plan of a case through the same dose
// pipeline as optimized runs. The result is cached until the case changes.
func (s *Service) GetReference(ctx context.Context, caseID string) (*domain.RunArtifacts, error) {
	s.mu.Lock()
	cached, ok := s.references[caseID]
	s.mu.Unlock()
	if ok {
		return cached, nil
	}

	v, err, _ := s.group.Do(caseID, func() (any, error) {
		art, err := s.buildReference(ctx, caseID)
		if err != nil {
			return nil, err
		}
		s.mu.Lock()
		s.references[caseID] = art
		s.mu.Unlock()
		return art, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*domain.RunArtifacts), nil
}

func (s *Service) buildReference(ctx context.Context, caseID string) (*domain.RunArtifacts, error) {
	c, err := s.cases.Load(ctx, caseID)
	if err != nil {
		return nil, err
	}
	if len(c.ReferenceDose) == 0 {
		return nil, fmt.Errorf("%w: case %s", ErrNoReference, caseID)
	}
	name := c.Protocol
	if name == "" {
		name = s.protocol
	}
	protocol, err := criteria.Load(s.criteriaDir, name)
	if err != nil {
		return nil, err
	}

	cfg := domain.DefaultRunConfig()
	cfg.CaseID = caseID
	res, err := dose.Reconstruct(ctx, dose.Input{
		Case:     c,
		Config:   cfg,
		Dose:     c.ReferenceDose,
		Shape:    c.GridShape,
		Protocol: protocol,
	})
	if err != nil {
		return nil, fmt.Errorf("reference plan %s: %w", caseID, err)
	}
	// the reference grid stays with the case; only the summary is served
	res.Dose.Inline = nil

	art := &domain.RunArtifacts{Config: &cfg, Progress: []domain.TracePoint{}}
	art.ApplyResults(res)
	s.logger.Info("reference plan evaluated", "case", caseID, "structures", len(res.DVH))
	return art, nil
}

func (s *Service) invalidateReference(caseID string) {
	s.mu.Lock()
	delete(s.references, caseID)
	s.mu.Unlock()
	s.group.Forget(caseID)
}
