// Package solver wraps the external optimization engine: probing which
// backends are usable, choosing one per run, and falling back when the
// preferred backend fails.
package solver

import (
	"context"

	"github.com/hochfrequenz/vmat-orchestrator/internal/domain"
)

// Request describes one solve. Backend and Params are filled in per attempt.
type Request struct {
	RunID   string
	CaseID  string
	CaseDir string
	// WorkDir is a scratch directory owned by the run.
	WorkDir string
	Backend string
	Params  map[string]float64
	Config  domain.RunConfig
}

// DoseRequest asks the engine to derive a dose grid from a solution
type DoseRequest struct {
	CaseID   string
	CaseDir  string
	WorkDir  string
	Solution *domain.RawSolution
}

// DoseGrid is a flattened 3-D dose in Gy
type DoseGrid struct {
	Values []float64
	Shape  [3]int
}

// ProgressSink receives solver output while a solve is running. Calls are
// made from the engine's reader goroutines and may be concurrent.
type ProgressSink interface {
	OnProgress(p domain.TracePoint)
	OnLog(level, message string)
}

// Engine is the optimization engine as seen by the orchestrator
type Engine interface {
	Probe(ctx context.Context) (ProbeResult, error)
	Solve(ctx context.Context, req Request, sink ProgressSink) (*domain.RawSolution, error)
	ComputeDose(ctx context.Context, req DoseRequest) (*DoseGrid, error)
}

// NopSink discards all solver output
type NopSink struct{}

func (NopSink) OnProgress(domain.TracePoint) {}
func (NopSink) OnLog(string, string) {}
