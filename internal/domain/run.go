package domain

import (
	"time"
)

// Run is one optimization request and its lifecycle state. It is mutated only
// by the job that owns it and never deleted.
type Run struct {
	ID         string       `json:"run_id"`
	CaseID     string       `json:"case_id"`
	Status     RunStatus    `json:"status"`
	Requested  SolverChoice `json:"requested_solver"`
	Backend    string       `json:"backend,omitempty"`
	Fallback   bool         `json:"fallback,omitempty"`
	StopReason StopReason   `json:"stop_reason,omitempty"`
	Error      string       `json:"error,omitempty"`
	CreatedAt  time.Time    `json:"created_at"`
	UpdatedAt  time.Time    `json:"updated_at"`
	FinishedAt *time.Time   `json:"finished_at,omitempty"`
}

// TracePoint is one progress sample streamed by the solver
type TracePoint struct {
	Iteration       int       `json:"iteration"`
	PrimalObjective float64   `json:"primal_objective"`
	DualObjective   float64   `json:"dual_objective"`
	Gap             float64   `json:"gap"`
	PrimalResidual  float64   `json:"primal_residual"`
	DualResidual    float64   `json:"dual_residual"`
	Time            time.Time `json:"time"`
}

// RawSolution is the optimizer output handed to dose reconstruction
type RawSolution struct {
	CaseID           string     `json:"case_id"`
	Backend          string     `json:"backend"`
	Status           string     `json:"status"`
	StopReason       StopReason `json:"stop_reason,omitempty"`
	Objective        *float64   `json:"objective,omitempty"`
	Gap              *float64   `json:"gap,omitempty"`
	SolveTimeSeconds float64    `json:"solve_time_seconds"`
	Intensity        []float64  `json:"optimal_intensity,omitempty"`
	MU               []float64  `json:"mu,omitempty"`
	// Handle is an engine-specific reference to the full solution, e.g. a
	// file written by an external solver process.
	Handle string `json:"handle,omitempty"`
}

// Usable reports whether the solution can be turned into a dose. A solve cut
// off by the time limit still counts when it produced intensities.
func (s *RawSolution) Usable() bool {
	if s == nil {
		return false
	}
	switch s.Status {
	case "optimal", "optimal_inaccurate":
		return true
	}
	return s.StopReason == StopTimeLimit && (len(s.Intensity) > 0 || s.Handle != "")
}
