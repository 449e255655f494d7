package dose

import (
	"time"

	"github.com/hochfrequenz/vmat-orchestrator/internal/domain"
)

// Planner defaults
const (
	DefaultDeferThreshold  = 10 * time.Second
	DefaultVoxelsPerSecond = 2_000_000
)

// TimingSource reports how long the last dose stage of a case took
type TimingSource interface {
	LastDoseTiming(caseID string) (time.Duration, bool, error)
}

// Planner decides whether the dose stage of a run runs inline or is deferred
// so the run can report a solution before its dose artifacts exist.
type Planner struct {
	Threshold       time.Duration
	VoxelsPerSecond float64
	AlwaysDefer     bool
	// Timings, when set, replaces the estimate with the last measured
	// duration for the same case.
	Timings TimingSource
}

// Estimate returns the expected reconstruction time for a case. The cost model
// is voxels times the structures that need a dose list.
func (p Planner) Estimate(c *domain.Case) time.Duration {
	if p.Timings != nil {
		if d, ok, err := p.Timings.LastDoseTiming(c.ID); err == nil && ok {
			return d
		}
	}
	rate := p.VoxelsPerSecond
	if rate <= 0 {
		rate = DefaultVoxelsPerSecond
	}
	structures := len(c.Structures)
	if structures == 0 {
		structures = 1
	}
	work := float64(c.NumVoxels()) * float64(structures)
	return time.Duration(work / rate * float64(time.Second))
}

// ShouldDefer reports whether reconstruction should run after the run is
// already visible as completed-dose-pending
func (p Planner) ShouldDefer(c *domain.Case) bool {
	if p.AlwaysDefer {
		return true
	}
	threshold := p.Threshold
	if threshold <= 0 {
		threshold = DefaultDeferThreshold
	}
	return p.Estimate(c) > threshold
}
