package solver

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/hochfrequenz/vmat-orchestrator/internal/domain"
)

// Default backend names
const (
	DefaultPreferred = "MOSEK"
	DefaultFallback  = "ECOS_BB"
)

// Backends names the two backends a run can end up on
type Backends struct {
	Preferred string
	Fallback  string
}

// DefaultBackends returns MOSEK with ECOS_BB as open-source fallback
func DefaultBackends() Backends {
	return Backends{Preferred: DefaultPreferred, Fallback: DefaultFallback}
}

// Selection is the backend chosen for one run
type Selection struct {
	Requested domain.SolverChoice `json:"requested"`
	Backend   string              `json:"backend"`
	Fallback  bool                `json:"fallback"`
	Reason    string              `json:"reason,omitempty"`
}

// SelectBackend picks the preferred backend only when it was requested and
// the snapshot shows it available and licensed
func SelectBackend(requested domain.SolverChoice, snap ProbeResult, b Backends) Selection {
	if requested != domain.SolverPreferred {
		return Selection{Requested: requested, Backend: b.Fallback}
	}
	if snap.Usable() {
		return Selection{Requested: requested, Backend: b.Preferred}
	}

	reason := "preferred solver unavailable"
	switch {
	case snap.Available && !snap.Licensed:
		reason = "preferred solver not licensed"
	case snap.Error != "":
		reason = "preferred solver unavailable: " + snap.Error
	}
	return Selection{Requested: requested, Backend: b.Fallback, Fallback: true, Reason: reason}
}

// FilterParams keeps the vendor parameters the probed engine accepts. The
// fallback backend takes no vendor parameters. Dropped names are sorted.
func FilterParams(params map[string]float64, snap ProbeResult, backend string, b Backends) (map[string]float64, []string) {
	var dropped []string
	kept := make(map[string]float64)
	for name, v := range params {
		if backend == b.Preferred && snap.Supports(name) {
			kept[name] = v
			continue
		}
		dropped = append(dropped, name)
	}
	sort.Strings(dropped)
	if len(kept) == 0 {
		kept = nil
	}
	return kept, dropped
}

// SolveWithFallback runs the solve on the selected backend. A failing
// preferred backend is retried once without vendor parameters and then
// replaced by the fallback backend. An attempt killed at the time limit ends
// the chain. The summary is returned even on error.
func SolveWithFallback(ctx context.Context, eng Engine, req Request, sel Selection, params map[string]float64, dropped []string, b Backends, sink ProgressSink) (*domain.RawSolution, *domain.SolverSummary, error) {
	sum := &domain.SolverSummary{
		Requested:     sel.Requested,
		Backend:       sel.Backend,
		Fallback:      sel.Fallback,
		DroppedParams: dropped,
	}
	if sel.Reason != "" {
		sum.Warnings = append(sum.Warnings, sel.Reason)
	}
	for _, name := range dropped {
		sink.OnLog("warn", fmt.Sprintf("dropping unsupported solver parameter %s for %s", name, sel.Backend))
	}

	type attempt struct {
		backend string
		params  map[string]float64
	}
	attempts := []attempt{{sel.Backend, params}}
	if sel.Backend == b.Preferred {
		if len(params) > 0 {
			attempts = append(attempts, attempt{b.Preferred, nil})
		}
		attempts = append(attempts, attempt{b.Fallback, nil})
	}

	var lastErr error
	for i, a := range attempts {
		if i > 0 {
			if ctx.Err() != nil {
				break
			}
			msg := fmt.Sprintf("%s failed (%v); retrying with %s", attempts[i-1].backend, lastErr, a.backend)
			if a.backend == attempts[i-1].backend {
				msg = fmt.Sprintf("%s failed with parameters (%v); retrying without vendor parameters", a.backend, lastErr)
			}
			sink.OnLog("warn", msg)
			sum.Warnings = append(sum.Warnings, msg)
		}

		r := req
		r.Backend = a.backend
		r.Params = a.params
		sink.OnLog("info", fmt.Sprintf("solving with %s", a.backend))

		sol, err := eng.Solve(ctx, r, sink)
		if err == nil && sol == nil {
			err = errors.New("engine returned no solution")
		}
		if err != nil {
			lastErr = err
			if errors.Is(err, ErrTimeLimit) {
				// the run's wall-clock budget is spent; another attempt would exceed it
				msg := fmt.Sprintf("%s was stopped at the time limit; not retrying", a.backend)
				sink.OnLog("warn", msg)
				sum.Warnings = append(sum.Warnings, msg)
				break
			}
			continue
		}

		sum.Backend = a.backend
		sum.Fallback = sel.Requested == domain.SolverPreferred && a.backend != b.Preferred
		sum.Params = a.params
		sum.Status = sol.Status
		sum.StopReason = sol.StopReason
		sum.Objective = sol.Objective
		sum.SolveTimeSeconds = sol.SolveTimeSeconds
		if sol.Backend == "" {
			sol.Backend = a.backend
		}
		return sol, sum, nil
	}

	if lastErr == nil {
		lastErr = ctx.Err()
	}
	sum.Error = lastErr.Error()
	return nil, sum, lastErr
}
