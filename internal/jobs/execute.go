package jobs

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"time"

	"github.com/hochfrequenz/vmat-orchestrator/internal/artifacts"
	"github.com/hochfrequenz/vmat-orchestrator/internal/criteria"
	"github.com/hochfrequenz/vmat-orchestrator/internal/domain"
	"github.com/hochfrequenz/vmat-orchestrator/internal/dose"
	"github.com/hochfrequenz/vmat-orchestrator/internal/solver"
)

// journalSink persists solver output before handing it on
type journalSink struct {
	m      *Manager
	runID  string
	caseID string
	j      *artifacts.Journal
}

func (s *journalSink) OnProgress(p domain.TracePoint) {
	if err := s.j.AppendProgress(p); err != nil {
		s.m.logger.Warn("append progress", "run", s.runID, "error", err)
	}
	point := p
	s.m.events.publish(Event{
		Kind:   EventProgress,
		RunID:  s.runID,
		CaseID: s.caseID,
		Status: domain.RunRunning,
		Point:  &point,
		Time:   p.Time,
	})
}

func (s *journalSink) OnLog(level, message string) {
	if err := s.j.AppendLog(level, message); err != nil {
		s.m.logger.Warn("append log", "run", s.runID, "error", err)
	}
}

// execute is the body of one run. It owns the run until a terminal state is
// recorded; a panic anywhere below is recorded as a failure.
func (m *Manager) execute(st *runState, cfg domain.RunConfig) {
	defer m.wg.Done()
	runID, caseID := st.run.ID, st.run.CaseID

	j, err := m.store.OpenJournal(runID)
	if err != nil {
		m.fail(st, fmt.Sprintf("open run journal: %v", err))
		return
	}
	defer j.Close()

	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("run panicked", "run", runID, "panic", r, "stack", string(debug.Stack()))
			_ = j.AppendLog("error", fmt.Sprintf("internal error: %v", r))
			m.fail(st, fmt.Sprintf("internal error: %v", r))
		}
	}()

	ctx := m.ctx
	if err := m.pool.Acquire(ctx); err != nil {
		m.fail(st, "cancelled before start")
		return
	}
	released := false
	release := func() {
		if !released {
			released = true
			m.pool.Release()
		}
	}
	defer release()

	if err := m.transition(st, domain.RunRunning, nil); err != nil {
		m.logger.Error("start run", "run", runID, "error", err)
		return
	}
	j.Logf("run %s started for case %s", runID, caseID)

	c, err := m.cases.Load(ctx, caseID)
	if err != nil {
		j.AppendLog("error", fmt.Sprintf("load case: %v", err))
		m.fail(st, fmt.Sprintf("case data unavailable for %s: %v", caseID, err))
		return
	}
	if msg := checkAgainstCase(c, cfg); msg != "" {
		j.AppendLog("error", msg)
		m.fail(st, msg)
		return
	}

	snap := m.health.Snapshot()
	sel := solver.SelectBackend(cfg.Solver, snap, m.backends)
	params, dropped := solver.FilterParams(cfg.SolverParams, snap, sel.Backend, m.backends)
	if sel.Fallback {
		j.AppendLog("warn", fmt.Sprintf("using %s: %s", sel.Backend, sel.Reason))
	}

	sink := &journalSink{m: m, runID: runID, caseID: caseID, j: j}
	req := solver.Request{
		RunID:   runID,
		CaseID:  caseID,
		CaseDir: m.cases.CaseDir(caseID),
		WorkDir: m.store.RunDir(runID),
		Config:  cfg,
	}
	sol, sum, err := solver.SolveWithFallback(ctx, m.engine, req, sel, params, dropped, m.backends, sink)
	if sum != nil {
		if serr := m.store.SaveSolverSummary(runID, sum); serr != nil {
			m.logger.Warn("save solver summary", "run", runID, "error", serr)
		}
		m.mu.Lock()
		st.run.Backend = sum.Backend
		st.run.Fallback = sum.Fallback
		m.mu.Unlock()
	}
	if err != nil {
		msg := fmt.Sprintf("solver failed: %v", err)
		if errors.Is(err, context.Canceled) {
			msg = "cancelled: orchestrator shutting down"
		}
		j.AppendLog("error", msg)
		m.fail(st, msg)
		return
	}

	if sol.StopReason == "" && (sol.Status == "optimal" || sol.Status == "optimal_inaccurate") {
		sol.StopReason = domain.StopOptimal
	}
	if err := m.store.SaveSolution(runID, sol); err != nil {
		m.fail(st, fmt.Sprintf("save solution: %v", err))
		return
	}
	if !sol.Usable() {
		msg := fmt.Sprintf("solver returned no usable solution (status %s)", sol.Status)
		j.AppendLog("error", msg)
		m.fail(st, msg)
		return
	}
	m.mu.Lock()
	st.run.StopReason = sol.StopReason
	m.mu.Unlock()
	j.Logf("solve finished on %s: status %s, stop reason %s, %.1fs", sum.Backend, sol.Status, sol.StopReason, sol.SolveTimeSeconds)

	// the next run may solve while this one reconstructs
	release()
	m.setDoseStage(st, domain.DoseInProgress)

	if m.planner.ShouldDefer(c) {
		if err := m.transition(st, domain.RunDosePending, nil); err != nil {
			m.logger.Error("defer dose", "run", runID, "error", err)
			return
		}
		j.Logf("dose reconstruction deferred (estimated %s)", m.planner.Estimate(c).Round(time.Millisecond))
	}
	m.reconstruct(ctx, st, c, cfg, sol, j)
}

// reconstruct runs the dose stage and records the outcome. Results are
// committed before the status that announces them.
func (m *Manager) reconstruct(ctx context.Context, st *runState, c *domain.Case, cfg domain.RunConfig, sol *domain.RawSolution, j *artifacts.Journal) {
	runID := st.run.ID
	started := time.Now()

	res, err := m.buildResults(ctx, runID, c, cfg, sol)
	if err == nil {
		err = m.store.CommitResults(runID, res)
	}
	if err != nil {
		m.setDoseStage(st, domain.DoseNotStarted)
		msg := fmt.Sprintf("dose reconstruction failed: %v", err)
		j.AppendLog("error", msg)
		if terr := m.transition(st, domain.RunReconstructionFailed, func(r *domain.Run) { r.Error = msg }); terr != nil {
			m.logger.Error("record reconstruction failure", "run", runID, "error", terr)
		}
		return
	}

	elapsed := time.Since(started)
	m.index.recordTiming(c.ID, c.NumVoxels(), elapsed)
	m.setDoseStage(st, domain.DoseDone)
	j.Logf("dose reconstruction finished in %s", elapsed.Round(time.Millisecond))

	if err := m.transition(st, domain.RunCompleted, nil); err != nil {
		m.logger.Error("complete run", "run", runID, "error", err)
	}
}

func (m *Manager) buildResults(ctx context.Context, runID string, c *domain.Case, cfg domain.RunConfig, sol *domain.RawSolution) (*domain.Results, error) {
	grid, err := m.engine.ComputeDose(ctx, solver.DoseRequest{
		CaseID:   c.ID,
		CaseDir:  m.cases.CaseDir(c.ID),
		WorkDir:  m.store.RunDir(runID),
		Solution: sol,
	})
	if err != nil {
		return nil, fmt.Errorf("compute dose: %w", err)
	}
	if grid == nil || len(grid.Values) == 0 {
		return nil, errors.New("compute dose: engine returned an empty grid")
	}
	protocol, err := m.loadProtocol(c)
	if err != nil {
		return nil, err
	}
	shape := grid.Shape
	if shape == [3]int{} {
		shape = c.GridShape
	}
	return dose.Reconstruct(ctx, dose.Input{
		Case:     c,
		Config:   cfg,
		Dose:     grid.Values,
		Shape:    shape,
		Protocol: protocol,
	})
}

func (m *Manager) loadProtocol(c *domain.Case) (*criteria.Protocol, error) {
	name := c.Protocol
	if name == "" {
		name = m.protocol
	}
	return criteria.Load(m.criteriaDir, name)
}

// checkAgainstCase validates the parts of a config that depend on the case.
// It returns an empty string when the config fits.
func checkAgainstCase(c *domain.Case, cfg domain.RunConfig) string {
	if missing := c.MissingStructures(cfg); len(missing) > 0 {
		return fmt.Sprintf("objective overrides reference unknown structure(s): %s", strings.Join(missing, ", "))
	}
	if len(c.Beams) == 0 {
		return ""
	}
	var unknown []string
	for _, id := range cfg.BeamIDs {
		if !c.HasBeam(id) {
			unknown = append(unknown, fmt.Sprint(id))
		}
	}
	if len(unknown) > 0 {
		return fmt.Sprintf("case %s has no beam(s) %s", c.ID, strings.Join(unknown, ", "))
	}
	return ""
}
