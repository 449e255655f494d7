// Package jobs drives runs from submission to a terminal state. Submit
// returns as soon as the run is persisted as queued; the solve and dose
// reconstruction happen on a detached goroutine owned by the Manager.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hochfrequenz/vmat-orchestrator/internal/artifacts"
	"github.com/hochfrequenz/vmat-orchestrator/internal/criteria"
	"github.com/hochfrequenz/vmat-orchestrator/internal/domain"
	"github.com/hochfrequenz/vmat-orchestrator/internal/dose"
	"github.com/hochfrequenz/vmat-orchestrator/internal/identity"
	"github.com/hochfrequenz/vmat-orchestrator/internal/solver"
)

// ErrShuttingDown is returned by Submit once Shutdown has started
var ErrShuttingDown = errors.New("job manager is shutting down")

// CaseSource provides case snapshots
type CaseSource interface {
	Load(ctx context.Context, caseID string) (*domain.Case, error)
	CaseDir(caseID string) string
}

// HealthSource provides the current solver health snapshot
type HealthSource interface {
	Snapshot() solver.ProbeResult
}

// Options configures a Manager
type Options struct {
	Engine   solver.Engine
	Health   HealthSource
	Cases    CaseSource
	Store    *artifacts.Store
	Index    Index
	Backends solver.Backends
	Planner  dose.Planner

	// CriteriaDir overrides the built-in criteria protocols; Protocol is
	// used for cases that do not name one.
	CriteriaDir string
	Protocol    string

	// MaxConcurrent bounds concurrent solves; 0 is unlimited.
	MaxConcurrent int
	Logger        *slog.Logger
	Clock         func() time.Time
}

// SubmitResult reports the run a submission maps to
type SubmitResult struct {
	Run *domain.Run
	// Existing is true when an identical submission in the same time bucket
	// already created the run.
	Existing bool
}

type runState struct {
	run  domain.Run
	dose domain.DoseStage
	done chan struct{}

	// created is closed once the run directory is written; createErr is set
	// before that when creation failed.
	created   chan struct{}
	createErr error
}

// Manager owns all in-flight runs
type Manager struct {
	engine      solver.Engine
	health      HealthSource
	cases       CaseSource
	store       *artifacts.Store
	backends    solver.Backends
	planner     dose.Planner
	criteriaDir string
	protocol    string
	logger      *slog.Logger
	now         func() time.Time

	pool   *Pool
	index  *indexWriter
	events *broadcaster

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	active map[string]*runState
	closed bool
}

// New creates a Manager
func New(opts Options) (*Manager, error) {
	if opts.Engine == nil || opts.Health == nil || opts.Cases == nil || opts.Store == nil {
		return nil, errors.New("jobs: engine, health, cases and store are required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}
	backends := opts.Backends
	if backends.Preferred == "" || backends.Fallback == "" {
		backends = solver.DefaultBackends()
	}
	protocol := opts.Protocol
	if protocol == "" {
		protocol = criteria.DefaultProtocol
	}

	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		engine:      opts.Engine,
		health:      opts.Health,
		cases:       opts.Cases,
		store:       opts.Store,
		backends:    backends,
		planner:     opts.Planner,
		criteriaDir: opts.CriteriaDir,
		protocol:    protocol,
		logger:      logger,
		now:         clock,
		pool:        NewPool(opts.MaxConcurrent),
		index:       newIndexWriter(opts.Index, logger),
		events:      newBroadcaster(),
		ctx:         ctx,
		cancel:      cancel,
		active:      make(map[string]*runState),
	}
	m.pool.SetOnSlotsChanged(func(available int) {
		m.events.publish(Event{Kind: EventSlots, Slots: &available, Time: m.now().UTC()})
	})
	return m, nil
}

// Submit validates cfg, persists a queued run and starts it in the background.
// A structurally invalid config fails with a *domain.ValidationError before
// any run is created. Resubmitting an identical config within the same time
// bucket returns the existing run.
func (m *Manager) Submit(ctx context.Context, cfg domain.RunConfig) (*SubmitResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	canonical := identity.Canonical(cfg)
	now := m.now().UTC()
	id, err := identity.Identify(canonical, now)
	if err != nil {
		return nil, fmt.Errorf("identify run: %w", err)
	}

	run := domain.Run{
		ID:        id,
		CaseID:    canonical.CaseID,
		Status:    domain.RunQueued,
		Requested: canonical.Solver,
		CreatedAt: now,
		UpdatedAt: now,
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrShuttingDown
	}
	if st, ok := m.active[id]; ok {
		m.mu.Unlock()
		return m.duplicate(ctx, st)
	}
	// the id is reserved before the run directory exists, so a concurrent
	// identical submission waits for it instead of reading a half-written run
	st := &runState{
		run:     run,
		dose:    domain.DoseNotStarted,
		done:    make(chan struct{}),
		created: make(chan struct{}),
	}
	m.active[id] = st
	// registered under the lock so Shutdown waits for it
	m.wg.Add(1)
	m.mu.Unlock()

	if err := m.store.CreateRun(&run, canonical); err != nil {
		m.mu.Lock()
		delete(m.active, id)
		st.createErr = err
		m.mu.Unlock()
		close(st.created)
		close(st.done)
		m.wg.Done()
		if errors.Is(err, artifacts.ErrRunExists) {
			existing, lerr := m.store.LoadRun(id)
			if lerr != nil {
				return nil, lerr
			}
			m.logger.Info("duplicate submission", "run", id, "status", existing.Status)
			return &SubmitResult{Run: existing, Existing: true}, nil
		}
		return nil, err
	}
	close(st.created)

	m.index.upsert(run)
	m.publishStatus(run)
	m.logger.Info("run queued", "run", id, "case", run.CaseID, "solver", run.Requested)

	go m.execute(st, canonical)

	out := run
	return &SubmitResult{Run: &out}, nil
}

// duplicate resolves a submission that maps to a run this Manager is
// still creating or running
func (m *Manager) duplicate(ctx context.Context, st *runState) (*SubmitResult, error) {
	select {
	case <-st.created:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	m.mu.Lock()
	run, err := st.run, st.createErr
	m.mu.Unlock()
	if err != nil {
		if !errors.Is(err, artifacts.ErrRunExists) {
			return nil, err
		}
		stored, lerr := m.store.LoadRun(run.ID)
		if lerr != nil {
			return nil, lerr
		}
		run = *stored
	}
	m.logger.Info("duplicate submission", "run", run.ID, "status", run.Status)
	return &SubmitResult{Run: &run, Existing: true}, nil
}

// lookup returns the live state of a run, falling back to the stored record
func (m *Manager) lookup(id string) (*domain.Run, error) {
	m.mu.Lock()
	if st, ok := m.active[id]; ok {
		run := st.run
		m.mu.Unlock()
		return &run, nil
	}
	m.mu.Unlock()
	return m.store.LoadRun(id)
}

// Get returns the current status record of a run
func (m *Manager) Get(id string) (*domain.Run, error) {
	return m.lookup(id)
}

// Wait returns a channel that is closed once the run reaches a terminal
// state. Runs that are not in flight yield an already closed channel.
func (m *Manager) Wait(id string) <-chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	if st, ok := m.active[id]; ok {
		return st.done
	}
	ch := make(chan struct{})
	close(ch)
	return ch
}

// DoseStage reports the dose reconstruction stage of a run
func (m *Manager) DoseStage(id string) domain.DoseStage {
	m.mu.Lock()
	st, ok := m.active[id]
	var stage domain.DoseStage
	if ok {
		stage = st.dose
	}
	m.mu.Unlock()
	if ok {
		return stage
	}
	if _, err := m.store.LoadResults(id); err == nil {
		return domain.DoseDone
	}
	return domain.DoseNotStarted
}

// Active returns the ids of runs that have not reached a terminal state
func (m *Manager) Active() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.active))
	for id := range m.active {
		ids = append(ids, id)
	}
	return ids
}

// Subscribe returns a channel of run events and a function that ends the
// subscription
func (m *Manager) Subscribe() (<-chan Event, func()) {
	return m.events.subscribe()
}

// Recover reconciles runs left behind by a previous process. Runs that never
// finished solving are marked failed, runs whose dose stage was interrupted
// are marked reconstruction-failed, and leftover staging directories are
// removed. Every run is re-indexed.
func (m *Manager) Recover(ctx context.Context) (int, error) {
	ids, err := m.store.ListRunIDs()
	if err != nil {
		return 0, err
	}
	recovered := 0
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return recovered, err
		}
		run, err := m.store.LoadRun(id)
		if err != nil {
			m.logger.Warn("recover: unreadable run", "run", id, "error", err)
			continue
		}
		if err := m.store.CleanupStaging(id); err != nil {
			m.logger.Warn("recover: cleanup staging", "run", id, "error", err)
		}

		m.mu.Lock()
		_, inFlight := m.active[id]
		m.mu.Unlock()
		if !run.Status.IsTerminal() && !inFlight {
			to := domain.RunFailed
			if run.Status == domain.RunDosePending {
				to = domain.RunReconstructionFailed
			}
			now := m.now().UTC()
			run.Status = to
			run.Error = "interrupted: process restarted"
			run.UpdatedAt = now
			run.FinishedAt = &now
			if err := m.store.SaveRun(run); err != nil {
				return recovered, err
			}
			m.logger.Info("recovered interrupted run", "run", id, "status", to)
			recovered++
		}
		m.index.upsert(*run)
	}
	return recovered, nil
}

// Shutdown stops accepting runs and waits for in-flight ones. When ctx ends
// first, running solves are cancelled and recorded as failed.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = ctx.Err()
		m.cancel()
		<-done
	}
	m.cancel()
	m.index.stop()
	return err
}

// transition moves a run to a new status and persists it. The status record
// is written after everything the new status promises is already on disk.
func (m *Manager) transition(st *runState, to domain.RunStatus, update func(*domain.Run)) error {
	m.mu.Lock()
	from := st.run.Status
	if !domain.CanTransition(from, to) {
		m.mu.Unlock()
		return fmt.Errorf("run %s: invalid transition %s -> %s", st.run.ID, from, to)
	}
	prev := st.run
	now := m.now().UTC()
	st.run.Status = to
	st.run.UpdatedAt = now
	if to.IsTerminal() {
		st.run.FinishedAt = &now
	}
	if update != nil {
		update(&st.run)
	}
	run := st.run
	m.mu.Unlock()

	if err := m.saveRun(&run); err != nil {
		// nothing is announced that the disk does not say; Recover settles
		// the run on the next start
		m.mu.Lock()
		st.run = prev
		m.mu.Unlock()
		m.logger.Error("persist run status", "run", run.ID, "status", to, "error", err)
		return fmt.Errorf("run %s: persist %s: %w", run.ID, to, err)
	}
	m.index.upsert(run)
	m.publishStatus(run)

	level := slog.LevelInfo
	if to.IsFailure() {
		level = slog.LevelWarn
	}
	m.logger.Log(context.Background(), level, "run status", "run", run.ID, "from", from, "to", to, "error", run.Error)

	if to.IsTerminal() {
		m.mu.Lock()
		delete(m.active, run.ID)
		m.mu.Unlock()
		close(st.done)
	}
	return nil
}

// saveRetries bounds how often a status record write is attempted
const saveRetries = 3

func (m *Manager) saveRun(run *domain.Run) error {
	var err error
	for i := 0; i < saveRetries; i++ {
		if i > 0 {
			time.Sleep(time.Duration(i) * 20 * time.Millisecond)
		}
		if err = m.store.SaveRun(run); err == nil {
			return nil
		}
	}
	return err
}

// fail records a failure in whichever failure state the current status and
// dose stage allow
func (m *Manager) fail(st *runState, msg string) {
	m.mu.Lock()
	from, stage := st.run.Status, st.dose
	m.mu.Unlock()

	// a solved run that fails during reconstruction keeps its solution
	to := domain.RunFailed
	if from == domain.RunDosePending || stage == domain.DoseInProgress {
		to = domain.RunReconstructionFailed
	}
	if from.IsTerminal() {
		return
	}
	if err := m.transition(st, to, func(r *domain.Run) { r.Error = msg }); err != nil {
		m.logger.Error("record failure", "run", st.run.ID, "error", err)
	}
}

func (m *Manager) setDoseStage(st *runState, stage domain.DoseStage) {
	m.mu.Lock()
	st.dose = stage
	m.mu.Unlock()
}

func (m *Manager) publishStatus(run domain.Run) {
	m.events.publish(Event{
		Kind:   EventStatus,
		RunID:  run.ID,
		CaseID: run.CaseID,
		Status: run.Status,
		Error:  run.Error,
		Time:   run.UpdatedAt,
	})
}
