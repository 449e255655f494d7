// Package jobstest provides an in-process solver engine and a small lung
// case for exercising the job driver and everything built on it.
package jobstest

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/hochfrequenz/vmat-orchestrator/internal/artifacts"
	"github.com/hochfrequenz/vmat-orchestrator/internal/casestore"
	"github.com/hochfrequenz/vmat-orchestrator/internal/domain"
	"github.com/hochfrequenz/vmat-orchestrator/internal/solver"
)

// CaseID is the id of the fixture case
const CaseID = "Lung_Patient_1"

// Engine is a scriptable solver.Engine
type Engine struct {
	mu sync.Mutex

	Health solver.ProbeResult
	// Fail makes Solve fail on the named backends.
	Fail map[string]error
	// Points is the number of trace points Solve emits.
	Points int
	// Hold points are emitted freely; every later point waits for a value
	// on Step (or for Step to be closed).
	Hold int
	Step chan struct{}
	// Status and StopReason of the returned solution (default optimal).
	Status     string
	StopReason domain.StopReason
	Panic      bool

	// DoseGate, when set, blocks ComputeDose until it is closed.
	DoseGate  chan struct{}
	DoseErr   error
	// DosePanic makes ComputeDose panic.
	DosePanic bool
	Grid      []float64
	Shape     [3]int

	calls  []solver.Request
	doses  int
	params []map[string]float64
}

// NewEngine returns an engine whose preferred backend is available and
// licensed, producing the dose of the fixture case
func NewEngine() *Engine {
	_, grid := LungCase()
	return &Engine{
		Health: solver.ProbeResult{
			Available:       true,
			Licensed:        true,
			Backend:         solver.DefaultPreferred,
			Version:         "10.1",
			SupportedParams: []string{"MSK_DPAR_INTPNT_CO_TOL_REL_GAP", "MSK_IPAR_NUM_THREADS"},
		},
		Points: 5,
		Grid:   grid,
		Shape:  [3]int{6, 5, 1},
	}
}

// Probe implements solver.Engine
func (e *Engine) Probe(ctx context.Context) (solver.ProbeResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.Health, nil
}

// Solve implements solver.Engine
func (e *Engine) Solve(ctx context.Context, req solver.Request, sink solver.ProgressSink) (*domain.RawSolution, error) {
	e.mu.Lock()
	e.calls = append(e.calls, req)
	e.params = append(e.params, req.Params)
	failErr := e.Fail[req.Backend]
	points, hold, step := e.Points, e.Hold, e.Step
	status, stop, panicking := e.Status, e.StopReason, e.Panic
	e.mu.Unlock()

	if panicking {
		panic("engine exploded")
	}
	if failErr != nil {
		sink.OnLog("error", failErr.Error())
		return nil, failErr
	}

	start := time.Now()
	gap := 1.0
	for i := 0; i < points; i++ {
		if step != nil && i >= hold {
			select {
			case <-step:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		gap /= 2
		sink.OnProgress(domain.TracePoint{
			Iteration:       i,
			PrimalObjective: 100 - float64(i),
			DualObjective:   100 - float64(i) - gap,
			Gap:             gap,
			Time:            start.Add(time.Duration(i) * time.Millisecond),
		})
	}

	if status == "" {
		status = "optimal"
	}
	obj := 42.0
	return &domain.RawSolution{
		CaseID:           req.CaseID,
		Backend:          req.Backend,
		Status:           status,
		StopReason:       stop,
		Objective:        &obj,
		SolveTimeSeconds: 0.01,
		Intensity:        []float64{1, 2, 3},
	}, nil
}

// ComputeDose implements solver.Engine
func (e *Engine) ComputeDose(ctx context.Context, req solver.DoseRequest) (*solver.DoseGrid, error) {
	e.mu.Lock()
	e.doses++
	gate, doseErr, dosePanic := e.DoseGate, e.DoseErr, e.DosePanic
	grid := append([]float64(nil), e.Grid...)
	shape := e.Shape
	e.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if dosePanic {
		panic("dose engine exploded")
	}
	if doseErr != nil {
		return nil, doseErr
	}
	if req.Solution == nil {
		return nil, errors.New("no solution")
	}
	return &solver.DoseGrid{Values: grid, Shape: shape}, nil
}

// Backends returns the backend of every Solve call in order
func (e *Engine) Backends() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, len(e.calls))
	for i, c := range e.calls {
		out[i] = c.Backend
	}
	return out
}

// Params returns the vendor parameters of every Solve call in order
func (e *Engine) Params() []map[string]float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]map[string]float64(nil), e.params...)
}

// DoseCalls returns how often ComputeDose ran
func (e *Engine) DoseCalls() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.doses
}

// SetHealth replaces the probe answer
func (e *Engine) SetHealth(p solver.ProbeResult) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.Health = p
}

// LungCase returns a 6x5x1 case with the lung protocol structures and its
// planned dose. Each structure covers its own row or column of voxels.
func LungCase() (*domain.Case, []float64) {
	c := &domain.Case{
		ID:             CaseID,
		PrescriptionGy: 60,
		NumFractions:   30,
		VoxelVolumeCC:  0.5,
		GridShape:      [3]int{6, 5, 1},
		Structures: []domain.Structure{
			{Name: "PTV", VolumeCC: 3, Voxels: []uint32{0, 1, 2, 3, 4, 5}},
			{Name: "GTV", VolumeCC: 1, Voxels: []uint32{2, 3}},
			{Name: "CORD", VolumeCC: 1.5, Voxels: []uint32{6, 7, 8}},
			{Name: "HEART", VolumeCC: 2, Voxels: []uint32{9, 10, 11, 12}},
			{Name: "ESOPHAGUS", VolumeCC: 1.5, Voxels: []uint32{13, 14, 15}},
			{Name: "LUNG_L", VolumeCC: 2, Voxels: []uint32{16, 17, 18, 19}},
			{Name: "LUNG_R", VolumeCC: 2, Voxels: []uint32{20, 21, 22, 23}},
			{Name: "LUNGS_NOT_GTV", VolumeCC: 4, Voxels: []uint32{16, 17, 18, 19, 20, 21, 22, 23}},
			{Name: "SKIN", VolumeCC: 3, Voxels: []uint32{24, 25, 26, 27, 28, 29}},
		},
	}
	for id := 0; id <= 77; id += 11 {
		c.Beams = append(c.Beams, domain.Beam{ID: id, GantryAngle: float64(id) * 5})
	}

	grid := make([]float64, 30)
	for i := range grid {
		switch {
		case i < 6:
			grid[i] = 59 + float64(i)*0.5
		case i < 9:
			grid[i] = 30 + float64(i)
		case i < 13:
			grid[i] = 15 + float64(i)
		case i < 16:
			grid[i] = 20
		case i < 24:
			grid[i] = float64(i - 10)
		default:
			grid[i] = 2
		}
	}
	ref := make([]float64, len(grid))
	for i, v := range grid {
		ref[i] = v * 1.02
	}
	c.ReferenceDose = ref
	return c, grid
}

// Env is an artifact store and a case store holding the fixture case
type Env struct {
	Root  string
	Store *artifacts.Store
	Cases *casestore.Store
	Case  *domain.Case
}

// NewEnv creates an Env under a test temp dir
func NewEnv(t testing.TB) *Env {
	t.Helper()
	root := t.TempDir()
	store, err := artifacts.New(filepath.Join(root, "artifacts"))
	if err != nil {
		t.Fatal(err)
	}
	cases, err := casestore.New(filepath.Join(root, "data"), casestore.Options{Manifests: store})
	if err != nil {
		t.Fatal(err)
	}
	c, _ := LungCase()
	if err := casestore.WriteCase(cases.CaseDir(c.ID), c); err != nil {
		t.Fatal(err)
	}
	return &Env{Root: root, Store: store, Cases: cases, Case: c}
}

// Config returns a valid config for the fixture case
func Config() domain.RunConfig {
	cfg := domain.DefaultRunConfig()
	cfg.CaseID = CaseID
	cfg.MaxTimeSeconds = 30
	return cfg
}

// WaitDone waits for ch to close or fails the test
func WaitDone(t testing.TB, ch <-chan struct{}, what string) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(10 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
	}
}

// Eventually polls cond until it holds or fails the test
func Eventually(t testing.TB, cond func() bool, format string, args ...any) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met: %s", fmt.Sprintf(format, args...))
}
