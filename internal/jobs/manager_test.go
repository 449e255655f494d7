package jobs_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/hochfrequenz/vmat-orchestrator/internal/domain"
	"github.com/hochfrequenz/vmat-orchestrator/internal/dose"
	"github.com/hochfrequenz/vmat-orchestrator/internal/jobs"
	"github.com/hochfrequenz/vmat-orchestrator/internal/jobs/jobstest"
	"github.com/hochfrequenz/vmat-orchestrator/internal/runstore"
	"github.com/hochfrequenz/vmat-orchestrator/internal/solver"
)

func newManager(t *testing.T, env *jobstest.Env, eng *jobstest.Engine, tweak func(*jobs.Options)) *jobs.Manager {
	t.Helper()
	health := solver.NewHealth(eng, nil)
	health.Init(context.Background())
	opts := jobs.Options{
		Engine: eng,
		Health: health,
		Cases:  env.Cases,
		Store:  env.Store,
	}
	if tweak != nil {
		tweak(&opts)
	}
	m, err := jobs.New(opts)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		m.Shutdown(ctx)
	})
	return m
}

func submit(t *testing.T, m *jobs.Manager, cfg domain.RunConfig) *domain.Run {
	t.Helper()
	res, err := m.Submit(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	return res.Run
}

func finish(t *testing.T, env *jobstest.Env, m *jobs.Manager, id string) *domain.Run {
	t.Helper()
	jobstest.WaitDone(t, m.Wait(id), "run "+id)
	run, err := env.Store.LoadRun(id)
	if err != nil {
		t.Fatal(err)
	}
	return run
}

func float(v float64) *float64 { return &v }

func TestSubmit_ReturnsBeforeSolve(t *testing.T) {
	env := jobstest.NewEnv(t)
	eng := jobstest.NewEngine()
	eng.Step = make(chan struct{})
	m := newManager(t, env, eng, nil)

	start := time.Now()
	run := submit(t, m, jobstest.Config())
	if time.Since(start) > 2*time.Second {
		t.Error("Submit blocked on the solve")
	}
	if run.Status != domain.RunQueued {
		t.Errorf("returned status = %s, want queued", run.Status)
	}

	stored, err := env.Store.LoadRun(run.ID)
	if err != nil {
		t.Fatal(err)
	}
	if stored.Status != domain.RunQueued && stored.Status != domain.RunRunning {
		t.Errorf("stored status = %s, want queued or running", stored.Status)
	}

	close(eng.Step)
	if got := finish(t, env, m, run.ID); got.Status != domain.RunCompleted {
		t.Errorf("final status = %s (%s)", got.Status, got.Error)
	}
}

func TestScenarioA_CompletedWithDVHAndCriteria(t *testing.T) {
	env := jobstest.NewEnv(t)
	eng := jobstest.NewEngine()
	m := newManager(t, env, eng, nil)

	cfg := jobstest.Config()
	cfg.Objectives = []domain.ObjectiveOverride{
		{StructureName: "PTV", Role: domain.RoleTarget, Type: domain.ObjectiveQuadraticUnderdose, Weight: 100, DoseGy: float(60)},
		{StructureName: "HEART", Role: domain.RoleOrganAtRisk, Type: domain.ObjectiveMeanDose, Weight: 10, DoseGy: float(20)},
	}
	run := finish(t, env, m, submit(t, m, cfg).ID)
	if run.Status != domain.RunCompleted {
		t.Fatalf("status = %s (%s)", run.Status, run.Error)
	}
	if run.StopReason != domain.StopOptimal || run.FinishedAt == nil {
		t.Errorf("run = %+v", run)
	}

	art, err := env.Store.LoadArtifacts(run.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !art.Complete {
		t.Fatal("completed run must have complete artifacts")
	}
	for _, name := range []string{"PTV", "HEART"} {
		curve, ok := art.DVH[name]
		if !ok {
			t.Errorf("no DVH for %s", name)
			continue
		}
		last := len(curve.VolumePerc) - 1
		if curve.VolumePerc[0] > 100 || curve.VolumePerc[last] != 0 {
			t.Errorf("%s DVH bounds = %v .. %v", name, curve.VolumePerc[0], curve.VolumePerc[last])
		}
		rows := 0
		for _, row := range art.Criteria {
			if row.Structure == name {
				rows++
			}
		}
		if rows == 0 {
			t.Errorf("no criteria rows for %s", name)
		}
	}
	if art.Metrics == nil || art.Metrics["PTV"]["D95"] == 0 {
		t.Errorf("metrics = %v", art.Metrics)
	}
	if art.Solver == nil || art.Solver.Backend != solver.DefaultPreferred || art.Solver.Fallback {
		t.Errorf("solver summary = %+v", art.Solver)
	}
	if len(art.Progress) != eng.Points {
		t.Errorf("progress points = %d, want %d", len(art.Progress), eng.Points)
	}
	if m.DoseStage(run.ID) != domain.DoseDone {
		t.Errorf("dose stage = %s", m.DoseStage(run.ID))
	}
}

func TestScenarioB_UnknownStructureFails(t *testing.T) {
	env := jobstest.NewEnv(t)
	eng := jobstest.NewEngine()
	m := newManager(t, env, eng, nil)

	cfg := jobstest.Config()
	cfg.Objectives = []domain.ObjectiveOverride{
		{StructureName: "SPINAL_CANAL", Type: domain.ObjectiveMaxDose, Weight: 5, DoseGy: float(45)},
	}
	run := finish(t, env, m, submit(t, m, cfg).ID)
	if run.Status != domain.RunFailed {
		t.Fatalf("status = %s, want failed", run.Status)
	}
	if !strings.Contains(run.Error, "SPINAL_CANAL") {
		t.Errorf("error %q does not name the structure", run.Error)
	}
	if len(eng.Backends()) != 0 {
		t.Error("solver must not run for a config that does not fit the case")
	}
	logs, err := env.Store.LoadLogs(run.ID, 0)
	if err != nil || len(logs) == 0 {
		t.Errorf("expected log lines, got %v (%v)", logs, err)
	}
}

func TestScenarioC_UnlicensedFallsBack(t *testing.T) {
	env := jobstest.NewEnv(t)
	eng := jobstest.NewEngine()
	eng.Health = solver.ProbeResult{Available: true, Licensed: false, Backend: solver.DefaultPreferred}
	m := newManager(t, env, eng, nil)

	cfg := jobstest.Config()
	cfg.SolverParams = map[string]float64{"MSK_IPAR_NUM_THREADS": 4}
	run := finish(t, env, m, submit(t, m, cfg).ID)
	if run.Status != domain.RunCompleted {
		t.Fatalf("status = %s (%s)", run.Status, run.Error)
	}
	if run.Backend != solver.DefaultFallback || !run.Fallback {
		t.Errorf("run backend = %s fallback = %v", run.Backend, run.Fallback)
	}

	art, err := env.Store.LoadArtifacts(run.ID)
	if err != nil {
		t.Fatal(err)
	}
	if art.Solver.Backend != solver.DefaultFallback || art.Solver.Backend == string(cfg.Solver) {
		t.Errorf("artifacts record backend %q", art.Solver.Backend)
	}
	if len(art.Solver.Warnings) == 0 || len(art.Solver.DroppedParams) != 1 {
		t.Errorf("summary = %+v", art.Solver)
	}
	if got := eng.Backends(); len(got) != 1 || got[0] != solver.DefaultFallback {
		t.Errorf("solve calls = %v", got)
	}
}

func TestScenarioD_ProgressGrowsMonotonically(t *testing.T) {
	env := jobstest.NewEnv(t)
	eng := jobstest.NewEngine()
	eng.Points = 6
	eng.Hold = 2
	eng.Step = make(chan struct{})
	m := newManager(t, env, eng, nil)

	run := submit(t, m, jobstest.Config())

	var first []domain.TracePoint
	jobstest.Eventually(t, func() bool {
		first, _ = env.Store.LoadProgress(run.ID, 0)
		return len(first) == 2
	}, "two progress points")

	eng.Step <- struct{}{}
	var second []domain.TracePoint
	jobstest.Eventually(t, func() bool {
		second, _ = env.Store.LoadProgress(run.ID, 0)
		return len(second) == 3
	}, "three progress points")

	stored, _ := env.Store.LoadRun(run.ID)
	if stored.Status != domain.RunRunning {
		t.Errorf("status while solving = %s", stored.Status)
	}
	for i := range first {
		if first[i].Iteration != second[i].Iteration || first[i].Gap != second[i].Gap {
			t.Fatalf("prefix changed at %d: %+v vs %+v", i, first[i], second[i])
		}
	}

	close(eng.Step)
	if got := finish(t, env, m, run.ID); got.Status != domain.RunCompleted {
		t.Errorf("final status = %s (%s)", got.Status, got.Error)
	}
}

func TestSubmit_Dedup(t *testing.T) {
	env := jobstest.NewEnv(t)
	eng := jobstest.NewEngine()
	var mu sync.Mutex
	now := time.Date(2026, 3, 1, 9, 30, 0, 100, time.UTC)
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	m := newManager(t, env, eng, func(o *jobs.Options) { o.Clock = clock })

	cfg := jobstest.Config()
	first, err := m.Submit(context.Background(), cfg)
	if err != nil {
		t.Fatal(err)
	}

	reordered := jobstest.Config()
	reordered.BeamIDs = []int{66, 0, 11, 22, 33, 44, 55}
	second, err := m.Submit(context.Background(), reordered)
	if err != nil {
		t.Fatal(err)
	}
	if second.Run.ID != first.Run.ID || !second.Existing {
		t.Errorf("same bucket: ids %s / %s existing=%v", first.Run.ID, second.Run.ID, second.Existing)
	}

	mu.Lock()
	now = now.Add(2 * time.Second)
	mu.Unlock()
	third, err := m.Submit(context.Background(), cfg)
	if err != nil {
		t.Fatal(err)
	}
	if third.Run.ID == first.Run.ID || third.Existing {
		t.Errorf("later submission reused run %s", third.Run.ID)
	}

	finish(t, env, m, first.Run.ID)
	finish(t, env, m, third.Run.ID)
}

func TestSubmit_ConcurrentDuplicatesShareRun(t *testing.T) {
	env := jobstest.NewEnv(t)
	eng := jobstest.NewEngine()
	eng.Points = 1
	var mu sync.Mutex
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	m := newManager(t, env, eng, func(o *jobs.Options) { o.Clock = clock })

	const submitters = 4
	for round := 0; round < 25; round++ {
		mu.Lock()
		now = now.Add(2 * time.Second)
		mu.Unlock()

		start := make(chan struct{})
		results := make([]*jobs.SubmitResult, submitters)
		errs := make([]error, submitters)
		var wg sync.WaitGroup
		for i := 0; i < submitters; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				<-start
				results[i], errs[i] = m.Submit(context.Background(), jobstest.Config())
			}(i)
		}
		close(start)
		wg.Wait()

		created := 0
		for i := 0; i < submitters; i++ {
			if errs[i] != nil {
				t.Fatalf("round %d: submit %d: %v", round, i, errs[i])
			}
			if results[i].Run.ID != results[0].Run.ID {
				t.Fatalf("round %d: ids %s and %s differ", round, results[0].Run.ID, results[i].Run.ID)
			}
			if !results[i].Existing {
				created++
			}
		}
		if created != 1 {
			t.Fatalf("round %d: %d submissions created the run, want 1", round, created)
		}
		if got := finish(t, env, m, results[0].Run.ID); got.Status != domain.RunCompleted {
			t.Fatalf("round %d: status = %s (%s)", round, got.Status, got.Error)
		}
	}
	if got := len(eng.Backends()); got != 25 {
		t.Errorf("solves = %d, want one per round", got)
	}
}

func TestSubmit_ValidationError(t *testing.T) {
	env := jobstest.NewEnv(t)
	m := newManager(t, env, jobstest.NewEngine(), nil)

	cfg := jobstest.Config()
	cfg.BeamIDs = nil
	cfg.VoxelDownSample = [3]int{0, 6, 1}
	_, err := m.Submit(context.Background(), cfg)
	var ve *domain.ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("error = %v, want *domain.ValidationError", err)
	}
	if len(ve.Problems) < 2 {
		t.Errorf("problems = %v", ve.Problems)
	}
	ids, _ := env.Store.ListRunIDs()
	if len(ids) != 0 {
		t.Errorf("invalid config created runs %v", ids)
	}
}

func TestExecute_SolverFailureRecordedVerbatim(t *testing.T) {
	env := jobstest.NewEnv(t)
	eng := jobstest.NewEngine()
	eng.Fail = map[string]error{
		solver.DefaultPreferred: errors.New("MSK_RES_ERR_LICENSE_EXPIRED"),
		solver.DefaultFallback:  errors.New("problem is infeasible"),
	}
	m := newManager(t, env, eng, nil)

	run := finish(t, env, m, submit(t, m, jobstest.Config()).ID)
	if run.Status != domain.RunFailed {
		t.Fatalf("status = %s", run.Status)
	}
	if !strings.Contains(run.Error, "problem is infeasible") {
		t.Errorf("error = %q", run.Error)
	}
	art, err := env.Store.LoadArtifacts(run.ID)
	if err != nil {
		t.Fatal(err)
	}
	if art.Complete || art.Solver == nil || art.Solver.Error == "" {
		t.Errorf("failed run artifacts = %+v", art)
	}
}

func TestExecute_PreferredRetriedWithoutParams(t *testing.T) {
	env := jobstest.NewEnv(t)
	eng := jobstest.NewEngine()
	m := newManager(t, env, eng, nil)

	cfg := jobstest.Config()
	cfg.SolverParams = map[string]float64{"MSK_IPAR_NUM_THREADS": 2, "NOT_A_PARAM": 1}
	run := finish(t, env, m, submit(t, m, cfg).ID)
	if run.Status != domain.RunCompleted {
		t.Fatalf("status = %s (%s)", run.Status, run.Error)
	}
	params := eng.Params()
	if len(params) != 1 || params[0]["MSK_IPAR_NUM_THREADS"] != 2 {
		t.Errorf("params = %v", params)
	}
	if _, ok := params[0]["NOT_A_PARAM"]; ok {
		t.Error("unsupported parameter reached the engine")
	}
}

func TestExecute_TimeLimitIsCompleted(t *testing.T) {
	env := jobstest.NewEnv(t)
	eng := jobstest.NewEngine()
	eng.Status = "user_limit"
	eng.StopReason = domain.StopTimeLimit
	m := newManager(t, env, eng, nil)

	run := finish(t, env, m, submit(t, m, jobstest.Config()).ID)
	if run.Status != domain.RunCompleted || run.StopReason != domain.StopTimeLimit {
		t.Errorf("run = %s / %s (%s)", run.Status, run.StopReason, run.Error)
	}
}

func TestExecute_UnusableSolutionFails(t *testing.T) {
	env := jobstest.NewEnv(t)
	eng := jobstest.NewEngine()
	eng.Status = "infeasible"
	m := newManager(t, env, eng, nil)

	run := finish(t, env, m, submit(t, m, jobstest.Config()).ID)
	if run.Status != domain.RunFailed || !strings.Contains(run.Error, "infeasible") {
		t.Errorf("run = %s (%s)", run.Status, run.Error)
	}
	if eng.DoseCalls() != 0 {
		t.Error("dose must not be computed for an unusable solution")
	}
}

func TestExecute_PanicIsRecorded(t *testing.T) {
	env := jobstest.NewEnv(t)
	eng := jobstest.NewEngine()
	eng.Panic = true
	m := newManager(t, env, eng, nil)

	run := finish(t, env, m, submit(t, m, jobstest.Config()).ID)
	if run.Status != domain.RunFailed || !strings.Contains(run.Error, "engine exploded") {
		t.Errorf("run = %s (%s)", run.Status, run.Error)
	}
}

func TestExecute_ReconstructionFailure(t *testing.T) {
	env := jobstest.NewEnv(t)
	eng := jobstest.NewEngine()
	eng.DoseErr = errors.New("dose influence matrix missing")
	m := newManager(t, env, eng, nil)

	run := finish(t, env, m, submit(t, m, jobstest.Config()).ID)
	if run.Status != domain.RunReconstructionFailed {
		t.Fatalf("status = %s", run.Status)
	}
	if !strings.Contains(run.Error, "dose influence matrix missing") {
		t.Errorf("error = %q", run.Error)
	}
	art, err := env.Store.LoadArtifacts(run.ID)
	if err != nil {
		t.Fatal(err)
	}
	if art.Complete || art.DVH != nil {
		t.Error("reconstruction failure must not look complete")
	}
	if art.Solver == nil || len(art.Progress) == 0 {
		t.Error("solver summary and trace must be kept")
	}
	if _, err := env.Store.LoadSolution(run.ID); err != nil {
		t.Errorf("raw solution not kept: %v", err)
	}
}

func TestExecute_PanicDuringDoseIsReconstructionFailure(t *testing.T) {
	env := jobstest.NewEnv(t)
	eng := jobstest.NewEngine()
	eng.DosePanic = true
	m := newManager(t, env, eng, nil)

	run := finish(t, env, m, submit(t, m, jobstest.Config()).ID)
	if run.Status != domain.RunReconstructionFailed || !strings.Contains(run.Error, "dose engine exploded") {
		t.Errorf("run = %s (%s)", run.Status, run.Error)
	}
	if _, err := env.Store.LoadSolution(run.ID); err != nil {
		t.Errorf("raw solution not kept: %v", err)
	}
}

func TestTransition_UnpersistedStatusNotAnnounced(t *testing.T) {
	env := jobstest.NewEnv(t)
	eng := jobstest.NewEngine()
	eng.Hold = 1
	eng.Step = make(chan struct{})
	m := newManager(t, env, eng, nil)

	events, cancel := m.Subscribe()
	defer cancel()
	run := submit(t, m, jobstest.Config())
	jobstest.Eventually(t, func() bool {
		r, err := env.Store.LoadRun(run.ID)
		return err == nil && r.Status == domain.RunRunning
	}, "run to start")

	// a directory in place of run.json makes every status write fail
	statusPath := filepath.Join(env.Store.RunDir(run.ID), "run.json")
	if err := os.Remove(statusPath); err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(filepath.Join(statusPath, "blocker"), 0o755); err != nil {
		t.Fatal(err)
	}

	close(eng.Step)
	jobstest.Eventually(t, func() bool {
		return m.DoseStage(run.ID) == domain.DoseDone
	}, "dose stage to finish")
	time.Sleep(300 * time.Millisecond)

	got, err := m.Get(run.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.RunRunning {
		t.Errorf("in-memory status = %s, want running while the disk says so", got.Status)
	}
	select {
	case <-m.Wait(run.ID):
		t.Error("Wait released for a status that was never persisted")
	default:
	}
	for {
		select {
		case e := <-events:
			if e.RunID == run.ID && e.Kind == jobs.EventStatus && e.Status.IsTerminal() {
				t.Fatalf("terminal status %s announced", e.Status)
			}
			continue
		default:
		}
		break
	}
}

func TestManager_SlotEvents(t *testing.T) {
	env := jobstest.NewEnv(t)
	m := newManager(t, env, jobstest.NewEngine(), func(o *jobs.Options) { o.MaxConcurrent = 1 })

	events, cancel := m.Subscribe()
	defer cancel()
	finish(t, env, m, submit(t, m, jobstest.Config()).ID)

	var slots []int
	timeout := time.After(5 * time.Second)
	for len(slots) < 2 {
		select {
		case e := <-events:
			if e.Kind != jobs.EventSlots {
				continue
			}
			if e.RunID != "" || e.Slots == nil {
				t.Fatalf("slot event = %+v", e)
			}
			slots = append(slots, *e.Slots)
		case <-timeout:
			t.Fatalf("slot events so far: %v", slots)
		}
	}
	if slots[0] != 0 || slots[1] != 1 {
		t.Errorf("slots = %v, want [0 1]", slots)
	}
}

func TestExecute_DeferredDoseStage(t *testing.T) {
	env := jobstest.NewEnv(t)
	eng := jobstest.NewEngine()
	eng.DoseGate = make(chan struct{})
	m := newManager(t, env, eng, func(o *jobs.Options) {
		o.Planner = dose.Planner{AlwaysDefer: true}
	})

	run := submit(t, m, jobstest.Config())
	jobstest.Eventually(t, func() bool {
		r, err := env.Store.LoadRun(run.ID)
		return err == nil && r.Status == domain.RunDosePending
	}, "run to reach %s", domain.RunDosePending)

	if stage := m.DoseStage(run.ID); stage != domain.DoseInProgress {
		t.Errorf("dose stage while pending = %s", stage)
	}
	art, err := env.Store.LoadArtifacts(run.ID)
	if err != nil {
		t.Fatal(err)
	}
	if art.Complete || art.Solver == nil {
		t.Errorf("pending artifacts = %+v", art)
	}

	close(eng.DoseGate)
	if got := finish(t, env, m, run.ID); got.Status != domain.RunCompleted {
		t.Errorf("final status = %s (%s)", got.Status, got.Error)
	}
}

func TestManager_EventsInOrder(t *testing.T) {
	env := jobstest.NewEnv(t)
	m := newManager(t, env, jobstest.NewEngine(), nil)

	events, cancel := m.Subscribe()
	defer cancel()
	run := submit(t, m, jobstest.Config())
	finish(t, env, m, run.ID)

	var statuses []domain.RunStatus
	progress := 0
	timeout := time.After(5 * time.Second)
	for len(statuses) == 0 || !statuses[len(statuses)-1].IsTerminal() {
		select {
		case e := <-events:
			if e.RunID != run.ID {
				continue
			}
			if e.Kind == jobs.EventProgress {
				progress++
				continue
			}
			statuses = append(statuses, e.Status)
		case <-timeout:
			t.Fatalf("statuses so far: %v", statuses)
		}
	}
	want := []domain.RunStatus{domain.RunQueued, domain.RunRunning, domain.RunCompleted}
	if len(statuses) != len(want) {
		t.Fatalf("statuses = %v, want %v", statuses, want)
	}
	for i := range want {
		if statuses[i] != want[i] {
			t.Errorf("statuses = %v, want %v", statuses, want)
			break
		}
	}
	if progress == 0 {
		t.Error("no progress events")
	}
}

func TestManager_IndexAndTimings(t *testing.T) {
	env := jobstest.NewEnv(t)
	idx, err := runstore.New(filepath.Join(env.Root, "runs.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer idx.Close()
	m := newManager(t, env, jobstest.NewEngine(), func(o *jobs.Options) { o.Index = idx })

	run := finish(t, env, m, submit(t, m, jobstest.Config()).ID)
	indexed, err := idx.GetRun(run.ID)
	if err != nil {
		t.Fatal(err)
	}
	if indexed.Status != domain.RunCompleted || indexed.Backend != solver.DefaultPreferred {
		t.Errorf("indexed run = %+v", indexed)
	}
	if _, ok, err := idx.LastDoseTiming(jobstest.CaseID); err != nil || !ok {
		t.Errorf("dose timing ok=%v err=%v", ok, err)
	}
}

func TestManager_Recover(t *testing.T) {
	env := jobstest.NewEnv(t)
	now := time.Now().UTC()
	for _, tc := range []struct {
		id     string
		status domain.RunStatus
	}{
		{"20260301T093000-aaaaaaaaaaaa", domain.RunRunning},
		{"20260301T093001-bbbbbbbbbbbb", domain.RunDosePending},
		{"20260301T093002-cccccccccccc", domain.RunCompleted},
	} {
		run := &domain.Run{ID: tc.id, CaseID: jobstest.CaseID, Status: tc.status, CreatedAt: now, UpdatedAt: now}
		if err := env.Store.CreateRun(run, jobstest.Config()); err != nil {
			t.Fatal(err)
		}
	}

	m := newManager(t, env, jobstest.NewEngine(), nil)
	n, err := m.Recover(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Errorf("recovered %d runs, want 2", n)
	}

	want := map[string]domain.RunStatus{
		"20260301T093000-aaaaaaaaaaaa": domain.RunFailed,
		"20260301T093001-bbbbbbbbbbbb": domain.RunReconstructionFailed,
		"20260301T093002-cccccccccccc": domain.RunCompleted,
	}
	for id, status := range want {
		run, err := env.Store.LoadRun(id)
		if err != nil {
			t.Fatal(err)
		}
		if run.Status != status {
			t.Errorf("%s status = %s, want %s", id, run.Status, status)
		}
	}
}

func TestManager_ShutdownRejectsSubmit(t *testing.T) {
	env := jobstest.NewEnv(t)
	m := newManager(t, env, jobstest.NewEngine(), nil)
	if err := m.Shutdown(context.Background()); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Submit(context.Background(), jobstest.Config()); !errors.Is(err, jobs.ErrShuttingDown) {
		t.Errorf("Submit after shutdown error = %v", err)
	}
}
