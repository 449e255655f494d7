package artifacts

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/hochfrequenz/vmat-orchestrator/internal/domain"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func newTestRun(t *testing.T, s *Store, id string) *domain.Run {
	t.Helper()
	run := &domain.Run{
		ID:        id,
		CaseID:    "Lung_Patient_6",
		Status:    domain.RunQueued,
		Requested: domain.SolverPreferred,
		CreatedAt: time.Now().UTC(),
		UpdatedAt: time.Now().UTC(),
	}
	if err := s.CreateRun(run, domain.DefaultRunConfig()); err != nil {
		t.Fatal(err)
	}
	return run
}

func TestStore_CreateAndLoadRun(t *testing.T) {
	s := newTestStore(t)
	run := newTestRun(t, s, "20250101T000000-0123456789ab")

	got, err := s.LoadRun(run.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.RunQueued {
		t.Errorf("Status = %q, want queued", got.Status)
	}
	cfg, err := s.LoadConfig(run.ID)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.CaseID != "Lung_Patient_6" {
		t.Errorf("config CaseID = %q", cfg.CaseID)
	}

	if err := s.CreateRun(run, domain.DefaultRunConfig()); !errors.Is(err, ErrRunExists) {
		t.Errorf("second CreateRun error = %v, want ErrRunExists", err)
	}

	ids, err := s.ListRunIDs()
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 1 || ids[0] != run.ID {
		t.Errorf("ListRunIDs = %v", ids)
	}
}

func TestStore_LoadRunNotFound(t *testing.T) {
	s := newTestStore(t)
	for _, id := range []string{"20250101T000000-000000000000", "../escape"} {
		if _, err := s.LoadRun(id); !errors.Is(err, domain.ErrNotFound) {
			t.Errorf("LoadRun(%q) error = %v, want ErrNotFound", id, err)
		}
	}
	if _, err := s.LoadArtifacts("missing"); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("LoadArtifacts error = %v, want ErrNotFound", err)
	}
}

func TestJournal_AppendAndTail(t *testing.T) {
	s := newTestStore(t)
	run := newTestRun(t, s, "20250101T000000-0123456789ab")

	j, err := s.OpenJournal(run.ID)
	if err != nil {
		t.Fatal(err)
	}
	for i := 1; i <= 5; i++ {
		if err := j.AppendProgress(domain.TracePoint{Iteration: i, Gap: 1 / float64(i)}); err != nil {
			t.Fatal(err)
		}
		if err := j.AppendLog("info", "iteration\nwith newline"); err != nil {
			t.Fatal(err)
		}
	}
	if err := j.Close(); err != nil {
		t.Fatal(err)
	}
	if err := j.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}

	points, err := s.LoadProgress(run.ID, 3)
	if err != nil {
		t.Fatal(err)
	}
	if len(points) != 3 || points[0].Iteration != 3 || points[2].Iteration != 5 {
		t.Errorf("progress tail = %+v", points)
	}

	logs, err := s.LoadLogs(run.ID, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(logs) != 5 {
		t.Fatalf("log lines = %d, want 5", len(logs))
	}
	if !strings.Contains(logs[0], "[INFO] iteration with newline") {
		t.Errorf("log line = %q", logs[0])
	}
}

func TestLoadProgress_IgnoresPartialTrailingLine(t *testing.T) {
	s := newTestStore(t)
	run := newTestRun(t, s, "20250101T000000-0123456789ab")

	content := `{"iteration":1,"gap":0.5}` + "\n" + `{"iteration":2,"ga`
	if err := os.WriteFile(filepath.Join(s.RunDir(run.ID), progressFile), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	points, err := s.LoadProgress(run.ID, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(points) != 1 || points[0].Iteration != 1 {
		t.Errorf("points = %+v, want only iteration 1", points)
	}
}

func TestLoadLogs_EmptyForNewRun(t *testing.T) {
	s := newTestStore(t)
	run := newTestRun(t, s, "20250101T000000-0123456789ab")
	logs, err := s.LoadLogs(run.ID, DefaultLogTail)
	if err != nil {
		t.Fatal(err)
	}
	if len(logs) != 0 {
		t.Errorf("logs = %v, want none", logs)
	}
}

func testResults(doses []float64) *domain.Results {
	return &domain.Results{
		DVH: map[string]domain.DVHCurve{
			"PTV": {DoseGy: []float64{0, 60}, VolumePerc: []float64{100, 0}},
		},
		Metrics:    map[string]map[string]float64{"PTV": {"D95": 58.2}},
		Dose:       domain.DoseRef{Voxels: len(doses), Shape: [3]int{len(doses), 1, 1}, Unit: "Gy"},
		Plan:       domain.PlanSummary{CaseID: "Lung_Patient_6", BeamIDs: []int{0, 11}},
		DoseValues: doses,
	}
}

func TestCommitResults(t *testing.T) {
	s := newTestStore(t)
	run := newTestRun(t, s, "20250101T000000-0123456789ab")

	art, err := s.LoadArtifacts(run.ID)
	if err != nil {
		t.Fatal(err)
	}
	if art.Complete {
		t.Error("artifacts complete before commit")
	}

	if err := s.CommitResults(run.ID, testResults([]float64{1, 2, 3})); err != nil {
		t.Fatal(err)
	}
	if err := s.CommitResults(run.ID, testResults([]float64{4, 5, 6, 7})); err != nil {
		t.Fatal(err)
	}

	art, err = s.LoadArtifacts(run.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !art.Complete {
		t.Fatal("artifacts not complete after commit")
	}
	if art.Dose == nil || len(art.Dose.Inline) != 4 {
		t.Errorf("inline dose = %+v, want 4 values", art.Dose)
	}
	if art.Metrics["PTV"]["D95"] != 58.2 {
		t.Errorf("metrics = %v", art.Metrics)
	}

	dose, err := s.LoadDose(run.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(dose) != 4 || dose[3] != 7 {
		t.Errorf("dose = %v", dose)
	}

	entries, err := os.ReadDir(s.RunDir(run.ID))
	if err != nil {
		t.Fatal(err)
	}
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), resultsTmpPrefix) || strings.HasPrefix(e.Name(), resultsOldPrefix) {
			t.Errorf("staging directory left behind: %s", e.Name())
		}
	}
}

func TestCommitResults_LargeDoseNotInlined(t *testing.T) {
	s := newTestStore(t)
	s.InlineDoseLimit = 2
	run := newTestRun(t, s, "20250101T000000-0123456789ab")

	if err := s.CommitResults(run.ID, testResults([]float64{1, 2, 3})); err != nil {
		t.Fatal(err)
	}
	res, err := s.LoadResults(run.ID)
	if err != nil {
		t.Fatal(err)
	}
	if res.Dose.Inline != nil {
		t.Error("dose inlined above limit")
	}
	if res.Dose.Path != "results/dose.bin" {
		t.Errorf("dose path = %q", res.Dose.Path)
	}
}

func TestCleanupStaging(t *testing.T) {
	s := newTestStore(t)
	run := newTestRun(t, s, "20250101T000000-0123456789ab")
	stale := filepath.Join(s.RunDir(run.ID), resultsTmpPrefix+"123")
	if err := os.MkdirAll(stale, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := s.CleanupStaging(run.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(stale); !os.IsNotExist(err) {
		t.Errorf("stale staging dir still present: %v", err)
	}
}

func TestCaseManifestCache(t *testing.T) {
	s := newTestStore(t)
	m := &domain.CaseManifest{CaseID: "Lung_Patient_2", Structures: []string{"PTV", "CORD"}}
	if err := s.SaveCaseManifest(m); err != nil {
		t.Fatal(err)
	}
	got, err := s.LoadCaseManifest("Lung_Patient_2")
	if err != nil {
		t.Fatal(err)
	}
	if len(got.Structures) != 2 {
		t.Errorf("Structures = %v", got.Structures)
	}
	if _, err := s.LoadCaseManifest("Lung_Patient_3"); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("missing manifest error = %v, want ErrNotFound", err)
	}
}
