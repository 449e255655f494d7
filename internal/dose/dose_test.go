package dose

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/hochfrequenz/vmat-orchestrator/internal/criteria"
	"github.com/hochfrequenz/vmat-orchestrator/internal/domain"
)

func approx(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

func TestComputeDVH(t *testing.T) {
	sorted := SortDescending([]float64{10, 20, 20, 30, 40})
	curve, ok := ComputeDVH(sorted)
	if !ok {
		t.Fatal("expected a curve")
	}

	wantDose := []float64{10, 20, 30, 40, 40}
	wantVol := []float64{100, 80, 40, 20, 0}
	if len(curve.DoseGy) != len(wantDose) {
		t.Fatalf("curve = %+v", curve)
	}
	for i := range wantDose {
		if !approx(curve.DoseGy[i], wantDose[i]) || !approx(curve.VolumePerc[i], wantVol[i]) {
			t.Errorf("point %d = (%v, %v), want (%v, %v)", i, curve.DoseGy[i], curve.VolumePerc[i], wantDose[i], wantVol[i])
		}
	}
}

func TestComputeDVH_Monotone(t *testing.T) {
	doses := make([]float64, 0, 500)
	for i := 0; i < 500; i++ {
		doses = append(doses, math.Mod(float64(i)*7.3, 61))
	}
	curve, ok := ComputeDVH(SortDescending(doses))
	if !ok {
		t.Fatal("expected a curve")
	}
	if curve.VolumePerc[0] != 100 || curve.VolumePerc[len(curve.VolumePerc)-1] != 0 {
		t.Errorf("curve must run from 100%% to 0%%, got %v .. %v", curve.VolumePerc[0], curve.VolumePerc[len(curve.VolumePerc)-1])
	}
	for i := 1; i < len(curve.DoseGy); i++ {
		if curve.DoseGy[i] < curve.DoseGy[i-1] {
			t.Fatalf("dose decreases at %d", i)
		}
		if curve.VolumePerc[i] > curve.VolumePerc[i-1] {
			t.Fatalf("volume increases at %d", i)
		}
	}
}

func TestComputeDVH_Empty(t *testing.T) {
	if _, ok := ComputeDVH(nil); ok {
		t.Error("empty structure should have no curve")
	}
}

func TestStructureDoses_OutOfRange(t *testing.T) {
	if _, err := StructureDoses([]float64{1, 2}, []uint32{0, 2}); err == nil {
		t.Error("expected error for voxel outside grid")
	}
}

func TestMetrics(t *testing.T) {
	// 100 voxels with doses 1..100
	doses := make([]float64, 100)
	for i := range doses {
		doses[i] = float64(i + 1)
	}
	sorted := SortDescending(doses)

	tests := []struct {
		spec domain.MetricSpec
		want float64
	}{
		{domain.MetricSpec{Type: domain.MetricD, VolumePerc: 95}, 6},
		{domain.MetricSpec{Type: domain.MetricD, VolumePerc: 2}, 99},
		{domain.MetricSpec{Type: domain.MetricDmax}, 100},
		{domain.MetricSpec{Type: domain.MetricDmean}, 50.5},
		{domain.MetricSpec{Type: domain.MetricV, DoseGy: 20}, 81},
		{domain.MetricSpec{Type: domain.MetricV, DoseGy: 101}, 0},
		// 2cc of a 50cc structure is 4%
		{domain.MetricSpec{Type: domain.MetricDcc, VolumeCC: 2}, 97},
	}
	for _, tt := range tests {
		t.Run(tt.spec.Name(), func(t *testing.T) {
			got, ok := Metric(sorted, tt.spec, 50, 0.5)
			if !ok {
				t.Fatal("metric not computed")
			}
			if !approx(got, tt.want) {
				t.Errorf("%s = %v, want %v", tt.spec.Name(), got, tt.want)
			}
		})
	}
}

func TestDoseAtVolumeCC_VoxelFallback(t *testing.T) {
	sorted := []float64{9, 8, 7, 6}
	got, ok := DoseAtVolumeCC(sorted, 1, 0, 0.5)
	if !ok || got != 8 {
		t.Errorf("D1cc = %v, %v; want 8 (two voxels)", got, ok)
	}
	if _, ok := DoseAtVolumeCC(sorted, 1, 0, 0); ok {
		t.Error("no volume information should yield no value")
	}
}

// testCase builds a 4x5x1 grid: PTV covers voxels 0-9, CORD 10-14, HEART 15-19
func testCase() (*domain.Case, []float64) {
	c := &domain.Case{
		ID:             "Lung_Test",
		PrescriptionGy: 60,
		NumFractions:   30,
		VoxelVolumeCC:  1,
		GridShape:      [3]int{4, 5, 1},
		Structures: []domain.Structure{
			{Name: "PTV", VolumeCC: 10, Voxels: []uint32{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}},
			{Name: "CORD", VolumeCC: 5, Voxels: []uint32{10, 11, 12, 13, 14}},
			{Name: "HEART", VolumeCC: 5, Voxels: []uint32{15, 16, 17, 18, 19}},
		},
	}
	grid := make([]float64, 20)
	for i := 0; i < 10; i++ {
		grid[i] = 58 + float64(i)*0.5 // 58 .. 62.5
	}
	for i := 10; i < 15; i++ {
		grid[i] = 40 + float64(i-10) // 40 .. 44
	}
	for i := 15; i < 20; i++ {
		grid[i] = 10
	}
	return c, grid
}

func TestReconstruct(t *testing.T) {
	c, grid := testCase()
	cfg := domain.DefaultRunConfig()
	cfg.CaseID = c.ID
	cfg.Objectives = []domain.ObjectiveOverride{{StructureName: "CORD", Type: domain.ObjectiveMaxDose, Weight: 1}}

	p, err := criteria.Load("", "")
	if err != nil {
		t.Fatal(err)
	}
	res, err := Reconstruct(context.Background(), Input{Case: c, Config: cfg, Dose: grid, Shape: c.GridShape, Protocol: p})
	if err != nil {
		t.Fatal(err)
	}

	for _, name := range []string{"PTV", "CORD", "HEART"} {
		if _, ok := res.DVH[name]; !ok {
			t.Errorf("missing DVH for %s", name)
		}
	}
	if _, ok := res.DVH["LUNG_R"]; ok {
		t.Error("structure absent from the case must not get a DVH")
	}
	if got := res.Metrics["CORD"]["Dmax"]; got != 44 {
		t.Errorf("CORD Dmax = %v, want 44", got)
	}
	if got := res.Metrics["HEART"]["Dmean"]; got != 10 {
		t.Errorf("HEART Dmean = %v, want 10", got)
	}
	if res.Dose.Unit != "Gy" || res.Dose.Voxels != 20 || res.Dose.Max != 62.5 {
		t.Errorf("dose summary = %+v", res.Dose)
	}
	if res.Plan.CaseID != c.ID || res.Plan.PrescriptionGy != 60 || len(res.Plan.BeamIDs) != 7 {
		t.Errorf("plan = %+v", res.Plan)
	}
	if len(res.Criteria) != len(p.Criteria) {
		t.Fatalf("criteria rows = %d, want %d", len(res.Criteria), len(p.Criteria))
	}

	var sawCord, sawMissing bool
	for _, row := range res.Criteria {
		switch {
		case row.Structure == "CORD" && row.Constraint == criteria.TypeMaxDose:
			sawCord = true
			if row.PlanValue == nil || *row.PlanValue != 44 {
				t.Errorf("CORD max plan value = %v", row.PlanValue)
			}
			if row.LimitMet == nil || !*row.LimitMet {
				t.Error("CORD max 44 Gy should meet a 50 Gy limit")
			}
		case row.Structure == "ESOPHAGUS":
			sawMissing = true
			if row.PlanValue != nil || row.LimitMet != nil {
				t.Errorf("missing structure row should have no value: %+v", row)
			}
		}
	}
	if !sawCord || !sawMissing {
		t.Error("expected CORD and ESOPHAGUS rows")
	}
}

func TestReconstruct_BadGrid(t *testing.T) {
	c, grid := testCase()
	cfg := domain.DefaultRunConfig()
	if _, err := Reconstruct(context.Background(), Input{Case: c, Config: cfg, Dose: grid[:10], Shape: c.GridShape}); err == nil {
		t.Error("expected shape mismatch error")
	}
	if _, err := Reconstruct(context.Background(), Input{Case: c, Config: cfg}); err == nil {
		t.Error("expected empty grid error")
	}
}

func TestReconstruct_Deterministic(t *testing.T) {
	c, grid := testCase()
	cfg := domain.DefaultRunConfig()
	a, err := Reconstruct(context.Background(), Input{Case: c, Config: cfg, Dose: grid, Workers: 1})
	if err != nil {
		t.Fatal(err)
	}
	b, err := Reconstruct(context.Background(), Input{Case: c, Config: cfg, Dose: grid})
	if err != nil {
		t.Fatal(err)
	}
	for name, m := range a.Metrics {
		for k, v := range m {
			if b.Metrics[name][k] != v {
				t.Errorf("%s %s differs: %v vs %v", name, k, v, b.Metrics[name][k])
			}
		}
	}
}

type fixedTimings struct {
	d  time.Duration
	ok bool
}

func (f fixedTimings) LastDoseTiming(string) (time.Duration, bool, error) {
	return f.d, f.ok, nil
}

func TestPlanner(t *testing.T) {
	c, _ := testCase()
	tests := []struct {
		name    string
		planner Planner
		want    bool
	}{
		{"small case inline", Planner{}, false},
		{"always defer", Planner{AlwaysDefer: true}, true},
		{"slow rate", Planner{VoxelsPerSecond: 1, Threshold: time.Second}, true},
		{"measured fast", Planner{VoxelsPerSecond: 1, Threshold: time.Second, Timings: fixedTimings{d: time.Millisecond, ok: true}}, false},
		{"measured slow", Planner{Timings: fixedTimings{d: time.Minute, ok: true}}, true},
		{"no measurement", Planner{Timings: fixedTimings{}}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.planner.ShouldDefer(c); got != tt.want {
				t.Errorf("ShouldDefer = %v, want %v (estimate %v)", got, tt.want, tt.planner.Estimate(c))
			}
		})
	}
}
