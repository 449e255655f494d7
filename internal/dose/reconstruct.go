package dose

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/hochfrequenz/vmat-orchestrator/internal/criteria"
	"github.com/hochfrequenz/vmat-orchestrator/internal/domain"
)

// Input is everything Reconstruct needs
type Input struct {
	Case     *domain.Case
	Config   domain.RunConfig
	Dose     []float64
	Shape    [3]int
	Protocol *criteria.Protocol
	// Workers bounds the structures processed concurrently (0 = one per CPU).
	Workers int
}

// structureResult holds the per-structure output
type structureResult struct {
	sorted  []float64
	dvh     *domain.DVHCurve
	metrics map[string]float64
}

// Reconstruct derives DVHs, metrics and the criteria table from a dose grid.
// Structures are processed concurrently; the result is assembled only after
// all of them succeed.
func Reconstruct(ctx context.Context, in Input) (*domain.Results, error) {
	c := in.Case
	if c == nil {
		return nil, fmt.Errorf("reconstruct: no case")
	}
	if len(in.Dose) == 0 {
		return nil, fmt.Errorf("reconstruct %s: empty dose grid", c.ID)
	}
	if n := in.Shape[0] * in.Shape[1] * in.Shape[2]; n != 0 && n != len(in.Dose) {
		return nil, fmt.Errorf("reconstruct %s: dose has %d voxels, shape %v needs %d", c.ID, len(in.Dose), in.Shape, n)
	}

	wantDVH := dvhStructures(in.Config)
	wantCriteria := make(map[string]bool)
	if in.Protocol != nil {
		for _, cr := range in.Protocol.Criteria {
			wantCriteria[cr.Structure] = true
		}
	}
	metrics := in.Config.Metrics
	if metrics == nil {
		metrics = domain.DefaultMetrics()
	}

	var (
		mu      sync.Mutex
		results = make(map[string]*structureResult)
	)
	g, gctx := errgroup.WithContext(ctx)
	if in.Workers > 0 {
		g.SetLimit(in.Workers)
	}
	for i := range c.Structures {
		s := c.Structures[i]
		needed := wantDVH[s.Name] || wantCriteria[s.Name] || hasMetric(metrics, s.Name)
		if !needed || len(s.Voxels) == 0 {
			continue
		}
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			doses, err := StructureDoses(in.Dose, s.Voxels)
			if err != nil {
				return fmt.Errorf("structure %s: %w", s.Name, err)
			}
			r := &structureResult{sorted: SortDescending(doses)}
			if wantDVH[s.Name] {
				if curve, ok := ComputeDVH(r.sorted); ok {
					r.dvh = &curve
				}
			}
			r.metrics = ComputeMetrics(r.sorted, s, metrics, c.VoxelVolumeCC)

			mu.Lock()
			results[s.Name] = r
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := &domain.Results{
		DVH:     make(map[string]domain.DVHCurve),
		Metrics: make(map[string]map[string]float64),
		Plan: domain.PlanSummary{
			CaseID:         c.ID,
			BeamIDs:        append([]int(nil), in.Config.BeamIDs...),
			PrescriptionGy: prescription(c, in.Protocol),
			NumFractions:   fractions(c, in.Protocol),
		},
		DoseValues: in.Dose,
	}
	for name, r := range results {
		if r.dvh != nil {
			out.DVH[name] = *r.dvh
		}
		if len(r.metrics) > 0 {
			out.Metrics[name] = r.metrics
		}
	}
	out.Criteria = Evaluate(in.Protocol, out.Plan.PrescriptionGy, c, func(name string) []float64 {
		if r, ok := results[name]; ok {
			return r.sorted
		}
		return nil
	})
	if out.Criteria == nil {
		out.Criteria = []domain.CriteriaRow{}
	}

	shape := in.Shape
	if shape == [3]int{} {
		shape = c.GridShape
	}
	out.Dose = summarize(in.Dose, shape, out.Plan.NumFractions)
	return out, nil
}

// Evaluate joins the protocol against the structure doses. Rows whose
// structure is absent from the case keep a nil plan value.
func Evaluate(p *criteria.Protocol, prescriptionGy float64, c *domain.Case, sortedDoses func(string) []float64) []domain.CriteriaRow {
	if p == nil {
		return nil
	}
	rows := make([]domain.CriteriaRow, 0, len(p.Criteria))
	for _, cr := range p.Criteria {
		row := domain.CriteriaRow{
			Constraint: cr.Constraint(),
			Structure:  cr.Structure,
			Limit:      cr.Limit(prescriptionGy),
			Goal:       cr.Goal(prescriptionGy),
			Unit:       cr.Unit(),
		}
		var structureCC float64
		if s, ok := c.Structure(cr.Structure); ok {
			structureCC = s.VolumeCC
		}
		if v, ok := Metric(sortedDoses(cr.Structure), cr.Metric(), structureCC, c.VoxelVolumeCC); ok {
			row.PlanValue = &v
			if row.Limit != nil {
				met := cr.Satisfied(v, *row.Limit)
				row.LimitMet = &met
			}
			if row.Goal != nil {
				met := cr.Satisfied(v, *row.Goal)
				row.GoalMet = &met
			}
		}
		rows = append(rows, row)
	}
	return rows
}

// dvhStructures is the configured DVH set plus every structure an objective
// override refers to
func dvhStructures(cfg domain.RunConfig) map[string]bool {
	want := make(map[string]bool)
	names := cfg.DVHStructures
	if names == nil {
		names = domain.DefaultRunConfig().DVHStructures
	}
	for _, n := range names {
		want[n] = true
	}
	for _, o := range cfg.Objectives {
		want[o.StructureName] = true
	}
	return want
}

func hasMetric(specs []domain.MetricSpec, structure string) bool {
	for _, s := range specs {
		if s.Structure == structure {
			return true
		}
	}
	return false
}

func prescription(c *domain.Case, p *criteria.Protocol) float64 {
	if c.PrescriptionGy > 0 || p == nil {
		return c.PrescriptionGy
	}
	return p.PrescriptionGy
}

func fractions(c *domain.Case, p *criteria.Protocol) int {
	if c.NumFractions > 0 || p == nil {
		return c.NumFractions
	}
	return p.NumFractions
}

func summarize(values []float64, shape [3]int, numFractions int) domain.DoseRef {
	ref := domain.DoseRef{Voxels: len(values), Shape: shape, Unit: "Gy", NumFractions: numFractions}
	if len(values) == 0 {
		return ref
	}
	max := values[0]
	var sum float64
	for _, v := range values {
		sum += v
		if v > max {
			max = v
		}
	}
	ref.Mean = sum / float64(len(values))
	ref.Max = max
	return ref
}

