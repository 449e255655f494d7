package domain

// DVHCurve holds a cumulative dose-volume histogram as parallel sequences.
// Dose is non-decreasing, volume is non-increasing.
type DVHCurve struct {
	DoseGy     []float64 `json:"dose_gy"`
	VolumePerc []float64 `json:"volume_perc"`
}

// DoseRef describes the reconstructed dose. Small grids are kept inline,
// large ones live in a separate binary file referenced by Path.
type DoseRef struct {
	Inline       []float64 `json:"dose_1d,omitempty"`
	Path         string    `json:"path,omitempty"`
	Voxels       int       `json:"voxels"`
	Shape        [3]int    `json:"shape"`
	Mean         float64   `json:"mean_gy"`
	Max          float64   `json:"max_gy"`
	Unit         string    `json:"unit"`
	NumFractions int       `json:"num_fractions"`
}

// CriteriaRow is one line of the clinical criteria compliance table
type CriteriaRow struct {
	Constraint string   `json:"constraint"`
	Structure  string   `json:"structure"`
	Limit      *float64 `json:"limit,omitempty"`
	Goal       *float64 `json:"goal,omitempty"`
	Unit       string   `json:"unit"`
	PlanValue  *float64 `json:"plan_value,omitempty"`
	LimitMet   *bool    `json:"limit_met,omitempty"`
	GoalMet    *bool    `json:"goal_met,omitempty"`
}

// SolverSummary records how the solve went, including which backend actually
// ran and whether that was a fallback
type SolverSummary struct {
	Requested        SolverChoice       `json:"requested"`
	Backend          string             `json:"backend"`
	Fallback         bool               `json:"fallback"`
	Status           string             `json:"status"`
	StopReason       StopReason         `json:"stop_reason,omitempty"`
	Objective        *float64           `json:"objective_value,omitempty"`
	SolveTimeSeconds float64            `json:"solve_time_seconds"`
	Params           map[string]float64 `json:"params,omitempty"`
	DroppedParams    []string           `json:"dropped_params,omitempty"`
	Warnings         []string           `json:"warnings,omitempty"`
	Error            string             `json:"error,omitempty"`
}

// PlanSummary identifies the plan a set of results belongs to
type PlanSummary struct {
	CaseID         string  `json:"patient_id"`
	BeamIDs        []int   `json:"beam_ids"`
	PrescriptionGy float64 `json:"prescription_gy"`
	NumFractions   int     `json:"num_fractions"`
}

// Results is the output of dose reconstruction. It is committed as one unit.
type Results struct {
	DVH      map[string]DVHCurve           `json:"dvh"`
	Metrics  map[string]map[string]float64 `json:"metrics"`
	Criteria []CriteriaRow                 `json:"clinical_criteria"`
	Dose     DoseRef                       `json:"dose"`
	Plan     PlanSummary                   `json:"plan"`

	// DoseValues is the full flattened dose grid. It is persisted separately
	// from the JSON artifacts.
	DoseValues []float64 `json:"-"`
}

// RunArtifacts is everything a run has produced so far. Complete is true only
// when the results section is fully present.
type RunArtifacts struct {
	Config   *RunConfig                    `json:"config,omitempty"`
	Solver   *SolverSummary                `json:"solver_trace,omitempty"`
	Progress []TracePoint                  `json:"progress"`
	DVH      map[string]DVHCurve           `json:"dvh,omitempty"`
	Metrics  map[string]map[string]float64 `json:"metrics,omitempty"`
	Criteria []CriteriaRow                 `json:"clinical_criteria,omitempty"`
	Dose     *DoseRef                      `json:"dose,omitempty"`
	Plan     *PlanSummary                  `json:"plan,omitempty"`
	Complete bool                          `json:"complete"`
}

// ApplyResults copies a committed results set into the artifacts
func (a *RunArtifacts) ApplyResults(r *Results) {
	if r == nil {
		return
	}
	a.DVH = r.DVH
	a.Metrics = r.Metrics
	a.Criteria = r.Criteria
	dose := r.Dose
	a.Dose = &dose
	plan := r.Plan
	a.Plan = &plan
	a.Complete = true
}
