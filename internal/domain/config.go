package domain

import (
	"math"
	"regexp"
	"strconv"
	"strings"
)

var caseIDRegex = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.-]*$`)

// ValidCaseID reports whether id is usable as a case identifier and as a
// single path component
func ValidCaseID(id string) bool {
	return caseIDRegex.MatchString(id) && !strings.Contains(id, "..")
}

// RunConfig is the normalized input to one optimization. It is immutable once
// a run starts.
type RunConfig struct {
	CaseID            string              `json:"case_id"`
	VoxelDownSample   [3]int              `json:"voxel_down_sample_factors"`
	BeamletDownSample int                 `json:"beamlet_down_sample_factor"`
	BeamIDs           []int               `json:"beam_ids"`
	Solver            SolverChoice        `json:"solver"`
	SolverParams      map[string]float64  `json:"solver_params,omitempty"`
	Objectives        []ObjectiveOverride `json:"objective_overrides,omitempty"`
	MaxTimeSeconds    float64             `json:"max_time_seconds"`
	GapTolerance      float64             `json:"gap_tolerance"`
	MUUpperBound      float64             `json:"per_beam_mu_upper_bound"`
	DVHStructures     []string            `json:"dvh_structures,omitempty"`
	Metrics           []MetricSpec        `json:"metrics,omitempty"`
}

// ObjectiveOverride adjusts the weight or target of one objective in the
// case's default objective set
type ObjectiveOverride struct {
	StructureName string        `json:"structure_name"`
	Role          Role          `json:"role,omitempty"`
	Type          ObjectiveType `json:"type"`
	Weight        float64       `json:"weight"`
	DoseGy        *float64      `json:"dose_gy,omitempty"`
	DosePerc      *float64      `json:"dose_perc,omitempty"`
	VolumePerc    *float64      `json:"volume_perc,omitempty"`
	VolumeCC      *float64      `json:"volume_cc,omitempty"`
}

// MetricType selects a dose metric computed from a structure's dose list
type MetricType string

const (
	MetricD     MetricType = "D"
	MetricDcc   MetricType = "Dcc"
	MetricDmean MetricType = "Dmean"
	MetricDmax  MetricType = "Dmax"
	MetricV     MetricType = "V"
)

// MetricSpec requests one metric for one structure
type MetricSpec struct {
	Structure  string     `json:"structure"`
	Type       MetricType `json:"type"`
	VolumePerc float64    `json:"volume_perc,omitempty"`
	VolumeCC   float64    `json:"volume_cc,omitempty"`
	DoseGy     float64    `json:"dose_gy,omitempty"`
}

// Name returns the metric key used in the metrics artifact, e.g. D95, D2cc,
// Dmean or V20Gy
func (m MetricSpec) Name() string {
	switch m.Type {
	case MetricD:
		return "D" + formatNumber(m.VolumePerc)
	case MetricDcc:
		return "D" + formatNumber(m.VolumeCC) + "cc"
	case MetricV:
		return "V" + formatNumber(m.DoseGy) + "Gy"
	}
	return string(m.Type)
}

func formatNumber(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// InferRole derives a role from a structure name: PTV*, CTV and GTV are
// targets, everything else is an organ at risk
func InferRole(structure string) Role {
	upper := strings.ToUpper(strings.TrimSpace(structure))
	if strings.HasPrefix(upper, "PTV") || upper == "CTV" || upper == "GTV" {
		return RoleTarget
	}
	return RoleOrganAtRisk
}

// ResolveDoseGy converts the override target to absolute Gy
func (o ObjectiveOverride) ResolveDoseGy(prescriptionGy float64) (float64, bool) {
	switch {
	case o.DoseGy != nil:
		return *o.DoseGy, true
	case o.DosePerc != nil:
		return *o.DosePerc / 100 * prescriptionGy, true
	}
	return 0, false
}

// DefaultBeamIDs mirrors the benchmark VMAT setup: seven beams 11 apart
func DefaultBeamIDs() []int {
	ids := make([]int, 0, 7)
	for id := 0; id < 72; id += 11 {
		ids = append(ids, id)
	}
	return ids
}

// DefaultMetrics is the metric set reported for the lung protocol
func DefaultMetrics() []MetricSpec {
	return []MetricSpec{
		{Structure: "PTV", Type: MetricD, VolumePerc: 95},
		{Structure: "PTV", Type: MetricD, VolumePerc: 98},
		{Structure: "PTV", Type: MetricD, VolumePerc: 2},
		{Structure: "ESOPHAGUS", Type: MetricDmean},
		{Structure: "ESOPHAGUS", Type: MetricDmax},
		{Structure: "HEART", Type: MetricDmean},
		{Structure: "HEART", Type: MetricDmax},
		{Structure: "CORD", Type: MetricDmax},
		{Structure: "LUNG_L", Type: MetricDmean},
		{Structure: "LUNG_R", Type: MetricDmean},
		{Structure: "LUNGS_NOT_GTV", Type: MetricDmean},
	}
}

// DefaultRunConfig returns the configuration used when a caller omits fields
func DefaultRunConfig() RunConfig {
	return RunConfig{
		CaseID:            "Lung_Patient_6",
		VoxelDownSample:   [3]int{6, 6, 1},
		BeamletDownSample: 6,
		BeamIDs:           DefaultBeamIDs(),
		Solver:            SolverPreferred,
		MaxTimeSeconds:    300,
		GapTolerance:      0.05,
		MUUpperBound:      2.0,
		DVHStructures:     []string{"PTV", "ESOPHAGUS", "HEART", "CORD", "LUNG_R"},
		Metrics:           DefaultMetrics(),
	}
}

// Clone returns a deep copy of c
func (c RunConfig) Clone() RunConfig {
	out := c
	out.BeamIDs = append([]int(nil), c.BeamIDs...)
	if c.SolverParams != nil {
		out.SolverParams = make(map[string]float64, len(c.SolverParams))
		for k, v := range c.SolverParams {
			out.SolverParams[k] = v
		}
	}
	if c.Objectives != nil {
		out.Objectives = make([]ObjectiveOverride, len(c.Objectives))
		for i, o := range c.Objectives {
			out.Objectives[i] = o.clone()
		}
	}
	out.DVHStructures = append([]string(nil), c.DVHStructures...)
	out.Metrics = append([]MetricSpec(nil), c.Metrics...)
	return out
}

func (o ObjectiveOverride) clone() ObjectiveOverride {
	out := o
	out.DoseGy = copyFloat(o.DoseGy)
	out.DosePerc = copyFloat(o.DosePerc)
	out.VolumePerc = copyFloat(o.VolumePerc)
	out.VolumeCC = copyFloat(o.VolumeCC)
	return out
}

func copyFloat(v *float64) *float64 {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}

// Validate checks the structural shape of the config. Checks that need the
// case data (structure names) happen later, inside the job.
func (c RunConfig) Validate() error {
	ve := &ValidationError{}

	if !ValidCaseID(c.CaseID) {
		ve.addf("case_id %q is not a valid case identifier", c.CaseID)
	}
	for i, f := range c.VoxelDownSample {
		if f <= 0 {
			ve.addf("voxel_down_sample_factors[%d] must be positive, got %d", i, f)
		}
	}
	if c.BeamletDownSample <= 0 {
		ve.addf("beamlet_down_sample_factor must be positive, got %d", c.BeamletDownSample)
	}
	if len(c.BeamIDs) == 0 {
		ve.addf("beam_ids must not be empty")
	}
	for _, id := range c.BeamIDs {
		if id < 0 {
			ve.addf("beam id %d must not be negative", id)
		}
	}
	if c.Solver != SolverPreferred && c.Solver != SolverFallback {
		ve.addf("solver must be %q or %q, got %q", SolverPreferred, SolverFallback, c.Solver)
	}
	for name, v := range c.SolverParams {
		if strings.TrimSpace(name) == "" {
			ve.addf("solver parameter names must not be empty")
		}
		if !finite(v) {
			ve.addf("solver parameter %s must be finite", name)
		}
	}
	if !finite(c.MaxTimeSeconds) || c.MaxTimeSeconds <= 0 {
		ve.addf("max_time_seconds must be positive")
	}
	if !finite(c.GapTolerance) || c.GapTolerance < 0 || c.GapTolerance >= 1 {
		ve.addf("gap_tolerance must be in [0, 1)")
	}
	if !finite(c.MUUpperBound) || c.MUUpperBound <= 0 {
		ve.addf("per_beam_mu_upper_bound must be positive")
	}
	for i, o := range c.Objectives {
		o.validate(i, ve)
	}
	for i, m := range c.Metrics {
		m.validate(i, ve)
	}

	return ve.orNil()
}

func (o ObjectiveOverride) validate(i int, ve *ValidationError) {
	if strings.TrimSpace(o.StructureName) == "" {
		ve.addf("objective_overrides[%d]: structure_name is required", i)
	}
	if !o.Type.valid() {
		ve.addf("objective_overrides[%d]: unknown objective type %q", i, o.Type)
	}
	if o.Role != "" && o.Role != RoleTarget && o.Role != RoleOrganAtRisk {
		ve.addf("objective_overrides[%d]: role must be %q or %q", i, RoleTarget, RoleOrganAtRisk)
	}
	if !finite(o.Weight) || o.Weight < 0 {
		ve.addf("objective_overrides[%d]: weight must be a non-negative number", i)
	}
	if (o.DoseGy == nil) == (o.DosePerc == nil) {
		ve.addf("objective_overrides[%d]: exactly one of dose_gy or dose_perc is required", i)
	}
	for _, v := range []*float64{o.DoseGy, o.DosePerc, o.VolumePerc, o.VolumeCC} {
		if v != nil && (!finite(*v) || *v < 0) {
			ve.addf("objective_overrides[%d]: dose and volume values must be non-negative numbers", i)
			break
		}
	}
	hasVolume := o.VolumePerc != nil || o.VolumeCC != nil
	if o.Type == ObjectiveDoseVolume {
		if o.VolumePerc != nil && o.VolumeCC != nil || !hasVolume {
			ve.addf("objective_overrides[%d]: dose-volume objectives need exactly one of volume_perc or volume_cc", i)
		}
	} else if hasVolume {
		ve.addf("objective_overrides[%d]: volume qualifier is only valid for dose-volume objectives", i)
	}
}

func (m MetricSpec) validate(i int, ve *ValidationError) {
	if strings.TrimSpace(m.Structure) == "" {
		ve.addf("metrics[%d]: structure is required", i)
	}
	switch m.Type {
	case MetricD:
		if m.VolumePerc <= 0 || m.VolumePerc > 100 {
			ve.addf("metrics[%d]: volume_perc must be in (0, 100]", i)
		}
	case MetricDcc:
		if m.VolumeCC <= 0 {
			ve.addf("metrics[%d]: volume_cc must be positive", i)
		}
	case MetricV:
		if m.DoseGy < 0 {
			ve.addf("metrics[%d]: dose_gy must not be negative", i)
		}
	case MetricDmean, MetricDmax:
	default:
		ve.addf("metrics[%d]: unknown metric type %q", i, m.Type)
	}
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

// WithInferredRoles returns a copy of c where overrides without an explicit
// role get one inferred from their structure name
func (c RunConfig) WithInferredRoles() RunConfig {
	out := c.Clone()
	for i := range out.Objectives {
		if out.Objectives[i].Role == "" {
			out.Objectives[i].Role = InferRole(out.Objectives[i].StructureName)
		}
	}
	return out
}
