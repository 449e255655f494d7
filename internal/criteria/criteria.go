// Package criteria loads clinical criteria protocols: named sets of dose
// limits and goals per structure that a plan is checked against.
package criteria

import (
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/hochfrequenz/vmat-orchestrator/internal/domain"
)

// DefaultProtocol is used when no protocol is configured
const DefaultProtocol = "Lung_2Gy_30Fx"

//go:embed protocols/*.yaml
var builtin embed.FS

// Criterion types
const (
	TypeMaxDose    = "max_dose"
	TypeMeanDose   = "mean_dose"
	TypeDoseVolume = "dose_volume_V"
	TypeDoseAtVol  = "dose_volume_D"
)

// ErrUnknownProtocol is returned when no protocol file matches a name
var ErrUnknownProtocol = errors.New("unknown criteria protocol")

// Protocol is a named set of criteria
type Protocol struct {
	Name           string      `yaml:"name" json:"name"`
	Description    string      `yaml:"description,omitempty" json:"description,omitempty"`
	PrescriptionGy float64     `yaml:"prescription_gy" json:"prescription_gy"`
	NumFractions   int         `yaml:"num_fractions" json:"num_fractions"`
	Criteria       []Criterion `yaml:"criteria" json:"criteria"`
}

// Criterion is one limit/goal row. Dose limits are given in Gy or as a
// percentage of the prescription; volume limits are percentages.
type Criterion struct {
	Type      string `yaml:"type" json:"type"`
	Structure string `yaml:"structure" json:"structure"`

	LimitGy   *float64 `yaml:"limit_gy,omitempty" json:"limit_gy,omitempty"`
	LimitPerc *float64 `yaml:"limit_perc,omitempty" json:"limit_perc,omitempty"`
	GoalGy    *float64 `yaml:"goal_gy,omitempty" json:"goal_gy,omitempty"`
	GoalPerc  *float64 `yaml:"goal_perc,omitempty" json:"goal_perc,omitempty"`

	LimitVolumePerc *float64 `yaml:"limit_volume_perc,omitempty" json:"limit_volume_perc,omitempty"`
	GoalVolumePerc  *float64 `yaml:"goal_volume_perc,omitempty" json:"goal_volume_perc,omitempty"`

	// DoseGy is the threshold of a dose_volume_V criterion.
	DoseGy *float64 `yaml:"dose_gy,omitempty" json:"dose_gy,omitempty"`
	// VolumePerc is the volume of a dose_volume_D criterion.
	VolumePerc *float64 `yaml:"volume_perc,omitempty" json:"volume_perc,omitempty"`
	// LowerBound flips the comparison: the plan value must reach the limit.
	LowerBound bool `yaml:"lower_bound,omitempty" json:"lower_bound,omitempty"`
}

// Parse decodes and validates a YAML protocol
func Parse(data []byte) (*Protocol, error) {
	var p Protocol
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("decode protocol: %w", err)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

// Load returns the named protocol. A file <dir>/<name>.yaml overrides the
// built-in protocol of the same name; dir may be empty.
func Load(dir, name string) (*Protocol, error) {
	if name == "" {
		name = DefaultProtocol
	}
	if strings.ContainsAny(name, `/\`) || strings.Contains(name, "..") {
		return nil, fmt.Errorf("%w: %q", ErrUnknownProtocol, name)
	}

	if dir != "" {
		for _, ext := range []string{".yaml", ".yml"} {
			data, err := os.ReadFile(filepath.Join(dir, name+ext))
			if err == nil {
				p, err := Parse(data)
				if err != nil {
					return nil, fmt.Errorf("protocol %s: %w", name, err)
				}
				return p, nil
			}
			if !errors.Is(err, fs.ErrNotExist) {
				return nil, err
			}
		}
	}

	data, err := builtin.ReadFile("protocols/" + name + ".yaml")
	if err != nil {
		return nil, fmt.Errorf("%w: %q", ErrUnknownProtocol, name)
	}
	p, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("built-in protocol %s: %w", name, err)
	}
	return p, nil
}

// List returns the names of the built-in protocols and those found in dir
func List(dir string) ([]string, error) {
	seen := make(map[string]bool)
	entries, err := fs.ReadDir(builtin, "protocols")
	if err != nil {
		return nil, err
	}
	for _, e := range entries {
		seen[strings.TrimSuffix(e.Name(), ".yaml")] = true
	}
	if dir != "" {
		files, err := os.ReadDir(dir)
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, err
		}
		for _, f := range files {
			ext := filepath.Ext(f.Name())
			if !f.IsDir() && (ext == ".yaml" || ext == ".yml") {
				seen[strings.TrimSuffix(f.Name(), ext)] = true
			}
		}
	}
	names := make([]string, 0, len(seen))
	for n := range seen {
		names = append(names, n)
	}
	sort.Strings(names)
	return names, nil
}

// Validate checks that every criterion is well formed
func (p *Protocol) Validate() error {
	if strings.TrimSpace(p.Name) == "" {
		return errors.New("protocol name is required")
	}
	if len(p.Criteria) == 0 {
		return fmt.Errorf("protocol %s has no criteria", p.Name)
	}
	for i, c := range p.Criteria {
		if err := c.validate(); err != nil {
			return fmt.Errorf("criteria[%d] (%s %s): %w", i, c.Type, c.Structure, err)
		}
	}
	return nil
}

func (c Criterion) validate() error {
	if strings.TrimSpace(c.Structure) == "" {
		return errors.New("structure is required")
	}
	switch c.Type {
	case TypeMaxDose, TypeMeanDose:
		if c.DoseGy != nil || c.VolumePerc != nil {
			return errors.New("dose_gy and volume_perc only apply to dose-volume criteria")
		}
	case TypeDoseAtVol:
		if c.VolumePerc == nil || *c.VolumePerc <= 0 || *c.VolumePerc > 100 {
			return errors.New("volume_perc in (0, 100] is required")
		}
	case TypeDoseVolume:
		if c.DoseGy == nil || *c.DoseGy < 0 {
			return errors.New("dose_gy is required")
		}
		if c.LimitVolumePerc == nil && c.GoalVolumePerc == nil {
			return errors.New("limit_volume_perc or goal_volume_perc is required")
		}
		return nil
	default:
		return fmt.Errorf("unknown criterion type %q", c.Type)
	}
	if c.LimitGy == nil && c.LimitPerc == nil && c.GoalGy == nil && c.GoalPerc == nil {
		return errors.New("a dose limit or goal is required")
	}
	return nil
}

// Metric returns the metric this criterion is judged on
func (c Criterion) Metric() domain.MetricSpec {
	spec := domain.MetricSpec{Structure: c.Structure}
	switch c.Type {
	case TypeMaxDose:
		spec.Type = domain.MetricDmax
	case TypeMeanDose:
		spec.Type = domain.MetricDmean
	case TypeDoseVolume:
		spec.Type = domain.MetricV
		spec.DoseGy = deref(c.DoseGy)
	case TypeDoseAtVol:
		spec.Type = domain.MetricD
		spec.VolumePerc = deref(c.VolumePerc)
	}
	return spec
}

// Constraint renders the row label, e.g. "max_dose" or "V(20Gy)"
func (c Criterion) Constraint() string {
	switch c.Type {
	case TypeDoseVolume:
		return "V(" + formatNumber(deref(c.DoseGy)) + "Gy)"
	case TypeDoseAtVol:
		return "D(" + formatNumber(deref(c.VolumePerc)) + "%)"
	}
	return c.Type
}

// Unit is the unit of the row's limit, goal and plan value
func (c Criterion) Unit() string {
	if c.Type == TypeDoseVolume {
		return "%"
	}
	return "Gy"
}

// Limit resolves the limit against the prescription
func (c Criterion) Limit(prescriptionGy float64) *float64 {
	if c.Type == TypeDoseVolume {
		return copyPtr(c.LimitVolumePerc)
	}
	return resolve(c.LimitGy, c.LimitPerc, prescriptionGy)
}

// Goal resolves the goal against the prescription
func (c Criterion) Goal(prescriptionGy float64) *float64 {
	if c.Type == TypeDoseVolume {
		return copyPtr(c.GoalVolumePerc)
	}
	return resolve(c.GoalGy, c.GoalPerc, prescriptionGy)
}

// Satisfied compares a plan value against a threshold in the criterion's
// direction
func (c Criterion) Satisfied(value, threshold float64) bool {
	if c.LowerBound {
		return value >= threshold
	}
	return value <= threshold
}

func resolve(gy, perc *float64, prescriptionGy float64) *float64 {
	switch {
	case gy != nil:
		return copyPtr(gy)
	case perc != nil && prescriptionGy > 0:
		v := *perc / 100 * prescriptionGy
		return &v
	}
	return nil
}

func deref(v *float64) float64 {
	if v == nil {
		return 0
	}
	return *v
}

func copyPtr(v *float64) *float64 {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}

func formatNumber(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
