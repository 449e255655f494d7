package domain

import "sort"

// Structure is one contoured region of a case with the flat indices of the
// dose-grid voxels it covers
type Structure struct {
	Name     string   `json:"name"`
	VolumeCC float64  `json:"volume_cc"`
	Voxels   []uint32 `json:"-"`
}

// Beam is one candidate beam of a case
type Beam struct {
	ID          int     `json:"id"`
	GantryAngle float64 `json:"gantry_angle"`
}

// Case is the read-only reference data for one patient. It is shared between
// runs and never mutated after loading.
type Case struct {
	ID                string              `json:"case_id"`
	Structures        []Structure         `json:"structures"`
	Beams             []Beam              `json:"beams"`
	PrescriptionGy    float64             `json:"prescription_gy"`
	NumFractions      int                 `json:"num_fractions"`
	VoxelVolumeCC     float64             `json:"voxel_volume_cc"`
	GridShape         [3]int              `json:"grid_shape"`
	Protocol          string              `json:"protocol,omitempty"`
	DefaultObjectives []ObjectiveOverride `json:"default_objectives,omitempty"`
	// ReferenceDose is the shipped (not re-optimized) plan dose, if any.
	ReferenceDose []float64 `json:"-"`
}

// NumVoxels returns the number of voxels in the dose grid
func (c *Case) NumVoxels() int {
	return c.GridShape[0] * c.GridShape[1] * c.GridShape[2]
}

// Structure looks up a structure by exact name
func (c *Case) Structure(name string) (*Structure, bool) {
	for i := range c.Structures {
		if c.Structures[i].Name == name {
			return &c.Structures[i], true
		}
	}
	return nil, false
}

// StructureNames returns the structure names in case order
func (c *Case) StructureNames() []string {
	names := make([]string, len(c.Structures))
	for i, s := range c.Structures {
		names[i] = s.Name
	}
	return names
}

// MissingStructures returns the override structure names that do not exist in
// the case, sorted and without duplicates
func (c *Case) MissingStructures(cfg RunConfig) []string {
	seen := make(map[string]bool)
	var missing []string
	for _, o := range cfg.Objectives {
		if _, ok := c.Structure(o.StructureName); ok || seen[o.StructureName] {
			continue
		}
		seen[o.StructureName] = true
		missing = append(missing, o.StructureName)
	}
	sort.Strings(missing)
	return missing
}

// HasBeam reports whether the case offers a beam with the given id
func (c *Case) HasBeam(id int) bool {
	for _, b := range c.Beams {
		if b.ID == id {
			return true
		}
	}
	return false
}

// CaseManifest is the lightweight description of a case served to callers
type CaseManifest struct {
	CaseID            string              `json:"case_id"`
	Structures        []string            `json:"structures"`
	StructuresDetail  []Structure         `json:"structures_detail"`
	Beams             []Beam              `json:"beams"`
	PrescriptionGy    float64             `json:"prescription_gy"`
	NumFractions      int                 `json:"num_fractions"`
	DefaultObjectives []ObjectiveOverride `json:"default_objectives,omitempty"`
	HasReference      bool                `json:"has_reference"`
}

// Manifest builds the manifest view of c
func (c *Case) Manifest() CaseManifest {
	return CaseManifest{
		CaseID:            c.ID,
		Structures:        c.StructureNames(),
		StructuresDetail:  c.Structures,
		Beams:             c.Beams,
		PrescriptionGy:    c.PrescriptionGy,
		NumFractions:      c.NumFractions,
		DefaultObjectives: c.DefaultObjectives,
		HasReference:      len(c.ReferenceDose) > 0,
	}
}
