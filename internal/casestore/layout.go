// Package casestore loads patient cases from the data directory, keeps the
// parsed snapshots cached, and fetches missing cases from object storage.
//
// A case directory looks like:
//
//	<data_dir>/<case_id>/
//	  Plan_MetaData.json
//	  StructureSet_MetaData.json
//	  Beams/Beam_<id>_MetaData.json
//	  <voxel index files>   little-endian uint32
//	  <reference dose>      little-endian float64
package casestore

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/hochfrequenz/vmat-orchestrator/internal/domain"
	"github.com/hochfrequenz/vmat-orchestrator/internal/ndarray"
)

const (
	planMetaFile      = "Plan_MetaData.json"
	structureMetaFile = "StructureSet_MetaData.json"
	beamsDir          = "Beams"
)

// ErrCaseNotFound is returned when a case is neither on disk nor in the bucket
var ErrCaseNotFound = fmt.Errorf("case %w", domain.ErrNotFound)

type planMeta struct {
	PrescriptionGy    float64                    `json:"prescription_gy"`
	NumFractions      int                        `json:"num_fractions"`
	VoxelVolumeCC     float64                    `json:"voxel_volume_cc"`
	GridShape         [3]int                     `json:"grid_shape"`
	Protocol          string                     `json:"protocol,omitempty"`
	DefaultObjectives []domain.ObjectiveOverride `json:"default_objectives,omitempty"`
	ReferenceDoseFile string                     `json:"reference_dose_file,omitempty"`
}

type structureMeta struct {
	Name           string  `json:"name"`
	VolumeCC       float64 `json:"volume_cc"`
	VoxelIndexFile string  `json:"voxel_index_file"`
}

type beamMeta struct {
	ID          int     `json:"ID"`
	GantryAngle float64 `json:"gantry_angle"`
}

// ReadCase parses the case stored in dir
func ReadCase(dir, caseID string) (*domain.Case, error) {
	var plan planMeta
	if err := readJSON(filepath.Join(dir, planMetaFile), &plan); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrCaseNotFound, caseID)
		}
		return nil, err
	}

	c := &domain.Case{
		ID:                caseID,
		PrescriptionGy:    plan.PrescriptionGy,
		NumFractions:      plan.NumFractions,
		VoxelVolumeCC:     plan.VoxelVolumeCC,
		GridShape:         plan.GridShape,
		Protocol:          plan.Protocol,
		DefaultObjectives: plan.DefaultObjectives,
	}
	n := c.NumVoxels()

	var structures []structureMeta
	if err := readJSON(filepath.Join(dir, structureMetaFile), &structures); err != nil {
		return nil, err
	}
	for _, s := range structures {
		if s.Name == "" {
			return nil, fmt.Errorf("%s: structure without name", structureMetaFile)
		}
		st := domain.Structure{Name: s.Name, VolumeCC: s.VolumeCC}
		if s.VoxelIndexFile != "" {
			path, err := within(dir, s.VoxelIndexFile)
			if err != nil {
				return nil, err
			}
			voxels, err := ndarray.ReadUint32File(path)
			if err != nil {
				return nil, fmt.Errorf("structure %s: %w", s.Name, err)
			}
			for _, v := range voxels {
				if int(v) >= n {
					return nil, fmt.Errorf("structure %s: voxel %d outside grid of %d", s.Name, v, n)
				}
			}
			st.Voxels = voxels
		}
		c.Structures = append(c.Structures, st)
	}

	beams, err := readBeams(filepath.Join(dir, beamsDir))
	if err != nil {
		return nil, err
	}
	c.Beams = beams

	if plan.ReferenceDoseFile != "" {
		path, err := within(dir, plan.ReferenceDoseFile)
		if err != nil {
			return nil, err
		}
		ref, err := ndarray.ReadFloat64File(path)
		if err != nil {
			return nil, fmt.Errorf("reference dose: %w", err)
		}
		if len(ref) != n {
			return nil, fmt.Errorf("reference dose has %d voxels, grid has %d", len(ref), n)
		}
		c.ReferenceDose = ref
	}
	return c, nil
}

func readBeams(dir string) ([]domain.Beam, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var beams []domain.Beam
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, "Beam_") || !strings.HasSuffix(name, "_MetaData.json") {
			continue
		}
		var b beamMeta
		if err := readJSON(filepath.Join(dir, name), &b); err != nil {
			return nil, err
		}
		beams = append(beams, domain.Beam{ID: b.ID, GantryAngle: b.GantryAngle})
	}
	sort.Slice(beams, func(i, j int) bool { return beams[i].ID < beams[j].ID })
	return beams, nil
}

// within resolves a file named in case metadata and keeps it inside dir
func within(dir, name string) (string, error) {
	path := filepath.Join(dir, filepath.FromSlash(name))
	rel, err := filepath.Rel(dir, path)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("file %q escapes the case directory", name)
	}
	return path, nil
}

func readJSON(path string, dst any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return fmt.Errorf("decode %s: %w", filepath.Base(path), err)
	}
	return nil
}

// WriteCase stores c in dir using the on-disk case layout
func WriteCase(dir string, c *domain.Case) error {
	if err := os.MkdirAll(filepath.Join(dir, beamsDir), 0o755); err != nil {
		return err
	}
	plan := planMeta{
		PrescriptionGy:    c.PrescriptionGy,
		NumFractions:      c.NumFractions,
		VoxelVolumeCC:     c.VoxelVolumeCC,
		GridShape:         c.GridShape,
		Protocol:          c.Protocol,
		DefaultObjectives: c.DefaultObjectives,
	}
	if len(c.ReferenceDose) > 0 {
		plan.ReferenceDoseFile = "reference_dose.bin"
		if err := ndarray.WriteFloat64File(filepath.Join(dir, plan.ReferenceDoseFile), c.ReferenceDose); err != nil {
			return err
		}
	}

	structures := make([]structureMeta, 0, len(c.Structures))
	for _, s := range c.Structures {
		meta := structureMeta{Name: s.Name, VolumeCC: s.VolumeCC}
		if len(s.Voxels) > 0 {
			meta.VoxelIndexFile = "voxels_" + s.Name + ".bin"
			if err := ndarray.WriteUint32File(filepath.Join(dir, meta.VoxelIndexFile), s.Voxels); err != nil {
				return err
			}
		}
		structures = append(structures, meta)
	}
	if err := writeJSON(filepath.Join(dir, structureMetaFile), structures); err != nil {
		return err
	}
	for _, b := range c.Beams {
		name := fmt.Sprintf("Beam_%d_MetaData.json", b.ID)
		if err := writeJSON(filepath.Join(dir, beamsDir, name), beamMeta{ID: b.ID, GantryAngle: b.GantryAngle}); err != nil {
			return err
		}
	}
	// the plan file marks the case as present, so it goes last
	return writeJSON(filepath.Join(dir, planMetaFile), plan)
}

func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}
