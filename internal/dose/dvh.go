// Package dose turns a dose grid into the artifacts a plan is judged by:
// dose-volume histograms, dose metrics and the clinical criteria table.
// Optimized and reference plans go through the same code.
package dose

import (
	"fmt"
	"sort"

	"github.com/hochfrequenz/vmat-orchestrator/internal/domain"
)

// StructureDoses gathers the dose of every voxel covered by a structure
func StructureDoses(grid []float64, voxels []uint32) ([]float64, error) {
	out := make([]float64, len(voxels))
	for i, v := range voxels {
		if int(v) >= len(grid) {
			return nil, fmt.Errorf("voxel index %d outside dose grid of %d voxels", v, len(grid))
		}
		out[i] = grid[v]
	}
	return out, nil
}

// SortDescending returns a sorted copy of doses, highest first
func SortDescending(doses []float64) []float64 {
	s := append([]float64(nil), doses...)
	sort.Sort(sort.Reverse(sort.Float64Slice(s)))
	return s
}

// ComputeDVH builds the cumulative DVH of a structure from its voxel doses
// sorted highest first. Every unique dose v yields the point
// (v, 100 * count(d >= v) / n); the curve starts at (min, 100) and ends with
// (max, 0). An empty structure has no curve.
func ComputeDVH(sorted []float64) (domain.DVHCurve, bool) {
	n := len(sorted)
	if n == 0 {
		return domain.DVHCurve{}, false
	}

	var curve domain.DVHCurve
	// Walk from the lowest dose up. At position i (ascending) all voxels from
	// i to the end receive at least that dose.
	for i := n - 1; i >= 0; {
		v := sorted[i]
		atLeast := i + 1
		curve.DoseGy = append(curve.DoseGy, v)
		curve.VolumePerc = append(curve.VolumePerc, 100*float64(atLeast)/float64(n))
		for i >= 0 && sorted[i] == v {
			i--
		}
	}
	curve.DoseGy = append(curve.DoseGy, sorted[0])
	curve.VolumePerc = append(curve.VolumePerc, 0)
	return curve, true
}
