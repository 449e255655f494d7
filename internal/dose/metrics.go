package dose

import (
	"math"

	"github.com/hochfrequenz/vmat-orchestrator/internal/domain"
)

// DoseAtVolume returns D{p}: the highest dose received by at least p percent
// of the structure. Walking the list highest first, it is the dose at which
// the cumulative volume first reaches p percent.
func DoseAtVolume(sorted []float64, p float64) float64 {
	n := len(sorted)
	if n == 0 {
		return 0
	}
	k := int(math.Ceil(p * float64(n) / 100))
	if k < 1 {
		k = 1
	}
	if k > n {
		k = n
	}
	return sorted[k-1]
}

// DoseAtVolumeCC returns D{x}cc. The absolute volume is converted to a
// percentage of the structure volume when that is known and otherwise to a
// voxel count using the voxel volume.
func DoseAtVolumeCC(sorted []float64, cc, structureCC, voxelCC float64) (float64, bool) {
	n := len(sorted)
	if n == 0 || cc <= 0 {
		return 0, false
	}
	if structureCC > 0 {
		return DoseAtVolume(sorted, cc/structureCC*100), true
	}
	if voxelCC <= 0 {
		return 0, false
	}
	k := int(math.Ceil(cc / voxelCC))
	if k < 1 {
		k = 1
	}
	if k > n {
		k = n
	}
	return sorted[k-1], true
}

// MeanDose returns the voxel-weighted mean dose
func MeanDose(doses []float64) float64 {
	if len(doses) == 0 {
		return 0
	}
	var sum float64
	for _, d := range doses {
		sum += d
	}
	return sum / float64(len(doses))
}

// VolumeAtDose returns V{x}Gy: the percentage of voxels receiving at least x
func VolumeAtDose(sorted []float64, x float64) float64 {
	n := len(sorted)
	if n == 0 {
		return 0
	}
	// sorted is descending; count the prefix with d >= x
	lo, hi := 0, n
	for lo < hi {
		mid := (lo + hi) / 2
		if sorted[mid] >= x {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	return 100 * float64(lo) / float64(n)
}

// Metric evaluates one metric for a structure whose doses are sorted highest
// first. It reports false when the metric cannot be computed.
func Metric(sorted []float64, spec domain.MetricSpec, structureCC, voxelCC float64) (float64, bool) {
	if len(sorted) == 0 {
		return 0, false
	}
	switch spec.Type {
	case domain.MetricD:
		return DoseAtVolume(sorted, spec.VolumePerc), true
	case domain.MetricDcc:
		return DoseAtVolumeCC(sorted, spec.VolumeCC, structureCC, voxelCC)
	case domain.MetricDmean:
		return MeanDose(sorted), true
	case domain.MetricDmax:
		return sorted[0], true
	case domain.MetricV:
		return VolumeAtDose(sorted, spec.DoseGy), true
	}
	return 0, false
}

// ComputeMetrics evaluates every spec that targets the given structure
func ComputeMetrics(sorted []float64, structure domain.Structure, specs []domain.MetricSpec, voxelCC float64) map[string]float64 {
	out := make(map[string]float64)
	for _, spec := range specs {
		if spec.Structure != structure.Name {
			continue
		}
		if v, ok := Metric(sorted, spec, structure.VolumeCC, voxelCC); ok {
			out[spec.Name()] = v
		}
	}
	return out
}
