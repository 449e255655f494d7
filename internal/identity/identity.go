// Package identity derives deterministic run identifiers from run configs.
//
// A run id is "<bucket>-<digest>" where bucket is the submission time in UTC
// truncated to BucketSize and digest is a 12 character hex hash of the
// normalized config. Two submissions of the same config in the same bucket
// share an id and therefore a run.
package identity

import (
	"encoding/json"
	"fmt"
	"math"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/hochfrequenz/vmat-orchestrator/internal/domain"
)

// BucketSize is the dedup window for identical configs
const BucketSize = time.Second

// BucketLayout formats the bucket part of a run id
const BucketLayout = "20060102T150405"

// DigestLength is the number of hex characters kept from the config hash
const DigestLength = 12

// runNamespace seeds the name-based UUIDs used as config digests
var runNamespace = uuid.MustParse("0b6f3c62-5e0d-5a4e-9d43-7a1f2d8e9c10")

var runIDRegex = regexp.MustCompile(`^(\d{8}T\d{6})-([0-9a-f]{12})$`)

// Normalize returns the canonical JSON encoding of cfg. Semantically equal
// configs produce identical bytes.
func Normalize(cfg domain.RunConfig) ([]byte, error) {
	return json.Marshal(Canonical(cfg))
}

// Digest returns the short content hash of the normalized config
func Digest(cfg domain.RunConfig) (string, error) {
	data, err := Normalize(cfg)
	if err != nil {
		return "", fmt.Errorf("normalize config: %w", err)
	}
	sum := uuid.NewSHA1(runNamespace, data)
	hex := strings.ReplaceAll(sum.String(), "-", "")
	return hex[:DigestLength], nil
}

// Identify returns the run id for cfg submitted at now
func Identify(cfg domain.RunConfig, now time.Time) (string, error) {
	digest, err := Digest(cfg)
	if err != nil {
		return "", err
	}
	return Bucket(now) + "-" + digest, nil
}

// Bucket renders the time bucket now falls into
func Bucket(now time.Time) string {
	return now.UTC().Truncate(BucketSize).Format(BucketLayout)
}

// ParseRunID splits a run id into its bucket time and digest
func ParseRunID(id string) (time.Time, string, error) {
	m := runIDRegex.FindStringSubmatch(id)
	if m == nil {
		return time.Time{}, "", fmt.Errorf("malformed run id %q", id)
	}
	ts, err := time.Parse(BucketLayout, m[1])
	if err != nil {
		return time.Time{}, "", fmt.Errorf("malformed run id %q: %w", id, err)
	}
	return ts, m[2], nil
}

// ValidRunID reports whether id has the run id shape
func ValidRunID(id string) bool {
	return runIDRegex.MatchString(id)
}

// Canonical returns the normalized form of cfg that Normalize encodes
func Canonical(cfg domain.RunConfig) domain.RunConfig {
	c := cfg.Clone()
	c.CaseID = strings.TrimSpace(c.CaseID)
	c.Solver = domain.SolverChoice(strings.ToLower(strings.TrimSpace(string(c.Solver))))

	c.BeamIDs = uniqueInts(c.BeamIDs)

	if len(c.SolverParams) == 0 {
		c.SolverParams = nil
	} else {
		params := make(map[string]float64, len(c.SolverParams))
		for k, v := range c.SolverParams {
			params[strings.TrimSpace(k)] = round(v)
		}
		c.SolverParams = params
	}

	c.MaxTimeSeconds = round(c.MaxTimeSeconds)
	c.GapTolerance = round(c.GapTolerance)
	c.MUUpperBound = round(c.MUUpperBound)

	if len(c.Objectives) == 0 {
		c.Objectives = nil
	}
	for i := range c.Objectives {
		o := &c.Objectives[i]
		o.StructureName = strings.TrimSpace(o.StructureName)
		o.Weight = round(o.Weight)
		o.DoseGy = roundPtr(o.DoseGy)
		o.DosePerc = roundPtr(o.DosePerc)
		o.VolumePerc = roundPtr(o.VolumePerc)
		o.VolumeCC = roundPtr(o.VolumeCC)
	}
	sort.SliceStable(c.Objectives, func(i, j int) bool {
		a, b := c.Objectives[i], c.Objectives[j]
		if a.StructureName != b.StructureName {
			return a.StructureName < b.StructureName
		}
		return a.Type < b.Type
	})

	c.DVHStructures = uniqueStrings(c.DVHStructures)

	if len(c.Metrics) == 0 {
		c.Metrics = nil
	}
	for i := range c.Metrics {
		m := &c.Metrics[i]
		m.Structure = strings.TrimSpace(m.Structure)
		m.VolumePerc = round(m.VolumePerc)
		m.VolumeCC = round(m.VolumeCC)
		m.DoseGy = round(m.DoseGy)
	}
	sort.SliceStable(c.Metrics, func(i, j int) bool {
		a, b := c.Metrics[i], c.Metrics[j]
		if a.Structure != b.Structure {
			return a.Structure < b.Structure
		}
		return a.Name() < b.Name()
	})
	return c
}

func round(v float64) float64 {
	r := math.Round(v*1e6) / 1e6
	if r == 0 {
		return 0 // fold -0
	}
	return r
}

func roundPtr(v *float64) *float64 {
	if v == nil {
		return nil
	}
	r := round(*v)
	return &r
}

func uniqueInts(in []int) []int {
	if len(in) == 0 {
		return nil
	}
	out := append([]int(nil), in...)
	sort.Ints(out)
	n := 1
	for i := 1; i < len(out); i++ {
		if out[i] != out[n-1] {
			out[n] = out[i]
			n++
		}
	}
	return out[:n]
}

func uniqueStrings(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(in))
	var out []string
	for _, s := range in {
		s = strings.TrimSpace(s)
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}
