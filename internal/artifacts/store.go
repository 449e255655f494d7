// Package artifacts persists run state and outputs on the local filesystem.
//
// Each run owns one directory:
//
//	runs/<run_id>/
//	  run.json        status record, rewritten atomically and always last
//	  config.json     normalized run config
//	  solver.json     solver summary
//	  solution.json   raw solver output
//	  progress.jsonl  append-only trace points
//	  run.log         append-only log lines
//	  results/        committed as a unit by renaming a temp directory
//	    results.json
//	    dose.bin
//
// Case manifests are cached under cases/<case_id>/manifest.json.
package artifacts

import (
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
	runFile      = "run.json"
	configFile   = "config.json"
	solverFile   = "solver.json"
	solutionFile = "solution.json"
	progressFile = "progress.jsonl"
	logFile      = "run.log"
	resultsDir   = "results"
	resultsFile  = "results.json"
	doseFile     = "dose.bin"
	manifestFile = "manifest.json"

	resultsTmpPrefix = "results.tmp-"
	resultsOldPrefix = "results.old-"
)

// Default tail sizes for log and progress reads
const (
	DefaultLogTail      = 500
	DefaultProgressTail = 1000
)

// ErrRunExists is returned by CreateRun when the run directory already exists
var ErrRunExists = errors.New("run already exists")

// Store is a directory-backed artifact store. It is safe for concurrent use
// as long as each run directory has a single writer.
type Store struct {
	root string
	// InlineDoseLimit is the largest dose grid embedded into results.json.
	InlineDoseLimit int
}

// New opens (creating if needed) a store rooted at root
func New(root string) (*Store, error) {
	for _, dir := range []string{filepath.Join(root, "runs"), filepath.Join(root, "cases")} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create %s: %w", dir, err)
		}
	}
	return &Store{root: root, InlineDoseLimit: 250_000}, nil
}

// Root returns the store directory
func (s *Store) Root() string {
	return s.root
}

// RunDir returns the directory of a run
func (s *Store) RunDir(runID string) string {
	return filepath.Join(s.root, "runs", runID)
}

func (s *Store) runPath(runID, name string) string {
	return filepath.Join(s.RunDir(runID), name)
}

func (s *Store) caseDir(caseID string) string {
	return filepath.Join(s.root, "cases", caseID)
}

func checkID(id string) error {
	if strings.TrimSpace(id) == "" || strings.ContainsAny(id, `/\`) || strings.Contains(id, "..") {
		return fmt.Errorf("invalid id %q", id)
	}
	return nil
}

// CreateRun creates the run directory and writes the config and the initial
// status record. It fails with ErrRunExists if the run is already present.
func (s *Store) CreateRun(run *domain.Run, cfg domain.RunConfig) error {
	if err := checkID(run.ID); err != nil {
		return err
	}
	dir := s.RunDir(run.ID)
	if err := os.Mkdir(dir, 0o755); err != nil {
		if errors.Is(err, fs.ErrExist) {
			return ErrRunExists
		}
		return fmt.Errorf("create run dir: %w", err)
	}
	if err := fsyncDir(filepath.Dir(dir)); err != nil {
		return err
	}
	if err := writeJSONAtomic(filepath.Join(dir, configFile), cfg); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return s.SaveRun(run)
}

// SaveRun atomically replaces the status record
func (s *Store) SaveRun(run *domain.Run) error {
	if err := checkID(run.ID); err != nil {
		return err
	}
	if err := writeJSONAtomic(s.runPath(run.ID, runFile), run); err != nil {
		return fmt.Errorf("write run: %w", err)
	}
	return nil
}

// LoadRun reads the status record of a run
func (s *Store) LoadRun(runID string) (*domain.Run, error) {
	if err := checkID(runID); err != nil {
		return nil, fmt.Errorf("run %s: %w", runID, domain.ErrNotFound)
	}
	var run domain.Run
	if err := readJSON(s.runPath(runID, runFile), &run); err != nil {
		return nil, fmt.Errorf("run %s: %w", runID, err)
	}
	return &run, nil
}

// LoadConfig reads the config a run was started with
func (s *Store) LoadConfig(runID string) (*domain.RunConfig, error) {
	var cfg domain.RunConfig
	if err := readJSON(s.runPath(runID, configFile), &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ListRunIDs returns the ids of all runs with a status record, sorted
func (s *Store) ListRunIDs() ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(s.root, "runs"))
	if err != nil {
		return nil, err
	}
	var ids []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if _, err := os.Stat(s.runPath(e.Name(), runFile)); err == nil {
			ids = append(ids, e.Name())
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// SaveSolverSummary records how the solve went
func (s *Store) SaveSolverSummary(runID string, sum *domain.SolverSummary) error {
	return writeJSONAtomic(s.runPath(runID, solverFile), sum)
}

// LoadSolverSummary reads the solver summary, if written
func (s *Store) LoadSolverSummary(runID string) (*domain.SolverSummary, error) {
	var sum domain.SolverSummary
	if err := readJSON(s.runPath(runID, solverFile), &sum); err != nil {
		return nil, err
	}
	return &sum, nil
}

// SaveSolution persists the raw solver output
func (s *Store) SaveSolution(runID string, sol *domain.RawSolution) error {
	return writeJSONAtomic(s.runPath(runID, solutionFile), sol)
}

// LoadSolution reads the raw solver output
func (s *Store) LoadSolution(runID string) (*domain.RawSolution, error) {
	var sol domain.RawSolution
	if err := readJSON(s.runPath(runID, solutionFile), &sol); err != nil {
		return nil, err
	}
	return &sol, nil
}

// CommitResults makes a complete results set visible in one step. The
// results are first written into a temp directory which is then renamed into
// place; a previous results directory is swapped out and removed.
func (s *Store) CommitResults(runID string, res *domain.Results) error {
	dir := s.RunDir(runID)
	tmp, err := os.MkdirTemp(dir, resultsTmpPrefix)
	if err != nil {
		return fmt.Errorf("create results staging dir: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = os.RemoveAll(tmp)
		}
	}()

	out := *res
	out.Dose.Path = ""
	out.Dose.Inline = nil
	if len(res.DoseValues) > 0 {
		if err := ndarray.WriteFloat64File(filepath.Join(tmp, doseFile), res.DoseValues); err != nil {
			return fmt.Errorf("write dose: %w", err)
		}
		out.Dose.Path = filepath.ToSlash(filepath.Join(resultsDir, doseFile))
		if len(res.DoseValues) <= s.InlineDoseLimit {
			out.Dose.Inline = res.DoseValues
		}
	}
	if err := writeJSON(filepath.Join(tmp, resultsFile), &out); err != nil {
		return fmt.Errorf("write results: %w", err)
	}
	if err := fsyncDir(tmp); err != nil {
		return err
	}

	final := filepath.Join(dir, resultsDir)
	var old string
	if _, err := os.Stat(final); err == nil {
		old = filepath.Join(dir, resultsOldPrefix+filepath.Base(tmp)[len(resultsTmpPrefix):])
		if err := os.Rename(final, old); err != nil {
			return fmt.Errorf("swap out previous results: %w", err)
		}
	}
	if err := os.Rename(tmp, final); err != nil {
		if old != "" {
			_ = os.Rename(old, final)
		}
		return fmt.Errorf("commit results: %w", err)
	}
	committed = true
	if old != "" {
		_ = os.RemoveAll(old)
	}
	return fsyncDir(dir)
}

// LoadResults reads a committed results set. The dose values themselves are
// not loaded; use LoadDose.
func (s *Store) LoadResults(runID string) (*domain.Results, error) {
	var res domain.Results
	if err := readJSON(filepath.Join(s.RunDir(runID), resultsDir, resultsFile), &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// LoadDose reads the full flattened dose grid of a run
func (s *Store) LoadDose(runID string) ([]float64, error) {
	values, err := ndarray.ReadFloat64File(filepath.Join(s.RunDir(runID), resultsDir, doseFile))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("dose for %s: %w", runID, domain.ErrNotFound)
	}
	return values, err
}

// CleanupStaging removes leftovers of interrupted result commits
func (s *Store) CleanupStaging(runID string) error {
	entries, err := os.ReadDir(s.RunDir(runID))
	if err != nil {
		return err
	}
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() && (strings.HasPrefix(name, resultsTmpPrefix) || strings.HasPrefix(name, resultsOldPrefix)) {
			if err := os.RemoveAll(filepath.Join(s.RunDir(runID), name)); err != nil {
				return err
			}
		}
	}
	return nil
}

// LoadArtifacts assembles everything a run has produced so far. Missing
// sections are left empty; Complete is set only when results are committed.
func (s *Store) LoadArtifacts(runID string) (*domain.RunArtifacts, error) {
	if _, err := os.Stat(s.RunDir(runID)); err != nil {
		return nil, fmt.Errorf("run %s: %w", runID, domain.ErrNotFound)
	}
	art := &domain.RunArtifacts{Progress: []domain.TracePoint{}}

	if cfg, err := s.LoadConfig(runID); err == nil {
		art.Config = cfg
	} else if !errors.Is(err, domain.ErrNotFound) {
		return nil, err
	}
	if sum, err := s.LoadSolverSummary(runID); err == nil {
		art.Solver = sum
	} else if !errors.Is(err, domain.ErrNotFound) {
		return nil, err
	}
	progress, err := s.LoadProgress(runID, 0)
	if err != nil {
		return nil, err
	}
	art.Progress = progress

	res, err := s.LoadResults(runID)
	switch {
	case err == nil:
		art.ApplyResults(res)
	case !errors.Is(err, domain.ErrNotFound):
		return nil, err
	}
	return art, nil
}

// SaveCaseManifest caches a case manifest
func (s *Store) SaveCaseManifest(m *domain.CaseManifest) error {
	if err := checkID(m.CaseID); err != nil {
		return err
	}
	return writeJSONAtomic(filepath.Join(s.caseDir(m.CaseID), manifestFile), m)
}

// LoadCaseManifest reads a cached case manifest
func (s *Store) LoadCaseManifest(caseID string) (*domain.CaseManifest, error) {
	if err := checkID(caseID); err != nil {
		return nil, fmt.Errorf("case %s: %w", caseID, domain.ErrNotFound)
	}
	var m domain.CaseManifest
	if err := readJSON(filepath.Join(s.caseDir(caseID), manifestFile), &m); err != nil {
		return nil, err
	}
	return &m, nil
}
