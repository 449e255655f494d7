package casestore

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"unicode"

	"golang.org/x/sync/singleflight"

	"github.com/hochfrequenz/vmat-orchestrator/internal/domain"
)

// ManifestCache persists case manifests between process restarts
type ManifestCache interface {
	SaveCaseManifest(m *domain.CaseManifest) error
	LoadCaseManifest(caseID string) (*domain.CaseManifest, error)
}

// Fetcher downloads a case into dest. dest must not exist yet.
type Fetcher interface {
	Fetch(ctx context.Context, caseID, dest string) error
}

// ChangeFunc is called after a case was invalidated
type ChangeFunc func(caseID string)

// Options configures a Store
type Options struct {
	Manifests ManifestCache
	Fetcher   Fetcher
	Logger    *slog.Logger
}

// Store serves read-only case snapshots. A loaded case is shared by every run
// that uses it until it is invalidated.
type Store struct {
	dir       string
	manifests ManifestCache
	fetcher   Fetcher
	logger    *slog.Logger

	group singleflight.Group

	mu        sync.RWMutex
	cases     map[string]*domain.Case
	stale     map[string]bool
	listeners []ChangeFunc
}

// New creates a store over the data directory dir
func New(dir string, opts Options) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		dir:       dir,
		manifests: opts.Manifests,
		fetcher:   opts.Fetcher,
		logger:    logger,
		cases:     make(map[string]*domain.Case),
		stale:     make(map[string]bool),
	}, nil
}

// Dir returns the data directory
func (s *Store) Dir() string {
	return s.dir
}

// CaseDir returns the directory of one case
func (s *Store) CaseDir(caseID string) string {
	return filepath.Join(s.dir, caseID)
}

// Exists reports whether the case is present on disk
func (s *Store) Exists(caseID string) bool {
	if !domain.ValidCaseID(caseID) {
		return false
	}
	_, err := os.Stat(filepath.Join(s.CaseDir(caseID), planMetaFile))
	return err == nil
}

// Load returns the case snapshot, reading it from disk on first use. It never
// downloads; a missing case fails with ErrCaseNotFound until Ensure fetched it.
func (s *Store) Load(ctx context.Context, caseID string) (*domain.Case, error) {
	if !domain.ValidCaseID(caseID) {
		return nil, fmt.Errorf("%w: invalid id %q", ErrCaseNotFound, caseID)
	}

	s.mu.RLock()
	c, ok := s.cases[caseID]
	s.mu.RUnlock()
	if ok {
		return c, nil
	}

	v, err, _ := s.group.Do(caseID, func() (any, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		c, err := ReadCase(s.CaseDir(caseID), caseID)
		if err != nil {
			return nil, err
		}
		s.mu.Lock()
		s.cases[caseID] = c
		s.mu.Unlock()
		s.logger.Debug("case loaded", "case", caseID, "structures", len(c.Structures), "voxels", c.NumVoxels())
		return c, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*domain.Case), nil
}

// Ensure makes the case available locally, downloading it if needed
func (s *Store) Ensure(ctx context.Context, caseID string) error {
	if !domain.ValidCaseID(caseID) {
		return fmt.Errorf("%w: invalid id %q", ErrCaseNotFound, caseID)
	}
	if s.Exists(caseID) {
		return nil
	}
	if s.fetcher == nil {
		return fmt.Errorf("%w: %s", ErrCaseNotFound, caseID)
	}

	s.logger.Info("downloading case", "case", caseID)
	if err := s.fetcher.Fetch(ctx, caseID, s.CaseDir(caseID)); err != nil {
		return fmt.Errorf("download case %s: %w", caseID, err)
	}
	s.Invalidate(caseID)
	return nil
}

// Manifest returns the lightweight description of a case
func (s *Store) Manifest(ctx context.Context, caseID string) (*domain.CaseManifest, error) {
	s.mu.RLock()
	stale := s.stale[caseID]
	s.mu.RUnlock()

	if s.manifests != nil && !stale {
		m, err := s.manifests.LoadCaseManifest(caseID)
		if err == nil {
			return m, nil
		}
		if !errors.Is(err, domain.ErrNotFound) {
			s.logger.Warn("read cached manifest", "case", caseID, "error", err)
		}
	}

	c, err := s.Load(ctx, caseID)
	if err != nil {
		return nil, err
	}
	m := c.Manifest()
	if s.manifests != nil {
		if err := s.manifests.SaveCaseManifest(&m); err != nil {
			s.logger.Warn("cache manifest", "case", caseID, "error", err)
		} else {
			s.mu.Lock()
			delete(s.stale, caseID)
			s.mu.Unlock()
		}
	}
	return &m, nil
}

// List returns the ids of the cases on disk in natural order
func (s *Store) List() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var ids []string
	for _, e := range entries {
		if e.IsDir() && s.Exists(e.Name()) {
			ids = append(ids, e.Name())
		}
	}
	SortNatural(ids)
	return ids, nil
}

// OnChange registers fn to be called whenever a case is invalidated
func (s *Store) OnChange(fn ChangeFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, fn)
}

// Invalidate drops the cached snapshot of a case and notifies listeners.
// Runs that already hold the old snapshot keep using it.
func (s *Store) Invalidate(caseID string) {
	s.mu.Lock()
	delete(s.cases, caseID)
	s.stale[caseID] = true
	listeners := append([]ChangeFunc(nil), s.listeners...)
	s.mu.Unlock()

	s.group.Forget(caseID)
	for _, fn := range listeners {
		fn(caseID)
	}
}

// SortNatural sorts ids so that embedded numbers compare by value:
// Lung_Patient_2 sorts before Lung_Patient_10.
func SortNatural(ids []string) {
	sort.SliceStable(ids, func(i, j int) bool { return naturalLess(ids[i], ids[j]) })
}

func naturalLess(a, b string) bool {
	ar, br := []rune(a), []rune(b)
	i, j := 0, 0
	for i < len(ar) && j < len(br) {
		if unicode.IsDigit(ar[i]) && unicode.IsDigit(br[j]) {
			si := i
			for i < len(ar) && unicode.IsDigit(ar[i]) {
				i++
			}
			sj := j
			for j < len(br) && unicode.IsDigit(br[j]) {
				j++
			}
			na, errA := strconv.ParseUint(string(ar[si:i]), 10, 64)
			nb, errB := strconv.ParseUint(string(br[sj:j]), 10, 64)
			if errA == nil && errB == nil && na != nb {
				return na < nb
			}
			if errA != nil || errB != nil {
				if x, y := string(ar[si:i]), string(br[sj:j]); x != y {
					return x < y
				}
			}
			continue
		}
		if ar[i] != br[j] {
			return ar[i] < br[j]
		}
		i++
		j++
	}
	if len(ar)-i != len(br)-j {
		return len(ar)-i < len(br)-j
	}
	return a < b
}
