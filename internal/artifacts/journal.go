package artifacts

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/hochfrequenz/vmat-orchestrator/internal/domain"
)

// Journal appends progress points and log lines to a run's directory. Every
// append is synced to disk before it returns.
type Journal struct {
	mu       sync.Mutex
	progress *os.File
	log      *os.File
	now      func() time.Time
}

// OpenJournal opens the append-only files of a run
func (s *Store) OpenJournal(runID string) (*Journal, error) {
	if err := checkID(runID); err != nil {
		return nil, err
	}
	progress, err := os.OpenFile(s.runPath(runID, progressFile), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open progress: %w", err)
	}
	log, err := os.OpenFile(s.runPath(runID, logFile), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		progress.Close()
		return nil, fmt.Errorf("open log: %w", err)
	}
	return &Journal{progress: progress, log: log, now: time.Now}, nil
}

// AppendProgress durably appends one trace point
func (j *Journal) AppendProgress(p domain.TracePoint) error {
	line, err := json.Marshal(p)
	if err != nil {
		return err
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.progress == nil {
		return errors.New("journal closed")
	}
	if _, err := j.progress.Write(append(line, '\n')); err != nil {
		return err
	}
	return j.progress.Sync()
}

// AppendLog durably appends one log line. Embedded newlines are flattened so
// one call is always one line.
func (j *Journal) AppendLog(level, message string) error {
	message = strings.ReplaceAll(strings.TrimRight(message, "\r\n"), "\n", " ")
	line := fmt.Sprintf("%s [%s] %s\n", j.now().UTC().Format(time.RFC3339), strings.ToUpper(level), message)

	j.mu.Lock()
	defer j.mu.Unlock()
	if j.log == nil {
		return errors.New("journal closed")
	}
	if _, err := j.log.WriteString(line); err != nil {
		return err
	}
	return j.log.Sync()
}

// Logf appends a formatted info line, ignoring write errors
func (j *Journal) Logf(format string, args ...any) {
	_ = j.AppendLog("info", fmt.Sprintf(format, args...))
}

// Close closes both files. It is safe to call more than once.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	var errs []error
	if j.progress != nil {
		errs = append(errs, j.progress.Close())
		j.progress = nil
	}
	if j.log != nil {
		errs = append(errs, j.log.Close())
		j.log = nil
	}
	return errors.Join(errs...)
}

// LoadLogs returns the last max log lines of a run (all when max <= 0). A
// trailing line that is still being written is not returned.
func (s *Store) LoadLogs(runID string, max int) ([]string, error) {
	lines, err := s.readLines(runID, logFile)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(lines))
	for _, l := range tail(lines, max) {
		out = append(out, string(l))
	}
	return out, nil
}

// LoadProgress returns the last max trace points of a run (all when max <= 0)
func (s *Store) LoadProgress(runID string, max int) ([]domain.TracePoint, error) {
	lines, err := s.readLines(runID, progressFile)
	if err != nil {
		return nil, err
	}
	points := make([]domain.TracePoint, 0, len(lines))
	for _, l := range lines {
		var p domain.TracePoint
		if err := json.Unmarshal(l, &p); err != nil {
			continue
		}
		points = append(points, p)
	}
	return tail(points, max), nil
}

// readLines returns the complete lines of an append-only file. A missing
// file yields no lines if the run exists.
func (s *Store) readLines(runID, name string) ([][]byte, error) {
	if err := checkID(runID); err != nil {
		return nil, fmt.Errorf("run %s: %w", runID, domain.ErrNotFound)
	}
	data, err := os.ReadFile(s.runPath(runID, name))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			if _, statErr := os.Stat(s.RunDir(runID)); statErr != nil {
				return nil, fmt.Errorf("run %s: %w", runID, domain.ErrNotFound)
			}
			return nil, nil
		}
		return nil, err
	}
	if i := bytes.LastIndexByte(data, '\n'); i >= 0 {
		data = data[:i]
	} else {
		return nil, nil
	}
	var lines [][]byte
	for _, l := range bytes.Split(data, []byte{'\n'}) {
		if len(bytes.TrimSpace(l)) > 0 {
			lines = append(lines, l)
		}
	}
	return lines, nil
}

func tail[T any](items []T, max int) []T {
	if max > 0 && len(items) > max {
		return items[len(items)-max:]
	}
	return items
}
