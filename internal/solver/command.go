package solver

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/hochfrequenz/vmat-orchestrator/internal/domain"
	"github.com/hochfrequenz/vmat-orchestrator/internal/ndarray"
	"github.com/hochfrequenz/vmat-orchestrator/internal/solverproto"
)

// DefaultTimeGrace is added to a run's time limit before the solver process
// is killed
const DefaultTimeGrace = 30 * time.Second

// maxLine bounds a single stdout line (intensity vectors can be large)
const maxLine = 64 * 1024 * 1024

// ErrTimeLimit is returned when the solver process outlived its time limit
// plus grace without producing a result
var ErrTimeLimit = errors.New("solver exceeded time limit")

// CommandEngine runs an external solver executable. The subcommand (probe,
// solve or dose) is appended to Args, the request is written to stdin, and
// the process answers with JSON-lines envelopes on stdout.
type CommandEngine struct {
	Command      string
	Args         []string
	Env          []string
	Grace        time.Duration
	ProbeTimeout time.Duration
	Logger       *slog.Logger

	now func() time.Time
}

// NewCommandEngine creates an engine for the given executable
func NewCommandEngine(command string, args []string, logger *slog.Logger) *CommandEngine {
	if logger == nil {
		logger = slog.Default()
	}
	return &CommandEngine{
		Command:      command,
		Args:         args,
		Grace:        DefaultTimeGrace,
		ProbeTimeout: DefaultProbeTimeout,
		Logger:       logger,
		now:          time.Now,
	}
}

// Probe asks the solver which backends and parameters it supports
func (e *CommandEngine) Probe(ctx context.Context) (ProbeResult, error) {
	ctx, cancel := context.WithTimeout(ctx, e.ProbeTimeout)
	defer cancel()

	var probe *solverproto.ProbeMessage
	err := e.run(ctx, solverproto.CmdProbe, struct{}{}, func(env solverproto.EnvelopeRaw) error {
		if env.Type != solverproto.TypeProbe {
			return nil
		}
		var msg solverproto.ProbeMessage
		if err := env.Decode(&msg); err != nil {
			return err
		}
		probe = &msg
		return nil
	}, nil)
	if err != nil {
		return ProbeResult{}, err
	}
	if probe == nil {
		return ProbeResult{}, errors.New("solver probe returned no probe message")
	}
	return ProbeResult{
		Available:       probe.Available,
		Licensed:        probe.Licensed,
		Backend:         probe.Backend,
		Version:         probe.Version,
		SupportedParams: probe.Params,
		Error:           probe.Error,
	}, nil
}

// Solve runs one optimization, streaming progress and log lines to sink
func (e *CommandEngine) Solve(ctx context.Context, req Request, sink ProgressSink) (*domain.RawSolution, error) {
	if sink == nil {
		sink = NopSink{}
	}
	limit := time.Duration(req.Config.MaxTimeSeconds*float64(time.Second)) + e.grace()
	ctx, cancel := context.WithTimeout(ctx, limit)
	defer cancel()

	body := solverproto.SolveRequest{
		RunID:          req.RunID,
		CaseID:         req.CaseID,
		CaseDir:        req.CaseDir,
		WorkDir:        req.WorkDir,
		Backend:        req.Backend,
		Params:         req.Params,
		Config:         req.Config,
		MaxTimeSeconds: req.Config.MaxTimeSeconds,
		GapTolerance:   req.Config.GapTolerance,
	}

	var result *solverproto.ResultMessage
	err := e.run(ctx, solverproto.CmdSolve, body, func(env solverproto.EnvelopeRaw) error {
		switch env.Type {
		case solverproto.TypeProgress:
			var msg solverproto.ProgressMessage
			if err := env.Decode(&msg); err != nil {
				return err
			}
			sink.OnProgress(msg.TracePoint(e.clock()))
		case solverproto.TypeLog:
			var msg solverproto.LogMessage
			if err := env.Decode(&msg); err != nil {
				return err
			}
			sink.OnLog(msg.Level, msg.Message)
		case solverproto.TypeResult:
			var msg solverproto.ResultMessage
			if err := env.Decode(&msg); err != nil {
				return err
			}
			result = &msg
		}
		return nil
	}, func(line string) {
		sink.OnLog("solver", line)
	})

	if result != nil {
		// A result line counts even if the process was killed afterwards.
		return result.Solution(req.CaseID, req.Backend), nil
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return nil, fmt.Errorf("%s after %s: %w", req.Backend, limit, ErrTimeLimit)
	}
	if err != nil {
		return nil, err
	}
	return nil, fmt.Errorf("%s exited without a result", req.Backend)
}

// ComputeDose asks the solver to evaluate the dose of a solution. The grid is
// written by the solver process into the run's work directory.
func (e *CommandEngine) ComputeDose(ctx context.Context, req DoseRequest) (*DoseGrid, error) {
	out := filepath.Join(req.WorkDir, "dose.raw.bin")
	body := solverproto.DoseRequest{
		CaseID:     req.CaseID,
		CaseDir:    req.CaseDir,
		Solution:   req.Solution,
		OutputPath: out,
	}

	var dose *solverproto.DoseMessage
	err := e.run(ctx, solverproto.CmdDose, body, func(env solverproto.EnvelopeRaw) error {
		if env.Type != solverproto.TypeDose {
			return nil
		}
		var msg solverproto.DoseMessage
		if err := env.Decode(&msg); err != nil {
			return err
		}
		dose = &msg
		return nil
	}, nil)
	if err != nil {
		return nil, err
	}
	if dose == nil {
		return nil, errors.New("dose computation returned no dose message")
	}

	path := dose.Path
	if path == "" {
		path = out
	}
	values, err := ndarray.ReadFloat64File(path)
	if err != nil {
		return nil, fmt.Errorf("read dose grid: %w", err)
	}
	if n := dose.Shape[0] * dose.Shape[1] * dose.Shape[2]; n != 0 && n != len(values) {
		return nil, fmt.Errorf("dose grid has %d voxels, shape %v needs %d", len(values), dose.Shape, n)
	}
	return &DoseGrid{Values: values, Shape: dose.Shape}, nil
}

// run starts the solver with the given subcommand and dispatches each stdout
// envelope to handle. Non-envelope stdout lines and stderr lines go to
// onStderr. An error envelope ends the call with that message.
func (e *CommandEngine) run(ctx context.Context, sub string, request any, handle func(solverproto.EnvelopeRaw) error, onStderr func(string)) error {
	input, err := json.Marshal(request)
	if err != nil {
		return fmt.Errorf("encode %s request: %w", sub, err)
	}

	args := append(append([]string(nil), e.Args...), sub)
	cmd := exec.CommandContext(ctx, e.Command, args...)
	cmd.Stdin = bytes.NewReader(input)
	cmd.Env = append(os.Environ(), e.Env...)
	cmd.WaitDelay = 5 * time.Second

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("stderr pipe: %w", err)
	}

	e.logger().Debug("starting solver", "command", e.Command, "subcommand", sub)
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start solver %s: %w", e.Command, err)
	}

	var (
		mu        sync.Mutex
		solverErr string
		handleErr error
		lastLines []string
	)
	remember := func(line string) {
		mu.Lock()
		lastLines = append(lastLines, line)
		if len(lastLines) > 20 {
			lastLines = lastLines[1:]
		}
		mu.Unlock()
		if onStderr != nil {
			onStderr(line)
		}
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		scanLines(stdout, func(line string) {
			env, err := solverproto.DecodeLine([]byte(line))
			if err != nil {
				remember(line)
				return
			}
			if env.Type == solverproto.TypeError {
				var msg solverproto.ErrorMessage
				_ = env.Decode(&msg)
				mu.Lock()
				solverErr = msg.Message
				mu.Unlock()
				return
			}
			if err := handle(env); err != nil {
				mu.Lock()
				if handleErr == nil {
					handleErr = err
				}
				mu.Unlock()
			}
		})
	}()
	go func() {
		defer wg.Done()
		scanLines(stderr, remember)
	}()
	wg.Wait()

	waitErr := cmd.Wait()

	mu.Lock()
	defer mu.Unlock()
	switch {
	case solverErr != "":
		return fmt.Errorf("solver %s: %s", sub, solverErr)
	case handleErr != nil:
		return fmt.Errorf("solver %s: %w", sub, handleErr)
	case waitErr != nil:
		if tail := extractError(lastLines); tail != "" {
			return fmt.Errorf("solver %s: %w: %s", sub, waitErr, tail)
		}
		return fmt.Errorf("solver %s: %w", sub, waitErr)
	}
	return nil
}

func (e *CommandEngine) grace() time.Duration {
	if e.Grace <= 0 {
		return DefaultTimeGrace
	}
	return e.Grace
}

func (e *CommandEngine) clock() func() time.Time {
	if e.now == nil {
		return time.Now
	}
	return e.now
}

func (e *CommandEngine) logger() *slog.Logger {
	if e.Logger == nil {
		return slog.Default()
	}
	return e.Logger
}

func scanLines(r io.Reader, fn func(string)) {
	scanner := bufio.NewScanner(r)
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, maxLine)
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")
		if line == "" {
			continue
		}
		fn(line)
	}
	// Drain so the process never blocks on a full pipe.
	_, _ = io.Copy(io.Discard, r)
}

// extractError picks the most informative of the last output lines, which
// is usually the final traceback or error line
func extractError(lines []string) string {
	for i := len(lines) - 1; i >= 0; i-- {
		l := strings.TrimSpace(lines[i])
		lower := strings.ToLower(l)
		if strings.Contains(lower, "error") || strings.Contains(lower, "exception") {
			return l
		}
	}
	if len(lines) > 0 {
		return strings.TrimSpace(lines[len(lines)-1])
	}
	return ""
}
