package solver

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultProbeTimeout bounds a single probe call
const DefaultProbeTimeout = 60 * time.Second

// ProbeResult is a snapshot of the preferred backend's health
type ProbeResult struct {
	Available bool   `json:"available"`
	Licensed  bool   `json:"licensed"`
	Backend   string `json:"active_backend"`
	Version   string `json:"version,omitempty"`
	// SupportedParams is the allow-list of vendor parameter names reported
	// by the engine itself.
	SupportedParams []string  `json:"supported_params"`
	Error           string    `json:"error,omitempty"`
	ProbedAt        time.Time `json:"probed_at"`
}

// Usable reports whether the preferred backend can take work
func (p ProbeResult) Usable() bool {
	return p.Available && p.Licensed
}

// Supports reports whether name is in the parameter allow-list
func (p ProbeResult) Supports(name string) bool {
	i := sort.SearchStrings(p.SupportedParams, name)
	return i < len(p.SupportedParams) && p.SupportedParams[i] == name
}

// Prober is the part of an Engine the health cell needs
type Prober interface {
	Probe(ctx context.Context) (ProbeResult, error)
}

// Health holds the latest probe result. Init and Reprobe are the only
// writers; Snapshot never triggers a probe.
type Health struct {
	prober  Prober
	logger  *slog.Logger
	timeout time.Duration
	now     func() time.Time

	writeMu sync.Mutex
	current atomic.Pointer[ProbeResult]
}

// NewHealth creates a health cell. Until Init runs, the snapshot reports the
// preferred backend as unavailable.
func NewHealth(prober Prober, logger *slog.Logger) *Health {
	if logger == nil {
		logger = slog.Default()
	}
	h := &Health{
		prober:  prober,
		logger:  logger,
		timeout: DefaultProbeTimeout,
		now:     time.Now,
	}
	h.current.Store(&ProbeResult{Error: "not probed yet"})
	return h
}

// Init probes once at startup
func (h *Health) Init(ctx context.Context) ProbeResult {
	return h.probe(ctx, "startup")
}

// Reprobe replaces the snapshot with a fresh probe. Runs that already picked
// a backend are not affected.
func (h *Health) Reprobe(ctx context.Context) ProbeResult {
	return h.probe(ctx, "reprobe")
}

// Snapshot returns the current probe result
func (h *Health) Snapshot() ProbeResult {
	return *h.current.Load()
}

func (h *Health) probe(ctx context.Context, reason string) ProbeResult {
	h.writeMu.Lock()
	defer h.writeMu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	res, err := h.prober.Probe(ctx)
	if err != nil {
		res = ProbeResult{Error: err.Error()}
	}
	res.ProbedAt = h.now().UTC()
	res.SupportedParams = append([]string(nil), res.SupportedParams...)
	sort.Strings(res.SupportedParams)

	h.current.Store(&res)
	h.logger.Info("solver probed",
		"reason", reason,
		"backend", res.Backend,
		"available", res.Available,
		"licensed", res.Licensed,
		"params", len(res.SupportedParams),
		"error", res.Error,
	)
	return res
}
