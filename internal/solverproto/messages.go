// Package solverproto defines the messages exchanged with an external solver
// process. The request is written to the process stdin as one JSON document;
// the process answers with one envelope per stdout line.
package solverproto

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/hochfrequenz/vmat-orchestrator/internal/domain"
)

// Envelope wraps all messages with a type discriminator.
// When marshaling, Payload can be any message struct.
// When unmarshaling, use EnvelopeRaw for type-based dispatch.
type Envelope struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload,omitempty"`
}

// EnvelopeRaw is used for receiving messages where the payload
// needs to be unmarshaled based on the message type.
type EnvelopeRaw struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// MarshalEnvelope creates an envelope with the given type and payload
func MarshalEnvelope(msgType string, payload interface{}) ([]byte, error) {
	return json.Marshal(Envelope{Type: msgType, Payload: payload})
}

// DecodeLine parses one stdout line into an envelope
func DecodeLine(line []byte) (EnvelopeRaw, error) {
	var env EnvelopeRaw
	if err := json.Unmarshal(line, &env); err != nil {
		return env, err
	}
	if env.Type == "" {
		return env, fmt.Errorf("envelope without type")
	}
	return env, nil
}

// Decode unmarshals the payload into dst
func (e EnvelopeRaw) Decode(dst interface{}) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("%s message without payload", e.Type)
	}
	if err := json.Unmarshal(e.Payload, dst); err != nil {
		return fmt.Errorf("decode %s payload: %w", e.Type, err)
	}
	return nil
}

// Subcommands passed as the first extra argument to the solver executable
const (
	CmdProbe = "probe"
	CmdSolve = "solve"
	CmdDose  = "dose"
)

// Orchestrator -> solver requests

// SolveRequest asks the solver to optimize one plan
type SolveRequest struct {
	RunID          string             `json:"run_id"`
	CaseID         string             `json:"case_id"`
	CaseDir        string             `json:"case_dir"`
	WorkDir        string             `json:"work_dir"`
	Backend        string             `json:"backend"`
	Params         map[string]float64 `json:"params,omitempty"`
	Config         domain.RunConfig   `json:"config"`
	MaxTimeSeconds float64            `json:"max_time_seconds"`
	GapTolerance   float64            `json:"gap_tolerance"`
}

// DoseRequest asks the solver to turn a solution into a dose grid
type DoseRequest struct {
	CaseID     string              `json:"case_id"`
	CaseDir    string              `json:"case_dir"`
	Solution   *domain.RawSolution `json:"solution"`
	OutputPath string              `json:"output_path"`
}

// Solver -> orchestrator messages

// ProbeMessage reports which backends are usable
type ProbeMessage struct {
	Available bool     `json:"available"`
	Licensed  bool     `json:"licensed"`
	Backend   string   `json:"backend"`
	Version   string   `json:"version,omitempty"`
	Params    []string `json:"params,omitempty"`
	Error     string   `json:"error,omitempty"`
}

// ProgressMessage carries one iteration of the interior point method
type ProgressMessage struct {
	Iteration       int     `json:"iteration"`
	PrimalObjective float64 `json:"primal_objective"`
	DualObjective   float64 `json:"dual_objective"`
	Gap             float64 `json:"gap"`
	PrimalResidual  float64 `json:"primal_residual"`
	DualResidual    float64 `json:"dual_residual"`
}

// LogMessage is a free-form solver log line
type LogMessage struct {
	Level   string `json:"level"`
	Message string `json:"message"`
}

// ResultMessage ends a solve
type ResultMessage struct {
	Status           string            `json:"status"`
	StopReason       domain.StopReason `json:"stop_reason,omitempty"`
	Objective        *float64          `json:"objective,omitempty"`
	Gap              *float64          `json:"gap,omitempty"`
	Intensity        []float64         `json:"intensity,omitempty"`
	MU               []float64         `json:"mu,omitempty"`
	SolveTimeSeconds float64           `json:"solve_time_seconds"`
	Handle           string            `json:"handle,omitempty"`
}

// DoseMessage points at a dose grid written by the solver
type DoseMessage struct {
	Path  string `json:"path"`
	Shape [3]int `json:"shape"`
}

// ErrorMessage reports a failure before a result could be produced
type ErrorMessage struct {
	Message string `json:"message"`
}

// Message type constants
const (
	TypeProbe    = "probe"
	TypeProgress = "progress"
	TypeLog      = "log"
	TypeResult   = "result"
	TypeDose     = "dose"
	TypeError    = "error"
)

// TracePoint converts a progress message into a trace point stamped at now
func (m ProgressMessage) TracePoint(now func() time.Time) domain.TracePoint {
	return domain.TracePoint{
		Iteration:       m.Iteration,
		PrimalObjective: m.PrimalObjective,
		DualObjective:   m.DualObjective,
		Gap:             m.Gap,
		PrimalResidual:  m.PrimalResidual,
		DualResidual:    m.DualResidual,
		Time:            now(),
	}
}

// Solution converts a result message into a raw solution
func (m ResultMessage) Solution(caseID, backend string) *domain.RawSolution {
	return &domain.RawSolution{
		CaseID:           caseID,
		Backend:          backend,
		Status:           m.Status,
		StopReason:       m.StopReason,
		Objective:        m.Objective,
		Gap:              m.Gap,
		SolveTimeSeconds: m.SolveTimeSeconds,
		Intensity:        m.Intensity,
		MU:               m.MU,
		Handle:           m.Handle,
	}
}
