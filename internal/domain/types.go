package domain

import "strings"

// RunStatus represents the lifecycle state of an optimization run
type RunStatus string

const (
	RunQueued               RunStatus = "queued"
	RunRunning              RunStatus = "running"
	RunDosePending          RunStatus = "completed-dose-pending"
	RunCompleted            RunStatus = "completed"
	RunFailed               RunStatus = "failed"
	RunReconstructionFailed RunStatus = "reconstruction-failed"
)

// IsTerminal reports whether no further transition is possible from s
func (s RunStatus) IsTerminal() bool {
	switch s {
	case RunCompleted, RunFailed, RunReconstructionFailed:
		return true
	}
	return false
}

// IsFailure reports whether s is one of the failed terminal states
func (s RunStatus) IsFailure() bool {
	return s == RunFailed || s == RunReconstructionFailed
}

// ParseRunStatus maps a free-form status string to a known RunStatus.
// Unknown values return the empty status.
func ParseRunStatus(value string) RunStatus {
	switch v := RunStatus(strings.ToLower(strings.TrimSpace(value))); v {
	case RunQueued, RunRunning, RunDosePending, RunCompleted, RunFailed, RunReconstructionFailed:
		return v
	case "dose_pending", "dose-pending":
		return RunDosePending
	}
	return ""
}

// CanTransition enforces the one-directional run state machine:
//
//	queued -> running -> completed | failed | reconstruction-failed
//	running -> completed-dose-pending -> completed | reconstruction-failed
//
// A queued run may fail directly when it cannot be started at all.
func CanTransition(from, to RunStatus) bool {
	switch from {
	case RunQueued:
		return to == RunRunning || to == RunFailed
	case RunRunning:
		switch to {
		case RunCompleted, RunDosePending, RunFailed, RunReconstructionFailed:
			return true
		}
	case RunDosePending:
		return to == RunCompleted || to == RunReconstructionFailed
	}
	return false
}

// SolverChoice is the backend a caller asks for
type SolverChoice string

const (
	SolverPreferred SolverChoice = "preferred"
	SolverFallback  SolverChoice = "fallback"
)

// Role classifies a structure for objective purposes
type Role string

const (
	RoleTarget      Role = "target"
	RoleOrganAtRisk Role = "organ-at-risk"
)

// ObjectiveType is one of the supported objective function tags
type ObjectiveType string

const (
	ObjectiveQuadraticOverdose  ObjectiveType = "quadratic-overdose"
	ObjectiveQuadraticUnderdose ObjectiveType = "quadratic-underdose"
	ObjectiveMaxDose            ObjectiveType = "max-dose"
	ObjectiveMeanDose           ObjectiveType = "mean-dose"
	ObjectiveDoseVolume         ObjectiveType = "dose-volume"
)

func (t ObjectiveType) valid() bool {
	switch t {
	case ObjectiveQuadraticOverdose, ObjectiveQuadraticUnderdose, ObjectiveMaxDose, ObjectiveMeanDose, ObjectiveDoseVolume:
		return true
	}
	return false
}

// StopReason records which condition ended a solve
type StopReason string

const (
	StopOptimal   StopReason = "optimal"
	StopGap       StopReason = "gap_reached"
	StopTimeLimit StopReason = "time_limit"
)

// DoseStage reports the progress of the dose reconstruction phase of a run
type DoseStage string

const (
	DoseNotStarted DoseStage = "not_started"
	DoseInProgress DoseStage = "in_progress"
	DoseDone       DoseStage = "done"
)
