package model

import "time"

// KillOutcome classifies the result of terminating a single pid.
type KillOutcome string

const (
	KillSuccess          KillOutcome = "success"
	KillNotFound         KillOutcome = "not_found"
	KillPermissionDenied KillOutcome = "permission_denied"
	KillOtherError       KillOutcome = "other_error"
)

// Overall result statuses.
const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// PIDResult is the outcome for one requested pid.
type PIDResult struct {
	PID     int         `json:"pid"`
	Status  KillOutcome `json:"status"`
	Message string      `json:"message,omitempty"`
}

// KillSummary counts outcomes of a batch.
type KillSummary struct {
	Requested int `json:"requested"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
}

// KillProcessResult aggregates the per-pid outcomes of one kill command.
type KillProcessResult struct {
	CommandID string      `json:"command_id,omitempty"`
	Status    string      `json:"status"`
	Message   string      `json:"message"`
	Results   []PIDResult `json:"results"`
	Summary   KillSummary `json:"summary"`
}

// CommandState is the lifecycle of a dispatched command as seen by the aggregator.
type CommandState string

const (
	CommandDispatched CommandState = "dispatched"
	CommandCompleted  CommandState = "completed"
)

// CommandRecord tracks a dispatched command until its result arrives or it expires.
type CommandRecord struct {
	CommandID    string             `json:"command_id"`
	Hostname     string             `json:"hostname"`
	PIDs         []int              `json:"pids"`
	State        CommandState       `json:"state"`
	DispatchedAt time.Time          `json:"dispatched_at"`
	CompletedAt  *time.Time         `json:"completed_at,omitempty"`
	Result       *KillProcessResult `json:"result,omitempty"`
}
