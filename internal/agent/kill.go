package agent

import (
	"fmt"

	"gpufleet/internal/model"
)

// Terminator delivers a graceful termination request to one process. A nil
// error means success; otherwise the outcome classifies the failure.
type Terminator interface {
	Terminate(pid int) (model.KillOutcome, error)
}

// KillProcesses attempts every pid in order, including duplicates, and never
// stops early. The batch succeeds when at least one pid was terminated.
func KillProcesses(term Terminator, commandID string, pids []int) model.KillProcessResult {
	res := model.KillProcessResult{
		CommandID: commandID,
		Results:   make([]model.PIDResult, 0, len(pids)),
		Summary:   model.KillSummary{Requested: len(pids)},
	}
	for _, pid := range pids {
		outcome, err := term.Terminate(pid)
		item := model.PIDResult{PID: pid, Status: outcome}
		if err != nil {
			item.Message = err.Error()
		}
		if outcome == model.KillSuccess {
			res.Summary.Succeeded++
		} else {
			res.Summary.Failed++
		}
		res.Results = append(res.Results, item)
	}

	res.Status = model.StatusError
	if res.Summary.Succeeded > 0 {
		res.Status = model.StatusSuccess
	}
	res.Message = fmt.Sprintf("terminated %d of %d processes", res.Summary.Succeeded, res.Summary.Requested)
	return res
}
