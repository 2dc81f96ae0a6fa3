//go:build unix

package agent

import (
	"errors"
	"fmt"
	"os"

	"golang.org/x/sys/unix"

	"gpufleet/internal/model"
)

// SignalTerminator sends SIGTERM. It refuses non-positive pids and the agent's own pid.
type SignalTerminator struct {
	self int
}

func NewSignalTerminator() SignalTerminator {
	return SignalTerminator{self: os.Getpid()}
}

func (t SignalTerminator) Terminate(pid int) (model.KillOutcome, error) {
	if pid <= 0 {
		return model.KillOtherError, fmt.Errorf("invalid pid %d", pid)
	}
	if pid == t.self {
		return model.KillOtherError, errors.New("refusing to terminate the agent")
	}
	return classifyKillError(unix.Kill(pid, unix.SIGTERM))
}

func classifyKillError(err error) (model.KillOutcome, error) {
	switch {
	case err == nil:
		return model.KillSuccess, nil
	case errors.Is(err, unix.ESRCH):
		return model.KillNotFound, errors.New("process not found")
	case errors.Is(err, unix.EPERM):
		return model.KillPermissionDenied, errors.New("permission denied")
	default:
		return model.KillOtherError, err
	}
}
