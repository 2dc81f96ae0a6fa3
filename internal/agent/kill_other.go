//go:build !unix

package agent

import (
	"errors"

	"gpufleet/internal/model"
)

// SignalTerminator is unavailable on this platform; every request fails.
type SignalTerminator struct{}

func NewSignalTerminator() SignalTerminator {
	return SignalTerminator{}
}

func (SignalTerminator) Terminate(int) (model.KillOutcome, error) {
	return model.KillOtherError, errors.New("process termination is not supported on this platform")
}
