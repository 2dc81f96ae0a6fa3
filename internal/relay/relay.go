package relay

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"gpufleet/internal/api"
	"gpufleet/internal/audit"
	"gpufleet/internal/logutil"
	"gpufleet/internal/model"
	"gpufleet/internal/store"
)

var (
	ErrMissingHostname = errors.New("hostname is required")
	ErrMissingPIDs     = errors.New("pids are required")
	ErrInvalidPID      = errors.New("pids must be positive")
	ErrTargetOffline   = errors.New("target offline")
)

// IsValidation reports whether err is a request validation failure rather than a routing failure.
func IsValidation(err error) bool {
	return errors.Is(err, ErrMissingHostname) || errors.Is(err, ErrMissingPIDs) || errors.Is(err, ErrInvalidPID)
}

// Receipt confirms that a command was handed to a live connection.
// It says nothing about remote execution.
type Receipt struct {
	CommandID    string
	Hostname     string
	PIDs         []int
	DispatchedAt time.Time
}

// Relay routes operator commands to the live connection of the addressed host.
type Relay struct {
	reg     *store.Registry
	tracker *Tracker
	audit   *audit.Log

	now   func() time.Time
	newID func() string
}

// New creates a relay over reg. tracker and auditLog may be nil.
func New(reg *store.Registry, tracker *Tracker, auditLog *audit.Log) *Relay {
	return &Relay{
		reg:     reg,
		tracker: tracker,
		audit:   auditLog,
		now:     time.Now,
		newID:   uuid.NewString,
	}
}

// Dispatch enqueues a kill command for hostname and returns as soon as the
// connection accepted it. Nothing is sent when validation fails or the host
// has no live connection.
func (r *Relay) Dispatch(hostname string, pids []int) (Receipt, error) {
	if hostname == "" {
		return Receipt{}, ErrMissingHostname
	}
	if len(pids) == 0 {
		return Receipt{}, ErrMissingPIDs
	}
	for _, pid := range pids {
		if pid <= 0 {
			return Receipt{}, fmt.Errorf("%w: %d", ErrInvalidPID, pid)
		}
	}

	conn, ok := r.reg.LookupConnection(hostname)
	if !ok {
		return Receipt{}, fmt.Errorf("%s: %w", hostname, ErrTargetOffline)
	}

	receipt := Receipt{
		CommandID:    r.newID(),
		Hostname:     hostname,
		PIDs:         append([]int(nil), pids...),
		DispatchedAt: r.now(),
	}

	// Track before enqueueing so a fast result is never reported as unknown.
	if r.tracker != nil {
		r.tracker.Add(model.CommandRecord{
			CommandID:    receipt.CommandID,
			Hostname:     hostname,
			PIDs:         receipt.PIDs,
			State:        model.CommandDispatched,
			DispatchedAt: receipt.DispatchedAt,
		})
	}

	msg := api.KillProcessesMessage{
		Type:      api.TypeKillProcesses,
		CommandID: receipt.CommandID,
		PIDs:      receipt.PIDs,
	}
	if err := conn.Enqueue(msg); err != nil {
		if r.tracker != nil {
			r.tracker.Remove(receipt.CommandID)
		}
		return Receipt{}, fmt.Errorf("dispatch to %s: %w", hostname, err)
	}

	logutil.GetLogger().Info("kill command dispatched",
		zap.String("hostname", hostname),
		zap.String("command_id", receipt.CommandID),
		zap.Ints("pids", receipt.PIDs))
	return receipt, nil
}

// HandleResult records a kill result received from hostname. It is never
// joined back to the dispatching request; the tracker holds it for lookup.
// Only the host a command was dispatched to can complete it.
func (r *Relay) HandleResult(hostname string, res model.KillProcessResult) (model.CommandRecord, bool) {
	logger := logutil.GetLogger()
	at := r.now()

	logger.Info("kill result received",
		zap.String("hostname", hostname),
		zap.String("command_id", res.CommandID),
		zap.String("status", res.Status),
		zap.String("message", res.Message),
		zap.Int("succeeded", res.Summary.Succeeded),
		zap.Int("failed", res.Summary.Failed))

	if err := r.audit.Append(at, hostname, res); err != nil {
		logger.Error("audit append failed", zap.String("path", r.audit.Path()), zap.Error(err))
	}

	if r.tracker == nil || res.CommandID == "" {
		return model.CommandRecord{}, false
	}
	rec, ok := r.tracker.CompleteFor(res.CommandID, hostname, res, at)
	switch {
	case !ok && rec.CommandID == "":
		logger.Warn("kill result for unknown or expired command",
			zap.String("hostname", hostname),
			zap.String("command_id", res.CommandID))
		return model.CommandRecord{}, false
	case !ok:
		logger.Warn("kill result from a host the command was not sent to",
			zap.String("command_id", res.CommandID),
			zap.String("dispatched_to", rec.Hostname),
			zap.String("reported_by", hostname))
		return model.CommandRecord{}, false
	}
	return rec, true
}

// Command returns the tracked record for a command id.
func (r *Relay) Command(id string) (model.CommandRecord, bool) {
	if r.tracker == nil {
		return model.CommandRecord{}, false
	}
	return r.tracker.Get(id)
}
