package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"gpufleet/internal/api"
	"gpufleet/internal/config"
	"gpufleet/internal/logutil"
	"gpufleet/internal/model"
)

const writeTimeout = 10 * time.Second

// ErrRegistrationRejected is returned when the aggregator refuses or never
// answers a register message.
var ErrRegistrationRejected = errors.New("registration rejected")

// State is the lifecycle position of a Session.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateRegistering
	StateActive
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "DISCONNECTED"
	case StateConnecting:
		return "CONNECTING"
	case StateRegistering:
		return "REGISTERING"
	case StateActive:
		return "ACTIVE"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Provider produces one snapshot per collection tick. It must not fail;
// unavailable sources are reported as empty fields.
type Provider interface {
	Collect(ctx context.Context) model.HostSnapshot
}

// Options configures a Session.
type Options struct {
	Hostname        string
	Aggregator      string
	ReportInterval  time.Duration
	ReconnectDelay  time.Duration
	RegisterTimeout time.Duration
}

// OptionsFromConfig converts the agent config section into session options.
func OptionsFromConfig(cfg config.AgentConfig) Options {
	return Options{
		Hostname:        cfg.Hostname,
		Aggregator:      cfg.Aggregator,
		ReportInterval:  time.Duration(cfg.ReportIntervalMs) * time.Millisecond,
		ReconnectDelay:  time.Duration(cfg.ReconnectDelaySec) * time.Second,
		RegisterTimeout: time.Duration(cfg.RegisterTimeoutSec) * time.Second,
	}
}

// Session keeps one duplex connection to the aggregator: it registers,
// pushes snapshots and executes kill commands received over the connection.
type Session struct {
	opts     Options
	provider Provider
	term     Terminator
	dialer   *websocket.Dialer

	state   atomic.Int32
	writeMu sync.Mutex
}

func NewSession(opts Options, provider Provider, term Terminator) *Session {
	if opts.ReportInterval <= 0 {
		opts.ReportInterval = time.Duration(config.DefaultReportIntervalMs) * time.Millisecond
	}
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = time.Duration(config.DefaultReconnectDelaySec) * time.Second
	}
	if opts.RegisterTimeout <= 0 {
		opts.RegisterTimeout = time.Duration(config.DefaultRegisterTimeoutSec) * time.Second
	}
	return &Session{
		opts:     opts,
		provider: provider,
		term:     term,
		dialer: &websocket.Dialer{
			HandshakeTimeout: opts.RegisterTimeout,
		},
	}
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	return State(s.state.Load())
}

func (s *Session) setState(st State) {
	if prev := State(s.state.Swap(int32(st))); prev != st {
		logutil.GetLogger().Debug("agent session state",
			zap.Stringer("from", prev),
			zap.Stringer("to", st))
	}
}

// Run keeps the session alive until ctx is cancelled. Every failure, including
// a rejected registration, tears the connection down and starts over after
// ReconnectDelay. The returned error is always ctx's.
func (s *Session) Run(ctx context.Context) error {
	logger := logutil.GetLogger()
	policy := backoff.WithContext(backoff.NewConstantBackOff(s.opts.ReconnectDelay), ctx)

	op := func() error {
		err := s.runOnce(ctx)
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		if err == nil {
			err = errors.New("session ended")
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		logger.Warn("agent session lost",
			zap.String("hostname", s.opts.Hostname),
			zap.String("aggregator", s.opts.Aggregator),
			zap.Duration("retry_in", wait),
			zap.Error(err))
	}

	err := backoff.RetryNotify(op, policy, notify)
	s.setState(StateDisconnected)
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

// runOnce drives one pass through CONNECTING, REGISTERING and ACTIVE and
// returns when the connection fails.
func (s *Session) runOnce(ctx context.Context) error {
	defer s.setState(StateDisconnected)
	logger := logutil.GetLogger()

	s.setState(StateConnecting)
	url := api.AgentSocketURL(s.opts.Aggregator)
	conn, _, err := s.dialer.DialContext(ctx, url, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", url, err)
	}
	defer conn.Close()

	s.setState(StateRegistering)
	if err := s.register(conn); err != nil {
		return err
	}
	s.setState(StateActive)
	logger.Info("agent registered",
		zap.String("hostname", s.opts.Hostname),
		zap.String("aggregator", url))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		<-gctx.Done()
		// Unblocks the receive loop.
		_ = conn.Close()
		return nil
	})
	g.Go(func() error { return s.collectLoop(gctx, conn) })
	g.Go(func() error { return s.receiveLoop(gctx, conn) })
	return g.Wait()
}

func (s *Session) register(conn *websocket.Conn) error {
	msg := api.RegisterMessage{Type: api.TypeRegister, Hostname: s.opts.Hostname}
	if err := s.writeJSON(conn, msg); err != nil {
		return fmt.Errorf("send register: %w", err)
	}

	if err := conn.SetReadDeadline(time.Now().Add(s.opts.RegisterTimeout)); err != nil {
		return err
	}
	var resp api.RegisterResponse
	if err := conn.ReadJSON(&resp); err != nil {
		return fmt.Errorf("%w: no response: %v", ErrRegistrationRejected, err)
	}
	if err := conn.SetReadDeadline(time.Time{}); err != nil {
		return err
	}

	if resp.Type != api.TypeRegisterResponse {
		return fmt.Errorf("%w: unexpected %q frame", ErrRegistrationRejected, resp.Type)
	}
	if resp.Status != model.StatusSuccess {
		return fmt.Errorf("%w: %s", ErrRegistrationRejected, resp.Message)
	}
	return nil
}

// collectLoop pushes one snapshot per tick. The next tick is scheduled only
// after the previous push was written, so pushes never overlap.
func (s *Session) collectLoop(ctx context.Context, conn *websocket.Conn) error {
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}

		snap := s.provider.Collect(ctx)
		if snap.Hostname == "" {
			snap.Hostname = s.opts.Hostname
		}
		snap.Normalize()
		if err := s.writeJSON(conn, api.SnapshotMessage{Type: api.TypeSnapshot, HostSnapshot: snap}); err != nil {
			return fmt.Errorf("push snapshot: %w", err)
		}
		timer.Reset(s.opts.ReportInterval)
	}
}

func (s *Session) receiveLoop(ctx context.Context, conn *websocket.Conn) error {
	logger := logutil.GetLogger()
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("receive: %w", err)
		}
		typ, err := api.MessageType(data)
		if err != nil {
			return err
		}

		switch typ {
		case api.TypeAck:
		case api.TypeError:
			var msg api.ErrorMessage
			_ = json.Unmarshal(data, &msg)
			logger.Warn("aggregator rejected frame", zap.String("message", msg.Message))
		case api.TypeKillProcesses:
			var msg api.KillProcessesMessage
			if err := json.Unmarshal(data, &msg); err != nil {
				return fmt.Errorf("decode %s: %w", typ, err)
			}
			res := KillProcesses(s.term, msg.CommandID, msg.PIDs)
			logger.Info("kill command executed",
				zap.String("command_id", msg.CommandID),
				zap.Ints("pids", msg.PIDs),
				zap.String("status", res.Status),
				zap.String("message", res.Message))
			out := api.KillProcessResultMessage{Type: api.TypeKillProcessResult, KillProcessResult: res}
			if err := s.writeJSON(conn, out); err != nil {
				return fmt.Errorf("send kill result: %w", err)
			}
		default:
			logger.Debug("ignoring frame", zap.String("type", typ))
		}
	}
}

// writeJSON serialises writes from the collect and receive duties.
func (s *Session) writeJSON(conn *websocket.Conn, v any) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	return conn.WriteJSON(v)
}
