package aggregator

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"gpufleet/internal/addrutil"
	"gpufleet/internal/api"
	"gpufleet/internal/logutil"
	"gpufleet/internal/model"
	"gpufleet/internal/store"
)

const (
	writeWait    = 10 * time.Second
	pongWait     = 60 * time.Second
	pingPeriod   = (pongWait * 9) / 10
	maxFrameSize = 16 << 20
)

var (
	// ErrSendQueueFull is returned by Enqueue when the agent is not draining its queue.
	ErrSendQueueFull = errors.New("send queue full")
	errConnClosed    = errors.New("connection closed")
)

// agentConn is one agent's duplex connection. Only writePump writes to ws;
// everything else enqueues.
type agentConn struct {
	ws     *websocket.Conn
	remote string
	send   chan any
	done   chan struct{}
	once   sync.Once
}

var _ store.Conn = (*agentConn)(nil)

func newAgentConn(ws *websocket.Conn, queue int, remote string) *agentConn {
	return &agentConn{
		ws:     ws,
		remote: remote,
		send:   make(chan any, queue),
		done:   make(chan struct{}),
	}
}

// Enqueue queues msg for the write pump without blocking.
func (c *agentConn) Enqueue(msg any) error {
	select {
	case <-c.done:
		return errConnClosed
	default:
	}
	select {
	case c.send <- msg:
		return nil
	default:
		return ErrSendQueueFull
	}
}

// close asks the write pump to flush what is queued and close the socket.
func (c *agentConn) close() {
	c.once.Do(func() { close(c.done) })
}

func (c *agentConn) writePump() {
	logger := logutil.GetLogger()
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(writeWait))
		_ = c.ws.Close()
	}()

	for {
		select {
		case msg := <-c.send:
			if err := c.write(msg); err != nil {
				logger.Debug("agent write failed", zap.String("remote", c.remote), zap.Error(err))
				c.close()
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.close()
				return
			}
		case <-c.done:
			c.flush()
			return
		}
	}
}

func (c *agentConn) write(msg any) error {
	if err := c.ws.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return c.ws.WriteJSON(msg)
}

// flush writes whatever is still queued, best effort.
func (c *agentConn) flush() {
	for {
		select {
		case msg := <-c.send:
			if c.write(msg) != nil {
				return
			}
		default:
			return
		}
	}
}

// reply enqueues a direct answer to the agent; a full queue drops it.
func (c *agentConn) reply(msg any) {
	if err := c.Enqueue(msg); err != nil {
		logutil.GetLogger().Debug("agent reply dropped", zap.String("remote", c.remote), zap.Error(err))
	}
}

func (s *Server) handleAgentSocket(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already answered the request.
		logutil.GetLogger().Warn("agent upgrade failed", zap.String("remote", r.RemoteAddr), zap.Error(err))
		return
	}
	c := newAgentConn(ws, s.cfg.SendQueueSize, addrutil.HostFromAddr(r.RemoteAddr))
	s.track(c)
	defer s.untrack(c)
	go c.writePump()
	defer c.close()

	s.serveAgent(c)
}

// serveAgent is the read loop of one connection. The first frame must be a
// register; the connection is attached to the registry until it fails or a
// newer connection for the same hostname supersedes it.
func (s *Server) serveAgent(c *agentConn) {
	logger := logutil.GetLogger()
	ws := c.ws
	ws.SetReadLimit(maxFrameSize)
	_ = ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	hostname, err := s.register(c)
	if err != nil {
		logger.Warn("agent registration failed", zap.String("remote", c.remote), zap.Error(err))
		return
	}
	defer func() {
		if s.reg.DetachConnection(hostname, c) {
			logger.Info("agent disconnected", zap.String("hostname", hostname), zap.String("remote", c.remote))
		}
	}()

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Info("agent connection lost", zap.String("hostname", hostname), zap.Error(err))
			}
			return
		}
		_ = ws.SetReadDeadline(time.Now().Add(pongWait))
		if !s.handleFrame(c, hostname, data) {
			return
		}
	}
}

func (s *Server) register(c *agentConn) (string, error) {
	_, data, err := c.ws.ReadMessage()
	if err != nil {
		return "", err
	}
	reject := func(reason string) (string, error) {
		c.reply(api.RegisterResponse{Type: api.TypeRegisterResponse, Status: model.StatusError, Message: reason})
		return "", errors.New(reason)
	}

	typ, err := api.MessageType(data)
	if err != nil {
		return reject(err.Error())
	}
	if typ != api.TypeRegister {
		return reject(fmt.Sprintf("expected %s, got %s", api.TypeRegister, typ))
	}
	var msg api.RegisterMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return reject(err.Error())
	}
	prev, err := s.reg.AttachConnection(msg.Hostname, c, s.now())
	if err != nil {
		return reject(err.Error())
	}
	if prev != nil {
		if old, ok := prev.(*agentConn); ok {
			old.close()
		}
		logutil.GetLogger().Info("agent connection superseded",
			zap.String("hostname", msg.Hostname),
			zap.String("remote", c.remote))
	}

	c.reply(api.RegisterResponse{Type: api.TypeRegisterResponse, Status: model.StatusSuccess, Message: "registered"})
	logutil.GetLogger().Info("agent registered",
		zap.String("hostname", msg.Hostname),
		zap.String("remote", c.remote))
	return msg.Hostname, nil
}

// handleFrame processes one frame from a registered agent. It reports false
// when the connection should be dropped.
func (s *Server) handleFrame(c *agentConn, hostname string, data []byte) bool {
	logger := logutil.GetLogger()
	typ, err := api.MessageType(data)
	if err != nil {
		c.reply(errorFrame(err.Error()))
		return true
	}

	switch typ {
	case api.TypeSnapshot:
		var msg api.SnapshotMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			c.reply(errorFrame("invalid snapshot: " + err.Error()))
			return true
		}
		snap := msg.HostSnapshot
		if snap.Hostname != hostname {
			if snap.Hostname != "" {
				logger.Warn("snapshot hostname differs from registration",
					zap.String("registered", hostname),
					zap.String("reported", snap.Hostname))
			}
			snap.Hostname = hostname
		}
		snap.Normalize()
		if _, err := s.reg.UpsertSnapshotFrom(hostname, snap, s.now(), c); err != nil {
			if errors.Is(err, store.ErrSuperseded) {
				logger.Info("dropping frame from superseded connection", zap.String("hostname", hostname))
				return false
			}
			c.reply(errorFrame(err.Error()))
			return true
		}
		c.reply(api.AckMessage{Type: api.TypeAck, Status: model.StatusSuccess})

	case api.TypeKillProcessResult:
		var msg api.KillProcessResultMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			c.reply(errorFrame("invalid kill result: " + err.Error()))
			return true
		}
		s.relay.HandleResult(hostname, msg.KillProcessResult)

	case api.TypeRegister:
		c.reply(errorFrame("already registered as " + hostname))

	default:
		c.reply(errorFrame("unknown message type " + typ))
	}
	return true
}

func errorFrame(message string) api.ErrorMessage {
	return api.ErrorMessage{Type: api.TypeError, Status: model.StatusError, Message: message}
}
