package agent

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gpufleet/internal/api"
	"gpufleet/internal/model"
)

type stubProvider struct {
	delay       time.Duration
	calls       atomic.Int32
	inFlight    atomic.Int32
	maxInFlight atomic.Int32
}

func (p *stubProvider) Collect(context.Context) model.HostSnapshot {
	n := p.inFlight.Add(1)
	defer p.inFlight.Add(-1)
	for {
		m := p.maxInFlight.Load()
		if n <= m || p.maxInFlight.CompareAndSwap(m, n) {
			break
		}
	}
	p.calls.Add(1)
	time.Sleep(p.delay)
	return model.HostSnapshot{Timestamp: model.Timestamp{Time: time.Now().UTC()}}
}

// newFakeAggregator serves the agent socket and hands every upgraded
// connection to handle. handle must not use t.
func newFakeAggregator(t *testing.T, handle func(conn *websocket.Conn)) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != api.AgentSocketPath {
			http.NotFound(w, r)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		handle(conn)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func acceptRegister(conn *websocket.Conn, status string) (string, error) {
	var reg api.RegisterMessage
	if err := conn.ReadJSON(&reg); err != nil {
		return "", err
	}
	if reg.Type != api.TypeRegister {
		return "", errors.New("first frame was " + reg.Type)
	}
	resp := api.RegisterResponse{Type: api.TypeRegisterResponse, Status: status}
	if status != model.StatusSuccess {
		resp.Message = "hostname refused"
	}
	return reg.Hostname, conn.WriteJSON(resp)
}

func testOptions(addr string) Options {
	return Options{
		Hostname:        "gpu-01",
		Aggregator:      addr,
		ReportInterval:  10 * time.Millisecond,
		ReconnectDelay:  20 * time.Millisecond,
		RegisterTimeout: 200 * time.Millisecond,
	}
}

func TestRunOnce_RegistrationRejected(t *testing.T) {
	t.Parallel()

	srv := newFakeAggregator(t, func(conn *websocket.Conn) {
		_, _ = acceptRegister(conn, model.StatusError)
		_, _, _ = conn.ReadMessage()
	})
	provider := &stubProvider{}
	s := NewSession(testOptions(srv.URL), provider, &fakeTerminator{})

	err := s.runOnce(context.Background())
	require.ErrorIs(t, err, ErrRegistrationRejected)
	assert.Contains(t, err.Error(), "hostname refused")
	assert.Equal(t, StateDisconnected, s.State())
	assert.Zero(t, provider.calls.Load())
}

func TestRunOnce_RegistrationTimeout(t *testing.T) {
	t.Parallel()

	srv := newFakeAggregator(t, func(conn *websocket.Conn) {
		// Read the register frame and never answer.
		_, _, _ = conn.ReadMessage()
		_, _, _ = conn.ReadMessage()
	})
	s := NewSession(testOptions(srv.URL), &stubProvider{}, &fakeTerminator{})

	start := time.Now()
	err := s.runOnce(context.Background())
	require.ErrorIs(t, err, ErrRegistrationRejected)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestRunOnce_DialFailure(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.NotFoundHandler())
	addr := srv.URL
	srv.Close()

	s := NewSession(testOptions(addr), &stubProvider{}, &fakeTerminator{})
	require.Error(t, s.runOnce(context.Background()))
	assert.Equal(t, StateDisconnected, s.State())
}

func TestSession_PushesSnapshotsAndExecutesKill(t *testing.T) {
	t.Parallel()

	snapshots := make(chan api.SnapshotMessage, 16)
	results := make(chan api.KillProcessResultMessage, 1)
	srv := newFakeAggregator(t, func(conn *websocket.Conn) {
		if _, err := acceptRegister(conn, model.StatusSuccess); err != nil {
			return
		}
		sent := false
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			typ, _ := api.MessageType(data)
			switch typ {
			case api.TypeSnapshot:
				var snap api.SnapshotMessage
				_ = json.Unmarshal(data, &snap)
				select {
				case snapshots <- snap:
				default:
				}
				_ = conn.WriteJSON(api.AckMessage{Type: api.TypeAck, Status: model.StatusSuccess})
				if !sent {
					sent = true
					_ = conn.WriteJSON(api.KillProcessesMessage{
						Type:      api.TypeKillProcesses,
						CommandID: "cmd-1",
						PIDs:      []int{111, 222},
					})
				}
			case api.TypeKillProcessResult:
				var res api.KillProcessResultMessage
				_ = json.Unmarshal(data, &res)
				results <- res
			}
		}
	})

	term := &fakeTerminator{outcomes: map[int]model.KillOutcome{111: model.KillSuccess}}
	s := NewSession(testOptions(srv.URL), &stubProvider{}, term)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	select {
	case snap := <-snapshots:
		assert.Equal(t, "gpu-01", snap.Hostname)
		assert.NotNil(t, snap.GPUs)
	case <-time.After(5 * time.Second):
		t.Fatal("no snapshot pushed")
	}

	select {
	case res := <-results:
		assert.Equal(t, "cmd-1", res.CommandID)
		assert.Equal(t, model.StatusSuccess, res.Status)
		require.Len(t, res.Results, 2)
		assert.Equal(t, model.KillSuccess, res.Results[0].Status)
		assert.Equal(t, model.KillNotFound, res.Results[1].Status)
	case <-time.After(5 * time.Second):
		t.Fatal("no kill result")
	}
	assert.Equal(t, StateActive, s.State())

	cancel()
	select {
	case err := <-done:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	assert.Equal(t, StateDisconnected, s.State())
}

func TestSession_PushesNeverOverlap(t *testing.T) {
	t.Parallel()

	var frames atomic.Int32
	srv := newFakeAggregator(t, func(conn *websocket.Conn) {
		if _, err := acceptRegister(conn, model.StatusSuccess); err != nil {
			return
		}
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
			frames.Add(1)
		}
	})

	provider := &stubProvider{delay: 15 * time.Millisecond}
	opts := testOptions(srv.URL)
	opts.ReportInterval = time.Millisecond
	s := NewSession(opts, provider, &fakeTerminator{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = s.Run(ctx) }()

	require.Eventually(t, func() bool { return frames.Load() >= 5 }, 5*time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(1), provider.maxInFlight.Load())
}

func TestRun_ReconnectsAndReregisters(t *testing.T) {
	t.Parallel()

	var registrations atomic.Int32
	srv := newFakeAggregator(t, func(conn *websocket.Conn) {
		if _, err := acceptRegister(conn, model.StatusSuccess); err != nil {
			return
		}
		// Drop the first connection right after registering it.
		if registrations.Add(1) == 1 {
			return
		}
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	s := NewSession(testOptions(srv.URL), &stubProvider{}, &fakeTerminator{})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	require.Eventually(t, func() bool {
		return registrations.Load() >= 2 && s.State() == StateActive
	}, 5*time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestPushOnce_ReportsOverHTTP(t *testing.T) {
	t.Parallel()

	got := make(chan model.HostSnapshot, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var snap model.HostSnapshot
		if r.URL.Path != "/api/report-gpu-stats" || json.NewDecoder(r.Body).Decode(&snap) != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		got <- snap
		_ = json.NewEncoder(w).Encode(api.StatusResponse{Status: model.StatusSuccess})
	}))
	defer srv.Close()

	snap, err := PushOnce(context.Background(), api.NewClient(srv.URL), &stubProvider{}, "gpu-07")
	require.NoError(t, err)
	assert.Equal(t, "gpu-07", snap.Hostname)
	assert.Equal(t, "gpu-07", (<-got).Hostname)
}
