package store

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gpufleet/internal/model"
)

type fakeConn struct {
	id   string
	sent []any
}

func (c *fakeConn) Enqueue(msg any) error {
	c.sent = append(c.sent, msg)
	return nil
}

func TestSnapshotAll_ExcludesUnseenHosts(t *testing.T) {
	t.Parallel()

	reg := NewRegistry(30 * time.Second)
	now := time.Unix(1000, 0)
	require.Empty(t, reg.SnapshotAll(now))

	_, err := reg.UpsertSnapshot("gpu-01", model.HostSnapshot{Hostname: "gpu-01"}, now)
	require.NoError(t, err)
	_, err = reg.AttachConnection("gpu-02", &fakeConn{id: "c2"}, now)
	require.NoError(t, err)

	views := reg.SnapshotAll(now)
	require.Len(t, views, 2)
	assert.Equal(t, "gpu-01", views[0].Hostname)
	assert.Equal(t, "gpu-02", views[1].Hostname)
	for _, v := range views {
		assert.NotEqual(t, "gpu-03", v.Hostname)
	}
}

func TestUpsertSnapshot_DerivesOnlineFromWindow(t *testing.T) {
	t.Parallel()

	window := 30 * time.Second
	reg := NewRegistry(window)
	t0 := time.Unix(1000, 0)
	snap := model.HostSnapshot{Hostname: "gpu-01", Timestamp: model.Timestamp{Time: t0}}

	created, err := reg.UpsertSnapshot("gpu-01", snap, t0)
	require.NoError(t, err)
	assert.True(t, created)

	view, ok := reg.Host("gpu-01", t0)
	require.True(t, ok)
	assert.Equal(t, t0, view.LastSeenAt)
	assert.Equal(t, snap, view.Snapshot)

	for _, dt := range []time.Duration{0, time.Second, window, window + time.Nanosecond, 5 * time.Minute} {
		view, _ := reg.Host("gpu-01", t0.Add(dt))
		assert.Equal(t, dt <= window, view.Online, "dt=%s", dt)
	}
}

func TestUpsertSnapshot_LastSeenNeverDecreases(t *testing.T) {
	t.Parallel()

	reg := NewRegistry(30 * time.Second)
	t1 := time.Unix(2000, 0)
	_, err := reg.UpsertSnapshot("gpu-01", model.HostSnapshot{Hostname: "gpu-01", Timestamp: model.Timestamp{Time: t1}}, t1)
	require.NoError(t, err)

	older := model.HostSnapshot{Hostname: "gpu-01", Timestamp: model.Timestamp{Time: t1.Add(-time.Minute)}}
	created, err := reg.UpsertSnapshot("gpu-01", older, t1.Add(-time.Minute))
	require.NoError(t, err)
	assert.False(t, created)

	view, _ := reg.Host("gpu-01", t1)
	assert.Equal(t, t1, view.LastSeenAt)
	assert.Equal(t, older, view.Snapshot, "latest received snapshot wins")
}

func TestUpsertSnapshot_RejectsEmptyHostname(t *testing.T) {
	t.Parallel()

	reg := NewRegistry(time.Second)
	_, err := reg.UpsertSnapshot("", model.HostSnapshot{}, time.Now())
	require.ErrorIs(t, err, ErrEmptyHostname)
	assert.Zero(t, reg.Len())
}

func TestConnectionPresenceIndependentOfLiveness(t *testing.T) {
	t.Parallel()

	reg := NewRegistry(30 * time.Second)
	now := time.Unix(3000, 0)
	conn := &fakeConn{id: "c1"}

	_, err := reg.AttachConnection("gpu-01", conn, now)
	require.NoError(t, err)
	_, err = reg.UpsertSnapshotFrom("gpu-01", model.HostSnapshot{Hostname: "gpu-01"}, now, conn)
	require.NoError(t, err)

	require.True(t, reg.DetachConnection("gpu-01", conn))

	view, ok := reg.Host("gpu-01", now.Add(10*time.Second))
	require.True(t, ok)
	assert.True(t, view.Online)
	assert.False(t, view.Connected)
	_, found := reg.LookupConnection("gpu-01")
	assert.False(t, found)
}

func TestRegisteredWithoutSnapshotIsOffline(t *testing.T) {
	t.Parallel()

	reg := NewRegistry(30 * time.Second)
	now := time.Unix(3000, 0)
	_, err := reg.AttachConnection("gpu-01", &fakeConn{}, now)
	require.NoError(t, err)

	view, ok := reg.Host("gpu-01", now)
	require.True(t, ok)
	assert.True(t, view.Connected)
	assert.False(t, view.Online)
	assert.False(t, view.HasSnapshot)
}

func TestReconnectSupersedesPreviousConnection(t *testing.T) {
	t.Parallel()

	reg := NewRegistry(30 * time.Second)
	now := time.Unix(4000, 0)
	oldConn := &fakeConn{id: "old"}
	newConn := &fakeConn{id: "new"}

	_, err := reg.AttachConnection("gpu-01", oldConn, now)
	require.NoError(t, err)
	_, err = reg.UpsertSnapshotFrom("gpu-01", model.HostSnapshot{Hostname: "gpu-01"}, now, oldConn)
	require.NoError(t, err)

	prev, err := reg.AttachConnection("gpu-01", newConn, now.Add(time.Second))
	require.NoError(t, err)
	assert.Same(t, oldConn, prev)

	// A late frame from the old connection is dropped.
	_, err = reg.UpsertSnapshotFrom("gpu-01", model.HostSnapshot{Hostname: "stale"}, now.Add(2*time.Second), oldConn)
	require.ErrorIs(t, err, ErrSuperseded)

	// The old connection closing does not detach the new one.
	assert.False(t, reg.DetachConnection("gpu-01", oldConn))
	got, ok := reg.LookupConnection("gpu-01")
	require.True(t, ok)
	assert.Same(t, newConn, got)

	// History survives the reconnect.
	view, _ := reg.Host("gpu-01", now.Add(2*time.Second))
	assert.True(t, view.HasSnapshot)
	assert.Equal(t, "gpu-01", view.Snapshot.Hostname)
	assert.Equal(t, now, view.LastSeenAt)
}

func TestRegistry_ConcurrentWritersAndReaders(t *testing.T) {
	t.Parallel()

	reg := NewRegistry(30 * time.Second)
	now := time.Unix(5000, 0)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			host := fmt.Sprintf("gpu-%02d", i)
			conn := &fakeConn{id: host}
			for j := 0; j < 100; j++ {
				_, _ = reg.AttachConnection(host, conn, now)
				_, _ = reg.UpsertSnapshotFrom(host, model.HostSnapshot{Hostname: host}, now.Add(time.Duration(j)*time.Millisecond), conn)
				_ = reg.SnapshotAll(now)
				_, _ = reg.LookupConnection(host)
			}
		}(i)
	}
	wg.Wait()

	views := reg.SnapshotAll(now.Add(time.Second))
	require.Len(t, views, 16)
	for _, v := range views {
		assert.Equal(t, v.Hostname, v.Snapshot.Hostname)
		assert.True(t, v.Online)
		assert.True(t, v.Connected)
	}
}
