package tunnel

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestTunnel(id string) *Tunnel {
	return NewTunnel(id, NewControlConn(nil), nil)
}

func TestRegistry_RegisterAndLookup(t *testing.T) {
	r := NewRegistry(false)

	tun := newTestTunnel("alpha")
	require.NoError(t, r.Register(tun))
	assert.Equal(t, 1, r.Len())

	got, err := r.Lookup("alpha")
	require.NoError(t, err)
	assert.Same(t, tun, got)

	_, err = r.Lookup("beta")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestRegistry_DuplicateIDRejected(t *testing.T) {
	r := NewRegistry(false)

	require.NoError(t, r.Register(newTestTunnel("alpha")))
	require.ErrorIs(t, r.Register(newTestTunnel("alpha")), ErrIDInUse)
	assert.Equal(t, 1, r.Len())
}

func TestRegistry_SingleTunnelMode(t *testing.T) {
	r := NewRegistry(true)

	tun := newTestTunnel("only")
	require.NoError(t, r.Register(tun))
	require.ErrorIs(t, r.Register(newTestTunnel("other")), ErrSingleTunnelOccupied)

	// Any id resolves to the sole tunnel.
	got, err := r.Lookup("whatever")
	require.NoError(t, err)
	assert.Same(t, tun, got)

	r.Remove("only")
	_, err = r.Lookup("whatever")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestRegistry_RemoveIsIdempotent(t *testing.T) {
	r := NewRegistry(false)

	require.NoError(t, r.Register(newTestTunnel("alpha")))
	assert.True(t, r.Remove("alpha"))
	assert.False(t, r.Remove("alpha"))

	// The id is free again.
	require.NoError(t, r.Register(newTestTunnel("alpha")))
}

func TestRegistry_IDsAndSnapshotAreSorted(t *testing.T) {
	r := NewRegistry(false)
	for _, id := range []string{"charlie", "alpha", "bravo"} {
		require.NoError(t, r.Register(newTestTunnel(id)))
	}

	assert.Equal(t, []string{"alpha", "bravo", "charlie"}, r.IDs())

	snap := r.Snapshot()
	require.Len(t, snap, 3)
	assert.Equal(t, "alpha", snap[0].ID)
	assert.Equal(t, "charlie", snap[2].ID)
}

func TestTunnel_ActivityClocksAreIndependent(t *testing.T) {
	tun := newTestTunnel("alpha")

	past := time.Now().Add(-time.Hour).UnixNano()
	tun.lastFrame.Store(past)
	tun.lastActivity.Store(past)

	// A heartbeat frame refreshes liveness but not idle accounting.
	tun.MarkFrame()
	assert.WithinDuration(t, time.Now(), tun.LastFrame(), time.Second)
	assert.WithinDuration(t, time.Unix(0, past), tun.LastActivity(), time.Second)

	tun.Touch()
	assert.WithinDuration(t, time.Now(), tun.LastActivity(), time.Second)
}

func TestRegistry_ReapIdleRemovesOnlyStaleTunnels(t *testing.T) {
	r := NewRegistry(false)

	stale := newTestTunnel("stale")
	stale.lastActivity.Store(time.Now().Add(-time.Hour).UnixNano())
	fresh := newTestTunnel("fresh")

	require.NoError(t, r.Register(stale))
	require.NoError(t, r.Register(fresh))

	removed := r.ReapIdle(30 * time.Minute)
	assert.Equal(t, 1, removed)
	assert.Equal(t, []string{"fresh"}, r.IDs())
}
