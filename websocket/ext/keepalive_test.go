package ext

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tg.sandbox/wsengine/websocket"
)

type fakeClock struct{ at time.Time }

func (c *fakeClock) now() time.Time { return c.at }

func (c *fakeClock) advance(d time.Duration) { c.at = c.at.Add(d) }

func keepaliveTunnel(t *testing.T, tpl *Keepalive) (*websocket.Tunnel, *scriptConn, *fakeClock) {
	t.Helper()
	clock := &fakeClock{at: time.Now()}
	tpl.now = clock.now
	tun, conn := acceptScripted(t, websocket.Options{Plugins: []websocket.Plugin{tpl}})
	return tun, conn, clock
}

func TestKeepalivePingsEveryInterval(t *testing.T) {
	tun, conn, clock := keepaliveTunnel(t, NewKeepalive(time.Second, 0))

	require.NoError(t, tun.LoopTick())
	assert.Empty(t, written(t, conn))

	clock.advance(time.Second)
	require.NoError(t, tun.LoopTick())
	frames := written(t, conn)
	require.Len(t, frames, 1)
	assert.Equal(t, websocket.OPCODE_PING, frames[0].Header.Opcode)

	clock.advance(500 * time.Millisecond)
	require.NoError(t, tun.LoopTick())
	assert.Empty(t, written(t, conn))
}

func TestKeepaliveClosesWithoutPong(t *testing.T) {
	tun, conn, clock := keepaliveTunnel(t, NewKeepalive(time.Second, 2*time.Second))

	clock.advance(time.Second)
	require.NoError(t, tun.LoopTick())
	require.Len(t, written(t, conn), 1)

	clock.advance(3 * time.Second)
	require.NoError(t, tun.LoopTick())
	frames := written(t, conn)
	require.Len(t, frames, 1)
	assert.Equal(t, websocket.STATUS_CODE_GOING_AWAY, closeCode(t, frames[0]))
	assert.False(t, tun.IsOperational())
}

func TestKeepaliveAnsweredPingKeepsTunnel(t *testing.T) {
	tun, conn, clock := keepaliveTunnel(t, NewKeepalive(time.Second, 2*time.Second))

	clock.advance(time.Second)
	require.NoError(t, tun.LoopTick())
	frames := written(t, conn)
	require.Len(t, frames, 1)
	payload, err := frames[0].AppData()
	require.NoError(t, err)

	feed(t, conn, websocket.NewPongFrame(payload))
	require.NoError(t, tun.ProcessMessages())

	clock.advance(1500 * time.Millisecond)
	require.NoError(t, tun.LoopTick())
	frames = written(t, conn)
	require.Len(t, frames, 1)
	assert.Equal(t, websocket.OPCODE_PING, frames[0].Header.Opcode)
	assert.True(t, tun.IsOperational())
}

func TestKeepaliveJustPong(t *testing.T) {
	tpl := NewKeepalive(time.Second, time.Second)
	tpl.JustPong = true
	tun, conn, clock := keepaliveTunnel(t, tpl)

	clock.advance(time.Second)
	require.NoError(t, tun.LoopTick())
	frames := written(t, conn)
	require.Len(t, frames, 1)
	assert.Equal(t, websocket.OPCODE_PONG, frames[0].Header.Opcode)
	assert.Zero(t, frames[0].Header.Length)

	clock.advance(5 * time.Second)
	require.NoError(t, tun.LoopTick())
	assert.True(t, tun.IsOperational())
}
