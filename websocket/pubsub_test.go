package websocket

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBrokerDelivers(t *testing.T) {
	b := NewBroker()
	alice, aliceConn := openTunnel(t, RoleServer, Options{})
	bob, bobConn := openTunnel(t, RoleServer, Options{})

	require.NoError(t, b.dispatch(alice, Text(`{"operation":"subscribe","topic":"news"}`)))
	require.NoError(t, b.dispatch(bob, Text(`{"operation":"subscribe","topic":"news"}`)))
	require.NoError(t, b.dispatch(bob, Text(`{"operation":"subscribe","topic":"news"}`)))
	assert.Equal(t, 2, b.Subscribers("news"))

	require.NoError(t, b.dispatch(alice, Text(`{"operation":"publish","topic":"news","message":"hello"}`)))
	require.NoError(t, alice.LoopTick())
	require.NoError(t, bob.LoopTick())

	for _, conn := range []*memConn{aliceConn, bobConn} {
		frames := readFrames(t, conn.out.Bytes())
		require.Len(t, frames, 1)
		data, _ := frames[0].AppData()
		assert.Equal(t, "hello", string(data))
	}
}

func TestBrokerSkipsClosedSubscribers(t *testing.T) {
	b := NewBroker()
	tun, conn := openTunnel(t, RoleServer, Options{})
	b.AddSubscriber("news", tun)
	n, err := b.SendMessageToTopic("news", "late")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	require.NoError(t, tun.Disconnect(nil))
	conn.out.Reset()
	require.NoError(t, tun.drainInbox())
	assert.Zero(t, conn.out.Len())
}

func TestBrokerErrors(t *testing.T) {
	b := NewBroker()
	tun, conn := openTunnel(t, RoleServer, Options{})

	require.NoError(t, b.dispatch(tun, Text(`not json`)))
	require.NoError(t, b.dispatch(tun, Text(`{"operation":"publish","topic":"nobody"}`)))
	require.NoError(t, b.dispatch(tun, Text(`{"operation":"dance"}`)))
	require.NoError(t, tun.LoopTick())

	frames := readFrames(t, conn.out.Bytes())
	require.Len(t, frames, 3)
	data, _ := frames[0].AppData()
	assert.JSONEq(t, `{"error":"invalid message"}`, string(data))
	data, _ = frames[1].AppData()
	assert.JSONEq(t, `{"error":"topic nobody does not exist"}`, string(data))
}

func TestBrokerRemoveAll(t *testing.T) {
	b := NewBroker()
	tun, _ := openTunnel(t, RoleServer, Options{})
	b.AddSubscriber("a", tun)
	b.AddSubscriber("b", tun)
	b.RemoveAll(tun)
	assert.Zero(t, b.Subscribers("a"))
	assert.Zero(t, b.Subscribers("b"))
	assert.Error(t, b.RemoveSubscriber("a", tun))
}
