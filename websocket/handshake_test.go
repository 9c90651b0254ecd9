package websocket

import (
	"context"
	"net"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type acceptResult struct {
	tun *Tunnel
	err error
}

func pipeHandshake(t *testing.T, clientOpts, serverOpts Options) (*Tunnel, acceptResult, error) {
	t.Helper()
	c1, c2 := net.Pipe()
	t.Cleanup(func() {
		_ = c1.Close()
		_ = c2.Close()
	})
	accepted := make(chan acceptResult, 1)
	go func() {
		tun, err := Accept(context.Background(), c2, serverOpts)
		accepted <- acceptResult{tun, err}
	}()
	client := NewClient(clientOpts)
	client.Dial = func(context.Context, *Address) (Transport, error) { return c1, nil }
	addr, err := ParseAddress("ws://example.test:8080/ws?room=1")
	require.NoError(t, err)
	tun, err := client.Connect(context.Background(), addr)
	return tun, <-accepted, err
}

func TestHandshakeOverPipe(t *testing.T) {
	client, server, err := pipeHandshake(t,
		Options{Protocols: []string{"chat", "superchat"}},
		Options{Protocols: []string{"superchat", "chat"}, Path: "/ws"},
	)
	require.NoError(t, err)
	require.NoError(t, server.err)

	assert.Equal(t, StateOpen, client.State())
	assert.Equal(t, StateOpen, server.tun.State())
	assert.Equal(t, "chat", client.Protocols.Active)
	assert.Equal(t, "chat", server.tun.Protocols.Active)
	assert.Equal(t, "example.test:8080", server.tun.ClientHeaders.Get("Host"))
	assert.Equal(t, ComputeAcceptKey(client.ClientHeaders.Get("Sec-WebSocket-Key")),
		client.ServerHeaders.Get("Sec-WebSocket-Accept"))
}

func TestHandshakeWrongPath(t *testing.T) {
	_, server, err := pipeHandshake(t, Options{}, Options{Path: "/elsewhere"})
	ce := AsCloseError(err)
	require.NotNil(t, ce)
	assert.Equal(t, 404, ce.HTTPStatus)
	assert.Equal(t, 404, AsCloseError(server.err).HTTPStatus)
	assert.Nil(t, server.tun)
}

func TestServerRejectsBadVersion(t *testing.T) {
	conn := &memConn{}
	conn.in.WriteString(strings.Join([]string{
		"GET /chat HTTP/1.1",
		"Host: server.example.com",
		"Upgrade: websocket",
		"Connection: Upgrade",
		"Sec-WebSocket-Key: dGhlIHNhbXBsZSBub25jZQ==",
		"Sec-WebSocket-Version: 8",
		"", "",
	}, "\r\n"))
	tun, err := Accept(context.Background(), conn, Options{})
	assert.Nil(t, tun)
	assert.Equal(t, 426, AsCloseError(err).HTTPStatus)
	out := conn.out.String()
	assert.True(t, strings.HasPrefix(out, "HTTP/1.1 426 "), out)
	assert.Contains(t, out, "Sec-WebSocket-Version: 13")
	assert.True(t, conn.closed)
}

func TestServerAnswersSampleHandshake(t *testing.T) {
	conn := &memConn{}
	conn.in.WriteString(strings.Join([]string{
		"GET /chat HTTP/1.1",
		"Host: server.example.com",
		"Upgrade: websocket",
		"Connection: keep-alive, Upgrade",
		"Sec-WebSocket-Key: dGhlIHNhbXBsZSBub25jZQ==",
		"Sec-WebSocket-Version: 13",
		"", "",
	}, "\r\n"))
	tun, err := Accept(context.Background(), conn, Options{})
	require.NoError(t, err)
	assert.Equal(t, StateOpen, tun.State())
	out := conn.out.String()
	assert.True(t, strings.HasPrefix(out, "HTTP/1.1 101 "), out)
	assert.Contains(t, out, "Sec-WebSocket-Accept: s3pPLMBiTxaQ9kYGzzhZRbK+xOo=")
}

func TestParseAddress(t *testing.T) {
	addr, err := ParseAddress("wss://example.test/a/b?x=1")
	require.NoError(t, err)
	assert.Equal(t, &Address{Host: "example.test", Port: 443, Path: "/a/b?x=1", Secure: true}, addr)
	assert.Equal(t, "example.test", addr.HostHeader())

	next, err := addr.Resolve("../c")
	require.NoError(t, err)
	assert.Equal(t, "wss://example.test/c", next.String())

	_, err = ParseAddress("ftp://example.test")
	assert.Error(t, err)
}
