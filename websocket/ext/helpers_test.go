package ext

import (
	"bytes"
	"context"
	"io"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"tg.sandbox/wsengine/websocket"
)

type timeoutError struct{}

func (timeoutError) Error() string   { return "i/o timeout" }
func (timeoutError) Timeout() bool   { return true }
func (timeoutError) Temporary() bool { return true }

// scriptConn feeds in to the tunnel and records what it writes.
type scriptConn struct {
	in     bytes.Buffer
	out    bytes.Buffer
	closed bool
}

func (c *scriptConn) Read(p []byte) (int, error) {
	if c.in.Len() == 0 {
		if c.closed {
			return 0, io.EOF
		}
		return 0, timeoutError{}
	}
	return c.in.Read(p)
}

func (c *scriptConn) Write(p []byte) (int, error) {
	if c.closed {
		return 0, net.ErrClosed
	}
	return c.out.Write(p)
}

func (c *scriptConn) Close() error {
	c.closed = true
	return nil
}

func (c *scriptConn) SetReadDeadline(time.Time) error  { return nil }
func (c *scriptConn) SetWriteDeadline(time.Time) error { return nil }

func upgradeRequest(extra ...string) string {
	lines := []string{
		"GET /chat HTTP/1.1",
		"Host: server.example.com",
		"Upgrade: websocket",
		"Connection: Upgrade",
		"Sec-WebSocket-Key: dGhlIHNhbXBsZSBub25jZQ==",
		"Sec-WebSocket-Version: 13",
	}
	lines = append(lines, extra...)
	return strings.Join(append(lines, "", ""), "\r\n")
}

// acceptScripted opens a server tunnel on a scripted connection and drops
// the handshake response from its output.
func acceptScripted(t *testing.T, opts websocket.Options, extra ...string) (*websocket.Tunnel, *scriptConn) {
	t.Helper()
	conn := &scriptConn{}
	conn.in.WriteString(upgradeRequest(extra...))
	tun, err := websocket.Accept(context.Background(), conn, opts)
	require.NoError(t, err)
	head := conn.out.String()
	require.True(t, strings.HasPrefix(head, "HTTP/1.1 101 "), head)
	conn.out.Reset()
	return tun, conn
}

// feed writes frames the way a client would, masked.
func feed(t *testing.T, conn *scriptConn, frames ...*websocket.Frame) {
	t.Helper()
	for _, f := range frames {
		m, err := websocket.NewRandomXor32()
		require.NoError(t, err)
		f.Masker = m
	}
	_, err := websocket.WriteFrames(&conn.in, frames, 0)
	require.NoError(t, err)
}

// written parses and clears what a server tunnel sent.
func written(t *testing.T, conn *scriptConn) []*websocket.Frame {
	t.Helper()
	wire := conn.out.Bytes()
	var frames []*websocket.Frame
	for len(wire) > 0 {
		var h websocket.FrameHeader
		n, err := h.Parse(wire)
		require.NoError(t, err)
		require.NotZero(t, n)
		end := n + int(h.Length)
		require.LessOrEqual(t, end, len(wire))
		f := &websocket.Frame{Header: h, ApplicationData: websocket.Data(append([]byte(nil), wire[n:end]...))}
		frames = append(frames, f)
		wire = wire[end:]
	}
	conn.out.Reset()
	return frames
}

// peer runs a tunnel loop on its own goroutine and collects whole messages.
type peer struct {
	*websocket.Tunnel
	messages chan []byte
	done     chan error
}

func run(ctx context.Context, tun *websocket.Tunnel) *peer {
	p := &peer{Tunnel: tun, messages: make(chan []byte, 16), done: make(chan error, 1)}
	tun.Events.On(websocket.EventPickProcessor, func(ev *websocket.Event) error {
		ev.Sink = websocket.NewBufferSink(0, func(_ *websocket.Processor, _, app websocket.DataSource) error {
			data, err := websocket.ReadAll(app)
			if err != nil {
				return err
			}
			p.messages <- data
			return nil
		})
		return nil
	})
	go func() { p.done <- tun.Loop(ctx, 0) }()
	return p
}

func (p *peer) send(t *testing.T, frame func() *websocket.Frame) {
	t.Helper()
	require.True(t, p.Post(func(tun *websocket.Tunnel) error {
		return tun.QueueDataFrames(frame())
	}))
}

func (p *peer) receive(t *testing.T) []byte {
	t.Helper()
	select {
	case data := <-p.messages:
		return data
	case <-time.After(5 * time.Second):
		t.Fatal("no message within 5s")
		return nil
	}
}

// connect completes a handshake between a client and a server over an
// in-memory pipe.
func connect(t *testing.T, clientOpts, serverOpts websocket.Options) (client, server *websocket.Tunnel) {
	t.Helper()
	c1, c2 := net.Pipe()
	t.Cleanup(func() {
		_ = c1.Close()
		_ = c2.Close()
	})
	accepted := make(chan *websocket.Tunnel, 1)
	go func() {
		tun, err := websocket.Accept(context.Background(), c2, serverOpts)
		if err != nil {
			t.Errorf("accept: %v", err)
		}
		accepted <- tun
	}()
	cl := websocket.NewClient(clientOpts)
	cl.Dial = func(context.Context, *websocket.Address) (websocket.Transport, error) { return c1, nil }
	addr, err := websocket.ParseAddress("ws://example.test/chat")
	require.NoError(t, err)
	client, err = cl.Connect(context.Background(), addr)
	require.NoError(t, err)
	server = <-accepted
	require.NotNil(t, server)
	return client, server
}

// shutdown closes from the client side and waits for both loops.
func shutdown(t *testing.T, cancelClient context.CancelFunc, peers ...*peer) {
	t.Helper()
	cancelClient()
	for _, p := range peers {
		select {
		case <-p.done:
		case <-time.After(10 * time.Second):
			t.Fatal("loop did not end")
		}
	}
}
