package websocket

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const DefaultKeepAlive = 30 * time.Second

// Transport is the duplex byte stream a tunnel runs over. net.Conn
// satisfies it.
type Transport interface {
	io.ReadWriteCloser
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
}

// Address is where a client connects.
type Address struct {
	Host   string
	Port   int
	Path   string
	Secure bool
}

// ParseAddress accepts ws://, wss://, http:// and https:// URLs.
func ParseAddress(raw string) (*Address, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("websocket: address %q: %w", raw, err)
	}
	addr := &Address{Host: u.Hostname(), Path: u.RequestURI()}
	switch strings.ToLower(u.Scheme) {
	case "ws", "http":
		addr.Port = 80
	case "wss", "https":
		addr.Port, addr.Secure = 443, true
	default:
		return nil, fmt.Errorf("websocket: address %q: unsupported scheme %q", raw, u.Scheme)
	}
	if addr.Host == "" {
		return nil, fmt.Errorf("websocket: address %q: missing host", raw)
	}
	if p := u.Port(); p != "" {
		if addr.Port, err = strconv.Atoi(p); err != nil {
			return nil, fmt.Errorf("websocket: address %q: port: %w", raw, err)
		}
	}
	return addr, nil
}

// Resolve interprets ref, possibly relative, against a.
func (a *Address) Resolve(ref string) (*Address, error) {
	u, err := url.Parse(ref)
	if err != nil {
		return nil, fmt.Errorf("websocket: location %q: %w", ref, err)
	}
	base, _ := url.Parse(a.String())
	return ParseAddress(base.ResolveReference(u).String())
}

func (a *Address) defaultPort() bool {
	return (a.Secure && a.Port == 443) || (!a.Secure && a.Port == 80)
}

// HostHeader is the Host header value for a.
func (a *Address) HostHeader() string {
	if a.defaultPort() {
		return a.Host
	}
	return net.JoinHostPort(a.Host, strconv.Itoa(a.Port))
}

func (a *Address) RequestURI() string {
	if a.Path == "" {
		return "/"
	}
	return a.Path
}

func (a *Address) String() string {
	scheme := "ws"
	if a.Secure {
		scheme = "wss"
	}
	return scheme + "://" + a.HostHeader() + a.RequestURI()
}

// DialFunc opens the transport for an address.
type DialFunc func(ctx context.Context, addr *Address) (Transport, error)

// Dialer opens TCP connections, wrapped in TLS for secure addresses.
type Dialer struct {
	Timeout   time.Duration
	KeepAlive time.Duration
	TLSConfig *tls.Config
}

func (d *Dialer) Dial(ctx context.Context, addr *Address) (Transport, error) {
	keepAlive := d.KeepAlive
	if keepAlive == 0 {
		keepAlive = DefaultKeepAlive
	}
	dialer := net.Dialer{
		Timeout:   d.Timeout,
		KeepAlive: keepAlive,
	}
	rawConn, err := dialer.DialContext(ctx, "tcp", net.JoinHostPort(addr.Host, strconv.Itoa(addr.Port)))
	if err != nil {
		return nil, &TransportError{Op: "dial", Err: err}
	}
	if tcpConn, ok := rawConn.(*net.TCPConn); ok {
		_ = tcpConn.SetNoDelay(true)
		_ = tcpConn.SetKeepAlive(true)
		_ = tcpConn.SetKeepAlivePeriod(keepAlive)
	}
	if !addr.Secure {
		return rawConn, nil
	}
	cfg := &tls.Config{MinVersion: tls.VersionTLS12}
	if d.TLSConfig != nil {
		cfg = d.TLSConfig.Clone()
	}
	if cfg.ServerName == "" {
		cfg.ServerName = addr.Host
	}
	tlsConn := tls.Client(rawConn, cfg)
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		_ = rawConn.Close()
		return nil, &TransportError{Op: "tls handshake", Err: err}
	}
	return tlsConn, nil
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
