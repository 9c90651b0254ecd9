package websocket

import (
	"bytes"
	"crypto/rand"
	"crypto/sha1"
	"encoding/base64"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"tg.sandbox/wsengine/headers"
)

const (
	HANDSHAKE_KEY = "258EAFA5-E914-47DA-95CA-C5AB0DC85B11"
	VERSION       = "13"

	nonceSize = 16
)

// ComputeAcceptKey derives Sec-WebSocket-Accept from Sec-WebSocket-Key.
func ComputeAcceptKey(key string) string {
	sha := sha1.New()
	sha.Write([]byte(key))
	sha.Write([]byte(HANDSHAKE_KEY))
	return base64.StdEncoding.EncodeToString(sha.Sum(nil))
}

// NewNonce returns a fresh Sec-WebSocket-Key.
func NewNonce() (string, error) {
	var b [nonceSize]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", fmt.Errorf("websocket: nonce: %w", err)
	}
	return base64.StdEncoding.EncodeToString(b[:]), nil
}

func validNonce(key string) bool {
	decoded, err := base64.StdEncoding.DecodeString(key)
	return err == nil && len(decoded) == nonceSize
}

// checkUpgradeHeaders validates what both handshake directions share.
func checkUpgradeHeaders(h *headers.Bag) error {
	if !strings.EqualFold(strings.TrimSpace(h.Get("Upgrade")), "websocket") {
		return MalformedHeader("Upgrade must be websocket, got %q", h.Get("Upgrade"))
	}
	if !h.HasToken("Connection", "upgrade") {
		return MalformedHeader("Connection must include upgrade, got %q", h.Get("Connection"))
	}
	return nil
}

func (t *Tunnel) writeHead(h *headers.Bag, body []byte) error {
	var buf bytes.Buffer
	if _, err := h.WriteTo(&buf); err != nil {
		return err
	}
	buf.Write(body)
	_ = t.conn.SetWriteDeadline(time.Now().Add(t.cfg.Timeout))
	n, err := buf.WriteTo(t.conn)
	t.Writing.BytesOnWire += n
	if err != nil {
		return &TransportError{Op: "write handshake", Err: err}
	}
	return nil
}

// clientHandshake sends the upgrade request and checks the answer. A non
// nil address asks the caller to reconnect there after delay.
func (t *Tunnel) clientHandshake(addr *Address, attempt int, extra http.Header) (*Address, time.Duration, error) {
	key, err := NewNonce()
	if err != nil {
		return nil, 0, err
	}
	t.key = key
	t.Address = addr

	req := headers.New()
	req.Status = headers.NewRequestStatus(http.MethodGet, addr.RequestURI())
	for name, values := range extra {
		for _, v := range values {
			if err := req.Add(name, v); err != nil {
				return nil, 0, err
			}
		}
	}
	for _, kv := range [][2]string{
		{"Host", addr.HostHeader()},
		{"Upgrade", "websocket"},
		{"Connection", "Upgrade"},
		{"Sec-WebSocket-Key", key},
		{"Sec-WebSocket-Version", VERSION},
	} {
		if err := req.Set(kv[0], kv[1]); err != nil {
			return nil, 0, err
		}
	}
	if err := t.Protocols.clientBuildHeaders(req); err != nil {
		return nil, 0, err
	}
	if err := t.Extensions.clientBuildHeaders(req); err != nil {
		return nil, 0, err
	}
	if err := t.fire(&Event{Kind: EventClientBuildHeaders, Headers: req, Attempt: attempt}); err != nil {
		return nil, 0, err
	}
	t.ClientHeaders = req
	if err := t.writeHead(req, nil); err != nil {
		return nil, 0, err
	}

	_ = t.conn.SetReadDeadline(time.Now().Add(t.cfg.Timeout))
	resp, err := headers.ReadResponse(t.reader)
	if err != nil {
		if isTimeout(err) {
			return nil, 0, AbnormalClosure("handshake response timed out").Wrap(err)
		}
		return nil, 0, MalformedHeader("handshake response").Wrap(err)
	}
	t.ServerHeaders = resp
	status := resp.Status.(*headers.ResponseStatus)
	t.log.Debug("handshake response", zap.Int("status", status.Code))

	if status.Code != http.StatusSwitchingProtocols {
		ev := &Event{Kind: EventHandshakeStatus, Headers: resp, Status: status.Code, Attempt: attempt}
		if err := t.fire(ev); err != nil {
			return nil, 0, err
		}
		if ev.Reconnect != nil {
			return ev.Reconnect, ev.ReconnectDelay, nil
		}
		return nil, 0, InvalidHTTPStatus(status.Code, status.Text)
	}
	if err := checkUpgradeHeaders(resp); err != nil {
		return nil, 0, err
	}
	if got, want := resp.Get("Sec-WebSocket-Accept"), ComputeAcceptKey(key); got != want {
		return nil, 0, MalformedHeader("Sec-WebSocket-Accept mismatch: got %q, want %q", got, want)
	}
	if err := t.Extensions.clientCheckHeaders(resp); err != nil {
		return nil, 0, err
	}
	if err := t.Protocols.clientCheckHeaders(resp); err != nil {
		return nil, 0, err
	}
	if err := t.fire(&Event{Kind: EventClientCheckHeaders, Headers: resp, Status: status.Code, Attempt: attempt}); err != nil {
		return nil, 0, err
	}
	t.open()
	return nil, 0, nil
}

// serverHandshake validates an upgrade request and answers 101.
func (t *Tunnel) serverHandshake(req *headers.Bag, path string) error {
	t.ClientHeaders = req
	status, ok := req.Status.(*headers.RequestStatus)
	if !ok {
		return MalformedHeader("not a request")
	}
	if status.Method != http.MethodGet {
		return MalformedHeader("method %s", status.Method)
	}
	if !status.ProtoAtLeast(1, 1) {
		return UnsupportedHTTPVersion("HTTP/%d.%d", status.Major, status.Minor)
	}
	if path != "" && status.Path() != path {
		return RequestURIMismatch("no endpoint at %s", status.Path())
	}
	if err := checkUpgradeHeaders(req); err != nil {
		return err
	}
	if v := req.Get("Sec-WebSocket-Version"); v != VERSION {
		return UnsupportedWebSocketVersion("version %q", v)
	}
	key := req.Get("Sec-WebSocket-Key")
	if !validNonce(key) {
		return MalformedHeader("Sec-WebSocket-Key %q is not a 16 byte nonce", key)
	}
	t.key = key
	if err := t.fire(&Event{Kind: EventServerCheckHeaders, Headers: req}); err != nil {
		return err
	}
	if err := t.Protocols.serverCheckHeaders(req); err != nil {
		return err
	}
	if err := t.Extensions.serverCheckHeaders(req); err != nil {
		return err
	}

	resp := headers.New()
	resp.Status = headers.NewResponseStatus(http.StatusSwitchingProtocols, "")
	for _, kv := range [][2]string{
		{"Upgrade", "websocket"},
		{"Connection", "Upgrade"},
		{"Sec-WebSocket-Accept", ComputeAcceptKey(key)},
	} {
		if err := resp.Set(kv[0], kv[1]); err != nil {
			return err
		}
	}
	if err := t.Protocols.serverBuildHeaders(resp); err != nil {
		return err
	}
	if err := t.Extensions.serverBuildHeaders(resp); err != nil {
		return err
	}
	if err := t.fire(&Event{Kind: EventServerBuildHeaders, Headers: resp}); err != nil {
		return err
	}
	t.ServerHeaders = resp
	if err := t.writeHead(resp, nil); err != nil {
		return err
	}
	t.open()
	return nil
}

func (t *Tunnel) open() {
	t.setState(StateOpen)
	t.log.Info("connected",
		zap.String("protocol", t.Protocols.Active),
		zap.Strings("extensions", t.Extensions.Chain()),
	)
	if err := t.fire(&Event{Kind: EventConnected}); err != nil {
		t.log.Warn("connected handler failed", zap.Error(err))
	}
}

// sendHandshakeError answers a failed upgrade request with a plain text
// HTTP error.
func (t *Tunnel) sendHandshakeError(ce *CloseError) error {
	code := ce.HTTPStatus
	if code == 0 {
		code = http.StatusInternalServerError
	}
	resp := headers.New()
	resp.Status = headers.NewResponseStatus(code, "")
	lines := []string{resp.Status.(*headers.ResponseStatus).Text}
	if ce.Reason != "" {
		lines = append(lines, ce.Reason)
	}
	body := []byte(strings.Join(lines, "\r\n"))
	fields := [][2]string{
		{"Content-Type", "text/plain; charset=utf-8"},
		{"Content-Length", strconv.Itoa(len(body))},
		{"Connection", "close"},
	}
	if code == http.StatusUpgradeRequired {
		fields = append(fields, [2]string{"Sec-WebSocket-Version", VERSION})
	}
	for _, kv := range fields {
		if err := resp.Set(kv[0], kv[1]); err != nil {
			return err
		}
	}
	t.ServerHeaders = resp
	return t.writeHead(resp, body)
}
