package websocket

import (
	"context"
	"net/http"
	"time"

	"go.uber.org/zap"
)

const DefaultMaxRedirects = 10

// Client opens tunnels to servers.
type Client struct {
	Options
	// Dial opens the transport; a Dialer with Config.Timeout by default.
	Dial DialFunc
	// Header is added to every upgrade request.
	Header       http.Header
	MaxRedirects int
}

func NewClient(opts Options) *Client {
	return &Client{Options: opts}
}

// Connect dials addr and completes the handshake. Handshake status handlers
// may send it elsewhere, at most MaxRedirects times.
func (c *Client) Connect(ctx context.Context, addr *Address) (*Tunnel, error) {
	dial := c.Dial
	if dial == nil {
		d := &Dialer{Timeout: c.Config.withDefaults(RoleClient).Timeout}
		dial = d.Dial
	}
	limit := c.MaxRedirects
	if limit <= 0 {
		limit = DefaultMaxRedirects
	}
	log := c.Logger
	if log == nil {
		log = zap.NewNop()
	}
	for attempt := 0; ; attempt++ {
		if attempt > limit {
			return nil, ErrTooManyRedirects
		}
		conn, err := dial(ctx, addr)
		if err != nil {
			return nil, err
		}
		t := newTunnel(RoleClient, conn, nil, c.Options)
		stop := context.AfterFunc(ctx, func() {
			_ = conn.SetReadDeadline(time.Now())
			_ = conn.SetWriteDeadline(time.Now())
		})
		next, delay, err := t.clientHandshake(addr, attempt, c.Header)
		stop()
		if err != nil {
			_ = t.Disconnect(AsCloseError(err))
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			return nil, err
		}
		if next == nil {
			return t, nil
		}
		_ = t.Disconnect(nil)
		log.Info("reconnecting",
			zap.Stringer("from", addr),
			zap.Stringer("to", next),
			zap.Duration("delay", delay),
			zap.Int("attempt", attempt+1),
		)
		if err := sleep(ctx, delay); err != nil {
			return nil, err
		}
		addr = next
	}
}

// Dial is Connect for a URL with default options.
func Dial(ctx context.Context, rawURL string, opts Options) (*Tunnel, error) {
	addr, err := ParseAddress(rawURL)
	if err != nil {
		return nil, err
	}
	return NewClient(opts).Connect(ctx, addr)
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
