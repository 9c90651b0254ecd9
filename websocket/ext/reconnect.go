package ext

import (
	"math"
	"math/rand"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"tg.sandbox/wsengine/websocket"
)

const DefaultMaxWait = 120 * time.Second

// Backoff grows a delay geometrically from Initial by Factor per attempt.
// Jitter spreads each delay by up to that fraction either way.
type Backoff struct {
	Initial time.Duration `yaml:"initial"`
	Factor  float64       `yaml:"factor"`
	Jitter  float64       `yaml:"jitter"`
}

// Delay is the wait before retry number attempt (0 based), without jitter.
func (b Backoff) Delay(attempt int) time.Duration {
	factor := b.Factor
	if factor < 1 {
		factor = 1
	}
	return time.Duration(float64(b.Initial) * math.Pow(factor, float64(attempt)))
}

// Elapsed is the total wait of the retries before attempt.
func (b Backoff) Elapsed(attempt int) time.Duration {
	var total time.Duration
	for i := 0; i < attempt; i++ {
		total += b.Delay(i)
	}
	return total
}

func (b Backoff) jittered(d time.Duration) time.Duration {
	if b.Jitter <= 0 {
		return d
	}
	spread := float64(d) * b.Jitter
	return time.Duration(float64(d) - spread + rand.Float64()*2*spread)
}

// DefaultStatuses are the handshake answers worth waiting out.
func DefaultStatuses() map[int]Backoff {
	return map[int]Backoff{
		http.StatusTooManyRequests:    {Initial: 10 * time.Second, Factor: 2, Jitter: 0.1},
		http.StatusServiceUnavailable: {Initial: 3 * time.Second, Factor: 2.5, Jitter: 0.1},
		http.StatusGatewayTimeout:     {Initial: 3 * time.Second, Factor: 2.5, Jitter: 0.1},
	}
}

// AutoReconnect is a client plugin retrying handshakes the server answered
// with a temporary failure, and following redirects.
type AutoReconnect struct {
	Statuses map[int]Backoff
	// MaxWait caps the total time spent waiting on one status.
	MaxWait time.Duration
	// FollowRedirects reconnects to the Location of 301, 302, 307 and 308.
	FollowRedirects bool

	log *zap.Logger
}

func NewAutoReconnect() *AutoReconnect {
	return &AutoReconnect{
		Statuses:        DefaultStatuses(),
		MaxWait:         DefaultMaxWait,
		FollowRedirects: true,
	}
}

// WaitOnStatus retries code with the given backoff.
func (p *AutoReconnect) WaitOnStatus(code int, b Backoff) *AutoReconnect {
	if p.Statuses == nil {
		p.Statuses = map[int]Backoff{}
	}
	p.Statuses[code] = b
	return p
}

// IgnoreStatus lets code fail the connection.
func (p *AutoReconnect) IgnoreStatus(code int) *AutoReconnect {
	delete(p.Statuses, code)
	return p
}

func (p *AutoReconnect) CloneFor(t *websocket.Tunnel) websocket.Plugin {
	c := &AutoReconnect{
		Statuses:        make(map[int]Backoff, len(p.Statuses)),
		MaxWait:         p.MaxWait,
		FollowRedirects: p.FollowRedirects,
		log:             t.Logger().Named("reconnect"),
	}
	for code, b := range p.Statuses {
		c.Statuses[code] = b
	}
	if c.MaxWait <= 0 {
		c.MaxWait = DefaultMaxWait
	}
	return c
}

func (p *AutoReconnect) Hooks() []websocket.Hook {
	return []websocket.Hook{{Kind: websocket.EventHandshakeStatus, Handler: p.handshakeStatus}}
}

func (p *AutoReconnect) handshakeStatus(ev *websocket.Event) error {
	t := ev.Tunnel
	if p.FollowRedirects && isRedirect(ev.Status) {
		location := ev.Headers.Get("Location")
		if location == "" {
			return nil
		}
		next, err := t.Address.Resolve(location)
		if err != nil {
			p.log.Info("ignoring redirect", zap.String("location", location), zap.Error(err))
			return nil
		}
		ev.Reconnect = next
		return websocket.ErrStop
	}
	b, ok := p.Statuses[ev.Status]
	if !ok {
		return nil
	}
	delay := b.Delay(ev.Attempt)
	if retryAfter, ok := parseRetryAfter(ev.Headers.Get("Retry-After"), time.Now()); ok {
		delay = retryAfter
	}
	if b.Elapsed(ev.Attempt)+delay >= p.MaxWait {
		p.log.Info("giving up", zap.Int("status", ev.Status), zap.Int("attempt", ev.Attempt))
		return nil
	}
	delay = b.jittered(delay)
	p.log.Info("server busy, retrying",
		zap.Int("status", ev.Status),
		zap.Duration("delay", delay),
	)
	ev.Reconnect = t.Address
	ev.ReconnectDelay = delay
	return websocket.ErrStop
}

func isRedirect(code int) bool {
	switch code {
	case http.StatusMovedPermanently, http.StatusFound, http.StatusTemporaryRedirect, http.StatusPermanentRedirect:
		return true
	}
	return false
}

// parseRetryAfter reads delay-seconds or an HTTP date.
func parseRetryAfter(v string, now time.Time) (time.Duration, bool) {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0, false
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return 0, false
		}
		return time.Duration(secs) * time.Second, true
	}
	at, err := http.ParseTime(v)
	if err != nil {
		return 0, false
	}
	if d := at.Sub(now); d > 0 {
		return d, true
	}
	return 0, true
}
