package ext

import (
	"time"

	"tg.sandbox/wsengine/websocket"
)

const DefaultPingInterval = 30 * time.Second

// Keepalive pings the peer every Interval. With JustPong it sends
// unsolicited Pongs instead and expects nothing back. A non zero Timeout
// closes the tunnel with 1001 when a Ping stays unanswered that long.
type Keepalive struct {
	Interval time.Duration `yaml:"interval"`
	Timeout  time.Duration `yaml:"timeout"`
	JustPong bool          `yaml:"just_pong"`

	last time.Time
	now  func() time.Time
}

func NewKeepalive(interval, timeout time.Duration) *Keepalive {
	return &Keepalive{Interval: interval, Timeout: timeout}
}

func (k *Keepalive) CloneFor(*websocket.Tunnel) websocket.Plugin {
	c := &Keepalive{Interval: k.Interval, Timeout: k.Timeout, JustPong: k.JustPong, now: k.now}
	if c.Interval <= 0 {
		c.Interval = DefaultPingInterval
	}
	if c.now == nil {
		c.now = time.Now
	}
	return c
}

// LastPing is when the latest heartbeat was queued.
func (k *Keepalive) LastPing() time.Time { return k.last }

func (k *Keepalive) Hooks() []websocket.Hook {
	return []websocket.Hook{
		{Kind: websocket.EventConnected, Handler: k.connected},
		{Kind: websocket.EventLoopTick, Handler: k.tick},
	}
}

func (k *Keepalive) connected(*websocket.Event) error {
	k.last = k.now()
	return nil
}

func (k *Keepalive) tick(ev *websocket.Event) error {
	t := ev.Tunnel
	if t.Writing.CloseFrame != nil {
		return nil
	}
	now := k.now()
	if k.Timeout > 0 && !k.JustPong {
		if ping := t.Writing.PingFrame; ping != nil && !ping.Sent.IsZero() {
			answered := false
			if pong := t.Reading.PongFrame; pong != nil && !pong.Constructed.Before(ping.Sent) {
				answered = true
			}
			if !answered && now.Sub(ping.Sent) > k.Timeout {
				return t.GracefulDisconnect(websocket.STATUS_CODE_GOING_AWAY, "pong not received within "+k.Timeout.String())
			}
		}
	}
	if now.Sub(k.last) < k.Interval || !t.IsOperational() {
		return nil
	}
	k.last = now
	if k.JustPong {
		return t.QueueUnsolicitedPong()
	}
	return t.QueuePing()
}
