package ext

import (
	"fmt"
	"strings"

	"tg.sandbox/wsengine/websocket"
)

// LimiterID starts with an underscore so it never clashes with a
// negotiated extension.
const LimiterID = "_MaxPayloadLength"

// FragmentMode decides what the Limiter does with oversized outgoing frames.
type FragmentMode string

const (
	// FragmentBefore splits frames before other extensions see them.
	FragmentBefore FragmentMode = "before"
	// FragmentAfter splits what the other extensions produced.
	FragmentAfter FragmentMode = "after"
	// FragmentError fails the connection instead of splitting.
	FragmentError FragmentMode = "error"
)

func (m *FragmentMode) UnmarshalText(text []byte) error {
	switch mode := FragmentMode(strings.ToLower(string(text))); mode {
	case "":
		*m = FragmentBefore
	case FragmentBefore, FragmentAfter, FragmentError:
		*m = mode
	default:
		return fmt.Errorf("ext: unknown fragment mode %q", text)
	}
	return nil
}

// Limiter bounds frame payload lengths. It is never negotiated. Inbound
// frames over InboundLimit fail the connection with 1009; outbound ones over
// OutboundLimit are handled per Mode. Zero limits are off.
type Limiter struct {
	websocket.BaseExtension

	InboundLimit  int64        `yaml:"inbound"`
	OutboundLimit int64        `yaml:"outbound"`
	Mode          FragmentMode `yaml:"mode"`
}

func NewLimiter(inbound, outbound int64, mode FragmentMode) *Limiter {
	return &Limiter{
		BaseExtension: websocket.NewBaseExtension(LimiterID, false),
		InboundLimit:  inbound,
		OutboundLimit: outbound,
		Mode:          mode,
	}
}

func (l *Limiter) CloneFor(t *websocket.Tunnel) websocket.Extension {
	base := l.BaseExtension
	if base.ID() == "" {
		base = websocket.NewBaseExtension(LimiterID, false)
	}
	return &Limiter{
		BaseExtension: base.Bind(t),
		InboundLimit:  l.InboundLimit,
		OutboundLimit: l.OutboundLimit,
		Mode:          l.Mode,
	}
}

func (l *Limiter) Position() string {
	if l.OutboundLimit <= 0 {
		return websocket.PositionNone
	}
	switch l.Mode {
	case FragmentBefore, "":
		return websocket.PositionStart
	case FragmentAfter:
		return websocket.PositionEnd
	}
	return websocket.PositionNone
}

func (l *Limiter) Hooks() []websocket.Hook {
	var hooks []websocket.Hook
	if l.InboundLimit > 0 {
		hooks = append(hooks, websocket.Hook{Kind: websocket.EventSplitPayload, Handler: l.checkInbound})
	}
	if l.OutboundLimit > 0 && l.Mode == FragmentError {
		hooks = append(hooks, websocket.Hook{Kind: websocket.EventFramesSent, Handler: l.checkOutbound})
	}
	return hooks
}

func (l *Limiter) checkInbound(ev *websocket.Event) error {
	if ev.Header.Length > uint64(l.InboundLimit) {
		return websocket.MessageTooBig("payload of %d bytes received, limit is %d", ev.Header.Length, l.InboundLimit)
	}
	return nil
}

func (l *Limiter) checkOutbound(ev *websocket.Event) error {
	for _, f := range ev.Frames {
		if f.Header.Opcode.IsControl() {
			continue
		}
		if n := f.PayloadLength(); n > l.OutboundLimit {
			return websocket.MessageTooBig("payload of %d bytes to be sent, limit is %d", n, l.OutboundLimit)
		}
	}
	return nil
}

func (l *Limiter) SendProcessor(frames []*websocket.Frame, _ *websocket.Pipeline) (websocket.Producer, error) {
	if l.OutboundLimit <= 0 {
		return nil, nil
	}
	var big *websocket.Frame
	var offset, size int64
	return websocket.ProducerFunc(func() ([]*websocket.Frame, bool, error) {
		for {
			if big == nil {
				if len(frames) == 0 {
					return nil, false, nil
				}
				f := frames[0]
				frames = frames[1:]
				if !l.splittable(f) {
					return []*websocket.Frame{f}, true, nil
				}
				big, offset, size = f, 0, f.ApplicationData.Size()
			}
			if offset >= size {
				big = nil
				continue
			}
			frag, err := big.MakeFragment(offset, l.OutboundLimit)
			if err != nil {
				return nil, false, err
			}
			offset += frag.PayloadLength()
			return []*websocket.Frame{frag}, true, nil
		}
	}), nil
}

func (l *Limiter) splittable(f *websocket.Frame) bool {
	if f.Header.Opcode.IsControl() || !f.IsComplete() || f.PayloadLength() <= l.OutboundLimit {
		return false
	}
	return f.ApplicationData != nil && (f.ExtensionData == nil || f.ExtensionData.Size() == 0)
}
