package websocket

import (
	"github.com/go-logr/logr"
)

// TraceEvents is a plugin printing every event a tunnel fires.
type TraceEvents struct {
	Log logr.Logger
	// Verbosity is the V-level events are logged at.
	Verbosity int
}

func (p *TraceEvents) CloneFor(t *Tunnel) Plugin {
	return &TraceEvents{
		Log:       p.Log.WithValues("tunnel", t.ID.String(), "role", t.Role().String()),
		Verbosity: p.Verbosity,
	}
}

func (p *TraceEvents) Hooks() []Hook {
	hooks := make([]Hook, 0, eventKinds)
	for kind := EventKind(0); kind < eventKinds; kind++ {
		hooks = append(hooks, Hook{Kind: kind, Handler: p.trace})
	}
	return hooks
}

func (p *TraceEvents) trace(ev *Event) error {
	kv := []any{"event", ev.Kind.String()}
	switch ev.Kind {
	case EventStateChange:
		kv = append(kv, "from", ev.PrevState.String(), "to", ev.State.String())
	case EventHandshakeStatus:
		kv = append(kv, "status", ev.Status, "attempt", ev.Attempt)
	case EventClientBuildHeaders, EventClientCheckHeaders, EventServerCheckHeaders, EventServerBuildHeaders:
		if ev.Headers != nil && ev.Headers.Status != nil {
			kv = append(kv, "status", ev.Headers.Status.String())
		}
	case EventFrameReceived, EventMessageStart, EventMessageComplete, EventPickProcessor, EventCheckFrameHeader:
		if ev.Frame != nil {
			kv = append(kv, "frame", ev.Frame.String())
		}
	case EventFlushQueue, EventFramesSent:
		kv = append(kv, "frames", len(ev.Frames))
	case EventSplitPayload:
		kv = append(kv, "chunk", len(ev.Payload))
	case EventDisconnecting, EventDisconnected:
		if ev.Close != nil {
			kv = append(kv, "code", int(ev.Close.Code), "reason", ev.Close.Reason)
		}
	}
	p.Log.V(p.Verbosity).Info("tunnel event", kv...)
	return nil
}
