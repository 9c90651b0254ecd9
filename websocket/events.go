package websocket

import (
	"errors"
	"time"

	"tg.sandbox/wsengine/headers"
)

type EventKind int

const (
	EventStateChange EventKind = iota
	EventClientBuildHeaders
	EventClientCheckHeaders
	EventServerCheckHeaders
	EventServerBuildHeaders
	// EventHandshakeStatus fires on the client for any non-101 answer.
	// Handlers may set Reconnect and ReconnectDelay.
	EventHandshakeStatus
	EventConnected
	EventSplitPayload
	EventCheckFrameHeader
	EventFrameReceived
	EventMessageStart
	// EventPickProcessor lets handlers set Sink for a new message.
	EventPickProcessor
	EventMessageComplete
	EventFlushQueue
	EventFramesSent
	EventLoopTick
	EventDisconnecting
	EventDisconnected

	eventKinds
)

var eventNames = [...]string{
	"state-change", "client-build-headers", "client-check-headers",
	"server-check-headers", "server-build-headers", "handshake-status",
	"connected", "split-payload", "check-frame-header", "frame-received",
	"message-start", "pick-processor", "message-complete", "flush-queue",
	"frames-sent", "loop-tick", "disconnecting", "disconnected",
}

func (k EventKind) String() string {
	if k >= 0 && k < eventKinds {
		return eventNames[k]
	}
	return "unknown"
}

// Event is the payload handed to handlers. Which fields are set depends on
// Kind.
type Event struct {
	Kind   EventKind
	Tunnel *Tunnel

	PrevState State
	State     State

	Headers *headers.Bag
	// Status is the HTTP status of a handshake response.
	Status  int
	Attempt int

	Frames []*Frame
	Frame  *Frame
	Header *FrameHeader
	// Payload is the unmasked chunk being split; AppDataStart is where
	// application data begins in it.
	Payload      []byte
	AppDataStart int

	Reconnect      *Address
	ReconnectDelay time.Duration

	Sink      MessageSink
	Processor *Processor

	Close *CloseError
}

// ErrStop ends dispatch of an event without failing it.
var ErrStop = errors.New("websocket: stop event propagation")

type EventHandler func(ev *Event) error

type handlerEntry struct {
	fn EventHandler
}

// Events is a tunnel's handler registry.
type Events struct {
	handlers [eventKinds][]*handlerEntry
}

// On appends h to the handlers of kind and returns a function removing it.
func (e *Events) On(kind EventKind, h EventHandler) (remove func()) {
	entry := &handlerEntry{fn: h}
	e.handlers[kind] = append(e.handlers[kind], entry)
	return func() {
		list := e.handlers[kind]
		for i, candidate := range list {
			if candidate == entry {
				e.handlers[kind] = append(list[:i:i], list[i+1:]...)
				return
			}
		}
	}
}

func (e *Events) Len(kind EventKind) int { return len(e.handlers[kind]) }

// Fire runs the handlers of ev.Kind in registration order. The first error
// stops dispatch and is returned, except ErrStop which stops silently.
func (e *Events) Fire(ev *Event) error {
	list := e.handlers[ev.Kind]
	for _, entry := range list {
		if err := entry.fn(ev); err != nil {
			if errors.Is(err, ErrStop) {
				return nil
			}
			return err
		}
	}
	return nil
}

// Hook binds a handler to an event kind.
type Hook struct {
	Kind    EventKind
	Handler EventHandler
}

// Plugin is a template attached to every tunnel it is configured for.
// CloneFor returns the instance owned by t.
type Plugin interface {
	CloneFor(t *Tunnel) Plugin
	Hooks() []Hook
}

// Hooked is implemented by extensions that also listen to events.
type Hooked interface {
	Hooks() []Hook
}

func register(events *Events, hooks []Hook) {
	for _, h := range hooks {
		events.On(h.Kind, h.Handler)
	}
}
