package websocket

import (
	"bufio"
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"tg.sandbox/wsengine/headers"
)

const inboxSize = 64

// Tunnel is one WebSocket connection: handshake, read loop, write queue and
// close handshake. A tunnel is not safe for concurrent use; other goroutines
// reach it through Post.
type Tunnel struct {
	ID   uuid.UUID
	role Role
	cfg  Config
	log  *zap.Logger

	state  State
	conn   Transport
	reader *bufio.Reader

	Events     *Events
	Extensions *Extensions
	Protocols  *Protocols
	plugins    []Plugin

	// Address is where a client tunnel connected to.
	Address       *Address
	ClientHeaders *headers.Bag
	ServerHeaders *headers.Bag
	key           string

	Writing *DirectionState
	Reading *DirectionState

	readingPartial *PartialRead
	shortBuffer    []byte
	readBuf        []byte

	queue       []*Frame
	queuedBytes int64

	inbox chan func(*Tunnel) error
}

func newTunnel(role Role, conn Transport, reader *bufio.Reader, opts Options) *Tunnel {
	cfg := opts.Config.withDefaults(role)
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	if reader == nil {
		reader = bufio.NewReaderSize(conn, cfg.MaxFrame)
	}
	t := &Tunnel{
		ID:        uuid.New(),
		role:      role,
		cfg:       cfg,
		state:     StateConnecting,
		conn:      conn,
		reader:    reader,
		Events:    &Events{},
		Protocols: newProtocols(opts.Protocols),
		Writing:   newDirectionState(),
		Reading:   newDirectionState(),
		inbox:     make(chan func(*Tunnel) error, inboxSize),
	}
	t.log = log.With(zap.Stringer("tunnel", t.ID), zap.Stringer("role", role))
	t.Extensions = newExtensions(t, opts.Extensions)
	for _, tpl := range opts.Plugins {
		p := tpl.CloneFor(t)
		t.plugins = append(t.plugins, p)
		register(t.Events, p.Hooks())
	}
	return t
}

func (t *Tunnel) Role() Role { return t.role }

func (t *Tunnel) IsClient() bool { return t.role == RoleClient }

func (t *Tunnel) State() State { return t.state }

func (t *Tunnel) Config() Config { return t.cfg }

func (t *Tunnel) Logger() *zap.Logger { return t.log }

func (t *Tunnel) Conn() Transport { return t.conn }

// Plugins returns the plugin instances owned by t.
func (t *Tunnel) Plugins() []Plugin { return t.plugins }

// IsOperational reports whether data may still flow both ways.
func (t *Tunnel) IsOperational() bool {
	return t.state == StateOpen && t.Writing.CloseFrame == nil && t.Reading.CloseFrame == nil
}

// IsCleanClose reports whether both sides sent a Close frame.
func (t *Tunnel) IsCleanClose() bool {
	return t.Writing.CloseFrame != nil && t.Reading.CloseFrame != nil
}

// CloseStatusCode is the status the peer closed with: 1006 without a Close
// frame, 1005 for an empty one.
func (t *Tunnel) CloseStatusCode() StatusCode {
	if t.Reading.CloseFrame == nil {
		return STATUS_CODE_ABNORMAL_CLOSURE
	}
	code, _, err := t.Reading.CloseFrame.CloseStatus()
	if err != nil {
		return STATUS_CODE_NO_STATUS_RECEIVED
	}
	return code
}

func (t *Tunnel) fire(ev *Event) error {
	ev.Tunnel = t
	return t.Events.Fire(ev)
}

func (t *Tunnel) setState(s State) {
	if s == t.state {
		return
	}
	prev := t.state
	t.state = s
	if err := t.fire(&Event{Kind: EventStateChange, PrevState: prev, State: s}); err != nil {
		t.log.Warn("state change handler failed", zap.Error(err))
	}
}

// Post schedules fn on the goroutine driving t; it runs on the next loop
// tick. It reports false when the inbox is full.
func (t *Tunnel) Post(fn func(*Tunnel) error) bool {
	select {
	case t.inbox <- fn:
		return true
	default:
		return false
	}
}

func (t *Tunnel) drainInbox() error {
	for {
		select {
		case fn := <-t.inbox:
			if err := fn(t); err != nil {
				return err
			}
		default:
			return nil
		}
	}
}

// LoopTick runs posted work, fires EventLoopTick and flushes the queue.
func (t *Tunnel) LoopTick() error {
	if err := t.drainInbox(); err != nil {
		return err
	}
	if err := t.fire(&Event{Kind: EventLoopTick}); err != nil {
		return err
	}
	return t.FlushQueue()
}

// Loop drives the tunnel until it closes, ctx ends or times iterations ran
// (times <= 0 means no limit). Cancelling ctx starts a close handshake
// bounded by Config.Timeout.
func (t *Tunnel) Loop(ctx context.Context, times int) error {
	for i := 0; times <= 0 || i < times; i++ {
		if t.state != StateOpen {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return multierr.Append(err, t.GracefulDisconnectAndWait(t.cfg.Timeout, STATUS_CODE_GOING_AWAY, "shutting down"))
		}
		if err := t.ProcessMessages(); err != nil {
			return err
		}
		if t.state != StateOpen {
			return nil
		}
		if err := t.LoopTick(); err != nil {
			return err
		}
	}
	return nil
}

// GracefulDisconnect sends a Close frame and lets the read loop wait for
// the answer. If a Close was already sent it disconnects at once.
func (t *Tunnel) GracefulDisconnect(code StatusCode, reason string) error {
	return t.gracefulDisconnect(code, reason, true)
}

func (t *Tunnel) gracefulDisconnect(code StatusCode, reason string, force bool) error {
	if t.Writing.CloseFrame != nil {
		if force {
			return t.Disconnect(NewCloseError(code, reason))
		}
		return nil
	}
	if t.state != StateOpen {
		return t.Disconnect(NewCloseError(code, reason))
	}
	if err := t.fire(&Event{Kind: EventDisconnecting, Close: NewCloseError(code, reason)}); err != nil {
		t.log.Warn("disconnecting handler failed", zap.Error(err))
	}
	if err := t.sendClose(code, reason); err != nil {
		return t.fail(err)
	}
	return nil
}

// GracefulDisconnectAndWait starts a close handshake and reads until the
// peer answers or maxWait passes, then disconnects.
func (t *Tunnel) GracefulDisconnectAndWait(maxWait time.Duration, code StatusCode, reason string) error {
	if err := t.GracefulDisconnect(code, reason); err != nil {
		return err
	}
	deadline := time.Now().Add(maxWait)
	for t.state == StateOpen && time.Now().Before(deadline) {
		if err := t.ProcessMessages(); err != nil {
			break
		}
		if t.IsCleanClose() {
			break
		}
	}
	if t.state != StateClosed {
		return t.Disconnect(NewCloseError(code, reason))
	}
	return nil
}

// Disconnect sends what the peer is owed (a Close frame once open, an HTTP
// error while a server handshake is pending), closes the transport and
// marks the tunnel closed. It is idempotent.
func (t *Tunnel) Disconnect(ce *CloseError) error {
	if t.state == StateClosed {
		return nil
	}
	if ce == nil {
		ce = NewCloseError(STATUS_CODE_NORMAL_CLOSURE, "")
	}
	var errs error
	if err := t.fire(&Event{Kind: EventDisconnecting, Close: ce}); err != nil {
		errs = multierr.Append(errs, err)
	}
	switch t.state {
	case StateOpen:
		if ce.Code.Sendable() {
			errs = multierr.Append(errs, t.sendClose(ce.Code, ce.Reason))
		}
	case StateConnecting:
		if t.role == RoleServer {
			errs = multierr.Append(errs, t.sendHandshakeError(ce))
		}
	}
	errs = multierr.Append(errs, t.conn.Close())
	t.queue, t.queuedBytes = nil, 0
	t.readingPartial, t.shortBuffer = nil, nil
	t.Reading.reset()
	t.Writing.reset()
	t.setState(StateClosed)
	if err := t.fire(&Event{Kind: EventDisconnected, Close: ce}); err != nil {
		errs = multierr.Append(errs, err)
	}
	if errs != nil {
		t.log.Debug("teardown", zap.Error(errs))
	}
	t.log.Info("disconnected",
		zap.Stringer("code", ce.Code),
		zap.String("reason", ce.Reason),
		zap.Int64("bytes_in", t.Reading.BytesOnWire),
		zap.Int64("bytes_out", t.Writing.BytesOnWire),
	)
	return nil
}

// fail disconnects with the status err maps to and returns the close error.
func (t *Tunnel) fail(err error) error {
	ce := AsCloseError(err)
	if t.state != StateClosed {
		t.log.Warn("failing connection", zap.Error(ce))
		_ = t.Disconnect(ce)
	}
	return ce
}

func (t *Tunnel) String() string {
	return fmt.Sprintf("%s %s (%s)", t.role, t.ID, t.state)
}
