package websocket

import (
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

const pingPayloadSize = 32

// QueueText queues a text message through the send pipeline.
func (t *Tunnel) QueueText(text string) error {
	return t.QueueDataFrames(NewTextFrame(text))
}

func (t *Tunnel) QueueBinary(data []byte) error {
	return t.QueueDataFrames(NewBinaryFrame(data))
}

// QueueJSON queues v encoded as a text message.
func (t *Tunnel) QueueJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("websocket: encode json: %w", err)
	}
	return t.QueueDataFrames(NewFrame(OPCODE_TEXT, true, Data(data)))
}

// QueuePing queues a Ping with a random payload the matching Pong must echo.
func (t *Tunnel) QueuePing() error {
	payload := make([]byte, pingPayloadSize)
	if _, err := rand.Read(payload); err != nil {
		return fmt.Errorf("websocket: ping payload: %w", err)
	}
	ping := NewPingFrame(payload)
	t.Writing.PingFrame = ping
	return t.QueueRawFrames(ping)
}

// QueueUnsolicitedPong queues a Pong used as a one way heartbeat.
func (t *Tunnel) QueueUnsolicitedPong() error {
	pong := NewPongFrame(nil)
	t.Writing.PongFrame = pong
	return t.QueueRawFrames(pong)
}

// QueueDataFrames runs frames through the send pipeline and queues the
// result.
func (t *Tunnel) QueueDataFrames(frames ...*Frame) error {
	if !t.IsOperational() {
		return fmt.Errorf("%w: queue data while %s", ErrState, t.state)
	}
	return t.Extensions.Send(frames, func(out []*Frame) error {
		return t.QueueRawFrames(out...)
	})
}

// QueueRawFrames queues frames as they are and flushes once the queued
// payloads reach Config.MaxQueuePayloads.
func (t *Tunnel) QueueRawFrames(frames ...*Frame) error {
	t.queue = append(t.queue, frames...)
	for _, f := range frames {
		t.queuedBytes += f.PayloadLength()
	}
	if t.queuedBytes >= int64(t.cfg.MaxQueuePayloads) {
		return t.FlushQueue()
	}
	return nil
}

// Queued is the number of frames waiting for the next flush.
func (t *Tunnel) Queued() int { return len(t.queue) }

// FlushQueue writes the queue, keeping only the latest Ping and Pong. Once
// both sides sent Close it tears the connection down instead.
func (t *Tunnel) FlushQueue() error {
	if t.state != StateOpen {
		return nil
	}
	if t.IsCleanClose() {
		return t.Disconnect(NewCloseError(t.CloseStatusCode(), "close handshake complete"))
	}
	if len(t.queue) == 0 {
		return nil
	}
	if t.Writing.CloseFrame != nil {
		t.log.Debug("close frame already sent, dropping queue", zap.Int("frames", len(t.queue)))
		t.queue, t.queuedBytes = nil, 0
		return nil
	}
	frames := compactQueue(t.queue)
	t.queue, t.queuedBytes = nil, 0
	if err := t.fire(&Event{Kind: EventFlushQueue, Frames: frames}); err != nil {
		return err
	}
	err := t.SendRawFrames(frames...)
	var te *TransportError
	var ce *CloseError
	if errors.As(err, &te) || errors.As(err, &ce) {
		return t.fail(err)
	}
	return err
}

func compactQueue(queue []*Frame) []*Frame {
	var ping, pong bool
	keep := make([]bool, len(queue))
	kept := 0
	for i := len(queue) - 1; i >= 0; i-- {
		switch queue[i].Header.Opcode {
		case OPCODE_PING:
			if ping {
				continue
			}
			ping = true
		case OPCODE_PONG:
			if pong {
				continue
			}
			pong = true
		}
		keep[i] = true
		kept++
	}
	out := make([]*Frame, 0, kept)
	for i, f := range queue {
		if keep[i] {
			out = append(out, f)
		}
	}
	return out
}

// SendRawFrames writes frames right away, bypassing queue and pipeline.
// After the peer's Close only Close frames pass.
func (t *Tunnel) SendRawFrames(frames ...*Frame) error {
	if len(frames) == 0 {
		return nil
	}
	if t.state != StateOpen {
		return fmt.Errorf("%w: send while %s", ErrState, t.state)
	}
	if t.Writing.CloseFrame != nil {
		return fmt.Errorf("%w: close frame already sent", ErrState)
	}
	if t.Reading.CloseFrame != nil {
		for _, f := range frames {
			if f.Header.Opcode != OPCODE_CLOSE {
				return fmt.Errorf("%w: peer closed, cannot send %s", ErrState, f.Header.Opcode)
			}
		}
	}
	for _, f := range frames {
		switch t.cfg.OutboundMasked {
		case MaskRequired:
			if f.Masker == nil {
				m, err := NewRandomXor32()
				if err != nil {
					return err
				}
				f.Masker = m
			}
		case MaskForbidden:
			f.Masker = nil
		}
		switch {
		case f.Header.Opcode == OPCODE_CONTINUATION:
			t.Writing.continueMessage(f)
		case f.Header.Opcode.IsData():
			if err := t.Writing.closeMessage(f); err != nil {
				return err
			}
		}
	}
	if err := t.fire(&Event{Kind: EventFramesSent, Frames: frames}); err != nil {
		return err
	}
	if ce := t.log.Check(zap.DebugLevel, "sending frames"); ce != nil {
		ce.Write(zap.Int("count", len(frames)), zap.Stringer("first", frames[0]))
	}
	_ = t.conn.SetWriteDeadline(time.Now().Add(t.cfg.Timeout))
	n, err := WriteFrames(t.conn, frames, t.cfg.WriteBufferSize)
	t.Writing.BytesOnWire += n
	if err != nil {
		return &TransportError{Op: "write", Err: err}
	}
	return nil
}

func (t *Tunnel) sendClose(code StatusCode, reason string) error {
	if t.Writing.CloseFrame != nil {
		t.log.Debug("close frame already sent")
		return nil
	}
	if code == STATUS_CODE_NONE {
		code = STATUS_CODE_NORMAL_CLOSURE
	}
	frame := NewCloseFrame(code, reason)
	err := t.SendRawFrames(frame)
	t.Writing.CloseFrame = frame
	return err
}
