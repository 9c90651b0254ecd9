package websocket

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"time"

	"go.uber.org/zap"
)

// ProcessMessages reads what the transport has within Config.LoopWait and
// processes every complete frame or frame chunk in it. Leftover bytes that
// do not form a header yet wait for the next call. Framing errors fail the
// connection; errors raised while handling a single well formed frame are
// logged and the frame dropped.
func (t *Tunnel) ProcessMessages() error {
	if t.state != StateOpen {
		return fmt.Errorf("%w: process messages while %s", ErrState, t.state)
	}
	if t.readBuf == nil {
		t.readBuf = make([]byte, t.cfg.MaxFrame)
	}
	_ = t.conn.SetReadDeadline(time.Now().Add(t.cfg.LoopWait))
	n, err := t.reader.Read(t.readBuf)
	if n == 0 && err != nil {
		switch {
		case isTimeout(err):
			return nil
		case errors.Is(err, io.EOF):
			return t.fail(AbnormalClosure("peer closed the transport"))
		default:
			return t.fail(AbnormalClosure("read").Wrap(err))
		}
	}
	t.Reading.BytesOnWire += int64(n)

	data := t.readBuf[:n]
	if len(t.shortBuffer) > 0 {
		data = append(t.shortBuffer, data...)
		t.shortBuffer = nil
	}
	for len(data) > 0 && t.state == StateOpen {
		var consumed int
		if t.readingPartial != nil {
			consumed, err = t.readPartialMessage(data)
		} else {
			consumed, err = t.readNewMessage(data)
		}
		if err != nil {
			return t.fail(err)
		}
		if consumed == 0 {
			t.shortBuffer = append([]byte(nil), data...)
			break
		}
		data = data[consumed:]
	}
	return nil
}

func (t *Tunnel) readNewMessage(data []byte) (int, error) {
	var h FrameHeader
	dataOffset, err := h.Parse(data)
	if err != nil || dataOffset == 0 {
		return 0, err
	}
	if !t.cfg.InboundMasked.allows(h.Masked) {
		if h.Masked {
			return 0, ProtocolError("unmasked frame expected")
		}
		return 0, ProtocolError("masked frame expected")
	}
	if !h.Opcode.IsKnown() {
		return 0, ProtocolError("unknown opcode %s", h.Opcode)
	}
	switch {
	case h.Opcode == OPCODE_CONTINUATION && !t.Reading.InMessage():
		return 0, ProtocolError("continuation without a message in progress")
	case h.Opcode.IsData() && t.Reading.InMessage():
		return 0, ProtocolError("%s frame inside a fragmented message", h.Opcode)
	}
	chunk, partial := extract(h.Length, 0, data[dataOffset:])
	if partial && h.Opcode.IsControl() {
		return 0, nil
	}
	frame, err := t.splitPayload(&h, chunk, 0)
	if err != nil {
		return 0, err
	}
	if partial {
		frame.Partial = PartFirst
	}
	switch {
	case h.Opcode == OPCODE_CONTINUATION:
		t.Reading.continueMessage(frame)
	case h.Opcode.IsData():
		if err := t.Reading.closeMessage(frame); err != nil {
			return 0, err
		}
		if err := t.fire(&Event{Kind: EventMessageStart, Frame: frame}); err != nil {
			t.log.Error("message start handler failed", zap.Error(err))
		}
	}
	if partial {
		t.readingPartial = &PartialRead{Header: h, FirstFrame: frame, NextOffset: int64(len(chunk))}
		t.Reading.closePartial(frame)
	} else {
		t.Reading.closePartial(nil)
	}
	if err := t.processRawFrames([]*Frame{frame}); err != nil {
		return 0, err
	}
	return dataOffset + len(chunk), nil
}

func (t *Tunnel) readPartialMessage(data []byte) (int, error) {
	rp := t.readingPartial
	chunk, partial := extract(rp.Header.Length, rp.NextOffset, data)
	frame, err := t.splitPayload(&rp.Header, chunk, rp.NextOffset)
	if err != nil {
		return 0, err
	}
	rp.NextOffset += int64(len(chunk))
	frame.Partial = PartLast
	if partial {
		frame.Partial = PartMore
	}
	t.Reading.LastPartial = frame
	if rp.IsComplete() {
		t.readingPartial = nil
	}
	if err := t.processRawFrames([]*Frame{frame}); err != nil {
		return 0, err
	}
	return len(chunk), nil
}

// extract takes the part of buf that belongs to a payload of length bytes of
// which offset were already read.
func extract(length uint64, offset int64, buf []byte) (chunk []byte, partial bool) {
	remaining := length - uint64(offset)
	n := uint64(len(buf))
	if remaining < n {
		n = remaining
	}
	return buf[:n], uint64(offset)+n < length
}

// splitPayload unmasks chunk and divides it into extension and application
// data as EventSplitPayload handlers decide.
func (t *Tunnel) splitPayload(h *FrameHeader, chunk []byte, skip int64) (*Frame, error) {
	payload := bytes.Clone(chunk)
	if payload == nil {
		payload = []byte{}
	}
	if h.Masked {
		mask(h.Mask, payload, skip)
	}
	ev := &Event{Kind: EventSplitPayload, Header: h, Payload: payload}
	if err := t.fire(ev); err != nil {
		return nil, err
	}
	start := ev.AppDataStart
	if start < 0 || start > len(payload) {
		return nil, InternalError("application data offset %d outside %d byte chunk", start, len(payload))
	}
	frame := &Frame{Header: *h, Constructed: time.Now()}
	if start > 0 {
		frame.ExtensionData = Data(payload[:start])
	}
	if len(payload) > start {
		frame.ApplicationData = Data(payload[start:])
	}
	return frame, nil
}

func (t *Tunnel) processRawFrames(frames []*Frame) error {
	return t.Extensions.Receive(frames, func(out []*Frame) error {
		for _, f := range out {
			if t.state != StateOpen {
				return nil
			}
			if err := t.processFrame(f); err != nil {
				var ce *CloseError
				if errors.As(err, &ce) {
					return err
				}
				t.log.Error("dropping frame", zap.Stringer("frame", f), zap.Error(err))
			}
		}
		return nil
	})
}

func (t *Tunnel) processFrame(f *Frame) error {
	if err := t.fire(&Event{Kind: EventCheckFrameHeader, Frame: f, Header: &f.Header}); err != nil {
		return err
	}
	if f.Header.Rsv1 || f.Header.Rsv2 || f.Header.Rsv3 {
		return ProtocolError("reserved bits set without a negotiated extension")
	}
	if ce := t.log.Check(zap.DebugLevel, "frame received"); ce != nil {
		ce.Write(zap.Stringer("frame", f))
	}
	if err := t.fire(&Event{Kind: EventFrameReceived, Frame: f}); err != nil {
		return err
	}
	return t.doProcessFrame(f)
}

func (t *Tunnel) doProcessFrame(f *Frame) error {
	switch f.Header.Opcode {
	case OPCODE_CONTINUATION, OPCODE_TEXT, OPCODE_BINARY:
		return t.processDataFrame(f)
	case OPCODE_CLOSE:
		t.Reading.CloseFrame = f
		code, reason, err := f.CloseStatus()
		if err != nil {
			return err
		}
		if !code.Sendable() {
			code = STATUS_CODE_NORMAL_CLOSURE
		}
		return t.gracefulDisconnect(code, reason, true)
	case OPCODE_PING:
		t.Reading.PingFrame = f
		payload, err := f.AppData()
		if err != nil {
			return err
		}
		pong := NewPongFrame(payload)
		t.Writing.PongFrame = pong
		return t.QueueRawFrames(pong)
	case OPCODE_PONG:
		t.Reading.PongFrame = f
		if ping := t.Writing.PingFrame; ping != nil {
			want, _ := ping.AppData()
			got, _ := f.AppData()
			if bytes.Equal(want, got) {
				t.log.Debug("pong matches ping", zap.Duration("rtt", f.Constructed.Sub(ping.Sent)))
			} else {
				t.log.Debug("unsolicited pong")
			}
		}
	}
	return nil
}

func (t *Tunnel) processDataFrame(f *Frame) error {
	if f.Processor != nil {
		return nil
	}
	var proc *Processor
	switch {
	case f.Header.Opcode == OPCODE_CONTINUATION:
		if start := t.Reading.MessageStart; start != nil {
			proc = start.Processor
		}
	case f.Partial == PartMore || f.Partial == PartLast:
		if start := t.Reading.PartialStart; start != nil {
			proc = start.Processor
		}
	default:
		sink, err := t.pickSink(f)
		if err != nil {
			return err
		}
		proc, err = NewProcessor(f, sink, t.cfg.MaxMessagePayload, t.messageComplete)
		if proc != nil {
			f.Processor = proc
			if start := t.Reading.MessageStart; start != nil {
				start.Processor = proc
			}
			if start := t.Reading.PartialStart; start != nil && !f.IsComplete() {
				start.Processor = proc
			}
		}
		return err
	}
	if proc == nil {
		t.log.Warn("no processor for frame", zap.Stringer("frame", f))
		return nil
	}
	f.Processor = proc
	return proc.Append(f)
}

func (t *Tunnel) pickSink(f *Frame) (MessageSink, error) {
	ev := &Event{Kind: EventPickProcessor, Frame: f}
	if err := t.fire(ev); err != nil {
		return nil, err
	}
	if ev.Sink != nil {
		return ev.Sink, nil
	}
	if t.cfg.Picker != nil {
		return t.cfg.Picker.Pick(t, f), nil
	}
	return NewDiscardSink(t.log), nil
}

func (t *Tunnel) messageComplete(p *Processor) error {
	return t.fire(&Event{Kind: EventMessageComplete, Frame: p.First, Processor: p, Sink: p.Sink()})
}
