package websocket

import (
	"fmt"
)

// DefaultMaxMessagePayload bounds what a Processor accepts for one message.
const DefaultMaxMessagePayload = 10 << 20

// MessageSink receives the pieces of one message as a Processor sees them.
type MessageSink interface {
	// FirstComplete gets a message that arrived as one fully read frame.
	FirstComplete(p *Processor, f *Frame) error
	// FirstPartial gets the first piece of a message delivered in several.
	FirstPartial(p *Processor, f *Frame) error
	// Append gets every later piece.
	Append(p *Processor, f *Frame) error
}

// Processor reassembles one message: a data frame, its continuations and
// the partial reads of each.
type Processor struct {
	First    *Frame
	sink     MessageSink
	max      int64
	received int64
	complete bool
	done     func(*Processor) error
}

// NewProcessor binds a processor to the first frame of a message and feeds
// that frame to sink. done runs once the final piece was handled.
func NewProcessor(first *Frame, sink MessageSink, max int64, done func(*Processor) error) (*Processor, error) {
	if first.Header.Opcode == OPCODE_CONTINUATION {
		return nil, ErrContinuationStart
	}
	if max <= 0 {
		max = DefaultMaxMessagePayload
	}
	p := &Processor{First: first, sink: sink, max: max, done: done}
	if !first.IsComplete() && first.Partial != PartFirst {
		return nil, fmt.Errorf("%w: got %s piece", ErrNotFirstPart, first.Partial)
	}
	if err := p.incoming(first); err != nil {
		return nil, err
	}
	if first.IsComplete() && first.Header.Fin {
		p.complete = true
		if err := sink.FirstComplete(p, first); err != nil {
			return nil, err
		}
		return p, p.finish()
	}
	if err := sink.FirstPartial(p, first); err != nil {
		return nil, err
	}
	return p, nil
}

// Append feeds the next piece of the message.
func (p *Processor) Append(f *Frame) error {
	if err := p.incoming(f); err != nil {
		return err
	}
	p.complete = f.IsFinal()
	if err := p.sink.Append(p, f); err != nil {
		return err
	}
	if p.complete {
		return p.finish()
	}
	return nil
}

func (p *Processor) incoming(f *Frame) error {
	if p.complete {
		return ErrFinalized
	}
	p.received += f.PayloadLength()
	if p.received > p.max {
		return MessageTooBig("message payload exceeds %d bytes", p.max)
	}
	return nil
}

func (p *Processor) finish() error {
	if p.done == nil {
		return nil
	}
	return p.done(p)
}

func (p *Processor) IsComplete() bool { return p.complete }

// Received is the payload byte count seen so far.
func (p *Processor) Received() int64 { return p.received }

func (p *Processor) IsText() bool { return p.First.Header.Opcode == OPCODE_TEXT }

func (p *Processor) Sink() MessageSink { return p.sink }
