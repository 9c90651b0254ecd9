package websocket

import "fmt"

// DirectionState is the bookkeeping of one direction of a tunnel.
type DirectionState struct {
	BytesOnWire int64

	CloseFrame *Frame
	PingFrame  *Frame
	PongFrame  *Frame

	// MessageStart is the first frame of the message in progress and
	// LastFragment its latest continuation.
	MessageStart  *Frame
	LastFragment  *Frame
	MessageCustom map[string]any
	messageEnd    []func(*DirectionState)
	messageOpen   bool

	// PartialStart is the first piece of a wire frame being read in chunks.
	PartialStart  *Frame
	LastPartial   *Frame
	PartialCustom map[string]any
	partialEnd    []func(*DirectionState)
}

func newDirectionState() *DirectionState {
	return &DirectionState{
		MessageCustom: map[string]any{},
		PartialCustom: map[string]any{},
	}
}

// OnMessageEnd registers fn to run when the current message is replaced.
func (d *DirectionState) OnMessageEnd(fn func(*DirectionState)) {
	d.messageEnd = append(d.messageEnd, fn)
}

func (d *DirectionState) OnPartialEnd(fn func(*DirectionState)) {
	d.partialEnd = append(d.partialEnd, fn)
}

// InMessage reports whether a fragmented message still awaits its final
// continuation.
func (d *DirectionState) InMessage() bool { return d.messageOpen }

func (d *DirectionState) closeMessage(start *Frame) error {
	if start != nil && start.Header.Opcode == OPCODE_CONTINUATION {
		return fmt.Errorf("%w: %s", ErrContinuationStart, start)
	}
	callbacks := d.messageEnd
	d.messageEnd = nil
	for _, fn := range callbacks {
		fn(d)
	}
	d.MessageStart = start
	d.LastFragment = nil
	d.MessageCustom = map[string]any{}
	d.messageOpen = start != nil && !start.Header.Fin
	return nil
}

func (d *DirectionState) continueMessage(f *Frame) {
	d.LastFragment = f
	if f.Header.Fin {
		d.messageOpen = false
	}
}

func (d *DirectionState) closePartial(start *Frame) {
	callbacks := d.partialEnd
	d.partialEnd = nil
	for _, fn := range callbacks {
		fn(d)
	}
	d.PartialStart = start
	d.LastPartial = nil
	d.PartialCustom = map[string]any{}
}

func (d *DirectionState) reset() {
	_ = d.closeMessage(nil)
	d.closePartial(nil)
	*d = DirectionState{
		BytesOnWire:   d.BytesOnWire,
		CloseFrame:    d.CloseFrame,
		MessageCustom: map[string]any{},
		PartialCustom: map[string]any{},
	}
}

// PartialRead tracks a wire frame whose payload arrives over several reads.
type PartialRead struct {
	Header     FrameHeader
	FirstFrame *Frame
	NextOffset int64
}

func (p *PartialRead) IsComplete() bool {
	return uint64(p.NextOffset) >= p.Header.Length
}
