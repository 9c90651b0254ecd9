package websocket

import (
	"bytes"
	"fmt"
	"io"
	"time"
)

// DefaultWriteBufferSize is how many payload bytes WriteFrames coalesces
// into one write.
const DefaultWriteBufferSize = 32 << 10

// PartialOffset tells which piece of a wire frame a Frame holds when the
// frame was read off the transport in several chunks.
type PartialOffset int

const (
	PartComplete PartialOffset = iota
	PartFirst
	PartMore
	PartLast
)

func (p PartialOffset) String() string {
	switch p {
	case PartFirst:
		return "first"
	case PartMore:
		return "more"
	case PartLast:
		return "last"
	}
	return "complete"
}

type Frame struct {
	Header          FrameHeader
	Masker          Masker
	ExtensionData   DataSource
	ApplicationData DataSource
	Partial         PartialOffset
	Processor       *Processor
	// Original is the frame this one was fragmented or derived from.
	Original    *Frame
	Constructed time.Time
	Sent        time.Time
}

func NewFrame(opcode Opcode, fin bool, app DataSource) *Frame {
	return &Frame{
		Header:          FrameHeader{Fin: fin, Opcode: opcode},
		ApplicationData: app,
		Constructed:     time.Now(),
	}
}

func NewTextFrame(text string) *Frame {
	return NewFrame(OPCODE_TEXT, true, Text(text))
}

func NewBinaryFrame(data []byte) *Frame {
	return NewFrame(OPCODE_BINARY, true, Data(data))
}

func (f *Frame) PayloadLength() int64 {
	return sourceSize(f.ExtensionData) + sourceSize(f.ApplicationData)
}

// IsComplete reports whether f holds a whole wire frame.
func (f *Frame) IsComplete() bool { return f.Partial == PartComplete }

// IsFinal reports whether f is the last piece of its message.
func (f *Frame) IsFinal() bool {
	return f.Header.Fin && (f.Partial == PartComplete || f.Partial == PartLast)
}

// AppData reads the application data into memory.
func (f *Frame) AppData() ([]byte, error) { return ReadAll(f.ApplicationData) }

// Derive copies f's header onto a new frame carrying app as its application
// data.
func (f *Frame) Derive(app DataSource) *Frame {
	return &Frame{
		Header:          f.Header,
		Masker:          f.Masker,
		ExtensionData:   f.ExtensionData,
		ApplicationData: app,
		Partial:         f.Partial,
		Original:        f,
		Constructed:     time.Now(),
	}
}

func (f *Frame) wireHeader() FrameHeader {
	h := f.Header
	h.Length = uint64(f.PayloadLength())
	h.Masked = f.Masker != nil
	h.Mask = 0
	if f.Masker != nil {
		h.Mask = f.Masker.Key()
	}
	return h
}

// MakeFragment slices length bytes of application data starting at offset
// into a standalone wire frame. The first slice keeps the opcode, later ones
// are continuations; only the slice reaching the end inherits fin.
func (f *Frame) MakeFragment(offset, length int64) (*Frame, error) {
	size := sourceSize(f.ApplicationData)
	switch {
	case f.ApplicationData == nil:
		return nil, fmt.Errorf("%w: no application data", ErrFragment)
	case sourceSize(f.ExtensionData) > 0:
		return nil, fmt.Errorf("%w: extension data present", ErrFragment)
	case !f.IsComplete():
		return nil, fmt.Errorf("%w: %s piece", ErrFragment, f.Partial)
	case offset < 0 || offset >= size || length <= 0:
		return nil, fmt.Errorf("%w: slice %d+%d of %d bytes", ErrFragment, offset, length, size)
	}
	end := offset + length
	if end > size {
		end = size
	}
	var slice PartialOffset
	switch {
	case end >= size && offset > 0:
		slice = PartLast
	case end >= size:
		slice = PartComplete
	case offset > 0:
		slice = PartMore
	default:
		slice = PartFirst
	}
	frag := f.MakeBareFragment(slice)
	frag.ApplicationData = io.NewSectionReader(f.ApplicationData, offset, end-offset)
	return frag, nil
}

// MakeBareFragment builds the header-only frame for the given slice of f.
func (f *Frame) MakeBareFragment(slice PartialOffset) *Frame {
	frag := &Frame{
		Header:      f.Header,
		Masker:      f.Masker,
		Original:    f,
		Constructed: time.Now(),
	}
	if slice == PartMore || slice == PartLast {
		frag.Header.Opcode = OPCODE_CONTINUATION
		frag.Header.Rsv1 = false
		frag.Header.Rsv2 = false
		frag.Header.Rsv3 = false
	}
	frag.Header.Fin = f.Header.Fin && (slice == PartComplete || slice == PartLast)
	return frag
}

func (f *Frame) appendTo(buf *bytes.Buffer) error {
	h := f.wireHeader()
	head, err := h.ForWire()
	if err != nil {
		return err
	}
	buf.Write(head)
	start := buf.Len()
	for _, src := range []DataSource{f.ExtensionData, f.ApplicationData} {
		if _, err := buf.ReadFrom(newSourceReader(src)); err != nil {
			return err
		}
	}
	if f.Masker != nil {
		f.Masker.Mask(buf.Bytes()[start:], 0)
	}
	return nil
}

// WriteTo writes f in wire format. Payloads larger than the write buffer
// are streamed and masked chunk by chunk.
func (f *Frame) WriteTo(w io.Writer) (int64, error) {
	if f.PayloadLength() <= DefaultWriteBufferSize {
		var buf bytes.Buffer
		if err := f.appendTo(&buf); err != nil {
			return 0, err
		}
		return buf.WriteTo(w)
	}
	h := f.wireHeader()
	head, err := h.ForWire()
	if err != nil {
		return 0, err
	}
	n, err := w.Write(head)
	total := int64(n)
	if err != nil {
		return total, err
	}
	payload := io.MultiReader(newSourceReader(f.ExtensionData), newSourceReader(f.ApplicationData))
	var copied int64
	if f.Masker != nil {
		copied, err = MaskStream(f.Masker, w, payload, 0)
	} else {
		copied, err = io.Copy(w, payload)
	}
	return total + copied, err
}

// WriteFrames writes frames in order, coalescing consecutive small frames
// into single writes of at most bufferSize payload bytes.
func WriteFrames(w io.Writer, frames []*Frame, bufferSize int) (int64, error) {
	if bufferSize <= 0 {
		bufferSize = DefaultWriteBufferSize
	}
	var (
		total   int64
		pending bytes.Buffer
		payload int64
	)
	flush := func() error {
		if pending.Len() == 0 {
			return nil
		}
		n, err := pending.WriteTo(w)
		total += n
		payload = 0
		return err
	}
	for _, f := range frames {
		size := f.PayloadLength()
		if size > int64(bufferSize) {
			if err := flush(); err != nil {
				return total, err
			}
			n, err := f.WriteTo(w)
			total += n
			if err != nil {
				return total, err
			}
			f.Sent = time.Now()
			continue
		}
		if payload+size > int64(bufferSize) {
			if err := flush(); err != nil {
				return total, err
			}
		}
		if err := f.appendTo(&pending); err != nil {
			return total, err
		}
		payload += size
		f.Sent = time.Now()
	}
	return total, flush()
}

func (f *Frame) String() string {
	return fmt.Sprintf("%s (%s, %d bytes)", f.Header, f.Partial, f.PayloadLength())
}
