package websocket

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingSink struct {
	complete, partial, appended int
}

func (s *countingSink) FirstComplete(*Processor, *Frame) error { s.complete++; return nil }
func (s *countingSink) FirstPartial(*Processor, *Frame) error  { s.partial++; return nil }
func (s *countingSink) Append(*Processor, *Frame) error        { s.appended++; return nil }

func TestProcessorSingleFrame(t *testing.T) {
	sink := &countingSink{}
	done := 0
	p, err := NewProcessor(NewTextFrame("hi"), sink, 0, func(*Processor) error {
		done++
		return nil
	})
	require.NoError(t, err)
	assert.True(t, p.IsComplete())
	assert.Equal(t, 1, sink.complete)
	assert.Equal(t, 1, done)
	assert.Equal(t, int64(2), p.Received())

	assert.ErrorIs(t, p.Append(NewFrame(OPCODE_CONTINUATION, true, Text("x"))), ErrFinalized)
}

func TestProcessorFragments(t *testing.T) {
	sink := &countingSink{}
	first := NewFrame(OPCODE_BINARY, false, Data([]byte{1}))
	p, err := NewProcessor(first, sink, 0, nil)
	require.NoError(t, err)
	require.NoError(t, p.Append(NewFrame(OPCODE_CONTINUATION, false, Data([]byte{2}))))
	assert.False(t, p.IsComplete())
	require.NoError(t, p.Append(NewFrame(OPCODE_CONTINUATION, true, Data([]byte{3}))))
	assert.True(t, p.IsComplete())
	assert.Equal(t, 1, sink.partial)
	assert.Equal(t, 2, sink.appended)
}

func TestProcessorRejectsBadStarts(t *testing.T) {
	_, err := NewProcessor(NewFrame(OPCODE_CONTINUATION, true, nil), &countingSink{}, 0, nil)
	assert.ErrorIs(t, err, ErrContinuationStart)

	more := NewTextFrame("x")
	more.Partial = PartMore
	_, err = NewProcessor(more, &countingSink{}, 0, nil)
	assert.ErrorIs(t, err, ErrNotFirstPart)
}

func TestProcessorMessageTooBig(t *testing.T) {
	p, err := NewProcessor(NewFrame(OPCODE_TEXT, false, Text("1234")), &countingSink{}, 6, nil)
	require.NoError(t, err)
	err = p.Append(NewFrame(OPCODE_CONTINUATION, true, Text("567")))
	assert.Equal(t, STATUS_CODE_MESSAGE_TOO_BIG, AsCloseError(err).Code)
}

func TestBufferSinkCollectsPieces(t *testing.T) {
	var got []byte
	sink := NewBufferSink(4, func(p *Processor, _, app DataSource) error {
		var err error
		got, err = ReadAll(app)
		return err
	})
	p, err := NewProcessor(NewFrame(OPCODE_BINARY, false, Data([]byte("abc"))), sink, 0, nil)
	require.NoError(t, err)
	require.NoError(t, p.Append(NewFrame(OPCODE_CONTINUATION, true, Data([]byte("defgh")))))
	assert.Equal(t, "abcdefgh", string(got))
}

func TestStreamCopySink(t *testing.T) {
	var app bytes.Buffer
	finals := 0
	sink := &StreamCopySink{App: &app, OnFinal: func(*Processor) error {
		finals++
		return nil
	}}
	p, err := NewProcessor(NewFrame(OPCODE_TEXT, false, Text("he")), sink, 0, nil)
	require.NoError(t, err)
	require.NoError(t, p.Append(NewFrame(OPCODE_CONTINUATION, true, Text("llo"))))
	assert.Equal(t, "hello", app.String())
	assert.Equal(t, 1, finals)
}

func TestPickerRules(t *testing.T) {
	small, large := &countingSink{}, &countingSink{}
	picker := (&Picker{}).
		Add(PickRule{Opcode: OPCODE_TEXT, MaxLength: 10, Factory: func(*Tunnel, *Frame) MessageSink { return small }}).
		Add(PickRule{MinLength: 11, Factory: func(*Tunnel, *Frame) MessageSink { return large }})
	tun := newTunnel(RoleServer, &memConn{}, nil, Options{})

	short := NewTextFrame("x")
	short.Header.Length = 1
	assert.Same(t, small, picker.Pick(tun, short))

	long := NewBinaryFrame(nil)
	long.Header.Length = 100
	assert.Same(t, large, picker.Pick(tun, long))

	shortBinary := NewBinaryFrame(nil)
	shortBinary.Header.Length = 1
	assert.IsType(t, &DiscardSink{}, picker.Pick(tun, shortBinary))
}
