package websocket

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLengthEncodingBoundaries(t *testing.T) {
	cases := []struct {
		length uint64
		size   int
	}{
		{0, 1},
		{125, 1},
		{126, 3},
		{65535, 3},
		{65536, 9},
		{1<<63 - 1, 9},
	}
	for _, c := range cases {
		bits, err := LengthToBits(c.length)
		require.NoError(t, err, "length %d", c.length)
		assert.Len(t, bits, c.size, "length %d", c.length)

		got, consumed, err := BitsToLength(bits)
		require.NoError(t, err)
		assert.Equal(t, c.size, consumed)
		assert.Equal(t, c.length, got)
	}
}

func TestLengthTooLarge(t *testing.T) {
	_, err := LengthToBits(1 << 63)
	ce := AsCloseError(err)
	assert.Equal(t, STATUS_CODE_MESSAGE_TOO_BIG, ce.Code)

	_, _, err = BitsToLength([]byte{127, 0x80, 0, 0, 0, 0, 0, 0, 0})
	assert.Equal(t, STATUS_CODE_MESSAGE_TOO_BIG, AsCloseError(err).Code)
}

func TestLengthShortInput(t *testing.T) {
	for _, b := range [][]byte{nil, {126, 0}, {127, 0, 0, 0}} {
		_, consumed, err := BitsToLength(b)
		assert.NoError(t, err)
		assert.Zero(t, consumed)
	}
}

func TestHeaderRoundTrip(t *testing.T) {
	headers := []FrameHeader{
		{Fin: true, Opcode: OPCODE_TEXT, Length: 5},
		{Fin: true, Rsv1: true, Opcode: OPCODE_BINARY, Masked: true, Mask: 0x37FA213D, Length: 300},
		{Opcode: OPCODE_CONTINUATION, Rsv2: true, Rsv3: true, Length: 70000},
		{Fin: true, Opcode: OPCODE_PING, Masked: true, Mask: 1},
	}
	for _, h := range headers {
		wire, err := h.ForWire()
		require.NoError(t, err)
		assert.Equal(t, h.Size(), len(wire))

		var got FrameHeader
		n, err := got.Parse(append(wire, 0xAA, 0xBB))
		require.NoError(t, err)
		assert.Equal(t, len(wire), n)
		assert.Equal(t, h, got)
	}
}

func TestHeaderParseIncomplete(t *testing.T) {
	h := FrameHeader{Fin: true, Opcode: OPCODE_BINARY, Masked: true, Mask: 0x01020304, Length: 1000}
	wire, err := h.ForWire()
	require.NoError(t, err)
	for i := 0; i < len(wire); i++ {
		var got FrameHeader
		n, err := got.Parse(wire[:i])
		assert.NoError(t, err)
		assert.Zero(t, n, "prefix of %d bytes", i)
	}
}

func TestHeaderRejectsBadControlFrames(t *testing.T) {
	var h FrameHeader
	_, err := h.Parse([]byte{0x89, 126, 0, 126})
	assert.Equal(t, STATUS_CODE_PROTOCOL_ERROR, AsCloseError(err).Code)

	_, err = h.Parse([]byte{0x09, 0x00})
	assert.Equal(t, STATUS_CODE_PROTOCOL_ERROR, AsCloseError(err).Code)
}

func TestHeaderOpcodeRange(t *testing.T) {
	h := FrameHeader{Opcode: 0x10}
	_, err := h.ForWire()
	assert.ErrorIs(t, err, ErrOpcodeRange)
}

func TestMaskingIsInvolution(t *testing.T) {
	m, err := NewXor32(0x37FA213D)
	require.NoError(t, err)
	payload := []byte("the quick brown fox jumps over the lazy dog")
	data := append([]byte(nil), payload...)
	m.Mask(data, 0)
	assert.NotEqual(t, payload, data)
	m.Mask(data, 0)
	assert.Equal(t, payload, data)
}

func TestMaskingInChunks(t *testing.T) {
	m, err := NewXor32(0xDEADBEEF)
	require.NoError(t, err)
	payload := []byte("chunks must continue the key rotation where the last one stopped")

	whole := append([]byte(nil), payload...)
	m.Mask(whole, 0)

	chunked := append([]byte(nil), payload...)
	for _, bounds := range [][2]int{{0, 3}, {3, 10}, {10, 11}, {11, len(chunked)}} {
		m.Mask(chunked[bounds[0]:bounds[1]], int64(bounds[0]))
	}
	assert.Equal(t, whole, chunked)
}

func TestMaskKeyIsBigEndian(t *testing.T) {
	m, err := NewXor32(0x37FA213D)
	require.NoError(t, err)
	data := []byte{0x7F, 0x9F, 0x4D, 0x51, 0x58}
	m.Mask(data, 0)
	assert.Equal(t, "Hello", string(data))
}

func TestZeroMaskKey(t *testing.T) {
	_, err := NewXor32(0)
	assert.ErrorIs(t, err, ErrMaskKey)
}
