package websocket

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

const (
	// MaxHeaderSize is the longest possible frame header: 2 fixed bytes, an
	// 8-byte extended length and the masking key.
	MaxHeaderSize = 14

	MaxControlPayload = 125

	maxPayloadLength = 1<<63 - 1
)

type FrameHeader struct {
	Fin    bool
	Rsv1   bool
	Rsv2   bool
	Rsv3   bool
	Opcode Opcode
	Masked bool
	Mask   uint32
	Length uint64
}

// LengthToBits encodes the 7-bit length marker followed by the extended
// length, if any.
func LengthToBits(length uint64) ([]byte, error) {
	switch {
	case length < 126:
		return []byte{byte(length)}, nil
	case length < 65536:
		return binary.BigEndian.AppendUint16([]byte{126}, uint16(length)), nil
	case length > maxPayloadLength:
		return nil, MessageTooBig("cannot encode length %d", length)
	}
	return binary.BigEndian.AppendUint64([]byte{127}, length), nil
}

// BitsToLength decodes what LengthToBits produced. The first byte's top bit
// is ignored. A zero consumed count with a nil error means b is too short.
func BitsToLength(b []byte) (length uint64, consumed int, err error) {
	if len(b) == 0 {
		return 0, 0, nil
	}
	switch marker := b[0] & 0x7F; marker {
	case 126:
		if len(b) < 3 {
			return 0, 0, nil
		}
		return uint64(binary.BigEndian.Uint16(b[1:3])), 3, nil
	case 127:
		if len(b) < 9 {
			return 0, 0, nil
		}
		length = binary.BigEndian.Uint64(b[1:9])
		if length > maxPayloadLength {
			return 0, 0, MessageTooBig("declared length %d has the top bit set", length)
		}
		return length, 9, nil
	default:
		return uint64(marker), 1, nil
	}
}

// Parse decodes a header from the start of b and returns its size. A zero
// size with a nil error means b does not hold a whole header yet.
func (fh *FrameHeader) Parse(b []byte) (int, error) {
	if len(b) < 2 {
		return 0, nil
	}
	section0 := b[0]
	section1 := b[1]
	length, n, err := BitsToLength(b[1:])
	if err != nil || n == 0 {
		return 0, err
	}
	size := 1 + n
	masked := section1&0x80 != 0
	var key uint32
	if masked {
		if len(b) < size+4 {
			return 0, nil
		}
		key = binary.BigEndian.Uint32(b[size : size+4])
		size += 4
	}
	*fh = FrameHeader{
		Fin:    section0&0x80 != 0,
		Rsv1:   section0&0x40 != 0,
		Rsv2:   section0&0x20 != 0,
		Rsv3:   section0&0x10 != 0,
		Opcode: Opcode(section0 & 0x0F),
		Masked: masked,
		Mask:   key,
		Length: length,
	}
	if fh.Opcode.IsControl() {
		if fh.Length > MaxControlPayload {
			return 0, ProtocolError("%s frame payload of %d bytes exceeds %d", fh.Opcode, fh.Length, MaxControlPayload)
		}
		if !fh.Fin {
			return 0, ProtocolError("fragmented %s frame", fh.Opcode)
		}
	}
	return size, nil
}

// ForWire builds the header bytes.
func (fh *FrameHeader) ForWire() ([]byte, error) {
	if fh.Opcode > 0xF {
		return nil, fmt.Errorf("%w: %d", ErrOpcodeRange, fh.Opcode)
	}
	lengthBits, err := LengthToBits(fh.Length)
	if err != nil {
		return nil, err
	}
	buffer := bytes.Buffer{}
	buffer.Grow(MaxHeaderSize)
	firstByte := byte(fh.Opcode)
	if fh.Fin {
		firstByte |= 0x80
	}
	if fh.Rsv1 {
		firstByte |= 0x40
	}
	if fh.Rsv2 {
		firstByte |= 0x20
	}
	if fh.Rsv3 {
		firstByte |= 0x10
	}
	buffer.WriteByte(firstByte)
	if fh.Masked {
		lengthBits[0] |= 0x80
	}
	buffer.Write(lengthBits)
	if fh.Masked {
		buffer.Write(binary.BigEndian.AppendUint32(nil, fh.Mask))
	}
	return buffer.Bytes(), nil
}

// Size is the encoded header length.
func (fh *FrameHeader) Size() int {
	size := 2
	switch {
	case fh.Length >= 65536:
		size += 8
	case fh.Length >= 126:
		size += 2
	}
	if fh.Masked {
		size += 4
	}
	return size
}

func (fh FrameHeader) String() string {
	flags := ""
	if fh.Fin {
		flags += "F"
	}
	if fh.Rsv1 {
		flags += "1"
	}
	if fh.Rsv2 {
		flags += "2"
	}
	if fh.Rsv3 {
		flags += "3"
	}
	if fh.Masked {
		flags += "M"
	}
	if flags == "" {
		flags = "-"
	}
	return fmt.Sprintf("%s[%s] %d", fh.Opcode, flags, fh.Length)
}
