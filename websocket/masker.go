package websocket

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"io"
)

// maskChunkSize bounds the buffer used when masking streamed payloads.
const maskChunkSize = 256 << 10

const maskKeyAttempts = 10

// Masker obfuscates payloads with a 32-bit key. Mask and Unmask are the same
// operation; skip is the number of payload bytes already processed so the key
// rotation continues across chunks.
type Masker interface {
	Key() uint32
	Mask(payload []byte, skip int64)
}

// Xor32 is the RFC 6455 masking algorithm. Key bytes are taken big-endian, as
// they appear on the wire.
type Xor32 struct {
	key uint32
}

func NewXor32(key uint32) (*Xor32, error) {
	if key == 0 {
		return nil, ErrMaskKey
	}
	return &Xor32{key: key}, nil
}

// NewRandomXor32 draws a random nonzero key.
func NewRandomXor32() (*Xor32, error) {
	var buf [4]byte
	for i := 0; i < maskKeyAttempts; i++ {
		if _, err := rand.Read(buf[:]); err != nil {
			return nil, fmt.Errorf("websocket: mask key: %w", err)
		}
		if key := binary.BigEndian.Uint32(buf[:]); key != 0 {
			return &Xor32{key: key}, nil
		}
	}
	return nil, ErrMaskKey
}

func (m *Xor32) Key() uint32 { return m.key }

func (m *Xor32) Mask(payload []byte, skip int64) {
	mask(m.key, payload, skip)
}

func (m *Xor32) Unmask(payload []byte, skip int64) {
	mask(m.key, payload, skip)
}

// MaskStream copies src to dst masking on the way, never holding more than
// one chunk in memory.
func MaskStream(m Masker, dst io.Writer, src io.Reader, skip int64) (int64, error) {
	buf := make([]byte, maskChunkSize)
	var total int64
	for {
		n, err := src.Read(buf)
		if n > 0 {
			m.Mask(buf[:n], skip+total)
			w, werr := dst.Write(buf[:n])
			total += int64(w)
			if werr != nil {
				return total, werr
			}
		}
		if err == io.EOF {
			return total, nil
		}
		if err != nil {
			return total, err
		}
	}
}

func mask(key uint32, payload []byte, skip int64) {
	var keyBytes [4]byte
	binary.BigEndian.PutUint32(keyBytes[:], key)
	shift := int(skip % 4)
	for i := range payload {
		payload[i] ^= keyBytes[(i+shift)&3]
	}
}
