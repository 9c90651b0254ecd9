package websocket

import (
	"encoding/binary"
	"unicode/utf8"
)

// maxCloseReason leaves room for the status code in a control payload.
const maxCloseReason = MaxControlPayload - 2

// NewCloseFrame builds a Close frame. STATUS_CODE_NONE yields an empty body;
// reasons are cut to fit a control frame on a rune boundary.
func NewCloseFrame(code StatusCode, reason string) *Frame {
	return NewFrame(OPCODE_CLOSE, true, Data(ClosePayload(code, reason)))
}

func ClosePayload(code StatusCode, reason string) []byte {
	if code == STATUS_CODE_NONE {
		return []byte{}
	}
	if len(reason) > maxCloseReason {
		cut := maxCloseReason
		for cut > 0 && !utf8.RuneStart(reason[cut]) {
			cut--
		}
		reason = reason[:cut]
	}
	return append(binary.BigEndian.AppendUint16(make([]byte, 0, 2+len(reason)), uint16(code)), reason...)
}

// ParseClosePayload decodes a Close body. An empty body reports
// STATUS_CODE_NO_STATUS_RECEIVED.
func ParseClosePayload(body []byte) (StatusCode, string, error) {
	switch {
	case len(body) == 0:
		return STATUS_CODE_NO_STATUS_RECEIVED, "", nil
	case len(body) == 1:
		return STATUS_CODE_NONE, "", ProtocolError("close body of one byte")
	}
	code := StatusCode(binary.BigEndian.Uint16(body))
	if !code.Sendable() {
		return code, "", ProtocolError("close code %d is not allowed on the wire", uint16(code))
	}
	reason := body[2:]
	if !utf8.Valid(reason) {
		return code, "", InvalidPayload("close reason is not valid UTF-8")
	}
	return code, string(reason), nil
}

// CloseStatus decodes the status carried by a Close frame.
func (f *Frame) CloseStatus() (StatusCode, string, error) {
	body, err := f.AppData()
	if err != nil {
		return STATUS_CODE_NONE, "", err
	}
	return ParseClosePayload(body)
}

func NewPingFrame(payload []byte) *Frame {
	return NewFrame(OPCODE_PING, true, Data(payload))
}

func NewPongFrame(payload []byte) *Frame {
	return NewFrame(OPCODE_PONG, true, Data(payload))
}
