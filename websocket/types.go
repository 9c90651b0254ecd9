package websocket

import "fmt"

type Opcode byte

const (
	OPCODE_CONTINUATION Opcode = 0x0
	OPCODE_TEXT         Opcode = 0x1
	OPCODE_BINARY       Opcode = 0x2
	OPCODE_CLOSE        Opcode = 0x8
	OPCODE_PING         Opcode = 0x9
	OPCODE_PONG         Opcode = 0xA
)

func (o Opcode) IsControl() bool { return o >= OPCODE_CLOSE }

// IsData is true for text and binary frames, not continuations.
func (o Opcode) IsData() bool { return o == OPCODE_TEXT || o == OPCODE_BINARY }

func (o Opcode) IsKnown() bool {
	switch o {
	case OPCODE_CONTINUATION, OPCODE_TEXT, OPCODE_BINARY, OPCODE_CLOSE, OPCODE_PING, OPCODE_PONG:
		return true
	}
	return false
}

func (o Opcode) String() string {
	switch o {
	case OPCODE_CONTINUATION:
		return "Cont"
	case OPCODE_TEXT:
		return "Text"
	case OPCODE_BINARY:
		return "Data"
	case OPCODE_CLOSE:
		return "Clos"
	case OPCODE_PING:
		return "Ping"
	case OPCODE_PONG:
		return "Pong"
	}
	return fmt.Sprintf("0x%X", byte(o))
}

type StatusCode uint16

const (
	STATUS_CODE_NONE                   StatusCode = 0
	STATUS_CODE_NORMAL_CLOSURE         StatusCode = 1000
	STATUS_CODE_GOING_AWAY             StatusCode = 1001
	STATUS_CODE_PROTOCOL_ERROR         StatusCode = 1002
	STATUS_CODE_UNSUPPORTED_DATA       StatusCode = 1003
	STATUS_CODE_RESERVED               StatusCode = 1004
	STATUS_CODE_NO_STATUS_RECEIVED     StatusCode = 1005
	STATUS_CODE_ABNORMAL_CLOSURE       StatusCode = 1006
	STATUS_CODE_INVALID_PAYLOAD        StatusCode = 1007
	STATUS_CODE_POLICY_VIOLATION       StatusCode = 1008
	STATUS_CODE_MESSAGE_TOO_BIG        StatusCode = 1009
	STATUS_CODE_EXTENSION_NOT_ACCEPTED StatusCode = 1010
	STATUS_CODE_INTERNAL_ERROR         StatusCode = 1011
	STATUS_CODE_SERVICE_RESTART        StatusCode = 1012
	STATUS_CODE_TRY_AGAIN_LATER        StatusCode = 1013
	STATUS_CODE_TLS_HANDSHAKE          StatusCode = 1015

	STATUS_CODE_PRIVATE_START StatusCode = 4000
	STATUS_CODE_PRIVATE_END   StatusCode = 4999
)

var statusTexts = map[StatusCode]string{
	STATUS_CODE_NONE:                   "WebSocket Handshake Error",
	STATUS_CODE_NORMAL_CLOSURE:         "Normal Closure",
	STATUS_CODE_GOING_AWAY:             "Going Away",
	STATUS_CODE_PROTOCOL_ERROR:         "Protocol Error",
	STATUS_CODE_UNSUPPORTED_DATA:       "Unsupported Data",
	STATUS_CODE_RESERVED:               "Reserved",
	STATUS_CODE_NO_STATUS_RECEIVED:     "No Status Received",
	STATUS_CODE_ABNORMAL_CLOSURE:       "Abnormal Closure",
	STATUS_CODE_INVALID_PAYLOAD:        "Invalid Frame Payload Data",
	STATUS_CODE_POLICY_VIOLATION:       "Policy Violation",
	STATUS_CODE_MESSAGE_TOO_BIG:        "Message Too Big",
	STATUS_CODE_EXTENSION_NOT_ACCEPTED: "Client Extensions Not Negotiated",
	STATUS_CODE_INTERNAL_ERROR:         "Internal Error",
	STATUS_CODE_SERVICE_RESTART:        "Service Restart",
	STATUS_CODE_TRY_AGAIN_LATER:        "Try Again Later",
	STATUS_CODE_TLS_HANDSHAKE:          "TLS Handshake Failed",
}

// HTTP statuses used when a code fails the connection before the handshake
// completed.
var statusHTTP = map[StatusCode]int{
	STATUS_CODE_GOING_AWAY:       503,
	STATUS_CODE_PROTOCOL_ERROR:   400,
	STATUS_CODE_POLICY_VIOLATION: 403,
	STATUS_CODE_SERVICE_RESTART:  503,
	STATUS_CODE_TRY_AGAIN_LATER:  503,
	STATUS_CODE_TLS_HANDSHAKE:    412,
}

func (c StatusCode) String() string {
	if text, ok := statusTexts[c]; ok {
		return text
	}
	if c.IsPrivate() {
		return "Private Code"
	}
	return fmt.Sprintf("Status %d", uint16(c))
}

func (c StatusCode) IsPrivate() bool {
	return c >= STATUS_CODE_PRIVATE_START && c <= STATUS_CODE_PRIVATE_END
}

// Sendable reports whether c may appear in a Close frame body.
func (c StatusCode) Sendable() bool {
	switch c {
	case STATUS_CODE_NONE, STATUS_CODE_RESERVED, STATUS_CODE_NO_STATUS_RECEIVED,
		STATUS_CODE_ABNORMAL_CLOSURE, STATUS_CODE_TLS_HANDSHAKE:
		return false
	}
	return (c >= 1000 && c <= 1015) || (c >= 3000 && c < 5000)
}

func (c StatusCode) HTTPStatus() int {
	if s, ok := statusHTTP[c]; ok {
		return s
	}
	return 500
}

type State int

const (
	StateClosed State = iota
	StateConnecting
	StateOpen
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "CONNECTING"
	case StateOpen:
		return "OPEN"
	}
	return "CLOSED"
}

// MaskPolicy constrains the mask bit of frames in one direction.
// MaskDefault resolves to the role's policy.
type MaskPolicy int

const (
	MaskDefault MaskPolicy = iota
	MaskAny
	MaskRequired
	MaskForbidden
)

func (p MaskPolicy) allows(masked bool) bool {
	switch p {
	case MaskRequired:
		return masked
	case MaskForbidden:
		return !masked
	}
	return true
}

type Role int

const (
	RoleClient Role = iota
	RoleServer
)

func (r Role) String() string {
	if r == RoleServer {
		return "server"
	}
	return "client"
}
