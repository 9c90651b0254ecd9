package websocket

import (
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
)

const (
	DefaultMaxFrame      = 256 << 10
	DefaultTimeout       = 5 * time.Second
	DefaultLoopWait      = 50 * time.Millisecond
	DefaultTempSpillSize = 4 << 20
)

// Config tunes a tunnel. Zero fields take the defaults of the role.
type Config struct {
	// MaxFrame is the largest read per ProcessMessages call and the largest
	// compressed chunk extensions emit.
	MaxFrame int `yaml:"max_frame"`
	// MaxQueuePayloads flushes the write queue once queued payloads reach it.
	MaxQueuePayloads  int   `yaml:"max_queue_payloads"`
	MaxMessagePayload int64 `yaml:"max_message_payload"`

	Timeout  time.Duration `yaml:"timeout"`
	LoopWait time.Duration `yaml:"loop_wait"`

	InboundMasked  MaskPolicy `yaml:"inbound_masked"`
	OutboundMasked MaskPolicy `yaml:"outbound_masked"`

	WriteBufferSize int   `yaml:"write_buffer_size"`
	TempSpillSize   int64 `yaml:"temp_spill_size"`

	// Picker chooses message sinks when no EventPickProcessor handler did.
	Picker *Picker `yaml:"-"`
}

func DefaultConfig(role Role) Config {
	return Config{}.withDefaults(role)
}

func (c Config) withDefaults(role Role) Config {
	if c.MaxFrame <= 0 {
		c.MaxFrame = DefaultMaxFrame
	}
	if c.MaxQueuePayloads <= 0 {
		c.MaxQueuePayloads = c.MaxFrame
	}
	if c.MaxMessagePayload <= 0 {
		c.MaxMessagePayload = DefaultMaxMessagePayload
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if c.LoopWait <= 0 {
		c.LoopWait = DefaultLoopWait
	}
	if c.WriteBufferSize <= 0 {
		c.WriteBufferSize = DefaultWriteBufferSize
	}
	if c.TempSpillSize <= 0 {
		c.TempSpillSize = DefaultTempSpillSize
	}
	if c.InboundMasked == MaskDefault {
		c.InboundMasked = MaskForbidden
		if role == RoleServer {
			c.InboundMasked = MaskRequired
		}
	}
	if c.OutboundMasked == MaskDefault {
		c.OutboundMasked = MaskForbidden
		if role == RoleClient {
			c.OutboundMasked = MaskRequired
		}
	}
	return c
}

// Options configure tunnels created by a Client or a Server.
type Options struct {
	Config     Config
	Logger     *zap.Logger
	Extensions []Extension
	Protocols  []string
	Plugins    []Plugin
	// Path, when set, is the only request path a server accepts.
	Path string
}

func (m MaskPolicy) String() string {
	switch m {
	case MaskAny:
		return "any"
	case MaskRequired:
		return "required"
	case MaskForbidden:
		return "forbidden"
	}
	return "default"
}

func (m MaskPolicy) MarshalText() ([]byte, error) { return []byte(m.String()), nil }

func (m *MaskPolicy) UnmarshalText(text []byte) error {
	switch strings.ToLower(string(text)) {
	case "", "default":
		*m = MaskDefault
	case "any":
		*m = MaskAny
	case "required", "true":
		*m = MaskRequired
	case "forbidden", "false":
		*m = MaskForbidden
	default:
		return fmt.Errorf("websocket: unknown mask policy %q", text)
	}
	return nil
}
