package websocket

// SinkFactory creates the sink for a message starting with first.
type SinkFactory func(t *Tunnel, first *Frame) MessageSink

// PickRule matches a message by its first frame. A zero Opcode matches both
// text and binary; a bound of zero or less is unbounded.
type PickRule struct {
	Opcode    Opcode
	MinLength int64
	MaxLength int64
	Factory   SinkFactory
}

func (r PickRule) matches(f *Frame) bool {
	if r.Opcode != OPCODE_CONTINUATION && r.Opcode != f.Header.Opcode {
		return false
	}
	length := int64(f.Header.Length)
	if r.MinLength > 0 && length < r.MinLength {
		return false
	}
	if r.MaxLength > 0 && length > r.MaxLength {
		return false
	}
	return true
}

// Picker selects a sink with the first matching rule, falling back to
// Default and then to a DiscardSink.
type Picker struct {
	Rules   []PickRule
	Default SinkFactory
}

func (p *Picker) Add(rule PickRule) *Picker {
	p.Rules = append(p.Rules, rule)
	return p
}

func (p *Picker) Pick(t *Tunnel, first *Frame) MessageSink {
	for _, rule := range p.Rules {
		if rule.matches(first) && rule.Factory != nil {
			if sink := rule.Factory(t, first); sink != nil {
				return sink
			}
		}
	}
	if p.Default != nil {
		if sink := p.Default(t, first); sink != nil {
			return sink
		}
	}
	return NewDiscardSink(t.Logger())
}

// BufferFactory is a SinkFactory buffering whole messages for callback.
func BufferFactory(callback func(t *Tunnel, p *Processor, ext, app DataSource) error) SinkFactory {
	return func(t *Tunnel, _ *Frame) MessageSink {
		return NewBufferSink(t.Config().TempSpillSize, func(p *Processor, ext, app DataSource) error {
			return callback(t, p, ext, app)
		})
	}
}
