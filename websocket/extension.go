package websocket

import (
	"fmt"
	"strconv"
	"strings"

	"tg.sandbox/wsengine/headers"
)

// Positions of extensions that are not negotiated in the handshake.
const (
	PositionNone  = ""
	PositionStart = "<"
	PositionEnd   = ">"
)

// Extension transforms frame batches on their way to and from the wire.
type Extension interface {
	ID() string
	IsActive() bool
	// InHandshake reports whether the extension is negotiated through
	// Sec-WebSocket-Extensions.
	InHandshake() bool
	// Position places an extension outside the handshake in the chain:
	// PositionStart, PositionEnd, the id it goes before, or PositionNone.
	Position() string
	CloneFor(t *Tunnel) Extension
	// SendProcessor and ReceiveProcessor return nil to pass frames through
	// unchanged.
	SendProcessor(frames []*Frame, p *Pipeline) (Producer, error)
	ReceiveProcessor(frames []*Frame, p *Pipeline) (Producer, error)
}

// Negotiable is an Extension with parameters exchanged in the handshake.
type Negotiable interface {
	Extension
	Params() *ParamSet
	Validate() error
	// RetainOffered names the parameters of a declined offer the server
	// keeps when falling back.
	RetainOffered() []string
	// Fallback adjusts parameters after defaults and retained values were
	// applied.
	Fallback()
	// NotNegotiated is called on the client when the server dropped the
	// extension. An error vetoes the connection.
	NotNegotiated() error
}

// BaseExtension carries what every extension shares. Embed it and
// implement CloneFor.
type BaseExtension struct {
	id          string
	active      bool
	inHandshake bool
	params      *ParamSet
	tunnel      *Tunnel
}

func NewBaseExtension(id string, inHandshake bool, specs ...ParamSpec) BaseExtension {
	return BaseExtension{id: id, active: true, inHandshake: inHandshake, params: NewParamSet(specs...)}
}

// Bind copies b onto t with a private parameter set.
func (b BaseExtension) Bind(t *Tunnel) BaseExtension {
	b.tunnel = t
	b.params = b.params.Clone()
	return b
}

func (b *BaseExtension) ID() string { return b.id }
func (b *BaseExtension) IsActive() bool { return b.active }
func (b *BaseExtension) SetActive(on bool) { b.active = on }
func (b *BaseExtension) InHandshake() bool { return b.inHandshake }
func (b *BaseExtension) Position() string { return PositionNone }
func (b *BaseExtension) Params() *ParamSet { return b.params }
func (b *BaseExtension) Tunnel() *Tunnel { return b.tunnel }
func (b *BaseExtension) Validate() error { return nil }
func (b *BaseExtension) RetainOffered() []string { return nil }
func (b *BaseExtension) Fallback() {}
func (b *BaseExtension) NotNegotiated() error { return nil }

func (b *BaseExtension) SendProcessor([]*Frame, *Pipeline) (Producer, error) { return nil, nil }

func (b *BaseExtension) ReceiveProcessor([]*Frame, *Pipeline) (Producer, error) { return nil, nil }

// ParamSpec describes one handshake parameter. Build returns false when the
// value is not emitted.
type ParamSpec struct {
	Name  string
	Parse func(p headers.Param) (any, error)
	Build func(v any) (headers.Param, bool)
}

// FlagParam is a valueless parameter; present means true.
func FlagParam(name string) ParamSpec {
	return ParamSpec{
		Name: name,
		Parse: func(p headers.Param) (any, error) {
			if !p.Flag {
				return nil, NegotiationError("%s takes no value", p.Name)
			}
			return true, nil
		},
		Build: func(v any) (headers.Param, bool) {
			on, _ := v.(bool)
			return headers.Param{Name: name, Flag: true}, on
		},
	}
}

// IntParam is a numeric parameter. A bare flag parses as whenFlag and the
// value omit is not emitted.
func IntParam(name string, whenFlag, omit int) ParamSpec {
	return ParamSpec{
		Name: name,
		Parse: func(p headers.Param) (any, error) {
			if p.Flag {
				return whenFlag, nil
			}
			n, err := strconv.Atoi(p.Value)
			if err != nil {
				return nil, NegotiationError("%s=%q is not a number", p.Name, p.Value)
			}
			return n, nil
		},
		Build: func(v any) (headers.Param, bool) {
			n, ok := v.(int)
			return headers.Param{Name: name, Value: strconv.Itoa(n)}, ok && n != omit
		},
	}
}

// ParamSet holds parameter values keyed by their descriptors.
type ParamSet struct {
	specs    []ParamSpec
	defaults map[string]any
	values   map[string]any
}

func NewParamSet(specs ...ParamSpec) *ParamSet {
	return &ParamSet{specs: specs, defaults: map[string]any{}, values: map[string]any{}}
}

func (s *ParamSet) Clone() *ParamSet {
	if s == nil {
		return NewParamSet()
	}
	c := &ParamSet{specs: s.specs, defaults: map[string]any{}, values: map[string]any{}}
	for k, v := range s.defaults {
		c.defaults[k] = v
	}
	for k, v := range s.values {
		c.values[k] = v
	}
	return c
}

func (s *ParamSet) spec(name string) (ParamSpec, bool) {
	for _, spec := range s.specs {
		if strings.EqualFold(spec.Name, name) {
			return spec, true
		}
	}
	return ParamSpec{}, false
}

func (s *ParamSet) SetDefault(name string, v any) { s.defaults[name] = v }

func (s *ParamSet) UseDefaults() {
	s.values = make(map[string]any, len(s.defaults))
	for k, v := range s.defaults {
		s.values[k] = v
	}
}

func (s *ParamSet) Set(name string, v any) { s.values[name] = v }

func (s *ParamSet) Get(name string) (any, bool) {
	v, ok := s.values[name]
	return v, ok
}

func (s *ParamSet) Int(name string) int {
	n, _ := s.values[name].(int)
	return n
}

func (s *ParamSet) Flag(name string) bool {
	on, _ := s.values[name].(bool)
	return on
}

// ParseOne parses a single offered parameter without storing it.
func (s *ParamSet) ParseOne(p headers.Param) (any, error) {
	spec, ok := s.spec(p.Name)
	if !ok {
		return nil, NegotiationError("unknown parameter %q", p.Name)
	}
	return spec.Parse(p)
}

// Unserialize resets to defaults and applies params. Repeated names are a
// malformed header, unknown ones a negotiation error.
func (s *ParamSet) Unserialize(params []headers.Param) error {
	seen := make(map[string]bool, len(params))
	for _, p := range params {
		name := strings.ToLower(p.Name)
		if seen[name] {
			return MalformedHeader("parameter %q repeated", p.Name)
		}
		seen[name] = true
	}
	s.UseDefaults()
	for _, p := range params {
		spec, ok := s.spec(p.Name)
		if !ok {
			return NegotiationError("unknown parameter %q", p.Name)
		}
		v, err := spec.Parse(p)
		if err != nil {
			return err
		}
		s.values[spec.Name] = v
	}
	return nil
}

// Serialize emits the current values in descriptor order.
func (s *ParamSet) Serialize() []headers.Param {
	var out []headers.Param
	for _, spec := range s.specs {
		v, ok := s.values[spec.Name]
		if !ok || spec.Build == nil {
			continue
		}
		if p, emit := spec.Build(v); emit {
			out = append(out, p)
		}
	}
	return out
}

func (s *ParamSet) String() string {
	return headers.Token{Name: "params", Params: s.Serialize()}.String()
}

// useFallbackParams applies defaults plus what the extension retains from
// the first declined offer. A retained parameter that fails to parse is
// skipped.
func useFallbackParams(ext Negotiable, declined [][]headers.Param) {
	params := ext.Params()
	retained := map[string]any{}
	if len(declined) > 0 {
		for _, name := range ext.RetainOffered() {
			for _, p := range declined[0] {
				if !strings.EqualFold(p.Name, name) {
					continue
				}
				if v, err := params.ParseOne(p); err == nil {
					retained[name] = v
				}
			}
		}
	}
	params.UseDefaults()
	for k, v := range retained {
		params.Set(k, v)
	}
	ext.Fallback()
}

// suggestParams is what a client offers for ext.
func suggestParams(ext Negotiable) ([][]headers.Param, error) {
	useFallbackParams(ext, nil)
	return [][]headers.Param{ext.Params().Serialize()}, nil
}

func negotiateOffer(ext Negotiable, params []headers.Param) error {
	if err := ext.Params().Unserialize(params); err != nil {
		return err
	}
	if err := ext.Validate(); err != nil {
		return fmt.Errorf("%s: %w", ext.ID(), err)
	}
	return nil
}
