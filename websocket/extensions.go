package websocket

import (
	"fmt"
	"strings"

	"go.uber.org/zap"

	"tg.sandbox/wsengine/headers"
)

const headerExtensions = "Sec-WebSocket-Extensions"

// Extensions is the set of extensions bound to one tunnel and the chain of
// those that ended up active.
type Extensions struct {
	t      *Tunnel
	all    []Extension
	chain  []string
	active map[string]Extension
}

func newExtensions(t *Tunnel, templates []Extension) *Extensions {
	e := &Extensions{t: t, active: map[string]Extension{}}
	for _, tpl := range templates {
		e.all = append(e.all, tpl.CloneFor(t))
	}
	return e
}

// Add binds another extension before the handshake.
func (e *Extensions) Add(tpl Extension) Extension {
	ext := tpl.CloneFor(e.t)
	e.all = append(e.all, ext)
	return ext
}

// Get returns the active extension with the given id.
func (e *Extensions) Get(id string) Extension {
	return e.active[strings.ToLower(id)]
}

// Chain lists active extension ids, as the extensions spell them, in send
// order.
func (e *Extensions) Chain() []string {
	ids := make([]string, len(e.chain))
	for i, id := range e.chain {
		ids[i] = e.active[id].ID()
	}
	return ids
}

func (e *Extensions) activate(ext Extension) {
	id := strings.ToLower(ext.ID())
	if _, ok := e.active[id]; !ok {
		e.chain = append(e.chain, id)
	}
	e.active[id] = ext
}

func (e *Extensions) negotiable() ([]Negotiable, error) {
	var out []Negotiable
	seen := map[string]bool{}
	for _, ext := range e.all {
		n, ok := ext.(Negotiable)
		if !ok || !ext.IsActive() || !ext.InHandshake() {
			continue
		}
		id := strings.ToLower(ext.ID())
		if seen[id] {
			return nil, fmt.Errorf("%w: extension %q", ErrDuplicateID, ext.ID())
		}
		seen[id] = true
		out = append(out, n)
	}
	return out, nil
}

func (e *Extensions) clientBuildHeaders(h *headers.Bag) error {
	exts, err := e.negotiable()
	if err != nil {
		return err
	}
	for _, ext := range exts {
		sets, err := suggestParams(ext)
		if err != nil {
			return err
		}
		if len(sets) == 0 {
			return fmt.Errorf("%w: %s", ErrNoSuggestion, ext.ID())
		}
		for _, params := range sets {
			if err := h.AddParametrized(headerExtensions, headers.Token{Name: ext.ID(), Params: params}); err != nil {
				return err
			}
		}
	}
	return nil
}

func (e *Extensions) clientCheckHeaders(h *headers.Bag) error {
	exts, err := e.negotiable()
	if err != nil {
		return err
	}
	offered := make(map[string]Negotiable, len(exts))
	for _, ext := range exts {
		offered[strings.ToLower(ext.ID())] = ext
	}
	tokens, err := h.ParametrizedTokens(headerExtensions, true)
	if err != nil {
		return MalformedHeader("%s", headerExtensions).Wrap(err)
	}
	accepted := map[string]bool{}
	for _, token := range tokens {
		if accepted[token.Name] {
			return MalformedHeader("extension %q accepted twice", token.Name)
		}
		accepted[token.Name] = true
		ext, ok := offered[token.Name]
		if !ok {
			return NegotiationError("extension %q was not offered", token.Name)
		}
		if err := negotiateOffer(ext, token.Params); err != nil {
			return err
		}
		e.activate(ext)
	}
	for _, ext := range exts {
		if accepted[strings.ToLower(ext.ID())] {
			continue
		}
		if err := ext.NotNegotiated(); err != nil {
			return err
		}
	}
	e.finish()
	return nil
}

func (e *Extensions) serverCheckHeaders(h *headers.Bag) error {
	tokens, err := h.ParametrizedTokens(headerExtensions, true)
	if err != nil {
		return MalformedHeader("%s", headerExtensions).Wrap(err)
	}
	offers := map[string][][]headers.Param{}
	for _, token := range tokens {
		offers[token.Name] = append(offers[token.Name], token.Params)
	}
	exts, err := e.negotiable()
	if err != nil {
		return err
	}
	for _, ext := range exts {
		sets, ok := offers[strings.ToLower(ext.ID())]
		if !ok {
			continue
		}
		agreed := false
		for _, params := range sets {
			err := negotiateOffer(ext, params)
			if err == nil {
				agreed = true
				break
			}
			e.t.log.Debug("declined extension offer",
				zap.String("extension", ext.ID()),
				zap.Error(err),
			)
		}
		if !agreed {
			useFallbackParams(ext, sets)
		}
		e.activate(ext)
	}
	e.finish()
	return nil
}

func (e *Extensions) serverBuildHeaders(h *headers.Bag) error {
	for _, id := range e.chain {
		ext := e.active[id]
		n, ok := ext.(Negotiable)
		if !ok || !ext.InHandshake() {
			continue
		}
		if err := h.AddParametrized(headerExtensions, headers.Token{Name: ext.ID(), Params: n.Params().Serialize()}); err != nil {
			return err
		}
	}
	return nil
}

// finish places the extensions outside the handshake and hooks up every
// active extension that listens to events.
func (e *Extensions) finish() {
	for _, ext := range e.all {
		if ext.InHandshake() || !ext.IsActive() {
			continue
		}
		e.insert(ext)
	}
	for _, id := range e.chain {
		if hooked, ok := e.active[id].(Hooked); ok {
			register(e.t.Events, hooked.Hooks())
		}
	}
	for _, ext := range e.all {
		if _, inChain := e.active[strings.ToLower(ext.ID())]; inChain || ext.InHandshake() || !ext.IsActive() {
			continue
		}
		if hooked, ok := ext.(Hooked); ok {
			register(e.t.Events, hooked.Hooks())
		}
	}
}

func (e *Extensions) insert(ext Extension) {
	id := strings.ToLower(ext.ID())
	if _, ok := e.active[id]; ok {
		return
	}
	pos := ext.Position()
	switch pos {
	case PositionNone:
		return
	case PositionStart:
		e.chain = append([]string{id}, e.chain...)
	case PositionEnd:
		e.chain = append(e.chain, id)
	default:
		at := -1
		for i, other := range e.chain {
			if other == strings.ToLower(pos) {
				at = i
				break
			}
		}
		if at < 0 {
			e.t.log.Debug("extension anchor not active",
				zap.String("extension", ext.ID()),
				zap.String("before", pos),
			)
			return
		}
		chain := make([]string, 0, len(e.chain)+1)
		chain = append(chain, e.chain[:at]...)
		chain = append(chain, id)
		e.chain = append(chain, e.chain[at:]...)
	}
	e.active[id] = ext
}

func (e *Extensions) pipeline(frames []*Frame, forward bool, terminator func([]*Frame) error) *Pipeline {
	return &Pipeline{
		ids:        e.chain,
		exts:       e.active,
		Frames:     frames,
		Forward:    forward,
		Tunnel:     e.t,
		terminator: terminator,
	}
}

// Send runs frames through the chain front to back.
func (e *Extensions) Send(frames []*Frame, terminator func([]*Frame) error) error {
	return e.pipeline(frames, true, terminator).Process()
}

// Receive runs frames through the chain back to front.
func (e *Extensions) Receive(frames []*Frame, terminator func([]*Frame) error) error {
	return e.pipeline(frames, false, terminator).Process()
}
