package websocket

import (
	"strings"

	"tg.sandbox/wsengine/headers"
)

const headerProtocol = "Sec-WebSocket-Protocol"

// Protocols negotiates the subprotocol of a tunnel.
type Protocols struct {
	known  []string
	Active string
	// Pick chooses among the offered protocols on the server; the default
	// takes the first one.
	Pick func(offered []string) string
}

func newProtocols(known []string) *Protocols {
	return &Protocols{known: append([]string(nil), known...)}
}

func (p *Protocols) Known() []string { return append([]string(nil), p.known...) }

func (p *Protocols) isKnown(id string) bool {
	for _, k := range p.known {
		if k == id {
			return true
		}
	}
	return false
}

func (p *Protocols) clientBuildHeaders(h *headers.Bag) error {
	if len(p.known) == 0 {
		return nil
	}
	return h.Set(headerProtocol, strings.Join(p.known, ", "))
}

func (p *Protocols) clientCheckHeaders(h *headers.Bag) error {
	got := h.Tokens(headerProtocol, false)
	switch {
	case len(got) == 0:
		return nil
	case len(got) > 1:
		return MalformedHeader("server selected %d protocols", len(got))
	case !p.isKnown(got[0]):
		return MalformedHeader("server selected unknown protocol %q", got[0])
	}
	p.Active = got[0]
	return nil
}

func (p *Protocols) serverCheckHeaders(h *headers.Bag) error {
	offered := h.Tokens(headerProtocol, false)
	if len(offered) == 0 {
		return nil
	}
	for _, id := range offered {
		if !p.isKnown(id) {
			return MalformedHeader("unknown protocol %q", id)
		}
	}
	if p.Pick != nil {
		p.Active = p.Pick(offered)
		if p.Active != "" && !p.isKnown(p.Active) {
			return MalformedHeader("picked unknown protocol %q", p.Active)
		}
		return nil
	}
	p.Active = offered[0]
	return nil
}

func (p *Protocols) serverBuildHeaders(h *headers.Bag) error {
	if p.Active == "" {
		return nil
	}
	return h.Set(headerProtocol, p.Active)
}
