package headers

import (
	"fmt"
	"strings"
)

// Param is one `name=value` or bare `name` part of a token. A bare name has
// Flag set and an empty Value.
type Param struct {
	Name  string
	Value string
	Flag  bool
}

type Token struct {
	Name   string
	Params []Param
}

// Lookup returns the first param called name.
func (t Token) Lookup(name string) (Param, bool) {
	for _, p := range t.Params {
		if strings.EqualFold(p.Name, name) {
			return p, true
		}
	}
	return Param{}, false
}

func (t Token) String() string {
	var sb strings.Builder
	sb.WriteString(t.Name)
	for _, p := range t.Params {
		sb.WriteString("; ")
		sb.WriteString(strings.TrimSpace(p.Name))
		if p.Flag {
			continue
		}
		sb.WriteByte('=')
		if needsQuoting(p.Value) {
			sb.WriteString(quote(p.Value))
		} else {
			sb.WriteString(p.Value)
		}
	}
	return sb.String()
}

func needsQuoting(v string) bool {
	return v == "" || strings.ContainsAny(v, ",;=\" \t\\") || strings.TrimSpace(v) != v
}

func quote(v string) string {
	r := strings.NewReplacer(`\`, `\\`, `"`, `\"`)
	return `"` + r.Replace(v) + `"`
}

// ParseTokens parses a comma separated list of tokens each followed by
// semicolon separated params. Values may be quoted strings with backslash
// escapes.
func ParseTokens(s string, lower bool) ([]Token, error) {
	p := &tokenParser{s: s}
	var res []Token
	for {
		p.skipSpace()
		if p.eof() {
			return res, nil
		}
		if p.peek() == ',' {
			p.i++
			continue
		}
		name, err := p.name()
		if err != nil {
			return nil, err
		}
		if lower {
			name = strings.ToLower(name)
		}
		token := Token{Name: name}
		for {
			p.skipSpace()
			if p.eof() || p.peek() == ',' {
				break
			}
			if p.peek() != ';' {
				return nil, p.fail("expected ';' or ','")
			}
			p.i++
			param, err := p.param(lower)
			if err != nil {
				return nil, err
			}
			token.Params = append(token.Params, param)
		}
		res = append(res, token)
	}
}

type tokenParser struct {
	s string
	i int
}

func (p *tokenParser) eof() bool  { return p.i >= len(p.s) }
func (p *tokenParser) peek() byte { return p.s[p.i] }

func (p *tokenParser) skipSpace() {
	for !p.eof() && (p.peek() == ' ' || p.peek() == '\t') {
		p.i++
	}
}

func (p *tokenParser) fail(msg string) error {
	return fmt.Errorf("%w: %q at %d: %s", ErrMalformed, p.s, p.i, msg)
}

func (p *tokenParser) name() (string, error) {
	p.skipSpace()
	start := p.i
	for !p.eof() && isNameByte(p.peek()) {
		p.i++
	}
	if start == p.i {
		return "", p.fail("expected a name")
	}
	return p.s[start:p.i], nil
}

func (p *tokenParser) param(lower bool) (Param, error) {
	name, err := p.name()
	if err != nil {
		return Param{}, err
	}
	if lower {
		name = strings.ToLower(name)
	}
	p.skipSpace()
	if p.eof() || p.peek() != '=' {
		return Param{Name: name, Flag: true}, nil
	}
	p.i++
	p.skipSpace()
	if !p.eof() && p.peek() == '"' {
		value, err := p.quoted()
		if err != nil {
			return Param{}, err
		}
		return Param{Name: name, Value: value}, nil
	}
	start := p.i
	for !p.eof() && p.peek() != ';' && p.peek() != ',' {
		p.i++
	}
	return Param{Name: name, Value: strings.TrimSpace(p.s[start:p.i])}, nil
}

func (p *tokenParser) quoted() (string, error) {
	p.i++
	var sb strings.Builder
	for !p.eof() {
		c := p.peek()
		p.i++
		switch c {
		case '\\':
			if p.eof() {
				return "", p.fail("unterminated escape")
			}
			sb.WriteByte(p.peek())
			p.i++
		case '"':
			return sb.String(), nil
		default:
			sb.WriteByte(c)
		}
	}
	return "", p.fail("unterminated quoted string")
}

func isNameByte(c byte) bool {
	return c == '-' || c == '_' || c == '.' ||
		(c >= '0' && c <= '9') || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}
