package headers

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/textproto"
	"strings"
)

// MaxLineLength bounds a single head line, the status line included.
const MaxLineLength = 8192

// MaxHeaderCount bounds the number of header lines accepted in one head.
const MaxHeaderCount = 128

var (
	ErrMalformed = errors.New("malformed http header")
	ErrTooLong   = errors.New("http header line too long")
)

// Bag is an HTTP head: an optional status line plus an ordered multimap of
// fields with case-insensitive names.
type Bag struct {
	Status Status

	fields http.Header
	order  []string
	// first spelling seen per canonical key, used on output
	spelling map[string]string
}

func New() *Bag {
	return &Bag{fields: make(http.Header), spelling: make(map[string]string)}
}

// FromHTTP wraps a head already parsed by net/http.
func FromHTTP(status Status, h http.Header) *Bag {
	b := New()
	b.Status = status
	for name, values := range h {
		for _, v := range values {
			_ = b.Add(name, v)
		}
	}
	return b
}

func (b *Bag) Add(name, value string) error {
	if strings.ContainsAny(name+value, "\x00\r\n") || strings.TrimSpace(name) == "" {
		return fmt.Errorf("%w: %s (%s): wrong symbols in name or value", ErrMalformed, name, value)
	}
	name = strings.TrimSpace(name)
	key := textproto.CanonicalMIMEHeaderKey(name)
	if _, ok := b.fields[key]; !ok {
		b.order = append(b.order, key)
		b.spelling[key] = name
	}
	b.fields[key] = append(b.fields[key], value)
	return nil
}

// Set replaces every value of name.
func (b *Bag) Set(name, value string) error {
	b.Remove(name)
	return b.Add(name, value)
}

// Get returns the last value of name.
func (b *Bag) Get(name string) string {
	values := b.Values(name)
	if len(values) == 0 {
		return ""
	}
	return values[len(values)-1]
}

func (b *Bag) Values(name string) []string {
	return b.fields.Values(name)
}

func (b *Bag) Has(name string) bool {
	return len(b.Values(name)) > 0
}

func (b *Bag) Remove(name string) {
	key := textproto.CanonicalMIMEHeaderKey(strings.TrimSpace(name))
	if _, ok := b.fields[key]; !ok {
		return
	}
	delete(b.fields, key)
	delete(b.spelling, key)
	for i, n := range b.order {
		if n == key {
			b.order = append(b.order[:i], b.order[i+1:]...)
			break
		}
	}
}

// Len counts distinct names.
func (b *Bag) Len() int {
	return len(b.order)
}

// Names lists every name as first written, in order of appearance.
func (b *Bag) Names() []string {
	names := make([]string, len(b.order))
	for i, key := range b.order {
		names[i] = b.spelling[key]
	}
	return names
}

// Header returns a copy usable with net/http.
func (b *Bag) Header() http.Header {
	return b.fields.Clone()
}

// Tokens splits comma separated values of every name line, dropping empty
// and duplicate tokens.
func (b *Bag) Tokens(name string, lower bool) []string {
	var res []string
	seen := map[string]bool{}
	for _, value := range b.Values(name) {
		if lower {
			value = strings.ToLower(value)
		}
		for _, token := range strings.Split(value, ",") {
			token = strings.TrimSpace(token)
			if token == "" || seen[token] {
				continue
			}
			seen[token] = true
			res = append(res, token)
		}
	}
	return res
}

// HasToken matches token case-insensitively among Tokens(name).
func (b *Bag) HasToken(name, token string) bool {
	for _, t := range b.Tokens(name, false) {
		if strings.EqualFold(t, token) {
			return true
		}
	}
	return false
}

// ParametrizedTokens parses lists like `tok1; p="a b"; flag, tok2; q=1`
// joined over every line of name. lower affects token and parameter names
// only. Tokens may repeat.
func (b *Bag) ParametrizedTokens(name string, lower bool) ([]Token, error) {
	values := b.Values(name)
	if len(values) == 0 {
		return nil, nil
	}
	tokens, err := ParseTokens(strings.Join(values, ", "), lower)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	return tokens, nil
}

func (b *Bag) AddParametrized(name string, token Token) error {
	return b.Add(name, token.String())
}

// WriteTo emits the status line, every field and the terminating blank line.
func (b *Bag) WriteTo(w io.Writer) (int64, error) {
	var buf bytes.Buffer
	if b.Status != nil {
		buf.WriteString(b.Status.String())
		buf.WriteString("\r\n")
	}
	for _, key := range b.order {
		for _, v := range b.fields[key] {
			buf.WriteString(b.spelling[key])
			buf.WriteString(": ")
			buf.WriteString(v)
			buf.WriteString("\r\n")
		}
	}
	buf.WriteString("\r\n")
	return buf.WriteTo(w)
}

func (b *Bag) String() string {
	var sb strings.Builder
	_, _ = b.WriteTo(&sb)
	return sb.String()
}

// Read parses a head up to and including the blank line. The first line is
// handed to parseStatus when it is not nil.
func Read(r *bufio.Reader, parseStatus func(string) (Status, error)) (*Bag, error) {
	b := New()
	for count := 0; ; count++ {
		line, err := readLine(r)
		if err != nil {
			return nil, err
		}
		if line == "" {
			if count == 0 && parseStatus != nil {
				return nil, fmt.Errorf("%w: empty head", ErrMalformed)
			}
			return b, nil
		}
		if count > MaxHeaderCount {
			return nil, fmt.Errorf("%w: too many header lines", ErrMalformed)
		}
		if count == 0 && parseStatus != nil {
			status, err := parseStatus(line)
			if err != nil {
				return nil, err
			}
			b.Status = status
			continue
		}
		name, value, ok := strings.Cut(line, ":")
		if !ok {
			return nil, fmt.Errorf("%w: %q: no value-separating colon", ErrMalformed, line)
		}
		if err := b.Add(name, strings.TrimSpace(value)); err != nil {
			return nil, err
		}
	}
}

func ReadRequest(r *bufio.Reader) (*Bag, error) {
	return Read(r, ParseRequestStatus)
}

func ReadResponse(r *bufio.Reader) (*Bag, error) {
	return Read(r, ParseResponseStatus)
}

func readLine(r *bufio.Reader) (string, error) {
	var line []byte
	for {
		chunk, err := r.ReadSlice('\n')
		line = append(line, chunk...)
		if len(line) > MaxLineLength {
			return "", ErrTooLong
		}
		if err == bufio.ErrBufferFull {
			continue
		}
		if err != nil {
			if err == io.EOF {
				err = io.ErrUnexpectedEOF
			}
			return "", fmt.Errorf("reading http head: %w", err)
		}
		break
	}
	if !bytes.HasSuffix(line, []byte("\r\n")) {
		return "", fmt.Errorf("%w: malformed line break", ErrMalformed)
	}
	return string(line[:len(line)-2]), nil
}
