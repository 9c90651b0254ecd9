package headers

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
)

// Status is the first line of an HTTP head: a request line or a status line.
type Status interface {
	ProtoAtLeast(major, minor int) bool
	String() string
}

type RequestStatus struct {
	Method string
	URI    string
	Major  int
	Minor  int
}

func NewRequestStatus(method, uri string) *RequestStatus {
	return &RequestStatus{Method: strings.ToUpper(method), URI: strings.TrimSpace(uri), Major: 1, Minor: 1}
}

// ParseRequestStatus reads lines like "GET /chat HTTP/1.1".
func ParseRequestStatus(line string) (Status, error) {
	parts := strings.Fields(line)
	if len(parts) != 3 {
		return nil, fmt.Errorf("%w: request line %q", ErrMalformed, line)
	}
	major, minor, ok := http.ParseHTTPVersion(parts[2])
	if !ok {
		return nil, fmt.Errorf("%w: request line %q: bad protocol", ErrMalformed, line)
	}
	return &RequestStatus{Method: strings.ToUpper(parts[0]), URI: parts[1], Major: major, Minor: minor}, nil
}

func (s *RequestStatus) ProtoAtLeast(major, minor int) bool {
	return s.Major > major || (s.Major == major && s.Minor >= minor)
}

// Path is the URI without its query string.
func (s *RequestStatus) Path() string {
	if i := strings.IndexByte(s.URI, '?'); i >= 0 {
		return s.URI[:i]
	}
	return s.URI
}

func (s *RequestStatus) String() string {
	return fmt.Sprintf("%s %s HTTP/%d.%d", s.Method, s.URI, s.Major, s.Minor)
}

type ResponseStatus struct {
	Major int
	Minor int
	Code  int
	Text  string
}

// NewResponseStatus builds an HTTP/1.1 status line, filling Text from the
// standard reason phrase when empty.
func NewResponseStatus(code int, text string) *ResponseStatus {
	if text == "" {
		text = http.StatusText(code)
	}
	return &ResponseStatus{Major: 1, Minor: 1, Code: code, Text: text}
}

// ParseResponseStatus reads lines like "HTTP/1.1 101 Switching Protocols".
func ParseResponseStatus(line string) (Status, error) {
	proto, rest, _ := strings.Cut(strings.TrimSpace(line), " ")
	major, minor, ok := http.ParseHTTPVersion(proto)
	if !ok {
		return nil, fmt.Errorf("%w: status line %q: bad protocol", ErrMalformed, line)
	}
	codeText, text, _ := strings.Cut(strings.TrimLeft(rest, " "), " ")
	code, err := strconv.Atoi(codeText)
	if err != nil || code < 100 || code > 999 {
		return nil, fmt.Errorf("%w: status line %q: bad code", ErrMalformed, line)
	}
	return &ResponseStatus{Major: major, Minor: minor, Code: code, Text: strings.TrimSpace(text)}, nil
}

func (s *ResponseStatus) ProtoAtLeast(major, minor int) bool {
	return s.Major > major || (s.Major == major && s.Minor >= minor)
}

func (s *ResponseStatus) String() string {
	return fmt.Sprintf("HTTP/%d.%d %03d %s", s.Major, s.Minor, s.Code, s.Text)
}
