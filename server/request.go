package server

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
)

var (
	ErrUnknownMethod    = errors.New("unknown request method")
	ErrMalformedRequest = errors.New("malformed request")
	ErrMissingHost      = errors.New("missing Host header")
	ErrConnectionClosed = errors.New("connection closed by peer")
	ErrRequestTooLarge  = errors.New("request too large")
)

// Method is one of the request verbs the server understands.
type Method int

const (
	MethodGet Method = iota
	MethodPost
	MethodHead
	MethodPut
	MethodDelete
	MethodOptions
)

var methodNames = map[string]Method{
	"GET":     MethodGet,
	"POST":    MethodPost,
	"HEAD":    MethodHead,
	"PUT":     MethodPut,
	"DELETE":  MethodDelete,
	"OPTIONS": MethodOptions,
}

// ParseMethod maps a literal verb to its Method.
func ParseMethod(s string) (Method, error) {
	m, ok := methodNames[s]
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrUnknownMethod, s)
	}
	return m, nil
}

func (m Method) String() string {
	switch m {
	case MethodGet:
		return "GET"
	case MethodPost:
		return "POST"
	case MethodHead:
		return "HEAD"
	case MethodPut:
		return "PUT"
	case MethodDelete:
		return "DELETE"
	case MethodOptions:
		return "OPTIONS"
	}
	return "Method(" + strconv.Itoa(int(m)) + ")"
}

// HeaderField is a single "Name: value" line of the header block.
type HeaderField struct {
	Name  string
	Value string
}

// Header keeps header fields in the order they were received.
type Header []HeaderField

// Get returns the first value for name, compared case-insensitively.
func (h Header) Get(name string) (string, bool) {
	for _, f := range h {
		if strings.EqualFold(f.Name, name) {
			return f.Value, true
		}
	}
	return "", false
}

// Request is an immutable view of one parsed HTTP request.
type Request struct {
	Method  Method
	Path    string
	Version string
	Host    string
	Headers Header

	// Body is everything after the header terminator.
	Body string

	// Raw is the request exactly as it was read.
	Raw string

	// Scheme ("http" or "https") and RemoteAddr are filled in by the
	// connection handler, not by ParseRequest.
	Scheme     string
	RemoteAddr string
}

func (r *Request) String() string {
	return "HTTP Request: " + r.Method.String() + " - " + r.Path
}

// ParseRequest decodes raw request bytes. The header block is scanned line by
// line until the blank line, so header order does not matter.
func ParseRequest(raw []byte) (*Request, error) {
	text := string(raw)

	head, body, _ := cutHeaderBlock(text)
	lines := strings.Split(head, "\n")

	requestLine := strings.TrimSuffix(lines[0], "\r")
	parts := strings.Split(requestLine, " ")
	if len(parts) != 3 || parts[1] == "" || parts[2] == "" {
		return nil, fmt.Errorf("%w: request line %q", ErrMalformedRequest, requestLine)
	}

	method, err := ParseMethod(parts[0])
	if err != nil {
		return nil, err
	}

	headers := make(Header, 0, len(lines)-1)
	for _, line := range lines[1:] {
		line = strings.TrimSuffix(line, "\r")
		if line == "" {
			continue
		}
		name, value, ok := strings.Cut(line, ":")
		if !ok || strings.TrimSpace(name) == "" {
			return nil, fmt.Errorf("%w: header line %q", ErrMalformedRequest, line)
		}
		headers = append(headers, HeaderField{
			Name:  strings.TrimSpace(name),
			Value: strings.TrimSpace(value),
		})
	}

	host, ok := headers.Get("Host")
	if !ok && parts[2] == "HTTP/1.1" {
		return nil, ErrMissingHost
	}

	return &Request{
		Method:  method,
		Path:    parts[1],
		Version: parts[2],
		Host:    host,
		Headers: headers,
		Body:    body,
		Raw:     text,
	}, nil
}

// cutHeaderBlock splits text at the first blank line. Both CRLF and bare LF
// line endings are accepted.
func cutHeaderBlock(text string) (head, body string, found bool) {
	crlf := strings.Index(text, "\r\n\r\n")
	lf := strings.Index(text, "\n\n")
	switch {
	case crlf >= 0 && (lf < 0 || crlf < lf):
		return text[:crlf], text[crlf+4:], true
	case lf >= 0:
		return text[:lf], text[lf+2:], true
	}
	return text, "", false
}

const readChunkSize = 4096

// readRequest reads from r until a full request is buffered: the header block
// terminator plus Content-Length body bytes. It stops early when the peer
// half-closes.
func readRequest(r io.Reader, maxSize int) ([]byte, error) {
	var buf []byte
	chunk := make([]byte, readChunkSize)
	for {
		n, err := r.Read(chunk)
		buf = append(buf, chunk[:n]...)

		if len(buf) > maxSize {
			return nil, fmt.Errorf("%w: more than %d bytes", ErrRequestTooLarge, maxSize)
		}
		complete, need, cerr := requestComplete(buf, maxSize)
		if cerr != nil {
			return nil, cerr
		}
		if complete {
			return buf[:need], nil
		}

		if err != nil {
			if len(buf) == 0 {
				if err == io.EOF {
					return nil, ErrConnectionClosed
				}
				return nil, fmt.Errorf("%w: %s", ErrConnectionClosed, err)
			}
			if err == io.EOF {
				return buf, nil
			}
			return nil, err
		}
	}
}

// requestComplete reports whether buf holds the whole header block and the
// declared body, and the length of that request. Once the header block is in,
// a Content-Length that is malformed or would push the request past maxSize
// fails with ErrRequestTooLarge without waiting for the body.
func requestComplete(buf []byte, maxSize int) (bool, int, error) {
	end, sep := bytes.Index(buf, []byte("\r\n\r\n")), 4
	if lf := bytes.Index(buf, []byte("\n\n")); lf >= 0 && (end < 0 || lf < end) {
		end, sep = lf, 2
	}
	if end < 0 {
		return false, 0, nil
	}

	headerLen := end + sep
	n, err := contentLength(buf[:end])
	if err != nil {
		return false, 0, fmt.Errorf("%w: %s", ErrRequestTooLarge, err)
	}
	if n > int64(maxSize-headerLen) {
		return false, 0, fmt.Errorf("%w: declared body of %d bytes exceeds %d", ErrRequestTooLarge, n, maxSize)
	}

	need := headerLen + int(n)
	if len(buf) < need {
		return false, 0, nil
	}
	return true, need, nil
}

// contentLength returns the declared body length, zero when there is none.
func contentLength(head []byte) (int64, error) {
	for _, line := range bytes.Split(head, []byte("\n")) {
		name, value, ok := bytes.Cut(bytes.TrimSuffix(line, []byte("\r")), []byte(":"))
		if !ok || !bytes.EqualFold(bytes.TrimSpace(name), []byte("Content-Length")) {
			continue
		}
		n, err := strconv.ParseInt(string(bytes.TrimSpace(value)), 10, 64)
		if err != nil || n < 0 {
			return 0, fmt.Errorf("invalid Content-Length %q", bytes.TrimSpace(value))
		}
		return n, nil
	}
	return 0, nil
}
