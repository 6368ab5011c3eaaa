package server

import (
	"errors"
	"mime"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// ServerName is sent in the Server header of every response.
const ServerName = "go-httpd"

const httpVersion = "HTTP/1.1"

// RFC 2822 date layout used for the Date header.
const dateLayout = "Mon, 02 Jan 2006 15:04:05 -0700"

const (
	NotFoundBody    = "<html><body><h1>Page Not Found</h1></body></html>"
	ServerErrorBody = "<html><body><h1>500: Internal server error</h1></body></html>"
)

var ErrBinaryBody = errors.New("response has a binary body")

// Status is the kind of response being sent.
type Status int

const (
	StatusOK Status = iota
	StatusRedirection
	StatusNotFound
	StatusServerError
)

// Code returns the numeric HTTP status code.
func (s Status) Code() int {
	switch s {
	case StatusOK:
		return 200
	case StatusRedirection:
		return 300
	case StatusNotFound:
		return 404
	default:
		return 500
	}
}

func (s Status) Reason() string {
	return reasonPhrase(s.Code())
}

func reasonPhrase(code int) string {
	switch code {
	case 200:
		return "OK"
	case 201:
		return "Created"
	case 204:
		return "No Content"
	case 300:
		return "Multiple Choices"
	case 301:
		return "Moved Permanently"
	case 302:
		return "Found"
	case 304:
		return "Not Modified"
	case 400:
		return "Bad Request"
	case 401:
		return "Unauthorized"
	case 403:
		return "Forbidden"
	case 404:
		return "Not Found"
	case 405:
		return "Method Not Allowed"
	case 500:
		return "Internal Server Error"
	case 502:
		return "Bad Gateway"
	case 503:
		return "Service Unavailable"
	case 504:
		return "Gateway Timeout"
	}
	return "Status " + strconv.Itoa(code)
}

// Response is an outbound response. Exactly one of the text or binary body is
// set once a constructor returns.
type Response struct {
	status  Status
	headers []string
	text    string
	binary  []byte
	isFile  bool
}

func newResponse(status Status) *Response {
	r := &Response{status: status}
	r.headers = append(r.headers,
		httpVersion+" "+strconv.Itoa(status.Code())+" "+status.Reason(),
		"Date: "+time.Now().Format(dateLayout),
		"Server: "+ServerName,
	)
	return r
}

// HTTPOk returns a 200 response with a text body.
func HTTPOk(body string) *Response {
	r := newResponse(StatusOK)
	r.text = body
	return r
}

// HTTPOkFile returns a 200 response carrying raw file bytes.
func HTTPOkFile(body []byte) *Response {
	r := newResponse(StatusOK)
	r.binary = body
	r.isFile = true
	return r
}

// StaticFile is HTTPOkFile plus Content-Type and Content-Length headers derived
// from name and body.
func StaticFile(name string, body []byte) *Response {
	ctype := mime.TypeByExtension(filepath.Ext(name))
	if ctype == "" {
		ctype = "application/octet-stream"
	}
	r := HTTPOkFile(body)
	r.AddHeader("Content-Type: " + ctype)
	r.AddHeader("Content-Length: " + strconv.Itoa(len(body)))
	return r
}

func NotFound() *Response {
	r := newResponse(StatusNotFound)
	r.text = NotFoundBody
	return r
}

func ServerError() *Response {
	r := newResponse(StatusServerError)
	r.text = ServerErrorBody
	return r
}

// AddHeader appends a full header line such as "Content-Type: text/html".
func (r *Response) AddHeader(line string) {
	r.headers = append(r.headers, line)
}

func (r *Response) Status() Status { return r.status }

func (r *Response) Code() int { return r.status.Code() }

// Headers returns the header lines, status line first.
func (r *Response) Headers() []string {
	out := make([]string, len(r.headers))
	copy(out, r.headers)
	return out
}

func (r *Response) head() string {
	return strings.Join(r.headers, "\r\n") + "\r\n\r\n"
}

// Bytes serializes the header block followed by the raw body.
func (r *Response) Bytes() []byte {
	head := r.head()
	body := r.binary
	if !r.isFile {
		body = []byte(r.text)
	}
	out := make([]byte, 0, len(head)+len(body))
	out = append(out, head...)
	return append(out, body...)
}

// Text serializes a text response. File responses return ErrBinaryBody.
func (r *Response) Text() (string, error) {
	if r.isFile {
		return "", ErrBinaryBody
	}
	return r.head() + r.text, nil
}

// FormatRaw renders a complete HTTP/1.1 response text. An empty reason uses
// the standard phrase for code. Headers are written in order, repeats
// included; Date and Server are added unless headers already carry them.
func FormatRaw(code int, reason string, headers Header, body string) string {
	if reason == "" {
		reason = reasonPhrase(code)
	}

	var b strings.Builder
	b.WriteString(httpVersion + " " + strconv.Itoa(code) + " " + reason + "\r\n")

	if _, ok := headers.Get("Date"); !ok {
		b.WriteString("Date: " + time.Now().Format(dateLayout) + "\r\n")
	}
	if _, ok := headers.Get("Server"); !ok {
		b.WriteString("Server: " + ServerName + "\r\n")
	}
	for _, f := range headers {
		b.WriteString(f.Name + ": " + f.Value + "\r\n")
	}
	if _, ok := headers.Get("Content-Length"); !ok {
		b.WriteString("Content-Length: " + strconv.Itoa(len(body)) + "\r\n")
	}

	b.WriteString("\r\n")
	b.WriteString(body)
	return b.String()
}
