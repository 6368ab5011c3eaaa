// Package upstream forwards dynamic requests to another HTTP server.
package upstream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"

	"go-httpd/server"
)

var ErrInvalidBase = errors.New("upstream base must be an absolute http or https URL")

// maxBodySize bounds the upstream response body kept in memory.
const maxBodySize = 32 << 20

// hop-by-hop headers are never forwarded in either direction
var hopHeaders = map[string]bool{
	"Connection":        true,
	"Keep-Alive":        true,
	"Proxy-Connection":  true,
	"Transfer-Encoding": true,
	"Upgrade":           true,
	"Te":                true,
	"Trailer":           true,
	"Content-Length":    true,
	"Host":              true,
}

type options struct {
	log       *zap.Logger
	retries   int
	timeout   time.Duration
	transport http.RoundTripper
}

type Option func(*options)

func WithLogger(l *zap.Logger) Option {
	return func(o *options) { o.log = l }
}

// WithRetries sets how many times a failed request is retried.
func WithRetries(n int) Option {
	return func(o *options) { o.retries = n }
}

func WithTimeout(d time.Duration) Option {
	return func(o *options) { o.timeout = d }
}

func WithTransport(rt http.RoundTripper) Option {
	return func(o *options) { o.transport = rt }
}

// Application implements server.Application by proxying to base.
type Application struct {
	base   string
	client *http.Client
	log    *zap.Logger
}

func New(base string, opts ...Option) (*Application, error) {
	u, err := url.Parse(base)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("%w: %q", ErrInvalidBase, base)
	}

	o := options{
		log:       zap.NewNop(),
		timeout:   30 * time.Second,
		transport: http.DefaultTransport,
	}
	for _, opt := range opts {
		opt(&o)
	}

	log := o.log
	rc := retryablehttp.Client{
		HTTPClient: &http.Client{
			Timeout:   o.timeout,
			Transport: o.transport,
			// redirects go back to the client as is
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		Logger:       nil,
		RetryWaitMin: 100 * time.Millisecond,
		RetryWaitMax: 2 * time.Second,
		RetryMax:     o.retries,
		RequestLogHook: func(_ retryablehttp.Logger, req *http.Request, attempt int) {
			log.Debug("sending upstream request", zap.String("url", req.URL.String()), zap.Int("request_attempt_count", attempt))
		},
		ResponseLogHook: func(_ retryablehttp.Logger, resp *http.Response) {
			log.Debug("received upstream response", zap.String("url", resp.Request.URL.String()), zap.Int("http_status_code", resp.StatusCode))
		},
		CheckRetry:   retryablehttp.DefaultRetryPolicy,
		Backoff:      retryablehttp.DefaultBackoff,
		ErrorHandler: retryablehttp.PassthroughErrorHandler,
	}

	return &Application{
		base:   strings.TrimSuffix(u.String(), "/"),
		client: rc.StandardClient(),
		log:    log,
	}, nil
}

// HandleOneRequest implements server.Application.
func (a *Application) HandleOneRequest(ctx context.Context, req *server.Request) (string, error) {
	httpReq, err := http.NewRequestWithContext(ctx, req.Method.String(), a.base+req.Path, strings.NewReader(req.Body))
	if err != nil {
		return "", server.ApplicationError{Message: "invalid upstream request", Cause: err}
	}

	for _, f := range req.Headers {
		if hopHeaders[http.CanonicalHeaderKey(f.Name)] {
			continue
		}
		httpReq.Header.Add(f.Name, f.Value)
	}
	if req.Host != "" {
		httpReq.Host = req.Host
	}
	if httpReq.Header.Get("X-Request-Id") == "" {
		httpReq.Header.Set("X-Request-Id", uuid.NewString())
	}
	if ip, _, err := net.SplitHostPort(req.RemoteAddr); err == nil && ip != "" {
		if prior := httpReq.Header.Get("X-Forwarded-For"); prior != "" {
			ip = prior + ", " + ip
		}
		httpReq.Header.Set("X-Forwarded-For", ip)
	}

	resp, err := a.client.Do(httpReq)
	if err != nil {
		return "", server.ApplicationError{Message: "upstream request failed", Cause: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return "", server.ApplicationError{Message: "reading upstream response", Cause: err}
	}

	names := make([]string, 0, len(resp.Header))
	for name := range resp.Header {
		if !hopHeaders[name] {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	var headers server.Header
	for _, name := range names {
		for _, v := range resp.Header[name] {
			headers = append(headers, server.HeaderField{Name: name, Value: v})
		}
	}
	reason := strings.TrimPrefix(resp.Status, strconv.Itoa(resp.StatusCode)+" ")

	a.log.Debug("upstream responded",
		zap.String("id", httpReq.Header.Get("X-Request-Id")),
		zap.Int("status", resp.StatusCode),
		zap.Int("bytes", len(body)),
	)
	return server.FormatRaw(resp.StatusCode, reason, headers, string(body)), nil
}
