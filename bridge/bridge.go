// Package bridge runs a Python WSGI application in a pool of interpreter
// processes and exposes it as a server.Application.
package bridge

import (
	"bytes"
	"context"
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"go-httpd/server"
)

//go:embed wsgi_bridge.py
var bridgeScript []byte

const scriptName = "wsgi_bridge.py"

var ErrAppNotFound = errors.New("application not found")

type options struct {
	appPath     string
	command     string
	processes   int
	timeout     time.Duration
	maxRequests int
	hotReload   bool
	scriptDir   string
	log         *zap.Logger
}

type Option func(*options)

func WithLogger(l *zap.Logger) Option {
	return func(o *options) { o.log = l }
}

// WithAppPath sets the directory searched for the application module.
func WithAppPath(dir string) Option {
	return func(o *options) { o.appPath = dir }
}

// WithCommand sets the interpreter command line, e.g. "python3" or
// "uv run python".
func WithCommand(cmd string) Option {
	return func(o *options) { o.command = cmd }
}

func WithProcesses(n int) Option {
	return func(o *options) { o.processes = n }
}

func WithTimeout(d time.Duration) Option {
	return func(o *options) { o.timeout = d }
}

// WithMaxRequests recycles a process after n requests. Zero means never.
func WithMaxRequests(n int) Option {
	return func(o *options) { o.maxRequests = n }
}

func WithHotReload(enabled bool) Option {
	return func(o *options) { o.hotReload = enabled }
}

// WithScriptDir sets where the bridge script is written.
func WithScriptDir(dir string) Option {
	return func(o *options) { o.scriptDir = dir }
}

// Bridge forwards requests to a WSGI callable.
type Bridge struct {
	pool     *ProcessPool
	reloader *Reloader
	port     string
	log      *zap.Logger
}

// Create locates the module named by identifier ("module:callable") under the
// app path and starts the interpreter processes. It returns ErrAppNotFound
// when identifier is empty or malformed or the module cannot be found.
func Create(identifier, port string, opts ...Option) (*Bridge, error) {
	o := options{
		command:   "python3",
		processes: 1,
		timeout:   30 * time.Second,
		log:       zap.NewNop(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.appPath == "" {
		wd, err := os.Getwd()
		if err != nil {
			return nil, err
		}
		o.appPath = wd
	}
	if o.processes <= 0 {
		o.processes = 1
	}

	module, callable, ok := strings.Cut(identifier, ":")
	if !ok || module == "" || callable == "" {
		return nil, fmt.Errorf("%w: identifier %q is not module:callable", ErrAppNotFound, identifier)
	}

	dir, err := locateModule(o.appPath, module)
	if err != nil {
		return nil, err
	}

	script, err := writeScript(o.scriptDir)
	if err != nil {
		return nil, fmt.Errorf("write bridge script: %w", err)
	}

	command := append(strings.Fields(o.command), script, identifier)
	pool, err := NewPool(o.processes, processConfig{
		command:     command,
		dir:         dir,
		maxRequests: o.maxRequests,
		timeout:     o.timeout,
		log:         o.log,
	})
	if err != nil {
		return nil, err
	}

	b := &Bridge{pool: pool, port: port, log: o.log}
	if o.hotReload {
		r, err := Watch(o.appPath, pool, o.log)
		if err != nil {
			o.log.Warn("hot reload disabled", zap.Error(err))
		} else {
			b.reloader = r
		}
	}

	o.log.Info("application bridge started",
		zap.String("app", identifier),
		zap.String("dir", dir),
		zap.Int("processes", o.processes),
	)
	return b, nil
}

// locateModule returns the directory of the first non-hidden file under root
// whose name without extension is module.
func locateModule(root, module string) (string, error) {
	var found string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			// unreadable entries are skipped
			return nil
		}
		if path != root && isHidden(d.Name()) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		name := d.Name()
		if strings.TrimSuffix(name, filepath.Ext(name)) == module {
			found = filepath.Dir(path)
			return fs.SkipAll
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	if found == "" {
		return "", fmt.Errorf("%w: no module %q under %s", ErrAppNotFound, module, root)
	}
	return found, nil
}

// writeScript writes the embedded bridge script into dir, leaving an
// identical existing copy alone.
func writeScript(dir string) (string, error) {
	if dir == "" {
		cache, err := os.UserCacheDir()
		if err != nil {
			cache = os.TempDir()
		}
		dir = filepath.Join(cache, "go-httpd")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}

	path := filepath.Join(dir, scriptName)
	if existing, err := os.ReadFile(path); err == nil && bytes.Equal(existing, bridgeScript) {
		return path, nil
	}
	if err := os.WriteFile(path, bridgeScript, 0o644); err != nil {
		return "", err
	}
	return path, nil
}

// HandleOneRequest implements server.Application.
func (b *Bridge) HandleOneRequest(ctx context.Context, req *server.Request) (string, error) {
	payload := b.buildPayload(req)

	resp, err := b.pool.Dispatch(ctx, payload)
	if err != nil {
		return "", server.ApplicationError{Message: "bridge dispatch failed", Cause: err}
	}
	if resp.Error != "" {
		b.log.Debug("application raised", zap.String("id", payload.ID), zap.String("traceback", resp.Error))
		return "", server.ApplicationError{Message: lastLine(resp.Error)}
	}

	status := resp.Status
	if status == 0 {
		status = 200
	}
	headers := make(server.Header, 0, len(resp.Headers))
	for _, h := range resp.Headers {
		headers = append(headers, server.HeaderField{Name: h[0], Value: h[1]})
	}
	return server.FormatRaw(status, resp.Reason, headers, resp.Body), nil
}

func (b *Bridge) buildPayload(req *server.Request) *RequestPayload {
	headers := make(map[string][]string, len(req.Headers)+2)
	for _, f := range req.Headers {
		headers[f.Name] = append(headers[f.Name], f.Value)
	}

	// add or extend X-Forwarded-For with the direct client IP
	if ip, _, err := net.SplitHostPort(req.RemoteAddr); err == nil && ip != "" {
		if existing, ok := headers["X-Forwarded-For"]; ok && len(existing) > 0 {
			headers["X-Forwarded-For"] = []string{existing[0] + ", " + ip}
		} else {
			headers["X-Forwarded-For"] = []string{ip}
		}
	}

	id, ok := req.Headers.Get("X-Request-Id")
	if !ok {
		id = uuid.NewString()
		headers["X-Request-Id"] = []string{id}
	}

	path, query, _ := strings.Cut(req.Path, "?")
	scheme := req.Scheme
	if scheme == "" {
		scheme = "http"
	}
	return &RequestPayload{
		ID:         id,
		Method:     req.Method.String(),
		Path:       path,
		Query:      query,
		Host:       req.Host,
		Port:       b.port,
		Scheme:     scheme,
		RemoteAddr: req.RemoteAddr,
		Headers:    headers,
		Body:       req.Body,
	}
}

func lastLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		// a traceback ends with the exception line
		return strings.TrimSpace(s[i+1:])
	}
	return s
}

func (b *Bridge) Stats() PoolStats {
	return b.pool.Stats()
}

// Close stops hot reload and kills the processes.
func (b *Bridge) Close() error {
	if b.reloader != nil {
		b.reloader.Close()
	}
	return b.pool.Close()
}
