package server

import (
	"context"
	"crypto/tls"
	"errors"
	"net"
	"strconv"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultHost             = "127.0.0.1"
	DefaultPort             = 8080
	DefaultThreads          = 1
	DefaultStaticFolder     = "static"
	DefaultTLSPort          = 8443
	DefaultMaxRequestSize   = 1 << 20
	DefaultHandshakeTimeout = 10 * time.Second
)

var ErrServerClosed = errors.New("server closed")

// Config is the part of the configuration the server core consumes.
type Config struct {
	Host         string
	Port         int
	Threads      int
	StaticFolder string

	// HTTPSCert is a PKCS#12 archive. When set, a second listener serves TLS
	// on TLSPort.
	HTTPSCert    string
	CertPassword string
	TLSPort      int

	MaxRequestSize   int
	HandshakeTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		Host:             DefaultHost,
		Port:             DefaultPort,
		Threads:          DefaultThreads,
		StaticFolder:     DefaultStaticFolder,
		TLSPort:          DefaultTLSPort,
		MaxRequestSize:   DefaultMaxRequestSize,
		HandshakeTimeout: DefaultHandshakeTimeout,
	}
}

type Option func(*Server)

func WithLogger(l *zap.Logger) Option {
	return func(s *Server) {
		s.log = l
	}
}

func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(s *Server) {
		s.tp = tp
	}
}

// Server owns the plaintext listener, the optional TLS listener and the
// worker pool that handles their connections.
type Server struct {
	cfg     Config
	log     *zap.Logger
	tp      trace.TracerProvider
	pool    *WorkerPool
	routes  *RouteTable
	metrics *Metrics
	handler *connHandler

	tlsConfig *tls.Config

	mu     sync.Mutex
	ln     net.Listener
	tlsLn  net.Listener
	closed bool

	done     chan struct{}
	stopOnce sync.Once
}

// NewServer starts the worker pool, registers cfg.StaticFolder and, when
// cfg.HTTPSCert is set, loads the TLS identity. app may be nil.
func NewServer(cfg Config, app Application, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:     cfg,
		log:     zap.NewNop(),
		tp:      otel.GetTracerProvider(),
		routes:  NewRouteTable(),
		metrics: NewMetrics(),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.cfg.MaxRequestSize <= 0 {
		s.cfg.MaxRequestSize = DefaultMaxRequestSize
	}
	if s.cfg.HandshakeTimeout <= 0 {
		s.cfg.HandshakeTimeout = DefaultHandshakeTimeout
	}

	if cfg.HTTPSCert != "" {
		password, err := ResolvePassword(cfg.CertPassword)
		if err != nil {
			return nil, IdentityError{Path: cfg.HTTPSCert, Cause: err}
		}
		cert, err := LoadIdentity(cfg.HTTPSCert, password)
		if err != nil {
			return nil, err
		}
		s.tlsConfig = newTLSConfig(cert)
	}

	if cfg.StaticFolder != "" {
		if err := s.routes.Register(cfg.StaticFolder); err != nil {
			s.log.Warn("static folder not registered", zap.String("folder", cfg.StaticFolder), zap.Error(err))
		}
	}

	pool, err := NewWorkerPool(cfg.Threads, WithPoolLogger(s.log))
	if err != nil {
		return nil, err
	}
	s.pool = pool

	s.handler = &connHandler{
		routes:  s.routes,
		app:     app,
		log:     s.log,
		tracer:  s.tp.Tracer("go-httpd/server"),
		metrics: s.metrics,
		maxSize: s.cfg.MaxRequestSize,
	}
	return s, nil
}

// ServeDirectory adds another folder to the route table. It must be called
// before Serve.
func (s *Server) ServeDirectory(dir string) error {
	if err := s.routes.Register(dir); err != nil {
		return err
	}
	s.log.Debug("registered directory", zap.String("dir", dir), zap.Int("routes", s.routes.Len()))
	return nil
}

// Listen binds the plaintext listener and, with TLS configured, the TLS
// listener. Calling it again after a successful bind does nothing.
func (s *Server) Listen() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrServerClosed
	}
	if s.ln != nil {
		return nil
	}

	addr := net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return ListenError{Addr: addr, Cause: err}
	}

	if s.tlsConfig != nil {
		tlsAddr := net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.TLSPort))
		tlsLn, err := net.Listen("tcp", tlsAddr)
		if err != nil {
			ln.Close()
			return ListenError{Addr: tlsAddr, Cause: err}
		}
		s.tlsLn = tlsLn
		s.log.Info("listening", zap.String("scheme", "https"), zap.Stringer("addr", tlsLn.Addr()))
	}

	s.ln = ln
	s.log.Info("listening", zap.String("scheme", "http"), zap.Stringer("addr", ln.Addr()))
	return nil
}

// Serve runs the accept loops until ctx is cancelled or Close is called. The
// plaintext loop runs on the calling goroutine.
func (s *Server) Serve(ctx context.Context) error {
	if err := s.Listen(); err != nil {
		return err
	}

	var g errgroup.Group
	g.Go(func() error {
		select {
		case <-ctx.Done():
		case <-s.done:
		}
		s.stop()
		return nil
	})

	if s.tlsLn != nil {
		exec := s.pool.Executor()
		g.Go(func() error {
			return s.acceptLoop(s.tlsLn, "https", exec.Execute, s.handshake)
		})
	}

	err := s.acceptLoop(s.ln, "http", s.pool.Execute, func(c net.Conn) (Stream, error) {
		return NewPlainStream(c), nil
	})
	s.stop()
	if werr := g.Wait(); err == nil {
		err = werr
	}
	return err
}

func (s *Server) ListenAndServe(ctx context.Context) error {
	if err := s.Listen(); err != nil {
		return err
	}
	return s.Serve(ctx)
}

func (s *Server) acceptLoop(ln net.Listener, scheme string, submit func(Job) error, wrap func(net.Conn) (Stream, error)) error {
	var delay time.Duration
	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			delay = backoff(delay)
			s.log.Error("accept failed",
				zap.String("scheme", scheme),
				zap.Duration("retry_in", delay),
				zap.Error(err),
			)
			select {
			case <-time.After(delay):
			case <-s.done:
				return nil
			}
			continue
		}
		delay = 0

		stream, err := wrap(conn)
		if err != nil {
			s.log.Warn("handshake failed",
				zap.String("scheme", scheme),
				zap.Stringer("remote_addr", conn.RemoteAddr()),
				zap.Error(err),
			)
			conn.Close()
			continue
		}

		err = submit(func() {
			s.handler.handle(stream, scheme)
		})
		if err != nil {
			s.log.Error("dropping connection", zap.String("scheme", scheme), zap.Error(err))
			stream.Close()
		}
	}
}

// backoff doubles the accept retry delay from 5ms up to one second.
func backoff(d time.Duration) time.Duration {
	if d == 0 {
		return 5 * time.Millisecond
	}
	d *= 2
	if d > time.Second {
		d = time.Second
	}
	return d
}

func (s *Server) handshake(conn net.Conn) (Stream, error) {
	tc := tls.Server(conn, s.tlsConfig)

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.HandshakeTimeout)
	defer cancel()
	if err := tc.HandshakeContext(ctx); err != nil {
		return nil, err
	}
	return NewTLSStream(tc), nil
}

// stop closes both listeners once, which makes the accept loops return.
func (s *Server) stop() {
	s.stopOnce.Do(func() {
		close(s.done)

		s.mu.Lock()
		defer s.mu.Unlock()
		s.closed = true
		if s.ln != nil {
			if err := s.ln.Close(); err != nil {
				s.log.Warn("closing listener", zap.Error(err))
			}
		}
		if s.tlsLn != nil {
			if err := s.tlsLn.Close(); err != nil {
				s.log.Warn("closing TLS listener", zap.Error(err))
			}
		}
	})
}

// Close stops accepting connections and shuts the worker pool down. Jobs
// already queued run to completion first.
func (s *Server) Close() error {
	s.stop()
	s.pool.Shutdown()
	return nil
}

// Addr is the bound plaintext address, or nil before Listen.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// TLSAddr is the bound TLS address, or nil when TLS is off.
func (s *Server) TLSAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tlsLn == nil {
		return nil
	}
	return s.tlsLn.Addr()
}

func (s *Server) Routes() *RouteTable { return s.routes }

func (s *Server) Metrics() *Metrics { return s.metrics }

func (s *Server) PoolStats() PoolStats { return s.pool.Stats() }
