package server

import (
	"context"
	"errors"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// connHandler drives one connection from read to close. It holds only
// read-only state and is shared by every worker.
type connHandler struct {
	routes  *RouteTable
	app     Application
	log     *zap.Logger
	tracer  trace.Tracer
	metrics *Metrics
	maxSize int
}

// outcome is what the responding phase produced.
type outcome struct {
	payload []byte
	status  int
	route   string
	failed  bool
}

func (h *connHandler) handle(stream Stream, scheme string) {
	defer stream.Close()

	start := time.Now()
	id := uuid.NewString()
	log := h.log.With(
		zap.String("id", id),
		zap.String("scheme", scheme),
		zap.Stringer("remote_addr", stream.RemoteAddr()),
	)

	ctx, span := h.tracer.Start(context.Background(), "connection",
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			attribute.String("request.id", id),
			attribute.String("net.scheme", scheme),
		),
	)
	defer span.End()

	h.metrics.StartRequest()

	raw, err := readRequest(stream, h.maxSize)
	if err != nil {
		span.RecordError(err)
		if errors.Is(err, ErrRequestTooLarge) {
			log.Warn("rejecting request", zap.Error(err))
			h.finish(log, stream, outcome{payload: ServerError().Bytes(), status: 500, failed: true}, nil, start)
			return
		}
		if errors.Is(err, ErrConnectionClosed) {
			log.Debug("connection closed before request", zap.Error(err))
		} else {
			log.Error("failed to read request", zap.Error(err))
		}
		h.metrics.EndRequest("", time.Since(start), true)
		return
	}

	req, err := ParseRequest(raw)
	if err != nil {
		span.RecordError(err)
		log.Warn("failed to parse request", zap.Error(err))
		h.finish(log, stream, outcome{payload: ServerError().Bytes(), status: 500, failed: true}, nil, start)
		return
	}
	req.Scheme = scheme
	if addr := stream.RemoteAddr(); addr != nil {
		req.RemoteAddr = addr.String()
	}
	span.SetAttributes(
		semconv.HTTPMethod(req.Method.String()),
		attribute.String("http.target", req.Path),
	)

	if err := stream.CloseRead(); err != nil {
		span.RecordError(err)
		log.Error("failed to close read side", zap.Error(err))
		h.metrics.EndRequest("", time.Since(start), true)
		return
	}

	out := h.respond(ctx, log, req)
	span.SetAttributes(semconv.HTTPStatusCode(out.status))
	if out.failed {
		span.SetStatus(codes.Error, "request failed")
	}
	h.finish(log, stream, out, req, start)
}

// respond resolves req against the route table first and the application
// second.
func (h *connHandler) respond(ctx context.Context, log *zap.Logger, req *Request) outcome {
	if file, ok := h.routes.Lookup(req.Path); ok {
		body, err := os.ReadFile(file)
		if err != nil {
			log.Error("failed to read static file", zap.String("file", file), zap.Error(err))
			return outcome{payload: ServerError().Bytes(), status: 500, route: req.Path, failed: true}
		}
		return outcome{payload: StaticFile(file, body).Bytes(), status: 200, route: req.Path}
	}

	if h.app == nil {
		return outcome{payload: NotFound().Bytes(), status: 404, route: RouteNotFound}
	}

	text, err := h.app.HandleOneRequest(ctx, req)
	if err != nil {
		log.Error("application failed", zap.Stringer("request", req), zap.Error(err))
		return outcome{payload: ServerError().Bytes(), status: 500, route: RouteApp, failed: true}
	}
	return outcome{payload: []byte(text), status: statusOf(text), route: RouteApp}
}

// finish writes the payload, closes the write side and records the request.
func (h *connHandler) finish(log *zap.Logger, stream Stream, out outcome, req *Request, start time.Time) {
	if _, err := stream.Write(out.payload); err != nil {
		log.Error("failed to write response", zap.Error(err))
		out.failed = true
	}
	if err := stream.CloseWrite(); err != nil {
		log.Error("failed to close write side", zap.Error(err))
	}

	elapsed := time.Since(start)
	h.metrics.EndRequest(out.route, elapsed, out.failed)

	fields := []zap.Field{
		zap.Int("status", out.status),
		zap.Duration("duration", elapsed),
	}
	if req != nil {
		fields = append(fields,
			zap.String("method", req.Method.String()),
			zap.String("path", req.Path),
		)
	}
	log.Info("request", fields...)
}

// statusOf reads the status code from the status line of a response text.
// Zero means the text does not start with a status line.
func statusOf(text string) int {
	line, _, _ := strings.Cut(text, "\n")
	parts := strings.Fields(line)
	if len(parts) < 2 || !strings.HasPrefix(parts[0], "HTTP/") {
		return 0
	}
	code, err := strconv.Atoi(parts[1])
	if err != nil {
		return 0
	}
	return code
}
