// Package circuit guards a server.Application with a circuit breaker.
package circuit

import (
	"context"
	"errors"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"go-httpd/server"
)

type options struct {
	name        string
	logger      *zap.Logger
	maxRequests uint32
	interval    time.Duration
	timeout     time.Duration
	tripCount   uint32
}

type Option func(*options)

// Name is used for the breaker and its named logger.
func Name(name string) Option {
	return func(o *options) { o.name = name }
}

func Logger(logger *zap.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// MaxRequests is how many requests pass while half-open.
func MaxRequests(n uint32) Option {
	return func(o *options) { o.maxRequests = n }
}

// Interval clears the failure counts periodically while closed. Zero never
// clears them.
func Interval(d time.Duration) Option {
	return func(o *options) { o.interval = d }
}

// Timeout is how long the circuit stays open before going half-open.
func Timeout(d time.Duration) Option {
	return func(o *options) { o.timeout = d }
}

// TripCount is the number of consecutive failures that opens the circuit.
func TripCount(n uint32) Option {
	return func(o *options) { o.tripCount = n }
}

// Application is a server.Application behind a circuit breaker.
type Application struct {
	next server.Application
	cb   *gobreaker.CircuitBreaker
}

// Wrap returns app guarded by a breaker. While the circuit is open requests
// fail immediately with a server.ApplicationError.
func Wrap(app server.Application, opts ...Option) *Application {
	o := &options{
		name:        "application",
		logger:      zap.NewNop(),
		tripCount:   5,
		timeout:     30 * time.Second,
		maxRequests: 1,
	}
	for _, opt := range opts {
		opt(o)
	}

	log := o.logger.Named(o.name)

	return &Application{
		next: app,
		cb: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        o.name,
			MaxRequests: o.maxRequests,
			Interval:    o.interval,
			Timeout:     o.timeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= o.tripCount
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				switch to {
				case gobreaker.StateOpen:
					log.Error("circuit has been opened")
				case gobreaker.StateHalfOpen:
					log.Warn("circuit is now half open and letting some requests through", zap.Uint32("max_requests_allowed_through", o.maxRequests))
				case gobreaker.StateClosed:
					log.Info("circuit has been closed")
				}
			},
			IsSuccessful: func(err error) bool {
				// a cancelled caller says nothing about the backend
				return err == nil || errors.Is(err, context.Canceled)
			},
		}),
	}
}

// HandleOneRequest implements server.Application.
func (a *Application) HandleOneRequest(ctx context.Context, req *server.Request) (string, error) {
	v, err := a.cb.Execute(func() (interface{}, error) {
		return a.next.HandleOneRequest(ctx, req)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return "", server.ApplicationError{Message: "circuit open", Cause: err}
		}
		return "", err
	}
	return v.(string), nil
}

// State reports the breaker state, e.g. "closed" or "open".
func (a *Application) State() string {
	return a.cb.State().String()
}
