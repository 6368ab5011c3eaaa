package main

import (
	"errors"
	"io"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"go-httpd/bridge"
	"go-httpd/circuit"
	"go-httpd/server"
	"go-httpd/upstream"
)

// buildApplication picks the backend for cfg.App: an http(s) URL proxies to
// that server, anything else is a WSGI "module:callable" run by the bridge.
// It returns a nil Application when no app is configured or the module cannot
// be found; dynamic requests then get 404.
func buildApplication(cfg *Config, log *zap.Logger) (server.Application, io.Closer, error) {
	if cfg.App == "" {
		log.Info("no application configured, serving static files only")
		return nil, nil, nil
	}

	var (
		app    server.Application
		closer io.Closer
	)
	if strings.HasPrefix(cfg.App, "http://") || strings.HasPrefix(cfg.App, "https://") {
		up, err := upstream.New(cfg.App,
			upstream.WithLogger(log.Named("upstream")),
			upstream.WithRetries(cfg.UpstreamRetries),
			upstream.WithTimeout(cfg.AppTimeout),
		)
		if err != nil {
			return nil, nil, err
		}
		app = up
		log.Info("proxying dynamic requests", zap.String("upstream", cfg.App))
	} else {
		b, err := bridge.Create(cfg.App, strconv.Itoa(cfg.Port),
			bridge.WithLogger(log.Named("bridge")),
			bridge.WithAppPath(cfg.AppPath),
			bridge.WithCommand(cfg.AppCommand),
			bridge.WithProcesses(cfg.AppProcesses),
			bridge.WithTimeout(cfg.AppTimeout),
			bridge.WithMaxRequests(cfg.AppMaxRequests),
			bridge.WithHotReload(cfg.HotReload),
		)
		if errors.Is(err, bridge.ErrAppNotFound) {
			log.Warn("application not found, dynamic requests will get 404", zap.String("app", cfg.App), zap.Error(err))
			return nil, nil, nil
		}
		if err != nil {
			return nil, nil, err
		}
		app, closer = b, b
	}

	guarded := circuit.Wrap(app,
		circuit.Name("app"),
		circuit.Logger(log),
		circuit.TripCount(uint32(cfg.CircuitTripCount)),
		circuit.Timeout(cfg.CircuitTimeout),
	)
	return guarded, closer, nil
}
