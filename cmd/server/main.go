package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"go-httpd/server"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

// newLogger builds the process logger. verbosity 0 logs at info, anything
// higher at debug.
func newLogger(verbosity int, json bool) (*zap.Logger, error) {
	cfg := zap.NewDevelopmentConfig()
	if json {
		cfg = zap.NewProductionConfig()
	}
	cfg.Level = zap.NewAtomicLevelAt(zapcore.InfoLevel)
	if verbosity > 0 {
		cfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	}
	return cfg.Build()
}

func newRootCmd() *cobra.Command {
	var (
		configFile string
		verbosity  int
	)

	cmd := &cobra.Command{
		Use:           "go-httpd [DIRECTORY]...",
		Short:         "Serve static directories and delegate everything else to an application",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := cmd.Flags()
	flags.StringVar(&configFile, "config", "", "config file (default ./config.json, ./config.yaml, ...)")
	flags.CountVarP(&verbosity, "verbose", "v", "more logging (-v for debug)")
	flags.String("host", server.DefaultHost, "address to bind")
	flags.Int("port", server.DefaultPort, "plaintext port")
	flags.IntP("threads", "t", server.DefaultThreads, "number of worker goroutines")
	flags.String("static", server.DefaultStaticFolder, "static folder served under /<folder name>/")
	flags.String("https-cert", "", "PKCS#12 certificate; enables TLS")
	flags.Int("tls-port", server.DefaultTLSPort, "TLS port when https-cert is set; the fixed 8443 unless overridden")
	flags.String("cert-password", "", "certificate password (env "+server.PasswordEnv+" wins)")
	flags.String("app", "", "application: module:callable or an http(s) upstream URL")
	flags.String("app-path", "", "directory searched for the application module (default cwd)")
	flags.Bool("hot-reload", false, "restart application processes when app-path changes")
	flags.Bool("trace", false, "print trace spans to stdout")
	flags.Bool("log-json", false, "log in JSON")

	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		v := newViper(configFile)
		for key, flag := range map[string]string{
			"host":          "host",
			"port":          "port",
			"threads":       "threads",
			"static_folder": "static",
			"https_cert":    "https-cert",
			"cert_password": "cert-password",
			"tls_port":      "tls-port",
			"app":           "app",
			"app_path":      "app-path",
			"hot_reload":    "hot-reload",
			"trace":         "trace",
			"log_json":      "log-json",
		} {
			if err := v.BindPFlag(key, cmd.Flags().Lookup(flag)); err != nil {
				return err
			}
		}

		// bootstrap logger from flags and env; the file may still switch format
		logJSON := v.GetBool("log_json")
		log, err := newLogger(verbosity, logJSON)
		if err != nil {
			return err
		}

		cfg, err := loadConfig(v, configFile != "", log)
		if err != nil {
			log.Error("failed to load config", zap.Error(err))
			return err
		}
		if cfg.LogJSON != logJSON {
			log.Sync()
			if log, err = newLogger(verbosity, cfg.LogJSON); err != nil {
				return err
			}
		}
		defer log.Sync()

		if err := run(cmd.Context(), cfg, args, log, cmd.OutOrStdout()); err != nil {
			log.Error("server stopped", zap.Error(err))
			return err
		}
		return nil
	}
	return cmd
}

// run serves until ctx is cancelled.
func run(ctx context.Context, cfg *Config, dirs []string, log *zap.Logger, traceOut io.Writer) error {
	tp, shutdownTracing, err := initTracing(cfg.Trace, traceOut)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() {
		if err := shutdownTracing(context.Background()); err != nil {
			log.Warn("tracer shutdown", zap.Error(err))
		}
	}()

	srv, closeApp, err := newServer(cfg, dirs, log, tp)
	if err != nil {
		return err
	}
	defer closeApp()
	defer srv.Close()

	log.Info("go-httpd starting",
		zap.String("host", cfg.Host),
		zap.Int("port", cfg.Port),
		zap.Int("threads", cfg.Threads),
		zap.Bool("tls", cfg.HTTPSCert != ""),
		zap.String("app", cfg.App),
		zap.Int("routes", srv.Routes().Len()),
	)
	for _, p := range srv.Routes().Paths() {
		log.Debug("static route", zap.String("path", p))
	}

	err = srv.ListenAndServe(ctx)

	log.Info("shutting down", zap.Any("metrics", srv.Metrics().Snapshot()))
	return err
}

// newServer builds the application backend and the server. The returned func
// releases the backend and must run after the server is closed.
func newServer(cfg *Config, dirs []string, log *zap.Logger, tp trace.TracerProvider) (*server.Server, func(), error) {
	app, closer, err := buildApplication(cfg, log)
	if err != nil {
		return nil, nil, err
	}
	closeApp := func() {
		if closer == nil {
			return
		}
		if err := closer.Close(); err != nil {
			log.Warn("closing application", zap.Error(err))
		}
	}

	srv, err := server.NewServer(cfg.serverConfig(), app,
		server.WithLogger(log),
		server.WithTracerProvider(tp),
	)
	if err != nil {
		closeApp()
		return nil, nil, err
	}

	for _, dir := range dirs {
		if err := srv.ServeDirectory(dir); err != nil {
			srv.Close()
			closeApp()
			return nil, nil, err
		}
	}
	return srv, closeApp, nil
}
