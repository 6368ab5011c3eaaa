package main

import (
	"errors"
	"math"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/zap"

	"go-httpd/server"
)

const envPrefix = "HTTPD"

type Config struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	Threads      int    `mapstructure:"threads"`
	StaticFolder string `mapstructure:"static_folder"`

	HTTPSCert    string `mapstructure:"https_cert"`
	CertPassword string `mapstructure:"cert_password"`
	TLSPort      int    `mapstructure:"tls_port"`

	App            string        `mapstructure:"app"`
	AppPath        string        `mapstructure:"app_path"`
	AppCommand     string        `mapstructure:"app_command"`
	AppProcesses   int           `mapstructure:"app_processes"`
	AppTimeout     time.Duration `mapstructure:"app_timeout"`
	AppMaxRequests int           `mapstructure:"app_max_requests"`
	HotReload      bool          `mapstructure:"hot_reload"`

	UpstreamRetries  int           `mapstructure:"upstream_retries"`
	CircuitTripCount int           `mapstructure:"circuit_trip_count"`
	CircuitTimeout   time.Duration `mapstructure:"circuit_timeout"`

	MaxRequestSize   int           `mapstructure:"max_request_size"`
	HandshakeTimeout time.Duration `mapstructure:"handshake_timeout"`

	Trace   bool `mapstructure:"trace"`
	LogJSON bool `mapstructure:"log_json"`
}

// defaultConfig returns the values used when a key is missing or invalid.
func defaultConfig() Config {
	return Config{
		Host:             server.DefaultHost,
		Port:             server.DefaultPort,
		Threads:          server.DefaultThreads,
		StaticFolder:     server.DefaultStaticFolder,
		TLSPort:          server.DefaultTLSPort,
		AppCommand:       "python3",
		AppProcesses:     1,
		AppTimeout:       30 * time.Second,
		CircuitTripCount: 5,
		CircuitTimeout:   30 * time.Second,
		MaxRequestSize:   server.DefaultMaxRequestSize,
		HandshakeTimeout: server.DefaultHandshakeTimeout,
	}
}

func setDefaults(v *viper.Viper) {
	def := defaultConfig()
	v.SetDefault("host", def.Host)
	v.SetDefault("port", def.Port)
	v.SetDefault("threads", def.Threads)
	v.SetDefault("static_folder", def.StaticFolder)
	v.SetDefault("https_cert", "")
	v.SetDefault("cert_password", "")
	v.SetDefault("tls_port", def.TLSPort)
	v.SetDefault("app", "")
	v.SetDefault("app_path", "")
	v.SetDefault("app_command", def.AppCommand)
	v.SetDefault("app_processes", def.AppProcesses)
	v.SetDefault("app_timeout", def.AppTimeout)
	v.SetDefault("app_max_requests", 0)
	v.SetDefault("hot_reload", false)
	v.SetDefault("upstream_retries", 0)
	v.SetDefault("circuit_trip_count", def.CircuitTripCount)
	v.SetDefault("circuit_timeout", def.CircuitTimeout)
	v.SetDefault("max_request_size", def.MaxRequestSize)
	v.SetDefault("handshake_timeout", def.HandshakeTimeout)
	v.SetDefault("trace", false)
	v.SetDefault("log_json", false)
}

// newViper returns a viper instance reading HTTPD_* environment variables and,
// when path is empty, config.* from the working directory.
func newViper(path string) *viper.Viper {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(envPrefix)
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".")
	}
	return v
}

// loadConfig reads the config file (if any) and applies per-key validation,
// replacing invalid values with defaults. explicit reports whether the file
// was named on the command line, in which case failing to read it is fatal.
func loadConfig(v *viper.Viper, explicit bool, log *zap.Logger) (*Config, error) {
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		switch {
		case explicit:
			return nil, err
		case errors.As(err, &notFound):
			log.Info("no config file found, using defaults and environment")
		default:
			log.Warn("invalid config file, using defaults and environment", zap.Error(err))
		}
	} else {
		log.Info("loaded config file", zap.String("file", v.ConfigFileUsed()))
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	def := defaultConfig()

	if cfg.Port < 0 || cfg.Port > 65535 {
		log.Warn("invalid port, falling back to default", zap.Int("port", cfg.Port), zap.Int("default", def.Port))
		cfg.Port = def.Port
	}
	if cfg.TLSPort < 0 || cfg.TLSPort > 65535 {
		log.Warn("invalid tls_port, falling back to default", zap.Int("tls_port", cfg.TLSPort), zap.Int("default", def.TLSPort))
		cfg.TLSPort = def.TLSPort
	}
	if cfg.Host == "" {
		log.Warn("empty host, falling back to default", zap.String("default", def.Host))
		cfg.Host = def.Host
	}
	if cfg.AppProcesses <= 0 {
		log.Warn("invalid app_processes, falling back to default", zap.Int("app_processes", cfg.AppProcesses), zap.Int("default", def.AppProcesses))
		cfg.AppProcesses = def.AppProcesses
	}
	if cfg.AppTimeout <= 0 {
		log.Warn("invalid app_timeout, falling back to default", zap.Duration("app_timeout", cfg.AppTimeout), zap.Duration("default", def.AppTimeout))
		cfg.AppTimeout = def.AppTimeout
	}
	if cfg.AppMaxRequests < 0 {
		log.Warn("invalid app_max_requests, disabling recycling", zap.Int("app_max_requests", cfg.AppMaxRequests))
		cfg.AppMaxRequests = 0
	}
	if cfg.AppCommand == "" {
		cfg.AppCommand = def.AppCommand
	}
	if cfg.UpstreamRetries < 0 {
		log.Warn("invalid upstream_retries, disabling retries", zap.Int("upstream_retries", cfg.UpstreamRetries))
		cfg.UpstreamRetries = 0
	}
	if cfg.CircuitTripCount <= 0 || int64(cfg.CircuitTripCount) > math.MaxUint32 {
		log.Warn("invalid circuit_trip_count, falling back to default", zap.Int("circuit_trip_count", cfg.CircuitTripCount), zap.Int("default", def.CircuitTripCount))
		cfg.CircuitTripCount = def.CircuitTripCount
	}
	if cfg.CircuitTimeout <= 0 {
		log.Warn("invalid circuit_timeout, falling back to default", zap.Duration("circuit_timeout", cfg.CircuitTimeout), zap.Duration("default", def.CircuitTimeout))
		cfg.CircuitTimeout = def.CircuitTimeout
	}
	if cfg.MaxRequestSize <= 0 {
		log.Warn("invalid max_request_size, falling back to default", zap.Int("max_request_size", cfg.MaxRequestSize), zap.Int("default", def.MaxRequestSize))
		cfg.MaxRequestSize = def.MaxRequestSize
	}
	if cfg.HandshakeTimeout <= 0 {
		log.Warn("invalid handshake_timeout, falling back to default", zap.Duration("handshake_timeout", cfg.HandshakeTimeout), zap.Duration("default", def.HandshakeTimeout))
		cfg.HandshakeTimeout = def.HandshakeTimeout
	}

	// threads is not defaulted: a pool without workers is a startup error

	return &cfg, nil
}

// serverConfig is the part of cfg the server core consumes.
func (c *Config) serverConfig() server.Config {
	return server.Config{
		Host:             c.Host,
		Port:             c.Port,
		Threads:          c.Threads,
		StaticFolder:     c.StaticFolder,
		HTTPSCert:        c.HTTPSCert,
		CertPassword:     c.CertPassword,
		TLSPort:          c.TLSPort,
		MaxRequestSize:   c.MaxRequestSize,
		HandshakeTimeout: c.HandshakeTimeout,
	}
}
