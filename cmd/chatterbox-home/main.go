package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"gopkg.in/yaml.v3"

	"chatterbox-go-home/internal/coordinator"
	"chatterbox-go-home/internal/mirror"
	"chatterbox-go-home/internal/store"
	"chatterbox-go-home/internal/web"
)

// version is set at build time via -ldflags "-X main.version=..."
var version = "dev"

type DeviceConfig struct {
	Name               string        `yaml:"name"`
	Host               string        `yaml:"host"`
	PollInterval       time.Duration `yaml:"poll_interval"`
	Timeout            time.Duration `yaml:"timeout"`
	EEPROMChunkRetries int           `yaml:"eeprom_chunk_retries"`
	UseLoadedFlag      bool          `yaml:"use_loaded_flag"`
}

type MirrorTarget struct {
	Device  string `yaml:"device"`
	UnitID  uint8  `yaml:"unit_id"`
	Address uint16 `yaml:"address"`
}

type Config struct {
	Devices []DeviceConfig `yaml:"devices"`
	Web     struct {
		Listen         string   `yaml:"listen"`
		APIKey         string   `yaml:"api_key"`
		AllowedOrigins []string `yaml:"allowed_origins"`
	} `yaml:"web"`
	Store struct {
		Path string `yaml:"path"`
	} `yaml:"store"`
	MQTT struct {
		Enabled     bool   `yaml:"enabled"`
		Broker      string `yaml:"broker"`
		Username    string `yaml:"username"`
		Password    string `yaml:"password"`
		TopicPrefix string `yaml:"topic_prefix"`
		ClientID    string `yaml:"client_id"`
	} `yaml:"mqtt"`
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
	Automation struct {
		ExecAllowlist []string      `yaml:"exec_allowlist"`
		ExecTimeout   time.Duration `yaml:"exec_timeout"`
	} `yaml:"automation"`
	Mirror struct {
		Enabled  bool           `yaml:"enabled"`
		Endpoint string         `yaml:"endpoint"`
		Timeout  time.Duration  `yaml:"timeout"`
		Pack     bool           `yaml:"pack"`
		Targets  []MirrorTarget `yaml:"targets"`
	} `yaml:"mirror"`
	ScriptsDir string `yaml:"scripts_dir"`
}

func (c *Config) validate() error {
	if len(c.Devices) == 0 {
		return errors.New("at least one device is required")
	}
	names := make(map[string]bool, len(c.Devices))
	for i, d := range c.Devices {
		if d.Name == "" {
			return fmt.Errorf("devices[%d].name is required", i)
		}
		if strings.ContainsAny(d.Name, "/#+") {
			return fmt.Errorf("devices[%d].name %q must not contain '/', '#' or '+'", i, d.Name)
		}
		if names[d.Name] {
			return fmt.Errorf("devices[%d].name %q is duplicated", i, d.Name)
		}
		names[d.Name] = true
		if d.Host == "" {
			return fmt.Errorf("devices[%d].host is required", i)
		}
		if d.PollInterval < time.Second {
			return fmt.Errorf("devices[%d].poll_interval must be at least 1s, got %s", i, d.PollInterval)
		}
	}
	if c.MQTT.Enabled && c.MQTT.Broker == "" {
		return errors.New("mqtt.broker is required when mqtt is enabled")
	}
	if c.Mirror.Enabled {
		if err := c.mirrorConfig().Validate(); err != nil {
			return err
		}
		for _, t := range c.Mirror.Targets {
			if !names[t.Device] {
				return fmt.Errorf("mirror target %q is not a configured device", t.Device)
			}
		}
	}
	return nil
}

func (c *Config) mirrorConfig() mirror.Config {
	cfg := mirror.Config{
		Endpoint: c.Mirror.Endpoint,
		Timeout:  c.Mirror.Timeout,
		Pack:     c.Mirror.Pack,
	}
	for _, t := range c.Mirror.Targets {
		cfg.Targets = append(cfg.Targets, mirror.Target{Device: t.Device, UnitID: t.UnitID, Address: t.Address})
	}
	return cfg
}

func main() {
	// Temporary logger for config loading errors.
	bootLogger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	cfgPath := "config.yaml"
	if len(os.Args) > 1 {
		cfgPath = os.Args[1]
	}

	cfg, err := loadConfig(cfgPath)
	if err != nil {
		bootLogger.Error("load config", "err", err)
		os.Exit(1)
	}

	if err := cfg.validate(); err != nil {
		bootLogger.Error("invalid config", "err", err)
		os.Exit(1)
	}

	logger := newLogger(cfg)
	slog.SetDefault(logger)
	logger.Info("chatterbox-go-home starting", "version", version)

	db, err := store.NewBoltStore(cfg.Store.Path)
	if err != nil {
		logger.Error("open store", "err", err)
		os.Exit(1)
	}
	defer db.Close()

	events := coordinator.NewEventBus(logger)
	coord := coordinator.New(db, events, logger)
	for _, d := range cfg.Devices {
		err := coord.AddDevice(coordinator.DeviceConfig{
			Name:               d.Name,
			Host:               d.Host,
			PollInterval:       d.PollInterval,
			Timeout:            d.Timeout,
			EEPROMChunkRetries: d.EEPROMChunkRetries,
			UseLoadedFlag:      d.UseLoadedFlag,
		}, nil)
		if err != nil {
			logger.Error("add device", "err", err)
			os.Exit(1)
		}
	}

	if _, err := coord.PruneRegistry(); err != nil {
		logger.Warn("prune device registry", "err", err)
	}

	// Subscribers go first so the initial refreshes reach them.
	var mir *mirror.Mirror
	if cfg.Mirror.Enabled {
		mir, err = mirror.New(coord, cfg.mirrorConfig(), logger)
		if err != nil {
			logger.Error("create register mirror", "err", err)
			os.Exit(1)
		}
		mir.Start()
	}

	// Start MQTT bridge (no-op when built with no_mqtt tag).
	mqtt := initMQTT(coord, cfg, logger)

	// Start automation engine (no-op when built with no_automation tag).
	auto, autoWebOpts := initAutomation(coord, cfg, logger)

	var webOpts []web.ServerOption
	if cfg.Web.APIKey != "" {
		webOpts = append(webOpts, web.WithAPIKey(cfg.Web.APIKey))
	}
	if len(cfg.Web.AllowedOrigins) > 0 {
		webOpts = append(webOpts, web.WithAllowedOrigins(cfg.Web.AllowedOrigins))
	}
	webOpts = append(webOpts, web.WithVersion(version))
	webOpts = append(webOpts, autoWebOpts...)
	webServer := web.NewServer(coord, logger, webOpts...)

	httpServer := &http.Server{
		Addr:         cfg.Web.Listen,
		Handler:      webServer,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		logger.Info("web server starting", "addr", cfg.Web.Listen)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server", "err", err)
		}
	}()

	coord.Start()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	signal.Stop(sigCh)
	logger.Info("shutting down", "signal", sig)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	coord.Stop()
	auto.Stop()
	mqtt.Stop()
	if mir != nil {
		mir.Stop()
	}
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown", "err", err)
	}
	webServer.Stop()

	logger.Info("goodbye")
}

func loadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	for i := range cfg.Devices {
		if cfg.Devices[i].PollInterval == 0 {
			cfg.Devices[i].PollInterval = coordinator.DefaultPollInterval
		}
		if cfg.Devices[i].Timeout == 0 {
			cfg.Devices[i].Timeout = coordinator.DefaultTimeout
		}
	}
	if cfg.Web.Listen == "" {
		cfg.Web.Listen = "127.0.0.1:8080"
	}
	if cfg.Store.Path == "" {
		cfg.Store.Path = "chatterbox-home.db"
	}
	if cfg.ScriptsDir == "" {
		cfg.ScriptsDir = "scripts"
	}
	if cfg.MQTT.TopicPrefix == "" {
		cfg.MQTT.TopicPrefix = "chatterbox"
	}
	if cfg.Automation.ExecTimeout == 0 {
		cfg.Automation.ExecTimeout = 10 * time.Second
	}
	if cfg.Mirror.Timeout == 0 {
		cfg.Mirror.Timeout = 5 * time.Second
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "text"
	}
	return &cfg, nil
}

func newLogger(cfg *Config) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Log.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	switch strings.ToLower(cfg.Log.Format) {
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, opts)
	default:
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}
