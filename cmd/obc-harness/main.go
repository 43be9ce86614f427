package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"obc-harness/internal/beacon"
	"obc-harness/internal/harness"
	"obc-harness/internal/store"
	"obc-harness/internal/web"
)

// version is set at build time via -ldflags "-X main.version=..."
var version = "dev"

type Config struct {
	Mode          string `yaml:"mode"` // loopback, serial or none
	SingleBus     bool   `yaml:"single_bus"`
	TestDevices   bool   `yaml:"test_devices"`
	HandlerBudget string `yaml:"handler_budget"`
	InboxCapacity int    `yaml:"inbox_capacity"`
	SecurityCode  string `yaml:"security_code"`
	StartTimeout  string `yaml:"start_timeout"`
	RunName       string `yaml:"run_name"`
	Serial        struct {
		TerminalPort   string `yaml:"terminal_port"`
		TerminalBaud   int    `yaml:"terminal_baud"`
		SystemBusPort  string `yaml:"system_bus_port"`
		PayloadBusPort string `yaml:"payload_bus_port"`
		BusBaud        int    `yaml:"bus_baud"`
	} `yaml:"serial"`
	Sim struct {
		BootDelay    string `yaml:"boot_delay"`
		PollInterval string `yaml:"poll_interval"`
		RecoverLatch *bool  `yaml:"recover_latch"`
	} `yaml:"sim"`
	Web struct {
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
	} `yaml:"mqtt"`
	Scenario struct {
		Timeout        string `yaml:"timeout"`
		RestartBetween bool   `yaml:"restart_between"`
	} `yaml:"scenario"`
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
	SchemasDir string `yaml:"schemas_dir"`
	ScriptsDir string `yaml:"scripts_dir"`
}

func (c *Config) validate() error {
	switch c.Mode {
	case harness.ModeLoopback, harness.ModeNone:
	case harness.ModeSerial:
		if c.Serial.TerminalPort == "" {
			return fmt.Errorf("serial.terminal_port is required in serial mode")
		}
	default:
		return fmt.Errorf("mode must be %s, %s or %s, got %q",
			harness.ModeLoopback, harness.ModeSerial, harness.ModeNone, c.Mode)
	}
	if c.InboxCapacity < 0 {
		return fmt.Errorf("inbox_capacity must not be negative")
	}
	if _, err := c.securityCode(); err != nil {
		return err
	}
	for name, v := range map[string]string{
		"handler_budget":    c.HandlerBudget,
		"start_timeout":     c.StartTimeout,
		"sim.boot_delay":    c.Sim.BootDelay,
		"sim.poll_interval": c.Sim.PollInterval,
		"scenario.timeout":  c.Scenario.Timeout,
	} {
		if _, err := parseDuration(v); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	if c.MQTT.Enabled && c.MQTT.Broker == "" {
		return fmt.Errorf("mqtt.broker is required when mqtt is enabled")
	}
	return nil
}

func (c *Config) securityCode() (uint32, error) {
	if c.SecurityCode == "" {
		return 0, nil
	}
	v, err := strconv.ParseUint(c.SecurityCode, 0, 32)
	if err != nil {
		return 0, fmt.Errorf("security_code: %w", err)
	}
	return uint32(v), nil
}

// harnessConfig maps the file config onto harness.Config. It assumes
// validate passed.
func (c *Config) harnessConfig() harness.Config {
	hc := harness.DefaultConfig()
	hc.Mode = c.Mode
	hc.SingleBus = c.SingleBus
	hc.TestDevices = c.TestDevices
	hc.RunName = c.RunName
	if c.InboxCapacity > 0 {
		hc.InboxCapacity = c.InboxCapacity
	}
	hc.SecurityCode, _ = c.securityCode()
	if d, _ := parseDuration(c.HandlerBudget); d > 0 {
		hc.HandlerBudget = d
	}
	if d, _ := parseDuration(c.StartTimeout); d > 0 {
		hc.StartTimeout = d
	}
	hc.Serial = harness.SerialConfig{
		TerminalPort:   c.Serial.TerminalPort,
		TerminalBaud:   c.Serial.TerminalBaud,
		SystemBusPort:  c.Serial.SystemBusPort,
		PayloadBusPort: c.Serial.PayloadBusPort,
		BusBaud:        c.Serial.BusBaud,
	}
	if d, _ := parseDuration(c.Sim.BootDelay); d > 0 {
		hc.Sim.BootDelay = d
	}
	if d, _ := parseDuration(c.Sim.PollInterval); d > 0 {
		hc.Sim.PollInterval = d
	}
	if c.Sim.RecoverLatch != nil {
		hc.Sim.RecoverLatch = *c.Sim.RecoverLatch
	}
	return hc
}

// parseDuration parses a Go duration; an empty string is zero.
func parseDuration(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, err
	}
	if d < 0 {
		return 0, fmt.Errorf("negative duration %q", s)
	}
	return d, nil
}

type flags struct {
	config   string
	mode     string
	listen   string
	logLevel string
	runAll   bool
	tag      string
	version  bool
}

func parseFlags(args []string) (*flags, error) {
	f := &flags{}
	fs := pflag.NewFlagSet("obc-harness", pflag.ContinueOnError)
	fs.StringVarP(&f.config, "config", "c", "config.yaml", "path to the YAML config file")
	fs.StringVarP(&f.mode, "mode", "m", "", "override the OBC link mode (loopback, serial, none)")
	fs.StringVarP(&f.listen, "listen", "l", "", "override the web listen address")
	fs.StringVar(&f.logLevel, "log-level", "", "override the log level")
	fs.BoolVar(&f.runAll, "run-all", false, "run every enabled scenario, record the result and exit")
	fs.StringVarP(&f.tag, "tag", "t", "", "with --run-all, only run scenarios carrying this tag")
	fs.BoolVarP(&f.version, "version", "v", false, "print the version and exit")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	// A bare positional argument names the config file.
	if fs.NArg() > 0 && !fs.Changed("config") {
		f.config = fs.Arg(0)
	}
	return f, nil
}

func (f *flags) apply(cfg *Config) {
	if f.mode != "" {
		cfg.Mode = f.mode
	}
	if f.listen != "" {
		cfg.Web.Listen = f.listen
	}
	if f.logLevel != "" {
		cfg.Log.Level = f.logLevel
	}
}

func main() {
	// Temporary logger for config loading errors.
	bootLogger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	fl, err := parseFlags(os.Args[1:])
	if errors.Is(err, pflag.ErrHelp) {
		return
	}
	if err != nil {
		bootLogger.Error("parse flags", "err", err)
		os.Exit(2)
	}
	if fl.version {
		fmt.Println(version)
		return
	}

	cfg, err := loadConfig(fl.config)
	if err != nil {
		bootLogger.Error("load config", "err", err)
		os.Exit(1)
	}
	fl.apply(cfg)

	if err := cfg.validate(); err != nil {
		bootLogger.Error("invalid config", "err", err)
		os.Exit(1)
	}

	// Create configured logger.
	logger := newLogger(cfg)
	slog.SetDefault(logger)
	logger.Info("obc-harness starting", "version", version, "mode", cfg.Mode)

	schemas, err := beacon.LoadSchemaDir(cfg.SchemasDir, logger)
	if err != nil {
		logger.Error("load beacon schemas", "err", err)
		os.Exit(1)
	}

	// Open store
	db, err := store.NewBoltStore(cfg.Store.Path)
	if err != nil {
		logger.Error("open store", "err", err)
		os.Exit(1)
	}
	defer db.Close()

	sys, err := harness.New(cfg.harnessConfig(), logger, harness.WithStore(db), harness.WithSchemas(schemas))
	if err != nil {
		logger.Error("create harness", "err", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	if err := sys.Start(ctx); err != nil {
		logger.Error("start harness", "err", err)
		cancel()
		sys.Close()
		os.Exit(1)
	}
	cancel()

	// Scenario engine (no-op when built with no_scenario tag).
	scen, scenWebOpts := initScenarios(sys, cfg, logger)

	if fl.runAll {
		code := runAll(sys, scen, fl.tag, logger)
		sys.Close()
		db.Close()
		os.Exit(code)
	}

	// Start web server
	var webOpts []web.ServerOption
	if cfg.Web.APIKey != "" {
		webOpts = append(webOpts, web.WithAPIKey(cfg.Web.APIKey))
	}
	if len(cfg.Web.AllowedOrigins) > 0 {
		webOpts = append(webOpts, web.WithAllowedOrigins(cfg.Web.AllowedOrigins))
	}
	webOpts = append(webOpts, web.WithVersion(version))
	webOpts = append(webOpts, scenWebOpts...)

	webServer := web.NewServer(sys, logger, webOpts...)

	// Downlink long-polls and scenario runs hold the response open.
	httpServer := &http.Server{
		Addr:         cfg.Web.Listen,
		Handler:      webServer,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 10 * time.Minute,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		logger.Info("web server starting", "addr", cfg.Web.Listen)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server", "err", err)
		}
	}()

	// Start MQTT bridge (no-op when built with no_mqtt tag).
	mqtt := initMQTT(sys, cfg, logger)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	signal.Stop(sigCh)
	logger.Info("shutting down", "signal", sig)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	mqtt.Stop()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown", "err", err)
	}
	webServer.Stop()
	if err := sys.Finish("stopped"); err != nil {
		logger.Error("finish run", "err", err)
	}
	if err := sys.Close(); err != nil {
		logger.Error("close harness", "err", err)
	}

	logger.Info("goodbye")
}

func loadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	cfg := Config{TestDevices: true}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if cfg.Mode == "" {
		cfg.Mode = harness.ModeLoopback
	}
	if cfg.Web.Listen == "" {
		cfg.Web.Listen = "127.0.0.1:8080"
	}
	if cfg.Store.Path == "" {
		cfg.Store.Path = "obc-harness.db"
	}
	if cfg.Serial.TerminalBaud == 0 {
		cfg.Serial.TerminalBaud = 115200
	}
	if cfg.Serial.BusBaud == 0 {
		cfg.Serial.BusBaud = 115200
	}
	if cfg.SchemasDir == "" {
		cfg.SchemasDir = "schemas"
	}
	if cfg.ScriptsDir == "" {
		cfg.ScriptsDir = "scenarios"
	}
	if cfg.MQTT.TopicPrefix == "" {
		cfg.MQTT.TopicPrefix = "obc-harness"
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
