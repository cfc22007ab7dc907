package config

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Addr      string
	AuthToken string
}

// SchedulerConfig holds the ticking loop settings.
type SchedulerConfig struct {
	Tick time.Duration
}

// BarkConfig holds Bark notification settings.
type BarkConfig struct {
	URL     string
	Enabled bool
}

// Config holds all runtime configuration for the daemon.
type Config struct {
	Server    ServerConfig
	Scheduler SchedulerConfig
	Bark      BarkConfig

	Mode          string // http | mcp | both
	StateDir      string
	LogLevel      string
	ShutdownGrace time.Duration
}

const (
	defaultAddr          = "0.0.0.0:7071"
	defaultLogLevel      = "info"
	defaultTick          = 30 * time.Second
	defaultShutdownGrace = 5 * time.Second
)

func getEnvString(key, defaultVal string) string {
	if val, ok := os.LookupEnv(key); ok {
		return val
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if val, ok := os.LookupEnv(key); ok {
		lower := strings.ToLower(val)
		return lower == "true" || lower == "1" || lower == "yes"
	}
	return defaultVal
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	if val, ok := os.LookupEnv(key); ok {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
	}
	return defaultVal
}

// Parse reads configuration from CLI flags, environment variables, and an
// optional .env file. Priority: flags > env > .env > defaults.
func Parse() (*Config, error) {
	envFiles := []string{".env"}
	if configDir, err := os.UserConfigDir(); err == nil {
		envFiles = append(envFiles, filepath.Join(configDir, "autopub", ".env"))
	}
	_ = godotenv.Load(envFiles...) // the file is optional

	cfg := &Config{
		Server: ServerConfig{
			Addr:      getEnvString("AUTOPUB_ADDR", defaultAddr),
			AuthToken: getEnvString("AUTOPUB_AUTH_TOKEN", ""),
		},
		Scheduler: SchedulerConfig{
			Tick: getEnvDuration("AUTOPUB_TICK", defaultTick),
		},
		Bark: BarkConfig{
			URL:     getEnvString("AUTOPUB_BARK_URL", ""),
			Enabled: getEnvBool("AUTOPUB_BARK_ENABLED", false),
		},
		Mode:          getEnvString("AUTOPUB_MODE", "http"),
		StateDir:      getEnvString("AUTOPUB_STATE_DIR", ""),
		LogLevel:      getEnvString("AUTOPUB_LOG_LEVEL", defaultLogLevel),
		ShutdownGrace: getEnvDuration("AUTOPUB_SHUTDOWN_GRACE", defaultShutdownGrace),
	}

	var addr, mode, stateDir, logLevel string
	var tick, shutdownGrace time.Duration

	flag.StringVar(&addr, "addr", "", "HTTP listen address (overrides env)")
	flag.StringVar(&mode, "mode", "", "Serving mode: http, mcp, or both")
	flag.StringVar(&stateDir, "state-dir", "", "Directory to store the database")
	flag.StringVar(&logLevel, "log-level", "", "Log level (debug, info, warn, error)")
	flag.DurationVar(&tick, "tick", 0, "Scheduler tick interval")
	flag.DurationVar(&shutdownGrace, "shutdown-grace", 0, "Grace period when shutting down")

	flag.Parse()

	if addr != "" {
		cfg.Server.Addr = addr
	}
	if mode != "" {
		cfg.Mode = mode
	}
	if stateDir != "" {
		cfg.StateDir = stateDir
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	if tick > 0 {
		cfg.Scheduler.Tick = tick
	}
	flag.Visit(func(f *flag.Flag) {
		if f.Name == "shutdown-grace" {
			cfg.ShutdownGrace = shutdownGrace
		}
	})

	switch cfg.Mode {
	case "http", "mcp", "both":
	default:
		return nil, fmt.Errorf("invalid mode %q (use http, mcp, or both)", cfg.Mode)
	}

	if cfg.StateDir == "" {
		dir, err := defaultStateDir()
		if err != nil {
			return nil, fmt.Errorf("resolve default state dir: %w", err)
		}
		cfg.StateDir = dir
	}
	if cfg.Scheduler.Tick <= 0 {
		cfg.Scheduler.Tick = defaultTick
	}

	return cfg, nil
}

func defaultStateDir() (string, error) {
	baseDir, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	path := filepath.Join(baseDir, "autopub")
	if err := os.MkdirAll(path, 0o755); err != nil {
		return "", err
	}
	return path, nil
}
