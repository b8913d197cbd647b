// Package config loads daemon configuration from environment variables,
// matching the flat-struct/getEnv* idiom used throughout this codebase's
// sibling services.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all daemon configuration.
type Config struct {
	Server    ServerConfig
	Transport TransportConfig
	History   HistoryConfig
	Proxy     ProxyConfig
	Telemetry TelemetryConfig
}

// ServerConfig names this daemon instance (used in history paths and logs).
type ServerConfig struct {
	Name      string
	LogLevel  string
	LogFormat string
}

// TransportConfig selects the IPC transport.
type TransportConfig struct {
	TCP        bool
	Host       string
	Port       int
	SocketPath string
	MaxLine    int
}

// HistoryConfig controls the append-only JSONL history log.
type HistoryConfig struct {
	Enabled bool
	BaseDir string
}

// ProxyConfig holds proxy-related settings. ShutdownTimeout bounds the
// daemon's shutdown; PortRetries and HealthTimeout are loaded but not
// passed to the proxy manager, which uses its own fixed values.
type ProxyConfig struct {
	PortRetries     int
	HealthTimeout   time.Duration
	ShutdownTimeout time.Duration
}

// TelemetryConfig toggles observability.
type TelemetryConfig struct {
	EnableTracing bool
	EnablePprof   bool
	PprofPort     int
}

// Load reads configuration from the environment, applying defaults.
func Load(serverName string) (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Name:      getEnv("NERVE_SERVER_NAME", serverName),
			LogLevel:  getEnv("NERVE_LOG_LEVEL", "info"),
			LogFormat: getEnv("NERVE_LOG_FORMAT", "text"),
		},
		Transport: TransportConfig{
			TCP:        getEnvBool("NERVE_TCP", false),
			Host:       getEnv("NERVE_HOST", "127.0.0.1"),
			Port:       getEnvInt("NERVE_PORT", 7700),
			SocketPath: getEnv("NERVE_SOCKET", defaultSocketPath()),
			MaxLine:    getEnvInt("NERVE_MAX_LINE_BYTES", 16*1024*1024),
		},
		History: HistoryConfig{
			Enabled: getEnvBool("NERVE_HISTORY_ENABLED", true),
			BaseDir: getEnv("NERVE_HISTORY_DIR", defaultHistoryDir()),
		},
		Proxy: ProxyConfig{
			PortRetries:     getEnvInt("NERVE_PROXY_PORT_RETRIES", 5),
			HealthTimeout:   getEnvDuration("NERVE_PROXY_HEALTH_TIMEOUT", 10*time.Second),
			ShutdownTimeout: getEnvDuration("NERVE_PROXY_SHUTDOWN_TIMEOUT", 5*time.Second),
		},
		Telemetry: TelemetryConfig{
			EnableTracing: getEnvBool("NERVE_ENABLE_TRACING", false),
			EnablePprof:   getEnvBool("NERVE_ENABLE_PPROF", false),
			PprofPort:     getEnvInt("NERVE_PPROF_PORT", 6060),
		},
	}
	return cfg, cfg.Validate()
}

// Validate checks the configuration for obvious inconsistencies.
func (c *Config) Validate() error {
	if c.Transport.TCP {
		if c.Transport.Port < 1 || c.Transport.Port > 65535 {
			return fmt.Errorf("invalid port: %d", c.Transport.Port)
		}
	} else if c.Transport.SocketPath == "" {
		return fmt.Errorf("socket path is required when not using --tcp")
	}
	if c.Server.Name == "" {
		return fmt.Errorf("server name is required")
	}
	return nil
}

func defaultHistoryDir() string {
	cwd, err := os.Getwd()
	if err != nil {
		cwd = "."
	}
	return cwd + "/.nerve/history"
}

func defaultSocketPath() string {
	cwd, err := os.Getwd()
	if err != nil {
		cwd = "."
	}
	return cwd + "/.nerve/nerved.sock"
}

func getEnv(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultValue
}
