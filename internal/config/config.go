// Package config holds the proxy configuration: the four mandatory
// command-line arguments plus optional YAML tunables.
package config

import (
	"fmt"
	"net"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full configuration of a pgtrace process.
type Config struct {
	// Core settings, supplied as positional command-line arguments:
	// <listen_port> <db_host> <db_port> <log_file>
	ListenPort int    `yaml:"-"`
	DBHost     string `yaml:"-"`
	DBPort     int    `yaml:"-"`
	LogFile    string `yaml:"-"`

	Admin       AdminConfig       `yaml:"admin"`
	Limits      LimitsConfig      `yaml:"limits"`
	HealthCheck HealthCheckConfig `yaml:"health_check"`
}

// AdminConfig defines the optional admin HTTP endpoint.
type AdminConfig struct {
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`
}

// Enabled reports whether the admin endpoint should be started.
func (a AdminConfig) Enabled() bool {
	return a.Port != 0
}

// LimitsConfig bounds the reactor's per-session resources.
type LimitsConfig struct {
	// MaxEgressBytes caps each per-direction egress buffer. When a
	// buffer is full the filling side's read interest is dropped so
	// TCP backpressure reaches the sender. Unset defaults to 4 MiB;
	// -1 removes the cap.
	MaxEgressBytes int `yaml:"max_egress_bytes"`

	// EpollBatch is the maximum number of events taken per wait.
	EpollBatch int `yaml:"epoll_batch"`
}

// HealthCheckConfig tunes the periodic backend TCP probe.
type HealthCheckConfig struct {
	Interval          time.Duration `yaml:"interval"`
	ConnectionTimeout time.Duration `yaml:"connection_timeout"`
	FailureThreshold  int           `yaml:"failure_threshold"`
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// substituteEnvVars replaces ${VAR_NAME} patterns with environment variable values.
func substituteEnvVars(data []byte) []byte {
	return envVarPattern.ReplaceAllFunc(data, func(match []byte) []byte {
		varName := envVarPattern.FindSubmatch(match)[1]
		if val, ok := os.LookupEnv(string(varName)); ok {
			return []byte(val)
		}
		return match
	})
}

// Load builds a Config from an optional YAML tunables file and the four
// mandatory positional arguments.
func Load(path string, args []string) (*Config, error) {
	cfg := &Config{}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		data = substituteEnvVars(data)
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	if err := parseArgs(cfg, args); err != nil {
		return nil, err
	}

	applyDefaults(cfg)

	if err := validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func parseArgs(cfg *Config, args []string) error {
	if len(args) != 4 {
		return fmt.Errorf("expected 4 arguments: <listen_port> <db_host> <db_port> <log_file>")
	}

	listenPort, err := parsePort(args[0])
	if err != nil {
		return fmt.Errorf("listen_port: %w", err)
	}
	dbPort, err := parsePort(args[2])
	if err != nil {
		return fmt.Errorf("db_port: %w", err)
	}

	cfg.ListenPort = listenPort
	cfg.DBHost = args[1]
	cfg.DBPort = dbPort
	cfg.LogFile = args[3]
	return nil
}

func parsePort(s string) (int, error) {
	p, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("%q is not a number", s)
	}
	if p < 1 || p > 65535 {
		return 0, fmt.Errorf("%d out of range [1, 65535]", p)
	}
	return p, nil
}

// IsDottedQuadIPv4 reports whether s is an IPv4 address in dotted-quad
// form (not a hostname and not an IPv6 literal).
func IsDottedQuadIPv4(s string) bool {
	if strings.Count(s, ".") != 3 || strings.Contains(s, ":") {
		return false
	}
	ip := net.ParseIP(s)
	return ip != nil && ip.To4() != nil
}

func applyDefaults(cfg *Config) {
	if cfg.Admin.Bind == "" {
		cfg.Admin.Bind = "127.0.0.1"
	}
	if cfg.Limits.MaxEgressBytes == 0 {
		cfg.Limits.MaxEgressBytes = 4 << 20
	}
	if cfg.Limits.EpollBatch == 0 {
		cfg.Limits.EpollBatch = 1024
	}
	if cfg.HealthCheck.Interval == 0 {
		cfg.HealthCheck.Interval = 10 * time.Second
	}
	if cfg.HealthCheck.ConnectionTimeout == 0 {
		cfg.HealthCheck.ConnectionTimeout = 3 * time.Second
	}
	if cfg.HealthCheck.FailureThreshold == 0 {
		cfg.HealthCheck.FailureThreshold = 3
	}
}

func validate(cfg *Config) error {
	if !IsDottedQuadIPv4(cfg.DBHost) {
		return fmt.Errorf("db_host %q is not a dotted-quad IPv4 address", cfg.DBHost)
	}
	if cfg.LogFile == "" {
		return fmt.Errorf("log_file is required")
	}
	if cfg.Limits.MaxEgressBytes < -1 {
		return fmt.Errorf("limits.max_egress_bytes must be positive or -1")
	}
	if cfg.Limits.EpollBatch < 1 {
		return fmt.Errorf("limits.epoll_batch must be at least 1")
	}
	if cfg.Admin.Port < 0 || cfg.Admin.Port > 65535 {
		return fmt.Errorf("admin.port %d out of range [0, 65535]", cfg.Admin.Port)
	}
	return nil
}
