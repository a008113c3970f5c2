// Package config handles loading and validating unosim configuration.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

func init() {
	// Load .env file if it exists
	_ = godotenv.Load()
}

// Config is the root configuration for unosim.
type Config struct {
	Server        ServerConfig         `json:"server" yaml:"server"`
	Sandbox       SandboxConfig        `json:"sandbox" yaml:"sandbox"`
	Compiler      *CompilerConfig      `json:"compiler,omitempty" yaml:"compiler,omitempty"`           // nil = g++ with defaults
	Session       *SessionConfig       `json:"session,omitempty" yaml:"session,omitempty"`             // nil = defaults
	Cleanup       *CleanupConfig       `json:"cleanup,omitempty" yaml:"cleanup,omitempty"`             // nil = defaults
	Observability *ObservabilityConfig `json:"observability,omitempty" yaml:"observability,omitempty"` // nil = metrics only
}

// ServerConfig configures the HTTP/WebSocket gateway.
type ServerConfig struct {
	Host       string `json:"host" yaml:"host"` // Default: "". Override: UNOSIM_HOST.
	Port       int    `json:"port" yaml:"port"` // Default: 8080. Override: UNOSIM_PORT.
	EnableDocs bool   `json:"enable_docs" yaml:"enable_docs"`
}

// Addr returns the listen address.
func (s ServerConfig) Addr() string {
	port := s.Port
	if port == 0 {
		port = 8080
	}
	return fmt.Sprintf("%s:%d", s.Host, port)
}

// SandboxConfig selects and tunes the isolation backend.
type SandboxConfig struct {
	// Type is "auto" (probe, default), "docker", or "process".
	Type   string               `json:"type" yaml:"type"`
	Docker *DockerSandboxConfig `json:"docker,omitempty" yaml:"docker,omitempty"` // nil = image defaults

	MaxCPUSeconds  int   `json:"max_cpu_seconds" yaml:"max_cpu_seconds"`   // Default: 60.
	MaxMemoryMB    int   `json:"max_memory_mb" yaml:"max_memory_mb"`       // Default: 256.
	MaxOutputBytes int64 `json:"max_output_bytes" yaml:"max_output_bytes"` // Default: 2 MiB.
}

// SandboxType returns the configured backend, defaulting to "auto".
func (s SandboxConfig) SandboxType() string {
	if s.Type != "" {
		return s.Type
	}
	return "auto"
}

// DockerSandboxConfig holds container-backend settings.
type DockerSandboxConfig struct {
	Image     string  `json:"image" yaml:"image"`           // Default: unosim-runtime:latest. Override: UNOSIM_SANDBOX_IMAGE.
	CPUCores  float64 `json:"cpu_cores" yaml:"cpu_cores"`   // Default: 0.5.
	PIDsLimit int     `json:"pids_limit" yaml:"pids_limit"` // Default: 16.
}

// SandboxImage returns the runtime image, nil-safe.
func (d *DockerSandboxConfig) SandboxImage() string {
	if d != nil && d.Image != "" {
		return d.Image
	}
	return "unosim-runtime:latest"
}

// Cores returns the CPU share ceiling, nil-safe.
func (d *DockerSandboxConfig) Cores() float64 {
	if d != nil && d.CPUCores > 0 {
		return d.CPUCores
	}
	return 0.5
}

// PIDs returns the process-count ceiling, nil-safe.
func (d *DockerSandboxConfig) PIDs() int {
	if d != nil && d.PIDsLimit > 0 {
		return d.PIDsLimit
	}
	return 16
}

// CompilerConfig configures the sketch toolchain.
// When nil, g++ is used with package defaults.
type CompilerConfig struct {
	Compiler       string `json:"compiler" yaml:"compiler"`               // Default: "g++". Override: UNOSIM_COMPILER.
	WorkRoot       string `json:"work_root" yaml:"work_root"`             // Default: system temp dir. Override: UNOSIM_WORK_ROOT.
	TimeoutSeconds int    `json:"timeout_seconds" yaml:"timeout_seconds"` // Default: 30.
}

// Binary returns the toolchain binary, nil-safe.
func (c *CompilerConfig) Binary() string {
	if c != nil && c.Compiler != "" {
		return c.Compiler
	}
	return ""
}

// Root returns the build-dir root, nil-safe.
func (c *CompilerConfig) Root() string {
	if c != nil {
		return c.WorkRoot
	}
	return ""
}

// Timeout returns the compile timeout, nil-safe. 0 = package default.
func (c *CompilerConfig) Timeout() time.Duration {
	if c != nil && c.TimeoutSeconds > 0 {
		return time.Duration(c.TimeoutSeconds) * time.Second
	}
	return 0
}

// SessionConfig tunes per-session behavior.
type SessionConfig struct {
	SerialBuffer    int `json:"serial_buffer" yaml:"serial_buffer"`         // Pacer transmit buffer bytes. Default: 1000.
	DrainTimeoutMs  int `json:"drain_timeout_ms" yaml:"drain_timeout_ms"`   // Final flush bound. Default: 2000.
	StopWaitSeconds int `json:"stop_wait_seconds" yaml:"stop_wait_seconds"` // Restart wait bound. Default: 5.
}

// Buffer returns the serial buffer size, nil-safe.
func (s *SessionConfig) Buffer() int {
	if s != nil && s.SerialBuffer > 0 {
		return s.SerialBuffer
	}
	return 0
}

// DrainTimeout returns the exit flush bound, nil-safe.
func (s *SessionConfig) DrainTimeout() time.Duration {
	if s != nil && s.DrainTimeoutMs > 0 {
		return time.Duration(s.DrainTimeoutMs) * time.Millisecond
	}
	return 0
}

// StopWait returns the restart wait bound, nil-safe.
func (s *SessionConfig) StopWait() time.Duration {
	if s != nil && s.StopWaitSeconds > 0 {
		return time.Duration(s.StopWaitSeconds) * time.Second
	}
	return 0
}

// CleanupConfig tunes deferred build-dir reclamation.
type CleanupConfig struct {
	IntervalSeconds int `json:"interval_seconds" yaml:"interval_seconds"` // Sweep cadence. Default: 300.
	GraceSeconds    int `json:"grace_seconds" yaml:"grace_seconds"`       // Age before removal. Default: 120.
}

// Interval returns the sweep cadence, nil-safe.
func (c *CleanupConfig) Interval() time.Duration {
	if c != nil && c.IntervalSeconds > 0 {
		return time.Duration(c.IntervalSeconds) * time.Second
	}
	return 0
}

// Grace returns the trash age threshold, nil-safe.
func (c *CleanupConfig) Grace() time.Duration {
	if c != nil && c.GraceSeconds > 0 {
		return time.Duration(c.GraceSeconds) * time.Second
	}
	return 0
}

// ObservabilityConfig configures metrics, tracing, health checks, and
// anomaly detection.
type ObservabilityConfig struct {
	Metrics *MetricsConfig `json:"metrics,omitempty" yaml:"metrics,omitempty"`
	Tracing *TracingConfig `json:"tracing,omitempty" yaml:"tracing,omitempty"`
	Health  *HealthConfig  `json:"health,omitempty" yaml:"health,omitempty"`
	Anomaly *AnomalyConfig `json:"anomaly,omitempty" yaml:"anomaly,omitempty"`
}

// MetricsConfig configures Prometheus metrics exposition.
type MetricsConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Path    string `json:"path" yaml:"path"` // Default: "/metrics"
}

// MetricsEnabled is nil-safe; metrics default on.
func (o *ObservabilityConfig) MetricsEnabled() bool {
	if o == nil || o.Metrics == nil {
		return true
	}
	return o.Metrics.Enabled
}

// MetricsPath is nil-safe, defaulting to /metrics.
func (o *ObservabilityConfig) MetricsPath() string {
	if o != nil && o.Metrics != nil && o.Metrics.Path != "" {
		return o.Metrics.Path
	}
	return "/metrics"
}

// TracingConfig configures OpenTelemetry distributed tracing.
type TracingConfig struct {
	Enabled     bool    `json:"enabled" yaml:"enabled"`
	Endpoint    string  `json:"endpoint" yaml:"endpoint"`         // OTLP endpoint, e.g. "localhost:4317"
	Protocol    string  `json:"protocol" yaml:"protocol"`         // "grpc" or "http". Default: "grpc"
	ServiceName string  `json:"service_name" yaml:"service_name"` // Default: "unosim"
	SampleRate  float64 `json:"sample_rate" yaml:"sample_rate"`   // 0.0–1.0. Default: 1.0
	Insecure    bool    `json:"insecure" yaml:"insecure"`         // Skip TLS for dev
}

// TracingEnabled is nil-safe.
func (o *ObservabilityConfig) TracingEnabled() bool {
	return o != nil && o.Tracing != nil && o.Tracing.Enabled
}

// HealthConfig configures dependency checks for the readiness probe.
type HealthConfig struct {
	IncludeSandbox  bool `json:"include_sandbox" yaml:"include_sandbox"`
	IncludeCompiler bool `json:"include_compiler" yaml:"include_compiler"`
}

// AnomalyConfig configures threshold-based anomaly detection over
// session outcomes.
type AnomalyConfig struct {
	Enabled            bool    `json:"enabled" yaml:"enabled"`
	ErrorRateThreshold float64 `json:"error_rate_threshold" yaml:"error_rate_threshold"` // e.g. 0.5 = 50% errors
	WindowSeconds      int     `json:"window_seconds" yaml:"window_seconds"`             // Sliding window. Default: 300
}

// DefaultConfigPath returns the default config file path (~/.unosim/config.yaml).
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "configs/unosim.yaml" // fallback for environments without a home dir
	}
	return filepath.Join(home, ".unosim", "config.yaml")
}

// Default returns a Config usable without any config file.
func Default() *Config {
	cfg := &Config{}
	applyEnv(cfg)
	return cfg
}

// Load reads a YAML or JSON config file and returns a validated Config.
// The format is detected by file extension: .yml/.yaml for YAML, everything
// else for JSON. Environment variables take precedence over file values.
func Load(path string) (*Config, error) {
	resolved, err := resolvePath(path)
	if err != nil {
		return nil, fmt.Errorf("resolving config path %s: %w", path, err)
	}

	data, err := os.ReadFile(resolved)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", resolved, err)
	}

	var cfg Config
	switch ext := strings.ToLower(filepath.Ext(resolved)); ext {
	case ".yml", ".yaml":
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing YAML config %s: %w", resolved, err)
		}
	default:
		if err := json.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing JSON config %s: %w", resolved, err)
		}
	}

	applyEnv(&cfg)

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

// applyEnv applies environment variable overrides.
func applyEnv(cfg *Config) {
	if envHost := os.Getenv("UNOSIM_HOST"); envHost != "" {
		cfg.Server.Host = envHost
	}
	if envPort := os.Getenv("UNOSIM_PORT"); envPort != "" {
		if port, err := strconv.Atoi(envPort); err == nil {
			cfg.Server.Port = port
		}
	}
	if envType := os.Getenv("UNOSIM_SANDBOX_TYPE"); envType != "" {
		cfg.Sandbox.Type = envType
	}
	if envImage := os.Getenv("UNOSIM_SANDBOX_IMAGE"); envImage != "" {
		if cfg.Sandbox.Docker == nil {
			cfg.Sandbox.Docker = &DockerSandboxConfig{}
		}
		cfg.Sandbox.Docker.Image = envImage
	}
	if envCompiler := os.Getenv("UNOSIM_COMPILER"); envCompiler != "" {
		if cfg.Compiler == nil {
			cfg.Compiler = &CompilerConfig{}
		}
		cfg.Compiler.Compiler = envCompiler
	}
	if envRoot := os.Getenv("UNOSIM_WORK_ROOT"); envRoot != "" {
		if cfg.Compiler == nil {
			cfg.Compiler = &CompilerConfig{}
		}
		cfg.Compiler.WorkRoot = envRoot
	}
}

func (c *Config) validate() error {
	switch c.Sandbox.SandboxType() {
	case "auto", "docker", "process":
	default:
		return fmt.Errorf("sandbox.type must be auto, docker, or process, got %q", c.Sandbox.Type)
	}
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port out of range: %d", c.Server.Port)
	}
	if c.Sandbox.MaxOutputBytes < 0 {
		return fmt.Errorf("sandbox.max_output_bytes must not be negative")
	}
	if o := c.Observability; o != nil && o.Tracing != nil && o.Tracing.Enabled {
		if o.Tracing.Endpoint == "" {
			return fmt.Errorf("observability.tracing.endpoint required when tracing is enabled")
		}
	}
	return nil
}

// resolvePath expands a leading ~ to the user's home directory.
func resolvePath(path string) (string, error) {
	if !strings.HasPrefix(path, "~") {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~")), nil
}
