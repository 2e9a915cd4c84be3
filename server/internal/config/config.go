package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/adrg/xdg"
	"gopkg.in/yaml.v3"
)

// Backend names accepted in SANDBOX_BACKEND.
const (
	BackendLocal   = "local"
	BackendCluster = "cluster"
)

// Cluster runtimes accepted in CLUSTER_RUNTIME.
const (
	RuntimeDocker     = "docker"
	RuntimeKubernetes = "kubernetes"
)

// Config holds all configuration for the server
type Config struct {
	// Server settings
	Port        int
	CORSOrigins []string

	// Database
	DatabaseDSN    string
	DatabaseDriver string // "postgres" or "sqlite3", auto-detected from DSN

	// Logging
	LogLevel  string
	LogFormat string
	LogFile   string

	// Data locations
	DataDir         string
	SandboxRoot     string
	SnapshotDir     string
	OutputsTemplate string

	// Sandbox backend selection
	SandboxBackend string // "local" or "cluster"
	ClusterRuntime string // "docker" or "kubernetes"

	// Port range for sandbox preview servers
	PortRangeStart int
	PortRangeEnd   int

	// Limits
	MaxConcurrentPerTenant int

	// Local backend
	PreviewCommand string

	// Cluster backend
	SandboxImage   string
	DockerHost     string
	DockerNetwork  string
	KubeNamespace  string
	KubeConfig     string
	ReadyTimeout   time.Duration
	SandboxMemory  int64
	SandboxNanoCPU int64

	// Agent turns
	AgentCommand      []string
	AgentTimeout      time.Duration
	KeepaliveInterval time.Duration
	AgentGracePeriod  time.Duration

	// Preview proxy
	ProxyTimeout time.Duration
	UpstreamHost string

	// Reaper
	IdleTimeout           time.Duration
	ReaperInterval        time.Duration
	RetentionInterval     time.Duration
	SnapshotRetentionDays int

	// OverlayFile is an optional YAML file applied on top of the environment.
	OverlayFile string
}

// Overlay is the YAML document read from OverlayFile. Only fields present
// in the file override the environment.
type Overlay struct {
	Logging struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"logging"`
	Sandbox struct {
		Backend                string   `yaml:"backend"`
		ClusterRuntime         string   `yaml:"cluster_runtime"`
		PortRangeStart         int      `yaml:"port_range_start"`
		PortRangeEnd           int      `yaml:"port_range_end"`
		MaxConcurrentPerTenant *int     `yaml:"max_concurrent_per_tenant"`
		Image                  string   `yaml:"image"`
		PreviewCommand         string   `yaml:"preview_command"`
		AgentCommand           []string `yaml:"agent_command"`
	} `yaml:"sandbox"`
	Timeouts struct {
		Agent     Duration `yaml:"agent"`
		Keepalive Duration `yaml:"keepalive"`
		Proxy     Duration `yaml:"proxy"`
		Ready     Duration `yaml:"ready"`
	} `yaml:"timeouts"`
	Reaper struct {
		IdleTimeout   Duration `yaml:"idle_timeout"`
		Interval      Duration `yaml:"interval"`
		RetentionDays *int     `yaml:"retention_days"`
	} `yaml:"reaper"`
}

// Duration unmarshals Go duration strings ("90s", "30m") from YAML.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	parsed, err := time.ParseDuration(value.Value)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", value.Value, err)
	}
	*d = Duration(parsed)
	return nil
}

// Load reads configuration from environment variables
func Load() (*Config, error) {
	cfg := &Config{}

	// Server
	cfg.Port = getEnvInt("PORT", 8080)
	cfg.CORSOrigins = getEnvList("CORS_ORIGINS", []string{"http://localhost:3000"})

	// Data locations default under the XDG data home
	cfg.DataDir = getEnv("DATA_DIR", filepath.Join(xdg.DataHome, "buildbox"))
	cfg.SandboxRoot = getEnv("SANDBOX_ROOT", filepath.Join(cfg.DataDir, "sandboxes"))
	cfg.SnapshotDir = getEnv("SNAPSHOT_DIR", filepath.Join(cfg.DataDir, "blobs"))
	cfg.OutputsTemplate = getEnv("OUTPUTS_TEMPLATE", "")

	// Database
	cfg.DatabaseDSN = getEnv("DATABASE_DSN", "sqlite3://"+filepath.Join(cfg.DataDir, "buildbox.db"))
	cfg.DatabaseDriver = detectDriver(cfg.DatabaseDSN)

	// Logging
	cfg.LogLevel = getEnv("LOG_LEVEL", "info")
	cfg.LogFormat = getEnv("LOG_FORMAT", "console")
	cfg.LogFile = getEnv("LOG_FILE", "")

	// Sandbox backend
	cfg.SandboxBackend = getEnv("SANDBOX_BACKEND", BackendLocal)
	cfg.ClusterRuntime = getEnv("CLUSTER_RUNTIME", RuntimeDocker)
	cfg.PortRangeStart = getEnvInt("SANDBOX_PORT_RANGE_START", 3010)
	cfg.PortRangeEnd = getEnvInt("SANDBOX_PORT_RANGE_END", 3100)
	cfg.MaxConcurrentPerTenant = getEnvInt("SANDBOX_MAX_CONCURRENT_PER_TENANT", 10)
	cfg.PreviewCommand = getEnv("SANDBOX_PREVIEW_COMMAND", "npm run dev -- --port {port}")

	// Cluster backend
	cfg.SandboxImage = getEnv("SANDBOX_IMAGE", "ghcr.io/obot-platform/buildbox-sandbox:latest")
	cfg.DockerHost = getEnv("DOCKER_HOST", "")
	cfg.DockerNetwork = getEnv("SANDBOX_DOCKER_NETWORK", "")
	cfg.KubeNamespace = getEnv("SANDBOX_NAMESPACE", "buildbox-sandboxes")
	cfg.KubeConfig = getEnv("KUBECONFIG", "")
	cfg.ReadyTimeout = getEnvDuration("SANDBOX_READY_TIMEOUT", 2*time.Minute)
	cfg.SandboxMemory = int64(getEnvInt("SANDBOX_MEMORY_MB", 2048)) * 1024 * 1024
	cfg.SandboxNanoCPU = int64(getEnvInt("SANDBOX_MILLI_CPU", 1000)) * 1_000_000

	// Agent turns
	cfg.AgentCommand = getEnvList("AGENT_COMMAND", []string{"opencode", "run"})
	cfg.AgentTimeout = getEnvDuration("AGENT_TIMEOUT", 10*time.Minute)
	cfg.KeepaliveInterval = getEnvDuration("AGENT_KEEPALIVE_INTERVAL", 15*time.Second)
	cfg.AgentGracePeriod = getEnvDuration("AGENT_GRACE_PERIOD", 3*time.Second)

	// Preview proxy
	cfg.ProxyTimeout = getEnvDuration("PROXY_TIMEOUT", 30*time.Second)
	cfg.UpstreamHost = getEnv("PROXY_UPSTREAM_HOST", "127.0.0.1")

	// Reaper
	cfg.IdleTimeout = getEnvDuration("SANDBOX_IDLE_TIMEOUT", 30*time.Minute)
	cfg.ReaperInterval = getEnvDuration("SANDBOX_REAPER_INTERVAL", 5*time.Minute)
	cfg.RetentionInterval = getEnvDuration("SNAPSHOT_RETENTION_INTERVAL", time.Hour)
	cfg.SnapshotRetentionDays = getEnvInt("SNAPSHOT_RETENTION_DAYS", 30)

	cfg.OverlayFile = getEnv("BUILDBOX_CONFIG", "")
	if cfg.OverlayFile != "" {
		overlay, err := ReadOverlay(cfg.OverlayFile)
		if err != nil {
			return nil, err
		}
		cfg.Apply(overlay)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ReadOverlay parses the YAML overlay at path.
func ReadOverlay(path string) (*Overlay, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	overlay := &Overlay{}
	if err := yaml.Unmarshal(data, overlay); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	return overlay, nil
}

// Apply copies every field set in o onto c.
func (c *Config) Apply(o *Overlay) {
	if o == nil {
		return
	}
	setString(&c.LogLevel, o.Logging.Level)
	setString(&c.LogFormat, o.Logging.Format)
	setString(&c.SandboxBackend, o.Sandbox.Backend)
	setString(&c.ClusterRuntime, o.Sandbox.ClusterRuntime)
	setString(&c.SandboxImage, o.Sandbox.Image)
	setString(&c.PreviewCommand, o.Sandbox.PreviewCommand)
	if o.Sandbox.PortRangeStart != 0 {
		c.PortRangeStart = o.Sandbox.PortRangeStart
	}
	if o.Sandbox.PortRangeEnd != 0 {
		c.PortRangeEnd = o.Sandbox.PortRangeEnd
	}
	if o.Sandbox.MaxConcurrentPerTenant != nil {
		c.MaxConcurrentPerTenant = *o.Sandbox.MaxConcurrentPerTenant
	}
	if len(o.Sandbox.AgentCommand) > 0 {
		c.AgentCommand = o.Sandbox.AgentCommand
	}
	setDuration(&c.AgentTimeout, o.Timeouts.Agent)
	setDuration(&c.KeepaliveInterval, o.Timeouts.Keepalive)
	setDuration(&c.ProxyTimeout, o.Timeouts.Proxy)
	setDuration(&c.ReadyTimeout, o.Timeouts.Ready)
	setDuration(&c.IdleTimeout, o.Reaper.IdleTimeout)
	setDuration(&c.ReaperInterval, o.Reaper.Interval)
	if o.Reaper.RetentionDays != nil {
		c.SnapshotRetentionDays = *o.Reaper.RetentionDays
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []error

	switch c.SandboxBackend {
	case BackendLocal, BackendCluster:
	default:
		errs = append(errs, fmt.Errorf("invalid sandbox backend: %q (must be local or cluster)", c.SandboxBackend))
	}
	switch c.ClusterRuntime {
	case RuntimeDocker, RuntimeKubernetes:
	default:
		errs = append(errs, fmt.Errorf("invalid cluster runtime: %q (must be docker or kubernetes)", c.ClusterRuntime))
	}

	if c.PortRangeStart < 1 || c.PortRangeEnd > 65535 || c.PortRangeStart > c.PortRangeEnd {
		errs = append(errs, fmt.Errorf("invalid port range: %d-%d", c.PortRangeStart, c.PortRangeEnd))
	}
	if c.MaxConcurrentPerTenant < 0 {
		errs = append(errs, fmt.Errorf("max concurrent sandboxes per tenant must not be negative"))
	}
	if len(c.AgentCommand) == 0 {
		errs = append(errs, fmt.Errorf("agent command must not be empty"))
	}
	if c.KeepaliveInterval <= 0 || c.AgentTimeout <= 0 {
		errs = append(errs, fmt.Errorf("agent timeout and keepalive interval must be positive"))
	} else if c.KeepaliveInterval >= c.AgentTimeout {
		errs = append(errs, fmt.Errorf("keepalive interval (%s) must be shorter than agent timeout (%s)", c.KeepaliveInterval, c.AgentTimeout))
	}
	if c.ProxyTimeout <= 0 {
		errs = append(errs, fmt.Errorf("proxy timeout must be positive"))
	}
	if c.SnapshotRetentionDays < 0 {
		errs = append(errs, fmt.Errorf("snapshot retention days must not be negative"))
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("invalid log level: %q (must be debug, info, warn, or error)", c.LogLevel))
	}
	switch c.LogFormat {
	case "json", "console":
	default:
		errs = append(errs, fmt.Errorf("invalid log format: %q (must be json or console)", c.LogFormat))
	}

	return errors.Join(errs...)
}

// detectDriver determines the database driver from DSN
func detectDriver(dsn string) string {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		return "postgres"
	}
	if strings.HasPrefix(dsn, "sqlite3://") || strings.HasPrefix(dsn, "sqlite://") {
		return "sqlite"
	}
	// Default to sqlite for file paths
	if strings.HasSuffix(dsn, ".db") || strings.HasSuffix(dsn, ".sqlite") {
		return "sqlite"
	}
	return "postgres"
}

// CleanDSN removes the driver prefix from DSN for database/sql
func (c *Config) CleanDSN() string {
	dsn := c.DatabaseDSN
	dsn = strings.TrimPrefix(dsn, "postgres://")
	dsn = strings.TrimPrefix(dsn, "postgresql://")
	dsn = strings.TrimPrefix(dsn, "sqlite3://")
	dsn = strings.TrimPrefix(dsn, "sqlite://")

	// For postgres, add the prefix back
	if c.DatabaseDriver == "postgres" {
		return "postgres://" + dsn
	}
	return dsn
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func setDuration(dst *time.Duration, v Duration) {
	if v > 0 {
		*dst = time.Duration(v)
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvList(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		return strings.Fields(strings.ReplaceAll(value, ",", " "))
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
