// ABOUTME: YAML configuration loading for the gateway with env var expansion.
// ABOUTME: Covers server, database, sandbox, agent, engine, and auth settings.
package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that unmarshals from YAML strings like "30s".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Config is the root configuration for the gateway.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Sandbox  SandboxConfig  `yaml:"sandbox"`
	Agent    AgentConfig    `yaml:"agent"`
	Engine   EngineConfig   `yaml:"engine"`
	Auth     AuthConfig     `yaml:"auth"`
	Logging  LoggingConfig  `yaml:"logging"`
}

type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`

	// PublicURL is the base URL agents use to reach the step log API.
	PublicURL string `yaml:"public_url"`
}

type DatabaseConfig struct {
	Path string `yaml:"path"`
}

type SandboxConfig struct {
	DataStoreImage    string   `yaml:"datastore_image"`
	AnalyticsImage    string   `yaml:"analytics_image"`
	Network           string   `yaml:"network"`
	AnalyticsPort     int      `yaml:"analytics_port"`
	DataStoreUser     string   `yaml:"datastore_user"`
	DataStorePassword string   `yaml:"datastore_password"`
	DataStoreName     string   `yaml:"datastore_name"`

	// DatasetPath is the SQL file preloaded into every sandbox data store.
	// Empty means sandboxes start with an empty database.
	DatasetPath string `yaml:"dataset_path"`
	PortBase          int      `yaml:"port_base"`
	PortCount         int      `yaml:"port_count"`
	ReadyTimeout      Duration `yaml:"ready_timeout"`
	PollInterval      Duration `yaml:"poll_interval"`
	StopTimeout       Duration `yaml:"stop_timeout"`
}

type AgentConfig struct {
	Mode     string   `yaml:"mode"`
	Endpoint string   `yaml:"endpoint"`
	Command  string   `yaml:"command"`
	Args     []string `yaml:"args"`
	Timeout  Duration `yaml:"timeout"`

	// Headless controls whether the agent drives its browser headlessly.
	Headless bool `yaml:"headless"`

	// RecordingRoot is the directory agents write session recordings under.
	// Empty disables recording.
	RecordingRoot string `yaml:"recording_root"`

	// AccessNote is prepended to every task description, carrying sandbox
	// login credentials and output instructions for the agent.
	AccessNote string `yaml:"access_note"`
}

type EngineConfig struct {
	Workers       int      `yaml:"workers"`
	QueueSize     int      `yaml:"queue_size"`
	ShutdownGrace Duration `yaml:"shutdown_grace"`
}

type AuthConfig struct {
	TokenSecret string   `yaml:"token_secret"`
	TokenTTL    Duration `yaml:"token_ttl"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// envVarPattern matches ${VAR_NAME} references in the raw YAML.
var envVarPattern = regexp.MustCompile(`\$\{(\w+)\}`)

// expandEnvVars substitutes ${VAR} references with the environment value.
// Unset variables expand to the empty string.
func expandEnvVars(data []byte) []byte {
	return envVarPattern.ReplaceAllFunc(data, func(match []byte) []byte {
		name := envVarPattern.FindSubmatch(match)[1]
		return []byte(os.Getenv(string(name)))
	})
}

// Load reads, expands, parses, and validates the config file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(expandEnvVars(data), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns a config populated with working defaults for everything
// except the agent endpoint and token secret.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:      "0.0.0.0",
			Port:      8080,
			PublicURL: "http://localhost:8080",
		},
		Database: DatabaseConfig{
			Path: "arena.db",
		},
		Sandbox: SandboxConfig{
			DataStoreImage:    "postgres:15",
			AnalyticsImage:    "metabase/metabase:latest",
			Network:           "arena-net",
			AnalyticsPort:     3000,
			DataStoreUser:     "arena",
			DataStorePassword: "arena",
			DataStoreName:     "arena",
			PortBase:          8100,
			PortCount:         100,
			ReadyTimeout:      Duration(120 * time.Second),
			PollInterval:      Duration(time.Second),
			StopTimeout:       Duration(10 * time.Second),
		},
		Agent: AgentConfig{
			Mode:     "remote",
			Timeout:  Duration(10 * time.Minute),
			Headless: true,
		},
		Engine: EngineConfig{
			Workers:       4,
			QueueSize:     64,
			ShutdownGrace: Duration(30 * time.Second),
		},
		Auth: AuthConfig{
			TokenTTL: Duration(24 * time.Hour),
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Validate checks the configuration for values the gateway cannot run with.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535, got %d", c.Server.Port)
	}
	if c.Database.Path == "" {
		return fmt.Errorf("database.path must not be empty")
	}
	if c.Sandbox.PortBase <= 0 || c.Sandbox.PortCount <= 0 {
		return fmt.Errorf("sandbox.port_base and sandbox.port_count must be positive")
	}
	if c.Engine.Workers <= 0 {
		return fmt.Errorf("engine.workers must be positive, got %d", c.Engine.Workers)
	}
	if c.Engine.QueueSize <= 0 {
		return fmt.Errorf("engine.queue_size must be positive, got %d", c.Engine.QueueSize)
	}
	if c.Engine.Workers > c.Sandbox.PortCount {
		return fmt.Errorf("engine.workers (%d) exceeds sandbox.port_count (%d): workers would starve",
			c.Engine.Workers, c.Sandbox.PortCount)
	}
	if c.Auth.TokenSecret == "" {
		return fmt.Errorf("auth.token_secret must be set (use ${ARENA_TOKEN_SECRET})")
	}
	switch c.Agent.Mode {
	case "remote":
		if c.Agent.Endpoint == "" {
			return fmt.Errorf("agent.endpoint is required when agent.mode is remote")
		}
	case "local":
		if c.Agent.Command == "" {
			return fmt.Errorf("agent.command is required when agent.mode is local")
		}
	default:
		return fmt.Errorf("agent.mode must be remote or local, got %q", c.Agent.Mode)
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be debug, info, warn, or error, got %q", c.Logging.Level)
	}
	return nil
}

// Example returns a commented starter config, written by the init command.
func Example() string {
	return `# arena-gateway configuration
server:
  host: "0.0.0.0"
  port: 8080
  # Base URL agents use to report step logs back.
  public_url: "http://localhost:8080"

database:
  path: "arena.db"

sandbox:
  datastore_image: "postgres:15"
  analytics_image: "metabase/metabase:latest"
  network: "arena-net"
  analytics_port: 3000
  datastore_user: "arena"
  datastore_password: "${ARENA_DB_PASSWORD}"
  datastore_name: "arena"
  # SQL file preloaded into every sandbox data store.
  dataset_path: "data/benchmark.sql"
  port_base: 8100
  port_count: 100
  ready_timeout: "120s"
  poll_interval: "1s"
  stop_timeout: "10s"

agent:
  # remote posts invocations to an agent service; local runs a command.
  mode: "remote"
  endpoint: "http://localhost:9000/invoke"
  timeout: "10m"
  headless: true
  # Directory for per-rollout session recordings; empty disables them.
  recording_root: ""
  # Prepended to every task description before it reaches the agent.
  access_note: "Log in with ${ARENA_UI_USER} / ${ARENA_UI_PASSWORD}. Output only the final JSON answer. "

engine:
  workers: 4
  queue_size: 64
  shutdown_grace: "30s"

auth:
  token_secret: "${ARENA_TOKEN_SECRET}"
  token_ttl: "24h"

logging:
  level: "info"
  format: "text"
`
}
