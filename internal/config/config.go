// Package config loads a node's configuration from a YAML file with an
// environment-variable overlay, and validates the result before the
// rest of the module trusts it.
package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/hashicorp/go-envparse"
	"gopkg.in/yaml.v3"

	"chordring/internal/logger"
)

// NodeConfig is the node's own identity and listen configuration.
type NodeConfig struct {
	Bind      string `yaml:"bind"`
	Host      string `yaml:"host"`
	ChordPort int    `yaml:"chord_port"`
	AppPort   int    `yaml:"app_port"`
}

// Route53Config configures TXT-record based peer discovery.
type Route53Config struct {
	HostedZoneID string `yaml:"hosted_zone_id"`
	RecordName   string `yaml:"record_name"`
}

// BootstrapConfig selects how a node finds an existing ring to join.
type BootstrapConfig struct {
	Mode    string        `yaml:"mode"` // "static", "route53", or "" for a new ring
	Peers   []string      `yaml:"peers"`
	Route53 Route53Config `yaml:"route53"`
}

// DHTConfig configures the ring itself.
type DHTConfig struct {
	IDBits    int             `yaml:"id_bits"`
	Bootstrap BootstrapConfig `yaml:"bootstrap"`
}

// LoggerConfig configures the zap/lumberjack logging backend.
type LoggerConfig struct {
	Active     bool   `yaml:"active"`
	Level      string `yaml:"level"`
	FilePath   string `yaml:"file_path"`
	Console    bool   `yaml:"console"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

// TracingConfig configures the OpenTelemetry tracer provider.
type TracingConfig struct {
	Enabled        bool   `yaml:"enabled"`
	OTLPEndpoint   string `yaml:"otlp_endpoint"`
	UseStdoutDebug bool   `yaml:"use_stdout_debug"`
}

// TelemetryConfig groups tracing configuration.
type TelemetryConfig struct {
	Tracing TracingConfig `yaml:"tracing"`
}

// MetricsConfig configures the VictoriaMetrics-compatible HTTP scrape
// surface.
type MetricsConfig struct {
	Enabled    bool   `yaml:"enabled"`
	ListenAddr string `yaml:"listen_addr"`
}

// Config is the complete configuration tree for one node process.
type Config struct {
	Node      NodeConfig      `yaml:"node"`
	DHT       DHTConfig       `yaml:"dht"`
	Logger    LoggerConfig    `yaml:"logger"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

func defaults() Config {
	return Config{
		Node: NodeConfig{Bind: "0.0.0.0", ChordPort: 9000, AppPort: 9001},
		DHT:  DHTConfig{IDBits: 32},
		Logger: LoggerConfig{
			Active: true, Level: "info", Console: true,
			MaxSizeMB: 50, MaxBackups: 3, MaxAgeDays: 14,
		},
		Metrics: MetricsConfig{Enabled: true, ListenAddr: ":9100"},
	}
}

// LoadConfig reads a YAML config file at path, then overlays any
// matching CHORDRING_* environment variables (and, if a file named
// path + ".env" exists, variables parsed from that file first).
func LoadConfig(path string) (*Config, error) {
	cfg := defaults()

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	if envFile, err := os.Open(path + ".env"); err == nil {
		defer envFile.Close()
		env, err := envparse.Parse(envFile)
		if err != nil {
			return nil, fmt.Errorf("config: parse %s.env: %w", path, err)
		}
		applyEnvOverlay(&cfg, env)
	}
	applyEnvOverlay(&cfg, processEnv())

	return &cfg, nil
}

func processEnv() map[string]string {
	out := make(map[string]string)
	for _, key := range []string{
		"CHORDRING_CHORD_PORT", "CHORDRING_APP_PORT", "CHORDRING_BIND", "CHORDRING_HOST",
		"CHORDRING_JOIN_POINT", "CHORDRING_LOG_LEVEL", "CHORDRING_BOOTSTRAP_MODE",
	} {
		if v, ok := os.LookupEnv(key); ok {
			out[key] = v
		}
	}
	return out
}

// applyEnvOverlay applies a small, explicit set of known environment
// variables onto cfg. Unrecognized keys are ignored: the overlay is a
// deployment convenience, not a general-purpose struct binder.
func applyEnvOverlay(cfg *Config, env map[string]string) {
	if v, ok := env["CHORDRING_CHORD_PORT"]; ok {
		if p, err := strconv.Atoi(v); err == nil {
			cfg.Node.ChordPort = p
		}
	}
	if v, ok := env["CHORDRING_APP_PORT"]; ok {
		if p, err := strconv.Atoi(v); err == nil {
			cfg.Node.AppPort = p
		}
	}
	if v, ok := env["CHORDRING_BIND"]; ok {
		cfg.Node.Bind = v
	}
	if v, ok := env["CHORDRING_HOST"]; ok {
		cfg.Node.Host = v
	}
	if v, ok := env["CHORDRING_JOIN_POINT"]; ok {
		cfg.DHT.Bootstrap.Mode = "static"
		cfg.DHT.Bootstrap.Peers = []string{v}
	}
	if v, ok := env["CHORDRING_LOG_LEVEL"]; ok {
		cfg.Logger.Level = v
	}
	if v, ok := env["CHORDRING_BOOTSTRAP_MODE"]; ok {
		cfg.DHT.Bootstrap.Mode = v
	}
}

// ValidateConfig checks field-level constraints the rest of the module
// assumes hold.
func (c *Config) ValidateConfig() error {
	if c.Node.ChordPort < 1024 || c.Node.ChordPort > 65535 {
		return fmt.Errorf("config: chord_port %d out of range [1024, 65535]", c.Node.ChordPort)
	}
	if c.Node.AppPort < 1024 || c.Node.AppPort > 65535 {
		return fmt.Errorf("config: app_port %d out of range [1024, 65535]", c.Node.AppPort)
	}
	if c.DHT.IDBits <= 0 || c.DHT.IDBits > 160 {
		return fmt.Errorf("config: dht.id_bits %d out of range (0, 160]", c.DHT.IDBits)
	}
	switch c.DHT.Bootstrap.Mode {
	case "", "static", "route53":
	default:
		return fmt.Errorf("config: unsupported dht.bootstrap.mode %q", c.DHT.Bootstrap.Mode)
	}
	if c.DHT.Bootstrap.Mode == "route53" && c.DHT.Bootstrap.Route53.HostedZoneID == "" {
		return fmt.Errorf("config: dht.bootstrap.route53.hosted_zone_id is required in route53 mode")
	}
	return nil
}

// LogConfig emits the resolved configuration at debug level, useful for
// diagnosing a misconfigured deployment.
func (c *Config) LogConfig(lgr logger.Logger) {
	lgr.Debug("resolved configuration",
		logger.F("chord_port", c.Node.ChordPort),
		logger.F("app_port", c.Node.AppPort),
		logger.F("bind", c.Node.Bind),
		logger.F("id_bits", c.DHT.IDBits),
		logger.F("bootstrap_mode", c.DHT.Bootstrap.Mode),
		logger.F("metrics_enabled", c.Metrics.Enabled),
		logger.F("tracing_enabled", c.Telemetry.Tracing.Enabled))
}
