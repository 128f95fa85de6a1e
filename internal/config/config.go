// Package config holds the daemon's configuration surface. The file is
// YAML; unknown keys are errors so a typo cannot silently disable a safety
// setting. Reload on HUP produces a fresh value, never a mutation.
package config

import (
	"bytes"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"afo/internal/types"
)

// Duration is a time.Duration that unmarshals from YAML strings like "90s".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("bad duration %q: %w", s, err)
	}
	*d = Duration(v)
	return nil
}

func (d Duration) MarshalYAML() (any, error) { return time.Duration(d).String(), nil }

// Std returns the standard-library form.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the complete configuration surface.
type Config struct {
	API        APIConfig               `yaml:"api"`
	Backend    BackendConfig           `yaml:"backend"`
	Store      StoreConfig             `yaml:"store"`
	Deploy     DeployConfig            `yaml:"deploy"`
	Autonomy   AutonomyConfig          `yaml:"autonomy"`
	NeverBlock NeverBlockConfig        `yaml:"never_block"`
	Sources    map[string]SourceConfig `yaml:"sources"`
	Feeds      map[string]FeedConfig   `yaml:"feeds"`
	Bus        BusConfig               `yaml:"bus"`
	Correlator CorrelatorConfig        `yaml:"correlator"`
	Translator TranslatorConfig        `yaml:"translator"`
	Logging    LoggingConfig           `yaml:"logging"`
}

// APIConfig locates the local control socket.
type APIConfig struct {
	Socket string `yaml:"socket"`
}

// BackendConfig selects and parameterizes the firewall adapter.
type BackendConfig struct {
	Name    string            `yaml:"name"`
	Options map[string]string `yaml:"options"`
}

// StoreConfig locates the state database.
type StoreConfig struct {
	Path       string `yaml:"path"`
	RetainDays int    `yaml:"retain_days"`
	BackupDir  string `yaml:"backup_dir"`
}

// DeployConfig tunes the deployment controller.
type DeployConfig struct {
	Heartbeat HeartbeatConfig `yaml:"heartbeat"`
	Probation Duration        `yaml:"probation"`
	Lock      LockConfig      `yaml:"lock"`
}

// LockConfig bounds waits on the per-backend apply slot.
type LockConfig struct {
	Timeout Duration `yaml:"timeout"`
}

// HeartbeatConfig configures the probation probe. The probe has two
// halves: an outbound liveness target and the host's own management
// endpoint, which must still accept connections after a rule lands.
type HeartbeatConfig struct {
	Timeout  Duration `yaml:"timeout"`  // probe deadline per attempt
	Interval Duration `yaml:"interval"` // probe cadence
	Probe    string   `yaml:"probe"`    // outbound liveness target host:port
	Inbound  string   `yaml:"inbound"`  // management endpoint host:port
	Disabled bool     `yaml:"disabled"` // operator opt-out; otherwise fail closed
}

// AutonomyConfig tunes the autonomy controller.
type AutonomyConfig struct {
	Level      string        `yaml:"level"`
	MaxCIDR    int           `yaml:"max_cidr"`
	MaxCIDRv6  int           `yaml:"max_cidr_v6"`
	RatePerMin int           `yaml:"rate_per_min"`
	Breaker    BreakerConfig `yaml:"breaker"`
	Cooldown   Duration      `yaml:"cooldown"`
}

// BreakerConfig is the autonomous-deployment circuit breaker window.
type BreakerConfig struct {
	Count  int      `yaml:"count"`
	Window Duration `yaml:"window"`
}

// NeverBlockConfig seeds the protected-subject list.
type NeverBlockConfig struct {
	Entries             []string `yaml:"entries"`
	ManagementDiscovery bool     `yaml:"management_discovery"`
}

// SourceConfig describes one log source.
type SourceConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
	Parser  string `yaml:"parser"` // ssh-auth | netfilter
	Budget  int    `yaml:"budget"` // bus queue budget for this source class
}

// FeedConfig describes one threat feed.
type FeedConfig struct {
	URL      string   `yaml:"url"`
	Interval Duration `yaml:"interval"`
	AgeMax   Duration `yaml:"age_max"`
}

// BusConfig bounds the event bus queues.
type BusConfig struct {
	ClassCapacity int `yaml:"class_capacity"`
	OutDepth      int `yaml:"out_depth"`
	BatchSize     int `yaml:"batch_size"`
}

// CorrelatorConfig tunes scoring and flood handling.
type CorrelatorConfig struct {
	HalfLife     Duration `yaml:"half_life"`
	Cooldown     Duration `yaml:"cooldown"`
	FloodRate    int      `yaml:"flood_rate"` // events/second ceiling
	ClassifyWait Duration `yaml:"classify_wait"`
}

// TranslatorConfig points at the external translation endpoint. An empty
// URL disables text proposals and the slow-path classifier.
type TranslatorConfig struct {
	URL     string   `yaml:"url"`
	Timeout Duration `yaml:"timeout"`
}

// LoggingConfig configures the zap logger.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, console
	File   string `yaml:"file"`   // empty = stderr
}

// DefaultConfig returns the shipped defaults. Autonomy starts at monitor;
// raising it is always an explicit operator act.
func DefaultConfig() *Config {
	return &Config{
		API:     APIConfig{Socket: "/run/afo/afo.sock"},
		Backend: BackendConfig{Name: "nftables", Options: map[string]string{}},
		Store: StoreConfig{
			Path:       "/var/lib/afo/afo.db",
			RetainDays: 30,
			BackupDir:  "/var/lib/afo/backups",
		},
		Deploy: DeployConfig{
			Heartbeat: HeartbeatConfig{
				Timeout:  Duration(5 * time.Second),
				Interval: Duration(10 * time.Second),
			},
			Probation: Duration(2 * time.Minute),
			Lock:      LockConfig{Timeout: Duration(30 * time.Second)},
		},
		Autonomy: AutonomyConfig{
			Level:      string(types.AutonomyMonitor),
			MaxCIDR:    24,
			MaxCIDRv6:  64,
			RatePerMin: 10,
			Breaker: BreakerConfig{
				Count:  3,
				Window: Duration(time.Hour),
			},
			Cooldown: Duration(10 * time.Minute),
		},
		NeverBlock: NeverBlockConfig{ManagementDiscovery: true},
		Sources: map[string]SourceConfig{
			"sshd": {Enabled: true, Path: "/var/log/auth.log", Parser: "ssh-auth", Budget: 1024},
		},
		Feeds: map[string]FeedConfig{},
		Bus: BusConfig{
			ClassCapacity: 1024,
			OutDepth:      256,
			BatchSize:     64,
		},
		Correlator: CorrelatorConfig{
			HalfLife:     Duration(5 * time.Minute),
			Cooldown:     Duration(10 * time.Minute),
			FloodRate:    500,
			ClassifyWait: Duration(5 * time.Second),
		},
		Translator: TranslatorConfig{Timeout: Duration(15 * time.Second)},
		Logging:    LoggingConfig{Level: "info", Format: "json"},
	}
}

// Load reads the config at path over the defaults. A missing file yields
// the defaults; a file with unknown keys is an error.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, cfg.Validate()
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, cfg.Validate()
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("AFO_STORE_PATH"); v != "" {
		c.Store.Path = v
	}
	if v := os.Getenv("AFO_BACKEND"); v != "" {
		c.Backend.Name = v
	}
	if v := os.Getenv("AFO_AUTONOMY_LEVEL"); v != "" {
		c.Autonomy.Level = v
	}
	if v := os.Getenv("AFO_TRANSLATOR_URL"); v != "" {
		c.Translator.URL = v
	}
	if v := os.Getenv("AFO_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("AFO_PROBE_DISABLED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Deploy.Heartbeat.Disabled = b
		}
	}
}

// Validate rejects values that would weaken a safety property.
func (c *Config) Validate() error {
	if _, ok := types.ParseAutonomyLevel(c.Autonomy.Level); !ok {
		return &types.ValidationError{Field: "autonomy.level", Message: fmt.Sprintf("unknown level %q", c.Autonomy.Level)}
	}
	if c.Autonomy.MaxCIDR < 8 || c.Autonomy.MaxCIDR > 32 {
		return &types.ValidationError{Field: "autonomy.max_cidr", Message: "must be between /8 and /32"}
	}
	if c.Autonomy.MaxCIDRv6 < 32 || c.Autonomy.MaxCIDRv6 > 128 {
		return &types.ValidationError{Field: "autonomy.max_cidr_v6", Message: "must be between /32 and /128"}
	}
	if c.Autonomy.Breaker.Count < 1 {
		return &types.ValidationError{Field: "autonomy.breaker.count", Message: "must be at least 1"}
	}
	if c.Autonomy.Breaker.Window.Std() <= 0 {
		return &types.ValidationError{Field: "autonomy.breaker.window", Message: "must be positive"}
	}
	if c.Store.Path == "" {
		return &types.ValidationError{Field: "store.path", Message: "required"}
	}
	if c.API.Socket == "" {
		return &types.ValidationError{Field: "api.socket", Message: "required"}
	}
	if c.Store.RetainDays < 1 {
		return &types.ValidationError{Field: "store.retain_days", Message: "must be at least 1"}
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return &types.ValidationError{Field: "logging.level", Message: fmt.Sprintf("unknown level %q", c.Logging.Level)}
	}
	switch c.Logging.Format {
	case "json", "console":
	default:
		return &types.ValidationError{Field: "logging.format", Message: fmt.Sprintf("unknown format %q", c.Logging.Format)}
	}
	for name, src := range c.Sources {
		if !src.Enabled {
			continue
		}
		if src.Path == "" {
			return &types.ValidationError{Field: "sources." + name + ".path", Message: "required"}
		}
		switch src.Parser {
		case "ssh-auth", "netfilter":
		default:
			return &types.ValidationError{Field: "sources." + name + ".parser", Message: fmt.Sprintf("unknown parser %q", src.Parser)}
		}
	}
	for name, feed := range c.Feeds {
		if feed.URL == "" {
			return &types.ValidationError{Field: "feeds." + name + ".url", Message: "required"}
		}
	}
	return nil
}
