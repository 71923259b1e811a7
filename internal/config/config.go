package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	NATS          NATSConfig          `yaml:"nats"`
	Tiers         TiersConfig         `yaml:"tiers"`
	Router        RouterConfig        `yaml:"router"`
	Tracker       TrackerConfig       `yaml:"tracker"`
	API           APIConfig           `yaml:"api"`
	Observability ObservabilityConfig `yaml:"observability"`
}

type NATSConfig struct {
	URL             string    `yaml:"url"`
	CredentialsFile string    `yaml:"credentials_file"`
	NKeySeedFile    string    `yaml:"nkey_seed_file"`
	TLS             TLSConfig `yaml:"tls"`
	ConnectionName  string    `yaml:"connection_name"`
	MaxReconnects   int       `yaml:"max_reconnects"`
	ReconnectWait   Duration  `yaml:"reconnect_wait"`
}

type TLSConfig struct {
	CAFile   string `yaml:"ca_file"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

type TiersConfig struct {
	Hot        CacheTierConfig      `yaml:"hot"`
	Warm       CacheTierConfig      `yaml:"warm"`
	Relational RelationalTierConfig `yaml:"relational"`
	Ephemeral  EphemeralTierConfig  `yaml:"ephemeral"`
	Archive    ArchiveTierConfig    `yaml:"archive"`
}

// CacheTierConfig configures one JetStream KV bucket serving the hot or
// warm class.
type CacheTierConfig struct {
	Enabled    bool     `yaml:"enabled"`
	Bucket     string   `yaml:"bucket"`
	DefaultTTL Duration `yaml:"default_ttl"`
	Replicas   int      `yaml:"replicas"`
}

type RelationalTierConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
	Table   string `yaml:"table"`
}

type EphemeralTierConfig struct {
	Enabled       bool     `yaml:"enabled"`
	DefaultTTL    Duration `yaml:"default_ttl"`
	SweepInterval Duration `yaml:"sweep_interval"`
	MaxEntries    int      `yaml:"max_entries"`
}

type ArchiveTierConfig struct {
	Enabled         bool   `yaml:"enabled"`
	Endpoint        string `yaml:"endpoint"`
	Region          string `yaml:"region"`
	Bucket          string `yaml:"bucket"`
	Prefix          string `yaml:"prefix"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	ForcePathStyle  bool   `yaml:"force_path_style"`
}

type RouterConfig struct {
	PromoteAfterHits int      `yaml:"promote_after_hits"`
	DemoteAfter      Duration `yaml:"demote_after"`
	EvalInterval     Duration `yaml:"eval_interval"`
	DualWrite        bool     `yaml:"dual_write"`
	DualWith         string   `yaml:"dual_with"`
	FallbackClass    string   `yaml:"fallback_class"`
	ArchiveMinSize   ByteSize `yaml:"archive_min_size"`
}

type TrackerConfig struct {
	Path   string `yaml:"path"`
	NoSync bool   `yaml:"no_sync"`
}

type APIConfig struct {
	Enabled       bool                `yaml:"enabled"`
	Listen        string              `yaml:"listen"`
	NATSResponder NATSResponderConfig `yaml:"nats_responder"`
}

type NATSResponderConfig struct {
	Enabled       bool   `yaml:"enabled"`
	SubjectPrefix string `yaml:"subject_prefix"`
}

type ObservabilityConfig struct {
	Metrics MetricsConfig `yaml:"metrics"`
	Health  HealthConfig  `yaml:"health"`
	Logging LoggingConfig `yaml:"logging"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
	Path    string `yaml:"path"`
}

type HealthConfig struct {
	Enabled       bool   `yaml:"enabled"`
	Listen        string `yaml:"listen"`
	LivenessPath  string `yaml:"liveness_path"`
	ReadinessPath string `yaml:"readiness_path"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

func (c *Config) Validate() error {
	if (c.Tiers.Hot.Enabled || c.Tiers.Warm.Enabled || c.API.NATSResponder.Enabled) && c.NATS.URL == "" {
		return fmt.Errorf("nats.url is required when a cache tier or the NATS responder is enabled")
	}

	if !c.Tiers.Hot.Enabled && !c.Tiers.Warm.Enabled && !c.Tiers.Relational.Enabled &&
		!c.Tiers.Ephemeral.Enabled && !c.Tiers.Archive.Enabled {
		return fmt.Errorf("at least one tier must be enabled")
	}

	if c.Tiers.Hot.Enabled && c.Tiers.Hot.Bucket == "" {
		return fmt.Errorf("tiers.hot: bucket is required")
	}
	if c.Tiers.Warm.Enabled && c.Tiers.Warm.Bucket == "" {
		return fmt.Errorf("tiers.warm: bucket is required")
	}
	if c.Tiers.Hot.Enabled && c.Tiers.Warm.Enabled && c.Tiers.Hot.Bucket == c.Tiers.Warm.Bucket {
		return fmt.Errorf("tiers.hot and tiers.warm must use distinct buckets")
	}
	if c.Tiers.Relational.Enabled && c.Tiers.Relational.Path == "" {
		return fmt.Errorf("tiers.relational: path is required")
	}
	if c.Tiers.Archive.Enabled {
		if c.Tiers.Archive.Bucket == "" {
			return fmt.Errorf("tiers.archive: bucket is required")
		}
		if c.Tiers.Archive.Endpoint == "" && c.Tiers.Archive.Region == "" {
			return fmt.Errorf("tiers.archive: endpoint or region is required")
		}
	}

	if c.Router.PromoteAfterHits < 0 {
		return fmt.Errorf("router.promote_after_hits must be >= 0")
	}
	if c.Router.EvalInterval <= 0 {
		return fmt.Errorf("router.eval_interval must be > 0")
	}
	if c.Router.FallbackClass != "" && !knownClass(c.Router.FallbackClass) {
		return fmt.Errorf("router.fallback_class: unknown class %q", c.Router.FallbackClass)
	}
	if c.Router.DualWrite {
		if c.Router.DualWith == "" {
			return fmt.Errorf("router.dual_with is required when dual_write is enabled")
		}
		if !knownClass(c.Router.DualWith) {
			return fmt.Errorf("router.dual_with: unknown class %q", c.Router.DualWith)
		}
	}

	if c.Tracker.Path == "" {
		return fmt.Errorf("tracker.path is required")
	}

	return nil
}

func knownClass(s string) bool {
	switch s {
	case "hot_cache", "warm_cache", "cold_storage", "ephemeral", "archive":
		return true
	}
	return false
}

// Duration wraps time.Duration for YAML unmarshaling of strings like "5m", "24h".
type Duration time.Duration

func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

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

func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// ByteSize wraps int64 for YAML unmarshaling of strings like "256MB", "10GB".
type ByteSize int64

func (b *ByteSize) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		// Try as integer
		var n int64
		if err2 := value.Decode(&n); err2 != nil {
			return err
		}
		*b = ByteSize(n)
		return nil
	}
	parsed, err := parseByteSize(s)
	if err != nil {
		return err
	}
	*b = ByteSize(parsed)
	return nil
}

func parseByteSize(s string) (int64, error) {
	if len(s) == 0 {
		return 0, fmt.Errorf("empty byte size")
	}

	var multiplier int64 = 1
	numStr := s

	switch {
	case len(s) >= 2 && s[len(s)-2:] == "KB":
		multiplier = 1024
		numStr = s[:len(s)-2]
	case len(s) >= 2 && s[len(s)-2:] == "MB":
		multiplier = 1024 * 1024
		numStr = s[:len(s)-2]
	case len(s) >= 2 && s[len(s)-2:] == "GB":
		multiplier = 1024 * 1024 * 1024
		numStr = s[:len(s)-2]
	case len(s) >= 2 && s[len(s)-2:] == "TB":
		multiplier = 1024 * 1024 * 1024 * 1024
		numStr = s[:len(s)-2]
	case s[len(s)-1] == 'B':
		numStr = s[:len(s)-1]
	}

	var n int64
	_, err := fmt.Sscanf(numStr, "%d", &n)
	if err != nil {
		return 0, fmt.Errorf("invalid byte size %q: %w", s, err)
	}
	return n * multiplier, nil
}
