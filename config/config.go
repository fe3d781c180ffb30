package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"sandtrap/pkg/models"
)

// Config is the root configuration.
type Config struct {
	Sandtrap SandtrapConfig `yaml:"sandtrap"`
}

// SandtrapConfig is the project configuration.
type SandtrapConfig struct {
	Limits     LimitsConfig     `yaml:"limits"`
	Policy     PolicyConfig     `yaml:"policy"`
	Collectors CollectorsConfig `yaml:"collectors"`
	Sampler    SamplerConfig    `yaml:"sampler"`
	Controller ControllerConfig `yaml:"controller"`
	Report     ReportConfig     `yaml:"report"`
	Status     StatusConfig     `yaml:"status"`
	Metrics    MetricsConfig    `yaml:"metrics"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// LimitsConfig supplies the per-session resource ceilings. A named profile
// (strict/medium/relaxed) seeds the limits; explicit values override it.
type LimitsConfig struct {
	Profile            string        `yaml:"profile"`
	MaxCPUPercent      float64       `yaml:"max_cpu_percent"`
	MaxWorkingSetBytes uint64        `yaml:"max_working_set_bytes"`
	MaxOpenHandles     int           `yaml:"max_open_handles"`
	MaxProcesses       int           `yaml:"max_processes"`
	MaxWallClock       time.Duration `yaml:"max_wall_clock"`
}

// PolicyConfig holds the ordered rule set.
type PolicyConfig struct {
	DefaultAction string     `yaml:"default_action"`
	Rules         []RuleSpec `yaml:"rules"`
	Sigma         SigmaRules `yaml:"sigma"`
}

// SigmaRules enables Sigma detection rules as event taggers.
type SigmaRules struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// RuleSpec is one declared policy rule. Rules are evaluated in priority
// tiers (higher first), then declaration order; the first match wins.
type RuleSpec struct {
	Name     string `yaml:"name"`
	Kind     string `yaml:"kind"`
	Action   string `yaml:"action"`
	Priority int    `yaml:"priority"`

	// Subjects are glob patterns matched against the event subject.
	Subjects []string `yaml:"subjects"`

	// PatternFile points at a shared pattern list file (one glob or
	// substring per line) matched against the event subject.
	PatternFile string `yaml:"pattern_file"`

	// Tag matches events carrying the named detection rule tag.
	Tag string `yaml:"tag"`

	// PublicOnly restricts network rules to public destinations.
	PublicOnly bool `yaml:"public_only"`

	// Rate makes the rule aggregate: it fires when more than Count events
	// of Kind are seen within Window.
	Rate *RateSpec `yaml:"rate"`
}

// RateSpec is a sliding-window aggregate condition.
type RateSpec struct {
	Count  int           `yaml:"count"`
	Window time.Duration `yaml:"window"`
}

// CollectorsConfig enables and tunes the behavior collectors.
type CollectorsConfig struct {
	File       FileCollectorConfig     `yaml:"file"`
	Registry   RegistryCollectorConfig `yaml:"registry"`
	Network    WatcherConfig           `yaml:"network"`
	Process    WatcherConfig           `yaml:"process"`
	PollEvery  time.Duration           `yaml:"poll_every"`
	Coalesce   time.Duration           `yaml:"coalesce_window"`
	QueueDepth int                     `yaml:"queue_depth"`
}

// WatcherConfig is the common on/off switch for a collector.
type WatcherConfig struct {
	Enabled *bool `yaml:"enabled"`
}

// On reports whether the watcher is enabled; nil means enabled.
func (w WatcherConfig) On() bool {
	return w.Enabled == nil || *w.Enabled
}

// FileCollectorConfig tunes the file-system watcher.
type FileCollectorConfig struct {
	WatcherConfig `yaml:",inline"`
	Paths         []string `yaml:"paths"`
}

// RegistryCollectorConfig tunes the registry/persistence watcher.
type RegistryCollectorConfig struct {
	WatcherConfig `yaml:",inline"`
	Keys          []string `yaml:"keys"`
}

// SamplerConfig tunes the resource limiter's sampling loop.
type SamplerConfig struct {
	Interval    time.Duration `yaml:"interval"`
	TimelineCap int           `yaml:"timeline_cap"`
}

// ControllerConfig tunes enforcement behavior.
type ControllerConfig struct {
	GracePeriod    time.Duration `yaml:"grace_period"`
	ThrottleFactor float64       `yaml:"throttle_factor"`
	RelaxAfter     time.Duration `yaml:"relax_after"`
	WorkDir        string        `yaml:"work_dir"`
}

// ReportConfig controls the session report sink.
type ReportConfig struct {
	Mode       string                 `yaml:"mode"` // file|http|redis
	File       FileOutputConfig       `yaml:"file"`
	HTTP       HTTPOutputConfig       `yaml:"http"`
	Redis      RedisOutputConfig      `yaml:"redis"`
	ClickHouse ClickHouseOutputConfig `yaml:"clickhouse"`
}

// StatusConfig controls external status feed publication.
type StatusConfig struct {
	Redis RedisOutputConfig `yaml:"redis"`
}

// RedisOutputConfig config for Redis list publication.
type RedisOutputConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Key      string `yaml:"key"`
}

// ClickHouseOutputConfig config for ClickHouse HTTP JSONEachRow writes of
// the resource timeline.
type ClickHouseOutputConfig struct {
	Enabled  bool              `yaml:"enabled"`
	URL      string            `yaml:"url"`
	Database string            `yaml:"database"`
	Table    string            `yaml:"table"`
	Username string            `yaml:"username"`
	Password string            `yaml:"password"`
	Timeout  time.Duration     `yaml:"timeout"`
	Headers  map[string]string `yaml:"headers"`
}

// FileOutputConfig config for local JSON output.
type FileOutputConfig struct {
	Path string `yaml:"path"`
}

// HTTPOutputConfig config for remote output.
type HTTPOutputConfig struct {
	URL     string            `yaml:"url"`
	Timeout time.Duration     `yaml:"timeout"`
	Headers map[string]string `yaml:"headers"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
}

// LoggingConfig controls logging output.
type LoggingConfig struct {
	Enabled bool   `yaml:"enabled"`
	Level   string `yaml:"level"`
	File    string `yaml:"file"`
	Console bool   `yaml:"console"`
}

// LoadConfig reads and parses a YAML config file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// ApplyDefaults fills unset fields with the effective defaults.
func ApplyDefaults(cfg *Config) {
	st := &cfg.Sandtrap

	if st.Limits.Profile == "" {
		st.Limits.Profile = "medium"
	}

	if st.Policy.DefaultAction == "" {
		st.Policy.DefaultAction = string(models.ActionAllow)
	}

	if st.Collectors.PollEvery <= 0 {
		st.Collectors.PollEvery = 250 * time.Millisecond
	}
	if st.Collectors.Coalesce <= 0 {
		st.Collectors.Coalesce = 100 * time.Millisecond
	}
	if st.Collectors.QueueDepth <= 0 {
		st.Collectors.QueueDepth = 4096
	}

	if st.Sampler.Interval <= 0 {
		st.Sampler.Interval = 250 * time.Millisecond
	}
	if st.Sampler.TimelineCap <= 0 {
		st.Sampler.TimelineCap = 1000
	}

	if st.Controller.GracePeriod <= 0 {
		st.Controller.GracePeriod = 3 * time.Second
	}
	if st.Controller.ThrottleFactor <= 0 || st.Controller.ThrottleFactor >= 1 {
		st.Controller.ThrottleFactor = 0.5
	}
	if st.Controller.RelaxAfter <= 0 {
		st.Controller.RelaxAfter = 5 * time.Second
	}

	if st.Report.Mode == "" {
		st.Report.Mode = "file"
	}
	if st.Report.File.Path == "" {
		st.Report.File.Path = "output/reports.jsonl"
	}
	if st.Report.ClickHouse.Database == "" {
		st.Report.ClickHouse.Database = "sandtrap"
	}
	if st.Report.ClickHouse.Table == "" {
		st.Report.ClickHouse.Table = "resource_timeline"
	}

	if st.Metrics.Listen == "" {
		st.Metrics.Listen = "127.0.0.1:9416"
	}

	if st.Logging.Level == "" {
		st.Logging.Level = "info"
	}
}

// EffectiveLimits expands the limits section into ResourceLimits: the named
// profile is the base and explicit fields override it. An unknown profile
// name is an error; a typo must never lift every ceiling.
func (c LimitsConfig) EffectiveLimits() (models.ResourceLimits, error) {
	limits, ok := models.ProfileLimits(c.Profile)
	if !ok {
		return models.ResourceLimits{}, fmt.Errorf("unknown limits profile %q", c.Profile)
	}
	if c.MaxCPUPercent > 0 {
		limits.MaxCPUPercent = c.MaxCPUPercent
	}
	if c.MaxWorkingSetBytes > 0 {
		limits.MaxWorkingSetBytes = c.MaxWorkingSetBytes
	}
	if c.MaxOpenHandles > 0 {
		limits.MaxOpenHandles = c.MaxOpenHandles
	}
	if c.MaxProcesses > 0 {
		limits.MaxProcesses = c.MaxProcesses
	}
	if c.MaxWallClock > 0 {
		limits.MaxWallClock = c.MaxWallClock
	}
	if err := limits.Validate(); err != nil {
		return models.ResourceLimits{}, err
	}
	return limits, nil
}
