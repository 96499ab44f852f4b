package config

import (
	"bytes"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config models sage.yml.
type Config struct {
	Learning  LearningConfig  `yaml:"learning" json:"learning"`
	Job       JobConfig       `yaml:"job" json:"job"`
	Reward    RewardConfig    `yaml:"reward" json:"reward"`
	Proposals ProposalsConfig `yaml:"proposals" json:"proposals"`
	Locker    LockerConfig    `yaml:"locker" json:"locker"`
	Logging   LoggingConfig   `yaml:"logging" json:"logging"`
	Tracing   TracingConfig   `yaml:"tracing" json:"tracing"`
	Server    ServerConfig    `yaml:"server" json:"server"`
}

type LearningConfig struct {
	LearningRate  float64 `yaml:"learning_rate" json:"learning_rate"`
	MaxStepNorm   float64 `yaml:"max_step_norm" json:"max_step_norm"`
	MaxWeightNorm float64 `yaml:"max_weight_norm" json:"max_weight_norm"`
	// MetricsLookback is the telemetry window used for metrics_before when the
	// caller does not provide one.
	MetricsLookback Duration `yaml:"metrics_lookback" json:"metrics_lookback"`
}

type JobConfig struct {
	BatchSize int      `yaml:"batch_size" json:"batch_size"`
	MinAge    Duration `yaml:"min_age" json:"min_age"`
	MaxAge    Duration `yaml:"max_age" json:"max_age"`
	Budget    Duration `yaml:"budget" json:"budget"`
	Workers   int      `yaml:"workers" json:"workers"`
	LockTTL   Duration `yaml:"lock_ttl" json:"lock_ttl"`
	Schedule  string   `yaml:"schedule" json:"schedule"`
	// ExpirySchedule drives the standalone proposal expiry sweep.
	ExpirySchedule string `yaml:"expiry_schedule" json:"expiry_schedule"`
}

type MetricWeight struct {
	Weight float64 `yaml:"weight" json:"weight"`
	Scale  float64 `yaml:"scale" json:"scale"`
}

type RewardConfig struct {
	AcceptBase         float64                 `yaml:"accept_base" json:"accept_base"`
	AcceptMetricWeight float64                 `yaml:"accept_metric_weight" json:"accept_metric_weight"`
	RejectBase         float64                 `yaml:"reject_base" json:"reject_base"`
	RejectMetricWeight float64                 `yaml:"reject_metric_weight" json:"reject_metric_weight"`
	Metrics            map[string]MetricWeight `yaml:"metrics" json:"metrics"`
}

type ProposalsConfig struct {
	TTL Duration `yaml:"ttl" json:"ttl"`
	// Actions lists the policy actions that also produce a reviewable proposal.
	Actions []string `yaml:"actions" json:"actions"`
}

type LockerConfig struct {
	Backend   string   `yaml:"backend" json:"backend"`
	RedisAddr string   `yaml:"redis_addr" json:"redis_addr"`
	TTL       Duration `yaml:"ttl" json:"ttl"`
}

type LoggingConfig struct {
	Mode string `yaml:"mode" json:"mode"`
}

type TracingConfig struct {
	Enabled  bool   `yaml:"enabled" json:"enabled"`
	Exporter string `yaml:"exporter" json:"exporter"`
	Endpoint string `yaml:"endpoint" json:"endpoint"`
}

type ServerConfig struct {
	Addr                   string `yaml:"addr" json:"addr"`
	BasePath               string `yaml:"base_path" json:"base_path"`
	AllowLegacyActorHeader bool   `yaml:"allow_legacy_actor_header" json:"allow_legacy_actor_header"`
}

// Duration is a time.Duration that reads and writes as "36h", "15m".
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if err := c.checkFinite(); err != nil {
		return err
	}
	if c.Learning.LearningRate <= 0 {
		return fmt.Errorf("learning.learning_rate must be > 0")
	}
	if c.Learning.MaxStepNorm <= 0 {
		return fmt.Errorf("learning.max_step_norm must be > 0")
	}
	if c.Learning.MaxWeightNorm < c.Learning.MaxStepNorm {
		return fmt.Errorf("learning.max_weight_norm must be >= max_step_norm")
	}
	if c.Job.BatchSize <= 0 {
		return fmt.Errorf("job.batch_size must be > 0")
	}
	if c.Job.MinAge < 0 || c.Job.MaxAge <= c.Job.MinAge {
		return fmt.Errorf("job.max_age must be greater than job.min_age")
	}
	if c.Job.Budget <= 0 {
		return fmt.Errorf("job.budget must be > 0")
	}
	if c.Job.Workers <= 0 {
		return fmt.Errorf("job.workers must be > 0")
	}
	if c.Job.LockTTL < c.Job.Budget {
		return fmt.Errorf("job.lock_ttl must cover job.budget")
	}
	if c.Job.Schedule == "" {
		return fmt.Errorf("job.schedule is required")
	}
	r := c.Reward
	if r.AcceptMetricWeight < 0 || r.RejectMetricWeight < 0 {
		return fmt.Errorf("reward metric weights must be >= 0")
	}
	// The worst accepted reward must stay above the best rejected reward.
	if r.RejectBase+r.RejectMetricWeight >= r.AcceptBase-r.AcceptMetricWeight {
		return fmt.Errorf("reward: reject_base+reject_metric_weight (%.3f) must be below accept_base-accept_metric_weight (%.3f)",
			r.RejectBase+r.RejectMetricWeight, r.AcceptBase-r.AcceptMetricWeight)
	}
	if len(r.Metrics) == 0 {
		return fmt.Errorf("reward.metrics is required")
	}
	for name, m := range r.Metrics {
		if name == "" {
			return fmt.Errorf("reward.metrics has empty metric name")
		}
		if m.Scale <= 0 {
			return fmt.Errorf("reward metric %s scale must be > 0", name)
		}
	}
	if c.Proposals.TTL <= 0 {
		return fmt.Errorf("proposals.ttl must be > 0")
	}
	// Experiences wait for their proposal's review, so reviews must close
	// before the experience ages out of the learnable window.
	if c.Proposals.TTL >= c.Job.MaxAge {
		return fmt.Errorf("proposals.ttl must be below job.max_age")
	}
	switch c.Locker.Backend {
	case "memory", "":
	case "redis":
		if c.Locker.RedisAddr == "" {
			return fmt.Errorf("locker.redis_addr is required for the redis backend")
		}
	default:
		return fmt.Errorf("locker.backend must be memory or redis")
	}
	if c.Tracing.Enabled {
		switch c.Tracing.Exporter {
		case "stdout":
		case "otlp":
			if c.Tracing.Endpoint == "" {
				return fmt.Errorf("tracing.endpoint is required for the otlp exporter")
			}
		default:
			return fmt.Errorf("tracing.exporter must be stdout or otlp")
		}
	}
	return nil
}

type numField struct {
	name string
	v    float64
}

// checkFinite rejects NaN and infinite numbers, which pass every ordered
// comparison below.
func (c *Config) checkFinite() error {
	fields := []numField{
		{"learning.learning_rate", c.Learning.LearningRate},
		{"learning.max_step_norm", c.Learning.MaxStepNorm},
		{"learning.max_weight_norm", c.Learning.MaxWeightNorm},
		{"reward.accept_base", c.Reward.AcceptBase},
		{"reward.accept_metric_weight", c.Reward.AcceptMetricWeight},
		{"reward.reject_base", c.Reward.RejectBase},
		{"reward.reject_metric_weight", c.Reward.RejectMetricWeight},
	}
	for name, m := range c.Reward.Metrics {
		fields = append(fields,
			numField{"reward.metrics." + name + ".weight", m.Weight},
			numField{"reward.metrics." + name + ".scale", m.Scale},
		)
	}
	for _, f := range fields {
		if math.IsNaN(f.v) || math.IsInf(f.v, 0) {
			return fmt.Errorf("%s must be a finite number", f.name)
		}
	}
	return nil
}

// ProposalAction reports whether a policy action also yields a proposal.
func (c *Config) ProposalAction(action string) bool {
	for _, a := range c.Proposals.Actions {
		if a == action {
			return true
		}
	}
	return false
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "sage.yml")
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with sage config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOrDefault returns the workspace config, or the defaults when the file
// does not exist.
func LoadOrDefault(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	if err := yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg); err != nil {
		panic(fmt.Sprintf("default config template: %v", err))
	}
	return &cfg
}

// FromYAML parses config from raw YAML bytes on top of the defaults and
// validates the result.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `learning:
  learning_rate: 0.05
  max_step_norm: 0.5
  max_weight_norm: 5.0
  metrics_lookback: 168h

job:
  batch_size: 500
  min_age: 24h
  max_age: 336h
  budget: 15m
  workers: 4
  lock_ttl: 30m
  schedule: "0 30 3 * * *"
  expiry_schedule: "@every 1h"

reward:
  accept_base: 0.6
  accept_metric_weight: 0.4
  reject_base: -0.6
  reject_metric_weight: 0.2
  metrics:
    momentum:
      weight: 1.0
      scale: 0.5
    completion_rate:
      weight: 1.0
      scale: 0.25
    friction:
      weight: -1.0
      scale: 0.25
    mood:
      weight: 0.5
      scale: 0.5

proposals:
  ttl: 72h
  actions:
    - protect
    - challenge
    - suggest_task
    - suggest_break
    - weekly_review

locker:
  backend: memory
  redis_addr: ""
  ttl: 30s

logging:
  mode: dev

tracing:
  enabled: false
  exporter: stdout
  endpoint: ""

server:
  addr: 127.0.0.1:8080
  base_path: /v1
  allow_legacy_actor_header: false
`
