package config

import (
	"bytes"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"time"

	"gopkg.in/yaml.v3"

	"riskroute/internal/domain"
)

// Config models riskroute.yml.
type Config struct {
	Version int `yaml:"version"`
	Risk    struct {
		Weights    map[string]float64 `yaml:"weights"`
		Thresholds struct {
			Medium float64 `yaml:"medium"`
			High   float64 `yaml:"high"`
		} `yaml:"thresholds"`
		ConfidenceWeightCap float64 `yaml:"confidence_weight_cap"`
	} `yaml:"risk"`
	Budget struct {
		DefaultTaskCap float64 `yaml:"default_task_cap"`
		EarlyExitRatio float64 `yaml:"early_exit_ratio"`
	} `yaml:"budget"`
	Breaker  BreakerConfig `yaml:"breaker"`
	Selector struct {
		ReservationTTL time.Duration `yaml:"reservation_ttl"`
		Weights        struct {
			Capability  float64 `yaml:"capability"`
			TierFit     float64 `yaml:"tier_fit"`
			Headroom    float64 `yaml:"headroom"`
			SuccessRate float64 `yaml:"success_rate"`
		} `yaml:"weights"`
	} `yaml:"selector"`
	Retry struct {
		MaxPerTask       int `yaml:"max_per_task"`
		SameTierFailures int `yaml:"same_tier_failures"`
	} `yaml:"retry"`
	Engine struct {
		RunTimeout   time.Duration `yaml:"run_timeout"`
		BlockedRetry time.Duration `yaml:"blocked_retry"`
	} `yaml:"engine"`
	Domains   []string                `yaml:"domains"`
	Workers   []WorkerConfig          `yaml:"workers"`
	Fallbacks map[domain.Tier][]string `yaml:"fallbacks"`
	Bus       struct {
		Driver string `yaml:"driver"`
		URL    string `yaml:"url"`
		Prefix string `yaml:"prefix"`
	} `yaml:"bus"`
	Webhooks []WebhookConfig `yaml:"webhooks"`
	Log      struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
}

type BreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	Cooldown         time.Duration `yaml:"cooldown"`
	LatencyCeiling   time.Duration `yaml:"latency_ceiling"`
	LatencyWindow    int           `yaml:"latency_window"`
	MinSamples       int           `yaml:"min_samples"`
}

type WorkerConfig struct {
	ID              string             `yaml:"id"`
	Tier            domain.Tier        `yaml:"tier"`
	Capability      map[string]float64 `yaml:"capability"`
	MaxConcurrent   int                `yaml:"max_concurrent"`
	Cost            float64            `yaml:"cost"`
	AvgDuration     time.Duration      `yaml:"avg_duration"`
	BucketCapacity  float64            `yaml:"bucket_capacity"`
	RefillPerMinute float64            `yaml:"refill_per_minute"`
}

type WebhookConfig struct {
	URL     string        `yaml:"url"`
	Events  []string      `yaml:"events"`
	Enabled *bool         `yaml:"enabled"`
	Secret  string        `yaml:"secret"`
	Timeout time.Duration `yaml:"timeout"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with rr config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns the default config if the file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if len(c.Risk.Weights) == 0 {
		return fmt.Errorf("config.risk.weights is required")
	}
	known := map[string]bool{}
	for _, name := range domain.FeatureNames {
		known[name] = true
	}
	sum := 0.0
	for name, w := range c.Risk.Weights {
		if !known[name] {
			return fmt.Errorf("config.risk.weights has unknown feature %s", name)
		}
		if w < 0 || math.IsNaN(w) {
			return fmt.Errorf("weight for %s must be >= 0", name)
		}
		sum += w
	}
	if math.Abs(sum-1) > 1e-6 {
		return fmt.Errorf("config.risk.weights must sum to 1, got %.4f", sum)
	}
	if c.Risk.ConfidenceWeightCap > 0 && c.Risk.Weights[domain.FeatureConfidenceNegated] > c.Risk.ConfidenceWeightCap {
		return fmt.Errorf("weight for %s exceeds confidence_weight_cap %.2f", domain.FeatureConfidenceNegated, c.Risk.ConfidenceWeightCap)
	}
	th := c.Risk.Thresholds
	if !(th.Medium > 0 && th.Medium < th.High && th.High <= 1) {
		return fmt.Errorf("config.risk.thresholds must satisfy 0 < medium < high <= 1")
	}
	if c.Budget.DefaultTaskCap <= 0 {
		return fmt.Errorf("config.budget.default_task_cap must be > 0")
	}
	if c.Budget.EarlyExitRatio < 0 || c.Budget.EarlyExitRatio > 1 {
		return fmt.Errorf("config.budget.early_exit_ratio must be within [0,1]")
	}
	if c.Breaker.FailureThreshold <= 0 {
		return fmt.Errorf("config.breaker.failure_threshold must be > 0")
	}
	if c.Breaker.Cooldown <= 0 {
		return fmt.Errorf("config.breaker.cooldown must be > 0")
	}
	if c.Retry.MaxPerTask < 0 || c.Retry.SameTierFailures <= 0 {
		return fmt.Errorf("config.retry requires max_per_task >= 0 and same_tier_failures > 0")
	}
	if len(c.Domains) == 0 {
		return fmt.Errorf("config.domains is required")
	}
	domains := map[string]bool{}
	for _, d := range c.Domains {
		if d == "" {
			return fmt.Errorf("config.domains contains empty domain")
		}
		domains[d] = true
	}
	seen := map[string]bool{}
	for _, w := range c.Workers {
		if w.ID == "" {
			return fmt.Errorf("worker id is required")
		}
		if seen[w.ID] {
			return fmt.Errorf("duplicate worker %s", w.ID)
		}
		seen[w.ID] = true
		if !w.Tier.Valid() {
			return fmt.Errorf("worker %s has invalid tier %d", w.ID, w.Tier)
		}
		if len(w.Capability) == 0 {
			return fmt.Errorf("worker %s serves no domain", w.ID)
		}
		for d, score := range w.Capability {
			if !domains[d] {
				return fmt.Errorf("worker %s references unknown domain %s", w.ID, d)
			}
			if score < 0 || score > 100 {
				return fmt.Errorf("worker %s capability for %s must be within [0,100]", w.ID, d)
			}
		}
		if w.MaxConcurrent <= 0 {
			return fmt.Errorf("worker %s max_concurrent must be > 0", w.ID)
		}
		if w.Cost < 0 || w.BucketCapacity < 0 || w.RefillPerMinute < 0 {
			return fmt.Errorf("worker %s budget values must be >= 0", w.ID)
		}
	}
	for tier, ids := range c.Fallbacks {
		if !tier.Valid() {
			return fmt.Errorf("config.fallbacks has invalid tier %d", tier)
		}
		for _, id := range ids {
			if !seen[id] {
				return fmt.Errorf("fallback for tier %d references unknown worker %s", tier, id)
			}
		}
	}
	switch c.Bus.Driver {
	case "", "memory", "redis", "nats":
	default:
		return fmt.Errorf("config.bus.driver must be memory, redis or nats")
	}
	return nil
}

// DomainSet returns the configured domain catalog.
func (c *Config) DomainSet() map[string]bool {
	out := make(map[string]bool, len(c.Domains))
	for _, d := range c.Domains {
		out[d] = true
	}
	return out
}

// WorkerIDs returns configured worker ids sorted.
func (c *Config) WorkerIDs() []string {
	ids := make([]string, 0, len(c.Workers))
	for _, w := range c.Workers {
		ids = append(ids, w.ID)
	}
	sort.Strings(ids)
	return ids
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "riskroute.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes. Unset sections keep their defaults.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	cfg.Workers = nil
	cfg.Domains = nil
	cfg.Fallbacks = nil
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

const defaultTemplate = `version: 1

risk:
  weights:
    change_size: 0.20
    sensitive_path: 0.25
    coverage_drop: 0.15
    static_severity: 0.20
    confidence_negated: 0.10
    surface_area: 0.10
  thresholds:
    medium: 0.25
    high: 0.60
  confidence_weight_cap: 0.10

budget:
  default_task_cap: 100
  early_exit_ratio: 0.70

breaker:
  failure_threshold: 3
  cooldown: 5m
  latency_ceiling: 10m
  latency_window: 20
  min_samples: 5

selector:
  reservation_ttl: 30s
  weights:
    capability: 0.4
    tier_fit: 0.3
    headroom: 0.2
    success_rate: 0.1

retry:
  max_per_task: 4
  same_tier_failures: 2

engine:
  run_timeout: 30m
  blocked_retry: 1m

domains: [ui, backend-logic, infra, docs]

workers:
  - id: lint-bot
    tier: 1
    capability: {ui: 60, backend-logic: 55, docs: 80}
    max_concurrent: 4
    cost: 2
    avg_duration: 5m
    bucket_capacity: 40
    refill_per_minute: 2
  - id: local-coder
    tier: 1
    capability: {ui: 50, backend-logic: 65, infra: 40}
    max_concurrent: 2
    cost: 3
    avg_duration: 10m
    bucket_capacity: 30
    refill_per_minute: 1
  - id: review-agent
    tier: 2
    capability: {ui: 75, backend-logic: 80, infra: 70, docs: 70}
    max_concurrent: 2
    cost: 10
    avg_duration: 20m
    bucket_capacity: 100
    refill_per_minute: 2
  - id: senior-agent
    tier: 3
    capability: {ui: 90, backend-logic: 95, infra: 90, docs: 85}
    max_concurrent: 1
    cost: 25
    avg_duration: 40m
    bucket_capacity: 150
    refill_per_minute: 2

fallbacks:
  1: [review-agent]
  2: [senior-agent]

bus:
  driver: memory
  prefix: riskroute

log:
  level: info
  format: text
`
