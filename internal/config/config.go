package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"
)

type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Guardian GuardianConfig `yaml:"guardian"`
	Cache    CacheConfig    `yaml:"cache"`
	Router   RouterConfig   `yaml:"router"`
	Timeouts TimeoutsConfig `yaml:"timeouts"`
	NLU      NLUConfig      `yaml:"nlu"`
	Backends BackendsConfig `yaml:"backends"`
	Privacy  PrivacyConfig  `yaml:"privacy"`
	Energy   EnergyConfig   `yaml:"energy"`
	Paths    PathsConfig    `yaml:"paths"`
	Auth     AuthConfig     `yaml:"auth"`
}

type ServerConfig struct {
	Port              int    `yaml:"port"`
	Env               string `yaml:"env"`
	SessionRatePerMin int    `yaml:"session_rate_per_min"`
	MaxBodyBytes      int64  `yaml:"max_body_bytes"`
}

type GuardianConfig struct {
	RAMSoftPct     float64 `yaml:"ram_soft_pct"`
	RAMHardPct     float64 `yaml:"ram_hard_pct"`
	RAMRecoverPct  float64 `yaml:"ram_recover_pct"`
	CPUSoftPct     float64 `yaml:"cpu_soft_pct"`
	CPURecoverPct  float64 `yaml:"cpu_recover_pct"`
	TempHardC      float64 `yaml:"temp_hard_c"`
	BatteryHardPct float64 `yaml:"battery_hard_pct"`

	SampleInterval  time.Duration `yaml:"sample_interval"`
	RecoverDwell    time.Duration `yaml:"recover_dwell"`
	LockdownWindow  time.Duration `yaml:"lockdown_window"`
	LockdownMaxTTL  time.Duration `yaml:"lockdown_max_ttl"`
	MaxKillsInWindow int          `yaml:"max_kills_in_window"`
}

type CacheConfig struct {
	Enabled       bool          `yaml:"enabled"`
	RedisAddr     string        `yaml:"redis_addr"`
	RedisPassword string        `yaml:"redis_password"`
	RedisDB       int           `yaml:"redis_db"`
	SimThreshold  float64       `yaml:"sim_threshold"`
	TTLEasy       time.Duration `yaml:"ttl_easy"`
	TTLMedium     time.Duration `yaml:"ttl_medium"`
	TTLHard       time.Duration `yaml:"ttl_hard"`
	NegativeTTL   time.Duration `yaml:"negative_ttl"`
	SchemaVersion string        `yaml:"schema_version"`
	DepsVersion   string        `yaml:"deps_version"`
}

type RouterConfig struct {
	CanaryShare        float64 `yaml:"canary_share"`
	MicroMaxShare      float64 `yaml:"micro_max_share"`
	PlannerMaxParallel int     `yaml:"planner_max_parallel"`
	DeepEnabled        bool    `yaml:"deep_enabled"`
	SnapshotInterval   time.Duration `yaml:"snapshot_interval"`
}

type TimeoutsConfig struct {
	MicroFirst   time.Duration `yaml:"micro_first"`
	MicroFull    time.Duration `yaml:"micro_full"`
	PlannerFirst time.Duration `yaml:"planner_first"`
	PlannerFull  time.Duration `yaml:"planner_full"`
	DeepFirst    time.Duration `yaml:"deep_first"`
	DeepFull     time.Duration `yaml:"deep_full"`
	NLU          time.Duration `yaml:"nlu"`
	Tool         time.Duration `yaml:"tool"`
}

type NLUConfig struct {
	Endpoint string `yaml:"endpoint"`
	XNLI     string `yaml:"xnli_endpoint"`
}

type BackendsConfig struct {
	MicroEndpoint   string `yaml:"micro_endpoint"`
	PlannerEndpoint string `yaml:"planner_endpoint"`
	DeepEndpoint    string `yaml:"deep_endpoint"`
	ArgsFromModel   bool   `yaml:"planner_args_from_model"`
}

type PrivacyConfig struct {
	MaskPII          bool          `yaml:"mask_pii"`
	SessionRetention time.Duration `yaml:"session_retention"`
	AggRetention     time.Duration `yaml:"agg_retention"`
}

type EnergyConfig struct {
	BaselineWatts float64            `yaml:"baseline_watts"`
	RouteWeights  map[string]float64 `yaml:"route_weights"`
}

type PathsConfig struct {
	TelemetryDir string `yaml:"telemetry_dir"`
	BanditDir    string `yaml:"bandit_dir"`
	ToolRegistry string `yaml:"tool_registry"`
}

type AuthConfig struct {
	BearerToken string `yaml:"bearer_token"`
	HMACSecret  string `yaml:"hmac_secret"`
}

// Default returns the built-in configuration. Values mirror the documented
// defaults; a yaml file overrides field by field.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:              8080,
			Env:               "dev",
			SessionRatePerMin: 10,
			MaxBodyBytes:      32 * 1024,
		},
		Guardian: GuardianConfig{
			RAMSoftPct:       80,
			RAMHardPct:       92,
			RAMRecoverPct:    70,
			CPUSoftPct:       80,
			CPURecoverPct:    70,
			TempHardC:        85,
			BatteryHardPct:   25,
			SampleInterval:   time.Second,
			RecoverDwell:     60 * time.Second,
			LockdownWindow:   30 * time.Minute,
			LockdownMaxTTL:   time.Hour,
			MaxKillsInWindow: 3,
		},
		Cache: CacheConfig{
			Enabled:       true,
			RedisAddr:     "127.0.0.1:6379",
			SimThreshold:  0.85,
			TTLEasy:       60 * time.Minute,
			TTLMedium:     30 * time.Minute,
			TTLHard:       5 * time.Minute,
			NegativeTTL:   30 * time.Second,
			SchemaVersion: "s1",
			DepsVersion:   "d1",
		},
		Router: RouterConfig{
			CanaryShare:        0.05,
			MicroMaxShare:      0.20,
			PlannerMaxParallel: 2,
			DeepEnabled:        true,
			SnapshotInterval:   5 * time.Minute,
		},
		Timeouts: TimeoutsConfig{
			MicroFirst:   250 * time.Millisecond,
			MicroFull:    500 * time.Millisecond,
			PlannerFirst: 900 * time.Millisecond,
			PlannerFull:  1500 * time.Millisecond,
			DeepFirst:    1800 * time.Millisecond,
			DeepFull:     3000 * time.Millisecond,
			NLU:          80 * time.Millisecond,
			Tool:         800 * time.Millisecond,
		},
		Privacy: PrivacyConfig{
			MaskPII:          true,
			SessionRetention: 7 * 24 * time.Hour,
			AggRetention:     30 * 24 * time.Hour,
		},
		Energy: EnergyConfig{
			BaselineWatts: 4.5,
			RouteWeights: map[string]float64{
				"MICRO":   1.0,
				"PLANNER": 2.2,
				"DEEP":    4.0,
			},
		},
		Paths: PathsConfig{
			TelemetryDir: "./data/telemetry",
			BanditDir:    "./state/bandit",
			ToolRegistry: "./configs/tools.yaml",
		},
	}
}

// Load reads a yaml config file on top of the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("open config: %w", err)
	}
	defer f.Close()

	if err := yaml.NewDecoder(f).Decode(cfg); err != nil {
		return nil, fmt.Errorf("decode config %s: %w", path, err)
	}
	return cfg, nil
}
