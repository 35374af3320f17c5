package config

import (
	"os"
	"time"

	"github.com/BurntSushi/toml"
)

type Config struct {
	Server    ServerConfig    `toml:"server"`
	Provider  ProviderConfig  `toml:"provider"`
	RateLimit RateLimitConfig `toml:"ratelimit"`
	Breaker   BreakerConfig   `toml:"breaker"`
	Dedupe    DedupeConfig    `toml:"dedupe"`
	Memory    MemoryConfig    `toml:"memory"`
	Agent     AgentConfig     `toml:"agent"`
	Workflow  WorkflowConfig  `toml:"workflow"`
	Database  DatabaseConfig  `toml:"database"`
	Observer  ObserverConfig  `toml:"observer"`
}

type ServerConfig struct {
	Addr string `toml:"addr"`
}

type ProviderConfig struct {
	Name    string `toml:"name"`
	BaseURL string `toml:"base_url"`
	APIKey  string `toml:"api_key"`
	Model   string `toml:"model"`
}

type RateLimitConfig struct {
	RequestsPerMinute int      `toml:"requests_per_minute"`
	TokensPerMinute   int      `toml:"tokens_per_minute"`
	Burst             int      `toml:"burst"`
	QueueBound        int      `toml:"queue_bound"`
	QueueWaitDeadline duration `toml:"queue_wait_deadline"`
}

type BreakerConfig struct {
	FailureThreshold int      `toml:"failure_threshold"`
	SuccessThreshold int      `toml:"success_threshold"`
	Cooldown         duration `toml:"cooldown"`
	Window           duration `toml:"window"`
}

type DedupeConfig struct {
	RecentTTL duration `toml:"recent_ttl"`
	MaxRecent int      `toml:"max_recent"`
}

type MemoryConfig struct {
	MaxShort          int      `toml:"max_short"`
	MaxLong           int      `toml:"max_long"`
	MaxEpisodic       int      `toml:"max_episodic"`
	MaxSemantic       int      `toml:"max_semantic"`
	MaxAge            duration `toml:"max_age"`
	PressureThreshold float64  `toml:"pressure_threshold"`
}

type AgentConfig struct {
	MaxToolIterations int `toml:"max_tool_iterations"`
	PromptMaxTokens   int `toml:"prompt_max_tokens"`
	InboxSize         int `toml:"inbox_size"`
}

type WorkflowConfig struct {
	DefaultRetry     int      `toml:"default_retry"`
	DefaultTimeout   duration `toml:"default_timeout"`
	MaxParallelSteps int      `toml:"max_parallel_steps"`
	FailurePolicy    string   `toml:"failure_policy"`
}

type DatabaseConfig struct {
	// Driver is "sqlite" or "postgres". Empty disables persistence.
	Driver      string `toml:"driver"`
	Path        string `toml:"path"`
	PostgresURL string `toml:"postgres_url"`
}

type ObserverConfig struct {
	Enabled bool                       `toml:"enabled"`
	Pricing map[string]ObserverPricing `toml:"pricing"`
}

type ObserverPricing struct {
	Input  float64 `toml:"input"`
	Output float64 `toml:"output"`
}

// duration lets TOML carry values like "30s" or "60m".
type duration time.Duration

func (d *duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = duration(v)
	return nil
}

// Std returns the value as a time.Duration.
func (d duration) Std() time.Duration { return time.Duration(d) }

// Default returns a Config with all defaults applied.
func Default() Config {
	return Config{
		Server:   ServerConfig{Addr: ":8080"},
		Provider: ProviderConfig{Name: "openai", BaseURL: "https://api.openai.com/v1", Model: "gpt-4o-mini"},
		RateLimit: RateLimitConfig{
			RequestsPerMinute: 60,
			TokensPerMinute:   90000,
			Burst:             10,
			QueueBound:        1000,
			QueueWaitDeadline: duration(30 * time.Second),
		},
		Breaker: BreakerConfig{
			FailureThreshold: 5,
			SuccessThreshold: 2,
			Cooldown:         duration(60 * time.Second),
			Window:           duration(60 * time.Second),
		},
		Dedupe: DedupeConfig{RecentTTL: duration(300 * time.Second), MaxRecent: 1024},
		Memory: MemoryConfig{
			MaxShort:          50,
			MaxLong:           1000,
			MaxEpisodic:       500,
			MaxSemantic:       2000,
			MaxAge:            duration(30 * 24 * time.Hour),
			PressureThreshold: 0.9,
		},
		Agent: AgentConfig{MaxToolIterations: 10, PromptMaxTokens: 4096, InboxSize: 64},
		Workflow: WorkflowConfig{
			DefaultRetry:     0,
			DefaultTimeout:   duration(300 * time.Second),
			MaxParallelSteps: 5,
			FailurePolicy:    "fail_fast",
		},
		Database: DatabaseConfig{Path: "troupe.db"},
	}
}

// Load reads config: defaults -> TOML file -> env vars (env wins).
func Load(path string) Config {
	cfg := Default()

	if path == "" {
		path = "troupe.toml"
	}

	if data, err := os.ReadFile(path); err == nil {
		_ = toml.Unmarshal(data, &cfg)
	}

	// Env overrides
	if v := os.Getenv("TROUPE_ADDR"); v != "" {
		cfg.Server.Addr = v
	}
	if v := os.Getenv("TROUPE_PROVIDER_API_KEY"); v != "" {
		cfg.Provider.APIKey = v
	}
	if v := os.Getenv("TROUPE_PROVIDER_BASE_URL"); v != "" {
		cfg.Provider.BaseURL = v
	}
	if v := os.Getenv("TROUPE_PROVIDER_MODEL"); v != "" {
		cfg.Provider.Model = v
	}
	if v := os.Getenv("TROUPE_DB_DRIVER"); v != "" {
		cfg.Database.Driver = v
	}
	if v := os.Getenv("TROUPE_DB_PATH"); v != "" {
		cfg.Database.Path = v
	}
	if v := os.Getenv("TROUPE_POSTGRES_URL"); v != "" {
		cfg.Database.PostgresURL = v
	}
	if os.Getenv("TROUPE_OBSERVER_ENABLED") == "true" || os.Getenv("TROUPE_OBSERVER_ENABLED") == "1" {
		cfg.Observer.Enabled = true
	}

	return cfg
}
