package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/LinkFood/remix-of-james-brain-memory-sub000/internal/otel"
)

// GovernorConfig holds the admission-control limits.
type GovernorConfig struct {
	// MaxConcurrent is the per-principal ceiling on queued+running tasks.
	MaxConcurrent int `yaml:"max_concurrent"`
	// DailyCap is the per-principal ceiling on tasks created per UTC day.
	DailyCap int `yaml:"daily_cap"`
	// RatePerMinute is the fixed-window request limit kept in process memory.
	RatePerMinute int `yaml:"rate_per_minute"`
	// LoopThreshold is the task-creation count in the trailing loop window
	// at which the principal is treated as a runaway loop.
	LoopThreshold int `yaml:"loop_threshold"`
	// LoopWindowSeconds is the trailing window for loop detection.
	LoopWindowSeconds int `yaml:"loop_window_seconds"`
	// StaleAfterMinutes is the age past which queued/running tasks are
	// reaped as timed out on the owner's next request.
	StaleAfterMinutes int `yaml:"stale_after_minutes"`
}

// WorkerConfig names one worker endpoint.
type WorkerConfig struct {
	// Agent is the worker identifier recorded on tasks it owns.
	Agent string `yaml:"agent"`
	// Endpoint is the URL dispatch calls fire-and-forget.
	Endpoint string `yaml:"endpoint"`
	// TimeoutSeconds bounds the dispatch HTTP call. Default 30.
	TimeoutSeconds int `yaml:"timeout_seconds"`
}

// LLMConfig selects the classification/reply model provider.
type LLMConfig struct {
	// Provider is "google", "anthropic", "openai" or "openai_compatible".
	Provider string `yaml:"provider"`
	Model    string `yaml:"model"`
	// HeavyModel is used for requests escalated to the heavy tier.
	HeavyModel string `yaml:"heavy_model"`
	APIKey     string `yaml:"api_key"`
	BaseURL    string `yaml:"base_url"`
}

// TelegramConfig configures the optional inbound Telegram channel.
type TelegramConfig struct {
	Enabled bool   `yaml:"enabled"`
	Token   string `yaml:"token"`
	// Principals maps chat id to principal id. Unknown chats are ignored.
	Principals map[int64]string `yaml:"principals"`
}

// RetentionConfig holds purge windows in days. 0 keeps forever.
type RetentionConfig struct {
	TaskEventsDays    int `yaml:"task_events_days"`
	AuditLogDays      int `yaml:"audit_log_days"`
	ConversationsDays int `yaml:"conversations_days"`
	// Schedule is a cron expression for the sweep. Default "0 3 * * *".
	Schedule string `yaml:"schedule"`
}

// ProjectSeed registers a code project for ambiguity resolution at startup.
type ProjectSeed struct {
	Principal string `yaml:"principal"`
	Name      string `yaml:"name"`
	RepoPath  string `yaml:"repo_path"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	BindAddr string `yaml:"bind_addr"`
	LogLevel string `yaml:"log_level"`

	// AllowOrigins is the websocket origin allowlist for the event stream.
	// Empty means same-origin only.
	AllowOrigins []string `yaml:"allow_origins"`

	// AuthTokens maps bearer tokens to principal ids.
	AuthTokens map[string]string `yaml:"auth_tokens"`

	Governor GovernorConfig `yaml:"governor"`

	// Workers maps task kind (research, save, search, report, code) to
	// the worker that owns it. "general" is answered inline and has no entry.
	Workers map[string]WorkerConfig `yaml:"workers"`

	LLM LLMConfig `yaml:"llm"`

	// TierOverrides pins a model tier ("standard" or "heavy") per principal,
	// taking precedence over the router's heuristic.
	TierOverrides map[string]string `yaml:"tier_overrides"`

	Telegram  TelegramConfig  `yaml:"telegram"`
	Retention RetentionConfig `yaml:"retention"`
	OTel      otel.Config     `yaml:"otel"`

	Projects []ProjectSeed `yaml:"projects"`
}

func DefaultHomeDir() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".jamesbrain")
}

// Load reads config.yaml from homeDir, applying defaults and env overrides.
// A missing file yields the default config.
func Load(homeDir string) (*Config, error) {
	if homeDir == "" {
		homeDir = DefaultHomeDir()
	}
	cfg := &Config{HomeDir: homeDir}

	path := filepath.Join(homeDir, "config.yaml")
	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err == nil {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}
	cfg.HomeDir = homeDir
	cfg.applyDefaults()
	cfg.applyEnv()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.BindAddr == "" {
		c.BindAddr = "127.0.0.1:8787"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.Governor.MaxConcurrent == 0 {
		c.Governor.MaxConcurrent = 10
	}
	if c.Governor.DailyCap == 0 {
		c.Governor.DailyCap = 200
	}
	if c.Governor.RatePerMinute == 0 {
		c.Governor.RatePerMinute = 30
	}
	if c.Governor.LoopThreshold == 0 {
		c.Governor.LoopThreshold = 20
	}
	if c.Governor.LoopWindowSeconds == 0 {
		c.Governor.LoopWindowSeconds = 60
	}
	if c.Governor.StaleAfterMinutes == 0 {
		c.Governor.StaleAfterMinutes = 10
	}
	if c.Retention.Schedule == "" {
		c.Retention.Schedule = "0 3 * * *"
	}
	if c.LLM.Provider == "" {
		c.LLM.Provider = "google"
	}
	for kind, w := range c.Workers {
		if w.TimeoutSeconds == 0 {
			w.TimeoutSeconds = 30
			c.Workers[kind] = w
		}
	}
}

func (c *Config) applyEnv() {
	if c.LLM.APIKey == "" {
		switch c.LLM.Provider {
		case "anthropic":
			c.LLM.APIKey = os.Getenv("ANTHROPIC_API_KEY")
		case "openai", "openai_compatible":
			c.LLM.APIKey = os.Getenv("OPENAI_API_KEY")
		default:
			if k := os.Getenv("GEMINI_API_KEY"); k != "" {
				c.LLM.APIKey = k
			} else {
				c.LLM.APIKey = os.Getenv("GOOGLE_API_KEY")
			}
		}
	}
	if c.Telegram.Token == "" {
		c.Telegram.Token = os.Getenv("TELEGRAM_BOT_TOKEN")
	}
}

func (c *Config) validate() error {
	validKinds := map[string]bool{"research": true, "save": true, "search": true, "report": true, "code": true}
	for kind, w := range c.Workers {
		if !validKinds[kind] {
			return fmt.Errorf("config: unknown worker kind %q", kind)
		}
		if w.Endpoint == "" {
			return fmt.Errorf("config: worker %q has no endpoint", kind)
		}
	}
	for principal, tier := range c.TierOverrides {
		if tier != "standard" && tier != "heavy" {
			return fmt.Errorf("config: tier override for %q must be standard or heavy, got %q", principal, tier)
		}
	}
	if c.Governor.LoopThreshold <= c.Governor.RatePerMinute/10 {
		// Loop detection should fire well above normal human rates.
		return fmt.Errorf("config: loop_threshold %d too low relative to rate_per_minute %d",
			c.Governor.LoopThreshold, c.Governor.RatePerMinute)
	}
	return nil
}

// StaleAfter returns the reaper threshold as a duration.
func (g GovernorConfig) StaleAfter() time.Duration {
	return time.Duration(g.StaleAfterMinutes) * time.Minute
}

// LoopWindow returns the loop-detection window as a duration.
func (g GovernorConfig) LoopWindow() time.Duration {
	return time.Duration(g.LoopWindowSeconds) * time.Second
}

// Fingerprint returns a stable hash of the serialized config, used to
// tell at a glance whether two processes run the same configuration.
func (c *Config) Fingerprint() string {
	data, err := yaml.Marshal(c)
	if err != nil {
		return "unknown"
	}
	h := fnv.New64a()
	_, _ = h.Write(data)
	return strconv.FormatUint(h.Sum64(), 16)
}

// Save writes the config back to homeDir/config.yaml.
func (c *Config) Save() error {
	if err := os.MkdirAll(c.HomeDir, 0o755); err != nil {
		return fmt.Errorf("create home dir: %w", err)
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	path := filepath.Join(c.HomeDir, "config.yaml")
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}
