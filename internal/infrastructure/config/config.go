package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

// Config is the root application configuration, assembled from the
// layered viper sources in Load.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Log       LogConfig       `mapstructure:"log"`
	LLM       LLMConfig       `mapstructure:"llm"`
	Agent     AgentConfig     `mapstructure:"agent"`
	Security  SecurityConfig  `mapstructure:"security"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Heartbeat HeartbeatConfig `mapstructure:"heartbeat"`
}

// SecurityConfig gates which tools the Tool-loop Runtime may run without
// asking the device for approval first (spec.md §4.4's escalate signal is
// the UI-visible half of this; this is the policy that decides when to
// raise it for a tool call rather than a stalled step).
type SecurityConfig struct {
	// ApprovalMode: "auto" | "ask_dangerous" | "ask_all".
	ApprovalMode    string        `mapstructure:"approval_mode"`
	DangerousTools  []string      `mapstructure:"dangerous_tools"`
	TrustedTools    []string      `mapstructure:"trusted_tools"`
	TrustedCommands []string      `mapstructure:"trusted_commands"`
	ApprovalTimeout time.Duration `mapstructure:"approval_timeout"`
}

// ServerConfig configures the thin HTTP surface and the device bridge.
type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
	Mode string `mapstructure:"mode"` // debug, release
}

// DatabaseConfig configures the gorm-backed scheduler/token-usage store.
type DatabaseConfig struct {
	Type  string      `mapstructure:"type"` // sqlite, postgres
	DSN   string      `mapstructure:"dsn"`
	Redis RedisConfig `mapstructure:"redis"`
}

// RedisConfig configures the optional hot-cache for the deferred scheduler.
// Addr == "" disables Redis; the scheduler falls back to a gorm query.
type RedisConfig struct {
	Addr string `mapstructure:"addr"`
	DB   int    `mapstructure:"db"`
}

// LogConfig configures zap.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// LLMConfig configures providers and per-role fallback chains for the
// resilient LLM client (spec.md §4.2/§4.3).
type LLMConfig struct {
	Providers      []ProviderConfig          `mapstructure:"providers"`
	FallbackChains map[string][]RoleTarget   `mapstructure:"fallback_chains"`
	OfflineProbe   time.Duration             `mapstructure:"offline_probe_interval"`
	ModelPolicies  map[string]ModelPolicyCfg `mapstructure:"model_policies"`
}

// ProviderConfig configures one registered LLM provider.
type ProviderConfig struct {
	Name     string   `mapstructure:"name"`
	Type     string   `mapstructure:"type"` // openai | anthropic | gemini
	BaseURL  string   `mapstructure:"base_url"`
	APIKey   string   `mapstructure:"api_key"`
	Models   []string `mapstructure:"models"`
	Priority int      `mapstructure:"priority"`
}

// RoleTarget names one (provider, model) alternative in a fallback chain.
type RoleTarget struct {
	Provider string `mapstructure:"provider"`
	Model    string `mapstructure:"model"`
}

// ModelPolicyCfg holds YAML-configurable per-model policy overrides, keyed
// by a substring match against the model id (e.g. "claude", "gemini").
type ModelPolicyCfg struct {
	ReasoningFormat   *string `mapstructure:"reasoning_format"`
	PromptStyle       *string `mapstructure:"prompt_style"`
	SystemRoleSupport *bool   `mapstructure:"system_role_support"`
}

// AgentConfig configures the tool-loop runtime and its guardrails.
type AgentConfig struct {
	MaxIterations int              `mapstructure:"max_iterations"`
	Runtime       RuntimeConfig    `mapstructure:"runtime"`
	Guardrails    GuardrailsConfig `mapstructure:"guardrails"`
	Compaction    CompactionConfig `mapstructure:"compaction"`
}

// RuntimeConfig holds tunable timeouts and retry knobs for the tool loop.
type RuntimeConfig struct {
	ToolTimeout     time.Duration `mapstructure:"tool_timeout"`
	RunTimeout      time.Duration `mapstructure:"run_timeout"`
	MaxTokenBudget  int64         `mapstructure:"max_token_budget"`
	ConcurrentTools bool          `mapstructure:"concurrent_tools"`
	MaxRetries      int           `mapstructure:"max_retries"`
	RetryBaseWait   time.Duration `mapstructure:"retry_base_wait"`

	// HotReloadPath, if set, points at a JSON file the gateway polls for
	// changed guardrail values and applies to the running tool-loop runtime
	// without a restart. Empty disables hot reload.
	HotReloadPath string `mapstructure:"hot_reload_path"`

	// Category-specific proxy timeouts (spec.md §4.5: codegen 11min,
	// secrets 16min, shell 5min, market 3min, browser/gui 1min, default 30s).
	ProxyTimeouts map[string]time.Duration `mapstructure:"proxy_timeouts"`
}

// GuardrailsConfig configures context-window and loop-detection guardrails.
type GuardrailsConfig struct {
	ContextMaxTokens    int     `mapstructure:"context_max_tokens"`
	ContextWarnRatio    float64 `mapstructure:"context_warn_ratio"`
	ContextHardRatio    float64 `mapstructure:"context_hard_ratio"`
	LoopDetectWindow    int     `mapstructure:"loop_detect_window"`
	LoopDetectThreshold int     `mapstructure:"loop_detect_threshold"`
	CostGuardEnabled    bool    `mapstructure:"cost_guard_enabled"`
}

// CompactionConfig configures context compaction thresholds.
type CompactionConfig struct {
	MessageThreshold int `mapstructure:"message_threshold"`
	TokenThreshold   int `mapstructure:"token_threshold"`
	KeepRecent       int `mapstructure:"keep_recent"`
	SummaryMaxTokens int `mapstructure:"summary_max_tokens"`
}

// SchedulerConfig configures the deferred and recurring schedulers.
type SchedulerConfig struct {
	MaxConcurrent    int           `mapstructure:"max_concurrent"`
	DefaultMaxAttempts int         `mapstructure:"default_max_attempts"`
	BackoffBase      time.Duration `mapstructure:"backoff_base"`
	BackoffCap       time.Duration `mapstructure:"backoff_cap"`
	ShutdownDrain    time.Duration `mapstructure:"shutdown_drain"`
}

// HeartbeatConfig enables the periodic HEARTBEAT.md check
// (service.HeartbeatService) and sets its interval. No assistant persona
// or tool-loop run is involved.
type HeartbeatConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Interval time.Duration `mapstructure:"interval"`
}

// Load builds the layered configuration: defaults → global
// ~/.personalassistant/config.yaml → project-local ./config.yaml →
// environment variables prefixed PASSISTANT_.
func Load() (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	globalDir := HomeDir()
	v.AddConfigPath(globalDir)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read global config: %w", err)
		}
	}

	for _, localDir := range []string{"./config", "."} {
		localPath := filepath.Join(localDir, "config.yaml")
		if _, err := os.Stat(localPath); err == nil {
			v2 := viper.New()
			v2.SetConfigFile(localPath)
			if err := v2.ReadInConfig(); err == nil {
				_ = v.MergeConfigMap(v2.AllSettings())
			}
			break
		}
	}

	v.SetEnvPrefix("PASSISTANT")
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 18789)
	v.SetDefault("server.mode", "debug")

	v.SetDefault("database.type", "sqlite")
	v.SetDefault("database.dsn", "personalassistant.db")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	v.SetDefault("llm.offline_probe_interval", "60s")

	v.SetDefault("agent.max_iterations", 25)
	v.SetDefault("agent.runtime.tool_timeout", "30s")
	v.SetDefault("agent.runtime.run_timeout", "10m")
	v.SetDefault("agent.runtime.max_token_budget", 100000)
	v.SetDefault("agent.runtime.concurrent_tools", true)
	v.SetDefault("agent.runtime.max_retries", 3)
	v.SetDefault("agent.runtime.retry_base_wait", "2s")
	v.SetDefault("agent.runtime.proxy_timeouts", map[string]string{
		"codegen": "11m",
		"secrets": "16m",
		"shell":   "5m",
		"market":  "3m",
		"browser": "1m",
		"default": "30s",
	})

	v.SetDefault("agent.guardrails.context_max_tokens", 128000)
	v.SetDefault("agent.guardrails.context_warn_ratio", 0.7)
	v.SetDefault("agent.guardrails.context_hard_ratio", 0.85)
	v.SetDefault("agent.guardrails.loop_detect_window", 10)
	v.SetDefault("agent.guardrails.loop_detect_threshold", 5)
	v.SetDefault("agent.guardrails.cost_guard_enabled", true)

	v.SetDefault("agent.compaction.message_threshold", 30)
	v.SetDefault("agent.compaction.token_threshold", 30000)
	v.SetDefault("agent.compaction.keep_recent", 10)
	v.SetDefault("agent.compaction.summary_max_tokens", 1000)

	v.SetDefault("security.approval_mode", "ask_dangerous")
	v.SetDefault("security.dangerous_tools", []string{"shell_exec", "file_delete"})
	v.SetDefault("security.approval_timeout", "5m")

	v.SetDefault("scheduler.max_concurrent", 4)
	v.SetDefault("scheduler.default_max_attempts", 5)
	v.SetDefault("scheduler.backoff_base", "30s")
	v.SetDefault("scheduler.backoff_cap", "1h")
	v.SetDefault("scheduler.shutdown_drain", "30s")

	v.SetDefault("heartbeat.enabled", false)
	v.SetDefault("heartbeat.interval", "1h")
}
