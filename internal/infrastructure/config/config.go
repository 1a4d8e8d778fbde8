package config

import (
	"fmt"

	"github.com/spf13/viper"
)

// Config is the full application configuration.
type Config struct {
	App      AppConfig      `mapstructure:"app"`
	Log      LogConfig      `mapstructure:"log"`
	Database DatabaseConfig `mapstructure:"database"`
	Upstream UpstreamConfig `mapstructure:"upstream"`
	Context  ContextConfig  `mapstructure:"context"`
	Memory   MemoryConfig   `mapstructure:"memory"`
	Summary  SummaryConfig  `mapstructure:"summary"`
	Tokens   TokenConfig    `mapstructure:"tokens"`
}

// AppConfig holds the HTTP listener settings.
type AppConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
	Mode string `mapstructure:"mode"` // local, production
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// DatabaseConfig selects the storage engine.
type DatabaseConfig struct {
	Driver string `mapstructure:"driver"` // sqlite, postgres
	DSN    string `mapstructure:"dsn"`
}

// UpstreamConfig points at the OpenAI-compatible backend (LM Studio et al).
type UpstreamConfig struct {
	BaseURL           string `mapstructure:"base_url"`
	ProbeTimeoutSec   int    `mapstructure:"probe_timeout_sec"`  // token-count probe
	InfoTimeoutSec    int    `mapstructure:"info_timeout_sec"`   // model-info probe
	StreamIdleSec     int    `mapstructure:"stream_idle_sec"`    // SSE read idle timeout
	SummaryTimeoutSec int    `mapstructure:"summary_timeout_sec"`
}

// ContextConfig holds the budget solver coefficients.
type ContextConfig struct {
	ModelInfoTTLSec      int     `mapstructure:"model_info_ttl_sec"`
	DefaultContextLength int     `mapstructure:"default_context_length"`
	SafetyPct            float64 `mapstructure:"safety_pct"`
	RSysPct              float64 `mapstructure:"rsys_pct"`
	RSysMin              int     `mapstructure:"rsys_min"`
	ROutPct              float64 `mapstructure:"rout_pct"`
	ROutDefault          int     `mapstructure:"rout_default"`
	CoreSysPadTok        int     `mapstructure:"core_sys_pad_tok"`
	MinCoreSkeletonTok   int     `mapstructure:"min_core_skeleton_tok"`
	ROutMin              int     `mapstructure:"rout_min"`
	ROutFloor            int     `mapstructure:"rout_floor"`
}

// MemoryConfig holds the L1/L2/L3 layer shares, watermarks and batch sizes.
// This section is hot-reloadable (see Watcher).
type MemoryConfig struct {
	L1Share       float64 `mapstructure:"l1_share"`
	L2Share       float64 `mapstructure:"l2_share"`
	L3Share       float64 `mapstructure:"l3_share"`
	ToolsMaxShare float64 `mapstructure:"tools_max_share"`

	// Watermarks, integer percent.
	L1High int `mapstructure:"l1_high"`
	L1Low  int `mapstructure:"l1_low"`
	L2High int `mapstructure:"l2_high"`
	L2Low  int `mapstructure:"l2_low"`
	L3High int `mapstructure:"l3_high"`
	L3Low  int `mapstructure:"l3_low"`

	L1MinPairs       int `mapstructure:"l1_min_pairs"`
	L2GroupSize      int `mapstructure:"l2_group_size"`
	L3GroupSize      int `mapstructure:"l3_group_size"`
	L2GroupMaxTokens int `mapstructure:"l2_group_max_tokens"`
	L3GroupMaxTokens int `mapstructure:"l3_group_max_tokens"`

	L3MinNonemptyChars int    `mapstructure:"l3_min_nonempty_chars"`
	L3RetryAttempts    int    `mapstructure:"l3_retry_attempts"`
	L3Style            string `mapstructure:"l3_style"` // sentences, bullets

	CapTokUser      int `mapstructure:"cap_tok_user"`
	CapTokAssistant int `mapstructure:"cap_tok_assistant"`
}

// SummaryConfig controls the thread-level auto-summary (distinct from L1/L2/L3).
type SummaryConfig struct {
	TriggerTokens int    `mapstructure:"trigger_tokens"`
	MaxChars      int    `mapstructure:"max_chars"`
	DebounceSec   int    `mapstructure:"debounce_sec"`
	MaxAgeSec     int    `mapstructure:"max_age_sec"`
	GenMaxTokens  int    `mapstructure:"gen_max_tokens"`
	DefaultModel  string `mapstructure:"default_model"`
}

// TokenConfig controls the token counter.
type TokenConfig struct {
	CountMode   string `mapstructure:"count_mode"` // proxy, approx
	CacheTTLSec int    `mapstructure:"cache_ttl_sec"`
}

// Load reads config.yaml (if present) and environment variables.
// Environment names follow the original deployment: CTX_*, MEM_*, L1_HIGH, etc.
func Load() (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath("./config")
	v.AddConfigPath(".")
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	bindEnvAliases(v)
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate rejects share/watermark combinations the solver cannot honor.
func (c *Config) Validate() error {
	m := c.Memory
	if m.L1Share+m.L2Share+m.L3Share > 1.0+1e-9 {
		return fmt.Errorf("memory shares must sum to <= 1, got %.2f",
			m.L1Share+m.L2Share+m.L3Share)
	}
	for _, wm := range []struct {
		name      string
		high, low int
	}{
		{"l1", m.L1High, m.L1Low},
		{"l2", m.L2High, m.L2Low},
		{"l3", m.L3High, m.L3Low},
	} {
		if wm.low > wm.high {
			return fmt.Errorf("%s watermark low (%d) above high (%d)", wm.name, wm.low, wm.high)
		}
		if wm.high <= 0 || wm.high > 100 {
			return fmt.Errorf("%s watermark high out of range: %d", wm.name, wm.high)
		}
	}
	if m.L1MinPairs < 0 {
		return fmt.Errorf("l1_min_pairs must be >= 0")
	}
	if m.L2GroupSize < 1 || m.L3GroupSize < 1 {
		return fmt.Errorf("group sizes must be >= 1")
	}
	switch c.Tokens.CountMode {
	case "proxy", "approx":
	default:
		return fmt.Errorf("unknown token count mode: %q", c.Tokens.CountMode)
	}
	switch c.Memory.L3Style {
	case "sentences", "bullets":
	default:
		return fmt.Errorf("unknown l3 style: %q", c.Memory.L3Style)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.host", "127.0.0.1")
	v.SetDefault("app.port", 8000)
	v.SetDefault("app.mode", "local")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.dsn", "data/app.db")

	v.SetDefault("upstream.base_url", "http://127.0.0.1:1234")
	v.SetDefault("upstream.probe_timeout_sec", 3)
	v.SetDefault("upstream.info_timeout_sec", 5)
	v.SetDefault("upstream.stream_idle_sec", 60)
	v.SetDefault("upstream.summary_timeout_sec", 30)

	v.SetDefault("context.model_info_ttl_sec", 300)
	v.SetDefault("context.default_context_length", 4096)
	v.SetDefault("context.safety_pct", 0.10)
	v.SetDefault("context.rsys_pct", 0.05)
	v.SetDefault("context.rsys_min", 256)
	v.SetDefault("context.rout_pct", 0.25)
	v.SetDefault("context.rout_default", 512)
	v.SetDefault("context.core_sys_pad_tok", 100)
	v.SetDefault("context.min_core_skeleton_tok", 60)
	v.SetDefault("context.rout_min", 128)
	v.SetDefault("context.rout_floor", 64)

	v.SetDefault("memory.l1_share", 0.60)
	v.SetDefault("memory.l2_share", 0.30)
	v.SetDefault("memory.l3_share", 0.10)
	v.SetDefault("memory.tools_max_share", 0.15)
	v.SetDefault("memory.l1_high", 90)
	v.SetDefault("memory.l1_low", 70)
	v.SetDefault("memory.l2_high", 90)
	v.SetDefault("memory.l2_low", 70)
	v.SetDefault("memory.l3_high", 90)
	v.SetDefault("memory.l3_low", 70)
	v.SetDefault("memory.l1_min_pairs", 2)
	v.SetDefault("memory.l2_group_size", 4)
	v.SetDefault("memory.l3_group_size", 5)
	v.SetDefault("memory.l2_group_max_tokens", 256)
	v.SetDefault("memory.l3_group_max_tokens", 192)
	v.SetDefault("memory.l3_min_nonempty_chars", 12)
	v.SetDefault("memory.l3_retry_attempts", 1)
	v.SetDefault("memory.l3_style", "sentences")
	v.SetDefault("memory.cap_tok_user", 120)
	v.SetDefault("memory.cap_tok_assistant", 80)

	v.SetDefault("summary.trigger_tokens", 100)
	v.SetDefault("summary.max_chars", 900)
	v.SetDefault("summary.debounce_sec", 300)
	v.SetDefault("summary.max_age_sec", 3600)
	v.SetDefault("summary.gen_max_tokens", 512)
	v.SetDefault("summary.default_model", "")

	v.SetDefault("tokens.count_mode", "proxy")
	v.SetDefault("tokens.cache_ttl_sec", 60)
}

// bindEnvAliases maps the flat legacy environment names onto the nested keys.
func bindEnvAliases(v *viper.Viper) {
	aliases := map[string]string{
		"app.host":   "APP_HOST",
		"app.port":   "APP_PORT",
		"log.level":  "LOG_LEVEL",
		"log.format": "LOG_FORMAT",

		"database.driver": "DB_DRIVER",
		"database.dsn":    "DB_DSN",

		"upstream.base_url": "LMSTUDIO_BASE_URL",

		"context.model_info_ttl_sec":     "CTX_MODEL_INFO_TTL_SEC",
		"context.default_context_length": "CTX_DEFAULT_CONTEXT_LENGTH",
		"context.safety_pct":             "CTX_SAFETY_PCT",
		"context.rsys_pct":               "CTX_RSYS_PCT",
		"context.rsys_min":               "CTX_RSYS_MIN",
		"context.rout_pct":               "CTX_ROUT_PCT",
		"context.rout_default":           "CTX_ROUT_DEFAULT",
		"context.core_sys_pad_tok":       "CTX_CORE_SYS_PAD_TOK",
		"context.min_core_skeleton_tok":  "CONTEXT_MIN_CORE_SKELETON_TOK",
		"context.rout_min":               "R_OUT_MIN",
		"context.rout_floor":             "R_OUT_FLOOR",

		"memory.l1_share":              "MEM_L1_SHARE",
		"memory.l2_share":              "MEM_L2_SHARE",
		"memory.l3_share":              "MEM_L3_SHARE",
		"memory.tools_max_share":       "MEM_TOOLS_MAX_SHARE",
		"memory.l1_high":               "L1_HIGH",
		"memory.l1_low":                "L1_LOW",
		"memory.l2_high":               "L2_HIGH",
		"memory.l2_low":                "L2_LOW",
		"memory.l3_high":               "L3_HIGH",
		"memory.l3_low":                "L3_LOW",
		"memory.l1_min_pairs":          "L1_MIN_PAIRS",
		"memory.l2_group_size":         "L2_GROUP_SIZE",
		"memory.l3_group_size":         "L3_GROUP_SIZE",
		"memory.l2_group_max_tokens":   "L2_GROUP_MAX_TOKENS",
		"memory.l3_group_max_tokens":   "L3_GROUP_MAX_TOKENS",
		"memory.l3_min_nonempty_chars": "L3_MIN_NONEMPTY_CHARS",
		"memory.l3_retry_attempts":     "L3_RETRY_ATTEMPTS",
		"memory.l3_style":              "L3_STYLE",
		"memory.cap_tok_user":          "CAP_TOK_USER",
		"memory.cap_tok_assistant":     "CAP_TOK_ASSISTANT",

		"summary.trigger_tokens": "SUMMARY_TRIGGER_TOKENS",
		"summary.max_chars":      "SUMMARY_MAX_CHARS",
		"summary.debounce_sec":   "SUMMARY_DEBOUNCE_SEC",
		"summary.max_age_sec":    "CTX_SUMMARY_MAX_AGE_SEC",
		"summary.gen_max_tokens": "SUMMARY_GEN_MAX_TOKENS",
		"summary.default_model":  "DEFAULT_SUMMARY_MODEL",

		"tokens.count_mode":    "TOKEN_COUNT_MODE",
		"tokens.cache_ttl_sec": "TOKEN_CACHE_TTL_SEC",
	}
	for key, env := range aliases {
		_ = v.BindEnv(key, env)
	}
}
