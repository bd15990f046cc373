package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

const defaultConfigFile = "parley.toml"

type Config struct {
	LogLevel     string `toml:"log_level"`
	SelfIdentity string `toml:"self_identity"`

	CleanedDir   string `toml:"cleaned_dir"`
	ProcessedDir string `toml:"processed_dir"`
	EvalDir      string `toml:"eval_dir"`
	TrainDir     string `toml:"train_dir"`
	ArchiveDir   string `toml:"archive_dir"`

	Segment SegmentConfig `toml:"segment"`
	Oracle  OracleConfig  `toml:"oracle"`
	Split   SplitConfig   `toml:"split"`

	DatabaseURL     string `toml:"database_url"`
	NatsURL         string `toml:"nats_url"`
	NatsToken       string `toml:"nats_token"`
	SlackBotToken   string `toml:"slack_bot_token"`
	SlackChannel    string `toml:"slack_channel"`
	ArchiveCompress bool   `toml:"archive_compress"`
	Port            int    `toml:"port"`
	APIToken        string `toml:"api_token"`
}

// SegmentConfig holds the gap thresholds of the segmentation engine.
type SegmentConfig struct {
	AutoContinueMinutes int `toml:"auto_continue_minutes"`
	OracleMaxMinutes    int `toml:"oracle_max_minutes"`
	SleepStartHour      int `toml:"sleep_start_hour"`
	SleepEndHour        int `toml:"sleep_end_hour"`
}

type OracleConfig struct {
	Provider        string `toml:"provider"` // ollama | openai | anthropic | none
	Endpoint        string `toml:"endpoint"`
	Model           string `toml:"model"`
	OpenAIAPIKey    string `toml:"-"`
	OpenAIBaseURL   string `toml:"openai_base_url"`
	AnthropicAPIKey string `toml:"-"`
	TimeoutMillis   int    `toml:"timeout_ms"`
	DelayMillis     int    `toml:"delay_ms"`
}

func (o OracleConfig) Timeout() time.Duration {
	return time.Duration(o.TimeoutMillis) * time.Millisecond
}

func (o OracleConfig) Delay() time.Duration {
	return time.Duration(o.DelayMillis) * time.Millisecond
}

type SplitConfig struct {
	Seed              int64   `toml:"seed"`
	EvalRatio         float64 `toml:"eval_ratio"`
	MinEvalPerPersona int     `toml:"min_eval_per_persona"`
	MaxEvalPerPersona *int    `toml:"max_eval_per_persona"` // nil = no cap
}

// Default returns the configuration used when neither a file nor the
// environment says otherwise.
func Default() Config {
	return Config{
		LogLevel:     "info",
		SelfIdentity: "Festus",
		CleanedDir:   "datasets/core/chats_cleaned",
		ProcessedDir: "datasets/core/chats_processed",
		EvalDir:      "datasets/core/chats_evals",
		TrainDir:     "datasets/core/chats_train",
		ArchiveDir:   "datasets/core/archive",
		Segment: SegmentConfig{
			AutoContinueMinutes: 15,
			OracleMaxMinutes:    240,
			SleepStartHour:      0,
			SleepEndHour:        10,
		},
		Oracle: OracleConfig{
			Provider:       "ollama",
			Endpoint:       "http://localhost:11434/api/chat",
			Model:          "llama3:8b",
			TimeoutMillis: 30000,
			DelayMillis:   400,
		},
		Split: SplitConfig{
			Seed:              42,
			EvalRatio:         0.1,
			MinEvalPerPersona: 25,
		},
		Port: 8760,
	}
}

// Load layers defaults, the optional TOML file named by PARLEY_CONFIG
// (default parley.toml) and environment variables, in that order.
func Load() (Config, error) {
	cfg := Default()

	path := envStr("PARLEY_CONFIG", "")
	required := path != ""
	if path == "" {
		path = defaultConfigFile
	}
	if _, err := os.Stat(path); err == nil {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", path, err)
		}
	} else if required {
		return cfg, fmt.Errorf("config file %s: %w", path, err)
	}

	applyEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	cfg.LogLevel = envStr("LOG_LEVEL", cfg.LogLevel)
	cfg.SelfIdentity = envStr("SELF_IDENTITY", cfg.SelfIdentity)

	cfg.CleanedDir = envStr("CLEANED_DIR", cfg.CleanedDir)
	cfg.ProcessedDir = envStr("PROCESSED_DIR", cfg.ProcessedDir)
	cfg.EvalDir = envStr("EVAL_DIR", cfg.EvalDir)
	cfg.TrainDir = envStr("TRAIN_DIR", cfg.TrainDir)
	cfg.ArchiveDir = envStr("ARCHIVE_DIR", cfg.ArchiveDir)

	cfg.Segment.AutoContinueMinutes = envInt("AUTO_CONTINUE_MINUTES", cfg.Segment.AutoContinueMinutes)
	cfg.Segment.OracleMaxMinutes = envInt("ORACLE_MAX_MINUTES", cfg.Segment.OracleMaxMinutes)
	cfg.Segment.SleepStartHour = envInt("SLEEP_START_HOUR", cfg.Segment.SleepStartHour)
	cfg.Segment.SleepEndHour = envInt("SLEEP_END_HOUR", cfg.Segment.SleepEndHour)

	cfg.Oracle.Provider = strings.ToLower(envStr("ORACLE_PROVIDER", cfg.Oracle.Provider))
	cfg.Oracle.Endpoint = envStr("LLM_ENDPOINT", cfg.Oracle.Endpoint)
	cfg.Oracle.Model = envStr("LLM_MODEL", cfg.Oracle.Model)
	cfg.Oracle.OpenAIAPIKey = envStr("OPENAI_API_KEY", cfg.Oracle.OpenAIAPIKey)
	cfg.Oracle.OpenAIBaseURL = envStr("OPENAI_BASE_URL", cfg.Oracle.OpenAIBaseURL)
	cfg.Oracle.AnthropicAPIKey = envStr("ANTHROPIC_API_KEY", cfg.Oracle.AnthropicAPIKey)
	if d := envDuration("ORACLE_TIMEOUT", 0); d > 0 {
		cfg.Oracle.TimeoutMillis = int(d / time.Millisecond)
	}
	if d := envDuration("ORACLE_DELAY", -1); d >= 0 {
		cfg.Oracle.DelayMillis = int(d / time.Millisecond)
	}

	cfg.Split.Seed = int64(envInt("SEED", int(cfg.Split.Seed)))
	cfg.Split.EvalRatio = envFloat("EVAL_RATIO", cfg.Split.EvalRatio)
	cfg.Split.MinEvalPerPersona = envInt("MIN_EVAL_PER_PERSONA", cfg.Split.MinEvalPerPersona)
	if v := os.Getenv("MAX_EVAL_PER_PERSONA"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Split.MaxEvalPerPersona = &n
		}
	}

	cfg.DatabaseURL = envStr("DATABASE_URL", cfg.DatabaseURL)
	cfg.NatsURL = envStr("NATS_URL", cfg.NatsURL)
	cfg.NatsToken = envStr("NATS_TOKEN", cfg.NatsToken)
	cfg.SlackBotToken = envStr("SLACK_BOT_TOKEN", cfg.SlackBotToken)
	cfg.SlackChannel = envStr("SLACK_CHANNEL", cfg.SlackChannel)
	cfg.ArchiveCompress = envBool("ARCHIVE_COMPRESS", cfg.ArchiveCompress)
	cfg.Port = envInt("PARLEY_PORT", cfg.Port)
	cfg.APIToken = envStr("PARLEY_API_TOKEN", cfg.APIToken)
}

// Validate rejects settings no run could work with. A max eval below the
// min eval is not an error: the splitter applies the min before the max.
func (c Config) Validate() error {
	if c.SelfIdentity == "" {
		return fmt.Errorf("SELF_IDENTITY cannot be empty")
	}
	if c.Segment.AutoContinueMinutes < 0 || c.Segment.OracleMaxMinutes < c.Segment.AutoContinueMinutes {
		return fmt.Errorf("gap thresholds must satisfy 0 <= AUTO_CONTINUE_MINUTES <= ORACLE_MAX_MINUTES")
	}
	if c.Segment.SleepStartHour < 0 || c.Segment.SleepEndHour > 24 || c.Segment.SleepStartHour > c.Segment.SleepEndHour {
		return fmt.Errorf("sleep window must satisfy 0 <= SLEEP_START_HOUR <= SLEEP_END_HOUR <= 24")
	}
	if c.Split.EvalRatio < 0 || c.Split.EvalRatio > 1 {
		return fmt.Errorf("EVAL_RATIO must be within [0, 1]")
	}
	if c.Split.MinEvalPerPersona < 0 {
		return fmt.Errorf("MIN_EVAL_PER_PERSONA cannot be negative")
	}
	if c.Oracle.TimeoutMillis <= 0 {
		return fmt.Errorf("ORACLE_TIMEOUT must be at least 1ms")
	}
	if c.Oracle.DelayMillis < 0 {
		return fmt.Errorf("ORACLE_DELAY cannot be negative")
	}
	switch c.Oracle.Provider {
	case "ollama", "openai", "anthropic", "none":
	default:
		return fmt.Errorf("unknown ORACLE_PROVIDER %q", c.Oracle.Provider)
	}
	return nil
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv(key))) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
