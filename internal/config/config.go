package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/elldeeone/rnd-digest/internal/chat"
)

const (
	DefaultModel                    = "openai/gpt-4o-mini"
	DefaultBaseURL                  = "https://openrouter.ai/api/v1"
	DefaultAppTitle                 = "rnd-digest"
	DefaultTemperature              = 0.2
	DefaultAskMaxTokens             = 700
	DefaultLLMTimeoutSeconds        = 60
	DefaultTimezone                 = "Australia/Sydney"
	DefaultDailyDigestTime          = "09:00"
	DefaultDigestMode               = DigestModeNarrative
	DefaultLatestWindowHours        = 24
	DefaultDigestMaxTopics          = 12
	DefaultDigestMaxQuotes          = 3
	DefaultDigestMaxMessages        = 80
	DefaultDigestMaxLinks           = 8
	DefaultQuoteMaxChars            = 400
	DefaultLongQuoteChars           = 280
	DefaultDigestLLMMaxTokens       = 1400
	DefaultRollupMaxUpdate          = 200
	DefaultRollupMaxRebuild         = 800
	DefaultRollupWindowDays         = 30
	DefaultRollupPromptMessages     = 120
	DefaultRollupRefreshMaxTopics   = 12
	DefaultRollupRefreshMinInterval = 3600
	DefaultPollTimeout              = 30
	DefaultBufSize                  = 100
	DefaultLogLevel                 = "info"
)

const (
	DigestModeNarrative  = "narrative"
	DigestModeExtractive = "extractive"
)

type Config struct {
	LogLevel string         `json:"logLevel"`
	DBPath   string         `json:"dbPath,omitempty"`
	Telegram TelegramConfig `json:"telegram"`
	LLM      LLMConfig      `json:"llm"`
	Digest   DigestConfig   `json:"digest"`
	Rollup   RollupConfig   `json:"rollup"`
}

type TelegramConfig struct {
	Token          string  `json:"token"`
	SourceChatID   int64   `json:"sourceChatId"`
	SourceUsername string  `json:"sourceUsername,omitempty"`
	ControlChatIDs []int64 `json:"controlChatIds"`
	// Thread of the control chat that scheduled digests go to; 0 posts to the main thread.
	DigestThreadID int64  `json:"digestThreadId,omitempty"`
	Proxy          string `json:"proxy,omitempty"`
	PollTimeout    int    `json:"pollTimeout"`
}

type LLMConfig struct {
	Enabled        bool    `json:"enabled"`
	APIKey         string  `json:"apiKey"`
	BaseURL        string  `json:"baseUrl,omitempty"`
	Model          string  `json:"model"`
	Temperature    float64 `json:"temperature"`
	AskMaxTokens   int     `json:"askMaxTokens"`
	TimeoutSeconds int     `json:"timeoutSeconds"`
	AppURL         string  `json:"appUrl,omitempty"`
	AppTitle       string  `json:"appTitle,omitempty"`
}

type DigestConfig struct {
	Timezone            string `json:"timezone"`
	DailyTime           string `json:"dailyTime"`
	Scheduled           bool   `json:"scheduled"`
	Mode                string `json:"mode"`
	MaxTopics           int    `json:"maxTopics"`
	MaxQuotesPerTopic   int    `json:"maxQuotesPerTopic"`
	MaxMessagesPerTopic int    `json:"maxMessagesPerTopic"`
	MaxLinksPerTopic    int    `json:"maxLinksPerTopic"`
	QuoteMaxChars       int    `json:"quoteMaxChars"`
	LongQuoteChars      int    `json:"longQuoteChars"`
	LatestWindowHours   int    `json:"latestWindowHours"`
	LLMMaxTokens        int    `json:"llmMaxTokens"`
}

type RollupConfig struct {
	AutoRefreshBeforeDigest   bool `json:"autoRefreshBeforeDigest"`
	RefreshMaxTopics          int  `json:"refreshMaxTopics"`
	RefreshMinIntervalSeconds int  `json:"refreshMinIntervalSeconds"`
	MaxUpdateMessages         int  `json:"maxUpdateMessages"`
	MaxRebuildMessages        int  `json:"maxRebuildMessages"`
	DefaultWindowDays         int  `json:"defaultWindowDays"`
	PromptMessages            int  `json:"promptMessages"`
}

func DefaultConfig() *Config {
	return &Config{
		LogLevel: DefaultLogLevel,
		Telegram: TelegramConfig{
			PollTimeout: DefaultPollTimeout,
		},
		LLM: LLMConfig{
			Enabled:        true,
			BaseURL:        DefaultBaseURL,
			Model:          DefaultModel,
			Temperature:    DefaultTemperature,
			AskMaxTokens:   DefaultAskMaxTokens,
			TimeoutSeconds: DefaultLLMTimeoutSeconds,
			AppTitle:       DefaultAppTitle,
		},
		Digest: DigestConfig{
			Timezone:            DefaultTimezone,
			DailyTime:           DefaultDailyDigestTime,
			Scheduled:           true,
			Mode:                DefaultDigestMode,
			MaxTopics:           DefaultDigestMaxTopics,
			MaxQuotesPerTopic:   DefaultDigestMaxQuotes,
			MaxMessagesPerTopic: DefaultDigestMaxMessages,
			MaxLinksPerTopic:    DefaultDigestMaxLinks,
			QuoteMaxChars:       DefaultQuoteMaxChars,
			LongQuoteChars:      DefaultLongQuoteChars,
			LatestWindowHours:   DefaultLatestWindowHours,
			LLMMaxTokens:        DefaultDigestLLMMaxTokens,
		},
		Rollup: RollupConfig{
			AutoRefreshBeforeDigest:   true,
			RefreshMaxTopics:          DefaultRollupRefreshMaxTopics,
			RefreshMinIntervalSeconds: DefaultRollupRefreshMinInterval,
			MaxUpdateMessages:         DefaultRollupMaxUpdate,
			MaxRebuildMessages:        DefaultRollupMaxRebuild,
			DefaultWindowDays:         DefaultRollupWindowDays,
			PromptMessages:            DefaultRollupPromptMessages,
		},
	}
}

func ConfigDir() string {
	if dir := os.Getenv("RND_HOME"); dir != "" {
		return dir
	}
	home := os.Getenv("HOME")
	if home == "" {
		home, _ = os.UserHomeDir()
	}
	return filepath.Join(home, ".rnddigest")
}

func ConfigPath() string {
	return filepath.Join(ConfigDir(), "config.json")
}

func DefaultDBPath() string {
	return filepath.Join(ConfigDir(), "data", "rnd.db")
}

func LoadConfig() (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(ConfigPath())
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	} else {
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := loadDotEnv(filepath.Join(ConfigDir(), ".env"), ".env"); err != nil {
		return nil, err
	}
	if err := applyEnv(cfg); err != nil {
		return nil, err
	}
	cfg.fillDefaults()
	return cfg, nil
}

// loadDotEnv never overrides variables already present in the environment.
func loadDotEnv(paths ...string) error {
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("load %s: %w", p, err)
		}
	}
	return nil
}

func applyEnv(cfg *Config) error {
	if v := os.Getenv("TELEGRAM_BOT_TOKEN"); v != "" {
		cfg.Telegram.Token = v
	}
	if v := os.Getenv("SOURCE_CHAT_ID"); v != "" {
		id, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
		if err != nil {
			return fmt.Errorf("parse SOURCE_CHAT_ID: %w", err)
		}
		cfg.Telegram.SourceChatID = id
	}
	if v := os.Getenv("SOURCE_CHAT_USERNAME"); v != "" {
		cfg.Telegram.SourceUsername = v
	}
	if v := os.Getenv("CONTROL_CHAT_IDS"); v != "" {
		ids, err := parseIDList(v)
		if err != nil {
			return fmt.Errorf("parse CONTROL_CHAT_IDS: %w", err)
		}
		cfg.Telegram.ControlChatIDs = ids
	}
	if v := os.Getenv("CONTROL_DIGEST_THREAD_ID"); v != "" {
		if id, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64); err == nil {
			cfg.Telegram.DigestThreadID = id
		}
	}
	if v := os.Getenv("TELEGRAM_PROXY"); v != "" {
		cfg.Telegram.Proxy = v
	}
	if v := os.Getenv("DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("TZ"); v != "" {
		cfg.Digest.Timezone = v
	}
	if v := os.Getenv("DAILY_DIGEST_TIME"); v != "" {
		cfg.Digest.DailyTime = v
	}
	if v := os.Getenv("DIGEST_MODE"); v != "" {
		cfg.Digest.Mode = strings.ToLower(strings.TrimSpace(v))
	}
	envInt("LATEST_DEFAULT_WINDOW_HOURS", &cfg.Digest.LatestWindowHours)
	envInt("DIGEST_MAX_TOPICS", &cfg.Digest.MaxTopics)
	envInt("DIGEST_MAX_QUOTES_PER_TOPIC", &cfg.Digest.MaxQuotesPerTopic)
	envInt("DIGEST_MAX_MESSAGES_PER_TOPIC", &cfg.Digest.MaxMessagesPerTopic)
	envInt("DIGEST_QUOTE_MAX_CHARS", &cfg.Digest.QuoteMaxChars)
	envInt("DIGEST_LLM_MAX_TOKENS", &cfg.Digest.LLMMaxTokens)
	envBool("DIGEST_SCHEDULED", &cfg.Digest.Scheduled)

	envBool("LLM_ENABLED", &cfg.LLM.Enabled)
	if v := os.Getenv("OPENROUTER_API_KEY"); v != "" {
		cfg.LLM.APIKey = v
	}
	if v := os.Getenv("OPENROUTER_BASE_URL"); v != "" {
		cfg.LLM.BaseURL = v
	}
	if v := os.Getenv("LLM_MODEL"); v != "" {
		cfg.LLM.Model = v
	}
	envInt("LLM_TIMEOUT_SECONDS", &cfg.LLM.TimeoutSeconds)
	envInt("ASK_MAX_TOKENS", &cfg.LLM.AskMaxTokens)
	if v := os.Getenv("OPENROUTER_APP_URL"); v != "" {
		cfg.LLM.AppURL = v
	}
	if v := os.Getenv("OPENROUTER_APP_TITLE"); v != "" {
		cfg.LLM.AppTitle = v
	}

	envBool("ROLLUP_AUTO_REFRESH", &cfg.Rollup.AutoRefreshBeforeDigest)
	envInt("ROLLUP_REFRESH_MAX_TOPICS", &cfg.Rollup.RefreshMaxTopics)
	envInt("ROLLUP_REFRESH_MIN_INTERVAL_SECONDS", &cfg.Rollup.RefreshMinIntervalSeconds)

	if v := os.Getenv("RND_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	return nil
}

func envInt(key string, dst *int) {
	if v := os.Getenv(key); v != "" {
		if parsed, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			*dst = parsed
		}
	}
}

func envBool(key string, dst *bool) {
	if v := os.Getenv(key); v != "" {
		if parsed, err := strconv.ParseBool(strings.TrimSpace(v)); err == nil {
			*dst = parsed
		}
	}
}

func parseIDList(s string) ([]int64, error) {
	var ids []int64
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, err := strconv.ParseInt(part, 10, 64)
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func (c *Config) fillDefaults() {
	d := DefaultConfig()
	if c.DBPath == "" {
		c.DBPath = DefaultDBPath()
	}
	if c.LogLevel == "" {
		c.LogLevel = d.LogLevel
	}
	if c.Telegram.PollTimeout <= 0 {
		c.Telegram.PollTimeout = d.Telegram.PollTimeout
	}
	if c.LLM.BaseURL == "" {
		c.LLM.BaseURL = d.LLM.BaseURL
	}
	if c.LLM.Model == "" {
		c.LLM.Model = d.LLM.Model
	}
	if c.LLM.AskMaxTokens <= 0 {
		c.LLM.AskMaxTokens = d.LLM.AskMaxTokens
	}
	if c.LLM.TimeoutSeconds <= 0 {
		c.LLM.TimeoutSeconds = d.LLM.TimeoutSeconds
	}
	if c.Digest.Timezone == "" {
		c.Digest.Timezone = d.Digest.Timezone
	}
	if c.Digest.DailyTime == "" {
		c.Digest.DailyTime = d.Digest.DailyTime
	}
	if c.Digest.Mode != DigestModeExtractive {
		c.Digest.Mode = DigestModeNarrative
	}
	fillInt(&c.Digest.MaxTopics, d.Digest.MaxTopics)
	fillInt(&c.Digest.MaxQuotesPerTopic, d.Digest.MaxQuotesPerTopic)
	fillInt(&c.Digest.MaxMessagesPerTopic, d.Digest.MaxMessagesPerTopic)
	fillInt(&c.Digest.MaxLinksPerTopic, d.Digest.MaxLinksPerTopic)
	fillInt(&c.Digest.QuoteMaxChars, d.Digest.QuoteMaxChars)
	fillInt(&c.Digest.LongQuoteChars, d.Digest.LongQuoteChars)
	fillInt(&c.Digest.LatestWindowHours, d.Digest.LatestWindowHours)
	fillInt(&c.Digest.LLMMaxTokens, d.Digest.LLMMaxTokens)
	fillInt(&c.Rollup.RefreshMaxTopics, d.Rollup.RefreshMaxTopics)
	fillInt(&c.Rollup.MaxUpdateMessages, d.Rollup.MaxUpdateMessages)
	fillInt(&c.Rollup.MaxRebuildMessages, d.Rollup.MaxRebuildMessages)
	fillInt(&c.Rollup.DefaultWindowDays, d.Rollup.DefaultWindowDays)
	fillInt(&c.Rollup.PromptMessages, d.Rollup.PromptMessages)
	if c.Rollup.RefreshMinIntervalSeconds < 0 {
		c.Rollup.RefreshMinIntervalSeconds = 0
	}
}

func fillInt(dst *int, def int) {
	if *dst <= 0 {
		*dst = def
	}
}

// Validate checks what the gateway needs to run.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Telegram.Token) == "" {
		return fmt.Errorf("telegram token not set. Run 'rnddigest onboard' or set TELEGRAM_BOT_TOKEN")
	}
	if c.Telegram.SourceChatID == 0 {
		return fmt.Errorf("source chat not set. Set SOURCE_CHAT_ID")
	}
	if _, _, err := chat.ParseDailyTime(c.Digest.DailyTime); err != nil {
		return err
	}
	if _, err := c.Location(); err != nil {
		return err
	}
	return nil
}

func (c *Config) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(c.Digest.Timezone)
	if err != nil {
		return nil, fmt.Errorf("load timezone %q: %w", c.Digest.Timezone, err)
	}
	return loc, nil
}

func (c *Config) LLMTimeout() time.Duration {
	return time.Duration(c.LLM.TimeoutSeconds) * time.Second
}

func (c *Config) LatestWindow() time.Duration {
	return time.Duration(c.Digest.LatestWindowHours) * time.Hour
}

func (c *Config) IsControlChat(chatID int64) bool {
	for _, id := range c.Telegram.ControlChatIDs {
		if id == chatID {
			return true
		}
	}
	return false
}

// DigestCronSpec renders the daily digest time as a seconds-enabled cron
// expression pinned to the configured timezone.
func (c *Config) DigestCronSpec() (string, error) {
	h, m, err := chat.ParseDailyTime(c.Digest.DailyTime)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("CRON_TZ=%s 0 %d %d * * *", c.Digest.Timezone, m, h), nil
}

func SaveConfig(cfg *Config) error {
	dir := ConfigDir()
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	return os.WriteFile(ConfigPath(), data, 0600)
}
