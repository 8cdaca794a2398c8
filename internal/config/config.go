package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/sjawhar/ghost-turns/internal/llm"
)

// EnvPrefix is the namespace prefix for all ghost-turns environment variables.
const EnvPrefix = "GHOST_TURNS_"

// Config holds all application configuration. Secrets (API keys) are loaded
// exclusively from environment variables and never appear in the config file.
type Config struct {
	DBPath                string `yaml:"db_path"`
	TranscriptDir         string `yaml:"transcript_dir"`
	HTTPAddr              string `yaml:"http_addr"`
	SessionTimeout        string `yaml:"session_timeout"`
	LogLevel              string `yaml:"log_level"`
	MicSampleRate         int    `yaml:"mic_sample_rate"`
	MicSampleRates        []int  `yaml:"mic_sample_rates"`
	GDriveFolderID        string `yaml:"gdrive_folder_id"`
	GoogleCredentialsFile string `yaml:"google_credentials_file"`

	Deepgram     Deepgram     `yaml:"deepgram"`
	Aggregation  Aggregation  `yaml:"aggregation"`
	Conversation Conversation `yaml:"conversation"`
	Coalesce     Coalesce     `yaml:"coalesce"`
	Response     Response     `yaml:"response"`

	// Secrets: env vars only, never serialized to YAML.
	DeepgramAPIKey string `yaml:"-"`
	secrets        map[string]string
}

type Deepgram struct {
	Model          string `yaml:"model"`
	Language       string `yaml:"language"`
	Endpointing    int    `yaml:"endpointing_ms"`
	UtteranceEndMs int    `yaml:"utterance_end_ms"`
}

type Aggregation struct {
	MaxFragmentAge string `yaml:"max_fragment_age"`
	PauseThreshold string `yaml:"pause_threshold"`
	MaxChars       int    `yaml:"max_chars"`
	MaxFragments   int    `yaml:"max_fragments"`
	SweepInterval  string `yaml:"sweep_interval"`
}

type Conversation struct {
	MinSilence       string `yaml:"min_silence"`
	EndpointFallback bool   `yaml:"endpoint_fallback"`
}

type Coalesce struct {
	Window        string  `yaml:"window"`
	MinSimilarity float64 `yaml:"min_similarity"`
}

type Response struct {
	Model        string `yaml:"model"`
	GateModel    string `yaml:"gate_model"`
	SystemPrompt string `yaml:"system_prompt"`
	Workers      int    `yaml:"workers"`
	QueueSize    int    `yaml:"queue_size"`
	MaxTokens    int    `yaml:"max_tokens"`
	Timeout      string `yaml:"timeout"`
}

func defaults() Config {
	return Config{
		DBPath:                "data/ghost-turns.db",
		TranscriptDir:         "data/transcripts",
		HTTPAddr:              ":8080",
		SessionTimeout:        "30s",
		LogLevel:              "info",
		MicSampleRate:         16000,
		MicSampleRates:        []int{48000, 44100, 32000, 24000},
		GoogleCredentialsFile: "./service-account.json",
		Deepgram: Deepgram{
			Model:          "nova-3",
			Language:       "en-US",
			Endpointing:    300,
			UtteranceEndMs: 1000,
		},
		Aggregation: Aggregation{
			MaxFragmentAge: "5s",
			PauseThreshold: "3s",
			MaxChars:       200,
			MaxFragments:   100,
			SweepInterval:  "1s",
		},
		Conversation: Conversation{
			MinSilence:       "3.5s",
			EndpointFallback: true,
		},
		Coalesce: Coalesce{
			Window:        "12s",
			MinSimilarity: 0.7,
		},
		Response: Response{
			Model:     "openai/gpt-4o-mini",
			Workers:   2,
			QueueSize: 32,
			MaxTokens: llm.DefaultMaxTokens,
			Timeout:   "60s",
		},
	}
}

// Load reads configuration from a YAML file (if it exists), applies
// environment variable overrides, loads secrets, and validates the result.
// It returns the config, any validation warnings, and an error if the file
// exists but cannot be read or parsed.
func Load(path string) (Config, []string, error) {
	cfg := defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return cfg, nil, fmt.Errorf("read config file: %w", err)
			}
		} else {
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return cfg, nil, fmt.Errorf("parse config file: %w", err)
			}
		}
	}

	applyEnvOverrides(&cfg)
	loadSecrets(&cfg)

	warnings := validate(&cfg)
	return cfg, warnings, nil
}

// Secret returns the value of a secret environment variable such as
// OPENAI_API_KEY. The prefixed form takes precedence.
func (c *Config) Secret(name string) string {
	return c.secrets[name]
}

func (c *Config) ParsedSessionTimeout() time.Duration {
	return parseDuration(c.SessionTimeout, 30*time.Second)
}

func (c *Config) ParsedMaxFragmentAge() time.Duration {
	return parseDuration(c.Aggregation.MaxFragmentAge, 5*time.Second)
}

func (c *Config) ParsedPauseThreshold() time.Duration {
	return parseDuration(c.Aggregation.PauseThreshold, 3*time.Second)
}

func (c *Config) ParsedSweepInterval() time.Duration {
	return parseDuration(c.Aggregation.SweepInterval, time.Second)
}

func (c *Config) ParsedMinSilence() time.Duration {
	return parseDuration(c.Conversation.MinSilence, 3500*time.Millisecond)
}

func (c *Config) ParsedCoalesceWindow() time.Duration {
	return parseDuration(c.Coalesce.Window, 12*time.Second)
}

func (c *Config) ParsedResponseTimeout() time.Duration {
	return parseDuration(c.Response.Timeout, 60*time.Second)
}

// SlogLevel maps LogLevel to a slog level, defaulting to info.
func (c *Config) SlogLevel() slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(c.LogLevel))); err != nil {
		return slog.LevelInfo
	}
	return level
}

// SampleRateCandidates returns a deduplicated ordered list of sample rates
// to try: preferred rate first, then configured alternatives, then defaults.
func (c *Config) SampleRateCandidates() []int {
	hardcoded := []int{16000, 48000, 44100, 32000, 24000}

	combined := make([]int, 0, 1+len(c.MicSampleRates)+len(hardcoded))
	combined = append(combined, c.MicSampleRate)
	combined = append(combined, c.MicSampleRates...)
	combined = append(combined, hardcoded...)

	seen := make(map[int]struct{}, len(combined))
	result := make([]int, 0, len(combined))
	for _, rate := range combined {
		if rate <= 0 {
			continue
		}
		if _, ok := seen[rate]; ok {
			continue
		}
		seen[rate] = struct{}{}
		result = append(result, rate)
	}
	return result
}

var stringOverrides = []struct {
	key string
	dst func(*Config) *string
}{
	{"DB_PATH", func(c *Config) *string { return &c.DBPath }},
	{"TRANSCRIPT_DIR", func(c *Config) *string { return &c.TranscriptDir }},
	{"HTTP_ADDR", func(c *Config) *string { return &c.HTTPAddr }},
	{"SESSION_TIMEOUT", func(c *Config) *string { return &c.SessionTimeout }},
	{"LOG_LEVEL", func(c *Config) *string { return &c.LogLevel }},
	{"GDRIVE_FOLDER_ID", func(c *Config) *string { return &c.GDriveFolderID }},
	{"GOOGLE_CREDENTIALS_FILE", func(c *Config) *string { return &c.GoogleCredentialsFile }},
	{"DEEPGRAM_MODEL", func(c *Config) *string { return &c.Deepgram.Model }},
	{"DEEPGRAM_LANGUAGE", func(c *Config) *string { return &c.Deepgram.Language }},
	{"PAUSE_THRESHOLD", func(c *Config) *string { return &c.Aggregation.PauseThreshold }},
	{"MIN_SILENCE", func(c *Config) *string { return &c.Conversation.MinSilence }},
	{"COALESCE_WINDOW", func(c *Config) *string { return &c.Coalesce.Window }},
	{"RESPONSE_MODEL", func(c *Config) *string { return &c.Response.Model }},
	{"GATE_MODEL", func(c *Config) *string { return &c.Response.GateModel }},
}

func applyEnvOverrides(cfg *Config) {
	for _, o := range stringOverrides {
		if v := os.Getenv(EnvPrefix + o.key); v != "" {
			*o.dst(cfg) = v
		}
	}
	if v := os.Getenv(EnvPrefix + "MIC_SAMPLE_RATE"); v != "" {
		if rate, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && rate > 0 {
			cfg.MicSampleRate = rate
		}
	}
	if v := os.Getenv(EnvPrefix + "MIC_SAMPLE_RATES"); v != "" {
		cfg.MicSampleRates = parseSampleRates(v)
	}
	if v := os.Getenv(EnvPrefix + "ENDPOINT_FALLBACK"); v != "" {
		if b, err := strconv.ParseBool(strings.TrimSpace(v)); err == nil {
			cfg.Conversation.EndpointFallback = b
		}
	}
}

var secretNames = []string{
	"DEEPGRAM_API_KEY",
	"OPENAI_API_KEY",
	"ANTHROPIC_API_KEY",
	"GEMINI_API_KEY",
}

func loadSecrets(cfg *Config) {
	cfg.secrets = make(map[string]string, len(secretNames))
	for _, name := range secretNames {
		v := os.Getenv(EnvPrefix + name)
		if v == "" {
			v = os.Getenv(name)
		}
		if v != "" {
			cfg.secrets[name] = v
		}
	}
	cfg.DeepgramAPIKey = cfg.secrets["DEEPGRAM_API_KEY"]
}

func validate(cfg *Config) []string {
	var warnings []string

	if cfg.DeepgramAPIKey == "" {
		warnings = append(warnings, "Deepgram API key not configured \u2014 live transcription is disabled. Set "+EnvPrefix+"DEEPGRAM_API_KEY.")
	}
	warnings = append(warnings, validateModel("response.model", cfg.Response.Model, cfg, "AI responses are disabled")...)
	if cfg.Response.GateModel != "" {
		warnings = append(warnings, validateModel("response.gate_model", cfg.Response.GateModel, cfg, "every question will be answered")...)
	}

	durations := []struct {
		name, value, fallback string
	}{
		{"session_timeout", cfg.SessionTimeout, "30s"},
		{"aggregation.max_fragment_age", cfg.Aggregation.MaxFragmentAge, "5s"},
		{"aggregation.pause_threshold", cfg.Aggregation.PauseThreshold, "3s"},
		{"aggregation.sweep_interval", cfg.Aggregation.SweepInterval, "1s"},
		{"conversation.min_silence", cfg.Conversation.MinSilence, "3.5s"},
		{"coalesce.window", cfg.Coalesce.Window, "12s"},
		{"response.timeout", cfg.Response.Timeout, "60s"},
	}
	for _, d := range durations {
		if v, err := time.ParseDuration(d.value); err != nil || v <= 0 {
			warnings = append(warnings, fmt.Sprintf("Invalid %s %q \u2014 using default %s.", d.name, d.value, d.fallback))
		}
	}

	if s := cfg.Coalesce.MinSimilarity; s <= 0 || s > 1 {
		warnings = append(warnings, fmt.Sprintf("Invalid coalesce.min_similarity %v \u2014 using default 0.7.", s))
		cfg.Coalesce.MinSimilarity = 0.7
	}

	return warnings
}

func validateModel(field, model string, cfg *Config, consequence string) []string {
	if strings.TrimSpace(model) == "" {
		return []string{fmt.Sprintf("No %s configured \u2014 %s.", field, consequence)}
	}
	provider, _, err := llm.ParseModel(model)
	if err != nil {
		return []string{fmt.Sprintf("Invalid %s %q \u2014 %s.", field, model, consequence)}
	}
	env := llm.APIKeyEnv(provider)
	if env == "" {
		return []string{fmt.Sprintf("Unknown provider in %s %q \u2014 %s.", field, model, consequence)}
	}
	if cfg.Secret(env) == "" {
		return []string{fmt.Sprintf("%s API key not configured \u2014 %s. Set %s%s.", provider, consequence, EnvPrefix, env)}
	}
	return nil
}

func parseDuration(raw string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

func parseSampleRates(raw string) []int {
	parts := strings.Split(raw, ",")
	seen := make(map[int]struct{}, len(parts))
	result := make([]int, 0, len(parts))

	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed == "" {
			continue
		}
		rate, err := strconv.Atoi(trimmed)
		if err != nil || rate <= 0 {
			continue
		}
		if _, ok := seen[rate]; ok {
			continue
		}
		seen[rate] = struct{}{}
		result = append(result, rate)
	}

	return result
}
