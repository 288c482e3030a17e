// Package config provides configuration loading from environment variables
// with an optional TOML file overlay.
package config

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/pelletier/go-toml/v2"
	"github.com/sethvargo/go-envconfig"
)

// Static errors for configuration validation.
var (
	// ErrInvalidBackend is returned when LK_TTS_BACKEND names an unknown engine.
	ErrInvalidBackend = errors.New("config: unknown synthesis backend")
	// ErrInvalidSpeed is returned when LK_TTS_SPEED is zero or negative.
	ErrInvalidSpeed = errors.New("config: speed must be positive")
	// ErrInvalidSampleRate is returned when LK_TTS_SAMPLE_RATE is zero or negative.
	ErrInvalidSampleRate = errors.New("config: sample rate must be positive")
	// ErrInvalidSilence is returned when LK_TTS_SILENCE_MS is negative.
	ErrInvalidSilence = errors.New("config: silence must not be negative")
	// ErrInvalidChunking is returned when the chunk window settings are unusable.
	ErrInvalidChunking = errors.New("config: max chars must be positive and overlap non-negative")
	// ErrModelBinRequired is returned when the process backend has no synthesizer binary.
	ErrModelBinRequired = errors.New("config: LK_TTS_MODEL_BIN is required for the process backend")
	// ErrSynthURLRequired is returned when the http backend has no server URL.
	ErrSynthURLRequired = errors.New("config: LK_TTS_SYNTH_URL is required for the http backend")
)

// Config holds all configuration for the application.
type Config struct {
	// Server settings
	Port int `env:"PORT, default=8080" json:"port"`

	// Synthesis settings
	Backend    string  `env:"LK_TTS_BACKEND, default=process" json:"backend"` // "process", "http", or "tone"
	ModelPath  string  `env:"LK_TTS_MODEL_PATH" json:"model_path,omitempty"`
	ModelBin   string  `env:"LK_TTS_MODEL_BIN" json:"model_bin,omitempty"`
	SynthURL   string  `env:"LK_TTS_SYNTH_URL" json:"synth_url,omitempty"`
	SampleRate int     `env:"LK_TTS_SAMPLE_RATE, default=22050" json:"sample_rate"`
	Speed      float64 `env:"LK_TTS_SPEED, default=1.0" json:"speed"`

	// Audio assembly settings
	FFmpegBin string `env:"LK_TTS_FFMPEG_BIN, default=ffmpeg" json:"ffmpeg_bin"`
	SilenceMS int    `env:"LK_TTS_SILENCE_MS, default=120" json:"silence_ms"`

	// Chunking settings
	MaxChars     int `env:"LK_TTS_MAX_CHARS, default=3500" json:"max_chars"`
	OverlapChars int `env:"LK_TTS_OVERLAP_CHARS, default=40" json:"overlap_chars"`

	// Storage settings. Empty CacheDir and ModelPath are resolved to
	// per-user directories at bootstrap.
	CacheDir  string `env:"LK_TTS_CACHE_DIR" json:"cache_dir,omitempty"`
	TempDir   string `env:"LK_TTS_TEMP_DIR" json:"temp_dir,omitempty"`
	OutputDir string `env:"LK_TTS_OUTPUT_DIR" json:"output_dir,omitempty"`

	// Optional S3 settings
	S3Bucket           string `env:"S3_BUCKET" json:"s3_bucket,omitempty"`
	S3Region           string `env:"S3_REGION" json:"s3_region,omitempty"`
	S3Endpoint         string `env:"S3_ENDPOINT" json:"s3_endpoint,omitempty"`
	AWSAccessKeyID     string `env:"AWS_ACCESS_KEY_ID" json:"-"`     // Masked in JSON
	AWSSecretAccessKey string `env:"AWS_SECRET_ACCESS_KEY" json:"-"` // Masked in JSON

	// Logging settings
	LogFormat string `env:"LOG_FORMAT, default=text" json:"log_format"` // "json" or "text"
	LogLevel  string `env:"LOG_LEVEL, default=info" json:"log_level"`   // "debug", "info", "warn", "error"
}

// S3Enabled returns true if S3 configuration is provided.
func (c *Config) S3Enabled() bool {
	return c.S3Bucket != "" && c.S3Region != ""
}

// Load reads configuration from environment variables using go-envconfig.
// When LK_TTS_CONFIG_FILE names a TOML file, its values fill in for unset
// environment variables: precedence is environment, then file, then defaults.
func Load() (*Config, error) {
	return load(envconfig.OsLookuper(), os.Getenv("LK_TTS_CONFIG_FILE"))
}

func load(env envconfig.Lookuper, configFile string) (*Config, error) {
	lookuper := env
	if configFile != "" {
		overlay, err := fileLookuper(configFile)
		if err != nil {
			return nil, err
		}
		lookuper = envconfig.MultiLookuper(env, overlay)
	}

	cfg := &Config{}
	if err := envconfig.ProcessWith(context.Background(), &envconfig.Config{
		Target:   cfg,
		Lookuper: lookuper,
	}); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	return cfg, nil
}

// fileLookuper parses a TOML file into an env-style lookuper. Nested tables
// flatten to underscore-joined upper-case keys, so [lk_tts] model_path in the
// file answers lookups for LK_TTS_MODEL_PATH.
func fileLookuper(path string) (envconfig.Lookuper, error) {
	data, err := os.ReadFile(path) // #nosec G304 - path comes from the operator's own environment
	if err != nil {
		return nil, fmt.Errorf("config: read config file: %w", err)
	}

	var tree map[string]any
	if err := toml.Unmarshal(data, &tree); err != nil {
		return nil, fmt.Errorf("config: parse config file: %w", err)
	}

	values := make(map[string]string)
	flatten("", tree, values)

	return envconfig.MapLookuper(values), nil
}

// flatten walks a decoded TOML tree and writes scalar leaves into out under
// env-style key names.
func flatten(prefix string, tree map[string]any, out map[string]string) {
	for key, value := range tree {
		name := strings.ToUpper(key)
		if prefix != "" {
			name = prefix + "_" + name
		}
		if sub, ok := value.(map[string]any); ok {
			flatten(name, sub, out)
			continue
		}
		out[name] = fmt.Sprintf("%v", value)
	}
}

// Validate checks cross-field requirements that tag defaults cannot express.
func (c *Config) Validate() error {
	switch c.Backend {
	case "process", "http", "tone":
	default:
		return fmt.Errorf("%w: %s", ErrInvalidBackend, c.Backend)
	}
	if c.Speed <= 0 {
		return ErrInvalidSpeed
	}
	if c.SampleRate <= 0 {
		return ErrInvalidSampleRate
	}
	if c.SilenceMS < 0 {
		return ErrInvalidSilence
	}
	if c.MaxChars <= 0 || c.OverlapChars < 0 {
		return ErrInvalidChunking
	}
	if c.Backend == "process" && c.ModelBin == "" {
		return ErrModelBinRequired
	}
	if c.Backend == "http" && c.SynthURL == "" {
		return ErrSynthURLRequired
	}
	return nil
}

// NewLogger creates a structured logger based on the configuration.
// When LogFormat is "json", it outputs JSON logs suitable for production.
// Otherwise, it outputs human-readable text logs.
func (c *Config) NewLogger() *slog.Logger {
	level := parseLogLevel(c.LogLevel)

	var handler slog.Handler
	if strings.ToLower(c.LogFormat) == "json" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: level,
		})
	} else {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
			Level: level,
		})
	}

	return slog.New(handler)
}

// String returns a string representation of the config with sensitive values masked.
func (c *Config) String() string {
	return fmt.Sprintf(
		"Config{Port: %d, Backend: %s, ModelPath: %s, ModelBin: %s, SynthURL: %s, SampleRate: %d, Speed: %g, FFmpegBin: %s, SilenceMS: %d, MaxChars: %d, OverlapChars: %d, CacheDir: %s, TempDir: %s, OutputDir: %s, S3Bucket: %s, S3Region: %s, S3Endpoint: %s, LogFormat: %s, LogLevel: %s}",
		c.Port,
		c.Backend,
		c.ModelPath,
		c.ModelBin,
		c.SynthURL,
		c.SampleRate,
		c.Speed,
		c.FFmpegBin,
		c.SilenceMS,
		c.MaxChars,
		c.OverlapChars,
		c.CacheDir,
		c.TempDir,
		c.OutputDir,
		c.S3Bucket,
		c.S3Region,
		c.S3Endpoint,
		c.LogFormat,
		c.LogLevel,
	)
}

// parseLogLevel converts a string log level to slog.Level.
func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
