// Package config handles platform configuration.
// Values come from defaults, then an optional YAML file, then environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	apperr "github.com/minutemate/platform/internal/errors"
)

// Pipeline backends.
const (
	BackendGRPC   = "grpc"
	BackendGemini = "gemini"
)

type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Audio    AudioConfig    `yaml:"audio"`
	Pipeline PipelineConfig `yaml:"pipeline"`
	Archive  ArchiveConfig  `yaml:"archive"`
	Inbox    InboxConfig    `yaml:"inbox"`
	Logging  LoggingConfig  `yaml:"logging"`
}

type ServerConfig struct {
	HTTPAddr       string `yaml:"http_addr"`
	MaxUploadBytes int64  `yaml:"max_upload_bytes"`
}

type AudioConfig struct {
	Device                string  `yaml:"device"` // substring of the input device name; empty = system default
	SampleRate            int     `yaml:"sample_rate"`
	FrameDurationMs       int     `yaml:"frame_duration_ms"`
	SilenceThresholdDB    float64 `yaml:"silence_threshold_db"`
	SilenceTimeoutSeconds float64 `yaml:"silence_timeout_seconds"`
}

type PipelineConfig struct {
	Backend       string   `yaml:"backend"`
	InferenceAddr string   `yaml:"inference_addr"`
	Language      string   `yaml:"language"`
	GeminiModel   string   `yaml:"gemini_model"`
	GeminiAPIKeys []string `yaml:"gemini_api_keys"`
}

type ArchiveConfig struct {
	Dir  string `yaml:"dir"`
	Docx bool   `yaml:"docx"`
}

type InboxConfig struct {
	Dir           string `yaml:"dir"` // empty disables the watcher
	SettleDelayMs int    `yaml:"settle_delay_ms"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			HTTPAddr:       ":5000",
			MaxUploadBytes: 200 << 20,
		},
		Audio: AudioConfig{
			SampleRate:            16000,
			FrameDurationMs:       64,
			SilenceThresholdDB:    -36,
			SilenceTimeoutSeconds: 30,
		},
		Pipeline: PipelineConfig{
			Backend:       BackendGRPC,
			InferenceAddr: "localhost:50051",
			Language:      "en",
			GeminiModel:   "gemini-2.5-flash",
		},
		Archive: ArchiveConfig{Dir: "meeting_minutes"},
		Inbox:   InboxConfig{SettleDelayMs: 500},
		Logging: LoggingConfig{Level: "info", Format: "text"},
	}
}

// Load builds the configuration. path may be empty.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, apperr.Wrapf(err, apperr.ConfigInvalid, "read config %s", path)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, apperr.Wrapf(err, apperr.ConfigInvalid, "parse config %s", path)
		}
	}

	applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	cfg.Server.HTTPAddr = getEnv("HTTP_ADDR", cfg.Server.HTTPAddr)
	cfg.Server.MaxUploadBytes = int64(getEnvInt("MAX_UPLOAD_BYTES", int(cfg.Server.MaxUploadBytes)))

	cfg.Audio.Device = getEnv("AUDIO_DEVICE", cfg.Audio.Device)
	cfg.Audio.SampleRate = getEnvInt("SAMPLE_RATE", cfg.Audio.SampleRate)
	cfg.Audio.FrameDurationMs = getEnvInt("FRAME_DURATION_MS", cfg.Audio.FrameDurationMs)
	cfg.Audio.SilenceThresholdDB = getEnvFloat("SILENCE_THRESHOLD_DB", cfg.Audio.SilenceThresholdDB)
	cfg.Audio.SilenceTimeoutSeconds = getEnvFloat("SILENCE_TIMEOUT_SECONDS", cfg.Audio.SilenceTimeoutSeconds)

	cfg.Pipeline.Backend = getEnv("PIPELINE_BACKEND", cfg.Pipeline.Backend)
	cfg.Pipeline.InferenceAddr = getEnv("INFERENCE_ADDR", cfg.Pipeline.InferenceAddr)
	cfg.Pipeline.Language = getEnv("TRANSCRIBE_LANGUAGE", cfg.Pipeline.Language)
	cfg.Pipeline.GeminiModel = getEnv("GEMINI_MODEL", cfg.Pipeline.GeminiModel)
	cfg.Pipeline.GeminiAPIKeys = getEnvList("GEMINI_API_KEYS", cfg.Pipeline.GeminiAPIKeys)

	cfg.Archive.Dir = getEnv("ARCHIVE_DIR", cfg.Archive.Dir)
	cfg.Archive.Docx = getEnvBool("ARCHIVE_DOCX", cfg.Archive.Docx)

	cfg.Inbox.Dir = getEnv("INBOX_DIR", cfg.Inbox.Dir)
	cfg.Inbox.SettleDelayMs = getEnvInt("INBOX_SETTLE_DELAY_MS", cfg.Inbox.SettleDelayMs)

	cfg.Logging.Level = getEnv("LOG_LEVEL", cfg.Logging.Level)
	cfg.Logging.Format = getEnv("LOG_FORMAT", cfg.Logging.Format)
}

// Validate rejects values the rest of the platform cannot run with.
func (c *Config) Validate() error {
	switch {
	case c.Server.HTTPAddr == "":
		return apperr.New(apperr.ConfigInvalid, "server.http_addr is required")
	case c.Server.MaxUploadBytes <= 0:
		return apperr.New(apperr.ConfigInvalid, "server.max_upload_bytes must be positive")
	case c.Audio.SampleRate <= 0:
		return apperr.New(apperr.ConfigInvalid, "audio.sample_rate must be positive")
	case c.Audio.FrameDurationMs <= 0:
		return apperr.New(apperr.ConfigInvalid, "audio.frame_duration_ms must be positive")
	case c.Audio.SilenceThresholdDB > 0:
		return apperr.New(apperr.ConfigInvalid, "audio.silence_threshold_db is dBFS and must be <= 0")
	case c.Audio.SilenceTimeoutSeconds <= 0:
		return apperr.New(apperr.ConfigInvalid, "audio.silence_timeout_seconds must be positive")
	case c.Archive.Dir == "":
		return apperr.New(apperr.ConfigInvalid, "archive.dir is required")
	}

	switch c.Pipeline.Backend {
	case BackendGRPC:
		if c.Pipeline.InferenceAddr == "" {
			return apperr.New(apperr.ConfigInvalid, "pipeline.inference_addr is required for the grpc backend")
		}
	case BackendGemini:
		if len(c.Pipeline.GeminiAPIKeys) == 0 {
			return apperr.New(apperr.ConfigInvalid, "pipeline.gemini_api_keys is required for the gemini backend")
		}
	default:
		return apperr.Newf(apperr.ConfigInvalid, "unknown pipeline.backend %q", c.Pipeline.Backend)
	}

	switch strings.ToLower(c.Logging.Format) {
	case "text", "json":
	default:
		return apperr.Newf(apperr.ConfigInvalid, "unknown logging.format %q", c.Logging.Format)
	}
	return nil
}

// FrameDuration returns the capture frame length.
func (a AudioConfig) FrameDuration() time.Duration {
	return time.Duration(a.FrameDurationMs) * time.Millisecond
}

// SilenceTimeout returns the auto-stop silence window.
func (a AudioConfig) SilenceTimeout() time.Duration {
	return time.Duration(a.SilenceTimeoutSeconds * float64(time.Second))
}

// SettleDelay is how long the inbox waits for a new file to finish writing.
func (i InboxConfig) SettleDelay() time.Duration {
	return time.Duration(i.SettleDelayMs) * time.Millisecond
}

// String renders the config without secrets, for startup logs.
func (c *Config) String() string {
	return fmt.Sprintf("http=%s backend=%s inference=%s archive=%s inbox=%q gemini_keys=%d",
		c.Server.HTTPAddr, c.Pipeline.Backend, c.Pipeline.InferenceAddr,
		c.Archive.Dir, c.Inbox.Dir, len(c.Pipeline.GeminiAPIKeys))
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getEnvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getEnvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		return v == "true" || v == "1"
	}
	return def
}

func getEnvList(key string, def []string) []string {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		result := make([]string, 0, len(parts))
		for _, p := range parts {
			if t := strings.TrimSpace(p); t != "" {
				result = append(result, t)
			}
		}
		return result
	}
	return def
}
