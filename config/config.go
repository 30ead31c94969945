package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Host      string
	Port      int
	LogLevel  string
	Artifacts Artifacts
	FFmpeg    FFmpeg
	Engine    Engine
	Session   Session
}

type Artifacts struct {
	Dir           string
	Keep          bool
	MaxAge        time.Duration
	SweepInterval time.Duration
}

type FFmpeg struct {
	Path    string
	Timeout time.Duration
}

type Engine struct {
	Backend    string
	Model      string
	ModelPath  string
	Binary     string
	Language   string
	Threads    int
	Timeout    time.Duration
	Concurrent bool

	OpenAIAPIKey string
	GeminiAPIKey string
}

type Session struct {
	Queue            int
	MaxFragmentBytes int64
}

var Backends = []string{"whisper-cpp", "openai", "gemini"}

// SetDefaults registers every key with viper so that AutomaticEnv can
// resolve keys that never appear in a config file.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("host", "0.0.0.0")
	v.SetDefault("port", 3001)
	v.SetDefault("log_level", "info")

	v.SetDefault("artifacts.dir", "recordings")
	v.SetDefault("artifacts.keep", false)
	v.SetDefault("artifacts.max_age", time.Hour)
	v.SetDefault("artifacts.sweep_interval", 10*time.Minute)

	v.SetDefault("ffmpeg.path", "ffmpeg")
	v.SetDefault("ffmpeg.timeout", 30*time.Second)

	v.SetDefault("engine.backend", "whisper-cpp")
	v.SetDefault("engine.model", "")
	v.SetDefault("engine.model_path", "models/ggml-small.en.bin")
	v.SetDefault("engine.binary", "whisper-cli")
	v.SetDefault("engine.language", "en")
	v.SetDefault("engine.threads", 0)
	v.SetDefault("engine.timeout", 2*time.Minute)
	v.SetDefault("engine.concurrent", false)

	v.SetDefault("openai_api_key", "")
	v.SetDefault("gemini_api_key", "")

	v.SetDefault("session.queue", 16)
	v.SetDefault("session.max_fragment_bytes", 10<<20)
}

func Load(v *viper.Viper) (*Config, error) {
	SetDefaults(v)

	cfg := &Config{
		Host:     v.GetString("host"),
		Port:     v.GetInt("port"),
		LogLevel: strings.ToLower(v.GetString("log_level")),
		Artifacts: Artifacts{
			Dir:           v.GetString("artifacts.dir"),
			Keep:          v.GetBool("artifacts.keep"),
			MaxAge:        v.GetDuration("artifacts.max_age"),
			SweepInterval: v.GetDuration("artifacts.sweep_interval"),
		},
		FFmpeg: FFmpeg{
			Path:    v.GetString("ffmpeg.path"),
			Timeout: v.GetDuration("ffmpeg.timeout"),
		},
		Engine: Engine{
			Backend:      strings.ToLower(v.GetString("engine.backend")),
			Model:        v.GetString("engine.model"),
			ModelPath:    v.GetString("engine.model_path"),
			Binary:       v.GetString("engine.binary"),
			Language:     v.GetString("engine.language"),
			Threads:      v.GetInt("engine.threads"),
			Timeout:      v.GetDuration("engine.timeout"),
			Concurrent:   v.GetBool("engine.concurrent"),
			OpenAIAPIKey: v.GetString("openai_api_key"),
			GeminiAPIKey: v.GetString("gemini_api_key"),
		},
		Session: Session{
			Queue:            v.GetInt("session.queue"),
			MaxFragmentBytes: v.GetInt64("session.max_fragment_bytes"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

func (c *Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Port)
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log_level: %q (must be debug, info, warn, or error)", c.LogLevel)
	}

	if c.Artifacts.Dir == "" {
		return fmt.Errorf("invalid artifacts.dir: empty")
	}
	if c.Artifacts.MaxAge <= 0 {
		return fmt.Errorf("invalid artifacts.max_age: %v", c.Artifacts.MaxAge)
	}
	if c.Artifacts.SweepInterval < 0 {
		return fmt.Errorf("invalid artifacts.sweep_interval: %v", c.Artifacts.SweepInterval)
	}

	if c.FFmpeg.Path == "" {
		return fmt.Errorf("invalid ffmpeg.path: empty")
	}
	if c.FFmpeg.Timeout <= 0 {
		return fmt.Errorf("invalid ffmpeg.timeout: %v", c.FFmpeg.Timeout)
	}

	if err := c.Engine.Validate(); err != nil {
		return err
	}

	if c.Session.Queue <= 0 {
		return fmt.Errorf("invalid session.queue: %d", c.Session.Queue)
	}
	if c.Session.MaxFragmentBytes <= 0 {
		return fmt.Errorf("invalid session.max_fragment_bytes: %d", c.Session.MaxFragmentBytes)
	}
	return nil
}

func (e *Engine) Validate() error {
	if e.Timeout <= 0 {
		return fmt.Errorf("invalid engine.timeout: %v", e.Timeout)
	}
	if e.Threads < 0 {
		return fmt.Errorf("invalid engine.threads: %d", e.Threads)
	}

	switch e.Backend {
	case "whisper-cpp":
		if e.ModelPath == "" {
			return fmt.Errorf("invalid engine.model_path: empty (required for whisper-cpp)")
		}
		if e.Binary == "" {
			return fmt.Errorf("invalid engine.binary: empty (required for whisper-cpp)")
		}
	case "openai":
		if e.OpenAIAPIKey == "" {
			return fmt.Errorf("OpenAI API key required: set openai_api_key or SCRIBE_OPENAI_API_KEY")
		}
	case "gemini":
		if e.GeminiAPIKey == "" {
			return fmt.Errorf("Gemini API key required: set gemini_api_key or SCRIBE_GEMINI_API_KEY")
		}
	default:
		return fmt.Errorf("unsupported engine.backend: %q (must be %s)", e.Backend, strings.Join(Backends, ", "))
	}
	return nil
}
