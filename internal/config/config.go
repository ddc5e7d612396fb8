// Package config loads lakeforge settings from an optional YAML file, a .env
// file and LAKEFORGE_* environment variables, in increasing precedence.
package config

import (
	"errors"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
)

const EnvPrefix = "LAKEFORGE"

type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	LLM      LLMConfig      `mapstructure:"llm"`
	Pipeline PipelineConfig `mapstructure:"pipeline"`
	Files    FilesConfig    `mapstructure:"files"`
	Store    BackendConfig  `mapstructure:"store"`
	Exec     BackendConfig  `mapstructure:"exec"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
	Log      LogConfig      `mapstructure:"log"`
}

type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type LLMConfig struct {
	BaseURL     string        `mapstructure:"base_url"`
	APIKey      string        `mapstructure:"api_key"`
	Models      []string      `mapstructure:"models"`
	MaxAttempts int           `mapstructure:"max_attempts"`
	BaseDelay   time.Duration `mapstructure:"base_delay"`
	MaxDelay    time.Duration `mapstructure:"max_delay"`
	Timeout     time.Duration `mapstructure:"timeout"`
	Temperature float64       `mapstructure:"temperature"`
	MaxTokens   int           `mapstructure:"max_tokens"`
	Referer     string        `mapstructure:"referer"`
	Title       string        `mapstructure:"title"`
}

type PipelineConfig struct {
	MaxIterations  int           `mapstructure:"max_iterations"`
	TargetDialect  string        `mapstructure:"target_dialect"`
	StatementDelay time.Duration `mapstructure:"statement_delay"`
}

type FilesConfig struct {
	// Root is the local upload directory keys resolve against.
	Root string `mapstructure:"root"`
	// BaseURL, when set, replaces Root with an HTTP object store.
	BaseURL            string `mapstructure:"base_url"`
	Token              string `mapstructure:"token"`
	InsecureSkipVerify bool   `mapstructure:"insecure_skip_verify"`
	SampleDir          string `mapstructure:"sample_dir"`
}

// BackendConfig selects a storage backend by kind.
type BackendConfig struct {
	Kind string `mapstructure:"kind"`
	DSN  string `mapstructure:"dsn"`
}

type MetricsConfig struct {
	Backend    string        `mapstructure:"backend"`
	Tags       []string      `mapstructure:"tags"`
	FlushEvery time.Duration `mapstructure:"flush_every"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// SetDefaults registers every key so environment variables can override any
// of them.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 3001)
	v.SetDefault("server.shutdown_timeout", 15*time.Second)

	v.SetDefault("llm.base_url", "https://openrouter.ai/api/v1/chat/completions")
	v.SetDefault("llm.api_key", "")
	v.SetDefault("llm.models", []string{"openrouter/free"})
	v.SetDefault("llm.max_attempts", 3)
	v.SetDefault("llm.base_delay", time.Second)
	v.SetDefault("llm.max_delay", 20*time.Second)
	v.SetDefault("llm.timeout", 300*time.Second)
	v.SetDefault("llm.temperature", 0.1)
	v.SetDefault("llm.max_tokens", 0)
	v.SetDefault("llm.referer", "")
	v.SetDefault("llm.title", "lakeforge")

	v.SetDefault("pipeline.max_iterations", 3)
	v.SetDefault("pipeline.target_dialect", "postgres")
	v.SetDefault("pipeline.statement_delay", 200*time.Millisecond)

	v.SetDefault("files.root", "uploads")
	v.SetDefault("files.base_url", "")
	v.SetDefault("files.token", "")
	v.SetDefault("files.insecure_skip_verify", false)
	v.SetDefault("files.sample_dir", "../sample-data")

	v.SetDefault("store.kind", "sqlite")
	v.SetDefault("store.dsn", "file:lakeforge.db")
	v.SetDefault("exec.kind", "memory")
	v.SetDefault("exec.dsn", "")

	v.SetDefault("metrics.backend", "none")
	v.SetDefault("metrics.tags", []string{})
	v.SetDefault("metrics.flush_every", 10*time.Second)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
}

// New returns a viper instance with defaults, env binding and aliases.
func New() *viper.Viper {
	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Aliases: the first name wins when several are set.
	_ = v.BindEnv("llm.api_key", EnvPrefix+"_LLM_API_KEY", "OPENROUTER_API_KEY")
	_ = v.BindEnv("server.port", EnvPrefix+"_SERVER_PORT", "PORT")
	return v
}

// Load reads .env (when present), then file (when non-empty, or
// ./lakeforge.yaml when it exists), then the environment.
func Load(file string) (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, eris.Wrap(err, "load .env")
	}
	v := New()
	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, eris.Wrapf(err, "read config %s", file)
		}
	} else if _, err := os.Stat("lakeforge.yaml"); err == nil {
		v.SetConfigFile("lakeforge.yaml")
		if err := v.ReadInConfig(); err != nil {
			return Config{}, eris.Wrap(err, "read config lakeforge.yaml")
		}
	}
	return Decode(v)
}

// Decode unmarshals v into a Config.
func Decode(v *viper.Viper) (Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, eris.Wrap(err, "decode config")
	}
	cfg.LLM.Models = splitList(cfg.LLM.Models)
	cfg.Metrics.Tags = splitList(cfg.Metrics.Tags)
	return cfg, nil
}

// splitList trims entries and splits comma-joined ones, which is how list
// values arrive from the environment.
func splitList(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		for _, p := range strings.Split(s, ",") {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
	}
	return out
}
