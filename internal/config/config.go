// Package config loads server configuration from BIOLIT_* environment
// variables with sensible defaults for local development.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

type Config struct {
	Server    ServerConfig
	Ollama    OllamaConfig
	Storage   StorageConfig
	Session   SessionConfig
	Retrieval RetrievalConfig
	Log       LogConfig
}

type ServerConfig struct {
	Host string `env:"BIOLIT_HOST" envDefault:"127.0.0.1"`
	Port int    `env:"BIOLIT_PORT" envDefault:"8000"`
}

type OllamaConfig struct {
	BaseURL    string `env:"BIOLIT_OLLAMA_URL" envDefault:"http://localhost:11434"`
	ChatModel  string `env:"BIOLIT_CHAT_MODEL" envDefault:"llama3.1"`
	EmbedModel string `env:"BIOLIT_EMBED_MODEL" envDefault:"nomic-embed-text"`
}

type StorageConfig struct {
	DataDir string `env:"BIOLIT_DATA_DIR" envDefault:"./data"`
}

type SessionConfig struct {
	// TTL is the inactivity window after which a session and its storage
	// namespace are removed by the sweep.
	TTL time.Duration `env:"BIOLIT_SESSION_TTL" envDefault:"24h"`
	// SweepSchedule is a cron expression controlling how often the expiry
	// sweep runs.
	SweepSchedule string `env:"BIOLIT_SWEEP_SCHEDULE" envDefault:"@hourly"`
}

type RetrievalConfig struct {
	TopK     int     `env:"BIOLIT_RETRIEVAL_TOP_K" envDefault:"3"`
	MinScore float64 `env:"BIOLIT_RETRIEVAL_MIN_SCORE" envDefault:"0.65"`
}

type LogConfig struct {
	Level string `env:"BIOLIT_LOG_LEVEL" envDefault:"info"`
}

// Load reads configuration from the environment.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parsing environment: %w", err)
	}
	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		return Config{}, fmt.Errorf("invalid port %d", cfg.Server.Port)
	}
	if cfg.Session.TTL <= 0 {
		return Config{}, fmt.Errorf("session TTL must be positive, got %s", cfg.Session.TTL)
	}
	return cfg, nil
}
