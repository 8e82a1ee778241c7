package config

import (
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"github.com/nobuyuki-ootake/AIAgentTRPGGM2-sub011/movement/internal/models"
)

type Config struct {
	Addr        string `env:"MOVEMENT_ADDR" envDefault:":8071"`
	DatabaseURL string `env:"MOVEMENT_DATABASE_URL"`

	KafkaBrokers []string `env:"MOVEMENT_KAFKA_BROKERS" envSeparator:","`
	KafkaTopic   string   `env:"MOVEMENT_KAFKA_TOPIC" envDefault:"movement.notifications"`

	RedisAddr     string `env:"MOVEMENT_REDIS_ADDR"`
	RedisPassword string `env:"MOVEMENT_REDIS_PASSWORD"`
	RedisDB       int    `env:"MOVEMENT_REDIS_DB" envDefault:"0"`

	ArchiveBucket string `env:"MOVEMENT_ARCHIVE_BUCKET"`
	ArchivePrefix string `env:"MOVEMENT_ARCHIVE_PREFIX" envDefault:"movement-service"`

	AIServiceURL     string        `env:"MOVEMENT_AI_URL"`
	AITimeout        time.Duration `env:"MOVEMENT_AI_TIMEOUT" envDefault:"15s"`
	AIRetries        int           `env:"MOVEMENT_AI_RETRIES" envDefault:"2"`
	AIStaticFallback bool          `env:"MOVEMENT_AI_STATIC" envDefault:"true"`

	RollbackWindow  time.Duration `env:"MOVEMENT_ROLLBACK_WINDOW" envDefault:"5m"`
	SettingsFile    string        `env:"MOVEMENT_SETTINGS_FILE"`
	NotifyQueueSize int           `env:"MOVEMENT_NOTIFY_QUEUE" envDefault:"256"`
	RateLimitRPS    float64       `env:"MOVEMENT_RATE_LIMIT_RPS" envDefault:"20"`
	RateLimitBurst  int           `env:"MOVEMENT_RATE_LIMIT_BURST" envDefault:"40"`

	// Defaults is filled from SettingsFile, or the built-in policy.
	Defaults models.ConsensusSettings
}

// Load reads the environment and the optional consensus defaults file.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if cfg.RollbackWindow <= 0 {
		return Config{}, fmt.Errorf("MOVEMENT_ROLLBACK_WINDOW must be positive")
	}
	if cfg.RateLimitRPS <= 0 || cfg.RateLimitBurst <= 0 {
		return Config{}, fmt.Errorf("MOVEMENT_RATE_LIMIT_RPS and MOVEMENT_RATE_LIMIT_BURST must be positive")
	}
	if len(cfg.KafkaBrokers) > 0 && cfg.KafkaTopic == "" {
		return Config{}, fmt.Errorf("MOVEMENT_KAFKA_TOPIC required when brokers are set")
	}

	cfg.Defaults = models.DefaultConsensusSettings()
	if cfg.SettingsFile != "" {
		defaults, err := LoadConsensusDefaults(cfg.SettingsFile)
		if err != nil {
			return Config{}, err
		}
		cfg.Defaults = defaults
	}
	return cfg, nil
}

// LoadConsensusDefaults reads a YAML policy file. Keys it leaves out keep
// their built-in defaults.
func LoadConsensusDefaults(path string) (models.ConsensusSettings, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return models.ConsensusSettings{}, fmt.Errorf("read settings file: %w", err)
	}
	return ParseConsensusDefaults(raw)
}

func ParseConsensusDefaults(raw []byte) (models.ConsensusSettings, error) {
	s := models.DefaultConsensusSettings()
	if err := yaml.Unmarshal(raw, &s); err != nil {
		return models.ConsensusSettings{}, fmt.Errorf("parse settings file: %w", err)
	}
	if err := s.Validate(); err != nil {
		return models.ConsensusSettings{}, fmt.Errorf("settings file: %w", err)
	}
	return s, nil
}
