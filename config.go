package main

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/ilyakaznacheev/cleanenv"
	"github.com/joho/godotenv"

	"github.com/miguelrdp/iron/pkg/log"
	"github.com/miguelrdp/iron/pkg/wallet"
)

const (
	configDirPathEnv     = "IRON_CONFIG_DIR_PATH"
	defaultConfigDirPath = "config"
)

// EnvConfig enumerates every option read from the environment.
type EnvConfig struct {
	ListenAddr  string `env:"IRON_LISTEN_ADDR" env-default:":8546" validate:"required"`
	MetricsAddr string `env:"IRON_METRICS_ADDR" env-default:":4242" validate:"required"`
	// AllowedOrigins restricts websocket upgrades. Empty accepts every origin.
	AllowedOrigins []string `env:"IRON_ALLOWED_ORIGINS" env-separator:","`

	// Network is the name of the network selected when nothing was saved.
	Network string `env:"IRON_NETWORK" env-default:"mainnet" validate:"required"`
	// PrivateKey unlocks the wallet. Without it the wallet reports no accounts.
	PrivateKey string `env:"IRON_PRIVATE_KEY"`

	RequestTimeout     time.Duration `env:"IRON_REQUEST_TIMEOUT" env-default:"30s" validate:"gt=0"`
	MaxInFlight        int           `env:"IRON_MAX_IN_FLIGHT" env-default:"64" validate:"gt=0"`
	RateLimit          float64       `env:"IRON_RATE_LIMIT" env-default:"0" validate:"gte=0"`
	RateBurst          int           `env:"IRON_RATE_BURST" env-default:"50" validate:"gt=0"`
	FilterPollInterval time.Duration `env:"IRON_FILTER_POLL_INTERVAL" env-default:"4s" validate:"gt=0"`
	FilterIdleTimeout  time.Duration `env:"IRON_FILTER_IDLE_TIMEOUT" env-default:"5m" validate:"gt=0"`

	BreakerMaxFailures uint32        `env:"IRON_BREAKER_MAX_FAILURES" env-default:"0"`
	BreakerTimeout     time.Duration `env:"IRON_BREAKER_TIMEOUT" env-default:"30s"`
	RetryRateLimited   bool          `env:"IRON_RETRY_RATE_LIMITED" env-default:"false"`

	Database DatabaseConfig
	Log      log.Config
}

// Config is the full application configuration.
type Config struct {
	EnvConfig
	ConfigDirPath string
	Networks      []wallet.Network
}

// LoadConfig reads <config dir>/.env, the environment and <config dir>/networks.yaml.
func LoadConfig(logger log.Logger) (*Config, error) {
	logger = log.OrNoop(logger).WithName("config")

	configDirPath := os.Getenv(configDirPathEnv)
	if configDirPath == "" {
		configDirPath = defaultConfigDirPath
	}

	configDotEnvPath := filepath.Join(configDirPath, ".env")
	logger.Info("loading .env file", "path", configDotEnvPath)
	if err := godotenv.Load(configDotEnvPath); err != nil {
		logger.Warn(".env file not found")
	}

	var env EnvConfig
	if err := cleanenv.ReadEnv(&env); err != nil {
		return nil, fmt.Errorf("failed to read env: %w", err)
	}
	if err := validator.New(validator.WithRequiredStructEnabled()).Struct(env); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	networks, err := wallet.LoadNetworks(configDirPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load networks: %w", err)
	}
	if !slices.ContainsFunc(networks, func(n wallet.Network) bool { return n.Name == env.Network }) {
		return nil, fmt.Errorf("network '%s' is not configured", env.Network)
	}

	return &Config{
		EnvConfig:     env,
		ConfigDirPath: configDirPath,
		Networks:      networks,
	}, nil
}
