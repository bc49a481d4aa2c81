package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

type Config struct {
	// FreePBX host driving all PBX REST and event-stream traffic.
	// Required; main also accepts it as the first positional argument.
	FreePBXIP   string `env:"FREEPBX_IP"`
	PBXUsername string `env:"PBX_USERNAME" envDefault:"callpilot"`
	PBXPassword string `env:"PBX_PASSWORD"`
	PBXAppName  string `env:"PBX_APP_NAME" envDefault:"callpilot"`

	// Base URL the PBX uses to fetch action scripts back from us.
	ActionBaseURL string `env:"ACTION_BASE_URL" envDefault:"http://localhost:3000"`

	HTTPAddr     string        `env:"HTTP_ADDR"`
	Port         string        `env:"PORT" envDefault:"3000"`
	ReadTimeout  time.Duration `env:"HTTP_READ_TIMEOUT" envDefault:"5s"`
	WriteTimeout time.Duration `env:"HTTP_WRITE_TIMEOUT" envDefault:"30s"`
	IdleTimeout  time.Duration `env:"HTTP_IDLE_TIMEOUT" envDefault:"120s"`

	// Trunk inventory refresh
	TrunkInventoryURL      string        `env:"TRUNK_INVENTORY_URL"`
	TrunkInventoryInterval time.Duration `env:"TRUNK_INVENTORY_INTERVAL" envDefault:"30s"`
	TrunkInventoryTimeout  time.Duration `env:"TRUNK_INVENTORY_TIMEOUT" envDefault:"10s"`

	// Campaign catalog refresh
	CampaignCatalogURL      string        `env:"CAMPAIGN_CATALOG_URL"`
	CampaignCatalogInterval time.Duration `env:"CAMPAIGN_CATALOG_INTERVAL" envDefault:"5m"`
	CampaignCatalogTimeout  time.Duration `env:"CAMPAIGN_CATALOG_TIMEOUT" envDefault:"10s"`

	// Trunk assignment lifetime; renewed by keep-alive and call creation.
	AssignmentTTL time.Duration `env:"ASSIGNMENT_TTL" envDefault:"120s"`

	// Minimum spacing between originations on one trunk.
	OriginationSpacing time.Duration `env:"ORIGINATION_SPACING" envDefault:"1100ms"`

	PBXConnectTimeout time.Duration `env:"PBX_CONNECT_TIMEOUT" envDefault:"5s"`

	RateLimitRPS   float64 `env:"RATE_LIMIT_RPS" envDefault:"50"`
	RateLimitBurst int     `env:"RATE_LIMIT_BURST" envDefault:"100"`
	CORSOrigins    string  `env:"CORS_ORIGINS"`
	LogLevel       string  `env:"LOG_LEVEL" envDefault:"info"`
	MetricsEnabled bool    `env:"METRICS_ENABLED" envDefault:"true"`
}

// Validate checks that the PBX host is configured. The orchestrator is
// useless without one, so startup aborts rather than limping along.
func (c *Config) Validate() error {
	if c.FreePBXIP == "" {
		return fmt.Errorf("FREEPBX_IP must be set (or passed as the first argument)")
	}
	return nil
}

// ListenAddr resolves the HTTP listen address: HTTP_ADDR wins, else :PORT.
func (c *Config) ListenAddr() string {
	if c.HTTPAddr != "" {
		return c.HTTPAddr
	}
	port := strings.TrimPrefix(c.Port, ":")
	return ":" + port
}

// Overrides holds CLI flag values that take priority over env vars.
type Overrides struct {
	EnvFile   string
	FreePBXIP string
	HTTPAddr  string
	LogLevel  string
}

// Load reads configuration from .env file, environment variables, and CLI overrides.
// Priority: CLI flags > environment variables > .env file > struct defaults.
func Load(overrides Overrides) (*Config, error) {
	envFile := overrides.EnvFile
	if envFile == "" {
		envFile = ".env"
	}
	if _, err := os.Stat(envFile); err == nil {
		_ = godotenv.Load(envFile)
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, err
	}

	if overrides.FreePBXIP != "" {
		cfg.FreePBXIP = overrides.FreePBXIP
	}
	if overrides.HTTPAddr != "" {
		cfg.HTTPAddr = overrides.HTTPAddr
	}
	if overrides.LogLevel != "" {
		cfg.LogLevel = overrides.LogLevel
	}

	return cfg, nil
}
