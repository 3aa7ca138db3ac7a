package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
)

type Config struct {
	Server   Server   `yaml:"server" env-prefix:"SERVER_"`
	HTTP     HTTP     `yaml:"http" env-prefix:"HTTP_"`
	Postgres Postgres `yaml:"postgres" env-prefix:"POSTGRES_"`
	Redis    Redis    `yaml:"redis" env-prefix:"REDIS_"`
	Log      Log      `yaml:"log" env-prefix:"LOG_"`
	Payments Payments `yaml:"payments" env-prefix:"PAYMENTS_"`
	Mock     Mock     `yaml:"mock" env-prefix:"MOCK_"`
	Yoomoney Yoomoney `yaml:"yoomoney" env-prefix:"YOOMONEY_"`
	Daemon   Daemon   `yaml:"daemon" env-prefix:"DAEMON_"`
}

// Server is the gRPC health endpoint.
type Server struct {
	Port int `yaml:"Port" env:"PORT" env-default:"8888"`
}

type HTTP struct {
	Port         int           `yaml:"Port" env:"PORT" env-default:"8080"`
	ReadTimeout  time.Duration `yaml:"ReadTimeout" env:"READ_TIMEOUT" env-default:"15s"`
	WriteTimeout time.Duration `yaml:"WriteTimeout" env:"WRITE_TIMEOUT" env-default:"15s"`
}

type Postgres struct {
	Host     string `yaml:"Host" env:"HOST" env-default:"localhost"`
	Port     int    `yaml:"Port" env:"PORT" env-default:"5432"`
	SSLMode  string `yaml:"SSLMode" env:"SSL_MODE" env-default:"disable"`
	DB       string `yaml:"DB" env:"DB" env-default:"marketpay"`
	User     string `yaml:"User" env:"USER" env-default:"postgres"`
	Password string `yaml:"Password" env:"PASSWORD"`
}

type Redis struct {
	URL      string        `yaml:"URL" env:"URL" env-default:"localhost:6379"`
	CacheTTL time.Duration `yaml:"CacheTTL" env:"CACHE_TTL" env-default:"10m"`
}

type Log struct {
	Level  string `yaml:"Level" env:"LEVEL" env-default:"info"`
	Format string `yaml:"Format" env:"FORMAT" env-default:"json"`
}

type Payments struct {
	MinimumPayout float64       `yaml:"MinimumPayout" env:"MINIMUM_PAYOUT" env-default:"20.00"`
	FeeRate       float64       `yaml:"FeeRate" env:"FEE_RATE" env-default:"0.02"`
	PayoutDelay   time.Duration `yaml:"PayoutDelay" env:"PAYOUT_DELAY" env-default:"24h"`
	Currency      string        `yaml:"Currency" env:"CURRENCY" env-default:"USD"`
	WebhookSecret string        `yaml:"WebhookSecret" env:"WEBHOOK_SECRET"`
	// Providers lists the provider kinds to register besides mock.
	Providers []string `yaml:"Providers" env:"PROVIDERS" env-separator:","`
}

type Mock struct {
	Delay       time.Duration `yaml:"Delay" env:"DELAY" env-default:"0s"`
	FailureRate float64       `yaml:"FailureRate" env:"FAILURE_RATE" env-default:"0"`
}

type Yoomoney struct {
	Token    string `yaml:"Token" env:"TOKEN"`
	Receiver string `yaml:"Receiver" env:"RECEIVER"`
	BaseURL  string `yaml:"BaseURL" env:"BASE_URL" env-default:"https://yoomoney.ru"`
}

type Daemon struct {
	PollInterval time.Duration `yaml:"PollInterval" env:"POLL_INTERVAL" env-default:"1m"`
	BatchSize    int           `yaml:"BatchSize" env:"BATCH_SIZE" env-default:"50"`
}

func LoadConfig() (*Config, error) {
	configPath, exists := os.LookupEnv("CONFIG_PATH")
	if !exists {
		return nil, errors.New("Missing CONFIG_PATH env variable")
	}
	return Load(configPath)
}

// Load reads the YAML file at path, or only the environment when path is
// "environment".
func Load(path string) (*Config, error) {
	var config Config
	var err error
	if path == "environment" {
		err = cleanenv.ReadEnv(&config)
	} else {
		err = cleanenv.ReadConfig(path, &config)
	}
	if err != nil {
		return nil, fmt.Errorf("Unable to process config: %v", err)
	}
	if err := config.validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

func (c *Config) validate() error {
	if c.Payments.FeeRate < 0 || c.Payments.FeeRate >= 1 {
		return fmt.Errorf("payments fee rate must be in [0,1), got %v", c.Payments.FeeRate)
	}
	if c.Mock.FailureRate < 0 || c.Mock.FailureRate > 1 {
		return fmt.Errorf("mock failure rate must be in [0,1], got %v", c.Mock.FailureRate)
	}
	if c.Payments.MinimumPayout < 0 {
		return fmt.Errorf("minimum payout must not be negative")
	}
	if c.Daemon.PollInterval <= 0 {
		return fmt.Errorf("daemon poll interval must be positive, got %v", c.Daemon.PollInterval)
	}
	if c.Daemon.BatchSize <= 0 {
		return fmt.Errorf("daemon batch size must be positive, got %d", c.Daemon.BatchSize)
	}
	return nil
}
