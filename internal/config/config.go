package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v10"
	"github.com/joho/godotenv"
)

type Config struct {
	Environment Environment
	Log         Log
	HTTP        HTTPServer
	Database    Database
	JWTSecret   string `env:"JWT_SECRET"`
	PlansFile   string `env:"PLANS_FILE"`

	Stripe    Stripe    `envPrefix:"STRIPE_"`
	Ledger    Ledger    `envPrefix:"LEDGER_"`
	Redis     Redis     `envPrefix:"REDIS_"`
	Reconcile Reconcile `envPrefix:"RECONCILE_"`
	Webhook   Webhook   `envPrefix:"WEBHOOK_"`
}

type Stripe struct {
	SecretKey     string        `env:"SECRET_KEY"`
	WebhookSecret string        `env:"WEBHOOK_SECRET"`
	SuccessURL    string        `env:"SUCCESS_URL"`
	CancelURL     string        `env:"CANCEL_URL"`
	APIURL        string        `env:"API_URL"`
	Timeout       time.Duration `env:"TIMEOUT" envDefault:"10s"`
}

type Environment struct {
	Name string `env:"ENVIRONMENT" envDefault:"development"`
}

type Log struct {
	Level  string `env:"LOG_LEVEL" envDefault:"info"`
	Format string `env:"LOG_FORMAT" envDefault:"json"`
}

type HTTPServer struct {
	Host            string        `env:"HTTP_HOST" envDefault:"0.0.0.0"`
	Port            string        `env:"HTTP_PORT" envDefault:"8080"`
	ShutdownTimeout time.Duration `env:"HTTP_SHUTDOWN_TIMEOUT" envDefault:"30s"`
}

type Database struct {
	Driver string `env:"DATABASE_DRIVER" envDefault:"sqlite"`
	URL    string `env:"DATABASE_URL" envDefault:"file:billing.db"`
}

// Ledger controls where processed webhook event ids are remembered.
type Ledger struct {
	Backend   string        `env:"BACKEND" envDefault:"db"`
	Retention time.Duration `env:"RETENTION" envDefault:"720h"`
}

type Redis struct {
	URL string `env:"URL" envDefault:"redis://localhost:6379/0"`
}

type Reconcile struct {
	Interval time.Duration `env:"INTERVAL" envDefault:"0s"`
}

type Webhook struct {
	MaxBodyBytes int64 `env:"MAX_BODY_BYTES" envDefault:"1048576"`
}

func (h HTTPServer) Addr() string {
	return h.Host + ":" + h.Port
}

// Load reads an optional .env file into the process environment and parses it into Config.
func Load() (*Config, error) {
	// a missing .env is fine outside development
	_ = godotenv.Load()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	switch cfg.Database.Driver {
	case "sqlite", "mysql":
	default:
		return nil, fmt.Errorf("unsupported DATABASE_DRIVER %q", cfg.Database.Driver)
	}

	switch cfg.Ledger.Backend {
	case "db", "redis":
	default:
		return nil, fmt.Errorf("unsupported LEDGER_BACKEND %q", cfg.Ledger.Backend)
	}

	return cfg, nil
}
