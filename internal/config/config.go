// Package config loads runtime configuration from the environment, with an
// optional .env file for local development.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

type Server struct {
	Port int
}

type Cron struct {
	// Secret authorizes the schedule and deliver endpoints. Required.
	Secret string
}

type Email struct {
	ResendAPIKey  string
	From          string
	WebhookSecret string
}

type Storage struct {
	// DataDir holds the SQLite database. ":memory:" keeps everything
	// in-process, which tests use.
	DataDir string
}

type Delivery struct {
	Concurrency int
}

type Config struct {
	Server   Server
	Cron     Cron
	Email    Email
	Storage  Storage
	Delivery Delivery
	LogLevel slog.Level
}

// Load reads configuration from the process environment. A .env file in the
// working directory is merged in first; a missing file is not an error.
func Load() (Config, error) {
	_ = godotenv.Load()
	return loadFromEnv(os.Getenv)
}

func loadFromEnv(getenv func(string) string) (Config, error) {
	cfg := Config{
		Server:   Server{Port: 8080},
		Email:    Email{From: "Accountalist <escalations@accountalist.app>"},
		Storage:  Storage{DataDir: "."},
		Delivery: Delivery{Concurrency: 4},
		LogLevel: slog.LevelInfo,
	}

	if v := getenv("ACCLIST_PORT"); v != "" {
		p, err := strconv.Atoi(v)
		if err != nil {
			return Config{}, fmt.Errorf("invalid ACCLIST_PORT %q: %w", v, err)
		}
		cfg.Server.Port = p
	}
	if v := getenv("ACCLIST_DATA_DIR"); v != "" {
		cfg.Storage.DataDir = v
	}
	if v := getenv("ACCLIST_EMAIL_FROM"); v != "" {
		cfg.Email.From = v
	}
	cfg.Email.ResendAPIKey = getenv("RESEND_API_KEY")
	cfg.Email.WebhookSecret = getenv("RESEND_WEBHOOK_SECRET")
	cfg.Cron.Secret = getenv("CRON_SECRET")

	if v := getenv("ACCLIST_DELIVERY_CONCURRENCY"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return Config{}, fmt.Errorf("invalid ACCLIST_DELIVERY_CONCURRENCY %q", v)
		}
		cfg.Delivery.Concurrency = n
	}

	if v := getenv("ACCLIST_LOG_LEVEL"); v != "" {
		var lvl slog.Level
		if err := lvl.UnmarshalText([]byte(v)); err != nil {
			return Config{}, fmt.Errorf("invalid ACCLIST_LOG_LEVEL %q: %w", v, err)
		}
		cfg.LogLevel = lvl
	}

	if cfg.Cron.Secret == "" {
		return Config{}, fmt.Errorf("CRON_SECRET must be set")
	}
	return cfg, nil
}
