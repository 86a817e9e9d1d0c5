package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

const (
	QueueRiver  = "river"
	QueueMemory = "memory"
)

type Config struct {
	// ----------------------------
	// SMTP
	// ----------------------------
	SMTPHost           string        `envconfig:"SMTP_HOST" default:"localhost"`
	SMTPPort           int           `envconfig:"SMTP_PORT" default:"1025"`
	SMTPUser           string        `envconfig:"SMTP_USER" default:""`
	SMTPPassword       string        `envconfig:"SMTP_PASSWORD" default:""`
	SMTPFrom           string        `envconfig:"SMTP_FROM" default:"noreply@mailrun.local"`
	SMTPSSL            bool          `envconfig:"SMTP_SSL" default:"false"`
	SMTPConnectTimeout time.Duration `envconfig:"SMTP_CONNECT_TIMEOUT" default:"5s"`
	SMTPConnectRetries uint64        `envconfig:"SMTP_CONNECT_RETRIES" default:"2"`
	SMTPSendTimeout    time.Duration `envconfig:"SMTP_SEND_TIMEOUT" default:"60s"`

	// Comma, semicolon or newline separated; used by test sends without explicit recipients.
	TestRecipients string `envconfig:"TEST_RECIPIENTS" default:""`

	// ----------------------------
	// Templates
	// ----------------------------
	AssetsDir string `envconfig:"ASSETS_DIR" default:"data/assets"`

	// ----------------------------
	// Dispatch
	// ----------------------------
	CheckpointEvery int    `envconfig:"CHECKPOINT_EVERY" default:"10"`
	QueueBackend    string `envconfig:"QUEUE_BACKEND" default:"river"`
	WorkerCount     int    `envconfig:"WORKER_COUNT" default:"5"`

	// ----------------------------
	// HTTP API
	// ----------------------------
	APIPort string `envconfig:"API_PORT" default:"8080"`

	// ----------------------------
	// Metrics
	// ----------------------------
	MetricsPort string `envconfig:"METRICS_PORT" default:"9090"`

	// ----------------------------
	// Database
	// ----------------------------
	DatabaseURL            string `envconfig:"DATABASE_URL" required:"true"`
	DatabaseConnectRetries uint64 `envconfig:"DATABASE_CONNECT_RETRIES" default:"3"`
}

// Load reads an optional .env file and then the process environment.
func Load() (*Config, error) {
	_ = godotenv.Load()

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	var errs []error
	if c.SMTPPort <= 0 || c.SMTPPort > 65535 {
		errs = append(errs, fmt.Errorf("SMTP_PORT out of range: %d", c.SMTPPort))
	}
	if c.SMTPConnectTimeout <= 0 {
		errs = append(errs, errors.New("SMTP_CONNECT_TIMEOUT must be positive"))
	}
	if c.SMTPSendTimeout < 0 {
		errs = append(errs, errors.New("SMTP_SEND_TIMEOUT must not be negative"))
	}
	if c.CheckpointEvery <= 0 {
		errs = append(errs, fmt.Errorf("CHECKPOINT_EVERY must be positive, got %d", c.CheckpointEvery))
	}
	if c.WorkerCount <= 0 {
		errs = append(errs, fmt.Errorf("WORKER_COUNT must be positive, got %d", c.WorkerCount))
	}
	switch c.QueueBackend {
	case QueueRiver, QueueMemory:
	default:
		errs = append(errs, fmt.Errorf("unknown QUEUE_BACKEND %q", c.QueueBackend))
	}
	return errors.Join(errs...)
}
