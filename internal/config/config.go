package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"dario.cat/mergo"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	TransportSMTP   = "smtp"
	TransportResend = "resend"
	TransportNone   = "none"
)

const (
	MinBatchSize     = 1
	MaxBatchSize     = 200
	DefaultBatchSize = 50
)

var ErrInvalidConfig = errors.New("invalid configuration")

// Config holds all application configuration
type Config struct {
	HTTPAddr    string          `yaml:"http_addr"`
	DatabaseURL string          `yaml:"database_url"`
	RedisAddr   string          `yaml:"redis_addr"`
	AMQPURL     string          `yaml:"amqp_url"`
	Debug       bool            `yaml:"debug"`
	Transport   string          `yaml:"transport"`
	FromEmail   string          `yaml:"from_email"`
	FromName    string          `yaml:"from_name"`
	SMTP        SMTPConfig      `yaml:"smtp"`
	Resend      ResendConfig    `yaml:"resend"`
	Processor   ProcessorConfig `yaml:"processor"`
	Tracking    TrackingConfig  `yaml:"tracking"`
	Webhooks    WebhookConfig   `yaml:"webhooks"`
}

type SMTPConfig struct {
	Host     string        `yaml:"host"`
	Port     int           `yaml:"port"`
	Username string        `yaml:"username"`
	Password string        `yaml:"password"`
	StartTLS bool          `yaml:"starttls"`
	HeloName string        `yaml:"helo"`
	Timeout  time.Duration `yaml:"timeout"`
}

type ResendConfig struct {
	APIKey string `yaml:"api_key"`
}

type ProcessorConfig struct {
	BatchSize        int           `yaml:"batch_size"`
	Interval         time.Duration `yaml:"interval"`
	RetryBackoff     time.Duration `yaml:"retry_backoff"`
	MaxAttempts      int           `yaml:"max_attempts"`
	LogRetentionDays int           `yaml:"log_retention_days"`
}

type TrackingConfig struct {
	BaseURL             string `yaml:"base_url"`
	Secret              string `yaml:"secret"`
	TrackOpens          bool   `yaml:"track_opens"`
	TrackClicks         bool   `yaml:"track_clicks"`
	OneClickUnsubscribe bool   `yaml:"one_click_unsubscribe"`
}

type WebhookConfig struct {
	Secrets map[string]string `yaml:"secrets"`
}

// Defaults returns the baseline every other source is merged over.
func Defaults() Config {
	return Config{
		HTTPAddr:  ":8080",
		Transport: TransportSMTP,
		FromEmail: "no-reply@localhost",
		FromName:  "Campaign Mailer",
		SMTP: SMTPConfig{
			Host:    "localhost",
			Port:    25,
			Timeout: 30 * time.Second,
		},
		Processor: ProcessorConfig{
			BatchSize:        DefaultBatchSize,
			Interval:         2 * time.Minute,
			RetryBackoff:     time.Minute,
			MaxAttempts:      3,
			LogRetentionDays: 30,
		},
		Tracking: TrackingConfig{
			BaseURL:             "http://localhost:8080",
			TrackOpens:          true,
			TrackClicks:         true,
			OneClickUnsubscribe: true,
		},
	}
}

// Load reads .env, the optional YAML file named by MAILER_CONFIG_FILE, then
// environment variables, in increasing precedence.
func Load() (*Config, error) {
	// A missing .env is fine; the OS environment is used as is.
	_ = godotenv.Load()

	cfg := Defaults()
	if path := os.Getenv("MAILER_CONFIG_FILE"); path != "" {
		fileCfg, err := readFile(path)
		if err != nil {
			return nil, err
		}
		if err := mergo.Merge(&cfg, fileCfg, mergo.WithOverride); err != nil {
			return nil, fmt.Errorf("merge config file: %w", err)
		}
	}
	if err := applyEnv(&cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func readFile(path string) (Config, error) {
	var fileCfg Config
	data, err := os.ReadFile(path)
	if err != nil {
		return fileCfg, fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, &fileCfg); err != nil {
		return fileCfg, fmt.Errorf("parse config file %s: %w", path, err)
	}
	return fileCfg, nil
}

func applyEnv(cfg *Config) error {
	setString(&cfg.HTTPAddr, "HTTP_ADDR")
	setString(&cfg.DatabaseURL, "DATABASE_URL")
	setString(&cfg.RedisAddr, "REDIS_ADDR")
	setString(&cfg.AMQPURL, "AMQP_URL")
	setString(&cfg.Transport, "MAIL_TRANSPORT")
	setString(&cfg.FromEmail, "FROM_EMAIL")
	setString(&cfg.FromName, "FROM_NAME")
	setString(&cfg.SMTP.Host, "SMTP_HOST")
	setString(&cfg.SMTP.Username, "SMTP_USERNAME")
	setString(&cfg.SMTP.Password, "SMTP_PASSWORD")
	setString(&cfg.SMTP.HeloName, "SMTP_HELO")
	setString(&cfg.Resend.APIKey, "RESEND_API_KEY")
	setString(&cfg.Tracking.BaseURL, "TRACKING_BASE_URL")
	setString(&cfg.Tracking.Secret, "TRACKING_SECRET")

	var errs []error
	errs = append(errs,
		setBool(&cfg.Debug, "DEBUG"),
		setBool(&cfg.SMTP.StartTLS, "SMTP_STARTTLS"),
		setBool(&cfg.Tracking.TrackOpens, "TRACK_OPENS"),
		setBool(&cfg.Tracking.TrackClicks, "TRACK_CLICKS"),
		setBool(&cfg.Tracking.OneClickUnsubscribe, "ONE_CLICK_UNSUBSCRIBE"),
		setInt(&cfg.SMTP.Port, "SMTP_PORT"),
		setInt(&cfg.Processor.BatchSize, "PROCESSOR_BATCH_SIZE"),
		setInt(&cfg.Processor.MaxAttempts, "MAX_ATTEMPTS"),
		setInt(&cfg.Processor.LogRetentionDays, "LOG_RETENTION_DAYS"),
		setDuration(&cfg.SMTP.Timeout, "SMTP_TIMEOUT"),
		setDuration(&cfg.Processor.Interval, "PROCESSOR_INTERVAL"),
		setDuration(&cfg.Processor.RetryBackoff, "RETRY_BACKOFF"),
	)

	if raw := os.Getenv("WEBHOOK_SECRETS"); raw != "" {
		secrets, err := parseSecrets(raw)
		errs = append(errs, err)
		cfg.Webhooks.Secrets = secrets
	}
	return errors.Join(errs...)
}

// Validate clamps tunables into range and rejects unusable settings.
func (c *Config) Validate() error {
	switch c.Transport {
	case TransportSMTP, TransportResend, TransportNone, "":
	default:
		return fmt.Errorf("%w: unknown transport %q", ErrInvalidConfig, c.Transport)
	}
	if c.Transport == TransportResend && c.Resend.APIKey == "" {
		return fmt.Errorf("%w: RESEND_API_KEY is required for the resend transport", ErrInvalidConfig)
	}
	c.Processor.BatchSize = ClampBatchSize(c.Processor.BatchSize)
	if c.Processor.MaxAttempts < 1 {
		c.Processor.MaxAttempts = 3
	}
	if c.Processor.Interval <= 0 {
		c.Processor.Interval = 2 * time.Minute
	}
	if c.Processor.LogRetentionDays <= 0 {
		c.Processor.LogRetentionDays = 30
	}
	if c.Tracking.Secret == "" {
		return fmt.Errorf("%w: TRACKING_SECRET must be set", ErrInvalidConfig)
	}
	c.Tracking.BaseURL = strings.TrimRight(c.Tracking.BaseURL, "/")
	return nil
}

// ClampBatchSize keeps a batch size inside [MinBatchSize, MaxBatchSize]; zero means default.
func ClampBatchSize(n int) int {
	switch {
	case n == 0:
		return DefaultBatchSize
	case n < MinBatchSize:
		return MinBatchSize
	case n > MaxBatchSize:
		return MaxBatchSize
	}
	return n
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setBool(dst *bool, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = b
	return nil
}

func setInt(dst *int, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = n
	return nil
}

func setDuration(dst *time.Duration, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = d
	return nil
}

// parseSecrets reads "provider=secret,provider2=secret2".
func parseSecrets(raw string) (map[string]string, error) {
	out := map[string]string{}
	for _, pair := range strings.Split(raw, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		k, v, ok := strings.Cut(pair, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("WEBHOOK_SECRETS: malformed entry %q", pair)
		}
		out[strings.TrimSpace(k)] = strings.TrimSpace(v)
	}
	return out, nil
}
