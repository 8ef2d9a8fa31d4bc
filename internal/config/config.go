// Copyright (c) 2026 John Earle
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config loads configuration from config.yaml and environment variables.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const defaultConfigPath = "/app/config/config.yaml"

// Backend names.
const (
	BackendMemory   = "memory"
	BackendRedis    = "redis"
	BackendPostgres = "postgres"
)

// QueueConfig selects and tunes the work queue.
type QueueConfig struct {
	Backend           string // "redis" or "memory"
	RedisURL          string
	Name              string
	VisibilityTimeout time.Duration
	MaxReceiveCount   int
	RetryDelay        time.Duration
	PollInterval      time.Duration
}

// StoreConfig selects the processed-record store.
type StoreConfig struct {
	Backend     string // "postgres" or "memory"
	DatabaseURL string
	Table       string
}

// WorkerConfig tunes the consumer pool.
type WorkerConfig struct {
	Concurrency    int
	BatchSize      int
	LongPoll       time.Duration
	ReceiveBackoff time.Duration
	MessageTimeout time.Duration
	CostPerByte    time.Duration
	MaxCost        time.Duration
	IDPrefix       string

	// Embedded runs the pool inside the gateway process.
	Embedded bool
}

// DeadLetterConfig configures the optional Kafka mirror of the dead-letter
// channel. Empty brokers disable it.
type DeadLetterConfig struct {
	KafkaBrokers []string
	KafkaTopic   string
}

// Config holds all configuration for the gateway, worker and tooling.
type Config struct {
	Port         int
	MaxBodyBytes int64
	LogLevel     string

	Queue      QueueConfig
	Store      StoreConfig
	Worker     WorkerConfig
	DeadLetter DeadLetterConfig

	RedactionPatterns []string
}

// rawConfig mirrors the YAML structure for unmarshalling.
type rawConfig struct {
	Server struct {
		Port         int    `yaml:"port"`
		MaxBodyBytes int64  `yaml:"max_body_bytes"`
		LogLevel     string `yaml:"log_level"`
	} `yaml:"server"`
	Queue struct {
		Backend           string `yaml:"backend"`
		RedisURL          string `yaml:"redis_url"`
		Name              string `yaml:"name"`
		VisibilityTimeout string `yaml:"visibility_timeout"`
		MaxReceiveCount   int    `yaml:"max_receive_count"`
		RetryDelay        string `yaml:"retry_delay"`
		PollInterval      string `yaml:"poll_interval"`
	} `yaml:"queue"`
	Store struct {
		Backend     string `yaml:"backend"`
		DatabaseURL string `yaml:"database_url"`
		Table       string `yaml:"table"`
	} `yaml:"store"`
	Worker struct {
		Concurrency    int    `yaml:"concurrency"`
		BatchSize      int    `yaml:"batch_size"`
		LongPoll       string `yaml:"long_poll"`
		ReceiveBackoff string `yaml:"receive_backoff"`
		MessageTimeout string `yaml:"message_timeout"`
		CostPerByte    string `yaml:"cost_per_byte"`
		MaxCost        string `yaml:"max_cost"`
		IDPrefix       string `yaml:"id_prefix"`
		Embedded       *bool  `yaml:"embedded"`
	} `yaml:"worker"`
	DeadLetter struct {
		KafkaBrokers []string `yaml:"kafka_brokers"`
		KafkaTopic   string   `yaml:"kafka_topic"`
	} `yaml:"dead_letter"`
	Redaction struct {
		Patterns []string `yaml:"patterns"`
	} `yaml:"redaction"`
}

// Load reads configuration from the file named by CONFIG_PATH (with env var
// expansion) and environment variables. The default path may be absent; an
// explicitly configured one may not. A dotenv file (DOTENV_PATH, default
// ".env") is applied first; it never overrides variables already set.
func Load() (*Config, error) {
	if err := loadDotEnv(); err != nil {
		return nil, err
	}

	path, explicit := os.LookupEnv("CONFIG_PATH")
	if !explicit || path == "" {
		path = defaultConfigPath
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if explicit || !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("read config file %s: %w", path, err)
		}
		slog.Info("no config file found, using environment only", "path", path)
		data = nil
	}
	return Parse(data)
}

func loadDotEnv() error {
	path, explicit := os.LookupEnv("DOTENV_PATH")
	if !explicit || path == "" {
		path = ".env"
	}
	if err := godotenv.Load(path); err != nil {
		if !explicit && errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("load dotenv file %s: %w", path, err)
	}
	slog.Info("loaded environment file", "path", path)
	return nil
}

// Parse builds a Config from YAML (which may be empty) and the environment.
func Parse(data []byte) (*Config, error) {
	// Expand ${VAR} references in the YAML
	expanded := os.ExpandEnv(string(data))

	var raw rawConfig
	if err := yaml.Unmarshal([]byte(expanded), &raw); err != nil {
		return nil, fmt.Errorf("parse config YAML: %w", err)
	}

	cfg := &Config{
		Port:         firstPositive(raw.Server.Port, envOrDefaultInt("PORT", 8080)),
		MaxBodyBytes: int64(firstPositive(int(raw.Server.MaxBodyBytes), envOrDefaultInt("MAX_BODY_BYTES", 1<<20))),
		LogLevel:     firstNonEmpty(raw.Server.LogLevel, envOrDefault("LOG_LEVEL", "info")),
		Queue: QueueConfig{
			Backend:         strings.ToLower(firstNonEmpty(raw.Queue.Backend, envOrDefault("QUEUE_BACKEND", BackendRedis))),
			RedisURL:        firstNonEmpty(raw.Queue.RedisURL, envOrDefault("REDIS_URL", "redis://localhost:6379/0")),
			Name:            firstNonEmpty(raw.Queue.Name, envOrDefault("QUEUE_NAME", "logs")),
			MaxReceiveCount: firstPositive(raw.Queue.MaxReceiveCount, envOrDefaultInt("MAX_RECEIVE_COUNT", 5)),
		},
		Store: StoreConfig{
			Backend:     strings.ToLower(firstNonEmpty(raw.Store.Backend, envOrDefault("STORE_BACKEND", BackendPostgres))),
			DatabaseURL: firstNonEmpty(raw.Store.DatabaseURL, envOrDefault("DATABASE_URL", "")),
			Table:       firstNonEmpty(raw.Store.Table, envOrDefault("STORE_TABLE", "processed_logs")),
		},
		Worker: WorkerConfig{
			Concurrency: firstPositive(raw.Worker.Concurrency, envOrDefaultInt("WORKER_CONCURRENCY", 4)),
			BatchSize:   firstPositive(raw.Worker.BatchSize, envOrDefaultInt("WORKER_BATCH_SIZE", 10)),
			IDPrefix:    firstNonEmpty(raw.Worker.IDPrefix, envOrDefault("WORKER_ID_PREFIX", "")),
			Embedded:    envOrDefaultBool("WORKER_EMBEDDED", false),
		},
		DeadLetter: DeadLetterConfig{
			KafkaBrokers: raw.DeadLetter.KafkaBrokers,
			KafkaTopic:   firstNonEmpty(raw.DeadLetter.KafkaTopic, envOrDefault("DLQ_KAFKA_TOPIC", "logs-dead-letter")),
		},
		RedactionPatterns: raw.Redaction.Patterns,
	}
	if raw.Worker.Embedded != nil {
		cfg.Worker.Embedded = *raw.Worker.Embedded
	}
	if len(cfg.DeadLetter.KafkaBrokers) == 0 {
		cfg.DeadLetter.KafkaBrokers = splitList(envOrDefault("DLQ_KAFKA_BROKERS", ""))
	}

	durations := []struct {
		dst      *time.Duration
		yamlVal  string
		env      string
		fallback time.Duration
	}{
		{&cfg.Queue.VisibilityTimeout, raw.Queue.VisibilityTimeout, "VISIBILITY_TIMEOUT", 30 * time.Second},
		{&cfg.Queue.RetryDelay, raw.Queue.RetryDelay, "RETRY_DELAY", 0},
		{&cfg.Queue.PollInterval, raw.Queue.PollInterval, "POLL_INTERVAL", 200 * time.Millisecond},
		{&cfg.Worker.LongPoll, raw.Worker.LongPoll, "WORKER_LONG_POLL", 20 * time.Second},
		{&cfg.Worker.ReceiveBackoff, raw.Worker.ReceiveBackoff, "WORKER_RECEIVE_BACKOFF", 5 * time.Second},
		{&cfg.Worker.MessageTimeout, raw.Worker.MessageTimeout, "WORKER_MESSAGE_TIMEOUT", 0},
		{&cfg.Worker.CostPerByte, raw.Worker.CostPerByte, "WORKER_COST_PER_BYTE", 0},
		{&cfg.Worker.MaxCost, raw.Worker.MaxCost, "WORKER_MAX_COST", 0},
	}
	for _, d := range durations {
		if d.yamlVal == "" {
			*d.dst = envOrDefaultDuration(d.env, d.fallback)
			continue
		}
		v, err := time.ParseDuration(d.yamlVal)
		if err != nil {
			return nil, fmt.Errorf("parse duration %q: %w", d.yamlVal, err)
		}
		*d.dst = v
	}

	if cfg.Worker.MessageTimeout == 0 {
		cfg.Worker.MessageTimeout = cfg.Queue.VisibilityTimeout
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations that cannot work.
func (c *Config) Validate() error {
	var errs []error
	switch c.Queue.Backend {
	case BackendRedis, BackendMemory:
	default:
		errs = append(errs, fmt.Errorf("unknown queue backend %q", c.Queue.Backend))
	}
	switch c.Store.Backend {
	case BackendPostgres, BackendMemory:
	default:
		errs = append(errs, fmt.Errorf("unknown store backend %q", c.Store.Backend))
	}
	if c.Queue.VisibilityTimeout <= 0 {
		errs = append(errs, errors.New("queue.visibility_timeout must be positive"))
	}
	if c.Worker.MessageTimeout > c.Queue.VisibilityTimeout {
		errs = append(errs, fmt.Errorf("worker.message_timeout (%s) must not exceed queue.visibility_timeout (%s)",
			c.Worker.MessageTimeout, c.Queue.VisibilityTimeout))
	}
	if c.Queue.RetryDelay < 0 || c.Worker.CostPerByte < 0 || c.Worker.MaxCost < 0 {
		errs = append(errs, errors.New("durations must not be negative"))
	}
	if len(c.DeadLetter.KafkaBrokers) > 0 && c.DeadLetter.KafkaTopic == "" {
		errs = append(errs, errors.New("dead_letter.kafka_topic is required when brokers are set"))
	}
	return errors.Join(errs...)
}

// RequireDatabase reports a missing database URL when the postgres store is
// selected. Only processes that open the store call it.
func (c *Config) RequireDatabase() error {
	if c.Store.Backend == BackendPostgres && c.Store.DatabaseURL == "" {
		return errors.New("store.database_url (DATABASE_URL) is required for the postgres store")
	}
	return nil
}

// SlogLevel maps LogLevel onto a slog.Level, defaulting to info.
func (c *Config) SlogLevel() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envOrDefaultInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envOrDefaultBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func envOrDefaultDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func firstPositive(values ...int) int {
	for _, v := range values {
		if v > 0 {
			return v
		}
	}
	return 0
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
