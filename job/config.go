// Package job assembles controller chains from configuration and runs them.
package job

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/goliatone/go-batch/cron"
	"github.com/goliatone/go-batch/fanout"
	"github.com/goliatone/go-batch/resident"
	"github.com/goliatone/go-batch/retry"
	goerrors "github.com/goliatone/go-errors"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "BATCH_"

type Mode string

const (
	ModeBatch    Mode = "batch"
	ModeResident Mode = "resident"
)

// Config describes one job.
type Config struct {
	Name           string        `yaml:"name"`
	Mode           Mode          `yaml:"mode"`
	CommitInterval int           `yaml:"commit_interval"`
	Concurrency    int           `yaml:"concurrency"`
	MaxCount       int           `yaml:"max_count"`
	GracePeriod    time.Duration `yaml:"grace_period"`
	Tracing        bool          `yaml:"tracing"`
	Stages         []string      `yaml:"stages"`

	Retry    RetryConfig    `yaml:"retry"`
	Resident ResidentConfig `yaml:"resident"`
	Throttle ThrottleConfig `yaml:"throttle"`
	Schedule cron.Schedule  `yaml:"schedule"`
	Source   SourceConfig   `yaml:"source"`
	Database DatabaseConfig `yaml:"database"`
}

// RetryConfig configures the retry controller of resident jobs.
type RetryConfig struct {
	Limit         int            `yaml:"limit"`
	Duration      time.Duration  `yaml:"duration"`
	Interval      time.Duration  `yaml:"interval"`
	Backoff       *BackoffConfig `yaml:"backoff"`
	MaxRetryTime  time.Duration  `yaml:"max_retry_time"`
	ExitCode      int            `yaml:"exit_code"`
	FailureCode   string         `yaml:"failure_code"`
	DiscardSource bool           `yaml:"discard_source"`
}

type BackoffConfig struct {
	Base   time.Duration `yaml:"base"`
	Factor float64       `yaml:"factor"`
	Max    time.Duration `yaml:"max"`
}

type ResidentConfig struct {
	Backoff      time.Duration `yaml:"backoff"`
	IdleInterval time.Duration `yaml:"idle_interval"`
}

// ThrottleConfig limits item throughput. Zero disables throttling.
type ThrottleConfig struct {
	PerSecond float64 `yaml:"per_second"`
	Burst     int     `yaml:"burst"`
}

// DatabaseConfig enables database/sql transactions. An empty DSN means
// no-op transactions.
type DatabaseConfig struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

// DefaultConfig is a single branch batch job committing every item.
func DefaultConfig() Config {
	return Config{
		Mode:           ModeBatch,
		CommitInterval: 1,
		Concurrency:    1,
		GracePeriod:    fanout.DefaultGracePeriod,
		Retry: RetryConfig{
			Limit:        retry.DefaultRetryLimit,
			MaxRetryTime: retry.DefaultMaxRetryTime,
			ExitCode:     retry.DefaultExitCode,
			FailureCode:  retry.DefaultFailureCode,
		},
		Resident: ResidentConfig{
			Backoff: resident.DefaultBackoff,
		},
		Throttle: ThrottleConfig{Burst: 1},
		Source:   SourceConfig{Type: SourceLines},
		Database: DatabaseConfig{Driver: "sqlite3"},
	}
}

// LoadConfig reads a YAML job file. envFiles are loaded into the process
// environment first, without overriding variables that are already set.
func LoadConfig(path string, envFiles ...string) (Config, error) {
	if len(envFiles) > 0 {
		if err := godotenv.Load(envFiles...); err != nil {
			return Config{}, goerrors.Wrap(err, goerrors.CategoryBadInput, "load env files").
				WithTextCode("CONFIG_ENV_FILE").
				WithMetadata(map[string]any{"files": envFiles})
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, goerrors.Wrap(err, goerrors.CategoryBadInput, "read job config").
			WithTextCode("CONFIG_READ").
			WithMetadata(map[string]any{"path": path})
	}
	return ParseConfig(data, os.LookupEnv)
}

// ParseConfig decodes data over DefaultConfig, applies BATCH_* overrides
// from lookup and validates the result. A nil lookup skips the overrides.
func ParseConfig(data []byte, lookup func(string) (string, bool)) (Config, error) {
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, goerrors.Wrap(err, goerrors.CategoryBadInput, "parse job config").
			WithTextCode("CONFIG_PARSE")
	}
	if lookup != nil {
		if err := cfg.applyEnv(lookup); err != nil {
			return Config{}, err
		}
	}
	return cfg, cfg.Validate()
}

// applyEnv overrides fields from BATCH_* variables.
func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	var fields []goerrors.FieldError

	str := func(key string, dst *string) {
		if v, ok := lookup(EnvPrefix + key); ok {
			*dst = strings.TrimSpace(v)
		}
	}
	num := func(key string, dst *int) {
		v, ok := lookup(EnvPrefix + key)
		if !ok {
			return
		}
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			fields = append(fields, goerrors.FieldError{Field: EnvPrefix + key, Message: "must be an integer", Value: v})
			return
		}
		*dst = n
	}
	dur := func(key string, dst *time.Duration) {
		v, ok := lookup(EnvPrefix + key)
		if !ok {
			return
		}
		d, err := time.ParseDuration(strings.TrimSpace(v))
		if err != nil {
			fields = append(fields, goerrors.FieldError{Field: EnvPrefix + key, Message: "must be a duration", Value: v})
			return
		}
		*dst = d
	}
	flag := func(key string, dst *bool) {
		v, ok := lookup(EnvPrefix + key)
		if !ok {
			return
		}
		b, err := strconv.ParseBool(strings.TrimSpace(v))
		if err != nil {
			fields = append(fields, goerrors.FieldError{Field: EnvPrefix + key, Message: "must be a boolean", Value: v})
			return
		}
		*dst = b
	}

	mode := string(c.Mode)
	str("MODE", &mode)
	c.Mode = Mode(mode)
	str("NAME", &c.Name)
	num("COMMIT_INTERVAL", &c.CommitInterval)
	num("CONCURRENCY", &c.Concurrency)
	num("MAX_COUNT", &c.MaxCount)
	dur("GRACE_PERIOD", &c.GracePeriod)
	flag("TRACING", &c.Tracing)
	num("RETRY_LIMIT", &c.Retry.Limit)
	dur("RETRY_INTERVAL", &c.Retry.Interval)
	num("EXIT_CODE", &c.Retry.ExitCode)
	str("SCHEDULE", &c.Schedule.Expression)
	str("SOURCE_TYPE", &c.Source.Type)
	str("SOURCE_PATH", &c.Source.Path)
	str("NATS_URL", &c.Source.NATS.URL)
	str("DATABASE_DSN", &c.Database.DSN)
	if v, ok := lookup(EnvPrefix + "KAFKA_BROKERS"); ok {
		c.Source.Kafka.Brokers = splitCSV(v)
	}

	if len(fields) > 0 {
		return goerrors.NewValidation("invalid environment overrides", fields...).
			WithTextCode("CONFIG_ENV")
	}
	return nil
}

// Validate reports every invalid field at once.
func (c Config) Validate() error {
	var fields []goerrors.FieldError
	invalid := func(field, msg string, value any) {
		fields = append(fields, goerrors.FieldError{Field: field, Message: msg, Value: value})
	}

	switch c.Mode {
	case ModeBatch, ModeResident:
	default:
		invalid("mode", fmt.Sprintf("must be %q or %q", ModeBatch, ModeResident), c.Mode)
	}
	if len(c.Stages) == 0 {
		invalid("stages", "at least one stage is required", nil)
	}
	for i, name := range c.Stages {
		if strings.TrimSpace(name) == "" {
			invalid(fmt.Sprintf("stages[%d]", i), "cannot be empty", name)
		}
	}
	if c.CommitInterval < 0 {
		invalid("commit_interval", "cannot be negative", c.CommitInterval)
	}
	if c.Concurrency < 0 {
		invalid("concurrency", "cannot be negative", c.Concurrency)
	}
	if c.MaxCount < 0 {
		invalid("max_count", "cannot be negative", c.MaxCount)
	}
	if c.GracePeriod < 0 {
		invalid("grace_period", "cannot be negative", c.GracePeriod)
	}
	if c.Retry.Limit < 0 {
		invalid("retry.limit", "cannot be negative", c.Retry.Limit)
	}
	if c.Retry.ExitCode < 0 || c.Retry.ExitCode > 255 {
		invalid("retry.exit_code", "must be between 0 and 255", c.Retry.ExitCode)
	}
	if b := c.Retry.Backoff; b != nil {
		if b.Base <= 0 {
			invalid("retry.backoff.base", "must be positive", b.Base)
		}
		if b.Factor != 0 && b.Factor < 1 {
			invalid("retry.backoff.factor", "must be at least 1", b.Factor)
		}
	}
	if c.Throttle.PerSecond < 0 {
		invalid("throttle.per_second", "cannot be negative", c.Throttle.PerSecond)
	}
	if err := c.Source.validate(); err != nil {
		fields = append(fields, err...)
	}

	if len(fields) > 0 {
		return goerrors.NewValidation("invalid job config", fields...).
			WithTextCode("CONFIG_INVALID")
	}
	return nil
}

func splitCSV(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
