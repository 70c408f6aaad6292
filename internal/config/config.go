// Package config loads pipeline settings from an optional YAML file and
// PULSE_-prefixed environment variables, and wires the pipeline from them.
//
// Precedence, lowest first: built-in defaults, the YAML file, environment.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"slices"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"github.com/roach88/pulse/internal/emitter"
	"github.com/roach88/pulse/internal/event"
	"github.com/roach88/pulse/internal/queue"
	"github.com/roach88/pulse/internal/session"
	"github.com/roach88/pulse/internal/tracker"
	"github.com/roach88/pulse/internal/transport"
)

// EnvPrefix prefixes every environment variable.
const EnvPrefix = "PULSE_"

// ErrInvalid is wrapped by every validation error.
var ErrInvalid = errors.New("invalid config")

// Config holds every pipeline setting.
type Config struct {
	// Collector and storage
	Endpoint string `env:"ENDPOINT" yaml:"endpoint"`
	DBPath   string `env:"DB_PATH"  yaml:"db_path"`

	// Emitter
	Method               string        `env:"METHOD"                 yaml:"method"`
	SendLimit            int           `env:"SEND_LIMIT"             yaml:"send_limit"`
	ByteLimitGet         int           `env:"BYTE_LIMIT_GET"         yaml:"byte_limit_get"`
	ByteLimitPost        int           `env:"BYTE_LIMIT_POST"        yaml:"byte_limit_post"`
	EmptyLimit           int           `env:"EMPTY_LIMIT"            yaml:"empty_limit"`
	TickInterval         time.Duration `env:"TICK_INTERVAL"          yaml:"tick_interval"`
	NonRetryableStatuses []int         `env:"NON_RETRYABLE_STATUSES" yaml:"non_retryable_statuses" envSeparator:","`
	MaxRejections        int           `env:"MAX_REJECTIONS"         yaml:"max_rejections"`

	// Transport
	RequestTimeout time.Duration `env:"REQUEST_TIMEOUT" yaml:"request_timeout"`
	Concurrency    int           `env:"CONCURRENCY"     yaml:"concurrency"`

	// Queue
	MaxEvents int    `env:"MAX_EVENTS" yaml:"max_events"`
	Overflow  string `env:"OVERFLOW"   yaml:"overflow"`

	// Tracker
	Workers           int    `env:"WORKERS"            yaml:"workers"`
	Namespace         string `env:"NAMESPACE"          yaml:"namespace"`
	AppID             string `env:"APP_ID"             yaml:"app_id"`
	Platform          string `env:"PLATFORM"           yaml:"platform"`
	Base64            bool   `env:"BASE64"             yaml:"base64"`
	ScreenTracking    bool   `env:"SCREEN_TRACKING"    yaml:"screen_tracking"`
	LifecycleTracking bool   `env:"LIFECYCLE_TRACKING" yaml:"lifecycle_tracking"`

	// Session
	Session           bool          `env:"SESSION"            yaml:"session"`
	ForegroundTimeout time.Duration `env:"FOREGROUND_TIMEOUT" yaml:"foreground_timeout"`
	BackgroundTimeout time.Duration `env:"BACKGROUND_TIMEOUT" yaml:"background_timeout"`
	Anonymous         bool          `env:"ANONYMOUS"          yaml:"anonymous"`
}

// Default returns the built-in settings.
func Default() Config {
	return Config{
		DBPath:               "pulse.db",
		Method:               string(event.MethodPost),
		SendLimit:            emitter.DefaultSendLimit,
		ByteLimitGet:         emitter.DefaultByteLimitGet,
		ByteLimitPost:        emitter.DefaultByteLimitPost,
		EmptyLimit:           emitter.DefaultEmptyLimit,
		TickInterval:         emitter.DefaultTickInterval,
		NonRetryableStatuses: slices.Clone(emitter.DefaultNonRetryableStatuses),
		MaxRejections:        emitter.DefaultMaxRejections,
		RequestTimeout:       transport.DefaultTimeout,
		Concurrency:          transport.DefaultConcurrency,
		Overflow:             string(queue.DropOldest),
		Workers:              tracker.DefaultWorkers,
		Platform:             event.DefaultPlatform,
		Base64:               true,
		Session:              true,
		ForegroundTimeout:    session.DefaultForegroundTimeout,
		BackgroundTimeout:    session.DefaultBackgroundTimeout,
	}
}

// Load builds the config from defaults, the YAML file at path (skipped
// when path is empty) and the environment. environ replaces the process
// environment when non-nil.
func Load(path string, environ map[string]string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("failed to read config file: %w", err)
		}
		// Strict decoding catches misspelled keys
		decoder := yaml.NewDecoder(bytes.NewReader(data))
		decoder.KnownFields(true)
		if err := decoder.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
			return Config{}, fmt.Errorf("failed to parse YAML: %w", err)
		}
	}

	opts := env.Options{Prefix: EnvPrefix}
	if environ != nil {
		opts.Environment = environ
	}
	if err := env.ParseWithOptions(&cfg, opts); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports every invalid setting at once.
func (c Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	check(slices.Contains(event.ValidMethods, event.Method(c.Method)),
		"method must be one of %v, got %q", event.ValidMethods, c.Method)
	check(c.SendLimit > 0, "send_limit must be positive, got %d", c.SendLimit)
	check(c.ByteLimitGet > 0, "byte_limit_get must be positive, got %d", c.ByteLimitGet)
	check(c.ByteLimitPost > 0, "byte_limit_post must be positive, got %d", c.ByteLimitPost)
	check(c.EmptyLimit >= 0, "empty_limit must not be negative, got %d", c.EmptyLimit)
	check(c.TickInterval > 0, "tick_interval must be positive, got %s", c.TickInterval)
	check(c.MaxRejections > 0, "max_rejections must be positive, got %d", c.MaxRejections)
	check(c.RequestTimeout > 0, "request_timeout must be positive, got %s", c.RequestTimeout)
	check(c.Concurrency > 0, "concurrency must be positive, got %d", c.Concurrency)
	check(c.MaxEvents >= 0, "max_events must not be negative, got %d", c.MaxEvents)
	check(c.Workers > 0, "workers must be positive, got %d", c.Workers)
	check(c.ForegroundTimeout > 0, "foreground_timeout must be positive, got %s", c.ForegroundTimeout)
	check(c.BackgroundTimeout > 0, "background_timeout must be positive, got %s", c.BackgroundTimeout)
	check(c.DBPath != "", "db_path is required")

	if _, err := queue.ParseOverflowPolicy(c.Overflow); err != nil {
		errs = append(errs, err)
	}
	for _, code := range c.NonRetryableStatuses {
		check(code >= 400 && code <= 599, "non_retryable_statuses: %d is not an error status", code)
	}

	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrInvalid, errors.Join(errs...))
}
