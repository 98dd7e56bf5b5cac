// Package config loads the volumeattach configuration: a YAML file, then
// VOLUMEATTACH_* environment overrides, then validation.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/GoCodeAlone/volumeattach/observability"
)

// State drivers.
const (
	StateMemory   = "memory"
	StateDynamoDB = "dynamodb"
	StateSQLite   = "sqlite"
	StatePostgres = "postgres"
	StateRedis    = "redis"
)

// Config is the complete configuration of the handlers and entry points.
type Config struct {
	Region     string `json:"region,omitempty" yaml:"region,omitempty"`
	Profile    string `json:"profile,omitempty" yaml:"profile,omitempty"`
	RoleARN    string `json:"roleArn,omitempty" yaml:"roleArn,omitempty"`
	ExternalID string `json:"externalId,omitempty" yaml:"externalId,omitempty"`

	Attach     AttachConfig                `json:"attach" yaml:"attach"`
	Automation AutomationConfig            `json:"automation" yaml:"automation"`
	Completion CompletionConfig            `json:"completion" yaml:"completion"`
	State      StateConfig                 `json:"state" yaml:"state"`
	Logging    LoggingConfig               `json:"logging" yaml:"logging"`
	Tracing    TracingConfig               `json:"tracing" yaml:"tracing"`
	Metrics    observability.MetricsConfig `json:"metrics" yaml:"metrics"`
	Server     ServerConfig                `json:"server" yaml:"server"`
}

// AttachConfig configures the Create handler.
type AttachConfig struct {
	// Device is the block device name the volume is attached at.
	Device string `json:"device" yaml:"device"`

	// EnvironmentTagKey is the instance tag holding the environment id.
	EnvironmentTagKey string `json:"environmentTagKey" yaml:"environmentTagKey"`

	CompensateOnFailure bool          `json:"compensateOnFailure" yaml:"compensateOnFailure"`
	LockTTL             time.Duration `json:"lockTTL" yaml:"lockTTL"`
}

// AutomationConfig configures the mount document and its executions.
type AutomationConfig struct {
	DocumentName      string  `json:"documentName" yaml:"documentName"`
	MountPoint        string  `json:"mountPoint" yaml:"mountPoint"`
	Filesystem        string  `json:"filesystem" yaml:"filesystem"`
	AttachWaitSeconds int     `json:"attachWaitSeconds" yaml:"attachWaitSeconds"`
	PollRate          float64 `json:"pollRate" yaml:"pollRate"`
}

// CompletionConfig configures the is-complete handler.
type CompletionConfig struct {
	// Verify polls the automation status. When false every poll reports
	// complete.
	Verify bool `json:"verify" yaml:"verify"`
}

// StateConfig selects the operation store.
type StateConfig struct {
	Driver string `json:"driver" yaml:"driver"`
	Table  string `json:"table,omitempty" yaml:"table,omitempty"`
	Bucket string `json:"bucket,omitempty" yaml:"bucket,omitempty"`
	DSN    string `json:"dsn,omitempty" yaml:"dsn,omitempty"`
}

// LoggingConfig configures the slog handler.
type LoggingConfig struct {
	Level  string `json:"level" yaml:"level"`
	Format string `json:"format" yaml:"format"`
}

// TracingConfig configures the OTLP exporter.
type TracingConfig struct {
	Enabled    bool    `json:"enabled" yaml:"enabled"`
	Endpoint   string  `json:"endpoint" yaml:"endpoint"`
	Insecure   bool    `json:"insecure" yaml:"insecure"`
	SampleRate float64 `json:"sampleRate" yaml:"sampleRate"`
}

// ServerConfig configures the HTTP server used by serve.
type ServerConfig struct {
	Addr string `json:"addr" yaml:"addr"`

	// AuthToken, when set, is required as a bearer token on handler routes.
	AuthToken string `json:"-" yaml:"authToken,omitempty"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Attach: AttachConfig{
			Device:              "/dev/xvdh",
			EnvironmentTagKey:   "aws:cloud9:environment",
			CompensateOnFailure: true,
			LockTTL:             2 * time.Minute,
		},
		Automation: AutomationConfig{
			DocumentName:      "MountVolumeSSMDocument",
			MountPoint:        "/data",
			Filesystem:        "xfs",
			AttachWaitSeconds: 600,
			PollRate:          5,
		},
		Completion: CompletionConfig{Verify: true},
		State:      StateConfig{Driver: StateMemory},
		Logging:    LoggingConfig{Level: "info", Format: "text"},
		Tracing: TracingConfig{
			Endpoint:   "localhost:4318",
			Insecure:   true,
			SampleRate: 1.0,
		},
		Metrics: observability.DefaultMetricsConfig(),
		Server:  ServerConfig{Addr: ":8080"},
	}
}

// LoadFromFile reads a YAML config file over the defaults. Keys absent from
// the file keep their default values.
func LoadFromFile(filepath string) (*Config, error) {
	data, err := os.ReadFile(filepath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML config bytes over the defaults.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	return cfg, nil
}

// Load builds the effective config: defaults, then path if non-empty, then
// environment overrides. The result is validated.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		var err error
		if cfg, err = LoadFromFile(path); err != nil {
			return nil, err
		}
	}
	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overrides fields from VOLUMEATTACH_* variables. AWS_REGION is
// used when no region is configured.
func (c *Config) ApplyEnv() error {
	str := func(key string, dst *string) {
		if v, ok := os.LookupEnv(key); ok && v != "" {
			*dst = v
		}
	}
	var errs []error
	boolean := func(key string, dst *bool) {
		v, ok := os.LookupEnv(key)
		if !ok || v == "" {
			return
		}
		b, err := strconv.ParseBool(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", key, err))
			return
		}
		*dst = b
	}

	if c.Region == "" {
		str("AWS_REGION", &c.Region)
	}
	str("VOLUMEATTACH_REGION", &c.Region)
	str("VOLUMEATTACH_PROFILE", &c.Profile)
	str("VOLUMEATTACH_ROLE_ARN", &c.RoleARN)
	str("VOLUMEATTACH_EXTERNAL_ID", &c.ExternalID)
	str("VOLUMEATTACH_DEVICE", &c.Attach.Device)
	str("VOLUMEATTACH_ENVIRONMENT_TAG_KEY", &c.Attach.EnvironmentTagKey)
	boolean("VOLUMEATTACH_COMPENSATE_ON_FAILURE", &c.Attach.CompensateOnFailure)
	str("VOLUMEATTACH_DOCUMENT_NAME", &c.Automation.DocumentName)
	str("VOLUMEATTACH_MOUNT_POINT", &c.Automation.MountPoint)
	boolean("VOLUMEATTACH_VERIFY_COMPLETION", &c.Completion.Verify)
	str("VOLUMEATTACH_STATE_DRIVER", &c.State.Driver)
	str("VOLUMEATTACH_STATE_TABLE", &c.State.Table)
	str("VOLUMEATTACH_STATE_BUCKET", &c.State.Bucket)
	str("VOLUMEATTACH_STATE_DSN", &c.State.DSN)
	str("VOLUMEATTACH_LOG_LEVEL", &c.Logging.Level)
	str("VOLUMEATTACH_LOG_FORMAT", &c.Logging.Format)
	boolean("VOLUMEATTACH_TRACING_ENABLED", &c.Tracing.Enabled)
	str("VOLUMEATTACH_TRACING_ENDPOINT", &c.Tracing.Endpoint)
	str("VOLUMEATTACH_CLOUDWATCH_NAMESPACE", &c.Metrics.CloudWatchNamespace)
	str("VOLUMEATTACH_ADDR", &c.Server.Addr)
	str("VOLUMEATTACH_SERVER_TOKEN", &c.Server.AuthToken)

	if v, ok := os.LookupEnv("VOLUMEATTACH_LOCK_TTL"); ok && v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("VOLUMEATTACH_LOCK_TTL: %w", err))
		} else {
			c.Attach.LockTTL = d
		}
	}
	return errors.Join(errs...)
}

// Validate reports every invalid field.
func (c *Config) Validate() error {
	var errs []error
	if !strings.HasPrefix(c.Attach.Device, "/dev/") {
		errs = append(errs, fmt.Errorf("attach.device %q must be a /dev path", c.Attach.Device))
	}
	if c.Attach.EnvironmentTagKey == "" {
		errs = append(errs, errors.New("attach.environmentTagKey is required"))
	}
	if c.Attach.LockTTL <= 0 {
		errs = append(errs, fmt.Errorf("attach.lockTTL must be positive, got %s", c.Attach.LockTTL))
	}
	if c.Automation.DocumentName == "" {
		errs = append(errs, errors.New("automation.documentName is required"))
	}
	if !strings.HasPrefix(c.Automation.MountPoint, "/") {
		errs = append(errs, fmt.Errorf("automation.mountPoint %q must be absolute", c.Automation.MountPoint))
	}
	if c.Automation.AttachWaitSeconds <= 0 {
		errs = append(errs, errors.New("automation.attachWaitSeconds must be positive"))
	}
	if c.Automation.PollRate < 0 {
		errs = append(errs, errors.New("automation.pollRate must not be negative"))
	}

	switch c.State.Driver {
	case StateMemory, StateDynamoDB:
	case StateSQLite, StatePostgres, StateRedis:
		if c.State.DSN == "" {
			errs = append(errs, fmt.Errorf("state.dsn is required for the %s driver", c.State.Driver))
		}
	default:
		errs = append(errs, fmt.Errorf("state.driver %q must be one of memory, dynamodb, sqlite, postgres, redis", c.State.Driver))
	}

	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("logging.level %q must be debug, info, warn or error", c.Logging.Level))
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("logging.format %q must be text or json", c.Logging.Format))
	}
	if c.Tracing.Enabled && c.Tracing.Endpoint == "" {
		errs = append(errs, errors.New("tracing.endpoint is required when tracing is enabled"))
	}
	return errors.Join(errs...)
}
