// Package config holds the load/validate surface for a queue instance:
// queue-level defaults, per-handler options, and persistence settings,
// loaded from JSON/YAML files and overridden by DQ_* environment
// variables (spec §6).
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// BackoffStrategy selects how not_before is computed on requeue.
type BackoffStrategy string

const (
	BackoffNone        BackoffStrategy = "None"
	BackoffFixed       BackoffStrategy = "Fixed"
	BackoffLinear      BackoffStrategy = "Linear"
	BackoffExponential BackoffStrategy = "Exponential"
)

func (b BackoffStrategy) valid() bool {
	switch b {
	case BackoffNone, BackoffFixed, BackoffLinear, BackoffExponential:
		return true
	}
	return false
}

// DeduplicationMode names a per-handler deduplication policy. It is
// checked by Validate only: Publish does not read it, and replaces the
// prior occupant of a deduplication key the same way under either mode.
type DeduplicationMode string

const (
	DeduplicationStrict DeduplicationMode = "Strict"
	DeduplicationAppend DeduplicationMode = "Append"
)

func (m DeduplicationMode) valid() bool {
	switch m {
	case DeduplicationStrict, DeduplicationAppend:
		return true
	}
	return false
}

// ChannelMode selects the dispatcher's per-type signal channel discipline.
type ChannelMode string

const (
	ChannelUnbounded         ChannelMode = "Unbounded"
	ChannelBoundedCoalescing ChannelMode = "BoundedCoalescing"
)

func (m ChannelMode) valid() bool {
	switch m {
	case ChannelUnbounded, ChannelBoundedCoalescing:
		return true
	}
	return false
}

// SerializationFormat selects the on-disk encoding for journal/snapshot
// payloads.
type SerializationFormat string

const (
	SerializationJSON   SerializationFormat = "Json"
	SerializationBinary SerializationFormat = "Binary"
)

func (f SerializationFormat) valid() bool {
	switch f {
	case SerializationJSON, SerializationBinary:
		return true
	}
	return false
}

// PersistenceConfig holds journal/snapshot file layout and format
// settings (spec §6 "Persistence").
type PersistenceConfig struct {
	StoragePath          string              `json:"storage_path" yaml:"storage_path"`
	JournalFileName       string              `json:"journal_file_name" yaml:"journal_file_name"`
	SnapshotFileName      string              `json:"snapshot_file_name" yaml:"snapshot_file_name"`
	SnapshotInterval      time.Duration       `json:"snapshot_interval" yaml:"snapshot_interval"`
	SnapshotThreshold     int                 `json:"snapshot_threshold" yaml:"snapshot_threshold"`
	CRCValidationEnabled  bool                `json:"crc_validation_enabled" yaml:"crc_validation_enabled"`
	SerializationFormat   SerializationFormat `json:"serialization_format" yaml:"serialization_format"`
	SnapshotRetentionCount int                `json:"snapshot_retention_count" yaml:"snapshot_retention_count"`
	// SyncEveryWrite fsyncs the journal after every append when true (the
	// default, per SPEC_FULL.md's fsync-policy decision). Setting it false
	// enables the batched mode: Enqueue and Replace records are still
	// fsynced as they are written, the rest are flushed every SyncInterval.
	SyncEveryWrite bool          `json:"sync_every_write" yaml:"sync_every_write"`
	SyncInterval   time.Duration `json:"sync_interval" yaml:"sync_interval"`
}

// HandlerOptions holds the per message-type options a host registers a
// handler with (spec §6 "Per-handler").
type HandlerOptions struct {
	MinParallelism       int             `json:"min_parallelism" yaml:"min_parallelism"`
	MaxParallelism       int             `json:"max_parallelism" yaml:"max_parallelism"`
	Timeout              time.Duration   `json:"timeout" yaml:"timeout"`
	MaxRetries           int             `json:"max_retries" yaml:"max_retries"`
	LeaseDuration        time.Duration   `json:"lease_duration" yaml:"lease_duration"`
	EnableLeaseExtension bool            `json:"enable_lease_extension" yaml:"enable_lease_extension"`
	DeduplicationMode    DeduplicationMode `json:"deduplication_mode" yaml:"deduplication_mode"`
	BackoffStrategy      BackoffStrategy `json:"backoff_strategy" yaml:"backoff_strategy"`
	InitialBackoff       time.Duration   `json:"initial_backoff" yaml:"initial_backoff"`
	MaxBackoff           time.Duration   `json:"max_backoff" yaml:"max_backoff"`
	ChannelMode          ChannelMode     `json:"channel_mode" yaml:"channel_mode"`
}

// Config is the central configuration struct for a queue instance (spec
// §6 "Queue").
type Config struct {
	Capacity               int                        `json:"capacity" yaml:"capacity"`
	PersistenceEnabled     bool                       `json:"persistence_enabled" yaml:"persistence_enabled"`
	PersistencePath        string                     `json:"persistence_path" yaml:"persistence_path"`
	SnapshotInterval       time.Duration              `json:"snapshot_interval" yaml:"snapshot_interval"`
	SnapshotThreshold      int                        `json:"snapshot_threshold" yaml:"snapshot_threshold"`
	DefaultTimeout         time.Duration              `json:"default_timeout" yaml:"default_timeout"`
	DefaultMaxRetries      int                        `json:"default_max_retries" yaml:"default_max_retries"`
	LeaseMonitorInterval   time.Duration              `json:"lease_monitor_interval" yaml:"lease_monitor_interval"`
	DeduplicationEnabled   bool                       `json:"deduplication_enabled" yaml:"deduplication_enabled"`
	DeadLetterCapacity     int                        `json:"dead_letter_capacity" yaml:"dead_letter_capacity"`
	DefaultBackoffStrategy BackoffStrategy            `json:"default_backoff_strategy" yaml:"default_backoff_strategy"`
	DefaultInitialBackoff  time.Duration              `json:"default_initial_backoff" yaml:"default_initial_backoff"`
	DefaultMaxBackoff      time.Duration              `json:"default_max_backoff" yaml:"default_max_backoff"`

	Handlers    map[string]HandlerOptions `json:"handlers" yaml:"handlers"`
	Persistence PersistenceConfig         `json:"persistence" yaml:"persistence"`
}

// DefaultConfig returns the baseline configuration a queue is built
// with when the host supplies no overrides.
func DefaultConfig() *Config {
	return &Config{
		Capacity:               1024,
		PersistenceEnabled:     true,
		PersistencePath:        "./data",
		SnapshotInterval:       5 * time.Minute,
		SnapshotThreshold:      1000,
		DefaultTimeout:         30 * time.Second,
		DefaultMaxRetries:      5,
		LeaseMonitorInterval:   5 * time.Second,
		DeduplicationEnabled:   true,
		DeadLetterCapacity:     10000,
		DefaultBackoffStrategy: BackoffExponential,
		DefaultInitialBackoff:  100 * time.Millisecond,
		DefaultMaxBackoff:      30 * time.Second,
		Handlers:               make(map[string]HandlerOptions),
		Persistence: PersistenceConfig{
			StoragePath:            "./data",
			JournalFileName:        "journal.log",
			SnapshotFileName:       "snapshot.bin",
			SnapshotInterval:       5 * time.Minute,
			SnapshotThreshold:      1000,
			CRCValidationEnabled:   true,
			SerializationFormat:    SerializationBinary,
			SnapshotRetentionCount: 3,
			SyncEveryWrite:         true,
			SyncInterval:           time.Second,
		},
	}
}

// LoadFromFile loads configuration from a JSON or YAML file, layered
// over DefaultConfig. The format is chosen by file extension: .yaml and
// .yml decode as YAML, everything else as JSON.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := DefaultConfig()
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse yaml: %w", err)
		}
	default:
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse json: %w", err)
		}
	}

	return cfg, nil
}

// LoadFromEnv applies DQ_* environment variable overrides to cfg.
func LoadFromEnv(cfg *Config) {
	if v := os.Getenv("DQ_CAPACITY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Capacity = n
		}
	}
	if v := os.Getenv("DQ_PERSISTENCE_ENABLED"); v != "" {
		cfg.PersistenceEnabled = parseBool(v)
	}
	if v := os.Getenv("DQ_PERSISTENCE_PATH"); v != "" {
		cfg.PersistencePath = v
		cfg.Persistence.StoragePath = v
	}
	if v := os.Getenv("DQ_SNAPSHOT_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.SnapshotInterval = d
			cfg.Persistence.SnapshotInterval = d
		}
	}
	if v := os.Getenv("DQ_SNAPSHOT_THRESHOLD"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.SnapshotThreshold = n
			cfg.Persistence.SnapshotThreshold = n
		}
	}
	if v := os.Getenv("DQ_DEFAULT_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.DefaultTimeout = d
		}
	}
	if v := os.Getenv("DQ_DEFAULT_MAX_RETRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.DefaultMaxRetries = n
		}
	}
	if v := os.Getenv("DQ_LEASE_MONITOR_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.LeaseMonitorInterval = d
		}
	}
	if v := os.Getenv("DQ_DEDUPLICATION_ENABLED"); v != "" {
		cfg.DeduplicationEnabled = parseBool(v)
	}
	if v := os.Getenv("DQ_DEAD_LETTER_CAPACITY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.DeadLetterCapacity = n
		}
	}
	if v := os.Getenv("DQ_DEFAULT_BACKOFF_STRATEGY"); v != "" {
		cfg.DefaultBackoffStrategy = BackoffStrategy(v)
	}
	if v := os.Getenv("DQ_DEFAULT_INITIAL_BACKOFF"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.DefaultInitialBackoff = d
		}
	}
	if v := os.Getenv("DQ_DEFAULT_MAX_BACKOFF"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.DefaultMaxBackoff = d
		}
	}

	// Persistence overrides
	if v := os.Getenv("DQ_JOURNAL_FILE_NAME"); v != "" {
		cfg.Persistence.JournalFileName = v
	}
	if v := os.Getenv("DQ_SNAPSHOT_FILE_NAME"); v != "" {
		cfg.Persistence.SnapshotFileName = v
	}
	if v := os.Getenv("DQ_CRC_VALIDATION_ENABLED"); v != "" {
		cfg.Persistence.CRCValidationEnabled = parseBool(v)
	}
	if v := os.Getenv("DQ_SERIALIZATION_FORMAT"); v != "" {
		cfg.Persistence.SerializationFormat = SerializationFormat(v)
	}
	if v := os.Getenv("DQ_SNAPSHOT_RETENTION_COUNT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Persistence.SnapshotRetentionCount = n
		}
	}
	if v := os.Getenv("DQ_SYNC_EVERY_WRITE"); v != "" {
		cfg.Persistence.SyncEveryWrite = parseBool(v)
	}
	if v := os.Getenv("DQ_SYNC_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Persistence.SyncInterval = d
		}
	}
}

// ErrConfigurationInvalid is the sentinel error family returned by
// Validate (spec §7 ConfigurationInvalid).
var ErrConfigurationInvalid = errors.New("config: invalid configuration")

// Validate checks cfg for internally-inconsistent or out-of-range
// options, returning a wrapped ErrConfigurationInvalid describing the
// first problem found.
func (c *Config) Validate() error {
	if c.Capacity <= 0 {
		return fmt.Errorf("%w: capacity must be positive, got %d", ErrConfigurationInvalid, c.Capacity)
	}
	if c.DefaultMaxRetries < 0 {
		return fmt.Errorf("%w: default_max_retries must be >= 0", ErrConfigurationInvalid)
	}
	if !c.DefaultBackoffStrategy.valid() {
		return fmt.Errorf("%w: unknown default_backoff_strategy %q", ErrConfigurationInvalid, c.DefaultBackoffStrategy)
	}
	if c.Persistence.SerializationFormat != "" && !c.Persistence.SerializationFormat.valid() {
		return fmt.Errorf("%w: unknown serialization_format %q", ErrConfigurationInvalid, c.Persistence.SerializationFormat)
	}
	for name, h := range c.Handlers {
		if err := h.validate(); err != nil {
			return fmt.Errorf("%w: handler %q: %w", ErrConfigurationInvalid, name, err)
		}
	}
	return nil
}

func (h HandlerOptions) validate() error {
	if h.MinParallelism < 0 {
		return errors.New("min_parallelism must be >= 0")
	}
	if h.MaxParallelism < h.MinParallelism {
		return fmt.Errorf("max_parallelism (%d) must be >= min_parallelism (%d)", h.MaxParallelism, h.MinParallelism)
	}
	if h.MaxRetries < 0 {
		return errors.New("max_retries must be >= 0")
	}
	if h.DeduplicationMode != "" && !h.DeduplicationMode.valid() {
		return fmt.Errorf("unknown deduplication_mode %q", h.DeduplicationMode)
	}
	if h.BackoffStrategy != "" && !h.BackoffStrategy.valid() {
		return fmt.Errorf("unknown backoff_strategy %q", h.BackoffStrategy)
	}
	if h.ChannelMode != "" && !h.ChannelMode.valid() {
		return fmt.Errorf("unknown channel_mode %q", h.ChannelMode)
	}
	if h.MaxBackoff > 0 && h.InitialBackoff > h.MaxBackoff {
		return fmt.Errorf("initial_backoff (%s) must be <= max_backoff (%s)", h.InitialBackoff, h.MaxBackoff)
	}
	return nil
}

func parseBool(s string) bool {
	s = strings.ToLower(s)
	return s == "true" || s == "1" || s == "yes"
}
