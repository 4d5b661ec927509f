// Package config loads and watches the connector configuration file.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/lsm/docsink/internal/kafka"
	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration for YAML values like "500ms" or "5s".
type Duration time.Duration

// UnmarshalYAML parses a duration string.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the complete connector configuration.
type Config struct {
	Name            string         `yaml:"name"`
	Kafka           KafkaConfig    `yaml:"kafka"`
	Store           StoreConfig    `yaml:"store"`
	Batching        BatchingConfig `yaml:"batching"`
	Retry           RetryConfig    `yaml:"retry"`
	DeadLetterTopic string         `yaml:"deadLetterTopic,omitempty"`
	LogLevel        string         `yaml:"logLevel,omitempty"`
	MetricsAddr     string         `yaml:"metricsAddr,omitempty"`
}

// KafkaConfig holds consumer-side configuration.
type KafkaConfig struct {
	Cluster        kafka.ClusterConfig `yaml:"cluster"`
	Topics         []string            `yaml:"topics"`
	ConsumerGroup  string              `yaml:"consumerGroup"`
	StartOffset    string              `yaml:"startOffset,omitempty"` // "earliest" or "latest"
	PollInterval   Duration            `yaml:"pollInterval,omitempty"`
	CommitInterval Duration            `yaml:"commitInterval,omitempty"`
}

// StoreConfig holds document store configuration.
type StoreConfig struct {
	URL            string        `yaml:"url"`
	Username       string        `yaml:"username,omitempty"`
	Password       string        `yaml:"password,omitempty"`
	IndexPrefix    string        `yaml:"indexPrefix,omitempty"`
	UseRecordKey   bool          `yaml:"useRecordKey,omitempty"`
	RequestTimeout Duration      `yaml:"requestTimeout,omitempty"`
	RequestsPerSec float64       `yaml:"requestsPerSec,omitempty"`
	Breaker        BreakerConfig `yaml:"breaker,omitempty"`
}

// BreakerConfig holds circuit breaker settings for the store.
type BreakerConfig struct {
	Enabled          bool     `yaml:"enabled"`
	FailureThreshold int      `yaml:"failureThreshold,omitempty"`
	SuccessThreshold int      `yaml:"successThreshold,omitempty"`
	ResetTimeout     Duration `yaml:"resetTimeout,omitempty"`
}

// BatchingConfig holds buffering and dispatch sizing.
type BatchingConfig struct {
	BatchSize          int `yaml:"batchSize,omitempty"`
	MaxBufferedRecords int `yaml:"maxBufferedRecords,omitempty"`
}

// RetryConfig holds backoff settings for failed bulk dispatches.
type RetryConfig struct {
	MaxRetries      int      `yaml:"maxRetries,omitempty"`
	InitialInterval Duration `yaml:"initialInterval,omitempty"`
	MaxInterval     Duration `yaml:"maxInterval,omitempty"`
	Jitter          float64  `yaml:"jitter,omitempty"`
}

// Load reads and validates the configuration file, applying defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse yaml: %w", err)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Kafka.StartOffset == "" {
		c.Kafka.StartOffset = "latest"
	}
	if c.Kafka.PollInterval <= 0 {
		c.Kafka.PollInterval = Duration(time.Second)
	}
	if c.Kafka.CommitInterval <= 0 {
		c.Kafka.CommitInterval = Duration(5 * time.Second)
	}
	if c.Store.RequestTimeout <= 0 {
		c.Store.RequestTimeout = Duration(3 * time.Second)
	}
	if c.Batching.BatchSize <= 0 {
		c.Batching.BatchSize = 500
	}
	if c.Batching.MaxBufferedRecords <= 0 {
		c.Batching.MaxBufferedRecords = 20000
	}
	if c.Retry.MaxRetries <= 0 {
		c.Retry.MaxRetries = 5
	}
	if c.Retry.InitialInterval <= 0 {
		c.Retry.InitialInterval = Duration(100 * time.Millisecond)
	}
	if c.Retry.MaxInterval <= 0 {
		c.Retry.MaxInterval = Duration(10 * time.Second)
	}
	if c.MetricsAddr == "" {
		c.MetricsAddr = ":9090"
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []error

	if c.Name == "" {
		errs = append(errs, errors.New("name is required"))
	}
	if len(c.Kafka.Topics) == 0 {
		errs = append(errs, errors.New("kafka.topics is required"))
	}
	if c.Kafka.ConsumerGroup == "" {
		errs = append(errs, errors.New("kafka.consumerGroup is required"))
	}
	if c.Kafka.StartOffset != "earliest" && c.Kafka.StartOffset != "latest" {
		errs = append(errs, fmt.Errorf("kafka.startOffset %q is not valid (must be earliest or latest)", c.Kafka.StartOffset))
	}
	if err := c.Kafka.Cluster.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("kafka.cluster: %w", err))
	}
	if c.Store.URL == "" {
		errs = append(errs, errors.New("store.url is required"))
	}

	return errors.Join(errs...)
}

// Watcher reloads the config file when it changes on disk.
type Watcher struct {
	path     string
	logger   *slog.Logger
	onChange func(*Config)
}

// NewWatcher creates a watcher for the given config file.
func NewWatcher(path string, logger *slog.Logger, onChange func(*Config)) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{path: path, logger: logger, onChange: onChange}
}

// Watch blocks until done closes, reloading and re-validating the file
// on every write. Invalid intermediate states are logged and skipped.
func (w *Watcher) Watch(done <-chan struct{}) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer func() {
		_ = watcher.Close() // intentionally ignoring close error during cleanup
	}()

	// Watch the directory: editors often replace the file on save.
	if err := watcher.Add(filepath.Dir(w.path)); err != nil {
		return fmt.Errorf("watch dir %s: %w", filepath.Dir(w.path), err)
	}

	w.logger.Info("watching config file", "path", w.path)

	for {
		select {
		case <-done:
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != filepath.Clean(w.path) {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) {
				w.logger.Info("config change detected", "file", event.Name, "op", event.Op)
				cfg, err := Load(w.path)
				if err != nil {
					w.logger.Error("failed to reload config", "error", err)
					continue
				}
				if w.onChange != nil {
					w.onChange(cfg)
				}
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Error("watcher error", "error", err)
		}
	}
}
