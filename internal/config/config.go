// Package config provides the configuration structure for the audiobook service.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/book-expert/configurator"
	"github.com/book-expert/logger"
	"github.com/pelletier/go-toml/v2"
)

// Object store and job state backends.
const (
	BackendNATS   = "nats"
	BackendS3     = "s3"
	BackendFS     = "fs"
	BackendMemory = "memory"
	BackendSQLite = "sqlite"
)

const (
	defaultListenAddr        = ":8080"
	defaultGinMode           = "release"
	defaultSubmitSubject     = "audiobook.epub.submitted"
	defaultAudioBucket       = "AUDIOBOOKS"
	defaultJobStateBucket    = "AUDIOBOOK_JOBS"
	defaultRegion            = "auto"
	defaultVoice             = "en-US-AriaNeural"
	defaultLanguage          = "en"
	defaultTimeoutSeconds    = 300
	defaultMaxRequestChars   = 3000
	defaultBatchSize         = 2
	defaultInterBatchDelayMS = 100
	defaultMinChapterChars   = 100
	defaultSQLitePath        = "audiobook-jobs.db"
	defaultRootDir           = "audiobook-data"
)

var (
	// ErrUnknownBackend indicates an unsupported storage backend name.
	ErrUnknownBackend = errors.New("unknown backend")
	// ErrMissingValue indicates a required configuration value is empty.
	ErrMissingValue = errors.New("missing required configuration value")
	// ErrInvalidValue indicates a numeric configuration value is out of range.
	ErrInvalidValue = errors.New("invalid configuration value")
)

// ServerConfig holds the HTTP listener configuration.
type ServerConfig struct {
	ListenAddr string `toml:"listen_addr"`
	GinMode    string `toml:"gin_mode"`
}

// NATSConfig holds the configuration for NATS.
type NATSConfig struct {
	URL                    string `toml:"url"`
	SubmitSubject          string `toml:"submit_subject"`
	AudioObjectStoreBucket string `toml:"audio_object_store_bucket"`
	JobStateBucket         string `toml:"job_state_bucket"`
}

// ObjectStoreConfig selects and configures the audio and metadata store.
type ObjectStoreConfig struct {
	Backend         string `toml:"backend"`
	Endpoint        string `toml:"endpoint"`
	Bucket          string `toml:"bucket"`
	Region          string `toml:"region"`
	AccessKeyID     string `toml:"access_key_id"`
	SecretAccessKey string `toml:"secret_access_key"`
	RootDir         string `toml:"root_dir"`
}

// JobStateConfig selects the job progress store.
type JobStateConfig struct {
	Backend    string `toml:"backend"`
	SQLitePath string `toml:"sqlite_path"`
}

// TTSServiceConfig holds the configuration of the speech synthesis service.
type TTSServiceConfig struct {
	ServiceURL     string  `toml:"service_url"`
	VoiceDefault   string  `toml:"voice_default"`
	Language       string  `toml:"language"`
	Temperature    float64 `toml:"temperature"`
	TimeoutSeconds int     `toml:"timeout_seconds"`
	// MaxRequestChars caps the text sent in one synthesis request; longer chapters are split.
	MaxRequestChars int `toml:"max_request_chars"`
}

// PipelineConfig tunes the chapter conversion pipeline.
type PipelineConfig struct {
	BatchSize         int `toml:"batch_size"`
	InterBatchDelayMS int `toml:"inter_batch_delay_ms"`
	MinChapterChars   int `toml:"min_chapter_chars"`
}

// PathsConfig holds the configuration for file paths.
type PathsConfig struct {
	BaseLogsDir string `toml:"base_logs_dir"`
}

// Config is the root configuration structure.
type Config struct {
	Server      ServerConfig      `toml:"server"`
	NATS        NATSConfig        `toml:"nats"`
	ObjectStore ObjectStoreConfig `toml:"object_store"`
	JobState    JobStateConfig    `toml:"job_state"`
	TTS         TTSServiceConfig  `toml:"tts_service"`
	Pipeline    PipelineConfig    `toml:"pipeline"`
	Paths       PathsConfig       `toml:"paths"`
}

// Load loads the configuration for the audiobook service.
func Load(log *logger.Logger) (*Config, error) {
	var cfg Config

	err := configurator.Load(&cfg, log)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration from configurator: %w", err)
	}

	return finalize(&cfg)
}

// LoadFile reads a TOML configuration file from disk.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read configuration file '%s': %w", path, err)
	}

	return Parse(data)
}

// Parse decodes TOML configuration data, applies defaults and validates the result.
func Parse(data []byte) (*Config, error) {
	var cfg Config

	err := toml.Unmarshal(data, &cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to parse configuration: %w", err)
	}

	return finalize(&cfg)
}

func finalize(cfg *Config) (*Config, error) {
	cfg.ApplyEnvironment(os.LookupEnv)
	cfg.ApplyDefaults()

	err := cfg.Validate()
	if err != nil {
		return nil, err
	}

	return cfg, nil
}

// Environment variables that override object store credentials, typically loaded from .env.
const (
	EnvR2Endpoint        = "R2_ENDPOINT_URL"
	EnvR2Bucket          = "R2_BUCKET_NAME"
	EnvR2AccessKeyID     = "R2_ACCESS_KEY_ID"
	EnvR2SecretAccessKey = "R2_SECRET_ACCESS_KEY"
	EnvTTSServiceURL     = "TTS_SERVICE_URL"
)

// ApplyEnvironment overrides credentials and endpoints with values found by lookup.
func (c *Config) ApplyEnvironment(lookup func(string) (string, bool)) {
	overrides := map[string]*string{
		EnvR2Endpoint:        &c.ObjectStore.Endpoint,
		EnvR2Bucket:          &c.ObjectStore.Bucket,
		EnvR2AccessKeyID:     &c.ObjectStore.AccessKeyID,
		EnvR2SecretAccessKey: &c.ObjectStore.SecretAccessKey,
		EnvTTSServiceURL:     &c.TTS.ServiceURL,
	}

	for name, target := range overrides {
		if value, ok := lookup(name); ok && value != "" {
			*target = value
		}
	}
}

// ApplyDefaults fills every unset value with its default.
func (c *Config) ApplyDefaults() {
	setString(&c.Server.ListenAddr, defaultListenAddr)
	setString(&c.Server.GinMode, defaultGinMode)
	setString(&c.NATS.SubmitSubject, defaultSubmitSubject)
	setString(&c.NATS.AudioObjectStoreBucket, defaultAudioBucket)
	setString(&c.NATS.JobStateBucket, defaultJobStateBucket)
	setString(&c.ObjectStore.Backend, BackendNATS)
	setString(&c.ObjectStore.Region, defaultRegion)
	setString(&c.ObjectStore.RootDir, defaultRootDir)
	setString(&c.JobState.Backend, BackendNATS)
	setString(&c.JobState.SQLitePath, defaultSQLitePath)
	setString(&c.TTS.VoiceDefault, defaultVoice)
	setString(&c.TTS.Language, defaultLanguage)
	setString(&c.Paths.BaseLogsDir, os.TempDir())

	if c.ObjectStore.Bucket == "" {
		c.ObjectStore.Bucket = c.NATS.AudioObjectStoreBucket
	}

	if c.TTS.TimeoutSeconds == 0 {
		c.TTS.TimeoutSeconds = defaultTimeoutSeconds
	}

	if c.TTS.MaxRequestChars == 0 {
		c.TTS.MaxRequestChars = defaultMaxRequestChars
	}

	if c.Pipeline.BatchSize == 0 {
		c.Pipeline.BatchSize = defaultBatchSize
	}

	if c.Pipeline.InterBatchDelayMS == 0 {
		c.Pipeline.InterBatchDelayMS = defaultInterBatchDelayMS
	}

	if c.Pipeline.MinChapterChars == 0 {
		c.Pipeline.MinChapterChars = defaultMinChapterChars
	}
}

// Validate checks that the configuration describes a runnable service.
func (c *Config) Validate() error {
	switch c.ObjectStore.Backend {
	case BackendNATS:
		if c.NATS.URL == "" {
			return fmt.Errorf("%w: nats.url", ErrMissingValue)
		}
	case BackendS3:
		if c.ObjectStore.Endpoint == "" {
			return fmt.Errorf("%w: object_store.endpoint", ErrMissingValue)
		}
	case BackendFS, BackendMemory:
	default:
		return fmt.Errorf("%w: object_store.backend=%q", ErrUnknownBackend, c.ObjectStore.Backend)
	}

	switch c.JobState.Backend {
	case BackendNATS:
		if c.NATS.URL == "" {
			return fmt.Errorf("%w: nats.url", ErrMissingValue)
		}
	case BackendSQLite, BackendMemory:
	default:
		return fmt.Errorf("%w: job_state.backend=%q", ErrUnknownBackend, c.JobState.Backend)
	}

	if c.TTS.ServiceURL == "" {
		return fmt.Errorf("%w: tts_service.service_url", ErrMissingValue)
	}

	if c.Pipeline.BatchSize < 1 {
		return fmt.Errorf("%w: pipeline.batch_size must be positive, got %d", ErrInvalidValue, c.Pipeline.BatchSize)
	}

	if c.Pipeline.InterBatchDelayMS < 0 {
		return fmt.Errorf("%w: pipeline.inter_batch_delay_ms must be non-negative, got %d",
			ErrInvalidValue, c.Pipeline.InterBatchDelayMS)
	}

	if c.TTS.TimeoutSeconds < 0 {
		return fmt.Errorf("%w: tts_service.timeout_seconds must be non-negative, got %d",
			ErrInvalidValue, c.TTS.TimeoutSeconds)
	}

	if c.TTS.MaxRequestChars < 0 {
		return fmt.Errorf("%w: tts_service.max_request_chars must be non-negative, got %d",
			ErrInvalidValue, c.TTS.MaxRequestChars)
	}

	return nil
}

// InterBatchDelay returns the configured pause between chapter batches.
func (c *Config) InterBatchDelay() time.Duration {
	return time.Duration(c.Pipeline.InterBatchDelayMS) * time.Millisecond
}

// TTSTimeout returns the per-request timeout for the speech service.
func (c *Config) TTSTimeout() time.Duration {
	return time.Duration(c.TTS.TimeoutSeconds) * time.Second
}

// UsesNATS reports whether any component needs a NATS connection.
func (c *Config) UsesNATS() bool {
	return c.NATS.URL != "" || c.ObjectStore.Backend == BackendNATS || c.JobState.Backend == BackendNATS
}

func setString(target *string, value string) {
	if *target == "" {
		*target = value
	}
}
