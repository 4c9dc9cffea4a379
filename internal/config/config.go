package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete service configuration
type Config struct {
	HTTP          HTTPConfig          `yaml:"http"`
	Storage       StorageConfig       `yaml:"storage"`
	Encode        EncodeConfig        `yaml:"encode"`
	Transcription TranscriptionConfig `yaml:"transcription"`
	Extraction    ExtractionConfig    `yaml:"extraction"`
	Logging       LoggingConfig       `yaml:"logging"`
}

// HTTPConfig contains HTTP API server configuration
type HTTPConfig struct {
	Port    int    `yaml:"port"`
	Address string `yaml:"address"`
}

// StorageConfig contains chunk and output storage configuration
type StorageConfig struct {
	Root          string `yaml:"root"`            // base directory for sessions/ and final/
	DatabasePath  string `yaml:"database_path"`   // SQLite session registry; defaults under root
	MaxChunkBytes int64  `yaml:"max_chunk_bytes"` // per-chunk upload ceiling
}

// EncodeConfig contains external encode engine configuration
type EncodeConfig struct {
	FFmpegPath     string `yaml:"ffmpeg_path"`
	FFprobePath    string `yaml:"ffprobe_path"`
	Timeout        int    `yaml:"timeout"` // seconds, per external invocation
	MaxRetries     int    `yaml:"max_retries"`
	SegmentWorkers int    `yaml:"segment_workers"` // concurrent segment extractions
}

// TranscriptionConfig contains transcription collaborator configuration
type TranscriptionConfig struct {
	Endpoint   string `yaml:"endpoint"`
	APIKey     string `yaml:"api_key"`
	Model      string `yaml:"model"`
	Timeout    int    `yaml:"timeout"` // seconds
	MaxRetries int    `yaml:"max_retries"`
}

// ExtractionConfig contains deal extraction collaborator configuration
type ExtractionConfig struct {
	Endpoint   string `yaml:"endpoint"`
	APIKey     string `yaml:"api_key"`
	Model      string `yaml:"model"`
	Timeout    int    `yaml:"timeout"` // seconds
	MaxRetries int    `yaml:"max_retries"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// Load reads and parses the configuration file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	config.applyDefaults()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

// applyDefaults fills optional fields that have sensible defaults
func (c *Config) applyDefaults() {
	if c.Encode.FFmpegPath == "" {
		c.Encode.FFmpegPath = "ffmpeg"
	}
	if c.Encode.FFprobePath == "" {
		c.Encode.FFprobePath = "ffprobe"
	}
	if c.Encode.SegmentWorkers == 0 {
		c.Encode.SegmentWorkers = 2
	}
	if c.Encode.Timeout == 0 {
		c.Encode.Timeout = 300
	}
	if c.Storage.MaxChunkBytes == 0 {
		c.Storage.MaxChunkBytes = 100 << 20 // 100 MB per chunk
	}
	if c.Storage.DatabasePath == "" && c.Storage.Root != "" {
		c.Storage.DatabasePath = filepath.Join(c.Storage.Root, "registry.db")
	}
	if c.Transcription.Timeout == 0 {
		c.Transcription.Timeout = 60
	}
	if c.Transcription.MaxRetries == 0 {
		c.Transcription.MaxRetries = 2
	}
	if c.Extraction.Timeout == 0 {
		c.Extraction.Timeout = 60
	}
	if c.Extraction.MaxRetries == 0 {
		c.Extraction.MaxRetries = 2
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
}

// Validate performs comprehensive validation of the configuration
func (c *Config) Validate() error {
	if err := c.HTTP.Validate(); err != nil {
		return fmt.Errorf("http config: %w", err)
	}

	if err := c.Storage.Validate(); err != nil {
		return fmt.Errorf("storage config: %w", err)
	}

	if err := c.Encode.Validate(); err != nil {
		return fmt.Errorf("encode config: %w", err)
	}

	if err := c.Transcription.Validate(); err != nil {
		return fmt.Errorf("transcription config: %w", err)
	}

	if err := c.Extraction.Validate(); err != nil {
		return fmt.Errorf("extraction config: %w", err)
	}

	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging config: %w", err)
	}

	return nil
}

// Validate validates HTTP configuration
func (h *HTTPConfig) Validate() error {
	if h.Port < 1 || h.Port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535, got %d", h.Port)
	}

	if h.Address == "" {
		return fmt.Errorf("address cannot be empty")
	}

	return nil
}

// Validate validates storage configuration
func (s *StorageConfig) Validate() error {
	if s.Root == "" {
		return fmt.Errorf("root cannot be empty")
	}

	if s.MaxChunkBytes < 1024 {
		return fmt.Errorf("max_chunk_bytes must be at least 1024, got %d", s.MaxChunkBytes)
	}

	return nil
}

// Validate validates encode configuration
func (e *EncodeConfig) Validate() error {
	if e.FFmpegPath == "" {
		return fmt.Errorf("ffmpeg_path cannot be empty")
	}

	if e.FFprobePath == "" {
		return fmt.Errorf("ffprobe_path cannot be empty")
	}

	if e.Timeout < 1 {
		return fmt.Errorf("timeout must be at least 1 second, got %d", e.Timeout)
	}

	if e.MaxRetries < 0 {
		return fmt.Errorf("max_retries cannot be negative, got %d", e.MaxRetries)
	}

	if e.SegmentWorkers < 1 {
		return fmt.Errorf("segment_workers must be at least 1, got %d", e.SegmentWorkers)
	}

	return nil
}

// Validate validates transcription configuration.
// An empty endpoint disables the transcription routes entirely.
func (t *TranscriptionConfig) Validate() error {
	if t.Endpoint == "" {
		return nil
	}

	if t.Timeout < 1 {
		return fmt.Errorf("timeout must be at least 1 second, got %d", t.Timeout)
	}

	if t.MaxRetries < 0 {
		return fmt.Errorf("max_retries cannot be negative, got %d", t.MaxRetries)
	}

	return nil
}

// Validate validates extraction configuration
func (e *ExtractionConfig) Validate() error {
	if e.Endpoint == "" {
		return nil
	}

	if e.Timeout < 1 {
		return fmt.Errorf("timeout must be at least 1 second, got %d", e.Timeout)
	}

	if e.MaxRetries < 0 {
		return fmt.Errorf("max_retries cannot be negative, got %d", e.MaxRetries)
	}

	return nil
}

// Validate validates logging configuration
func (l *LoggingConfig) Validate() error {
	validLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLevels[l.Level] {
		return fmt.Errorf("level must be one of [debug, info, warn, error], got '%s'", l.Level)
	}

	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[l.Format] {
		return fmt.Errorf("format must be 'json' or 'text', got '%s'", l.Format)
	}

	return nil
}

// GetTimeoutDuration returns the per-invocation encode timeout as a time.Duration
func (e *EncodeConfig) GetTimeoutDuration() time.Duration {
	return time.Duration(e.Timeout) * time.Second
}

// GetTimeoutDuration returns the transcription timeout as a time.Duration
func (t *TranscriptionConfig) GetTimeoutDuration() time.Duration {
	return time.Duration(t.Timeout) * time.Second
}

// GetTimeoutDuration returns the extraction timeout as a time.Duration
func (e *ExtractionConfig) GetTimeoutDuration() time.Duration {
	return time.Duration(e.Timeout) * time.Second
}
