package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/xtxerr/flightrec/internal/logging"
	"github.com/xtxerr/flightrec/internal/recorder/chunk"
)

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []error

	if c.ToDisk && c.Repository.Dir == "" {
		errs = append(errs, errors.New("repository.dir is required when to_disk is set"))
	}
	if err := c.Repository.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("repository: %w", err))
	}
	if err := c.Memory.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("memory: %w", err))
	}
	if err := c.Chunk.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("chunk: %w", err))
	}
	if err := c.Rotation.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("rotation: %w", err))
	}
	if err := c.Logging.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("logging: %w", err))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// Validate checks the repository configuration.
func (c *RepositoryConfig) Validate() error {
	var errs []error
	if c.MaxChunks < 0 {
		errs = append(errs, errors.New("max_chunks must not be negative"))
	}
	if c.MaxChunkSize < 0 {
		errs = append(errs, errors.New("max_chunk_size must not be negative"))
	}
	return errors.Join(errs...)
}

// Validate checks the memory configuration.
func (c *MemoryConfig) Validate() error {
	var errs []error

	if c.GlobalBufferSize <= 0 {
		errs = append(errs, errors.New("global_buffer_size must be positive"))
	}
	if c.GlobalBufferCount <= 0 {
		errs = append(errs, errors.New("global_buffer_count must be positive"))
	}
	if c.ThreadBufferSize <= 0 {
		errs = append(errs, errors.New("thread_buffer_size must be positive"))
	}
	if c.ThreadBufferSize > c.GlobalBufferSize {
		errs = append(errs, errors.New("thread_buffer_size must not exceed global_buffer_size"))
	}
	if c.MemoryLimit < 0 {
		errs = append(errs, errors.New("memory_limit must not be negative"))
	}
	if c.DiscardThreshold < 0 {
		errs = append(errs, errors.New("discard_threshold must not be negative"))
	}
	if c.LeaseThreshold < 0 {
		errs = append(errs, errors.New("lease_threshold must not be negative"))
	}
	if c.LeaseThreshold > c.GlobalBufferCount {
		errs = append(errs, errors.New("lease_threshold must not exceed global_buffer_count"))
	}
	if c.CheckpointBufferSize < 0 {
		errs = append(errs, errors.New("checkpoint_buffer_size must not be negative"))
	}

	return errors.Join(errs...)
}

// Validate checks the chunk configuration.
func (c *ChunkConfig) Validate() error {
	_, err := chunk.ParseByteOrder(c.ByteOrder)
	return err
}

// Validate checks the rotation configuration.
func (c *RotationConfig) Validate() error {
	var errs []error
	if c.FlushInterval < 0 {
		errs = append(errs, errors.New("flush_interval must not be negative"))
	}
	if c.RotateInterval < 0 {
		errs = append(errs, errors.New("rotate_interval must not be negative"))
	}
	if c.FlushInterval > 0 && c.FlushInterval < time.Millisecond {
		errs = append(errs, errors.New("flush_interval must be at least 1ms"))
	}
	if c.PauseTimeout < 0 {
		errs = append(errs, errors.New("pause_timeout must not be negative"))
	}
	return errors.Join(errs...)
}

// Validate checks the logging configuration.
func (c *LoggingConfig) Validate() error {
	var errs []error
	switch strings.ToLower(c.Level) {
	case "", "debug", "info", "warn", "warning", "error":
	default:
		errs = append(errs, fmt.Errorf("unknown level %q", c.Level))
	}
	switch strings.ToLower(c.Format) {
	case "", "text", "json":
	default:
		errs = append(errs, fmt.Errorf("unknown format %q", c.Format))
	}
	return errors.Join(errs...)
}

// SlogLevel returns the configured level.
func (c *LoggingConfig) SlogLevel() slog.Level {
	return logging.ParseLevel(c.Level)
}

// JSON reports whether JSON output is configured.
func (c *LoggingConfig) JSON() bool {
	return strings.EqualFold(c.Format, "json")
}
