// Package config loads the recorder configuration.
//
// Values are read once when an engine is built and are immutable for the
// lifetime of the recording session.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/xtxerr/flightrec/config"
)

// Config represents the complete recorder configuration.
type Config struct {
	// Repository configures where chunks are written.
	Repository RepositoryConfig `yaml:"repository"`

	// Memory sizes the buffer pools.
	Memory MemoryConfig `yaml:"memory"`

	// Chunk configures the chunk file encoding.
	Chunk ChunkConfig `yaml:"chunk"`

	// Rotation configures periodic flushpoints and rotations.
	Rotation RotationConfig `yaml:"rotation"`

	// ToDisk writes chunks to the repository. When false, recording is
	// in memory and overflow is discarded until a rotation opens a chunk.
	ToDisk bool `yaml:"to_disk"`

	// Logging configures the process logger.
	Logging LoggingConfig `yaml:"logging"`

	// Control configures the control socket.
	Control ControlConfig `yaml:"control"`
}

// RepositoryConfig configures the chunk repository.
type RepositoryConfig struct {
	// Dir is the repository directory.
	Dir string `yaml:"dir"`

	// MaxChunks is the number of chunks retained. Zero keeps all.
	MaxChunks int `yaml:"max_chunks"`

	// MaxChunkSize rotates the chunk once reached. Zero disables.
	// Format: 12582912, "12MB"
	MaxChunkSize ByteSize `yaml:"max_chunk_size"`

	// Catalog maintains catalog.parquet with one row per closed chunk.
	Catalog bool `yaml:"catalog"`
}

// MemoryConfig sizes the buffer pools.
type MemoryConfig struct {
	// GlobalBufferSize is the size of one global buffer.
	GlobalBufferSize ByteSize `yaml:"global_buffer_size"`

	// GlobalBufferCount is the number of global buffers.
	GlobalBufferCount int `yaml:"global_buffer_count"`

	// ThreadBufferSize is the size of a producer's buffer.
	ThreadBufferSize ByteSize `yaml:"thread_buffer_size"`

	// MemoryLimit caps on-demand allocations. Zero means unlimited.
	MemoryLimit ByteSize `yaml:"memory_limit"`

	// DiscardThreshold is the pending full-buffer count at which overflow
	// is discarded. Zero selects the global buffer count.
	DiscardThreshold int `yaml:"discard_threshold"`

	// LeaseThreshold caps outstanding global leases. Zero selects half the
	// global buffer count.
	LeaseThreshold int `yaml:"lease_threshold"`

	// CheckpointBufferSize is the size of a checkpoint buffer.
	CheckpointBufferSize ByteSize `yaml:"checkpoint_buffer_size"`
}

// ChunkConfig configures the chunk encoding.
type ChunkConfig struct {
	// ByteOrder is "big" or "little".
	ByteOrder string `yaml:"byte_order"`

	// CompressedIntegers selects LEB128 integers.
	CompressedIntegers bool `yaml:"compressed_integers"`
}

// RotationConfig configures the recorder's periodic work.
type RotationConfig struct {
	// FlushInterval is the flushpoint period. Zero disables.
	FlushInterval time.Duration `yaml:"flush_interval"`

	// RotateInterval is the chunk rotation period. Zero disables.
	RotateInterval time.Duration `yaml:"rotate_interval"`

	// PauseTimeout bounds waiting for producers at a safepoint.
	PauseTimeout time.Duration `yaml:"pause_timeout"`
}

// LoggingConfig configures logging.
type LoggingConfig struct {
	// Level is debug, info, warn or error.
	Level string `yaml:"level"`

	// Format is text or json.
	Format string `yaml:"format"`
}

// ControlConfig configures the control socket.
type ControlConfig struct {
	// Socket is the unix socket path. Empty disables the control server.
	Socket string `yaml:"socket"`

	// MaxMessageSize limits a control message.
	MaxMessageSize ByteSize `yaml:"max_message_size"`
}

// Load loads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML on top of the defaults and validates the result.
func Parse(data []byte) (*Config, error) {
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Repository: RepositoryConfig{
			Dir:          config.DefaultRepositoryDir,
			MaxChunks:    config.DefaultMaxChunks,
			MaxChunkSize: config.DefaultMaxChunkSize,
			Catalog:      true,
		},
		Memory: MemoryConfig{
			GlobalBufferSize:     config.DefaultGlobalBufferSize,
			GlobalBufferCount:    config.DefaultGlobalBufferCount,
			ThreadBufferSize:     config.DefaultThreadBufferSize,
			MemoryLimit:          config.DefaultMemoryLimit,
			CheckpointBufferSize: 64 * 1024,
		},
		Chunk: ChunkConfig{
			ByteOrder:          config.DefaultByteOrder,
			CompressedIntegers: config.DefaultCompressedIntegers,
		},
		Rotation: RotationConfig{
			FlushInterval:  config.DefaultFlushInterval,
			RotateInterval: config.DefaultRotateInterval,
			PauseTimeout:   config.DefaultPauseTimeout,
		},
		ToDisk: true,
		Logging: LoggingConfig{
			Level:  config.DefaultLogLevel,
			Format: config.DefaultLogFormat,
		},
		Control: ControlConfig{
			Socket:         config.DefaultControlSocket,
			MaxMessageSize: config.DefaultMaxMessageSize,
		},
	}
}

// Marshal encodes the configuration as YAML.
func (c *Config) Marshal() ([]byte, error) {
	return yaml.Marshal(c)
}
