// Package config provides configuration defaults for the flightrec
// recorder.
//
// This package defines all configurable constants with documented defaults.
// Users can override these values via the recorder's config.yaml.
package config

import "time"

// =============================================================================
// Memory Defaults
// =============================================================================

const (
	// DefaultGlobalBufferSize is the size of one global buffer. Thread-local
	// content is promoted into global buffers, and writes smaller than this
	// can lease one.
	// Override via config: memory.global_buffer_size
	DefaultGlobalBufferSize = 512 * 1024

	// DefaultGlobalBufferCount is the number of preallocated global buffers.
	// Override via config: memory.global_buffer_count
	DefaultGlobalBufferCount = 20

	// DefaultThreadBufferSize is the size of a producer's thread-local buffer.
	// Must not exceed the global buffer size.
	// Override via config: memory.thread_buffer_size
	DefaultThreadBufferSize = 8 * 1024

	// DefaultMemoryLimit caps on-demand allocations (thread-local buffers and
	// transient buffers for oversized events). Zero means unlimited.
	// Override via config: memory.memory_limit
	DefaultMemoryLimit = 64 * 1024 * 1024
)

// =============================================================================
// Storage Control Defaults
// =============================================================================

const (
	// DefaultPromotionRetries is how often a flush rescans the global pool
	// before shedding the oldest full buffer.
	DefaultPromotionRetries = 2

	// DefaultLeaseRetries is how often an oversized write rescans the global
	// pool for a lease before falling back to a transient buffer.
	DefaultLeaseRetries = 10

	// DefaultDiscardAttempts bounds discard rounds per acquisition.
	DefaultDiscardAttempts = 8

	// The lease and discard thresholds default to a fraction of the global
	// buffer count. Zero in config selects these fractions.
	// Override via config: memory.lease_threshold, memory.discard_threshold
	DefaultLeaseThresholdPercent   = 50
	DefaultDiscardThresholdPercent = 100
)

// =============================================================================
// Chunk Defaults
// =============================================================================

const (
	// DefaultByteOrder is the integer byte order of new chunks.
	// Override via config: chunk.byte_order ("big" or "little")
	DefaultByteOrder = "big"

	// DefaultCompressedIntegers enables LEB128 integers in records.
	// Override via config: chunk.compressed_integers
	DefaultCompressedIntegers = true

	// DefaultWriterBufferSize is the write buffer in front of the chunk file.
	DefaultWriterBufferSize = 64 * 1024
)

// =============================================================================
// Repository Defaults
// =============================================================================

const (
	// DefaultRepositoryDir is where chunk files are written.
	// Override via config: repository.dir
	DefaultRepositoryDir = "./recording"

	// DefaultMaxChunks is how many chunk files are retained. Zero keeps all.
	// Override via config: repository.max_chunks
	DefaultMaxChunks = 64

	// DefaultMaxChunkSize triggers a rotation once the current chunk reaches
	// it. Zero disables size-based rotation.
	// Override via config: repository.max_chunk_size
	DefaultMaxChunkSize = 12 * 1024 * 1024
)

// =============================================================================
// Rotation Defaults
// =============================================================================

const (
	// DefaultFlushInterval is how often a flushpoint is written.
	// Override via config: rotation.flush_interval
	DefaultFlushInterval = time.Second

	// DefaultRotateInterval is how often the chunk is rotated.
	// Override via config: rotation.rotate_interval
	DefaultRotateInterval = time.Minute

	// DefaultPauseTimeout bounds how long a rotation waits for producers to
	// reach a safepoint.
	// Override via config: rotation.pause_timeout
	DefaultPauseTimeout = 5 * time.Second

	// DefaultVMErrorRetries is how often the emergency dump retries taking
	// the rotation lock.
	DefaultVMErrorRetries = 3
)

// =============================================================================
// Control Defaults
// =============================================================================

const (
	// DefaultControlSocket is the unix socket of the control server.
	// Override via config: control.socket
	DefaultControlSocket = "/tmp/flightrec.sock"

	// DefaultMaxMessageSize limits control message size.
	// Override via config: control.max_message_size
	DefaultMaxMessageSize = 4 * 1024 * 1024

	// DefaultDrainTimeoutSec is how long shutdown waits for the recorder to
	// finish its final rotation.
	DefaultDrainTimeoutSec = 30
)

// =============================================================================
// Logging Defaults
// =============================================================================

const (
	// DefaultLogLevel is the minimum level logged.
	// Override via config: logging.level
	DefaultLogLevel = "info"

	// DefaultLogFormat is "text" or "json".
	// Override via config: logging.format
	DefaultLogFormat = "text"
)
