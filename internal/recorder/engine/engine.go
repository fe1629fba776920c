// Package engine assembles a recording engine from its configuration: the
// buffer pools, the checkpoint storage, the chunk writer and repository,
// the catalog and the recorder service. Producers obtain a Thread from the
// engine and write events through it.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/xtxerr/flightrec/config"
	"github.com/xtxerr/flightrec/internal/errors"
	"github.com/xtxerr/flightrec/internal/logging"
	"github.com/xtxerr/flightrec/internal/recorder/buffer"
	"github.com/xtxerr/flightrec/internal/recorder/catalog"
	"github.com/xtxerr/flightrec/internal/recorder/checkpoint"
	"github.com/xtxerr/flightrec/internal/recorder/chunk"
	rconfig "github.com/xtxerr/flightrec/internal/recorder/config"
	"github.com/xtxerr/flightrec/internal/recorder/epoch"
	"github.com/xtxerr/flightrec/internal/recorder/postbox"
	"github.com/xtxerr/flightrec/internal/recorder/safepoint"
	"github.com/xtxerr/flightrec/internal/recorder/service"
	"github.com/xtxerr/flightrec/internal/recorder/stats"
	"github.com/xtxerr/flightrec/internal/recorder/storage"
	"github.com/xtxerr/flightrec/internal/validation"
)

// Engine is one recording session's set of components.
type Engine struct {
	cfg *rconfig.Config

	clock       *chunk.Clock
	epoch       *epoch.Clock
	postbox     *postbox.PostBox
	safepoints  *safepoint.Coordinator
	checkpoints *checkpoint.Manager
	storage     *storage.Storage
	writer      *chunk.Writer
	repo        *chunk.Repository
	catalog     *catalog.Catalog
	stats       *stats.Recorder
	registry    *registry
	svc         *service.Service

	nextThread atomic.Uint64
	opened     atomic.Bool
	closed     atomic.Bool
	runErr     chan error
	logger     *slog.Logger
}

// New builds an engine from cfg. Any failure to create a component is
// returned and nothing is left allocated.
func New(cfg *rconfig.Config) (*Engine, error) {
	if cfg == nil {
		cfg = rconfig.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "engine configuration")
	}
	order, err := chunk.ParseByteOrder(cfg.Chunk.ByteOrder)
	if err != nil {
		return nil, err
	}

	e := &Engine{
		cfg:        cfg,
		clock:      chunk.NewClock(),
		epoch:      &epoch.Clock{},
		postbox:    postbox.New(),
		safepoints: safepoint.New(),
		stats:      stats.NewRecorder(),
		runErr:     make(chan error, 1),
		logger:     logging.Component("engine"),
	}

	var cleanup []func()
	fail := func(err error) (*Engine, error) {
		for i := len(cleanup) - 1; i >= 0; i-- {
			cleanup[i]()
		}
		return nil, err
	}

	e.writer = chunk.NewWriter(e.clock, chunk.Options{
		ByteOrder:  order,
		Compressed: cfg.Chunk.CompressedIntegers,
		BufferSize: config.DefaultWriterBufferSize,
	})

	e.checkpoints, err = checkpoint.New(e.epoch, checkpoint.Options{
		BufferSize:  cfg.Memory.CheckpointBufferSize.Int(),
		Preallocate: checkpoint.DefaultOptions().Preallocate,
		Limit:       int64(cfg.Memory.MemoryLimit),
	})
	if err != nil {
		return fail(errors.Wrap(err, "checkpoint storage"))
	}
	cleanup = append(cleanup, e.checkpoints.Close)

	e.storage, err = storage.New(storage.Options{
		GlobalBufferSize:  cfg.Memory.GlobalBufferSize.Int(),
		GlobalBufferCount: cfg.Memory.GlobalBufferCount,
		ThreadBufferSize:  cfg.Memory.ThreadBufferSize.Int(),
		MemoryLimit:       int64(cfg.Memory.MemoryLimit),
		DiscardThreshold:  cfg.Memory.DiscardThreshold,
		LeaseThreshold:    cfg.Memory.LeaseThreshold,
		PromotionRetries:  config.DefaultPromotionRetries,
		LeaseRetries:      config.DefaultLeaseRetries,
		DiscardAttempts:   config.DefaultDiscardAttempts,
	}, e.postbox, checkpoint.NewThreadWriter(e.checkpoints, e.writer.Encoding(), e.clock))
	if err != nil {
		return fail(errors.Wrap(err, "storage"))
	}
	cleanup = append(cleanup, e.storage.Close)

	if cfg.Repository.Dir != "" {
		e.repo, err = chunk.OpenRepository(cfg.Repository.Dir,
			cfg.Repository.MaxChunks, int64(cfg.Repository.MaxChunkSize))
		if err != nil {
			return fail(errors.Wrap(err, "repository"))
		}
		if cfg.Repository.Catalog {
			e.catalog, err = catalog.Open(cfg.Repository.Dir)
			if err != nil {
				return fail(errors.Wrap(err, "catalog"))
			}
			cleanup = append(cleanup, func() { e.catalog.Close() })
		}
	}

	e.registry = newRegistry(e.writer.Encoding())

	e.svc, err = service.New(service.Deps{
		Storage:     e.storage,
		Checkpoints: e.checkpoints,
		Epoch:       e.epoch,
		Safepoints:  e.safepoints,
		PostBox:     e.postbox,
		Writer:      e.writer,
		Repository:  e.repo,
		Catalog:     e.catalog,
		Stats:       e.stats,
		Serializer:  e.registry,
	}, service.Options{
		ToDisk:         cfg.ToDisk,
		FlushInterval:  cfg.Rotation.FlushInterval,
		RotateInterval: cfg.Rotation.RotateInterval,
		PauseTimeout:   cfg.Rotation.PauseTimeout,
		VMErrorRetries: config.DefaultVMErrorRetries,
	})
	if err != nil {
		return fail(errors.Wrap(err, "recorder"))
	}

	req := cfg.CalculateRequirements()
	e.logger.Debug("engine created",
		"repository", cfg.Repository.Dir,
		"global_pool_bytes", req.GlobalPoolBytes,
		"thread_pool_bytes", req.ThreadPoolBytes,
		"lease_threshold", req.EffectiveLeaseThreshold,
		"discard_threshold", req.EffectiveDiscardThreshold)
	return e, nil
}

// Open starts the recorder goroutine. Recording begins with Start.
func (e *Engine) Open(ctx context.Context) {
	if !e.opened.CompareAndSwap(false, true) {
		return
	}
	go func() {
		e.runErr <- e.svc.Run(ctx)
	}()
}

// Close finalizes the recording, stops the recorder and releases the
// pools. Threads must be closed first. If ctx ends before the recorder
// has stopped, the pools stay allocated and Close may be called again.
func (e *Engine) Close(ctx context.Context) error {
	if !e.closed.CompareAndSwap(false, true) {
		return nil
	}
	var errs []error
	if e.opened.Load() {
		if err := e.svc.Shutdown(ctx); err != nil {
			// the recorder goroutine may still be draining the pools
			e.closed.Store(false)
			e.logger.Warn("recorder did not stop, pools kept", "error", err)
			return err
		}
		if err := <-e.runErr; err != nil {
			errs = append(errs, err)
		}
	}
	e.storage.Close()
	e.checkpoints.Close()
	if e.catalog != nil {
		if err := e.catalog.Close(); err != nil {
			errs = append(errs, errors.Wrap(err, "close catalog"))
		}
	}
	return errors.Join(errs...)
}

// ============================================================================
// Control
// ============================================================================

// Start begins recording.
func (e *Engine) Start(ctx context.Context) error { return e.svc.Start(ctx) }

// Stop ends recording and finalizes the chunk.
func (e *Engine) Stop(ctx context.Context) error { return e.svc.Stop(ctx) }

// Rotate closes the current chunk and opens the next.
func (e *Engine) Rotate(ctx context.Context) error { return e.svc.Rotate(ctx) }

// Flushpoint makes all recorded data readable in the current chunk.
func (e *Engine) Flushpoint(ctx context.Context) error { return e.svc.Flushpoint(ctx) }

// CloneInMemory writes an in-memory recording to a new chunk.
func (e *Engine) CloneInMemory(ctx context.Context) error { return e.svc.CloneInMemory(ctx) }

// VMError writes a best-effort final chunk.
func (e *Engine) VMError(ctx context.Context) error { return e.svc.VMError(ctx) }

// Post delivers an arbitrary message kind.
func (e *Engine) Post(ctx context.Context, k postbox.Kind) error {
	switch k {
	case postbox.MsgStart:
		return e.Start(ctx)
	case postbox.MsgStop:
		return e.Stop(ctx)
	case postbox.MsgRotate:
		return e.Rotate(ctx)
	case postbox.MsgFlushpoint:
		return e.Flushpoint(ctx)
	case postbox.MsgCloneInMemory:
		return e.CloneInMemory(ctx)
	case postbox.MsgVMError:
		return e.VMError(ctx)
	}
	return e.postbox.PostFrom(k, false)
}

// ============================================================================
// Producers
// ============================================================================

// NewThread registers a producer. An invalid name is replaced by
// "thread-<id>".
func (e *Engine) NewThread(name string) *Thread {
	id := buffer.ThreadID(e.nextThread.Add(1))
	if err := validation.ValidateThreadName(name); err != nil {
		e.logger.Warn("invalid thread name replaced", "id", id, "error", err)
		name = fmt.Sprintf("thread-%d", id)
	}
	e.registry.addThread(id, name)
	return &Thread{
		e:    e,
		tl:   storage.NewThreadLocal(id, name),
		part: e.safepoints.Register(),
		enc:  e.writer.Encoding(),
	}
}

// RegisterEventType returns the type id of the named event, registering
// it on first use.
func (e *Engine) RegisterEventType(name string) (uint64, error) {
	if err := validation.ValidateEventType(name); err != nil {
		return 0, err
	}
	return e.registry.eventType(name), nil
}

// EventType is like RegisterEventType but panics if name is invalid. It
// is meant for event types named by constants.
func (e *Engine) EventType(name string) uint64 {
	id, err := e.RegisterEventType(name)
	if err != nil {
		panic(err)
	}
	return id
}

// ============================================================================
// Accessors
// ============================================================================

// Config returns the engine configuration.
func (e *Engine) Config() *rconfig.Config { return e.cfg }

// Storage returns the buffer storage.
func (e *Engine) Storage() *storage.Storage { return e.storage }

// Repository returns the chunk repository, or nil.
func (e *Engine) Repository() *chunk.Repository { return e.repo }

// Catalog returns the chunk catalog, or nil.
func (e *Engine) Catalog() *catalog.Catalog { return e.catalog }

// Service returns the recorder.
func (e *Engine) Service() *service.Service { return e.svc }

// Encoding returns the record encoding of the engine's chunks.
func (e *Engine) Encoding() chunk.Encoding { return e.writer.Encoding() }

// Stats holds engine statistics.
type Stats struct {
	Recorder     service.Stats
	Catalog      catalog.Stats
	Threads      int
	Requirements rconfig.Requirements
}

// Stats returns current statistics.
func (e *Engine) Stats() Stats {
	s := Stats{
		Recorder:     e.svc.Stats(),
		Threads:      e.registry.liveThreads(),
		Requirements: e.cfg.CalculateRequirements(),
	}
	if e.catalog != nil {
		s.Catalog = e.catalog.Stats()
	}
	return s
}
