// Package service runs the recorder: the single goroutine that consumes
// postbox messages and moves buffered data into chunk files.
//
// A rotation finalizes the open chunk in three phases. The pre-pause phase
// drains storage and current-epoch checkpoints while producers keep
// running. The paused phase flips the epoch under a safepoint and drains
// what must be captured exactly at the flip. The post-pause phase writes
// the now-immutable previous epoch, the data loss records, a trailing
// checkpoint and the metadata record, then closes the file.
package service

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/xtxerr/flightrec/config"
	"github.com/xtxerr/flightrec/internal/errors"
	"github.com/xtxerr/flightrec/internal/logging"
	"github.com/xtxerr/flightrec/internal/recorder/catalog"
	"github.com/xtxerr/flightrec/internal/recorder/checkpoint"
	"github.com/xtxerr/flightrec/internal/recorder/chunk"
	"github.com/xtxerr/flightrec/internal/recorder/epoch"
	"github.com/xtxerr/flightrec/internal/recorder/postbox"
	"github.com/xtxerr/flightrec/internal/recorder/safepoint"
	"github.com/xtxerr/flightrec/internal/recorder/stats"
	"github.com/xtxerr/flightrec/internal/recorder/storage"
)

// vmErrorWait is the pause between emergency lock attempts.
const vmErrorWait = 10 * time.Millisecond

// State is the recording state.
type State int32

const (
	StateStopped State = iota
	StateRunning
	StateTerminated
)

// String returns the name of the state.
func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateRunning:
		return "running"
	case StateTerminated:
		return "terminated"
	}
	return "unknown"
}

// Phase is a stage of chunk finalization.
type Phase int

const (
	PhasePrePause Phase = iota
	PhasePaused
	PhasePostPause
)

// String returns the name of the phase.
func (p Phase) String() string {
	switch p {
	case PhasePrePause:
		return "pre-pause"
	case PhasePaused:
		return "paused"
	case PhasePostPause:
		return "post-pause"
	}
	return "unknown"
}

// Serializer contributes constant pools and the event type table to every
// chunk. It is called on the recorder goroutine with the holder context
// of the rotation lock.
type Serializer interface {
	// Pools returns the constant pools to checkpoint in phase.
	Pools(ctx context.Context, phase Phase) ([]chunk.Pool, error)

	// EventTypes describes the user event types for the metadata record.
	EventTypes() []chunk.EventType
}

// Options configures the recorder.
type Options struct {
	// ToDisk persists chunks. When false the recording stays in memory
	// until cloned or rotated; a rotation moves it to disk.
	ToDisk bool

	// FlushInterval is the flushpoint period. Zero disables.
	FlushInterval time.Duration

	// RotateInterval is the rotation period. Zero disables.
	RotateInterval time.Duration

	// PauseTimeout bounds waiting for producers to reach a safepoint.
	PauseTimeout time.Duration

	// VMErrorRetries is how often the emergency path retries the lock.
	VMErrorRetries int
}

// DefaultOptions returns default recorder options.
func DefaultOptions() Options {
	return Options{
		ToDisk:         true,
		FlushInterval:  config.DefaultFlushInterval,
		RotateInterval: config.DefaultRotateInterval,
		PauseTimeout:   config.DefaultPauseTimeout,
		VMErrorRetries: config.DefaultVMErrorRetries,
	}
}

// Deps are the components the recorder drives. Repository, Catalog, Stats
// and Serializer are optional.
type Deps struct {
	Storage     *storage.Storage
	Checkpoints *checkpoint.Manager
	Epoch       *epoch.Clock
	Safepoints  *safepoint.Coordinator
	PostBox     *postbox.PostBox
	Writer      *chunk.Writer
	Repository  *chunk.Repository
	Catalog     *catalog.Catalog
	Stats       *stats.Recorder
	Serializer  Serializer
}

// Service is the recorder.
type Service struct {
	storage     *storage.Storage
	checkpoints *checkpoint.Manager
	epoch       *epoch.Clock
	safepoints  *safepoint.Coordinator
	postbox     *postbox.PostBox
	writer      *chunk.Writer
	repo        *chunk.Repository
	catalog     *catalog.Catalog
	stats       *stats.Recorder
	serializer  Serializer

	opts   Options
	lock   *RotationLock
	logger *slog.Logger

	state   atomic.Int32
	started atomic.Bool
	done    chan struct{}
}

// New creates a recorder. It does nothing until Run is called.
func New(deps Deps, opts Options) (*Service, error) {
	if deps.Storage == nil || deps.Checkpoints == nil || deps.Epoch == nil ||
		deps.Safepoints == nil || deps.PostBox == nil || deps.Writer == nil {
		return nil, errors.Wrap(errors.ErrMissingField, "recorder dependencies")
	}
	if opts.ToDisk && deps.Repository == nil {
		return nil, errors.Wrap(errors.ErrRepositoryPath, "to_disk requires a repository")
	}
	if opts.PauseTimeout <= 0 {
		opts.PauseTimeout = config.DefaultPauseTimeout
	}
	if deps.Stats == nil {
		deps.Stats = stats.NewRecorder()
	}

	return &Service{
		storage:     deps.Storage,
		checkpoints: deps.Checkpoints,
		epoch:       deps.Epoch,
		safepoints:  deps.Safepoints,
		postbox:     deps.PostBox,
		writer:      deps.Writer,
		repo:        deps.Repository,
		catalog:     deps.Catalog,
		stats:       deps.Stats,
		serializer:  deps.Serializer,
		opts:        opts,
		lock:        NewRotationLock(),
		logger:      logging.Component("recorder"),
		done:        make(chan struct{}),
	}, nil
}

// State returns the recording state.
func (s *Service) State() State { return State(s.state.Load()) }

func (s *Service) setState(st State) { s.state.Store(int32(st)) }

// Done is closed when Run has returned.
func (s *Service) Done() <-chan struct{} { return s.done }

// Lock returns the rotation lock.
func (s *Service) Lock() *RotationLock { return s.lock }

// Writer returns the chunk writer.
func (s *Service) Writer() *chunk.Writer { return s.writer }

// ============================================================================
// Control API
// ============================================================================

func (s *Service) post(ctx context.Context, k postbox.Kind) error {
	if s.lock.Recursive(ctx) {
		s.stats.RecursionSkipped()
		s.logger.Info("recursive rotation ignored", "message", k)
		return nil
	}
	return s.postbox.Post(k)
}

// Messages posted before Run are handled once it starts; after Run has
// returned synchronous posts fail with ErrClosed.

// Start begins recording.
func (s *Service) Start(ctx context.Context) error { return s.post(ctx, postbox.MsgStart) }

// Stop finalizes the open chunk and stops recording.
func (s *Service) Stop(ctx context.Context) error { return s.post(ctx, postbox.MsgStop) }

// Rotate closes the open chunk and opens the next one.
func (s *Service) Rotate(ctx context.Context) error { return s.post(ctx, postbox.MsgRotate) }

// Flushpoint makes everything recorded so far readable in the open chunk.
func (s *Service) Flushpoint(ctx context.Context) error { return s.post(ctx, postbox.MsgFlushpoint) }

// CloneInMemory dumps an in-memory recording into a new chunk file.
func (s *Service) CloneInMemory(ctx context.Context) error {
	return s.post(ctx, postbox.MsgCloneInMemory)
}

// VMError requests a best-effort final dump.
func (s *Service) VMError(ctx context.Context) error { return s.post(ctx, postbox.MsgVMError) }

// Shutdown finalizes the recording and waits for Run to return.
func (s *Service) Shutdown(ctx context.Context) error {
	if !s.started.Load() {
		return nil
	}
	select {
	case <-s.done:
		return nil
	default:
	}
	// The loop may close the postbox concurrently; done follows.
	if err := s.postbox.PostFrom(postbox.MsgShutdown, false); err != nil && !errors.Is(err, errors.ErrClosed) {
		return err
	}
	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return errors.Wrap(ctx.Err(), "shutdown")
	}
}

// ============================================================================
// Recorder loop
// ============================================================================

// Run consumes messages until a shutdown message arrives or ctx ends. A
// cancelled ctx finalizes the recording like a shutdown.
func (s *Service) Run(ctx context.Context) error {
	if !s.started.CompareAndSwap(false, true) {
		return errors.Wrap(errors.ErrInvalidState, "recorder already ran")
	}
	defer close(s.done)

	g, gctx := errgroup.WithContext(ctx)
	tickCtx, stopTicks := context.WithCancel(gctx)

	g.Go(func() error {
		s.tick(tickCtx)
		return nil
	})
	g.Go(func() error {
		defer stopTicks()
		return s.loop(gctx)
	})

	s.logger.Info("recorder started",
		"to_disk", s.opts.ToDisk,
		"flush_interval", s.opts.FlushInterval,
		"rotate_interval", s.opts.RotateInterval)

	err := g.Wait()
	s.logger.Info("recorder stopped")
	return err
}

func (s *Service) loop(ctx context.Context) error {
	defer s.postbox.Close()

	for {
		if !s.postbox.Wait(ctx) {
			err := s.dispatch(context.WithoutCancel(ctx), postbox.MsgShutdown.Bit())
			if err != nil {
				s.logger.Warn("final rotation failed", "error", err)
			}
			return nil
		}

		msgs := s.postbox.Collect()
		err := s.dispatch(ctx, msgs)
		s.postbox.NotifyWaiters(err)
		if err != nil {
			s.logger.Debug("messages handled with error", "messages", msgs, "error", err)
		}
		if msgs.Has(postbox.MsgShutdown) {
			return nil
		}
	}
}

// tick posts periodic flushpoints and rotations without blocking.
func (s *Service) tick(ctx context.Context) {
	var flushC, rotateC <-chan time.Time
	if s.opts.FlushInterval > 0 {
		t := time.NewTicker(s.opts.FlushInterval)
		defer t.Stop()
		flushC = t.C
	}
	if s.opts.RotateInterval > 0 {
		t := time.NewTicker(s.opts.RotateInterval)
		defer t.Stop()
		rotateC = t.C
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-flushC:
			s.postbox.PostFrom(postbox.MsgFlushpoint, false)
		case <-rotateC:
			s.postbox.PostFrom(postbox.MsgRotate, false)
		}
	}
}

// dispatch handles one batch of messages in priority order.
func (s *Service) dispatch(ctx context.Context, msgs postbox.Set) error {
	if msgs.Has(postbox.MsgVMError) {
		s.emergency(ctx)
		// the rest of the batch is not run; its posters must not see success
		if (msgs &^ postbox.MsgVMError.Bit()).HasSynchronous() {
			return errors.Wrap(errors.ErrNotRecording, "recording ended by emergency dump")
		}
		return nil
	}

	ctx, ok := s.lock.Acquire(ctx)
	if !ok {
		s.stats.RecursionSkipped()
		return nil
	}
	defer s.lock.Release()

	var errs []error
	if msgs.Has(postbox.MsgStart) {
		errs = append(errs, s.start(ctx))
	}
	if msgs.Has(postbox.MsgStop) {
		errs = append(errs, s.stop(ctx))
	} else if msgs.Has(postbox.MsgRotate) {
		errs = append(errs, s.rotate(ctx))
	}
	if msgs.Has(postbox.MsgCloneInMemory) {
		errs = append(errs, s.cloneInMemory(ctx))
	}
	if msgs.Has(postbox.MsgFlushpoint) {
		errs = append(errs, s.flushpoint(ctx))
	}
	if msgs.Has(postbox.MsgFullBuffer) {
		errs = append(errs, s.drainFull(ctx))
	}
	if msgs.Has(postbox.MsgShutdown) {
		errs = append(errs, s.shutdown(ctx))
	}
	return errors.Join(errs...)
}

// ============================================================================
// Message handlers. All run with the rotation lock held.
// ============================================================================

func (s *Service) start(ctx context.Context) error {
	if s.State() == StateRunning {
		return errors.ErrAlreadyRecording
	}
	if s.State() == StateTerminated {
		return errors.ErrRecorderNotRunning
	}

	cleared := s.storage.Clear()
	s.checkpoints.Clear(true)
	s.checkpoints.Clear(false)
	s.storage.Control().SetToDisk(false)
	s.setState(StateRunning)
	s.logger.Info("recording started", "to_disk", s.opts.ToDisk, "cleared_bytes", cleared)

	if !s.opts.ToDisk {
		return nil
	}
	return s.openChunk()
}

func (s *Service) stop(ctx context.Context) error {
	if s.State() != StateRunning {
		return errors.ErrNotRecording
	}

	var err error
	if s.writer.IsOpen() {
		started := time.Now()
		err = s.finalize(ctx, true)
		s.stats.RotationDone(time.Since(started), err)
	}
	s.storage.Control().SetToDisk(false)
	s.setState(StateStopped)
	s.logger.Info("recording stopped", "loss", s.storage.DataLoss().Total().Total())
	return err
}

func (s *Service) rotate(ctx context.Context) error {
	if s.State() != StateRunning {
		return errors.ErrNotRecording
	}

	started := time.Now()
	var err error
	switch {
	case s.writer.IsOpen():
		ferr := s.finalize(ctx, false)
		oerr := s.openChunk()
		err = errors.Join(ferr, oerr)
	case s.repo != nil:
		// recording in memory, or the last open failed; move what memory
		// holds into a fresh chunk and keep recording to it
		if err = s.openChunk(); err == nil {
			var n int64
			n, err = s.storage.Write(s.writer)
			s.stats.DrainBytes.Add(float64(n))
		}
	default:
		return nil
	}
	s.stats.RotationDone(time.Since(started), err)
	return err
}

func (s *Service) cloneInMemory(ctx context.Context) error {
	if s.State() != StateRunning {
		return errors.ErrNotRecording
	}
	if s.writer.IsOpen() {
		// already on disk
		return s.flushpoint(ctx)
	}
	if s.repo == nil {
		return errors.ErrRepositoryPath
	}

	path := s.repo.NextPath()
	if err := s.writer.Open(path); err != nil {
		return errors.Wrap(err, "open clone chunk")
	}
	started := time.Now()
	err := s.finalize(ctx, false)
	s.stats.RotationDone(time.Since(started), err)
	return err
}

func (s *Service) flushpoint(ctx context.Context) error {
	if s.State() != StateRunning || !s.writer.IsOpen() {
		return nil
	}

	started := time.Now()
	var errs []error
	if err := s.writePools(ctx, PhasePrePause); err != nil {
		errs = append(errs, err)
	}
	n, err := s.storage.Write(s.writer)
	s.stats.DrainBytes.Add(float64(n))
	if err != nil {
		errs = append(errs, errors.Wrap(err, "write storage"))
	}
	if _, err := s.checkpoints.WriteCurrent(s.writer); err != nil {
		errs = append(errs, errors.Wrap(err, "write checkpoints"))
	}
	if err := s.writeDataLoss(); err != nil {
		errs = append(errs, err)
	}
	if err := s.writer.Flushpoint(); err != nil {
		errs = append(errs, err)
	}
	s.stats.FlushpointDone(time.Since(started))

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return s.rotateIfFull(ctx)
}

func (s *Service) drainFull(ctx context.Context) error {
	if s.State() != StateRunning || !s.writer.IsOpen() {
		return nil
	}
	n, err := s.storage.WriteFull(s.writer)
	s.stats.FullDrained()
	s.stats.DrainBytes.Add(float64(n))
	if err != nil {
		return errors.Wrap(err, "write full buffers")
	}
	return s.rotateIfFull(ctx)
}

func (s *Service) rotateIfFull(ctx context.Context) error {
	if s.repo == nil || !s.repo.ShouldRotate(s.writer.Size()) {
		return nil
	}
	s.logger.Debug("chunk size limit reached", "size", s.writer.Size())
	return s.rotate(ctx)
}

func (s *Service) shutdown(ctx context.Context) error {
	var err error
	if s.State() == StateRunning {
		err = s.stop(ctx)
	}
	s.setState(StateTerminated)
	return err
}

// emergency writes whatever it can into a final chunk. Errors are logged
// and swallowed.
func (s *Service) emergency(ctx context.Context) {
	ctx, ok := s.lock.TryAcquire(ctx, s.opts.VMErrorRetries, vmErrorWait)
	if !ok {
		s.logger.Warn("emergency dump skipped, rotation lock busy")
		return
	}
	defer s.lock.Release()

	if s.State() != StateRunning {
		return
	}
	if !s.writer.IsOpen() {
		if s.repo == nil {
			return
		}
		if err := s.writer.Open(s.repo.NextPath()); err != nil {
			s.logger.Error("emergency dump failed", "error", err)
			return
		}
	}

	if _, err := s.storage.Write(s.writer); err != nil {
		s.logger.Warn("emergency write", "error", err)
	}
	if _, err := s.checkpoints.WritePrevious(s.writer); err != nil {
		s.logger.Warn("emergency checkpoints", "error", err)
	}
	if _, err := s.checkpoints.WriteCurrent(s.writer); err != nil {
		s.logger.Warn("emergency checkpoints", "error", err)
	}
	if err := s.writeDataLoss(); err != nil {
		s.logger.Warn("emergency data loss", "error", err)
	}
	if err := s.writeTrailer(ctx); err != nil {
		s.logger.Warn("emergency trailer", "error", err)
	}
	info, err := s.writer.Close(true)
	if err != nil {
		s.logger.Warn("emergency close", "error", err)
	}
	s.storage.Control().SetToDisk(false)
	s.setState(StateStopped)
	s.logger.Info("emergency dump written", "path", info.Path, "size", info.Size)
	s.afterClose(info)
}

// ============================================================================
// Chunk lifecycle
// ============================================================================

// openChunk opens the next repository chunk. On failure the recording
// continues in memory and the next rotation retries.
func (s *Service) openChunk() error {
	path := s.repo.NextPath()
	if err := s.writer.Open(path); err != nil {
		s.stats.OpenFailed()
		s.storage.Control().SetToDisk(false)
		s.logger.Warn("open chunk failed, recording in memory until next rotation",
			"path", path, "error", err)
		return err
	}
	s.storage.Control().SetToDisk(true)
	s.logger.Debug("chunk opened", "path", path)
	return nil
}

// finalize runs the three rotation phases and closes the open chunk.
func (s *Service) finalize(ctx context.Context, final bool) error {
	var errs []error

	// pre-pause
	if err := s.writePools(ctx, PhasePrePause); err != nil {
		errs = append(errs, err)
	}
	n, err := s.storage.Write(s.writer)
	s.stats.DrainBytes.Add(float64(n))
	if err != nil {
		errs = append(errs, errors.Wrap(err, "write storage"))
	}
	if _, err := s.checkpoints.WriteCurrent(s.writer); err != nil {
		errs = append(errs, errors.Wrap(err, "write checkpoints"))
	}

	// paused
	if err := s.atSafepoint(ctx); err != nil {
		errs = append(errs, err)
	}

	// post-pause
	if _, err := s.checkpoints.WritePrevious(s.writer); err != nil {
		errs = append(errs, errors.Wrap(err, "write previous checkpoints"))
	}
	if err := s.writeDataLoss(); err != nil {
		errs = append(errs, err)
	}
	if err := s.writeTrailer(ctx); err != nil {
		errs = append(errs, err)
	}

	info, err := s.writer.Close(final)
	if err != nil {
		errs = append(errs, errors.Wrap(err, "close chunk"))
	}
	s.logger.Info("chunk closed",
		"path", info.Path,
		"size", info.Size,
		"duration", time.Duration(info.DurationNanos),
		"final", final)
	s.afterClose(info)

	return errors.Join(errs...)
}

// atSafepoint flips the epoch with producers paused. If producers do not
// quiesce in time the epoch stays and storage is drained concurrently.
func (s *Service) atSafepoint(ctx context.Context) error {
	pctx, cancel := context.WithTimeout(ctx, s.opts.PauseTimeout)
	defer cancel()

	token, err := s.safepoints.RequestPause(pctx)
	if err != nil {
		s.logger.Warn("producers did not reach safepoint, epoch kept", "error", err)
		n, werr := s.storage.Write(s.writer)
		s.stats.DrainBytes.Add(float64(n))
		return errors.Join(errors.Wrap(err, "pause producers"), werr)
	}

	paused := time.Now()
	s.epoch.BeginShift()

	var errs []error
	if err := s.writePools(ctx, PhasePaused); err != nil {
		errs = append(errs, err)
	}
	n, err := s.storage.WriteAtSafepoint(s.writer)
	s.stats.DrainBytes.Add(float64(n))
	if err != nil {
		errs = append(errs, errors.Wrap(err, "write storage at safepoint"))
	}
	s.writer.Chunk().UpdateTime()

	s.epoch.EndShift()
	s.safepoints.Resume(token)
	s.stats.Pause.AddDuration(time.Since(paused))
	return errors.Join(errs...)
}

// writePools checkpoints the serializer's pools for phase. The post-pause
// checkpoint is always written so every chunk ends with one.
func (s *Service) writePools(ctx context.Context, phase Phase) error {
	var pools []chunk.Pool
	if s.serializer != nil {
		var err error
		pools, err = s.serializer.Pools(ctx, phase)
		if err != nil {
			return errors.Wrapf(err, "serialize %s pools", phase)
		}
	}
	if len(pools) == 0 && phase != PhasePostPause {
		return nil
	}

	kind := chunk.CheckpointGeneric
	if phase == PhasePostPause {
		kind = chunk.CheckpointFlush
	}
	if _, err := s.writer.WriteCheckpoint(kind, s.writer.Chunk().StartTicks(), pools); err != nil {
		return errors.Wrapf(err, "write %s checkpoint", phase)
	}
	return nil
}

// writeTrailer writes the trailing checkpoint and the metadata record.
func (s *Service) writeTrailer(ctx context.Context) error {
	if err := s.writePools(ctx, PhasePostPause); err != nil {
		return err
	}
	var types []chunk.EventType
	if s.serializer != nil {
		types = s.serializer.EventTypes()
	}
	if _, err := s.writer.WriteMetadata(types); err != nil {
		return errors.Wrap(err, "write metadata")
	}
	return nil
}

// writeDataLoss reports pending loss. Unwritten entries are restored.
func (s *Service) writeDataLoss() error {
	loss := s.storage.DataLoss()
	pending := loss.TakePending()
	for i, l := range pending {
		if err := s.writer.WriteDataLoss(uint64(l.Thread), l.Dropped, l.Discarded); err != nil {
			loss.Restore(pending[i:])
			return errors.Wrap(err, "write data loss")
		}
	}
	return nil
}

// afterClose applies retention and catalogs the closed chunk.
func (s *Service) afterClose(info chunk.Info) {
	if info.Path == "" {
		return
	}
	s.stats.ChunkBytes.Add(float64(info.Size))

	if s.repo != nil {
		removed, err := s.repo.Purge(info.Path)
		if err != nil {
			s.logger.Warn("purge chunks", "error", err)
		}
		if len(removed) > 0 {
			s.logger.Debug("chunks purged", "count", len(removed))
			if s.catalog != nil {
				if err := s.catalog.Forget(removed); err != nil {
					s.logger.Warn("forget purged chunks", "error", err)
				}
			}
		}
	}

	if s.catalog == nil {
		return
	}
	sum, err := chunk.Validate(info.Path)
	if err != nil {
		s.logger.Warn("closed chunk does not validate", "path", info.Path, "error", err)
		return
	}
	seq, _ := chunk.SequenceOf(info.Path)
	row := catalog.Row{
		Sequence:      seq,
		Path:          info.Path,
		StartNanos:    info.StartNanos,
		DurationNanos: info.DurationNanos,
		SizeBytes:     info.Size,
		Records:       int64(sum.Records),
		UserBytes:     sum.UserBytes,
		Checkpoints:   int64(sum.Checkpoints),
		LostDropped:   sum.LostDropped,
		LostDiscarded: sum.LostDiscarded,
		Final:         info.Final,
		ClosedAtNanos: time.Now().UnixNano(),
	}
	if err := s.catalog.Append(row); err != nil {
		s.logger.Warn("catalog chunk", "path", info.Path, "error", err)
	}
}

// ============================================================================
// Statistics
// ============================================================================

// Stats holds recorder statistics.
type Stats struct {
	State       string
	Recursions  int64
	Storage     storage.Stats
	Checkpoints checkpoint.Stats
	PostBox     postbox.Stats
	Safepoints  safepoint.Stats
	Writer      chunk.WriterStats
	Recorder    stats.Snapshot
	EpochShifts uint64
}

// Stats returns current statistics.
func (s *Service) Stats() Stats {
	return Stats{
		State:       s.State().String(),
		Recursions:  s.lock.Recursions(),
		Storage:     s.storage.Stats(),
		Checkpoints: s.checkpoints.Stats(),
		PostBox:     s.postbox.Stats(),
		Safepoints:  s.safepoints.Stats(),
		Writer:      s.writer.Stats(),
		Recorder:    s.stats.Snapshot(),
		EpochShifts: s.epoch.Shifts(),
	}
}
