// Package loadgen drives an engine with synthetic producers.
//
// Each producer is one engine thread committing events of a configurable
// size at an optional rate. A fraction of events can be made oversized to
// exercise leased and transient buffers.
package loadgen

import (
	"context"
	"fmt"
	"math/rand"
	"sync/atomic"
	"time"

	"github.com/xtxerr/flightrec/internal/errors"
	"github.com/xtxerr/flightrec/internal/logging"
	"github.com/xtxerr/flightrec/internal/recorder/engine"
	"github.com/xtxerr/flightrec/internal/validation"
	"golang.org/x/sync/errgroup"
)

var log = logging.Component("loadgen")

// Config describes a load.
type Config struct {
	// Producers is the number of concurrent threads.
	Producers int

	// Events per producer. Zero runs until the context ends.
	Events int

	// MinSize and MaxSize bound the encoded event size. Sizes are drawn
	// uniformly; equal bounds give fixed-size events.
	MinSize int
	MaxSize int

	// OversizeEvery makes every n-th event OversizeBytes large. Zero
	// disables.
	OversizeEvery int
	OversizeBytes int

	// Rate is events per second per producer. Zero is unthrottled.
	Rate float64

	// EventType names the event type.
	EventType string

	// Seed seeds size selection.
	Seed int64
}

// DefaultConfig returns a small fixed-size load.
func DefaultConfig() Config {
	return Config{
		Producers: 4,
		Events:    10000,
		MinSize:   64,
		MaxSize:   64,
		EventType: "loadgen.Sample",
		Seed:      1,
	}
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	v := errors.NewValidationErrors()
	if c.Producers <= 0 {
		v.AddField("producers", "must be positive")
	}
	if c.Events < 0 {
		v.AddField("events", "must not be negative")
	}
	if c.MinSize <= 0 || c.MaxSize < c.MinSize {
		v.AddField("size", fmt.Sprintf("invalid range [%d, %d]", c.MinSize, c.MaxSize))
	}
	if c.OversizeEvery < 0 || (c.OversizeEvery > 0 && c.OversizeBytes <= c.MaxSize) {
		v.AddField("oversize", "oversize_bytes must exceed max_size")
	}
	if c.Rate < 0 {
		v.AddField("rate", "must not be negative")
	}
	if c.EventType == "" {
		v.AddMissing("event_type")
	} else {
		v.Add(validation.ValidateEventType(c.EventType))
	}
	return v.Err()
}

// Result summarizes a run.
type Result struct {
	Events         int64
	SubmittedBytes int64
	DroppedBytes   int64
	Elapsed        time.Duration
}

// EventsPerSecond returns the achieved commit rate.
func (r Result) EventsPerSecond() float64 {
	if r.Elapsed <= 0 {
		return 0
	}
	return float64(r.Events) / r.Elapsed.Seconds()
}

// Run starts cfg.Producers threads on e and waits for them. It returns
// when every producer has committed its events or ctx ends.
func Run(ctx context.Context, e *engine.Engine, cfg Config) (Result, error) {
	if err := cfg.Validate(); err != nil {
		return Result{}, err
	}

	typ, err := e.RegisterEventType(cfg.EventType)
	if err != nil {
		return Result{}, err
	}
	header := e.Encoding().RecordHeaderLen(typ)

	var (
		events    atomic.Int64
		submitted atomic.Int64
		dropped   atomic.Int64
	)

	start := time.Now()
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < cfg.Producers; i++ {
		th := e.NewThread(fmt.Sprintf("loadgen-%d", i))
		rng := rand.New(rand.NewSource(cfg.Seed + int64(i)))
		g.Go(func() error {
			defer th.Close()
			err := produce(gctx, th, typ, header, cfg, rng)
			st := th.Stats()
			events.Add(st.Events)
			submitted.Add(st.SubmittedBytes)
			dropped.Add(st.DroppedBytes)
			return err
		})
	}

	err = g.Wait()
	res := Result{
		Events:         events.Load(),
		SubmittedBytes: submitted.Load(),
		DroppedBytes:   dropped.Load(),
		Elapsed:        time.Since(start),
	}
	log.Info("load finished",
		"producers", cfg.Producers,
		"events", res.Events,
		"submitted_bytes", res.SubmittedBytes,
		"dropped_bytes", res.DroppedBytes,
		"events_per_sec", int64(res.EventsPerSecond()))

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		err = nil
	}
	return res, err
}

func produce(ctx context.Context, th *engine.Thread, typ uint64, header int, cfg Config, rng *rand.Rand) error {
	payload := make([]byte, max(cfg.MaxSize, cfg.OversizeBytes))
	for i := range payload {
		payload[i] = byte(i)
	}

	var ticker *time.Ticker
	if cfg.Rate > 0 {
		ticker = time.NewTicker(time.Duration(float64(time.Second) / cfg.Rate))
		defer ticker.Stop()
	}

	for n := 0; cfg.Events == 0 || n < cfg.Events; n++ {
		if ticker != nil {
			// Blocked producers must not hold up a pause.
			th.Leave()
			select {
			case <-ticker.C:
			case <-ctx.Done():
				th.Enter()
				return ctx.Err()
			}
			th.Enter()
		} else if n&1023 == 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
		}

		size := cfg.MinSize
		if cfg.MaxSize > cfg.MinSize {
			size += rng.Intn(cfg.MaxSize - cfg.MinSize + 1)
		}
		if cfg.OversizeEvery > 0 && (n+1)%cfg.OversizeEvery == 0 {
			size = cfg.OversizeBytes
		}
		th.Commit(typ, payload[:max(size-header, 0)])
	}
	return nil
}
