// Package stats keeps recorder statistics: distributions with DDSketch
// percentiles and plain counters.
package stats

import (
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/DataDog/sketches-go/ddsketch"
)

// DefaultAccuracy is the relative accuracy of distribution percentiles.
const DefaultAccuracy = 0.01

// Distribution maintains running statistics of observed values.
type Distribution struct {
	mu sync.Mutex

	name     string
	accuracy float64

	count int64
	sum   float64
	min   float64
	max   float64

	// nil if the sketch could not be created
	sketch *ddsketch.DDSketch
}

// NewDistribution creates a distribution with the default accuracy.
func NewDistribution(name string) *Distribution {
	return NewDistributionWithAccuracy(name, DefaultAccuracy)
}

// NewDistributionWithAccuracy creates a distribution with a custom
// percentile accuracy.
func NewDistributionWithAccuracy(name string, accuracy float64) *Distribution {
	d := &Distribution{name: name, accuracy: accuracy}
	d.resetUnlocked()
	return d
}

func (d *Distribution) resetUnlocked() {
	d.count = 0
	d.sum = 0
	d.min = math.MaxFloat64
	d.max = -math.MaxFloat64
	sketch, err := ddsketch.NewDefaultDDSketch(d.accuracy)
	if err != nil {
		sketch = nil
	}
	d.sketch = sketch
}

// Name returns the distribution name.
func (d *Distribution) Name() string { return d.name }

// Add observes a value. DDSketch only accepts non-negative values here;
// negative observations are counted but not sketched.
func (d *Distribution) Add(v float64) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.count++
	d.sum += v
	if v < d.min {
		d.min = v
	}
	if v > d.max {
		d.max = v
	}
	if d.sketch != nil && v >= 0 {
		d.sketch.Add(v)
	}
}

// AddDuration observes a duration in milliseconds.
func (d *Distribution) AddDuration(dur time.Duration) {
	d.Add(float64(dur) / float64(time.Millisecond))
}

// Summary is a snapshot of a distribution.
type Summary struct {
	Name  string
	Count int64
	Sum   float64
	Min   float64
	Max   float64
	Avg   float64
	P50   float64
	P90   float64
	P95   float64
	P99   float64
}

// Snapshot returns the current summary.
func (d *Distribution) Snapshot() Summary {
	d.mu.Lock()
	defer d.mu.Unlock()

	s := Summary{Name: d.name, Count: d.count, Sum: d.sum}
	if d.count == 0 {
		return s
	}
	s.Avg = d.sum / float64(d.count)
	s.Min = d.min
	s.Max = d.max

	if d.sketch != nil && !d.sketch.IsEmpty() {
		s.P50, _ = d.sketch.GetValueAtQuantile(0.50)
		s.P90, _ = d.sketch.GetValueAtQuantile(0.90)
		s.P95, _ = d.sketch.GetValueAtQuantile(0.95)
		s.P99, _ = d.sketch.GetValueAtQuantile(0.99)
	}
	return s
}

// Reset clears all observations.
func (d *Distribution) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.resetUnlocked()
}

// Merge folds other into d.
func (d *Distribution) Merge(other *Distribution) {
	if other == nil || other == d {
		return
	}

	other.mu.Lock()
	count, sum, lo, hi := other.count, other.sum, other.min, other.max
	var sketch *ddsketch.DDSketch
	if other.sketch != nil {
		sketch = other.sketch.Copy()
	}
	other.mu.Unlock()

	if count == 0 {
		return
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.count += count
	d.sum += sum
	if lo < d.min {
		d.min = lo
	}
	if hi > d.max {
		d.max = hi
	}
	if d.sketch != nil && sketch != nil {
		d.sketch.MergeWith(sketch)
	}
}

// ============================================================================
// Recorder statistics
// ============================================================================

// Recorder aggregates the statistics of one recording engine.
type Recorder struct {
	// Rotation is the wall time of a chunk rotation in milliseconds.
	Rotation *Distribution
	// Pause is the time producers were held at a safepoint in milliseconds.
	Pause *Distribution
	// Flushpoint is the wall time of a flushpoint in milliseconds.
	Flushpoint *Distribution
	// DrainBytes is the byte volume of one storage drain.
	DrainBytes *Distribution
	// ChunkBytes is the size of closed chunks.
	ChunkBytes *Distribution

	rotations        atomic.Int64
	failedRotations  atomic.Int64
	flushpoints      atomic.Int64
	failedOpens      atomic.Int64
	skippedRecursion atomic.Int64
	fullDrains       atomic.Int64
}

// NewRecorder creates recorder statistics.
func NewRecorder() *Recorder {
	return &Recorder{
		Rotation:   NewDistribution("rotation_ms"),
		Pause:      NewDistribution("pause_ms"),
		Flushpoint: NewDistribution("flushpoint_ms"),
		DrainBytes: NewDistribution("drain_bytes"),
		ChunkBytes: NewDistribution("chunk_bytes"),
	}
}

// RotationDone records a rotation. err marks it failed.
func (r *Recorder) RotationDone(dur time.Duration, err error) {
	r.rotations.Add(1)
	if err != nil {
		r.failedRotations.Add(1)
	}
	r.Rotation.AddDuration(dur)
}

// FlushpointDone records a flushpoint.
func (r *Recorder) FlushpointDone(dur time.Duration) {
	r.flushpoints.Add(1)
	r.Flushpoint.AddDuration(dur)
}

// OpenFailed counts a chunk that could not be opened.
func (r *Recorder) OpenFailed() { r.failedOpens.Add(1) }

// RecursionSkipped counts a rotation attempted by the lock holder.
func (r *Recorder) RecursionSkipped() { r.skippedRecursion.Add(1) }

// FullDrained counts a full-buffer drain.
func (r *Recorder) FullDrained() { r.fullDrains.Add(1) }

// Snapshot is a point-in-time copy of recorder statistics.
type Snapshot struct {
	Rotations        int64
	FailedRotations  int64
	Flushpoints      int64
	FailedOpens      int64
	SkippedRecursion int64
	FullDrains       int64
	Distributions    []Summary
}

// Snapshot returns the current statistics.
func (r *Recorder) Snapshot() Snapshot {
	return Snapshot{
		Rotations:        r.rotations.Load(),
		FailedRotations:  r.failedRotations.Load(),
		Flushpoints:      r.flushpoints.Load(),
		FailedOpens:      r.failedOpens.Load(),
		SkippedRecursion: r.skippedRecursion.Load(),
		FullDrains:       r.fullDrains.Load(),
		Distributions: []Summary{
			r.Rotation.Snapshot(),
			r.Pause.Snapshot(),
			r.Flushpoint.Snapshot(),
			r.DrainBytes.Snapshot(),
			r.ChunkBytes.Snapshot(),
		},
	}
}
