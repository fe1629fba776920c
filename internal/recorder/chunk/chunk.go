// Package chunk implements the on-disk chunk: its header bookkeeping, the
// writer the recorder appends records with, a validating reader, and the
// repository directory chunks are rotated through.
package chunk

// Chunk is the bookkeeping of one rotation's output file.
// It is owned by the recorder goroutine.
type Chunk struct {
	path  string
	clock *Clock

	startNanos         int64
	previousStartNanos int64
	startTicks         int64
	previousStartTicks int64
	lastUpdateNanos    int64

	lastCheckpointOffset int64
	lastMetadataOffset   int64

	generation uint8
	final      bool
}

// NewChunk creates chunk bookkeeping stamped from clock.
func NewChunk(clock *Clock) *Chunk {
	c := &Chunk{clock: clock, generation: 1}
	c.SetTimeStamp()
	c.previousStartNanos = c.startNanos
	c.previousStartTicks = c.startTicks
	return c
}

// Generation returns the next generation byte. Values run 1..254 and wrap
// back to 1, never producing the guard value.
func (c *Chunk) Generation() uint8 {
	g := c.generation
	c.generation++
	if c.generation == GenerationGuard {
		c.generation = 1
	}
	return g
}

// Reset prepares the bookkeeping for a new file at path.
func (c *Chunk) Reset(path string) {
	c.path = path
	c.lastCheckpointOffset = 0
	c.lastMetadataOffset = 0
	c.generation = 1
	c.final = false
}

// SetTimeStamp moves the start stamp to now, keeping the old one as the
// previous start.
func (c *Chunk) SetTimeStamp() {
	c.previousStartNanos = c.startNanos
	c.previousStartTicks = c.startTicks
	c.startNanos = c.clock.Nanos()
	c.startTicks = c.clock.Ticks()
	c.lastUpdateNanos = c.startNanos
}

// UpdateTime records now as the latest time covered by the chunk.
func (c *Chunk) UpdateTime() {
	c.lastUpdateNanos = c.clock.Nanos()
}

// Path returns the file path.
func (c *Chunk) Path() string { return c.path }

// StartNanos returns the wall-clock start.
func (c *Chunk) StartNanos() int64 { return c.startNanos }

// StartTicks returns the tick start.
func (c *Chunk) StartTicks() int64 { return c.startTicks }

// PreviousStartNanos returns the start of the prior chunk.
func (c *Chunk) PreviousStartNanos() int64 { return c.previousStartNanos }

// PreviousStartTicks returns the tick start of the prior chunk.
func (c *Chunk) PreviousStartTicks() int64 { return c.previousStartTicks }

// PreviousDuration returns the duration of the prior chunk in nanos.
func (c *Chunk) PreviousDuration() int64 { return c.startNanos - c.previousStartNanos }

// Duration returns nanos between the start and the latest update.
func (c *Chunk) Duration() int64 { return c.lastUpdateNanos - c.startNanos }

// LastCheckpointOffset returns the offset of the last writer checkpoint.
func (c *Chunk) LastCheckpointOffset() int64 { return c.lastCheckpointOffset }

// SetLastCheckpointOffset records a checkpoint offset.
func (c *Chunk) SetLastCheckpointOffset(off int64) { c.lastCheckpointOffset = off }

// LastMetadataOffset returns the offset of the last metadata record.
func (c *Chunk) LastMetadataOffset() int64 { return c.lastMetadataOffset }

// SetLastMetadataOffset records a metadata offset.
func (c *Chunk) SetLastMetadataOffset(off int64) { c.lastMetadataOffset = off }

// MarkFinal marks the chunk as the last of the recording.
func (c *Chunk) MarkFinal() { c.final = true }

// IsFinal reports whether the chunk is final.
func (c *Chunk) IsFinal() bool { return c.final }
