// Package safepoint coordinates a global pause of producer goroutines.
//
// Producers register as participants and call Poll between event writes.
// RequestPause blocks until every registered participant is either parked
// in Poll or has left (is blocked outside the recording path). Resume lets
// them continue. Only the recorder requests pauses.
package safepoint

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/xtxerr/flightrec/internal/errors"
)

type state int

const (
	stateRunning state = iota
	stateParked
	stateLeft
	stateGone
)

// PauseToken proves a pause is in effect. It is handed back to Resume.
type PauseToken struct {
	gen     uint64
	started time.Time
}

// Coordinator tracks participants and pauses.
type Coordinator struct {
	mu        sync.Mutex
	cond      *sync.Cond
	requested atomic.Bool

	pausing bool
	gen     uint64
	running int
	nextID  uint64

	// Statistics
	pauses     atomic.Int64
	lastPause  atomic.Int64
	registered atomic.Int64
}

// Participant is a registered producer.
type Participant struct {
	c     *Coordinator
	id    uint64
	state state
}

// New creates a Coordinator.
func New() *Coordinator {
	c := &Coordinator{}
	c.cond = sync.NewCond(&c.mu)
	return c
}

// Register adds a running participant. It waits out a pause in progress.
func (c *Coordinator) Register() *Participant {
	c.mu.Lock()
	defer c.mu.Unlock()

	for c.pausing {
		c.cond.Wait()
	}
	c.nextID++
	c.running++
	c.registered.Add(1)
	return &Participant{c: c, id: c.nextID, state: stateRunning}
}

// ID returns the participant number.
func (p *Participant) ID() uint64 { return p.id }

// Poll parks the participant if a pause is requested. Call it between
// writes; it costs one atomic load when no pause is pending.
func (p *Participant) Poll() {
	if !p.c.requested.Load() {
		return
	}

	c := p.c
	c.mu.Lock()
	defer c.mu.Unlock()

	if p.state != stateRunning {
		return
	}
	if !c.pausing {
		return
	}
	p.state = stateParked
	c.running--
	c.cond.Broadcast()
	for c.pausing {
		c.cond.Wait()
	}
	c.running++
	p.state = stateRunning
}

// Leave marks the participant as outside the recording path, so pauses do
// not wait for it. Use it around calls that may block.
func (p *Participant) Leave() {
	c := p.c
	c.mu.Lock()
	defer c.mu.Unlock()

	if p.state != stateRunning {
		return
	}
	p.state = stateLeft
	c.running--
	c.cond.Broadcast()
}

// Enter re-enters the recording path, waiting out a pause in progress.
func (p *Participant) Enter() {
	c := p.c
	c.mu.Lock()
	defer c.mu.Unlock()

	if p.state != stateLeft {
		return
	}
	for c.pausing {
		c.cond.Wait()
	}
	c.running++
	p.state = stateRunning
}

// Unregister removes the participant.
func (p *Participant) Unregister() {
	c := p.c
	c.mu.Lock()
	defer c.mu.Unlock()

	if p.state == stateRunning {
		c.running--
		c.cond.Broadcast()
	}
	if p.state != stateGone {
		c.registered.Add(-1)
	}
	p.state = stateGone
}

// RequestPause blocks until all participants are quiesced. On success the
// caller must pass the token to Resume.
func (c *Coordinator) RequestPause(ctx context.Context) (PauseToken, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.pausing {
		return PauseToken{}, errors.ErrPauseAlreadyPending
	}
	c.pausing = true
	c.requested.Store(true)
	started := time.Now()

	stop := context.AfterFunc(ctx, func() {
		c.mu.Lock()
		c.cond.Broadcast()
		c.mu.Unlock()
	})
	defer stop()

	for c.running > 0 {
		if err := ctx.Err(); err != nil {
			c.pausing = false
			c.requested.Store(false)
			c.cond.Broadcast()
			return PauseToken{}, errors.Wrap(err, "request pause")
		}
		c.cond.Wait()
	}

	c.gen++
	return PauseToken{gen: c.gen, started: started}, nil
}

// Resume ends the pause identified by token.
func (c *Coordinator) Resume(token PauseToken) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.pausing || token.gen != c.gen {
		return
	}
	c.pausing = false
	c.requested.Store(false)
	c.pauses.Add(1)
	c.lastPause.Store(int64(time.Since(token.started)))
	c.cond.Broadcast()
}

// Paused reports whether a pause is in effect or being requested.
func (c *Coordinator) Paused() bool { return c.requested.Load() }

// Stats holds coordinator statistics.
type Stats struct {
	Participants int64
	Pauses       int64
	LastPause    time.Duration
}

// Stats returns current statistics.
func (c *Coordinator) Stats() Stats {
	return Stats{
		Participants: c.registered.Load(),
		Pauses:       c.pauses.Load(),
		LastPause:    time.Duration(c.lastPause.Load()),
	}
}
