// Package postbox implements the mailbox between producers or control
// callers and the single recorder goroutine.
//
// Pending messages are bits in an atomic mask. Asynchronous kinds are
// deposited and the recorder is woken without blocking. Synchronous kinds
// are deposited under the control lock; the poster remembers the read
// serial that will satisfy it and waits until the handled serial reaches it.
package postbox

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/xtxerr/flightrec/internal/errors"
	"github.com/xtxerr/flightrec/internal/logging"
)

// Kind is a message kind.
type Kind uint32

const (
	MsgStart Kind = iota
	MsgStop
	MsgRotate
	MsgFlushpoint
	MsgFullBuffer
	MsgWakeup
	MsgShutdown
	MsgVMError
	MsgCloneInMemory
	numKinds
)

var kindNames = [numKinds]string{
	MsgStart:         "start",
	MsgStop:          "stop",
	MsgRotate:        "rotate",
	MsgFlushpoint:    "flushpoint",
	MsgFullBuffer:    "full-buffer",
	MsgWakeup:        "wakeup",
	MsgShutdown:      "shutdown",
	MsgVMError:       "vm-error",
	MsgCloneInMemory: "clone-in-memory",
}

// String returns the name of the kind.
func (k Kind) String() string {
	if k < numKinds {
		return kindNames[k]
	}
	return "unknown"
}

// Bit returns the mask bit of the kind.
func (k Kind) Bit() Set { return Set(1) << k }

// synchronous holds the kinds whose posters wait for completion.
const synchronous = Set(1<<MsgStart | 1<<MsgStop | 1<<MsgRotate | 1<<MsgFlushpoint |
	1<<MsgVMError | 1<<MsgCloneInMemory)

// Synchronous reports whether posters of k wait for the recorder.
func (k Kind) Synchronous() bool { return synchronous&k.Bit() != 0 }

// ParseKind maps a name to a kind.
func ParseKind(s string) (Kind, error) {
	for k := Kind(0); k < numKinds; k++ {
		if kindNames[k] == s {
			return k, nil
		}
	}
	return 0, errors.Wrapf(errors.ErrUnknownKind, "%q", s)
}

// Set is a mask of message kinds.
type Set uint32

// Has reports whether k is in the set.
func (s Set) Has(k Kind) bool { return s&k.Bit() != 0 }

// HasSynchronous reports whether the set contains a synchronous kind.
func (s Set) HasSynchronous() bool { return s&synchronous != 0 }

// Empty reports whether no kind is set.
func (s Set) Empty() bool { return s == 0 }

// String lists the kinds in the set.
func (s Set) String() string {
	var names []string
	for k := Kind(0); k < numKinds; k++ {
		if s.Has(k) {
			names = append(names, k.String())
		}
	}
	return strings.Join(names, "|")
}

type batch struct {
	err     error
	done    bool
	waiters int
}

// PostBox is the recorder mailbox.
type PostBox struct {
	messages atomic.Uint32

	// mu is the control-plane lock.
	mu         sync.Mutex
	cond       *sync.Cond
	readSerial uint64
	handled    uint64
	hasWaiters bool
	batches    map[uint64]*batch
	closed     bool

	wake chan struct{}

	// Statistics
	posted    [numKinds]atomic.Int64
	collected atomic.Int64
}

// New creates a PostBox.
func New() *PostBox {
	pb := &PostBox{
		batches: make(map[uint64]*batch),
		wake:    make(chan struct{}, 1),
	}
	pb.cond = sync.NewCond(&pb.mu)
	return pb
}

// deposit ORs the kind into the pending mask.
func (pb *PostBox) deposit(k Kind) {
	bit := uint32(k.Bit())
	for {
		old := pb.messages.Load()
		if old&bit != 0 || pb.messages.CompareAndSwap(old, old|bit) {
			break
		}
	}
	pb.posted[k].Add(1)
}

// notify wakes the recorder without blocking.
func (pb *PostBox) notify() {
	select {
	case pb.wake <- struct{}{}:
	default:
	}
}

// Post delivers k, waiting for completion if k is synchronous.
func (pb *PostBox) Post(k Kind) error {
	return pb.PostFrom(k, true)
}

// PostFrom delivers k. A caller that may not block passes mayBlock=false
// and gets the deposit-only path whatever the kind's synchrony.
func (pb *PostBox) PostFrom(k Kind, mayBlock bool) error {
	if k >= numKinds {
		return errors.Wrapf(errors.ErrUnknownKind, "kind %d", k)
	}
	if !mayBlock || !k.Synchronous() {
		pb.deposit(k)
		pb.notify()
		return nil
	}
	return pb.postSynchronous(k)
}

func (pb *PostBox) postSynchronous(k Kind) error {
	pb.mu.Lock()
	defer pb.mu.Unlock()

	if pb.closed {
		return errors.ErrClosed
	}

	pb.deposit(k)
	serial := pb.readSerial + 1
	b := pb.batches[serial]
	if b == nil {
		b = &batch{}
		pb.batches[serial] = b
	}
	b.waiters++
	pb.notify()

	for pb.handled < serial && !pb.closed {
		pb.cond.Wait()
	}

	b.waiters--
	if b.waiters == 0 {
		delete(pb.batches, serial)
	}
	if !b.done {
		return errors.ErrClosed
	}
	return b.err
}

// Pending returns the messages deposited but not yet collected.
func (pb *PostBox) Pending() Set { return Set(pb.messages.Load()) }

// Wait blocks until a message is pending or ctx is done. It returns false
// if ctx ended first.
func (pb *PostBox) Wait(ctx context.Context) bool {
	for {
		if pb.messages.Load() != 0 {
			return true
		}
		select {
		case <-pb.wake:
		case <-ctx.Done():
			return false
		}
	}
}

// Collect takes all pending messages. Called by the recorder only.
func (pb *PostBox) Collect() Set {
	pb.mu.Lock()
	defer pb.mu.Unlock()

	msgs := Set(pb.messages.Swap(0))
	if msgs.HasSynchronous() {
		pb.hasWaiters = true
		pb.readSerial++
	}
	if !msgs.Empty() {
		pb.collected.Add(1)
	}
	return msgs
}

// NotifyWaiters completes the last collected batch and releases its
// synchronous posters with err.
func (pb *PostBox) NotifyWaiters(err error) {
	pb.mu.Lock()
	defer pb.mu.Unlock()

	if !pb.hasWaiters {
		return
	}
	pb.hasWaiters = false
	pb.handled++
	if b := pb.batches[pb.handled]; b != nil {
		b.err = err
		b.done = true
	}
	pb.cond.Broadcast()
}

// Serials returns the read and handled serials.
func (pb *PostBox) Serials() (read, handled uint64) {
	pb.mu.Lock()
	defer pb.mu.Unlock()
	return pb.readSerial, pb.handled
}

// Close releases all waiting posters with ErrClosed and rejects further
// synchronous posts.
func (pb *PostBox) Close() {
	pb.mu.Lock()
	defer pb.mu.Unlock()

	if pb.closed {
		return
	}
	pb.closed = true
	pb.cond.Broadcast()
	logging.Component("postbox").Debug("closed", "read_serial", pb.readSerial, "handled_serial", pb.handled)
}

// Stats holds postbox statistics.
type Stats struct {
	Posted        map[string]int64
	Collections   int64
	ReadSerial    uint64
	HandledSerial uint64
}

// Stats returns current statistics.
func (pb *PostBox) Stats() Stats {
	s := Stats{
		Posted:      make(map[string]int64, numKinds),
		Collections: pb.collected.Load(),
	}
	for k := Kind(0); k < numKinds; k++ {
		if n := pb.posted[k].Load(); n > 0 {
			s.Posted[k.String()] = n
		}
	}
	s.ReadSerial, s.HandledSerial = pb.Serials()
	return s
}
