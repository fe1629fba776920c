package mspace

import "github.com/xtxerr/flightrec/internal/recorder/buffer"

// Client is notified of buffers a scan found owned-but-too-small.
// The buffer is retired and still tagged with the scanning thread.
type Client interface {
	RegisterFull(b *buffer.Buffer, id buffer.ThreadID)
}

// RetrievalPolicy decides how a buffer with room for size bytes is taken
// from a list. On success the returned buffer is owned by id.
type RetrievalPolicy interface {
	TryAcquire(l *List, c Client, id buffer.ThreadID, size int) *buffer.Buffer
}

// ScanPolicy walks the list and leaves every node in place. Nodes that are
// acquired but lack room are retired and reported to the client.
type ScanPolicy struct{}

// TryAcquire implements RetrievalPolicy.
func (ScanPolicy) TryAcquire(l *List, c Client, id buffer.ThreadID, size int) *buffer.Buffer {
	for _, b := range l.Snapshot() {
		if b.Retired() {
			continue
		}
		if !b.TryAcquire(id) {
			continue
		}
		if b.Retired() {
			b.Release()
			continue
		}
		if b.Free() >= size {
			return b
		}
		if c == nil {
			b.Release()
			continue
		}
		b.SetRetired()
		c.RegisterFull(b, id)
	}
	return nil
}

// RemovePolicy unlinks the node it acquires, so list membership is as
// exclusive as ownership.
type RemovePolicy struct{}

// TryAcquire implements RetrievalPolicy.
func (RemovePolicy) TryAcquire(l *List, _ Client, id buffer.ThreadID, size int) *buffer.Buffer {
	for _, b := range l.Snapshot() {
		if b.Retired() || !b.TryAcquire(id) {
			continue
		}
		if b.Retired() || b.Free() < size || !l.Remove(b) {
			b.Release()
			continue
		}
		return b
	}
	return nil
}
