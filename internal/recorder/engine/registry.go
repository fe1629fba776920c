package engine

import (
	"context"
	"sort"
	"sync"

	"github.com/xtxerr/flightrec/internal/recorder/buffer"
	"github.com/xtxerr/flightrec/internal/recorder/checkpoint"
	"github.com/xtxerr/flightrec/internal/recorder/chunk"
	"github.com/xtxerr/flightrec/internal/recorder/service"
)

type threadEntry struct {
	name string
	gone bool
}

// registry knows the event types and producer threads of a recording and
// serializes them into every chunk.
type registry struct {
	mu       sync.RWMutex
	enc      chunk.Encoding
	types    []chunk.EventType
	byName   map[string]uint64
	nextType uint64
	threads  map[buffer.ThreadID]*threadEntry
}

func newRegistry(enc chunk.Encoding) *registry {
	return &registry{
		enc:      enc,
		byName:   make(map[string]uint64),
		nextType: chunk.FirstUserType,
		threads:  make(map[buffer.ThreadID]*threadEntry),
	}
}

// eventType returns the id of name, assigning the next free one.
func (r *registry) eventType(name string) uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	if id, ok := r.byName[name]; ok {
		return id
	}
	id := r.nextType
	r.nextType++
	r.byName[name] = id
	r.types = append(r.types, chunk.EventType{ID: id, Name: name})
	return id
}

func (r *registry) addThread(id buffer.ThreadID, name string) {
	r.mu.Lock()
	r.threads[id] = &threadEntry{name: name}
	r.mu.Unlock()
}

// removeThread keeps the thread until the next chunk trailer has named it.
func (r *registry) removeThread(id buffer.ThreadID) {
	r.mu.Lock()
	if e := r.threads[id]; e != nil {
		e.gone = true
	}
	r.mu.Unlock()
}

func (r *registry) liveThreads() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, e := range r.threads {
		if !e.gone {
			n++
		}
	}
	return n
}

// Pools implements service.Serializer. The thread pool goes into the
// trailing checkpoint of each chunk.
func (r *registry) Pools(ctx context.Context, phase service.Phase) ([]chunk.Pool, error) {
	if phase != service.PhasePostPause {
		return nil, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	ids := make([]buffer.ThreadID, 0, len(r.threads))
	for id := range r.threads {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	elements := make([][]byte, 0, len(ids))
	for _, id := range ids {
		e := r.threads[id]
		elements = append(elements, checkpoint.EncodeThread(r.enc, id, e.name))
		if e.gone {
			delete(r.threads, id)
		}
	}
	if len(elements) == 0 {
		return nil, nil
	}
	return []chunk.Pool{{TypeID: checkpoint.PoolThreads, Elements: elements}}, nil
}

// EventTypes implements service.Serializer.
func (r *registry) EventTypes() []chunk.EventType {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]chunk.EventType(nil), r.types...)
}
