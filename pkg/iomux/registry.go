package iomux

import (
	"strings"
	"sync"

	"github.com/nbforge/hatchery/pkg/kernel"
	"github.com/nbforge/hatchery/pkg/types"
)

const (
	// DefaultOrphanCap bounds each parent-id's orphan ring.
	DefaultOrphanCap = 1000
	// maxOrphanRings bounds how many distinct parent-ids may hold
	// orphan buffers at once. Health probes and other non-execute
	// requests also produce iopub traffic, so rings must not
	// accumulate forever; the oldest ring is evicted.
	maxOrphanRings = 64
)

// orphanRing buffers messages for a parent-id that has no execution
// record yet. Bounded; the oldest message is dropped on overflow.
type orphanRing struct {
	msgs    []*kernel.Message
	cap     int
	dropped int
}

func (r *orphanRing) push(msg *kernel.Message) {
	if len(r.msgs) >= r.cap {
		copy(r.msgs, r.msgs[1:])
		r.msgs = r.msgs[:len(r.msgs)-1]
		r.dropped++
	}
	r.msgs = append(r.msgs, msg)
}

// Registry is the in-flight execution table for one session: kernel
// message id of the execute request mapped to the execution record,
// plus per-parent-id orphan buffers for messages that arrive before
// their record is registered.
type Registry struct {
	mu        sync.Mutex
	inflight  map[string]*types.ExecutionRecord
	byTask    map[string]*types.ExecutionRecord
	orphans   map[string]*orphanRing
	ringOrder []string
	orphanCap int
	fuzzy     bool
}

// NewRegistry creates a registry. orphanCap bounds each orphan ring;
// zero selects the default. fuzzy enables best-effort prefix matching
// of parent-ids; exact match always wins.
func NewRegistry(orphanCap int, fuzzy bool) *Registry {
	if orphanCap <= 0 {
		orphanCap = DefaultOrphanCap
	}
	return &Registry{
		inflight:  make(map[string]*types.ExecutionRecord),
		byTask:    make(map[string]*types.ExecutionRecord),
		orphans:   make(map[string]*orphanRing),
		orphanCap: orphanCap,
		fuzzy:     fuzzy,
	}
}

// Register installs a record under its kernel message id and drains the
// matching orphan buffer. The returned messages are in arrival order
// and must be dispatched before any newer live message.
func (r *Registry) Register(msgID string, rec *types.ExecutionRecord) []*kernel.Message {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.inflight[msgID] = rec
	if rec.TaskID != "" {
		r.byTask[rec.TaskID] = rec
	}

	ring, ok := r.orphans[msgID]
	if !ok {
		return nil
	}
	delete(r.orphans, msgID)
	r.dropRingOrder(msgID)
	return ring.msgs
}

// Remove drops a record once its execution has fully finished.
func (r *Registry) Remove(msgID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rec, ok := r.inflight[msgID]; ok {
		delete(r.inflight, msgID)
		if rec.TaskID != "" {
			delete(r.byTask, rec.TaskID)
		}
	}
}

// Lookup resolves a parent-id to its execution record. With fuzzy
// matching enabled, a parent-id sharing a 16-char prefix with exactly
// one in-flight entry also resolves.
func (r *Registry) Lookup(parentID string) (*types.ExecutionRecord, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if rec, ok := r.inflight[parentID]; ok {
		return rec, true
	}
	if !r.fuzzy || len(parentID) < 16 {
		return nil, false
	}
	prefix := parentID[:16]
	var match *types.ExecutionRecord
	for id, rec := range r.inflight {
		if strings.HasPrefix(id, prefix) {
			if match != nil {
				return nil, false
			}
			match = rec
		}
	}
	if match == nil {
		return nil, false
	}
	return match, true
}

// LookupTask resolves a task id to its in-flight record, if any.
func (r *Registry) LookupTask(taskID string) (*types.ExecutionRecord, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.byTask[taskID]
	return rec, ok
}

// Buffer stores a message whose parent-id has no record yet.
func (r *Registry) Buffer(parentID string, msg *kernel.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ring, ok := r.orphans[parentID]
	if !ok {
		if len(r.ringOrder) >= maxOrphanRings {
			oldest := r.ringOrder[0]
			r.ringOrder = r.ringOrder[1:]
			delete(r.orphans, oldest)
		}
		ring = &orphanRing{cap: r.orphanCap}
		r.orphans[parentID] = ring
		r.ringOrder = append(r.ringOrder, parentID)
	}
	ring.push(msg)
}

// InflightCount returns the number of registered executions.
func (r *Registry) InflightCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.inflight)
}

// Drain removes and returns every in-flight record, used when a restart
// invalidates all executions in progress. Buffered orphans belong to the
// old kernel process and are dropped with them.
func (r *Registry) Drain() []*types.ExecutionRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	recs := make([]*types.ExecutionRecord, 0, len(r.inflight))
	for _, rec := range r.inflight {
		recs = append(recs, rec)
	}
	r.inflight = make(map[string]*types.ExecutionRecord)
	r.byTask = make(map[string]*types.ExecutionRecord)
	r.orphans = make(map[string]*orphanRing)
	r.ringOrder = nil
	return recs
}

// OrphanCount returns the total buffered orphan messages.
func (r *Registry) OrphanCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, ring := range r.orphans {
		n += len(ring.msgs)
	}
	return n
}

func (r *Registry) dropRingOrder(parentID string) {
	for i, id := range r.ringOrder {
		if id == parentID {
			r.ringOrder = append(r.ringOrder[:i], r.ringOrder[i+1:]...)
			return
		}
	}
}
