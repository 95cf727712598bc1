// Package registry holds the shared interface catalog and its live
// traffic counters.
package registry

import (
	"sort"
	"sync"

	"github.com/netplane/dpcap/pkg/wire"
)

// Interface describes one dataplane interface plus the traffic the bridge
// has observed for it.
type Interface struct {
	ID          uint32
	Name        string
	Description string
	RxPackets   uint64
	RxBytes     uint64
	TxPackets   uint64
	TxBytes     uint64
}

// Registry maps interface IDs to their entries. Counters are mutated only
// by the ingest listener; status readers take snapshots. The lock is held
// only for the duration of a counter increment or a copy, never across
// I/O.
type Registry struct {
	mu         sync.Mutex
	interfaces map[uint32]*Interface
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{
		interfaces: make(map[uint32]*Interface),
	}
}

// Put registers an interface. An existing entry keeps its counters but
// takes the new name and description.
func (r *Registry) Put(id uint32, name, description string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.interfaces[id]; ok {
		e.Name = name
		e.Description = description
		return
	}
	r.interfaces[id] = &Interface{ID: id, Name: name, Description: description}
}

// Record accounts one observed packet. Unknown interfaces get an entry on
// first sight so traffic arriving ahead of the catalog is not lost.
func (r *Registry) Record(id uint32, dir wire.Direction, bytes int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.interfaces[id]
	if !ok {
		e = &Interface{ID: id}
		r.interfaces[id] = e
	}

	if dir == wire.DirectionRX {
		e.RxPackets++
		e.RxBytes += uint64(bytes)
	} else {
		e.TxPackets++
		e.TxBytes += uint64(bytes)
	}
}

// Lookup returns a copy of the entry for id.
func (r *Registry) Lookup(id uint32) (Interface, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.interfaces[id]
	if !ok {
		return Interface{}, false
	}
	return *e, true
}

// NameOf returns the interface name for id, or "" if unknown.
func (r *Registry) NameOf(id uint32) string {
	e, ok := r.Lookup(id)
	if !ok {
		return ""
	}
	return e.Name
}

// Snapshot returns copies of all entries ordered by interface ID.
func (r *Registry) Snapshot() []Interface {
	r.mu.Lock()
	out := make([]Interface, 0, len(r.interfaces))
	for _, e := range r.interfaces {
		out = append(out, *e)
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Count reports the number of known interfaces.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.interfaces)
}
