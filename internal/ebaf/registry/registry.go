// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package registry implements the domain registry (C5): a thread-safe,
// capacity-bounded, insertion-ordered store of domains pending periodic
// resolution, their resolved IPs, and their aggregated drop counts.
package registry

import (
	"errors"
	"net"
	"sync"

	"grimm.is/ebaf/internal/ebaf/xmaps"
)

// ErrFull is returned by Add when the registry is at capacity.
var ErrFull = errors.New("registry: full")

// DefaultCapacity is the suggested entry cap from the specification.
const DefaultCapacity = 10000

// entry is one domain's registry record. resolved_ips grows via Go's slice
// append, which already doubles capacity on overflow — the amortized-growth
// behavior the specification calls for requires no manual bookkeeping here.
type entry struct {
	name        string
	resolvedIPs []net.IP
	seen        map[string]struct{}
	dropCount   uint64
}

// Registry is the domain registry. All exported methods are safe for
// concurrent use; a single mutex serializes every operation, including
// UpdateDrops, matching the specification's "lock held for the duration of
// each operation" concurrency note (§4.5).
type Registry struct {
	mu       sync.Mutex
	entries  []*entry
	byName   map[string]int
	capacity int
}

// New creates an empty registry bounded at capacity entries.
func New(capacity int) *Registry {
	return &Registry{
		byName:   make(map[string]int),
		capacity: capacity,
	}
}

// Add registers name if not already present. Returns ErrFull if the
// registry is at capacity. Adding an already-present name is a no-op
// (idempotent, per the specification's testable properties §8.6).
func (r *Registry) Add(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.byName[name]; ok {
		return nil
	}
	if len(r.entries) >= r.capacity {
		return ErrFull
	}

	r.byName[name] = len(r.entries)
	r.entries = append(r.entries, &entry{
		name: name,
		seen: make(map[string]struct{}),
	})
	return nil
}

// Count returns the current number of registered domains.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// RecordIPs appends newly-seen IPs (deduplicated against ones already
// recorded for this domain) to name's resolved IP list, storing IPv4
// addresses in their 4-byte form. Unknown names are
// silently ignored, matching the contract table in §4.5.
func (r *Registry) RecordIPs(name string, ips []net.IP) {
	r.mu.Lock()
	defer r.mu.Unlock()

	idx, ok := r.byName[name]
	if !ok {
		return
	}
	e := r.entries[idx]
	for _, ip := range ips {
		if v4 := ip.To4(); v4 != nil {
			ip = v4
		}
		key := ip.String()
		if _, dup := e.seen[key]; dup {
			continue
		}
		e.seen[key] = struct{}{}
		e.resolvedIPs = append(e.resolvedIPs, ip)
	}
}

// ResolvedIPs returns the current resolved IP list for name, or nil if name
// is not registered.
func (r *Registry) ResolvedIPs(name string) []net.IP {
	r.mu.Lock()
	defer r.mu.Unlock()

	idx, ok := r.byName[name]
	if !ok {
		return nil
	}
	out := make([]net.IP, len(r.entries[idx].resolvedIPs))
	copy(out, r.entries[idx].resolvedIPs)
	return out
}

// Names returns a snapshot of every registered domain name, in registration
// order, for the resolver loop to iterate without holding the lock.
func (r *Registry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	names := make([]string, len(r.entries))
	for i, e := range r.entries {
		names[i] = e.name
	}
	return names
}

// GetDrops returns the last-computed drop_count for name, or 0 if unknown.
func (r *Registry) GetDrops(name string) uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	idx, ok := r.byName[name]
	if !ok {
		return 0
	}
	return r.entries[idx].dropCount
}

// BlockSetReader is the read surface UpdateDrops needs from block_set; it is
// satisfied by *xmaps.BlockSet.
type BlockSetReader interface {
	Lookup(ip net.IP) (uint64, bool, error)
}

var _ BlockSetReader = (*xmaps.BlockSet)(nil)

// UpdateDrops recomputes every entry's drop_count as the sum of block_set's
// per-IP counters across that entry's resolved IPs (§4.5, §5 rollup
// ordering). The kernel-side lookup is non-blocking, so the lock is held for
// the full sweep.
func (r *Registry) UpdateDrops(blockSet BlockSetReader) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, e := range r.entries {
		var sum uint64
		for _, ip := range e.resolvedIPs {
			count, present, err := blockSet.Lookup(ip)
			if err != nil {
				return err
			}
			if present {
				sum += count
			}
		}
		e.dropCount = sum
	}
	return nil
}

// DomainStat is one (name, drop_count) pair in export order.
type DomainStat struct {
	Name      string
	DropCount uint64
}

// SnapshotForExport returns every entry with a non-zero drop_count, in
// registration order, for the statistics exporter (§4.5, §4.7).
func (r *Registry) SnapshotForExport() []DomainStat {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []DomainStat
	for _, e := range r.entries {
		if e.dropCount == 0 {
			continue
		}
		out = append(out, DomainStat{Name: e.name, DropCount: e.dropCount})
	}
	return out
}

// Cleanup releases all registry storage. Because every method takes the
// same mutex, no in-flight operation can be traversing the registry when
// Cleanup returns.
func (r *Registry) Cleanup() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.entries = nil
	r.byName = make(map[string]int)
}
