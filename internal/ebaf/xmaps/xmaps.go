// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package xmaps wraps the three kernel maps the classifier and the
// control-plane both touch: block_set, allow_set and stats. Every wrapper
// enforces network byte order at the boundary so the packed key it writes
// matches the key the classifier builds from a raw packet header, and every
// mutating method takes the map's own lock so overlapping resolver and
// exporter calls never race.
package xmaps

import (
	"encoding/binary"
	"fmt"
	"net"
	"sync"

	"github.com/cilium/ebpf"
)

// Stats slot indices, matching the classifier's stats array layout.
const (
	SlotTotal   = 0
	SlotBlocked = 1
)

// ipKey packs an IPv4 address into the network-byte-order uint32 used as the
// map key, matching the __be32 a packet's header field would contain.
func ipKey(ip net.IP) (uint32, error) {
	v4 := ip.To4()
	if v4 == nil {
		return 0, fmt.Errorf("xmaps: %s is not an IPv4 address", ip)
	}
	return binary.BigEndian.Uint32(v4), nil
}

func keyToIP(key uint32) net.IP {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], key)
	return net.IPv4(b[0], b[1], b[2], b[3])
}

// BlockSet wraps the block_set map: IPv4 -> u64 drop counter.
type BlockSet struct {
	mu sync.Mutex
	m  *ebpf.Map
}

// NewBlockSet wraps an already-loaded block_set map handle.
func NewBlockSet(m *ebpf.Map) *BlockSet {
	return &BlockSet{m: m}
}

// Insert adds ip with the given counter value if absent; if ip is already
// present, its existing counter is left untouched (insert semantics, not
// overwrite), matching the registry's idempotence requirement.
func (b *BlockSet) Insert(ip net.IP, initial uint64) error {
	key, err := ipKey(ip)
	if err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	var existing uint64
	if err := b.m.Lookup(&key, &existing); err == nil {
		return nil
	}
	return b.m.Update(&key, &initial, ebpf.UpdateAny)
}

// Lookup returns the current counter for ip and whether it is present.
func (b *BlockSet) Lookup(ip net.IP) (uint64, bool, error) {
	key, err := ipKey(ip)
	if err != nil {
		return 0, false, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	var value uint64
	if err := b.m.Lookup(&key, &value); err != nil {
		return 0, false, nil
	}
	return value, true, nil
}

// Entry is one snapshotted (ip, drop count) pair.
type Entry struct {
	IP    net.IP
	Count uint64
}

// Snapshot returns every entry currently in the map. It is a point-in-time
// read; the kernel may add or evict entries concurrently.
func (b *BlockSet) Snapshot() ([]Entry, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var entries []Entry
	var key uint32
	var value uint64
	it := b.m.Iterate()
	for it.Next(&key, &value) {
		entries = append(entries, Entry{IP: keyToIP(key), Count: value})
	}
	return entries, it.Err()
}

// Size returns the current number of entries in block_set.
func (b *BlockSet) Size() (int, error) {
	entries, err := b.Snapshot()
	return len(entries), err
}

// AllowSet wraps the allow_set map: IPv4 -> u8 presence marker.
type AllowSet struct {
	mu sync.Mutex
	m  *ebpf.Map
}

// NewAllowSet wraps an already-loaded allow_set map handle.
func NewAllowSet(m *ebpf.Map) *AllowSet {
	return &AllowSet{m: m}
}

// Insert marks ip as allowed. Insert-or-overwrite: the marker value is fixed
// at 1 so re-insertion is harmless.
func (a *AllowSet) Insert(ip net.IP) error {
	key, err := ipKey(ip)
	if err != nil {
		return err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	var present uint8 = 1
	return a.m.Update(&key, &present, ebpf.UpdateAny)
}

// Contains reports whether ip currently has an allow-set entry.
func (a *AllowSet) Contains(ip net.IP) (bool, error) {
	key, err := ipKey(ip)
	if err != nil {
		return false, err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	var present uint8
	err = a.m.Lookup(&key, &present)
	return err == nil, nil
}

// Size returns the current number of entries in the allow-set, for the
// statistics exporter's gauge metric. It is an O(n) snapshot, not tracked
// incrementally.
func (a *AllowSet) Size() (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	count := 0
	var key uint32
	var value uint8
	it := a.m.Iterate()
	for it.Next(&key, &value) {
		count++
	}
	return count, it.Err()
}

// Stats wraps the 2-slot aggregate counter array.
type Stats struct {
	mu sync.Mutex
	m  *ebpf.Map
}

// NewStats wraps an already-loaded stats map handle.
func NewStats(m *ebpf.Map) *Stats {
	return &Stats{m: m}
}

// Zero resets both counter slots to 0, called once at startup per §4.3 step 4.
func (s *Stats) Zero() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var zero uint64
	for _, slot := range []uint32{SlotTotal, SlotBlocked} {
		if err := s.m.Update(&slot, &zero, ebpf.UpdateAny); err != nil {
			return fmt.Errorf("xmaps: zeroing stats slot %d: %w", slot, err)
		}
	}
	return nil
}

// Read returns the current (total, blocked) aggregate counters.
func (s *Stats) Read() (total, blocked uint64, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var totalSlot uint32 = SlotTotal
	var blockedSlot uint32 = SlotBlocked
	if err := s.m.Lookup(&totalSlot, &total); err != nil {
		return 0, 0, fmt.Errorf("xmaps: reading stats[TOTAL]: %w", err)
	}
	if err := s.m.Lookup(&blockedSlot, &blocked); err != nil {
		return 0, 0, fmt.Errorf("xmaps: reading stats[BLOCKED]: %w", err)
	}
	return total, blocked, nil
}
