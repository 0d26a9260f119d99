// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package resolver

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"grimm.is/ebaf/internal/ebaf/registry"
)

type fakeBlockSet struct {
	mu      sync.Mutex
	entries map[string]uint64
}

func newFakeBlockSet() *fakeBlockSet {
	return &fakeBlockSet{entries: make(map[string]uint64)}
}

func (f *fakeBlockSet) Insert(ip net.IP, initial uint64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := ip.String()
	if _, ok := f.entries[key]; !ok {
		f.entries[key] = initial
	}
	return nil
}

func (f *fakeBlockSet) Lookup(ip net.IP) (uint64, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.entries[ip.String()]
	return v, ok, nil
}

func (f *fakeBlockSet) has(ip string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.entries[ip]
	return ok
}

type fakeAllowSet struct {
	mu      sync.Mutex
	entries map[string]bool
}

func newFakeAllowSet() *fakeAllowSet {
	return &fakeAllowSet{entries: make(map[string]bool)}
}

func (f *fakeAllowSet) Insert(ip net.IP) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries[ip.String()] = true
	return nil
}

func (f *fakeAllowSet) has(ip string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.entries[ip]
}

func staticResolve(table map[string][]net.IP) Resolve {
	return func(_ context.Context, name string) ([]net.IP, error) {
		return table[name], nil
	}
}

func TestBlacklistPassInsertsIntoBlockSet(t *testing.T) {
	reg := registry.New(10)
	require.NoError(t, reg.Add("ads.example.org"))

	bs := newFakeBlockSet()
	as := newFakeAllowSet()

	r := New(Config{
		Registry:       reg,
		BlockSet:       bs,
		AllowSet:       as,
		BlacklistNames: []string{"ads.example.org"},
		Resolve: staticResolve(map[string][]net.IP{
			"ads.example.org": {net.ParseIP("10.0.0.2")},
		}),
	})

	r.iterate()

	require.True(t, bs.has("10.0.0.2"))
	require.Equal(t, []net.IP{net.ParseIP("10.0.0.2").To4()}, reg.ResolvedIPs("ads.example.org"))
}

func TestAllowPrecedencePassMatchesGlobAgainstBlacklistName(t *testing.T) {
	reg := registry.New(10)
	require.NoError(t, reg.Add("ads.example.org"))

	bs := newFakeBlockSet()
	as := newFakeAllowSet()

	r := New(Config{
		Registry:          reg,
		BlockSet:          bs,
		AllowSet:          as,
		BlacklistNames:    []string{"ads.example.org"},
		WhitelistPatterns: []string{"*.example.org"},
		Resolve: staticResolve(map[string][]net.IP{
			"ads.example.org": {net.ParseIP("10.0.0.2")},
		}),
	})

	r.iterate()

	require.True(t, bs.has("10.0.0.2"), "blacklist pass still inserts into block_set")
	require.True(t, as.has("10.0.0.2"), "allow-precedence pass inserts the same IP into allow_set")
}

func TestExplicitWhitelistPassResolvesExactEntries(t *testing.T) {
	reg := registry.New(10)
	bs := newFakeBlockSet()
	as := newFakeAllowSet()

	r := New(Config{
		Registry:       reg,
		BlockSet:       bs,
		AllowSet:       as,
		WhitelistExact: []string{"cdn.example.org"},
		Resolve: staticResolve(map[string][]net.IP{
			"cdn.example.org": {net.ParseIP("10.0.0.9")},
		}),
	})

	r.iterate()

	require.True(t, as.has("10.0.0.9"))
}

func TestDNSFailureDoesNotRemoveDomain(t *testing.T) {
	reg := registry.New(10)
	require.NoError(t, reg.Add("broken.example.org"))

	bs := newFakeBlockSet()
	as := newFakeAllowSet()

	r := New(Config{
		Registry: reg,
		BlockSet: bs,
		AllowSet: as,
		Resolve: func(context.Context, string) ([]net.IP, error) {
			return nil, net.UnknownNetworkError("boom")
		},
	})

	r.iterate()

	require.Equal(t, 1, reg.Count())
}

func TestStopReturnsPromptlyDuringSleep(t *testing.T) {
	reg := registry.New(10)
	r := New(Config{
		Registry: reg,
		BlockSet: newFakeBlockSet(),
		AllowSet: newFakeAllowSet(),
		Interval: 10 * time.Second,
		Resolve:  staticResolve(nil),
	})

	go r.Run()
	time.Sleep(50 * time.Millisecond)

	done := make(chan struct{})
	go func() {
		r.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("Stop did not return within the sleep-slice bound")
	}
}
