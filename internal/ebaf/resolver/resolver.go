// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package resolver implements the background resolver loop (C6): it
// re-resolves every registered domain on a fixed interval, inserts newly
// discovered IPs into block_set, and enforces allow-set precedence by
// glob-matching blacklist names against whitelist patterns.
package resolver

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/gobwas/glob"

	"grimm.is/ebaf/internal/ebaf/registry"
	"grimm.is/ebaf/internal/ebaf/xmaps"
	ebaferrors "grimm.is/ebaf/internal/errors"
	"grimm.is/ebaf/internal/logging"
)

// DefaultInterval is RESOLUTION_INTERVAL from §4.6.
const DefaultInterval = 600 * time.Second

// sliceInterval bounds how long a single sleep slice may run so a shutdown
// signal is observed within one second, per §4.6 step 6.
const sliceInterval = 1 * time.Second

// perDomainTimeout caps a single domain's resolution time so one
// unresponsive lookup cannot indefinitely stall an iteration or delay
// shutdown, per the cancellation note in §5.
const perDomainTimeout = 5 * time.Second

// Resolve looks up the IPv4 addresses for a domain name. Its signature
// matches net.Resolver.LookupIP's relevant subset so the host resolver can
// be substituted with a fake in tests.
type Resolve func(ctx context.Context, name string) ([]net.IP, error)

// Registry is the subset of *registry.Registry the resolver loop needs.
type Registry interface {
	Names() []string
	RecordIPs(name string, ips []net.IP)
	UpdateDrops(blockSet registry.BlockSetReader) error
}

// BlockSet is the subset of *xmaps.BlockSet the resolver loop needs.
type BlockSet interface {
	Insert(ip net.IP, initial uint64) error
	Lookup(ip net.IP) (uint64, bool, error)
}

// AllowSet is the subset of *xmaps.AllowSet the resolver loop needs.
type AllowSet interface {
	Insert(ip net.IP) error
}

var (
	_ Registry = (*registry.Registry)(nil)
	_ BlockSet = (*xmaps.BlockSet)(nil)
	_ AllowSet = (*xmaps.AllowSet)(nil)
)

// Config bundles the state the resolver loop operates over.
type Config struct {
	Registry Registry
	BlockSet BlockSet
	AllowSet AllowSet

	// BlacklistNames is the full set of blacklist domain entries as read
	// from the file, used for the allow-precedence pass (§4.6 step 2),
	// which tests every blacklist name, not just ones still pending
	// resolution.
	BlacklistNames []string
	// WhitelistPatterns is every whitelist entry (exact and glob).
	WhitelistPatterns []string
	// WhitelistExact is the subset of WhitelistPatterns with no glob
	// metacharacters, resolved directly in the explicit-whitelist pass.
	WhitelistExact []string

	Interval time.Duration
	Resolve  Resolve
	Logger   *logging.Logger

	// OnIterationDone, if set, is invoked at the end of every iteration
	// (after the drop-count rollup) as the export trigger from §4.6 step
	// 5. ebaf folds the actual export into the main loop's own 2s ticker
	// instead, so this is an optional hook rather than a hard dependency.
	OnIterationDone func()
}

// Resolver runs the resolver loop as a single background goroutine.
type Resolver struct {
	cfg      Config
	patterns []glob.Glob

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// New compiles cfg's whitelist patterns and returns a ready-to-run Resolver.
// Invalid glob patterns are logged and skipped rather than failing startup,
// matching the specification's preference for data-recoverable handling of
// malformed list entries.
func New(cfg Config) *Resolver {
	if cfg.Interval == 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Resolve == nil {
		cfg.Resolve = defaultResolve
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Default()
	}

	r := &Resolver{
		cfg:    cfg,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
	for _, pattern := range cfg.WhitelistPatterns {
		g, err := glob.Compile(pattern)
		if err != nil {
			cfg.Logger.Warn("skipping invalid whitelist pattern", "pattern", pattern, "error", err)
			continue
		}
		r.patterns = append(r.patterns, g)
	}
	return r
}

func defaultResolve(ctx context.Context, name string) ([]net.IP, error) {
	return net.DefaultResolver.LookupIP(ctx, "ip4", name)
}

// Run executes iterations until Stop is called. It blocks the calling
// goroutine; callers spawn it with `go r.Run()`.
func (r *Resolver) Run() {
	defer close(r.doneCh)

	for {
		r.iterate()

		if r.cfg.OnIterationDone != nil {
			r.cfg.OnIterationDone()
		}

		if r.sleepSliced(r.cfg.Interval) {
			return
		}
	}
}

// Stop signals the loop to exit and blocks until Run has returned. A loop
// that is sleeping returns at once; an iteration already in progress runs
// to completion first.
func (r *Resolver) Stop() {
	r.stopOnce.Do(func() { close(r.stopCh) })
	<-r.doneCh
}

// sleepSliced sleeps for d in sliceInterval-sized chunks, returning true as
// soon as a stop is observed.
func (r *Resolver) sleepSliced(d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()

	elapsed := time.Duration(0)
	ticker := time.NewTicker(sliceInterval)
	defer ticker.Stop()

	for elapsed < d {
		select {
		case <-r.stopCh:
			return true
		case <-ticker.C:
			elapsed += sliceInterval
		case <-timer.C:
			return false
		}
	}
	return false
}

func (r *Resolver) iterate() {
	r.blacklistPass()
	r.allowPrecedencePass()
	r.explicitWhitelistPass()

	if err := r.cfg.Registry.UpdateDrops(r.cfg.BlockSet); err != nil {
		r.cfg.Logger.Warn("drop-count rollup failed", "error", err)
	}
}

// blacklistPass is §4.6 step 1.
func (r *Resolver) blacklistPass() {
	for _, name := range r.cfg.Registry.Names() {
		ips, err := r.resolve(name)
		if err != nil {
			err = ebaferrors.Wrap(err, ebaferrors.KindUnavailable, "dns lookup failed")
			r.cfg.Logger.Debug("dns lookup failed", "domain", name, "kind", ebaferrors.GetKind(err), "error", err)
			continue
		}
		if len(ips) == 0 {
			continue
		}

		r.cfg.Registry.RecordIPs(name, ips)
		for _, ip := range ips {
			if err := r.cfg.BlockSet.Insert(ip, 0); err != nil {
				r.cfg.Logger.Warn("block_set insert failed", "domain", name, "ip", ip, "error", err)
			}
		}
	}
}

// allowPrecedencePass is §4.6 step 2: every blacklist name (not just ones
// still pending resolution) is tested against the whitelist pattern set.
func (r *Resolver) allowPrecedencePass() {
	for _, name := range r.cfg.BlacklistNames {
		if !r.matchesAnyPattern(name) {
			continue
		}
		r.resolveIntoAllowSet(name)
	}
}

// explicitWhitelistPass is §4.6 step 3.
func (r *Resolver) explicitWhitelistPass() {
	for _, name := range r.cfg.WhitelistExact {
		r.resolveIntoAllowSet(name)
	}
}

func (r *Resolver) resolveIntoAllowSet(name string) {
	ips, err := r.resolve(name)
	if err != nil {
		err = ebaferrors.Wrap(err, ebaferrors.KindUnavailable, "dns lookup failed")
		r.cfg.Logger.Debug("dns lookup failed", "domain", name, "kind", ebaferrors.GetKind(err), "error", err)
		return
	}
	for _, ip := range ips {
		if err := r.cfg.AllowSet.Insert(ip); err != nil {
			r.cfg.Logger.Warn("allow_set insert failed", "domain", name, "ip", ip, "error", err)
		}
	}
}

func (r *Resolver) matchesAnyPattern(name string) bool {
	for _, g := range r.patterns {
		if g.Match(name) {
			return true
		}
	}
	return false
}

func (r *Resolver) resolve(name string) ([]net.IP, error) {
	ctx, cancel := context.WithTimeout(context.Background(), perDomainTimeout)
	defer cancel()
	return r.cfg.Resolve(ctx, name)
}
