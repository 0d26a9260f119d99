// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Command ebaf is a host-local packet firewall that blocks IPv4 traffic to
// and from ad-serving domains, keeping its block-set current by periodically
// re-resolving a blacklist and honoring an allow-set that always wins.
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"

	"grimm.is/ebaf/internal/ebaf/lists"
	"grimm.is/ebaf/internal/ebaf/loader"
	"grimm.is/ebaf/internal/ebaf/registry"
	"grimm.is/ebaf/internal/ebaf/resolver"
	"grimm.is/ebaf/internal/ebaf/statsexport"
	"grimm.is/ebaf/internal/errors"
	"grimm.is/ebaf/internal/host"
	"grimm.is/ebaf/internal/logging"
)

const version = "0.1.0"

func main() {
	os.Exit(run())
}

// fatal logs a setup-fatal error (§7) alongside its structured Kind and any
// attached attributes, and returns the process exit code for run().
func fatal(logger *logging.Logger, msg string, err error) int {
	logger.Error(msg, "error", err, "kind", errors.GetKind(err), "attrs", errors.GetAttributes(err))
	return 1
}

// run implements the startup order from §4.8 and returns the process exit
// code. It never calls os.Exit directly so deferred cleanup always runs.
func run() int {
	fs := flag.NewFlagSet("ebaf", flag.ContinueOnError)
	promAddr := fs.String("metrics-addr", "", "optional address to serve Prometheus metrics on, e.g. :9107")
	showVersion := fs.Bool("version", false, "print version and exit")
	if err := fs.Parse(os.Args[1:]); err != nil {
		return 2
	}
	if *showVersion {
		fmt.Println("ebaf", version)
		return 0
	}
	if fs.NArg() > 1 {
		fmt.Fprintln(os.Stderr, "ebaf: too many arguments; usage: ebaf [INTERFACE]")
		return 2
	}

	logger := logging.New(logging.DefaultConfig()).WithComponent("ebaf")
	logging.SetDefault(logger)

	runID := uuid.New().String()
	logger.Info("starting ebaf", "version", version, "run_id", runID)

	// Step 2: select interface.
	iface, err := selectInterface(fs.Arg(0))
	if err != nil {
		return fatal(logger, "interface selection failed", err)
	}
	logger.Info("selected interface", "interface", iface.Name)

	// Step 3: C3 steps 1-5 (locate artifact, raise memlock, load, zero
	// counters, then seed from C4 below).
	artifactPath, err := loader.FindArtifact("ebaf")
	if err != nil {
		return fatal(logger, "classifier artifact not found", err)
	}

	ld, err := loader.Load(artifactPath, logger)
	if err != nil {
		return fatal(logger, "failed to load classifier", err)
	}
	defer func() {
		if err := ld.Close(); err != nil {
			logger.Warn("cleanup: detach/close error", "error", err, "kind", errors.GetKind(err))
		}
	}()

	blacklistPath, err := lists.FindBlacklist()
	if err != nil {
		return fatal(logger, "blacklist not found", errors.Wrap(err, errors.KindNotFound, "blacklist not found"))
	}
	blacklist, err := lists.ParseBlacklist(blacklistPath)
	if err != nil {
		return fatal(logger, "failed to parse blacklist", errors.Wrap(err, errors.KindValidation, "parsing blacklist"))
	}

	var whitelist lists.Whitelist
	if whitelistPath, err := lists.FindWhitelist(); err != nil {
		logger.Warn("whitelist lookup failed, treating as empty", "error", err)
	} else if whitelistPath != "" {
		parsed, err := lists.ParseWhitelist(whitelistPath)
		if err != nil {
			logger.Warn("failed to parse whitelist, treating as empty", "error", err)
		} else {
			whitelist = *parsed
		}
	}

	for _, ip := range blacklist.IPSeed {
		if err := ld.BlockSet.Insert(ip, 0); err != nil {
			logger.Warn("failed to seed block_set literal", "ip", ip, "error", err)
		}
	}
	logger.Info("seeded literal IPs", "count", len(blacklist.IPSeed))

	// Step 4: seed C5 from C4.
	reg := registry.New(registry.DefaultCapacity)
	for _, domain := range blacklist.Domains {
		if err := reg.Add(domain); err != nil {
			logger.Warn("domain registry full, dropping entry", "domain", domain, "error", err)
		}
	}
	logger.Info("seeded domain registry", "count", reg.Count())

	if len(blacklist.IPSeed) == 0 && reg.Count() == 0 {
		return fatal(logger, "no blacklist entries resolvable", errors.New(errors.KindValidation, "empty blacklist"))
	}

	// Step 5: C3 step 6, attach.
	mode, err := ld.Attach(iface)
	if err != nil {
		return fatal(logger, "attach failed in all modes", err)
	}
	logger.Info("classifier attached", "mode", mode)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Step 6: spawn C6.
	res := resolver.New(resolver.Config{
		Registry:          reg,
		BlockSet:          ld.BlockSet,
		AllowSet:          ld.AllowSet,
		BlacklistNames:    blacklist.Domains,
		WhitelistPatterns: whitelist.Patterns,
		WhitelistExact:    whitelist.Exact,
		Logger:            logger.WithComponent("resolver"),
	})
	go res.Run()
	// Deferred in teardown order (§4.8): res.Stop() blocks until the resolver
	// goroutine has exited before reg.Cleanup() frees the registry it reads.
	defer reg.Cleanup()
	defer res.Stop()

	exporter := statsexport.New(statsexport.Config{
		Stats:          ld.Stats,
		Domains:        reg,
		BlockSet:       ld.BlockSet,
		AllowSet:       ld.AllowSet,
		PrometheusAddr: *promAddr,
		Logger:         logger.WithComponent("exporter"),
	})
	if err := exporter.Start(ctx); err != nil {
		logger.Warn("prometheus exporter failed to start, continuing with file export only", "error", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("received signal, shutting down", "signal", sig)
		cancel()
	}()

	// Step 7: main loop ticks C7 at 2s cadence.
	ticker := time.NewTicker(statsexport.MaxCadence)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info("ebaf exiting")
			return 0
		case <-ticker.C:
			if err := exporter.Tick(); err != nil {
				logger.Warn("stats export tick failed", "error", err)
			}
		}
	}
}

// selectInterface implements §4.8 step 2's precedence: operator argument,
// then default-route lookup, then the first non-loopback UP interface,
// then a fatal error.
func selectInterface(operatorArg string) (*net.Interface, error) {
	if operatorArg != "" {
		iface, err := net.InterfaceByName(operatorArg)
		if err != nil {
			return nil, errors.Wrapf(err, errors.KindValidation, "interface %q not found", operatorArg)
		}
		return iface, nil
	}

	if name, err := host.DefaultRouteInterface(); err == nil {
		if iface, err := net.InterfaceByName(name); err == nil {
			return iface, nil
		}
	}

	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, errors.Wrap(err, errors.KindInternal, "enumerating interfaces")
	}
	for i := range ifaces {
		iface := &ifaces[i]
		if iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		if iface.Flags&net.FlagUp != 0 {
			return iface, nil
		}
	}

	return nil, errors.New(errors.KindNotFound, "no candidate interface found")
}
