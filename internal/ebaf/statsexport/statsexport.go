// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package statsexport implements the statistics exporter (C7): it reads the
// aggregate and per-domain counters and overwrites two flat files under the
// system temporary directory, plus an optional Prometheus endpoint that
// mirrors the same counters for operators who already scrape Prometheus.
package statsexport

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"grimm.is/ebaf/internal/ebaf/registry"
	"grimm.is/ebaf/internal/logging"
)

// file names fixed under the system temp directory, per §4.7/§6.
const (
	statsFileName       = "ebaf-stats.dat"
	domainStatsFileName = "ebaf-domain-stats.dat"
)

// MaxCadence is the slowest acceptable export interval (§4.7: "at least
// 0.5 Hz"); ebaf's main loop ticks the exporter every 2s, matching it.
const MaxCadence = 2 * time.Second

// StatsReader is the subset of *xmaps.Stats the exporter needs.
type StatsReader interface {
	Read() (total, blocked uint64, err error)
}

// DomainSource is the subset of *registry.Registry the exporter needs.
type DomainSource interface {
	SnapshotForExport() []registry.DomainStat
}

// SetSizer reports the current entry count of a kernel map, for the
// Prometheus gauge metrics.
type SetSizer interface {
	Size() (int, error)
}

// Config bundles the exporter's dependencies and output locations.
type Config struct {
	Stats     StatsReader
	Domains   DomainSource
	BlockSet  SetSizer
	AllowSet  SetSizer
	OutputDir string // defaults to os.TempDir()
	Logger    *logging.Logger

	// PrometheusAddr, if non-empty, starts a /metrics HTTP server on this
	// address (e.g. ":9107") alongside the flat-file export.
	PrometheusAddr string
}

// Exporter writes ebaf-stats.dat and ebaf-domain-stats.dat on demand via
// Tick, and optionally serves Prometheus metrics in the background.
type Exporter struct {
	cfg             Config
	statsPath       string
	domainStatsPath string

	registry   *prometheus.Registry
	metricsSrv *http.Server

	packetsTotal   prometheus.Gauge
	packetsBlocked prometheus.Gauge
	blockSetSize   prometheus.Gauge
	allowSetSize   prometheus.Gauge
	domainDrops    *prometheus.GaugeVec
}

// New builds an Exporter. Output paths are fixed filenames under
// cfg.OutputDir (system temp dir if unset).
func New(cfg Config) *Exporter {
	if cfg.OutputDir == "" {
		cfg.OutputDir = os.TempDir()
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Default()
	}

	e := &Exporter{
		cfg:             cfg,
		statsPath:       filepath.Join(cfg.OutputDir, statsFileName),
		domainStatsPath: filepath.Join(cfg.OutputDir, domainStatsFileName),
	}

	if cfg.PrometheusAddr != "" {
		e.initPrometheus()
	}

	return e
}

func (e *Exporter) initPrometheus() {
	e.registry = prometheus.NewRegistry()
	factory := promauto.With(e.registry)

	e.packetsTotal = factory.NewGauge(prometheus.GaugeOpts{
		Name: "ebaf_packets_total",
		Help: "Total packets observed by the classifier.",
	})
	e.packetsBlocked = factory.NewGauge(prometheus.GaugeOpts{
		Name: "ebaf_packets_blocked_total",
		Help: "Total packets dropped by the classifier.",
	})
	e.blockSetSize = factory.NewGauge(prometheus.GaugeOpts{
		Name: "ebaf_block_set_size",
		Help: "Current number of entries in block_set.",
	})
	e.allowSetSize = factory.NewGauge(prometheus.GaugeOpts{
		Name: "ebaf_allow_set_size",
		Help: "Current number of entries in allow_set.",
	})
	e.domainDrops = factory.NewGaugeVec(prometheus.GaugeOpts{
		Name: "ebaf_domain_drops",
		Help: "Cumulative drop count attributed to each blocked domain.",
	}, []string{"domain"})
}

// Start launches the Prometheus HTTP server if configured. It is a no-op if
// PrometheusAddr was not set. The server is shut down when ctx is canceled.
func (e *Exporter) Start(ctx context.Context) error {
	if e.cfg.PrometheusAddr == "" {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(e.registry, promhttp.HandlerOpts{}))
	e.metricsSrv = &http.Server{Addr: e.cfg.PrometheusAddr, Handler: mux}

	errCh := make(chan error, 1)
	go func() {
		if err := e.metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := e.metricsSrv.Shutdown(shutdownCtx); err != nil {
			e.cfg.Logger.Warn("prometheus server shutdown error", "error", err)
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("statsexport: prometheus server: %w", err)
	case <-time.After(100 * time.Millisecond):
		return nil
	}
}

// Tick performs one export cycle: read counters, write both flat files, and
// update Prometheus metrics if enabled. Called by the main loop at a ≤2s
// cadence per §4.8 step 7.
func (e *Exporter) Tick() error {
	total, blocked, err := e.cfg.Stats.Read()
	if err != nil {
		return fmt.Errorf("statsexport: reading stats: %w", err)
	}

	if err := e.writeStatsFile(total, blocked); err != nil {
		return err
	}

	domains := e.cfg.Domains.SnapshotForExport()
	if err := e.writeDomainStatsFile(domains); err != nil {
		return err
	}

	e.updatePrometheus(total, blocked, domains)
	return nil
}

func (e *Exporter) writeStatsFile(total, blocked uint64) error {
	content := fmt.Sprintf("total: %d\nblocked: %d\n", total, blocked)
	if err := os.WriteFile(e.statsPath, []byte(content), 0o644); err != nil {
		return fmt.Errorf("statsexport: writing %s: %w", e.statsPath, err)
	}
	return nil
}

func (e *Exporter) writeDomainStatsFile(domains []registry.DomainStat) error {
	var b strings.Builder
	for _, d := range domains {
		fmt.Fprintf(&b, "%s:%d\n", d.Name, d.DropCount)
	}
	if err := os.WriteFile(e.domainStatsPath, []byte(b.String()), 0o644); err != nil {
		return fmt.Errorf("statsexport: writing %s: %w", e.domainStatsPath, err)
	}
	return nil
}

func (e *Exporter) updatePrometheus(total, blocked uint64, domains []registry.DomainStat) {
	if e.registry == nil {
		return
	}

	e.packetsTotal.Set(float64(total))
	e.packetsBlocked.Set(float64(blocked))

	if e.cfg.BlockSet != nil {
		if n, err := e.cfg.BlockSet.Size(); err == nil {
			e.blockSetSize.Set(float64(n))
		}
	}
	if e.cfg.AllowSet != nil {
		if n, err := e.cfg.AllowSet.Size(); err == nil {
			e.allowSetSize.Set(float64(n))
		}
	}

	for _, d := range domains {
		e.domainDrops.WithLabelValues(d.Name).Set(float64(d.DropCount))
	}
}

// StatsPath returns the fixed path ebaf-stats.dat is written to.
func (e *Exporter) StatsPath() string { return e.statsPath }

// DomainStatsPath returns the fixed path ebaf-domain-stats.dat is written to.
func (e *Exporter) DomainStatsPath() string { return e.domainStatsPath }
