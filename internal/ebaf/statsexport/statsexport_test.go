// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package statsexport

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"grimm.is/ebaf/internal/ebaf/registry"
)

type fakeStats struct {
	total, blocked uint64
}

func (f *fakeStats) Read() (uint64, uint64, error) { return f.total, f.blocked, nil }

type fakeDomains struct {
	stats []registry.DomainStat
}

func (f *fakeDomains) SnapshotForExport() []registry.DomainStat { return f.stats }

func TestTickWritesStatsFile(t *testing.T) {
	dir := t.TempDir()
	e := New(Config{
		Stats:     &fakeStats{total: 10, blocked: 3},
		Domains:   &fakeDomains{},
		OutputDir: dir,
	})

	require.NoError(t, e.Tick())

	data, err := os.ReadFile(filepath.Join(dir, "ebaf-stats.dat"))
	require.NoError(t, err)
	require.Equal(t, "total: 10\nblocked: 3\n", string(data))
}

func TestTickWritesDomainStatsFileFromSnapshot(t *testing.T) {
	dir := t.TempDir()
	e := New(Config{
		Stats: &fakeStats{},
		Domains: &fakeDomains{stats: []registry.DomainStat{
			{Name: "ads.example.org", DropCount: 42},
		}},
		OutputDir: dir,
	})

	require.NoError(t, e.Tick())

	data, err := os.ReadFile(filepath.Join(dir, "ebaf-domain-stats.dat"))
	require.NoError(t, err)
	require.Equal(t, "ads.example.org:42\n", string(data))
}

func TestTickOverwritesPriorContent(t *testing.T) {
	dir := t.TempDir()
	e := New(Config{Stats: &fakeStats{total: 1}, Domains: &fakeDomains{}, OutputDir: dir})

	require.NoError(t, e.Tick())
	e.cfg.Stats = &fakeStats{total: 2, blocked: 1}
	require.NoError(t, e.Tick())

	data, err := os.ReadFile(filepath.Join(dir, "ebaf-stats.dat"))
	require.NoError(t, err)
	require.Equal(t, "total: 2\nblocked: 1\n", string(data))
}
