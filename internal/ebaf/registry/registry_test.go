// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package registry

import (
	"net"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAddIsIdempotent(t *testing.T) {
	r := New(10)
	require.NoError(t, r.Add("example.org"))
	require.NoError(t, r.Add("example.org"))
	require.Equal(t, 1, r.Count())
}

func TestAddReturnsErrFullAtCapacity(t *testing.T) {
	r := New(1)
	require.NoError(t, r.Add("a.example.org"))
	require.ErrorIs(t, r.Add("b.example.org"), ErrFull)
}

func TestRecordIPsDeduplicates(t *testing.T) {
	r := New(10)
	require.NoError(t, r.Add("example.org"))

	ip := net.ParseIP("10.0.0.1")
	r.RecordIPs("example.org", []net.IP{ip, ip})
	r.RecordIPs("example.org", []net.IP{ip})

	require.Len(t, r.ResolvedIPs("example.org"), 1)
}

func TestRecordIPsIgnoresUnknownName(t *testing.T) {
	r := New(10)
	r.RecordIPs("unknown.example.org", []net.IP{net.ParseIP("10.0.0.1")})
	require.Equal(t, 0, r.Count())
}

type fakeBlockSet struct {
	counts map[string]uint64
}

func (f *fakeBlockSet) Lookup(ip net.IP) (uint64, bool, error) {
	c, ok := f.counts[ip.String()]
	return c, ok, nil
}

func TestUpdateDropsSumsPerIPCounters(t *testing.T) {
	r := New(10)
	require.NoError(t, r.Add("example.org"))
	ipA := net.ParseIP("10.0.0.1")
	ipB := net.ParseIP("10.0.0.2")
	r.RecordIPs("example.org", []net.IP{ipA, ipB})

	bs := &fakeBlockSet{counts: map[string]uint64{
		ipA.String(): 3,
		ipB.String(): 4,
	}}
	require.NoError(t, r.UpdateDrops(bs))
	require.Equal(t, uint64(7), r.GetDrops("example.org"))
}

func TestSnapshotForExportOmitsZeroDrops(t *testing.T) {
	r := New(10)
	require.NoError(t, r.Add("zero.example.org"))
	require.NoError(t, r.Add("nonzero.example.org"))
	ip := net.ParseIP("10.0.0.1")
	r.RecordIPs("nonzero.example.org", []net.IP{ip})

	require.NoError(t, r.UpdateDrops(&fakeBlockSet{counts: map[string]uint64{ip.String(): 5}}))

	snap := r.SnapshotForExport()
	require.Len(t, snap, 1)
	require.Equal(t, "nonzero.example.org", snap[0].Name)
	require.Equal(t, uint64(5), snap[0].DropCount)
}
