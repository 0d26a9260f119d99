// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package xmaps

import (
	"encoding/binary"
	"net"
	"testing"
)

func TestIPKeyNetworkByteOrder(t *testing.T) {
	ip := net.ParseIP("10.0.0.1")
	key, err := ipKey(ip)
	if err != nil {
		t.Fatalf("ipKey: %v", err)
	}

	want := binary.BigEndian.Uint32([]byte{10, 0, 0, 1})
	if key != want {
		t.Errorf("ipKey(10.0.0.1) = %#x, want %#x", key, want)
	}
}

func TestIPKeyRoundTrip(t *testing.T) {
	ip := net.ParseIP("192.168.1.42")
	key, err := ipKey(ip)
	if err != nil {
		t.Fatalf("ipKey: %v", err)
	}

	got := keyToIP(key)
	if !got.Equal(ip.To4()) {
		t.Errorf("keyToIP(ipKey(%s)) = %s, want %s", ip, got, ip)
	}
}

func TestIPKeyRejectsIPv6(t *testing.T) {
	_, err := ipKey(net.ParseIP("::1"))
	if err == nil {
		t.Error("expected error for IPv6 address")
	}
}
