// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package host

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// MemoryInfo holds system memory statistics.
type MemoryInfo struct {
	TotalBytes     uint64
	FreeBytes      uint64
	AvailableBytes uint64
}

// GetMemoryInfo reads and parses /proc/meminfo.
func GetMemoryInfo() (*MemoryInfo, error) {
	file, err := os.Open("/proc/meminfo")
	if err != nil {
		return nil, err
	}
	defer file.Close()

	info := &MemoryInfo{}
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := scanner.Text()
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}

		// Field format: "Key: VALUE kB"
		// value is fields[1]
		val, _ := strconv.ParseUint(fields[1], 10, 64)
		valBytes := val * 1024

		switch fields[0] {
		case "MemTotal:":
			info.TotalBytes = valBytes
		case "MemFree:":
			info.FreeBytes = valBytes
		case "MemAvailable:":
			info.AvailableBytes = valBytes
		}
	}

	// Fallback for Available if not present (older kernels)
	if info.AvailableBytes == 0 {
		info.AvailableBytes = info.FreeBytes
	}

	return info, nil
}

// CheckBPFJIT checks if eBPF JIT is enabled.
func CheckBPFJIT() (bool, error) {
	jitEnabled, err := os.ReadFile("/proc/sys/net/core/bpf_jit_enable")
	if err != nil {
		return false, err
	}
	return strings.TrimSpace(string(jitEnabled)) == "1", nil
}

// GetBPFJITLimit returns the eBPF JIT memory limit in MB.
func GetBPFJITLimit() (int64, error) {
	jitLimit, err := os.ReadFile("/proc/sys/net/core/bpf_jit_limit")
	if err != nil {
		return 0, err
	}

	var limit int64
	_, err = fmt.Sscanf(strings.TrimSpace(string(jitLimit)), "%d", &limit)
	if err != nil {
		return 0, err
	}

	return limit / 1024 / 1024, nil
}

// SystemRequirementError represents a missing system requirement.
type SystemRequirementError struct {
	Feature string
	Message string
	Fatal   bool
}

func (e *SystemRequirementError) Error() string {
	return fmt.Sprintf("%s: %s", e.Feature, e.Message)
}

// DefaultRouteInterface returns the name of the interface carrying the
// default IPv4 route, read from /proc/net/route. Used for interface
// auto-selection when the operator does not name one explicitly.
func DefaultRouteInterface() (string, error) {
	file, err := os.Open("/proc/net/route")
	if err != nil {
		return "", err
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	scanner.Scan() // header line

	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 2 {
			continue
		}
		iface, destination := fields[0], fields[1]
		if destination == "00000000" {
			return iface, nil
		}
	}

	if err := scanner.Err(); err != nil {
		return "", err
	}
	return "", fmt.Errorf("no default route found in /proc/net/route")
}

// VerifyBPFSupport checks if the system meets requirements for eBPF.
func VerifyBPFSupport() []SystemRequirementError {
	var errors []SystemRequirementError

	// 1. Check if /proc/sys/net/core/bpf_jit_enable exists
	if _, err := os.Stat("/proc/sys/net/core/bpf_jit_enable"); os.IsNotExist(err) {
		errors = append(errors, SystemRequirementError{
			Feature: "eBPF",
			Message: "Kernel does not support eBPF JIT",
			Fatal:   true,
		})
		return errors // Fatal, no point checking others
	}

	// 2. Check JIT status
	enabled, err := CheckBPFJIT()
	if err != nil || !enabled {
		errors = append(errors, SystemRequirementError{
			Feature: "JIT",
			Message: "eBPF JIT is not enabled",
			Fatal:   false, // Technically works, but slow
		})
	}

	// 3. Check JIT limit
	limit, err := GetBPFJITLimit()
	if err == nil && limit < 256 {
		errors = append(errors, SystemRequirementError{
			Feature: "JIT Limit",
			Message: fmt.Sprintf("eBPF JIT limit too low (%d MB, recommended >= 256 MB)", limit),
			Fatal:   false,
		})
	}

	// 4. Check memory
	if mem, err := GetMemoryInfo(); err == nil {
		if mem.AvailableBytes < 512*1024*1024 {
			errors = append(errors, SystemRequirementError{
				Feature: "Memory",
				Message: fmt.Sprintf("Low available memory (%d MB, recommended >= 512 MB)", mem.AvailableBytes/1024/1024),
				Fatal:   false,
			})
		}
	}

	return errors
}
