// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package lists parses the blacklist and whitelist text files that seed the
// domain registry and the whitelist pattern list, and implements the fixed
// search-path ladder both files are looked up along.
package lists

import (
	"bufio"
	"fmt"
	"net"
	"os"
	"strings"
)

// Search-path ladder for the blacklist and whitelist files, project-root
// first and falling back to the system-wide share directory.
var (
	BlacklistSearchPaths = []string{
		"./spotify-blacklist.txt",
		"/usr/local/share/ebaf/spotify-blacklist.txt",
	}
	WhitelistSearchPaths = []string{
		"./spotify-whitelist.txt",
		"/usr/local/share/ebaf/spotify-whitelist.txt",
	}
)

// FindBlacklist returns the first existing path in BlacklistSearchPaths.
func FindBlacklist() (string, error) {
	return findFirst(BlacklistSearchPaths)
}

// FindWhitelist returns the first existing path in WhitelistSearchPaths, or
// an empty string with no error if none exists — a missing whitelist is
// non-fatal and equivalent to an empty list (§4.4).
func FindWhitelist() (string, error) {
	path, err := findFirst(WhitelistSearchPaths)
	if err != nil {
		return "", nil
	}
	return path, nil
}

func findFirst(paths []string) (string, error) {
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}
	return "", fmt.Errorf("lists: none of %v exist", paths)
}

// Blacklist holds the parsed result of the blacklist file: literal IPv4
// entries (the initial seed) and domain names (queued for resolution).
type Blacklist struct {
	IPSeed  []net.IP
	Domains []string
}

// Whitelist holds the parsed result of the whitelist file, split by whether
// the entry contains glob metacharacters.
type Whitelist struct {
	// Patterns holds every entry, including exact names, for the allow-set
	// precedence pass (§4.6 step 2) which glob-matches blacklist names
	// against the full pattern set.
	Patterns []string
	// Exact holds only entries with no glob metacharacters, resolved
	// directly in the explicit-whitelist pass (§4.6 step 3).
	Exact []string
}

// ParseBlacklist reads path and classifies each entry as a literal IPv4
// address or a domain name.
func ParseBlacklist(path string) (*Blacklist, error) {
	entries, err := parseEntries(path)
	if err != nil {
		return nil, err
	}

	bl := &Blacklist{}
	for _, e := range entries {
		if ip := net.ParseIP(e); ip != nil && ip.To4() != nil {
			bl.IPSeed = append(bl.IPSeed, ip)
			continue
		}
		bl.Domains = append(bl.Domains, strings.ToLower(e))
	}
	return bl, nil
}

// ParseWhitelist reads path and splits entries into the full pattern list
// and the subset with no glob metacharacters.
func ParseWhitelist(path string) (*Whitelist, error) {
	entries, err := parseEntries(path)
	if err != nil {
		return nil, err
	}

	wl := &Whitelist{}
	for _, e := range entries {
		name := strings.ToLower(e)
		wl.Patterns = append(wl.Patterns, name)
		if !hasGlobMeta(name) {
			wl.Exact = append(wl.Exact, name)
		}
	}
	return wl, nil
}

func hasGlobMeta(s string) bool {
	return strings.ContainsAny(s, "*?[")
}

// parseEntries applies the shared line grammar: blank lines and full-line
// comments are skipped, inline "# ..." comments are stripped, and the first
// whitespace-delimited token of what remains is the entry.
func parseEntries(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("lists: opening %s: %w", path, err)
	}
	defer f.Close()

	var entries []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if idx := strings.IndexByte(line, '#'); idx >= 0 {
			line = line[:idx]
		}
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		entries = append(entries, fields[0])
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("lists: reading %s: %w", path, err)
	}
	return entries, nil
}
