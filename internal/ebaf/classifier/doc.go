// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package classifier documents the kernel-resident packet classifier (C2).
// The actual program lives in xdp_blocker.c and is built out-of-tree with a
// BPF-target clang toolchain:
//
//	clang -O2 -g -target bpf -c xdp_blocker.c -o ebaf.o
//
// The resulting ebaf.o is placed in one of the directories internal/ebaf/
// loader.SearchPaths checks, matching the artifact-location contract in
// §4.3/§6. Nothing in this Go module compiles or embeds the C source.
package classifier
