// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package loader implements the loader and attachment component (C3): it
// locates the compiled classifier artifact, loads it, raises the process's
// locked-memory limit, obtains map handles, and attaches the classifier to
// an interface using a documented fallback ladder of attach modes.
package loader

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/link"
	"github.com/cilium/ebpf/rlimit"

	"grimm.is/ebaf/internal/ebaf/xmaps"
	ebaferrors "grimm.is/ebaf/internal/errors"
	"grimm.is/ebaf/internal/host"
	"grimm.is/ebaf/internal/logging"
)

// ArtifactName is the compiled classifier object file name searched for
// along the path ladder.
const ArtifactName = "ebaf.o"

// Symbol names the artifact must export, per §6.
const (
	ProgramSymbol  = "xdp_blocker"
	BlockSetSymbol = "block_set"
	AllowSetSymbol = "allow_set"
	StatsSymbol    = "stats"
)

// SearchPaths returns the ordered list of directories searched for
// ArtifactName, per §4.3 step 2: current directory, ./bin/, ./obj/, the
// running program's directory plus ../obj/, /usr/local/bin/, and
// /usr/local/share/<progname>/.
func SearchPaths(progName string) []string {
	dirs := []string{".", "./bin", "./obj"}

	if exe, err := os.Executable(); err == nil {
		dirs = append(dirs, filepath.Join(filepath.Dir(exe), "../obj"))
	}

	dirs = append(dirs, "/usr/local/bin", filepath.Join("/usr/local/share", progName))
	return dirs
}

// FindArtifact returns the first existing ArtifactName along SearchPaths,
// or an error naming every directory searched.
func FindArtifact(progName string) (string, error) {
	dirs := SearchPaths(progName)
	for _, dir := range dirs {
		candidate := filepath.Join(dir, ArtifactName)
		if _, err := os.Stat(candidate); err == nil {
			return candidate, nil
		}
	}
	return "", ebaferrors.Errorf(ebaferrors.KindNotFound, "loader: %s not found in any of %v", ArtifactName, dirs)
}

// Loader owns the loaded collection, its map handles, and the attachment
// link once attached. It must be detached (via Close or Detach) before its
// handles are dropped.
type Loader struct {
	collection *ebpf.Collection
	program    *ebpf.Program

	BlockSet *xmaps.BlockSet
	AllowSet *xmaps.AllowSet
	Stats    *xmaps.Stats

	xdpLink     link.Link
	attachMode  string
	logger      *logging.Logger
}

// Load implements §4.3 steps 1-4: check the host meets eBPF requirements
// (resource-soft; a fatal shortfall aborts before anything is loaded), raise
// the locked-memory limit (also resource-soft: logged and ignored), load the
// artifact at path, and resolve handles to the program and the three maps.
func Load(path string, logger *logging.Logger) (*Loader, error) {
	if logger == nil {
		logger = logging.Default()
	}

	for _, req := range host.VerifyBPFSupport() {
		if req.Fatal {
			return nil, ebaferrors.Errorf(ebaferrors.KindInternal, "host does not meet eBPF requirements: %s: %s", req.Feature, req.Message)
		}
		logger.Warn("host requirement check", "feature", req.Feature, "message", req.Message)
	}

	if err := rlimit.RemoveMemlock(); err != nil {
		logger.Warn("failed to raise locked-memory limit, continuing", "error", err)
	}

	spec, err := ebpf.LoadCollectionSpec(path)
	if err != nil {
		return nil, ebaferrors.Wrapf(err, ebaferrors.KindInternal, "loading spec from %s", path)
	}

	coll, err := ebpf.NewCollection(spec)
	if err != nil {
		return nil, ebaferrors.Wrap(err, ebaferrors.KindInternal, "creating collection")
	}

	prog, ok := coll.Programs[ProgramSymbol]
	if !ok {
		coll.Close()
		return nil, ebaferrors.Errorf(ebaferrors.KindNotFound, "artifact missing program %q", ProgramSymbol)
	}

	blockSetMap, ok := coll.Maps[BlockSetSymbol]
	if !ok {
		coll.Close()
		return nil, ebaferrors.Errorf(ebaferrors.KindNotFound, "artifact missing map %q", BlockSetSymbol)
	}
	allowSetMap, ok := coll.Maps[AllowSetSymbol]
	if !ok {
		coll.Close()
		return nil, ebaferrors.Errorf(ebaferrors.KindNotFound, "artifact missing map %q", AllowSetSymbol)
	}
	statsMap, ok := coll.Maps[StatsSymbol]
	if !ok {
		coll.Close()
		return nil, ebaferrors.Errorf(ebaferrors.KindNotFound, "artifact missing map %q", StatsSymbol)
	}

	l := &Loader{
		collection: coll,
		program:    prog,
		BlockSet:   xmaps.NewBlockSet(blockSetMap),
		AllowSet:   xmaps.NewAllowSet(allowSetMap),
		Stats:      xmaps.NewStats(statsMap),
		logger:     logger,
	}

	if err := l.Stats.Zero(); err != nil {
		coll.Close()
		return nil, ebaferrors.Wrap(err, ebaferrors.KindInternal, "zeroing stats")
	}

	return l, nil
}

// attachAttempt pairs an XDP flag set with the ladder rung it represents.
type attachAttempt struct {
	mode  string
	flags link.XDPAttachFlags
}

// attachLadder is the fallback sequence from §4.3 step 6.
var attachLadder = []attachAttempt{
	{mode: "driver", flags: link.XDPDriverMode},
	{mode: "generic", flags: link.XDPGenericMode},
	{mode: "default", flags: 0},
}

// Attach tries each rung of the attach-mode ladder in order, returning the
// name of the mode that succeeded. Every failure except "operation not
// supported" is logged, per §4.3 step 6.
func (l *Loader) Attach(iface *net.Interface) (string, error) {
	var errs []error

	for _, attempt := range attachLadder {
		lnk, err := link.AttachXDP(link.XDPOptions{
			Program:   l.program,
			Interface: iface.Index,
			Flags:     attempt.flags,
		})
		if err == nil {
			l.xdpLink = lnk
			l.attachMode = attempt.mode
			l.logger.Info("attached classifier", "interface", iface.Name, "mode", attempt.mode)
			return attempt.mode, nil
		}

		if !errors.Is(err, link.ErrNotSupported) {
			l.logger.Warn("attach attempt failed", "mode", attempt.mode, "interface", iface.Name, "error", err)
		}
		errs = append(errs, fmt.Errorf("%s: %w", attempt.mode, err))
	}

	err := ebaferrors.Wrapf(errors.Join(errs...), ebaferrors.KindInternal, "attach failed in all modes on %s", iface.Name)
	return "", ebaferrors.Attr(err, "interface", iface.Name)
}

// AttachMode returns the ladder rung that succeeded, or "" if not attached.
func (l *Loader) AttachMode() string { return l.attachMode }

// Detach removes the XDP attachment if present. It is idempotent and safe
// to call multiple times or after a failed Attach.
func (l *Loader) Detach() error {
	if l.xdpLink == nil {
		return nil
	}
	err := l.xdpLink.Close()
	l.xdpLink = nil
	l.attachMode = ""
	if err != nil {
		return ebaferrors.Wrap(err, ebaferrors.KindInternal, "detach")
	}
	return nil
}

// Close detaches (if attached) and releases the collection. It always
// attempts both steps and returns the detach error, if any, matching the
// shutdown-path disposition in §7 ("log; still free resources").
func (l *Loader) Close() error {
	detachErr := l.Detach()
	l.collection.Close()
	return detachErr
}
