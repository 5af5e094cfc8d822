// Package coordinator is the outer state machine of spec.md §4.4: it
// sequences wait-for-network / wait-for-idle / snapshot / archive /
// delete, and binds the snapshot manager, space manager, and archive
// port together.
//
// Grounded on service.go's wiring style (construct collaborators, glue
// with explicit error handling) and golang.org/x/sync/errgroup's
// supervised-goroutine idiom for the independent auxiliary threads of
// spec.md §5.
package coordinator

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"github.com/rs/xid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/ben-z/teslausbd/archive"
	"github.com/ben-z/teslausbd/hostfs"
	"github.com/ben-z/teslausbd/idledetect"
	"github.com/ben-z/teslausbd/reachability"
	"github.com/ben-z/teslausbd/snapshot"
	"github.com/ben-z/teslausbd/space"
)

// ErrFatalConfig signals a misconfiguration discovered at runtime that
// should terminate the daemon with a non-zero exit code.
var ErrFatalConfig = errors.New("coordinator: fatal configuration error")

// Mounter mounts a snapshot's image.bin read-only so the archive port can
// read it, and unmounts it afterward. This is the "loop-device mounting"
// collaborator named out of scope by spec.md §1.
type Mounter interface {
	Mount(imagePath, mountPoint string) error
	Unmount(mountPoint string) error
}

// Config bundles every collaborator the coordinator needs. Only
// Snapshots, Space-related fields and FS are required; a nil Archive
// becomes archive.None, and the rest default to no-ops.
type Config struct {
	Snapshots *snapshot.Manager
	FS        hostfs.FS

	Layout       space.Layout
	SnapshotsDir string // root/snapshots, passed to FreeBytes
	CamDiskPath  string // root/cam_disk.bin, the reflink source

	Reachability reachability.Prober
	Idle         idledetect.Detector

	Mounter           Mounter
	SnapshotMountBase string // well-known directory snapshot images are mounted under

	Archive      archive.Port
	ArchiveRoots archive.Roots
	Destination  archive.Destination

	Log logrus.FieldLogger

	// AuxStart, if set, is called once at Run startup to launch
	// independent auxiliary threads (LED blink, temperature sampling).
	// It must return promptly; the returned stop func is called on
	// shutdown.
	AuxStart func(ctx context.Context) (stop func())
}

// Coordinator runs the outer loop described in spec.md §4.4.
type Coordinator struct {
	cfg Config
	log logrus.FieldLogger
}

// New constructs a Coordinator. Idle and Reachability may be supplied by
// the caller; if Idle is nil, a cycle does not wait at all before the
// sweep. The fixed settle delay comes from passing
// idledetect.None{Delay: ...} as Idle, as cmd/teslausbd does.
func New(cfg Config) *Coordinator {
	log := cfg.Log
	if log == nil {
		log = logrus.StandardLogger()
	}
	if cfg.Archive == nil {
		cfg.Archive = archive.None{}
	}
	return &Coordinator{cfg: cfg, log: log}
}

// Run executes the outer loop until ctx is cancelled. It returns nil on a
// clean shutdown, ErrFatalConfig-wrapping errors for configuration
// problems, or the fatal archive error on KindFatal.
func (c *Coordinator) Run(ctx context.Context) error {
	if c.cfg.Mounter != nil && c.cfg.SnapshotMountBase == "" {
		return errors.Wrap(ErrFatalConfig, "coordinator: SnapshotMountBase must be set when Mounter is set")
	}

	var stopAux func()
	if c.cfg.AuxStart != nil {
		stopAux = c.cfg.AuxStart(ctx)
	}
	if stopAux != nil {
		defer stopAux()
	}

	for {
		if ctx.Err() != nil {
			c.log.Info("coordinator: shutting down")
			return nil
		}
		if err := c.cycle(ctx); err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil
			}
			return err
		}
	}
}

// cycle runs exactly one pass of IDLE -> AWAIT_IDLE -> SWEEP -> SNAPSHOT
// -> ARCHIVE -> DELETE/IDLE.
func (c *Coordinator) cycle(ctx context.Context) (err error) {
	cycleID := xid.New().String()
	log := c.log.WithField("cycle", cycleID)

	log.Debug("await reachable")
	if c.cfg.Reachability != nil {
		if err := c.cfg.Reachability.AwaitReachable(ctx); err != nil {
			return err
		}
	}

	log.Debug("await idle")
	if c.cfg.Idle != nil {
		if err := c.cfg.Idle.AwaitIdle(ctx); err != nil {
			return err
		}
	}

	if ctx.Err() != nil {
		return ctx.Err()
	}

	log.Debug("sweep")
	for {
		deleted, err := c.cfg.Snapshots.DeleteOldestIfDeletable()
		if err != nil {
			return errors.Wrap(err, "coordinator: sweep")
		}
		if !deleted {
			break
		}
	}

	if err := space.EnsureSpaceForSnapshot(c.cfg.Snapshots, c.freeBytes, c.cfg.Layout); err != nil {
		log.WithError(err).Error("space invariant could not be satisfied; skipping this cycle")
		return nil
	}

	log.Debug("snapshot")
	handle, err := c.cfg.Snapshots.SnapshotSession(c.cfg.CamDiskPath)
	if err != nil {
		return errors.Wrap(err, "coordinator: snapshot")
	}
	snap := handle.Snapshot()
	log = log.WithField("snapshot_id", snap.ID)

	released := false
	release := func() {
		if !released {
			released = true
			handle.Release()
		}
	}
	defer release()

	mountPoint, unmount, err := c.mountSnapshot(snap)
	if err != nil {
		return errors.Wrap(err, "coordinator: mount snapshot")
	}
	if unmount != nil {
		defer unmount()
	}

	log.Info("archiving")
	result := c.cfg.Archive.Archive(ctx, mountPoint, c.cfg.ArchiveRoots, c.cfg.Destination)

	switch result.Kind {
	case archive.KindOk:
		release()
		if err := c.cfg.Snapshots.Delete(snap.ID); err != nil {
			return errors.Wrapf(err, "coordinator: delete %d after successful archive", snap.ID)
		}
		log.Info("cycle complete")
		return nil

	case archive.KindRecoverable:
		log.WithError(result.Err).Warn("archive failed recoverably; will sweep it next cycle")
		release()
		return nil

	case archive.KindFatal:
		log.WithError(result.Err).Error("archive failed fatally")
		release()
		return errors.Wrap(result.Err, "coordinator: fatal archive error")

	default:
		release()
		return errors.Errorf("coordinator: unknown archive result kind %v", result.Kind)
	}
}

func (c *Coordinator) freeBytes() (uint64, error) {
	return c.cfg.FS.FreeBytes(c.cfg.SnapshotsDir)
}

func (c *Coordinator) mountSnapshot(snap snapshot.Snapshot) (mountPoint string, unmount func(), err error) {
	if c.cfg.Mounter == nil {
		// No mounter configured: pass the image path directly. Tests and
		// archive backends that read image.bin without a real kernel
		// mount use this path.
		return snap.ImagePath(), nil, nil
	}
	mountPoint = c.cfg.SnapshotMountBase + "/" + xid.New().String()
	if err := c.cfg.Mounter.Mount(snap.ImagePath(), mountPoint); err != nil {
		return "", nil, err
	}
	return mountPoint, func() {
		if err := c.cfg.Mounter.Unmount(mountPoint); err != nil {
			c.log.WithError(err).WithField("mount_point", mountPoint).Warn("failed to unmount snapshot view")
		}
	}, nil
}

// StartAuxThreads is a convenience AuxStart implementation that
// supervises arbitrary long-running functions via errgroup, stopping
// them all when the returned stop func is called or ctx is done — the
// pattern the teacher's sibling repos use golang.org/x/sync/errgroup for.
func StartAuxThreads(fns ...func(done <-chan struct{})) func(ctx context.Context) (stop func()) {
	return func(ctx context.Context) func() {
		done := make(chan struct{})
		var closeOnce sync.Once
		closeDone := func() { closeOnce.Do(func() { close(done) }) }
		g, _ := errgroup.WithContext(ctx)
		for _, fn := range fns {
			fn := fn
			g.Go(func() error {
				fn(done)
				return nil
			})
		}
		go func() {
			select {
			case <-ctx.Done():
				closeDone()
			case <-done:
			}
		}()
		var stopOnce sync.Once
		return func() {
			stopOnce.Do(func() {
				closeDone()
				_ = g.Wait()
			})
		}
	}
}
