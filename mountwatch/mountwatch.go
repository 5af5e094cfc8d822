// Package mountwatch confirms the backing-image mount required by
// spec.md §5 ("the coordinator assumes it is mounted by an external
// collaborator before entering its loop") is actually present, by
// reading /proc/self/mountinfo. Failure to mount the backing image is
// fatal at startup per spec.md §6; this is the check that makes that
// fatal-ness concrete rather than assumed.
package mountwatch

import (
	"github.com/pkg/errors"
	"github.com/prometheus/procfs"
)

// ErrNotMounted is returned when mountPoint does not appear in the
// current process's mount table.
var ErrNotMounted = errors.New("mountwatch: backing image mount point not found")

// Check reports whether mountPoint is currently a mount point, using the
// same /proc/self/mountinfo surface prometheus/procfs exposes for
// monitoring purposes, repurposed here as a one-shot startup gate.
func Check(mountPoint string) error {
	proc, err := procfs.Self()
	if err != nil {
		return errors.Wrap(err, "mountwatch: read /proc/self")
	}
	mounts, err := proc.MountInfo()
	if err != nil {
		return errors.Wrap(err, "mountwatch: read mountinfo")
	}
	for _, m := range mounts {
		if m.MountPoint == mountPoint {
			return nil
		}
	}
	return errors.Wrapf(ErrNotMounted, "%s", mountPoint)
}
