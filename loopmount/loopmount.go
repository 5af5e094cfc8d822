// Package loopmount is the "mount" collaborator of spec.md §6: it mounts
// a snapshot's image.bin read-only at a well-known location so the
// archive port has something to read, and unmounts it afterward. This is
// named explicitly out of the core's scope in spec.md §1; it is a thin
// wrapper over the mount(8)/umount(8) commands, matching the way
// service.go shells out to an external binary (fusemanager) rather than
// reimplementing kernel mount semantics in-process.
package loopmount

import (
	"os"
	"os/exec"

	"github.com/pkg/errors"
)

// Loop mounts read-only loop filesystems via the mount/umount commands.
type Loop struct{}

// Mount loop-mounts imagePath read-only at mountPoint, creating
// mountPoint if it doesn't already exist.
func (Loop) Mount(imagePath, mountPoint string) error {
	if err := os.MkdirAll(mountPoint, 0o755); err != nil {
		return errors.Wrapf(err, "loopmount: mkdir %s", mountPoint)
	}
	cmd := exec.Command("mount", "-o", "ro,loop", imagePath, mountPoint)
	if out, err := cmd.CombinedOutput(); err != nil {
		return errors.Wrapf(err, "loopmount: mount %s at %s: %s", imagePath, mountPoint, out)
	}
	return nil
}

// Unmount unmounts mountPoint and removes the directory.
func (Loop) Unmount(mountPoint string) error {
	cmd := exec.Command("umount", mountPoint)
	if out, err := cmd.CombinedOutput(); err != nil {
		return errors.Wrapf(err, "loopmount: umount %s: %s", mountPoint, out)
	}
	if err := os.Remove(mountPoint); err != nil && !os.IsNotExist(err) {
		return errors.Wrapf(err, "loopmount: rmdir %s", mountPoint)
	}
	return nil
}
