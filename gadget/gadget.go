// Package gadget wraps USB gadget-mode attach/detach as the idempotent,
// one-shot side-effectful commands spec.md §6 describes. This is
// explicitly named out of the core in spec.md §1; it exists only so
// cmd/teslausbd has something concrete to call before starting the
// coordinator loop.
package gadget

import (
	"os"

	"github.com/pkg/errors"
)

// Controller attaches and detaches the mass-storage gadget by writing
// config values into the configfs/legacy gadget tree, matching how the
// original bash daemon drove the same kernel facility via simple file
// writes.
type Controller struct {
	// ConfigPath is the file the kernel gadget driver watches (e.g. the
	// UDC bind file under configfs).
	ConfigPath string
	// UDCName is the value written to bind the gadget to a controller;
	// an empty write unbinds it.
	UDCName string
}

// Attach idempotently presents cam_disk.bin over USB. Writing the same
// UDC name twice is a no-op from the kernel's perspective.
func (c *Controller) Attach() error {
	if err := os.WriteFile(c.ConfigPath, []byte(c.UDCName), 0o644); err != nil {
		return errors.Wrap(err, "gadget: attach")
	}
	return nil
}

// Detach idempotently withdraws the gadget.
func (c *Controller) Detach() error {
	if err := os.WriteFile(c.ConfigPath, []byte(""), 0o644); err != nil {
		return errors.Wrap(err, "gadget: detach")
	}
	return nil
}
