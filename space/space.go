// Package space derives the backing-image / cam-disk / snapshot-budget
// layout from a single user knob (RESERVE) and enforces the invariant
// that a new snapshot always fits, per spec.md §4.3.
//
// Grounded on stargz-snapshotter's own "scan and evict until satisfied"
// shape (snapshot.cleanupDirectories), adapted from a one-shot sweep
// into a size-driven loop.
package space

import (
	"math"

	"github.com/pkg/errors"
)

// XFSOverhead is the fraction of the backing image XFS reserves for its
// own metadata and journal; the layout's usable fraction is (1 - this).
const XFSOverhead = 0.03

const mib = 1 << 20

// ErrNoSpace is returned by EnsureSpaceForSnapshot when the space
// invariant cannot be satisfied because every remaining snapshot is
// in use.
var ErrNoSpace = errors.New("space: cannot satisfy space invariant: all remaining snapshots are in use")

// Layout is the set of derived sizes for one backing image.
type Layout struct {
	BackingImageSize uint64 // bytes
	CamSize          uint64 // bytes, MiB-aligned down
}

// ComputeLayout derives Layout from the bytes available on the host and
// the RESERVE knob. The constant factor of 2 baked into the formula is
// the design's key invariant source: a reflinked snapshot can in the
// worst case grow to the full size of cam_disk.bin, so at most one live
// snapshot can coexist with the live cam disk within the usable budget.
func ComputeLayout(availableHostBytes, reserve uint64) (Layout, error) {
	if reserve >= availableHostBytes {
		return Layout{}, errors.Errorf("space: reserve %d >= available %d", reserve, availableHostBytes)
	}
	backingImageSize := availableHostBytes - reserve
	usable := float64(backingImageSize) * (1 - XFSOverhead)
	camSize := uint64(math.Floor(usable/2/mib)) * mib
	if camSize == 0 {
		return Layout{}, errors.Errorf("space: computed cam_size of 0 from available=%d reserve=%d", availableHostBytes, reserve)
	}
	return Layout{BackingImageSize: backingImageSize, CamSize: camSize}, nil
}

// DeletableSweeper is the subset of snapshot.Manager that
// EnsureSpaceForSnapshot needs: it never touches anything else, so space
// stays testable against a minimal fake.
type DeletableSweeper interface {
	DeleteOldestIfDeletable() (bool, error)
}

// FreeBytesFunc reports free bytes on the filesystem holding snapshots/.
type FreeBytesFunc func() (uint64, error)

// EnsureSpaceForSnapshot repeatedly evicts the oldest unreferenced
// snapshot until free space is at least layout.CamSize, or no more
// snapshots are deletable. In normal operation (coordinator deletes
// immediately after archive) the registry is already empty when this is
// called, and it returns immediately.
func EnsureSpaceForSnapshot(sweeper DeletableSweeper, freeBytes FreeBytesFunc, layout Layout) error {
	for {
		free, err := freeBytes()
		if err != nil {
			return errors.Wrap(err, "space: ensure_space_for_snapshot: free_bytes")
		}
		if free >= layout.CamSize {
			return nil
		}
		deleted, err := sweeper.DeleteOldestIfDeletable()
		if err != nil {
			return errors.Wrap(err, "space: ensure_space_for_snapshot: delete_oldest_if_deletable")
		}
		if !deleted {
			return errors.Wrapf(ErrNoSpace, "free=%d need=%d", free, layout.CamSize)
		}
	}
}
