// Package archive is the port the coordinator calls to push a snapshot's
// contents to the cloud backend (spec.md §6). The contract is
// deliberately narrow: given a mounted, read-only view of a snapshot and
// a destination, copy whatever is new and report Ok, Recoverable, or
// Fatal.
package archive

import "context"

// Kind classifies the result of an archive attempt.
type Kind int

const (
	KindOk Kind = iota
	KindRecoverable
	KindFatal
)

func (k Kind) String() string {
	switch k {
	case KindOk:
		return "ok"
	case KindRecoverable:
		return "recoverable"
	case KindFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Result is the outcome of one archive invocation.
type Result struct {
	Kind Kind
	Err  error
}

// Ok reports a fully successful archive.
func Ok() Result { return Result{Kind: KindOk} }

// Recoverable wraps a transient failure (network, timeout) that should
// simply be retried next cycle.
func Recoverable(err error) Result { return Result{Kind: KindRecoverable, Err: err} }

// Fatal wraps a failure (bad auth, bad config) that should terminate the
// daemon.
func Fatal(err error) Result { return Result{Kind: KindFatal, Err: err} }

// Roots selects which TeslaCam/ subdirectories participate in archiving,
// mirroring the ARCHIVE_{SAVED,SENTRY,RECENT,TRACKMODE}CLIPS knobs.
type Roots struct {
	SavedClips     bool
	SentryClips    bool
	RecentClips    bool
	TrackModeClips bool
}

// Dirs returns the TeslaCam/ subdirectory names this Roots selects, in a
// fixed, deterministic order.
func (r Roots) Dirs() []string {
	var out []string
	if r.SavedClips {
		out = append(out, "SavedClips")
	}
	if r.SentryClips {
		out = append(out, "SentryClips")
	}
	if r.RecentClips {
		out = append(out, "RecentClips")
	}
	if r.TrackModeClips {
		out = append(out, "TrackModeClips")
	}
	return out
}

// Destination names where clips land in the backend: an opaque remote
// identifier plus a path prefix under it.
type Destination struct {
	Remote string
	Path   string
}

// Port is the contract a cloud-backend consumer of a snapshot implements.
// mountedSnapshotPath is the absolute path where the coordinator has
// mounted the snapshot's image.bin read-only; Port must never be handed
// the live cam disk.
type Port interface {
	Archive(ctx context.Context, mountedSnapshotPath string, roots Roots, dest Destination) Result
}

// None is the ARCHIVE_SYSTEM=none backend: the coordinator still sweeps,
// but nothing is ever uploaded.
type None struct{}

func (None) Archive(ctx context.Context, _ string, _ Roots, _ Destination) Result {
	return Ok()
}
