package archive

import (
	"context"
	"os/exec"
	"path/filepath"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Copytool is a Port backed by an external copy command, one invocation
// per selected TeslaCam/ root, the same subprocess-invocation shape
// service.go's StartFuseManager uses (exec.Command, cmd.Start, cmd.Wait,
// bounded by the caller's context for cancellation).
type Copytool struct {
	// Command is the binary to invoke; Args are appended after the
	// positional <src> <remote> <dest-path> triple it receives.
	Command string
	Args    []string
	Log     logrus.FieldLogger

	// Classify maps a subprocess failure to Recoverable or Fatal. If nil,
	// every non-zero exit is treated as Recoverable (the conservative
	// default: retry rather than wedge the daemon on a guess).
	Classify func(error) Kind
}

func (c *Copytool) classify(err error) Kind {
	if c.Classify != nil {
		return c.Classify(err)
	}
	return KindRecoverable
}

// Archive iterates the selected TeslaCam/ roots under mountedSnapshotPath
// in a fixed order and invokes Command once per root with copy-if-newer
// semantics delegated entirely to Command (the coordinator-facing
// contract is idempotent by construction: an interrupted cycle simply
// re-copies, skipping what is already present at dest).
func (c *Copytool) Archive(ctx context.Context, mountedSnapshotPath string, roots Roots, dest Destination) Result {
	log := c.Log
	if log == nil {
		log = logrus.StandardLogger()
	}

	dirs := roots.Dirs()
	if len(dirs) == 0 {
		return Ok()
	}

	var merr *multierror.Error
	worstFatal := false

	for _, d := range dirs {
		select {
		case <-ctx.Done():
			return Recoverable(ctx.Err())
		default:
		}

		src := filepath.Join(mountedSnapshotPath, "TeslaCam", d)
		destPath := filepath.Join(dest.Path, d)

		args := append([]string{src, dest.Remote, destPath}, c.Args...)
		cmd := exec.CommandContext(ctx, c.Command, args...)

		log.WithField("root", d).WithField("src", src).Info("archiving clip root")
		if err := cmd.Run(); err != nil {
			wrapped := errors.Wrapf(err, "archive: copy %s", d)
			merr = multierror.Append(merr, wrapped)
			if c.classify(err) == KindFatal {
				worstFatal = true
			}
			log.WithField("root", d).WithError(err).Warn("archive root failed")
			continue
		}
	}

	if merr == nil {
		return Ok()
	}
	if worstFatal {
		return Fatal(merr.ErrorOrNil())
	}
	return Recoverable(merr.ErrorOrNil())
}
