// Command teslausbd is the CLI entry point. Out of the core's scope per
// spec.md §1, kept as the thinnest possible cobra wrapper around
// coordinator.Run.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/ben-z/teslausbd/archive"
	"github.com/ben-z/teslausbd/config"
	"github.com/ben-z/teslausbd/coordinator"
	"github.com/ben-z/teslausbd/gadget"
	"github.com/ben-z/teslausbd/hostfs"
	"github.com/ben-z/teslausbd/idledetect"
	"github.com/ben-z/teslausbd/led"
	"github.com/ben-z/teslausbd/loopmount"
	"github.com/ben-z/teslausbd/mountwatch"
	"github.com/ben-z/teslausbd/reachability"
	"github.com/ben-z/teslausbd/snapshot"
	"github.com/ben-z/teslausbd/space"
	"github.com/ben-z/teslausbd/thermal"
)

const version = "0.1.0"

// snapshotMountBase is the directory under which each cycle's snapshot
// image is loop-mounted read-only for the archive port.
const snapshotMountBase = "/run/teslausbd/snapshots"

var configPath string

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "teslausbd",
		Short: "Archives dashcam footage from a USB mass-storage snapshot to the cloud",
	}
	root.PersistentFlags().StringVar(&configPath, "config", "/etc/teslausbd/config.toml", "path to the TOML config file")

	root.AddCommand(newRunCmd())
	root.AddCommand(newVersionCmd())
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the daemon version",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprintln(cmd.OutOrStdout(), version)
			return nil
		},
	}
}

func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the snapshot/archive coordinator loop",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon(cmd.Context())
		},
	}
}

func runDaemon(parentCtx context.Context) error {
	log := logrus.StandardLogger()

	cfg, err := config.Load(configPath)
	if err != nil {
		log.WithError(err).Error("failed to load configuration")
		return errors.Wrap(coordinator.ErrFatalConfig, err.Error())
	}

	if err := mountwatch.Check(cfg.MountPoint); err != nil {
		log.WithError(err).Error("backing image is not mounted; aborting startup")
		return err
	}

	fs := hostfs.New()
	layout, err := space.ComputeLayout(hostAvailableBytes(fs, cfg.MountPoint), cfg.Reserve)
	if err != nil {
		log.WithError(err).Error("failed to compute storage layout")
		return errors.Wrap(coordinator.ErrFatalConfig, err.Error())
	}

	mgr := snapshot.NewManager(fs, cfg.MountPoint, log)
	if _, err := mgr.Load(); err != nil {
		log.WithError(err).Error("failed to load snapshot registry")
		return err
	}

	var archivePort archive.Port
	switch cfg.ArchiveSystem {
	case config.ArchiveSystemNone, "":
		archivePort = archive.None{}
	case config.ArchiveSystemCopytool:
		archivePort = &archive.Copytool{
			Command: cfg.CopytoolCommand,
			Args:    cfg.CopytoolArgs,
			Log:     log,
		}
	}

	ctx, stop := signal.NotifyContext(parentCtx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	var gadgetCtl *gadget.Controller
	if cfg.GadgetConfigfsUDCPath != "" {
		gadgetCtl = &gadget.Controller{ConfigPath: cfg.GadgetConfigfsUDCPath, UDCName: cfg.GadgetUDCName}
		if err := gadgetCtl.Attach(); err != nil {
			log.WithError(err).Error("failed to attach USB gadget")
			return err
		}
		defer func() {
			if err := gadgetCtl.Detach(); err != nil {
				log.WithError(err).Warn("failed to detach USB gadget")
			}
		}()
	}

	camDiskPath := cfg.CamDiskImage
	if !filepath.IsAbs(camDiskPath) {
		camDiskPath = filepath.Join(cfg.MountPoint, camDiskPath)
	}

	co := coordinator.New(coordinator.Config{
		Snapshots:         mgr,
		FS:                fs,
		Layout:            layout,
		SnapshotsDir:      cfg.MountPoint + "/snapshots",
		CamDiskPath:       camDiskPath,
		Reachability:      &reachability.HTTPProber{URL: cfg.ArchiveRemote},
		Idle:              idledetect.None{Delay: cfg.ArchiveDelay()},
		Mounter:           loopmount.Loop{},
		SnapshotMountBase: snapshotMountBase,
		Archive:           archivePort,
		ArchiveRoots:      archiveRootsFromConfig(cfg),
		Destination:       archiveDestinationFromConfig(cfg),
		Log:               log,
		AuxStart:          auxStartFromConfig(cfg, log),
	})

	return co.Run(ctx)
}

// auxStartFromConfig wires the LED blinker and temperature sampler in as
// StartAuxThreads workers, skipping any collaborator whose sysfs path was
// left unconfigured.
func auxStartFromConfig(cfg config.Config, log logrus.FieldLogger) func(ctx context.Context) func() {
	var fns []func(done <-chan struct{})

	if cfg.LedBrightnessPath != "" {
		ledSysfs := &led.Sysfs{BrightnessPath: cfg.LedBrightnessPath, Log: log}
		period := time.Duration(cfg.LedBlinkIntervalMS) * time.Millisecond
		if period <= 0 {
			period = 500 * time.Millisecond
		}
		fns = append(fns, func(done <-chan struct{}) { ledSysfs.Blink(done, period) })
	}

	if cfg.ThermalZonePath != "" {
		sampler := &thermal.Sampler{
			ZonePath: cfg.ThermalZonePath,
			Interval: time.Duration(cfg.ThermalIntervalSecond) * time.Second,
			Log:      log,
		}
		fns = append(fns, sampler.Run)
	}

	if len(fns) == 0 {
		return nil
	}
	return coordinator.StartAuxThreads(fns...)
}

func archiveRootsFromConfig(cfg config.Config) archive.Roots {
	return archive.Roots{
		SavedClips:     cfg.ArchiveSavedClips,
		SentryClips:    cfg.ArchiveSentryClips,
		RecentClips:    cfg.ArchiveRecentClips,
		TrackModeClips: cfg.ArchiveTrackModeClips,
	}
}

func archiveDestinationFromConfig(cfg config.Config) archive.Destination {
	return archive.Destination{Remote: cfg.ArchiveRemote, Path: cfg.ArchiveDestPath}
}

func hostAvailableBytes(fs hostfs.FS, mountPoint string) uint64 {
	free, err := fs.FreeBytes(mountPoint)
	if err != nil {
		logrus.StandardLogger().WithError(err).Warn("failed to read free bytes; defaulting to 0")
		return 0
	}
	return free
}
