// Package config loads the user-facing knobs of spec.md §6 from a TOML
// file, tagged the same way the teacher's stargz.Config/snapshot.Config
// structs are.
package config

import (
	"time"

	"github.com/BurntSushi/toml"
	"github.com/pkg/errors"
)

// ArchiveSystem selects the archive backend.
type ArchiveSystem string

const (
	ArchiveSystemNone     ArchiveSystem = "none"
	ArchiveSystemCopytool ArchiveSystem = "copytool"
)

// Config is the full set of on-disk knobs.
type Config struct {
	// Reserve is bytes withheld from the backing image for the host OS.
	Reserve uint64 `toml:"reserve"`

	// ArchiveSystem selects the backend; "none" disables archiving.
	ArchiveSystem ArchiveSystem `toml:"archive_system"`

	ArchiveSavedClips     bool `toml:"archive_saved_clips"`
	ArchiveSentryClips    bool `toml:"archive_sentry_clips"`
	ArchiveRecentClips    bool `toml:"archive_recent_clips"`
	ArchiveTrackModeClips bool `toml:"archive_trackmode_clips"`

	// ArchiveDelaySeconds is the settle delay between reachability and
	// snapshot when no idle detector is configured.
	ArchiveDelaySeconds int `toml:"archive_delay_seconds"`

	// MountPoint is the directory the backing image is loop-mounted at.
	MountPoint string `toml:"mount_point"`
	// CamDiskImage is cam_disk.bin's path, relative to MountPoint unless
	// absolute.
	CamDiskImage string `toml:"cam_disk_image"`

	// ArchiveRemote and ArchiveDestPath name the backend destination.
	ArchiveRemote   string `toml:"archive_remote"`
	ArchiveDestPath string `toml:"archive_dest_path"`

	// CopytoolCommand is the binary invoked by the copytool archive
	// backend, when ArchiveSystem is "copytool".
	CopytoolCommand string   `toml:"copytool_command"`
	CopytoolArgs    []string `toml:"copytool_args"`

	// GadgetConfigfsUDCPath and GadgetUDCName drive USB gadget attach.
	// Left empty, the gadget collaborator is skipped.
	GadgetConfigfsUDCPath string `toml:"gadget_configfs_udc_path"`
	GadgetUDCName         string `toml:"gadget_udc_name"`

	// LedBrightnessPath, left empty, skips the LED blinker.
	LedBrightnessPath  string `toml:"led_brightness_path"`
	LedBlinkIntervalMS int    `toml:"led_blink_interval_ms"`

	// ThermalZonePath, left empty, skips temperature sampling.
	ThermalZonePath       string `toml:"thermal_zone_path"`
	ThermalIntervalSecond int    `toml:"thermal_interval_seconds"`
}

// ArchiveDelay returns ArchiveDelaySeconds as a time.Duration, defaulting
// to 30s if unset.
func (c Config) ArchiveDelay() time.Duration {
	if c.ArchiveDelaySeconds <= 0 {
		return 30 * time.Second
	}
	return time.Duration(c.ArchiveDelaySeconds) * time.Second
}

// Load parses the TOML file at path.
func Load(path string) (Config, error) {
	var cfg Config
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return Config{}, errors.Wrapf(err, "config: load %s", path)
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	if cfg.ArchiveSystem == "" {
		cfg.ArchiveSystem = ArchiveSystemNone
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.MountPoint == "" {
		return errors.New("config: mount_point is required")
	}
	if c.ArchiveSystem == "" {
		return nil
	}
	switch c.ArchiveSystem {
	case ArchiveSystemNone, ArchiveSystemCopytool:
	default:
		return errors.Errorf("config: unknown archive_system %q", c.ArchiveSystem)
	}
	return nil
}
