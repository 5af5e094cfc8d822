// Package led drives a single status LED through the sysfs LED class,
// used by the coordinator purely for operator feedback and never
// consulted for control flow (spec.md §5: auxiliary threads communicate
// only through idempotent read/write of their own state).
package led

import (
	"os"
	"time"

	"github.com/sirupsen/logrus"
)

// Sysfs drives /sys/class/leds/<name>/brightness.
type Sysfs struct {
	BrightnessPath string
	Log            logrus.FieldLogger
}

func (s *Sysfs) set(v string) {
	if err := os.WriteFile(s.BrightnessPath, []byte(v), 0o644); err != nil {
		log := s.Log
		if log == nil {
			log = logrus.StandardLogger()
		}
		log.WithError(err).Warn("led: failed to set brightness")
	}
}

// On turns the LED fully on.
func (s *Sysfs) On() { s.set("255") }

// Off turns the LED off.
func (s *Sysfs) Off() { s.set("0") }

// Blink runs until done is closed, toggling the LED on the given period,
// and turns the LED off before returning.
// This is the auxiliary, independent thread spec.md §5 describes: it
// never touches the snapshot registry.
func (s *Sysfs) Blink(done <-chan struct{}, period time.Duration) {
	t := time.NewTicker(period)
	defer t.Stop()
	on := false
	for {
		select {
		case <-done:
			s.Off()
			return
		case <-t.C:
			on = !on
			if on {
				s.On()
			} else {
				s.Off()
			}
		}
	}
}
