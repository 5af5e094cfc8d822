// Package thermal periodically logs CPU temperature, the auxiliary
// "temperature sampler" thread of spec.md §5: independent, reads its own
// state only, never touches the snapshot registry.
package thermal

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// Sampler reads a sysfs thermal-zone temp file (millidegrees Celsius) on
// an interval and logs it.
type Sampler struct {
	ZonePath string // e.g. /sys/class/thermal/thermal_zone0/temp
	Interval time.Duration
	Log      logrus.FieldLogger
}

func (s *Sampler) log() logrus.FieldLogger {
	if s.Log != nil {
		return s.Log
	}
	return logrus.StandardLogger()
}

func (s *Sampler) readCelsius() (float64, error) {
	data, err := os.ReadFile(s.ZonePath)
	if err != nil {
		return 0, err
	}
	milli, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, err
	}
	return float64(milli) / 1000.0, nil
}

// Run samples until done is closed.
func (s *Sampler) Run(done <-chan struct{}) {
	interval := s.Interval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-done:
			return
		case <-t.C:
			c, err := s.readCelsius()
			if err != nil {
				s.log().WithError(err).Debug("thermal: read failed")
				continue
			}
			s.log().WithField("celsius", c).Debug("cpu temperature")
		}
	}
}
