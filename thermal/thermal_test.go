package thermal

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestRunSamplesUntilDone(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "temp")
	if err := os.WriteFile(path, []byte("45123"), 0o644); err != nil {
		t.Fatal(err)
	}

	s := &Sampler{ZonePath: path, Interval: 5 * time.Millisecond}
	done := make(chan struct{})
	finished := make(chan struct{})
	go func() {
		s.Run(done)
		close(finished)
	}()

	time.Sleep(20 * time.Millisecond)
	close(done)

	select {
	case <-finished:
	case <-time.After(time.Second):
		t.Fatal("Run never returned after done was closed")
	}
}

func TestReadCelsiusParsesMillidegrees(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "temp")
	if err := os.WriteFile(path, []byte("52000\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	s := &Sampler{ZonePath: path}
	c, err := s.readCelsius()
	if err != nil {
		t.Fatal(err)
	}
	if c != 52.0 {
		t.Fatalf("got %v", c)
	}
}

func TestReadCelsiusErrorsOnMissingFile(t *testing.T) {
	s := &Sampler{ZonePath: "/nonexistent/temp"}
	if _, err := s.readCelsius(); err == nil {
		t.Fatal("expected an error for a missing zone file")
	}
}
