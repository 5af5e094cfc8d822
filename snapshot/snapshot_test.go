package snapshot

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/ben-z/teslausbd/hostfs"
)

func newTestManager(t *testing.T) (*Manager, *hostfs.Fake) {
	t.Helper()
	fake := hostfs.NewFake()
	if err := fake.Mkdir("/mnt"); err != nil {
		t.Fatal(err)
	}
	if err := fake.Mkdir("/mnt/snapshots"); err != nil {
		t.Fatal(err)
	}
	fake.Put("/mnt/cam_disk.bin", []byte("cam-disk-contents"))
	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)
	mgr := NewManager(fake, "/mnt", log)
	return mgr, fake
}

func TestLoadEmpty(t *testing.T) {
	mgr, _ := newTestManager(t)
	snaps, err := mgr.Load()
	if err != nil {
		t.Fatal(err)
	}
	if len(snaps) != 0 {
		t.Fatalf("expected empty registry, got %d", len(snaps))
	}
	if mgr.nextID < 1 {
		t.Fatalf("expected counter >= 1, got %d", mgr.nextID)
	}
}

func TestLoadReapsInvalidDirectory(t *testing.T) {
	mgr, fake := newTestManager(t)
	if err := fake.Mkdir("/mnt/snapshots/" + idDir(1)); err != nil {
		t.Fatal(err)
	}
	// No .toc written: this directory is invalid.
	snaps, err := mgr.Load()
	if err != nil {
		t.Fatal(err)
	}
	if len(snaps) != 0 {
		t.Fatalf("expected invalid dir to be reaped, got %d snapshots", len(snaps))
	}
	if ok, _ := fake.Exists("/mnt/snapshots/" + idDir(1)); ok {
		t.Fatal("expected invalid directory to be removed")
	}
}

func TestCreateThenDeleteRoundTrips(t *testing.T) {
	mgr, _ := newTestManager(t)
	if _, err := mgr.Load(); err != nil {
		t.Fatal(err)
	}

	snap, err := mgr.Create("/mnt/cam_disk.bin")
	if err != nil {
		t.Fatal(err)
	}
	if len(mgr.List()) != 1 {
		t.Fatalf("expected 1 registered snapshot after create")
	}

	if err := mgr.Delete(snap.ID); err != nil {
		t.Fatal(err)
	}
	if len(mgr.List()) != 0 {
		t.Fatalf("expected empty registry after delete")
	}
}

func TestCreateMissingSourceReturnsNotFound(t *testing.T) {
	mgr, _ := newTestManager(t)
	if _, err := mgr.Load(); err != nil {
		t.Fatal(err)
	}
	before := len(mgr.List())

	_, err := mgr.Create("/mnt/does-not-exist.bin")
	if !hostfs.IsNotFound(errors.Cause(err)) {
		t.Fatalf("expected NotFound, got %v", err)
	}
	if len(mgr.List()) != before {
		t.Fatalf("snapshots/ registry should be unchanged on failed create")
	}
}

func TestCrashMidCreateReapedOnLoad(t *testing.T) {
	mgr, fake := newTestManager(t)
	if _, err := mgr.Load(); err != nil {
		t.Fatal(err)
	}

	// Simulate a crash right after reflink_copy but before the .toc
	// rename: inject a failure into the next WriteFileAtomic call (which
	// backs the .toc write).
	fake.FailNextWriteFileAtomic = errors.New("injected: power loss before toc rename")

	_, err := mgr.Create("/mnt/cam_disk.bin")
	if err == nil {
		t.Fatal("expected create to fail")
	}

	// Create's own cleanup has removed the partial directory; a real crash
	// would have skipped that cleanup, so put back what it leaves behind.
	partial := "/mnt/snapshots/" + idDir(1)
	if err := fake.Mkdir(partial); err != nil {
		t.Fatal(err)
	}
	fake.Put(partial+"/image.bin", []byte("cam-disk-contents"))

	// Restart: a fresh manager scans the directory from disk.
	mgr2 := NewManager(fake, "/mnt", logrus.New())
	snaps, err := mgr2.Load()
	if err != nil {
		t.Fatal(err)
	}
	if len(snaps) != 0 {
		t.Fatalf("expected partial directory reaped, got %d snapshots", len(snaps))
	}
	if ok, _ := fake.Exists(partial); ok {
		t.Fatal("expected load to remove the partial directory")
	}
}

func TestDeleteWhileAcquiredFailsInUse(t *testing.T) {
	mgr, _ := newTestManager(t)
	if _, err := mgr.Load(); err != nil {
		t.Fatal(err)
	}
	snap, err := mgr.Create("/mnt/cam_disk.bin")
	if err != nil {
		t.Fatal(err)
	}

	h, err := mgr.Acquire(snap.ID)
	if err != nil {
		t.Fatal(err)
	}

	if err := mgr.Delete(snap.ID); !errors.Is(err, ErrInUse) {
		t.Fatalf("expected ErrInUse, got %v", err)
	}

	h.Release()

	if err := mgr.Delete(snap.ID); err != nil {
		t.Fatalf("expected delete to succeed after release, got %v", err)
	}
}

func TestReleaseIsIdempotent(t *testing.T) {
	mgr, _ := newTestManager(t)
	if _, err := mgr.Load(); err != nil {
		t.Fatal(err)
	}
	snap, err := mgr.Create("/mnt/cam_disk.bin")
	if err != nil {
		t.Fatal(err)
	}
	h, err := mgr.Acquire(snap.ID)
	if err != nil {
		t.Fatal(err)
	}
	h.Release()
	h.Release()
	if got := mgr.Refcount(snap.ID); got != 0 {
		t.Fatalf("expected refcount 0 after double release, got %d", got)
	}
}

func TestDeleteOldestIfDeletableEmptyRegistry(t *testing.T) {
	mgr, _ := newTestManager(t)
	if _, err := mgr.Load(); err != nil {
		t.Fatal(err)
	}
	did, err := mgr.DeleteOldestIfDeletable()
	if err != nil {
		t.Fatal(err)
	}
	if did {
		t.Fatal("expected false on empty registry")
	}
}

func TestDeleteOldestIfDeletableSkipsAcquired(t *testing.T) {
	mgr, _ := newTestManager(t)
	if _, err := mgr.Load(); err != nil {
		t.Fatal(err)
	}
	s1, err := mgr.Create("/mnt/cam_disk.bin")
	if err != nil {
		t.Fatal(err)
	}
	s2, err := mgr.Create("/mnt/cam_disk.bin")
	if err != nil {
		t.Fatal(err)
	}
	h1, err := mgr.Acquire(s1.ID)
	if err != nil {
		t.Fatal(err)
	}
	defer h1.Release()

	did, err := mgr.DeleteOldestIfDeletable()
	if err != nil {
		t.Fatal(err)
	}
	if !did {
		t.Fatal("expected a deletion")
	}
	remaining := mgr.List()
	if len(remaining) != 1 || remaining[0].ID != s1.ID {
		t.Fatalf("expected only %d to remain, got %+v", s1.ID, remaining)
	}
	_ = s2
}

func TestLoadIdempotent(t *testing.T) {
	mgr, _ := newTestManager(t)
	if _, err := mgr.Create("/mnt/cam_disk.bin"); err != nil {
		t.Fatal(err)
	}
	a, err := mgr.Load()
	if err != nil {
		t.Fatal(err)
	}
	b, err := mgr.Load()
	if err != nil {
		t.Fatal(err)
	}
	if len(a) != len(b) || len(a) != 1 {
		t.Fatalf("expected identical single-entry registries, got %v and %v", a, b)
	}
	if a[0].ID != b[0].ID {
		t.Fatalf("expected same ids across loads")
	}
}

func idDir(id uint64) string {
	return padID(id)
}
