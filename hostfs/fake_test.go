package hostfs

import "testing"

func TestFakeRenameMovesSubtree(t *testing.T) {
	f := NewFake()
	must(t, f.Mkdir("/a"))
	must(t, f.Mkdir("/a/new-1"))
	f.Put("/a/new-1/image.bin", []byte("data"))

	must(t, f.Rename("/a/new-1", "/a/1"))

	if ok, _ := f.Exists("/a/new-1"); ok {
		t.Fatal("expected source gone after rename")
	}
	data, ok := f.Read("/a/1/image.bin")
	if !ok || string(data) != "data" {
		t.Fatal("expected child file to have moved with its parent")
	}
}

func TestFakeRmdirRecursiveIdempotent(t *testing.T) {
	f := NewFake()
	must(t, f.Mkdir("/a"))
	must(t, f.RmdirRecursive("/a"))
	if err := f.RmdirRecursive("/a"); err != nil {
		t.Fatalf("expected rmdir on an already-gone directory to succeed silently, got %v", err)
	}
}

func TestFakeUnlinkMissingIsNotFound(t *testing.T) {
	f := NewFake()
	err := f.UnlinkFile("/nope")
	if !IsNotFound(err) {
		t.Fatalf("expected NotFound, got %v", err)
	}
}

func TestFakeReflinkCopyNotFound(t *testing.T) {
	f := NewFake()
	must(t, f.Mkdir("/a"))
	err := f.ReflinkCopy("/a/missing.bin", "/a/dst.bin")
	if !IsNotFound(err) {
		t.Fatalf("expected NotFound, got %v", err)
	}
}

func TestFakeWriteFileAtomicFaultInjection(t *testing.T) {
	f := NewFake()
	must(t, f.Mkdir("/a"))
	injected := &Error{Kind: KindIO, Op: "write_file_atomic", Path: "/a/x"}
	f.FailNextWriteFileAtomic = injected
	if err := f.WriteFileAtomic("/a/x", []byte("y")); err != injected {
		t.Fatalf("expected injected error, got %v", err)
	}
	// Fault is consumed: the next call succeeds.
	if err := f.WriteFileAtomic("/a/x", []byte("y")); err != nil {
		t.Fatalf("expected fault to be single-shot, got %v", err)
	}
}

func must(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatal(err)
	}
}
