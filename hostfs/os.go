package hostfs

import (
	"io"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

// osFS is the real implementation, backed by the host kernel. XFS reflink
// is implemented with the FICLONE ioctl; everything else is a thin layer
// over os/unix, matching the way stargz/fs.go talks to the kernel
// directly rather than through a higher-level library.
type osFS struct{}

// New returns the real, OS-backed FS.
func New() FS { return osFS{} }

func (osFS) Exists(path string) (bool, error) {
	_, err := os.Lstat(path)
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, newErr(KindIO, "exists", path, err)
}

type osDirIter struct {
	f     *os.File
	names []string
	idx   int
}

func (o *osFS) openDir(path string) (*os.File, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, newErr(KindNotFound, "list_dir", path, err)
		}
		return nil, newErr(KindIO, "list_dir", path, err)
	}
	return f, nil
}

func (o osFS) ListDir(path string) (DirIter, error) {
	f, err := o.openDir(path)
	if err != nil {
		return nil, err
	}
	names, err := f.Readdirnames(0)
	if err != nil && err != io.EOF {
		f.Close()
		return nil, newErr(KindIO, "list_dir", path, err)
	}
	return &osDirIter{f: f, names: names}, nil
}

func (it *osDirIter) Next() (string, bool, error) {
	if it.idx >= len(it.names) {
		return "", false, nil
	}
	name := it.names[it.idx]
	it.idx++
	return name, true, nil
}

func (it *osDirIter) Close() error { return it.f.Close() }

func (osFS) ReadFile(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, newErr(KindNotFound, "read_file", path, err)
		}
		return nil, newErr(KindIO, "read_file", path, err)
	}
	return data, nil
}

func (osFS) Mkdir(path string) error {
	err := os.Mkdir(path, 0o755)
	if err == nil {
		return nil
	}
	if os.IsExist(err) {
		return newErr(KindExists, "mkdir", path, err)
	}
	if os.IsNotExist(err) {
		return newErr(KindNotFound, "mkdir", path, err)
	}
	return newErr(KindIO, "mkdir", path, err)
}

func (osFS) Rename(oldpath, newpath string) error {
	if err := os.Rename(oldpath, newpath); err != nil {
		return newErr(KindIO, "rename", oldpath+" -> "+newpath, err)
	}
	return nil
}

func (osFS) UnlinkFile(path string) error {
	err := os.Remove(path)
	if err == nil {
		return nil
	}
	if os.IsNotExist(err) {
		return newErr(KindNotFound, "unlink_file", path, err)
	}
	return newErr(KindIO, "unlink_file", path, err)
}

func (osFS) RmdirRecursive(path string) error {
	if err := os.RemoveAll(path); err != nil {
		return newErr(KindIO, "rmdir_recursive", path, err)
	}
	return nil
}

// ReflinkCopy produces a copy-on-write clone of src at dst using the
// FICLONE ioctl. It does not fall back to a byte copy: a filesystem that
// doesn't support reflink must fail loudly (spec: fail, not silently
// degrade).
func (osFS) ReflinkCopy(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		if os.IsNotExist(err) {
			return newErr(KindNotFound, "reflink_copy", src, err)
		}
		return newErr(KindIO, "reflink_copy", src, err)
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		if os.IsExist(err) {
			return newErr(KindExists, "reflink_copy", dst, err)
		}
		return newErr(KindIO, "reflink_copy", dst, err)
	}
	defer out.Close()

	if err := unix.IoctlFileClone(int(out.Fd()), int(in.Fd())); err != nil {
		os.Remove(dst)
		if err == unix.EOPNOTSUPP || err == unix.ENOTTY {
			return newErr(KindUnsupported, "reflink_copy", dst, err)
		}
		return newErr(KindIO, "reflink_copy", dst, err)
	}
	return nil
}

// WriteFileAtomic writes path.tmp, fsyncs it, renames over path, then
// fsyncs the parent directory so the rename itself is durable.
func (osFS) WriteFileAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return newErr(KindIO, "write_file_atomic", tmp, err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return newErr(KindIO, "write_file_atomic", tmp, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return newErr(KindIO, "write_file_atomic", tmp, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return newErr(KindIO, "write_file_atomic", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return newErr(KindIO, "write_file_atomic", path, err)
	}
	return osFS{}.FsyncDir(filepath.Dir(path))
}

func (osFS) FsyncDir(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return newErr(KindIO, "fsync_dir", path, err)
	}
	defer f.Close()
	if err := f.Sync(); err != nil {
		return newErr(KindIO, "fsync_dir", path, err)
	}
	return nil
}

func (osFS) FreeBytes(path string) (uint64, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(path, &st); err != nil {
		return 0, newErr(KindIO, "free_bytes", path, err)
	}
	return uint64(st.Bavail) * uint64(st.Bsize), nil
}
