// Package snapshot is the authoritative registry of on-disk, reflink-based
// point-in-time copies of the cam disk image. It owns creation, refcounted
// acquisition, deletion and crash-recovery scanning of the snapshots/
// directory tree described in spec.md §3-§4.2.
//
// Grounded on containerd/stargz-snapshotter's snapshot.go: reserve-then-
// rename-into-place creation, marker-presence-is-truth validity, and a
// registry mutex that brackets bookkeeping only, never I/O.
package snapshot

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/ben-z/teslausbd/hostfs"
)

// ErrInUse is returned by Delete when the snapshot has outstanding
// acquisitions.
var ErrInUse = errors.New("snapshot: in use")

// ErrNotFound is returned by Acquire/Delete for an unknown id.
var ErrNotFound = errors.New("snapshot: not found")

const (
	snapshotsDirName = "snapshots"
	imageFileName    = "image.bin"
	tocFileName      = ".toc"
	idWidth          = 20 // zero-padded decimal, lexicographic order == creation order
)

// Snapshot is the immutable identity of one point-in-time copy. Refcount
// is tracked separately by Manager, under its lock, so that List() can
// return Snapshot values as plain observations without aliasing live
// state.
type Snapshot struct {
	ID        uint64
	Dir       string
	CreatedAt time.Time
}

// ImagePath is the path to the snapshot's reflinked image file.
func (s Snapshot) ImagePath() string {
	return s.Dir + "/" + imageFileName
}

type registryEntry struct {
	snap     Snapshot
	refcount int
}

// Manager is the registry of snapshots under root/snapshots/. The zero
// value is not usable; construct with NewManager.
type Manager struct {
	fs   hostfs.FS
	root string // the directory containing cam_disk.bin; snapshots/ is root/snapshots

	mu     sync.Mutex
	nextID uint64
	byID   map[uint64]*registryEntry
	log    logrus.FieldLogger
}

// NewManager constructs a Manager rooted at root (the mount point holding
// cam_disk.bin). Call Load before using it.
func NewManager(fs hostfs.FS, root string, log logrus.FieldLogger) *Manager {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Manager{
		fs:     fs,
		root:   root,
		nextID: 1,
		byID:   make(map[uint64]*registryEntry),
		log:    log,
	}
}

func (m *Manager) snapshotsDir() string {
	return m.root + "/" + snapshotsDirName
}

func padID(id uint64) string {
	return fmt.Sprintf("%0*d", idWidth, id)
}

func (m *Manager) dirFor(id uint64) string {
	return m.snapshotsDir() + "/" + padID(id)
}

// Load scans snapshots/: directories with a .toc are registered at
// refcount 0; directories without one are reaped. The ID counter is
// seeded to one past the highest id found on disk. Returns the loaded
// snapshots oldest-first. Load is idempotent.
func (m *Manager) Load() ([]Snapshot, error) {
	dir := m.snapshotsDir()
	it, err := m.fs.ListDir(dir)
	if err != nil {
		if hostfs.IsNotFound(err) {
			return nil, nil
		}
		return nil, errors.Wrap(err, "snapshot: load: list snapshots dir")
	}
	defer it.Close()

	var names []string
	for {
		name, ok, err := it.Next()
		if err != nil {
			return nil, errors.Wrap(err, "snapshot: load: list snapshots dir")
		}
		if !ok {
			break
		}
		names = append(names, name)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.byID = make(map[uint64]*registryEntry)
	var maxID uint64
	var loaded []Snapshot

	for _, name := range names {
		childDir := dir + "/" + name
		tocPath := childDir + "/" + tocFileName
		ok, err := m.fs.Exists(tocPath)
		if err != nil {
			return nil, errors.Wrapf(err, "snapshot: load: stat %s", tocPath)
		}
		if !ok {
			m.log.WithField("dir", childDir).Warn("reaping incomplete snapshot directory")
			if err := m.fs.RmdirRecursive(childDir); err != nil {
				return nil, errors.Wrapf(err, "snapshot: load: reap %s", childDir)
			}
			continue
		}
		rec, err := readTOC(m.fs, tocPath)
		if err != nil {
			return nil, errors.Wrapf(err, "snapshot: load: parse %s", tocPath)
		}
		snap := Snapshot{ID: rec.ID, Dir: childDir, CreatedAt: rec.CreatedAt}
		m.byID[snap.ID] = &registryEntry{snap: snap}
		if snap.ID > maxID {
			maxID = snap.ID
		}
		loaded = append(loaded, snap)
	}

	sort.Slice(loaded, func(i, j int) bool { return loaded[i].ID < loaded[j].ID })
	m.nextID = maxID + 1
	return loaded, nil
}

// Create produces a new, complete snapshot from sourcePath and registers
// it at refcount 0. The id is reserved under the lock before any I/O; the
// create is only durable once .toc has been renamed into place. Any
// failure before that rename removes the partial directory best-effort
// and returns the underlying error.
func (m *Manager) Create(sourcePath string) (Snapshot, error) {
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.mu.Unlock()

	dir := m.dirFor(id)
	log := m.log.WithField("snapshot_id", id)

	if err := m.fs.Mkdir(dir); err != nil {
		return Snapshot{}, errors.Wrapf(err, "snapshot: create %d: mkdir", id)
	}

	cleanup := func() {
		if rerr := m.fs.RmdirRecursive(dir); rerr != nil {
			log.WithError(rerr).Warn("failed to remove partial snapshot directory")
		}
	}

	if err := m.fs.ReflinkCopy(sourcePath, dir+"/"+imageFileName); err != nil {
		cleanup()
		return Snapshot{}, errors.Wrapf(err, "snapshot: create %d: reflink copy", id)
	}

	createdAt := timeNow()
	rec := tocRecord{ID: id, CreatedAt: createdAt}
	if err := writeTOC(m.fs, dir+"/"+tocFileName, rec); err != nil {
		cleanup()
		return Snapshot{}, errors.Wrapf(err, "snapshot: create %d: write toc", id)
	}

	if err := m.fs.FsyncDir(dir); err != nil {
		log.WithError(err).Warn("failed to fsync snapshot directory after create")
	}
	if err := m.fs.FsyncDir(m.snapshotsDir()); err != nil {
		log.WithError(err).Warn("failed to fsync snapshots/ after create")
	}

	snap := Snapshot{ID: id, Dir: dir, CreatedAt: createdAt}

	m.mu.Lock()
	m.byID[id] = &registryEntry{snap: snap}
	m.mu.Unlock()

	log.Info("snapshot created")
	return snap, nil
}

// Handle is a scoped acquisition of a snapshot. Release must be called on
// every exit path; it is idempotent and safe to defer.
type Handle struct {
	mgr      *Manager
	id       uint64
	snap     Snapshot
	released bool
	mu       sync.Mutex
}

// Snapshot returns the acquired snapshot's identity.
func (h *Handle) Snapshot() Snapshot { return h.snap }

// Release decrements the refcount. Calling it more than once is a no-op.
func (h *Handle) Release() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.released {
		return
	}
	h.released = true
	h.mgr.release(h.id)
}

// Acquire increments the refcount on id and returns a scoped handle.
// Fails ErrNotFound if no such snapshot is registered.
func (m *Manager) Acquire(id uint64) (*Handle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.byID[id]
	if !ok {
		return nil, errors.Wrapf(ErrNotFound, "acquire %d", id)
	}
	e.refcount++
	return &Handle{mgr: m, id: id, snap: e.snap}, nil
}

func (m *Manager) release(id uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.byID[id]
	if !ok {
		return
	}
	if e.refcount > 0 {
		e.refcount--
	}
}

// SnapshotSession is Create immediately followed by Acquire: it creates a
// fresh snapshot and returns a handle bracketing its use. Release does
// not delete the snapshot; deletion remains an explicit caller
// responsibility (the coordinator, per spec.md §4.4).
func (m *Manager) SnapshotSession(sourcePath string) (*Handle, error) {
	snap, err := m.Create(sourcePath)
	if err != nil {
		return nil, err
	}
	return m.Acquire(snap.ID)
}

// Delete removes a refcount-0 snapshot. The .toc unlink is the
// linearization point: the snapshot is considered gone from that moment,
// even if bulk directory removal that follows is still in progress.
func (m *Manager) Delete(id uint64) error {
	m.mu.Lock()
	e, ok := m.byID[id]
	if !ok {
		m.mu.Unlock()
		return errors.Wrapf(ErrNotFound, "delete %d", id)
	}
	if e.refcount > 0 {
		m.mu.Unlock()
		return errors.Wrapf(ErrInUse, "delete %d", id)
	}
	dir := e.snap.Dir
	m.mu.Unlock()

	if err := m.fs.UnlinkFile(dir + "/" + tocFileName); err != nil && !hostfs.IsNotFound(err) {
		return errors.Wrapf(err, "snapshot: delete %d: unlink toc", id)
	}
	if err := m.fs.FsyncDir(dir); err != nil {
		m.log.WithField("snapshot_id", id).WithError(err).Warn("failed to fsync snapshot dir after toc unlink")
	}

	// Commit point: the marker is gone and durable, so the snapshot is
	// gone regardless of what happens to the rest of the directory.
	m.mu.Lock()
	delete(m.byID, id)
	m.mu.Unlock()

	if err := m.fs.RmdirRecursive(dir); err != nil {
		return errors.Wrapf(err, "snapshot: delete %d: rmdir", id)
	}
	m.log.WithField("snapshot_id", id).Info("snapshot deleted")
	return nil
}

// DeleteOldestIfDeletable deletes the oldest refcount-0 snapshot, if any,
// and reports whether it did.
func (m *Manager) DeleteOldestIfDeletable() (bool, error) {
	m.mu.Lock()
	var oldest *Snapshot
	for _, e := range m.byID {
		if e.refcount != 0 {
			continue
		}
		if oldest == nil || e.snap.ID < oldest.ID {
			s := e.snap
			oldest = &s
		}
	}
	m.mu.Unlock()

	if oldest == nil {
		return false, nil
	}
	if err := m.Delete(oldest.ID); err != nil {
		if errors.Is(err, ErrInUse) {
			// Raced with a concurrent Acquire; caller will retry.
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// List returns all registered snapshots, ascending by id. The returned
// values are observations, not live references: refcounts are not
// included precisely because they are guarded state, not history.
func (m *Manager) List() []Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Snapshot, 0, len(m.byID))
	for _, e := range m.byID {
		out = append(out, e.snap)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Refcount returns the current refcount for id, or 0 if unknown. Exposed
// for tests and diagnostics only; production code should never branch on
// it directly (state is derived, not stored, per spec.md §9).
func (m *Manager) Refcount(id uint64) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.byID[id]; ok {
		return e.refcount
	}
	return 0
}

var timeNow = time.Now
