package server

import (
	"errors"
	"io"
	"os"
	"path"
	"strings"
	"time"
)

// Mount binds a virtual top-level directory name to a physical directory.
// The engine serves exactly two mounts under a synthetic root, typically
// internal storage ("data") and a hot-swappable SD card ("sdcard").
type Mount struct {
	Name string
	Path string
}

var (
	errOutsideRoot = errors.New("path resolves outside the mount roots")
	errCrossMount  = errors.New("rename across mounts is not supported")
	errIsMount     = errors.New("operation not permitted on a mount root")
)

// mountEpoch is the fixed timestamp reported for the synthetic root entries.
// The pseudo-root has no physical backing, so there is nothing to stat.
var mountEpoch = time.Date(2025, time.January, 1, 0, 0, 0, 0, time.UTC)

// dirEntry is one row of a directory listing.
type dirEntry struct {
	name    string
	dir     bool
	size    int64
	modTime time.Time
}

// lister produces directory entries one at a time so that very large
// directories never have to be materialized in memory. A lister is finite
// and not restartable.
type lister interface {
	// Next returns the next entry. The second result is false once the
	// listing is exhausted.
	Next() (dirEntry, bool, error)
	Close() error
}

type mountPoint struct {
	name string
	path string
	root *os.Root
}

// vfs maps virtual FTP paths onto the two physical mounts. Each mount is
// jailed with os.Root so that the containment guarantee holds on the final
// resolved path, symlinks included, rather than being a syntactic check.
type vfs struct {
	mounts []*mountPoint
}

func openVFS(mounts []Mount) (*vfs, error) {
	v := &vfs{}
	for _, m := range mounts {
		root, err := os.OpenRoot(m.Path)
		if err != nil {
			v.close()
			return nil, err
		}
		v.mounts = append(v.mounts, &mountPoint{name: m.Name, path: m.Path, root: root})
	}
	return v, nil
}

func (v *vfs) close() {
	for _, m := range v.mounts {
		if m.root != nil {
			_ = m.root.Close()
			m.root = nil
		}
	}
}

// virtualJoin combines a command argument with the current directory using
// standard path-segment rules and returns a cleaned absolute virtual path.
func virtualJoin(cwd, arg string) string {
	p := arg
	if p == "" {
		p = cwd
	} else if !strings.HasPrefix(p, "/") {
		p = path.Join(cwd, p)
	}
	p = path.Clean(p)
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	return p
}

// split maps a cleaned virtual path to its mount and the path relative to
// that mount's root. The pseudo-root returns a nil mount. A first segment
// that names neither mount fails: path.Clean has already collapsed any ".."
// segments, so an escaping argument lands here without ever touching the
// physical filesystem.
func (v *vfs) split(vpath string) (*mountPoint, string, error) {
	if vpath == "/" {
		return nil, "", nil
	}
	trimmed := strings.TrimPrefix(vpath, "/")
	name, rest, _ := strings.Cut(trimmed, "/")
	for _, m := range v.mounts {
		if m.name == name {
			if rest == "" {
				rest = "."
			}
			return m, rest, nil
		}
	}
	return nil, "", errOutsideRoot
}

// stat returns metadata for a virtual path. The pseudo-root and the mount
// roots report as directories with the fixed epoch timestamp.
func (v *vfs) stat(vpath string) (dirEntry, error) {
	m, rel, err := v.split(vpath)
	if err != nil {
		return dirEntry{}, err
	}
	if m == nil {
		return dirEntry{name: "/", dir: true, modTime: mountEpoch}, nil
	}
	if rel == "." {
		return dirEntry{name: m.name, dir: true, modTime: mountEpoch}, nil
	}
	info, err := m.root.Stat(rel)
	if err != nil {
		return dirEntry{}, err
	}
	return dirEntry{
		name:    info.Name(),
		dir:     info.IsDir(),
		size:    info.Size(),
		modTime: info.ModTime(),
	}, nil
}

// open opens a file within one of the mounts. Opening the pseudo-root or a
// mount root is rejected; those are directories.
func (v *vfs) open(vpath string, flag int) (io.ReadWriteCloser, error) {
	m, rel, err := v.split(vpath)
	if err != nil {
		return nil, err
	}
	if m == nil || rel == "." {
		return nil, errIsMount
	}
	return m.root.OpenFile(rel, flag, 0644)
}

func (v *vfs) mkdir(vpath string) error {
	m, rel, err := v.split(vpath)
	if err != nil {
		return err
	}
	if m == nil || rel == "." {
		return errIsMount
	}
	return m.root.Mkdir(rel, 0755)
}

func (v *vfs) remove(vpath string) error {
	m, rel, err := v.split(vpath)
	if err != nil {
		return err
	}
	if m == nil || rel == "." {
		return errIsMount
	}
	return m.root.Remove(rel)
}

// rename moves a file or directory within a single mount. The mounts are
// independent media, so a cross-mount rename would silently become a copy
// and is refused.
func (v *vfs) rename(fromV, toV string) error {
	fromM, fromRel, err := v.split(fromV)
	if err != nil {
		return err
	}
	toM, toRel, err := v.split(toV)
	if err != nil {
		return err
	}
	if fromM == nil || toM == nil || fromRel == "." || toRel == "." {
		return errIsMount
	}
	if fromM != toM {
		return errCrossMount
	}
	return fromM.root.Rename(fromRel, toRel)
}

// list opens a lazy listing of the directory at vpath. The pseudo-root is
// synthesized before any physical lookup.
func (v *vfs) list(vpath string) (lister, error) {
	m, rel, err := v.split(vpath)
	if err != nil {
		return nil, err
	}
	if m == nil {
		return newRootLister(v.mounts), nil
	}
	f, err := m.root.Open(rel)
	if err != nil {
		return nil, err
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	if !info.IsDir() {
		_ = f.Close()
		return nil, errors.New("not a directory")
	}
	return &dirLister{f: f}, nil
}

// rootLister synthesizes the pseudo-root listing: one directory entry per
// mount, zero size, fixed timestamp, no stat call.
type rootLister struct {
	entries []dirEntry
	idx     int
}

func newRootLister(mounts []*mountPoint) *rootLister {
	l := &rootLister{}
	for _, m := range mounts {
		l.entries = append(l.entries, dirEntry{name: m.name, dir: true, modTime: mountEpoch})
	}
	return l
}

func (l *rootLister) Next() (dirEntry, bool, error) {
	if l.idx >= len(l.entries) {
		return dirEntry{}, false, nil
	}
	e := l.entries[l.idx]
	l.idx++
	return e, true, nil
}

func (l *rootLister) Close() error { return nil }

// dirLister reads a physical directory in small batches.
type dirLister struct {
	f     *os.File
	batch []os.DirEntry
	idx   int
	done  bool
}

const listBatchSize = 32

func (l *dirLister) Next() (dirEntry, bool, error) {
	for l.idx >= len(l.batch) {
		if l.done {
			return dirEntry{}, false, nil
		}
		batch, err := l.f.ReadDir(listBatchSize)
		if err == io.EOF {
			l.done = true
		} else if err != nil {
			return dirEntry{}, false, err
		}
		if len(batch) == 0 {
			l.done = true
		}
		l.batch = batch
		l.idx = 0
		if l.done && len(batch) == 0 {
			return dirEntry{}, false, nil
		}
	}
	e := l.batch[l.idx]
	l.idx++
	info, err := e.Info()
	if err != nil {
		// Entry vanished between readdir and stat; skip it.
		return l.Next()
	}
	return dirEntry{
		name:    e.Name(),
		dir:     e.IsDir(),
		size:    info.Size(),
		modTime: info.ModTime(),
	}, true, nil
}

func (l *dirLister) Close() error { return l.f.Close() }
