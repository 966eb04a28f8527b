package sdfat

import (
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/afero"
	"github.com/tivaport/sdfat/checkpoint"
)

// Fs is a read-only afero.Fs on a Volume. Paths are separated by "/" and relative to the root
// directory. Names are matched exactly first, then case-insensitively against the long and
// the short name.
type Fs struct {
	vol *Volume
}

var _ afero.Fs = (*Fs)(nil)

// Afero returns the volume as afero.Fs.
func (v *Volume) Afero() *Fs {
	return &Fs{vol: v}
}

// readDir lists the directory at cluster into a separate catalog, so the volume catalog
// is left alone.
func (v *Volume) readDir(cluster uint32) ([]DirectoryEntry, error) {
	c := NewCatalog(v.opts.dirCapacity)
	err := v.dev.Transaction(func() error {
		return v.scanDirectory(c, cluster, -1, true)
	})
	if err != nil {
		return nil, err
	}
	if c.Truncated() {
		return nil, checkpoint.From(fmt.Errorf("%w: more than %d entries in directory at cluster %d", ErrReadDir, c.Cap(), cluster))
	}
	return c.entries, nil
}

func (v *Volume) rootEntry() DirectoryEntry {
	return DirectoryEntry{
		Kind:         KindDir,
		Name:         "/",
		FirstCluster: v.geo.RootCluster,
		Attr:         attrDirectory,
		Parent:       -1,
	}
}

// findEntry looks up name in entries.
func findEntry(entries []DirectoryEntry, name string) (DirectoryEntry, bool) {
	for _, e := range entries {
		if e.Name == name {
			return e, true
		}
	}
	for _, e := range entries {
		if strings.EqualFold(e.Name, name) || strings.EqualFold(shortName(e.ShortName, 0), name) {
			return e, true
		}
	}
	return DirectoryEntry{}, false
}

func (fs *Fs) lookup(op, name string) (DirectoryEntry, string, error) {
	clean := strings.Trim(path.Clean("/"+filepath.ToSlash(name)), "/")
	entry := fs.vol.rootEntry()
	if clean == "" {
		return entry, clean, nil
	}

	for _, part := range strings.Split(clean, "/") {
		if !entry.IsDir() {
			return DirectoryEntry{}, clean, &os.PathError{Op: op, Path: name, Err: syscall.ENOTDIR}
		}
		entries, err := fs.vol.readDir(entry.FirstCluster)
		if err != nil {
			return DirectoryEntry{}, clean, &os.PathError{Op: op, Path: name, Err: err}
		}
		next, ok := findEntry(entries, part)
		if !ok {
			return DirectoryEntry{}, clean, &os.PathError{Op: op, Path: name, Err: os.ErrNotExist}
		}
		entry = next
	}
	return entry, clean, nil
}

func (fs *Fs) readOnly(op, name string) error {
	return &os.PathError{Op: op, Path: name, Err: ErrReadOnly}
}

func (fs *Fs) Create(name string) (afero.File, error) {
	return nil, fs.readOnly("create", name)
}

func (fs *Fs) Mkdir(name string, perm os.FileMode) error {
	return fs.readOnly("mkdir", name)
}

func (fs *Fs) MkdirAll(path string, perm os.FileMode) error {
	return fs.readOnly("mkdir", path)
}

func (fs *Fs) Open(name string) (afero.File, error) {
	entry, clean, err := fs.lookup("open", name)
	if err != nil {
		return nil, err
	}
	return newFile(fs.vol, clean, entry), nil
}

func (fs *Fs) OpenFile(name string, flag int, perm os.FileMode) (afero.File, error) {
	if flag&(os.O_WRONLY|os.O_RDWR|os.O_CREATE|os.O_TRUNC|os.O_APPEND) != 0 {
		return nil, fs.readOnly("open", name)
	}
	return fs.Open(name)
}

func (fs *Fs) Remove(name string) error {
	return fs.readOnly("remove", name)
}

func (fs *Fs) RemoveAll(path string) error {
	return fs.readOnly("remove", path)
}

func (fs *Fs) Rename(oldname, newname string) error {
	return &os.LinkError{Op: "rename", Old: oldname, New: newname, Err: ErrReadOnly}
}

func (fs *Fs) Stat(name string) (os.FileInfo, error) {
	entry, _, err := fs.lookup("stat", name)
	if err != nil {
		return nil, err
	}
	return entry.FileInfo(), nil
}

func (fs *Fs) Name() string {
	return "sdfat"
}

func (fs *Fs) Chmod(name string, mode os.FileMode) error {
	return fs.readOnly("chmod", name)
}

func (fs *Fs) Chown(name string, uid, gid int) error {
	return fs.readOnly("chown", name)
}

func (fs *Fs) Chtimes(name string, atime time.Time, mtime time.Time) error {
	return fs.readOnly("chtimes", name)
}
